// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package history

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/kadirpekel/loco/pkg/llm"
)

// summaryHeader prefixes the synthetic assistant message that replaces
// summarized turns.
const summaryHeader = "[Earlier conversation summary]"

// maxSummaryInput bounds the text sent to the summarization call.
const maxSummaryInput = 24000

// Compactor summarizes older turns through the model when the prompt
// outgrows its budget, preserving the system prompt and the most recent
// messages verbatim.
type Compactor struct {
	backend        llm.ChatBackend
	model          string
	preserveRecent int
	count          func([]llm.Message) int
}

// Report describes one compaction.
type Report struct {
	SummarizedMessages int
	TokensBefore       int
	TokensAfter        int
}

// NewCompactor creates a compactor. count measures token size of a message
// list (the budgeter's counter).
func NewCompactor(backend llm.ChatBackend, model string, preserveRecent int, count func([]llm.Message) int) *Compactor {
	if preserveRecent <= 0 {
		preserveRecent = 6
	}
	return &Compactor{
		backend:        backend,
		model:          model,
		preserveRecent: preserveRecent,
		count:          count,
	}
}

// Compact summarizes the oldest non-system, non-recent messages into a
// single assistant message. Returns nil when there is nothing to compact.
//
// The cut point never splits a tool-call group: when the kept region would
// start with tool-result messages, the cut moves back so the results stay
// with their assistant call, or the whole group collapses into the summary
// together.
func (c *Compactor) Compact(ctx context.Context, h *History) (*Report, error) {
	messages := h.Messages()
	cut := len(messages) - c.preserveRecent
	if cut <= 2 {
		// System + first user turn + too little history to summarize.
		return nil, nil
	}

	for cut > 1 && messages[cut].Role == llm.RoleTool {
		cut--
	}
	if cut <= 2 {
		return nil, nil
	}

	tokensBefore := c.count(messages)
	region := messages[1:cut]

	summary, err := c.summarize(ctx, region)
	if err != nil {
		return nil, fmt.Errorf("failed to summarize history: %w", err)
	}

	compacted := make([]llm.Message, 0, len(messages)-len(region)+1)
	compacted = append(compacted, messages[0])
	compacted = append(compacted, llm.Message{
		Role:    llm.RoleAssistant,
		Content: summaryHeader + "\n" + summary,
	})
	compacted = append(compacted, messages[cut:]...)
	h.Replace(compacted)

	report := &Report{
		SummarizedMessages: len(region),
		TokensBefore:       tokensBefore,
		TokensAfter:        c.count(compacted),
	}

	slog.Info("Compacted conversation history",
		"summarized", report.SummarizedMessages,
		"tokens_before", report.TokensBefore,
		"tokens_after", report.TokensAfter)

	return report, nil
}

func (c *Compactor) summarize(ctx context.Context, region []llm.Message) (string, error) {
	var b strings.Builder
	for _, msg := range region {
		b.WriteString(msg.Role)
		b.WriteString(": ")
		content := msg.Content
		if len(content) > 2000 {
			content = content[:2000] + "\n...(truncated)"
		}
		b.WriteString(content)
		b.WriteString("\n\n")
	}
	transcript := b.String()
	if len(transcript) > maxSummaryInput {
		transcript = transcript[len(transcript)-maxSummaryInput:]
	}

	resp, err := c.backend.ChatNoStream(ctx, llm.ChatRequest{
		Model: c.model,
		Messages: []llm.Message{
			{
				Role: llm.RoleSystem,
				Content: "You condense agent conversations. Summarize the transcript below, " +
					"keeping file paths, tool outcomes, decisions, and unresolved problems. " +
					"Write a dense factual summary under 300 words. No preamble.",
			},
			{Role: llm.RoleUser, Content: transcript},
		},
		Options: llm.Options{Temperature: 0.1, NumPredict: 512},
	})
	if err != nil {
		return "", err
	}

	summary := strings.TrimSpace(resp.Content)
	if summary == "" {
		// Model returned nothing useful; fall back to a mechanical digest
		// rather than losing the turns entirely.
		summary = fmt.Sprintf("(%d earlier messages elided)", len(region))
	}
	return summary, nil
}
