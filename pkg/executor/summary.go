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

package executor

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/kadirpekel/loco/pkg/bus"
	"github.com/kadirpekel/loco/pkg/llm"
	"github.com/kadirpekel/loco/pkg/protocol"
	"github.com/kadirpekel/loco/pkg/session"
)

// summaryTailTools is how many recent tool outputs feed the fallback
// summary call.
const summaryTailTools = 6

// titleTimeout bounds session title generation.
const titleTimeout = 15 * time.Second

// summaryBuilder produces the post-loop closeout message via a fallback
// ladder: streamed model text, then a one-shot model summary, then a
// bullet list of recent tool calls, then a generic line.
type summaryBuilder struct {
	backend llm.ChatBackend
	model   string
}

// build returns the final explanation text. fromStream is true when the
// first rung won: the text is the turn's own streamed output, which the
// loop already persisted iteration by iteration.
func (s *summaryBuilder) build(ctx context.Context, streamedText, condensedThinking string, recentResults []protocol.ToolResult) (explanation string, fromStream bool) {
	if text := strings.TrimSpace(protocol.StripCompletionToken(streamedText)); text != "" {
		return text, true
	}

	if text := s.modelSummary(ctx, condensedThinking, recentResults); text != "" {
		return text, false
	}

	if text := bulletSummary(recentResults); text != "" {
		return text, false
	}

	return "Task completed successfully.", false
}

func (s *summaryBuilder) modelSummary(ctx context.Context, condensedThinking string, results []protocol.ToolResult) string {
	if len(results) == 0 && condensedThinking == "" {
		return ""
	}

	var b strings.Builder
	tail := results
	if len(tail) > summaryTailTools {
		tail = tail[len(tail)-summaryTailTools:]
	}
	for _, r := range tail {
		output := r.Output
		if len(output) > 1500 {
			output = output[:1500] + "\n...(truncated)"
		}
		fmt.Fprintf(&b, "[%s]\n%s\n\n", r.ToolName, output)
	}
	if condensedThinking != "" {
		b.WriteString("Reasoning notes:\n")
		b.WriteString(condensedThinking)
	}

	resp, err := s.backend.ChatNoStream(ctx, llm.ChatRequest{
		Model: s.model,
		Messages: []llm.Message{
			{
				Role: llm.RoleSystem,
				Content: "Summarize what the agent just did for the user in 2-4 sentences. " +
					"Plain language, concrete outcomes, no tool-name jargon.",
			},
			{Role: llm.RoleUser, Content: b.String()},
		},
		Options: llm.Options{Temperature: 0.2, NumPredict: 256},
	})
	if err != nil {
		return ""
	}
	return strings.TrimSpace(resp.Content)
}

func bulletSummary(results []protocol.ToolResult) string {
	if len(results) == 0 {
		return ""
	}
	tail := results
	if len(tail) > summaryTailTools {
		tail = tail[len(tail)-summaryTailTools:]
	}

	var b strings.Builder
	b.WriteString("Steps taken:\n")
	for _, r := range tail {
		status := "ok"
		if r.Error != "" {
			status = "failed"
		}
		if r.Skipped {
			status = "skipped"
		}
		fmt.Fprintf(&b, "- %s (%s)\n", r.ToolName, status)
	}
	return strings.TrimSpace(b.String())
}

// finalize persists and publishes the closeout. The finalMessage event
// publishes only when it adds content beyond what already streamed.
// Sub-agent loops skip the closeout entirely: their output returns to the
// parent as tool output, not as a session message.
func (l *loop) finalize(ctx context.Context, cancelled bool) {
	if !l.caps.outputToUser {
		return
	}

	// A cancelled turn keeps what already streamed but gets no synthetic
	// closeout: the streamed text and the thinking block were persisted by
	// their iterations, and a "completed successfully" message would be a
	// lie.
	if cancelled {
		return
	}

	builder := &summaryBuilder{backend: l.backend, model: l.sess.Model}

	explanation, fromStream := builder.build(ctx, l.streamedText.String(), l.condensedThinking(), l.allResults)

	if len(l.gates.wroteFiles) > 0 {
		explanation = fmt.Sprintf("**%d files modified**\n\n%s", len(l.gates.wroteFiles), explanation)
		l.bus.Emit(ctx, bus.EventFilesChanged, map[string]any{"files": l.gates.wroteFiles})
	}

	// The streamed-text rung is already in the store, one row per
	// iteration; re-persisting it here would duplicate the assistant's
	// text on every reload. Only the synthetic rungs persist, and only
	// they add content worth a finalMessage.
	if fromStream {
		return
	}

	if _, err := l.store.AddMessage(ctx, l.sess.ID, llm.RoleAssistant, explanation, session.MessageOptions{Model: l.sess.Model}); err == nil {
		l.bus.Post(bus.EventFinalMessage, map[string]any{"text": explanation})
	}
}

// condensedThinking joins the turn's thinking blocks, capped.
func (l *loop) condensedThinking() string {
	joined := strings.Join(l.thinkingBlocks, "\n")
	if len(joined) > 4000 {
		joined = joined[len(joined)-4000:]
	}
	return joined
}

// GenerateTitle produces a short session title with one non-streaming
// model call raced against a timeout. Returns "" on timeout or error.
func GenerateTitle(ctx context.Context, backend llm.ChatBackend, model, task string) string {
	ctx, cancel := context.WithTimeout(ctx, titleTimeout)
	defer cancel()

	type outcome struct {
		title string
	}
	ch := make(chan outcome, 1)

	go func() {
		resp, err := backend.ChatNoStream(ctx, llm.ChatRequest{
			Model: model,
			Messages: []llm.Message{
				{Role: llm.RoleSystem, Content: "Produce a 3-6 word title for this coding task. Title only, no quotes."},
				{Role: llm.RoleUser, Content: task},
			},
			Options: llm.Options{Temperature: 0.3, NumPredict: 32},
		})
		if err != nil {
			ch <- outcome{}
			return
		}
		ch <- outcome{title: strings.TrimSpace(strings.Trim(resp.Content, `"`))}
	}()

	select {
	case out := <-ch:
		return out.title
	case <-ctx.Done():
		return ""
	}
}
