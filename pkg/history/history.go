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

// Package history maintains the protocol-correct conversation log for one
// agent turn.
//
// Invariants:
//   - Index 0 is always the system message.
//   - No message handed to the backend carries a thinking field.
//   - Native mode: an assistant message with tool_calls is followed by one
//     tool message per call. Text mode: a [Called: ...] annotation in the
//     assistant content and a single user message carrying all results.
//   - An assistant turn that produced only thinking or tool calls never
//     persists with empty content (chat templates forget empty turns).
//   - Ephemeral system notes live exactly one iteration.
package history

import (
	"fmt"
	"strings"

	"github.com/kadirpekel/loco/pkg/llm"
	"github.com/kadirpekel/loco/pkg/protocol"
)

// systemNotePrefix marks ephemeral one-iteration notes.
const systemNotePrefix = "[SYSTEM NOTE:"

// blankReasoningContent replaces empty assistant content when the turn
// produced thinking only.
const blankReasoningContent = "[Reasoning completed]"

// History is the runtime conversation log. Owned by one agent loop for the
// duration of a turn; not safe for concurrent use.
type History struct {
	messages []llm.Message
	native   bool
}

// New creates a history with the system prompt at index 0 and the user
// task as the first turn.
func New(systemPrompt, task string, native bool) *History {
	return &History{
		messages: []llm.Message{
			{Role: llm.RoleSystem, Content: systemPrompt},
			{Role: llm.RoleUser, Content: task},
		},
		native: native,
	}
}

// Native reports whether the history is in native tool-call mode.
func (h *History) Native() bool {
	return h.native
}

// Len returns the message count.
func (h *History) Len() int {
	return len(h.messages)
}

// Messages returns the backing slice. Callers must not mutate it.
func (h *History) Messages() []llm.Message {
	return h.messages
}

// AddAssistantMessage appends an assistant turn with no tool calls.
// Thinking is kept on the runtime message (for persistence and summary
// building) and stripped in PrepareForRequest.
func (h *History) AddAssistantMessage(response, thinking string) {
	content := response
	if strings.TrimSpace(content) == "" && thinking != "" {
		content = blankReasoningContent
	}
	h.messages = append(h.messages, llm.Message{
		Role:     llm.RoleAssistant,
		Content:  content,
		Thinking: thinking,
	})
}

// ToolTurn carries everything needed to append an assistant tool turn.
type ToolTurn struct {
	Calls       []protocol.ToolCall
	Response    string
	Thinking    string
	ToolSummary string
}

// AddAssistantToolMessage appends the assistant turn that carries tool
// calls and returns the pushed message.
//
// Native mode attaches structured tool_calls; text mode embeds the
// [Called: ...] annotation in the content. Either way the persisted content
// is never empty.
func (h *History) AddAssistantToolMessage(turn ToolTurn) llm.Message {
	summary := turn.ToolSummary
	if summary == "" {
		summary = protocol.SummarizeCalls(turn.Calls)
	}

	content := turn.Response
	if h.native {
		if strings.TrimSpace(content) == "" {
			content = summary
		}
	} else {
		content = strings.TrimSpace(protocol.StripCompletionToken(content))
		if content == "" {
			content = summary
		} else if !strings.Contains(content, summary) {
			content = content + "\n" + summary
		}
	}

	msg := llm.Message{
		Role:     llm.RoleAssistant,
		Content:  content,
		Thinking: turn.Thinking,
	}
	if h.native {
		msg.ToolCalls = turn.Calls
	}
	h.messages = append(h.messages, msg)
	return msg
}

// NativeToolResult is one tool-role result message payload.
type NativeToolResult struct {
	Content  string
	ToolName string
}

// AddNativeToolResults appends one tool message per result. Valid only in
// native mode.
func (h *History) AddNativeToolResults(results []NativeToolResult) error {
	if !h.native {
		return fmt.Errorf("native tool results on a text-mode history")
	}
	for _, r := range results {
		h.messages = append(h.messages, llm.Message{
			Role:     llm.RoleTool,
			Content:  r.Content,
			ToolName: r.ToolName,
		})
	}
	return nil
}

// AddXMLToolResults appends all results as a single user message,
// double-newline joined, with the continuation directive at the end.
// Valid only in text mode.
func (h *History) AddXMLToolResults(results []string, continuation string) error {
	if h.native {
		return fmt.Errorf("text tool results on a native-mode history")
	}
	parts := append([]string(nil), results...)
	if continuation != "" {
		parts = append(parts, continuation)
	}
	h.messages = append(h.messages, llm.Message{
		Role:    llm.RoleUser,
		Content: strings.Join(parts, "\n\n"),
	})
	return nil
}

// AddContinuation appends a user-role continuation probe.
func (h *History) AddContinuation(text string) {
	h.messages = append(h.messages, llm.Message{
		Role:    llm.RoleUser,
		Content: text,
	})
}

// AddSystemNote injects an ephemeral note removed at the start of the next
// iteration.
func (h *History) AddSystemNote(text string) {
	h.messages = append(h.messages, llm.Message{
		Role:    llm.RoleUser,
		Content: systemNotePrefix + " " + text + "]",
	})
}

// CleanStaleSystemNotes removes every ephemeral note. Called at iteration
// start, before compaction.
func (h *History) CleanStaleSystemNotes() int {
	kept := h.messages[:0]
	removed := 0
	for _, msg := range h.messages {
		if msg.Role == llm.RoleUser && strings.HasPrefix(msg.Content, systemNotePrefix) {
			removed++
			continue
		}
		kept = append(kept, msg)
	}
	h.messages = kept
	return removed
}

// UpdateSystemPrompt transforms the system message in place.
func (h *History) UpdateSystemPrompt(fn func(current string) string) {
	h.messages[0].Content = fn(h.messages[0].Content)
}

// PrepareForRequest returns the message list with every thinking field
// stripped. The returned slice is a copy; the runtime log keeps thinking
// for persistence.
func (h *History) PrepareForRequest() []llm.Message {
	out := make([]llm.Message, len(h.messages))
	copy(out, h.messages)
	for i := range out {
		out[i].Thinking = ""
	}
	return out
}

// Replace swaps the full message list. Used by the compactor; the caller
// guarantees index 0 stays a system message.
func (h *History) Replace(messages []llm.Message) {
	h.messages = messages
}
