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

// Package protocol holds the wire-level types shared between the executor,
// the tool layer, and the conversation history: tool calls and results,
// the between-iteration control packet, and the completion sentinel.
package protocol

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// CompletionToken is the only literal that terminates the agent loop.
// Loose paraphrases ("the task is complete") are deliberately not accepted:
// models use them to escape the loop prematurely.
const CompletionToken = "[TASK_COMPLETE]"

// ToolCall is an LLM request to invoke a named tool. Args are loosely typed
// because the model emits them as JSON; tools validate at their boundary.
type ToolCall struct {
	ID   string         `json:"id,omitempty"`
	Name string         `json:"name"`
	Args map[string]any `json:"args"`
}

// ToolResult is the outcome of one tool invocation.
type ToolResult struct {
	ToolCallID string `json:"tool_call_id,omitempty"`
	ToolName   string `json:"tool_name"`
	Output     string `json:"output"`
	Error      string `json:"error,omitempty"`
	Skipped    bool   `json:"skipped,omitempty"`
	ElapsedMS  int64  `json:"elapsed_ms"`
}

// Control packet states.
const (
	StateNeedTools   = "need_tools"
	StateNeedFixes   = "need_fixes"
	StateNeedSummary = "need_summary"
	StateComplete    = "complete"
)

// ControlPacket is the structured between-iteration directive embedded in a
// continuation user message, wrapped in <agent_control> tags and followed by
// a one-line natural-language directive.
type ControlPacket struct {
	State               string   `json:"state"`
	Iteration           int      `json:"iteration"`
	MaxIterations       int      `json:"maxIterations"`
	RemainingIterations int      `json:"remainingIterations"`
	FilesChanged        []string `json:"filesChanged"`
	ToolResults         int      `json:"toolResults,omitempty"`
	Note                string   `json:"note,omitempty"`
}

// Render serializes the packet with its directive line.
func (p ControlPacket) Render() string {
	if p.FilesChanged == nil {
		p.FilesChanged = []string{}
	}
	data, err := json.Marshal(p)
	if err != nil {
		data = []byte(`{"state":"` + p.State + `"}`)
	}

	directive := "Proceed with tool calls or " + CompletionToken + "."
	switch p.State {
	case StateNeedFixes:
		directive = "Fix the reported problems, then continue."
	case StateNeedSummary:
		directive = "Summarize what you did in 2-4 sentences."
	case StateComplete:
		directive = "The task is done."
	}

	return fmt.Sprintf("<agent_control>%s</agent_control>\n%s", data, directive)
}

var controlPacketRe = regexp.MustCompile(`(?s)<agent_control>\s*(\{.*?\})\s*</agent_control>`)

// ParseControlPacket extracts an <agent_control> packet from text.
// Returns nil when no parseable packet is present.
func ParseControlPacket(text string) *ControlPacket {
	m := controlPacketRe.FindStringSubmatch(text)
	if m == nil {
		return nil
	}
	var p ControlPacket
	if err := json.Unmarshal([]byte(m[1]), &p); err != nil {
		return nil
	}
	return &p
}

// IsCompletionSignaled reports whether the model declared completion, in
// either the response or the thinking channel. Only the literal token or a
// control packet with state=complete count.
func IsCompletionSignaled(response, thinking string) bool {
	if containsCompletionToken(response) || containsCompletionToken(thinking) {
		return true
	}
	if p := ParseControlPacket(response); p != nil && p.State == StateComplete {
		return true
	}
	return false
}

func containsCompletionToken(text string) bool {
	return strings.Contains(strings.ToUpper(text), CompletionToken)
}

// StripCompletionToken removes every occurrence of the completion token
// (case-insensitive) from text, for user-facing output.
func StripCompletionToken(text string) string {
	upper := strings.ToUpper(text)
	for {
		idx := strings.Index(upper, CompletionToken)
		if idx < 0 {
			return text
		}
		text = text[:idx] + text[idx+len(CompletionToken):]
		upper = upper[:idx] + upper[idx+len(CompletionToken):]
	}
}

// TrimPartialCompletionToken trims a trailing prefix of the completion token
// from a UI-visible chunk so the stop token never flashes while streaming.
// "Done. [TASK_CO" becomes "Done. ".
func TrimPartialCompletionToken(chunk string) string {
	upper := strings.ToUpper(chunk)
	for n := len(CompletionToken); n > 0; n-- {
		if strings.HasSuffix(upper, CompletionToken[:n]) {
			return chunk[:len(chunk)-n]
		}
	}
	return chunk
}

// Signature builds the stable identity of a tool call used for duplicate
// detection and result caching: name plus sorted key=value pairs, values in
// canonical JSON.
func Signature(name string, args map[string]any) string {
	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(name)
	for _, k := range keys {
		b.WriteString("|")
		b.WriteString(k)
		b.WriteString("=")
		val, err := json.Marshal(args[k])
		if err != nil {
			b.WriteString(fmt.Sprintf("%v", args[k]))
			continue
		}
		b.Write(val)
	}
	return b.String()
}

// CanonicalArgs serializes args deterministically (json.Marshal sorts map
// keys). Used for cache keys and call summaries.
func CanonicalArgs(args map[string]any) string {
	data, err := json.Marshal(args)
	if err != nil {
		return fmt.Sprintf("%v", args)
	}
	return string(data)
}

// SummarizeCalls renders a compact one-line summary of a batch, used for
// blank-turn persisted content and progress hints.
// Example: "[Called: read_file(path=src/a.ts), grep_search(query=foo)]".
func SummarizeCalls(calls []ToolCall) string {
	if len(calls) == 0 {
		return ""
	}
	parts := make([]string, 0, len(calls))
	for _, call := range calls {
		parts = append(parts, renderCall(call))
	}
	return "[Called: " + strings.Join(parts, ", ") + "]"
}

func renderCall(call ToolCall) string {
	keys := make([]string, 0, len(call.Args))
	for k := range call.Args {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	args := make([]string, 0, len(keys))
	for _, k := range keys {
		v := fmt.Sprintf("%v", call.Args[k])
		if len(v) > 60 {
			v = v[:57] + "..."
		}
		args = append(args, fmt.Sprintf("%s=%s", k, v))
	}
	return fmt.Sprintf("%s(%s)", call.Name, strings.Join(args, ", "))
}
