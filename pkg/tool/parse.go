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

package tool

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/kadirpekel/loco/pkg/protocol"
)

// Text-mode tool-call extraction. Models without native tool support emit
// calls as XML-wrapped or bare JSON; both shapes are recognized here.

var (
	xmlToolCallRe = regexp.MustCompile(`(?s)<tool_call>\s*(\{.*?\})\s*</tool_call>`)

	// bareJSONRe matches a standalone {"name": "...", "arguments": {...}}
	// object. The name must be in the known-tool set to avoid treating
	// arbitrary JSON in prose as a call.
	bareJSONRe = regexp.MustCompile(`\{\s*"name"\s*:\s*"([a-zA-Z0-9_]+)"\s*,\s*"(?:arguments|args)"\s*:\s*\{`)

	// Partial-call detection for stream freezing: the moment one of these
	// prefixes appears, further content may be tool-call syntax and must
	// stop streaming to the UI.
	partialXMLRe      = regexp.MustCompile(`<tool_call>\s*\{\s*"name"\s*:\s*"([a-zA-Z0-9_]*)`)
	partialBareJSONRe = regexp.MustCompile(`\{\s*"name"\s*:\s*"([a-zA-Z0-9_]+)"\s*,\s*"(?:arguments|args)"\s*:\s*\{`)
)

type wireCall struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
	Args      map[string]any `json:"args"`
}

func (w wireCall) toCall() protocol.ToolCall {
	args := w.Arguments
	if args == nil {
		args = w.Args
	}
	if args == nil {
		args = make(map[string]any)
	}
	return protocol.ToolCall{Name: w.Name, Args: args}
}

// ExtractTextCalls parses tool calls out of text-mode model output:
// every <tool_call>...</tool_call> block, plus bare JSON objects whose
// name is in knownNames.
func ExtractTextCalls(text string, knownNames []string) []protocol.ToolCall {
	known := make(map[string]bool, len(knownNames))
	for _, n := range knownNames {
		known[n] = true
	}

	var calls []protocol.ToolCall

	for _, m := range xmlToolCallRe.FindAllStringSubmatch(text, -1) {
		var wc wireCall
		if err := json.Unmarshal([]byte(m[1]), &wc); err != nil {
			continue
		}
		if wc.Name == "" {
			continue
		}
		calls = append(calls, wc.toCall())
	}

	// Strip XML-wrapped regions before scanning for bare JSON so the same
	// call is not extracted twice.
	remaining := xmlToolCallRe.ReplaceAllString(text, "")
	for _, loc := range bareJSONRe.FindAllStringSubmatchIndex(remaining, -1) {
		name := remaining[loc[2]:loc[3]]
		if !known[name] {
			continue
		}
		fragment := balancedJSON(remaining[loc[0]:])
		if fragment == "" {
			continue
		}
		var wc wireCall
		if err := json.Unmarshal([]byte(fragment), &wc); err != nil {
			continue
		}
		if wc.Name == "" {
			continue
		}
		calls = append(calls, wc.toCall())
	}

	return calls
}

// balancedJSON returns the shortest prefix of s that is a balanced JSON
// object, or "" when braces never balance.
func balancedJSON(s string) string {
	depth := 0
	inString := false
	escaped := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if escaped {
			escaped = false
			continue
		}
		switch {
		case c == '\\' && inString:
			escaped = true
		case c == '"':
			inString = !inString
		case inString:
		case c == '{':
			depth++
		case c == '}':
			depth--
			if depth == 0 {
				return s[:i+1]
			}
		}
	}
	return ""
}

// HasPartialCall reports whether text contains the start of what may become
// a tool call, so the stream decoder can freeze UI output. Bare-JSON detection requires
// a known tool name; the XML form is unambiguous.
func HasPartialCall(text string, knownNames []string) bool {
	if partialXMLRe.MatchString(text) {
		return true
	}
	if m := partialBareJSONRe.FindStringSubmatch(text); m != nil {
		for _, n := range knownNames {
			if n == m[1] {
				return true
			}
		}
	}
	// An opened <tool_call> tag with no JSON yet still freezes.
	return strings.Contains(text, "<tool_call>")
}

// StripTextCalls removes <tool_call>...</tool_call> blocks from text for UI
// display. Bare-JSON calls are left in place.
func StripTextCalls(text string) string {
	out := xmlToolCallRe.ReplaceAllString(text, "")
	return strings.TrimSpace(out)
}
