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
	"log/slog"
	"regexp"
	"strings"

	"github.com/kadirpekel/loco/pkg/protocol"
)

// Recovery of malformed tool calls from server parse-error messages.
//
// Small local models frequently emit smart quotes or CJK punctuation inside
// tool-call JSON; the server rejects the call with an error message that
// embeds the raw fragment. Rather than burning an iteration on a retry
// hint, the fragment is extracted, its quotes normalized, and the call
// reconstructed.

// rawFragmentRes locate the JSON fragment inside a parse-error message.
var rawFragmentRes = []*regexp.Regexp{
	regexp.MustCompile(`raw='(\{.*\})'`),
	regexp.MustCompile(`raw="(\{.*\})"`),
	regexp.MustCompile("raw=`(\\{.*\\})`"),
	regexp.MustCompile(`(\{.*\})`),
}

// quoteNormalizer maps Unicode quote variants to ASCII double quotes.
var quoteNormalizer = strings.NewReplacer(
	"“", `"`, // left double quotation mark
	"”", `"`, // right double quotation mark
	"„", `"`, // double low-9 quotation mark
	"‟", `"`, // double high-reversed-9 quotation mark
	"‘", "'", // left single quotation mark
	"’", "'", // right single quotation mark
	"＂", `"`, // fullwidth quotation mark
	"「", `"`, // left corner bracket
	"」", `"`, // right corner bracket
	"『", `"`, // left white corner bracket
	"』", `"`, // right white corner bracket
	"〝", `"`, // reversed double prime quotation mark
	"〞", `"`, // double prime quotation mark
)

// RecoverCall repairs a malformed tool call embedded in a server parse
// error. Returns nil when nothing parseable can be salvaged.
func RecoverCall(errorMessage string) *protocol.ToolCall {
	fragment := extractFragment(errorMessage)
	if fragment == "" {
		return nil
	}

	// Smart quotes appear in two shapes: inside a JSON string value (the
	// fragment is valid JSON as-is) or as the string delimiters themselves
	// (normalization makes it parseable). Try both in that order;
	// normalizing first would corrupt the value-internal case.
	var wc wireCall
	if err := json.Unmarshal([]byte(fragment), &wc); err != nil {
		normalized := quoteNormalizer.Replace(fragment)
		if err := json.Unmarshal([]byte(normalized), &wc); err != nil {
			slog.Debug("Tool call recovery failed to parse fragment", "error", err)
			return nil
		}
	}

	call := wc.toCall()

	// Normalize quote damage inside argument values too.
	for k, v := range call.Args {
		if s, ok := v.(string); ok {
			call.Args[k] = strings.Trim(quoteNormalizer.Replace(s), `"'`)
		}
	}

	if call.Name == "" {
		call.Name = inferName(call.Args)
		if call.Name == "" {
			return nil
		}
	}

	slog.Debug("Recovered malformed tool call", "tool", call.Name)
	return &call
}

func extractFragment(message string) string {
	for _, re := range rawFragmentRes {
		if m := re.FindStringSubmatch(message); m != nil {
			if frag := balancedJSON(m[1]); frag != "" {
				return frag
			}
			return m[1]
		}
	}
	return ""
}

// inferName guesses the tool from the argument shape when the name was
// lost. The mapping mirrors the canonical tool arg structs.
func inferName(args map[string]any) string {
	has := func(key string) bool {
		_, ok := args[key]
		return ok
	}

	switch {
	case has("symbolName") && has("path"):
		return NameFindDefinition
	case has("path") && has("content"):
		return NameWriteFile
	case has("command"):
		return NameRunCommand
	case has("query"):
		return NameSearchFiles
	case has("path"):
		return NameReadFile
	default:
		return ""
	}
}
