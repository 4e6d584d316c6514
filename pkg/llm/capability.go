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

package llm

import (
	"context"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"sync"
)

// Capability is the detected capability surface of one model.
type Capability struct {
	// ContextLength is the model's context window in tokens; 0 if unknown.
	ContextLength int

	// NativeTools is true when the model supports structured tool_calls.
	NativeTools bool

	// Thinking is true when the model emits a thinking channel.
	Thinking bool
}

// capabilityCache is the process-wide model capability cache. Read-mostly;
// refreshed by a single writer through Detect.
var capabilityCache = struct {
	mu      sync.RWMutex
	entries map[string]Capability
}{entries: make(map[string]Capability)}

var numCtxParamRe = regexp.MustCompile(`\bnum_ctx\s+(\d+)`)

// Detect returns the capability of a model, querying the backend on first
// use and caching the result process-wide.
func Detect(ctx context.Context, backend ChatBackend, model string) Capability {
	capabilityCache.mu.RLock()
	cached, ok := capabilityCache.entries[model]
	capabilityCache.mu.RUnlock()
	if ok {
		return cached
	}

	capability := Capability{}
	info, err := backend.ShowModel(ctx, model)
	if err != nil {
		slog.Warn("Failed to query model capabilities", "model", model, "error", err)
		return capability
	}

	for _, c := range info.Capabilities {
		switch c {
		case "tools":
			capability.NativeTools = true
		case "thinking":
			capability.Thinking = true
		}
	}
	capability.ContextLength = extractContextLength(info)

	capabilityCache.mu.Lock()
	capabilityCache.entries[model] = capability
	capabilityCache.mu.Unlock()

	slog.Debug("Detected model capabilities",
		"model", model,
		"context_length", capability.ContextLength,
		"native_tools", capability.NativeTools,
		"thinking", capability.Thinking)

	return capability
}

// ResetCapabilityCache clears the process-wide cache. Test helper.
func ResetCapabilityCache() {
	capabilityCache.mu.Lock()
	capabilityCache.entries = make(map[string]Capability)
	capabilityCache.mu.Unlock()
}

// extractContextLength pulls the context window out of a show response.
// Model info keys are architecture-prefixed (llama.context_length,
// qwen2.context_length, ...), so any "*.context_length" suffix wins, then
// the bare fallback keys, then a num_ctx override in the parameters blob.
func extractContextLength(info *ModelInfo) int {
	if info == nil {
		return 0
	}

	for key, value := range info.Details {
		if strings.HasSuffix(key, ".context_length") {
			if n := asInt(value); n > 0 {
				return n
			}
		}
	}

	for _, key := range []string{"context_length", "context_window", "num_ctx"} {
		if value, ok := info.Details[key]; ok {
			if n := asInt(value); n > 0 {
				return n
			}
		}
	}

	if m := numCtxParamRe.FindStringSubmatch(info.Parameters); m != nil {
		if n, err := strconv.Atoi(m[1]); err == nil {
			return n
		}
	}

	return 0
}

func asInt(value any) int {
	switch v := value.(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case string:
		n, err := strconv.Atoi(v)
		if err != nil {
			return 0
		}
		return n
	default:
		return 0
	}
}
