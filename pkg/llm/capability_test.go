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
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

// fakeShowBackend serves canned ShowModel responses.
type fakeShowBackend struct {
	ChatBackend
	info  *ModelInfo
	err   error
	calls int
}

func (f *fakeShowBackend) ShowModel(ctx context.Context, name string) (*ModelInfo, error) {
	f.calls++
	return f.info, f.err
}

func TestExtractContextLength(t *testing.T) {
	tests := []struct {
		name string
		info *ModelInfo
		want int
	}{
		{
			"architecture-prefixed key",
			&ModelInfo{Details: map[string]any{"llama.context_length": float64(8192)}},
			8192,
		},
		{
			"other architecture prefix",
			&ModelInfo{Details: map[string]any{"qwen2.context_length": 32768}},
			32768,
		},
		{
			"bare fallback key",
			&ModelInfo{Details: map[string]any{"context_length": float64(16384)}},
			16384,
		},
		{
			"context_window fallback",
			&ModelInfo{Details: map[string]any{"context_window": "4096"}},
			4096,
		},
		{
			"parameters blob",
			&ModelInfo{Parameters: "temperature 0.7\nnum_ctx 24576\ntop_p 0.9"},
			24576,
		},
		{
			"nothing known",
			&ModelInfo{Details: map[string]any{"general.basename": "llama"}},
			0,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, extractContextLength(tt.info))
		})
	}
}

func TestDetectCapabilities(t *testing.T) {
	ResetCapabilityCache()
	backend := &fakeShowBackend{info: &ModelInfo{
		Capabilities: []string{"completion", "tools", "thinking"},
		Details:      map[string]any{"llama.context_length": float64(8192)},
	}}

	capability := Detect(context.Background(), backend, "test-model")
	assert.True(t, capability.NativeTools)
	assert.True(t, capability.Thinking)
	assert.Equal(t, 8192, capability.ContextLength)
}

func TestDetectCaches(t *testing.T) {
	ResetCapabilityCache()
	backend := &fakeShowBackend{info: &ModelInfo{Capabilities: []string{"tools"}}}

	Detect(context.Background(), backend, "cached-model")
	Detect(context.Background(), backend, "cached-model")
	assert.Equal(t, 1, backend.calls, "second lookup must hit the cache")
}

func TestDetectBackendError(t *testing.T) {
	ResetCapabilityCache()
	backend := &fakeShowBackend{err: fmt.Errorf("connection refused")}

	capability := Detect(context.Background(), backend, "down-model")
	assert.Equal(t, Capability{}, capability)

	// Errors must not be cached as capabilities.
	backend.err = nil
	backend.info = &ModelInfo{Capabilities: []string{"tools"}}
	capability = Detect(context.Background(), backend, "down-model")
	assert.True(t, capability.NativeTools)
}
