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

// Package llm defines the streaming chat backend interface and its Ollama
// implementation, plus model capability detection and request budgeting.
package llm

import (
	"context"
	"errors"
	"fmt"

	"github.com/kadirpekel/loco/pkg/protocol"
)

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// ErrAuth indicates a non-retryable authentication failure on the backend.
var ErrAuth = errors.New("llm: authentication failed")

// Message is one chat message as sent over the wire.
//
// Thinking is populated on assistant messages while a turn is in flight but
// must never be present on messages read back into a request; the history
// strips it in PrepareForRequest.
type Message struct {
	Role      string              `json:"role"`
	Content   string              `json:"content"`
	Thinking  string              `json:"thinking,omitempty"`
	ToolCalls []protocol.ToolCall `json:"tool_calls,omitempty"`
	ToolName  string              `json:"tool_name,omitempty"`
}

// Options are per-request generation options.
type Options struct {
	Temperature float64  `json:"temperature,omitempty"`
	NumPredict  int      `json:"num_predict,omitempty"`
	NumCtx      int      `json:"num_ctx,omitempty"`
	Stop        []string `json:"stop,omitempty"`
}

// ToolDefinition describes a callable tool to the model.
type ToolDefinition struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// ChatRequest is one chat call, streaming or not.
type ChatRequest struct {
	Model     string
	Messages  []Message
	Options   Options
	Tools     []ToolDefinition
	KeepAlive string
	Think     bool
}

// Chunk is one streamed delta from the backend.
//
// Err carries server-side error text delivered in-band. The client
// distinguishes recoverable tool-call parse errors (forwarded as chunks)
// from fatal errors (returned on the stream as a terminal error chunk).
type Chunk struct {
	Content         string
	Thinking        string
	ToolCalls       []protocol.ToolCall
	Err             error
	Done            bool
	DoneReason      string
	PromptEvalCount int
	EvalCount       int
}

// Response is a complete non-streaming reply.
type Response struct {
	Content         string
	Thinking        string
	ToolCalls       []protocol.ToolCall
	PromptEvalCount int
	EvalCount       int
}

// ModelInfo is the raw capability surface reported by the backend for one
// model, as returned by the show endpoint.
type ModelInfo struct {
	Capabilities []string
	Details      map[string]any
	Parameters   string
}

// newToolCall builds a protocol.ToolCall with a deterministic per-response
// ID. Ollama does not assign call IDs, but the history needs them to pair
// calls with results.
func newToolCall(index int, name string, args map[string]any) protocol.ToolCall {
	return protocol.ToolCall{
		ID:   fmt.Sprintf("call_%d_%s", index, name),
		Name: name,
		Args: args,
	}
}

// ChatBackend is the streaming chat API the engine drives.
//
// Chat returns a channel of chunks; the channel is closed when the stream
// ends. Cancelling ctx aborts the underlying transport immediately rather
// than waiting for the next token.
type ChatBackend interface {
	Chat(ctx context.Context, req ChatRequest) (<-chan Chunk, error)
	ChatNoStream(ctx context.Context, req ChatRequest) (*Response, error)
	ListModels(ctx context.Context) ([]string, error)
	ShowModel(ctx context.Context, name string) (*ModelInfo, error)
}
