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
	"sync"
	"time"

	"github.com/kadirpekel/loco/pkg/bus"
	"github.com/kadirpekel/loco/pkg/config"
	"github.com/kadirpekel/loco/pkg/host"
	"github.com/kadirpekel/loco/pkg/llm"
	"github.com/kadirpekel/loco/pkg/protocol"
	"github.com/kadirpekel/loco/pkg/tool"
)

// fakeBackend replays scripted chunk sequences, one per Chat call.
type fakeBackend struct {
	mu      sync.Mutex
	turns   [][]llm.Chunk
	noResp  *llm.Response
	info    *llm.ModelInfo
	chatErr error
	calls   int
}

func newFakeBackend(turns ...[]llm.Chunk) *fakeBackend {
	return &fakeBackend{
		turns: turns,
		info: &llm.ModelInfo{
			Capabilities: []string{"tools", "thinking"},
			Details:      map[string]any{"llama.context_length": float64(16384)},
		},
	}
}

func (f *fakeBackend) Chat(ctx context.Context, req llm.ChatRequest) (<-chan llm.Chunk, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.chatErr != nil {
		return nil, f.chatErr
	}
	if f.calls >= len(f.turns) {
		return nil, fmt.Errorf("fake backend exhausted after %d turns", f.calls)
	}
	turn := f.turns[f.calls]
	f.calls++

	ch := make(chan llm.Chunk, len(turn))
	for _, chunk := range turn {
		ch <- chunk
	}
	close(ch)
	return ch, nil
}

func (f *fakeBackend) ChatNoStream(ctx context.Context, req llm.ChatRequest) (*llm.Response, error) {
	if f.noResp != nil {
		return f.noResp, nil
	}
	return &llm.Response{}, nil
}

func (f *fakeBackend) ListModels(ctx context.Context) ([]string, error) {
	return []string{"test-model"}, nil
}

func (f *fakeBackend) ShowModel(ctx context.Context, name string) (*llm.ModelInfo, error) {
	return f.info, nil
}

func doneChunk(promptTokens, evalTokens int) llm.Chunk {
	return llm.Chunk{Done: true, DoneReason: "stop", PromptEvalCount: promptTokens, EvalCount: evalTokens}
}

func toolCallChunk(name string, args map[string]any) llm.Chunk {
	return llm.Chunk{ToolCalls: []protocol.ToolCall{{ID: "call_0_" + name, Name: name, Args: args}}}
}

// recSink records every published event.
type recSink struct {
	mu     sync.Mutex
	events []bus.Event
}

func (s *recSink) PostMessage(event bus.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
}

func (s *recSink) byType(eventType string) []bus.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []bus.Event
	for _, e := range s.events {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

func (s *recSink) streamedText() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := ""
	for _, e := range s.events {
		if e.Type == bus.EventStreamChunk {
			if text, ok := e.Payload["text"].(string); ok {
				out += text
			}
		}
	}
	return out
}

// fakeEnv is an in-memory host with scripted diagnostics.
type fakeEnv struct {
	mu          sync.Mutex
	files       map[string]string
	diagnostics map[string][]host.Diagnostic
	focus       string
}

func newFakeEnv() *fakeEnv {
	return &fakeEnv{
		files:       make(map[string]string),
		diagnostics: make(map[string][]host.Diagnostic),
	}
}

func (e *fakeEnv) WorkspaceFolders() []string       { return []string{"/workspace"} }
func (e *fakeEnv) AsRelativePath(path string) string { return path }
func (e *fakeEnv) ActiveEditorPath() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.focus
}

func (e *fakeEnv) ReadFile(ctx context.Context, path string) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	content, ok := e.files[path]
	if !ok {
		return "", fmt.Errorf("no such file: %s", path)
	}
	return content, nil
}

func (e *fakeEnv) WriteFile(ctx context.Context, path, content string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.files[path] = content
	return nil
}

func (e *fakeEnv) Stat(ctx context.Context, path string) (*host.FileInfo, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.files[path]; !ok {
		return nil, fmt.Errorf("no such file: %s", path)
	}
	return &host.FileInfo{MtimeMS: time.Now().UnixMilli()}, nil
}

func (e *fakeEnv) DeleteDir(ctx context.Context, path string) error { return nil }

func (e *fakeEnv) WaitForDiagnostics(ctx context.Context, path string, timeout time.Duration) ([]host.Diagnostic, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.diagnostics[path], nil
}

func (e *fakeEnv) ErrorDiagnostics(ctx context.Context, path string) ([]host.Diagnostic, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return host.ErrorsOnly(e.diagnostics[path]), nil
}

func (e *fakeEnv) setDiagnostics(path string, diags []host.Diagnostic) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.diagnostics[path] = diags
}

// fnTool is a function-backed tool for tests.
type fnTool struct {
	name      string
	kind      tool.Kind
	cacheable bool
	fn        func(ctx context.Context, args map[string]any) (string, error)

	mu    sync.Mutex
	calls int
}

func (t *fnTool) Name() string           { return t.name }
func (t *fnTool) Description() string    { return "test tool " + t.name }
func (t *fnTool) Kind() tool.Kind        { return t.kind }
func (t *fnTool) Cacheable() bool        { return t.cacheable }
func (t *fnTool) Schema() map[string]any { return map[string]any{"type": "object"} }

func (t *fnTool) Call(ctx context.Context, args map[string]any) (string, error) {
	t.mu.Lock()
	t.calls++
	t.mu.Unlock()
	return t.fn(ctx, args)
}

func (t *fnTool) callCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.calls
}

func testExecutorConfig() config.ExecutorConfig {
	cfg := config.ExecutorConfig{}
	cfg.SetDefaults()
	cfg.DiagnosticsWait = 10 * time.Millisecond
	return cfg
}
