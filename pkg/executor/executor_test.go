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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/loco/pkg/approval"
	"github.com/kadirpekel/loco/pkg/bus"
	"github.com/kadirpekel/loco/pkg/config"
	"github.com/kadirpekel/loco/pkg/host"
	"github.com/kadirpekel/loco/pkg/llm"
	"github.com/kadirpekel/loco/pkg/session"
	"github.com/kadirpekel/loco/pkg/session/memstore"
	"github.com/kadirpekel/loco/pkg/tool"
)

type fixture struct {
	exec    *Executor
	backend *fakeBackend
	env     *fakeEnv
	store   *memstore.Store
	sink    *recSink
	gate    *approval.Gate
	sess    *session.Session
	tools   map[string]*fnTool
}

func newFixture(t *testing.T, backend *fakeBackend) *fixture {
	t.Helper()
	llm.ResetCapabilityCache()

	env := newFakeEnv()
	store := memstore.New()
	sink := &recSink{}
	gate := approval.NewGate(nil)

	tools := map[string]*fnTool{
		tool.NameReadFile: {name: tool.NameReadFile, kind: tool.KindFileRead, fn: func(ctx context.Context, args map[string]any) (string, error) {
			path, _ := args["path"].(string)
			return env.ReadFile(ctx, path)
		}},
		tool.NameWriteFile: {name: tool.NameWriteFile, kind: tool.KindFileEdit, fn: func(ctx context.Context, args map[string]any) (string, error) {
			return env.WriteFileOutput(ctx, args)
		}},
		tool.NameRunCommand: {name: tool.NameRunCommand, kind: tool.KindTerminal, fn: func(ctx context.Context, args map[string]any) (string, error) {
			return "command output", nil
		}},
		tool.NameGrepSearch: {name: tool.NameGrepSearch, kind: tool.KindGeneric, cacheable: true, fn: func(ctx context.Context, args map[string]any) (string, error) {
			return "search results", nil
		}},
	}

	registry := tool.NewRegistry()
	for _, tl := range tools {
		registry.Register(tl)
	}

	backendCfg := config.BackendConfig{}
	backendCfg.SetDefaults()

	exec := New(Options{
		Config:        testExecutorConfig(),
		BackendConfig: backendCfg,
		Backend:       backend,
		Registry:      registry,
		Env:           env,
		Store:         store,
		Sink:          sink,
		Gate:          gate,
	})

	id, err := store.CreateSession(context.Background(), "task", "test-model", "/workspace")
	require.NoError(t, err)
	sess, err := store.GetSession(context.Background(), id)
	require.NoError(t, err)
	// The explore mode keeps the scenarios read-capable; individual tests
	// switch modes as needed.
	sess.Mode = tool.ModeExplore

	return &fixture{exec: exec, backend: backend, env: env, store: store, sink: sink, gate: gate, sess: sess, tools: tools}
}

// Scenario: happy path, single read then completion.
func TestRunHappyPathSingleRead(t *testing.T) {
	backend := newFakeBackend(
		[]llm.Chunk{
			toolCallChunk(tool.NameReadFile, map[string]any{"path": "src/a.ts"}),
			doneChunk(100, 30),
		},
		[]llm.Chunk{
			{Content: "The file defines a helper that formats timestamps. [TASK_COMPLETE]"},
			doneChunk(200, 40),
		},
	)
	fx := newFixture(t, backend)
	require.NoError(t, fx.env.WriteFile(context.Background(), "src/a.ts", "export const x = 1\n"))

	require.NoError(t, fx.exec.Run(context.Background(), fx.sess, "Summarize src/a.ts"))

	assert.Equal(t, session.StatusCompleted, fx.sess.Status)
	assert.Equal(t, 2, backend.calls)
	assert.Equal(t, 1, fx.tools[tool.NameReadFile].callCount())

	// No files changed on a read-only task.
	assert.Empty(t, fx.sink.byType(bus.EventFilesChanged))

	// The assistant's text is persisted exactly once: the per-iteration
	// row, with no second closeout copy and no completion token.
	msgs, err := fx.store.Messages(context.Background(), fx.sess.ID)
	require.NoError(t, err)
	var assistantRows []string
	for _, m := range msgs {
		if m.Role == llm.RoleAssistant && m.Content != "" {
			assistantRows = append(assistantRows, m.Content)
		}
	}
	require.Len(t, assistantRows, 1)
	assert.Contains(t, assistantRows[0], "formats timestamps")
	assert.NotContains(t, assistantRows[0], "[TASK_COMPLETE]")
}

// A turn whose model streamed no visible text persists exactly one
// synthetic closeout row and publishes it as the final message.
func TestRunClosesOutWhenNothingStreamed(t *testing.T) {
	backend := newFakeBackend(
		[]llm.Chunk{
			{Thinking: "the answer is obvious, stopping [TASK_COMPLETE]"},
			doneChunk(80, 10),
		},
	)
	backend.noResp = &llm.Response{Content: "Nothing needed changing; the file already matches."}
	fx := newFixture(t, backend)

	require.NoError(t, fx.exec.Run(context.Background(), fx.sess, "Summarize src/a.ts"))
	assert.Equal(t, session.StatusCompleted, fx.sess.Status)

	msgs, err := fx.store.Messages(context.Background(), fx.sess.ID)
	require.NoError(t, err)
	var assistantRows []string
	for _, m := range msgs {
		if m.Role == llm.RoleAssistant && m.Content != "" {
			assistantRows = append(assistantRows, m.Content)
		}
	}
	require.Len(t, assistantRows, 1, "the model/bullet/generic rungs persist exactly once")
	assert.Equal(t, "Nothing needed changing; the file already matches.", assistantRows[0])

	finals := fx.sink.byType(bus.EventFinalMessage)
	require.Len(t, finals, 1)
	assert.Equal(t, assistantRows[0], finals[0].Payload["text"])
}

// Scenario: write with a diagnostic error; completion gate rejects once.
func TestRunWriteWithDiagnosticError(t *testing.T) {
	backend := newFakeBackend(
		[]llm.Chunk{
			toolCallChunk(tool.NameWriteFile, map[string]any{"path": "src/a.ts", "content": "func bar( {"}),
			doneChunk(100, 30),
		},
		[]llm.Chunk{
			{Content: "Added the function. [TASK_COMPLETE]"},
			doneChunk(150, 20),
		},
		[]llm.Chunk{
			toolCallChunk(tool.NameWriteFile, map[string]any{"path": "src/a.ts", "content": "func bar() {}\n"}),
			doneChunk(180, 25),
		},
		[]llm.Chunk{
			{Content: "Fixed the syntax error. [TASK_COMPLETE]"},
			doneChunk(200, 20),
		},
	)
	fx := newFixture(t, backend)
	fx.sess.Mode = tool.ModeAgent
	require.NoError(t, fx.env.WriteFile(context.Background(), "src/a.ts", "// original\n"))
	fx.env.setDiagnostics("src/a.ts", []host.Diagnostic{
		{Severity: host.SeverityError, Message: "unexpected {", Line: 1},
	})

	// Clear the diagnostics once the model writes the fixed version.
	fx.tools[tool.NameWriteFile].fn = func(ctx context.Context, args map[string]any) (string, error) {
		content, _ := args["content"].(string)
		if content == "func bar() {}\n" {
			fx.env.setDiagnostics("src/a.ts", nil)
		}
		return fx.env.WriteFileOutput(ctx, args)
	}

	require.NoError(t, fx.exec.Run(context.Background(), fx.sess, "Add a function bar in src/a.ts"))

	assert.Equal(t, session.StatusCompleted, fx.sess.Status)
	assert.Equal(t, 4, backend.calls, "first completion rejected, second accepted")
	assert.Equal(t, 2, fx.tools[tool.NameWriteFile].callCount())

	// filesChanged reported once with the modified file.
	changed := fx.sink.byType(bus.EventFilesChanged)
	require.Len(t, changed, 1)
	assert.Equal(t, []string{"src/a.ts"}, changed[0].Payload["files"])
}

// Scenario: denied terminal command is not re-issued.
func TestRunDeniedCommandNotRetried(t *testing.T) {
	rmCall := map[string]any{"command": "rm -rf /tmp/foo"}
	backend := newFakeBackend(
		[]llm.Chunk{
			toolCallChunk(tool.NameRunCommand, rmCall),
			doneChunk(100, 30),
		},
		// The model stubbornly retries the exact same command.
		[]llm.Chunk{
			toolCallChunk(tool.NameRunCommand, rmCall),
			doneChunk(120, 30),
		},
		[]llm.Chunk{
			{Content: "Understood, I will not remove the directory. [TASK_COMPLETE]"},
			doneChunk(140, 20),
		},
	)
	fx := newFixture(t, backend)
	fx.sess.Mode = tool.ModeReview

	// Deny every approval that shows up.
	go func() {
		for i := 0; i < 50; i++ {
			time.Sleep(10 * time.Millisecond)
			for _, e := range fx.sink.byType(bus.EventRequestToolApproval) {
				fx.gate.HandleResponse(e.Payload["approvalId"].(string), false, "")
			}
		}
	}()

	require.NoError(t, fx.exec.Run(context.Background(), fx.sess, "Run rm -rf /tmp/foo"))

	assert.Equal(t, session.StatusCompleted, fx.sess.Status)
	assert.Zero(t, fx.tools[tool.NameRunCommand].callCount(), "the command must never execute")

	// The retry was dropped by dedup before reaching the gate: only one
	// approval request total.
	assert.Len(t, fx.sink.byType(bus.EventRequestToolApproval), 1)
}

// Scenario: cancellation mid-thinking.
func TestRunCancellationMidThinking(t *testing.T) {
	// A turn that only thinks and never finishes.
	thinking := []llm.Chunk{{Thinking: "pondering deeply about the problem"}}
	backend := newFakeBackend(thinking)
	fx := newFixture(t, backend)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	require.NoError(t, fx.exec.Run(ctx, fx.sess, "Summarize src/a.ts"))
	assert.Equal(t, session.StatusCancelled, fx.sess.Status)

	// No final message with content on a cancelled turn.
	assert.Empty(t, fx.sink.byType(bus.EventFinalMessage))
}

// Completion acceptance: loose phrases never terminate the loop.
func TestRunLoosePhraseDoesNotComplete(t *testing.T) {
	backend := newFakeBackend(
		[]llm.Chunk{
			{Content: "The task is complete."},
			doneChunk(80, 10),
		},
		[]llm.Chunk{
			{Content: "All done now. [TASK_COMPLETE]"},
			doneChunk(90, 10),
		},
	)
	fx := newFixture(t, backend)

	require.NoError(t, fx.exec.Run(context.Background(), fx.sess, "Summarize src/a.ts"))
	assert.Equal(t, 2, backend.calls,
		"a loose completion phrase must trigger a continuation, not exit")
}

// Extra (MCP server) tools join the mode's allowed set and dispatch like
// any registry tool.
func TestRunExtraToolAllowed(t *testing.T) {
	backend := newFakeBackend(
		[]llm.Chunk{
			toolCallChunk("lookup_docs", map[string]any{"topic": "testing"}),
			doneChunk(100, 30),
		},
		[]llm.Chunk{
			{Content: "Found the docs. [TASK_COMPLETE]"},
			doneChunk(120, 20),
		},
	)
	fx := newFixture(t, backend)

	docs := &fnTool{name: "lookup_docs", kind: tool.KindGeneric, cacheable: true, fn: func(ctx context.Context, args map[string]any) (string, error) {
		return "docs about testing", nil
	}}
	fx.exec.registry.Register(docs)
	fx.exec.extraTools = []string{"lookup_docs"}

	require.NoError(t, fx.exec.Run(context.Background(), fx.sess, "look up the testing docs"))
	assert.Equal(t, session.StatusCompleted, fx.sess.Status)
	assert.Equal(t, 1, docs.callCount(), "the extra tool must survive mode filtering and execute")
}

// Iteration cap exit.
func TestRunIterationCap(t *testing.T) {
	var turns [][]llm.Chunk
	for i := 0; i < 10; i++ {
		turns = append(turns, []llm.Chunk{
			toolCallChunk(tool.NameGrepSearch, map[string]any{"query": "q", "i": i}),
			doneChunk(50, 10),
		})
	}
	backend := newFakeBackend(turns...)
	fx := newFixture(t, backend)
	cfg := testExecutorConfig()
	cfg.MaxIterations = 3
	fx.exec.cfg = cfg

	require.NoError(t, fx.exec.Run(context.Background(), fx.sess, "search forever"))
	assert.Equal(t, 3, backend.calls)
	assert.NotEmpty(t, fx.sink.byType(bus.EventShowWarningBanner))
}

// Protocol invariant: requests never carry thinking.
func TestRunRequestsNeverCarryThinking(t *testing.T) {
	seen := make(chan llm.ChatRequest, 10)
	backend := newFakeBackend(
		[]llm.Chunk{
			{Thinking: "private reasoning"},
			toolCallChunk(tool.NameGrepSearch, map[string]any{"query": "x"}),
			doneChunk(100, 30),
		},
		[]llm.Chunk{
			{Content: "found it [TASK_COMPLETE]"},
			doneChunk(120, 20),
		},
	)
	fx := newFixture(t, backend)

	wrapped := &requestSpyBackend{fakeBackend: backend, seen: seen}
	fx.exec.backend = wrapped

	require.NoError(t, fx.exec.Run(context.Background(), fx.sess, "find x"))

	close(seen)
	count := 0
	for req := range seen {
		count++
		for _, msg := range req.Messages {
			assert.Empty(t, msg.Thinking, "request message must not carry thinking")
		}
	}
	assert.Equal(t, 2, count)
}

type requestSpyBackend struct {
	*fakeBackend
	seen chan llm.ChatRequest
}

func (s *requestSpyBackend) Chat(ctx context.Context, req llm.ChatRequest) (<-chan llm.Chunk, error) {
	s.seen <- req
	return s.fakeBackend.Chat(ctx, req)
}
