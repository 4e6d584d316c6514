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

package localtools

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/loco/pkg/host"
)

func newEnv(t *testing.T) *host.Local {
	t.Helper()
	env, err := host.NewLocal(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { env.Close() })
	return env
}

func TestReadFileLineRange(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()
	require.NoError(t, env.WriteFile(ctx, "a.txt", "one\ntwo\nthree\nfour\nfive"))

	rf := NewReadFile(env)

	out, err := rf.Call(ctx, map[string]any{"path": "a.txt"})
	require.NoError(t, err)
	assert.Equal(t, "one\ntwo\nthree\nfour\nfive", out)

	out, err = rf.Call(ctx, map[string]any{"path": "a.txt", "start_line": 2.0, "end_line": 3.0})
	require.NoError(t, err)
	assert.Equal(t, "two\nthree", out)

	_, err = rf.Call(ctx, map[string]any{"path": "a.txt", "start_line": 99.0})
	assert.Error(t, err)

	_, err = rf.Call(ctx, map[string]any{})
	assert.Error(t, err, "path is required")
}

func TestWriteFileReportsLines(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()

	wf := NewWriteFile(env)
	out, err := wf.Call(ctx, map[string]any{"path": "new/dir/b.txt", "content": "x\ny\n"})
	require.NoError(t, err)
	assert.Contains(t, out, "new/dir/b.txt")

	got, err := env.ReadFile(ctx, "new/dir/b.txt")
	require.NoError(t, err)
	assert.Equal(t, "x\ny\n", got)
}

func TestGrepSearch(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()
	require.NoError(t, env.WriteFile(ctx, "a.go", "package main\n// TODO fix this\n"))
	require.NoError(t, env.WriteFile(ctx, "b.txt", "nothing here\n"))

	gs := NewGrepSearch(env)
	out, err := gs.Call(ctx, map[string]any{"query": "TODO"})
	require.NoError(t, err)
	assert.Contains(t, out, "a.go:2")
	assert.NotContains(t, out, "b.txt")

	out, err = gs.Call(ctx, map[string]any{"query": "missing-needle"})
	require.NoError(t, err)
	assert.Equal(t, "No matches found.", out)

	_, err = gs.Call(ctx, map[string]any{"query": "("})
	assert.Error(t, err, "invalid regex")
}

func TestListFiles(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()
	require.NoError(t, env.WriteFile(ctx, "a.txt", "x"))
	require.NoError(t, env.WriteFile(ctx, "sub/b.txt", "y"))

	lf := NewListFiles(env)

	out, err := lf.Call(ctx, map[string]any{})
	require.NoError(t, err)
	assert.Contains(t, out, "a.txt")
	assert.Contains(t, out, "sub/")

	out, err = lf.Call(ctx, map[string]any{"recursive": true})
	require.NoError(t, err)
	assert.Contains(t, out, "sub/b.txt")

	_, err = lf.Call(ctx, map[string]any{"path": "../.."})
	assert.Error(t, err)
}

func TestSearchFiles(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()
	require.NoError(t, env.WriteFile(ctx, "src/widget.go", "x"))

	sf := NewSearchFiles(env)
	out, err := sf.Call(ctx, map[string]any{"query": "widget"})
	require.NoError(t, err)
	assert.Contains(t, out, "src/widget.go")

	out, err = sf.Call(ctx, map[string]any{"query": "*.go"})
	require.NoError(t, err)
	assert.Contains(t, out, "src/widget.go")
}

func TestRunCommand(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()

	rc := NewRunCommand(env, 5*time.Second)

	out, err := rc.Call(ctx, map[string]any{"command": "echo hello"})
	require.NoError(t, err)
	assert.Contains(t, out, "hello")

	out, err = rc.Call(ctx, map[string]any{"command": "exit 3"})
	require.NoError(t, err)
	assert.Contains(t, out, "[exit code: 3]")

	_, err = rc.Call(ctx, map[string]any{})
	assert.Error(t, err, "command is required")
}

func TestRunCommandTimeout(t *testing.T) {
	env := newEnv(t)
	rc := NewRunCommand(env, 50*time.Millisecond)

	_, err := rc.Call(context.Background(), map[string]any{"command": "sleep 5"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timed out")
}
