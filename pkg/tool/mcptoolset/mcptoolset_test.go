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

package mcptoolset

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/loco/pkg/tool"
)

// stubServerScript is a minimal stdio MCP server: line-delimited JSON-RPC
// answering initialize, tools/list (one lookup_docs tool), and tools/call.
// Notifications carry no id and get no reply.
const stubServerScript = `#!/bin/sh
while IFS= read -r line; do
  id=$(printf '%s' "$line" | sed -n 's/.*"id":[[:space:]]*\([0-9][0-9]*\).*/\1/p')
  case "$line" in
    *'"initialize"'*)
      printf '{"jsonrpc":"2.0","id":%s,"result":{"protocolVersion":"2024-11-05","capabilities":{"tools":{}},"serverInfo":{"name":"stub","version":"0.0.1"}}}\n' "$id"
      ;;
    *'"tools/list"'*)
      printf '{"jsonrpc":"2.0","id":%s,"result":{"tools":[{"name":"lookup_docs","description":"Look up documentation","inputSchema":{"type":"object","properties":{"topic":{"type":"string"}},"required":["topic"]}},{"name":"hidden_tool","description":"Filtered out","inputSchema":{"type":"object"}}]}}\n' "$id"
      ;;
    *'"tools/call"'*)
      printf '{"jsonrpc":"2.0","id":%s,"result":{"content":[{"type":"text","text":"docs about testing"}]}}\n' "$id"
      ;;
  esac
done
`

func writeStubServer(t *testing.T) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("stub MCP server requires a POSIX shell")
	}

	path := filepath.Join(t.TempDir(), "mcp-stub.sh")
	require.NoError(t, os.WriteFile(path, []byte(stubServerScript), 0755))
	return path
}

func TestNewValidation(t *testing.T) {
	_, err := New(Config{})
	require.Error(t, err, "command is required")

	ts, err := New(Config{Command: "server"})
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, ts.cfg.CallTimeout, "default call timeout applies")
}

func TestToolsListAndCall(t *testing.T) {
	ts, err := New(Config{
		Name:     "stub",
		Command:  writeStubServer(t),
		ReadOnly: true,
	})
	require.NoError(t, err)
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	tools, err := ts.Tools(ctx)
	require.NoError(t, err)
	require.Len(t, tools, 2)

	var lookup tool.Tool
	for _, mt := range tools {
		if mt.Name() == "lookup_docs" {
			lookup = mt
		}
	}
	require.NotNil(t, lookup)

	assert.Equal(t, tool.KindGeneric, lookup.Kind(), "MCP tools run in the parallel bucket")
	assert.True(t, lookup.Cacheable(), "a read-only server's results are cacheable")
	assert.Equal(t, "Look up documentation", lookup.Description())

	schema := lookup.Schema()
	assert.Equal(t, "object", schema["type"])
	assert.Contains(t, schema, "properties")

	out, err := lookup.Call(ctx, map[string]any{"topic": "testing"})
	require.NoError(t, err)
	assert.Equal(t, "docs about testing", out)
}

func TestRegisterAllIntoRegistry(t *testing.T) {
	ts, err := New(Config{
		Name:    "stub",
		Command: writeStubServer(t),
		Filter:  []string{"lookup_docs"},
	})
	require.NoError(t, err)
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	registry := tool.NewRegistry()
	require.NoError(t, ts.RegisterAll(ctx, registry))

	registered, ok := registry.Get("lookup_docs")
	require.True(t, ok, "the server's tool must be reachable through the registry")
	assert.False(t, registered.Cacheable(), "a non-read-only server's results are not cacheable")

	_, ok = registry.Get("hidden_tool")
	assert.False(t, ok, "filtered tools stay out of the registry")

	// A registry-dispatched call goes through the live server.
	out, err := registered.Call(ctx, map[string]any{"topic": "x"})
	require.NoError(t, err)
	assert.Equal(t, "docs about testing", out)
}

func TestCallWithoutConnection(t *testing.T) {
	adapter := &mcpToolAdapter{
		toolset: &Toolset{cfg: Config{CallTimeout: time.Second}},
		name:    "lookup_docs",
	}
	_, err := adapter.Call(context.Background(), map[string]any{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not connected")
}
