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

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "http://localhost:11434", cfg.Backend.Host)
	assert.Equal(t, 65536, cfg.Backend.MaxContextWindow)
	assert.Equal(t, 30, cfg.Executor.MaxIterations)
	assert.Equal(t, 10, cfg.Executor.MaxToolsPerBatch)
	assert.Equal(t, 15, cfg.Executor.OverEagerThreshold)
	assert.Equal(t, 30*time.Second, cfg.Executor.ToolTimeout)
	assert.Equal(t, 3*time.Second, cfg.Executor.DiagnosticsWait)
	assert.InDelta(t, 0.75, cfg.Executor.CompactionThreshold, 0.001)
	assert.Equal(t, 6, cfg.Executor.PreserveRecent)
	assert.Equal(t, []float64{0.70, 0.85}, cfg.Executor.UsageReminderThresholds)
	assert.Equal(t, "sqlite", cfg.Store.Dialect)
	assert.Equal(t, "info", cfg.Logger.Level)
}

func TestLoadYAMLWithEnvExpansion(t *testing.T) {
	t.Setenv("TEST_OLLAMA_HOST", "http://ollama.internal:11434")

	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
backend:
  host: ${TEST_OLLAMA_HOST}
  model: ${TEST_MISSING_MODEL:-qwen3:8b}
executor:
  max_iterations: 12
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "http://ollama.internal:11434", cfg.Backend.Host)
	assert.Equal(t, "qwen3:8b", cfg.Backend.Model, "default applies when the variable is unset")
	assert.Equal(t, 12, cfg.Executor.MaxIterations)
	assert.Equal(t, 10, cfg.Executor.MaxToolsPerBatch, "unset fields still get defaults")
}

func TestLoadMCPServers(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
backend:
  model: qwen3:8b
mcp:
  - name: docs
    command: /usr/local/bin/docs-mcp
    args: ["--root", "/docs"]
    filter: ["lookup_docs"]
    read_only: true
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Len(t, cfg.MCP, 1)
	assert.Equal(t, "docs", cfg.MCP[0].Name)
	assert.Equal(t, "/usr/local/bin/docs-mcp", cfg.MCP[0].Command)
	assert.Equal(t, []string{"--root", "/docs"}, cfg.MCP[0].Args)
	assert.True(t, cfg.MCP[0].ReadOnly)
}

func TestLoadMCPServerRequiresCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := "backend:\n  model: m\nmcp:\n  - name: broken\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "command is required")
}

func TestLoadRequiresModel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("backend:\n  host: http://x\n"), 0644))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "model is required")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load("/does/not/exist.yaml")
	assert.Error(t, err)
}
