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

// Package mcptoolset surfaces the tools of an MCP server in the registry.
//
// The connection is lazy: the subprocess is started and initialized on the
// first Tools call. MCP tools classify into the parallel bucket and are
// cacheable only when the config declares the server read-only.
package mcptoolset

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/kadirpekel/loco/pkg/tool"
)

// Config configures an MCP toolset.
type Config struct {
	// Name identifies this toolset in logs.
	Name string

	// Command starts the MCP server subprocess (stdio transport).
	Command string

	// Args for the subprocess.
	Args []string

	// Env for the subprocess, KEY=VALUE.
	Env []string

	// Filter limits which server tools are exposed; empty exposes all.
	Filter []string

	// ReadOnly declares every tool of this server side-effect free,
	// making results cacheable within a turn.
	ReadOnly bool

	// CallTimeout bounds one tool call. Default: 30s.
	CallTimeout time.Duration
}

// Toolset is an MCP-backed tool source with lazy initialization.
type Toolset struct {
	cfg Config

	mu        sync.Mutex
	client    *client.Client
	tools     []tool.Tool
	connected bool
}

// New creates an MCP toolset.
func New(cfg Config) (*Toolset, error) {
	if cfg.Command == "" {
		return nil, fmt.Errorf("command is required")
	}
	if cfg.CallTimeout == 0 {
		cfg.CallTimeout = 30 * time.Second
	}
	return &Toolset{cfg: cfg}, nil
}

// Tools returns the server's tools, connecting on first use.
func (t *Toolset) Tools(ctx context.Context) ([]tool.Tool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.connected {
		if err := t.connect(ctx); err != nil {
			return nil, fmt.Errorf("failed to connect to MCP server: %w", err)
		}
	}
	return t.tools, nil
}

// RegisterAll connects and registers every exposed tool.
func (t *Toolset) RegisterAll(ctx context.Context, registry *tool.Registry) error {
	tools, err := t.Tools(ctx)
	if err != nil {
		return err
	}
	for _, mt := range tools {
		registry.Register(mt)
	}
	return nil
}

func (t *Toolset) connect(ctx context.Context) error {
	mcpClient, err := client.NewStdioMCPClient(t.cfg.Command, t.cfg.Env, t.cfg.Args...)
	if err != nil {
		return fmt.Errorf("failed to create MCP client: %w", err)
	}

	if err := mcpClient.Start(ctx); err != nil {
		mcpClient.Close()
		return fmt.Errorf("failed to start MCP client: %w", err)
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ClientInfo = mcp.Implementation{Name: "loco", Version: "0.1.0"}
	initReq.Params.ProtocolVersion = "2024-11-05"
	if _, err := mcpClient.Initialize(ctx, initReq); err != nil {
		mcpClient.Close()
		return fmt.Errorf("failed to initialize MCP: %w", err)
	}

	listResp, err := mcpClient.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		mcpClient.Close()
		return fmt.Errorf("failed to list tools: %w", err)
	}

	var filter map[string]bool
	if len(t.cfg.Filter) > 0 {
		filter = make(map[string]bool, len(t.cfg.Filter))
		for _, name := range t.cfg.Filter {
			filter[name] = true
		}
	}

	var tools []tool.Tool
	for _, mcpTool := range listResp.Tools {
		if filter != nil && !filter[mcpTool.Name] {
			continue
		}
		tools = append(tools, &mcpToolAdapter{
			toolset: t,
			name:    mcpTool.Name,
			desc:    mcpTool.Description,
			schema:  schemaToMap(mcpTool.InputSchema),
		})
	}

	t.client = mcpClient
	t.tools = tools
	t.connected = true
	return nil
}

// Close shuts down the server subprocess.
func (t *Toolset) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.client != nil {
		err := t.client.Close()
		t.client = nil
		t.connected = false
		return err
	}
	return nil
}

func schemaToMap(schema mcp.ToolInputSchema) map[string]any {
	out := map[string]any{"type": schema.Type}
	if len(schema.Properties) > 0 {
		out["properties"] = schema.Properties
	}
	if len(schema.Required) > 0 {
		out["required"] = schema.Required
	}
	return out
}

// mcpToolAdapter adapts one MCP tool to the registry interface.
type mcpToolAdapter struct {
	toolset *Toolset
	name    string
	desc    string
	schema  map[string]any
}

func (w *mcpToolAdapter) Name() string           { return w.name }
func (w *mcpToolAdapter) Description() string    { return w.desc }
func (w *mcpToolAdapter) Kind() tool.Kind        { return tool.KindGeneric }
func (w *mcpToolAdapter) Cacheable() bool        { return w.toolset.cfg.ReadOnly }
func (w *mcpToolAdapter) Schema() map[string]any { return w.schema }

func (w *mcpToolAdapter) Call(ctx context.Context, args map[string]any) (string, error) {
	w.toolset.mu.Lock()
	mcpClient := w.toolset.client
	w.toolset.mu.Unlock()
	if mcpClient == nil {
		return "", fmt.Errorf("MCP server not connected")
	}

	callCtx, cancel := context.WithTimeout(ctx, w.toolset.cfg.CallTimeout)
	defer cancel()

	req := mcp.CallToolRequest{}
	req.Params.Name = w.name
	req.Params.Arguments = args

	resp, err := mcpClient.CallTool(callCtx, req)
	if err != nil {
		return "", fmt.Errorf("MCP tool call failed: %w", err)
	}

	var parts []string
	for _, content := range resp.Content {
		if text, ok := content.(mcp.TextContent); ok {
			parts = append(parts, text.Text)
		}
	}
	output := strings.Join(parts, "\n")

	if resp.IsError {
		return "", fmt.Errorf("MCP tool error: %s", output)
	}
	return output, nil
}

// Compile-time interface check.
var _ tool.Tool = (*mcpToolAdapter)(nil)
