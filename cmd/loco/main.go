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

// Command loco runs the agent engine against a local Ollama server for a
// single task from the terminal.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"

	"github.com/kadirpekel/loco/pkg/approval"
	"github.com/kadirpekel/loco/pkg/config"
	"github.com/kadirpekel/loco/pkg/executor"
	"github.com/kadirpekel/loco/pkg/host"
	"github.com/kadirpekel/loco/pkg/llm"
	"github.com/kadirpekel/loco/pkg/logger"
	"github.com/kadirpekel/loco/pkg/observability"
	"github.com/kadirpekel/loco/pkg/session"
	"github.com/kadirpekel/loco/pkg/session/sqlstore"
	"github.com/kadirpekel/loco/pkg/tool"
	"github.com/kadirpekel/loco/pkg/tool/localtools"
	"github.com/kadirpekel/loco/pkg/tool/mcptoolset"
)

type cli struct {
	Task string `arg:"" help:"The task for the agent."`

	Config    string `short:"c" help:"Path to a YAML config file."`
	Model     string `short:"m" help:"Model name (overrides config)."`
	Mode      string `default:"agent" help:"Executor mode: agent, explore, plan, chat, review, deep-explore."`
	Workspace string `short:"w" default:"." help:"Workspace root."`

	LogLevel  string `help:"Log level: debug, info, warn, error."`
	LogFile   string `help:"Log file path (default: stderr)."`
	LogFormat string `help:"Log format: simple or verbose."`

	AutoApprove bool `help:"Auto-approve non-critical commands and sensitive edits."`
}

func main() {
	var args cli
	kctx := kong.Parse(&args, kong.Name("loco"), kong.Description("Local agent engine for Ollama."))
	kctx.FatalIfErrorf(run(&args))
}

func run(args *cli) error {
	cfg, err := config.Load(args.Config)
	if err != nil {
		return err
	}
	if args.Model != "" {
		cfg.Backend.Model = args.Model
	}
	if cfg.Backend.Model == "" {
		return fmt.Errorf("a model is required (--model or config)")
	}
	if args.LogLevel != "" {
		cfg.Logger.Level = args.LogLevel
	}
	if args.LogFile != "" {
		cfg.Logger.File = args.LogFile
	}
	if args.LogFormat != "" {
		cfg.Logger.Format = args.LogFormat
	}

	level, err := logger.ParseLevel(cfg.Logger.Level)
	if err != nil {
		return err
	}
	output := os.Stderr
	if cfg.Logger.File != "" {
		file, cleanup, err := logger.OpenLogFile(cfg.Logger.File)
		if err != nil {
			return err
		}
		defer cleanup()
		output = file
	}
	logger.Init(level, output, cfg.Logger.Format)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tracer, err := observability.NewTracer(ctx, observability.TracingConfig{
		Enabled:     cfg.Observability.TracingEnabled,
		Exporter:    cfg.Observability.Exporter,
		Endpoint:    cfg.Observability.Endpoint,
		ServiceName: cfg.Observability.ServiceName,
	})
	if err != nil {
		return err
	}
	defer tracer.Shutdown(context.Background())

	var metrics *observability.Metrics
	if cfg.Observability.MetricsEnabled {
		metrics = observability.NewMetrics()
	}

	store, err := sqlstore.Open(cfg.Store.Dialect, cfg.Store.DSN)
	if err != nil {
		return err
	}
	defer store.Close()

	env, err := host.NewLocal(args.Workspace)
	if err != nil {
		return err
	}
	defer env.Close()

	backend := llm.NewOllamaClient(llm.OllamaConfig{
		Host:    cfg.Backend.Host,
		Timeout: cfg.Backend.Timeout,
	})

	if _, err := llm.RefreshModels(ctx, backend, store); err != nil {
		fmt.Fprintf(os.Stderr, "warning: model listing unavailable: %v\n", err)
	}

	registry := tool.NewRegistry()
	registry.Register(localtools.NewReadFile(env))
	registry.Register(localtools.NewWriteFile(env))
	registry.Register(localtools.NewGrepSearch(env))
	registry.Register(localtools.NewListFiles(env))
	registry.Register(localtools.NewSearchFiles(env))
	registry.Register(localtools.NewRunCommand(env, cfg.Executor.ToolTimeout))

	mcpTools, closeMCP, err := registerMCPServers(ctx, cfg.MCP, registry)
	if err != nil {
		return err
	}
	defer closeMCP()

	console := newConsole()
	gate := approval.NewGate(console.promptApproval)

	exec := executor.New(executor.Options{
		Config:        cfg.Executor,
		BackendConfig: cfg.Backend,
		Backend:       backend,
		Registry:      registry,
		Env:           env,
		Store:         store,
		Sink:          console,
		Gate:          gate,
		Metrics:       metrics,
		Tracer:        tracer,
		ExtraTools:    mcpTools,
	})
	console.gate = gate

	sessionID, err := store.CreateSession(ctx, args.Task, cfg.Backend.Model, args.Workspace)
	if err != nil {
		return err
	}
	mode := args.Mode
	patch := session.Patch{Mode: &mode}
	if args.AutoApprove {
		auto := true
		patch.AutoApproveCommands = &auto
		patch.AutoApproveSensitiveEdits = &auto
	}
	if err := store.UpdateSession(ctx, sessionID, patch); err != nil {
		return err
	}
	sess, err := store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}

	if title := executor.GenerateTitle(ctx, backend, cfg.Backend.Model, args.Task); title != "" {
		fmt.Fprintf(os.Stderr, "» %s\n", title)
	}

	return exec.Run(ctx, sess, args.Task)
}

// registerMCPServers connects every configured MCP server and registers
// its tools. Returns the registered tool names (they join every mode's
// allowed set) and a cleanup that stops the server subprocesses.
func registerMCPServers(ctx context.Context, servers []config.MCPServerConfig, registry *tool.Registry) ([]string, func(), error) {
	var names []string
	var toolsets []*mcptoolset.Toolset
	cleanup := func() {
		for _, ts := range toolsets {
			ts.Close()
		}
	}

	for _, server := range servers {
		ts, err := mcptoolset.New(mcptoolset.Config{
			Name:        server.Name,
			Command:     server.Command,
			Args:        server.Args,
			Env:         server.Env,
			Filter:      server.Filter,
			ReadOnly:    server.ReadOnly,
			CallTimeout: server.CallTimeout,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("mcp server %s: %w", server.Name, err)
		}

		tools, err := ts.Tools(ctx)
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("mcp server %s: %w", server.Name, err)
		}
		toolsets = append(toolsets, ts)

		for _, mt := range tools {
			registry.Register(mt)
			names = append(names, mt.Name())
		}
	}

	return names, cleanup, nil
}
