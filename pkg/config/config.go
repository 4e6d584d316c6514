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

// Package config defines the engine configuration, loaded from YAML with
// ${ENV} expansion. Every sub-config applies its own defaults so that a
// zero-value Config is usable.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for the engine.
type Config struct {
	Backend       BackendConfig       `yaml:"backend"`
	Executor      ExecutorConfig      `yaml:"executor"`
	Store         StoreConfig         `yaml:"store"`
	Logger        LoggerConfig        `yaml:"logger"`
	Observability ObservabilityConfig `yaml:"observability"`
	MCP           []MCPServerConfig   `yaml:"mcp"`
}

// MCPServerConfig declares one external MCP tool server to surface in the
// registry (stdio transport).
type MCPServerConfig struct {
	// Name identifies the server in logs.
	Name string `yaml:"name"`

	// Command starts the server subprocess.
	Command string `yaml:"command"`

	// Args for the subprocess.
	Args []string `yaml:"args"`

	// Env for the subprocess, KEY=VALUE.
	Env []string `yaml:"env"`

	// Filter limits which server tools are exposed; empty exposes all.
	Filter []string `yaml:"filter"`

	// ReadOnly declares every tool of this server side-effect free,
	// making results cacheable within a turn.
	ReadOnly bool `yaml:"read_only"`

	// CallTimeout bounds one tool call. Default: 30s.
	CallTimeout time.Duration `yaml:"call_timeout"`
}

// Validate checks an MCP server declaration.
func (c *MCPServerConfig) Validate() error {
	if c.Command == "" {
		return fmt.Errorf("mcp: command is required")
	}
	return nil
}

// BackendConfig configures the chat backend connection.
type BackendConfig struct {
	// Host is the Ollama base URL. Default: http://localhost:11434
	Host string `yaml:"host"`

	// Model is the default model name.
	Model string `yaml:"model"`

	// Temperature for generation. Default: 0.2
	Temperature float64 `yaml:"temperature"`

	// NumPredict caps completion tokens per request. Default: 4096
	NumPredict int `yaml:"num_predict"`

	// ContextWindow overrides the detected model context length when > 0.
	ContextWindow int `yaml:"context_window"`

	// MaxContextWindow is the global cap applied on top of the per-model
	// capability. Default: 65536
	MaxContextWindow int `yaml:"max_context_window"`

	// KeepAlive keeps the model loaded between requests. Default: "10m"
	KeepAlive string `yaml:"keep_alive"`

	// Timeout for non-streaming calls. Default: 2m
	Timeout time.Duration `yaml:"timeout"`
}

// SetDefaults applies defaults to the backend config.
func (c *BackendConfig) SetDefaults() {
	if c.Host == "" {
		c.Host = "http://localhost:11434"
	}
	if c.Temperature == 0 {
		c.Temperature = 0.2
	}
	if c.NumPredict == 0 {
		c.NumPredict = 4096
	}
	if c.MaxContextWindow == 0 {
		c.MaxContextWindow = 65536
	}
	if c.KeepAlive == "" {
		c.KeepAlive = "10m"
	}
	if c.Timeout == 0 {
		c.Timeout = 2 * time.Minute
	}
}

// Validate checks the backend config.
func (c *BackendConfig) Validate() error {
	if c.Model == "" {
		return fmt.Errorf("backend: model is required")
	}
	return nil
}

// ExecutorConfig tunes the agent loop.
type ExecutorConfig struct {
	// MaxIterations bounds one agent turn. Default: 30
	MaxIterations int `yaml:"max_iterations"`

	// MaxToolsPerBatch caps executed calls per iteration. Default: 10
	MaxToolsPerBatch int `yaml:"max_tools_per_batch"`

	// OverEagerThreshold truncates oversized batches. Default: 15
	OverEagerThreshold int `yaml:"over_eager_threshold"`

	// MaxParallelSessions bounds concurrently running agent tasks. Default: 1
	MaxParallelSessions int `yaml:"max_parallel_sessions"`

	// ToolTimeout per tool call, enforced by the host when the tool
	// supports it. Default: 30s
	ToolTimeout time.Duration `yaml:"tool_timeout"`

	// DiagnosticsWait bounds the post-write diagnostics wait. Default: 3s
	DiagnosticsWait time.Duration `yaml:"diagnostics_wait"`

	// CompactionThreshold triggers history compaction when prompt tokens
	// exceed this fraction of the effective window. Default: 0.75
	CompactionThreshold float64 `yaml:"compaction_threshold"`

	// PreserveRecent messages kept verbatim by the compactor. Default: 6
	PreserveRecent int `yaml:"preserve_recent"`

	// UsageReminderThresholds inject one-time context-usage notes.
	// Default: [0.70, 0.85]
	UsageReminderThresholds []float64 `yaml:"usage_reminder_thresholds"`

	// SubAgentMaxIterations bounds one explore sub-agent run. Default: 12
	SubAgentMaxIterations int `yaml:"subagent_max_iterations"`
}

// SetDefaults applies defaults to the executor config.
func (c *ExecutorConfig) SetDefaults() {
	if c.MaxIterations == 0 {
		c.MaxIterations = 30
	}
	if c.MaxToolsPerBatch == 0 {
		c.MaxToolsPerBatch = 10
	}
	if c.OverEagerThreshold == 0 {
		c.OverEagerThreshold = 15
	}
	if c.MaxParallelSessions == 0 {
		c.MaxParallelSessions = 1
	}
	if c.ToolTimeout == 0 {
		c.ToolTimeout = 30 * time.Second
	}
	if c.DiagnosticsWait == 0 {
		c.DiagnosticsWait = 3 * time.Second
	}
	if c.CompactionThreshold == 0 {
		c.CompactionThreshold = 0.75
	}
	if c.PreserveRecent == 0 {
		c.PreserveRecent = 6
	}
	if len(c.UsageReminderThresholds) == 0 {
		c.UsageReminderThresholds = []float64{0.70, 0.85}
	}
	if c.SubAgentMaxIterations == 0 {
		c.SubAgentMaxIterations = 12
	}
}

// StoreConfig configures session persistence.
type StoreConfig struct {
	// Dialect: sqlite (default), postgres, or mysql.
	Dialect string `yaml:"dialect"`

	// DSN is the database connection string. Default: loco.db
	DSN string `yaml:"dsn"`
}

// SetDefaults applies defaults to the store config.
func (c *StoreConfig) SetDefaults() {
	if c.Dialect == "" {
		c.Dialect = "sqlite"
	}
	if c.DSN == "" {
		c.DSN = "loco.db"
	}
}

// LoggerConfig configures logging.
type LoggerConfig struct {
	Level  string `yaml:"level"`
	File   string `yaml:"file"`
	Format string `yaml:"format"`
}

// SetDefaults applies defaults to the logger config.
func (c *LoggerConfig) SetDefaults() {
	if c.Level == "" {
		c.Level = "info"
	}
	if c.Format == "" {
		c.Format = "simple"
	}
}

// ObservabilityConfig configures tracing and metrics.
type ObservabilityConfig struct {
	// TracingEnabled turns on OpenTelemetry tracing.
	TracingEnabled bool `yaml:"tracing_enabled"`

	// Exporter: otlp-grpc (default) or stdout.
	Exporter string `yaml:"exporter"`

	// Endpoint for the OTLP exporter. Default: localhost:4317
	Endpoint string `yaml:"endpoint"`

	// MetricsEnabled registers Prometheus collectors.
	MetricsEnabled bool `yaml:"metrics_enabled"`

	// ServiceName for resource attribution. Default: loco
	ServiceName string `yaml:"service_name"`
}

// SetDefaults applies defaults to the observability config.
func (c *ObservabilityConfig) SetDefaults() {
	if c.Exporter == "" {
		c.Exporter = "otlp-grpc"
	}
	if c.Endpoint == "" {
		c.Endpoint = "localhost:4317"
	}
	if c.ServiceName == "" {
		c.ServiceName = "loco"
	}
}

// SetDefaults applies defaults to all sub-configs.
func (c *Config) SetDefaults() {
	c.Backend.SetDefaults()
	c.Executor.SetDefaults()
	c.Store.SetDefaults()
	c.Logger.SetDefaults()
	c.Observability.SetDefaults()
}

// Validate checks the full config.
func (c *Config) Validate() error {
	if err := c.Backend.Validate(); err != nil {
		return err
	}
	for i := range c.MCP {
		if err := c.MCP[i].Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Load reads a YAML config file, expands ${ENV} references, applies
// defaults, and validates. An empty path yields the default config.
func Load(path string) (*Config, error) {
	if err := LoadEnvFiles(); err != nil {
		return nil, err
	}

	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		expanded := expandEnvVars(string(data))
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	cfg.SetDefaults()
	if path != "" {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}
