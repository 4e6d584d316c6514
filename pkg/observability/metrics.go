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

// Package observability provides OpenTelemetry tracing and Prometheus
// metrics for the engine. Both are optional; a nil Metrics or Tracer is a
// safe no-op.
package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics collects engine counters and latency histograms.
type Metrics struct {
	registry *prometheus.Registry

	iterations        *prometheus.CounterVec
	iterationDuration *prometheus.HistogramVec

	llmCalls        *prometheus.CounterVec
	llmCallDuration *prometheus.HistogramVec
	llmTokensInput  *prometheus.CounterVec
	llmTokensOutput *prometheus.CounterVec

	toolCalls        *prometheus.CounterVec
	toolCallDuration *prometheus.HistogramVec
	toolErrors       *prometheus.CounterVec
	toolCacheHits    *prometheus.CounterVec

	compactions *prometheus.CounterVec
}

// NewMetrics creates and registers the engine collectors.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		iterations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "loco_agent_iterations_total",
			Help: "Agent loop iterations by mode.",
		}, []string{"mode"}),
		iterationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "loco_agent_iteration_duration_seconds",
			Help:    "Wall time of one agent iteration.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}, []string{"mode"}),
		llmCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "loco_llm_calls_total",
			Help: "Chat backend calls by model and outcome.",
		}, []string{"model", "outcome"}),
		llmCallDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "loco_llm_call_duration_seconds",
			Help:    "Chat backend call latency.",
			Buckets: prometheus.ExponentialBuckets(0.25, 2, 10),
		}, []string{"model"}),
		llmTokensInput: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "loco_llm_tokens_input_total",
			Help: "Prompt tokens by model.",
		}, []string{"model"}),
		llmTokensOutput: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "loco_llm_tokens_output_total",
			Help: "Completion tokens by model.",
		}, []string{"model"}),
		toolCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "loco_tool_calls_total",
			Help: "Tool executions by tool name.",
		}, []string{"tool"}),
		toolCallDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "loco_tool_call_duration_seconds",
			Help:    "Tool execution latency.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		}, []string{"tool"}),
		toolErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "loco_tool_errors_total",
			Help: "Tool failures by tool name.",
		}, []string{"tool"}),
		toolCacheHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "loco_tool_cache_hits_total",
			Help: "Tool result cache hits by tool name.",
		}, []string{"tool"}),
		compactions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "loco_history_compactions_total",
			Help: "History compactions by model.",
		}, []string{"model"}),
	}

	registry.MustRegister(
		m.iterations, m.iterationDuration,
		m.llmCalls, m.llmCallDuration, m.llmTokensInput, m.llmTokensOutput,
		m.toolCalls, m.toolCallDuration, m.toolErrors, m.toolCacheHits,
		m.compactions,
	)
	return m
}

// Handler returns the /metrics HTTP handler.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordIteration records one agent iteration.
func (m *Metrics) RecordIteration(mode string, duration time.Duration) {
	if m == nil {
		return
	}
	m.iterations.WithLabelValues(mode).Inc()
	m.iterationDuration.WithLabelValues(mode).Observe(duration.Seconds())
}

// RecordLLMCall records one chat backend call.
func (m *Metrics) RecordLLMCall(model string, duration time.Duration, promptTokens, completionTokens int, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.llmCalls.WithLabelValues(model, outcome).Inc()
	m.llmCallDuration.WithLabelValues(model).Observe(duration.Seconds())
	if promptTokens > 0 {
		m.llmTokensInput.WithLabelValues(model).Add(float64(promptTokens))
	}
	if completionTokens > 0 {
		m.llmTokensOutput.WithLabelValues(model).Add(float64(completionTokens))
	}
}

// RecordToolCall records one tool execution.
func (m *Metrics) RecordToolCall(toolName string, duration time.Duration, err error) {
	if m == nil {
		return
	}
	m.toolCalls.WithLabelValues(toolName).Inc()
	m.toolCallDuration.WithLabelValues(toolName).Observe(duration.Seconds())
	if err != nil {
		m.toolErrors.WithLabelValues(toolName).Inc()
	}
}

// RecordCacheHit records one tool cache hit.
func (m *Metrics) RecordCacheHit(toolName string) {
	if m == nil {
		return
	}
	m.toolCacheHits.WithLabelValues(toolName).Inc()
}

// RecordCompaction records one history compaction.
func (m *Metrics) RecordCompaction(model string) {
	if m == nil {
		return
	}
	m.compactions.WithLabelValues(model).Inc()
}
