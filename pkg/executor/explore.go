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
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/kadirpekel/loco/pkg/bus"
	"github.com/kadirpekel/loco/pkg/llm"
	"github.com/kadirpekel/loco/pkg/observability"
	"github.com/kadirpekel/loco/pkg/protocol"
	"github.com/kadirpekel/loco/pkg/tool"
)

// Sub-agent output caps.
const (
	subagentThinkingCap = 4000
	subagentPerToolCap  = 4000
	subagentTotalCap    = 8000
	subagentDefaultMode = "explore"
)

// dataBearingTools contribute full content to the tool-results summary.
var dataBearingTools = map[string]bool{
	tool.NameReadFile:        true,
	tool.NameReadManyFiles:   true,
	tool.NameGrepSearch:      true,
	tool.NameSearchFiles:     true,
	tool.NameFindDefinition:  true,
	tool.NameFindReferences:  true,
	tool.NameDocumentSymbols: true,
	tool.NameHoverInfo:       true,
}

// runSubagent executes a read-only explore loop and returns its
// synthesized output. The loop shares the session record but gets its own
// history, dedup window, cache, and a quarantined event bus.
func (e *Executor) runSubagent(ctx context.Context, parent *loop, task, mode, title, contextHint string) (string, error) {
	if mode == "" {
		mode = subagentDefaultMode
	}
	if !strings.HasPrefix(mode, "explore") && mode != tool.ModePlan && mode != tool.ModeChat {
		// Sub-agents are read-only by contract; writes stay with the
		// orchestrator.
		mode = subagentDefaultMode
	}
	if title == "" {
		title = "Exploring: " + truncate(task, 60)
	}

	ctx, span := e.tracer.Start(ctx, observability.SpanSubagent, trace.WithAttributes(
		attribute.String(observability.AttrMode, mode),
	))
	defer span.End()

	fullTask := task
	if contextHint != "" {
		fullTask = contextHint + "\n\n" + task
	}

	caps := capabilities{
		mode:          mode,
		allowedTools:  append(tool.ForMode(mode), e.extraTools...),
		outputToUser:  false,
		allowWrites:   false,
		maxIterations: e.cfg.SubAgentMaxIterations,
		promptBuilder: e.buildSubagentPrompt,
	}

	sub, err := e.newLoop(ctx, parent.sess, caps, e.sink)
	if err != nil {
		return "", err
	}

	// One wrapper progress group encloses every sub-agent action.
	parent.bus.Post(bus.EventStartProgressGroup, map[string]any{"title": title})
	defer parent.bus.Post(bus.EventFinishProgressGroup, map[string]any{"title": title})

	slog.Info("Starting sub-agent", "mode", mode, "task", truncate(task, 120))
	if err := sub.run(ctx, fullTask); err != nil {
		return "", fmt.Errorf("sub-agent failed: %w", err)
	}

	return sub.synthesizeOutput(), nil
}

func (e *Executor) buildSubagentPrompt(task string) string {
	var b strings.Builder
	b.WriteString("You are a read-only exploration agent. Investigate the codebase with the ")
	b.WriteString("available tools and report what you find. You cannot modify anything. ")
	b.WriteString("Finish with a factual report and the literal token " + protocol.CompletionToken + ".\n\n")
	if folders := e.env.WorkspaceFolders(); len(folders) > 0 {
		b.WriteString("Workspace: " + folders[0] + "\n")
	}
	return b.String()
}

// synthesizeOutput picks the sub-agent's return value: accumulated model
// text, else thinking (capped), else a summary of data-bearing tool
// results.
func (l *loop) synthesizeOutput() string {
	if text := strings.TrimSpace(protocol.StripCompletionToken(l.streamedTextAll())); text != "" {
		return text
	}

	if thinking := strings.TrimSpace(strings.Join(l.thinkingBlocks, "\n")); thinking != "" {
		if len(thinking) > subagentThinkingCap {
			thinking = thinking[:subagentThinkingCap] + "\n...(truncated)"
		}
		return thinking
	}

	if summary := buildToolResultsSummary(l.allResults); summary != "" {
		return summary
	}
	return "(the exploration produced no output)"
}

// streamedTextAll returns everything the sub-agent's model said. The quiet
// loop does not accumulate into streamedText (outputToUser=false), so
// collect from the history instead.
func (l *loop) streamedTextAll() string {
	if l.streamedText.Len() > 0 {
		return l.streamedText.String()
	}

	var parts []string
	for _, msg := range l.history.Messages() {
		if msg.Role != llm.RoleAssistant || len(msg.ToolCalls) > 0 {
			continue
		}
		content := strings.TrimSpace(msg.Content)
		if content == "" || strings.HasPrefix(content, "[") {
			// Skip blank-turn placeholders and call summaries.
			continue
		}
		parts = append(parts, content)
	}
	return strings.Join(parts, "\n\n")
}

// buildToolResultsSummary concatenates the full content of data-bearing
// tool results, capped per tool and in total.
func buildToolResultsSummary(results []protocol.ToolResult) string {
	var b strings.Builder
	for _, r := range results {
		if !dataBearingTools[r.ToolName] || r.Error != "" {
			continue
		}
		output := r.Output
		if len(output) > subagentPerToolCap {
			output = output[:subagentPerToolCap] + "\n...(truncated)"
		}
		fmt.Fprintf(&b, "[%s]\n%s\n\n", r.ToolName, output)
		if b.Len() >= subagentTotalCap {
			break
		}
	}
	out := strings.TrimSpace(b.String())
	if len(out) > subagentTotalCap {
		out = out[:subagentTotalCap] + "\n...(truncated)"
	}
	return out
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

// parentLoopKey carries the owning loop through the dispatch context so
// the sub-agent tool can reach it without a cyclic reference; concurrent
// sessions each see their own loop.
type parentLoopKey struct{}

// subagentTool exposes the explore loop as the run_subagent pseudo-tool.
// The dispatcher routes it to the serial bucket via its kind.
type subagentTool struct {
	exec *Executor
}

type subagentArgs struct {
	Task        string `json:"task" jsonschema:"required,description=What the sub-agent should investigate"`
	Mode        string `json:"mode,omitempty" jsonschema:"description=Sub-agent mode (explore by default)"`
	Title       string `json:"title,omitempty" jsonschema:"description=Short progress title shown to the user"`
	ContextHint string `json:"context_hint,omitempty" jsonschema:"description=Context carried into the sub-agent"`
	Description string `json:"description,omitempty" jsonschema:"description=Why this exploration is needed"`
}

func (t *subagentTool) Name() string        { return tool.NameSubagent }
func (t *subagentTool) Kind() tool.Kind     { return tool.KindSubagent }
func (t *subagentTool) Cacheable() bool     { return false }
func (t *subagentTool) Description() string {
	return "Delegate a read-only exploration task to a sub-agent and receive its findings."
}

func (t *subagentTool) Schema() map[string]any {
	return tool.SchemaFor[subagentArgs]()
}

func (t *subagentTool) Call(ctx context.Context, args map[string]any) (string, error) {
	var a subagentArgs
	if err := tool.DecodeArgs(args, &a); err != nil {
		return "", err
	}
	if a.Task == "" {
		return "", fmt.Errorf("task is required")
	}
	parent, ok := ctx.Value(parentLoopKey{}).(*loop)
	if !ok {
		return "", fmt.Errorf("sub-agent invoked outside an agent turn")
	}
	return t.exec.runSubagent(ctx, parent, a.Task, a.Mode, a.Title, a.ContextHint)
}

// Compile-time interface check.
var _ tool.Tool = (*subagentTool)(nil)
