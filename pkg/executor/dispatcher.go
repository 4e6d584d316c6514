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
	"sync"
	"time"

	"github.com/kadirpekel/loco/pkg/approval"
	"github.com/kadirpekel/loco/pkg/bus"
	"github.com/kadirpekel/loco/pkg/history"
	"github.com/kadirpekel/loco/pkg/host"
	"github.com/kadirpekel/loco/pkg/observability"
	"github.com/kadirpekel/loco/pkg/protocol"
	"github.com/kadirpekel/loco/pkg/session"
	"github.com/kadirpekel/loco/pkg/tool"
)

// Batch shaping thresholds.
const (
	// overEagerHint suggests restraint above this batch size.
	overEagerHint = 8
)

// DenialHint is fed back for a skipped action. Without it the model
// retries the same call on the very next iteration.
const DenialHint = "[SYSTEM NOTE: This action was denied by the user. Do NOT re-attempt the same call.]"

// readFileChunkLines sizes the running/success UI pairs of chunked reads.
const readFileChunkLines = 200

// dispatcher executes one iteration's tool batch: bucketing, caching,
// approval routing, and result enrichment.
type dispatcher struct {
	registry *tool.Registry
	gate     *approval.Gate
	env      host.Environment
	bus      *bus.Bus
	store    session.Store
	metrics  *observability.Metrics
	sess     *session.Session

	// checkpointID receives lazy first-write snapshots for this turn.
	// Empty for read-only loops.
	checkpointID string

	// snapshotOriginals remembers pre-write content for diff stats.
	snapMu            sync.Mutex
	snapshotOriginals map[string]string

	diagnosticsWait    time.Duration
	overEagerThreshold int

	cacheMu sync.Mutex
	cache   map[string]string
}

func newDispatcher(registry *tool.Registry, gate *approval.Gate, env host.Environment, eventBus *bus.Bus, store session.Store, metrics *observability.Metrics, sess *session.Session, diagnosticsWait time.Duration, overEagerThreshold int) *dispatcher {
	return &dispatcher{
		registry:           registry,
		gate:               gate,
		env:                env,
		bus:                eventBus,
		store:              store,
		metrics:            metrics,
		sess:               sess,
		snapshotOriginals:  make(map[string]string),
		diagnosticsWait:    diagnosticsWait,
		overEagerThreshold: overEagerThreshold,
		cache:              make(map[string]string),
	}
}

// batchResult is everything one executed batch produced.
type batchResult struct {
	// Results in the original call order.
	Results []protocol.ToolResult

	// NativeResults and TextResults are the two history shapes.
	NativeResults []history.NativeToolResult
	TextResults   []string

	WroteFiles  []string
	RanTerminal bool

	// TerminalAttempted is true when the batch contained a terminal call,
	// executed or denied. The run-intent completion gate treats a denied
	// attempt as an attempt; the model cannot do more than ask.
	TerminalAttempted bool

	// Notes are system notes to append to the history after the results.
	Notes []string
}

// executeBatch runs one batch of tool calls. Parallel-bucket calls run
// concurrently; sub-agent calls run one at a time (they drive the backend
// themselves). Results merge back in original call order.
func (d *dispatcher) executeBatch(ctx context.Context, calls []protocol.ToolCall) *batchResult {
	out := &batchResult{}

	if len(calls) > d.overEagerThreshold {
		dropped := len(calls) - d.overEagerThreshold
		calls = calls[:d.overEagerThreshold]
		out.Notes = append(out.Notes, fmt.Sprintf(
			"Batch truncated: %d calls dropped. Issue fewer, more targeted tool calls.", dropped))
	} else if len(calls) > overEagerHint {
		out.Notes = append(out.Notes, "Large tool batch. Consider fewer, more targeted calls.")
	}

	results := make([]protocol.ToolResult, len(calls))

	var wg sync.WaitGroup
	var serialIdx []int

	for i, call := range calls {
		t, ok := d.registry.Get(call.Name)
		if !ok {
			results[i] = protocol.ToolResult{
				ToolCallID: call.ID,
				ToolName:   call.Name,
				Error:      fmt.Sprintf("tool %q not found", call.Name),
			}
			continue
		}

		if t.Kind() == tool.KindSubagent {
			serialIdx = append(serialIdx, i)
			continue
		}

		wg.Add(1)
		go func(i int, call protocol.ToolCall, t tool.Tool) {
			defer wg.Done()
			results[i] = d.executeOne(ctx, call, t)
		}(i, call, t)
	}

	wg.Wait()

	// Sub-agents run serially: parallel sub-agents would overload the
	// backend.
	for _, i := range serialIdx {
		t, _ := d.registry.Get(calls[i].Name)
		results[i] = d.executeOne(ctx, calls[i], t)
	}

	var wrote map[string]bool
	for i, r := range results {
		out.Results = append(out.Results, r)

		content := r.Output
		if r.Error != "" {
			content = "Error: " + r.Error
			if r.Output != "" {
				content += "\n" + r.Output
			}
		}

		out.NativeResults = append(out.NativeResults, history.NativeToolResult{
			Content:  content,
			ToolName: r.ToolName,
		})
		out.TextResults = append(out.TextResults, fmt.Sprintf("[Tool: %s]\n%s", r.ToolName, content))

		if t, ok := d.registry.Get(r.ToolName); ok && t.Kind() == tool.KindFileEdit && r.Error == "" && !r.Skipped {
			if path := pathArg(calls[i].Args); path != "" {
				if wrote == nil {
					wrote = make(map[string]bool)
				}
				if !wrote[path] {
					wrote[path] = true
					out.WroteFiles = append(out.WroteFiles, path)
				}
			}
		}
		if t, ok := d.registry.Get(r.ToolName); ok && t.Kind() == tool.KindTerminal {
			out.TerminalAttempted = true
			if !r.Skipped {
				out.RanTerminal = true
			}
		}
	}

	return out
}

// executeOne routes and executes a single call.
func (d *dispatcher) executeOne(ctx context.Context, call protocol.ToolCall, t tool.Tool) protocol.ToolResult {
	start := time.Now()

	switch t.Kind() {
	case tool.KindTerminal:
		if r, done := d.gateTerminal(ctx, &call); done {
			return r
		}
	case tool.KindFileEdit:
		if r, done := d.gateFileEdit(ctx, call); done {
			return r
		}
		d.snapshotBeforeWrite(ctx, call)
		// Any cached result that touched this path is stale now.
		if path := pathArg(call.Args); path != "" {
			d.invalidateCacheForPath(path)
		}
	}

	if t.Cacheable() {
		if cached, ok := d.cacheLookup(call); ok {
			d.metrics.RecordCacheHit(call.Name)
			d.emitAction(ctx, call, bus.ActionSuccess, "cached")
			return protocol.ToolResult{
				ToolCallID: call.ID,
				ToolName:   call.Name,
				Output:     cached,
				ElapsedMS:  0,
			}
		}
	}

	d.postAction(call, bus.ActionRunning, "")

	output, err := t.Call(ctx, call.Args)
	elapsed := time.Since(start)
	d.metrics.RecordToolCall(call.Name, elapsed, err)

	result := protocol.ToolResult{
		ToolCallID: call.ID,
		ToolName:   call.Name,
		Output:     output,
		ElapsedMS:  elapsed.Milliseconds(),
	}
	if err != nil {
		result.Error = err.Error()
		d.emitAction(ctx, call, bus.ActionError, result.Error)
		return result
	}

	d.enrich(ctx, call, t, &result)

	if t.Cacheable() {
		d.cacheStore(call, result.Output)
	}

	if t.Kind() == tool.KindFileRead {
		d.emitChunkedRead(ctx, call, result.Output)
	} else {
		d.emitAction(ctx, call, bus.ActionSuccess, "")
	}

	return result
}

// gateTerminal routes a terminal command through the approval gate when the
// policy demands it. Returns (result, true) when the call was denied.
func (d *dispatcher) gateTerminal(ctx context.Context, call *protocol.ToolCall) (protocol.ToolResult, bool) {
	command, _ := call.Args["command"].(string)
	severity := approval.AnalyzeCommand(command)

	if !approval.RequiresApproval(severity, d.sess.AutoApproveCommands) {
		return protocol.ToolResult{}, false
	}

	resp := d.requestApproval(ctx, approval.Request{
		Kind:     approval.KindTerminal,
		Severity: approval.DisplaySeverity(severity),
		Payload:  command,
	}, call)

	if !resp.Approved {
		return d.skippedResult(*call), true
	}
	if resp.RevisedCommand != "" {
		call.Args["command"] = resp.RevisedCommand
	}
	return protocol.ToolResult{}, false
}

// gateFileEdit routes sensitive file writes through the approval gate.
func (d *dispatcher) gateFileEdit(ctx context.Context, call protocol.ToolCall) (protocol.ToolResult, bool) {
	path := pathArg(call.Args)
	sensitive := approval.MatchesSensitivePattern(path, d.sess.SensitiveFilePatterns)
	if !sensitive || d.sess.AutoApproveSensitiveEdits {
		return protocol.ToolResult{}, false
	}

	content, _ := call.Args["content"].(string)
	preview := content
	if len(preview) > 500 {
		preview = preview[:500] + "\n..."
	}

	resp := d.requestApproval(ctx, approval.Request{
		Kind:     approval.KindFileEdit,
		Severity: approval.SeverityHigh,
		Payload:  path,
		Detail:   preview,
	}, &call)

	if !resp.Approved {
		return d.skippedResult(call), true
	}
	return protocol.ToolResult{}, false
}

func (d *dispatcher) requestApproval(ctx context.Context, req approval.Request, call *protocol.ToolCall) approval.Response {
	req.ID = approval.NewRequestID()

	d.bus.Emit(ctx, bus.EventRequestToolApproval, map[string]any{
		"approvalId": req.ID,
		"kind":       req.Kind,
		"severity":   req.Severity.String(),
		"payload":    req.Payload,
		"detail":     req.Detail,
		"tool":       call.Name,
	})

	resp := d.gate.Wait(ctx, req)

	d.bus.Emit(ctx, bus.EventToolApprovalResult, map[string]any{
		"approvalId": req.ID,
		"approved":   resp.Approved,
	})
	return resp
}

func (d *dispatcher) skippedResult(call protocol.ToolCall) protocol.ToolResult {
	slog.Info("Tool call skipped by user", "tool", call.Name)
	d.postAction(call, bus.ActionError, "Skipped by user")
	return protocol.ToolResult{
		ToolCallID: call.ID,
		ToolName:   call.Name,
		Output:     "Skipped by user. " + DenialHint,
		Skipped:    true,
	}
}

// snapshotBeforeWrite lazily captures the pre-write state of a file into
// the current checkpoint. The snapshot precedes the write that triggered
// it; a second write to the same path in one turn does not re-snapshot.
func (d *dispatcher) snapshotBeforeWrite(ctx context.Context, call protocol.ToolCall) {
	if d.checkpointID == "" {
		return
	}
	path := pathArg(call.Args)
	if path == "" {
		return
	}
	d.snapMu.Lock()
	if _, done := d.snapshotOriginals[path]; done {
		d.snapMu.Unlock()
		return
	}
	d.snapMu.Unlock()

	action := session.FileModified
	original, err := d.env.ReadFile(ctx, path)
	if err != nil {
		action = session.FileCreated
		original = ""
	}

	d.snapMu.Lock()
	d.snapshotOriginals[path] = original
	d.snapMu.Unlock()

	if err := d.store.SnapshotFile(ctx, d.checkpointID, path, original, action); err != nil {
		slog.Warn("Failed to snapshot file", "path", path, "error", err)
	}
}

// enrich appends post-execution context the model needs: diff stats and
// diagnostics for file edits, emptiness and exit-code reminders.
func (d *dispatcher) enrich(ctx context.Context, call protocol.ToolCall, t tool.Tool, result *protocol.ToolResult) {
	switch t.Kind() {
	case tool.KindFileEdit:
		path := pathArg(call.Args)
		content, _ := call.Args["content"].(string)

		d.snapMu.Lock()
		original, snapshotted := d.snapshotOriginals[path]
		d.snapMu.Unlock()
		if snapshotted {
			adds, dels := diffStat(original, content)
			result.Output += fmt.Sprintf(" (+%d/-%d)", adds, dels)
		}
		if strings.TrimSpace(content) == "" {
			result.Output += "\n[Note: the file was written empty]"
		}

		if diags := d.waitForErrorDiagnostics(ctx, path); len(diags) > 0 {
			result.Output += "\n" + formatDiagnostics(diags)
		}

	case tool.KindTerminal:
		if strings.Contains(result.Output, "[exit code:") {
			result.Output += "\n[Note: the command exited non-zero]"
		}

	case tool.KindFileRead:
		if strings.TrimSpace(result.Output) == "" {
			result.Output = "(the file is empty)"
		}
	}
}

// waitForErrorDiagnostics blocks up to the configured window for the host
// to produce diagnostics after a write.
func (d *dispatcher) waitForErrorDiagnostics(ctx context.Context, path string) []host.Diagnostic {
	if path == "" {
		return nil
	}
	diags, err := d.env.WaitForDiagnostics(ctx, path, d.diagnosticsWait)
	if err != nil {
		slog.Debug("Diagnostics wait failed", "path", path, "error", err)
		return nil
	}
	return host.ErrorsOnly(diags)
}

func formatDiagnostics(diags []host.Diagnostic) string {
	var b strings.Builder
	b.WriteString("[AUTO-DIAGNOSTICS]")
	for _, diag := range diags {
		fmt.Fprintf(&b, "\nline %d: %s", diag.Line, diag.Message)
	}
	return b.String()
}

// Cache.

func (d *dispatcher) cacheKey(call protocol.ToolCall) string {
	return call.Name + "|" + protocol.CanonicalArgs(call.Args)
}

func (d *dispatcher) cacheLookup(call protocol.ToolCall) (string, bool) {
	d.cacheMu.Lock()
	defer d.cacheMu.Unlock()
	out, ok := d.cache[d.cacheKey(call)]
	return out, ok
}

func (d *dispatcher) cacheStore(call protocol.ToolCall, output string) {
	d.cacheMu.Lock()
	defer d.cacheMu.Unlock()
	d.cache[d.cacheKey(call)] = output
}

// invalidateCacheForPath removes every cached entry whose serialized args
// mention the written path. Coarse, but reading a just-written path must
// never return stale content.
func (d *dispatcher) invalidateCacheForPath(path string) {
	d.cacheMu.Lock()
	defer d.cacheMu.Unlock()
	for key := range d.cache {
		if strings.Contains(key, path) {
			delete(d.cache, key)
		}
	}
}

// UI plumbing. Running hints are transient (Post); terminal states are
// durable (Emit) so a reload reconstructs the action list.

func (d *dispatcher) postAction(call protocol.ToolCall, status, detail string) {
	d.bus.Post(bus.EventShowToolAction, map[string]any{
		"status": status,
		"tool":   call.Name,
		"title":  actionTitle(call),
		"detail": detail,
	})
}

func (d *dispatcher) emitAction(ctx context.Context, call protocol.ToolCall, status, detail string) {
	d.bus.Emit(ctx, bus.EventShowToolAction, map[string]any{
		"status": status,
		"tool":   call.Name,
		"title":  actionTitle(call),
		"detail": detail,
	})
}

// emitChunkedRead publishes a running/success pair per chunk of a file
// read so large files render progressively.
func (d *dispatcher) emitChunkedRead(ctx context.Context, call protocol.ToolCall, output string) {
	lines := strings.Split(output, "\n")
	chunks := (len(lines) + readFileChunkLines - 1) / readFileChunkLines
	if chunks == 0 {
		chunks = 1
	}

	for i := 0; i < chunks; i++ {
		detail := fmt.Sprintf("chunk %d/%d", i+1, chunks)
		d.postAction(call, bus.ActionRunning, detail)
		if i == chunks-1 {
			d.emitAction(ctx, call, bus.ActionSuccess, "")
		} else {
			d.postAction(call, bus.ActionSuccess, detail)
		}
	}
}

func actionTitle(call protocol.ToolCall) string {
	if path := pathArg(call.Args); path != "" {
		return fmt.Sprintf("%s %s", call.Name, path)
	}
	if cmd, ok := call.Args["command"].(string); ok && cmd != "" {
		if len(cmd) > 60 {
			cmd = cmd[:57] + "..."
		}
		return fmt.Sprintf("%s %s", call.Name, cmd)
	}
	if query, ok := call.Args["query"].(string); ok && query != "" {
		return fmt.Sprintf("%s %q", call.Name, query)
	}
	return call.Name
}

func pathArg(args map[string]any) string {
	path, _ := args["path"].(string)
	return path
}

// diffStat counts added and deleted lines between two contents using line
// occurrence counts. Not a minimal diff, but stable and cheap.
func diffStat(before, after string) (adds, dels int) {
	beforeCounts := lineCounts(before)
	afterCounts := lineCounts(after)

	for line, n := range afterCounts {
		if m := beforeCounts[line]; n > m {
			adds += n - m
		}
	}
	for line, n := range beforeCounts {
		if m := afterCounts[line]; n > m {
			dels += n - m
		}
	}
	return adds, dels
}

func lineCounts(content string) map[string]int {
	counts := make(map[string]int)
	if content == "" {
		return counts
	}
	for _, line := range strings.Split(content, "\n") {
		counts[line]++
	}
	return counts
}
