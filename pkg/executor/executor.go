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

// Package executor drives the iterative reason -> call tools -> feed
// results back loop against a streaming chat model. One Executor serves
// many sessions; each user turn runs as one loop instance.
package executor

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/kadirpekel/loco/pkg/approval"
	"github.com/kadirpekel/loco/pkg/bus"
	"github.com/kadirpekel/loco/pkg/config"
	"github.com/kadirpekel/loco/pkg/history"
	"github.com/kadirpekel/loco/pkg/host"
	"github.com/kadirpekel/loco/pkg/llm"
	"github.com/kadirpekel/loco/pkg/memory"
	"github.com/kadirpekel/loco/pkg/observability"
	"github.com/kadirpekel/loco/pkg/protocol"
	"github.com/kadirpekel/loco/pkg/session"
	"github.com/kadirpekel/loco/pkg/tool"
)

// Executor wires the engine's collaborators. Safe for concurrent Run
// calls up to the configured session parallelism.
type Executor struct {
	cfg        config.ExecutorConfig
	backendCfg config.BackendConfig
	backend    llm.ChatBackend
	registry   *tool.Registry
	env        host.Environment
	store      session.Store
	sink       bus.UISink
	gate       *approval.Gate
	metrics    *observability.Metrics
	tracer     *observability.Tracer

	// extraTools are registry tools outside the built-in mode sets (MCP
	// server tools); they join the allowed set of every mode.
	extraTools []string

	sem chan struct{}
}

// Options bundles the Executor's collaborators.
type Options struct {
	Config        config.ExecutorConfig
	BackendConfig config.BackendConfig
	Backend       llm.ChatBackend
	Registry      *tool.Registry
	Env           host.Environment
	Store         session.Store
	Sink          bus.UISink
	Gate          *approval.Gate
	Metrics       *observability.Metrics
	Tracer        *observability.Tracer

	// ExtraTools names registry tools beyond the built-in sets (MCP
	// server tools) that every mode may call.
	ExtraTools []string
}

// New creates an executor and registers the sub-agent pseudo-tool.
func New(opts Options) *Executor {
	e := &Executor{
		cfg:        opts.Config,
		backendCfg: opts.BackendConfig,
		backend:    opts.Backend,
		registry:   opts.Registry,
		env:        opts.Env,
		store:      opts.Store,
		sink:       opts.Sink,
		gate:       opts.Gate,
		metrics:    opts.Metrics,
		tracer:     opts.Tracer,
		extraTools: opts.ExtraTools,
		sem:        make(chan struct{}, max(1, opts.Config.MaxParallelSessions)),
	}
	e.registry.Register(&subagentTool{exec: e})
	return e
}

// Gate exposes the approval gate so the embedding host can resolve
// approvals from user responses.
func (e *Executor) Gate() *approval.Gate {
	return e.gate
}

// capabilities parameterizes the shared loop engine across executor modes.
type capabilities struct {
	mode          string
	allowedTools  []string
	outputToUser  bool
	allowWrites   bool
	maxIterations int
	promptBuilder func(task string) string
}

// loop is the per-turn state machine.
type loop struct {
	cfg     config.ExecutorConfig
	backend llm.ChatBackend
	env     host.Environment
	store   session.Store
	metrics *observability.Metrics
	tracer  *observability.Tracer

	sess       *session.Session
	caps       capabilities
	bus        *bus.Bus
	history    *history.History
	budgeter   *llm.Budgeter
	compactor  *history.Compactor
	memory     *memory.SessionMemory
	dedup      *dedupTracker
	dispatcher *dispatcher
	registry   *tool.Registry

	native              bool
	think               bool
	numPredict          int
	keepAlive           string
	temperature         float64
	truncationSuspected bool
	gates               gateState
	consecutiveNoTool   int
	iteration           int
	lastFocus           string

	streamedText   strings.Builder
	thinkingBlocks []string
	allResults     []protocol.ToolResult
}

// Run executes one user turn on a session. Blocking; honors ctx for
// cancellation. Cancellation is not an error.
func (e *Executor) Run(ctx context.Context, sess *session.Session, task string) error {
	e.sem <- struct{}{}
	defer func() { <-e.sem }()

	caps := e.capabilitiesForMode(sess.Mode)
	l, err := e.newLoop(ctx, sess, caps, e.sink)
	if err != nil {
		return err
	}

	// Cancellation fans out: the stream context aborts the transport, and
	// pending approvals resolve as denied.
	watchDone := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			e.gate.CancelAll()
		case <-watchDone:
		}
	}()
	defer close(watchDone)

	l.setStatus(ctx, session.StatusGenerating)
	err = l.run(ctx, task)
	l.saveMemory(context.WithoutCancel(ctx))

	switch {
	case ctx.Err() != nil:
		l.setStatus(context.WithoutCancel(ctx), session.StatusCancelled)
		return nil
	case err != nil:
		l.setStatus(ctx, session.StatusError)
		return err
	default:
		l.setStatus(ctx, session.StatusCompleted)
		return nil
	}
}

func (e *Executor) capabilitiesForMode(mode string) capabilities {
	if mode == "" {
		mode = tool.ModeAgent
	}
	return capabilities{
		mode:          mode,
		allowedTools:  append(tool.ForMode(mode), e.extraTools...),
		outputToUser:  true,
		allowWrites:   mode == tool.ModeAgent || mode == tool.ModeDeepExploreWrite,
		maxIterations: e.cfg.MaxIterations,
		promptBuilder: e.buildSystemPrompt,
	}
}

func (e *Executor) newLoop(ctx context.Context, sess *session.Session, caps capabilities, sink bus.UISink) (*loop, error) {
	capability := llm.Detect(ctx, e.backend, sess.Model)
	budgeter := llm.NewBudgeter(capability, e.backendCfg.ContextWindow, e.backendCfg.MaxContextWindow, sess.Model, e.cfg.UsageReminderThresholds)

	eventBus := bus.New(e.store, sink, sess.ID)
	if !caps.outputToUser {
		eventBus = eventBus.Quarantined()
	}
	native := capability.NativeTools

	l := &loop{
		cfg:         e.cfg,
		backend:     e.backend,
		env:         e.env,
		store:       e.store,
		metrics:     e.metrics,
		tracer:      e.tracer,
		sess:        sess,
		caps:        caps,
		bus:         eventBus,
		budgeter:    budgeter,
		memory:      memory.New(),
		dedup:       newDedupTracker(),
		registry:    e.registry,
		native:      native,
		think:       capability.Thinking,
		numPredict:  e.backendCfg.NumPredict,
		keepAlive:   e.backendCfg.KeepAlive,
		temperature: e.backendCfg.Temperature,
		lastFocus:   e.env.ActiveEditorPath(),
	}
	if l.numPredict == 0 {
		l.numPredict = 4096
	}
	l.compactor = history.NewCompactor(e.backend, sess.Model, e.cfg.PreserveRecent, budgeter.CountMessages)
	l.dispatcher = newDispatcher(e.registry, e.gate, e.env, eventBus, e.store, e.metrics, sess, e.cfg.DiagnosticsWait, e.cfg.OverEagerThreshold)

	if caps.allowWrites {
		checkpointID, err := e.store.CreateCheckpoint(ctx, sess.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to create checkpoint: %w", err)
		}
		l.dispatcher.checkpointID = checkpointID
	}

	return l, nil
}

func (e *Executor) buildSystemPrompt(task string) string {
	var b strings.Builder
	b.WriteString("You are a coding agent working inside the user's workspace. ")
	b.WriteString("Use the available tools to complete the task. ")
	b.WriteString("When the task is fully done, output the literal token " + protocol.CompletionToken + ". ")
	b.WriteString("Never claim completion without it.\n\n")
	if folders := e.env.WorkspaceFolders(); len(folders) > 0 {
		b.WriteString("Workspace: " + folders[0] + "\n")
	}
	return b.String()
}

// run executes the iteration state machine.
func (l *loop) run(ctx context.Context, task string) error {
	l.history = history.New(l.caps.promptBuilder(task), task, l.native)

	defer func() {
		l.finalize(context.WithoutCancel(ctx), ctx.Err() != nil)
	}()

	for l.iteration = 1; l.iteration <= l.caps.maxIterations; l.iteration++ {
		iterStart := time.Now()
		l.bus.Post(bus.EventIterationBoundary, map[string]any{"iteration": l.iteration})

		iterCtx, span := l.tracer.Start(ctx, observability.SpanIteration, trace.WithAttributes(
			attribute.String(observability.AttrMode, l.caps.mode),
			attribute.Int(observability.AttrIteration, l.iteration),
			attribute.String(observability.AttrSessionID, l.sess.ID),
		))

		done, err := l.runIteration(iterCtx, task)
		span.End()
		l.metrics.RecordIteration(l.caps.mode, time.Since(iterStart))

		if err != nil {
			if ctx.Err() != nil {
				// Cancellation: thinking already persisted by the
				// iteration; just stop.
				return nil
			}
			l.bus.Emit(context.WithoutCancel(ctx), bus.EventShowError, map[string]any{
				"message":   err.Error(),
				"model":     l.sess.Model,
				"iteration": l.iteration,
			})
			return err
		}
		if done {
			return nil
		}
	}

	slog.Warn("Iteration limit reached", "session_id", l.sess.ID, "max", l.caps.maxIterations)
	l.bus.Emit(ctx, bus.EventShowWarningBanner, map[string]any{
		"message": fmt.Sprintf("Stopped after %d iterations.", l.caps.maxIterations),
	})
	return nil
}

// runIteration performs one reason/act cycle. Returns done=true when the
// loop should finalize.
func (l *loop) runIteration(ctx context.Context, task string) (bool, error) {
	if l.iteration > 1 {
		l.prepareIteration(ctx)
	}

	messages := l.history.PrepareForRequest()
	estimated := l.budgeter.CountMessages(messages)

	req := llm.ChatRequest{
		Model:    l.sess.Model,
		Messages: messages,
		Options: llm.Options{
			Temperature: l.temperature,
			NumPredict:  l.numPredict,
			NumCtx:      l.budgeter.NumCtx(estimated, l.numPredict),
		},
		KeepAlive: l.keepAlive,
		Think:     l.think,
	}
	if l.native {
		req.Tools = l.toolDefinitions()
	}

	llmStart := time.Now()
	ch, err := l.backend.Chat(ctx, req)
	if err != nil {
		l.metrics.RecordLLMCall(l.sess.Model, time.Since(llmStart), 0, 0, err)
		return false, err
	}

	decoder := &streamDecoder{
		bus:        l.bus,
		knownTools: l.caps.allowedTools,
		native:     l.native,
		quiet:      !l.caps.outputToUser,
	}
	res, err := decoder.decode(ctx, ch)
	l.metrics.RecordLLMCall(l.sess.Model, time.Since(llmStart), res.PromptTokens, res.CompletionTokens, err)

	if ctx.Err() != nil {
		l.persistThinking(context.WithoutCancel(ctx), res)
		return true, ctx.Err()
	}
	if err != nil {
		return false, err
	}

	l.truncationSuspected = l.budgeter.RecordPromptTokens(res.PromptTokens, estimated)
	l.bus.Post(bus.EventTokenUsage, map[string]any{
		"promptTokens":     res.PromptTokens,
		"completionTokens": res.CompletionTokens,
		"window":           l.budgeter.EffectiveWindow(),
	})

	// Truncated at the output limit: push the partial turn and continue
	// where it left off.
	if res.Truncated && res.Response != "" {
		l.history.AddAssistantMessage(res.Response, res.Thinking)
		l.history.AddContinuation("Your response was truncated at the output limit. Continue exactly where you left off.")
		return false, nil
	}

	response := dedupThinkingEcho(res.Response, res.Thinking)
	l.persistThinking(ctx, res)
	l.persistIterationDelta(ctx, response)

	if protocol.IsCompletionSignaled(response, res.Thinking) {
		if reason := l.checkCompletionGates(ctx, task); reason != "" {
			l.history.AddAssistantMessage(response, res.Thinking)
			l.history.AddContinuation(reason)
			return false, nil
		}
		l.history.AddAssistantMessage(response, res.Thinking)
		return true, nil
	}

	calls := l.collectCalls(res, response)
	if len(calls) == 0 {
		l.history.AddAssistantMessage(response, res.Thinking)
		l.consecutiveNoTool++

		switch checkNoToolCompletion(response, res.Thinking, len(l.gates.wroteFiles) > 0, l.consecutiveNoTool) {
		case noToolBreakImplicit, noToolBreakConsecutive:
			return true, nil
		default:
			l.history.AddContinuation(continuationProbe(l.consecutiveNoTool))
			return false, nil
		}
	}
	l.consecutiveNoTool = 0

	calls = l.filterAllowed(calls)
	calls = l.dedup.filter(calls, l.iteration)
	if len(calls) == 0 {
		l.history.AddAssistantMessage(response, res.Thinking)
		l.history.AddSystemNote("You are repeating tool calls that already ran. Use the earlier results or try a different approach.")
		return false, nil
	}

	if len(calls) > l.cfg.MaxToolsPerBatch {
		calls = calls[:l.cfg.MaxToolsPerBatch]
	}

	l.history.AddAssistantToolMessage(history.ToolTurn{
		Calls:       calls,
		Response:    response,
		Thinking:    res.Thinking,
		ToolSummary: protocol.SummarizeCalls(calls),
	})

	batch := l.dispatcher.executeBatch(context.WithValue(ctx, parentLoopKey{}, l), calls)
	l.recordBatch(ctx, calls, batch)

	packet := l.buildControlPacket(protocol.StateNeedTools)
	if l.native {
		if err := l.history.AddNativeToolResults(batch.NativeResults); err != nil {
			return false, err
		}
		l.history.AddContinuation(packet)
	} else {
		if err := l.history.AddXMLToolResults(batch.TextResults, packet); err != nil {
			return false, err
		}
	}
	for _, note := range batch.Notes {
		l.history.AddSystemNote(note)
	}

	return false, nil
}

// prepareIteration runs the between-iteration housekeeping: stale note
// cleanup, compaction, external modification detection, focus tracking,
// and usage reminders.
func (l *loop) prepareIteration(ctx context.Context) {
	l.history.CleanStaleSystemNotes()

	estimated := l.budgeter.CountMessages(l.history.PrepareForRequest())
	promptTokens := l.budgeter.PromptTokensForCompaction(estimated)
	threshold := int(l.cfg.CompactionThreshold * float64(l.budgeter.EffectiveWindow()))

	if promptTokens > threshold || l.truncationSuspected {
		compactCtx, span := l.tracer.Start(ctx, observability.SpanCompaction)
		report, err := l.compactor.Compact(compactCtx, l.history)
		span.End()

		if err != nil {
			slog.Warn("History compaction failed", "error", err)
		} else if report != nil {
			l.truncationSuspected = false
			l.metrics.RecordCompaction(l.sess.Model)
			l.bus.Emit(ctx, bus.EventShowToolAction, map[string]any{
				"status": bus.ActionSuccess,
				"tool":   "compact",
				"title":  fmt.Sprintf("Condensed %d messages", report.SummarizedMessages),
			})
		}
	}

	if mods := l.externalModifications(); len(mods) > 0 {
		l.history.AddSystemNote("Files changed outside this session: " + strings.Join(mods, ", ") +
			". Re-read them before editing.")
	}

	if focus := l.env.ActiveEditorPath(); focus != "" && focus != l.lastFocus {
		l.lastFocus = focus
		l.history.AddSystemNote("The user is now looking at " + focus + ".")
	}

	if reminder := l.budgeter.UsageReminder(l.budgeter.PromptTokensForCompaction(estimated)); reminder != "" {
		l.history.AddSystemNote(reminder)
	}
}

// externalModifications drains the host's out-of-band change set when the
// host tracks one.
func (l *loop) externalModifications() []string {
	type externalTracker interface {
		ExternalModifications() []string
	}
	if tracker, ok := l.env.(externalTracker); ok {
		return tracker.ExternalModifications()
	}
	return nil
}

// collectCalls merges native, text-extracted, and recovered tool calls.
func (l *loop) collectCalls(res *StreamResult, response string) []protocol.ToolCall {
	calls := append([]protocol.ToolCall(nil), res.NativeToolCalls...)
	if !l.native {
		calls = append(calls, tool.ExtractTextCalls(response, l.caps.allowedTools)...)
	}
	for _, raw := range res.ToolParseErrors {
		if recovered := tool.RecoverCall(raw); recovered != nil {
			calls = append(calls, *recovered)
		} else {
			l.history.AddSystemNote("A tool call could not be parsed. Re-issue it as valid JSON with ASCII quotes.")
		}
	}
	return calls
}

// filterAllowed drops calls outside the mode's tool set.
func (l *loop) filterAllowed(calls []protocol.ToolCall) []protocol.ToolCall {
	var kept []protocol.ToolCall
	for _, call := range calls {
		if tool.Allowed(l.caps.allowedTools, call.Name) {
			kept = append(kept, call)
			continue
		}
		slog.Debug("Dropping disallowed tool call", "tool", call.Name, "mode", l.caps.mode)
	}
	return kept
}

// recordBatch folds batch outcomes into loop state and session memory.
func (l *loop) recordBatch(ctx context.Context, calls []protocol.ToolCall, batch *batchResult) {
	l.allResults = append(l.allResults, batch.Results...)
	l.gates.ranTerminal = l.gates.ranTerminal || batch.RanTerminal
	l.gates.terminalAttempted = l.gates.terminalAttempted || batch.TerminalAttempted

	for _, path := range batch.WroteFiles {
		found := false
		for _, existing := range l.gates.wroteFiles {
			if existing == path {
				found = true
				break
			}
		}
		if !found {
			l.gates.wroteFiles = append(l.gates.wroteFiles, path)
		}
	}

	// Denied signatures stay recorded so the next iteration drops any
	// re-attempt before execution.
	for i, r := range batch.Results {
		if r.Skipped && i < len(calls) {
			l.dedup.record(calls[i], l.iteration)
		}
	}

	names := make([]string, 0, len(calls))
	success := true
	for i, call := range calls {
		names = append(names, call.Name)
		if i < len(batch.Results) && batch.Results[i].Error != "" {
			success = false
		}
	}
	l.memory.AddIterationSummary(memory.IterationSummary{
		Iteration: l.iteration,
		ToolNames: names,
		Brief:     briefForBatch(batch),
		Success:   success,
	})
	l.history.UpdateSystemPrompt(l.memory.InjectReminder)
}

func briefForBatch(batch *batchResult) string {
	if len(batch.WroteFiles) > 0 {
		return "wrote " + strings.Join(batch.WroteFiles, ", ")
	}
	if batch.RanTerminal {
		return "ran commands"
	}
	return fmt.Sprintf("%d tool results", len(batch.Results))
}

// buildControlPacket renders the between-iteration directive.
func (l *loop) buildControlPacket(state string) string {
	return protocol.ControlPacket{
		State:               state,
		Iteration:           l.iteration,
		MaxIterations:       l.caps.maxIterations,
		RemainingIterations: l.caps.maxIterations - l.iteration,
		FilesChanged:        append([]string{}, l.gates.wroteFiles...),
		ToolResults:         len(l.allResults),
		Note:                l.memory.CompactSummary(),
	}.Render()
}

// persistThinking records the iteration's thinking block durably.
func (l *loop) persistThinking(ctx context.Context, res *StreamResult) {
	if res.Thinking == "" {
		return
	}
	l.thinkingBlocks = append(l.thinkingBlocks, res.Thinking)
	l.bus.Emit(ctx, bus.EventThinkingBlock, map[string]any{
		"content":    res.Thinking,
		"durationMs": res.ThinkingDuration.Milliseconds(),
	})
}

// persistIterationDelta stores the assistant's visible text for this
// iteration and accumulates it for the closeout ladder. Sub-agent text is
// neither persisted nor accumulated here; it returns to the parent as
// tool output.
func (l *loop) persistIterationDelta(ctx context.Context, response string) {
	if !l.caps.outputToUser {
		return
	}
	text := strings.TrimSpace(protocol.StripCompletionToken(tool.StripTextCalls(response)))
	if text == "" {
		return
	}
	if l.streamedText.Len() > 0 {
		l.streamedText.WriteString("\n\n")
	}
	l.streamedText.WriteString(text)
	if _, err := l.store.AddMessage(ctx, l.sess.ID, llm.RoleAssistant, text, session.MessageOptions{Model: l.sess.Model}); err != nil {
		slog.Warn("Failed to persist assistant text", "error", err)
	}
}

func (l *loop) toolDefinitions() []llm.ToolDefinition {
	defs := l.registry.Definitions(l.caps.allowedTools)
	out := make([]llm.ToolDefinition, 0, len(defs))
	for _, d := range defs {
		out = append(out, llm.ToolDefinition{
			Name:        d.Name,
			Description: d.Description,
			Parameters:  d.Parameters,
		})
	}
	return out
}

func (l *loop) setStatus(ctx context.Context, status string) {
	l.sess.Status = status
	if err := l.store.UpdateSession(ctx, l.sess.ID, session.Patch{Status: &status}); err != nil {
		slog.Warn("Failed to update session status", "status", status, "error", err)
	}
}

func (l *loop) saveMemory(ctx context.Context) {
	data, err := l.memory.MarshalJSON()
	if err != nil {
		return
	}
	if err := l.store.SaveSessionMemory(ctx, l.sess.ID, string(data)); err != nil {
		slog.Warn("Failed to save session memory", "error", err)
	}
}

// dedupThinkingEcho strips a leading echo of the thinking content from
// the response; some models repeat their chain of thought verbatim before
// the answer.
func dedupThinkingEcho(response, thinking string) string {
	t := strings.TrimSpace(thinking)
	r := strings.TrimSpace(response)
	if t == "" || r == "" {
		return response
	}
	if strings.HasPrefix(r, t) {
		return strings.TrimSpace(strings.TrimPrefix(r, t))
	}
	return response
}
