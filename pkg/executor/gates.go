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
	"regexp"
	"strings"

	"github.com/kadirpekel/loco/pkg/host"
)

// Declared completion is cheap; these gates verify it before accepting.

var (
	writeIntentRe = regexp.MustCompile(`(?i)\b(add|create|write|implement|fix|update|modify|change|refactor|rename|delete|remove|insert|generate)\b`)
	runIntentRe   = regexp.MustCompile(`(?i)\b(run|execute|test|build|compile|install|start|launch)\b`)
)

// gateState tracks what the turn actually did, plus which one-time gates
// already fired.
type gateState struct {
	wroteFiles        []string
	ranTerminal       bool
	terminalAttempted bool

	runNudgeFired        bool
	diagnosticsGateFired bool
}

// checkCompletionGates verifies a declared [TASK_COMPLETE] against the
// task's intent and the turn's effects. Returns a rejection note, or ""
// when completion is accepted.
func (l *loop) checkCompletionGates(ctx context.Context, task string) string {
	state := &l.gates

	// Gate 1: write-intent tasks must have written something.
	if writeIntentRe.MatchString(task) && len(state.wroteFiles) == 0 {
		return "The task asks for changes, but no file was written. " +
			"Reading does not change files. Make the changes, then declare completion."
	}

	// Gate 2: run/test/build tasks should have executed something.
	// One-time nudge only; a task can legitimately end read-only.
	if runIntentRe.MatchString(task) && !state.ranTerminal && !state.terminalAttempted && len(state.wroteFiles) == 0 && !state.runNudgeFired {
		state.runNudgeFired = true
		return "The task asks to run or verify something, but no command was executed. " +
			"Run the relevant command, or declare completion again if that is genuinely unnecessary."
	}

	// Gate 3: modified files must be free of error diagnostics. Fires at
	// most once; the second declaration passes with outstanding errors
	// reported but not blocking.
	if len(state.wroteFiles) > 0 && !state.diagnosticsGateFired {
		if report := l.collectErrorDiagnostics(ctx, state.wroteFiles); report != "" {
			state.diagnosticsGateFired = true
			return "The modified files have errors:\n" + report + "\nFix them before declaring completion."
		}
	}

	return ""
}

func (l *loop) collectErrorDiagnostics(ctx context.Context, paths []string) string {
	var b strings.Builder
	for _, path := range paths {
		diags, err := l.env.WaitForDiagnostics(ctx, path, l.cfg.DiagnosticsWait)
		if err != nil {
			continue
		}
		for _, diag := range host.ErrorsOnly(diags) {
			fmt.Fprintf(&b, "%s:%d: %s\n", path, diag.Line, diag.Message)
		}
	}
	return strings.TrimSpace(b.String())
}

// noToolDecision is the outcome of an iteration that produced no tool
// calls and no completion signal.
type noToolDecision int

const (
	// noToolContinue probes the model to keep going.
	noToolContinue noToolDecision = iota

	// noToolBreakImplicit treats a substantive final answer as done.
	noToolBreakImplicit

	// noToolBreakConsecutive stops after repeated tool-less iterations;
	// further probing just burns tokens.
	noToolBreakConsecutive
)

// checkNoToolCompletion decides what to do with a tool-less iteration.
func checkNoToolCompletion(response, thinking string, wroteFiles bool, consecutiveNoTool int) noToolDecision {
	if consecutiveNoTool >= 2 {
		return noToolBreakConsecutive
	}

	trimmed := strings.TrimSpace(response)

	// A question back to the user ends the turn: the model is blocked on
	// input, probing cannot help.
	if strings.HasSuffix(trimmed, "?") {
		return noToolBreakImplicit
	}

	// After file writes, a substantive closing message reads as an
	// implicit wrap-up.
	if wroteFiles && len(trimmed) > 80 {
		return noToolBreakImplicit
	}

	return noToolContinue
}

// continuationProbe nudges a stalled model back into the loop.
func continuationProbe(consecutiveNoTool int) string {
	if consecutiveNoTool > 1 {
		return "You produced no tool calls again. Either call a tool now or finish with [TASK_COMPLETE]."
	}
	return "Continue with the task. Call tools to make progress, or declare [TASK_COMPLETE] if done."
}
