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

package llm

import (
	"fmt"
	"log/slog"

	"github.com/kadirpekel/loco/pkg/tokens"
)

// Context window bounds.
const (
	// MinEffectiveWindow floors the effective window even when detection
	// reports something tiny.
	MinEffectiveWindow = 8192

	// MinNumCtx is the smallest num_ctx ever sent.
	MinNumCtx = 4096

	// NumCtxAlign is the alignment granularity for num_ctx.
	NumCtxAlign = 2048

	// DefaultWindow is assumed when the model reports no context length.
	DefaultWindow = 8192

	// responseHeadroom pads the payload estimate before sizing num_ctx.
	responseHeadroom = 512
)

// Budgeter sizes requests against the model's context window, detects
// server-side silent prompt truncation, and tracks one-time usage
// reminders.
type Budgeter struct {
	effectiveWindow int
	counter         *tokens.Counter

	// lastPromptTokens is the server-reported prompt size of the previous
	// request; it replaces the chars/4 estimate for the next compaction
	// decision.
	lastPromptTokens int

	reminderThresholds []float64
	remindersFired     map[int]bool
}

// NewBudgeter computes the effective window from the detected capability,
// an optional user override, and the global cap, then builds a budgeter.
func NewBudgeter(capability Capability, userOverride, globalCap int, model string, reminderThresholds []float64) *Budgeter {
	detected := capability.ContextLength
	if userOverride > 0 {
		detected = userOverride
	}
	if detected == 0 {
		detected = DefaultWindow
	}

	limit := globalCap
	if capability.ContextLength > 0 && capability.ContextLength < limit {
		limit = capability.ContextLength
	}
	if limit <= 0 {
		limit = detected
	}

	effective := detected
	if effective > limit {
		effective = limit
	}
	if effective < MinEffectiveWindow {
		effective = MinEffectiveWindow
	}

	counter, err := tokens.NewCounter(model)
	if err != nil {
		slog.Warn("Token counter unavailable, falling back to estimation", "model", model, "error", err)
	}

	return &Budgeter{
		effectiveWindow:    effective,
		counter:            counter,
		reminderThresholds: reminderThresholds,
		remindersFired:     make(map[int]bool),
	}
}

// EffectiveWindow returns the budgeted context window.
func (b *Budgeter) EffectiveWindow() int {
	return b.effectiveWindow
}

// CountMessages estimates the token size of a message list.
func (b *Budgeter) CountMessages(messages []Message) int {
	if b.counter == nil {
		total := 0
		for _, m := range messages {
			total += tokens.Estimate(m.Content) + tokens.Estimate(m.Role) + 3
		}
		return total
	}

	converted := make([]tokens.Message, 0, len(messages))
	for _, m := range messages {
		converted = append(converted, tokens.Message{Role: m.Role, Content: m.Content})
	}
	return b.counter.CountMessages(converted)
}

// NumCtx sizes the num_ctx option for a request: payload plus completion
// budget plus headroom, aligned up, clamped to [MinNumCtx, effectiveWindow].
func (b *Budgeter) NumCtx(payloadTokens, numPredict int) int {
	want := payloadTokens + numPredict + responseHeadroom
	want = alignUp(want, NumCtxAlign)

	if want < MinNumCtx {
		want = MinNumCtx
	}
	if want > b.effectiveWindow {
		want = b.effectiveWindow
	}
	return want
}

func alignUp(n, align int) int {
	return ((n + align - 1) / align) * align
}

// RecordPromptTokens stores the server-reported prompt size and checks for
// silent prompt truncation: a real count far below a sizeable estimate
// means the server dropped messages.
// Returns true when truncation is suspected and compaction must run next
// iteration.
func (b *Budgeter) RecordPromptTokens(actual, estimated int) bool {
	if actual > 0 {
		b.lastPromptTokens = actual
	}

	if estimated > 1000 && actual > 0 && float64(actual)/float64(estimated) < 0.5 {
		slog.Warn("Prompt token count far below estimate, server may be dropping messages",
			"actual", actual,
			"estimated", estimated)
		return true
	}
	return false
}

// PromptTokensForCompaction returns the best-known prompt size for the
// compaction decision: the last real count when available, else estimated.
func (b *Budgeter) PromptTokensForCompaction(estimated int) int {
	if b.lastPromptTokens > 0 {
		return b.lastPromptTokens
	}
	return estimated
}

// UsageReminder returns a one-time reminder note when usage crosses a
// configured threshold, else "".
func (b *Budgeter) UsageReminder(promptTokens int) string {
	usage := float64(promptTokens) / float64(b.effectiveWindow)
	for i, threshold := range b.reminderThresholds {
		if usage >= threshold && !b.remindersFired[i] {
			b.remindersFired[i] = true
			return fmt.Sprintf("Context usage: %d%% - be concise.", int(usage*100))
		}
	}
	return ""
}
