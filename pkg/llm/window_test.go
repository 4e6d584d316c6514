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
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func newTestBudgeter(t *testing.T, capability Capability, override, globalCap int) *Budgeter {
	t.Helper()
	return NewBudgeter(capability, override, globalCap, "test-model", []float64{0.70, 0.85})
}

func TestEffectiveWindow(t *testing.T) {
	tests := []struct {
		name      string
		capLen    int
		override  int
		globalCap int
		want      int
	}{
		{"detected within cap", 32768, 0, 65536, 32768},
		{"global cap applies", 131072, 0, 65536, 65536},
		{"floor applies", 4096, 0, 65536, MinEffectiveWindow},
		{"unknown uses default", 0, 0, 65536, DefaultWindow},
		{"override wins over detection", 32768, 16384, 65536, 16384},
		{"override capped by model", 8192, 131072, 65536, 8192},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := newTestBudgeter(t, Capability{ContextLength: tt.capLen}, tt.override, tt.globalCap)
			assert.Equal(t, tt.want, b.EffectiveWindow())
		})
	}
}

func TestNumCtxInvariant(t *testing.T) {
	b := newTestBudgeter(t, Capability{ContextLength: 32768}, 0, 65536)

	for _, payload := range []int{0, 100, 1000, 5000, 20000, 100000} {
		got := b.NumCtx(payload, 4096)
		assert.GreaterOrEqual(t, got, MinNumCtx, "payload %d", payload)
		assert.LessOrEqual(t, got, b.EffectiveWindow(), "payload %d", payload)
		if got < b.EffectiveWindow() {
			assert.Zero(t, got%NumCtxAlign, "num_ctx must be aligned, payload %d", payload)
		}
	}
}

func TestNumCtxSizing(t *testing.T) {
	b := newTestBudgeter(t, Capability{ContextLength: 32768}, 0, 65536)

	// 1000 + 4096 + 512 = 5608 -> aligned to 6144.
	assert.Equal(t, 6144, b.NumCtx(1000, 4096))
	// Tiny payloads still get the floor.
	assert.Equal(t, MinNumCtx, b.NumCtx(0, 0))
	// Oversized payloads clamp to the window.
	assert.Equal(t, 32768, b.NumCtx(100000, 4096))
}

func TestRecordPromptTokensTruncationDetection(t *testing.T) {
	b := newTestBudgeter(t, Capability{ContextLength: 32768}, 0, 65536)

	assert.True(t, b.RecordPromptTokens(400, 2000), "actual far below estimate")
	assert.False(t, b.RecordPromptTokens(1800, 2000), "close enough")
	assert.False(t, b.RecordPromptTokens(100, 500), "estimate too small to judge")
	assert.False(t, b.RecordPromptTokens(0, 5000), "no actual count")
}

func TestPromptTokensForCompaction(t *testing.T) {
	b := newTestBudgeter(t, Capability{ContextLength: 32768}, 0, 65536)

	assert.Equal(t, 1234, b.PromptTokensForCompaction(1234), "estimate before any real count")
	b.RecordPromptTokens(5000, 5100)
	assert.Equal(t, 5000, b.PromptTokensForCompaction(1234), "real count replaces the estimate")
}

func TestUsageReminderFiresOnce(t *testing.T) {
	b := newTestBudgeter(t, Capability{ContextLength: 16384}, 0, 65536)
	window := b.EffectiveWindow()

	assert.Empty(t, b.UsageReminder(window/2))

	at70 := int(0.72 * float64(window))
	reminder := b.UsageReminder(at70)
	assert.Contains(t, reminder, "Context usage")
	assert.Empty(t, b.UsageReminder(at70), "70% reminder is one-time")

	at85 := int(0.90 * float64(window))
	assert.NotEmpty(t, b.UsageReminder(at85), "85% threshold fires separately")
	assert.Empty(t, b.UsageReminder(at85))
}

func TestCountMessagesGrowsWithContent(t *testing.T) {
	b := newTestBudgeter(t, Capability{}, 0, 65536)

	small := b.CountMessages([]Message{{Role: RoleUser, Content: "hi"}})
	large := b.CountMessages([]Message{{Role: RoleUser, Content: strings.Repeat("word ", 1000)}})
	assert.Greater(t, large, small)
}
