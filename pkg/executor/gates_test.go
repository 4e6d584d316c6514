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
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/kadirpekel/loco/pkg/host"
)

func newGateLoop(env *fakeEnv) *loop {
	return &loop{cfg: testExecutorConfig(), env: env}
}

func TestWriteIntentGate(t *testing.T) {
	l := newGateLoop(newFakeEnv())

	reason := l.checkCompletionGates(context.Background(), "Add a function bar in src/a.ts")
	assert.Contains(t, reason, "Reading does not change files",
		"write-intent tasks must reject completion without a write")

	l.gates.wroteFiles = []string{"src/a.ts"}
	assert.Empty(t, l.checkCompletionGates(context.Background(), "Add a function bar in src/a.ts"))
}

func TestRunIntentNudgeFiresOnce(t *testing.T) {
	l := newGateLoop(newFakeEnv())

	first := l.checkCompletionGates(context.Background(), "Run the test suite")
	assert.NotEmpty(t, first)

	second := l.checkCompletionGates(context.Background(), "Run the test suite")
	assert.Empty(t, second, "the run nudge is one-time")
}

func TestDiagnosticsGate(t *testing.T) {
	env := newFakeEnv()
	env.setDiagnostics("src/a.ts", []host.Diagnostic{
		{Severity: host.SeverityError, Message: "broken", Line: 7},
	})

	l := newGateLoop(env)
	l.gates.wroteFiles = []string{"src/a.ts"}

	reason := l.checkCompletionGates(context.Background(), "Add a function bar in src/a.ts")
	assert.Contains(t, reason, "broken")
	assert.Contains(t, reason, "src/a.ts:7")

	// One-time: the second declaration passes even with errors left.
	assert.Empty(t, l.checkCompletionGates(context.Background(), "Add a function bar in src/a.ts"))
}

func TestReadOnlyTaskPassesGates(t *testing.T) {
	l := newGateLoop(newFakeEnv())
	assert.Empty(t, l.checkCompletionGates(context.Background(), "Summarize src/a.ts"))
}

func TestCheckNoToolCompletion(t *testing.T) {
	assert.Equal(t, noToolBreakConsecutive, checkNoToolCompletion("", "", false, 2))
	assert.Equal(t, noToolBreakImplicit, checkNoToolCompletion("Should I also update the README?", "", false, 1))
	assert.Equal(t, noToolBreakImplicit, checkNoToolCompletion(
		"I added the bar function to src/a.ts and verified the change compiles without issues in the project.",
		"", true, 1))
	assert.Equal(t, noToolContinue, checkNoToolCompletion("ok", "", false, 1))
	assert.Equal(t, noToolContinue, checkNoToolCompletion("", "still thinking", false, 1))
}

func TestContinuationProbeEscalates(t *testing.T) {
	first := continuationProbe(1)
	second := continuationProbe(2)
	assert.NotEqual(t, first, second)
	assert.Contains(t, second, "again")
}
