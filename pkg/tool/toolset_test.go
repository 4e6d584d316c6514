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

package tool

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestForModeReadOnly(t *testing.T) {
	for _, mode := range []string{ModeExplore, ModePlan, ModeChat} {
		names := ForMode(mode)
		assert.Len(t, names, 12, "mode %s", mode)
		assert.NotContains(t, names, NameWriteFile)
		assert.NotContains(t, names, NameRunCommand)
		assert.NotContains(t, names, NameSubagent)
	}
}

func TestForModeReview(t *testing.T) {
	names := ForMode(ModeReview)
	assert.Contains(t, names, NameRunCommand)
	assert.NotContains(t, names, NameWriteFile)
}

func TestForModeDeepExplore(t *testing.T) {
	names := ForMode(ModeDeepExplore)
	assert.Contains(t, names, NameSubagent)
	assert.NotContains(t, names, NameWriteFile)

	names = ForMode(ModeDeepExploreWrite)
	assert.Contains(t, names, NameSubagent)
	assert.Contains(t, names, NameWriteFile)
}

func TestForModeAgent(t *testing.T) {
	names := ForMode(ModeAgent)
	assert.ElementsMatch(t, []string{NameWriteFile, NameRunCommand, NameSubagent}, names,
		"the orchestrator delegates all reading to sub-agents")
}

func TestForModeUnknownFallsBack(t *testing.T) {
	assert.Equal(t, ForMode(ModeExplore), ForMode("nonsense"))
}

func TestForModeReturnsCopies(t *testing.T) {
	a := ForMode(ModeExplore)
	a[0] = "mutated"
	assert.NotEqual(t, "mutated", ForMode(ModeExplore)[0])
}

func TestAllowed(t *testing.T) {
	names := ForMode(ModeExplore)
	assert.True(t, Allowed(names, NameReadFile))
	assert.False(t, Allowed(names, NameWriteFile))
}
