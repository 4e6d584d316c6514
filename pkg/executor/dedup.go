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
	"log/slog"

	"github.com/kadirpekel/loco/pkg/protocol"
)

// Dedup windows, in iterations.
const (
	// dedupLookback drops calls whose signature ran this recently.
	dedupLookback = 2

	// dedupEviction forgets signatures older than this.
	dedupEviction = 3
)

// dedupTracker drops repeated tool calls: intra-batch duplicates and calls
// whose signature already ran within the lookback window. A denied call's
// signature counts too, which is what stops the model from immediately
// re-attempting a rejected command.
type dedupTracker struct {
	seen map[string]int // signature -> iteration last seen
}

func newDedupTracker() *dedupTracker {
	return &dedupTracker{seen: make(map[string]int)}
}

// filter returns the calls that survive deduplication for this iteration
// and records their signatures.
func (t *dedupTracker) filter(calls []protocol.ToolCall, iteration int) []protocol.ToolCall {
	t.evict(iteration)

	inBatch := make(map[string]bool, len(calls))
	var kept []protocol.ToolCall

	for _, call := range calls {
		sig := protocol.Signature(call.Name, call.Args)

		if inBatch[sig] {
			slog.Debug("Dropping duplicate tool call in batch", "tool", call.Name)
			continue
		}
		if last, ok := t.seen[sig]; ok && iteration-last <= dedupLookback {
			slog.Debug("Dropping repeated tool call", "tool", call.Name, "last_iteration", last)
			continue
		}

		inBatch[sig] = true
		t.seen[sig] = iteration
		kept = append(kept, call)
	}

	return kept
}

// record marks a signature as seen without executing (used for denials fed
// back from the approval gate).
func (t *dedupTracker) record(call protocol.ToolCall, iteration int) {
	t.seen[protocol.Signature(call.Name, call.Args)] = iteration
}

func (t *dedupTracker) evict(iteration int) {
	for sig, last := range t.seen {
		if iteration-last > dedupEviction {
			delete(t.seen, sig)
		}
	}
}
