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

package bus

import (
	"encoding/json"
	"log/slog"

	"github.com/kadirpekel/loco/pkg/session"
)

// Replay publishes the persisted UI events of a session back to a sink in
// order, reconstructing the timeline on reload. Non-marker rows are
// skipped; malformed marker rows are logged and skipped.
func Replay(records []session.MessageRecord, sink UISink) int {
	if sink == nil {
		return 0
	}

	replayed := 0
	for _, record := range records {
		if record.ToolName != session.UIMarkerToolName {
			continue
		}

		var stored struct {
			Type    string         `json:"type"`
			Payload map[string]any `json:"payload"`
		}
		if err := json.Unmarshal([]byte(record.ToolOutput), &stored); err != nil {
			slog.Warn("Skipping malformed UI marker", "message_id", record.ID, "error", err)
			continue
		}

		sink.PostMessage(Event{
			Type:      stored.Type,
			SessionID: record.SessionID,
			Payload:   stored.Payload,
		})
		replayed++
	}
	return replayed
}
