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

// Package bus routes UI-visible events with persist-then-publish semantics.
//
// Any event that must survive a session reload goes through Emit: the store
// row (tool_name "__ui__") is written before the sink sees the event, so a
// crash between the two steps can only lose the transient publish, never
// the durable record. Components never talk to the UISink directly for
// persistent event types.
package bus

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/kadirpekel/loco/pkg/session"
)

// Event types surfaced to the UI.
const (
	EventShowThinking        = "showThinking"
	EventStreamThinking      = "streamThinking"
	EventStreamChunk         = "streamChunk"
	EventCollapseThinking    = "collapseThinking"
	EventHideThinking        = "hideThinking"
	EventShowToolAction      = "showToolAction"
	EventStartProgressGroup  = "startProgressGroup"
	EventFinishProgressGroup = "finishProgressGroup"
	EventIterationBoundary   = "iterationBoundary"
	EventRequestToolApproval = "requestToolApproval"
	EventToolApprovalResult  = "toolApprovalResult"
	EventFilesChanged        = "filesChanged"
	EventFinalMessage        = "finalMessage"
	EventThinkingBlock       = "thinkingBlock"
	EventSubagentThinking    = "subagentThinking"
	EventTokenUsage          = "tokenUsage"
	EventShowError           = "showError"
	EventShowWarningBanner   = "showWarningBanner"
)

// Tool action statuses for EventShowToolAction.
const (
	ActionRunning = "running"
	ActionSuccess = "success"
	ActionError   = "error"
)

// Event is one UI message.
type Event struct {
	Type      string         `json:"type"`
	SessionID string         `json:"sessionId"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// UISink receives published events.
type UISink interface {
	PostMessage(event Event)
}

// quarantineAllowed is the event set a quarantined bus lets through.
var quarantineAllowed = map[string]bool{
	EventShowToolAction:      true,
	EventStartProgressGroup:  true,
	EventFinishProgressGroup: true,
}

// Bus scopes event routing to one session.
type Bus struct {
	store     session.Store
	sink      UISink
	sessionID string

	// quarantined drops every event outside quarantineAllowed, on both
	// the persist and publish paths, so live and reloaded timelines stay
	// identical for sub-agent turns.
	quarantined bool
}

// New creates a bus for a session. A nil sink drops publishes; a nil store
// drops persists.
func New(store session.Store, sink UISink, sessionID string) *Bus {
	return &Bus{store: store, sink: sink, sessionID: sessionID}
}

// Quarantined returns a view of the bus that only passes tool-action and
// progress-group events. Used for sub-agent loops whose output re-enters
// the parent as tool output instead of reaching the UI.
func (b *Bus) Quarantined() *Bus {
	return &Bus{store: b.store, sink: b.sink, sessionID: b.sessionID, quarantined: true}
}

func (b *Bus) allowed(eventType string) bool {
	return !b.quarantined || quarantineAllowed[eventType]
}

// SessionID returns the session this bus is scoped to.
func (b *Bus) SessionID() string {
	return b.sessionID
}

// Emit persists the event, then publishes it. Persistence failures are
// logged and do not suppress the publish: a live UI beats a durable one.
func (b *Bus) Emit(ctx context.Context, eventType string, payload map[string]any) {
	if !b.allowed(eventType) {
		return
	}
	b.persist(ctx, eventType, payload)
	b.Post(eventType, payload)
}

// Post publishes without persisting. For transient hints: spinners, stream
// chunks, iteration boundaries.
func (b *Bus) Post(eventType string, payload map[string]any) {
	if b.sink == nil || !b.allowed(eventType) {
		return
	}
	b.sink.PostMessage(Event{Type: eventType, SessionID: b.sessionID, Payload: payload})
}

// Persist writes the durable record without publishing. Rare; used when the
// caller already updated the UI through another channel.
func (b *Bus) Persist(ctx context.Context, eventType string, payload map[string]any) {
	if !b.allowed(eventType) {
		return
	}
	b.persist(ctx, eventType, payload)
}

func (b *Bus) persist(ctx context.Context, eventType string, payload map[string]any) {
	if b.store == nil {
		return
	}

	record := map[string]any{"type": eventType, "payload": payload}
	data, err := json.Marshal(record)
	if err != nil {
		slog.Warn("Failed to marshal UI event", "type", eventType, "error", err)
		return
	}

	_, err = b.store.AddMessage(ctx, b.sessionID, "tool", "", session.MessageOptions{
		ToolName:   session.UIMarkerToolName,
		ToolOutput: string(data),
	})
	if err != nil {
		slog.Warn("Failed to persist UI event", "type", eventType, "error", err)
	}
}
