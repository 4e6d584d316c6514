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

// Package session defines the persisted session model and the narrow
// append-oriented Store interface the engine writes through.
package session

import (
	"context"
	"errors"
	"time"
)

// Session statuses.
const (
	StatusIdle       = "idle"
	StatusGenerating = "generating"
	StatusCompleted  = "completed"
	StatusCancelled  = "cancelled"
	StatusError      = "error"
)

// UIMarkerToolName marks persisted UI events. Rows with this tool name are
// replayed to reconstruct the UI timeline and are never part of the
// model-visible history.
const UIMarkerToolName = "__ui__"

// ErrSessionNotFound is returned when a session ID does not exist.
var ErrSessionNotFound = errors.New("session not found")

// Session is one agent session.
type Session struct {
	ID        string
	Task      string
	Mode      string
	Model     string
	Status    string
	Workspace string

	AutoApproveCommands       bool
	AutoApproveSensitiveEdits bool
	SensitiveFilePatterns     []string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// MessageRecord is one append-only persisted message.
type MessageRecord struct {
	ID            string
	SessionID     string
	Role          string
	Content       string
	Model         string
	ToolName      string
	ToolInput     string
	ToolOutput    string
	ToolCalls     string
	ProgressTitle string
	SequenceNum   int
	Timestamp     time.Time
}

// MessageOptions carries the optional fields of AddMessage.
type MessageOptions struct {
	Model         string
	ToolName      string
	ToolInput     string
	ToolOutput    string
	ToolCalls     string
	ProgressTitle string
}

// FileAction describes what happened to a checkpointed file.
const (
	FileCreated  = "created"
	FileModified = "modified"
	FileDeleted  = "deleted"
)

// FileSnapshot is one lazily captured pre-write snapshot.
type FileSnapshot struct {
	Path            string
	OriginalContent string
	Action          string
}

// Checkpoint groups the snapshots of one agent turn for per-file undo.
type Checkpoint struct {
	ID        string
	SessionID string
	Files     []FileSnapshot
	CreatedAt time.Time
}

// Patch is a partial session update; nil fields are left untouched.
type Patch struct {
	Task   *string
	Mode   *string
	Model  *string
	Status *string

	AutoApproveCommands       *bool
	AutoApproveSensitiveEdits *bool
}

// Store is the persistence boundary. Writes for one session are serialized
// by the store itself; the engine never assumes cross-call atomicity beyond
// single-method calls.
type Store interface {
	CreateSession(ctx context.Context, task, model, workspace string) (string, error)
	GetSession(ctx context.Context, id string) (*Session, error)
	UpdateSession(ctx context.Context, id string, patch Patch) error
	DeleteSession(ctx context.Context, id string) error

	AddMessage(ctx context.Context, sessionID, role, content string, opts MessageOptions) (*MessageRecord, error)
	Messages(ctx context.Context, sessionID string) ([]MessageRecord, error)

	CreateCheckpoint(ctx context.Context, sessionID string) (string, error)
	SnapshotFile(ctx context.Context, checkpointID, path, originalContent, action string) error
	Checkpoint(ctx context.Context, checkpointID string) (*Checkpoint, error)

	SaveSessionMemory(ctx context.Context, sessionID, memoryJSON string) error

	GetCachedModels(ctx context.Context) ([]string, error)
	UpsertModels(ctx context.Context, models []string) error
}
