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

// Package memstore implements session.Store in memory. Used by tests and
// by embedders that do not need durable sessions.
package memstore

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kadirpekel/loco/pkg/session"
)

// Store is an in-memory session store. Safe for concurrent use.
type Store struct {
	mu          sync.Mutex
	sessions    map[string]*session.Session
	messages    map[string][]session.MessageRecord
	checkpoints map[string]*session.Checkpoint
	memories    map[string]string
	models      []string
}

// New creates an empty store.
func New() *Store {
	return &Store{
		sessions:    make(map[string]*session.Session),
		messages:    make(map[string][]session.MessageRecord),
		checkpoints: make(map[string]*session.Checkpoint),
		memories:    make(map[string]string),
	}
}

// CreateSession inserts a new idle session.
func (s *Store) CreateSession(ctx context.Context, task, model, workspace string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := uuid.NewString()
	now := time.Now()
	s.sessions[id] = &session.Session{
		ID:        id,
		Task:      task,
		Mode:      "agent",
		Model:     model,
		Status:    session.StatusIdle,
		Workspace: workspace,
		CreatedAt: now,
		UpdatedAt: now,
	}
	return id, nil
}

// GetSession returns a copy of the session.
func (s *Store) GetSession(ctx context.Context, id string) (*session.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return nil, session.ErrSessionNotFound
	}
	out := *sess
	return &out, nil
}

// UpdateSession applies a partial update.
func (s *Store) UpdateSession(ctx context.Context, id string, patch session.Patch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return session.ErrSessionNotFound
	}
	if patch.Task != nil {
		sess.Task = *patch.Task
	}
	if patch.Mode != nil {
		sess.Mode = *patch.Mode
	}
	if patch.Model != nil {
		sess.Model = *patch.Model
	}
	if patch.Status != nil {
		sess.Status = *patch.Status
	}
	if patch.AutoApproveCommands != nil {
		sess.AutoApproveCommands = *patch.AutoApproveCommands
	}
	if patch.AutoApproveSensitiveEdits != nil {
		sess.AutoApproveSensitiveEdits = *patch.AutoApproveSensitiveEdits
	}
	sess.UpdatedAt = time.Now()
	return nil
}

// DeleteSession removes a session and its messages.
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[id]; !ok {
		return session.ErrSessionNotFound
	}
	delete(s.sessions, id)
	delete(s.messages, id)
	delete(s.memories, id)
	return nil
}

// AddMessage appends one message.
func (s *Store) AddMessage(ctx context.Context, sessionID, role, content string, opts session.MessageOptions) (*session.MessageRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record := session.MessageRecord{
		ID:            uuid.NewString(),
		SessionID:     sessionID,
		Role:          role,
		Content:       content,
		Model:         opts.Model,
		ToolName:      opts.ToolName,
		ToolInput:     opts.ToolInput,
		ToolOutput:    opts.ToolOutput,
		ToolCalls:     opts.ToolCalls,
		ProgressTitle: opts.ProgressTitle,
		SequenceNum:   len(s.messages[sessionID]) + 1,
		Timestamp:     time.Now(),
	}
	s.messages[sessionID] = append(s.messages[sessionID], record)
	return &record, nil
}

// Messages returns the session's messages in order.
func (s *Store) Messages(ctx context.Context, sessionID string) ([]session.MessageRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]session.MessageRecord(nil), s.messages[sessionID]...), nil
}

// CreateCheckpoint starts a snapshot group.
func (s *Store) CreateCheckpoint(ctx context.Context, sessionID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := uuid.NewString()
	s.checkpoints[id] = &session.Checkpoint{
		ID:        id,
		SessionID: sessionID,
		CreatedAt: time.Now(),
	}
	return id, nil
}

// SnapshotFile records one snapshot.
func (s *Store) SnapshotFile(ctx context.Context, checkpointID, path, originalContent, action string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp, ok := s.checkpoints[checkpointID]
	if !ok {
		return session.ErrSessionNotFound
	}
	cp.Files = append(cp.Files, session.FileSnapshot{
		Path:            path,
		OriginalContent: originalContent,
		Action:          action,
	})
	return nil
}

// Checkpoint returns a copy of the checkpoint.
func (s *Store) Checkpoint(ctx context.Context, checkpointID string) (*session.Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp, ok := s.checkpoints[checkpointID]
	if !ok {
		return nil, session.ErrSessionNotFound
	}
	out := *cp
	out.Files = append([]session.FileSnapshot(nil), cp.Files...)
	return &out, nil
}

// SaveSessionMemory stores the serialized memory blob.
func (s *Store) SaveSessionMemory(ctx context.Context, sessionID, memoryJSON string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.memories[sessionID] = memoryJSON
	return nil
}

// SessionMemory returns the stored memory blob. Test helper.
func (s *Store) SessionMemory(sessionID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.memories[sessionID]
}

// GetCachedModels returns the cached model names.
func (s *Store) GetCachedModels(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.models...), nil
}

// UpsertModels refreshes the cached model list.
func (s *Store) UpsertModels(ctx context.Context, models []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.models = append([]string(nil), models...)
	return nil
}

// Compile-time interface check.
var _ session.Store = (*Store)(nil)
