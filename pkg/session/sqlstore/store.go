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

// Package sqlstore implements session.Store over database/sql.
// Concurrency is handled by database-level locking; per-session write
// serialization comes from transactional sequence-number assignment.
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kadirpekel/loco/pkg/session"

	// SQL drivers
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// Store is a SQL-backed session store.
type Store struct {
	db      *sql.DB
	dialect string
}

const createSessionsSQL = `
CREATE TABLE IF NOT EXISTS sessions (
    id VARCHAR(255) PRIMARY KEY,
    task TEXT,
    mode VARCHAR(64),
    model VARCHAR(255),
    status VARCHAR(32) NOT NULL,
    workspace TEXT,
    auto_approve_commands BOOLEAN DEFAULT FALSE,
    auto_approve_sensitive_edits BOOLEAN DEFAULT FALSE,
    sensitive_file_patterns TEXT,
    memory_json TEXT,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
)`

const createMessagesSQL = `
CREATE TABLE IF NOT EXISTS messages (
    id VARCHAR(255) PRIMARY KEY,
    session_id VARCHAR(255) NOT NULL,
    role VARCHAR(32) NOT NULL,
    content TEXT,
    model VARCHAR(255),
    tool_name VARCHAR(255),
    tool_input TEXT,
    tool_output TEXT,
    tool_calls TEXT,
    progress_title TEXT,
    sequence_num INTEGER NOT NULL,
    created_at TIMESTAMP NOT NULL
)`

const createMessagesIndexSQL = `
CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, sequence_num)`

const createCheckpointsSQL = `
CREATE TABLE IF NOT EXISTS checkpoints (
    id VARCHAR(255) PRIMARY KEY,
    session_id VARCHAR(255) NOT NULL,
    created_at TIMESTAMP NOT NULL
)`

const createSnapshotsSQL = `
CREATE TABLE IF NOT EXISTS checkpoint_files (
    checkpoint_id VARCHAR(255) NOT NULL,
    path TEXT NOT NULL,
    original_content TEXT,
    action VARCHAR(16) NOT NULL,
    created_at TIMESTAMP NOT NULL
)`

const createModelsSQL = `
CREATE TABLE IF NOT EXISTS cached_models (
    name VARCHAR(255) PRIMARY KEY,
    updated_at TIMESTAMP NOT NULL
)`

// New creates a store over an open database connection.
// Supported dialects: sqlite (default), postgres, mysql.
func New(db *sql.DB, dialect string) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}

	switch dialect {
	case "", "sqlite", "sqlite3":
		dialect = "sqlite"
	case "postgres", "mysql":
	default:
		return nil, fmt.Errorf("unsupported dialect: %s (supported: sqlite, postgres, mysql)", dialect)
	}

	s := &Store{db: db, dialect: dialect}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// Open opens a database by DSN and creates a store over it.
func Open(dialect, dsn string) (*Store, error) {
	driver := dialect
	if dialect == "" || dialect == "sqlite" {
		driver = "sqlite3"
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return New(db, dialect)
}

func (s *Store) initSchema() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	statements := []string{
		createSessionsSQL,
		createMessagesSQL,
		createMessagesIndexSQL,
		createCheckpointsSQL,
		createSnapshotsSQL,
		createModelsSQL,
	}
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) rebind(query string) string {
	if s.dialect != "postgres" {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 16)
	n := 1
	for _, c := range query {
		if c == '?' {
			fmt.Fprintf(&b, "$%d", n)
			n++
		} else {
			b.WriteRune(c)
		}
	}
	return b.String()
}

// CreateSession inserts a new idle session and returns its ID.
func (s *Store) CreateSession(ctx context.Context, task, model, workspace string) (string, error) {
	id := uuid.NewString()
	now := time.Now()

	query := s.rebind(`INSERT INTO sessions
        (id, task, mode, model, status, workspace, auto_approve_commands, auto_approve_sensitive_edits, sensitive_file_patterns, memory_json, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err := s.db.ExecContext(ctx, query,
		id, task, "agent", model, session.StatusIdle, workspace, false, false, "[]", "", now, now)
	if err != nil {
		return "", fmt.Errorf("failed to create session: %w", err)
	}
	return id, nil
}

// GetSession fetches one session by ID.
func (s *Store) GetSession(ctx context.Context, id string) (*session.Session, error) {
	query := s.rebind(`SELECT id, task, mode, model, status, workspace,
        auto_approve_commands, auto_approve_sensitive_edits, sensitive_file_patterns,
        created_at, updated_at
        FROM sessions WHERE id = ?`)

	var out session.Session
	var patterns string
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&out.ID, &out.Task, &out.Mode, &out.Model, &out.Status, &out.Workspace,
		&out.AutoApproveCommands, &out.AutoApproveSensitiveEdits, &patterns,
		&out.CreatedAt, &out.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, session.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	if patterns != "" {
		if err := json.Unmarshal([]byte(patterns), &out.SensitiveFilePatterns); err != nil {
			return nil, fmt.Errorf("failed to unmarshal sensitive patterns: %w", err)
		}
	}
	return &out, nil
}

// UpdateSession applies a partial update.
func (s *Store) UpdateSession(ctx context.Context, id string, patch session.Patch) error {
	sets := []string{"updated_at = ?"}
	args := []any{time.Now()}

	if patch.Task != nil {
		sets = append(sets, "task = ?")
		args = append(args, *patch.Task)
	}
	if patch.Mode != nil {
		sets = append(sets, "mode = ?")
		args = append(args, *patch.Mode)
	}
	if patch.Model != nil {
		sets = append(sets, "model = ?")
		args = append(args, *patch.Model)
	}
	if patch.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, *patch.Status)
	}
	if patch.AutoApproveCommands != nil {
		sets = append(sets, "auto_approve_commands = ?")
		args = append(args, *patch.AutoApproveCommands)
	}
	if patch.AutoApproveSensitiveEdits != nil {
		sets = append(sets, "auto_approve_sensitive_edits = ?")
		args = append(args, *patch.AutoApproveSensitiveEdits)
	}
	args = append(args, id)

	query := s.rebind("UPDATE sessions SET " + strings.Join(sets, ", ") + " WHERE id = ?")
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update session: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return session.ErrSessionNotFound
	}
	return nil
}

// DeleteSession removes a session and all its dependent rows.
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	statements := []string{
		`DELETE FROM checkpoint_files WHERE checkpoint_id IN (SELECT id FROM checkpoints WHERE session_id = ?)`,
		`DELETE FROM checkpoints WHERE session_id = ?`,
		`DELETE FROM messages WHERE session_id = ?`,
		`DELETE FROM sessions WHERE id = ?`,
	}
	for _, stmt := range statements {
		if _, err := tx.ExecContext(ctx, s.rebind(stmt), id); err != nil {
			return fmt.Errorf("failed to delete session: %w", err)
		}
	}
	return tx.Commit()
}

// AddMessage appends one message with a transactional sequence number.
func (s *Store) AddMessage(ctx context.Context, sessionID, role, content string, opts session.MessageOptions) (*session.MessageRecord, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var seq int
	seqQuery := s.rebind(`SELECT COALESCE(MAX(sequence_num), 0) + 1 FROM messages WHERE session_id = ?`)
	if err := tx.QueryRowContext(ctx, seqQuery, sessionID).Scan(&seq); err != nil {
		return nil, fmt.Errorf("failed to get sequence number: %w", err)
	}

	record := &session.MessageRecord{
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
		SequenceNum:   seq,
		Timestamp:     time.Now(),
	}

	insert := s.rebind(`INSERT INTO messages
        (id, session_id, role, content, model, tool_name, tool_input, tool_output, tool_calls, progress_title, sequence_num, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err = tx.ExecContext(ctx, insert,
		record.ID, record.SessionID, record.Role, record.Content, record.Model,
		record.ToolName, record.ToolInput, record.ToolOutput, record.ToolCalls,
		record.ProgressTitle, record.SequenceNum, record.Timestamp)
	if err != nil {
		return nil, fmt.Errorf("failed to insert message: %w", err)
	}

	touch := s.rebind(`UPDATE sessions SET updated_at = ? WHERE id = ?`)
	if _, err := tx.ExecContext(ctx, touch, record.Timestamp, sessionID); err != nil {
		return nil, fmt.Errorf("failed to touch session: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return record, nil
}

// Messages returns all messages of a session in sequence order.
func (s *Store) Messages(ctx context.Context, sessionID string) ([]session.MessageRecord, error) {
	query := s.rebind(`SELECT id, session_id, role, content, model, tool_name, tool_input,
        tool_output, tool_calls, progress_title, sequence_num, created_at
        FROM messages WHERE session_id = ? ORDER BY sequence_num ASC`)

	rows, err := s.db.QueryContext(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	var out []session.MessageRecord
	for rows.Next() {
		var r session.MessageRecord
		if err := rows.Scan(&r.ID, &r.SessionID, &r.Role, &r.Content, &r.Model,
			&r.ToolName, &r.ToolInput, &r.ToolOutput, &r.ToolCalls,
			&r.ProgressTitle, &r.SequenceNum, &r.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// CreateCheckpoint starts a new snapshot group for a session.
func (s *Store) CreateCheckpoint(ctx context.Context, sessionID string) (string, error) {
	id := uuid.NewString()
	query := s.rebind(`INSERT INTO checkpoints (id, session_id, created_at) VALUES (?, ?, ?)`)
	if _, err := s.db.ExecContext(ctx, query, id, sessionID, time.Now()); err != nil {
		return "", fmt.Errorf("failed to create checkpoint: %w", err)
	}
	return id, nil
}

// SnapshotFile records one pre-write snapshot under a checkpoint.
func (s *Store) SnapshotFile(ctx context.Context, checkpointID, path, originalContent, action string) error {
	query := s.rebind(`INSERT INTO checkpoint_files (checkpoint_id, path, original_content, action, created_at)
        VALUES (?, ?, ?, ?, ?)`)
	if _, err := s.db.ExecContext(ctx, query, checkpointID, path, originalContent, action, time.Now()); err != nil {
		return fmt.Errorf("failed to snapshot file: %w", err)
	}
	return nil
}

// Checkpoint loads one checkpoint with its snapshots.
func (s *Store) Checkpoint(ctx context.Context, checkpointID string) (*session.Checkpoint, error) {
	var cp session.Checkpoint
	query := s.rebind(`SELECT id, session_id, created_at FROM checkpoints WHERE id = ?`)
	err := s.db.QueryRowContext(ctx, query, checkpointID).Scan(&cp.ID, &cp.SessionID, &cp.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("checkpoint not found: %s", checkpointID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get checkpoint: %w", err)
	}

	filesQuery := s.rebind(`SELECT path, original_content, action FROM checkpoint_files
        WHERE checkpoint_id = ? ORDER BY created_at ASC`)
	rows, err := s.db.QueryContext(ctx, filesQuery, checkpointID)
	if err != nil {
		return nil, fmt.Errorf("failed to query snapshots: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var f session.FileSnapshot
		if err := rows.Scan(&f.Path, &f.OriginalContent, &f.Action); err != nil {
			return nil, fmt.Errorf("failed to scan snapshot: %w", err)
		}
		cp.Files = append(cp.Files, f)
	}
	return &cp, rows.Err()
}

// SaveSessionMemory stores the serialized session memory blob.
func (s *Store) SaveSessionMemory(ctx context.Context, sessionID, memoryJSON string) error {
	query := s.rebind(`UPDATE sessions SET memory_json = ?, updated_at = ? WHERE id = ?`)
	res, err := s.db.ExecContext(ctx, query, memoryJSON, time.Now(), sessionID)
	if err != nil {
		return fmt.Errorf("failed to save session memory: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return session.ErrSessionNotFound
	}
	return nil
}

// GetCachedModels returns the cached model names.
func (s *Store) GetCachedModels(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name FROM cached_models ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to query cached models: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan model: %w", err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// UpsertModels refreshes the cached model list.
func (s *Store) UpsertModels(ctx context.Context, models []string) error {
	now := time.Now()
	var query string
	switch s.dialect {
	case "postgres":
		query = `INSERT INTO cached_models (name, updated_at) VALUES ($1, $2)
            ON CONFLICT (name) DO UPDATE SET updated_at = $2`
	case "mysql":
		query = `INSERT INTO cached_models (name, updated_at) VALUES (?, ?)
            ON DUPLICATE KEY UPDATE updated_at = VALUES(updated_at)`
	default:
		query = `INSERT INTO cached_models (name, updated_at) VALUES (?, ?)
            ON CONFLICT (name) DO UPDATE SET updated_at = excluded.updated_at`
	}

	for _, name := range models {
		if _, err := s.db.ExecContext(ctx, query, name, now); err != nil {
			return fmt.Errorf("failed to upsert model %s: %w", name, err)
		}
	}
	return nil
}

// Compile-time interface check.
var _ session.Store = (*Store)(nil)
