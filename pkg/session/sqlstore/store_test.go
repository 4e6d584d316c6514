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

package sqlstore

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/loco/pkg/session"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSessionLifecycle(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	id, err := store.CreateSession(ctx, "fix the bug", "qwen3:8b", "/workspace")
	require.NoError(t, err)

	sess, err := store.GetSession(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "fix the bug", sess.Task)
	assert.Equal(t, session.StatusIdle, sess.Status)
	assert.Equal(t, "/workspace", sess.Workspace)

	status := session.StatusGenerating
	auto := true
	require.NoError(t, store.UpdateSession(ctx, id, session.Patch{Status: &status, AutoApproveCommands: &auto}))

	sess, err = store.GetSession(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, session.StatusGenerating, sess.Status)
	assert.True(t, sess.AutoApproveCommands)

	require.NoError(t, store.DeleteSession(ctx, id))
	_, err = store.GetSession(ctx, id)
	assert.ErrorIs(t, err, session.ErrSessionNotFound)
}

func TestUpdateMissingSession(t *testing.T) {
	store := newTestStore(t)
	status := session.StatusError
	err := store.UpdateSession(context.Background(), "missing", session.Patch{Status: &status})
	assert.ErrorIs(t, err, session.ErrSessionNotFound)
}

func TestMessagesAppendOnlyOrdered(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	id, err := store.CreateSession(ctx, "t", "m", "/w")
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		_, err := store.AddMessage(ctx, id, "assistant", fmt.Sprintf("msg %d", i), session.MessageOptions{Model: "m"})
		require.NoError(t, err)
	}

	msgs, err := store.Messages(ctx, id)
	require.NoError(t, err)
	require.Len(t, msgs, 5)
	for i, m := range msgs {
		assert.Equal(t, i+1, m.SequenceNum)
		assert.Equal(t, fmt.Sprintf("msg %d", i), m.Content)
	}
}

func TestUIMarkerRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	id, err := store.CreateSession(ctx, "t", "m", "/w")
	require.NoError(t, err)

	_, err = store.AddMessage(ctx, id, "tool", "", session.MessageOptions{
		ToolName:   session.UIMarkerToolName,
		ToolOutput: `{"type":"showToolAction","payload":{"status":"success"}}`,
	})
	require.NoError(t, err)

	msgs, err := store.Messages(ctx, id)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, session.UIMarkerToolName, msgs[0].ToolName)
	assert.Contains(t, msgs[0].ToolOutput, "showToolAction")
}

func TestCheckpointSnapshots(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	id, err := store.CreateSession(ctx, "t", "m", "/w")
	require.NoError(t, err)

	cpID, err := store.CreateCheckpoint(ctx, id)
	require.NoError(t, err)

	require.NoError(t, store.SnapshotFile(ctx, cpID, "src/a.ts", "original content", session.FileModified))
	require.NoError(t, store.SnapshotFile(ctx, cpID, "src/b.ts", "", session.FileCreated))

	cp, err := store.Checkpoint(ctx, cpID)
	require.NoError(t, err)
	assert.Equal(t, id, cp.SessionID)
	require.Len(t, cp.Files, 2)
	assert.Equal(t, "src/a.ts", cp.Files[0].Path)
	assert.Equal(t, "original content", cp.Files[0].OriginalContent)
	assert.Equal(t, session.FileModified, cp.Files[0].Action)
	assert.Equal(t, session.FileCreated, cp.Files[1].Action)
}

func TestSessionMemoryPersistence(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	id, err := store.CreateSession(ctx, "t", "m", "/w")
	require.NoError(t, err)
	require.NoError(t, store.SaveSessionMemory(ctx, id, `{"iterations":[]}`))

	assert.ErrorIs(t, store.SaveSessionMemory(ctx, "missing", "{}"), session.ErrSessionNotFound)
}

func TestModelCache(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.UpsertModels(ctx, []string{"b-model", "a-model"}))
	require.NoError(t, store.UpsertModels(ctx, []string{"a-model"}))

	models, err := store.GetCachedModels(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a-model", "b-model"}, models)
}
