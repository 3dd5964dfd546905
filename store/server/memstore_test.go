package serverstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"docsync/model"
	"docsync/patch"
)

func TestCreateThenUpdateAdvancesRevision(t *testing.T) {
	ctx := context.Background()
	store := NewMemStore()

	doc := &model.Document{ID: "doc-1", UserID: "u1", Content: map[string]interface{}{"a": 1}, ContentHash: "h0", Title: "t", CreatedAt: time.Now(), UpdatedAt: time.Now()}
	_, err := store.CreateDocumentAndLogEvent(ctx, doc)
	require.NoError(t, err)

	forward := patch.Patch{{Op: patch.OpReplace, Path: "/a", Value: 2}}
	updated, event, err := store.UpdateDocumentAndLogEvent(ctx, "doc-1", "u1", "h0", forward, map[string]interface{}{"a": 2}, "h1", "t")
	require.NoError(t, err)
	require.Equal(t, int64(2), updated.SyncRevision)
	require.True(t, event.Applied)
	require.NotEmpty(t, event.ForwardPatch)
	require.NotEmpty(t, event.ReversePatch)

	unapplied, err := store.GetUnappliedChanges(ctx, "doc-1")
	require.NoError(t, err)
	require.Empty(t, unapplied)
}

func TestUpdateDetectsVersionConflict(t *testing.T) {
	ctx := context.Background()
	store := NewMemStore()
	doc := &model.Document{ID: "doc-2", UserID: "u1", Content: map[string]interface{}{"a": 1}, ContentHash: "h0", CreatedAt: time.Now(), UpdatedAt: time.Now()}
	_, err := store.CreateDocumentAndLogEvent(ctx, doc)
	require.NoError(t, err)

	forward := patch.Patch{{Op: patch.OpReplace, Path: "/a", Value: 9}}
	_, _, err = store.UpdateDocumentAndLogEvent(ctx, "doc-2", "u1", "stale-hash", forward, map[string]interface{}{"a": 9}, "h9", "t")
	require.Error(t, err)
	var conflict *VersionConflict
	require.True(t, errors.As(err, &conflict))
	require.Equal(t, "h0", conflict.Actual)

	events, err := store.GetChangesSince(ctx, "u1", 0)
	require.NoError(t, err)
	for _, e := range events {
		require.NotEqual(t, false, e.Applied, "GetChangesSince must only return applied events")
	}

	unapplied, err := store.GetUnappliedChanges(ctx, "doc-2")
	require.NoError(t, err)
	require.Len(t, unapplied, 1)
	require.NotEmpty(t, unapplied[0].ForwardPatch)
}

func TestDeleteExcludesFromListAndLogsEvent(t *testing.T) {
	ctx := context.Background()
	store := NewMemStore()
	doc := &model.Document{ID: "doc-3", UserID: "u1", Content: map[string]interface{}{}, ContentHash: "h0", CreatedAt: time.Now(), UpdatedAt: time.Now()}
	_, err := store.CreateDocumentAndLogEvent(ctx, doc)
	require.NoError(t, err)

	event, err := store.DeleteDocumentAndLogEvent(ctx, "doc-3", "u1")
	require.NoError(t, err)
	require.Equal(t, model.OpDelete, event.OperationType)

	docs, err := store.ListUserDocuments(ctx, "u1")
	require.NoError(t, err)
	require.Empty(t, docs)
}

func TestGetLatestSequenceTracksHighWatermark(t *testing.T) {
	ctx := context.Background()
	store := NewMemStore()
	doc := &model.Document{ID: "doc-4", UserID: "u1", Content: map[string]interface{}{}, ContentHash: "h0", CreatedAt: time.Now(), UpdatedAt: time.Now()}
	_, err := store.CreateDocumentAndLogEvent(ctx, doc)
	require.NoError(t, err)

	seq, err := store.GetLatestSequence(ctx, "u1")
	require.NoError(t, err)
	require.Greater(t, seq, int64(0))

	unrelated, err := store.GetLatestSequence(ctx, "nobody")
	require.NoError(t, err)
	require.Equal(t, int64(0), unrelated)
}
