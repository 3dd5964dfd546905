package clientstore

import (
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"docsync/model"
	"docsync/patch"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleDoc(id string) *model.Document {
	now := time.Now().UTC()
	return &model.Document{
		ID:           id,
		UserID:       "user-1",
		Content:      map[string]interface{}{"title": "Hello", "body": "world"},
		SyncRevision: 1,
		ContentHash:  "abc123",
		Title:        "Hello",
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

func TestSaveDocumentAndQueuePatchIsAtomic(t *testing.T) {
	s := openTestStore(t)
	doc := sampleDoc("doc-1")

	ops := patch.Patch{{Op: patch.OpAdd, Path: "/body", Value: "world"}}
	err := s.SaveDocumentAndQueuePatch(doc, model.StatusPending, model.OpCreate, ops, "")
	require.NoError(t, err)

	rec, err := s.GetByID("doc-1")
	require.NoError(t, err)
	require.Equal(t, model.StatusPending, rec.Status)

	q, err := s.GetQueuedPatch("doc-1")
	require.NoError(t, err)
	require.Equal(t, model.OpCreate, q.OperationType)
	require.Len(t, q.Patch, 1)
}

func TestMarkSyncedAndRemoveFromQueue(t *testing.T) {
	s := openTestStore(t)
	doc := sampleDoc("doc-2")
	require.NoError(t, s.SaveDocumentAndQueuePatch(doc, model.StatusPending, model.OpCreate, nil, ""))

	require.NoError(t, s.MarkSynced("doc-2", 5))
	require.NoError(t, s.RemoveFromQueue("doc-2"))

	rec, err := s.GetByID("doc-2")
	require.NoError(t, err)
	require.Equal(t, model.StatusSynced, rec.Status)
	require.Equal(t, int64(5), rec.SyncRevision)

	_, err = s.GetQueuedPatch("doc-2")
	require.ErrorIs(t, err, sql.ErrNoRows)
}

func TestListNonDeletedExcludesSoftDeleted(t *testing.T) {
	s := openTestStore(t)
	doc1 := sampleDoc("doc-3")
	doc2 := sampleDoc("doc-4")
	deletedAt := time.Now().UTC()
	doc2.DeletedAt = &deletedAt

	require.NoError(t, s.SaveDocumentAndQueuePatch(doc1, model.StatusSynced, model.OpCreate, nil, ""))
	require.NoError(t, s.SaveDocumentAndQueuePatch(doc2, model.StatusPending, model.OpDelete, nil, ""))

	recs, err := s.ListNonDeleted("user-1")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.Equal(t, "doc-3", recs[0].ID)
}

func TestEnsureUserConfigCreatesOnce(t *testing.T) {
	s := openTestStore(t)
	calls := 0
	factory := func() UserConfig {
		calls++
		return UserConfig{UserID: "u1", ClientID: "c1", ServerURL: "wss://example.test"}
	}

	first, err := s.EnsureUserConfig(factory)
	require.NoError(t, err)
	second, err := s.EnsureUserConfig(factory)
	require.NoError(t, err)

	require.Equal(t, 1, calls)
	require.Equal(t, first, second)
}

func TestCountPendingSync(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.SaveDocumentAndQueuePatch(sampleDoc("doc-5"), model.StatusPending, model.OpCreate, nil, ""))
	require.NoError(t, s.SaveDocumentAndQueuePatch(sampleDoc("doc-6"), model.StatusPending, model.OpCreate, nil, ""))

	n, err := s.CountPendingSync()
	require.NoError(t, err)
	require.Equal(t, 2, n)

	require.NoError(t, s.RemoveFromQueue("doc-5"))
	n, err = s.CountPendingSync()
	require.NoError(t, err)
	require.Equal(t, 1, n)
}
