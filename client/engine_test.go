package client

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	clientstore "docsync/store/client"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	store, err := clientstore.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	return &Engine{
		store:      store,
		dispatcher: &Dispatcher{},
		guard:      newUploadGuard(),
		logger:     zap.NewNop(),
		userID:     "user-1",
		clientID:   "client-1",
		stopCh:     make(chan struct{}),
	}
}

func TestCreateDocumentWritesPendingAndEmitsCreated(t *testing.T) {
	e := newTestEngine(t)
	var events []Event
	e.dispatcher.Subscribe(func(ev Event) { events = append(events, ev) })

	doc, err := e.CreateDocument(map[string]interface{}{"title": "Hello"})
	require.NoError(t, err)
	require.Equal(t, int64(1), doc.SyncRevision)

	rec, err := e.store.GetByID(doc.ID)
	require.NoError(t, err)
	require.Equal(t, "pending", string(rec.Status))

	require.Len(t, events, 1)
	require.Equal(t, EventCreated, events[0].Kind)

	n, err := e.CountPendingSync()
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestUpdateDocumentQueuesDiffPatch(t *testing.T) {
	e := newTestEngine(t)
	doc, err := e.CreateDocument(map[string]interface{}{"title": "Hello", "body": "a"})
	require.NoError(t, err)
	require.NoError(t, e.store.RemoveFromQueue(doc.ID))

	require.NoError(t, e.UpdateDocument(doc.ID, map[string]interface{}{"title": "Hello", "body": "b"}))

	entry, err := e.store.GetQueuedPatch(doc.ID)
	require.NoError(t, err)
	require.NotEmpty(t, entry.Patch)
	require.NotEmpty(t, entry.OldContentHash)
}

func TestDeleteDocumentSoftDeletesLocally(t *testing.T) {
	e := newTestEngine(t)
	doc, err := e.CreateDocument(map[string]interface{}{"title": "Hello"})
	require.NoError(t, err)

	require.NoError(t, e.DeleteDocument(doc.ID))

	docs, err := e.GetAllDocuments()
	require.NoError(t, err)
	require.Empty(t, docs)
}

func TestIsConnectedFalseWithoutDial(t *testing.T) {
	e := newTestEngine(t)
	require.False(t, e.IsConnected())
}
