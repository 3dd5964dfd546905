package client

import (
	"testing"

	"github.com/stretchr/testify/require"

	"docsync/model"
	"docsync/protocol"
)

func TestUploadGuardDefersDuringProtectedHandshake(t *testing.T) {
	g := newUploadGuard()
	g.startHandshake()

	require.True(t, g.shouldDefer("doc-1"))
	g.enqueueDeferred(protocol.SyncDocument{Document: protocol.DocumentView{ID: "doc-1"}})

	g.endHandshake()
	drained := g.drainDeferred()
	require.Len(t, drained, 1)
	require.Equal(t, "doc-1", drained[0].Document.ID)

	g.finishDraining()
	require.False(t, g.shouldDefer("doc-1"))
}

func TestUploadGuardDefersSpecificDocumentOutsideHandshake(t *testing.T) {
	g := newUploadGuard()
	g.trackUpload("doc-1", model.OpUpdate)

	require.True(t, g.shouldDefer("doc-1"))
	require.False(t, g.shouldDefer("doc-2"))

	drained := g.confirmUpload("doc-1")
	require.True(t, drained)
	require.False(t, g.shouldDefer("doc-1"))
}

func TestUploadGuardDeferredQueueDropsOldest(t *testing.T) {
	g := newUploadGuard()
	g.startHandshake()
	for i := 0; i < deferredQueueCapacity+10; i++ {
		g.enqueueDeferred(protocol.SyncDocument{Document: protocol.DocumentView{ID: string(rune('a' + i%26))}})
	}
	drained := g.drainDeferred()
	require.Len(t, drained, deferredQueueCapacity)
	// The first 10 enqueued (i = 0..9) were dropped, so i = 10 ('k') is oldest.
	require.Equal(t, string(rune('a'+10)), drained[0].Document.ID)
}

func TestUploadGuardResetStaleClearsPending(t *testing.T) {
	g := newUploadGuard()
	g.trackUpload("doc-1", model.OpCreate)
	require.Equal(t, 1, g.pendingCount())

	g.resetStale()
	require.Equal(t, 0, g.pendingCount())
	require.False(t, g.shouldDefer("doc-1"))
}
