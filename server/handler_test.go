package server

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"docsync/internal/userid"
	"docsync/patch"
	"docsync/protocol"
	serverstore "docsync/store/server"
)

type sentMessage struct {
	typ     protocol.Type
	payload interface{}
}

type fakeSender struct {
	sent []sentMessage
}

func (f *fakeSender) Send(t protocol.Type, payload interface{}) error {
	f.sent = append(f.sent, sentMessage{typ: t, payload: payload})
	return nil
}

func newTestState() *AppState {
	return NewAppState(serverstore.NewMemStore(), zap.NewNop())
}

func envelopeFor(t *testing.T, typ protocol.Type, payload interface{}) protocol.Envelope {
	t.Helper()
	raw, err := protocol.Encode(typ, payload)
	require.NoError(t, err)
	env, err := protocol.Decode(raw)
	require.NoError(t, err)
	return env
}

func TestRegistryBroadcastExcludesSender(t *testing.T) {
	reg := NewRegistry(zap.NewNop())
	a, b := &fakeSender{}, &fakeSender{}
	reg.Register("user-1", "client-a", a)
	reg.Register("user-1", "client-b", b)

	reg.BroadcastExcept("user-1", "client-a", protocol.TypePong, protocol.Pong{})

	require.Empty(t, a.sent)
	require.Len(t, b.sent, 1)
}

func TestRegistryUnregisterRemovesEmptyUser(t *testing.T) {
	reg := NewRegistry(zap.NewNop())
	reg.Register("user-1", "client-a", &fakeSender{})
	require.Equal(t, 1, reg.ConnectionCount("user-1"))

	reg.Unregister("user-1", "client-a")
	require.Equal(t, 0, reg.ConnectionCount("user-1"))
}

func TestHandleCreateDocumentBroadcastsToOtherClients(t *testing.T) {
	state := newTestState()
	uid := userid.Derive("alice@example.com").String()

	self := &fakeSender{}
	other := &fakeSender{}
	state.Registry.Register(uid, "client-a", self)
	state.Registry.Register(uid, "client-b", other)

	sess := &session{userID: uid, clientID: "client-a", conn: self, state: state}
	env := envelopeFor(t, protocol.TypeCreateDocument, protocol.CreateDocument{
		Document: protocol.DocumentView{
			ID:           "doc-1",
			UserID:       uid,
			Content:      map[string]interface{}{"title": "Hello"},
			SyncRevision: 1,
		},
	})

	require.NoError(t, sess.handleCreateDocument(context.Background(), env))
	require.Len(t, self.sent, 1)
	require.Equal(t, protocol.TypeDocumentCreatedResponse, self.sent[0].typ)
	require.Len(t, other.sent, 1)
	require.Equal(t, protocol.TypeDocumentCreated, other.sent[0].typ)
}

func TestHandleCreateDocumentRejectsWrongOwner(t *testing.T) {
	state := newTestState()
	uid := userid.Derive("alice@example.com").String()
	self := &fakeSender{}
	sess := &session{userID: uid, clientID: "client-a", conn: self, state: state}

	env := envelopeFor(t, protocol.TypeCreateDocument, protocol.CreateDocument{
		Document: protocol.DocumentView{ID: "doc-1", UserID: "someone-else", SyncRevision: 1},
	})

	require.NoError(t, sess.handleCreateDocument(context.Background(), env))
	require.Len(t, self.sent, 1)
	require.Equal(t, protocol.TypeError, self.sent[0].typ)
	errMsg := self.sent[0].payload.(protocol.ErrorMessage)
	require.Equal(t, protocol.ErrorCodeInvalidAuth, errMsg.Code)
}

func TestHandleUpdateDocumentAppliesPatchAndBroadcasts(t *testing.T) {
	state := newTestState()
	uid := userid.Derive("alice@example.com").String()

	hash, err := patch.Checksum(map[string]interface{}{"title": "Hello"})
	require.NoError(t, err)

	doc := fromDocumentView(protocol.DocumentView{
		ID: "doc-2", UserID: uid, Content: map[string]interface{}{"title": "Hello"}, ContentHash: hash, SyncRevision: 1,
	})
	_, err = state.Store.CreateDocumentAndLogEvent(context.Background(), doc)
	require.NoError(t, err)

	self := &fakeSender{}
	other := &fakeSender{}
	state.Registry.Register(uid, "client-a", self)
	state.Registry.Register(uid, "client-b", other)

	sess := &session{userID: uid, clientID: "client-a", conn: self, state: state}
	env := envelopeFor(t, protocol.TypeUpdateDocument, protocol.UpdateDocument{
		Patch: patch.DocumentPatch{
			DocumentID:  "doc-2",
			Operations:  patch.Patch{{Op: patch.OpReplace, Path: "/title", Value: "Hello world"}},
			ContentHash: hash,
		},
	})

	require.NoError(t, sess.handleUpdateDocument(context.Background(), env))
	require.Len(t, self.sent, 1)
	require.Equal(t, protocol.TypeDocumentUpdatedResponse, self.sent[0].typ)
	resp := self.sent[0].payload.(protocol.DocumentUpdatedResponse)
	require.True(t, resp.Success)
	require.Equal(t, int64(2), resp.SyncRevision)

	require.Len(t, other.sent, 1)
	require.Equal(t, protocol.TypeSyncDocument, other.sent[0].typ)
	broadcast := other.sent[0].payload.(protocol.SyncDocument)
	require.Equal(t, "Hello world", broadcast.Document.Content.(map[string]interface{})["title"])
}

func TestHandleUpdateDocumentVersionMismatchForcesConvergence(t *testing.T) {
	state := newTestState()
	uid := userid.Derive("alice@example.com").String()

	doc := fromDocumentView(protocol.DocumentView{
		ID: "doc-3", UserID: uid, Content: map[string]interface{}{"title": "Hello"}, ContentHash: "stale", SyncRevision: 1,
	})
	_, err := state.Store.CreateDocumentAndLogEvent(context.Background(), doc)
	require.NoError(t, err)

	self := &fakeSender{}
	sess := &session{userID: uid, clientID: "client-a", conn: self, state: state}
	env := envelopeFor(t, protocol.TypeUpdateDocument, protocol.UpdateDocument{
		Patch: patch.DocumentPatch{
			DocumentID:  "doc-3",
			Operations:  patch.Patch{{Op: patch.OpReplace, Path: "/title", Value: "Nope"}},
			ContentHash: "wrong-hash",
		},
	})

	require.NoError(t, sess.handleUpdateDocument(context.Background(), env))
	require.Len(t, self.sent, 2)
	require.Equal(t, protocol.TypeSyncDocument, self.sent[0].typ)
	require.Equal(t, protocol.TypeError, self.sent[1].typ)
	errMsg := self.sent[1].payload.(protocol.ErrorMessage)
	require.Equal(t, protocol.ErrorCodeVersionMismatch, errMsg.Code)
}

func TestHandlePingRepliesPong(t *testing.T) {
	state := newTestState()
	self := &fakeSender{}
	sess := &session{userID: "u1", clientID: "c1", conn: self, state: state}
	sess.dispatch(context.Background(), envelopeFor(t, protocol.TypePing, protocol.Ping{}))
	require.Len(t, self.sent, 1)
	require.Equal(t, protocol.TypePong, self.sent[0].typ)
}
