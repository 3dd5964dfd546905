// Package server implements the server side of the sync protocol (spec
// §4.2): one goroutine per connection, dispatching inbound envelopes to
// handlers that apply mutations through store/server and broadcast the
// result to the user's other live connections. The registry shape is
// eventsync/sync_service.go's SyncServiceImpl re-keyed from document id to
// user id.
package server

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"docsync/internal/userid"
	"docsync/internal/wsconn"
	"docsync/model"
	"docsync/patch"
	"docsync/protocol"
	serverstore "docsync/store/server"
)

// AppState is the shared, process-wide state every connection handler
// reads and mutates: the authoritative store and the live-connection
// registry (spec §4.5).
type AppState struct {
	Store    serverstore.DocumentStore
	Registry *Registry
	Logger   *zap.Logger
}

// NewAppState wires a store into a fresh registry.
func NewAppState(store serverstore.DocumentStore, logger *zap.Logger) *AppState {
	return &AppState{
		Store:    store,
		Registry: NewRegistry(logger),
		Logger:   logger,
	}
}

// session is per-connection state established once authentication
// completes.
type session struct {
	userID   string
	clientID string
	conn     Sender
	state    *AppState
}

// HandleConnection owns a single websocket connection end to end: it
// requires Authenticate as the first frame, then dispatches every
// subsequent frame by type until the connection closes or errors.
func (s *AppState) HandleConnection(ctx context.Context, conn *wsconn.Conn) error {
	env, err := conn.Receive()
	if err != nil {
		return fmt.Errorf("receive first frame: %w", err)
	}
	if env.Type != protocol.TypeAuthenticate {
		return protocol.ErrNotAuthenticated
	}

	var auth protocol.Authenticate
	if err := env.DecodePayload(&auth); err != nil {
		return fmt.Errorf("decode authenticate payload: %w", err)
	}

	sess := &session{
		userID:   userid.Derive(auth.Email).String(),
		clientID: auth.ClientID,
		conn:     conn,
		state:    s,
	}

	s.Registry.Register(sess.userID, sess.clientID, conn)
	defer s.Registry.Unregister(sess.userID, sess.clientID)

	if err := conn.Send(protocol.TypeAuthSuccess, protocol.AuthSuccess{SessionID: uuid.NewString()}); err != nil {
		return fmt.Errorf("send auth_success: %w", err)
	}

	s.Logger.Info("client authenticated", zap.String("user_id", sess.userID), zap.String("client_id", sess.clientID))

	for {
		env, err := conn.Receive()
		if err != nil {
			if wsconn.IsUnexpectedClose(err) {
				s.Logger.Warn("connection closed unexpectedly", zap.String("user_id", sess.userID), zap.Error(err))
			}
			return err
		}
		sess.dispatch(ctx, env)
	}
}

func (sess *session) dispatch(ctx context.Context, env protocol.Envelope) {
	var err error
	switch env.Type {
	case protocol.TypeCreateDocument:
		err = sess.handleCreateDocument(ctx, env)
	case protocol.TypeUpdateDocument:
		err = sess.handleUpdateDocument(ctx, env)
	case protocol.TypeDeleteDocument:
		err = sess.handleDeleteDocument(ctx, env)
	case protocol.TypeRequestFullSync:
		err = sess.handleRequestFullSync(ctx)
	case protocol.TypeGetChangesSince:
		err = sess.handleGetChangesSince(ctx, env)
	case protocol.TypeAckChanges:
		err = sess.handleAckChanges(env)
	case protocol.TypePing:
		err = sess.conn.Send(protocol.TypePong, protocol.Pong{})
	default:
		err = protocol.ErrUnknownType
	}

	if err != nil {
		sess.state.Logger.Warn("handler error",
			zap.String("user_id", sess.userID),
			zap.String("type", string(env.Type)),
			zap.Error(err))
	}
}

func (sess *session) sendError(code protocol.ErrorCode, msg string) error {
	return sess.conn.Send(protocol.TypeError, protocol.ErrorMessage{Code: code, Message: msg})
}

// handleCreateDocument implements spec §4.2's CreateDocument rules,
// including the create/create race: overwrite with the client's version
// and force every connection to converge via SyncDocument.
func (sess *session) handleCreateDocument(ctx context.Context, env protocol.Envelope) error {
	var payload protocol.CreateDocument
	if err := env.DecodePayload(&payload); err != nil {
		return sess.sendError(protocol.ErrorCodeInvalidPatch, err.Error())
	}

	if payload.Document.UserID != sess.userID {
		return sess.sendError(protocol.ErrorCodeInvalidAuth, "document user_id does not match authenticated user")
	}
	if payload.Document.SyncRevision != 1 {
		return sess.sendError(protocol.ErrorCodeInvalidPatch, "new documents must have sync_revision 1")
	}
	if payload.Document.ContentHash != "" {
		actual, err := patch.Checksum(payload.Document.Content)
		if err != nil {
			return sess.sendError(protocol.ErrorCodeServerError, err.Error())
		}
		if actual != payload.Document.ContentHash {
			return sess.sendError(protocol.ErrorCodeInvalidPatch, "content_hash does not match content")
		}
	}

	doc := fromDocumentView(payload.Document)
	_, err := sess.state.Store.CreateDocumentAndLogEvent(ctx, doc)

	switch {
	case err == nil:
		if sendErr := sess.conn.Send(protocol.TypeDocumentCreatedResponse, protocol.DocumentCreatedResponse{DocumentID: doc.ID, Success: true}); sendErr != nil {
			return sendErr
		}
		sess.state.Registry.BroadcastExcept(sess.userID, sess.clientID, protocol.TypeDocumentCreated, protocol.DocumentCreated{Document: toDocumentView(doc)})
		return nil

	case errors.Is(err, serverstore.ErrAlreadyExists):
		existing, getErr := sess.state.Store.GetDocument(ctx, doc.ID)
		if getErr != nil {
			return sess.sendError(protocol.ErrorCodeServerError, getErr.Error())
		}
		if existing.ContentHash == doc.ContentHash {
			// Duplicate-key race: the desired state already exists, nothing to
			// overwrite. Treat as success and notify only the other clients.
			if sendErr := sess.conn.Send(protocol.TypeDocumentCreatedResponse, protocol.DocumentCreatedResponse{DocumentID: doc.ID, Success: true}); sendErr != nil {
				return sendErr
			}
			sess.state.Registry.BroadcastExcept(sess.userID, sess.clientID, protocol.TypeDocumentCreated, protocol.DocumentCreated{Document: toDocumentView(existing)})
			return nil
		}

		updated, _, overwriteErr := sess.state.Store.OverwriteDocumentAndLogEvent(ctx, doc)
		if overwriteErr != nil {
			return sess.sendError(protocol.ErrorCodeServerError, overwriteErr.Error())
		}
		if sendErr := sess.conn.Send(protocol.TypeDocumentCreatedResponse, protocol.DocumentCreatedResponse{DocumentID: doc.ID, Success: true}); sendErr != nil {
			return sendErr
		}
		// Including the sender forces convergence on the server's merged truth.
		view := toDocumentView(updated)
		sess.conn.Send(protocol.TypeSyncDocument, protocol.SyncDocument{Document: view})
		sess.state.Registry.BroadcastExcept(sess.userID, "", protocol.TypeSyncDocument, protocol.SyncDocument{Document: view})
		return nil

	default:
		return sess.sendError(protocol.ErrorCodeServerError, err.Error())
	}
}

// handleUpdateDocument implements spec §4.2's UpdateDocument rules: the
// optimistic-lock check against content_hash, and the force-convergence
// broadcast (to sender and others) on conflict.
func (sess *session) handleUpdateDocument(ctx context.Context, env protocol.Envelope) error {
	var payload protocol.UpdateDocument
	if err := env.DecodePayload(&payload); err != nil {
		return sess.sendError(protocol.ErrorCodeInvalidPatch, err.Error())
	}

	current, err := sess.state.Store.GetDocument(ctx, payload.Patch.DocumentID)
	if err != nil {
		if errors.Is(err, serverstore.ErrNotFound) {
			return sess.sendError(protocol.ErrorCodeInvalidAuth, "document not found")
		}
		return sess.sendError(protocol.ErrorCodeServerError, err.Error())
	}
	if current.UserID != sess.userID {
		return sess.sendError(protocol.ErrorCodeInvalidAuth, "document not owned by authenticated user")
	}

	newContent, err := patch.Apply(current.Content, payload.Patch.Operations)
	if err != nil {
		var failed *patch.PatchFailed
		if errors.As(err, &failed) {
			return sess.sendError(protocol.ErrorCodeInvalidPatch, failed.Error())
		}
		return sess.sendError(protocol.ErrorCodeServerError, err.Error())
	}

	newHash, err := patch.Checksum(newContent)
	if err != nil {
		return sess.sendError(protocol.ErrorCodeServerError, err.Error())
	}
	newTitle := model.DeriveTitle(newContent, current.UpdatedAt)

	updated, _, err := sess.state.Store.UpdateDocumentAndLogEvent(ctx, payload.Patch.DocumentID, sess.userID, payload.Patch.ContentHash, payload.Patch.Operations, newContent, newHash, newTitle)
	if err != nil {
		var conflict *serverstore.VersionConflict
		if errors.As(err, &conflict) {
			view := protocol.DocumentView{
				ID:           conflict.DocumentID,
				UserID:       sess.userID,
				Content:      conflict.ServerDoc,
				SyncRevision: conflict.SyncRevision,
				ContentHash:  conflict.Actual,
			}
			sess.conn.Send(protocol.TypeSyncDocument, protocol.SyncDocument{Document: view})
			sess.state.Registry.BroadcastExcept(sess.userID, "", protocol.TypeSyncDocument, protocol.SyncDocument{Document: view})
			return sess.sendError(protocol.ErrorCodeVersionMismatch, conflict.Error())
		}
		if errors.Is(err, serverstore.ErrNotFound) {
			return sess.sendError(protocol.ErrorCodeInvalidAuth, "document not found")
		}
		return sess.sendError(protocol.ErrorCodeServerError, err.Error())
	}

	if sendErr := sess.conn.Send(protocol.TypeDocumentUpdatedResponse, protocol.DocumentUpdatedResponse{
		DocumentID:   updated.ID,
		Success:      true,
		SyncRevision: updated.SyncRevision,
	}); sendErr != nil {
		return sendErr
	}

	sess.state.Registry.BroadcastExcept(sess.userID, sess.clientID, protocol.TypeSyncDocument, protocol.SyncDocument{
		Document: toDocumentView(updated),
	})
	return nil
}

func (sess *session) handleDeleteDocument(ctx context.Context, env protocol.Envelope) error {
	var payload protocol.DeleteDocument
	if err := env.DecodePayload(&payload); err != nil {
		return sess.sendError(protocol.ErrorCodeInvalidPatch, err.Error())
	}

	_, err := sess.state.Store.DeleteDocumentAndLogEvent(ctx, payload.DocumentID, sess.userID)
	if err != nil {
		if errors.Is(err, serverstore.ErrNotFound) {
			return sess.sendError(protocol.ErrorCodeInvalidAuth, "document not found")
		}
		return sess.sendError(protocol.ErrorCodeServerError, err.Error())
	}

	if sendErr := sess.conn.Send(protocol.TypeDocumentDeletedResponse, protocol.DocumentDeletedResponse{DocumentID: payload.DocumentID, Success: true}); sendErr != nil {
		return sendErr
	}
	sess.state.Registry.BroadcastExcept(sess.userID, sess.clientID, protocol.TypeDocumentDeleted, protocol.DocumentDeleted{DocumentID: payload.DocumentID})
	return nil
}

func (sess *session) handleRequestFullSync(ctx context.Context) error {
	docs, err := sess.state.Store.ListUserDocuments(ctx, sess.userID)
	if err != nil {
		return sess.sendError(protocol.ErrorCodeServerError, err.Error())
	}
	for _, doc := range docs {
		if err := sess.conn.Send(protocol.TypeSyncDocument, protocol.SyncDocument{Document: toDocumentView(doc)}); err != nil {
			return err
		}
	}
	return sess.conn.Send(protocol.TypeSyncComplete, protocol.SyncComplete{SyncedCount: len(docs)})
}

func (sess *session) handleGetChangesSince(ctx context.Context, env protocol.Envelope) error {
	var payload protocol.GetChangesSince
	if err := env.DecodePayload(&payload); err != nil {
		return sess.sendError(protocol.ErrorCodeInvalidPatch, err.Error())
	}

	events, err := sess.state.Store.GetChangesSince(ctx, sess.userID, payload.SinceSeq)
	if err != nil {
		return sess.sendError(protocol.ErrorCodeServerError, err.Error())
	}

	synced := 0
	for _, e := range events {
		doc, err := sess.state.Store.GetDocument(ctx, e.DocumentID)
		if err != nil {
			continue
		}
		if err := sess.conn.Send(protocol.TypeSyncDocument, protocol.SyncDocument{Document: toDocumentView(doc)}); err != nil {
			return err
		}
		synced++
	}
	return sess.conn.Send(protocol.TypeSyncComplete, protocol.SyncComplete{SyncedCount: synced})
}

// handleAckChanges is accepted and logged only: the spec gives the server
// no durable per-client cursor, so there is nothing to persist here (see
// DESIGN.md's Open Questions).
func (sess *session) handleAckChanges(env protocol.Envelope) error {
	var payload protocol.AckChanges
	if err := env.DecodePayload(&payload); err != nil {
		return err
	}
	sess.state.Logger.Debug("ack_changes received",
		zap.String("user_id", sess.userID),
		zap.String("client_id", sess.clientID),
		zap.Int64("up_to_seq", payload.UpToSeq))
	return nil
}
