package client

import (
	"database/sql"
	"errors"
	"time"

	"go.uber.org/zap"

	"docsync/patch"
	"docsync/protocol"
)

// handleInbound implements spec §4.1's inbound message handling table.
func (e *Engine) handleInbound(env protocol.Envelope) {
	switch env.Type {
	case protocol.TypeSyncDocument:
		var payload protocol.SyncDocument
		if err := env.DecodePayload(&payload); err != nil {
			e.logger.Warn("decode sync_document failed", zap.Error(err))
			return
		}
		if e.guard.shouldDefer(payload.Document.ID) {
			e.guard.enqueueDeferred(payload)
			return
		}
		e.reconcileSyncDocument(payload.Document)

	case protocol.TypeDocumentCreated:
		var payload protocol.DocumentCreated
		if err := env.DecodePayload(&payload); err != nil {
			e.logger.Warn("decode document_created failed", zap.Error(err))
			return
		}
		e.reconcileSyncDocument(payload.Document)

	case protocol.TypeDocumentUpdated:
		var payload protocol.DocumentUpdated
		if err := env.DecodePayload(&payload); err != nil {
			e.logger.Warn("decode document_updated failed", zap.Error(err))
			return
		}
		e.applyRemotePatch(payload.Patch)

	case protocol.TypeDocumentDeleted:
		var payload protocol.DocumentDeleted
		if err := env.DecodePayload(&payload); err != nil {
			e.logger.Warn("decode document_deleted failed", zap.Error(err))
			return
		}
		e.applyRemoteDelete(payload.DocumentID)

	case protocol.TypeDocumentCreatedResponse:
		var payload protocol.DocumentCreatedResponse
		if err := env.DecodePayload(&payload); err != nil {
			return
		}
		e.handleUploadResponse(payload.DocumentID, payload.Success, payload.Error, 0)

	case protocol.TypeDocumentUpdatedResponse:
		var payload protocol.DocumentUpdatedResponse
		if err := env.DecodePayload(&payload); err != nil {
			return
		}
		e.handleUploadResponse(payload.DocumentID, payload.Success, payload.Error, payload.SyncRevision)

	case protocol.TypeDocumentDeletedResponse:
		var payload protocol.DocumentDeletedResponse
		if err := env.DecodePayload(&payload); err != nil {
			return
		}
		e.handleUploadResponse(payload.DocumentID, payload.Success, payload.Error, 0)

	case protocol.TypeConflictDetected:
		var payload protocol.ConflictDetected
		if err := env.DecodePayload(&payload); err != nil {
			return
		}
		e.dispatcher.publish(Event{Kind: EventConflictDetected, DocumentID: payload.DocumentID})

	case protocol.TypeSyncComplete:
		var payload protocol.SyncComplete
		if err := env.DecodePayload(&payload); err != nil {
			return
		}
		e.dispatcher.publish(Event{Kind: EventSyncCompleted, SyncedCount: payload.SyncedCount})
	}

	if env.Type == protocol.TypeError {
		var payload protocol.ErrorMessage
		if err := env.DecodePayload(&payload); err == nil {
			e.handleServerError(payload)
		}
	}
}

// handleServerError implements spec §3's glossary error kinds as they
// arrive over the wire: VersionMismatch is corrected silently (the
// corrective SyncDocument arrives separately), InvalidAuth disconnects,
// InvalidPatch is dropped, everything else is just logged.
func (e *Engine) handleServerError(payload protocol.ErrorMessage) {
	switch payload.Code {
	case protocol.ErrorCodeInvalidAuth:
		e.logger.Error("server rejected authentication", zap.String("reason", payload.Message))
		if conn := e.getConn(); conn != nil {
			conn.Close()
		}
	case protocol.ErrorCodeVersionMismatch:
		e.logger.Debug("version mismatch, awaiting corrective sync", zap.String("reason", payload.Message))
	case protocol.ErrorCodeInvalidPatch:
		e.logger.Warn("server rejected patch", zap.String("reason", payload.Message))
	default:
		e.logger.Warn("server error", zap.String("code", string(payload.Code)), zap.String("reason", payload.Message))
	}
}

// reconcileSyncDocument implements the SyncDocument/DocumentCreated row of
// spec §4.1's inbound table: absent locally -> store as Synced, emit
// Created; present with a newer-or-equal server revision -> overwrite,
// emit Updated; otherwise ignore (the local copy is already ahead, which
// should not happen for a server-authoritative revision but is handled
// defensively).
func (e *Engine) reconcileSyncDocument(view protocol.DocumentView) {
	doc := fromDocumentView(view)
	local, err := e.store.GetByID(doc.ID)
	if errors.Is(err, sql.ErrNoRows) {
		if err := e.store.UpsertFromServer(doc); err != nil {
			e.logger.Warn("store remote document failed", zap.Error(err))
			return
		}
		e.dispatcher.publish(Event{Kind: EventCreated, DocumentID: doc.ID})
		return
	}
	if err != nil {
		e.logger.Warn("load local document failed", zap.Error(err))
		return
	}

	if view.SyncRevision >= local.SyncRevision {
		if err := e.store.UpsertFromServer(doc); err != nil {
			e.logger.Warn("overwrite local document failed", zap.Error(err))
			return
		}
		e.dispatcher.publish(Event{Kind: EventUpdated, DocumentID: doc.ID})
	}
}

// applyRemotePatch implements the DocumentUpdated row: apply the patch to
// the local copy, mark Synced, emit Updated.
func (e *Engine) applyRemotePatch(dp patch.DocumentPatch) {
	local, err := e.store.GetByID(dp.DocumentID)
	if err != nil {
		e.logger.Warn("load document for remote patch failed", zap.Error(err))
		return
	}

	newContent, err := patch.Apply(local.Content, dp.Operations)
	if err != nil {
		e.logger.Warn("apply remote patch failed", zap.String("document_id", dp.DocumentID), zap.Error(err))
		return
	}

	newHash, err := patch.Checksum(newContent)
	if err != nil {
		e.logger.Warn("checksum remote patch result failed", zap.Error(err))
		return
	}

	updated := local.Document
	updated.Content = newContent
	updated.ContentHash = newHash
	updated.SyncRevision++

	if err := e.store.UpsertFromServer(&updated); err != nil {
		e.logger.Warn("store remote patch result failed", zap.Error(err))
		return
	}
	e.dispatcher.publish(Event{Kind: EventUpdated, DocumentID: dp.DocumentID})
}

// applyRemoteDelete implements the DocumentDeleted row: soft-delete
// locally, mark Synced, emit Deleted.
func (e *Engine) applyRemoteDelete(documentID string) {
	local, err := e.store.GetByID(documentID)
	if err != nil {
		e.logger.Warn("load document for remote delete failed", zap.Error(err))
		return
	}
	now := time.Now().UTC()
	local.DeletedAt = &now
	local.UpdatedAt = now
	if err := e.store.UpsertFromServer(&local.Document); err != nil {
		e.logger.Warn("store remote delete failed", zap.Error(err))
		return
	}
	e.dispatcher.publish(Event{Kind: EventDeleted, DocumentID: documentID})
}

// handleUploadResponse implements the *Response row: on success, clear the
// in-flight upload, mark Synced, drop the queue entry, adopt the
// server-assigned revision if any, re-drain deferred messages, and signal
// upload-complete once nothing remains queued; on failure, emit
// SyncError (spec §4.1).
func (e *Engine) handleUploadResponse(documentID string, success bool, errMsg string, syncRevision int64) {
	if !success {
		e.guard.confirmUpload(documentID)
		e.dispatcher.publish(Event{Kind: EventSyncError, DocumentID: documentID, Err: errors.New(errMsg)})
		return
	}

	if err := e.store.MarkSynced(documentID, syncRevision); err != nil {
		e.logger.Warn("mark synced failed", zap.Error(err))
	}
	if err := e.store.RemoveFromQueue(documentID); err != nil {
		e.logger.Warn("remove from queue failed", zap.Error(err))
	}

	e.guard.confirmUpload(documentID)
	for _, deferredDoc := range e.guard.drainDeferred() {
		e.reconcileSyncDocument(deferredDoc.Document)
	}

	if n, err := e.store.CountPendingSync(); err == nil && n == 0 {
		e.dispatcher.publish(Event{Kind: EventSyncCompleted, DocumentID: documentID})
	}
}
