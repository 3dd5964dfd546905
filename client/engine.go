// Package client is the client-side sync engine (spec §4.1): local durable
// storage, a pending-change queue, immediate and deferred sync, a
// protection window around in-flight uploads, and automatic reconnection
// with heartbeat. It composes store/client, patch, and protocol the way
// luvjson/crdtsync/sync_manager.go composes a local adapter, a broadcaster,
// and a background reconnect loop.
package client

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jinzhu/copier"
	"go.uber.org/zap"

	"docsync/internal/userid"
	"docsync/internal/wsconn"
	"docsync/model"
	"docsync/patch"
	"docsync/protocol"
	clientstore "docsync/store/client"
)

const (
	reconnectInterval  = 5 * time.Second
	heartbeatInterval  = 10 * time.Second
	handshakeTimeout   = 10 * time.Second
	handshakeRetryWait = 5 * time.Second
)

// Config configures a new Engine.
type Config struct {
	DBPath    string
	ServerURL string
	Email     string // identifier used to derive the deterministic user id
}

// Engine is the client sync engine. Exposed operations mirror spec §4.1's
// table: Create/Update/DeleteDocument, GetAllDocuments, CountDocuments,
// CountPendingSync, IsConnected, EventDispatcher.
type Engine struct {
	store      *clientstore.Store
	dispatcher *Dispatcher
	guard      *uploadGuard
	logger     *zap.Logger

	userID    string
	clientID  string
	serverURL string

	connMu   sync.RWMutex
	conn     *wsconn.Conn
	lastPing time.Time

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// Open runs the startup sequence (spec §4.1): opens the local store,
// ensures user config, and — if a connection can be made — performs the
// upload-first handshake before returning.
func Open(ctx context.Context, cfg Config, logger *zap.Logger) (*Engine, error) {
	store, err := clientstore.Open(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open local store: %w", err)
	}

	uc, err := store.EnsureUserConfig(func() clientstore.UserConfig {
		return clientstore.UserConfig{
			UserID:    userid.Derive(cfg.Email).String(),
			ClientID:  uuid.NewString(),
			ServerURL: cfg.ServerURL,
		}
	})
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("ensure user config: %w", err)
	}

	e := &Engine{
		store:      store,
		dispatcher: &Dispatcher{},
		guard:      newUploadGuard(),
		logger:     logger,
		userID:     uc.UserID,
		clientID:   uc.ClientID,
		serverURL:  uc.ServerURL,
		stopCh:     make(chan struct{}),
	}

	e.dispatcher.publish(Event{Kind: EventConnectionAttempted})
	if conn, err := e.connect(ctx); err == nil {
		e.setConn(conn)
		e.dispatcher.publish(Event{Kind: EventConnectionSucceeded})
		e.wg.Add(1)
		go e.readLoop(conn)
		e.performHandshake(ctx)
	} else {
		e.logger.Info("starting offline", zap.Error(err))
	}

	e.wg.Add(1)
	go e.reconnectLoop(ctx)

	return e, nil
}

// Close stops the reconnection loop and releases the local store.
func (e *Engine) Close() error {
	close(e.stopCh)
	e.wg.Wait()
	if conn := e.getConn(); conn != nil {
		conn.Close()
	}
	return e.store.Close()
}

// EventDispatcher returns the subscription handle for engine notifications.
func (e *Engine) EventDispatcher() *Dispatcher { return e.dispatcher }

// IsConnected reports current transport liveness.
func (e *Engine) IsConnected() bool { return e.getConn() != nil }

func (e *Engine) getConn() *wsconn.Conn {
	e.connMu.RLock()
	defer e.connMu.RUnlock()
	return e.conn
}

func (e *Engine) setConn(c *wsconn.Conn) {
	e.connMu.Lock()
	defer e.connMu.Unlock()
	e.conn = c
	e.lastPing = time.Now()
}

func (e *Engine) clearConn() {
	e.connMu.Lock()
	defer e.connMu.Unlock()
	e.conn = nil
}

func (e *Engine) connect(ctx context.Context) (*wsconn.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	conn, err := dial(dialCtx, e.serverURL)
	if err != nil {
		return nil, err
	}
	auth := protocol.Authenticate{Email: e.userID, ClientID: e.clientID}
	if err := conn.Send(protocol.TypeAuthenticate, auth); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

// CountDocuments returns the number of non-deleted local documents.
func (e *Engine) CountDocuments() (int, error) { return e.store.CountDocuments(e.userID) }

// CountPendingSync returns the number of queued, unconfirmed uploads.
func (e *Engine) CountPendingSync() (int, error) { return e.store.CountPendingSync() }

// GetAllDocuments returns every non-deleted local document.
func (e *Engine) GetAllDocuments() ([]*clientstore.Record, error) {
	return e.store.ListNonDeleted(e.userID)
}

// CreateDocument generates a new document id, stamps sync_revision=1,
// writes it locally as Pending, emits Created, and attempts an immediate
// upload (spec §4.1).
func (e *Engine) CreateDocument(content interface{}) (*model.Document, error) {
	now := time.Now().UTC()
	hash, err := patch.Checksum(content)
	if err != nil {
		return nil, fmt.Errorf("checksum content: %w", err)
	}

	doc := &model.Document{
		ID:           uuid.NewString(),
		UserID:       e.userID,
		Content:      content,
		SyncRevision: 1,
		ContentHash:  hash,
		Title:        model.DeriveTitle(content, now),
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if err := e.store.SaveDocumentAndQueuePatch(doc, model.StatusPending, model.OpCreate, nil, ""); err != nil {
		return nil, fmt.Errorf("save new document: %w", err)
	}

	e.dispatcher.publish(Event{Kind: EventCreated, DocumentID: doc.ID})
	e.attemptImmediateSync(doc.ID)
	return doc, nil
}

// UpdateDocument diffs old->new content, writes the new content locally as
// Pending, queues the patch with the pre-change hash, and attempts an
// immediate upload (spec §4.1).
func (e *Engine) UpdateDocument(id string, newContent interface{}) error {
	rec, err := e.store.GetByID(id)
	if err != nil {
		return fmt.Errorf("load document %s: %w", id, err)
	}

	var before model.Document
	if err := copier.Copy(&before, &rec.Document); err != nil {
		return fmt.Errorf("copy document for diff: %w", err)
	}

	ops, err := patch.Diff(before.Content, newContent)
	if err != nil {
		return fmt.Errorf("diff document %s: %w", id, err)
	}

	newHash, err := patch.Checksum(newContent)
	if err != nil {
		return fmt.Errorf("checksum content: %w", err)
	}

	updated := before
	updated.Content = newContent
	updated.ContentHash = newHash
	updated.Title = model.DeriveTitle(newContent, before.UpdatedAt)
	updated.UpdatedAt = time.Now().UTC()

	if err := e.store.SaveDocumentAndQueuePatch(&updated, model.StatusPending, model.OpUpdate, ops, before.ContentHash); err != nil {
		return fmt.Errorf("save updated document: %w", err)
	}

	e.dispatcher.publish(Event{Kind: EventUpdated, DocumentID: id})
	e.attemptImmediateSync(id)
	return nil
}

// DeleteDocument marks a document locally deleted and attempts an
// immediate upload, or leaves it queued for the next reconnect (spec
// §4.1).
func (e *Engine) DeleteDocument(id string) error {
	rec, err := e.store.GetByID(id)
	if err != nil {
		return fmt.Errorf("load document %s: %w", id, err)
	}

	now := time.Now().UTC()
	doc := rec.Document
	doc.DeletedAt = &now
	doc.UpdatedAt = now

	if err := e.store.SaveDocumentAndQueuePatch(&doc, model.StatusPending, model.OpDelete, nil, rec.ContentHash); err != nil {
		return fmt.Errorf("save deleted document: %w", err)
	}

	e.dispatcher.publish(Event{Kind: EventDeleted, DocumentID: id})
	e.attemptImmediateSync(id)
	return nil
}

// attemptImmediateSync sends the queued upload for documentID right away
// if currently connected; otherwise the mutation stays Pending for the
// next reconnect handshake.
func (e *Engine) attemptImmediateSync(documentID string) {
	if !e.IsConnected() {
		return
	}
	if err := e.sendUpload(documentID); err != nil {
		e.logger.Warn("immediate sync failed", zap.String("document_id", documentID), zap.Error(err))
	}
}

// sendUpload sends documentID's queued patch or full body. The operation
// type recorded in the document's sync queue entry decides Create vs Update
// vs Delete; a document with no queue entry has nothing to send and
// sendUpload returns nil.
func (e *Engine) sendUpload(documentID string) error {
	conn := e.getConn()
	if conn == nil {
		return errors.New("not connected")
	}

	entry, err := e.store.GetQueuedPatch(documentID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load queue entry: %w", err)
	}

	rec, err := e.store.GetByID(documentID)
	if err != nil {
		return fmt.Errorf("load document: %w", err)
	}

	switch entry.OperationType {
	case model.OpCreate:
		err = conn.Send(protocol.TypeCreateDocument, protocol.CreateDocument{Document: toDocumentView(&rec.Document)})
	case model.OpUpdate:
		err = conn.Send(protocol.TypeUpdateDocument, protocol.UpdateDocument{
			Patch: patch.DocumentPatch{DocumentID: documentID, Operations: entry.Patch, ContentHash: entry.OldContentHash},
		})
	case model.OpDelete:
		err = conn.Send(protocol.TypeDeleteDocument, protocol.DeleteDocument{DocumentID: documentID})
	default:
		return fmt.Errorf("unknown queued operation %q", entry.OperationType)
	}
	if err != nil {
		return err
	}

	e.guard.trackUpload(documentID, entry.OperationType)
	e.dispatcher.publish(Event{Kind: EventSyncStarted, DocumentID: documentID})
	return nil
}

// performHandshake implements the upload-first handshake (spec §4.1):
// protection on, send every pending document, await confirmation up to
// 10s (one 5s retry for stragglers), protection off, drain deferred
// messages, request a full sync.
func (e *Engine) performHandshake(ctx context.Context) {
	e.guard.startHandshake()

	pending, err := e.store.ListPending(e.userID)
	if err != nil {
		e.logger.Warn("list pending documents failed", zap.Error(err))
	}
	for _, rec := range pending {
		if err := e.sendUpload(rec.ID); err != nil {
			e.logger.Warn("handshake upload failed", zap.String("document_id", rec.ID), zap.Error(err))
		}
	}

	e.awaitConfirmations(handshakeTimeout)
	if e.guard.pendingCount() > 0 {
		for _, rec := range pending {
			e.sendUpload(rec.ID)
		}
		e.awaitConfirmations(handshakeRetryWait)
	}

	e.guard.endHandshake()
	for _, doc := range e.guard.drainDeferred() {
		e.reconcileSyncDocument(doc.Document)
	}
	e.guard.finishDraining()

	if conn := e.getConn(); conn != nil {
		conn.Send(protocol.TypeRequestFullSync, protocol.RequestFullSync{})
	}
}

func (e *Engine) awaitConfirmations(timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if e.guard.pendingCount() == 0 {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
}

// reconnectLoop is the single background loop (5s cadence) that attempts
// connection when offline and pings on heartbeat cadence when online
// (spec §4.1 "Reconnection and heartbeat").
func (e *Engine) reconnectLoop(ctx context.Context) {
	defer e.wg.Done()
	ticker := time.NewTicker(reconnectInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stopCh:
			return
		case <-ticker.C:
			if !e.IsConnected() {
				e.dispatcher.publish(Event{Kind: EventConnectionAttempted})
				conn, err := e.connect(ctx)
				if err != nil {
					continue
				}
				e.guard.resetStale()
				e.setConn(conn)
				e.dispatcher.publish(Event{Kind: EventConnectionSucceeded})
				e.wg.Add(1)
				go e.readLoop(conn)
				e.performHandshake(ctx)
				continue
			}

			e.connMu.RLock()
			stale := time.Since(e.lastPing) >= heartbeatInterval
			conn := e.conn
			e.connMu.RUnlock()
			if stale && conn != nil {
				if err := conn.Send(protocol.TypePing, protocol.Ping{}); err != nil {
					e.clearConn()
					conn.Close()
					e.dispatcher.publish(Event{Kind: EventConnectionLost, Err: err})
				} else {
					e.connMu.Lock()
					e.lastPing = time.Now()
					e.connMu.Unlock()
				}
			}
		}
	}
}

// readLoop owns a single connection's inbound frames until it errors or
// closes, then clears the connection so the reconnect loop takes over.
func (e *Engine) readLoop(conn *wsconn.Conn) {
	defer e.wg.Done()
	for {
		env, err := conn.Receive()
		if err != nil {
			e.connMu.Lock()
			if e.conn == conn {
				e.conn = nil
			}
			e.connMu.Unlock()
			if wsconn.IsUnexpectedClose(err) {
				e.logger.Warn("connection lost", zap.Error(err))
			}
			e.dispatcher.publish(Event{Kind: EventConnectionLost, Err: err})
			return
		}
		e.handleInbound(env)
	}
}
