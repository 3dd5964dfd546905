// Package clientstore is the client's embedded, single-file, transactional
// local store (spec §4.5, §6): documents, the pending sync queue, and user
// configuration, backed by SQLite.
//
// The atomic operation that matters most here is SaveDocumentAndQueuePatch:
// it commits a document mutation and its queue entry in one transaction,
// which is the invariant that rules out "mutated locally but forgot to
// send" after a crash (spec §8 invariant 5). The transaction shape follows
// luvjson/crdtstorage/sql_adapter.go's SaveDocument, with its existence
// check and insert-or-update folded into one INSERT ... ON CONFLICT upsert:
// begin, upsert, commit.
package clientstore

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"docsync/model"
	"docsync/patch"
)

// Store is the client's local SQLite-backed store.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the SQLite database at path and runs
// migrations.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1) // SQLite allows one writer; serialize through a single connection.

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS documents (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			content TEXT NOT NULL,
			sync_revision INTEGER NOT NULL,
			content_hash TEXT,
			title TEXT,
			sync_status TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL,
			deleted_at TIMESTAMP
		);

		CREATE TABLE IF NOT EXISTS sync_queue (
			document_id TEXT PRIMARY KEY,
			operation_type TEXT NOT NULL,
			patch TEXT,
			old_content_hash TEXT,
			created_at TIMESTAMP NOT NULL
		);

		CREATE TABLE IF NOT EXISTS user_config (
			user_id TEXT NOT NULL,
			client_id TEXT NOT NULL,
			server_url TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_documents_user ON documents(user_id);
	`)
	return err
}

// Record is a client-local document plus its reconciliation status.
type Record struct {
	model.Document
	Status model.SyncStatus
}

// QueueEntry is a queued per-document update payload (spec §3).
type QueueEntry struct {
	DocumentID     string
	OperationType  model.OperationKind
	Patch          patch.Patch
	OldContentHash string
	CreatedAt      time.Time
}

// UserConfig is the client's deterministic identity plus install-specific
// client id and configured server URL (spec §3).
type UserConfig struct {
	UserID    string
	ClientID  string
	ServerURL string
}

// GetByID reads a single document by id. Returns sql.ErrNoRows if absent.
func (s *Store) GetByID(id string) (*Record, error) {
	row := s.db.QueryRow(`SELECT id, user_id, content, sync_revision, content_hash, title, sync_status, created_at, updated_at, deleted_at FROM documents WHERE id = ?`, id)
	return scanRecord(row)
}

// ListNonDeleted returns every non-deleted document owned by userID.
func (s *Store) ListNonDeleted(userID string) ([]*Record, error) {
	rows, err := s.db.Query(`SELECT id, user_id, content, sync_revision, content_hash, title, sync_status, created_at, updated_at, deleted_at FROM documents WHERE user_id = ? AND deleted_at IS NULL`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRecords(rows)
}

// ListPending returns every document with sync_status = 'pending' for userID.
func (s *Store) ListPending(userID string) ([]*Record, error) {
	rows, err := s.db.Query(`SELECT id, user_id, content, sync_revision, content_hash, title, sync_status, created_at, updated_at, deleted_at FROM documents WHERE user_id = ? AND sync_status = ?`, userID, model.StatusPending)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRecords(rows)
}

// CountDocuments counts non-deleted documents owned by userID.
func (s *Store) CountDocuments(userID string) (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM documents WHERE user_id = ? AND deleted_at IS NULL`, userID).Scan(&n)
	return n, err
}

// CountPendingSync counts queue entries awaiting upload.
func (s *Store) CountPendingSync() (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM sync_queue`).Scan(&n)
	return n, err
}

// GetQueuedPatch returns the queue entry for a document, if any.
func (s *Store) GetQueuedPatch(documentID string) (*QueueEntry, error) {
	row := s.db.QueryRow(`SELECT document_id, operation_type, patch, old_content_hash, created_at FROM sync_queue WHERE document_id = ?`, documentID)
	var e QueueEntry
	var patchText sql.NullString
	if err := row.Scan(&e.DocumentID, &e.OperationType, &patchText, &e.OldContentHash, &e.CreatedAt); err != nil {
		return nil, err
	}
	if patchText.Valid && patchText.String != "" {
		if err := json.Unmarshal([]byte(patchText.String), &e.Patch); err != nil {
			return nil, fmt.Errorf("unmarshal queued patch: %w", err)
		}
	}
	return &e, nil
}

// RemoveFromQueue deletes the queue entry for a document, e.g. on server
// confirmation.
func (s *Store) RemoveFromQueue(documentID string) error {
	_, err := s.db.Exec(`DELETE FROM sync_queue WHERE document_id = ?`, documentID)
	return err
}

// MarkSynced flips a document's status to Synced and, if newRevision is
// non-zero, adopts the server-assigned sync_revision.
func (s *Store) MarkSynced(documentID string, newRevision int64) error {
	if newRevision > 0 {
		_, err := s.db.Exec(`UPDATE documents SET sync_status = ?, sync_revision = ? WHERE id = ?`, model.StatusSynced, newRevision, documentID)
		return err
	}
	_, err := s.db.Exec(`UPDATE documents SET sync_status = ? WHERE id = ?`, model.StatusSynced, documentID)
	return err
}

// SaveDocumentAndQueuePatch atomically writes doc and inserts (or replaces)
// the queue entry describing its pending upload. This is the operation that
// keeps "document mutated locally" and "queue entry present" from ever
// diverging across a crash (spec §8 invariant 5).
func (s *Store) SaveDocumentAndQueuePatch(doc *model.Document, status model.SyncStatus, opType model.OperationKind, ops patch.Patch, oldHash string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := upsertDocument(tx, doc, status); err != nil {
		return err
	}

	var patchText sql.NullString
	if ops != nil {
		b, err := json.Marshal(ops)
		if err != nil {
			return fmt.Errorf("marshal queued patch: %w", err)
		}
		patchText = sql.NullString{String: string(b), Valid: true}
	}

	_, err = tx.Exec(`
		INSERT INTO sync_queue (document_id, operation_type, patch, old_content_hash, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(document_id) DO UPDATE SET
			operation_type = excluded.operation_type,
			patch = excluded.patch,
			old_content_hash = excluded.old_content_hash,
			created_at = excluded.created_at
	`, doc.ID, opType, patchText, oldHash, time.Now())
	if err != nil {
		return fmt.Errorf("upsert queue entry: %w", err)
	}

	return tx.Commit()
}

// UpsertFromServer writes a document as received from the server (e.g.
// SyncDocument, DocumentCreated), without touching the sync queue.
func (s *Store) UpsertFromServer(doc *model.Document) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()
	if err := upsertDocument(tx, doc, model.StatusSynced); err != nil {
		return err
	}
	return tx.Commit()
}

func upsertDocument(tx *sql.Tx, doc *model.Document, status model.SyncStatus) error {
	contentBytes, err := json.Marshal(doc.Content)
	if err != nil {
		return fmt.Errorf("marshal content: %w", err)
	}

	var deletedAt interface{}
	if doc.DeletedAt != nil {
		deletedAt = *doc.DeletedAt
	}

	_, err = tx.Exec(`
		INSERT INTO documents (id, user_id, content, sync_revision, content_hash, title, sync_status, created_at, updated_at, deleted_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			content = excluded.content,
			sync_revision = excluded.sync_revision,
			content_hash = excluded.content_hash,
			title = excluded.title,
			sync_status = excluded.sync_status,
			updated_at = excluded.updated_at,
			deleted_at = excluded.deleted_at
	`, doc.ID, doc.UserID, string(contentBytes), doc.SyncRevision, doc.ContentHash, doc.Title, status, doc.CreatedAt, doc.UpdatedAt, deletedAt)
	if err != nil {
		return fmt.Errorf("upsert document: %w", err)
	}
	return nil
}

// EnsureUserConfig returns the existing user config or creates one if
// absent.
func (s *Store) EnsureUserConfig(create func() UserConfig) (*UserConfig, error) {
	existing, err := s.GetUserConfig()
	if err == nil {
		return existing, nil
	}
	if err != sql.ErrNoRows {
		return nil, err
	}

	cfg := create()
	_, err = s.db.Exec(`INSERT INTO user_config (user_id, client_id, server_url) VALUES (?, ?, ?)`, cfg.UserID, cfg.ClientID, cfg.ServerURL)
	if err != nil {
		return nil, fmt.Errorf("insert user config: %w", err)
	}
	return &cfg, nil
}

// GetUserConfig returns the single user config row, or sql.ErrNoRows.
func (s *Store) GetUserConfig() (*UserConfig, error) {
	var cfg UserConfig
	err := s.db.QueryRow(`SELECT user_id, client_id, server_url FROM user_config LIMIT 1`).Scan(&cfg.UserID, &cfg.ClientID, &cfg.ServerURL)
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row scanner) (*Record, error) {
	var r Record
	var contentText string
	var deletedAt sql.NullTime
	if err := row.Scan(&r.ID, &r.UserID, &contentText, &r.SyncRevision, &r.ContentHash, &r.Title, &r.Status, &r.CreatedAt, &r.UpdatedAt, &deletedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(contentText), &r.Content); err != nil {
		return nil, fmt.Errorf("unmarshal content: %w", err)
	}
	if deletedAt.Valid {
		t := deletedAt.Time
		r.DeletedAt = &t
	}
	return &r, nil
}

func scanRecords(rows *sql.Rows) ([]*Record, error) {
	var out []*Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
