// Package serverstore is the server's authoritative document store (spec
// §4.2, §6): documents plus an append-only change_events log, backed by
// Postgres through pgx. The transaction shape (begin, mutate document,
// insert event, commit) mirrors luvjson/crdtstorage/sql_adapter.go's
// existence-check-then-insert-or-update pattern, adapted to also log an
// event in the same transaction so sync_revision advances and its event
// row are never observed independently of each other.
package serverstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"docsync/model"
	"docsync/patch"
)

// Store is the server's Postgres-backed authoritative store.
type Store struct {
	pool *pgxpool.Pool
}

// Open connects to Postgres at dsn and runs migrations.
func Open(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	s := &Store{pool: pool}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close releases the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

func (s *Store) migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS documents (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			content JSONB NOT NULL,
			sync_revision BIGINT NOT NULL,
			content_hash TEXT NOT NULL,
			title TEXT,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			deleted_at TIMESTAMPTZ
		);

		CREATE INDEX IF NOT EXISTS idx_documents_user ON documents(user_id) WHERE deleted_at IS NULL;

		CREATE TABLE IF NOT EXISTS change_events (
			sequence BIGSERIAL PRIMARY KEY,
			document_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			operation_type TEXT NOT NULL,
			sync_revision BIGINT NOT NULL,
			forward_patch JSONB NULL,
			reverse_patch JSONB NULL,
			applied BOOLEAN NOT NULL,
			created_at TIMESTAMPTZ NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_change_events_user_seq ON change_events(user_id, sequence);
		CREATE INDEX IF NOT EXISTS idx_change_events_document ON change_events(document_id) WHERE applied = false;

		CREATE TABLE IF NOT EXISTS api_credentials (
			user_id TEXT PRIMARY KEY,
			api_key_hash TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL
		);
	`)
	return err
}

// GetDocument fetches a document by id, regardless of ownership. Callers
// enforce the owner check so that a not-found and a not-yours error can be
// distinguished if the caller wants to.
func (s *Store) GetDocument(ctx context.Context, id string) (*model.Document, error) {
	row := s.pool.QueryRow(ctx, `SELECT id, user_id, content, sync_revision, content_hash, title, created_at, updated_at, deleted_at FROM documents WHERE id = $1`, id)
	return scanDocument(row)
}

// ListUserDocuments returns every non-deleted document owned by userID.
func (s *Store) ListUserDocuments(ctx context.Context, userID string) ([]*model.Document, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, user_id, content, sync_revision, content_hash, title, created_at, updated_at, deleted_at FROM documents WHERE user_id = $1 AND deleted_at IS NULL ORDER BY updated_at`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, doc)
	}
	return out, rows.Err()
}

// CreateDocumentAndLogEvent inserts a brand-new document at sync_revision 1
// and appends its creation event, atomically.
func (s *Store) CreateDocumentAndLogEvent(ctx context.Context, doc *model.Document) (*model.ChangeEvent, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var exists bool
	err = tx.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM documents WHERE id = $1)`, doc.ID).Scan(&exists)
	if err != nil {
		return nil, fmt.Errorf("check existence: %w", err)
	}
	if exists {
		return nil, ErrAlreadyExists
	}

	contentBytes, err := json.Marshal(doc.Content)
	if err != nil {
		return nil, fmt.Errorf("marshal content: %w", err)
	}

	doc.SyncRevision = 1
	_, err = tx.Exec(ctx, `
		INSERT INTO documents (id, user_id, content, sync_revision, content_hash, title, created_at, updated_at, deleted_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NULL)
	`, doc.ID, doc.UserID, contentBytes, doc.SyncRevision, doc.ContentHash, doc.Title, doc.CreatedAt, doc.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert document: %w", err)
	}

	event, err := insertEvent(ctx, tx, doc.ID, doc.UserID, model.OpCreate, doc.SyncRevision, true, nil, nil)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}
	return event, nil
}

// OverwriteDocumentAndLogEvent handles the create/create race (spec §4.2):
// a document with this id already exists. It logs the loser's attempt as an
// applied=false Create event carrying the server's prior content, then
// overwrites the row with the client's version and advances sync_revision,
// so every client subsequently converges on the same state via a broadcast
// SyncDocument.
func (s *Store) OverwriteDocumentAndLogEvent(ctx context.Context, doc *model.Document) (*model.Document, *model.ChangeEvent, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var (
		priorContent []byte
		syncRevision int64
	)
	err = tx.QueryRow(ctx, `SELECT content, sync_revision FROM documents WHERE id = $1 FOR UPDATE`, doc.ID).Scan(&priorContent, &syncRevision)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil, ErrNotFound
		}
		return nil, nil, fmt.Errorf("lock document: %w", err)
	}

	// The loser's content is preserved as forward_patch so the conflict is
	// inspectable later (spec §4.2, §3): the server's prior state, not a
	// diff, since there is no shared base to diff against.
	if _, err := insertEvent(ctx, tx, doc.ID, doc.UserID, model.OpCreate, syncRevision, false, priorContent, nil); err != nil {
		return nil, nil, err
	}

	contentBytes, err := json.Marshal(doc.Content)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal content: %w", err)
	}

	newRevision := syncRevision + 1
	now := time.Now().UTC()
	_, err = tx.Exec(ctx, `UPDATE documents SET user_id = $1, content = $2, content_hash = $3, title = $4, sync_revision = $5, updated_at = $6, deleted_at = NULL WHERE id = $7`,
		doc.UserID, contentBytes, doc.ContentHash, doc.Title, newRevision, now, doc.ID)
	if err != nil {
		return nil, nil, fmt.Errorf("overwrite document: %w", err)
	}

	event, err := insertEvent(ctx, tx, doc.ID, doc.UserID, model.OpCreate, newRevision, true, nil, nil)
	if err != nil {
		return nil, nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, nil, fmt.Errorf("commit transaction: %w", err)
	}

	updated, err := s.GetDocument(ctx, doc.ID)
	if err != nil {
		return nil, nil, err
	}
	return updated, event, nil
}

// UpdateDocumentAndLogEvent applies newContent on top of the document
// identified by id, enforcing optimistic concurrency: expectedHash must
// equal the server's current content_hash or the call fails with
// ErrVersionMismatch (wrapped in *VersionConflict, which carries the
// server's authoritative copy for last-write-wins resolution, spec §8
// invariant 2). On success sync_revision is incremented and applied=true is
// logged with forward and its derived reverse patch (spec §4.3's
// ReversePatch, spec §6's forward_patch/reverse_patch columns); on
// conflict, applied=false is logged with the attempted forward patch so the
// attempt is still auditable (spec §6).
func (s *Store) UpdateDocumentAndLogEvent(ctx context.Context, id, userID, expectedHash string, forward patch.Patch, newContent interface{}, newHash, newTitle string) (*model.Document, *model.ChangeEvent, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	forwardBytes, err := json.Marshal(forward)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal forward patch: %w", err)
	}

	var (
		currentContentBytes []byte
		currentHash         string
		syncRevision        int64
		deletedAt           *time.Time
	)
	err = tx.QueryRow(ctx, `SELECT content, content_hash, sync_revision, deleted_at FROM documents WHERE id = $1 AND user_id = $2 FOR UPDATE`, id, userID).
		Scan(&currentContentBytes, &currentHash, &syncRevision, &deletedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil, ErrNotFound
		}
		return nil, nil, fmt.Errorf("lock document: %w", err)
	}
	if deletedAt != nil {
		return nil, nil, ErrNotFound
	}

	if currentHash != expectedHash {
		var currentContent interface{}
		if err := json.Unmarshal(currentContentBytes, &currentContent); err != nil {
			return nil, nil, fmt.Errorf("unmarshal current content: %w", err)
		}
		if _, err := insertEvent(ctx, tx, id, userID, model.OpUpdate, syncRevision, false, forwardBytes, nil); err != nil {
			return nil, nil, err
		}
		if err := tx.Commit(ctx); err != nil {
			return nil, nil, fmt.Errorf("commit transaction: %w", err)
		}
		return nil, nil, &VersionConflict{DocumentID: id, Expected: expectedHash, Actual: currentHash, ServerDoc: currentContent, SyncRevision: syncRevision}
	}

	var currentContent interface{}
	if err := json.Unmarshal(currentContentBytes, &currentContent); err != nil {
		return nil, nil, fmt.Errorf("unmarshal current content: %w", err)
	}
	reverse, err := patch.ReversePatch(currentContent, newContent)
	if err != nil {
		return nil, nil, fmt.Errorf("compute reverse patch: %w", err)
	}
	reverseBytes, err := json.Marshal(reverse)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal reverse patch: %w", err)
	}

	contentBytes, err := json.Marshal(newContent)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal content: %w", err)
	}

	now := time.Now().UTC()
	newRevision := syncRevision + 1
	_, err = tx.Exec(ctx, `UPDATE documents SET content = $1, content_hash = $2, title = $3, sync_revision = $4, updated_at = $5 WHERE id = $6`,
		contentBytes, newHash, newTitle, newRevision, now, id)
	if err != nil {
		return nil, nil, fmt.Errorf("update document: %w", err)
	}

	event, err := insertEvent(ctx, tx, id, userID, model.OpUpdate, newRevision, true, forwardBytes, reverseBytes)
	if err != nil {
		return nil, nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, nil, fmt.Errorf("commit transaction: %w", err)
	}

	updated, err := s.GetDocument(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	return updated, event, nil
}

// DeleteDocumentAndLogEvent soft-deletes a document (sets deleted_at) and
// logs the deletion event, atomically.
func (s *Store) DeleteDocumentAndLogEvent(ctx context.Context, id, userID string) (*model.ChangeEvent, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var (
		priorContent []byte
		syncRevision int64
	)
	err = tx.QueryRow(ctx, `SELECT content, sync_revision FROM documents WHERE id = $1 AND user_id = $2 AND deleted_at IS NULL FOR UPDATE`, id, userID).
		Scan(&priorContent, &syncRevision)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("lock document: %w", err)
	}

	now := time.Now().UTC()
	if _, err := tx.Exec(ctx, `UPDATE documents SET deleted_at = $1, updated_at = $1 WHERE id = $2`, now, id); err != nil {
		return nil, fmt.Errorf("soft delete document: %w", err)
	}

	// The full pre-delete document is preserved as reverse_patch (spec
	// §4.2) so a deletion can be inspected or restored later.
	event, err := insertEvent(ctx, tx, id, userID, model.OpDelete, syncRevision, true, nil, priorContent)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}
	return event, nil
}

// GetChangesSince returns every applied change event for userID with
// sequence strictly greater than since, oldest first (spec §4.2/§8
// supplemented resync path).
func (s *Store) GetChangesSince(ctx context.Context, userID string, since int64) ([]*model.ChangeEvent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT sequence, document_id, user_id, operation_type, sync_revision, forward_patch, reverse_patch, applied, created_at
		FROM change_events
		WHERE user_id = $1 AND sequence > $2 AND applied = true
		ORDER BY sequence
	`, userID, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.ChangeEvent
	for rows.Next() {
		e, err := scanChangeEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// GetUnappliedChanges returns every conflict-loser event logged for
// documentID (applied=false), oldest first, so a loser's preserved content
// can be inspected later (spec §4.5).
func (s *Store) GetUnappliedChanges(ctx context.Context, documentID string) ([]*model.ChangeEvent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT sequence, document_id, user_id, operation_type, sync_revision, forward_patch, reverse_patch, applied, created_at
		FROM change_events
		WHERE document_id = $1 AND applied = false
		ORDER BY sequence
	`, documentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.ChangeEvent
	for rows.Next() {
		e, err := scanChangeEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// GetLatestSequence returns the highest change_events.sequence for userID,
// or 0 if the user has no events yet.
func (s *Store) GetLatestSequence(ctx context.Context, userID string) (int64, error) {
	var seq int64
	err := s.pool.QueryRow(ctx, `SELECT COALESCE(MAX(sequence), 0) FROM change_events WHERE user_id = $1`, userID).Scan(&seq)
	return seq, err
}

// DocumentCount returns the number of non-deleted documents across every
// user, for operational reporting (spec §8).
func (s *Store) DocumentCount(ctx context.Context) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM documents WHERE deleted_at IS NULL`).Scan(&n)
	return n, err
}

type row interface {
	Scan(dest ...interface{}) error
}

func scanDocument(r row) (*model.Document, error) {
	var doc model.Document
	var contentBytes []byte
	if err := r.Scan(&doc.ID, &doc.UserID, &contentBytes, &doc.SyncRevision, &doc.ContentHash, &doc.Title, &doc.CreatedAt, &doc.UpdatedAt, &doc.DeletedAt); err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if err := json.Unmarshal(contentBytes, &doc.Content); err != nil {
		return nil, fmt.Errorf("unmarshal content: %w", err)
	}
	return &doc, nil
}

// scanChangeEvent reads one change_events row, including its nullable
// forward_patch/reverse_patch JSONB columns (nil when the column is NULL).
func scanChangeEvent(r row) (*model.ChangeEvent, error) {
	var (
		e                model.ChangeEvent
		forward, reverse []byte
	)
	if err := r.Scan(&e.Sequence, &e.DocumentID, &e.UserID, &e.OperationType, &e.SyncRevision, &forward, &reverse, &e.Applied, &e.CreatedAt); err != nil {
		return nil, err
	}
	e.ForwardPatch = json.RawMessage(forward)
	e.ReversePatch = json.RawMessage(reverse)
	return &e, nil
}

func insertEvent(ctx context.Context, tx pgx.Tx, documentID, userID string, opType model.OperationKind, syncRevision int64, applied bool, forward, reverse []byte) (*model.ChangeEvent, error) {
	e := &model.ChangeEvent{
		DocumentID:    documentID,
		UserID:        userID,
		OperationType: opType,
		SyncRevision:  syncRevision,
		ForwardPatch:  json.RawMessage(forward),
		ReversePatch:  json.RawMessage(reverse),
		Applied:       applied,
		CreatedAt:     time.Now().UTC(),
	}
	err := tx.QueryRow(ctx, `
		INSERT INTO change_events (document_id, user_id, operation_type, sync_revision, forward_patch, reverse_patch, applied, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING sequence
	`, e.DocumentID, e.UserID, e.OperationType, e.SyncRevision, forward, reverse, e.Applied, e.CreatedAt).Scan(&e.Sequence)
	if err != nil {
		return nil, fmt.Errorf("insert change event: %w", err)
	}
	return e, nil
}
