package serverstore

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"

	"docsync/model"
	"docsync/patch"
)

// MemStore is an in-process DocumentStore used by server package tests in
// place of a live Postgres instance. It reproduces the same optimistic
// concurrency and event-logging semantics as Store, using a snowflake node
// in place of a BIGSERIAL sequence to allocate change_events.Sequence.
type MemStore struct {
	mu     sync.Mutex
	docs   map[string]*model.Document
	events []*model.ChangeEvent
	seq    *snowflake.Node
}

// NewMemStore builds an empty in-memory store.
func NewMemStore() *MemStore {
	node, err := snowflake.NewNode(1)
	if err != nil {
		// Only fails if the machine id is out of range, which a literal 1
		// never is.
		panic(err)
	}
	return &MemStore{
		docs: make(map[string]*model.Document),
		seq:  node,
	}
}

func (m *MemStore) clone(doc *model.Document) *model.Document {
	cp := *doc
	if doc.DeletedAt != nil {
		t := *doc.DeletedAt
		cp.DeletedAt = &t
	}
	b, _ := json.Marshal(doc.Content)
	var content interface{}
	json.Unmarshal(b, &content)
	cp.Content = content
	return &cp
}

func (m *MemStore) GetDocument(ctx context.Context, id string) (*model.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.docs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return m.clone(doc), nil
}

func (m *MemStore) ListUserDocuments(ctx context.Context, userID string) ([]*model.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.Document
	for _, doc := range m.docs {
		if doc.UserID == userID && doc.DeletedAt == nil {
			out = append(out, m.clone(doc))
		}
	}
	return out, nil
}

func (m *MemStore) CreateDocumentAndLogEvent(ctx context.Context, doc *model.Document) (*model.ChangeEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.docs[doc.ID]; exists {
		return nil, ErrAlreadyExists
	}
	doc.SyncRevision = 1
	m.docs[doc.ID] = m.clone(doc)
	return m.logEvent(doc.ID, doc.UserID, model.OpCreate, doc.SyncRevision, true, nil, nil), nil
}

func (m *MemStore) OverwriteDocumentAndLogEvent(ctx context.Context, doc *model.Document) (*model.Document, *model.ChangeEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.docs[doc.ID]
	if !ok {
		return nil, nil, ErrNotFound
	}

	// The loser's content is preserved as forward_patch (spec §4.2, §3):
	// the server's prior state, not a diff, since there is no shared base.
	priorContent, _ := json.Marshal(existing.Content)
	m.logEvent(doc.ID, doc.UserID, model.OpCreate, existing.SyncRevision, false, priorContent, nil)

	existing.UserID = doc.UserID
	existing.Content = doc.Content
	existing.ContentHash = doc.ContentHash
	existing.Title = doc.Title
	existing.SyncRevision++
	existing.UpdatedAt = time.Now().UTC()
	existing.DeletedAt = nil

	event := m.logEvent(doc.ID, doc.UserID, model.OpCreate, existing.SyncRevision, true, nil, nil)
	return m.clone(existing), event, nil
}

func (m *MemStore) UpdateDocumentAndLogEvent(ctx context.Context, id, userID, expectedHash string, forward patch.Patch, newContent interface{}, newHash, newTitle string) (*model.Document, *model.ChangeEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	doc, ok := m.docs[id]
	if !ok || doc.UserID != userID || doc.DeletedAt != nil {
		return nil, nil, ErrNotFound
	}

	forwardBytes, _ := json.Marshal(forward)

	if doc.ContentHash != expectedHash {
		m.logEvent(id, userID, model.OpUpdate, doc.SyncRevision, false, forwardBytes, nil)
		return nil, nil, &VersionConflict{DocumentID: id, Expected: expectedHash, Actual: doc.ContentHash, ServerDoc: doc.Content, SyncRevision: doc.SyncRevision}
	}

	reverse, err := patch.ReversePatch(doc.Content, newContent)
	if err != nil {
		return nil, nil, err
	}
	reverseBytes, _ := json.Marshal(reverse)

	doc.Content = newContent
	doc.ContentHash = newHash
	doc.Title = newTitle
	doc.SyncRevision++
	doc.UpdatedAt = time.Now().UTC()

	event := m.logEvent(id, userID, model.OpUpdate, doc.SyncRevision, true, forwardBytes, reverseBytes)
	return m.clone(doc), event, nil
}

func (m *MemStore) DeleteDocumentAndLogEvent(ctx context.Context, id, userID string) (*model.ChangeEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.docs[id]
	if !ok || doc.UserID != userID || doc.DeletedAt != nil {
		return nil, ErrNotFound
	}
	// The full pre-delete document is preserved as reverse_patch (spec
	// §4.2) so a deletion can be inspected or restored later.
	priorContent, _ := json.Marshal(doc.Content)
	now := time.Now().UTC()
	doc.DeletedAt = &now
	doc.UpdatedAt = now
	return m.logEvent(id, userID, model.OpDelete, doc.SyncRevision, true, nil, priorContent), nil
}

func (m *MemStore) GetChangesSince(ctx context.Context, userID string, since int64) ([]*model.ChangeEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.ChangeEvent
	for _, e := range m.events {
		if e.UserID == userID && e.Sequence > since && e.Applied {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *MemStore) GetLatestSequence(ctx context.Context, userID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var max int64
	for _, e := range m.events {
		if e.UserID == userID && e.Sequence > max {
			max = e.Sequence
		}
	}
	return max, nil
}

// DocumentCount returns the number of non-deleted documents across every
// user.
func (m *MemStore) DocumentCount(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, d := range m.docs {
		if d.DeletedAt == nil {
			n++
		}
	}
	return n, nil
}

// GetUnappliedChanges returns the conflict-loser events recorded against a
// document, in the order they were logged.
func (m *MemStore) GetUnappliedChanges(ctx context.Context, documentID string) ([]*model.ChangeEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.ChangeEvent
	for _, e := range m.events {
		if e.DocumentID == documentID && !e.Applied {
			out = append(out, e)
		}
	}
	return out, nil
}

// logEvent must be called with m.mu held.
func (m *MemStore) logEvent(documentID, userID string, opType model.OperationKind, syncRevision int64, applied bool, forward, reverse []byte) *model.ChangeEvent {
	e := &model.ChangeEvent{
		Sequence:      m.seq.Generate().Int64(),
		DocumentID:    documentID,
		UserID:        userID,
		OperationType: opType,
		SyncRevision:  syncRevision,
		ForwardPatch:  json.RawMessage(forward),
		ReversePatch:  json.RawMessage(reverse),
		Applied:       applied,
		CreatedAt:     time.Now().UTC(),
	}
	m.events = append(m.events, e)
	return e
}
