package serverstore

import (
	"context"

	"docsync/model"
	"docsync/patch"
)

// DocumentStore is the server's dependency on durable document storage. The
// sync handler (package server) depends on this interface rather than on
// *Store directly so that tests can substitute *MemStore (spec §8: the
// handler's conflict/broadcast logic is tested without a live Postgres).
type DocumentStore interface {
	GetDocument(ctx context.Context, id string) (*model.Document, error)
	ListUserDocuments(ctx context.Context, userID string) ([]*model.Document, error)
	CreateDocumentAndLogEvent(ctx context.Context, doc *model.Document) (*model.ChangeEvent, error)
	OverwriteDocumentAndLogEvent(ctx context.Context, doc *model.Document) (*model.Document, *model.ChangeEvent, error)
	UpdateDocumentAndLogEvent(ctx context.Context, id, userID, expectedHash string, forward patch.Patch, newContent interface{}, newHash, newTitle string) (*model.Document, *model.ChangeEvent, error)
	DeleteDocumentAndLogEvent(ctx context.Context, id, userID string) (*model.ChangeEvent, error)
	GetChangesSince(ctx context.Context, userID string, since int64) ([]*model.ChangeEvent, error)
	GetUnappliedChanges(ctx context.Context, documentID string) ([]*model.ChangeEvent, error)
	GetLatestSequence(ctx context.Context, userID string) (int64, error)
	DocumentCount(ctx context.Context) (int64, error)
}
