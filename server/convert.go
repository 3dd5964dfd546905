package server

import (
	"time"

	"docsync/model"
	"docsync/protocol"
)

func toDocumentView(doc *model.Document) protocol.DocumentView {
	v := protocol.DocumentView{
		ID:           doc.ID,
		UserID:       doc.UserID,
		Content:      doc.Content,
		SyncRevision: doc.SyncRevision,
		ContentHash:  doc.ContentHash,
		Title:        doc.Title,
		CreatedAt:    doc.CreatedAt.Unix(),
		UpdatedAt:    doc.UpdatedAt.Unix(),
	}
	if doc.DeletedAt != nil {
		v.DeletedAtUnix = doc.DeletedAt.Unix()
	}
	return v
}

func fromDocumentView(v protocol.DocumentView) *model.Document {
	doc := &model.Document{
		ID:           v.ID,
		UserID:       v.UserID,
		Content:      v.Content,
		SyncRevision: v.SyncRevision,
		ContentHash:  v.ContentHash,
		Title:        v.Title,
		CreatedAt:    time.Unix(v.CreatedAt, 0).UTC(),
		UpdatedAt:    time.Unix(v.UpdatedAt, 0).UTC(),
	}
	if v.DeletedAtUnix != 0 {
		t := time.Unix(v.DeletedAtUnix, 0).UTC()
		doc.DeletedAt = &t
	}
	return doc
}
