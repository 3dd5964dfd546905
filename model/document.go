// Package model holds the data types shared across the client engine, the
// server handler, and both stores (spec §3).
package model

import "time"

// SyncStatus is the client-local reconciliation state of a document. It has
// no meaning on the server, which is always authoritative for its own copy.
type SyncStatus string

const (
	StatusSynced   SyncStatus = "synced"
	StatusPending  SyncStatus = "pending"
	StatusConflict SyncStatus = "conflict"
)

// Document is the unit of replication: a JSON value with identity, version,
// and ownership metadata.
//
// Invariants (spec §3): the server is the sole authority for SyncRevision; a
// newly created document has SyncRevision == 1; ContentHash, when present,
// equals SHA-256 of the serialized Content at the moment of writing;
// DeletedAt transitions from nil to set and is never cleared.
type Document struct {
	ID           string
	UserID       string
	Content      interface{}
	SyncRevision int64
	ContentHash  string
	Title        string
	CreatedAt    time.Time
	UpdatedAt    time.Time
	DeletedAt    *time.Time
}

// IsDeleted reports whether the document has been soft-deleted.
func (d *Document) IsDeleted() bool {
	return d.DeletedAt != nil
}

// DeriveTitle returns the first <=128 chars of content.title if present as
// a string, otherwise a timestamp fallback (spec §3).
func DeriveTitle(content interface{}, fallback time.Time) string {
	if m, ok := content.(map[string]interface{}); ok {
		if raw, ok := m["title"]; ok {
			if s, ok := raw.(string); ok && s != "" {
				if r := []rune(s); len(r) > 128 {
					return string(r[:128])
				}
				return s
			}
		}
	}
	return fallback.UTC().Format(time.RFC3339)
}
