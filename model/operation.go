package model

import (
	"encoding/json"
	"time"
)

// OperationKind is the kind of mutation a pending upload, queued sync
// entry, or change event represents.
type OperationKind string

const (
	OpCreate OperationKind = "create"
	OpUpdate OperationKind = "update"
	OpDelete OperationKind = "delete"
)

// ChangeEvent is a single row of the server's append-only change log (spec
// §3, §6). Every accepted mutation, including the losing side of a
// conflict, produces exactly one event; Applied is false for a conflict
// loser so auditors can reconstruct what a client attempted even though it
// never took effect.
//
// ForwardPatch and ReversePatch are nullable JSON blobs whose shape depends
// on the event: for an Update they hold the RFC 6902 patch applied and its
// computed inverse; for the create/create conflict loser, ForwardPatch
// holds the server's prior content wholesale (spec §4.2); for a Delete,
// ReversePatch holds the full pre-delete document (spec §4.2). Either may
// be nil when the event carries no patch (a plain Create, for instance).
type ChangeEvent struct {
	Sequence      int64
	DocumentID    string
	UserID        string
	OperationType OperationKind
	SyncRevision  int64
	ForwardPatch  json.RawMessage
	ReversePatch  json.RawMessage
	Applied       bool
	CreatedAt     time.Time
}
