// Package protocol defines the wire messages exchanged between client and
// server over a reliable, ordered, bidirectional JSON byte stream (the
// reference transport is WebSocket), and the envelope that carries them.
package protocol

import "docsync/patch"

// Type discriminates the payload carried in an Envelope.
type Type string

// Client -> server message kinds.
const (
	TypeAuthenticate    Type = "authenticate"
	TypeCreateDocument  Type = "create_document"
	TypeUpdateDocument  Type = "update_document"
	TypeDeleteDocument  Type = "delete_document"
	TypeRequestSync     Type = "request_sync"
	TypeRequestFullSync Type = "request_full_sync"
	TypeGetChangesSince Type = "get_changes_since"
	TypeAckChanges      Type = "ack_changes"
	TypePing            Type = "ping"
)

// Server -> client message kinds.
const (
	TypeAuthSuccess             Type = "auth_success"
	TypeAuthError               Type = "auth_error"
	TypeDocumentCreated         Type = "document_created"
	TypeDocumentUpdated         Type = "document_updated"
	TypeDocumentDeleted         Type = "document_deleted"
	TypeSyncDocument            Type = "sync_document"
	TypeSyncComplete            Type = "sync_complete"
	TypeConflictDetected        Type = "conflict_detected"
	TypeDocumentCreatedResponse Type = "document_created_response"
	TypeDocumentUpdatedResponse Type = "document_updated_response"
	TypeDocumentDeletedResponse Type = "document_deleted_response"
	TypeError                   Type = "error"
	TypePong                    Type = "pong"
)

// ErrorCode is the server's error taxonomy as sent on the wire.
type ErrorCode string

const (
	ErrorCodeInvalidAuth     ErrorCode = "InvalidAuth"
	ErrorCodeInvalidPatch    ErrorCode = "InvalidPatch"
	ErrorCodeVersionMismatch ErrorCode = "VersionMismatch"
	ErrorCodeRateLimit       ErrorCode = "RateLimit"
	ErrorCodeServerError     ErrorCode = "ServerError"
)

// DocumentView is the over-the-wire representation of a document: the
// engine-internal store record minus any server-only bookkeeping fields.
type DocumentView struct {
	ID            string      `json:"id"`
	UserID        string      `json:"user_id"`
	Content       interface{} `json:"content"`
	SyncRevision  int64       `json:"sync_revision"`
	ContentHash   string      `json:"content_hash,omitempty"`
	Title         string      `json:"title,omitempty"`
	CreatedAt     int64       `json:"created_at"`
	UpdatedAt     int64       `json:"updated_at"`
	DeletedAtUnix int64       `json:"deleted_at,omitempty"`
}

// --- client -> server payloads ---

type Authenticate struct {
	Email     string `json:"email"`
	ClientID  string `json:"client_id"`
	APIKey    string `json:"api_key,omitempty"`
	Signature string `json:"signature,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

type CreateDocument struct {
	Document DocumentView `json:"document"`
}

type UpdateDocument struct {
	Patch patch.DocumentPatch `json:"patch"`
}

type DeleteDocument struct {
	DocumentID string `json:"document_id"`
}

type RequestSync struct {
	DocumentIDs []string `json:"document_ids"`
}

type RequestFullSync struct{}

type GetChangesSince struct {
	SinceSeq int64 `json:"since_seq"`
}

type AckChanges struct {
	UpToSeq int64 `json:"up_to_seq"`
}

type Ping struct{}

// --- server -> client payloads ---

type AuthSuccess struct {
	SessionID string `json:"session_id"`
}

type AuthError struct {
	Reason string `json:"reason"`
}

type DocumentCreated struct {
	Document DocumentView `json:"document"`
}

type DocumentUpdated struct {
	Patch patch.DocumentPatch `json:"patch"`
}

type DocumentDeleted struct {
	DocumentID string `json:"document_id"`
}

type SyncDocument struct {
	Document DocumentView `json:"document"`
}

type SyncComplete struct {
	SyncedCount int `json:"synced_count"`
}

type ConflictDetected struct {
	DocumentID string `json:"document_id"`
	Reason     string `json:"reason,omitempty"`
}

type DocumentCreatedResponse struct {
	DocumentID string `json:"document_id"`
	Success    bool   `json:"success"`
	Error      string `json:"error,omitempty"`
}

type DocumentUpdatedResponse struct {
	DocumentID   string `json:"document_id"`
	Success      bool   `json:"success"`
	Error        string `json:"error,omitempty"`
	SyncRevision int64  `json:"sync_revision,omitempty"`
}

type DocumentDeletedResponse struct {
	DocumentID string `json:"document_id"`
	Success    bool   `json:"success"`
	Error      string `json:"error,omitempty"`
}

type ErrorMessage struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

type Pong struct{}
