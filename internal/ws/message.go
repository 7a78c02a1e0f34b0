package ws

import (
	"time"

	"collab-engine/internal/comment"
	"collab-engine/internal/session"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// ClientMessage is the single inbound envelope. Type selects which payload
// fields are meaningful; ValidateFor checks the ones the type requires.
type ClientMessage struct {
	Type string `json:"type" validate:"required,oneof=sync_ack operation presence_update comment_create comment_resolve heartbeat resync save leave"`

	// operation
	BaseRevision uint64 `json:"base_revision"`
	ClientID     string `json:"client_id"`
	OperationID  uint64 `json:"operation_id"`
	Kind         string `json:"kind"`
	Position     int    `json:"position"`
	Body         string `json:"body,omitempty"`
	Length       int    `json:"length,omitempty"`

	// presence_update
	Presence *session.PresenceUpdate `json:"presence,omitempty"`

	// comment_create / comment_resolve
	Content     string `json:"content,omitempty"`
	AnchorStart int    `json:"anchor_start,omitempty"`
	AnchorEnd   int    `json:"anchor_end,omitempty"`
	ParentID    string `json:"parent_id,omitempty"`
	CommentID   string `json:"comment_id,omitempty"`

	// resync
	SinceRevision uint64 `json:"since_revision"`

	// save
	ChangeDescription string `json:"change_description,omitempty"`
}

// operationFields narrows validation for edit submissions.
type operationFields struct {
	ClientID    string `validate:"required"`
	OperationID uint64 `validate:"required,gt=0"`
	Kind        string `validate:"required,oneof=insert delete"`
	Position    int    `validate:"gte=0"`
}

// ValidateFor checks the envelope and the payload the message type needs.
func (m *ClientMessage) ValidateFor() error {
	if err := validate.Struct(m); err != nil {
		return err
	}
	switch m.Type {
	case "operation":
		return validate.Struct(operationFields{
			ClientID:    m.ClientID,
			OperationID: m.OperationID,
			Kind:        m.Kind,
			Position:    m.Position,
		})
	case "presence_update":
		if m.Presence == nil {
			return validate.Var(m.Presence, "required")
		}
	case "comment_create":
		return validate.Var(m.Content, "required")
	case "comment_resolve":
		return validate.Var(m.CommentID, "required")
	}
	return nil
}

// SyncMessage is the full state frame sent right after the transport opens
// and on request when a client's revision fell off retained history.
type SyncMessage struct {
	Type        string            `json:"type"` // "sync"
	DocumentID  string            `json:"document_id"`
	SessionID   string            `json:"session_id"`
	Revision    uint64            `json:"revision"`
	Content     string            `json:"content"`
	Comments    []comment.Comment `json:"comments"`
	Sessions    []session.Session `json:"sessions"`
	ServerClock time.Time         `json:"server_clock"`
}

// AckMessage confirms the sender's own operation with its commit revision.
// Duplicates are re-acked with the current head and Duplicate set.
type AckMessage struct {
	Type        string `json:"type"` // "operation_ack"
	OperationID uint64 `json:"operation_id"`
	Revision    uint64 `json:"revision"`
	Duplicate   bool   `json:"duplicate,omitempty"`
}

// BroadcastOp is one committed primitive as seen by everyone else.
type BroadcastOp struct {
	Revision uint64 `json:"revision"`
	AuthorID uint64 `json:"author_id,omitempty"`
	Kind     string `json:"kind"`
	Position int    `json:"position"`
	Body     string `json:"body,omitempty"`
	Length   int    `json:"length,omitempty"`
}

// OpBroadcastMessage pushes committed operations to the other sessions of a
// document. A stale submission may carry several primitives (a split delete).
type OpBroadcastMessage struct {
	Type       string        `json:"type"` // "operation_broadcast"
	DocumentID string        `json:"document_id"`
	AuthorID   uint64        `json:"author_id"`
	SessionID  string        `json:"session_id,omitempty"`
	Ops        []BroadcastOp `json:"ops"`
}

// PresenceBroadcastMessage carries one session's presence to its peers.
type PresenceBroadcastMessage struct {
	Type       string          `json:"type"` // "presence_broadcast"
	DocumentID string          `json:"document_id"`
	Session    session.Session `json:"session"`
}

// SessionListMessage announces the current broadcast set after membership
// changes.
type SessionListMessage struct {
	Type       string            `json:"type"` // "session_list"
	DocumentID string            `json:"document_id"`
	Sessions   []session.Session `json:"sessions"`
}

// CommentBroadcastMessage announces a created, resolved, or repositioned
// comment thread.
type CommentBroadcastMessage struct {
	Type       string          `json:"type"` // "comment_broadcast"
	DocumentID string          `json:"document_id"`
	Event      string          `json:"event"` // "created", "resolved"
	Comment    comment.Comment `json:"comment"`
}

// SavedMessage confirms a manual snapshot requested over the socket.
type SavedMessage struct {
	Type          string `json:"type"` // "saved"
	DocumentID    string `json:"document_id"`
	VersionNumber uint64 `json:"version_number"`
	Revision      uint64 `json:"revision"`
}

// ErrorMessage reports a recoverable failure. Code "resync_required" tells
// the client its revision predates retained history and it must request a
// full sync; "operation_rejected" means the submitted operation was dropped.
type ErrorMessage struct {
	Type        string `json:"type"` // "error"
	Code        string `json:"code"`
	Message     string `json:"message"`
	OperationID uint64 `json:"operation_id,omitempty"`
}
