package sync

import "github.com/cadmusapp/cadmus/backend/internal/ot"

// Notification types pushed over the subscription stream.
const (
	// First message after subscribing, carries the full snapshot
	NotifyConnected = "connected"

	// An accepted edit batch (or reset), with the resulting content
	NotifyContentUpdate = "content_update"

	// Periodic liveness signal, no payload
	NotifyHeartbeat = "heartbeat"
)

// Edit is the wire form of one accepted or submitted edit.
type Edit struct {
	ID       string  `json:"id"`
	ClientID string  `json:"clientId,omitempty"`
	Ops      []ot.Op `json:"ops"`
}

// Notification is one message on the push stream.
type Notification struct {
	Type      string `json:"type"`
	Content   string `json:"content,omitempty"`
	Edits     []Edit `json:"edits,omitempty"`
	Version   int    `json:"version,omitempty"`
	ClientID  string `json:"clientId,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
}

// SubmitRequest is the body of an edit submission. Either Edits carries op
// lists, or Content carries a full replacement that the server diffs against
// the current content before appending.
type SubmitRequest struct {
	Edits    []Edit  `json:"edits,omitempty"`
	Content  *string `json:"content,omitempty"`
	Version  *int    `json:"version"`
	ClientID string  `json:"clientId,omitempty"`
}

// SubmitResponse is returned for an accepted submission.
type SubmitResponse struct {
	Version int    `json:"version"`
	Content string `json:"content"`
}

// ConflictResponse is returned with HTTP 409 when the submitted version does
// not match the log, carrying what the caller needs to reconcile.
type ConflictResponse struct {
	Error          string `json:"error"`
	CurrentVersion int    `json:"currentVersion"`
	CurrentContent string `json:"currentContent"`
}

// EditsResponse answers an edits-since fetch. When the requested range has
// been compacted away, Edits is nil and Content carries a full snapshot.
type EditsResponse struct {
	Edits   []Edit  `json:"edits,omitempty"`
	Content *string `json:"content,omitempty"`
	Version int     `json:"version"`
}

// DocumentResponse is the current snapshot.
type DocumentResponse struct {
	Content string `json:"content"`
	Version int    `json:"version"`
}
