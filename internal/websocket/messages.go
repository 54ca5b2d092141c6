package websocket

import (
	"encoding/json"
	"time"

	"github.com/daybook/calsync/internal/storage/models"
)

// MessageType identifies the type of WebSocket message.
type MessageType string

const (
	// Server -> Client event types
	TypeCalendarSyncCompleted  MessageType = "calendar.sync_completed"
	TypeCalendarSyncError      MessageType = "calendar.sync_error"
	TypeCalendarSweepCompleted MessageType = "calendar.sweep_completed"

	// Client -> Server command types
	TypePing MessageType = "ping"

	// Server -> Client response types
	TypePong  MessageType = "pong"
	TypeError MessageType = "error"
)

// Message represents a WebSocket message envelope.
type Message struct {
	Type      MessageType `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Payload   any         `json:"payload,omitempty"`
}

// NewMessage creates a new message with the current timestamp.
func NewMessage(msgType MessageType, payload any) Message {
	return Message{
		Type:      msgType,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}
}

// JSON serializes the message to JSON bytes.
func (m Message) JSON() ([]byte, error) {
	return json.Marshal(m)
}

// SyncCompletedPayload is the payload for calendar.sync_completed events.
type SyncCompletedPayload struct {
	UserID             string    `json:"user_id"`
	Added              int       `json:"added"`
	Updated            int       `json:"updated"`
	Deleted            int       `json:"deleted"`
	SkippedNotModified int       `json:"skipped_not_modified"`
	SyncedAt           time.Time `json:"synced_at"`
}

// NewSyncCompletedPayload copies the counts of r.
func NewSyncCompletedPayload(r models.SyncResult) SyncCompletedPayload {
	return SyncCompletedPayload{
		UserID:             r.UserID,
		Added:              r.Added,
		Updated:            r.Updated,
		Deleted:            r.Deleted,
		SkippedNotModified: r.SkippedNotModified,
		SyncedAt:           r.SyncedAt,
	}
}

// SyncErrorPayload is the payload for calendar.sync_error events.
type SyncErrorPayload struct {
	UserID string `json:"user_id"`
	Error  string `json:"error"`
}

// SweepPayload is the payload for calendar.sweep_completed events.
type SweepPayload struct {
	UsersProcessed int       `json:"users_processed"`
	UsersSynced    int       `json:"users_synced"`
	UsersSkipped   int       `json:"users_skipped"`
	UsersErrored   int       `json:"users_errored"`
	DurationMillis int64     `json:"duration_ms"`
	FinishedAt     time.Time `json:"finished_at"`
}

// ErrorPayload answers a client message the server could not handle.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
