package websocket

import (
	"log/slog"

	"github.com/daybook/calsync/internal/storage/models"
)

// EventBroadcaster turns sync outcomes into messages for every connected
// client. It satisfies calendar.Notifier.
type EventBroadcaster struct {
	hub *Hub
}

// NewEventBroadcaster creates a broadcaster on hub.
func NewEventBroadcaster(hub *Hub) *EventBroadcaster {
	return &EventBroadcaster{hub: hub}
}

// SyncCompleted announces a successful sync.
func (b *EventBroadcaster) SyncCompleted(r models.SyncResult) {
	b.broadcast(NewMessage(TypeCalendarSyncCompleted, NewSyncCompletedPayload(r)))
}

// SyncFailed announces a failed sync. message is already redacted.
func (b *EventBroadcaster) SyncFailed(userID, message string) {
	b.broadcast(NewMessage(TypeCalendarSyncError, SyncErrorPayload{
		UserID: userID,
		Error:  message,
	}))
}

// SweepCompleted announces the end of a due-user sweep.
func (b *EventBroadcaster) SweepCompleted(s models.SweepSummary) {
	b.broadcast(NewMessage(TypeCalendarSweepCompleted, SweepPayload{
		UsersProcessed: s.UsersProcessed,
		UsersSynced:    s.UsersSynced,
		UsersSkipped:   s.UsersSkipped,
		UsersErrored:   s.UsersErrored,
		DurationMillis: s.FinishedAt.Sub(s.StartedAt).Milliseconds(),
		FinishedAt:     s.FinishedAt,
	}))
}

func (b *EventBroadcaster) broadcast(msg Message) {
	if b == nil || b.hub == nil {
		return
	}
	data, err := msg.JSON()
	if err != nil {
		slog.Error("encoding websocket message", "type", msg.Type, "error", err)
		return
	}
	b.hub.Broadcast(data)
}
