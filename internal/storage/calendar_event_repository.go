package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/daybook/calsync/internal/storage/models"
)

// CalendarEventRepository provides data access for synchronized events.
type CalendarEventRepository struct {
	BaseRepository
}

// NewCalendarEventRepository creates a new calendar event repository.
func NewCalendarEventRepository(db *DB) *CalendarEventRepository {
	return &CalendarEventRepository{
		BaseRepository: NewBaseRepository(db),
	}
}

// deleteBatchSize keeps IN lists well under SQLite's bound parameter limit.
const deleteBatchSize = 500

// FindCalendarEvents returns the events of userID from source whose start
// lies in [start, end], ordered by start.
func (r *CalendarEventRepository) FindCalendarEvents(ctx context.Context, userID, source string, start, end time.Time) ([]models.CalendarEvent, error) {
	rows, err := r.DB().QueryContext(ctx, `
		SELECT id, user_id, source, external_uid, title, starts_at, ends_at,
		       is_all_day, location, description, created_at, updated_at
		FROM calendar_events
		WHERE user_id = ? AND source = ? AND starts_at >= ? AND starts_at <= ?
		ORDER BY starts_at, id
	`, userID, source, start.UTC(), end.UTC())
	if err != nil {
		return nil, fmt.Errorf("querying calendar events: %w", err)
	}
	defer rows.Close()

	var events []models.CalendarEvent
	for rows.Next() {
		var e models.CalendarEvent
		if err := rows.Scan(
			&e.ID, &e.UserID, &e.Source, &e.ExternalUID, &e.Title, &e.StartsAt, &e.EndsAt,
			&e.IsAllDay, &e.Location, &e.Description, &e.CreatedAt, &e.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scanning calendar event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// CreateCalendarEvent inserts e, assigning its ID and timestamps.
func (r *CalendarEventRepository) CreateCalendarEvent(ctx context.Context, e *models.CalendarEvent) error {
	e.ID = GenerateID()
	e.CreatedAt = r.Now()
	e.UpdatedAt = e.CreatedAt

	_, err := r.DB().ExecContext(ctx, `
		INSERT INTO calendar_events (
			id, user_id, source, external_uid, title, starts_at, ends_at,
			is_all_day, location, description, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		e.ID, e.UserID, e.Source, e.ExternalUID, e.Title, e.StartsAt.UTC(), e.EndsAt.UTC(),
		e.IsAllDay, e.Location, e.Description, e.CreatedAt, e.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting calendar event: %w", err)
	}
	return nil
}

// UpdateCalendarEvent rewrites the display fields of existing in place and
// mirrors the change onto the passed struct.
func (r *CalendarEventRepository) UpdateCalendarEvent(ctx context.Context, existing *models.CalendarEvent, f models.CalendarEventFields) error {
	now := r.Now()
	result, err := r.DB().ExecContext(ctx, `
		UPDATE calendar_events SET
			title = ?, ends_at = ?, is_all_day = ?, location = ?, description = ?, updated_at = ?
		WHERE id = ?
	`, f.Title, f.EndsAt.UTC(), f.IsAllDay, f.Location, f.Description, now, existing.ID)
	if err != nil {
		return fmt.Errorf("updating calendar event: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("calendar event not found: %s", existing.ID)
	}

	existing.Title = f.Title
	existing.EndsAt = f.EndsAt
	existing.IsAllDay = f.IsAllDay
	existing.Location = f.Location
	existing.Description = f.Description
	existing.UpdatedAt = now
	return nil
}

// DeleteCalendarEventsByIDs removes the given rows in one transaction and
// reports how many were deleted.
func (r *CalendarEventRepository) DeleteCalendarEventsByIDs(ctx context.Context, ids []string) (int, error) {
	deleted := 0
	err := r.Transaction(ctx, func(tx *sql.Tx) error {
		for rest := ids; len(rest) > 0; {
			batch := rest[:min(len(rest), deleteBatchSize)]
			rest = rest[len(batch):]

			n, err := deleteByIDs(ctx, tx, batch)
			if err != nil {
				return err
			}
			deleted += n
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("deleting calendar events: %w", err)
	}
	return deleted, nil
}

func deleteByIDs(ctx context.Context, q Queryable, ids []string) (int, error) {
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	result, err := q.ExecContext(ctx, "DELETE FROM calendar_events WHERE id IN ("+placeholders+")", args...)
	if err != nil {
		return 0, err
	}
	n, _ := result.RowsAffected()
	return int(n), nil
}

// DeleteCalendarEventsOutsideRange prunes events of userID from source whose
// start lies before start or after end.
func (r *CalendarEventRepository) DeleteCalendarEventsOutsideRange(ctx context.Context, userID, source string, start, end time.Time) (int, error) {
	result, err := r.DB().ExecContext(ctx, `
		DELETE FROM calendar_events
		WHERE user_id = ? AND source = ? AND (starts_at < ? OR starts_at > ?)
	`, userID, source, start.UTC(), end.UTC())
	if err != nil {
		return 0, fmt.Errorf("pruning calendar events: %w", err)
	}
	n, _ := result.RowsAffected()
	return int(n), nil
}
