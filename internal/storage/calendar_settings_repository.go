package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/daybook/calsync/internal/storage/models"
)

// CalendarSettingsRepository provides data access for the calendar sync
// namespace of user profiles.
type CalendarSettingsRepository struct {
	BaseRepository
}

// NewCalendarSettingsRepository creates a new calendar settings repository.
func NewCalendarSettingsRepository(db *DB) *CalendarSettingsRepository {
	return &CalendarSettingsRepository{
		BaseRepository: NewBaseRepository(db),
	}
}

const settingsColumns = `
	cs.user_id, cs.enabled, cs.source_url, cs.sync_interval_preset, cs.last_synced_at,
	cs.last_sync_error, cs.entity_tag, cs.last_modified, cs.sync_locked_at, cs.updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSettings(row rowScanner, extra ...any) (*models.CalendarSettings, error) {
	s := &models.CalendarSettings{}
	dest := []any{
		&s.UserID, &s.Enabled, &s.SourceURL, &s.SyncIntervalPreset, &s.LastSyncedAt,
		&s.LastSyncError, &s.EntityTag, &s.LastModified, &s.SyncLockedAt, &s.UpdatedAt,
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return nil, err
	}
	return s, nil
}

// FindUserSettings returns the calendar settings of a user, or nil if the
// user never configured calendar sync.
func (r *CalendarSettingsRepository) FindUserSettings(ctx context.Context, userID string) (*models.CalendarSettings, error) {
	row := r.DB().QueryRowContext(ctx, `
		SELECT `+settingsColumns+`
		FROM calendar_settings cs WHERE cs.user_id = ?
	`, userID)

	s, err := scanSettings(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying calendar settings: %w", err)
	}
	return s, nil
}

// FindUsersWithCalendarSettings returns every user that has a settings
// record, enabled or not. Due filtering happens in the caller.
func (r *CalendarSettingsRepository) FindUsersWithCalendarSettings(ctx context.Context) ([]models.UserCalendar, error) {
	rows, err := r.DB().QueryContext(ctx, `
		SELECT `+settingsColumns+`, u.email
		FROM calendar_settings cs
		JOIN users u ON u.id = cs.user_id
		ORDER BY cs.last_synced_at ASC NULLS FIRST, cs.user_id
	`)
	if err != nil {
		return nil, fmt.Errorf("querying calendar settings: %w", err)
	}
	defer rows.Close()

	var users []models.UserCalendar
	for rows.Next() {
		var email string
		s, err := scanSettings(rows, &email)
		if err != nil {
			return nil, fmt.Errorf("scanning calendar settings: %w", err)
		}
		users = append(users, models.UserCalendar{UserID: s.UserID, Email: email, Settings: *s})
	}
	return users, rows.Err()
}

// CreateIfMissing inserts a default settings record for userID. Existing
// records are left alone.
func (r *CalendarSettingsRepository) CreateIfMissing(ctx context.Context, userID string) error {
	_, err := r.DB().ExecContext(ctx, `
		INSERT INTO calendar_settings (user_id, sync_interval_preset, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(user_id) DO NOTHING
	`, userID, models.SyncInterval1h, r.Now())
	if err != nil {
		return fmt.Errorf("inserting calendar settings: %w", err)
	}
	return nil
}

// UpdateUserSettings writes only the fields set in upd. Columns outside the
// update, and every other part of the user profile, are untouched.
func (r *CalendarSettingsRepository) UpdateUserSettings(ctx context.Context, userID string, upd models.CalendarSettingsUpdate) error {
	var sets []string
	var args []any

	if upd.Enabled != nil {
		sets = append(sets, "enabled = ?")
		args = append(args, *upd.Enabled)
	}
	if upd.SourceURL != nil {
		sets = append(sets, "source_url = ?")
		args = append(args, *upd.SourceURL)
	}
	if upd.SyncIntervalPreset != nil {
		sets = append(sets, "sync_interval_preset = ?")
		args = append(args, string(*upd.SyncIntervalPreset))
	}
	if upd.LastSyncedAt != nil {
		sets = append(sets, "last_synced_at = ?")
		if upd.LastSyncedAt.IsZero() {
			args = append(args, nil)
		} else {
			args = append(args, upd.LastSyncedAt.UTC())
		}
	}
	if upd.LastSyncError != nil {
		sets = append(sets, "last_sync_error = ?")
		args = append(args, nullString(*upd.LastSyncError))
	}
	if upd.EntityTag != nil {
		sets = append(sets, "entity_tag = ?")
		args = append(args, nullString(*upd.EntityTag))
	}
	if upd.LastModified != nil {
		sets = append(sets, "last_modified = ?")
		args = append(args, nullString(*upd.LastModified))
	}
	if len(sets) == 0 {
		return nil
	}

	sets = append(sets, "updated_at = ?")
	args = append(args, r.Now(), userID)

	result, err := r.DB().ExecContext(ctx,
		"UPDATE calendar_settings SET "+strings.Join(sets, ", ")+" WHERE user_id = ?", args...)
	if err != nil {
		return fmt.Errorf("updating calendar settings: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("calendar settings not found: %s", userID)
	}
	return nil
}

// TryLock claims the sync lock of userID. The claim succeeds when no lock
// is held or the held lock was taken before staleBefore. Check and claim
// are a single conditional UPDATE, so concurrent callers in any process see
// exactly one winner.
func (r *CalendarSettingsRepository) TryLock(ctx context.Context, userID string, now, staleBefore time.Time) (bool, error) {
	result, err := r.DB().ExecContext(ctx, `
		UPDATE calendar_settings SET sync_locked_at = ?
		WHERE user_id = ? AND (sync_locked_at IS NULL OR sync_locked_at < ?)
	`, now.UTC(), userID, staleBefore.UTC())
	if err != nil {
		return false, fmt.Errorf("claiming sync lock: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claiming sync lock: %w", err)
	}
	return n == 1, nil
}

// Unlock clears the sync lock of userID unconditionally.
func (r *CalendarSettingsRepository) Unlock(ctx context.Context, userID string) error {
	if _, err := r.DB().ExecContext(ctx,
		"UPDATE calendar_settings SET sync_locked_at = NULL WHERE user_id = ?", userID); err != nil {
		return fmt.Errorf("releasing sync lock: %w", err)
	}
	return nil
}
