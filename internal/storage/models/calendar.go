// Package models contains the domain models for the application.
package models

import (
	"time"
)

// SourceICS tags events pulled from an external ICS feed. Other origins get
// their own tag so rows never collide across sources.
const SourceICS = "ics"

// SyncIntervalPreset is one of the fixed sync cadences a user can pick.
type SyncIntervalPreset string

const (
	SyncInterval15m SyncIntervalPreset = "15m"
	SyncInterval30m SyncIntervalPreset = "30m"
	SyncInterval1h  SyncIntervalPreset = "1h"
	SyncInterval2h  SyncIntervalPreset = "2h"
	SyncInterval6h  SyncIntervalPreset = "6h"
	SyncInterval12h SyncIntervalPreset = "12h"
	SyncInterval24h SyncIntervalPreset = "24h"
)

// DefaultSyncInterval applies when a stored preset is not recognized.
const DefaultSyncInterval = time.Hour

var presetDurations = map[SyncIntervalPreset]time.Duration{
	SyncInterval15m: 15 * time.Minute,
	SyncInterval30m: 30 * time.Minute,
	SyncInterval1h:  time.Hour,
	SyncInterval2h:  2 * time.Hour,
	SyncInterval6h:  6 * time.Hour,
	SyncInterval12h: 12 * time.Hour,
	SyncInterval24h: 24 * time.Hour,
}

// Valid reports whether p is one of the known presets.
func (p SyncIntervalPreset) Valid() bool {
	_, ok := presetDurations[p]
	return ok
}

// Duration returns the interval implied by the preset, falling back to
// DefaultSyncInterval for unknown values.
func (p SyncIntervalPreset) Duration() time.Duration {
	if d, ok := presetDurations[p]; ok {
		return d
	}
	return DefaultSyncInterval
}

// CalendarSettings is the calendar sync namespace of a user's profile.
type CalendarSettings struct {
	UserID             string             `json:"user_id"`
	Enabled            bool               `json:"enabled"`
	SourceURL          string             `json:"source_url"`
	SyncIntervalPreset SyncIntervalPreset `json:"sync_interval_preset"`
	LastSyncedAt       *time.Time         `json:"last_synced_at,omitempty"`
	LastSyncError      *string            `json:"last_sync_error,omitempty"`
	EntityTag          *string            `json:"entity_tag,omitempty"`
	LastModified       *string            `json:"last_modified,omitempty"`
	SyncLockedAt       *time.Time         `json:"-"`
	UpdatedAt          time.Time          `json:"updated_at"`
}

// CalendarSettingsUpdate is a partial update of CalendarSettings. A nil field
// is left untouched; a pointer to the zero value clears the column.
type CalendarSettingsUpdate struct {
	Enabled            *bool
	SourceURL          *string
	SyncIntervalPreset *SyncIntervalPreset
	LastSyncedAt       *time.Time
	LastSyncError      *string
	EntityTag          *string
	LastModified       *string
}

// UserCalendar pairs a user with their calendar settings.
type UserCalendar struct {
	UserID   string           `json:"user_id"`
	Email    string           `json:"email"`
	Settings CalendarSettings `json:"settings"`
}

// CalendarEvent is one stored occurrence of an externally sourced event.
// Its reconciliation identity is (ExternalUID, StartsAt), not ID.
type CalendarEvent struct {
	ID          string    `json:"id"`
	UserID      string    `json:"user_id"`
	Source      string    `json:"source"`
	ExternalUID *string   `json:"external_uid,omitempty"`
	Title       string    `json:"title"`
	StartsAt    time.Time `json:"starts_at"`
	EndsAt      time.Time `json:"ends_at"`
	IsAllDay    bool      `json:"is_all_day"`
	Location    string    `json:"location,omitempty"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// CalendarEventFields holds the display fields compared and rewritten
// during reconciliation.
type CalendarEventFields struct {
	Title       string
	EndsAt      time.Time
	IsAllDay    bool
	Location    string
	Description string
}

// Fields returns the display fields of e.
func (e CalendarEvent) Fields() CalendarEventFields {
	return CalendarEventFields{
		Title:       e.Title,
		EndsAt:      e.EndsAt,
		IsAllDay:    e.IsAllDay,
		Location:    e.Location,
		Description: e.Description,
	}
}

// Equal compares display fields, treating end instants by time value.
func (f CalendarEventFields) Equal(o CalendarEventFields) bool {
	return f.Title == o.Title &&
		f.EndsAt.Equal(o.EndsAt) &&
		f.IsAllDay == o.IsAllDay &&
		f.Location == o.Location &&
		f.Description == o.Description
}

// SyncResult contains the counts of one syncUser run.
type SyncResult struct {
	UserID             string    `json:"user_id"`
	Added              int       `json:"added"`
	Updated            int       `json:"updated"`
	Deleted            int       `json:"deleted"`
	SkippedNotModified int       `json:"skipped_not_modified"`
	Error              string    `json:"error,omitempty"`
	SyncedAt           time.Time `json:"synced_at"`
}

// SweepSummary contains the outcome of a due-user sweep.
type SweepSummary struct {
	UsersProcessed int       `json:"users_processed"`
	UsersSynced    int       `json:"users_synced"`
	UsersSkipped   int       `json:"users_skipped"`
	UsersErrored   int       `json:"users_errored"`
	StartedAt      time.Time `json:"started_at"`
	FinishedAt     time.Time `json:"finished_at"`
}
