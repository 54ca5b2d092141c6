package calendar

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/daybook/calsync/internal/metrics"
	"github.com/daybook/calsync/internal/storage/models"
)

var (
	ErrSyncInProgress   = errors.New("calendar sync already in progress")
	ErrSettingsNotFound = errors.New("calendar settings not found")
)

// Stored error text for configuration problems.
const (
	msgNoSource = "no source configured"
	msgDisabled = "calendar sync disabled"
)

// Default retention window, in days around local midnight today.
const (
	DefaultRetentionPastDays   = 30
	DefaultRetentionFutureDays = 90
)

// FeedFetcher retrieves a feed body, honoring cached validators.
type FeedFetcher interface {
	Fetch(ctx context.Context, rawURL string, cache CacheMetadata) (*FetchResult, error)
}

// FeedParser turns feed text into occurrences, expanding recurrences into
// [from, until].
type FeedParser interface {
	Parse(raw string, from, until time.Time) []ParsedEvent
}

// SettingsStore persists the calendar settings of users, including the
// advisory sync lock.
type SettingsStore interface {
	FindUserSettings(ctx context.Context, userID string) (*models.CalendarSettings, error)
	UpdateUserSettings(ctx context.Context, userID string, upd models.CalendarSettingsUpdate) error
	FindUsersWithCalendarSettings(ctx context.Context) ([]models.UserCalendar, error)
	TryLock(ctx context.Context, userID string, now, staleBefore time.Time) (bool, error)
	Unlock(ctx context.Context, userID string) error
}

// EventStore persists synced calendar events.
type EventStore interface {
	FindCalendarEvents(ctx context.Context, userID, source string, start, end time.Time) ([]models.CalendarEvent, error)
	CreateCalendarEvent(ctx context.Context, e *models.CalendarEvent) error
	UpdateCalendarEvent(ctx context.Context, existing *models.CalendarEvent, f models.CalendarEventFields) error
	DeleteCalendarEventsByIDs(ctx context.Context, ids []string) (int, error)
	DeleteCalendarEventsOutsideRange(ctx context.Context, userID, source string, start, end time.Time) (int, error)
}

// Notifier is told about finished syncs and sweeps.
type Notifier interface {
	SyncCompleted(result models.SyncResult)
	SyncFailed(userID, message string)
	SweepCompleted(summary models.SweepSummary)
}

// SyncConfig holds the optional settings of a SyncService.
type SyncConfig struct {
	// Location is the zone whose midnight anchors the retention window.
	Location            *time.Location
	RetentionPastDays   int
	RetentionFutureDays int
	// Limiter paces users within a sweep. Nil means no pacing.
	Limiter  *rate.Limiter
	Notifier Notifier
	Now      func() time.Time
}

// SyncService reconciles each user's external feed into stored events.
type SyncService struct {
	settings SettingsStore
	events   EventStore
	fetcher  FeedFetcher
	parser   FeedParser

	loc        *time.Location
	pastDays   int
	futureDays int
	limiter    *rate.Limiter
	notifier   Notifier
	now        func() time.Time
}

// NewSyncService creates a sync service from its collaborators.
func NewSyncService(settings SettingsStore, events EventStore, fetcher FeedFetcher, parser FeedParser, cfg SyncConfig) *SyncService {
	s := &SyncService{
		settings:   settings,
		events:     events,
		fetcher:    fetcher,
		parser:     parser,
		loc:        cfg.Location,
		pastDays:   cfg.RetentionPastDays,
		futureDays: cfg.RetentionFutureDays,
		limiter:    cfg.Limiter,
		notifier:   cfg.Notifier,
		now:        cfg.Now,
	}
	if s.loc == nil {
		s.loc = time.UTC
	}
	if s.pastDays <= 0 {
		s.pastDays = DefaultRetentionPastDays
	}
	if s.futureDays <= 0 {
		s.futureDays = DefaultRetentionFutureDays
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// IsDueForSync reports whether settings call for a sync now.
func (s *SyncService) IsDueForSync(settings *models.CalendarSettings) bool {
	return isDue(settings, s.now())
}

func isDue(settings *models.CalendarSettings, now time.Time) bool {
	if settings == nil || !settings.Enabled || settings.SourceURL == "" {
		return false
	}
	if settings.LastSyncedAt == nil {
		return true
	}
	return now.Sub(*settings.LastSyncedAt) >= settings.SyncIntervalPreset.Duration()
}

// RetentionWindow returns the inclusive range of start instants kept in
// storage, anchored at local midnight of the current day.
func (s *SyncService) RetentionWindow() (start, end time.Time) {
	now := s.now().In(s.loc)
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, s.loc)
	return midnight.AddDate(0, 0, -s.pastDays).UTC(), midnight.AddDate(0, 0, s.futureDays).UTC()
}

// SyncUser runs one sync of userID's feed. The caller must hold the user's
// sync lock. Failures are stored in the user's settings and reported in the
// result, never returned.
func (s *SyncService) SyncUser(ctx context.Context, userID string) models.SyncResult {
	result := models.SyncResult{UserID: userID, SyncedAt: s.now().UTC()}

	settings, err := s.settings.FindUserSettings(ctx, userID)
	if err != nil {
		return s.fail(ctx, result, false, fmt.Sprintf("loading settings: %v", err))
	}
	if settings == nil {
		return s.fail(ctx, result, false, ErrSettingsNotFound.Error())
	}
	if settings.SourceURL == "" {
		return s.fail(ctx, result, true, msgNoSource)
	}
	if !settings.Enabled {
		return s.fail(ctx, result, true, msgDisabled)
	}

	fetched, err := s.fetcher.Fetch(ctx, settings.SourceURL, CacheMetadata{
		EntityTag:    deref(settings.EntityTag),
		LastModified: deref(settings.LastModified),
	})
	if err != nil {
		return s.fail(ctx, result, true, err.Error())
	}

	if fetched.NotModified {
		if err := s.persistSuccess(ctx, userID, result.SyncedAt, fetched); err != nil {
			return s.fail(ctx, result, true, err.Error())
		}
		result.SkippedNotModified = 1
		s.succeed(result, metrics.OutcomeNotModified)
		return result
	}

	if err := s.reconcile(ctx, userID, fetched.Body, &result); err != nil {
		return s.fail(ctx, result, true, err.Error())
	}
	if err := s.persistSuccess(ctx, userID, result.SyncedAt, fetched); err != nil {
		return s.fail(ctx, result, true, err.Error())
	}
	s.succeed(result, metrics.OutcomeSynced)
	return result
}

type occurrenceKey struct {
	uid   string
	start int64
}

func keyOf(uid string, start time.Time) occurrenceKey {
	return occurrenceKey{uid: uid, start: start.UnixMilli()}
}

// reconcile applies body to the user's stored events, accumulating counts
// into result as it goes so that a partial run still reports its work.
func (s *SyncService) reconcile(ctx context.Context, userID string, body []byte, result *models.SyncResult) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("reconciling events: %v", r)
		}
	}()

	windowStart, windowEnd := s.RetentionWindow()
	parsed := s.parser.Parse(string(body), windowStart, windowEnd)

	stored, err := s.events.FindCalendarEvents(ctx, userID, models.SourceICS, windowStart, windowEnd)
	if err != nil {
		return fmt.Errorf("loading stored events: %w", err)
	}
	byKey := make(map[occurrenceKey]*models.CalendarEvent, len(stored))
	for i := range stored {
		e := &stored[i]
		if e.ExternalUID == nil {
			continue
		}
		k := keyOf(*e.ExternalUID, e.StartsAt)
		if _, dup := byKey[k]; !dup {
			byKey[k] = e
		}
	}

	matched := make(map[string]bool, len(stored))
	seen := make(map[occurrenceKey]bool, len(parsed))
	for _, p := range parsed {
		if p.UID == "" || p.StartsAt.Before(windowStart) || p.StartsAt.After(windowEnd) {
			continue
		}
		k := keyOf(p.UID, p.StartsAt)
		if seen[k] {
			continue
		}
		seen[k] = true

		fields := models.CalendarEventFields{
			Title:       p.Title,
			EndsAt:      p.EndsAt.UTC(),
			IsAllDay:    p.IsAllDay,
			Location:    p.Location,
			Description: p.Description,
		}

		existing, ok := byKey[k]
		if !ok {
			uid := p.UID
			e := &models.CalendarEvent{
				UserID:      userID,
				Source:      models.SourceICS,
				ExternalUID: &uid,
				Title:       fields.Title,
				StartsAt:    p.StartsAt.UTC(),
				EndsAt:      fields.EndsAt,
				IsAllDay:    fields.IsAllDay,
				Location:    fields.Location,
				Description: fields.Description,
			}
			if err := s.events.CreateCalendarEvent(ctx, e); err != nil {
				return fmt.Errorf("creating event: %w", err)
			}
			result.Added++
			continue
		}

		matched[existing.ID] = true
		if existing.Fields().Equal(fields) {
			continue
		}
		if err := s.events.UpdateCalendarEvent(ctx, existing, fields); err != nil {
			return fmt.Errorf("updating event: %w", err)
		}
		result.Updated++
	}

	var stale []string
	for _, e := range stored {
		if !matched[e.ID] {
			stale = append(stale, e.ID)
		}
	}
	if len(stale) > 0 {
		n, err := s.events.DeleteCalendarEventsByIDs(ctx, stale)
		result.Deleted += n
		if err != nil {
			return fmt.Errorf("deleting removed events: %w", err)
		}
	}

	pruned, err := s.events.DeleteCalendarEventsOutsideRange(ctx, userID, models.SourceICS, windowStart, windowEnd)
	result.Deleted += pruned
	if err != nil {
		return fmt.Errorf("pruning events outside retention window: %w", err)
	}
	return nil
}

func (s *SyncService) persistSuccess(ctx context.Context, userID string, syncedAt time.Time, fetched *FetchResult) error {
	none := ""
	err := s.settings.UpdateUserSettings(context.WithoutCancel(ctx), userID, models.CalendarSettingsUpdate{
		LastSyncedAt:  &syncedAt,
		LastSyncError: &none,
		EntityTag:     &fetched.EntityTag,
		LastModified:  &fetched.LastModified,
	})
	if err != nil {
		return fmt.Errorf("saving sync state: %w", err)
	}
	return nil
}

// fail records msg as the result's error and, when store is set, as the
// user's last sync error. lastSyncedAt is left alone so the user stays due.
// The error is stored even when ctx has been canceled.
func (s *SyncService) fail(ctx context.Context, result models.SyncResult, store bool, msg string) models.SyncResult {
	result.Error = msg
	if store {
		if err := s.settings.UpdateUserSettings(context.WithoutCancel(ctx), result.UserID, models.CalendarSettingsUpdate{LastSyncError: &msg}); err != nil {
			slog.Error("failed to store sync error", "user_id", result.UserID, "error", err)
		}
	}

	slog.Warn("calendar sync failed", "user_id", result.UserID, "error", msg,
		"added", result.Added, "updated", result.Updated, "deleted", result.Deleted)
	metrics.RecordSync(metrics.OutcomeError, result.Added, result.Updated, result.Deleted)
	if s.notifier != nil {
		s.notifier.SyncFailed(result.UserID, msg)
	}
	return result
}

func (s *SyncService) succeed(result models.SyncResult, outcome string) {
	slog.Info("calendar sync completed", "user_id", result.UserID, "outcome", outcome,
		"added", result.Added, "updated", result.Updated, "deleted", result.Deleted)
	metrics.RecordSync(outcome, result.Added, result.Updated, result.Deleted)
	if s.notifier != nil {
		s.notifier.SyncCompleted(result)
	}
}

// SyncNow takes the user's lock and syncs. It returns ErrSyncInProgress
// when another sync holds the lock.
func (s *SyncService) SyncNow(ctx context.Context, userID string) (models.SyncResult, error) {
	var result models.SyncResult
	acquired, err := s.withUserLock(ctx, userID, func() {
		result = s.SyncUser(ctx, userID)
	})
	if err != nil {
		return result, err
	}
	if !acquired {
		return result, ErrSyncInProgress
	}
	return result, nil
}

// SyncIfStale syncs only when the user is due. It returns nil without
// touching the lock when the user is not due.
func (s *SyncService) SyncIfStale(ctx context.Context, userID string) (*models.SyncResult, error) {
	settings, err := s.settings.FindUserSettings(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("loading settings: %w", err)
	}
	if settings == nil {
		return nil, ErrSettingsNotFound
	}
	if !s.IsDueForSync(settings) {
		return nil, nil
	}
	result, err := s.SyncNow(ctx, userID)
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// FindDueUsers returns the users whose sync interval has elapsed.
func (s *SyncService) FindDueUsers(ctx context.Context) ([]models.UserCalendar, error) {
	users, err := s.settings.FindUsersWithCalendarSettings(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing users with calendar settings: %w", err)
	}
	now := s.now()
	due := make([]models.UserCalendar, 0, len(users))
	for _, u := range users {
		if isDue(&u.Settings, now) {
			due = append(due, u)
		}
	}
	return due, nil
}

// SyncDueUsers syncs every due user, one at a time. Users whose lock is
// held elsewhere are counted as skipped.
func (s *SyncService) SyncDueUsers(ctx context.Context) models.SweepSummary {
	summary := models.SweepSummary{StartedAt: s.now().UTC()}
	defer metrics.RecordSweep()

	users, err := s.FindDueUsers(ctx)
	if err != nil {
		slog.Error("calendar sweep failed", "error", err)
		summary.FinishedAt = s.now().UTC()
		return summary
	}

	for _, u := range users {
		if ctx.Err() != nil {
			slog.Warn("calendar sweep interrupted", "remaining", len(users)-summary.UsersProcessed)
			break
		}
		if s.limiter != nil {
			if err := s.limiter.Wait(ctx); err != nil {
				break
			}
		}

		summary.UsersProcessed++
		var result models.SyncResult
		acquired, err := s.withUserLock(ctx, u.UserID, func() {
			result = s.SyncUser(ctx, u.UserID)
		})
		switch {
		case err != nil:
			slog.Error("calendar sync lock failed", "user_id", u.UserID, "error", err)
			summary.UsersErrored++
		case !acquired:
			summary.UsersSkipped++
		case result.Error != "":
			summary.UsersErrored++
		default:
			summary.UsersSynced++
		}
	}

	summary.FinishedAt = s.now().UTC()
	slog.Info("calendar sweep completed",
		"processed", summary.UsersProcessed,
		"synced", summary.UsersSynced,
		"skipped", summary.UsersSkipped,
		"errored", summary.UsersErrored,
		"duration", summary.FinishedAt.Sub(summary.StartedAt))
	if s.notifier != nil {
		s.notifier.SweepCompleted(summary)
	}
	return summary
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
