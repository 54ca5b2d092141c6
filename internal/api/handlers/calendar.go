package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/daybook/calsync/internal/api/middleware"
	"github.com/daybook/calsync/internal/calendar"
	"github.com/daybook/calsync/internal/storage/models"
)

// SettingsStore is the settings access the calendar handlers need.
type SettingsStore interface {
	FindUserSettings(ctx context.Context, userID string) (*models.CalendarSettings, error)
	CreateIfMissing(ctx context.Context, userID string) error
	UpdateUserSettings(ctx context.Context, userID string, upd models.CalendarSettingsUpdate) error
}

// UserFinder looks up a user profile; nil means no such user.
type UserFinder interface {
	GetByID(ctx context.Context, id string) (*models.User, error)
}

// EventFinder lists stored occurrences.
type EventFinder interface {
	FindCalendarEvents(ctx context.Context, userID, source string, start, end time.Time) ([]models.CalendarEvent, error)
}

// Syncer runs interactive syncs. *calendar.SyncService satisfies it.
type Syncer interface {
	SyncNow(ctx context.Context, userID string) (models.SyncResult, error)
	SyncIfStale(ctx context.Context, userID string) (*models.SyncResult, error)
	RetentionWindow() (start, end time.Time)
}

// SweepRunner triggers a due-user sweep. *calendar.Scheduler satisfies it.
type SweepRunner interface {
	RunNow(ctx context.Context) models.SweepSummary
}

// UpdateSettingsRequest carries the user-editable calendar settings. Absent
// fields are left unchanged.
type UpdateSettingsRequest struct {
	Enabled            *bool   `json:"enabled"`
	SourceURL          *string `json:"source_url"`
	SyncIntervalPreset *string `json:"sync_interval_preset"`
}

// SyncIfStaleResponse reports whether a sync ran.
type SyncIfStaleResponse struct {
	Synced bool               `json:"synced"`
	Result *models.SyncResult `json:"result,omitempty"`
}

// GetCalendarSettings returns a user's calendar settings and sync state.
func GetCalendarSettings(store SettingsStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := mux.Vars(r)["id"]

		settings, err := store.FindUserSettings(r.Context(), userID)
		if err != nil {
			slog.Error("loading calendar settings", "user_id", userID, "error", err)
			middleware.WriteError(w, http.StatusInternalServerError, middleware.ErrInternalError, "Failed to load calendar settings")
			return
		}
		if settings == nil {
			middleware.WriteError(w, http.StatusNotFound, middleware.ErrNotFound, "Calendar settings not found")
			return
		}

		writeJSON(w, http.StatusOK, settings)
	}
}

// UpdateCalendarSettings validates and applies user-owned settings. Changing
// the source URL drops the cached validators of the old feed.
func UpdateCalendarSettings(users UserFinder, store SettingsStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := mux.Vars(r)["id"]
		ctx := r.Context()

		var req UpdateSettingsRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			middleware.WriteError(w, http.StatusBadRequest, middleware.ErrBadRequest, "Invalid request body")
			return
		}

		upd := models.CalendarSettingsUpdate{Enabled: req.Enabled}
		if req.SourceURL != nil && *req.SourceURL != "" {
			if err := calendar.ValidateSourceURL(*req.SourceURL); err != nil {
				middleware.WriteError(w, http.StatusBadRequest, middleware.ErrValidation, "source_url must be a public http or https URL")
				return
			}
		}
		if req.SyncIntervalPreset != nil {
			preset := models.SyncIntervalPreset(*req.SyncIntervalPreset)
			if !preset.Valid() {
				middleware.WriteError(w, http.StatusBadRequest, middleware.ErrValidation, "Unknown sync_interval_preset")
				return
			}
			upd.SyncIntervalPreset = &preset
		}

		user, err := users.GetByID(ctx, userID)
		if err != nil {
			slog.Error("loading user", "user_id", userID, "error", err)
			middleware.WriteError(w, http.StatusInternalServerError, middleware.ErrInternalError, "Failed to load user")
			return
		}
		if user == nil {
			middleware.WriteError(w, http.StatusNotFound, middleware.ErrNotFound, "User not found")
			return
		}
		if err := store.CreateIfMissing(ctx, userID); err != nil {
			slog.Error("creating calendar settings", "user_id", userID, "error", err)
			middleware.WriteError(w, http.StatusInternalServerError, middleware.ErrInternalError, "Failed to update calendar settings")
			return
		}

		current, err := store.FindUserSettings(ctx, userID)
		if err != nil || current == nil {
			slog.Error("loading calendar settings", "user_id", userID, "error", err)
			middleware.WriteError(w, http.StatusInternalServerError, middleware.ErrInternalError, "Failed to update calendar settings")
			return
		}
		if req.SourceURL != nil && *req.SourceURL != current.SourceURL {
			none := ""
			upd.SourceURL = req.SourceURL
			upd.EntityTag = &none
			upd.LastModified = &none
		}

		if err := store.UpdateUserSettings(ctx, userID, upd); err != nil {
			slog.Error("updating calendar settings", "user_id", userID, "error", err)
			middleware.WriteError(w, http.StatusInternalServerError, middleware.ErrInternalError, "Failed to update calendar settings")
			return
		}

		updated, err := store.FindUserSettings(ctx, userID)
		if err != nil || updated == nil {
			middleware.WriteError(w, http.StatusInternalServerError, middleware.ErrInternalError, "Failed to load calendar settings")
			return
		}
		writeJSON(w, http.StatusOK, updated)
	}
}

// SyncCalendar syncs a user's feed now, waiting for the result.
func SyncCalendar(store SettingsStore, syncer Syncer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := mux.Vars(r)["id"]

		settings, err := store.FindUserSettings(r.Context(), userID)
		if err != nil {
			slog.Error("loading calendar settings", "user_id", userID, "error", err)
			middleware.WriteError(w, http.StatusInternalServerError, middleware.ErrInternalError, "Failed to load calendar settings")
			return
		}
		if settings == nil {
			middleware.WriteError(w, http.StatusNotFound, middleware.ErrNotFound, "Calendar settings not found")
			return
		}

		result, err := syncer.SyncNow(r.Context(), userID)
		if err != nil {
			writeSyncError(w, userID, err)
			return
		}
		writeJSON(w, http.StatusOK, result)
	}
}

// SyncCalendarIfStale syncs only when the user's interval has elapsed.
func SyncCalendarIfStale(syncer Syncer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := mux.Vars(r)["id"]

		result, err := syncer.SyncIfStale(r.Context(), userID)
		if err != nil {
			writeSyncError(w, userID, err)
			return
		}
		writeJSON(w, http.StatusOK, SyncIfStaleResponse{Synced: result != nil, Result: result})
	}
}

// ListCalendarEvents returns stored occurrences starting within [from, to].
// Both bounds are RFC 3339 and default to the retention window.
func ListCalendarEvents(events EventFinder, syncer Syncer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := mux.Vars(r)["id"]
		from, to := syncer.RetentionWindow()

		q := r.URL.Query()
		var err error
		if v := q.Get("from"); v != "" {
			if from, err = time.Parse(time.RFC3339, v); err != nil {
				middleware.WriteError(w, http.StatusBadRequest, middleware.ErrValidation, "from must be an RFC 3339 timestamp")
				return
			}
		}
		if v := q.Get("to"); v != "" {
			if to, err = time.Parse(time.RFC3339, v); err != nil {
				middleware.WriteError(w, http.StatusBadRequest, middleware.ErrValidation, "to must be an RFC 3339 timestamp")
				return
			}
		}
		if to.Before(from) {
			middleware.WriteError(w, http.StatusBadRequest, middleware.ErrValidation, "to must not be before from")
			return
		}

		list, err := events.FindCalendarEvents(r.Context(), userID, models.SourceICS, from, to)
		if err != nil {
			slog.Error("listing calendar events", "user_id", userID, "error", err)
			middleware.WriteError(w, http.StatusInternalServerError, middleware.ErrInternalError, "Failed to list calendar events")
			return
		}
		if list == nil {
			list = []models.CalendarEvent{}
		}
		writeJSON(w, http.StatusOK, list)
	}
}

// RunSweep runs a due-user sweep immediately and returns its summary.
func RunSweep(runner SweepRunner) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, runner.RunNow(r.Context()))
	}
}

func writeSyncError(w http.ResponseWriter, userID string, err error) {
	switch {
	case errors.Is(err, calendar.ErrSyncInProgress):
		middleware.WriteError(w, http.StatusConflict, middleware.ErrConflict, "A sync is already running for this user")
	case errors.Is(err, calendar.ErrSettingsNotFound):
		middleware.WriteError(w, http.StatusNotFound, middleware.ErrNotFound, "Calendar settings not found")
	default:
		slog.Error("calendar sync failed", "user_id", userID, "error", err)
		middleware.WriteError(w, http.StatusInternalServerError, middleware.ErrInternalError, "Calendar sync failed")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("writing response", "error", err)
	}
}
