// Package api wires the HTTP routes of the calendar sync service.
package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/daybook/calsync/internal/api/handlers"
	"github.com/daybook/calsync/internal/api/middleware"
	"github.com/daybook/calsync/internal/metrics"
	"github.com/daybook/calsync/internal/websocket"
)

// Services are the collaborators the routes call into.
type Services struct {
	DB        handlers.Pinger
	Users     handlers.UserFinder
	Settings  handlers.SettingsStore
	Events    handlers.EventFinder
	Syncer    handlers.Syncer
	Scheduler interface {
		handlers.SweepRunner
		handlers.SweepStatus
	}
	Hub *websocket.Hub
}

// NewRouter creates the router with every API route.
func NewRouter(s Services) *mux.Router {
	r := mux.NewRouter()
	r.Use(middleware.Logging)
	r.Use(middleware.ErrorRecovery)

	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/health", handlers.HealthCheck(s.DB, s.Scheduler, s.Hub)).Methods(http.MethodGet)
	api.HandleFunc("/ws", handlers.WebSocketUpgrade(s.Hub)).Methods(http.MethodGet)

	user := api.PathPrefix("/users/{id}/calendar").Subrouter()
	user.HandleFunc("/settings", handlers.GetCalendarSettings(s.Settings)).Methods(http.MethodGet)
	user.HandleFunc("/settings", handlers.UpdateCalendarSettings(s.Users, s.Settings)).Methods(http.MethodPut)
	user.HandleFunc("/sync", handlers.SyncCalendar(s.Settings, s.Syncer)).Methods(http.MethodPost)
	user.HandleFunc("/sync-if-stale", handlers.SyncCalendarIfStale(s.Syncer)).Methods(http.MethodPost)
	user.HandleFunc("/events", handlers.ListCalendarEvents(s.Events, s.Syncer)).Methods(http.MethodGet)

	api.HandleFunc("/calendar/sweep", handlers.RunSweep(s.Scheduler)).Methods(http.MethodPost)

	return r
}
