// Package handlers provides HTTP request handlers for the API endpoints.
package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/daybook/calsync/internal/storage/models"
)

// Pinger checks database connectivity. *storage.DB satisfies it.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// SweepStatus reports the scheduler state. *calendar.Scheduler satisfies it.
type SweepStatus interface {
	LastRun() *models.SweepSummary
	NextRun() *time.Time
}

// ClientCounter reports connected websocket clients.
type ClientCounter interface {
	ClientCount() int
}

// HealthResponse represents the health check response.
type HealthResponse struct {
	Status      string               `json:"status"`
	DBConnected bool                 `json:"db_connected"`
	WSClients   int                  `json:"ws_clients"`
	LastSweep   *models.SweepSummary `json:"last_sweep,omitempty"`
	NextSweepAt *time.Time           `json:"next_sweep_at,omitempty"`
}

// HealthCheck returns a handler that reports service health. It answers
// 503 when the database is unreachable.
func HealthCheck(db Pinger, sweeps SweepStatus, clients ClientCounter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		resp := HealthResponse{
			Status:      "healthy",
			DBConnected: db.PingContext(ctx) == nil,
		}
		if !resp.DBConnected {
			resp.Status = "degraded"
		}
		if sweeps != nil {
			resp.LastSweep = sweeps.LastRun()
			resp.NextSweepAt = sweeps.NextRun()
		}
		if clients != nil {
			resp.WSClients = clients.ClientCount()
		}

		status := http.StatusOK
		if resp.Status != "healthy" {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, resp)
	}
}
