// Package metrics exposes Prometheus collectors for calendar sync.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	syncRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "calsync_sync_runs_total",
		Help: "Calendar sync attempts by outcome.",
	}, []string{"outcome"})

	eventsChangedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "calsync_events_changed_total",
		Help: "Stored calendar events added, updated or deleted by sync.",
	}, []string{"change"})

	fetchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "calsync_fetch_duration_seconds",
		Help:    "Latency of remote feed fetches.",
		Buckets: prometheus.DefBuckets,
	}, []string{"result"})

	sweepsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "calsync_sweeps_total",
		Help: "Completed due-user sweeps.",
	})

	lockContentionTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "calsync_lock_contention_total",
		Help: "Sync attempts that found the user's sync lock already held.",
	})
)

// Sync outcomes.
const (
	OutcomeSynced      = "synced"
	OutcomeNotModified = "not_modified"
	OutcomeError       = "error"
	OutcomeSkipped     = "skipped"
)

// Handler exposes the Prometheus metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveFetch records the latency of one feed fetch.
func ObserveFetch(result string, d time.Duration) {
	fetchDuration.WithLabelValues(result).Observe(d.Seconds())
}

// RecordSync records one sync attempt and the changes it made.
func RecordSync(outcome string, added, updated, deleted int) {
	syncRunsTotal.WithLabelValues(outcome).Inc()
	if added > 0 {
		eventsChangedTotal.WithLabelValues("added").Add(float64(added))
	}
	if updated > 0 {
		eventsChangedTotal.WithLabelValues("updated").Add(float64(updated))
	}
	if deleted > 0 {
		eventsChangedTotal.WithLabelValues("deleted").Add(float64(deleted))
	}
}

// RecordLockContention counts a sync that lost the race for a user's lock.
func RecordLockContention() {
	lockContentionTotal.Inc()
	syncRunsTotal.WithLabelValues(OutcomeSkipped).Inc()
}

// RecordSweep counts a finished sweep.
func RecordSweep() {
	sweepsTotal.Inc()
}
