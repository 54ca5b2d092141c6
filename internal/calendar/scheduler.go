package calendar

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/daybook/calsync/internal/storage/models"
)

// DefaultSweepInterval is used when the scheduler is given no interval.
const DefaultSweepInterval = time.Minute

// Sweeper runs a due-user sweep. *SyncService satisfies it.
type Sweeper interface {
	SyncDueUsers(ctx context.Context) models.SweepSummary
}

// Scheduler runs the due-user sweep periodically. A sweep that is still
// running when the next tick fires is not overlapped.
type Scheduler struct {
	cron     *cron.Cron
	sweeper  Sweeper
	interval time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	entryID cron.EntryID
	lastRun *models.SweepSummary
}

// NewScheduler creates a scheduler for sweeper.
func NewScheduler(sweeper Sweeper, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron: cron.New(cron.WithChain(
			cron.Recover(cron.DefaultLogger),
			cron.SkipIfStillRunning(cron.DefaultLogger),
		)),
		sweeper:  sweeper,
		interval: interval,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start schedules the sweep and starts the cron runner.
func (s *Scheduler) Start() error {
	id, err := s.cron.AddFunc(intervalSpec(s.interval), func() {
		s.RunNow(s.ctx)
	})
	if err != nil {
		return fmt.Errorf("scheduling calendar sweep: %w", err)
	}

	s.mu.Lock()
	s.entryID = id
	s.mu.Unlock()

	s.cron.Start()
	slog.Info("calendar sweep scheduler started", "interval", s.interval)
	return nil
}

// Stop cancels any running sweep and waits for it to return.
func (s *Scheduler) Stop() {
	s.cancel()
	<-s.cron.Stop().Done()
	slog.Info("calendar sweep scheduler stopped")
}

// RunNow runs a sweep immediately on the calling goroutine.
func (s *Scheduler) RunNow(ctx context.Context) models.SweepSummary {
	summary := s.sweeper.SyncDueUsers(ctx)

	s.mu.Lock()
	s.lastRun = &summary
	s.mu.Unlock()
	return summary
}

// LastRun returns the summary of the most recent sweep, if any.
func (s *Scheduler) LastRun() *models.SweepSummary {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastRun == nil {
		return nil
	}
	summary := *s.lastRun
	return &summary
}

// NextRun returns when the next scheduled sweep fires.
func (s *Scheduler) NextRun() *time.Time {
	s.mu.Lock()
	id := s.entryID
	s.mu.Unlock()
	if id == 0 {
		return nil
	}
	next := s.cron.Entry(id).Next
	if next.IsZero() {
		return nil
	}
	return &next
}

func intervalSpec(d time.Duration) string {
	return "@every " + d.String()
}
