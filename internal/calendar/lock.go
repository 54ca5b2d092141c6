package calendar

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/daybook/calsync/internal/metrics"
)

// LockStaleAfter is how long a held sync lock is honored. A lock older than
// this is assumed to belong to a crashed or hung sync and may be reclaimed.
const LockStaleAfter = 5 * time.Minute

// LockUser claims userID's sync lock. It reports false when another sync
// holds a lock that is not yet stale.
func (s *SyncService) LockUser(ctx context.Context, userID string) (bool, error) {
	now := s.now()
	ok, err := s.settings.TryLock(ctx, userID, now, now.Add(-LockStaleAfter))
	if err != nil {
		return false, fmt.Errorf("locking user %s: %w", userID, err)
	}
	return ok, nil
}

// UnlockUser releases userID's sync lock unconditionally.
func (s *SyncService) UnlockUser(ctx context.Context, userID string) error {
	if err := s.settings.Unlock(ctx, userID); err != nil {
		return fmt.Errorf("unlocking user %s: %w", userID, err)
	}
	return nil
}

// withUserLock runs fn while holding userID's sync lock and releases the
// lock on every exit path, including a panic in fn.
func (s *SyncService) withUserLock(ctx context.Context, userID string, fn func()) (bool, error) {
	acquired, err := s.LockUser(ctx, userID)
	if err != nil {
		return false, err
	}
	if !acquired {
		metrics.RecordLockContention()
		slog.Debug("calendar sync already running", "user_id", userID)
		return false, nil
	}

	defer func() {
		// The caller's context may be done by now; the lock must still go.
		if err := s.UnlockUser(context.WithoutCancel(ctx), userID); err != nil {
			slog.Error("failed to release sync lock", "user_id", userID, "error", err)
		}
	}()
	fn()
	return true, nil
}
