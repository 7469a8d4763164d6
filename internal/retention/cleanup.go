// Package retention removes call history once it is older than the
// configured retention period.
package retention

import (
	"context"
	"log/slog"
	"time"
)

// Store deletes finished call records.
type Store interface {
	DeleteEndedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Sweep deletes call records (and their transcripts) that ended more than
// maxDays before now. A maxDays of zero or less keeps everything.
func Sweep(ctx context.Context, store Store, maxDays int, now time.Time, logger *slog.Logger) (int64, error) {
	if maxDays <= 0 {
		return 0, nil
	}
	cutoff := now.AddDate(0, 0, -maxDays)
	n, err := store.DeleteEndedBefore(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		logger.Info("call record retention cleanup", "deleted", n, "max_days", maxDays)
	}
	return n, nil
}

// StartCleanupTicker runs Sweep every interval until ctx is canceled. If
// maxDays is zero no goroutine is started.
func StartCleanupTicker(ctx context.Context, store Store, maxDays int, interval time.Duration, logger *slog.Logger) {
	if maxDays <= 0 {
		return
	}
	logger = logger.With("subsystem", "retention")

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				if _, err := Sweep(ctx, store, maxDays, now, logger); err != nil {
					logger.Error("call record retention cleanup failed", "error", err)
				}
			}
		}
	}()
}
