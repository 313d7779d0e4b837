package background

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// PendingPurger removes enrollments that were never confirmed
type PendingPurger interface {
	PurgeStalePending(ctx context.Context, before time.Time) (int64, error)
}

// CleanupManager periodically purges pending enrollments older than the
// configured TTL
type CleanupManager struct {
	purger   PendingPurger
	logger   *slog.Logger
	interval time.Duration
	ttl      time.Duration
	now      func() time.Time
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewCleanupManager creates a new cleanup manager
func NewCleanupManager(
	purger PendingPurger,
	logger *slog.Logger,
	interval time.Duration,
	ttl time.Duration,
) *CleanupManager {
	return &CleanupManager{
		purger:   purger,
		logger:   logger,
		interval: interval,
		ttl:      ttl,
		now:      time.Now,
		stopCh:   make(chan struct{}),
	}
}

// Start runs the cleanup loop until Stop is called or ctx is done
func (cm *CleanupManager) Start(ctx context.Context) {
	ticker := time.NewTicker(cm.interval)
	defer ticker.Stop()

	// Run immediately on startup
	cm.runCleanup(ctx)

	for {
		select {
		case <-ticker.C:
			cm.runCleanup(ctx)
		case <-cm.stopCh:
			cm.logger.Info("cleanup manager stopped")
			return
		case <-ctx.Done():
			cm.logger.Info("cleanup manager context cancelled")
			return
		}
	}
}

func (cm *CleanupManager) runCleanup(ctx context.Context) {
	cleanupCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	cutoff := cm.now().Add(-cm.ttl)
	purged, err := cm.purger.PurgeStalePending(cleanupCtx, cutoff)
	if err != nil {
		cm.logger.Error("failed to purge stale pending enrollments", slog.Any("error", err))
		return
	}

	if purged > 0 {
		cm.logger.Info("stale pending enrollments purged",
			slog.Int64("rows_deleted", purged),
			slog.Time("cutoff", cutoff))
	}
}

// Stop signals the cleanup manager to stop. It is safe to call more than once.
func (cm *CleanupManager) Stop() {
	cm.stopOnce.Do(func() { close(cm.stopCh) })
}
