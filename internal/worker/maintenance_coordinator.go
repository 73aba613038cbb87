package worker

import (
	"context"
	"log/slog"
	"time"
)

// IdempotencyCleaner removes expired push idempotency records.
// store.SQLiteStore satisfies it.
type IdempotencyCleaner interface {
	CleanExpiredIdempotency(ctx context.Context) (int64, error)
}

// RoomFlusher saves loaded rooms with unsaved changes.
// rooms.Registry satisfies it.
type RoomFlusher interface {
	Flush(ctx context.Context) (int, error)
}

// IdleReleaser unloads rooms without peers. api.Hub satisfies it.
type IdleReleaser interface {
	ReleaseIdle(ctx context.Context, idle time.Duration) []string
}

// MaintenanceCoordinator runs relay housekeeping on an interval: expired
// idempotency records are deleted, dirty rooms saved, and idle rooms
// released from memory.
type MaintenanceCoordinator struct {
	cleaner     IdempotencyCleaner
	flusher     RoomFlusher
	releaser    IdleReleaser
	interval    time.Duration
	idleTimeout time.Duration
}

// NewMaintenanceCoordinator creates a coordinator. flusher and releaser may
// be nil; a zero idleTimeout disables releasing.
func NewMaintenanceCoordinator(
	cleaner IdempotencyCleaner,
	flusher RoomFlusher,
	releaser IdleReleaser,
	interval time.Duration,
	idleTimeout time.Duration,
) *MaintenanceCoordinator {
	return &MaintenanceCoordinator{
		cleaner:     cleaner,
		flusher:     flusher,
		releaser:    releaser,
		interval:    interval,
		idleTimeout: idleTimeout,
	}
}

// Run starts the coordinator loop. Blocks until ctx is cancelled.
//
// The first pass runs after one interval, not at startup.
func (c *MaintenanceCoordinator) Run(ctx context.Context) {
	slog.Info("worker started",
		"component", "worker",
		"worker", "maintenance-coordinator",
		"action", "worker_started",
		"interval", c.interval.String(),
	)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("worker stopped",
				"component", "worker",
				"worker", "maintenance-coordinator",
				"action", "worker_stopped",
				"reason", "context_cancelled",
			)
			return
		case <-ticker.C:
			c.RunOnce(ctx)
		}
	}
}

// MaintenanceResult summarizes one pass.
type MaintenanceResult struct {
	ExpiredPushes int64
	FlushedRooms  int
	ReleasedRooms []string
}

// RunOnce performs one housekeeping pass. Each step runs even when an
// earlier one fails.
func (c *MaintenanceCoordinator) RunOnce(ctx context.Context) MaintenanceResult {
	var res MaintenanceResult

	if c.cleaner != nil {
		n, err := c.cleaner.CleanExpiredIdempotency(ctx)
		if err != nil {
			slog.Warn("idempotency cleanup failed",
				"component", "worker",
				"worker", "maintenance-coordinator",
				"action", "idempotency_cleanup_failed",
				"error", err,
			)
		}
		res.ExpiredPushes = n
	}

	if c.flusher != nil {
		n, err := c.flusher.Flush(ctx)
		if err != nil {
			slog.Warn("room flush failed",
				"component", "worker",
				"worker", "maintenance-coordinator",
				"action", "flush_failed",
				"error", err,
			)
		}
		res.FlushedRooms = n
	}

	if c.releaser != nil && c.idleTimeout > 0 {
		res.ReleasedRooms = c.releaser.ReleaseIdle(ctx, c.idleTimeout)
	}

	if res.ExpiredPushes > 0 || res.FlushedRooms > 0 || len(res.ReleasedRooms) > 0 {
		slog.Info("maintenance cycle completed",
			"component", "worker",
			"worker", "maintenance-coordinator",
			"action", "cycle_complete",
			"expired_pushes", res.ExpiredPushes,
			"flushed_rooms", res.FlushedRooms,
			"released_rooms", len(res.ReleasedRooms),
		)
	}
	return res
}
