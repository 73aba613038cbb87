// Package worker holds the relay's background loops: periodic room
// snapshot uploads and housekeeping.
package worker

import (
	"context"
	"crypto/sha256"
	"log/slog"
	"sync"
	"time"

	"github.com/hyperengineering/fieldsync/internal/snapshot"
)

// RoomSource enumerates rooms and encodes their documents.
// rooms.Registry satisfies it.
type RoomSource interface {
	All(ctx context.Context) ([]string, error)
	Snapshot(ctx context.Context, roomID string) ([]byte, error)
}

// SnapshotCoordinator uploads the encoded document of every room to object
// storage. Rooms whose encoding has not changed since the last successful
// upload are skipped.
type SnapshotCoordinator struct {
	rooms    RoomSource
	uploader snapshot.Uploader
	interval time.Duration

	mu       sync.Mutex
	uploaded map[string][sha256.Size]byte
}

// NewSnapshotCoordinator creates a coordinator over rooms.
func NewSnapshotCoordinator(rooms RoomSource, uploader snapshot.Uploader, interval time.Duration) *SnapshotCoordinator {
	return &SnapshotCoordinator{
		rooms:    rooms,
		uploader: uploader,
		interval: interval,
		uploaded: make(map[string][sha256.Size]byte),
	}
}

// Run starts the coordinator loop. Uploads immediately on start, then on
// each interval, until ctx is cancelled.
func (c *SnapshotCoordinator) Run(ctx context.Context) {
	slog.Info("worker started",
		"component", "worker",
		"worker", "snapshot-coordinator",
		"action", "worker_started",
		"interval", c.interval.String(),
	)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.RunOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			slog.Info("worker stopped",
				"component", "worker",
				"worker", "snapshot-coordinator",
				"action", "worker_stopped",
				"reason", "context_cancelled",
			)
			return
		case <-ticker.C:
			c.RunOnce(ctx)
		}
	}
}

// RunOnce uploads every changed room and returns how many were uploaded
// and how many failed.
func (c *SnapshotCoordinator) RunOnce(ctx context.Context) (succeeded, failed int) {
	ids, err := c.rooms.All(ctx)
	if err != nil {
		slog.Error("failed to list rooms for snapshot upload",
			"component", "worker",
			"worker", "snapshot-coordinator",
			"action", "list_rooms_failed",
			"error", err,
		)
		return 0, 0
	}

	var skipped int
	for _, id := range ids {
		if ctx.Err() != nil {
			return succeeded, failed // Graceful shutdown, don't log summary
		}
		switch c.uploadRoom(ctx, id) {
		case uploadDone:
			succeeded++
		case uploadSkipped:
			skipped++
		case uploadFailed:
			failed++
		}
	}

	if succeeded > 0 || failed > 0 {
		slog.Info("snapshot upload cycle completed",
			"component", "worker",
			"worker", "snapshot-coordinator",
			"action", "cycle_complete",
			"total", len(ids),
			"succeeded", succeeded,
			"skipped", skipped,
			"failed", failed,
		)
	}
	return succeeded, failed
}

type uploadResult int

const (
	uploadDone uploadResult = iota
	uploadSkipped
	uploadFailed
)

func (c *SnapshotCoordinator) uploadRoom(ctx context.Context, roomID string) uploadResult {
	data, err := c.rooms.Snapshot(ctx, roomID)
	if err != nil {
		slog.Warn("failed to encode room for snapshot",
			"component", "worker",
			"worker", "snapshot-coordinator",
			"action", "snapshot_failed",
			"room_id", roomID,
			"error", err,
		)
		return uploadFailed
	}

	sum := sha256.Sum256(data)
	c.mu.Lock()
	prev, seen := c.uploaded[roomID]
	c.mu.Unlock()
	if seen && prev == sum {
		return uploadSkipped
	}

	// Upload failures are not fatal; the relay database keeps the room.
	if err := c.uploader.Upload(ctx, roomID, data); err != nil {
		if ctx.Err() != nil {
			return uploadFailed
		}
		slog.Warn("snapshot upload to S3 failed",
			"component", "worker",
			"worker", "snapshot-coordinator",
			"action", "snapshot_upload_failed",
			"room_id", roomID,
			"error", err,
		)
		return uploadFailed
	}

	c.mu.Lock()
	c.uploaded[roomID] = sum
	c.mu.Unlock()

	slog.Debug("snapshot uploaded",
		"component", "worker",
		"worker", "snapshot-coordinator",
		"action", "snapshot_uploaded",
		"room_id", roomID,
		"size_bytes", len(data),
	)
	return uploadDone
}
