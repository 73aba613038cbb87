package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type mockCleaner struct {
	mu    sync.Mutex
	calls int
	n     int64
	err   error
}

func (m *mockCleaner) CleanExpiredIdempotency(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	return m.n, m.err
}

func (m *mockCleaner) getCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

type mockFlusher struct {
	n   int
	err error
}

func (m *mockFlusher) Flush(ctx context.Context) (int, error) { return m.n, m.err }

type mockReleaser struct {
	idle     time.Duration
	released []string
}

func (m *mockReleaser) ReleaseIdle(ctx context.Context, idle time.Duration) []string {
	m.idle = idle
	return m.released
}

func TestMaintenanceCoordinator_RunOnce(t *testing.T) {
	cleaner := &mockCleaner{n: 4}
	flusher := &mockFlusher{n: 2}
	releaser := &mockReleaser{released: []string{"prop-9"}}
	coord := NewMaintenanceCoordinator(cleaner, flusher, releaser, time.Hour, 30*time.Minute)

	res := coord.RunOnce(context.Background())

	if res.ExpiredPushes != 4 || res.FlushedRooms != 2 || len(res.ReleasedRooms) != 1 {
		t.Errorf("result = %+v", res)
	}
	if releaser.idle != 30*time.Minute {
		t.Errorf("idle = %v, want 30m", releaser.idle)
	}
}

func TestMaintenanceCoordinator_StepsIndependent(t *testing.T) {
	// Given: cleanup and flush both fail
	cleaner := &mockCleaner{err: errors.New("db locked")}
	flusher := &mockFlusher{err: errors.New("disk full")}
	releaser := &mockReleaser{released: []string{"a", "b"}}
	coord := NewMaintenanceCoordinator(cleaner, flusher, releaser, time.Hour, time.Minute)

	res := coord.RunOnce(context.Background())

	// Then: idle rooms are still released
	if len(res.ReleasedRooms) != 2 {
		t.Errorf("released = %v", res.ReleasedRooms)
	}
}

func TestMaintenanceCoordinator_OptionalParts(t *testing.T) {
	cleaner := &mockCleaner{n: 1}
	coord := NewMaintenanceCoordinator(cleaner, nil, &mockReleaser{released: []string{"x"}}, time.Hour, 0)

	res := coord.RunOnce(context.Background())
	if res.ExpiredPushes != 1 || res.FlushedRooms != 0 || res.ReleasedRooms != nil {
		t.Errorf("result = %+v", res)
	}
}

func TestMaintenanceCoordinator_WaitsForFirstTick(t *testing.T) {
	cleaner := &mockCleaner{}
	coord := NewMaintenanceCoordinator(cleaner, nil, nil, 50*time.Millisecond, 0)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		coord.Run(ctx)
		close(done)
	}()

	time.Sleep(10 * time.Millisecond)
	if cleaner.getCalls() != 0 {
		t.Error("maintenance ran before the first interval")
	}

	deadline := time.Now().Add(2 * time.Second)
	for cleaner.getCalls() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for first tick")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done
}
