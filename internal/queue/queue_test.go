package queue

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/hyperengineering/fieldsync/internal/notify"
	"github.com/hyperengineering/fieldsync/internal/persistence"
	"github.com/hyperengineering/fieldsync/internal/types"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// failingAdapter fails every save.
type failingAdapter struct{ *persistence.Memory }

func (failingAdapter) Save(context.Context, string, []byte) error {
	return errors.New("disk full")
}

func TestProcessQueue_PriorityOrder(t *testing.T) {
	// Given: items enqueued with priorities 1, 3, 2 in that order
	clock := newFakeClock()
	q := New(nil, WithClock(clock.Now))
	ctx := context.Background()
	for _, p := range []int{1, 3, 2} {
		if _, err := q.Enqueue(ctx, types.OpUpdateProperty, map[string]int{"p": p}, p); err != nil {
			t.Fatal(err)
		}
		clock.Advance(time.Millisecond)
	}

	var seen []int
	q.RegisterHandler(types.OpUpdateProperty, func(_ context.Context, it Item) (Result, error) {
		var body map[string]int
		if err := it.Decode(&body); err != nil {
			return Result{}, err
		}
		seen = append(seen, body["p"])
		return Result{}, nil
	})

	// When: draining
	sum, err := q.ProcessQueue(ctx)
	if err != nil {
		t.Fatalf("ProcessQueue() error = %v", err)
	}

	// Then: priority 3, 2, 1 and the queue is empty
	if len(seen) != 3 || seen[0] != 3 || seen[1] != 2 || seen[2] != 1 {
		t.Errorf("order = %v, want [3 2 1]", seen)
	}
	if sum.Succeeded != 3 || q.Len() != 0 {
		t.Errorf("summary = %+v, len = %d", sum, q.Len())
	}
}

func TestProcessQueue_FIFOWithinPriority(t *testing.T) {
	clock := newFakeClock()
	q := New(nil, WithClock(clock.Now))
	ctx := context.Background()
	first, _ := q.Enqueue(ctx, types.OpUploadPhoto, nil, 1)
	clock.Advance(time.Second)
	second, _ := q.Enqueue(ctx, types.OpUploadPhoto, nil, 1)

	items := q.Items()
	if items[0].ID != first || items[1].ID != second {
		t.Errorf("Items() order = %s, %s", items[0].ID, items[1].ID)
	}
}

func TestProcessQueue_RetryBackoffAndPermanentFailure(t *testing.T) {
	// Given: a handler that always fails and a ceiling of three attempts
	clock := newFakeClock()
	rec := &notify.Recorder{}
	q := New(nil,
		WithClock(clock.Now),
		WithPublisher(rec),
		WithConfig(Config{MaxRetries: 3, BaseDelay: time.Second, MaxDelay: time.Minute}),
	)
	ctx := context.Background()
	calls := 0
	q.RegisterHandler(types.OpGenerateReport, func(context.Context, Item) (Result, error) {
		calls++
		return Result{}, errors.New("server unavailable")
	})
	id, _ := q.Enqueue(ctx, types.OpGenerateReport, map[string]string{"reportId": "r1"}, 2)

	// When: the first attempt fails
	sum, _ := q.ProcessQueue(ctx)

	// Then: the item is kept with a 1s backoff
	if sum.Retrying != 1 || q.Len() != 1 {
		t.Fatalf("summary = %+v, len = %d", sum, q.Len())
	}
	it := q.Items()[0]
	if it.Attempts != 1 || it.LastError != "server unavailable" {
		t.Errorf("item = %+v", it)
	}
	if want := clock.Now().Add(time.Second); !it.NextAttemptAt.Equal(want) {
		t.Errorf("NextAttemptAt = %v, want %v", it.NextAttemptAt, want)
	}

	// And: a pass inside the backoff window leaves it alone
	sum, _ = q.ProcessQueue(ctx)
	if sum.Deferred != 1 || calls != 1 {
		t.Errorf("pass inside backoff: summary = %+v, calls = %d", sum, calls)
	}

	// When: the second attempt fails, the backoff doubles
	clock.Advance(time.Second)
	q.ProcessQueue(ctx)
	it = q.Items()[0]
	if want := clock.Now().Add(2 * time.Second); !it.NextAttemptAt.Equal(want) {
		t.Errorf("NextAttemptAt = %v, want %v", it.NextAttemptAt, want)
	}

	// When: the third attempt fails
	clock.Advance(2 * time.Second)
	sum, _ = q.ProcessQueue(ctx)

	// Then: the item is surfaced once and removed
	if sum.Failed != 1 || q.Len() != 0 {
		t.Fatalf("summary = %+v, len = %d", sum, q.Len())
	}
	failed := rec.OfType(notify.QueueItemFailed)
	if len(failed) != 1 {
		t.Fatalf("item_failed notifications = %d, want 1", len(failed))
	}
	if failed[0].Payload["itemId"] != id || failed[0].Payload["attempts"] != 3 {
		t.Errorf("payload = %+v", failed[0].Payload)
	}

	clock.Advance(time.Hour)
	q.ProcessQueue(ctx)
	if len(rec.OfType(notify.QueueItemFailed)) != 1 {
		t.Error("permanent failure reported more than once")
	}
}

func TestProcessQueue_HandlerPanicCountsAsFailure(t *testing.T) {
	q := New(nil)
	ctx := context.Background()
	q.RegisterHandler(types.OpSaveComparable, func(context.Context, Item) (Result, error) {
		panic("boom")
	})
	q.Enqueue(ctx, types.OpSaveComparable, nil, 0)

	sum, err := q.ProcessQueue(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if sum.Retrying != 1 || q.Items()[0].Attempts != 1 {
		t.Errorf("summary = %+v", sum)
	}
}

func TestProcessQueue_MissingHandlerSkips(t *testing.T) {
	q := New(nil)
	ctx := context.Background()
	q.Enqueue(ctx, types.OpDeleteEntity, nil, 0)

	sum, _ := q.ProcessQueue(ctx)

	if sum.Skipped != 1 || q.Len() != 1 || q.Items()[0].Attempts != 0 {
		t.Errorf("summary = %+v, items = %+v", sum, q.Items())
	}
}

func TestProcessQueue_RejectsReentrantDrain(t *testing.T) {
	q := New(nil)
	ctx := context.Background()
	inHandler := make(chan struct{})
	release := make(chan struct{})
	q.RegisterHandler(types.OpUploadPhoto, func(context.Context, Item) (Result, error) {
		close(inHandler)
		<-release
		return Result{}, nil
	})
	q.Enqueue(ctx, types.OpUploadPhoto, nil, 0)

	done := make(chan Summary)
	go func() {
		sum, _ := q.ProcessQueue(ctx)
		done <- sum
	}()
	<-inHandler

	// When: a second drain starts while the first runs, and a new item arrives
	if _, err := q.ProcessQueue(ctx); !errors.Is(err, ErrDrainInProgress) {
		t.Errorf("ProcessQueue() error = %v, want ErrDrainInProgress", err)
	}
	q.Enqueue(ctx, types.OpUploadPhoto, nil, 9)
	close(release)

	// Then: the running drain does not pick up the late item
	if sum := <-done; sum.Succeeded != 1 {
		t.Errorf("first drain summary = %+v", sum)
	}
	if q.Len() != 1 {
		t.Errorf("Len() = %d, want the late item to remain", q.Len())
	}
}

func TestRegisterHandler_DuplicatePanics(t *testing.T) {
	q := New(nil)
	h := func(context.Context, Item) (Result, error) { return Result{}, nil }
	q.RegisterHandler(types.OpUploadPhoto, h)

	defer func() {
		if recover() == nil {
			t.Error("expected panic on duplicate registration")
		}
	}()
	q.RegisterHandler(types.OpUploadPhoto, h)
}

func TestEnqueue_UnknownOperation(t *testing.T) {
	q := New(nil)
	if _, err := q.Enqueue(context.Background(), "launch_rocket", nil, 0); !errors.Is(err, ErrUnknownOperation) {
		t.Errorf("Enqueue() error = %v, want ErrUnknownOperation", err)
	}
}

func TestQueue_PersistsAndReloads(t *testing.T) {
	// Given: a queue with two items persisted in memory storage
	mem := persistence.NewMemory()
	ctx := context.Background()
	q := New(mem)
	id, err := q.Enqueue(ctx, types.OpCreateProperty, map[string]string{"address": "12 Elm"}, 5)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := q.Enqueue(ctx, types.OpUploadPhoto, nil, 1); err != nil {
		t.Fatal(err)
	}

	raw, _ := mem.Load(ctx, persistence.QueueKey)
	var stored []Item
	if err := json.Unmarshal(raw, &stored); err != nil || len(stored) != 2 {
		t.Fatalf("stored = %s (%v)", raw, err)
	}

	// When: a new process loads the queue
	restored := New(mem)
	if err := restored.Load(ctx); err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	// Then: items survive with their payload
	items := restored.Items()
	if len(items) != 2 || items[0].ID != id {
		t.Fatalf("items = %+v", items)
	}
	var body map[string]string
	if err := items[0].Decode(&body); err != nil || body["address"] != "12 Elm" {
		t.Errorf("payload = %v (%v)", body, err)
	}

	// And: Remove and Clear are persisted too
	if err := restored.Remove(ctx, id); err != nil {
		t.Fatal(err)
	}
	if err := restored.Remove(ctx, id); !errors.Is(err, ErrItemNotFound) {
		t.Errorf("second Remove() error = %v", err)
	}
	if err := restored.Clear(ctx); err != nil {
		t.Fatal(err)
	}
	again := New(mem)
	again.Load(ctx)
	if again.Len() != 0 {
		t.Errorf("Len() after Clear = %d", again.Len())
	}
}

func TestEnqueue_PersistFailureKeepsItem(t *testing.T) {
	q := New(failingAdapter{persistence.NewMemory()})

	id, err := q.Enqueue(context.Background(), types.OpUpdateReport, nil, 0)

	if err == nil {
		t.Fatal("expected persistence error")
	}
	if id == "" || q.Len() != 1 {
		t.Errorf("id = %q, len = %d", id, q.Len())
	}
}

func TestAutoSync_DrainsOnTicks(t *testing.T) {
	q := New(nil)
	ctx := context.Background()
	processed := make(chan struct{}, 1)
	q.RegisterHandler(types.OpSyncFieldNotes, func(context.Context, Item) (Result, error) {
		processed <- struct{}{}
		return Result{}, nil
	})
	q.Enqueue(ctx, types.OpSyncFieldNotes, nil, 0)

	q.StartAutoSync(ctx, 5*time.Millisecond)
	defer q.StopAutoSync()

	select {
	case <-processed:
	case <-time.After(2 * time.Second):
		t.Fatal("auto sync never drained")
	}
}

func TestRetryDelay_Capped(t *testing.T) {
	q := New(nil, WithConfig(Config{MaxRetries: 20, BaseDelay: time.Second, MaxDelay: 5 * time.Second}))
	want := []time.Duration{1, 2, 4, 5, 5}
	for i, w := range want {
		if got := q.retryDelay(i + 1); got != w*time.Second {
			t.Errorf("retryDelay(%d) = %v, want %v", i+1, got, w*time.Second)
		}
	}
}
