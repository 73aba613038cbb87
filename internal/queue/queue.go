// Package queue is the durable offline operation queue. Domain services
// enqueue operations that could not run while offline; registered
// handlers replay them in priority order with exponential backoff.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/hyperengineering/fieldsync/internal/notify"
	"github.com/hyperengineering/fieldsync/internal/persistence"
	"github.com/hyperengineering/fieldsync/internal/types"
)

var (
	// ErrDrainInProgress is returned by ProcessQueue while another pass runs.
	ErrDrainInProgress = errors.New("queue drain already in progress")
	// ErrUnknownOperation is returned when enqueuing an unknown operation type.
	ErrUnknownOperation = errors.New("unknown operation type")
	// ErrItemNotFound is returned by Remove for an absent id.
	ErrItemNotFound = errors.New("queue item not found")
)

// Item is one deferred operation.
type Item struct {
	ID            string              `json:"id"`
	Type          types.OperationType `json:"type"`
	Payload       json.RawMessage     `json:"payload,omitempty"`
	Priority      int                 `json:"priority"`
	EnqueuedAt    time.Time           `json:"enqueuedAt"`
	Attempts      int                 `json:"attempts"`
	LastAttemptAt *time.Time          `json:"lastAttemptAt,omitempty"`
	NextAttemptAt *time.Time          `json:"nextAttemptAt,omitempty"`
	LastError     string              `json:"lastError,omitempty"`
}

// Decode unmarshals the payload into v.
func (it Item) Decode(v any) error {
	if len(it.Payload) == 0 {
		return fmt.Errorf("item %s has no payload", it.ID)
	}
	return json.Unmarshal(it.Payload, v)
}

// Result is what a handler reports on success.
type Result struct {
	Data any
}

// Handler executes one item. A returned error, or a panic, counts as a
// failed attempt. Handlers run at least once per item and must be
// idempotent.
type Handler func(ctx context.Context, item Item) (Result, error)

// Summary describes one ProcessQueue pass.
type Summary struct {
	Succeeded int
	Retrying  int
	Failed    int
	Skipped   int
	Deferred  int
}

// Config holds the retry policy.
type Config struct {
	MaxRetries       int
	BaseDelay        time.Duration
	MaxDelay         time.Duration
	AutoSyncInterval time.Duration
}

// DefaultConfig returns the default retry policy.
func DefaultConfig() Config {
	return Config{
		MaxRetries:       5,
		BaseDelay:        time.Second,
		MaxDelay:         5 * time.Minute,
		AutoSyncInterval: 60 * time.Second,
	}
}

// Option configures a Queue.
type Option func(*Queue)

// WithConfig sets the retry policy.
func WithConfig(cfg Config) Option {
	return func(q *Queue) { q.cfg = cfg }
}

// WithPublisher sets where item notifications go.
func WithPublisher(p notify.Publisher) Option {
	return func(q *Queue) { q.pub = p }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

// Queue is safe for concurrent use. Drains are never concurrent with each
// other; enqueues during a drain are picked up by the next one.
type Queue struct {
	cfg     Config
	persist persistence.Adapter
	pub     notify.Publisher
	now     func() time.Time

	mu       sync.Mutex
	items    map[string]*Item
	handlers map[types.OperationType]Handler
	draining bool

	autoMu     sync.Mutex
	autoCancel context.CancelFunc
	autoDone   chan struct{}
}

// New creates an empty queue persisted through persist. A nil adapter
// keeps the queue in memory.
func New(persist persistence.Adapter, opts ...Option) *Queue {
	q := &Queue{
		cfg:      DefaultConfig(),
		persist:  persist,
		pub:      notify.Discard{},
		now:      time.Now,
		items:    make(map[string]*Item),
		handlers: make(map[types.OperationType]Handler),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Load replaces the in-memory items with the persisted ones.
func (q *Queue) Load(ctx context.Context) error {
	if q.persist == nil {
		return nil
	}
	data, err := q.persist.Load(ctx, persistence.QueueKey)
	if err != nil {
		return fmt.Errorf("load queue: %w", err)
	}
	items := []Item{}
	if data != nil {
		if err := json.Unmarshal(data, &items); err != nil {
			slog.Error("persisted queue is corrupt, starting empty",
				"component", "queue",
				"action", "load_failed",
				"error", err,
			)
			items = nil
		}
	}

	q.mu.Lock()
	q.items = make(map[string]*Item, len(items))
	for i := range items {
		it := items[i]
		q.items[it.ID] = &it
	}
	q.mu.Unlock()

	slog.Info("queue loaded",
		"component", "queue",
		"action", "loaded",
		"count", len(items),
	)
	return nil
}

// RegisterHandler installs the handler for an operation type. Registering
// a second handler for the same type panics.
func (q *Queue) RegisterHandler(op types.OperationType, h Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if h == nil {
		panic(fmt.Sprintf("queue: nil handler for %q", op))
	}
	if _, exists := q.handlers[op]; exists {
		panic(fmt.Sprintf("queue: handler already registered for %q", op))
	}
	q.handlers[op] = h
}

// Enqueue adds an operation and persists the queue. When persisting fails
// the item stays queued in memory and the error is returned with its id.
func (q *Queue) Enqueue(ctx context.Context, op types.OperationType, payload any, priority int) (string, error) {
	if !op.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownOperation, op)
	}
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return "", fmt.Errorf("encode payload: %w", err)
		}
		raw = b
	}

	it := &Item{
		ID:         ulid.Make().String(),
		Type:       op,
		Payload:    raw,
		Priority:   priority,
		EnqueuedAt: q.now().UTC(),
	}
	q.mu.Lock()
	q.items[it.ID] = it
	q.mu.Unlock()

	slog.Debug("operation enqueued",
		"component", "queue",
		"action", "enqueued",
		"item_id", it.ID,
		"type", string(op),
		"priority", priority,
	)
	return it.ID, q.save(ctx)
}

// Items returns the queued items in processing order.
func (q *Queue) Items() []Item {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.sortedLocked()
}

// Len returns the number of queued items.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Remove drops an item without running it.
func (q *Queue) Remove(ctx context.Context, id string) error {
	q.mu.Lock()
	_, ok := q.items[id]
	delete(q.items, id)
	q.mu.Unlock()
	if !ok {
		return ErrItemNotFound
	}
	return q.save(ctx)
}

// Clear drops every item.
func (q *Queue) Clear(ctx context.Context) error {
	q.mu.Lock()
	q.items = make(map[string]*Item)
	q.mu.Unlock()
	return q.save(ctx)
}

// ProcessQueue runs one drain pass over the items present when it starts,
// by priority descending then enqueue time. Items still inside their
// backoff window are left for a later pass.
func (q *Queue) ProcessQueue(ctx context.Context) (Summary, error) {
	q.mu.Lock()
	if q.draining {
		q.mu.Unlock()
		return Summary{}, ErrDrainInProgress
	}
	q.draining = true
	pass := q.sortedLocked()
	q.mu.Unlock()

	defer func() {
		q.mu.Lock()
		q.draining = false
		q.mu.Unlock()
	}()

	var sum Summary
	var saveErr error
	for _, it := range pass {
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		now := q.now().UTC()
		if it.NextAttemptAt != nil && it.NextAttemptAt.After(now) {
			sum.Deferred++
			continue
		}

		q.mu.Lock()
		h, ok := q.handlers[it.Type]
		q.mu.Unlock()
		if !ok {
			slog.Warn("no handler for queued operation",
				"component", "queue",
				"action", "skipped",
				"item_id", it.ID,
				"type", string(it.Type),
			)
			sum.Skipped++
			continue
		}

		res, err := runHandler(ctx, h, it)
		switch q.record(it.ID, err) {
		case outcomeSucceeded:
			sum.Succeeded++
			q.pub.Publish(notify.Notification{
				Type:    notify.QueueItemSucceeded,
				Payload: map[string]any{"itemId": it.ID, "type": string(it.Type), "result": res.Data},
			})
		case outcomeRetrying:
			sum.Retrying++
		case outcomeFailed:
			sum.Failed++
		}
		if err := q.save(ctx); err != nil {
			saveErr = err
		}
	}

	if sum.Succeeded+sum.Retrying+sum.Failed > 0 {
		slog.Info("queue drained",
			"component", "queue",
			"action", "drained",
			"succeeded", sum.Succeeded,
			"retrying", sum.Retrying,
			"failed", sum.Failed,
			"skipped", sum.Skipped,
			"deferred", sum.Deferred,
		)
	}
	return sum, saveErr
}

func runHandler(ctx context.Context, h Handler, it Item) (res Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, it)
}

type outcome int

const (
	outcomeGone outcome = iota
	outcomeSucceeded
	outcomeRetrying
	outcomeFailed
)

// record applies a handler result to the live item. An item removed while
// its handler ran stays removed.
func (q *Queue) record(id string, handlerErr error) outcome {
	q.mu.Lock()
	it, ok := q.items[id]
	if !ok {
		q.mu.Unlock()
		return outcomeGone
	}
	if handlerErr == nil {
		delete(q.items, id)
		q.mu.Unlock()
		return outcomeSucceeded
	}

	now := q.now().UTC()
	it.Attempts++
	it.LastAttemptAt = &now
	it.LastError = handlerErr.Error()
	if it.Attempts < q.cfg.MaxRetries {
		next := now.Add(q.retryDelay(it.Attempts))
		it.NextAttemptAt = &next
		snapshot := *it
		q.mu.Unlock()

		slog.Warn("queued operation failed, will retry",
			"component", "queue",
			"action", "retry_scheduled",
			"item_id", id,
			"type", string(snapshot.Type),
			"attempts", snapshot.Attempts,
			"next_attempt_at", next,
			"error", handlerErr,
		)
		return outcomeRetrying
	}

	delete(q.items, id)
	snapshot := *it
	q.mu.Unlock()

	slog.Error("queued operation permanently failed",
		"component", "queue",
		"action", "item_failed",
		"item_id", id,
		"type", string(snapshot.Type),
		"attempts", snapshot.Attempts,
		"error", handlerErr,
	)
	q.pub.Publish(notify.Notification{
		Type: notify.QueueItemFailed,
		Payload: map[string]any{
			"itemId":   id,
			"type":     string(snapshot.Type),
			"attempts": snapshot.Attempts,
			"error":    handlerErr.Error(),
			"payload":  snapshot.Payload,
		},
	})
	return outcomeFailed
}

// retryDelay is base*2^(attempts-1), capped at the max delay.
func (q *Queue) retryDelay(attempts int) time.Duration {
	d := q.cfg.BaseDelay
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= q.cfg.MaxDelay {
			return q.cfg.MaxDelay
		}
	}
	if q.cfg.MaxDelay > 0 && d > q.cfg.MaxDelay {
		return q.cfg.MaxDelay
	}
	return d
}

func (q *Queue) sortedLocked() []Item {
	out := make([]Item, 0, len(q.items))
	for _, it := range q.items {
		out = append(out, *it)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if !a.EnqueuedAt.Equal(b.EnqueuedAt) {
			return a.EnqueuedAt.Before(b.EnqueuedAt)
		}
		return a.ID < b.ID
	})
	return out
}

func (q *Queue) save(ctx context.Context) error {
	if q.persist == nil {
		return nil
	}
	q.mu.Lock()
	data, err := json.Marshal(q.sortedLocked())
	q.mu.Unlock()
	if err != nil {
		return fmt.Errorf("encode queue: %w", err)
	}
	if err := q.persist.Save(ctx, persistence.QueueKey, data); err != nil {
		return fmt.Errorf("persist queue: %w", err)
	}
	return nil
}

// StartAutoSync drains the queue every interval until StopAutoSync or
// ctx is done. A zero interval uses the configured default. Calling it
// again restarts the timer.
func (q *Queue) StartAutoSync(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = q.cfg.AutoSyncInterval
	}
	q.StopAutoSync()

	q.autoMu.Lock()
	defer q.autoMu.Unlock()
	actx, cancel := context.WithCancel(ctx)
	q.autoCancel = cancel
	q.autoDone = make(chan struct{})
	go q.autoSync(actx, interval, q.autoDone)
}

// StopAutoSync stops the timer started by StartAutoSync and waits for an
// in-flight tick to return.
func (q *Queue) StopAutoSync() {
	q.autoMu.Lock()
	cancel, done := q.autoCancel, q.autoDone
	q.autoCancel, q.autoDone = nil, nil
	q.autoMu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
}

func (q *Queue) autoSync(ctx context.Context, interval time.Duration, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := q.ProcessQueue(ctx); err != nil && !errors.Is(err, ErrDrainInProgress) && ctx.Err() == nil {
				slog.Warn("auto sync drain failed",
					"component", "queue",
					"action", "auto_sync_failed",
					"error", err,
				)
			}
		}
	}
}
