// Package notify carries machine-readable notifications from the sync
// infrastructure (queue, conflict engine, scheduler, transport) to UI and
// operations tooling.
package notify

import (
	"log/slog"
	"runtime/debug"
	"sync"
	"time"
)

// Type is the machine-readable notification type.
type Type string

const (
	QueueItemFailed    Type = "queue.item_failed"
	QueueItemSucceeded Type = "queue.item_succeeded"
	ConflictDetected   Type = "conflict.detected"
	ConflictResolved   Type = "conflict.resolved"
	SyncStarted        Type = "sync.started"
	SyncCompleted      Type = "sync.completed"
	SyncFailed         Type = "sync.failed"
	ConnectionStatus   Type = "connection.status"
)

// Notification is one emitted event with its structured payload.
type Notification struct {
	Type    Type           `json:"type"`
	Payload map[string]any `json:"payload,omitempty"`
	At      time.Time      `json:"at"`
}

// Publisher is the producer side of the bus. Services depend on this
// interface so tests can record notifications.
type Publisher interface {
	Publish(n Notification)
}

// Bus fans notifications out to subscribers synchronously.
// The zero value is not usable; use NewBus.
type Bus struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]func(Notification)
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[int]func(Notification))}
}

// Subscribe registers fn and returns a function that removes it.
func (b *Bus) Subscribe(fn func(Notification)) func() {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = fn
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}
}

// Publish delivers n to every subscriber. A panicking subscriber is logged
// and does not prevent delivery to the others.
func (b *Bus) Publish(n Notification) {
	if n.At.IsZero() {
		n.At = time.Now().UTC()
	}

	b.mu.RLock()
	subs := make([]func(Notification), 0, len(b.subs))
	for _, fn := range b.subs {
		subs = append(subs, fn)
	}
	b.mu.RUnlock()

	for _, fn := range subs {
		deliver(fn, n)
	}
}

func deliver(fn func(Notification), n Notification) {
	defer func() {
		if recovered := recover(); recovered != nil {
			slog.Error("notification subscriber panicked",
				"component", "notify",
				"type", string(n.Type),
				"error", recovered,
				"stack", string(debug.Stack()),
			)
		}
	}()
	fn(n)
}

// Discard is a Publisher that drops everything.
type Discard struct{}

// Publish implements Publisher.
func (Discard) Publish(Notification) {}

// Recorder is a Publisher that keeps every notification in memory.
// It is safe for concurrent use.
type Recorder struct {
	mu    sync.Mutex
	items []Notification
}

// Publish implements Publisher.
func (r *Recorder) Publish(n Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items = append(r.items, n)
}

// All returns a copy of the recorded notifications.
func (r *Recorder) All() []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Notification, len(r.items))
	copy(out, r.items)
	return out
}

// OfType returns the recorded notifications of type t.
func (r *Recorder) OfType(t Type) []Notification {
	var out []Notification
	for _, n := range r.All() {
		if n.Type == t {
			out = append(out, n)
		}
	}
	return out
}
