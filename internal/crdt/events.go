package crdt

import (
	"log/slog"

	"github.com/hyperengineering/fieldsync/internal/types"
)

// EventType identifies a document change.
type EventType string

const (
	EntityAdded     EventType = "entity_added"
	EntityUpdated   EventType = "entity_updated"
	EntityDeleted   EventType = "entity_deleted"
	LogAppended     EventType = "log_appended"
	LogDeleted      EventType = "log_deleted"
	PresenceChanged EventType = "presence_changed"
	RemoteUpdate    EventType = "remote_update"
)

// Event describes one change. Remote is set when the change arrived through
// an applied update rather than a local mutation.
type Event struct {
	Type     EventType
	Kind     types.EntityKind
	Log      types.LogKind
	EntityID string
	UserID   string
	Remote   bool
}

// Subscribe registers fn for every change and returns a function that
// removes it. Callbacks run after the mutation completes, outside the
// document lock, so they may read the document.
func (d *Document) Subscribe(fn func(Event)) func() {
	d.subMu.Lock()
	id := d.nextID
	d.nextID++
	d.subs[id] = fn
	d.subMu.Unlock()

	return func() {
		d.subMu.Lock()
		delete(d.subs, id)
		d.subMu.Unlock()
	}
}

func (d *Document) emit(events []Event) {
	if len(events) == 0 {
		return
	}
	d.subMu.RLock()
	subs := make([]func(Event), 0, len(d.subs))
	for _, fn := range d.subs {
		subs = append(subs, fn)
	}
	d.subMu.RUnlock()

	for _, ev := range events {
		for _, fn := range subs {
			d.deliver(fn, ev)
		}
	}
}

func (d *Document) deliver(fn func(Event), ev Event) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("document subscriber panicked",
				"component", "crdt",
				"actor", d.actor,
				"event", string(ev.Type),
				"error", r,
			)
		}
	}()
	fn(ev)
}
