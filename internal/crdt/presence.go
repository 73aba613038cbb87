package crdt

import (
	"encoding/json"
	"errors"
	"fmt"
)

type presenceEntry struct {
	Value json.RawMessage
	TS    Timestamp
}

// Presence is one user's entry in the presence table.
type Presence struct {
	UserID    string
	State     json.RawMessage
	UpdatedAt Timestamp
}

// SetPresence records the local presence state of userID. A nil state
// removes the entry. Presence has its own clock and never advances the
// document state vector.
func (d *Document) SetPresence(userID string, state any) error {
	if userID == "" {
		return errors.New("presence user id is required")
	}
	var raw json.RawMessage
	if state != nil {
		b, err := json.Marshal(state)
		if err != nil {
			return fmt.Errorf("encode presence: %w", err)
		}
		raw = b
	}

	d.mu.Lock()
	d.presenceClock++
	ts := Timestamp{Counter: d.presenceClock, Actor: d.actor}
	events := d.applyPresenceOps([]presenceOp{{User: userID, Value: raw, TS: ts}}, false)
	d.mu.Unlock()

	d.emit(events)
	return nil
}

// ApplyPresence merges a presence entry received out of band, such as an
// awareness frame. It reports whether the entry changed the table.
func (d *Document) ApplyPresence(p Presence) bool {
	if p.UserID == "" || !validTimestamp(p.UpdatedAt) {
		return false
	}
	if p.State != nil && !json.Valid(p.State) {
		return false
	}
	d.mu.Lock()
	events := d.applyPresenceOps([]presenceOp{{User: p.UserID, Value: p.State, TS: p.UpdatedAt}}, true)
	d.mu.Unlock()

	d.emit(events)
	return len(events) > 0
}

// PresenceOf returns the entry for userID, including its timestamp.
func (d *Document) PresenceOf(userID string) (Presence, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	e, ok := d.presence[userID]
	if !ok || e.Value == nil {
		return Presence{}, false
	}
	return Presence{UserID: userID, State: e.Value, UpdatedAt: e.TS}, true
}

// PresenceStates returns the decoded presence state of every user.
func (d *Document) PresenceStates() map[string]any {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make(map[string]any, len(d.presence))
	for user, e := range d.presence {
		if e.Value == nil {
			continue
		}
		var v any
		if err := json.Unmarshal(e.Value, &v); err != nil {
			continue
		}
		out[user] = v
	}
	return out
}

// ResetPresence drops every presence entry except keep's. Peers repopulate
// theirs after a reconnect.
func (d *Document) ResetPresence(keep string) {
	d.mu.Lock()
	for user := range d.presence {
		if user != keep {
			delete(d.presence, user)
		}
	}
	d.mu.Unlock()
}

// applyPresenceOps merges presence writes. Caller holds mu.
func (d *Document) applyPresenceOps(ops []presenceOp, remote bool) []Event {
	var events []Event
	for _, op := range ops {
		if op.TS.Counter > d.presenceClock {
			d.presenceClock = op.TS.Counter
		}
		cur, ok := d.presence[op.User]
		if ok && !op.TS.After(cur.TS) {
			continue
		}
		d.presence[op.User] = presenceEntry{Value: op.Value, TS: op.TS}
		if !ok && op.Value == nil {
			continue
		}
		events = append(events, Event{Type: PresenceChanged, UserID: op.User, Remote: remote})
	}
	return events
}
