// Package crdt implements the replicated document shared by every device
// editing one room: per-field last-writer-wins entity maps, append-only
// ordered logs and an ephemeral presence table.
//
// All state is a set of operations stamped with Lamport timestamps. Merging
// two documents is the union of their operations, keeping the greatest
// timestamp per register, so updates may be applied in any order and any
// number of times.
package crdt

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/hyperengineering/fieldsync/internal/types"
)

// ErrNotFound is returned when an entity is absent or deleted.
var ErrNotFound = errors.New("entity not found")

// register is one last-writer-wins field. A nil Value is a deleted field.
type register struct {
	Value json.RawMessage
	TS    Timestamp
}

type entityState struct {
	fields    map[string]register
	tombstone Timestamp
}

func (e *entityState) visible() bool {
	for _, r := range e.fields {
		if r.Value != nil && r.TS.After(e.tombstone) {
			return true
		}
	}
	return false
}

func (e *entityState) snapshot() (types.Entity, error) {
	out := make(types.Entity, len(e.fields))
	for name, r := range e.fields {
		if r.Value == nil || !r.TS.After(e.tombstone) {
			continue
		}
		var v any
		if err := json.Unmarshal(r.Value, &v); err != nil {
			return nil, fmt.Errorf("decode field %s: %w", name, err)
		}
		out[name] = v
	}
	return out, nil
}

// Option configures a Document.
type Option func(*Document)

// WithUserID sets the user recorded as lastModifiedBy on local writes.
// Defaults to the actor id.
func WithUserID(userID string) Option {
	return func(d *Document) { d.userID = userID }
}

// WithClock overrides the wall clock used for lastModified stamps.
func WithClock(now func() int64) Option {
	return func(d *Document) { d.now = now }
}

// Document is one replicated room document. It is safe for concurrent use.
type Document struct {
	mu     sync.RWMutex
	actor  string
	userID string
	now    func() int64

	clock    uint64
	vector   StateVector
	entities map[types.EntityKind]map[string]*entityState
	logs     map[types.LogKind]*sequence

	presenceClock uint64
	presence      map[string]presenceEntry

	subMu  sync.RWMutex
	nextID int
	subs   map[int]func(Event)
}

// New creates an empty document whose local operations are attributed to
// actor. Actor ids must be unique per writer process.
func New(actor string, opts ...Option) *Document {
	d := &Document{
		actor:    actor,
		userID:   actor,
		now:      types.NowMillis,
		vector:   make(StateVector),
		entities: make(map[types.EntityKind]map[string]*entityState, len(types.EntityKinds)),
		logs:     make(map[types.LogKind]*sequence, len(types.LogKinds)),
		presence: make(map[string]presenceEntry),
		subs:     make(map[int]func(Event)),
	}
	for _, k := range types.EntityKinds {
		d.entities[k] = make(map[string]*entityState)
	}
	for _, k := range types.LogKinds {
		d.logs[k] = newSequence()
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Actor returns the actor id of local operations.
func (d *Document) Actor() string { return d.actor }

// StateVector returns a copy of the operations observed so far.
func (d *Document) StateVector() StateVector {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.vector.Clone()
}

// tick advances the Lamport clock for a local operation. Caller holds mu.
func (d *Document) tick() Timestamp {
	d.clock++
	return Timestamp{Counter: d.clock, Actor: d.actor}
}

// observe folds a timestamp into the Lamport clock and state vector.
// Caller holds mu.
func (d *Document) observe(ts Timestamp) {
	if ts.Counter > d.clock {
		d.clock = ts.Counter
	}
	d.vector.Observe(ts)
}

// Set replaces the entity id of the given kind with value. Fields missing
// from value are deleted; id, lastModified and lastModifiedBy are stamped.
func (d *Document) Set(kind types.EntityKind, id string, value types.Entity) error {
	if !kind.Valid() {
		return fmt.Errorf("%w: entity kind %q", ErrUnknownContainer, kind)
	}
	if id == "" {
		return errors.New("entity id is required")
	}

	fields := value.Clone()
	if fields == nil {
		fields = make(types.Entity)
	}
	fields[types.FieldID] = id
	fields[types.FieldLastModified] = d.now()
	fields[types.FieldLastModifiedBy] = d.userID

	encoded := make(map[string]json.RawMessage, len(fields))
	for name, v := range fields {
		raw, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("encode field %s: %w", name, err)
		}
		encoded[name] = raw
	}

	d.mu.Lock()
	ts := d.tick()
	u := &update{}
	for _, name := range sortedKeys(encoded) {
		u.Fields = append(u.Fields, fieldOp{Kind: kind, Entity: id, Field: name, Value: encoded[name], TS: ts})
	}
	if st, ok := d.entities[kind][id]; ok {
		for _, name := range sortedKeys(st.fields) {
			r := st.fields[name]
			if _, keep := encoded[name]; keep || r.Value == nil || !r.TS.After(st.tombstone) {
				continue
			}
			u.Fields = append(u.Fields, fieldOp{Kind: kind, Entity: id, Field: name, TS: ts})
		}
	}
	events := d.apply(u, false)
	d.mu.Unlock()

	d.emit(events)
	return nil
}

// Get returns a snapshot of the entity, or ErrNotFound.
func (d *Document) Get(kind types.EntityKind, id string) (types.Entity, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("%w: entity kind %q", ErrUnknownContainer, kind)
	}
	d.mu.RLock()
	defer d.mu.RUnlock()

	st, ok := d.entities[kind][id]
	if !ok || !st.visible() {
		return nil, ErrNotFound
	}
	return st.snapshot()
}

// Delete removes the entity. Deleting an absent entity is a no-op.
// A later write to the same id resurrects it.
func (d *Document) Delete(kind types.EntityKind, id string) error {
	if !kind.Valid() {
		return fmt.Errorf("%w: entity kind %q", ErrUnknownContainer, kind)
	}

	d.mu.Lock()
	st, ok := d.entities[kind][id]
	if !ok || !st.visible() {
		d.mu.Unlock()
		return nil
	}
	u := &update{Tombstones: []tombstoneOp{{Kind: kind, Entity: id, TS: d.tick()}}}
	events := d.apply(u, false)
	d.mu.Unlock()

	d.emit(events)
	return nil
}

// GetAll returns snapshots of every visible entity of kind, keyed by id.
func (d *Document) GetAll(kind types.EntityKind) (map[string]types.Entity, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("%w: entity kind %q", ErrUnknownContainer, kind)
	}
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make(map[string]types.Entity)
	for id, st := range d.entities[kind] {
		if !st.visible() {
			continue
		}
		snap, err := st.snapshot()
		if err != nil {
			return nil, err
		}
		out[id] = snap
	}
	return out, nil
}

// apply merges the operations of u into the document and returns the
// resulting change events. Caller holds mu; u must be validated.
func (d *Document) apply(u *update, remote bool) []Event {
	type entityKey struct {
		kind types.EntityKind
		id   string
	}
	type touch struct {
		before  bool
		changed bool
	}
	touched := make(map[entityKey]*touch)
	var order []entityKey

	state := func(kind types.EntityKind, id string) *entityState {
		key := entityKey{kind, id}
		st, ok := d.entities[kind][id]
		if !ok {
			st = &entityState{fields: make(map[string]register)}
			d.entities[kind][id] = st
		}
		if _, seen := touched[key]; !seen {
			touched[key] = &touch{before: ok && st.visible()}
			order = append(order, key)
		}
		return st
	}

	for _, op := range u.Tombstones {
		d.observe(op.TS)
		st := state(op.Kind, op.Entity)
		if op.TS.After(st.tombstone) {
			st.tombstone = op.TS
			touched[entityKey{op.Kind, op.Entity}].changed = true
		}
	}
	for _, op := range u.Fields {
		d.observe(op.TS)
		st := state(op.Kind, op.Entity)
		if cur, ok := st.fields[op.Field]; !ok || op.TS.After(cur.TS) {
			st.fields[op.Field] = register{Value: op.Value, TS: op.TS}
			touched[entityKey{op.Kind, op.Entity}].changed = true
		}
	}

	var events []Event
	for _, key := range order {
		t := touched[key]
		after := d.entities[key.kind][key.id].visible()
		ev := Event{Kind: key.kind, EntityID: key.id, Remote: remote}
		switch {
		case !t.before && after:
			ev.Type = EntityAdded
		case t.before && !after:
			ev.Type = EntityDeleted
		case t.before && after && t.changed:
			ev.Type = EntityUpdated
		default:
			continue
		}
		events = append(events, ev)
	}

	events = append(events, d.applyLogOps(u, remote)...)
	events = append(events, d.applyPresenceOps(u.Presence, remote)...)
	return events
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
