package crdt

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/hyperengineering/fieldsync/internal/types"
)

// ErrIndexOutOfRange is returned by ReplaceAt for an index past the end of
// the visible log.
var ErrIndexOutOfRange = errors.New("log index out of range")

type element struct {
	ID     Timestamp
	Origin Timestamp
	Value  json.RawMessage
}

// sequence is a replicated growable array. Every element remembers the
// element it was inserted after; siblings sharing an origin are ordered by
// descending id and the list is the preorder walk of that tree. Deleted
// elements stay in the tree so later inserts can still anchor on them.
type sequence struct {
	elems   map[Timestamp]*element
	deleted map[Timestamp]Timestamp
	cache   []*element
}

func newSequence() *sequence {
	return &sequence{
		elems:   make(map[Timestamp]*element),
		deleted: make(map[Timestamp]Timestamp),
	}
}

// order returns every element, deleted ones included, in list order.
// Elements whose origin is unknown hang off the head until it arrives.
func (s *sequence) order() []*element {
	if s.cache != nil {
		return s.cache
	}
	children := make(map[Timestamp][]*element)
	for _, el := range s.elems {
		parent := el.Origin
		if _, ok := s.elems[parent]; !ok {
			parent = Timestamp{}
		}
		children[parent] = append(children[parent], el)
	}
	for _, kids := range children {
		sort.Slice(kids, func(i, j int) bool { return kids[j].ID.Less(kids[i].ID) })
	}

	out := make([]*element, 0, len(s.elems))
	stack := make([]*element, 0, len(children[Timestamp{}]))
	push := func(kids []*element) {
		for i := len(kids) - 1; i >= 0; i-- {
			stack = append(stack, kids[i])
		}
	}
	push(children[Timestamp{}])
	for len(stack) > 0 {
		el := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		out = append(out, el)
		push(children[el.ID])
	}
	s.cache = out
	return out
}

func (s *sequence) visible() []*element {
	all := s.order()
	out := make([]*element, 0, len(all))
	for _, el := range all {
		if _, gone := s.deleted[el.ID]; !gone {
			out = append(out, el)
		}
	}
	return out
}

// Append adds entry at the end of the log.
func (d *Document) Append(log types.LogKind, entry any) error {
	if !log.Valid() {
		return fmt.Errorf("%w: log kind %q", ErrUnknownContainer, log)
	}
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode log entry: %w", err)
	}

	d.mu.Lock()
	var origin Timestamp
	if all := d.logs[log].order(); len(all) > 0 {
		origin = all[len(all)-1].ID
	}
	u := &update{Inserts: []insertOp{{Log: log, ID: d.tick(), Origin: origin, Value: raw}}}
	events := d.apply(u, false)
	d.mu.Unlock()

	d.emit(events)
	return nil
}

// ReplaceAt deletes the visible entry at index and inserts entry in its
// place. It is the only way to change an appended entry.
func (d *Document) ReplaceAt(log types.LogKind, index int, entry any) error {
	if !log.Valid() {
		return fmt.Errorf("%w: log kind %q", ErrUnknownContainer, log)
	}
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode log entry: %w", err)
	}

	d.mu.Lock()
	vis := d.logs[log].visible()
	if index < 0 || index >= len(vis) {
		d.mu.Unlock()
		return fmt.Errorf("%w: %d (len %d)", ErrIndexOutOfRange, index, len(vis))
	}
	target := vis[index].ID
	ts := d.tick()
	u := &update{
		Deletes: []deleteOp{{Log: log, Target: target, TS: ts}},
		Inserts: []insertOp{{Log: log, ID: ts, Origin: target, Value: raw}},
	}
	events := d.apply(u, false)
	d.mu.Unlock()

	d.emit(events)
	return nil
}

// ToArray returns the visible entries of the log in order.
func (d *Document) ToArray(log types.LogKind) ([]any, error) {
	if !log.Valid() {
		return nil, fmt.Errorf("%w: log kind %q", ErrUnknownContainer, log)
	}
	d.mu.Lock()
	vis := d.logs[log].visible()
	d.mu.Unlock()

	out := make([]any, 0, len(vis))
	for _, el := range vis {
		var v any
		if err := json.Unmarshal(el.Value, &v); err != nil {
			return nil, fmt.Errorf("decode log entry %s: %w", el.ID, err)
		}
		out = append(out, v)
	}
	return out, nil
}

// Len returns the number of visible entries in the log.
func (d *Document) Len(log types.LogKind) int {
	if !log.Valid() {
		return 0
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.logs[log].visible())
}

// applyLogOps merges log deletes and inserts. Caller holds mu.
func (d *Document) applyLogOps(u *update, remote bool) []Event {
	var events []Event
	for _, op := range u.Deletes {
		d.observe(op.TS)
		seq := d.logs[op.Log]
		cur, already := seq.deleted[op.Target]
		if already && !op.TS.After(cur) {
			continue
		}
		seq.deleted[op.Target] = op.TS
		if _, exists := seq.elems[op.Target]; exists && !already {
			events = append(events, Event{Type: LogDeleted, Log: op.Log, EntityID: op.Target.String(), Remote: remote})
		}
	}
	for _, op := range u.Inserts {
		d.observe(op.ID)
		seq := d.logs[op.Log]
		if _, exists := seq.elems[op.ID]; exists {
			continue
		}
		seq.elems[op.ID] = &element{ID: op.ID, Origin: op.Origin, Value: op.Value}
		seq.cache = nil
		if _, gone := seq.deleted[op.ID]; !gone {
			events = append(events, Event{Type: LogAppended, Log: op.Log, EntityID: op.ID.String(), Remote: remote})
		}
	}
	return events
}
