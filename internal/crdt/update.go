package crdt

import (
	"sort"

	"github.com/hyperengineering/fieldsync/internal/types"
)

// EncodeOption adjusts what EncodeUpdate and EncodeUpdateSince include.
type EncodeOption func(*encodeConfig)

type encodeConfig struct {
	presence bool
}

// WithoutPresence leaves the presence table out of the encoded update.
// Persisted snapshots use it since presence is ephemeral.
func WithoutPresence() EncodeOption {
	return func(c *encodeConfig) { c.presence = false }
}

// EncodeUpdate encodes the full document state. Applying it to an empty
// document reproduces this one.
func (d *Document) EncodeUpdate(opts ...EncodeOption) ([]byte, error) {
	return d.EncodeUpdateSince(nil, opts...)
}

// EncodeStateVector encodes the document's state vector so a peer can
// answer with EncodeUpdateSince.
func (d *Document) EncodeStateVector() ([]byte, error) {
	return EncodeStateVector(d.StateVector())
}

// EncodeUpdateSince encodes the operations not covered by since. A nil
// vector selects everything.
func (d *Document) EncodeUpdateSince(since StateVector, opts ...EncodeOption) ([]byte, error) {
	cfg := encodeConfig{presence: true}
	for _, opt := range opts {
		opt(&cfg)
	}

	// Lock rather than RLock: walking a log fills its order cache.
	d.mu.Lock()
	u := d.collect(since, cfg.presence)
	d.mu.Unlock()

	return encodeUpdate(u)
}

// collect gathers the operations newer than since. Caller holds mu.
func (d *Document) collect(since StateVector, presence bool) *update {
	include := func(ts Timestamp) bool {
		return !ts.IsZero() && (since == nil || !since.Covers(ts))
	}

	u := &update{}
	for _, kind := range types.EntityKinds {
		states := d.entities[kind]
		for _, id := range sortedKeys(states) {
			st := states[id]
			if include(st.tombstone) {
				u.Tombstones = append(u.Tombstones, tombstoneOp{Kind: kind, Entity: id, TS: st.tombstone})
			}
			for _, name := range sortedKeys(st.fields) {
				r := st.fields[name]
				if include(r.TS) {
					u.Fields = append(u.Fields, fieldOp{Kind: kind, Entity: id, Field: name, Value: r.Value, TS: r.TS})
				}
			}
		}
	}

	for _, log := range types.LogKinds {
		seq := d.logs[log]
		for _, el := range seq.order() {
			if include(el.ID) {
				u.Inserts = append(u.Inserts, insertOp{Log: log, ID: el.ID, Origin: el.Origin, Value: el.Value})
			}
		}
		targets := make([]Timestamp, 0, len(seq.deleted))
		for target := range seq.deleted {
			targets = append(targets, target)
		}
		sort.Slice(targets, func(i, j int) bool { return targets[i].Less(targets[j]) })
		for _, target := range targets {
			if ts := seq.deleted[target]; include(ts) {
				u.Deletes = append(u.Deletes, deleteOp{Log: log, Target: target, TS: ts})
			}
		}
	}

	if presence {
		for _, user := range sortedKeys(d.presence) {
			e := d.presence[user]
			u.Presence = append(u.Presence, presenceOp{User: user, Value: e.Value, TS: e.TS})
		}
	}
	return u
}

// ApplyUpdate merges encoded update bytes into the document. Malformed
// input returns ErrMalformedUpdate and leaves the document unchanged.
// Stale or duplicate operations are ignored.
func (d *Document) ApplyUpdate(data []byte) error {
	_, err := d.ApplyRemoteUpdate(data)
	return err
}

// ApplyRemoteUpdate is ApplyUpdate that also returns the state vector
// covered by the update, letting a transport track what its peer holds.
func (d *Document) ApplyRemoteUpdate(data []byte) (StateVector, error) {
	u, err := decodeUpdate(data)
	if err != nil {
		return nil, err
	}
	if u.empty() {
		return StateVector{}, nil
	}

	d.mu.Lock()
	events := d.apply(u, true)
	d.mu.Unlock()

	if len(events) > 0 {
		events = append(events, Event{Type: RemoteUpdate, Remote: true})
	}
	d.emit(events)
	return u.vector(), nil
}
