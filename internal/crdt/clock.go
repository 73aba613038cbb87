package crdt

import (
	"fmt"
	"sort"
)

// Timestamp is a Lamport timestamp tagged with the actor that produced it.
// Timestamps are totally ordered: by Counter, then by Actor.
type Timestamp struct {
	Counter uint64 `json:"c"`
	Actor   string `json:"a"`
}

// IsZero reports whether t is the zero timestamp.
func (t Timestamp) IsZero() bool {
	return t.Counter == 0 && t.Actor == ""
}

// Less reports whether t sorts before o.
func (t Timestamp) Less(o Timestamp) bool {
	if t.Counter != o.Counter {
		return t.Counter < o.Counter
	}
	return t.Actor < o.Actor
}

// After reports whether t sorts after o.
func (t Timestamp) After(o Timestamp) bool {
	return o.Less(t)
}

func (t Timestamp) String() string {
	return fmt.Sprintf("%d@%s", t.Counter, t.Actor)
}

// StateVector records, per actor, the highest counter observed from it.
type StateVector map[string]uint64

// Observe raises the entry for t.Actor to at least t.Counter.
func (v StateVector) Observe(t Timestamp) {
	if t.Counter > v[t.Actor] {
		v[t.Actor] = t.Counter
	}
}

// Merge raises every entry of v to at least the matching entry of o.
func (v StateVector) Merge(o StateVector) {
	for actor, counter := range o {
		if counter > v[actor] {
			v[actor] = counter
		}
	}
}

// Covers reports whether v has already observed t.
func (v StateVector) Covers(t Timestamp) bool {
	return t.Counter <= v[t.Actor]
}

// Dominates reports whether every entry of o is covered by v.
func (v StateVector) Dominates(o StateVector) bool {
	for actor, counter := range o {
		if v[actor] < counter {
			return false
		}
	}
	return true
}

// Clone returns a copy of v.
func (v StateVector) Clone() StateVector {
	out := make(StateVector, len(v))
	for actor, counter := range v {
		out[actor] = counter
	}
	return out
}

// Actors returns the actors of v in sorted order.
func (v StateVector) Actors() []string {
	actors := make([]string, 0, len(v))
	for actor := range v {
		actors = append(actors, actor)
	}
	sort.Strings(actors)
	return actors
}
