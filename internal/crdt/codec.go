package crdt

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/golang/snappy"

	"github.com/hyperengineering/fieldsync/internal/types"
)

var (
	// ErrMalformedUpdate is returned when update bytes cannot be decoded.
	// A malformed update is never partially applied.
	ErrMalformedUpdate = errors.New("malformed document update")

	// ErrUnknownContainer is returned for an entity or log kind the
	// document does not define.
	ErrUnknownContainer = errors.New("unknown container")
)

// updateMagic prefixes every encoded update and state vector.
var (
	updateMagic = []byte("FSU")
	vectorMagic = []byte("FSV")
)

const codecVersion byte = 1

// fieldOp writes one field of one entity. A nil Value deletes the field.
type fieldOp struct {
	Kind   types.EntityKind `json:"k"`
	Entity string           `json:"e"`
	Field  string           `json:"f"`
	Value  json.RawMessage  `json:"v,omitempty"`
	TS     Timestamp        `json:"ts"`
}

// tombstoneOp deletes a whole entity as of TS.
type tombstoneOp struct {
	Kind   types.EntityKind `json:"k"`
	Entity string           `json:"e"`
	TS     Timestamp        `json:"ts"`
}

// insertOp inserts a log element after Origin (zero origin = list head).
type insertOp struct {
	Log    types.LogKind   `json:"l"`
	ID     Timestamp       `json:"id"`
	Origin Timestamp       `json:"o"`
	Value  json.RawMessage `json:"v"`
}

// deleteOp hides the log element Target.
type deleteOp struct {
	Log    types.LogKind `json:"l"`
	Target Timestamp     `json:"t"`
	TS     Timestamp     `json:"ts"`
}

// presenceOp sets the ephemeral presence state of one user.
type presenceOp struct {
	User  string          `json:"u"`
	Value json.RawMessage `json:"v,omitempty"`
	TS    Timestamp       `json:"ts"`
}

// update is the decoded form of an encoded document update: a set of
// operations. Applying the same set twice, or two sets in either order,
// yields the same document.
type update struct {
	Fields     []fieldOp     `json:"f,omitempty"`
	Tombstones []tombstoneOp `json:"t,omitempty"`
	Inserts    []insertOp    `json:"i,omitempty"`
	Deletes    []deleteOp    `json:"d,omitempty"`
	Presence   []presenceOp  `json:"p,omitempty"`
}

func (u *update) empty() bool {
	return len(u.Fields) == 0 && len(u.Tombstones) == 0 && len(u.Inserts) == 0 &&
		len(u.Deletes) == 0 && len(u.Presence) == 0
}

// vector returns the state vector covered by the replicated (non-presence)
// operations of u.
func (u *update) vector() StateVector {
	v := make(StateVector)
	for _, op := range u.Fields {
		v.Observe(op.TS)
	}
	for _, op := range u.Tombstones {
		v.Observe(op.TS)
	}
	for _, op := range u.Inserts {
		v.Observe(op.ID)
	}
	for _, op := range u.Deletes {
		v.Observe(op.TS)
	}
	return v
}

func encodeUpdate(u *update) ([]byte, error) {
	raw, err := json.Marshal(u)
	if err != nil {
		return nil, fmt.Errorf("marshal update: %w", err)
	}
	out := make([]byte, 0, len(updateMagic)+1+snappy.MaxEncodedLen(len(raw)))
	out = append(out, updateMagic...)
	out = append(out, codecVersion)
	return append(out, snappy.Encode(nil, raw)...), nil
}

func decodeUpdate(data []byte) (*update, error) {
	body, err := unframe(data, updateMagic)
	if err != nil {
		return nil, err
	}
	var u update
	if err := json.Unmarshal(body, &u); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedUpdate, err)
	}
	if err := u.validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedUpdate, err)
	}
	return &u, nil
}

// EncodeStateVector serializes a state vector for exchange with a peer.
func EncodeStateVector(v StateVector) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal state vector: %w", err)
	}
	out := make([]byte, 0, len(vectorMagic)+1+snappy.MaxEncodedLen(len(raw)))
	out = append(out, vectorMagic...)
	out = append(out, codecVersion)
	return append(out, snappy.Encode(nil, raw)...), nil
}

// DecodeStateVector parses bytes produced by EncodeStateVector.
func DecodeStateVector(data []byte) (StateVector, error) {
	body, err := unframe(data, vectorMagic)
	if err != nil {
		return nil, err
	}
	v := make(StateVector)
	if err := json.Unmarshal(body, &v); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedUpdate, err)
	}
	return v, nil
}

func unframe(data, magic []byte) ([]byte, error) {
	if len(data) < len(magic)+1 || !bytes.Equal(data[:len(magic)], magic) {
		return nil, fmt.Errorf("%w: bad header", ErrMalformedUpdate)
	}
	if v := data[len(magic)]; v != codecVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrMalformedUpdate, v)
	}
	body, err := snappy.Decode(nil, data[len(magic)+1:])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedUpdate, err)
	}
	return body, nil
}

func validTimestamp(t Timestamp) bool {
	return t.Counter > 0 && t.Actor != ""
}

func (u *update) validate() error {
	for _, op := range u.Fields {
		if !op.Kind.Valid() {
			return fmt.Errorf("%w: entity kind %q", ErrUnknownContainer, op.Kind)
		}
		if op.Entity == "" || op.Field == "" || !validTimestamp(op.TS) {
			return errors.New("incomplete field operation")
		}
		if op.Value != nil && !json.Valid(op.Value) {
			return errors.New("field value is not valid JSON")
		}
	}
	for _, op := range u.Tombstones {
		if !op.Kind.Valid() {
			return fmt.Errorf("%w: entity kind %q", ErrUnknownContainer, op.Kind)
		}
		if op.Entity == "" || !validTimestamp(op.TS) {
			return errors.New("incomplete tombstone operation")
		}
	}
	for _, op := range u.Inserts {
		if !op.Log.Valid() {
			return fmt.Errorf("%w: log kind %q", ErrUnknownContainer, op.Log)
		}
		if !validTimestamp(op.ID) || !json.Valid(op.Value) {
			return errors.New("incomplete insert operation")
		}
		if !op.Origin.IsZero() && !op.Origin.Less(op.ID) {
			return errors.New("insert origin does not precede element")
		}
	}
	for _, op := range u.Deletes {
		if !op.Log.Valid() {
			return fmt.Errorf("%w: log kind %q", ErrUnknownContainer, op.Log)
		}
		if !validTimestamp(op.Target) || !validTimestamp(op.TS) {
			return errors.New("incomplete delete operation")
		}
	}
	for _, op := range u.Presence {
		if op.User == "" || !validTimestamp(op.TS) {
			return errors.New("incomplete presence operation")
		}
		if op.Value != nil && !json.Valid(op.Value) {
			return errors.New("presence value is not valid JSON")
		}
	}
	return nil
}
