package transport

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/hyperengineering/fieldsync/internal/crdt"
)

// FrameType is the first byte of every binary frame.
type FrameType byte

const (
	// FrameUpdate carries an encoded document update.
	FrameUpdate FrameType = 1
	// FrameStateVector carries an encoded state vector; the receiver answers
	// with the update the sender lacks.
	FrameStateVector FrameType = 2
	// FrameAwareness carries one JSON Awareness entry.
	FrameAwareness FrameType = 3
)

func (t FrameType) String() string {
	switch t {
	case FrameUpdate:
		return "update"
	case FrameStateVector:
		return "state_vector"
	case FrameAwareness:
		return "awareness"
	default:
		return fmt.Sprintf("frame(%d)", byte(t))
	}
}

// ErrBadFrame is returned for frames that cannot be parsed.
var ErrBadFrame = errors.New("bad frame")

// Frame is one message on the stream.
type Frame struct {
	Type    FrameType
	Payload []byte
}

// Encode returns the wire form: type byte followed by payload.
func (f Frame) Encode() []byte {
	out := make([]byte, 0, 1+len(f.Payload))
	out = append(out, byte(f.Type))
	return append(out, f.Payload...)
}

// DecodeFrame parses a wire frame.
func DecodeFrame(data []byte) (Frame, error) {
	if len(data) == 0 {
		return Frame{}, fmt.Errorf("%w: empty", ErrBadFrame)
	}
	t := FrameType(data[0])
	switch t {
	case FrameUpdate, FrameStateVector, FrameAwareness:
	default:
		return Frame{}, fmt.Errorf("%w: unknown type %d", ErrBadFrame, data[0])
	}
	return Frame{Type: t, Payload: data[1:]}, nil
}

// Awareness is a presence broadcast keyed by the sending connection.
type Awareness struct {
	ClientID  string          `json:"clientId"`
	UserID    string          `json:"userId"`
	State     json.RawMessage `json:"state"`
	UpdatedAt uint64          `json:"updatedAt"`
}

// Presence converts the broadcast into a document presence entry.
func (a Awareness) Presence() crdt.Presence {
	state := a.State
	if string(state) == "null" {
		state = nil
	}
	return crdt.Presence{
		UserID:    a.UserID,
		State:     state,
		UpdatedAt: crdt.Timestamp{Counter: a.UpdatedAt, Actor: a.ClientID},
	}
}

// AwarenessFrame builds an awareness frame.
func AwarenessFrame(a Awareness) (Frame, error) {
	payload, err := json.Marshal(a)
	if err != nil {
		return Frame{}, fmt.Errorf("marshal awareness: %w", err)
	}
	return Frame{Type: FrameAwareness, Payload: payload}, nil
}

// ParseAwareness decodes an awareness frame payload.
func ParseAwareness(payload []byte) (Awareness, error) {
	var a Awareness
	if err := json.Unmarshal(payload, &a); err != nil {
		return Awareness{}, fmt.Errorf("%w: awareness: %v", ErrBadFrame, err)
	}
	if a.ClientID == "" || a.UserID == "" {
		return Awareness{}, fmt.Errorf("%w: awareness missing ids", ErrBadFrame)
	}
	return a, nil
}
