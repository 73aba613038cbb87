package transport

import (
	"errors"
	"testing"
	"time"
)

func TestFrame_RoundTrip(t *testing.T) {
	f := Frame{Type: FrameUpdate, Payload: []byte("abc")}
	got, err := DecodeFrame(f.Encode())
	if err != nil {
		t.Fatalf("DecodeFrame() error = %v", err)
	}
	if got.Type != FrameUpdate || string(got.Payload) != "abc" {
		t.Errorf("got %+v", got)
	}
}

func TestDecodeFrame_Rejects(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"unknown type", []byte{9, 1, 2}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := DecodeFrame(tt.data); !errors.Is(err, ErrBadFrame) {
				t.Errorf("DecodeFrame() error = %v, want ErrBadFrame", err)
			}
		})
	}
}

func TestAwareness_Presence(t *testing.T) {
	f, err := AwarenessFrame(Awareness{ClientID: "c1", UserID: "u1", State: []byte(`{"state":"foreground"}`), UpdatedAt: 4})
	if err != nil {
		t.Fatal(err)
	}
	a, err := ParseAwareness(f.Payload)
	if err != nil {
		t.Fatalf("ParseAwareness() error = %v", err)
	}
	p := a.Presence()
	if p.UserID != "u1" || p.UpdatedAt.Counter != 4 || p.UpdatedAt.Actor != "c1" {
		t.Errorf("Presence() = %+v", p)
	}

	// And: a null state clears the entry
	a.State = []byte("null")
	if a.Presence().State != nil {
		t.Error("null state should map to nil")
	}

	if _, err := ParseAwareness([]byte(`{"userId":"u1"}`)); !errors.Is(err, ErrBadFrame) {
		t.Errorf("missing client id accepted: %v", err)
	}
}

func TestBackoffDelay_Sequence(t *testing.T) {
	want := []time.Duration{1, 2, 4, 8, 16, 30, 30}
	for i, w := range want {
		if got := BackoffDelay(i, time.Second, 30*time.Second); got != w*time.Second {
			t.Errorf("BackoffDelay(%d) = %v, want %v", i, got, w*time.Second)
		}
	}
}
