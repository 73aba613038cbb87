package transport

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/hyperengineering/fieldsync/internal/crdt"
	"github.com/hyperengineering/fieldsync/internal/notify"
	"github.com/hyperengineering/fieldsync/internal/types"
)

// fakeStream is an in-memory Stream. Frames the manager sends land in
// sent; frames pushed to recv are delivered by Receive.
type fakeStream struct {
	sent   chan Frame
	recv   chan Frame
	closed chan struct{}
	once   sync.Once
}

func newFakeStream() *fakeStream {
	return &fakeStream{
		sent:   make(chan Frame, 64),
		recv:   make(chan Frame, 64),
		closed: make(chan struct{}),
	}
}

func (s *fakeStream) Send(_ context.Context, f Frame) error {
	select {
	case <-s.closed:
		return io.ErrClosedPipe
	default:
	}
	s.sent <- f
	return nil
}

func (s *fakeStream) Receive() (Frame, error) {
	select {
	case f := <-s.recv:
		return f, nil
	case <-s.closed:
		return Frame{}, io.EOF
	}
}

func (s *fakeStream) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

// next returns the next sent frame or fails the test.
func (s *fakeStream) next(t *testing.T) Frame {
	t.Helper()
	select {
	case f := <-s.sent:
		return f
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a frame")
		return Frame{}
	}
}

// nextOfType skips frames until one of type ft arrives.
func (s *fakeStream) nextOfType(t *testing.T, ft FrameType) Frame {
	t.Helper()
	for {
		if f := s.next(t); f.Type == ft {
			return f
		}
	}
}

type fakeDialer struct {
	mu      sync.Mutex
	fail    int
	dials   int
	tokens  []string
	streams chan *fakeStream
}

func newFakeDialer(fail int) *fakeDialer {
	return &fakeDialer{fail: fail, streams: make(chan *fakeStream, 16)}
}

func (d *fakeDialer) Dial(_ context.Context, _ string, token string) (Stream, error) {
	d.mu.Lock()
	d.dials++
	d.tokens = append(d.tokens, token)
	n := d.dials
	d.mu.Unlock()
	if n <= d.fail {
		return nil, errors.New("connection refused")
	}
	s := newFakeStream()
	d.streams <- s
	return s, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDialer) nextStream(t *testing.T) *fakeStream {
	t.Helper()
	select {
	case s := <-d.streams:
		return s
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a dial")
		return nil
	}
}

type fakeFlusher struct {
	mu        sync.Mutex
	autoSaves bool
	saves     int
}

func (f *fakeFlusher) AutoSaves() bool { return f.autoSaves }

func (f *fakeFlusher) Save(context.Context, string) error {
	f.mu.Lock()
	f.saves++
	f.mu.Unlock()
	return nil
}

func (f *fakeFlusher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.saves
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func fastConfig() Config {
	return Config{
		ConnectTimeout: time.Second,
		InitialBackoff: 10 * time.Millisecond,
		MaxBackoff:     40 * time.Millisecond,
		AutoConnect:    true,
	}
}

func TestManager_ConnectSendsVectorAndState(t *testing.T) {
	// Given: a document with local data and a reachable relay
	doc := crdt.New("dev-a")
	if err := doc.Set(types.KindProperty, "p1", types.Entity{"address": "12 Elm"}); err != nil {
		t.Fatal(err)
	}
	dialer := newFakeDialer(0)
	rec := &notify.Recorder{}
	m := NewManager("room-1", "u1", doc, dialer,
		WithConfig(fastConfig()), WithPublisher(rec), WithTokenSource(StaticToken("tok")))

	// When: the manager starts
	m.Start(context.Background())
	defer m.Close(context.Background())
	s := dialer.nextStream(t)

	// Then: it announces its vector and pushes its full state
	if f := s.next(t); f.Type != FrameStateVector {
		t.Fatalf("first frame = %s, want state_vector", f.Type)
	}
	f := s.next(t)
	if f.Type != FrameUpdate {
		t.Fatalf("second frame = %s, want update", f.Type)
	}
	peer := crdt.New("relay")
	if err := peer.ApplyUpdate(f.Payload); err != nil {
		t.Fatal(err)
	}
	if _, err := peer.Get(types.KindProperty, "p1"); err != nil {
		t.Errorf("pushed state missing p1: %v", err)
	}

	eventually(t, func() bool { return m.Status() == StatusConnected }, "never connected")
	if len(rec.OfType(notify.ConnectionStatus)) < 2 {
		t.Errorf("status notifications = %+v", rec.All())
	}
	if dialer.tokens[0] != "tok" {
		t.Errorf("token = %q", dialer.tokens[0])
	}
}

func TestManager_LocalChangesPushedAsDelta(t *testing.T) {
	doc := crdt.New("dev-a")
	_ = doc.Set(types.KindProperty, "p1", types.Entity{"address": "12 Elm"})
	dialer := newFakeDialer(0)
	m := NewManager("room-1", "u1", doc, dialer, WithConfig(fastConfig()))
	m.Start(context.Background())
	defer m.Close(context.Background())
	s := dialer.nextStream(t)
	s.nextOfType(t, FrameUpdate)

	// When: a local write happens while connected
	if err := doc.Set(types.KindReport, "r1", types.Entity{"title": "Draft"}); err != nil {
		t.Fatal(err)
	}

	// Then: only the new write travels
	f := s.nextOfType(t, FrameUpdate)
	peer := crdt.New("relay")
	if err := peer.ApplyUpdate(f.Payload); err != nil {
		t.Fatal(err)
	}
	if _, err := peer.Get(types.KindReport, "r1"); err != nil {
		t.Errorf("delta missing r1: %v", err)
	}
	if _, err := peer.Get(types.KindProperty, "p1"); !errors.Is(err, crdt.ErrNotFound) {
		t.Errorf("delta resent p1: %v", err)
	}
}

func TestManager_AppliesRemoteAndAnswersVector(t *testing.T) {
	doc := crdt.New("dev-a")
	dialer := newFakeDialer(0)
	m := NewManager("room-1", "u1", doc, dialer, WithConfig(fastConfig()))
	m.Start(context.Background())
	defer m.Close(context.Background())
	s := dialer.nextStream(t)
	s.nextOfType(t, FrameStateVector)

	// When: the relay sends garbage and then a valid update
	remote := crdt.New("dev-b")
	_ = remote.Set(types.KindPhoto, "ph1", types.Entity{"uri": "file://1.jpg"})
	data, _ := remote.EncodeUpdate()
	s.recv <- Frame{Type: FrameUpdate, Payload: []byte("garbage")}
	s.recv <- Frame{Type: FrameUpdate, Payload: data}

	// Then: the valid update is applied and the connection survives
	eventually(t, func() bool {
		_, err := doc.Get(types.KindPhoto, "ph1")
		return err == nil
	}, "remote update never applied")
	if m.Status() != StatusConnected {
		t.Errorf("Status() = %s after a bad frame", m.Status())
	}

	// When: a peer with nothing asks for state
	sv, _ := crdt.EncodeStateVector(crdt.StateVector{})
	s.recv <- Frame{Type: FrameStateVector, Payload: sv}

	// Then: the reply carries everything, including what came from dev-b
	f := s.nextOfType(t, FrameUpdate)
	fresh := crdt.New("dev-c")
	if err := fresh.ApplyUpdate(f.Payload); err != nil {
		t.Fatal(err)
	}
	if _, err := fresh.Get(types.KindPhoto, "ph1"); err != nil {
		t.Errorf("state vector reply missing ph1: %v", err)
	}
}

func TestManager_ReconnectsWithBackoff(t *testing.T) {
	// Given: a relay that refuses the first two dials
	doc := crdt.New("dev-a")
	dialer := newFakeDialer(2)
	rec := &notify.Recorder{}
	m := NewManager("room-1", "u1", doc, dialer, WithConfig(fastConfig()), WithPublisher(rec))
	m.Start(context.Background())
	defer m.Close(context.Background())

	// Then: the third dial connects
	first := dialer.nextStream(t)
	eventually(t, func() bool { return m.Status() == StatusConnected }, "never connected")
	if got := dialer.dialCount(); got != 3 {
		t.Errorf("dials = %d, want 3", got)
	}

	// When: the connection drops
	first.Close()

	// Then: the manager reconnects on its own
	second := dialer.nextStream(t)
	if second == first {
		t.Fatal("expected a new stream")
	}
	eventually(t, func() bool { return m.Status() == StatusConnected }, "never reconnected")

	var sawDisconnected bool
	for _, n := range rec.OfType(notify.ConnectionStatus) {
		if n.Payload["status"] == string(StatusDisconnected) {
			sawDisconnected = true
		}
	}
	if !sawDisconnected {
		t.Error("no disconnected notification")
	}
}

func TestManager_DisconnectStopsReconnecting(t *testing.T) {
	doc := crdt.New("dev-a")
	dialer := newFakeDialer(0)
	m := NewManager("room-1", "u1", doc, dialer, WithConfig(fastConfig()))
	m.Connect(context.Background())
	dialer.nextStream(t)
	eventually(t, func() bool { return m.Status() == StatusConnected }, "never connected")

	m.Disconnect()

	if m.Status() != StatusDisconnected {
		t.Errorf("Status() = %s, want disconnected", m.Status())
	}
	n := dialer.dialCount()
	time.Sleep(50 * time.Millisecond)
	if dialer.dialCount() != n {
		t.Error("manager redialed after Disconnect")
	}
}

func TestManager_Awareness(t *testing.T) {
	doc := crdt.New("dev-a")
	dialer := newFakeDialer(0)
	m := NewManager("room-1", "u1", doc, dialer, WithConfig(fastConfig()))

	// Given: the app went to the background before connecting
	m.OnBackground()
	m.Start(context.Background())
	defer m.Close(context.Background())
	s := dialer.nextStream(t)

	// Then: the local presence is announced on connect
	f := s.nextOfType(t, FrameAwareness)
	a, err := ParseAwareness(f.Payload)
	if err != nil {
		t.Fatal(err)
	}
	if a.UserID != "u1" || string(a.State) != `{"state":"background"}` {
		t.Errorf("awareness = %+v", a)
	}

	// When: a peer announces itself
	peer, _ := AwarenessFrame(Awareness{ClientID: "dev-b", UserID: "u2", State: []byte(`{"state":"foreground"}`), UpdatedAt: 1})
	s.recv <- peer
	eventually(t, func() bool {
		_, ok := doc.PresenceStates()["u2"]
		return ok
	}, "peer presence never applied")

	// And: the connection drops
	s.Close()
	dialer.nextStream(t)

	// Then: stale peer presence is dropped and ours remains
	eventually(t, func() bool {
		_, ok := doc.PresenceStates()["u2"]
		return !ok
	}, "peer presence survived a reconnect")
	if _, ok := doc.PresenceStates()["u1"]; !ok {
		t.Error("own presence was dropped")
	}
}

func TestManager_ForegroundReconnectsImmediately(t *testing.T) {
	doc := crdt.New("dev-a")
	dialer := newFakeDialer(1)
	cfg := fastConfig()
	cfg.InitialBackoff = time.Hour
	cfg.MaxBackoff = time.Hour
	m := NewManager("room-1", "u1", doc, dialer, WithConfig(cfg))
	m.Start(context.Background())
	defer m.Close(context.Background())

	// Given: the first dial failed and the next one is an hour away
	eventually(t, func() bool { return dialer.dialCount() == 1 }, "never dialed")

	// When: the app returns to the foreground
	m.OnForeground()

	// Then: it redials without waiting
	dialer.nextStream(t)
	eventually(t, func() bool { return m.Status() == StatusConnected }, "never connected")
}

func TestManager_PeriodicFlush(t *testing.T) {
	tests := []struct {
		name      string
		autoSaves bool
		wantSaves bool
	}{
		{"flushes when registry does not auto save", false, true},
		{"idle when registry auto saves", true, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			flusher := &fakeFlusher{autoSaves: tt.autoSaves}
			cfg := fastConfig()
			cfg.AutoConnect = false
			cfg.FlushInterval = 5 * time.Millisecond
			m := NewManager("room-1", "u1", crdt.New("dev-a"), newFakeDialer(0), WithConfig(cfg), WithFlusher(flusher))

			m.Start(context.Background())
			time.Sleep(40 * time.Millisecond)
			if err := m.Close(context.Background()); err != nil {
				t.Fatal(err)
			}

			if got := flusher.count() > 0; got != tt.wantSaves {
				t.Errorf("saved = %v (%d), want %v", got, flusher.count(), tt.wantSaves)
			}
		})
	}
}

// stallingDialer never completes a dial on its own; it waits for the
// dial context to end.
type stallingDialer struct {
	mu    sync.Mutex
	dials int
}

func (d *stallingDialer) Dial(ctx context.Context, _ string, _ string) (Stream, error) {
	d.mu.Lock()
	d.dials++
	d.mu.Unlock()
	<-ctx.Done()
	return nil, ctx.Err()
}

func (d *stallingDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func TestManager_ConnectTimeoutSchedulesReconnect(t *testing.T) {
	// Given: a relay that accepts connections but never completes them
	dialer := &stallingDialer{}
	cfg := fastConfig()
	cfg.ConnectTimeout = 30 * time.Millisecond
	m := NewManager("room-1", "u1", crdt.New("dev-a"), dialer, WithConfig(cfg))

	var mu sync.Mutex
	var statuses []Status
	m.OnStatus(func(s Status) {
		mu.Lock()
		statuses = append(statuses, s)
		mu.Unlock()
	})
	m.Start(context.Background())
	defer m.Close(context.Background())

	// Then: each attempt times out and another is scheduled
	eventually(t, func() bool { return dialer.dialCount() >= 3 }, "manager did not redial after timeouts")
	m.Disconnect()

	mu.Lock()
	defer mu.Unlock()
	if len(statuses) < 3 || statuses[0] != StatusConnecting || statuses[1] != StatusDisconnected || statuses[2] != StatusConnecting {
		t.Errorf("statuses = %v", statuses)
	}
	for _, s := range statuses {
		if s == StatusConnected {
			t.Fatalf("manager reported connected: %v", statuses)
		}
	}
}
