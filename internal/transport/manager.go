// Package transport keeps one room document synchronized with the relay
// over a websocket stream, reconnecting with exponential backoff.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hyperengineering/fieldsync/internal/crdt"
	"github.com/hyperengineering/fieldsync/internal/notify"
)

// Status is the connection state of a Manager.
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
)

// TokenSource supplies the bearer token for each dial.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a fixed token.
type StaticToken string

// Token implements TokenSource.
func (s StaticToken) Token(context.Context) (string, error) { return string(s), nil }

// Flusher persists a room document. rooms.Registry satisfies it.
type Flusher interface {
	AutoSaves() bool
	Save(ctx context.Context, roomID string) error
}

// Config holds connection timing.
type Config struct {
	ConnectTimeout time.Duration
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Heartbeat      time.Duration
	FlushInterval  time.Duration
	AutoConnect    bool
}

// DefaultConfig returns the default connection timing.
func DefaultConfig() Config {
	return Config{
		ConnectTimeout: 10 * time.Second,
		InitialBackoff: time.Second,
		MaxBackoff:     30 * time.Second,
		Heartbeat:      15 * time.Second,
		FlushInterval:  30 * time.Second,
		AutoConnect:    true,
	}
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithConfig replaces the default timing.
func WithConfig(cfg Config) ManagerOption {
	return func(m *Manager) { m.cfg = cfg }
}

// WithTokenSource sets the token supplier.
func WithTokenSource(ts TokenSource) ManagerOption {
	return func(m *Manager) { m.tokens = ts }
}

// WithFlusher enables the periodic flush when the flusher does not save
// on every mutation.
func WithFlusher(f Flusher) ManagerOption {
	return func(m *Manager) { m.flusher = f }
}

// WithPublisher sets where connection.status notifications go.
func WithPublisher(p notify.Publisher) ManagerOption {
	return func(m *Manager) { m.pub = p }
}

// Manager owns the connection for one room.
type Manager struct {
	cfg     Config
	roomID  string
	userID  string
	doc     *crdt.Document
	dialer  Dialer
	tokens  TokenSource
	flusher Flusher
	pub     notify.Publisher

	mu        sync.Mutex
	status    Status
	attempts  int
	baseCtx   context.Context
	cancelRun context.CancelFunc
	runDone   chan struct{}
	stopFlush context.CancelFunc
	flushDone chan struct{}
	listeners []func(Status)
	acked     crdt.StateVector

	kick chan struct{}
}

// NewManager creates a disconnected manager for doc.
func NewManager(roomID, userID string, doc *crdt.Document, dialer Dialer, opts ...ManagerOption) *Manager {
	m := &Manager{
		cfg:     DefaultConfig(),
		roomID:  roomID,
		userID:  userID,
		doc:     doc,
		dialer:  dialer,
		tokens:  StaticToken(""),
		pub:     notify.Discard{},
		status:  StatusDisconnected,
		baseCtx: context.Background(),
		acked:   crdt.StateVector{},
		kick:    make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Status returns the current connection state.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// OnStatus registers fn for status transitions. fn runs on the
// connection goroutine and must not block.
func (m *Manager) OnStatus(fn func(Status)) {
	m.mu.Lock()
	m.listeners = append(m.listeners, fn)
	m.mu.Unlock()
}

// Start begins the periodic flush and, with AutoConnect, the connection loop.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	m.baseCtx = ctx
	if m.stopFlush == nil && m.flusher != nil && !m.flusher.AutoSaves() && m.cfg.FlushInterval > 0 {
		fctx, cancel := context.WithCancel(ctx)
		m.stopFlush = cancel
		m.flushDone = make(chan struct{})
		go m.flushLoop(fctx, m.flushDone)
	}
	m.mu.Unlock()

	if m.cfg.AutoConnect {
		m.Connect(ctx)
	}
}

// Connect starts the connection loop if it is not already running. The
// loop reconnects until Disconnect or ctx is done.
func (m *Manager) Connect(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancelRun != nil {
		return
	}
	rctx, cancel := context.WithCancel(ctx)
	m.cancelRun = cancel
	m.runDone = make(chan struct{})
	go m.run(rctx, m.runDone)
}

// Disconnect closes the connection and stops reconnecting.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	cancel, done := m.cancelRun, m.runDone
	m.cancelRun, m.runDone = nil, nil
	m.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Close disconnects, stops the flush loop and saves the document once more.
func (m *Manager) Close(ctx context.Context) error {
	m.Disconnect()

	m.mu.Lock()
	stop, done := m.stopFlush, m.flushDone
	m.stopFlush, m.flushDone = nil, nil
	m.mu.Unlock()
	if stop != nil {
		stop()
		<-done
	}

	if m.flusher != nil && !m.flusher.AutoSaves() {
		return m.flusher.Save(ctx, m.roomID)
	}
	return nil
}

// OnBackground marks the local user as backgrounded.
func (m *Manager) OnBackground() {
	m.setPresence("background")
}

// OnForeground marks the local user as foregrounded and, with AutoConnect,
// reconnects at once instead of waiting out the current backoff.
func (m *Manager) OnForeground() {
	m.setPresence("foreground")
	if !m.cfg.AutoConnect {
		return
	}
	m.mu.Lock()
	running := m.cancelRun != nil
	ctx := m.baseCtx
	m.mu.Unlock()
	if !running {
		m.Connect(ctx)
		return
	}
	select {
	case m.kick <- struct{}{}:
	default:
	}
}

func (m *Manager) setPresence(state string) {
	if err := m.doc.SetPresence(m.userID, map[string]any{"state": state}); err != nil {
		slog.Warn("presence update failed",
			"component", "transport",
			"action", "presence_failed",
			"room_id", m.roomID,
			"error", err,
		)
	}
}

func (m *Manager) setStatus(s Status, attempt int) {
	m.mu.Lock()
	if m.status == s {
		m.mu.Unlock()
		return
	}
	m.status = s
	listeners := append([]func(Status){}, m.listeners...)
	m.mu.Unlock()

	m.pub.Publish(notify.Notification{
		Type: notify.ConnectionStatus,
		Payload: map[string]any{
			"roomId":  m.roomID,
			"status":  string(s),
			"attempt": attempt,
		},
	})
	for _, fn := range listeners {
		fn(s)
	}
}

func (m *Manager) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	defer m.setStatus(StatusDisconnected, 0)

	for ctx.Err() == nil {
		m.mu.Lock()
		attempt := m.attempts
		m.mu.Unlock()

		m.setStatus(StatusConnecting, attempt)
		stream, err := m.dial(ctx)
		if err == nil {
			m.mu.Lock()
			m.attempts = 0
			m.mu.Unlock()
			m.setStatus(StatusConnected, attempt)

			err = m.session(ctx, stream)
			_ = stream.Close()
			m.doc.ResetPresence(m.userID)
			if ctx.Err() != nil {
				return
			}
			slog.Warn("sync connection lost",
				"component", "transport",
				"action", "connection_lost",
				"room_id", m.roomID,
				"error", err,
			)
		} else if ctx.Err() == nil {
			slog.Warn("sync connect failed",
				"component", "transport",
				"action", "connect_failed",
				"room_id", m.roomID,
				"attempt", attempt,
				"error", err,
			)
		}
		if ctx.Err() != nil {
			return
		}

		m.mu.Lock()
		delay := BackoffDelay(m.attempts, m.cfg.InitialBackoff, m.cfg.MaxBackoff)
		m.attempts++
		next := m.attempts
		m.mu.Unlock()

		m.setStatus(StatusDisconnected, next)
		if !m.wait(ctx, delay) {
			return
		}
	}
}

// wait sleeps for d, returning early on a foreground kick. It returns
// false when ctx is done.
func (m *Manager) wait(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-m.kick:
		return true
	case <-timer.C:
		return true
	}
}

func (m *Manager) dial(ctx context.Context) (Stream, error) {
	token, err := m.tokens.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("get token: %w", err)
	}
	dctx := ctx
	if m.cfg.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		dctx, cancel = context.WithTimeout(ctx, m.cfg.ConnectTimeout)
		defer cancel()
	}
	return m.dialer.Dial(dctx, m.roomID, token)
}

// session exchanges frames until the stream fails or ctx is done.
func (m *Manager) session(ctx context.Context, stream Stream) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	localChanged := make(chan struct{}, 1)
	presenceChanged := make(chan struct{}, 1)
	unsubscribe := m.doc.Subscribe(func(ev crdt.Event) {
		if ev.Remote {
			return
		}
		ch := localChanged
		if ev.Type == crdt.PresenceChanged {
			ch = presenceChanged
		}
		select {
		case ch <- struct{}{}:
		default:
		}
	})
	defer unsubscribe()

	frames := make(chan Frame)
	readErr := make(chan error, 1)
	go func() {
		for {
			f, err := stream.Receive()
			if err != nil {
				readErr <- err
				return
			}
			select {
			case frames <- f:
			case <-ctx.Done():
				return
			}
		}
	}()

	m.mu.Lock()
	sent := m.acked.Clone()
	m.mu.Unlock()

	sv, err := m.doc.EncodeStateVector()
	if err != nil {
		return err
	}
	if err := stream.Send(ctx, Frame{Type: FrameStateVector, Payload: sv}); err != nil {
		return err
	}
	if err := m.pushSince(ctx, stream, sent); err != nil {
		return err
	}
	if err := m.sendAwareness(ctx, stream); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-readErr:
			if err == nil {
				err = errors.New("stream closed")
			}
			return err
		case <-localChanged:
			if err := m.pushSince(ctx, stream, sent); err != nil {
				return err
			}
		case <-presenceChanged:
			if err := m.sendAwareness(ctx, stream); err != nil {
				return err
			}
		case f := <-frames:
			if err := m.handleFrame(ctx, stream, f, sent); err != nil {
				return err
			}
		}
	}
}

// pushSince sends the ops sent lacks and folds them into sent.
func (m *Manager) pushSince(ctx context.Context, stream Stream, sent crdt.StateVector) error {
	// Capture the vector first; ops written during encoding are resent later.
	v := m.doc.StateVector()
	if sent.Dominates(v) {
		return nil
	}
	data, err := m.doc.EncodeUpdateSince(sent, crdt.WithoutPresence())
	if err != nil {
		return err
	}
	if err := stream.Send(ctx, Frame{Type: FrameUpdate, Payload: data}); err != nil {
		return err
	}
	sent.Merge(v)
	return nil
}

func (m *Manager) handleFrame(ctx context.Context, stream Stream, f Frame, sent crdt.StateVector) error {
	switch f.Type {
	case FrameUpdate:
		covered, err := m.doc.ApplyRemoteUpdate(f.Payload)
		if err != nil {
			slog.Warn("rejected remote update",
				"component", "transport",
				"action", "update_rejected",
				"room_id", m.roomID,
				"error", err,
			)
			return nil
		}
		sent.Merge(covered)
		m.mu.Lock()
		m.acked.Merge(covered)
		m.mu.Unlock()
	case FrameStateVector:
		peer, err := crdt.DecodeStateVector(f.Payload)
		if err != nil {
			slog.Warn("rejected state vector",
				"component", "transport",
				"action", "state_vector_rejected",
				"room_id", m.roomID,
				"error", err,
			)
			return nil
		}
		m.mu.Lock()
		m.acked.Merge(peer)
		m.mu.Unlock()
		sent.Merge(peer)
		// Answer with whatever the peer lacks, even if an earlier push
		// already covered it.
		v := m.doc.StateVector()
		data, err := m.doc.EncodeUpdateSince(peer, crdt.WithoutPresence())
		if err != nil {
			return err
		}
		if err := stream.Send(ctx, Frame{Type: FrameUpdate, Payload: data}); err != nil {
			return err
		}
		sent.Merge(v)
	case FrameAwareness:
		a, err := ParseAwareness(f.Payload)
		if err != nil {
			slog.Debug("ignoring awareness frame",
				"component", "transport",
				"room_id", m.roomID,
				"error", err,
			)
			return nil
		}
		if a.ClientID == m.doc.Actor() {
			return nil
		}
		m.doc.ApplyPresence(a.Presence())
	}
	return nil
}

func (m *Manager) sendAwareness(ctx context.Context, stream Stream) error {
	p, ok := m.doc.PresenceOf(m.userID)
	if !ok {
		return nil
	}
	state := p.State
	if state == nil {
		state = json.RawMessage("null")
	}
	f, err := AwarenessFrame(Awareness{
		ClientID:  p.UpdatedAt.Actor,
		UserID:    m.userID,
		State:     state,
		UpdatedAt: p.UpdatedAt.Counter,
	})
	if err != nil {
		return err
	}
	return stream.Send(ctx, f)
}

func (m *Manager) flushLoop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(m.cfg.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.flusher.Save(ctx, m.roomID); err != nil {
				slog.Warn("periodic flush failed",
					"component", "transport",
					"action", "flush_failed",
					"room_id", m.roomID,
					"error", err,
				)
			}
		}
	}
}
