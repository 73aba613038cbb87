package api

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/hyperengineering/fieldsync/internal/crdt"
	"github.com/hyperengineering/fieldsync/internal/rooms"
	"github.com/hyperengineering/fieldsync/internal/transport"
)

// peerBuffer is how many outbound frames may queue for one peer before it
// is dropped as too slow.
const peerBuffer = 64

type peer struct {
	id     string
	userID string
	roomID string
	stream transport.Stream
	out    chan transport.Frame
	done   chan struct{}
	once   sync.Once

	// last awareness frame received from this peer, replayed to newcomers
	mu        sync.Mutex
	awareness *transport.Frame
}

func (p *peer) close() {
	p.once.Do(func() {
		close(p.done)
		_ = p.stream.Close()
	})
}

// enqueue queues f for sending. A peer whose queue is full is closed.
func (p *peer) enqueue(f transport.Frame) {
	select {
	case <-p.done:
		return
	default:
	}
	select {
	case p.out <- f:
	default:
		slog.Warn("peer too slow, dropping",
			"component", "relay",
			"action", "peer_dropped",
			"room_id", p.roomID,
			"peer_id", p.id,
		)
		p.close()
	}
}

func (p *peer) writeLoop(writeWait time.Duration) {
	for {
		select {
		case <-p.done:
			return
		case f := <-p.out:
			ctx, cancel := context.WithTimeout(context.Background(), writeWait)
			err := p.stream.Send(ctx, f)
			cancel()
			if err != nil {
				p.close()
				return
			}
		}
	}
}

func (p *peer) setAwareness(f transport.Frame) {
	p.mu.Lock()
	p.awareness = &f
	p.mu.Unlock()
}

func (p *peer) lastAwareness() (transport.Frame, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.awareness == nil {
		return transport.Frame{}, false
	}
	return *p.awareness, true
}

// Hub relays frames between the peers of each room. It keeps a replica of
// every room so late joiners and reconnecting peers get what they missed.
type Hub struct {
	registry  *rooms.Registry
	heartbeat time.Duration
	writeWait time.Duration
	upgrader  websocket.Upgrader

	mu    sync.Mutex
	peers map[string]map[*peer]struct{}
}

// NewHub creates a hub over registry. heartbeat is the websocket ping
// interval; zero disables pings.
func NewHub(registry *rooms.Registry, heartbeat time.Duration) *Hub {
	return &Hub{
		registry:  registry,
		heartbeat: heartbeat,
		writeWait: 10 * time.Second,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Mobile and CLI clients send no Origin; auth is by token.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		peers: make(map[string]map[*peer]struct{}),
	}
}

// ServeRoom handles GET /api/v1/rooms/{room}/ws.
func (h *Hub) ServeRoom(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "room")
	if err := rooms.ValidateRoomID(roomID); err != nil {
		MapStoreError(w, r, err)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the error response
		slog.Warn("websocket upgrade failed",
			"component", "relay",
			"action", "upgrade_failed",
			"room_id", roomID,
			"error", err,
		)
		return
	}

	p := &peer{
		id:     uuid.NewString(),
		userID: UserIDFromContext(r.Context()),
		roomID: roomID,
		stream: transport.NewWebSocketStream(conn, h.heartbeat, h.writeWait),
		out:    make(chan transport.Frame, peerBuffer),
		done:   make(chan struct{}),
	}
	h.serve(p)
}

func (h *Hub) serve(p *peer) {
	room, err := h.join(p)
	if err != nil {
		slog.Error("room open failed",
			"component", "relay",
			"action", "join_failed",
			"room_id", p.roomID,
			"error", err,
		)
		h.leave(p)
		return
	}
	defer h.leave(p)

	slog.Info("peer joined",
		"component", "relay",
		"action", "peer_joined",
		"room_id", p.roomID,
		"peer_id", p.id,
		"user_id", p.userID,
	)

	for _, f := range h.othersAwareness(p) {
		p.enqueue(f)
	}
	go p.writeLoop(h.writeWait)

	for {
		f, err := p.stream.Receive()
		if err != nil {
			select {
			case <-p.done:
			default:
				if !transport.IsNormalClose(err) {
					slog.Info("peer read ended",
						"component", "relay",
						"action", "peer_read_ended",
						"room_id", p.roomID,
						"peer_id", p.id,
						"error", err,
					)
				}
			}
			return
		}
		room.TouchAccessed()
		h.handle(room, p, f)
	}
}

func (h *Hub) handle(room *rooms.Room, p *peer, f transport.Frame) {
	switch f.Type {
	case transport.FrameUpdate:
		if _, err := room.Doc.ApplyRemoteUpdate(f.Payload); err != nil {
			slog.Warn("ignoring malformed update",
				"component", "relay",
				"action", "bad_update",
				"room_id", p.roomID,
				"peer_id", p.id,
				"error", err,
			)
			return
		}
		h.broadcast(p, f)

	case transport.FrameStateVector:
		since, err := crdt.DecodeStateVector(f.Payload)
		if err != nil {
			slog.Warn("ignoring malformed state vector",
				"component", "relay",
				"action", "bad_state_vector",
				"room_id", p.roomID,
				"peer_id", p.id,
				"error", err,
			)
			return
		}
		delta, err := room.Doc.EncodeUpdateSince(since, crdt.WithoutPresence())
		if err != nil {
			slog.Error("delta encode failed",
				"component", "relay",
				"action", "encode_failed",
				"room_id", p.roomID,
				"error", err,
			)
			return
		}
		p.enqueue(transport.Frame{Type: transport.FrameUpdate, Payload: delta})
		// Our own vector makes the peer send back whatever we lack.
		if room.Doc.StateVector().Dominates(since) {
			return
		}
		sv, err := room.Doc.EncodeStateVector()
		if err != nil {
			return
		}
		p.enqueue(transport.Frame{Type: transport.FrameStateVector, Payload: sv})

	case transport.FrameAwareness:
		a, err := transport.ParseAwareness(f.Payload)
		if err != nil {
			return
		}
		room.Doc.ApplyPresence(a.Presence())
		p.setAwareness(f)
		h.broadcast(p, f)
	}
}

// join registers p and opens its room under the hub lock so ReleaseIdle
// never releases a room a peer is joining.
func (h *Hub) join(p *peer) (*rooms.Room, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.peers[p.roomID]
	if !ok {
		set = make(map[*peer]struct{})
		h.peers[p.roomID] = set
	}
	set[p] = struct{}{}
	return h.registry.Open(context.Background(), p.roomID)
}

func (h *Hub) leave(p *peer) {
	p.close()
	h.mu.Lock()
	if set, ok := h.peers[p.roomID]; ok {
		delete(set, p)
		if len(set) == 0 {
			delete(h.peers, p.roomID)
		}
	}
	h.mu.Unlock()

	slog.Info("peer left",
		"component", "relay",
		"action", "peer_left",
		"room_id", p.roomID,
		"peer_id", p.id,
	)
}

func (h *Hub) others(p *peer) []*peer {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*peer, 0, len(h.peers[p.roomID]))
	for other := range h.peers[p.roomID] {
		if other != p {
			out = append(out, other)
		}
	}
	return out
}

func (h *Hub) broadcast(from *peer, f transport.Frame) {
	for _, other := range h.others(from) {
		other.enqueue(f)
	}
}

func (h *Hub) othersAwareness(p *peer) []transport.Frame {
	var frames []transport.Frame
	for _, other := range h.others(p) {
		if f, ok := other.lastAwareness(); ok {
			frames = append(frames, f)
		}
	}
	return frames
}

// Peers returns the number of connected peers in roomID.
func (h *Hub) Peers(roomID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.peers[roomID])
}

// ReleaseIdle saves and unloads rooms that have no peers and have not been
// used for idle. It returns the released room ids.
func (h *Hub) ReleaseIdle(ctx context.Context, idle time.Duration) []string {
	h.mu.Lock()
	defer h.mu.Unlock()

	cutoff := time.Now().Add(-idle)
	var released []string
	for _, id := range h.registry.Loaded() {
		if len(h.peers[id]) > 0 {
			continue
		}
		last, ok := h.registry.LastAccessed(id)
		if !ok || last.After(cutoff) {
			continue
		}
		if err := h.registry.Cleanup(ctx, id); err != nil {
			slog.Warn("idle room save failed",
				"component", "relay",
				"action", "release_failed",
				"room_id", id,
				"error", err,
			)
			continue
		}
		released = append(released, id)
	}
	return released
}

// Close disconnects every peer.
func (h *Hub) Close() {
	h.mu.Lock()
	var all []*peer
	for _, set := range h.peers {
		for p := range set {
			all = append(all, p)
		}
	}
	h.mu.Unlock()
	for _, p := range all {
		p.close()
	}
}
