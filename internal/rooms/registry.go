// Package rooms keeps exactly one in-memory replicated document per room
// id, loading it from local persistence on first access and saving it as
// it changes.
package rooms

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hyperengineering/fieldsync/internal/crdt"
	"github.com/hyperengineering/fieldsync/internal/persistence"
)

// Room is one loaded document and its bookkeeping.
type Room struct {
	ID  string
	Doc *crdt.Document

	unsubscribe func()

	mu           sync.Mutex
	dirty        bool
	lastAccessed time.Time
}

// TouchAccessed records an access.
func (r *Room) TouchAccessed() {
	r.mu.Lock()
	r.lastAccessed = time.Now().UTC()
	r.mu.Unlock()
}

// LastAccessed returns the time of the last access.
func (r *Room) LastAccessed() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastAccessed
}

func (r *Room) markDirty() {
	r.mu.Lock()
	r.dirty = true
	r.mu.Unlock()
}

// takeDirty clears and returns the dirty flag.
func (r *Room) takeDirty() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	d := r.dirty
	r.dirty = false
	return d
}

// Option configures a Registry.
type Option func(*Registry)

// WithDeviceID sets the device part of document actor ids.
func WithDeviceID(id string) Option {
	return func(r *Registry) { r.deviceID = id }
}

// WithUserID sets the user stamped on local writes.
func WithUserID(id string) Option {
	return func(r *Registry) { r.userID = id }
}

// WithSaveOnMutation controls whether every change is written through to
// persistence. When off, documents are saved by Flush only.
func WithSaveOnMutation(on bool) Option {
	return func(r *Registry) { r.saveOnMutation = on }
}

// Registry maps room ids to documents with lazy loading.
type Registry struct {
	persist        persistence.Adapter
	deviceID       string
	userID         string
	session        string
	saveOnMutation bool

	mu     sync.RWMutex
	rooms  map[string]*Room
	closed bool
}

// NewRegistry creates a registry backed by persist. A nil adapter keeps
// documents in memory only.
func NewRegistry(persist persistence.Adapter, opts ...Option) *Registry {
	r := &Registry{
		persist:        persist,
		deviceID:       "device",
		session:        uuid.NewString()[:8],
		saveOnMutation: true,
		rooms:          make(map[string]*Room),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Actor returns the actor id used for local operations. A fresh session
// suffix per process keeps Lamport timestamps unique even if a previous
// run's last writes never reached disk.
func (r *Registry) Actor() string {
	return r.deviceID + "-" + r.session
}

// AutoSaves reports whether documents are written through on mutation.
func (r *Registry) AutoSaves() bool {
	return r.persist != nil && r.saveOnMutation
}

// GetDocument returns the document for roomID, creating or loading it on
// first access.
func (r *Registry) GetDocument(ctx context.Context, roomID string) (*crdt.Document, error) {
	room, err := r.Open(ctx, roomID)
	if err != nil {
		return nil, err
	}
	return room.Doc, nil
}

// Open returns the room for roomID, creating or loading it on first access.
func (r *Registry) Open(ctx context.Context, roomID string) (*Room, error) {
	if err := ValidateRoomID(roomID); err != nil {
		return nil, err
	}

	// Fast path: already loaded
	r.mu.RLock()
	if room, ok := r.rooms[roomID]; ok {
		r.mu.RUnlock()
		room.TouchAccessed()
		return room, nil
	}
	closed := r.closed
	r.mu.RUnlock()
	if closed {
		return nil, ErrRegistryClosed
	}

	// Slow path: load or create
	r.mu.Lock()
	defer r.mu.Unlock()

	// Double-check after acquiring write lock
	if room, ok := r.rooms[roomID]; ok {
		room.TouchAccessed()
		return room, nil
	}
	if r.closed {
		return nil, ErrRegistryClosed
	}

	opts := []crdt.Option{}
	if r.userID != "" {
		opts = append(opts, crdt.WithUserID(r.userID))
	}
	doc := crdt.New(r.Actor(), opts...)
	r.load(ctx, roomID, doc)

	room := &Room{ID: roomID, Doc: doc}
	room.unsubscribe = doc.Subscribe(func(ev crdt.Event) { r.onChange(room, ev) })
	r.rooms[roomID] = room

	slog.Info("room loaded",
		"component", "rooms",
		"action", "room_loaded",
		"room_id", roomID,
	)

	room.TouchAccessed()
	return room, nil
}

// load replays the persisted snapshot into doc. A corrupt snapshot leaves
// the document empty.
func (r *Registry) load(ctx context.Context, roomID string, doc *crdt.Document) {
	if r.persist == nil {
		return
	}
	data, err := r.persist.Load(ctx, persistence.DocKey(roomID))
	if err != nil {
		slog.Warn("room snapshot load failed, starting empty",
			"component", "rooms",
			"action", "load_failed",
			"room_id", roomID,
			"error", err,
		)
		return
	}
	if data == nil {
		return
	}
	if err := doc.ApplyUpdate(data); err != nil {
		slog.Error("room snapshot is corrupt, starting empty",
			"component", "rooms",
			"action", "decode_failed",
			"room_id", roomID,
			"bytes", len(data),
			"error", err,
		)
	}
}

func (r *Registry) onChange(room *Room, ev crdt.Event) {
	if ev.Type == crdt.PresenceChanged {
		return
	}
	room.markDirty()
	// A remote update ends with one RemoteUpdate event; save once then.
	if ev.Remote && ev.Type != crdt.RemoteUpdate {
		return
	}
	if !r.AutoSaves() {
		return
	}
	if err := r.save(context.Background(), room); err != nil {
		room.markDirty()
	}
}

func (r *Registry) save(ctx context.Context, room *Room) error {
	if r.persist == nil {
		return nil
	}
	room.takeDirty()
	data, err := room.Doc.EncodeUpdate(crdt.WithoutPresence())
	if err != nil {
		return fmt.Errorf("encode room %s: %w", room.ID, err)
	}
	if err := r.persist.Save(ctx, persistence.DocKey(room.ID), data); err != nil {
		slog.Error("room save failed",
			"component", "rooms",
			"action", "save_failed",
			"room_id", room.ID,
			"error", err,
		)
		return err
	}
	return nil
}

// Save writes the room's document to persistence now.
func (r *Registry) Save(ctx context.Context, roomID string) error {
	r.mu.RLock()
	room, ok := r.rooms[roomID]
	r.mu.RUnlock()
	if !ok {
		return nil
	}
	return r.save(ctx, room)
}

// Flush saves every room changed since its last save and returns how many
// were written.
func (r *Registry) Flush(ctx context.Context) (int, error) {
	var saved int
	var lastErr error
	for _, room := range r.loaded() {
		if !room.takeDirty() {
			continue
		}
		if err := r.save(ctx, room); err != nil {
			room.markDirty()
			lastErr = err
			continue
		}
		saved++
	}
	return saved, lastErr
}

// Cleanup saves and releases the room. Its document must not be used
// afterwards.
func (r *Registry) Cleanup(ctx context.Context, roomID string) error {
	r.mu.Lock()
	room, ok := r.rooms[roomID]
	if ok {
		delete(r.rooms, roomID)
	}
	r.mu.Unlock()
	if !ok {
		return nil
	}

	room.unsubscribe()
	err := r.save(ctx, room)

	slog.Info("room released",
		"component", "rooms",
		"action", "room_released",
		"room_id", roomID,
	)
	return err
}

// Remove releases the room and deletes its persisted snapshot.
func (r *Registry) Remove(ctx context.Context, roomID string) error {
	r.mu.Lock()
	if room, ok := r.rooms[roomID]; ok {
		room.unsubscribe()
		delete(r.rooms, roomID)
	}
	r.mu.Unlock()

	if r.persist == nil {
		return nil
	}
	return r.persist.Remove(ctx, persistence.DocKey(roomID))
}

// Loaded returns the ids of rooms currently in memory, sorted.
func (r *Registry) Loaded() []string {
	rooms := r.loaded()
	ids := make([]string, 0, len(rooms))
	for _, room := range rooms {
		ids = append(ids, room.ID)
	}
	sort.Strings(ids)
	return ids
}

// Persisted returns the ids of rooms with a saved snapshot, when the
// adapter can enumerate keys.
func (r *Registry) Persisted(ctx context.Context) ([]string, error) {
	lister, ok := r.persist.(persistence.Lister)
	if !ok {
		return nil, nil
	}
	keys, err := lister.Keys(ctx, persistence.DocKey(""))
	if err != nil {
		return nil, fmt.Errorf("list rooms: %w", err)
	}
	ids := make([]string, 0, len(keys))
	for _, k := range keys {
		if id, ok := persistence.RoomFromDocKey(k); ok {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// LastAccessed returns when a loaded room was last used.
func (r *Registry) LastAccessed(roomID string) (time.Time, bool) {
	r.mu.RLock()
	room, ok := r.rooms[roomID]
	r.mu.RUnlock()
	if !ok {
		return time.Time{}, false
	}
	return room.LastAccessed(), true
}

// All returns the ids of loaded and persisted rooms, sorted and deduplicated.
func (r *Registry) All(ctx context.Context) ([]string, error) {
	persisted, err := r.Persisted(ctx)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	var ids []string
	for _, id := range append(r.Loaded(), persisted...) {
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// Snapshot returns the encoded document of roomID without presence. A
// loaded room is encoded from memory, otherwise the persisted snapshot is
// returned as stored. Unknown rooms return ErrRoomNotFound.
func (r *Registry) Snapshot(ctx context.Context, roomID string) ([]byte, error) {
	if err := ValidateRoomID(roomID); err != nil {
		return nil, err
	}
	r.mu.RLock()
	room, ok := r.rooms[roomID]
	r.mu.RUnlock()
	if ok {
		return room.Doc.EncodeUpdate(crdt.WithoutPresence())
	}
	if r.persist == nil {
		return nil, ErrRoomNotFound
	}
	data, err := r.persist.Load(ctx, persistence.DocKey(roomID))
	if err != nil {
		return nil, fmt.Errorf("load room %s: %w", roomID, err)
	}
	if data == nil {
		return nil, ErrRoomNotFound
	}
	return data, nil
}

// Close saves and releases every room. Later Open calls fail.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	rooms := make([]*Room, 0, len(r.rooms))
	for _, room := range r.rooms {
		rooms = append(rooms, room)
	}
	r.rooms = make(map[string]*Room)
	r.mu.Unlock()

	var lastErr error
	for _, room := range rooms {
		room.unsubscribe()
		if err := r.save(ctx, room); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

func (r *Registry) loaded() []*Room {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rooms := make([]*Room, 0, len(r.rooms))
	for _, room := range r.rooms {
		rooms = append(rooms, room)
	}
	return rooms
}
