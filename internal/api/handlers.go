package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hyperengineering/fieldsync/internal/conflict"
	"github.com/hyperengineering/fieldsync/internal/rooms"
	"github.com/hyperengineering/fieldsync/internal/snapshot"
	"github.com/hyperengineering/fieldsync/internal/store"
	"github.com/hyperengineering/fieldsync/internal/types"
	"github.com/hyperengineering/fieldsync/internal/validation"
)

const (
	// DefaultChangesLimit is used when GET /changes has no limit.
	DefaultChangesLimit = 100
	// MaxChangesLimit caps GET /changes pages.
	MaxChangesLimit = 1000
)

// Handler implements the relay's REST endpoints.
type Handler struct {
	store          store.Store
	registry       *rooms.Registry
	hub            *Hub
	uploader       snapshot.Uploader
	detector       *conflict.Engine
	version        string
	idempotencyTTL time.Duration
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithUploader sets the object storage used for snapshot URLs.
func WithUploader(u snapshot.Uploader) HandlerOption {
	return func(h *Handler) { h.uploader = u }
}

// WithPolicies sets the conflict policies used to decide whether a pushed
// record disagrees with the stored copy.
func WithPolicies(policies map[types.EntityKind]conflict.Policy) HandlerOption {
	return func(h *Handler) {
		for kind, p := range policies {
			h.detector.SetPolicy(kind, p)
		}
	}
}

// WithIdempotencyTTL sets how long /sync responses are replayed.
func WithIdempotencyTTL(ttl time.Duration) HandlerOption {
	return func(h *Handler) { h.idempotencyTTL = ttl }
}

// NewHandler creates a Handler.
func NewHandler(s store.Store, registry *rooms.Registry, hub *Hub, version string, opts ...HandlerOption) *Handler {
	h := &Handler{
		store:          s,
		registry:       registry,
		hub:            hub,
		uploader:       &snapshot.NoopUploader{},
		detector:       conflict.New(nil, conflict.WithScope("relay")),
		version:        version,
		idempotencyTTL: IdempotencyTTL,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status         string `json:"status"`
	Version        string `json:"version"`
	Rooms          int    `json:"rooms"`
	Entities       int64  `json:"entities"`
	LatestSequence int64  `json:"latestSequence"`
}

// Health returns the health status
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	stats, err := h.store.Stats(r.Context())
	if err != nil {
		slog.Error("stats failed", "component", "api", "action", "health_failed", "error", err)
		WriteProblem(w, r, http.StatusServiceUnavailable, "Store unavailable")
		return
	}

	writeJSON(w, http.StatusOK, HealthResponse{
		Status:         "healthy",
		Version:        h.version,
		Rooms:          len(h.registry.Loaded()),
		Entities:       stats.Entities,
		LatestSequence: stats.LatestSequence,
	})
}

// EntityResponse is the wire form of one stored entity.
type EntityResponse struct {
	Kind      types.EntityKind `json:"kind"`
	ID        string           `json:"id"`
	Entity    types.Entity     `json:"entity"`
	Version   int64            `json:"version"`
	UpdatedAt time.Time        `json:"updatedAt"`
}

func entityResponse(rec *store.EntityRecord) EntityResponse {
	return EntityResponse{
		Kind:      rec.Kind,
		ID:        rec.Entity.ID(),
		Entity:    rec.Entity,
		Version:   rec.Version,
		UpdatedAt: rec.UpdatedAt,
	}
}

// entityParams reads and checks {kind} and {id}.
func entityParams(w http.ResponseWriter, r *http.Request) (types.EntityKind, string, bool) {
	kind := chi.URLParam(r, "kind")
	id := chi.URLParam(r, "id")

	var c validation.Collector
	c.Add(validation.ValidateEntityKind("kind", kind))
	c.Add(validation.ValidateEntityID("id", id))
	if c.HasErrors() {
		WriteProblemWithErrors(w, r, "Invalid entity path", c.Errors())
		return "", "", false
	}
	return types.EntityKind(kind), id, true
}

// decodeEntity reads the request body as an entity whose id must match the
// path. A body without an id takes the path id.
func decodeEntity(w http.ResponseWriter, r *http.Request, id string) (types.Entity, bool) {
	var entity types.Entity
	if err := json.NewDecoder(r.Body).Decode(&entity); err != nil {
		WriteProblem(w, r, http.StatusBadRequest, fmt.Sprintf("Invalid JSON: %s", err.Error()))
		return nil, false
	}
	if entity == nil {
		WriteProblem(w, r, http.StatusBadRequest, "Request body must be a JSON object")
		return nil, false
	}
	switch entity.ID() {
	case "":
		entity[types.FieldID] = id
	case id:
	default:
		WriteProblemWithErrors(w, r, "Entity id does not match path", []validation.ValidationError{
			{Field: "id", Message: fmt.Sprintf("must equal %q", id)},
		})
		return nil, false
	}
	return entity, true
}

// GetEntity handles GET /api/v1/entities/{kind}/{id}
func (h *Handler) GetEntity(w http.ResponseWriter, r *http.Request) {
	kind, id, ok := entityParams(w, r)
	if !ok {
		return
	}
	rec, err := h.store.GetEntity(r.Context(), kind, id)
	if err != nil {
		MapStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entityResponse(rec))
}

// PutEntity handles PUT /api/v1/entities/{kind}/{id}. Only existing
// entities are updated; clients create with POST.
func (h *Handler) PutEntity(w http.ResponseWriter, r *http.Request) {
	h.writeEntity(w, r, false)
}

// PostEntity handles POST /api/v1/entities/{kind}/{id}. It fails with 409
// when the entity already exists.
func (h *Handler) PostEntity(w http.ResponseWriter, r *http.Request) {
	h.writeEntity(w, r, true)
}

func (h *Handler) writeEntity(w http.ResponseWriter, r *http.Request, create bool) {
	ctx := r.Context()
	kind, id, ok := entityParams(w, r)
	if !ok {
		return
	}
	entity, ok := decodeEntity(w, r, id)
	if !ok {
		return
	}

	_, err := h.store.GetEntity(ctx, kind, id)
	switch {
	case err == nil && create:
		WriteProblem(w, r, http.StatusConflict, fmt.Sprintf("%s %s already exists", kind, id))
		return
	case errors.Is(err, store.ErrNotFound) && !create:
		MapStoreError(w, r, err)
		return
	case err != nil && !errors.Is(err, store.ErrNotFound):
		MapStoreError(w, r, err)
		return
	}

	rec, err := h.store.PutEntity(ctx, kind, entity, UserIDFromContext(ctx))
	if err != nil {
		MapStoreError(w, r, err)
		return
	}

	status := http.StatusOK
	action := "entity_updated"
	if create {
		status = http.StatusCreated
		action = "entity_created"
	}
	slog.Info("entity stored",
		"component", "api",
		"action", action,
		"kind", kind,
		"entity_id", id,
		"version", rec.Version,
		"user_id", UserIDFromContext(ctx),
	)
	writeJSON(w, status, entityResponse(rec))
}

// DeleteEntity handles DELETE /api/v1/entities/{kind}/{id}
func (h *Handler) DeleteEntity(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	kind, id, ok := entityParams(w, r)
	if !ok {
		return
	}
	if err := h.store.DeleteEntity(ctx, kind, id, UserIDFromContext(ctx)); err != nil {
		MapStoreError(w, r, err)
		return
	}
	slog.Info("entity deleted",
		"component", "api",
		"action", "entity_deleted",
		"kind", kind,
		"entity_id", id,
		"user_id", UserIDFromContext(ctx),
	)
	w.WriteHeader(http.StatusNoContent)
}

// RoomSnapshot handles GET /api/v1/rooms/{room}/snapshot. The body is the
// encoded document without presence.
func (h *Handler) RoomSnapshot(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "room")
	data, err := h.registry.Snapshot(r.Context(), roomID)
	if err != nil {
		MapStoreError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(data); err != nil {
		slog.Warn("snapshot write failed",
			"component", "api",
			"action", "snapshot_write_failed",
			"room_id", roomID,
			"error", err,
		)
	}
}

// SnapshotURLResponse is returned by GET /rooms/{room}/snapshot/url.
type SnapshotURLResponse struct {
	URL       string    `json:"url"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// RoomSnapshotURL handles GET /api/v1/rooms/{room}/snapshot/url. It returns
// 404 when object storage is not configured.
func (h *Handler) RoomSnapshotURL(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "room")
	if err := rooms.ValidateRoomID(roomID); err != nil {
		MapStoreError(w, r, err)
		return
	}
	u, expiry, err := h.uploader.PresignedURL(r.Context(), roomID)
	if err != nil {
		if errors.Is(err, snapshot.ErrNotConfigured) {
			WriteProblem(w, r, http.StatusNotFound, "Snapshot storage not configured")
			return
		}
		slog.Error("presign failed",
			"component", "api",
			"action", "snapshot_url_failed",
			"room_id", roomID,
			"error", err,
		)
		WriteProblem(w, r, http.StatusServiceUnavailable, "Snapshot storage unavailable")
		return
	}
	writeJSON(w, http.StatusOK, SnapshotURLResponse{URL: u, ExpiresAt: expiry.UTC()})
}

// RoomPeersResponse is returned by GET /rooms/{room}/peers.
type RoomPeersResponse struct {
	Room  string `json:"room"`
	Peers int    `json:"peers"`
}

// RoomPeers handles GET /api/v1/rooms/{room}/peers
func (h *Handler) RoomPeers(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "room")
	if err := rooms.ValidateRoomID(roomID); err != nil {
		MapStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, RoomPeersResponse{Room: roomID, Peers: h.hub.Peers(roomID)})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "component", "api", "error", err)
	}
}
