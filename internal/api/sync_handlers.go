package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/hyperengineering/fieldsync/internal/store"
	"github.com/hyperengineering/fieldsync/internal/types"
	"github.com/hyperengineering/fieldsync/internal/validation"
)

const (
	// IdempotencyTTL is the default duration to cache push responses.
	IdempotencyTTL = 24 * time.Hour

	// MaxPushRecords is the maximum records per push request.
	MaxPushRecords = 1000
)

// SyncRecord is one pushed entity.
type SyncRecord struct {
	Kind   types.EntityKind `json:"kind" validate:"required,oneof=property report photo sketch comparable measurement"`
	Entity types.Entity     `json:"entity" validate:"required"`
}

// SyncRequest is the POST /sync body.
type SyncRequest struct {
	PushID  string       `json:"pushId" validate:"required,max=128"`
	Records []SyncRecord `json:"records" validate:"required,min=1,max=1000,dive"`
}

// SyncAccepted acknowledges one stored record.
type SyncAccepted struct {
	Kind    types.EntityKind `json:"kind"`
	ID      string           `json:"id"`
	Version int64            `json:"version"`
}

// SyncConflict reports a pushed record the server holds a newer, different
// copy of. The pushed copy is not stored.
type SyncConflict struct {
	Kind   types.EntityKind `json:"kind"`
	ID     string           `json:"id"`
	Server types.Entity     `json:"server"`
	Reason string           `json:"reason,omitempty"`
}

// SyncResponse is the POST /sync result.
type SyncResponse struct {
	Accepted  []SyncAccepted `json:"accepted"`
	Conflicts []SyncConflict `json:"conflicts"`
}

// Sync handles POST /api/v1/sync. Each record is stored unless the server
// copy is newer and differs in a compared field, in which case it is
// returned as a conflict. A repeated pushId replays the first response.
func (h *Handler) Sync(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	userID := UserIDFromContext(ctx)

	// 1. Parse request
	var req SyncRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteProblem(w, r, http.StatusBadRequest, fmt.Sprintf("Invalid JSON: %s", err))
		return
	}

	// 2. Validate request structure
	if errs := validateSyncRequest(req); len(errs) > 0 {
		WriteProblemWithErrors(w, r, "Request contains invalid fields", errs)
		return
	}

	// 3. Check idempotency
	cached, found, err := h.store.CheckPushIdempotency(ctx, req.PushID)
	if err != nil {
		slog.Error("idempotency check failed",
			"component", "api",
			"action", "sync_failed",
			"push_id", req.PushID,
			"error", err,
		)
		WriteProblem(w, r, http.StatusInternalServerError, "Internal error")
		return
	}
	if found {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("X-Idempotent-Replay", "true")
		w.Write(cached)
		slog.Info("push idempotent replay",
			"component", "api",
			"action", "sync_replay",
			"push_id", req.PushID,
		)
		return
	}

	// 4. Apply records
	resp := SyncResponse{Accepted: []SyncAccepted{}, Conflicts: []SyncConflict{}}
	for _, rec := range req.Records {
		id := rec.Entity.ID()
		existing, err := h.store.GetEntity(ctx, rec.Kind, id)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			MapStoreError(w, r, err)
			return
		}
		if existing != nil && h.serverWins(rec.Kind, rec.Entity, existing.Entity) {
			resp.Conflicts = append(resp.Conflicts, SyncConflict{
				Kind:   rec.Kind,
				ID:     id,
				Server: existing.Entity,
				Reason: "server copy is newer",
			})
			continue
		}
		stored, err := h.store.PutEntity(ctx, rec.Kind, rec.Entity, userID)
		if err != nil {
			slog.Error("push record failed",
				"component", "api",
				"action", "sync_failed",
				"push_id", req.PushID,
				"kind", rec.Kind,
				"entity_id", id,
				"error", err,
			)
			MapStoreError(w, r, err)
			return
		}
		resp.Accepted = append(resp.Accepted, SyncAccepted{Kind: rec.Kind, ID: id, Version: stored.Version})
	}

	respBytes, _ := json.Marshal(resp)

	// 5. Cache response for idempotency
	if err := h.store.RecordPushIdempotency(ctx, req.PushID, respBytes, h.idempotencyTTL); err != nil {
		slog.Warn("failed to cache idempotency", "push_id", req.PushID, "error", err)
	}

	w.Header().Set("Content-Type", "application/json")
	w.Write(respBytes)

	slog.Info("push completed",
		"component", "api",
		"action", "sync_push",
		"push_id", req.PushID,
		"user_id", userID,
		"accepted", len(resp.Accepted),
		"conflicts", len(resp.Conflicts),
		"duration_ms", time.Since(start).Milliseconds(),
	)
}

// serverWins reports whether the stored copy must be kept over pushed.
func (h *Handler) serverWins(kind types.EntityKind, pushed, stored types.Entity) bool {
	storedMs, ok := stored.Timestamp()
	if !ok {
		return false
	}
	pushedMs, _ := pushed.Timestamp()
	if storedMs <= pushedMs {
		return false
	}
	return h.detector.DetectConflict(kind, pushed, stored) != nil
}

// validateSyncRequest checks struct tags and each record's id.
func validateSyncRequest(req SyncRequest) []validation.ValidationError {
	errs := validation.Struct(req)
	var c validation.Collector
	for i, rec := range req.Records {
		if rec.Entity == nil {
			continue
		}
		c.Add(validation.ValidateEntityID(fmt.Sprintf("records[%d].entity.id", i), rec.Entity.ID()))
	}
	return append(errs, c.Errors()...)
}

// ChangesResponse is returned by GET /changes.
type ChangesResponse struct {
	Changes        []store.Change `json:"changes"`
	LastSequence   int64          `json:"lastSequence"`
	LatestSequence int64          `json:"latestSequence"`
	HasMore        bool           `json:"hasMore"`
}

// Changes handles GET /api/v1/changes?after=&limit=
func (h *Handler) Changes(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	after, limit, err := parseChangesQuery(r)
	if err != nil {
		WriteProblem(w, r, http.StatusBadRequest, err.Error())
		return
	}

	changes, err := h.store.GetChangesAfter(ctx, after, limit)
	if err != nil {
		slog.Error("changes query failed",
			"component", "api",
			"action", "changes_failed",
			"after", after,
			"error", err,
		)
		WriteProblem(w, r, http.StatusInternalServerError, "Failed to retrieve changes")
		return
	}
	latest, err := h.store.LatestSequence(ctx)
	if err != nil {
		slog.Error("get latest sequence failed",
			"component", "api",
			"action", "changes_failed",
			"error", err,
		)
		WriteProblem(w, r, http.StatusInternalServerError, "Failed to retrieve changes")
		return
	}

	last := after
	if len(changes) > 0 {
		last = changes[len(changes)-1].Sequence
	}
	if changes == nil {
		changes = []store.Change{}
	}

	writeJSON(w, http.StatusOK, ChangesResponse{
		Changes:        changes,
		LastSequence:   last,
		LatestSequence: latest,
		HasMore:        len(changes) == limit && last < latest,
	})
}

// parseChangesQuery reads after (default 0) and limit.
func parseChangesQuery(r *http.Request) (int64, int, error) {
	var after int64
	if s := r.URL.Query().Get("after"); s != "" {
		v, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return 0, 0, fmt.Errorf("invalid after parameter: must be an integer")
		}
		if v < 0 {
			return 0, 0, fmt.Errorf("invalid after parameter: must be >= 0")
		}
		after = v
	}

	limit := DefaultChangesLimit
	if s := r.URL.Query().Get("limit"); s != "" {
		v, err := strconv.Atoi(s)
		if err != nil {
			return 0, 0, fmt.Errorf("invalid limit parameter: must be an integer")
		}
		if v < 1 {
			return 0, 0, fmt.Errorf("invalid limit parameter: must be >= 1")
		}
		limit = min(v, MaxChangesLimit)
	}
	return after, limit, nil
}
