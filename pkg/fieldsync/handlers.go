package fieldsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hyperengineering/fieldsync/internal/conflict"
	"github.com/hyperengineering/fieldsync/internal/queue"
	"github.com/hyperengineering/fieldsync/internal/restclient"
	"github.com/hyperengineering/fieldsync/internal/types"
)

// EntityOp is the payload of the save operations: the entity as the
// device last wrote it and, optionally, the room document it lives in.
type EntityOp struct {
	Room   string       `json:"room,omitempty"`
	Entity types.Entity `json:"entity"`
}

// FieldNotesOp is the payload of sync_field_notes.
type FieldNotesOp struct {
	Room  string         `json:"room,omitempty"`
	Notes []types.Entity `json:"notes"`
}

// DeleteOp is the payload of delete_entity.
type DeleteOp struct {
	Room string           `json:"room,omitempty"`
	Kind types.EntityKind `json:"kind"`
	ID   string           `json:"id"`
}

// opKinds maps each save operation to the entity kind it stores.
var opKinds = map[types.OperationType]types.EntityKind{
	types.OpCreateProperty:  types.KindProperty,
	types.OpUpdateProperty:  types.KindProperty,
	types.OpUploadPhoto:     types.KindPhoto,
	types.OpGenerateReport:  types.KindReport,
	types.OpUpdateReport:    types.KindReport,
	types.OpSaveComparable:  types.KindComparable,
	types.OpSaveMeasurement: types.KindMeasurement,
}

// KindOf returns the entity kind a save operation stores.
func KindOf(op types.OperationType) (types.EntityKind, bool) {
	k, ok := opKinds[op]
	return k, ok
}

func (a *App) registerHandlers() {
	for op, kind := range opKinds {
		a.queue.RegisterHandler(op, a.saveHandler(kind))
	}
	a.queue.RegisterHandler(types.OpSyncFieldNotes, a.syncFieldNotes)
	a.queue.RegisterHandler(types.OpDeleteEntity, a.deleteEntity)
}

// SaveEntity writes e into the room document and queues the matching
// server write. room may be empty for entities outside any document.
func (a *App) SaveEntity(ctx context.Context, op types.OperationType, room string, e types.Entity, priority int) (string, error) {
	kind, ok := KindOf(op)
	if !ok {
		return "", fmt.Errorf("%w: %q is not a save operation", queue.ErrUnknownOperation, op)
	}
	if room != "" {
		doc, err := a.Document(ctx, room)
		if err != nil {
			return "", err
		}
		if err := doc.Set(kind, e.ID(), e); err != nil {
			return "", err
		}
		if stored, err := doc.Get(kind, e.ID()); err == nil {
			e = stored
		}
	}
	return a.queue.Enqueue(ctx, op, EntityOp{Room: room, Entity: e}, priority)
}

// saveHandler creates the entity when the server has none. When the
// server copy is still at the version this device last wrote or read
// back, nobody else touched it and the local copy is written as is.
// Otherwise the two copies are concurrent edits: they are resolved under
// the kind's policy and a result that differs from the server copy is
// written back. A conflict awaiting manual resolution fails the attempt
// with a *conflict.ManualResolutionError; once someone resolves it a later
// attempt writes their decision.
func (a *App) saveHandler(kind types.EntityKind) queue.Handler {
	return func(ctx context.Context, it queue.Item) (queue.Result, error) {
		var p EntityOp
		if err := it.Decode(&p); err != nil {
			return queue.Result{}, err
		}
		id := p.Entity.ID()
		if id == "" {
			return queue.Result{}, errors.New("entity id is required")
		}

		current, err := a.client.GetEntity(ctx, kind, id)
		if errors.Is(err, restclient.ErrNotFound) {
			created, err := a.client.PostEntity(ctx, kind, p.Entity)
			if err != nil {
				return queue.Result{}, err
			}
			a.synced.setVersion(ctx, kind, id, created.Version)
			a.writeBack(ctx, p.Room, kind, p.Entity, p.Entity)
			return queue.Result{Data: map[string]any{"id": id, "version": created.Version, "created": true}}, nil
		}
		if err != nil {
			return queue.Result{}, err
		}

		resolved := p.Entity
		if base, ok := a.synced.version(kind, id); !ok || current.Version != base {
			resolved, err = a.conflicts.CheckAndResolve(ctx, kind, p.Entity, current.Entity)
			if err != nil {
				return queue.Result{}, err
			}
		}
		version := current.Version
		if a.conflicts.DetectConflict(kind, resolved, current.Entity) != nil {
			saved, err := a.client.PutEntity(ctx, kind, resolved)
			if err != nil {
				return queue.Result{}, err
			}
			version = saved.Version
		}
		a.synced.setVersion(ctx, kind, id, version)
		a.writeBack(ctx, p.Room, kind, p.Entity, resolved)
		return queue.Result{Data: map[string]any{"id": id, "version": version}}, nil
	}
}

// syncFieldNotes pushes measurement notes in bulk and reconciles the ones
// the server holds newer copies of. The queue item id is the push id, so a
// retried attempt replays the server's first answer.
func (a *App) syncFieldNotes(ctx context.Context, it queue.Item) (queue.Result, error) {
	var p FieldNotesOp
	if err := it.Decode(&p); err != nil {
		return queue.Result{}, err
	}
	if len(p.Notes) == 0 {
		return queue.Result{Data: map[string]any{"accepted": 0}}, nil
	}

	records := make([]restclient.Record, len(p.Notes))
	for i, n := range p.Notes {
		records[i] = restclient.Record{Kind: types.KindMeasurement, Entity: n}
	}
	resp, err := a.client.Sync(ctx, it.ID, records)
	if err != nil {
		return queue.Result{}, err
	}
	for _, acc := range resp.Accepted {
		a.synced.setVersion(ctx, acc.Kind, acc.ID, acc.Version)
	}
	if len(resp.Conflicts) == 0 {
		return queue.Result{Data: map[string]any{"accepted": len(resp.Accepted)}}, nil
	}

	byID := make(map[string]types.Entity, len(p.Notes))
	for _, n := range p.Notes {
		byID[n.ID()] = n
	}
	var local, server []types.Entity
	for _, c := range resp.Conflicts {
		if l, ok := byID[c.ID]; ok {
			local = append(local, l)
			server = append(server, c.Server)
		}
	}
	res, err := a.conflicts.ResolveFieldNoteConflicts(ctx, local, server)
	if err != nil {
		return queue.Result{}, err
	}

	serverByID := make(map[string]types.Entity, len(server))
	for _, s := range server {
		serverByID[s.ID()] = s
	}
	pending := make(map[string]string, len(res.Pending))
	for _, c := range res.Pending {
		pending[c.EntityID] = c.ID
	}
	for _, merged := range res.Merged {
		id := merged.ID()
		if _, waiting := pending[id]; waiting {
			continue
		}
		if a.conflicts.DetectConflict(types.KindMeasurement, merged, serverByID[id]) != nil {
			saved, err := a.client.PutEntity(ctx, types.KindMeasurement, merged)
			if err != nil {
				return queue.Result{}, err
			}
			a.synced.setVersion(ctx, types.KindMeasurement, id, saved.Version)
		}
		a.writeBack(ctx, p.Room, types.KindMeasurement, byID[id], merged)
	}

	if len(res.Pending) > 0 {
		first := res.Pending[0]
		return queue.Result{}, fmt.Errorf("%d field notes await resolution: %w", len(res.Pending),
			&conflict.ManualResolutionError{ConflictID: first.ID, EntityKind: first.EntityKind, EntityID: first.EntityID})
	}
	return queue.Result{Data: map[string]any{
		"accepted":   len(resp.Accepted),
		"reconciled": len(res.Conflicts),
	}}, nil
}

// deleteEntity removes the entity on the server. An entity the server
// never had counts as deleted.
func (a *App) deleteEntity(ctx context.Context, it queue.Item) (queue.Result, error) {
	var p DeleteOp
	if err := it.Decode(&p); err != nil {
		return queue.Result{}, err
	}
	if !p.Kind.Valid() || p.ID == "" {
		return queue.Result{}, fmt.Errorf("invalid delete target %s/%s", p.Kind, p.ID)
	}
	if err := a.client.DeleteEntity(ctx, p.Kind, p.ID); err != nil && !errors.Is(err, restclient.ErrNotFound) {
		return queue.Result{}, err
	}
	a.synced.forget(ctx, p.Room, p.Kind, p.ID)
	return queue.Result{Data: map[string]any{"id": p.ID}}, nil
}

// writeBack stores a resolution in the room document when it differs from
// what the device sent, and records it as synced.
func (a *App) writeBack(ctx context.Context, room string, kind types.EntityKind, sent, resolved types.Entity) {
	if room == "" {
		return
	}
	doc, err := a.Document(ctx, room)
	if err != nil {
		slog.Warn("resolution not written to document",
			"component", "app",
			"action", "write_back_failed",
			"room_id", room,
			"error", err,
		)
		return
	}
	if a.conflicts.DetectConflict(kind, resolved, sent) != nil {
		if err := doc.Set(kind, resolved.ID(), resolved); err != nil {
			slog.Warn("resolution not written to document",
				"component", "app",
				"action", "write_back_failed",
				"room_id", room,
				"entity_id", resolved.ID(),
				"error", err,
			)
			return
		}
	}
	a.synced.mark(ctx, room, kind, resolved)
}
