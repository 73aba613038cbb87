package fieldsync

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/oklog/ulid/v2"

	"github.com/hyperengineering/fieldsync/internal/conflict"
	"github.com/hyperengineering/fieldsync/internal/persistence"
	"github.com/hyperengineering/fieldsync/internal/restclient"
	"github.com/hyperengineering/fieldsync/internal/scheduler"
	"github.com/hyperengineering/fieldsync/internal/types"
)

// categoryKinds maps sync categories to the entity kind behind them.
// preferences are device-local and have no source.
var categoryKinds = map[types.Category]types.EntityKind{
	types.CategoryProperties:  types.KindProperty,
	types.CategoryReports:     types.KindReport,
	types.CategoryPhotos:      types.KindPhoto,
	types.CategoryComparables: types.KindComparable,
	types.CategorySketches:    types.KindSketch,
	types.CategoryNotes:       types.KindMeasurement,
}

func (a *App) registerSources() {
	src := &docSource{app: a}
	for cat := range categoryKinds {
		a.scheduler.Register(cat, src)
	}
}

// docSource reports entities of joined room documents whose content
// changed since they were last accepted by the server, and pushes them
// through the bulk sync endpoint.
type docSource struct {
	app *App
}

func itemID(room string, kind types.EntityKind, id string) string {
	return room + "/" + string(kind) + "/" + id
}

func splitItemID(s string) (room string, kind types.EntityKind, id string, ok bool) {
	parts := strings.SplitN(s, "/", 3)
	if len(parts) != 3 {
		return "", "", "", false
	}
	return parts[0], types.EntityKind(parts[1]), parts[2], true
}

// Pending implements scheduler.Source. Items are ordered by room, then
// entity id.
func (s *docSource) Pending(ctx context.Context, c types.Category) ([]scheduler.PendingItem, error) {
	kind, ok := categoryKinds[c]
	if !ok {
		return nil, nil
	}
	roomIDs := s.app.Joined()
	sort.Strings(roomIDs)

	var out []scheduler.PendingItem
	for _, room := range roomIDs {
		doc, err := s.app.Document(ctx, room)
		if err != nil {
			return nil, err
		}
		all, err := doc.GetAll(kind)
		if err != nil {
			return nil, err
		}
		ids := make([]string, 0, len(all))
		for id := range all {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			sum, size, err := s.app.synced.sum(kind, all[id])
			if err != nil {
				return nil, err
			}
			if s.app.synced.has(itemID(room, kind, id), sum) {
				continue
			}
			out = append(out, scheduler.PendingItem{ID: itemID(room, kind, id), Size: size})
		}
	}
	return out, nil
}

// Sync implements scheduler.Source. Conflicting records are resolved under
// the kind's policy and the resolution is written to the document and, when
// it differs from the server copy, to the server. Records awaiting manual
// resolution stay pending without failing the category.
func (s *docSource) Sync(ctx context.Context, c types.Category, items []scheduler.PendingItem) error {
	if len(items) == 0 {
		return nil
	}
	a := s.app

	type pending struct {
		room   string
		entity types.Entity
	}
	// The same entity may be pending in more than one joined room.
	byEntity := make(map[string][]pending, len(items))
	records := make([]restclient.Record, 0, len(items))
	for _, it := range items {
		room, kind, id, ok := splitItemID(it.ID)
		if !ok {
			continue
		}
		doc, err := a.Document(ctx, room)
		if err != nil {
			return err
		}
		e, err := doc.Get(kind, id)
		if err != nil {
			// Deleted since Pending ran.
			continue
		}
		key := versionKey(kind, id)
		byEntity[key] = append(byEntity[key], pending{room: room, entity: e})
		records = append(records, restclient.Record{Kind: kind, Entity: e})
	}
	if len(records) == 0 {
		return nil
	}

	resp, err := a.client.Sync(ctx, ulid.Make().String(), records)
	if err != nil {
		return fmt.Errorf("push %s: %w", c, err)
	}

	for _, acc := range resp.Accepted {
		for _, p := range byEntity[versionKey(acc.Kind, acc.ID)] {
			a.synced.mark(ctx, p.room, acc.Kind, p.entity)
		}
		a.synced.setVersion(ctx, acc.Kind, acc.ID, acc.Version)
	}

	var manual int
	done := make(map[string]bool, len(resp.Conflicts))
	for _, rc := range resp.Conflicts {
		for _, p := range byEntity[versionKey(rc.Kind, rc.ID)] {
			key := itemID(p.room, rc.Kind, rc.ID)
			if done[key] {
				continue
			}
			done[key] = true
			resolved, err := a.conflicts.CheckAndResolve(ctx, rc.Kind, p.entity, rc.Server)
			var mre *conflict.ManualResolutionError
			if errors.As(err, &mre) {
				manual++
				continue
			}
			if err != nil {
				return err
			}
			if a.conflicts.DetectConflict(rc.Kind, resolved, rc.Server) != nil {
				saved, err := a.client.PutEntity(ctx, rc.Kind, resolved)
				if err != nil {
					return fmt.Errorf("write resolution %s/%s: %w", rc.Kind, rc.ID, err)
				}
				a.synced.setVersion(ctx, rc.Kind, rc.ID, saved.Version)
				// Later rooms compare against what the server now holds.
				rc.Server = resolved
			}
			a.writeBack(ctx, p.room, rc.Kind, p.entity, resolved)
		}
	}

	if manual > 0 {
		slog.Info("records await manual resolution",
			"component", "app",
			"action", "manual_resolution_pending",
			"category", string(c),
			"count", manual,
		)
	}
	return nil
}

// contentHash hashes an entity without the fields its kind's policy
// ignores, so restamping lastModified on write-back does not make it
// pending again.
func contentHash(e types.Entity, ignore []string) (string, int64, error) {
	stripped := e.Clone()
	for _, f := range ignore {
		delete(stripped, f)
	}
	data, err := json.Marshal(stripped)
	if err != nil {
		return "", 0, fmt.Errorf("encode entity %s: %w", e.ID(), err)
	}
	sum := sha256.Sum256(data)
	size, _ := json.Marshal(e)
	return hex.EncodeToString(sum[:]), int64(len(size)), nil
}

// syncState remembers, per room, kind and id, the content hash of each
// entity the server last accepted, and per kind and id the server version
// this device last wrote or read back. A save whose server copy is still
// at that version has no concurrent writer.
type syncState struct {
	persist persistence.Adapter
	ignore  func(types.EntityKind) []string

	mu       sync.Mutex
	hashes   map[string]string
	versions map[string]int64
}

type syncStateFile struct {
	Hashes   map[string]string `json:"hashes"`
	Versions map[string]int64  `json:"versions"`
}

func newSyncState(p persistence.Adapter, ignore func(types.EntityKind) []string) *syncState {
	return &syncState{
		persist:  p,
		ignore:   ignore,
		hashes:   make(map[string]string),
		versions: make(map[string]int64),
	}
}

func versionKey(kind types.EntityKind, id string) string {
	return string(kind) + "/" + id
}

func (s *syncState) load(ctx context.Context) error {
	if s.persist == nil {
		return nil
	}
	data, err := s.persist.Load(ctx, persistence.SyncStateKey)
	if err != nil {
		return fmt.Errorf("load sync state: %w", err)
	}
	if data == nil {
		return nil
	}
	var f syncStateFile
	if err := json.Unmarshal(data, &f); err != nil {
		slog.Error("persisted sync state is corrupt, treating every entity as pending",
			"component", "app",
			"action", "sync_state_load_failed",
			"error", err,
		)
		return nil
	}
	s.mu.Lock()
	if f.Hashes != nil {
		s.hashes = f.Hashes
	}
	if f.Versions != nil {
		s.versions = f.Versions
	}
	s.mu.Unlock()
	return nil
}

// sum hashes e under kind's ignore list.
func (s *syncState) sum(kind types.EntityKind, e types.Entity) (string, int64, error) {
	return contentHash(e, s.ignore(kind))
}

func (s *syncState) has(key, sum string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hashes[key] == sum
}

func (s *syncState) mark(ctx context.Context, room string, kind types.EntityKind, e types.Entity) {
	sum, _, err := s.sum(kind, e)
	if err != nil {
		return
	}
	s.mu.Lock()
	s.hashes[itemID(room, kind, e.ID())] = sum
	s.mu.Unlock()
	s.save(ctx)
}

// version returns the server version last seen for an entity.
func (s *syncState) version(kind types.EntityKind, id string) (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.versions[versionKey(kind, id)]
	return v, ok
}

func (s *syncState) setVersion(ctx context.Context, kind types.EntityKind, id string, v int64) {
	s.mu.Lock()
	s.versions[versionKey(kind, id)] = v
	s.mu.Unlock()
	s.save(ctx)
}

// forget drops the server version and, when room is set, the room's hash.
func (s *syncState) forget(ctx context.Context, room string, kind types.EntityKind, id string) {
	s.mu.Lock()
	if room != "" {
		delete(s.hashes, itemID(room, kind, id))
	}
	delete(s.versions, versionKey(kind, id))
	s.mu.Unlock()
	s.save(ctx)
}

// save failures are logged; the worst case is a redundant push.
func (s *syncState) save(ctx context.Context) {
	if s.persist == nil {
		return
	}
	s.mu.Lock()
	data, err := json.Marshal(syncStateFile{Hashes: s.hashes, Versions: s.versions})
	s.mu.Unlock()
	if err == nil {
		err = s.persist.Save(ctx, persistence.SyncStateKey, data)
	}
	if err != nil {
		slog.Warn("sync state save failed",
			"component", "app",
			"action", "sync_state_save_failed",
			"error", err,
		)
	}
}
