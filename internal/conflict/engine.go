// Package conflict detects disagreements between local and server copies
// of an entity and resolves them per entity-kind policy, keeping a durable
// record of every conflict it has seen.
package conflict

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/hyperengineering/fieldsync/internal/notify"
	"github.com/hyperengineering/fieldsync/internal/persistence"
	"github.com/hyperengineering/fieldsync/internal/types"
)

var errPersist = errors.New("persist conflicts")

// DefaultScope is the conflict store scope used when none is configured.
const DefaultScope = "default"

// Option configures an Engine.
type Option func(*Engine)

// WithScope sets the persistence scope of the conflict store.
func WithScope(scope string) Option {
	return func(e *Engine) { e.scope = scope }
}

// WithPolicy overrides the policy of one kind.
func WithPolicy(kind types.EntityKind, p Policy) Option {
	return func(e *Engine) { e.policies[kind] = p }
}

// WithPublisher sets where conflict notifications go.
func WithPublisher(p notify.Publisher) Option {
	return func(e *Engine) { e.pub = p }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

type entityKey struct {
	kind types.EntityKind
	id   string
}

// Engine is safe for concurrent use.
type Engine struct {
	persist persistence.Adapter
	scope   string
	pub     notify.Publisher
	now     func() time.Time

	mu        sync.RWMutex
	policies  map[types.EntityKind]Policy
	mergers   map[types.EntityKind]map[string]FieldMerger
	conflicts map[string]*Conflict
	latest    map[entityKey]string
}

// New creates an engine with the default policies.
func New(persist persistence.Adapter, opts ...Option) *Engine {
	e := &Engine{
		persist:   persist,
		scope:     DefaultScope,
		pub:       notify.Discard{},
		now:       time.Now,
		policies:  DefaultPolicies(),
		mergers:   make(map[types.EntityKind]map[string]FieldMerger),
		conflicts: make(map[string]*Conflict),
		latest:    make(map[entityKey]string),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Load restores the persisted conflict records.
func (e *Engine) Load(ctx context.Context) error {
	if e.persist == nil {
		return nil
	}
	data, err := e.persist.Load(ctx, persistence.ConflictsKey(e.scope))
	if err != nil {
		return fmt.Errorf("load conflicts: %w", err)
	}
	var records []Conflict
	if data != nil {
		if err := json.Unmarshal(data, &records); err != nil {
			slog.Error("persisted conflicts are corrupt, starting empty",
				"component", "conflict",
				"action", "load_failed",
				"scope", e.scope,
				"error", err,
			)
			records = nil
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	chronological(records)
	e.conflicts = make(map[string]*Conflict, len(records))
	e.latest = make(map[entityKey]string, len(records))
	for i := range records {
		c := records[i]
		e.conflicts[c.ID] = &c
		e.index(&c)
	}
	return nil
}

// index points the entity at c. Callers index conflicts oldest first.
func (e *Engine) index(c *Conflict) {
	e.latest[entityKey{c.EntityKind, c.EntityID}] = c.ID
}

// chronological orders conflicts by detection time, then id.
func chronological(cs []Conflict) {
	sort.SliceStable(cs, func(i, j int) bool {
		if !cs[i].DetectedAt.Equal(cs[j].DetectedAt) {
			return cs[i].DetectedAt.Before(cs[j].DetectedAt)
		}
		return cs[i].ID < cs[j].ID
	})
}

// SetPolicy replaces the policy of kind.
func (e *Engine) SetPolicy(kind types.EntityKind, p Policy) {
	e.mu.Lock()
	e.policies[kind] = p
	e.mu.Unlock()
}

// Policy returns the policy of kind. Kinds without one resolve manually.
func (e *Engine) Policy(kind types.EntityKind) Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if p, ok := e.policies[kind]; ok {
		return p
	}
	return Policy{Strategy: Manual, IgnoreFields: DefaultIgnoreFields}
}

// RegisterMerger installs a merge function for one field of kind, used by
// the MERGE strategy.
func (e *Engine) RegisterMerger(kind types.EntityKind, field string, fn FieldMerger) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.mergers[kind] == nil {
		e.mergers[kind] = make(map[string]FieldMerger)
	}
	e.mergers[kind][field] = fn
}

// DetectConflict compares two copies of an entity. It returns nil when the
// ids differ or every compared field is equal. The result is not recorded;
// detecting the same disagreement again yields an equivalent conflict.
func (e *Engine) DetectConflict(kind types.EntityKind, local, server types.Entity) *Conflict {
	if local == nil || server == nil {
		return nil
	}
	id := local.ID()
	if id == "" || id != server.ID() {
		return nil
	}
	policy := e.Policy(kind)
	fields := diffFields(local, server, policy.IgnoreFields)
	if len(fields) == 0 {
		return nil
	}

	c := &Conflict{
		EntityKind: kind,
		EntityID:   id,
		Local:      local.Clone(),
		Server:     server.Clone(),
		Fields:     fields,
		Strategy:   policy.Strategy,
		DetectedAt: e.now().UTC(),
	}
	e.mu.RLock()
	if prev := e.sameOpenConflict(c); prev != nil {
		c.ID = prev.ID
		c.DetectedAt = prev.DetectedAt
	}
	e.mu.RUnlock()
	if c.ID == "" {
		c.ID = conflictID(c)
	}
	return c
}

// conflictID derives a ULID from the detection time and the compared
// copies, so detecting the same disagreement at the same instant yields
// the same id while ids still sort by creation time.
func conflictID(c *Conflict) string {
	h := sha256.New()
	h.Write([]byte(c.EntityKind))
	h.Write([]byte{0})
	h.Write([]byte(c.EntityID))
	h.Write([]byte{0})
	l, _ := json.Marshal(normalize(c.Local))
	h.Write(l)
	h.Write([]byte{0})
	s, _ := json.Marshal(normalize(c.Server))
	h.Write(s)
	id, err := ulid.New(ulid.Timestamp(c.DetectedAt), bytes.NewReader(h.Sum(nil)))
	if err != nil {
		// Detection times outside the ULID range.
		return ulid.Make().String()
	}
	return id.String()
}

// sameOpenConflict returns the newest recorded conflict for c's entity
// when it describes the same pair of copies.
func (e *Engine) sameOpenConflict(c *Conflict) *Conflict {
	id, ok := e.latest[entityKey{c.EntityKind, c.EntityID}]
	if !ok {
		return nil
	}
	prev := e.conflicts[id]
	if prev == nil || !sameCopies(prev, c) {
		return nil
	}
	return prev
}

func sameCopies(a, b *Conflict) bool {
	return reflect.DeepEqual(normalize(a.Local), normalize(b.Local)) &&
		reflect.DeepEqual(normalize(a.Server), normalize(b.Server))
}

// AutoResolve applies the conflict's strategy. It returns false for
// MANUAL or unknown strategies. The conflict is not modified.
func (e *Engine) AutoResolve(c *Conflict) (types.Entity, bool) {
	v, _, ok := e.autoResolve(c)
	return v, ok
}

func (e *Engine) autoResolve(c *Conflict) (types.Entity, Side, bool) {
	switch c.Strategy {
	case ServerWins:
		return c.Server.Clone(), SideServer, true
	case ClientWins:
		return c.Local.Clone(), SideClient, true
	case LastModifiedWins:
		if clientNewer(c.Local, c.Server) {
			return c.Local.Clone(), SideClient, true
		}
		return c.Server.Clone(), SideServer, true
	case Merge:
		return e.merge(c), SideMerged, true
	default:
		return nil, "", false
	}
}

// clientNewer reports whether local carries a strictly later timestamp.
// Ties and missing timestamps go to the server.
func clientNewer(local, server types.Entity) bool {
	lt, lok := local.Timestamp()
	st, sok := server.Timestamp()
	if !lok {
		return false
	}
	if !sok {
		return true
	}
	return lt > st
}

// merge starts from the server copy and decides each differing field by
// its registered merger, or by entity timestamps when none is registered.
// Metadata fields follow the newer side.
func (e *Engine) merge(c *Conflict) types.Entity {
	e.mu.RLock()
	mergers := e.mergers[c.EntityKind]
	ignore := e.policies[c.EntityKind].IgnoreFields
	e.mu.RUnlock()

	localWins := clientNewer(c.Local, c.Server)
	out := c.Server.Clone()
	for _, field := range c.Fields {
		var v any
		if fn, ok := mergers[field]; ok {
			v = fn(field, c.Local[field], c.Server[field], c.Local, c.Server)
		} else if localWins {
			v = c.Local[field]
		} else {
			v = c.Server[field]
		}
		setOrDelete(out, field, v)
	}
	if localWins {
		for _, field := range ignore {
			setOrDelete(out, field, c.Local[field])
		}
	}
	return out
}

func setOrDelete(e types.Entity, field string, v any) {
	if v == nil {
		delete(e, field)
		return
	}
	e[field] = types.CloneValue(v)
}

// CheckAndResolve detects and, when the policy allows, resolves a
// conflict between local and server, recording it. Without a conflict it
// returns the server copy. A disagreement already resolved returns the
// stored resolution. When the policy requires a person it returns a
// *ManualResolutionError carrying the recorded conflict id.
func (e *Engine) CheckAndResolve(ctx context.Context, kind types.EntityKind, local, server types.Entity) (types.Entity, error) {
	c := e.DetectConflict(kind, local, server)
	if c == nil {
		if server != nil {
			return server.Clone(), nil
		}
		return local.Clone(), nil
	}
	return e.handle(ctx, c)
}

func (e *Engine) handle(ctx context.Context, c *Conflict) (types.Entity, error) {
	// Persistence failures below are logged by save and do not block
	// resolution.
	if prev := e.Get(c.ID); prev != nil {
		if prev.Resolved {
			return prev.Resolution.Clone(), nil
		}
	} else {
		_ = e.record(ctx, c)
	}

	v, side, ok := e.autoResolve(c)
	if !ok {
		return nil, &ManualResolutionError{ConflictID: c.ID, EntityKind: c.EntityKind, EntityID: c.EntityID}
	}
	if _, err := e.markResolved(ctx, c.ID, v, side, ResolvedBySystem, ""); err != nil && !errors.Is(err, errPersist) {
		return nil, err
	}
	return v, nil
}

// record stores a newly detected conflict.
func (e *Engine) record(ctx context.Context, c *Conflict) error {
	stored := c.clone()
	e.mu.Lock()
	e.conflicts[c.ID] = stored
	e.index(stored)
	e.mu.Unlock()

	slog.Info("conflict detected",
		"component", "conflict",
		"action", "detected",
		"conflict_id", c.ID,
		"kind", string(c.EntityKind),
		"entity_id", c.EntityID,
		"fields", c.Fields,
		"strategy", string(c.Strategy),
	)
	e.pub.Publish(notify.Notification{
		Type: notify.ConflictDetected,
		Payload: map[string]any{
			"conflictId": c.ID,
			"entityKind": string(c.EntityKind),
			"entityId":   c.EntityID,
			"fields":     c.Fields,
			"strategy":   string(c.Strategy),
		},
	})
	return e.save(ctx)
}

// ResolveConflict records a manual resolution. Resolved conflicts are
// final.
func (e *Engine) ResolveConflict(ctx context.Context, id string, choice Choice) (*Conflict, error) {
	e.mu.RLock()
	c, ok := e.conflicts[id]
	var local, server types.Entity
	if ok {
		local, server = c.Local, c.Server
	}
	e.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrConflictNotFound, id)
	}

	var value types.Entity
	switch choice.Side {
	case SideClient:
		value = local.Clone()
	case SideServer:
		value = server.Clone()
	case SideCustom, SideMerged:
		if choice.Value == nil {
			return nil, fmt.Errorf("%w: %s resolution needs a value", ErrInvalidChoice, choice.Side)
		}
		value = choice.Value.Clone()
	default:
		return nil, fmt.Errorf("%w: side %q", ErrInvalidChoice, choice.Side)
	}
	by := choice.By
	if by == "" {
		by = "user"
	}
	return e.markResolved(ctx, id, value, choice.Side, by, choice.Notes)
}

func (e *Engine) markResolved(ctx context.Context, id string, value types.Entity, side Side, by, notes string) (*Conflict, error) {
	now := e.now().UTC()
	e.mu.Lock()
	c, ok := e.conflicts[id]
	if !ok {
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrConflictNotFound, id)
	}
	if c.Resolved {
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrAlreadyResolved, id)
	}
	c.Resolved = true
	c.Resolution = value
	c.ResolutionSide = side
	c.ResolvedBy = by
	c.Notes = notes
	c.ResolvedAt = &now
	out := c.clone()
	e.mu.Unlock()

	slog.Info("conflict resolved",
		"component", "conflict",
		"action", "resolved",
		"conflict_id", id,
		"entity_id", out.EntityID,
		"side", string(side),
		"resolved_by", by,
	)
	e.pub.Publish(notify.Notification{
		Type: notify.ConflictResolved,
		Payload: map[string]any{
			"conflictId": id,
			"entityKind": string(out.EntityKind),
			"entityId":   out.EntityID,
			"side":       string(side),
			"resolvedBy": by,
		},
	})
	return out, e.save(ctx)
}

// Resolution returns the stored resolution of the newest conflict on an
// entity, if that conflict is resolved.
func (e *Engine) Resolution(kind types.EntityKind, entityID string) (types.Entity, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	id, ok := e.latest[entityKey{kind, entityID}]
	if !ok {
		return nil, false
	}
	c := e.conflicts[id]
	if c == nil || !c.Resolved {
		return nil, false
	}
	return c.Resolution.Clone(), true
}

// Get returns a copy of the conflict with id, or nil.
func (e *Engine) Get(id string) *Conflict {
	e.mu.RLock()
	defer e.mu.RUnlock()
	c, ok := e.conflicts[id]
	if !ok {
		return nil
	}
	return c.clone()
}

// Conflicts returns every recorded conflict, oldest first.
func (e *Engine) Conflicts() []Conflict {
	return e.list(func(*Conflict) bool { return true })
}

// Pending returns the unresolved conflicts, oldest first.
func (e *Engine) Pending() []Conflict {
	return e.list(func(c *Conflict) bool { return !c.Resolved })
}

func (e *Engine) list(keep func(*Conflict) bool) []Conflict {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Conflict, 0, len(e.conflicts))
	for _, c := range e.conflicts {
		if keep(c) {
			out = append(out, *c.clone())
		}
	}
	chronological(out)
	return out
}

// Reconcile merges a local and a server entity list by id. Items on only
// one side pass through; items on both sides go through CheckAndResolve.
// Items awaiting manual resolution keep their local copy.
func (e *Engine) Reconcile(ctx context.Context, kind types.EntityKind, local, server []types.Entity) (ReconcileResult, error) {
	serverByID := make(map[string]types.Entity, len(server))
	for _, s := range server {
		if id := s.ID(); id != "" {
			serverByID[id] = s
		}
	}

	var res ReconcileResult
	seen := make(map[string]bool, len(local))
	for _, l := range local {
		id := l.ID()
		seen[id] = true
		s, both := serverByID[id]
		if !both {
			res.Merged = append(res.Merged, l.Clone())
			continue
		}

		c := e.DetectConflict(kind, l, s)
		if c == nil {
			res.Merged = append(res.Merged, s.Clone())
			continue
		}
		v, err := e.handle(ctx, c)
		stored := e.Get(c.ID)
		if stored != nil {
			res.Conflicts = append(res.Conflicts, *stored)
		}
		if err != nil {
			var manual *ManualResolutionError
			if !errors.As(err, &manual) {
				return res, err
			}
			res.Merged = append(res.Merged, l.Clone())
			if stored != nil {
				res.Pending = append(res.Pending, *stored)
			}
			continue
		}
		res.Merged = append(res.Merged, v)
	}
	for _, s := range server {
		if !seen[s.ID()] {
			res.Merged = append(res.Merged, s.Clone())
		}
	}
	return res, nil
}

// ResolveFieldNoteConflicts reconciles field measurement notes.
func (e *Engine) ResolveFieldNoteConflicts(ctx context.Context, local, server []types.Entity) (ReconcileResult, error) {
	return e.Reconcile(ctx, types.KindMeasurement, local, server)
}

func (e *Engine) save(ctx context.Context) error {
	if e.persist == nil {
		return nil
	}
	data, err := json.Marshal(e.Conflicts())
	if err != nil {
		return fmt.Errorf("encode conflicts: %w", err)
	}
	if err := e.persist.Save(ctx, persistence.ConflictsKey(e.scope), data); err != nil {
		slog.Error("conflict store save failed",
			"component", "conflict",
			"action", "save_failed",
			"scope", e.scope,
			"error", err,
		)
		return fmt.Errorf("%w: %v", errPersist, err)
	}
	return nil
}
