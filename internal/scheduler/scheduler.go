// Package scheduler decides, per data category, whether device conditions
// allow syncing now, and runs the categories that qualify.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/hyperengineering/fieldsync/internal/notify"
	"github.com/hyperengineering/fieldsync/internal/types"
)

// ErrSyncInProgress is returned while another pass, scheduled or forced,
// is running.
var ErrSyncInProgress = errors.New("sync already in progress")

// Sampler reports current device conditions.
type Sampler interface {
	Sample(ctx context.Context) (DeviceState, error)
}

// StaticSampler reports a fixed state that callers update with Set.
type StaticSampler struct {
	mu    sync.Mutex
	state DeviceState
}

// NewStaticSampler returns a sampler reporting st.
func NewStaticSampler(st DeviceState) *StaticSampler {
	return &StaticSampler{state: st}
}

// Set replaces the reported state.
func (s *StaticSampler) Set(st DeviceState) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// Sample implements Sampler.
func (s *StaticSampler) Sample(context.Context) (DeviceState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state, nil
}

// Source is the work behind one category. Pending lists what is waiting,
// in the order it should be sent; Sync sends the admitted items. Items of
// unbudgeted categories are all admitted, and Sync is called even when
// nothing is pending.
type Source interface {
	Pending(ctx context.Context, c types.Category) ([]PendingItem, error)
	Sync(ctx context.Context, c types.Category, items []PendingItem) error
}

// Outcome is one category that ran.
type Outcome struct {
	Category  types.Category
	Items     int
	Bytes     int64
	Remaining int
}

// Skip is one category that did not run.
type Skip struct {
	Category types.Category
	Reason   string
}

// Failure is one category whose sync returned an error.
type Failure struct {
	Category types.Category
	Err      error
}

// Result describes a pass.
type Result struct {
	Forced  bool
	State   DeviceState
	Synced  []Outcome
	Skipped []Skip
	Failed  []Failure
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithCategory overrides one category's configuration. An empty priority
// keeps the category's default.
func WithCategory(c types.Category, cfg CategoryConfig) Option {
	return func(s *Scheduler) { s.categories[c] = withDefaultPriority(c, cfg) }
}

func withDefaultPriority(c types.Category, cfg CategoryConfig) CategoryConfig {
	if cfg.Priority == "" {
		if p, ok := DefaultPriorities()[c]; ok {
			cfg.Priority = p
		}
	}
	return cfg
}

// WithPublisher sets where sync notifications go.
func WithPublisher(p notify.Publisher) Option {
	return func(s *Scheduler) { s.pub = p }
}

// Scheduler is safe for concurrent use; at most one pass runs at a time.
type Scheduler struct {
	sampler Sampler
	pub     notify.Publisher

	mu         sync.Mutex
	categories map[types.Category]CategoryConfig
	sources    map[types.Category]Source
	inFlight   bool
}

// New creates a scheduler with the default category priorities.
func New(sampler Sampler, opts ...Option) *Scheduler {
	s := &Scheduler{
		sampler:    sampler,
		pub:        notify.Discard{},
		categories: make(map[types.Category]CategoryConfig),
		sources:    make(map[types.Category]Source),
	}
	for c, p := range DefaultPriorities() {
		s.categories[c] = CategoryConfig{Priority: p}
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register attaches the source for a category, replacing any previous one.
func (s *Scheduler) Register(c types.Category, src Source) {
	s.mu.Lock()
	s.sources[c] = src
	s.mu.Unlock()
}

// Configure replaces one category's configuration. An empty priority
// keeps the category's default.
func (s *Scheduler) Configure(c types.Category, cfg CategoryConfig) {
	s.mu.Lock()
	s.categories[c] = withDefaultPriority(c, cfg)
	s.mu.Unlock()
}

// Constraints returns the effective constraints of a category.
func (s *Scheduler) Constraints(c types.Category) Constraints {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.categories[c].Constraints()
}

// SyncIfNeeded samples the device and syncs every enabled category whose
// constraints hold. The rest are reported as skipped.
func (s *Scheduler) SyncIfNeeded(ctx context.Context) (Result, error) {
	return s.pass(ctx, nil, false)
}

// ForceSyncAll syncs every category with a source, ignoring constraints
// and budgets.
func (s *Scheduler) ForceSyncAll(ctx context.Context) (Result, error) {
	return s.pass(ctx, nil, true)
}

// ForceSyncCategories syncs the named categories, ignoring constraints
// and budgets.
func (s *Scheduler) ForceSyncCategories(ctx context.Context, cats ...types.Category) (Result, error) {
	for _, c := range cats {
		if !c.Valid() {
			return Result{}, fmt.Errorf("unknown sync category %q", c)
		}
	}
	if len(cats) == 0 {
		return Result{Forced: true}, nil
	}
	return s.pass(ctx, cats, true)
}

type planned struct {
	category types.Category
	cfg      CategoryConfig
	src      Source
}

func (s *Scheduler) pass(ctx context.Context, only []types.Category, forced bool) (Result, error) {
	s.mu.Lock()
	if s.inFlight {
		s.mu.Unlock()
		return Result{}, ErrSyncInProgress
	}
	s.inFlight = true
	plan := s.planLocked(only)
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.inFlight = false
		s.mu.Unlock()
	}()

	res := Result{Forced: forced}
	if !forced {
		st, err := s.sampler.Sample(ctx)
		if err != nil {
			s.publishFailed(forced, err)
			return res, fmt.Errorf("sample device state: %w", err)
		}
		res.State = st
	}

	s.pub.Publish(notify.Notification{
		Type:    notify.SyncStarted,
		Payload: map[string]any{"forced": forced, "categories": len(plan)},
	})
	start := time.Now()

	for _, p := range plan {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if !forced {
			if p.cfg.Disabled {
				res.Skipped = append(res.Skipped, Skip{p.category, ReasonDisabled})
				continue
			}
			if reason := p.cfg.Constraints().Check(res.State); reason != "" {
				res.Skipped = append(res.Skipped, Skip{p.category, reason})
				continue
			}
		}
		if p.src == nil {
			res.Skipped = append(res.Skipped, Skip{p.category, ReasonNoSource})
			continue
		}
		s.runCategory(ctx, p, forced, &res)
	}

	slog.Info("sync pass finished",
		"component", "scheduler",
		"action", "sync_pass",
		"forced", forced,
		"synced", len(res.Synced),
		"skipped", len(res.Skipped),
		"failed", len(res.Failed),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	for _, f := range res.Failed {
		s.pub.Publish(notify.Notification{
			Type:    notify.SyncFailed,
			Payload: map[string]any{"category": string(f.Category), "error": f.Err.Error(), "forced": forced},
		})
	}
	s.pub.Publish(notify.Notification{
		Type: notify.SyncCompleted,
		Payload: map[string]any{
			"forced":  forced,
			"synced":  len(res.Synced),
			"skipped": len(res.Skipped),
			"failed":  len(res.Failed),
		},
	})
	return res, nil
}

func (s *Scheduler) runCategory(ctx context.Context, p planned, forced bool, res *Result) {
	items, err := p.src.Pending(ctx, p.category)
	if err != nil {
		res.Failed = append(res.Failed, Failure{p.category, fmt.Errorf("list pending: %w", err)})
		return
	}
	admitted := items
	if !forced {
		admitted = p.cfg.Constraints().admit(items)
		if len(admitted) == 0 && len(items) > 0 {
			res.Skipped = append(res.Skipped, Skip{p.category, ReasonBudget})
			return
		}
	}

	if err := p.src.Sync(ctx, p.category, admitted); err != nil {
		slog.Warn("category sync failed",
			"component", "scheduler",
			"action", "category_failed",
			"category", string(p.category),
			"error", err,
		)
		res.Failed = append(res.Failed, Failure{p.category, err})
		return
	}
	var bytes int64
	for _, it := range admitted {
		bytes += it.Size
	}
	res.Synced = append(res.Synced, Outcome{
		Category:  p.category,
		Items:     len(admitted),
		Bytes:     bytes,
		Remaining: len(items) - len(admitted),
	})
}

// planLocked orders categories by priority, then declaration order.
func (s *Scheduler) planLocked(only []types.Category) []planned {
	want := types.Categories
	if only != nil {
		want = only
	}
	plan := make([]planned, 0, len(want))
	for _, c := range want {
		plan = append(plan, planned{category: c, cfg: s.categories[c], src: s.sources[c]})
	}
	order := make(map[types.Category]int, len(types.Categories))
	for i, c := range types.Categories {
		order[c] = i
	}
	sort.SliceStable(plan, func(i, j int) bool {
		ri, rj := plan[i].cfg.Priority.Rank(), plan[j].cfg.Priority.Rank()
		if ri != rj {
			return ri > rj
		}
		return order[plan[i].category] < order[plan[j].category]
	})
	return plan
}

func (s *Scheduler) publishFailed(forced bool, err error) {
	s.pub.Publish(notify.Notification{
		Type:    notify.SyncFailed,
		Payload: map[string]any{"forced": forced, "error": err.Error()},
	})
}

// Run calls SyncIfNeeded every interval until ctx is done.
func (s *Scheduler) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.SyncIfNeeded(ctx); err != nil && !errors.Is(err, ErrSyncInProgress) && ctx.Err() == nil {
				slog.Warn("scheduled sync failed",
					"component", "scheduler",
					"action", "sync_failed",
					"error", err,
				)
			}
		}
	}
}
