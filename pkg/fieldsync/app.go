// Package fieldsync constructs and wires the sync services of one device:
// room documents, their connections, the offline queue, the conflict
// engine and the selective sync scheduler. One App owns them for the
// lifetime of the process.
package fieldsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/hyperengineering/fieldsync/internal/config"
	"github.com/hyperengineering/fieldsync/internal/conflict"
	"github.com/hyperengineering/fieldsync/internal/crdt"
	"github.com/hyperengineering/fieldsync/internal/notify"
	"github.com/hyperengineering/fieldsync/internal/persistence"
	"github.com/hyperengineering/fieldsync/internal/queue"
	"github.com/hyperengineering/fieldsync/internal/restclient"
	"github.com/hyperengineering/fieldsync/internal/rooms"
	"github.com/hyperengineering/fieldsync/internal/scheduler"
	"github.com/hyperengineering/fieldsync/internal/store"
	"github.com/hyperengineering/fieldsync/internal/transport"
	"github.com/hyperengineering/fieldsync/internal/types"
	"github.com/hyperengineering/fieldsync/internal/validation"
)

// ErrClosed is returned by App methods after Close.
var ErrClosed = errors.New("app is closed")

// ErrUnknownConnector is returned by Export for an unconfigured connector.
var ErrUnknownConnector = errors.New("unknown data connector")

// Option configures an App.
type Option func(*App)

// WithDialer replaces the websocket dialer, for tests and embedding.
func WithDialer(d transport.Dialer) Option {
	return func(a *App) { a.dialer = d }
}

// WithSampler replaces the static device state sampler.
func WithSampler(s scheduler.Sampler) Option {
	return func(a *App) { a.sampler = s }
}

// WithPersistence replaces the SQLite-backed adapter. The local database
// is not opened.
func WithPersistence(p persistence.Adapter) Option {
	return func(a *App) { a.persist = p }
}

// App is the application-lifetime context of one device.
type App struct {
	cfg     *config.Config
	db      *store.SQLiteStore
	persist persistence.Adapter
	dialer  transport.Dialer
	sampler scheduler.Sampler
	static  *scheduler.StaticSampler

	bus       *notify.Bus
	rooms     *rooms.Registry
	queue     *queue.Queue
	conflicts *conflict.Engine
	scheduler *scheduler.Scheduler
	client    *restclient.Client
	verifier  *validation.Verifier
	rules     validation.RuleSet
	synced    *syncState

	// base outlives any single call; connections run under it until Close.
	base   context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	managers map[string]*transport.Manager
	closed   bool
}

// New builds every service from cfg and loads persisted queue, conflict
// and sync state. Rooms are not joined until Join or Run.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{
		cfg:      cfg,
		bus:      notify.NewBus(),
		verifier: validation.NewVerifier(),
		managers: make(map[string]*transport.Manager),
	}
	for _, opt := range opts {
		opt(a)
	}

	if a.persist == nil {
		db, err := store.NewSQLiteStore(cfg.Database.Path)
		if err != nil {
			return nil, fmt.Errorf("open local database: %w", err)
		}
		a.db = db
		a.persist = persistence.NewFailOpen(persistence.NewSQLite(db))
	}

	rules, err := cfg.Rules()
	if err != nil {
		a.closeDB()
		return nil, err
	}
	a.rules = rules

	if a.sampler == nil {
		a.static = scheduler.NewStaticSampler(cfg.Scheduler.Device)
		a.sampler = a.static
	}
	if a.dialer == nil && cfg.Server.URL != "" {
		a.dialer = &transport.WebSocketDialer{
			BaseURL:   cfg.Server.URL,
			Heartbeat: cfg.Transport.Heartbeat.Std(),
		}
	}
	a.client = restclient.New(cfg.Server.URL, cfg.Server.Token)

	a.rooms = rooms.NewRegistry(a.persist,
		rooms.WithDeviceID(cfg.Device.ID),
		rooms.WithUserID(cfg.Device.UserID),
	)

	conflictOpts := []conflict.Option{conflict.WithScope(cfg.Device.ID), conflict.WithPublisher(a.bus)}
	for kind, p := range cfg.ConflictPolicies() {
		conflictOpts = append(conflictOpts, conflict.WithPolicy(kind, p))
	}
	a.conflicts = conflict.New(a.persist, conflictOpts...)

	a.queue = queue.New(a.persist,
		queue.WithConfig(queue.Config{
			MaxRetries:       cfg.Queue.MaxRetries,
			BaseDelay:        cfg.Queue.BaseDelay.Std(),
			MaxDelay:         cfg.Queue.MaxDelay.Std(),
			AutoSyncInterval: cfg.Queue.AutoSyncInterval.Std(),
		}),
		queue.WithPublisher(a.bus),
	)

	schedOpts := []scheduler.Option{scheduler.WithPublisher(a.bus)}
	for cat, cc := range cfg.SyncCategories() {
		schedOpts = append(schedOpts, scheduler.WithCategory(cat, cc))
	}
	a.scheduler = scheduler.New(a.sampler, schedOpts...)

	a.synced = newSyncState(a.persist, func(k types.EntityKind) []string {
		return a.conflicts.Policy(k).IgnoreFields
	})

	if err := a.conflicts.Load(ctx); err != nil {
		a.closeDB()
		return nil, err
	}
	if err := a.queue.Load(ctx); err != nil {
		a.closeDB()
		return nil, err
	}
	if err := a.synced.load(ctx); err != nil {
		a.closeDB()
		return nil, err
	}

	a.registerHandlers()
	a.registerSources()
	a.base, a.cancel = context.WithCancel(context.Background())

	slog.Info("fieldsync app ready",
		"component", "app",
		"action", "ready",
		"device_id", cfg.Device.ID,
		"server", cfg.Server.URL,
		"queued", a.queue.Len(),
		"pending_conflicts", len(a.conflicts.Pending()),
	)
	return a, nil
}

// Bus returns the notification bus.
func (a *App) Bus() *notify.Bus { return a.bus }

// Queue returns the offline operation queue.
func (a *App) Queue() *queue.Queue { return a.queue }

// Conflicts returns the conflict engine.
func (a *App) Conflicts() *conflict.Engine { return a.conflicts }

// Scheduler returns the selective sync scheduler.
func (a *App) Scheduler() *scheduler.Scheduler { return a.scheduler }

// Rooms returns the room document registry.
func (a *App) Rooms() *rooms.Registry { return a.rooms }

// Document returns the document of roomID, loading it on first use.
func (a *App) Document(ctx context.Context, roomID string) (*crdt.Document, error) {
	if a.isClosed() {
		return nil, ErrClosed
	}
	return a.rooms.GetDocument(ctx, roomID)
}

// Join opens roomID and starts its connection manager. Without a server
// URL or dialer the manager is created but never connects. Joining a room
// twice returns the existing manager.
func (a *App) Join(ctx context.Context, roomID string) (*transport.Manager, error) {
	doc, err := a.Document(ctx, roomID)
	if err != nil {
		return nil, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil, ErrClosed
	}
	if m, ok := a.managers[roomID]; ok {
		return m, nil
	}

	m := transport.NewManager(roomID, a.UserID(), doc, a.dialer,
		transport.WithConfig(transport.Config{
			ConnectTimeout: a.cfg.Transport.ConnectTimeout.Std(),
			InitialBackoff: a.cfg.Transport.InitialBackoff.Std(),
			MaxBackoff:     a.cfg.Transport.MaxBackoff.Std(),
			Heartbeat:      a.cfg.Transport.Heartbeat.Std(),
			FlushInterval:  a.cfg.Transport.FlushInterval.Std(),
			AutoConnect:    a.cfg.Transport.AutoConnect,
		}),
		transport.WithTokenSource(transport.StaticToken(a.cfg.Server.Token)),
		transport.WithFlusher(a.rooms),
		transport.WithPublisher(a.bus),
	)
	a.managers[roomID] = m
	if a.dialer != nil {
		m.Start(a.base)
	}

	slog.Info("room joined",
		"component", "app",
		"action", "room_joined",
		"room_id", roomID,
	)
	return m, nil
}

// Leave closes the connection of roomID and saves its document.
func (a *App) Leave(ctx context.Context, roomID string) error {
	a.mu.Lock()
	m, ok := a.managers[roomID]
	delete(a.managers, roomID)
	a.mu.Unlock()
	if !ok {
		return nil
	}
	if err := m.Close(ctx); err != nil {
		return err
	}
	return a.rooms.Save(ctx, roomID)
}

// Joined returns the ids of joined rooms.
func (a *App) Joined() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, 0, len(a.managers))
	for id := range a.managers {
		out = append(out, id)
	}
	return out
}

// Connection returns the manager of a joined room.
func (a *App) Connection(roomID string) (*transport.Manager, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	m, ok := a.managers[roomID]
	return m, ok
}

// OnBackground forwards the host's background signal to every connection.
func (a *App) OnBackground() {
	for _, m := range a.connections() {
		m.OnBackground()
	}
}

// OnForeground forwards the host's foreground signal to every connection
// and runs a scheduled sync pass.
func (a *App) OnForeground(ctx context.Context) {
	for _, m := range a.connections() {
		m.OnForeground()
	}
	if _, err := a.scheduler.SyncIfNeeded(ctx); err != nil && !errors.Is(err, scheduler.ErrSyncInProgress) {
		slog.Warn("foreground sync failed",
			"component", "app",
			"action", "foreground_sync_failed",
			"error", err,
		)
	}
}

// SetDeviceState updates the conditions the scheduler sees. It has no
// effect when a custom sampler was supplied.
func (a *App) SetDeviceState(st scheduler.DeviceState) {
	if a.static != nil {
		a.static.Set(st)
	}
}

// Verify runs the configured verification rules for kind.
func (a *App) Verify(kind types.EntityKind, e types.Entity) validation.Report {
	return a.verifier.Verify(e, a.rules[kind])
}

// Verifier returns the rule verifier so hosts can register custom checks.
func (a *App) Verifier() *validation.Verifier { return a.verifier }

// Export renames e's fields for the named data connector.
func (a *App) Export(connector string, e types.Entity) (types.Entity, error) {
	cfg, ok := a.cfg.Connectors[connector]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownConnector, connector)
	}
	return validation.MapFields(e, cfg), nil
}

// Run joins the configured rooms, starts queue auto sync and the
// scheduler, and blocks until ctx is done. It does not close the App.
func (a *App) Run(ctx context.Context) error {
	for _, roomID := range a.cfg.Server.Rooms {
		if _, err := a.Join(ctx, roomID); err != nil {
			return fmt.Errorf("join room %s: %w", roomID, err)
		}
	}

	if a.cfg.Server.URL != "" {
		a.queue.StartAutoSync(ctx, a.cfg.Queue.AutoSyncInterval.Std())
		defer a.queue.StopAutoSync()
	}

	var wg sync.WaitGroup
	if iv := a.cfg.Scheduler.Interval.Std(); iv > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.scheduler.Run(ctx, iv)
		}()
	}

	<-ctx.Done()
	wg.Wait()
	return nil
}

// Close stops every connection, saves every document and closes the
// local database.
func (a *App) Close(ctx context.Context) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	managers := a.managers
	a.managers = make(map[string]*transport.Manager)
	a.mu.Unlock()

	a.queue.StopAutoSync()
	a.cancel()

	var errs []error
	for _, m := range managers {
		if err := m.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if err := a.rooms.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("save rooms: %w", err))
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close local database: %w", err))
		}
	}
	return errors.Join(errs...)
}

func (a *App) closeDB() {
	if a.db != nil {
		a.db.Close()
	}
}

func (a *App) isClosed() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.closed
}

func (a *App) connections() []*transport.Manager {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]*transport.Manager, 0, len(a.managers))
	for _, m := range a.managers {
		out = append(out, m)
	}
	return out
}

// UserID returns the configured user, falling back to the device id.
func (a *App) UserID() string {
	if a.cfg.Device.UserID != "" {
		return a.cfg.Device.UserID
	}
	return a.cfg.Device.ID
}
