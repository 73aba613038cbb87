package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/hyperengineering/fieldsync/internal/api"
	"github.com/hyperengineering/fieldsync/internal/config"
	"github.com/hyperengineering/fieldsync/internal/persistence"
	"github.com/hyperengineering/fieldsync/internal/rooms"
	"github.com/hyperengineering/fieldsync/internal/snapshot"
	"github.com/hyperengineering/fieldsync/internal/store"
	"github.com/hyperengineering/fieldsync/internal/worker"
	"github.com/spf13/cobra"
)

var tokenTTL time.Duration

var relayCmd = &cobra.Command{
	Use:   "relay",
	Short: "Run the reference relay server",
	Long:  "Serve the entity REST API, bulk sync and room websocket relay backed by a local SQLite database.",
	Args:  cobra.NoArgs,
	RunE:  runRelay,
}

var relayTokenCmd = &cobra.Command{
	Use:   "token <user-id>",
	Short: "Issue a bearer token for the relay",
	Args:  cobra.ExactArgs(1),
	RunE:  runRelayToken,
}

func init() {
	relayTokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 24*time.Hour,
		"Token lifetime (0 for no expiry)")
	relayCmd.AddCommand(relayTokenCmd)
}

// relayServer is the wired relay: HTTP handler, room hub and background
// workers over one store.
type relayServer struct {
	db       *store.SQLiteStore
	registry *rooms.Registry
	hub      *api.Hub
	router   http.Handler

	snapshots   *worker.SnapshotCoordinator
	maintenance *worker.MaintenanceCoordinator
}

func newRelayServer(cfg *config.Config) (*relayServer, error) {
	db, err := store.NewSQLiteStore(cfg.Relay.DatabasePath)
	if err != nil {
		return nil, err
	}
	slog.Info("store initialized", "path", cfg.Relay.DatabasePath)

	uploader, err := snapshot.NewUploader(cfg.Relay.SnapshotStorage)
	if err != nil {
		db.Close()
		return nil, err
	}
	slog.Info("snapshot uploader initialized", "bucket", cfg.Relay.SnapshotStorage.Bucket)

	registry := rooms.NewRegistry(persistence.NewSQLite(db), rooms.WithDeviceID("relay"))
	hub := api.NewHub(registry, cfg.Transport.Heartbeat.Std())

	handler := api.NewHandler(db, registry, hub, Version,
		api.WithUploader(uploader),
		api.WithPolicies(cfg.ConflictPolicies()),
		api.WithIdempotencyTTL(cfg.Relay.IdempotencyTTL.Std()),
	)
	var secret []byte
	if cfg.Relay.JWTSecret != "" {
		secret = []byte(cfg.Relay.JWTSecret)
	} else {
		slog.Warn("authentication disabled, no JWT secret configured")
	}
	router := api.NewRouter(handler, secret)
	slog.Info("router initialized")

	return &relayServer{
		db:          db,
		registry:    registry,
		hub:         hub,
		router:      router,
		snapshots:   worker.NewSnapshotCoordinator(registry, uploader, cfg.Relay.SnapshotInterval.Std()),
		maintenance: worker.NewMaintenanceCoordinator(db, registry, hub, cfg.Relay.CleanupInterval.Std(), cfg.Relay.IdleRoomTimeout.Std()),
	}, nil
}

// close disconnects peers, saves rooms and closes the store.
func (s *relayServer) close(ctx context.Context) error {
	s.hub.Close()
	var errs []error
	if err := s.registry.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("save rooms: %w", err))
	}
	if err := s.db.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close store: %w", err))
	}
	return errors.Join(errs...)
}

func runRelay(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(),
		syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.ValidateRelay(); err != nil {
		return err
	}
	slog.Info("configuration loaded")

	setupLogger(os.Stdout, cfg.Log)
	slog.Info("logger initialized", "level", cfg.Log.Level)

	relay, err := newRelayServer(cfg)
	if err != nil {
		return err
	}

	addr := fmt.Sprintf(":%d", cfg.Relay.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      relay.router,
		ReadTimeout:  cfg.Relay.ReadTimeout.Std(),
		WriteTimeout: cfg.Relay.WriteTimeout.Std(),
	}

	var wg sync.WaitGroup
	if cfg.Relay.SnapshotInterval > 0 {
		startWorker(ctx, &wg, "snapshot", relay.snapshots.Run)
	}
	if cfg.Relay.CleanupInterval > 0 {
		startWorker(ctx, &wg, "maintenance", relay.maintenance.Run)
	}

	go func() {
		slog.Info("server starting", "address", addr)
		// ErrServerClosed is the expected error when Shutdown() is called gracefully.
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()
	slog.Info("shutdown initiated")

	shutdownCtx, shutdownCancel := context.WithTimeout(
		context.Background(),
		cfg.Relay.ShutdownTimeout.Std())
	defer shutdownCancel()

	// Websocket peers are hijacked connections Shutdown does not wait for.
	relay.hub.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown error", "error", err)
	}

	wg.Wait()

	if err := relay.close(shutdownCtx); err != nil {
		slog.Error("relay close error", "error", err)
	}

	slog.Info("shutdown complete")
	return nil
}

func runRelayToken(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Relay.JWTSecret == "" {
		return errors.New("FIELDSYNC_JWT_SECRET is required to issue tokens")
	}

	token, err := api.IssueToken([]byte(cfg.Relay.JWTSecret), args[0], tokenTTL)
	if err != nil {
		return err
	}

	if jsonOutput {
		out := map[string]any{"user_id": args[0], "token": token}
		if tokenTTL > 0 {
			out["expires_at"] = time.Now().Add(tokenTTL).UTC()
		}
		return printJSON(cmd.OutOrStdout(), out)
	}
	fmt.Fprintln(cmd.OutOrStdout(), token)
	return nil
}
