package e2e

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/hyperengineering/fieldsync/internal/api"
	"github.com/hyperengineering/fieldsync/internal/config"
	"github.com/hyperengineering/fieldsync/internal/persistence"
	"github.com/hyperengineering/fieldsync/internal/rooms"
	"github.com/hyperengineering/fieldsync/internal/store"
	"github.com/hyperengineering/fieldsync/internal/transport"
	"github.com/hyperengineering/fieldsync/internal/types"
	"github.com/hyperengineering/fieldsync/pkg/fieldsync"
)

// relayEnv is an in-process relay wired the way `fieldsync relay` wires it.
type relayEnv struct {
	store *store.SQLiteStore
	url   string
}

func startRelay(t *testing.T) *relayEnv {
	t.Helper()
	db, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "relay.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	registry := rooms.NewRegistry(persistence.NewSQLite(db), rooms.WithDeviceID("relay"))
	hub := api.NewHub(registry, 0)
	handler := api.NewHandler(db, registry, hub, "e2e")
	srv := httptest.NewServer(api.NewRouter(handler, nil))
	t.Cleanup(func() {
		hub.Close()
		srv.Close()
		registry.Close(context.Background())
		db.Close()
	})
	return &relayEnv{store: db, url: srv.URL + "/api/v1"}
}

func (r *relayEnv) seed(t *testing.T, kind types.EntityKind, e types.Entity) {
	t.Helper()
	if _, err := r.store.PutEntity(context.Background(), kind, e, "back-office"); err != nil {
		t.Fatalf("seed %s/%s: %v", kind, e.ID(), err)
	}
}

func (r *relayEnv) entity(t *testing.T, kind types.EntityKind, id string) types.Entity {
	t.Helper()
	rec, err := r.store.GetEntity(context.Background(), kind, id)
	if err != nil {
		t.Fatalf("GetEntity %s/%s: %v", kind, id, err)
	}
	return rec.Entity
}

// newDevice opens a replica that connects to serverURL as soon as it joins
// a room.
func newDevice(t *testing.T, serverURL, deviceID string) *fieldsync.App {
	t.Helper()
	return newDeviceWithToken(t, serverURL, deviceID, "")
}

func newDeviceWithToken(t *testing.T, serverURL, deviceID, token string) *fieldsync.App {
	t.Helper()
	cfg := config.Default()
	cfg.Device.ID = deviceID
	cfg.Device.UserID = "appraiser-" + deviceID
	cfg.Database.Path = filepath.Join(t.TempDir(), deviceID+".db")
	cfg.Server.URL = serverURL
	cfg.Server.Token = token
	cfg.Transport.AutoConnect = true
	cfg.Transport.InitialBackoff = config.Duration(10 * time.Millisecond)
	cfg.Transport.MaxBackoff = config.Duration(100 * time.Millisecond)
	cfg.Transport.Heartbeat = 0
	cfg.Queue.BaseDelay = config.Duration(time.Millisecond)
	cfg.Queue.MaxDelay = config.Duration(time.Millisecond)

	app, err := fieldsync.New(context.Background(), cfg)
	if err != nil {
		t.Fatalf("fieldsync.New(%s): %v", deviceID, err)
	}
	t.Cleanup(func() { app.Close(context.Background()) })
	return app
}

// waitFor polls cond until it holds or the timeout passes.
func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out after %s waiting for %s", timeout, what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func waitConnected(t *testing.T, m *transport.Manager) {
	t.Helper()
	waitFor(t, 5*time.Second, "connection", func() bool {
		return m.Status() == transport.StatusConnected
	})
}

// entityJSON returns the document copy of an entity as JSON, or "" when
// the document has none.
func entityJSON(t *testing.T, app *fieldsync.App, room string, kind types.EntityKind, id string) string {
	t.Helper()
	doc, err := app.Document(context.Background(), room)
	if err != nil {
		t.Fatalf("Document(%s): %v", room, err)
	}
	e, err := doc.Get(kind, id)
	if err != nil {
		return ""
	}
	data, err := json.Marshal(e)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return string(data)
}

func docEntity(t *testing.T, app *fieldsync.App, room string, kind types.EntityKind, id string) types.Entity {
	t.Helper()
	doc, err := app.Document(context.Background(), room)
	if err != nil {
		t.Fatalf("Document(%s): %v", room, err)
	}
	e, err := doc.Get(kind, id)
	if err != nil {
		t.Fatalf("Get %s/%s: %v", kind, id, err)
	}
	return e
}
