package main

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hyperengineering/fieldsync/internal/api"
	"github.com/hyperengineering/fieldsync/internal/config"
)

// logCapture captures slog output for testing
type logCapture struct {
	mu      sync.Mutex
	entries []map[string]any
}

func (c *logCapture) handler() slog.Handler {
	return slog.NewJSONHandler(c, &slog.HandlerOptions{Level: slog.LevelDebug})
}

func (c *logCapture) Write(p []byte) (n int, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var entry map[string]any
	if err := json.Unmarshal(p, &entry); err == nil {
		c.entries = append(c.entries, entry)
	}
	return len(p), nil
}

func (c *logCapture) messages() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var msgs []string
	for _, e := range c.entries {
		if msg, ok := e["msg"].(string); ok {
			msgs = append(msgs, msg)
		}
	}
	return msgs
}

func (c *logCapture) hasMessage(msg string) bool {
	for _, m := range c.messages() {
		if m == msg {
			return true
		}
	}
	return false
}

func (c *logCapture) messageIndex(msg string) int {
	for i, m := range c.messages() {
		if m == msg {
			return i
		}
	}
	return -1
}

func TestStartWorker_LaunchesGoroutineAndTracksCompletion(t *testing.T) {
	capture := &logCapture{}
	oldDefault := slog.Default()
	slog.SetDefault(slog.New(capture.handler()))
	defer slog.SetDefault(oldDefault)

	var wg sync.WaitGroup
	ctx, cancel := context.WithCancel(context.Background())

	workerRan := atomic.Bool{}
	startWorker(ctx, &wg, "test-worker", func(ctx context.Context) {
		workerRan.Store(true)
		<-ctx.Done()
	})

	time.Sleep(10 * time.Millisecond)
	if !workerRan.Load() {
		t.Error("worker function was not called")
	}

	cancel()
	wg.Wait()

	if !capture.hasMessage("worker started") {
		t.Error("expected 'worker started' log message")
	}
	if !capture.hasMessage("worker stopped") {
		t.Error("expected 'worker stopped' log message")
	}
	if capture.messageIndex("worker started") >= capture.messageIndex("worker stopped") {
		t.Error("'worker started' should come before 'worker stopped'")
	}
}

func TestStartWorker_RespectsContextCancellation(t *testing.T) {
	var wg sync.WaitGroup
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	startWorker(ctx, &wg, "cancel-test", func(ctx context.Context) {
		<-ctx.Done()
		close(done)
	})

	cancel()

	select {
	case <-done:
	case <-time.After(100 * time.Millisecond):
		t.Error("worker did not respond to context cancellation")
	}

	wg.Wait()
}

func TestParseLogLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"info":    slog.LevelInfo,
		"warn":    slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"verbose": slog.LevelInfo,
	}
	for in, want := range tests {
		if got := parseLogLevel(in); got != want {
			t.Errorf("parseLogLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestSetupLogger_Format(t *testing.T) {
	oldDefault := slog.Default()
	defer slog.SetDefault(oldDefault)

	var buf bytes.Buffer
	setupLogger(&buf, config.LogConfig{Level: "warn", Format: "text"})
	slog.Info("dropped")
	slog.Warn("kept", "component", "test")

	out := buf.String()
	if strings.Contains(out, "dropped") {
		t.Error("info record written at warn level")
	}
	if !strings.Contains(out, "msg=kept") {
		t.Errorf("text output = %q, want msg=kept", out)
	}

	buf.Reset()
	setupLogger(&buf, config.LogConfig{Level: "info", Format: "json"})
	slog.Info("hello")
	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("json output not decodable: %v (%q)", err, buf.String())
	}
	if entry["msg"] != "hello" {
		t.Errorf("msg = %v, want hello", entry["msg"])
	}
}

func testRelayConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Relay.DatabasePath = filepath.Join(t.TempDir(), "relay.db")
	return cfg
}

func TestNewRelayServer_ServesHealth(t *testing.T) {
	capture := &logCapture{}
	oldDefault := slog.Default()
	slog.SetDefault(slog.New(capture.handler()))
	defer slog.SetDefault(oldDefault)

	// Given: a relay wired from defaults
	relay, err := newRelayServer(testRelayConfig(t))
	if err != nil {
		t.Fatalf("newRelayServer: %v", err)
	}
	srv := httptest.NewServer(relay.router)
	defer srv.Close()

	// When: health is requested
	resp, err := http.Get(srv.URL + "/api/v1/health")
	if err != nil {
		t.Fatalf("GET health: %v", err)
	}
	defer resp.Body.Close()

	// Then: the relay reports healthy with the build version
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var body api.HealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Status != "healthy" || body.Version != Version {
		t.Errorf("health = %+v", body)
	}

	for _, msg := range []string{"store initialized", "snapshot uploader initialized", "router initialized"} {
		if !capture.hasMessage(msg) {
			t.Errorf("expected %q log message", msg)
		}
	}
	if capture.messageIndex("store initialized") > capture.messageIndex("router initialized") {
		t.Error("store should be initialized before the router")
	}

	if err := relay.close(context.Background()); err != nil {
		t.Errorf("close: %v", err)
	}
}

func TestNewRelayServer_AuthRequiredWithSecret(t *testing.T) {
	cfg := testRelayConfig(t)
	cfg.Relay.JWTSecret = "s3cret"

	relay, err := newRelayServer(cfg)
	if err != nil {
		t.Fatalf("newRelayServer: %v", err)
	}
	defer relay.close(context.Background())
	srv := httptest.NewServer(relay.router)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/v1/entities/property/p1")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", resp.StatusCode)
	}

	token, err := api.IssueToken([]byte("s3cret"), "user-1", time.Minute)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/api/v1/entities/property/p1", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestNewRelayServer_BadDatabasePath(t *testing.T) {
	// Given: the database parent path is a regular file
	blocker := filepath.Join(t.TempDir(), "blocker")
	if err := os.WriteFile(blocker, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg := config.Default()
	cfg.Relay.DatabasePath = filepath.Join(blocker, "relay.db")

	if _, err := newRelayServer(cfg); err == nil {
		t.Error("expected error for unopenable database")
	}
}
