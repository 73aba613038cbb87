package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hyperengineering/fieldsync/internal/conflict"
	"github.com/hyperengineering/fieldsync/internal/scheduler"
	"github.com/hyperengineering/fieldsync/internal/types"
)

// Helper to clear all config-related env vars
func clearEnv(t *testing.T) {
	t.Helper()
	envVars := []string{
		"FIELDSYNC_CONFIG_PATH",
		"FIELDSYNC_DEVICE_ID",
		"FIELDSYNC_USER_ID",
		"FIELDSYNC_DB_PATH",
		"FIELDSYNC_SERVER_URL",
		"FIELDSYNC_TOKEN",
		"FIELDSYNC_CONNECT_TIMEOUT",
		"FIELDSYNC_HEARTBEAT",
		"FIELDSYNC_FLUSH_INTERVAL",
		"FIELDSYNC_AUTO_CONNECT",
		"FIELDSYNC_QUEUE_MAX_RETRIES",
		"FIELDSYNC_QUEUE_AUTO_SYNC_INTERVAL",
		"FIELDSYNC_SYNC_INTERVAL",
		"FIELDSYNC_RELAY_PORT",
		"FIELDSYNC_RELAY_DB_PATH",
		"FIELDSYNC_JWT_SECRET",
		"FIELDSYNC_SNAPSHOT_INTERVAL",
		"FIELDSYNC_IDEMPOTENCY_TTL",
		"FIELDSYNC_SNAPSHOT_BUCKET",
		"FIELDSYNC_S3_ENDPOINT",
		"FIELDSYNC_S3_REGION",
		"FIELDSYNC_S3_ACCESS_KEY",
		"FIELDSYNC_S3_SECRET_KEY",
		"FIELDSYNC_S3_USE_SSL",
		"FIELDSYNC_S3_URL_EXPIRY",
		"FIELDSYNC_LOG_LEVEL",
		"FIELDSYNC_LOG_FORMAT",
		"FIELDSYNC_DEV_MODE",
	}
	for _, v := range envVars {
		os.Unsetenv(v)
	}
}

// dur converts Duration to time.Duration for comparison
func dur(d Duration) time.Duration {
	return time.Duration(d)
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fieldsync.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Device.ID == "" {
		t.Error("Device.ID should default to the hostname")
	}
	if cfg.Database.Path != "data/fieldsync.db" {
		t.Errorf("Database.Path = %q, want data/fieldsync.db", cfg.Database.Path)
	}

	// Transport defaults
	if dur(cfg.Transport.ConnectTimeout) != 10*time.Second {
		t.Errorf("Transport.ConnectTimeout = %v, want 10s", cfg.Transport.ConnectTimeout)
	}
	if dur(cfg.Transport.InitialBackoff) != time.Second || dur(cfg.Transport.MaxBackoff) != 30*time.Second {
		t.Errorf("backoff = %v..%v, want 1s..30s", cfg.Transport.InitialBackoff, cfg.Transport.MaxBackoff)
	}
	if dur(cfg.Transport.Heartbeat) != 15*time.Second {
		t.Errorf("Transport.Heartbeat = %v, want 15s", cfg.Transport.Heartbeat)
	}
	if dur(cfg.Transport.FlushInterval) != 30*time.Second {
		t.Errorf("Transport.FlushInterval = %v, want 30s", cfg.Transport.FlushInterval)
	}
	if !cfg.Transport.AutoConnect {
		t.Error("Transport.AutoConnect should default to true")
	}

	// Queue defaults
	if cfg.Queue.MaxRetries != 5 {
		t.Errorf("Queue.MaxRetries = %d, want 5", cfg.Queue.MaxRetries)
	}
	if dur(cfg.Queue.MaxDelay) != 5*time.Minute {
		t.Errorf("Queue.MaxDelay = %v, want 5m", cfg.Queue.MaxDelay)
	}
	if dur(cfg.Queue.AutoSyncInterval) != time.Minute {
		t.Errorf("Queue.AutoSyncInterval = %v, want 1m", cfg.Queue.AutoSyncInterval)
	}

	// Relay defaults
	if cfg.Relay.Port != 8080 {
		t.Errorf("Relay.Port = %d, want 8080", cfg.Relay.Port)
	}
	if dur(cfg.Relay.IdempotencyTTL) != 24*time.Hour {
		t.Errorf("Relay.IdempotencyTTL = %v, want 24h", cfg.Relay.IdempotencyTTL)
	}

	if cfg.Log.Level != "info" || cfg.Log.Format != "json" {
		t.Errorf("Log = %+v, want info/json", cfg.Log)
	}
}

func TestLoad_EnvVarOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("FIELDSYNC_DEVICE_ID", "tablet-7")
	t.Setenv("FIELDSYNC_SERVER_URL", "https://sync.example.com/api/v1")
	t.Setenv("FIELDSYNC_TOKEN", "secret-token")
	t.Setenv("FIELDSYNC_HEARTBEAT", "5s")
	t.Setenv("FIELDSYNC_AUTO_CONNECT", "false")
	t.Setenv("FIELDSYNC_QUEUE_MAX_RETRIES", "8")
	t.Setenv("FIELDSYNC_RELAY_PORT", "9090")
	t.Setenv("FIELDSYNC_LOG_LEVEL", "debug")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Device.ID != "tablet-7" {
		t.Errorf("Device.ID = %q, want tablet-7", cfg.Device.ID)
	}
	if cfg.Server.URL != "https://sync.example.com/api/v1" || cfg.Server.Token != "secret-token" {
		t.Errorf("Server = %+v", cfg.Server)
	}
	if dur(cfg.Transport.Heartbeat) != 5*time.Second {
		t.Errorf("Transport.Heartbeat = %v, want 5s", cfg.Transport.Heartbeat)
	}
	if cfg.Transport.AutoConnect {
		t.Error("Transport.AutoConnect should be false")
	}
	if cfg.Queue.MaxRetries != 8 {
		t.Errorf("Queue.MaxRetries = %d, want 8", cfg.Queue.MaxRetries)
	}
	if cfg.Relay.Port != 9090 {
		t.Errorf("Relay.Port = %d, want 9090", cfg.Relay.Port)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level = %q, want debug", cfg.Log.Level)
	}
}

func TestLoad_EmptyEnvVarDoesNotOverride(t *testing.T) {
	clearEnv(t)
	t.Setenv("FIELDSYNC_RELAY_PORT", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Relay.Port != 8080 {
		t.Errorf("Relay.Port = %d, want 8080 (default)", cfg.Relay.Port)
	}
}

func TestLoadFromFile_ValidYAML(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, `
device:
  id: tablet-1
  user_id: appraiser-9
server:
  url: http://localhost:8080/api/v1
  rooms: [property-42]
transport:
  heartbeat: 20s
  auto_connect: false
queue:
  max_retries: 3
  base_delay: 2s
scheduler:
  interval: 1m
  device:
    network: wifi
    battery: 80
    charging: true
  categories:
    photos:
      max_items: 10
    notes:
      disabled: true
conflicts:
  measurement:
    strategy: LAST_MODIFIED_WINS
  photo:
    strategy: CLIENT_WINS
    ignore_fields: [thumbnail]
validation:
  property:
    - field: address
      type: required
      severity: critical
    - field: squareFeet
      type: range
      min: 100
log:
  format: text
`)

	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("LoadFromFile() error = %v", err)
	}

	if cfg.Device.ID != "tablet-1" || cfg.Device.UserID != "appraiser-9" {
		t.Errorf("Device = %+v", cfg.Device)
	}
	if len(cfg.Server.Rooms) != 1 || cfg.Server.Rooms[0] != "property-42" {
		t.Errorf("Server.Rooms = %v", cfg.Server.Rooms)
	}
	if dur(cfg.Transport.Heartbeat) != 20*time.Second || cfg.Transport.AutoConnect {
		t.Errorf("Transport = %+v", cfg.Transport)
	}
	// Unset values keep their defaults
	if dur(cfg.Transport.ConnectTimeout) != 10*time.Second {
		t.Errorf("Transport.ConnectTimeout = %v, want default 10s", cfg.Transport.ConnectTimeout)
	}
	if cfg.Queue.MaxRetries != 3 || dur(cfg.Queue.BaseDelay) != 2*time.Second {
		t.Errorf("Queue = %+v", cfg.Queue)
	}
	if cfg.Scheduler.Device != (scheduler.DeviceState{Network: scheduler.NetworkWiFi, Battery: 80, Charging: true}) {
		t.Errorf("Scheduler.Device = %+v", cfg.Scheduler.Device)
	}

	cats := cfg.SyncCategories()
	if cats[types.CategoryPhotos].Priority != scheduler.Low {
		t.Errorf("photos priority = %q, want default LOW", cats[types.CategoryPhotos].Priority)
	}
	if got := cats[types.CategoryPhotos].Constraints().MaxItems; got != 10 {
		t.Errorf("photos MaxItems = %d, want 10", got)
	}
	if !cats[types.CategoryNotes].Disabled {
		t.Error("notes should be disabled")
	}

	policies := cfg.ConflictPolicies()
	if policies[types.KindMeasurement].Strategy != conflict.LastModifiedWins {
		t.Errorf("measurement strategy = %q", policies[types.KindMeasurement].Strategy)
	}
	if len(policies[types.KindMeasurement].IgnoreFields) != len(conflict.DefaultIgnoreFields) {
		t.Errorf("measurement ignore = %v, want defaults", policies[types.KindMeasurement].IgnoreFields)
	}
	if got := policies[types.KindPhoto].IgnoreFields; len(got) != 1 || got[0] != "thumbnail" {
		t.Errorf("photo ignore = %v, want [thumbnail]", got)
	}

	rules, err := cfg.Rules()
	if err != nil {
		t.Fatalf("Rules() error = %v", err)
	}
	if len(rules[types.KindProperty]) != 2 {
		t.Errorf("property rules = %d, want 2", len(rules[types.KindProperty]))
	}
	if cfg.Log.Format != "text" {
		t.Errorf("Log.Format = %q, want text", cfg.Log.Format)
	}
}

func TestLoad_EnvOverridesYAML(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, `
database:
  path: /from/yaml.db
`)
	t.Setenv("FIELDSYNC_CONFIG_PATH", path)
	t.Setenv("FIELDSYNC_DB_PATH", "/from/env.db")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Database.Path != "/from/env.db" {
		t.Errorf("Database.Path = %q, want /from/env.db", cfg.Database.Path)
	}
}

func TestLoadFromFile_Rejects(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{"invalid yaml", "transport: [unclosed", "parsing config file"},
		{"invalid duration", "transport:\n  heartbeat: soon\n", "invalid duration"},
		{"unknown strategy", "conflicts:\n  report:\n    strategy: COIN_FLIP\n", "invalid configuration"},
		{"unknown conflict kind", "conflicts:\n  invoice:\n    strategy: MANUAL\n", "invalid configuration"},
		{"unknown category", "scheduler:\n  categories:\n    videos:\n      disabled: true\n", "invalid configuration"},
		{"bad battery", "scheduler:\n  categories:\n    photos:\n      min_battery: 140\n", "invalid configuration"},
		{"bad log level", "log:\n  level: loud\n", "invalid configuration"},
		{"bad rule type", "validation:\n  property:\n    - field: x\n      type: eval\n", "invalid configuration"},
		{"bad rule pattern", "validation:\n  property:\n    - field: x\n      type: pattern\n      pattern: \"(\"\n", "invalid configuration"},
		{"zero retries", "queue:\n  max_retries: 0\n", "invalid configuration"},
		{"bucket without endpoint", "relay:\n  snapshot_storage:\n    bucket: rooms\n", "invalid configuration"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			_, err := LoadFromFile(writeConfig(t, tt.yaml))
			if err == nil {
				t.Fatal("LoadFromFile() expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %v, want it to contain %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoadFromFile_MissingFile(t *testing.T) {
	clearEnv(t)
	if _, err := LoadFromFile(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("LoadFromFile() expected error for missing file")
	}
}

func TestValidateRelay(t *testing.T) {
	clearEnv(t)
	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}

	if err := cfg.ValidateRelay(); err == nil {
		t.Error("ValidateRelay() expected error without a JWT secret")
	}

	t.Setenv("FIELDSYNC_DEV_MODE", "true")
	if err := cfg.ValidateRelay(); err != nil {
		t.Errorf("ValidateRelay() in dev mode error = %v", err)
	}

	os.Unsetenv("FIELDSYNC_DEV_MODE")
	cfg.Relay.JWTSecret = "s3cret"
	if err := cfg.ValidateRelay(); err != nil {
		t.Errorf("ValidateRelay() error = %v", err)
	}
}

func TestConfig_SecretsNotInYAML(t *testing.T) {
	cfg := newDefaults()
	cfg.Server.Token = "device-token"
	cfg.Relay.JWTSecret = "jwt-secret"
	cfg.Relay.SnapshotStorage.SecretKey = "s3-secret"

	data, err := yaml.Marshal(cfg)
	if err != nil {
		t.Fatalf("yaml.Marshal() error = %v", err)
	}
	for _, secret := range []string{"device-token", "jwt-secret", "s3-secret"} {
		if strings.Contains(string(data), secret) {
			t.Errorf("marshaled config contains %q", secret)
		}
	}
}

func TestLoadEnvFile(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(path, []byte("FIELDSYNC_DEVICE_ID=from-dotenv\nFIELDSYNC_LOG_LEVEL=warn\n"), 0644); err != nil {
		t.Fatal(err)
	}
	// Variables already set win over the file
	t.Setenv("FIELDSYNC_LOG_LEVEL", "error")
	t.Cleanup(func() { os.Unsetenv("FIELDSYNC_DEVICE_ID") })

	if err := LoadEnvFile(path); err != nil {
		t.Fatalf("LoadEnvFile() error = %v", err)
	}
	if got := os.Getenv("FIELDSYNC_DEVICE_ID"); got != "from-dotenv" {
		t.Errorf("FIELDSYNC_DEVICE_ID = %q, want from-dotenv", got)
	}
	if got := os.Getenv("FIELDSYNC_LOG_LEVEL"); got != "error" {
		t.Errorf("FIELDSYNC_LOG_LEVEL = %q, want error", got)
	}

	if err := LoadEnvFile(filepath.Join(t.TempDir(), "missing.env")); err != nil {
		t.Errorf("LoadEnvFile() missing file error = %v", err)
	}
}
