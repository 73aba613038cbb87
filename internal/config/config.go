package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/hyperengineering/fieldsync/internal/conflict"
	"github.com/hyperengineering/fieldsync/internal/scheduler"
	"github.com/hyperengineering/fieldsync/internal/types"
	"github.com/hyperengineering/fieldsync/internal/validation"
)

// Config is the root configuration structure.
// It is read-only after Load() returns and thread-safe for concurrent reads.
type Config struct {
	Device     DeviceConfig                                    `yaml:"device"`
	Database   DatabaseConfig                                  `yaml:"database"`
	Server     ServerConfig                                    `yaml:"server"`
	Transport  TransportConfig                                 `yaml:"transport"`
	Queue      QueueConfig                                     `yaml:"queue"`
	Scheduler  SchedulerConfig                                 `yaml:"scheduler"`
	Conflicts  map[types.EntityKind]conflict.Policy            `yaml:"conflicts" validate:"dive,keys,oneof=property report photo sketch comparable measurement,endkeys"`
	Validation map[types.EntityKind][]validation.RuleConfig    `yaml:"validation" validate:"dive,keys,oneof=property report photo sketch comparable measurement,endkeys,dive"`
	Connectors map[string]validation.DataConnectorConfig       `yaml:"connectors"`
	Relay      RelayConfig                                     `yaml:"relay"`
	Log        LogConfig                                       `yaml:"log"`
}

// DeviceConfig identifies this replica.
type DeviceConfig struct {
	ID     string `yaml:"id" validate:"required,max=64"`
	UserID string `yaml:"user_id"`
}

// DatabaseConfig contains local database settings.
type DatabaseConfig struct {
	Path string `yaml:"path" validate:"required"`
}

// ServerConfig locates the sync server the agent talks to.
type ServerConfig struct {
	URL   string   `yaml:"url" validate:"omitempty,url"`
	Token string   `yaml:"-"` // env-only, never in YAML
	Rooms []string `yaml:"rooms"`
}

// TransportConfig contains connection manager settings.
type TransportConfig struct {
	ConnectTimeout Duration `yaml:"connect_timeout"`
	InitialBackoff Duration `yaml:"initial_backoff"`
	MaxBackoff     Duration `yaml:"max_backoff"`
	Heartbeat      Duration `yaml:"heartbeat"`
	FlushInterval  Duration `yaml:"flush_interval"`
	AutoConnect    bool     `yaml:"auto_connect"`
}

// QueueConfig contains offline queue settings.
type QueueConfig struct {
	MaxRetries       int      `yaml:"max_retries" validate:"min=1"`
	BaseDelay        Duration `yaml:"base_delay"`
	MaxDelay         Duration `yaml:"max_delay"`
	AutoSyncInterval Duration `yaml:"auto_sync_interval"`
}

// SchedulerConfig contains selective sync settings.
type SchedulerConfig struct {
	Interval   Duration                                    `yaml:"interval"`
	Categories map[types.Category]scheduler.CategoryConfig `yaml:"categories" validate:"dive,keys,oneof=properties reports photos comparables sketches notes preferences,endkeys"`
	// Device is the initial device state until the host reports one.
	Device scheduler.DeviceState `yaml:"device"`
}

// RelayConfig contains reference relay server settings.
type RelayConfig struct {
	Port             int                   `yaml:"port" validate:"min=1,max=65535"`
	DatabasePath     string                `yaml:"database_path" validate:"required"`
	ReadTimeout      Duration              `yaml:"read_timeout"`
	WriteTimeout     Duration              `yaml:"write_timeout"`
	ShutdownTimeout  Duration              `yaml:"shutdown_timeout"`
	JWTSecret        string                `yaml:"-"` // env-only, never in YAML
	SnapshotInterval Duration              `yaml:"snapshot_interval"`
	IdempotencyTTL   Duration              `yaml:"idempotency_ttl"`
	CleanupInterval  Duration              `yaml:"cleanup_interval"`
	IdleRoomTimeout  Duration              `yaml:"idle_room_timeout"`
	SnapshotStorage  SnapshotStorageConfig `yaml:"snapshot_storage"`
}

// SnapshotStorageConfig configures S3-compatible room snapshot storage.
// An empty bucket disables uploads.
type SnapshotStorageConfig struct {
	Bucket    string   `yaml:"bucket"`
	Endpoint  string   `yaml:"endpoint" validate:"required_with=Bucket"`
	Region    string   `yaml:"region"`
	AccessKey string   `yaml:"-"` // env-only
	SecretKey string   `yaml:"-"` // env-only
	UseSSL    *bool    `yaml:"use_ssl"`
	URLExpiry Duration `yaml:"url_expiry"`
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" validate:"oneof=json text"`
}

// Duration is a wrapper around time.Duration that supports YAML string parsing.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler for Duration.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// LoadEnvFile loads KEY=VALUE pairs from path into the process
// environment without overriding variables already set. A missing file is
// not an error.
func LoadEnvFile(path string) error {
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("loading env file: %w", err)
	}
	return nil
}

// Load loads configuration with precedence: defaults → YAML file → env vars.
// Returns an immutable Config suitable for concurrent read access.
func Load() (*Config, error) {
	cfg := newDefaults()

	configPath := getEnv("FIELDSYNC_CONFIG_PATH", "config/fieldsync.yaml")

	// Missing file is not an error
	if err := loadYAMLFile(cfg, configPath); err != nil {
		return nil, err
	}

	applyEnvOverrides(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromFile loads configuration from a specific path.
// Used by tests and the --config flag.
func LoadFromFile(path string) (*Config, error) {
	cfg := newDefaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the built-in configuration without reading a file or
// the environment.
func Default() *Config {
	return newDefaults()
}

// newDefaults returns a Config with all default values.
func newDefaults() *Config {
	return &Config{
		Device: DeviceConfig{
			ID: defaultDeviceID(),
		},
		Database: DatabaseConfig{
			Path: "data/fieldsync.db",
		},
		Transport: TransportConfig{
			ConnectTimeout: Duration(10 * time.Second),
			InitialBackoff: Duration(1 * time.Second),
			MaxBackoff:     Duration(30 * time.Second),
			Heartbeat:      Duration(15 * time.Second),
			FlushInterval:  Duration(30 * time.Second),
			AutoConnect:    true,
		},
		Queue: QueueConfig{
			MaxRetries:       5,
			BaseDelay:        Duration(1 * time.Second),
			MaxDelay:         Duration(5 * time.Minute),
			AutoSyncInterval: Duration(60 * time.Second),
		},
		Scheduler: SchedulerConfig{
			Interval: Duration(5 * time.Minute),
			Device: scheduler.DeviceState{
				Network: scheduler.NetworkUnknown,
				Battery: 100,
			},
		},
		Relay: RelayConfig{
			Port:             8080,
			DatabasePath:     "data/relay.db",
			ReadTimeout:      Duration(30 * time.Second),
			WriteTimeout:     Duration(30 * time.Second),
			ShutdownTimeout:  Duration(15 * time.Second),
			SnapshotInterval: Duration(1 * time.Hour),
			IdempotencyTTL:   Duration(24 * time.Hour),
			CleanupInterval:  Duration(1 * time.Hour),
			IdleRoomTimeout:  Duration(30 * time.Minute),
			SnapshotStorage: SnapshotStorageConfig{
				URLExpiry: Duration(15 * time.Minute),
			},
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

func defaultDeviceID() string {
	if h, err := os.Hostname(); err == nil && h != "" {
		return h
	}
	return "device"
}

// loadYAMLFile loads configuration from a YAML file if it exists.
func loadYAMLFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parsing config file: %w", err)
	}
	return nil
}

// applyEnvOverrides applies environment variable overrides to the config.
// Only non-empty env vars override config values.
func applyEnvOverrides(cfg *Config) {
	// Device
	envString("FIELDSYNC_DEVICE_ID", &cfg.Device.ID)
	envString("FIELDSYNC_USER_ID", &cfg.Device.UserID)

	// Database
	envString("FIELDSYNC_DB_PATH", &cfg.Database.Path)

	// Server
	envString("FIELDSYNC_SERVER_URL", &cfg.Server.URL)
	envString("FIELDSYNC_TOKEN", &cfg.Server.Token)

	// Transport
	envDuration("FIELDSYNC_CONNECT_TIMEOUT", &cfg.Transport.ConnectTimeout)
	envDuration("FIELDSYNC_HEARTBEAT", &cfg.Transport.Heartbeat)
	envDuration("FIELDSYNC_FLUSH_INTERVAL", &cfg.Transport.FlushInterval)
	envBool("FIELDSYNC_AUTO_CONNECT", &cfg.Transport.AutoConnect)

	// Queue
	if v := os.Getenv("FIELDSYNC_QUEUE_MAX_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Queue.MaxRetries = n
		}
	}
	envDuration("FIELDSYNC_QUEUE_AUTO_SYNC_INTERVAL", &cfg.Queue.AutoSyncInterval)

	// Scheduler
	envDuration("FIELDSYNC_SYNC_INTERVAL", &cfg.Scheduler.Interval)

	// Relay
	if v := os.Getenv("FIELDSYNC_RELAY_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Relay.Port = port
		}
	}
	envString("FIELDSYNC_RELAY_DB_PATH", &cfg.Relay.DatabasePath)
	envString("FIELDSYNC_JWT_SECRET", &cfg.Relay.JWTSecret)
	envDuration("FIELDSYNC_SNAPSHOT_INTERVAL", &cfg.Relay.SnapshotInterval)
	envDuration("FIELDSYNC_IDEMPOTENCY_TTL", &cfg.Relay.IdempotencyTTL)

	// Snapshot storage
	envString("FIELDSYNC_SNAPSHOT_BUCKET", &cfg.Relay.SnapshotStorage.Bucket)
	envString("FIELDSYNC_S3_ENDPOINT", &cfg.Relay.SnapshotStorage.Endpoint)
	envString("FIELDSYNC_S3_REGION", &cfg.Relay.SnapshotStorage.Region)
	envString("FIELDSYNC_S3_ACCESS_KEY", &cfg.Relay.SnapshotStorage.AccessKey)
	envString("FIELDSYNC_S3_SECRET_KEY", &cfg.Relay.SnapshotStorage.SecretKey)
	if v := os.Getenv("FIELDSYNC_S3_USE_SSL"); v != "" {
		useSSL := v == "true" || v == "1"
		cfg.Relay.SnapshotStorage.UseSSL = &useSSL
	}
	envDuration("FIELDSYNC_S3_URL_EXPIRY", &cfg.Relay.SnapshotStorage.URLExpiry)

	// Log
	envString("FIELDSYNC_LOG_LEVEL", &cfg.Log.Level)
	envString("FIELDSYNC_LOG_FORMAT", &cfg.Log.Format)
}

func envString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envDuration(key string, dst *Duration) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = Duration(d)
		}
	}
}

func envBool(key string, dst *bool) {
	if v := os.Getenv(key); v != "" {
		*dst = v == "true" || v == "1"
	}
}

// validate checks struct tags, then rules ParseRules would reject.
func (c *Config) validate() error {
	if err := validation.StructError(c); err != nil {
		return err
	}
	for kind, rules := range c.Validation {
		if _, err := validation.ParseRules(rules); err != nil {
			return fmt.Errorf("invalid configuration: validation.%s: %w", kind, err)
		}
	}
	return nil
}

// ValidateRelay checks settings only the relay needs.
// In dev mode (FIELDSYNC_DEV_MODE=true) the JWT secret check is skipped.
func (c *Config) ValidateRelay() error {
	if os.Getenv("FIELDSYNC_DEV_MODE") == "true" {
		return nil
	}
	if c.Relay.JWTSecret == "" {
		return errors.New("FIELDSYNC_JWT_SECRET is required")
	}
	return nil
}

// ConflictPolicies returns the configured policy per entity kind. Policies
// without an ignore list get the default one.
func (c *Config) ConflictPolicies() map[types.EntityKind]conflict.Policy {
	out := make(map[types.EntityKind]conflict.Policy, len(c.Conflicts))
	for kind, p := range c.Conflicts {
		if p.IgnoreFields == nil {
			p.IgnoreFields = append([]string(nil), conflict.DefaultIgnoreFields...)
		}
		out[kind] = p
	}
	return out
}

// SyncCategories returns the configured categories with the default
// priority filled in where none is set.
func (c *Config) SyncCategories() map[types.Category]scheduler.CategoryConfig {
	defaults := scheduler.DefaultPriorities()
	out := make(map[types.Category]scheduler.CategoryConfig, len(c.Scheduler.Categories))
	for cat, cc := range c.Scheduler.Categories {
		if cc.Priority == "" {
			cc.Priority = defaults[cat]
		}
		out[cat] = cc
	}
	return out
}

// Rules parses the configured verification rules. Load has already checked
// them, so errors only occur on a hand-built Config.
func (c *Config) Rules() (validation.RuleSet, error) {
	set := make(validation.RuleSet, len(c.Validation))
	for kind, rcs := range c.Validation {
		rules, err := validation.ParseRules(rcs)
		if err != nil {
			return nil, fmt.Errorf("validation rules for %s: %w", kind, err)
		}
		set[kind] = rules
	}
	return set, nil
}

// getEnv returns the value of an environment variable or a default.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
