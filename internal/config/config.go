// Package config manages the collab server configuration file.
// It handles defaults, loading and saving TOML, and environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

const (
	ConfigFile   = "config.toml"
	DatabaseFile = "snapshots.db"
	TokensFile   = "tokens.json"
	EnvPrefix    = "COLLAB_"
)

// Duration is a time.Duration written as a string ("30s", "5m") in TOML.
type Duration struct {
	time.Duration
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(b), err)
	}
	d.Duration = v
	return nil
}

// Config represents the collab server configuration.
type Config struct {
	Listen      string   `toml:"listen"`
	DataDir     string   `toml:"data_dir"`
	LogLevel    string   `toml:"log_level"`
	LogFormat   string   `toml:"log_format"`
	TLSCert     string   `toml:"tls_cert,omitempty"`
	TLSKey      string   `toml:"tls_key,omitempty"`
	AdminToken  string   `toml:"admin_token,omitempty"`
	WebhookURLs []string `toml:"webhook_urls,omitempty"`
	// InstanceID tags changes this server publishes so it can skip its own
	// messages on the shared feed. Empty means a random id per process.
	InstanceID string `toml:"instance_id,omitempty"`

	Rooms RoomsConfig `toml:"rooms"`
	Store StoreConfig `toml:"store"`
	Redis RedisConfig `toml:"redis"`
	HTTP  HTTPConfig  `toml:"http"`

	path string // file the config was loaded from
}

// RoomsConfig holds room lifecycle timings.
type RoomsConfig struct {
	GracePeriod      Duration `toml:"grace_period"`
	ReconnectGrace   Duration `toml:"reconnect_grace"`
	IdleTimeout      Duration `toml:"idle_timeout"`
	SweepInterval    Duration `toml:"sweep_interval"`
	SnapshotInterval Duration `toml:"snapshot_interval"`
	QueueSize        int      `toml:"queue_size"`
}

// StoreConfig selects the snapshot backend.
type StoreConfig struct {
	Driver    string      `toml:"driver"`
	Path      string      `toml:"path,omitempty"`
	DSN       string      `toml:"dsn,omitempty"`
	Retention Duration    `toml:"retention"`
	Retry     RetryConfig `toml:"retry"`
}

// RetryConfig configures retries of failed store calls.
type RetryConfig struct {
	MaxRetries     int      `toml:"max_retries"`
	InitialBackoff Duration `toml:"initial_backoff"`
	MaxBackoff     Duration `toml:"max_backoff"`
}

// RedisConfig enables the cross-instance change feed and shared chat history.
// An empty Addr disables Redis.
type RedisConfig struct {
	Addr        string `toml:"addr,omitempty"`
	Password    string `toml:"password,omitempty"`
	DB          int    `toml:"db"`
	ChatHistory int    `toml:"chat_history"`
}

// HTTPConfig holds request limits for the gateway.
type HTTPConfig struct {
	RequestsPerMinute int      `toml:"requests_per_minute"`
	MaxMessageBytes   int64    `toml:"max_message_bytes"`
	MaxRequestBody    int64    `toml:"max_request_body"`
	AllowedOrigins    []string `toml:"allowed_origins,omitempty"`
	PingInterval      Duration `toml:"ping_interval"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Listen:    "127.0.0.1:8720",
		DataDir:   DefaultDataDir(),
		LogLevel:  "info",
		LogFormat: "json",
		Rooms: RoomsConfig{
			GracePeriod:      Duration{30 * time.Minute},
			ReconnectGrace:   Duration{30 * time.Second},
			IdleTimeout:      Duration{30 * time.Minute},
			SweepInterval:    Duration{5 * time.Minute},
			SnapshotInterval: Duration{time.Minute},
			QueueSize:        256,
		},
		Store: StoreConfig{
			Driver:    "bbolt",
			Retention: Duration{30 * 24 * time.Hour},
			Retry: RetryConfig{
				MaxRetries:     3,
				InitialBackoff: Duration{100 * time.Millisecond},
				MaxBackoff:     Duration{2 * time.Second},
			},
		},
		Redis: RedisConfig{ChatHistory: 100},
		HTTP: HTTPConfig{
			RequestsPerMinute: 300,
			MaxMessageBytes:   1 << 20,
			MaxRequestBody:    1 << 20,
			PingInterval:      Duration{30 * time.Second},
		},
	}
}

// DefaultDataDir returns the default server data directory (~/.collab-server).
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "/var/lib/collab-server"
	}
	return filepath.Join(home, ".collab-server")
}

// DefaultPath returns the config file inside the default data directory.
func DefaultPath() string {
	return filepath.Join(DefaultDataDir(), ConfigFile)
}

// Load reads the configuration at path on top of the defaults. A missing file
// yields the defaults. Environment overrides are applied last.
func Load(path string) (*Config, error) {
	cfg := Default()
	cfg.path = path

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("failed to read config: %w", err)
		default:
			if err := toml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
			}
		}
	}

	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from COLLAB_* variables.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(EnvPrefix + key); ok && v != "" {
			*dst = v
		}
	}
	str("LISTEN", &c.Listen)
	str("DATA_DIR", &c.DataDir)
	str("LOG_LEVEL", &c.LogLevel)
	str("LOG_FORMAT", &c.LogFormat)
	str("TLS_CERT", &c.TLSCert)
	str("TLS_KEY", &c.TLSKey)
	str("ADMIN_TOKEN", &c.AdminToken)
	str("INSTANCE_ID", &c.InstanceID)
	str("STORE_DRIVER", &c.Store.Driver)
	str("STORE_PATH", &c.Store.Path)
	str("STORE_DSN", &c.Store.DSN)
	str("REDIS_ADDR", &c.Redis.Addr)
	str("REDIS_PASSWORD", &c.Redis.Password)

	if v, ok := lookup(EnvPrefix + "WEBHOOK_URLS"); ok && v != "" {
		c.WebhookURLs = SplitList(v)
	}
	if v, ok := lookup(EnvPrefix + "ALLOWED_ORIGINS"); ok && v != "" {
		c.HTTP.AllowedOrigins = SplitList(v)
	}
	if v, ok := lookup(EnvPrefix + "REDIS_DB"); ok && v != "" {
		db, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%sREDIS_DB: %w", EnvPrefix, err)
		}
		c.Redis.DB = db
	}
	if v, ok := lookup(EnvPrefix + "GRACE_PERIOD"); ok && v != "" {
		if err := c.Rooms.GracePeriod.UnmarshalText([]byte(v)); err != nil {
			return fmt.Errorf("%sGRACE_PERIOD: %w", EnvPrefix, err)
		}
	}
	return nil
}

// Validate checks values that would otherwise fail later at startup.
func (c *Config) Validate() error {
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log_level %q (debug|info|warn|error)", c.LogLevel)
	}
	switch c.LogFormat {
	case "json", "text":
	default:
		return fmt.Errorf("invalid log_format %q (json|text)", c.LogFormat)
	}
	switch c.Store.Driver {
	case "bbolt", "sqlite", "fs":
	case "postgres":
		if c.Store.DSN == "" {
			return errors.New("store.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("invalid store.driver %q (bbolt|sqlite|postgres|fs)", c.Store.Driver)
	}
	if (c.TLSCert == "") != (c.TLSKey == "") {
		return errors.New("tls_cert and tls_key must be set together")
	}
	if c.Rooms.QueueSize <= 0 {
		return errors.New("rooms.queue_size must be positive")
	}
	if c.Rooms.SweepInterval.Duration <= 0 {
		return errors.New("rooms.sweep_interval must be positive")
	}
	return nil
}

// Save writes the configuration to path, or to the file it was loaded from.
func (c *Config) Save(path string) error {
	if path == "" {
		path = c.path
	}
	if path == "" {
		return errors.New("no config path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := toml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	// The file may hold the admin token.
	return os.WriteFile(path, data, 0600)
}

// Path returns the file the configuration was loaded from.
func (c *Config) Path() string {
	return c.path
}

// StorePath returns the snapshot database file or directory.
func (c *Config) StorePath() string {
	if c.Store.Path != "" {
		return c.Store.Path
	}
	if c.Store.Driver == "fs" {
		return filepath.Join(c.DataDir, "snapshots")
	}
	return filepath.Join(c.DataDir, DatabaseFile)
}

// TokensPath returns the token store file.
func (c *Config) TokensPath() string {
	return filepath.Join(c.DataDir, TokensFile)
}

// SplitList splits a comma-separated list, dropping blanks.
func SplitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
