// Package config loads server configuration from defaults, an optional YAML
// file and SILENUS_* environment variables, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/BrandonDHaskell/Silenus/server/internal/telemetry/logger"
)

type Config struct {
	HTTP       HTTPConfig        `koanf:"http"`
	GRPC       GRPCConfig        `koanf:"grpc"`
	DB         DBConfig          `koanf:"db"`
	Log        LogConfig         `koanf:"log"`
	Auth       AuthConfig        `koanf:"auth"`
	Events     EventsConfig      `koanf:"events"`
	Retention  RetentionConfig   `koanf:"retention"`
	Dispensers []DispenserConfig `koanf:"dispensers"`
	Seed       SeedConfig        `koanf:"seed"`
}

type HTTPConfig struct {
	Addr string `koanf:"addr"`
	// APIKey guards /v1 routes when set.
	APIKey string `koanf:"api_key"`
}

// GRPCConfig serves the health protocol. An empty Addr disables it.
type GRPCConfig struct {
	Addr string `koanf:"addr"`
}

type DBConfig struct {
	Path string `koanf:"path"`
	// Env is "dev" or "prod". Dev seeds configured dispensers and accounts.
	Env string `koanf:"env"`
}

type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

type AuthConfig struct {
	// Mode "local" decides from this server's account store; "http" asks a
	// remote server at BaseURL and debits through it.
	Mode      string        `koanf:"mode"`
	BaseURL   string        `koanf:"base_url"`
	APIKey    string        `koanf:"api_key"`
	Timeout   time.Duration `koanf:"timeout"`
	Cache     string        `koanf:"cache"` // "memory" | "redis" | "none"
	RedisAddr string        `koanf:"redis_addr"`
}

type EventsConfig struct {
	QueueSize int `koanf:"queue_size"`
	// Sink is "store" (this server's event log), "http" or "log".
	Sink        string        `koanf:"sink"`
	URL         string        `koanf:"url"`
	APIKey      string        `koanf:"api_key"`
	Format      string        `koanf:"format"` // "json" | "protobuf"
	BaseBackoff time.Duration `koanf:"base_backoff"`
	MaxBackoff  time.Duration `koanf:"max_backoff"`
	// Outbox persists overflow and shutdown backlog in the database.
	Outbox bool `koanf:"outbox"`
}

// RetentionConfig values of 0 keep rows forever.
type RetentionConfig struct {
	SessionDays   int           `koanf:"session_days"`
	EventDays     int           `koanf:"event_days"`
	OutboxDays    int           `koanf:"outbox_days"`
	PruneInterval time.Duration `koanf:"prune_interval"`
}

type DispenserConfig struct {
	ID     string  `koanf:"id"`
	Label  string  `koanf:"label"`
	Liquid string  `koanf:"liquid"`
	UnitMl float64 `koanf:"unit_ml"`

	PulsesPerLiter  float64       `koanf:"pulses_per_liter"`
	SmoothingWindow time.Duration `koanf:"smoothing_window"`

	ValveActiveHigh bool          `koanf:"valve_active_high"`
	MinOpen         time.Duration `koanf:"min_open"`

	GracePeriod    time.Duration `koanf:"grace_period"`
	PollInterval   time.Duration `koanf:"poll_interval"`
	UpdateInterval time.Duration `koanf:"update_interval"`
	ZeroFlowDwell  time.Duration `koanf:"zero_flow_dwell"`
	// ZeroFlowMlPerMin is the smoothed rate at or below which the tap
	// counts as idle for the zero-flow dwell.
	ZeroFlowMlPerMin float64       `koanf:"zero_flow_ml_per_min"`
	QuotaEpsilonMl   float64       `koanf:"quota_epsilon_ml"`
	AuthCacheTTL     time.Duration `koanf:"auth_cache_ttl"`

	Reader ReaderConfig `koanf:"reader"`
	// SimPulsesPerSecond drives the simulated flow sensor in dev.
	SimPulsesPerSecond float64 `koanf:"sim_pulses_per_second"`
}

type ReaderConfig struct {
	Kind   string `koanf:"kind"` // "sim" | "uart"
	Device string `koanf:"device"`
	// HoldFor is how long a UART frame keeps the tag present.
	HoldFor time.Duration `koanf:"hold_for"`
}

// SeedConfig lists accounts created in dev mode.
type SeedConfig struct {
	Accounts []SeedAccount `koanf:"accounts"`
}

type SeedAccount struct {
	UID     string `koanf:"uid"`
	Label   string `koanf:"label"`
	Balance string `koanf:"balance"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		HTTP: HTTPConfig{Addr: ":8080"},
		DB:   DBConfig{Path: "./data/silenus.db", Env: "dev"},
		Log:  LogConfig{Level: "info", Format: "json"},
		Auth: AuthConfig{
			Mode:    "local",
			Timeout: 2 * time.Second,
			Cache:   "memory",
		},
		Events: EventsConfig{
			QueueSize:   256,
			Sink:        "store",
			Format:      "json",
			BaseBackoff: 250 * time.Millisecond,
			MaxBackoff:  30 * time.Second,
			Outbox:      true,
		},
		Retention: RetentionConfig{
			SessionDays:   365,
			EventDays:     90,
			OutboxDays:    7,
			PruneInterval: 6 * time.Hour,
		},
	}
}

// withDefaults fills zero-valued tuning fields.
func (d DispenserConfig) withDefaults() DispenserConfig {
	if d.Label == "" {
		d.Label = d.ID
	}
	if d.SmoothingWindow <= 0 {
		d.SmoothingWindow = time.Second
	}
	if d.MinOpen <= 0 {
		d.MinOpen = 500 * time.Millisecond
	}
	if d.GracePeriod <= 0 {
		d.GracePeriod = 300 * time.Millisecond
	}
	if d.PollInterval <= 0 {
		d.PollInterval = 50 * time.Millisecond
	}
	if d.UpdateInterval <= 0 {
		d.UpdateInterval = 500 * time.Millisecond
	}
	if d.ZeroFlowDwell <= 0 {
		d.ZeroFlowDwell = 2 * time.Second
	}
	if d.QuotaEpsilonMl <= 0 {
		d.QuotaEpsilonMl = 0.5
	}
	if d.AuthCacheTTL <= 0 {
		d.AuthCacheTTL = 5 * time.Second
	}
	if d.Reader.Kind == "" {
		d.Reader.Kind = "sim"
	}
	if d.Reader.HoldFor <= 0 {
		d.Reader.HoldFor = 250 * time.Millisecond
	}
	if d.SimPulsesPerSecond <= 0 {
		d.SimPulsesPerSecond = 40
	}
	return d
}

func (c *Config) normalize() {
	c.DB.Env = strings.ToLower(strings.TrimSpace(c.DB.Env))
	if c.DB.Env != "dev" && c.DB.Env != "prod" {
		c.DB.Env = "dev"
	}
	c.Auth.Mode = strings.ToLower(c.Auth.Mode)
	c.Auth.Cache = strings.ToLower(c.Auth.Cache)
	c.Events.Sink = strings.ToLower(c.Events.Sink)
	c.Events.Format = strings.ToLower(c.Events.Format)
	for i := range c.Dispensers {
		c.Dispensers[i].ID = strings.TrimSpace(c.Dispensers[i].ID)
		c.Dispensers[i].Reader.Kind = strings.ToLower(c.Dispensers[i].Reader.Kind)
		c.Dispensers[i] = c.Dispensers[i].withDefaults()
	}
}

// Validate reports every problem found, joined.
func (c Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) { errs = append(errs, fmt.Errorf(format, args...)) }

	if c.HTTP.Addr == "" {
		add("http.addr is required")
	}
	if c.DB.Path == "" {
		add("db.path is required")
	}
	if _, err := logger.ParseLevel(c.Log.Level); err != nil {
		add("log.level: %v", err)
	}
	if f := strings.ToLower(c.Log.Format); f != "json" && f != "text" {
		add("log.format must be json or text, got %q", c.Log.Format)
	}

	switch c.Auth.Mode {
	case "local":
	case "http":
		if c.Auth.BaseURL == "" {
			add("auth.base_url is required in http mode")
		}
	default:
		add("auth.mode must be local or http, got %q", c.Auth.Mode)
	}
	switch c.Auth.Cache {
	case "memory", "none", "":
	case "redis":
		if c.Auth.RedisAddr == "" {
			add("auth.redis_addr is required for the redis cache")
		}
	default:
		add("auth.cache must be memory, redis or none, got %q", c.Auth.Cache)
	}

	switch c.Events.Sink {
	case "store", "log":
	case "http":
		if c.Events.URL == "" {
			add("events.url is required for the http sink")
		}
	default:
		add("events.sink must be store, http or log, got %q", c.Events.Sink)
	}
	if c.Events.Format != "json" && c.Events.Format != "protobuf" {
		add("events.format must be json or protobuf, got %q", c.Events.Format)
	}
	if c.Events.QueueSize <= 0 {
		add("events.queue_size must be positive")
	}

	if c.Retention.SessionDays < 0 || c.Retention.EventDays < 0 || c.Retention.OutboxDays < 0 {
		add("retention days must not be negative")
	}

	seen := make(map[string]bool, len(c.Dispensers))
	for i, d := range c.Dispensers {
		where := fmt.Sprintf("dispensers[%d]", i)
		if d.ID == "" {
			add("%s.id is required", where)
		} else if seen[d.ID] {
			add("%s.id %q is duplicated", where, d.ID)
		}
		seen[d.ID] = true
		if !(d.UnitMl > 0) {
			add("%s.unit_ml must be positive", where)
		}
		if !(d.PulsesPerLiter > 0) {
			add("%s.pulses_per_liter must be positive", where)
		}
		if d.ZeroFlowMlPerMin < 0 {
			add("%s.zero_flow_ml_per_min must not be negative", where)
		}
		switch d.Reader.Kind {
		case "sim":
		case "uart":
			if d.Reader.Device == "" {
				add("%s.reader.device is required for uart", where)
			}
		default:
			add("%s.reader.kind must be sim or uart, got %q", where, d.Reader.Kind)
		}
	}

	for i, a := range c.Seed.Accounts {
		if strings.TrimSpace(a.UID) == "" {
			add("seed.accounts[%d].uid is required", i)
		}
	}

	return errors.Join(errs...)
}
