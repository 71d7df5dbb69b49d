// Package config defines the top-level configuration for the trading
// platform and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from
// a TOML file and then optionally overridden by JTRADE_* environment
// variables.
type Config struct {
	Mode            string `toml:"mode"` // serve | migrate | flatten
	LogLevel        string `toml:"log_level"`
	LogFormat       string `toml:"log_format"` // json | text
	SessionTimezone string `toml:"session_timezone"`

	Server     ServerConfig     `toml:"server"`
	Store      StoreConfig      `toml:"store"`
	Redis      RedisConfig      `toml:"redis"`
	S3         S3Config         `toml:"s3"`
	Brokers    BrokersConfig    `toml:"brokers"`
	Pools      PoolsConfig      `toml:"pools"`
	Stream     StreamConfig     `toml:"stream"`
	Keeper     KeeperConfig     `toml:"keeper"`
	Router     RouterConfig     `toml:"router"`
	Reconciler ReconcilerConfig `toml:"reconciler"`
	Copy       CopyConfig       `toml:"copy"`
	Archive    ArchiveConfig    `toml:"archive"`
}

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Port            int      `toml:"port"`
	AdminKey        string   `toml:"admin_key"`
	ReadTimeout     duration `toml:"read_timeout"`
	WriteTimeout    duration `toml:"write_timeout"`
	ShutdownTimeout duration `toml:"shutdown_timeout"`
	APIRatePerMin   int      `toml:"api_rate_per_min"` // /api/* only; webhooks are never limited
}

// Store back-ends.
const (
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
)

// StoreConfig selects and configures the persistence back-end.
type StoreConfig struct {
	Backend string `toml:"backend"` // sqlite | postgres

	// sqlite
	Path string `toml:"path"`

	// postgres (DSN wins when set)
	DSN          string `toml:"dsn"`
	Host         string `toml:"host"`
	Port         int    `toml:"port"`
	Database     string `toml:"database"`
	User         string `toml:"user"`
	Password     string `toml:"password"`
	SSLMode      string `toml:"ssl_mode"`
	MaxOpenConns int    `toml:"max_open_conns"`

	// CredPassphrase derives the AES key that encrypts account
	// credential blobs at rest. Required.
	CredPassphrase string `toml:"cred_passphrase"`
}

// RedisConfig configures the optional Redis layer (event bus, locks,
// shared rate budget, token cache). Empty Addr disables it; local
// in-process fallbacks take over.
type RedisConfig struct {
	Addr     string `toml:"addr"`
	Password string `toml:"password"`
	DB       int    `toml:"db"`
	PoolSize int    `toml:"pool_size"`
}

// Enabled reports whether a Redis address is configured.
func (r RedisConfig) Enabled() bool { return r.Addr != "" }

// S3Config configures the optional archival bucket.
type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// Enabled reports whether an archival bucket is configured.
func (s S3Config) Enabled() bool { return s.Bucket != "" }

// BrokerConfig holds one broker variant's endpoints.
type BrokerConfig struct {
	Enabled bool   `toml:"enabled"`
	BaseURL string `toml:"base_url"`
	WsURL   string `toml:"ws_url"`
	DemoURL string `toml:"demo_url"` // base URL for demo-environment accounts
}

// BrokersConfig activates broker adapter variants.
type BrokersConfig struct {
	Tradex   BrokerConfig `toml:"tradex"`
	Propfirm BrokerConfig `toml:"propfirm"`
	Equitix  BrokerConfig `toml:"equitix"`
}

// ActiveCount returns how many broker variants are enabled.
func (b BrokersConfig) ActiveCount() int {
	n := 0
	for _, c := range []BrokerConfig{b.Tradex, b.Propfirm, b.Equitix} {
		if c.Enabled {
			n++
		}
	}
	return n
}

// PoolsConfig sizes the two worker pools.
type PoolsConfig struct {
	IngestWorkers   int      `toml:"ingest_workers"`
	ExecWorkers     int      `toml:"exec_workers"`
	IngestQueue     int      `toml:"ingest_queue"`
	ExecQueue       int      `toml:"exec_queue"`
	EnqueueTimeout  duration `toml:"enqueue_timeout"`   // ingest → exec handoff budget
	ExecTaskTimeout duration `toml:"exec_task_timeout"` // per execution task
	IngestDeadline  duration `toml:"ingest_deadline"`   // receipt → response hard limit
}

// StreamConfig tunes the streaming hub.
type StreamConfig struct {
	ConnectConcurrency int      `toml:"connect_concurrency"` // connect-gate semaphore
	ConnectSpacing     duration `toml:"connect_spacing"`
	HeartbeatInterval  duration `toml:"heartbeat_interval"`
	SilenceTimeout     duration `toml:"silence_timeout"`
	DeadSubWindow      duration `toml:"dead_sub_window"`
	DeadSubWindows     int      `toml:"dead_sub_windows"`
	BackoffMax         duration `toml:"backoff_max"`
	InitialStaggerMax  duration `toml:"initial_stagger_max"`
	TokenMaxAge        duration `toml:"token_max_age"`
}

// KeeperConfig tunes the credential keeper.
type KeeperConfig struct {
	SweepInterval       duration `toml:"sweep_interval"`
	RefreshEarlyMargin  duration `toml:"refresh_early_margin"`
	StoredTokenLifetime duration `toml:"stored_token_lifetime"` // must be < broker lifetime
}

// RouterConfig tunes signal ingest.
type RouterConfig struct {
	DedupWindow            duration `toml:"dedup_window"`
	CooldownDefault        duration `toml:"signal_cooldown_default"`
	MaxDailyLossDefault    float64  `toml:"max_daily_loss_default"`
	MaxSignalsDefault      int      `toml:"max_signals_per_session_default"`
	MaxContractsDefault    int      `toml:"max_contracts_default"`
	AcceptPlainTextSignals bool     `toml:"accept_plain_text_signals"`
}

// ReconcilerConfig tunes the safety-net sweep.
type ReconcilerConfig struct {
	Enabled    bool     `toml:"enabled"`
	Interval   duration `toml:"interval"`
	StaleGrace duration `toml:"stale_grace"` // open-trade age past session before cleanup
}

// CopyConfig tunes the copy engine.
type CopyConfig struct {
	Enabled         bool     `toml:"enabled"`
	FillDedupWindow duration `toml:"fill_dedup_window"`
}

// ArchiveConfig tunes S3 archival of aged rows.
type ArchiveConfig struct {
	Interval   duration `toml:"interval"`
	RetainDays int      `toml:"retain_days"`
}

// duration wraps time.Duration so TOML files can use "90s" / "5m" forms.
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns the built-in configuration all loads start from.
func Defaults() Config {
	return Config{
		Mode:            "serve",
		LogLevel:        "info",
		LogFormat:       "json",
		SessionTimezone: "America/Chicago",
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     duration{10 * time.Second},
			WriteTimeout:    duration{15 * time.Second},
			ShutdownTimeout: duration{20 * time.Second},
			APIRatePerMin:   120,
		},
		Store: StoreConfig{
			Backend:      BackendSQLite,
			Path:         "jtrade.db",
			Port:         5432,
			SSLMode:      "require",
			MaxOpenConns: 8,
		},
		Pools: PoolsConfig{
			IngestWorkers:   10,
			ExecWorkers:     10,
			IngestQueue:     256,
			ExecQueue:       256,
			EnqueueTimeout:  duration{500 * time.Millisecond},
			ExecTaskTimeout: duration{60 * time.Second},
			IngestDeadline:  duration{3 * time.Second},
		},
		Stream: StreamConfig{
			ConnectConcurrency: 2,
			ConnectSpacing:     duration{3 * time.Second},
			HeartbeatInterval:  duration{2500 * time.Millisecond},
			SilenceTimeout:     duration{10 * time.Second},
			DeadSubWindow:      duration{30 * time.Second},
			DeadSubWindows:     10,
			BackoffMax:         duration{60 * time.Second},
			InitialStaggerMax:  duration{30 * time.Second},
			TokenMaxAge:        duration{70 * time.Minute},
		},
		Keeper: KeeperConfig{
			SweepInterval:       duration{5 * time.Minute},
			RefreshEarlyMargin:  duration{30 * time.Minute},
			StoredTokenLifetime: duration{85 * time.Minute},
		},
		Router: RouterConfig{
			DedupWindow:            duration{30 * time.Second},
			CooldownDefault:        duration{0},
			AcceptPlainTextSignals: true,
		},
		Reconciler: ReconcilerConfig{
			Enabled:    true,
			Interval:   duration{5 * time.Minute},
			StaleGrace: duration{2 * time.Hour},
		},
		Copy: CopyConfig{
			Enabled:         true,
			FillDedupWindow: duration{60 * time.Second},
		},
		Archive: ArchiveConfig{
			Interval:   duration{24 * time.Hour},
			RetainDays: 30,
		},
	}
}

// Validate checks cross-field consistency and normalizes enumerations.
func (c *Config) Validate() error {
	c.Mode = strings.ToLower(strings.TrimSpace(c.Mode))
	switch c.Mode {
	case "serve", "migrate", "flatten":
	default:
		return fmt.Errorf("config: unknown mode %q", c.Mode)
	}

	switch strings.ToLower(c.LogFormat) {
	case "json", "text":
	default:
		return fmt.Errorf("config: unknown log_format %q", c.LogFormat)
	}

	switch c.Store.Backend {
	case BackendSQLite:
		if c.Store.Path == "" {
			return fmt.Errorf("config: store.path required for sqlite backend")
		}
	case BackendPostgres:
		if c.Store.DSN == "" && (c.Store.Host == "" || c.Store.Database == "" || c.Store.User == "") {
			return fmt.Errorf("config: store.dsn or host/database/user required for postgres backend")
		}
	default:
		return fmt.Errorf("config: unknown store backend %q", c.Store.Backend)
	}
	if c.Store.CredPassphrase == "" {
		return fmt.Errorf("config: store.cred_passphrase is required")
	}

	if _, err := time.LoadLocation(c.SessionTimezone); err != nil {
		return fmt.Errorf("config: session_timezone: %w", err)
	}

	if c.Mode == "serve" && c.Brokers.ActiveCount() == 0 {
		return fmt.Errorf("config: at least one broker must be enabled in serve mode")
	}

	if c.Pools.IngestWorkers <= 0 || c.Pools.ExecWorkers <= 0 {
		return fmt.Errorf("config: pool worker counts must be positive")
	}
	if c.Stream.ConnectConcurrency <= 0 {
		return fmt.Errorf("config: stream.connect_concurrency must be positive")
	}
	if c.Keeper.StoredTokenLifetime.Duration <= c.Keeper.RefreshEarlyMargin.Duration {
		return fmt.Errorf("config: keeper.stored_token_lifetime must exceed refresh_early_margin")
	}
	return nil
}

// SessionLocation returns the loaded session timezone. Validate must
// have succeeded first.
func (c *Config) SessionLocation() *time.Location {
	loc, err := time.LoadLocation(c.SessionTimezone)
	if err != nil {
		return time.UTC
	}
	return loc
}
