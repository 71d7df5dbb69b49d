package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies JTRADE_* environment variable overrides,
// and returns the final Config. The returned Config has NOT been
// validated; callers invoke Config.Validate() after Load. An empty path
// skips the file and builds the config from defaults plus environment.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, fmt.Errorf("config: decode %s: %w", path, err)
		}
	}

	// Load .env if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known JTRADE_* environment variables and
// overwrites the corresponding Config fields when a variable is set.
// This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	setStr(&cfg.Mode, "JTRADE_MODE")
	setStr(&cfg.LogLevel, "JTRADE_LOG_LEVEL")
	setStr(&cfg.LogFormat, "JTRADE_LOG_FORMAT")
	setStr(&cfg.SessionTimezone, "JTRADE_SESSION_TZ")

	// Server
	setInt(&cfg.Server.Port, "JTRADE_SERVER_PORT")
	setStr(&cfg.Server.AdminKey, "JTRADE_ADMIN_KEY")

	// Store
	setStr(&cfg.Store.Backend, "JTRADE_STORE_BACKEND")
	setStr(&cfg.Store.Path, "JTRADE_STORE_PATH")
	setStr(&cfg.Store.DSN, "JTRADE_DB_URL")
	setStr(&cfg.Store.Host, "JTRADE_DB_HOST")
	setInt(&cfg.Store.Port, "JTRADE_DB_PORT")
	setStr(&cfg.Store.Database, "JTRADE_DB_NAME")
	setStr(&cfg.Store.User, "JTRADE_DB_USER")
	setStr(&cfg.Store.Password, "JTRADE_DB_PASSWORD")
	setStr(&cfg.Store.SSLMode, "JTRADE_DB_SSLMODE")
	setStr(&cfg.Store.CredPassphrase, "JTRADE_CRED_PASSPHRASE")

	// Redis
	setStr(&cfg.Redis.Addr, "JTRADE_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "JTRADE_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "JTRADE_REDIS_DB")

	// S3
	setStr(&cfg.S3.Endpoint, "JTRADE_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "JTRADE_S3_REGION")
	setStr(&cfg.S3.Bucket, "JTRADE_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "JTRADE_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "JTRADE_S3_SECRET_KEY")
	setBool(&cfg.S3.ForcePathStyle, "JTRADE_S3_FORCE_PATH_STYLE")

	// Brokers
	setBool(&cfg.Brokers.Tradex.Enabled, "JTRADE_TRADEX_ENABLED")
	setStr(&cfg.Brokers.Tradex.BaseURL, "JTRADE_TRADEX_BASE_URL")
	setStr(&cfg.Brokers.Tradex.WsURL, "JTRADE_TRADEX_WS_URL")
	setStr(&cfg.Brokers.Tradex.DemoURL, "JTRADE_TRADEX_DEMO_URL")
	setBool(&cfg.Brokers.Propfirm.Enabled, "JTRADE_PROPFIRM_ENABLED")
	setStr(&cfg.Brokers.Propfirm.BaseURL, "JTRADE_PROPFIRM_BASE_URL")
	setStr(&cfg.Brokers.Propfirm.WsURL, "JTRADE_PROPFIRM_WS_URL")
	setBool(&cfg.Brokers.Equitix.Enabled, "JTRADE_EQUITIX_ENABLED")
	setStr(&cfg.Brokers.Equitix.BaseURL, "JTRADE_EQUITIX_BASE_URL")

	// Pools
	setInt(&cfg.Pools.IngestWorkers, "JTRADE_INGEST_WORKERS")
	setInt(&cfg.Pools.ExecWorkers, "JTRADE_EXEC_WORKERS")
	setDur(&cfg.Pools.ExecTaskTimeout, "JTRADE_EXEC_TASK_TIMEOUT")

	// Stream
	setInt(&cfg.Stream.ConnectConcurrency, "JTRADE_STREAM_CONNECT_CONCURRENCY")
	setDur(&cfg.Stream.ConnectSpacing, "JTRADE_STREAM_CONNECT_SPACING")
	setInt(&cfg.Stream.DeadSubWindows, "JTRADE_STREAM_DEAD_SUB_WINDOWS")
	setDur(&cfg.Stream.InitialStaggerMax, "JTRADE_STREAM_INITIAL_STAGGER_MAX")

	// Keeper
	setDur(&cfg.Keeper.RefreshEarlyMargin, "JTRADE_TOKEN_REFRESH_EARLY_MARGIN")
	setDur(&cfg.Keeper.StoredTokenLifetime, "JTRADE_TOKEN_STORED_LIFETIME")

	// Router / reconciler
	setDur(&cfg.Router.DedupWindow, "JTRADE_WEBHOOK_DEDUP_WINDOW")
	setDur(&cfg.Reconciler.Interval, "JTRADE_RECONCILER_INTERVAL")
}

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDur(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}
