// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Quota     QuotaConfig     `mapstructure:"quota"`
	Worker    WorkerConfig    `mapstructure:"worker"`
	Sync      SyncConfig      `mapstructure:"sync"`
	Bus       BusConfig       `mapstructure:"bus"`
	DB        DBConfig        `mapstructure:"db"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Publisher PublisherConfig `mapstructure:"publisher"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port           int `mapstructure:"port"`
	TimeoutSeconds int `mapstructure:"timeout_seconds"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// QuotaConfig sets the per-owner quota ledger parameters.
type QuotaConfig struct {
	DefaultLimit  int64 `mapstructure:"default_limit"`
	WindowMinutes int   `mapstructure:"window_minutes"`
}

// WorkerConfig governs the execution pool.
type WorkerConfig struct {
	Count          int `mapstructure:"count"`
	CancelPollMs   int `mapstructure:"cancel_poll_ms"`
	EchoDelayMs    int `mapstructure:"echo_delay_ms"`
	IdemTTLMinutes int `mapstructure:"idem_ttl_minutes"`
}

// SyncConfig tunes the embedded synchronization client.
type SyncConfig struct {
	BackoffBaseMs          int `mapstructure:"backoff_base_ms"`
	BackoffMaxMs           int `mapstructure:"backoff_max_ms"`
	MaxAttempts            int `mapstructure:"max_attempts"`
	SnapshotTimeoutSeconds int `mapstructure:"snapshot_timeout_seconds"`
}

// BusConfig sizes the transition event hub.
type BusConfig struct {
	BufferSize int `mapstructure:"buffer_size"`
	SubBuffer  int `mapstructure:"sub_buffer"`
}

// DBConfig selects and configures the job store backend.
type DBConfig struct {
	// Driver is "memory" or "postgres".
	Driver   string `mapstructure:"driver"`
	DSN      string `mapstructure:"dsn"`
	MaxConns int32  `mapstructure:"max_conns"`
	MinConns int32  `mapstructure:"min_conns"`
}

// RedisConfig configures the idempotency key store.
type RedisConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	Addr       string `mapstructure:"addr"`
	Password   string `mapstructure:"password"`
	DB         int    `mapstructure:"db"`
	TTLMinutes int    `mapstructure:"ttl_minutes"`
}

// PublisherConfig selects the external event transport.
type PublisherConfig struct {
	// Driver is "memory", "pubsub", or "rabbit".
	Driver    string `mapstructure:"driver"`
	Topic     string `mapstructure:"topic"`
	ProjectID string `mapstructure:"project_id"`
	RabbitURL string `mapstructure:"rabbit_url"`
	Exchange  string `mapstructure:"exchange"`
}

// StorageConfig selects the blob store for exports.
type StorageConfig struct {
	// Driver is "memory", "local", or "gcs".
	Driver    string `mapstructure:"driver"`
	BaseDir   string `mapstructure:"base_dir"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	Prefix    string `mapstructure:"prefix"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CRAWLSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.timeout_seconds", 60)
	v.SetDefault("quota.default_limit", 1000)
	v.SetDefault("quota.window_minutes", 1440)
	v.SetDefault("worker.count", 4)
	v.SetDefault("worker.cancel_poll_ms", 500)
	v.SetDefault("worker.echo_delay_ms", 0)
	v.SetDefault("worker.idem_ttl_minutes", 1440)
	v.SetDefault("sync.backoff_base_ms", 1000)
	v.SetDefault("sync.backoff_max_ms", 30000)
	v.SetDefault("sync.max_attempts", 6)
	v.SetDefault("sync.snapshot_timeout_seconds", 5)
	v.SetDefault("bus.buffer_size", 4096)
	v.SetDefault("bus.sub_buffer", 64)
	v.SetDefault("db.driver", "memory")
	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.ttl_minutes", 1440)
	v.SetDefault("publisher.driver", "memory")
	v.SetDefault("publisher.topic", "job-events")
	v.SetDefault("storage.driver", "memory")
	v.SetDefault("storage.prefix", "exports")
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Quota.DefaultLimit <= 0 {
		return fmt.Errorf("quota.default_limit must be > 0")
	}
	if c.Quota.WindowMinutes <= 0 {
		return fmt.Errorf("quota.window_minutes must be > 0")
	}
	if c.Worker.Count <= 0 {
		return fmt.Errorf("worker.count must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	switch c.DB.Driver {
	case "memory":
	case "postgres":
		if c.DB.DSN == "" {
			return fmt.Errorf("db.dsn must be set when db.driver is postgres")
		}
	default:
		return fmt.Errorf("unknown db.driver %q", c.DB.Driver)
	}
	switch c.Publisher.Driver {
	case "memory":
	case "pubsub":
		if c.Publisher.ProjectID == "" {
			return fmt.Errorf("publisher.project_id must be set when publisher.driver is pubsub")
		}
	case "rabbit":
		if c.Publisher.RabbitURL == "" {
			return fmt.Errorf("publisher.rabbit_url must be set when publisher.driver is rabbit")
		}
		if c.Publisher.Exchange == "" {
			return fmt.Errorf("publisher.exchange must be set when publisher.driver is rabbit")
		}
	default:
		return fmt.Errorf("unknown publisher.driver %q", c.Publisher.Driver)
	}
	switch c.Storage.Driver {
	case "memory":
	case "local":
		if c.Storage.BaseDir == "" {
			return fmt.Errorf("storage.base_dir must be set when storage.driver is local")
		}
	case "gcs":
		if c.Storage.GCSBucket == "" {
			return fmt.Errorf("storage.gcs_bucket must be set when storage.driver is gcs")
		}
	default:
		return fmt.Errorf("unknown storage.driver %q", c.Storage.Driver)
	}
	return nil
}

// QuotaWindow converts the configured window into a duration.
func (c Config) QuotaWindow() time.Duration {
	return time.Duration(c.Quota.WindowMinutes) * time.Minute
}

// RequestTimeout converts the server timeout into a duration.
func (c Config) RequestTimeout() time.Duration {
	return time.Duration(c.Server.TimeoutSeconds) * time.Second
}
