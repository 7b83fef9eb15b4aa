// Package config loads and validates relay configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Storage backends.
const (
	StorageMemory   = "memory"
	StoragePostgres = "postgres"
	StorageBadger   = "badger"
)

// Archive backends.
const (
	ArchiveNone   = "none"
	ArchiveMemory = "memory"
	ArchiveLocal  = "local"
	ArchiveGCS    = "gcs"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Auth    AuthConfig    `mapstructure:"auth"`
	Logging LoggingConfig `mapstructure:"logging"`
	Scrape  ScrapeConfig  `mapstructure:"scrape"`
	WS      WSConfig      `mapstructure:"ws"`
	Storage StorageConfig `mapstructure:"storage"`
	Archive ArchiveConfig `mapstructure:"archive"`
	PubSub  PubSubConfig  `mapstructure:"pubsub"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port              int           `mapstructure:"port"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout"`
	// RequestTimeout bounds ordinary API calls. Long-poll and WebSocket routes
	// are exempt.
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	MaxBodyBytes    int64         `mapstructure:"max_body_bytes"`
	// InstanceID tags published events; generated when empty.
	InstanceID string `mapstructure:"instance_id"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// ScrapeConfig bounds task lifetimes and submissions.
type ScrapeConfig struct {
	TaskTTL           time.Duration `mapstructure:"task_ttl"`
	CacheTTL          time.Duration `mapstructure:"cache_ttl"`
	ProcessingTimeout time.Duration `mapstructure:"processing_timeout"`
	PendingStall      time.Duration `mapstructure:"pending_stall"`
	// MaxWait caps both the fetch endpoint and long-poll timeouts.
	MaxWait            time.Duration `mapstructure:"max_wait"`
	DefaultWaitTimeout time.Duration `mapstructure:"default_wait_timeout"`
	AllowedDomains     []string      `mapstructure:"allowed_domains"`
}

// WSConfig tunes WebSocket keepalive and throttling.
type WSConfig struct {
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	PongWait        time.Duration `mapstructure:"pong_wait"`
	MaxMessageBytes int64         `mapstructure:"max_message_bytes"`
	MessageRate     float64       `mapstructure:"message_rate"`
	MessageBurst    int           `mapstructure:"message_burst"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins"`
}

// StorageConfig selects and configures the task store.
type StorageConfig struct {
	Backend  string         `mapstructure:"backend"`
	Postgres PostgresConfig `mapstructure:"postgres"`
	Badger   BadgerConfig   `mapstructure:"badger"`
}

// PostgresConfig controls access to the relational database.
type PostgresConfig struct {
	DSN             string        `mapstructure:"dsn"`
	Table           string        `mapstructure:"table"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	EnsureSchema    bool          `mapstructure:"ensure_schema"`
}

// BadgerConfig locates the embedded database.
type BadgerConfig struct {
	Path           string `mapstructure:"path"`
	InMemory       bool   `mapstructure:"in_memory"`
	ResetOnStartup bool   `mapstructure:"reset_on_startup"`
}

// ArchiveConfig selects where completed results are archived.
type ArchiveConfig struct {
	Backend      string `mapstructure:"backend"`
	Prefix       string `mapstructure:"prefix"`
	BaseDir      string `mapstructure:"base_dir"`
	GCSBucket    string `mapstructure:"gcs_bucket"`
	VerifyBucket bool   `mapstructure:"verify_bucket"`
}

// PubSubConfig holds metadata for cross-instance notifications.
type PubSubConfig struct {
	ProjectID        string `mapstructure:"project_id"`
	TopicName        string `mapstructure:"topic_name"`
	SubscriptionName string `mapstructure:"subscription_name"`
	VerifyTopic      bool   `mapstructure:"verify_topic"`
}

// Enabled reports whether Pub/Sub is configured at all.
func (c PubSubConfig) Enabled() bool {
	return c.ProjectID != "" && (c.TopicName != "" || c.SubscriptionName != "")
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("RELAY")
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
	v.SetDefault("server.read_header_timeout", 10*time.Second)
	v.SetDefault("server.request_timeout", 30*time.Second)
	v.SetDefault("server.shutdown_timeout", 15*time.Second)
	v.SetDefault("server.max_body_bytes", 8<<20)
	v.SetDefault("server.instance_id", "")
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.api_key", "")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
	v.SetDefault("scrape.task_ttl", time.Hour)
	v.SetDefault("scrape.cache_ttl", 24*time.Hour)
	v.SetDefault("scrape.processing_timeout", 5*time.Minute)
	v.SetDefault("scrape.pending_stall", 30*time.Second)
	v.SetDefault("scrape.max_wait", 2*time.Minute)
	v.SetDefault("scrape.default_wait_timeout", 30*time.Second)
	v.SetDefault("scrape.allowed_domains", []string{})
	v.SetDefault("ws.write_timeout", 10*time.Second)
	v.SetDefault("ws.pong_wait", 60*time.Second)
	v.SetDefault("ws.max_message_bytes", 64<<10)
	v.SetDefault("ws.message_rate", 20.0)
	v.SetDefault("ws.message_burst", 40)
	v.SetDefault("ws.allowed_origins", []string{})
	v.SetDefault("storage.backend", StorageMemory)
	v.SetDefault("storage.postgres.dsn", "")
	v.SetDefault("storage.postgres.table", "scrape_tasks")
	v.SetDefault("storage.postgres.max_conns", 10)
	v.SetDefault("storage.postgres.min_conns", 0)
	v.SetDefault("storage.postgres.max_conn_lifetime", 30*time.Minute)
	v.SetDefault("storage.postgres.ensure_schema", true)
	v.SetDefault("storage.badger.path", "./data/badger")
	v.SetDefault("storage.badger.in_memory", false)
	v.SetDefault("storage.badger.reset_on_startup", false)
	v.SetDefault("archive.backend", ArchiveNone)
	v.SetDefault("archive.prefix", "")
	v.SetDefault("archive.base_dir", "./data/results")
	v.SetDefault("archive.gcs_bucket", "")
	v.SetDefault("archive.verify_bucket", false)
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic_name", "")
	v.SetDefault("pubsub.subscription_name", "")
	v.SetDefault("pubsub.verify_topic", false)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.Scrape.TaskTTL <= 0 || c.Scrape.CacheTTL <= 0 || c.Scrape.ProcessingTimeout <= 0 {
		return fmt.Errorf("scrape task_ttl, cache_ttl and processing_timeout must be > 0")
	}
	if c.Scrape.MaxWait <= 0 {
		return fmt.Errorf("scrape.max_wait must be > 0")
	}
	if c.Scrape.DefaultWaitTimeout > c.Scrape.MaxWait {
		return fmt.Errorf("scrape.default_wait_timeout must not exceed scrape.max_wait")
	}
	switch c.Storage.Backend {
	case StorageMemory:
	case StoragePostgres:
		if c.Storage.Postgres.DSN == "" {
			return fmt.Errorf("storage.postgres.dsn is required for the postgres backend")
		}
	case StorageBadger:
		if !c.Storage.Badger.InMemory && c.Storage.Badger.Path == "" {
			return fmt.Errorf("storage.badger.path is required unless in_memory is set")
		}
	default:
		return fmt.Errorf("unknown storage.backend %q", c.Storage.Backend)
	}
	switch c.Archive.Backend {
	case ArchiveNone, ArchiveMemory:
	case ArchiveLocal:
		if c.Archive.BaseDir == "" {
			return fmt.Errorf("archive.base_dir is required for the local archive")
		}
	case ArchiveGCS:
		if c.Archive.GCSBucket == "" {
			return fmt.Errorf("archive.gcs_bucket is required for the gcs archive")
		}
	default:
		return fmt.Errorf("unknown archive.backend %q", c.Archive.Backend)
	}
	if (c.PubSub.TopicName != "" || c.PubSub.SubscriptionName != "") && c.PubSub.ProjectID == "" {
		return fmt.Errorf("pubsub.project_id is required when a topic or subscription is set")
	}
	return nil
}

