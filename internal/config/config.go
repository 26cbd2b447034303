// Copyright 2025 James Ross
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Postgres struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

type Redis struct {
	Addr        string        `mapstructure:"addr"`
	Username    string        `mapstructure:"username"`
	Password    string        `mapstructure:"password"`
	DB          int           `mapstructure:"db"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout time.Duration `mapstructure:"read_timeout"`
	MaxRetries  int           `mapstructure:"max_retries"`
}

type ObjectStore struct {
	Endpoint        string `mapstructure:"endpoint"`
	Region          string `mapstructure:"region"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	ForcePathStyle  bool   `mapstructure:"force_path_style"`
	UploadsBucket   string `mapstructure:"uploads_bucket"`
	ReportsBucket   string `mapstructure:"reports_bucket"`
}

type Backoff struct {
	Base time.Duration `mapstructure:"base"`
	Max  time.Duration `mapstructure:"max"`
}

type Broker struct {
	QueueKey              string        `mapstructure:"queue_key"`
	ProcessingListPattern string        `mapstructure:"processing_list_pattern"`
	HeartbeatKeyPattern   string        `mapstructure:"heartbeat_key_pattern"`
	HeartbeatTTL          time.Duration `mapstructure:"heartbeat_ttl"`
	BRPopLPushTimeout     time.Duration `mapstructure:"brpoplpush_timeout"`
	ReaperInterval        time.Duration `mapstructure:"reaper_interval"`
}

type Worker struct {
	Count        int           `mapstructure:"count"`
	MaxRetries   int           `mapstructure:"max_retries"`
	Backoff      Backoff       `mapstructure:"backoff"`
	BreakerPause time.Duration `mapstructure:"breaker_pause"`
}

type Parser struct {
	MaxBytes int64 `mapstructure:"max_bytes"`
	MaxRows  int64 `mapstructure:"max_rows"`
}

type CircuitBreaker struct {
	FailureThreshold float64       `mapstructure:"failure_threshold"`
	Window           time.Duration `mapstructure:"window"`
	CooldownPeriod   time.Duration `mapstructure:"cooldown_period"`
	MinSamples       int           `mapstructure:"min_samples"`
}

type ClickHouse struct {
	Enabled bool   `mapstructure:"enabled"`
	DSN     string `mapstructure:"dsn"`
	Table   string `mapstructure:"table"`
}

type EventBus struct {
	Enabled bool   `mapstructure:"enabled"`
	URL     string `mapstructure:"url"`
	Subject string `mapstructure:"subject"`
}

type TracingConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	Endpoint    string  `mapstructure:"endpoint"`
	Environment string  `mapstructure:"environment"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
	Insecure    bool    `mapstructure:"insecure"`
}

type Observability struct {
	MetricsPort int           `mapstructure:"metrics_port"`
	LogLevel    string        `mapstructure:"log_level"`
	Tracing     TracingConfig `mapstructure:"tracing"`
}

type HTTP struct {
	Addr            string        `mapstructure:"addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	MaxUploadBytes  int64         `mapstructure:"max_upload_bytes"`
}

type Config struct {
	Role           string         `mapstructure:"role"`
	Postgres       Postgres       `mapstructure:"postgres"`
	Redis          Redis          `mapstructure:"redis"`
	ObjectStore    ObjectStore    `mapstructure:"object_store"`
	Broker         Broker         `mapstructure:"broker"`
	Worker         Worker         `mapstructure:"worker"`
	Parser         Parser         `mapstructure:"parser"`
	CircuitBreaker CircuitBreaker `mapstructure:"circuit_breaker"`
	ClickHouse     ClickHouse     `mapstructure:"clickhouse"`
	EventBus       EventBus       `mapstructure:"event_bus"`
	Observability  Observability  `mapstructure:"observability"`
	HTTP           HTTP           `mapstructure:"http"`
}

func defaultConfig() *Config {
	return &Config{
		Role: "all",
		Postgres: Postgres{
			DSN:             "postgres://localhost:5432/dataset_processor?sslmode=disable",
			MaxOpenConns:    20,
			MaxIdleConns:    5,
			ConnMaxLifetime: 30 * time.Minute,
		},
		Redis: Redis{
			Addr:        "localhost:6379",
			DialTimeout: 5 * time.Second,
			ReadTimeout: 3 * time.Second,
			MaxRetries:  3,
		},
		ObjectStore: ObjectStore{
			Region:         "us-east-1",
			ForcePathStyle: false,
			UploadsBucket:  "uploads",
			ReportsBucket:  "reports",
		},
		Broker: Broker{
			QueueKey:              "dataset-processor:jobs",
			ProcessingListPattern: "dataset-processor:worker:%s:processing",
			HeartbeatKeyPattern:   "dataset-processor:worker:%s:heartbeat",
			HeartbeatTTL:          30 * time.Second,
			BRPopLPushTimeout:     1 * time.Second,
			ReaperInterval:        5 * time.Second,
		},
		Worker: Worker{
			Count:        8,
			MaxRetries:   3,
			Backoff:      Backoff{Base: 500 * time.Millisecond, Max: 60 * time.Second},
			BreakerPause: 100 * time.Millisecond,
		},
		Parser: Parser{
			MaxBytes: 256 * 1024 * 1024,
			MaxRows:  5_000_000,
		},
		CircuitBreaker: CircuitBreaker{
			FailureThreshold: 0.5,
			Window:           1 * time.Minute,
			CooldownPeriod:   30 * time.Second,
			MinSamples:       20,
		},
		ClickHouse: ClickHouse{Enabled: false, Table: "dataset_reports"},
		EventBus:   EventBus{Enabled: false, Subject: "dataset-processor.jobs"},
		Observability: Observability{
			MetricsPort: 9090,
			LogLevel:    "info",
			Tracing:     TracingConfig{Enabled: false, SampleRatio: 0.1},
		},
		HTTP: HTTP{
			Addr:            ":8080",
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
			MaxUploadBytes:  256 * 1024 * 1024,
		},
	}
}

// Load reads configuration from a YAML file (if present) overlaid with
// environment variable overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("DP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	def := defaultConfig()
	setDefaults(v, def)

	if _, err := os.Stat(path); err == nil {
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper, def *Config) {
	v.SetDefault("role", def.Role)

	v.SetDefault("postgres.dsn", def.Postgres.DSN)
	v.SetDefault("postgres.max_open_conns", def.Postgres.MaxOpenConns)
	v.SetDefault("postgres.max_idle_conns", def.Postgres.MaxIdleConns)
	v.SetDefault("postgres.conn_max_lifetime", def.Postgres.ConnMaxLifetime)

	v.SetDefault("redis.addr", def.Redis.Addr)
	v.SetDefault("redis.dial_timeout", def.Redis.DialTimeout)
	v.SetDefault("redis.read_timeout", def.Redis.ReadTimeout)
	v.SetDefault("redis.max_retries", def.Redis.MaxRetries)

	v.SetDefault("object_store.region", def.ObjectStore.Region)
	v.SetDefault("object_store.force_path_style", def.ObjectStore.ForcePathStyle)
	v.SetDefault("object_store.uploads_bucket", def.ObjectStore.UploadsBucket)
	v.SetDefault("object_store.reports_bucket", def.ObjectStore.ReportsBucket)

	v.SetDefault("broker.queue_key", def.Broker.QueueKey)
	v.SetDefault("broker.processing_list_pattern", def.Broker.ProcessingListPattern)
	v.SetDefault("broker.heartbeat_key_pattern", def.Broker.HeartbeatKeyPattern)
	v.SetDefault("broker.heartbeat_ttl", def.Broker.HeartbeatTTL)
	v.SetDefault("broker.brpoplpush_timeout", def.Broker.BRPopLPushTimeout)
	v.SetDefault("broker.reaper_interval", def.Broker.ReaperInterval)

	v.SetDefault("worker.count", def.Worker.Count)
	v.SetDefault("worker.max_retries", def.Worker.MaxRetries)
	v.SetDefault("worker.backoff.base", def.Worker.Backoff.Base)
	v.SetDefault("worker.backoff.max", def.Worker.Backoff.Max)
	v.SetDefault("worker.breaker_pause", def.Worker.BreakerPause)

	v.SetDefault("parser.max_bytes", def.Parser.MaxBytes)
	v.SetDefault("parser.max_rows", def.Parser.MaxRows)

	v.SetDefault("circuit_breaker.failure_threshold", def.CircuitBreaker.FailureThreshold)
	v.SetDefault("circuit_breaker.window", def.CircuitBreaker.Window)
	v.SetDefault("circuit_breaker.cooldown_period", def.CircuitBreaker.CooldownPeriod)
	v.SetDefault("circuit_breaker.min_samples", def.CircuitBreaker.MinSamples)

	v.SetDefault("clickhouse.enabled", def.ClickHouse.Enabled)
	v.SetDefault("clickhouse.table", def.ClickHouse.Table)

	v.SetDefault("event_bus.enabled", def.EventBus.Enabled)
	v.SetDefault("event_bus.subject", def.EventBus.Subject)

	v.SetDefault("observability.metrics_port", def.Observability.MetricsPort)
	v.SetDefault("observability.log_level", def.Observability.LogLevel)
	v.SetDefault("observability.tracing.enabled", def.Observability.Tracing.Enabled)
	v.SetDefault("observability.tracing.sample_ratio", def.Observability.Tracing.SampleRatio)

	v.SetDefault("http.addr", def.HTTP.Addr)
	v.SetDefault("http.read_timeout", def.HTTP.ReadTimeout)
	v.SetDefault("http.write_timeout", def.HTTP.WriteTimeout)
	v.SetDefault("http.shutdown_timeout", def.HTTP.ShutdownTimeout)
	v.SetDefault("http.max_upload_bytes", def.HTTP.MaxUploadBytes)
}

// Validate checks config constraints and returns an error on invalid settings.
func Validate(cfg *Config) error {
	switch cfg.Role {
	case "api", "worker", "all":
	default:
		return fmt.Errorf("role must be one of api|worker|all, got %q", cfg.Role)
	}
	if cfg.Worker.Count < 1 {
		return fmt.Errorf("worker.count must be >= 1")
	}
	if cfg.Broker.HeartbeatTTL < 5*time.Second {
		return fmt.Errorf("broker.heartbeat_ttl must be >= 5s")
	}
	if cfg.Broker.BRPopLPushTimeout <= 0 || cfg.Broker.BRPopLPushTimeout > cfg.Broker.HeartbeatTTL/2 {
		return fmt.Errorf("broker.brpoplpush_timeout must be >0 and <= heartbeat_ttl/2")
	}
	if cfg.Parser.MaxBytes <= 0 {
		return fmt.Errorf("parser.max_bytes must be > 0")
	}
	if cfg.Parser.MaxRows <= 0 {
		return fmt.Errorf("parser.max_rows must be > 0")
	}
	if cfg.Observability.MetricsPort <= 0 || cfg.Observability.MetricsPort > 65535 {
		return fmt.Errorf("observability.metrics_port must be 1..65535")
	}
	if cfg.ObjectStore.UploadsBucket == "" || cfg.ObjectStore.ReportsBucket == "" {
		return fmt.Errorf("object_store.uploads_bucket and reports_bucket must be set")
	}
	return nil
}
