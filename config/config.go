// Package config reads RESUMABLE_* environment variables into component configurations.
package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"

	"github.com/shogotsuneto/go-resumable/changefeed"
	"github.com/shogotsuneto/go-resumable/lro"
	"github.com/shogotsuneto/go-resumable/minio"
	"github.com/shogotsuneto/go-resumable/postgres"
	"github.com/shogotsuneto/go-resumable/redis"
	"github.com/shogotsuneto/go-resumable/transport"
)

// Prefix is prepended to every environment variable name.
const Prefix = "RESUMABLE"

// Checkpoint backends.
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
)

// Config is the environment configuration, e.g. RESUMABLE_TRANSPORT_MAX_RETRIES or
// RESUMABLE_POSTGRES_CONNECTION_STRING.
type Config struct {
	Transport  TransportConfig  `envconfig:"TRANSPORT"`
	LRO        LROConfig        `envconfig:"LRO"`
	Feed       FeedConfig       `envconfig:"FEED"`
	Checkpoint CheckpointConfig `envconfig:"CHECKPOINT"`
	Postgres   PostgresConfig   `envconfig:"POSTGRES"`
	Redis      RedisConfig      `envconfig:"REDIS"`
	Minio      MinioConfig      `envconfig:"MINIO"`

	// MetricsAddr serves /metrics when set, e.g. ":9090".
	MetricsAddr string `envconfig:"METRICS_ADDR"`
}

type TransportConfig struct {
	Timeout       time.Duration `envconfig:"TIMEOUT"`
	MaxRetries    int           `envconfig:"MAX_RETRIES"`
	RetryDelay    time.Duration `envconfig:"RETRY_DELAY"`
	MaxRetryDelay time.Duration `envconfig:"MAX_RETRY_DELAY"`
	RateLimit     float64       `envconfig:"RATE_LIMIT"`
	RateBurst     int           `envconfig:"RATE_BURST"`
	UserAgent     string        `envconfig:"USER_AGENT"`
	Token         string        `envconfig:"TOKEN"`
}

type LROConfig struct {
	PollInterval    time.Duration `envconfig:"POLL_INTERVAL"`
	MaxPollInterval time.Duration `envconfig:"MAX_POLL_INTERVAL"`
}

type FeedConfig struct {
	// Prefix is listed to discover shards.
	Prefix          string `envconfig:"PREFIX"`
	OpenConcurrency int    `envconfig:"OPEN_CONCURRENCY"`
	CheckpointKey   string `envconfig:"CHECKPOINT_KEY"`
}

type CheckpointConfig struct {
	Backend string `envconfig:"BACKEND"`
}

type PostgresConfig struct {
	ConnectionString string `envconfig:"CONNECTION_STRING"`
	TableName        string `envconfig:"TABLE_NAME"`
}

type RedisConfig struct {
	Addr      string        `envconfig:"ADDR"`
	Password  string        `envconfig:"PASSWORD"`
	DB        int           `envconfig:"DB"`
	KeyPrefix string        `envconfig:"KEY_PREFIX"`
	TTL       time.Duration `envconfig:"TTL"`
}

type MinioConfig struct {
	Endpoint        string `envconfig:"ENDPOINT"`
	AccessKeyID     string `envconfig:"ACCESS_KEY_ID"`
	SecretAccessKey string `envconfig:"SECRET_ACCESS_KEY"`
	Region          string `envconfig:"REGION"`
	Bucket          string `envconfig:"BUCKET"`
	UseSSL          bool   `envconfig:"USE_SSL"`
}

// NewConfigWithDefaults returns a Config object with default values already
// applied. Callers are then free to set custom values for the remaining fields
// and/or override default values.
func NewConfigWithDefaults() Config {
	tc := transport.DefaultConfig()
	return Config{
		Transport: TransportConfig{
			Timeout:       tc.Timeout,
			MaxRetries:    tc.MaxRetries,
			RetryDelay:    tc.RetryDelay,
			MaxRetryDelay: tc.MaxRetryDelay,
			RateBurst:     tc.RateBurst,
			UserAgent:     tc.UserAgent,
		},
		LRO: LROConfig{
			PollInterval:    lro.DefaultPollInterval,
			MaxPollInterval: lro.DefaultMaxPollInterval,
		},
		Feed: FeedConfig{
			OpenConcurrency: 1,
			CheckpointKey:   "changefeed",
		},
		Checkpoint: CheckpointConfig{Backend: BackendMemory},
		Postgres:   PostgresConfig{TableName: postgres.DefaultTableName},
		Redis:      RedisConfig{Addr: "localhost:6379", KeyPrefix: redis.DefaultKeyPrefix},
	}
}

// Load returns the configuration derived from environment variables.
func Load() (Config, error) {
	c := NewConfigWithDefaults()
	if err := envconfig.Process(Prefix, &c); err != nil {
		return c, fmt.Errorf("read environment: %w", err)
	}
	return c, c.Validate()
}

// Validate checks that the selected checkpoint backend is configured.
func (c Config) Validate() error {
	switch c.Checkpoint.Backend {
	case BackendMemory:
	case BackendPostgres:
		if c.Postgres.ConnectionString == "" {
			return fmt.Errorf("%s_POSTGRES_CONNECTION_STRING is required for the postgres checkpoint backend", Prefix)
		}
	case BackendRedis:
		if c.Redis.Addr == "" {
			return fmt.Errorf("%s_REDIS_ADDR is required for the redis checkpoint backend", Prefix)
		}
	default:
		return fmt.Errorf("unknown checkpoint backend %q", c.Checkpoint.Backend)
	}
	if c.Feed.OpenConcurrency < 0 {
		return fmt.Errorf("feed open concurrency must not be negative")
	}
	return nil
}

// TransportConfig converts the transport section. Token is applied separately as an authorizer.
func (c Config) TransportConfig() *transport.Config {
	return &transport.Config{
		Timeout:       c.Transport.Timeout,
		MaxRetries:    c.Transport.MaxRetries,
		RetryDelay:    c.Transport.RetryDelay,
		MaxRetryDelay: c.Transport.MaxRetryDelay,
		RateLimit:     c.Transport.RateLimit,
		RateBurst:     c.Transport.RateBurst,
		UserAgent:     c.Transport.UserAgent,
	}
}

func (c Config) EngineOptions() *lro.EngineOptions {
	return &lro.EngineOptions{
		PollInterval:    c.LRO.PollInterval,
		MaxPollInterval: c.LRO.MaxPollInterval,
	}
}

func (c Config) WalkerOptions() *changefeed.WalkerOptions {
	return &changefeed.WalkerOptions{OpenConcurrency: c.Feed.OpenConcurrency}
}

func (c Config) PostgresConfig() postgres.Config {
	return postgres.Config{
		ConnectionString: c.Postgres.ConnectionString,
		TableName:        c.Postgres.TableName,
	}
}

func (c Config) RedisConfig() redis.Config {
	return redis.Config{
		Addr:      c.Redis.Addr,
		Password:  c.Redis.Password,
		DB:        c.Redis.DB,
		KeyPrefix: c.Redis.KeyPrefix,
		TTL:       c.Redis.TTL,
	}
}

func (c Config) MinioConfig() minio.Config {
	return minio.Config{
		Endpoint:        c.Minio.Endpoint,
		AccessKeyID:     c.Minio.AccessKeyID,
		SecretAccessKey: c.Minio.SecretAccessKey,
		Region:          c.Minio.Region,
		Bucket:          c.Minio.Bucket,
		UseSSL:          c.Minio.UseSSL,
	}
}
