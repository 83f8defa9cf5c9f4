// Package redis persists checkpoints in Redis, one string key per checkpoint.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dapr/kit/logger"
	goredis "github.com/redis/go-redis/v9"

	"github.com/shogotsuneto/go-resumable"
)

var log = logger.NewLogger("resumable.redis")

// DefaultKeyPrefix is prepended to checkpoint keys when Config.KeyPrefix is empty.
const DefaultKeyPrefix = "resumable:checkpoint:"

// Config holds the configuration for the Redis checkpoint store.
type Config struct {
	Addr     string
	Password string
	DB       int

	// KeyPrefix namespaces checkpoint keys (default: "resumable:checkpoint:").
	KeyPrefix string

	// TTL expires checkpoints that have not been saved for this long. Zero keeps them forever.
	TTL time.Duration
}

// client is the subset of go-redis commands the store issues.
type client interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *goredis.StatusCmd
	Get(ctx context.Context, key string) *goredis.StringCmd
	Del(ctx context.Context, keys ...string) *goredis.IntCmd
	Close() error
}

// Compile-time interface compliance check
var _ resumable.CheckpointStore = (*CheckpointStore)(nil)

// CheckpointStore is a Redis implementation of resumable.CheckpointStore.
type CheckpointStore struct {
	client client
	prefix string
	ttl    time.Duration
}

// NewCheckpointStore connects to Redis and verifies the connection with PING.
func NewCheckpointStore(ctx context.Context, config Config) (*CheckpointStore, error) {
	c := goredis.NewClient(&goredis.Options{
		Addr:     config.Addr,
		Password: config.Password,
		DB:       config.DB,
	})
	if err := c.Ping(ctx).Err(); err != nil {
		c.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", config.Addr, err)
	}
	log.Debugf("Connected to redis at %s (db %d)", config.Addr, config.DB)
	return newCheckpointStore(c, config), nil
}

// NewCheckpointStoreFromClient wraps an existing client, e.g. a cluster or sentinel client.
func NewCheckpointStoreFromClient(c goredis.UniversalClient, config Config) *CheckpointStore {
	return newCheckpointStore(c, config)
}

func newCheckpointStore(c client, config Config) *CheckpointStore {
	prefix := config.KeyPrefix
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return &CheckpointStore{client: c, prefix: prefix, ttl: config.TTL}
}

func (s *CheckpointStore) key(key string) string {
	return s.prefix + key
}

// Save stores data under key, replacing any previous value and refreshing the TTL.
func (s *CheckpointStore) Save(ctx context.Context, key string, data []byte) error {
	if key == "" {
		return fmt.Errorf("checkpoint key must not be empty")
	}
	if err := s.client.Set(ctx, s.key(key), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("failed to save checkpoint %q: %w", key, err)
	}
	return nil
}

// Load returns the data stored under key.
func (s *CheckpointStore) Load(ctx context.Context, key string) ([]byte, error) {
	data, err := s.client.Get(ctx, s.key(key)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, resumable.ErrCheckpointNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoint %q: %w", key, err)
	}
	return data, nil
}

// Delete removes the checkpoint stored under key.
func (s *CheckpointStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.key(key)).Err(); err != nil {
		return fmt.Errorf("failed to delete checkpoint %q: %w", key, err)
	}
	return nil
}

// Close closes the underlying client.
func (s *CheckpointStore) Close() error {
	return s.client.Close()
}
