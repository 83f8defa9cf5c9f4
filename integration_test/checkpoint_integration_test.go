//go:build integration
// +build integration

package integration_test

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/shogotsuneto/go-resumable"
	"github.com/shogotsuneto/go-resumable/postgres"
	"github.com/shogotsuneto/go-resumable/redis"
)

func databaseURL() string {
	if url := os.Getenv("TEST_DATABASE_URL"); url != "" {
		return url
	}
	return "host=localhost port=5432 user=test password=test dbname=resumable_test sslmode=disable"
}

func redisAddr() string {
	if addr := os.Getenv("TEST_REDIS_ADDR"); addr != "" {
		return addr
	}
	return "localhost:6379"
}

func setupPostgresStore(t *testing.T, tableName string) *postgres.CheckpointStore {
	t.Helper()
	ctx := context.Background()

	db, err := sql.Open("postgres", databaseURL())
	if err != nil {
		t.Fatalf("Failed to connect to database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if err := postgres.InitSchema(ctx, db, tableName); err != nil {
		t.Fatalf("Failed to initialize schema: %v", err)
	}
	if _, err := db.Exec(`DELETE FROM "` + tableName + `"`); err != nil {
		t.Fatalf("Failed to clean up test data: %v", err)
	}

	store, err := postgres.NewCheckpointStore(ctx, postgres.Config{ConnectionString: databaseURL(), TableName: tableName})
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func setupRedisStore(t *testing.T) *redis.CheckpointStore {
	t.Helper()
	store, err := redis.NewCheckpointStore(context.Background(), redis.Config{
		Addr:      redisAddr(),
		KeyPrefix: "resumable-it:" + t.Name() + ":",
		TTL:       time.Minute,
	})
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

// exerciseCheckpointStore checks the behavior every CheckpointStore shares.
func exerciseCheckpointStore(t *testing.T, store resumable.CheckpointStore) {
	ctx := context.Background()

	if _, err := store.Load(ctx, "missing"); !errors.Is(err, resumable.ErrCheckpointNotFound) {
		t.Fatalf("Expected ErrCheckpointNotFound, got %v", err)
	}

	if err := store.Save(ctx, "token", []byte("v1")); err != nil {
		t.Fatalf("Failed to save: %v", err)
	}
	if err := store.Save(ctx, "token", []byte("v2")); err != nil {
		t.Fatalf("Failed to overwrite: %v", err)
	}
	data, err := store.Load(ctx, "token")
	if err != nil {
		t.Fatalf("Failed to load: %v", err)
	}
	if string(data) != "v2" {
		t.Errorf("Expected v2, got %q", data)
	}

	cursor := resumable.Cursor{ShardPath: "log/00/", ChunkPath: "log/00/2024/chunk0", BlockOffset: 4096, EventIndex: 2}
	if err := resumable.SaveCursor(ctx, store, "cursor", cursor); err != nil {
		t.Fatalf("Failed to save cursor: %v", err)
	}
	got, err := resumable.LoadCursor(ctx, store, "cursor")
	if err != nil {
		t.Fatalf("Failed to load cursor: %v", err)
	}
	if got == nil || *got != cursor {
		t.Errorf("Expected cursor %+v, got %+v", cursor, got)
	}

	if err := store.Delete(ctx, "token"); err != nil {
		t.Fatalf("Failed to delete: %v", err)
	}
	if _, err := store.Load(ctx, "token"); !errors.Is(err, resumable.ErrCheckpointNotFound) {
		t.Errorf("Expected ErrCheckpointNotFound after delete, got %v", err)
	}
	if err := store.Delete(ctx, "token"); err != nil {
		t.Errorf("Deleting a missing key should succeed, got %v", err)
	}
}

func TestPostgresCheckpointStore(t *testing.T) {
	exerciseCheckpointStore(t, setupPostgresStore(t, "it_checkpoints"))
}

func TestPostgresCheckpointStore_CustomTableName(t *testing.T) {
	exerciseCheckpointStore(t, setupPostgresStore(t, "it custom checkpoints"))
}

func TestPostgresCheckpointStore_SeparateTables(t *testing.T) {
	ctx := context.Background()
	a := setupPostgresStore(t, "it_checkpoints_a")
	b := setupPostgresStore(t, "it_checkpoints_b")

	if err := a.Save(ctx, "k", []byte("a")); err != nil {
		t.Fatalf("Failed to save: %v", err)
	}
	if _, err := b.Load(ctx, "k"); !errors.Is(err, resumable.ErrCheckpointNotFound) {
		t.Errorf("Expected the key to be absent from the other table, got %v", err)
	}
}

func TestRedisCheckpointStore(t *testing.T) {
	exerciseCheckpointStore(t, setupRedisStore(t))
}
