package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/shogotsuneto/go-resumable"
)

// Compile-time interface compliance check
var _ resumable.CheckpointStore = (*CheckpointStore)(nil)

// CheckpointStore is a PostgreSQL implementation of resumable.CheckpointStore.
type CheckpointStore struct {
	db        *sql.DB
	tableName string
	ownsDB    bool
}

// NewCheckpointStore opens a connection pool and returns a store on config.TableName.
// Call InitSchema before first use if the table may not exist.
func NewCheckpointStore(ctx context.Context, config Config) (*CheckpointStore, error) {
	tableName := config.TableName
	if tableName == "" {
		tableName = DefaultTableName
	}

	db, err := openDB(ctx, config.ConnectionString)
	if err != nil {
		return nil, err
	}
	return &CheckpointStore{db: db, tableName: tableName, ownsDB: true}, nil
}

// NewCheckpointStoreFromDB returns a store that uses an existing connection pool.
// Close leaves db open.
func NewCheckpointStoreFromDB(db *sql.DB, tableName string) (*CheckpointStore, error) {
	if tableName == "" {
		return nil, fmt.Errorf("table name must not be empty")
	}
	return &CheckpointStore{db: db, tableName: tableName}, nil
}

// InitSchema creates the store's table if it doesn't exist.
func (s *CheckpointStore) InitSchema(ctx context.Context) error {
	return InitSchema(ctx, s.db, s.tableName)
}

// Close closes the connection pool if the store opened it.
func (s *CheckpointStore) Close() error {
	if !s.ownsDB {
		return nil
	}
	return s.db.Close()
}

func (s *CheckpointStore) saveQuery() string {
	return fmt.Sprintf(`
		INSERT INTO %s (checkpoint_key, data, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (checkpoint_key) DO UPDATE SET data = EXCLUDED.data, updated_at = EXCLUDED.updated_at
	`, quoteIdentifier(s.tableName))
}

func (s *CheckpointStore) loadQuery() string {
	return fmt.Sprintf("SELECT data FROM %s WHERE checkpoint_key = $1", quoteIdentifier(s.tableName))
}

func (s *CheckpointStore) deleteQuery() string {
	return fmt.Sprintf("DELETE FROM %s WHERE checkpoint_key = $1", quoteIdentifier(s.tableName))
}

// Save stores data under key, replacing any previous value.
func (s *CheckpointStore) Save(ctx context.Context, key string, data []byte) error {
	if key == "" {
		return fmt.Errorf("checkpoint key must not be empty")
	}
	if data == nil {
		data = []byte{}
	}
	if _, err := s.db.ExecContext(ctx, s.saveQuery(), key, data); err != nil {
		return fmt.Errorf("failed to save checkpoint %q: %w", key, err)
	}
	return nil
}

// Load returns the data stored under key.
func (s *CheckpointStore) Load(ctx context.Context, key string) ([]byte, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, s.loadQuery(), key).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, resumable.ErrCheckpointNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoint %q: %w", key, err)
	}
	return data, nil
}

// Delete removes the checkpoint stored under key.
func (s *CheckpointStore) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, s.deleteQuery(), key); err != nil {
		return fmt.Errorf("failed to delete checkpoint %q: %w", key, err)
	}
	return nil
}
