// Package postgres persists checkpoints (change feed cursors, operation resume tokens) in PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/dapr/kit/logger"
	_ "github.com/lib/pq" // PostgreSQL driver
)

var log = logger.NewLogger("resumable.postgres")

// DefaultTableName is used when Config.TableName is empty.
const DefaultTableName = "checkpoints"

// Config holds the configuration for the PostgreSQL checkpoint store.
type Config struct {
	ConnectionString string
	TableName        string
}

// quoteIdentifier quotes a PostgreSQL identifier, doubling embedded quotes.
func quoteIdentifier(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// openDB opens and pings a connection pool.
func openDB(ctx context.Context, connectionString string) (*sql.DB, error) {
	db, err := sql.Open("postgres", connectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to open database connection: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return db, nil
}

func schemaQuery(tableName string) string {
	return fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS %s (
		checkpoint_key VARCHAR(512) PRIMARY KEY,
		data BYTEA NOT NULL,
		updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
	);
	`, quoteIdentifier(tableName))
}

// InitSchema creates the checkpoint table if it doesn't exist.
func InitSchema(ctx context.Context, db *sql.DB, tableName string) error {
	if tableName == "" {
		return fmt.Errorf("table name must not be empty")
	}
	if _, err := db.ExecContext(ctx, schemaQuery(tableName)); err != nil {
		return fmt.Errorf("failed to create table %s: %w", tableName, err)
	}
	log.Debugf("Checkpoint table %s ready", tableName)
	return nil
}
