package helpers

import (
	"context"
	"fmt"
	"os"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
)

// GetTestDatabasePool creates a database connection pool for testing
func GetTestDatabasePool(ctx context.Context) (*pgxpool.Pool, error) {
	config, err := pgxpool.ParseConfig(DatabaseURL())
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	// Test the connection
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return pool, nil
}

// DatabaseURL returns TEST_DATABASE_URL, or a URL assembled from the
// POSTGRES_* variables. It is empty when neither is configured.
func DatabaseURL() string {
	if url := os.Getenv("TEST_DATABASE_URL"); url != "" {
		return url
	}

	host := os.Getenv("POSTGRES_HOST")
	if host == "" {
		return ""
	}

	port := os.Getenv("POSTGRES_PORT")
	if port == "" {
		port = "5432"
	}

	user := os.Getenv("POSTGRES_USER")
	if user == "" {
		user = "postgres"
	}

	password := os.Getenv("POSTGRES_PASSWORD")
	if password == "" {
		password = "postgres"
	}

	dbname := os.Getenv("POSTGRES_DB")
	if dbname == "" {
		dbname = "fleet_telemetry_test"
	}

	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=prefer",
		user, password, host, port, dbname)
}

// TestDatabase provides database utilities for testing
type TestDatabase struct {
	Pool *pgxpool.Pool
	ctx  context.Context
}

// NewTestDatabase connects to the test database and empties the telemetry
// tables. The test is skipped when no database is configured.
func NewTestDatabase(t *testing.T) *TestDatabase {
	t.Helper()
	if DatabaseURL() == "" {
		t.Skip("TEST_DATABASE_URL or POSTGRES_HOST not set")
	}
	ctx := context.Background()

	pool, err := GetTestDatabasePool(ctx)
	if err != nil {
		t.Fatalf("Failed to create test database: %v", err)
	}

	db := &TestDatabase{
		Pool: pool,
		ctx:  ctx,
	}
	db.ResetTables(t)
	return db
}

// Close closes the database connection
func (db *TestDatabase) Close() {
	if db.Pool != nil {
		db.Pool.Close()
	}
}

// ResetTables drops the telemetry tables so the persister recreates them.
// The store replays everything it finds, so tests cannot share rows.
func (db *TestDatabase) ResetTables(t *testing.T) {
	t.Helper()
	for _, table := range []string{"logs", "tasks", "agents"} {
		if _, err := db.Pool.Exec(db.ctx, "DROP TABLE IF EXISTS "+table); err != nil {
			t.Fatalf("Failed to drop table %s: %v", table, err)
		}
	}
}

// Count returns the number of rows in table
func (db *TestDatabase) Count(t *testing.T, table string) int {
	t.Helper()
	var count int
	err := db.Pool.QueryRow(db.ctx, fmt.Sprintf("SELECT COUNT(*) FROM %s", table)).Scan(&count)
	if err != nil {
		t.Fatalf("Failed to count %s: %v", table, err)
	}
	return count
}

// TaskStatus returns the persisted status of a task
func (db *TestDatabase) TaskStatus(t *testing.T, taskID string) string {
	t.Helper()
	var status string
	if err := db.Pool.QueryRow(db.ctx, "SELECT status FROM tasks WHERE id = $1", taskID).Scan(&status); err != nil {
		t.Fatalf("Failed to read task %s: %v", taskID, err)
	}
	return status
}
