package persistence

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/bizmatters/agent-builder/fleet-telemetry/internal/store"
)

// SQLite persists commits to a single SQLite file.
type SQLite struct {
	db     *sql.DB
	tracer trace.Tracer
}

// NewSQLite opens path in WAL mode and creates the schema if missing.
func NewSQLite(ctx context.Context, path string) (*SQLite, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One writer at a time; the store already serializes commits.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrate sqlite: %w", err)
		}
	}
	return &SQLite{db: db, tracer: otel.Tracer("persistence-sqlite")}, nil
}

// Load reads every row in creation order.
func (s *SQLite) Load(ctx context.Context) (*store.Snapshot, error) {
	ctx, span := s.tracer.Start(ctx, "sqlite.load")
	defer span.End()

	snap := &store.Snapshot{}
	var err error

	if snap.Agents, err = loadSQL(ctx, s.db, selectAgents, scanAgents); err != nil {
		return nil, err
	}
	if snap.Tasks, err = loadSQL(ctx, s.db, selectTasks, scanTasks); err != nil {
		return nil, err
	}
	if snap.Logs, err = loadSQL(ctx, s.db, selectLogs, scanLogs); err != nil {
		return nil, err
	}

	span.SetAttributes(
		attribute.Int("agents", len(snap.Agents)),
		attribute.Int("tasks", len(snap.Tasks)),
		attribute.Int("logs", len(snap.Logs)),
	)
	return snap, nil
}

func loadSQL[T any](ctx context.Context, db *sql.DB, query string, scan func(rows) ([]T, error)) ([]T, error) {
	rs, err := db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer rs.Close()
	return scan(rs)
}

// Apply writes all changes of c in one transaction.
func (s *SQLite) Apply(ctx context.Context, c *store.Commit) error {
	ctx, span := s.tracer.Start(ctx, "sqlite.apply")
	defer span.End()
	span.SetAttributes(attribute.Int64("commit.seq", int64(c.Seq)), attribute.Int("commit.changes", len(c.Changes)))

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	for _, ch := range c.Changes {
		stmt, args, err := statement(ch)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, stmt, args...); err != nil {
			span.RecordError(err)
			return fmt.Errorf("write %s %s: %w", ch.Table, ch.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		span.RecordError(err)
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Ping checks the database handle.
func (s *SQLite) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database.
func (s *SQLite) Close() error {
	return s.db.Close()
}
