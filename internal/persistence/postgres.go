package persistence

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/bizmatters/agent-builder/fleet-telemetry/internal/store"
)

// Postgres persists commits to PostgreSQL through a pgx pool.
type Postgres struct {
	pool   *pgxpool.Pool
	tracer trace.Tracer
}

// ConnectPostgres opens a pool, retrying while the database comes up.
func ConnectPostgres(ctx context.Context, url string, attempts int, wait time.Duration, logger *slog.Logger) (*pgxpool.Pool, error) {
	if attempts < 1 {
		attempts = 1
	}

	var (
		pool *pgxpool.Pool
		err  error
	)
	for i := 0; i < attempts; i++ {
		pool, err = pgxpool.New(ctx, url)
		if err == nil {
			err = pool.Ping(ctx)
			if err == nil {
				return pool, nil
			}
			pool.Close()
		}
		logger.Warn("waiting for database", "attempt", i+1, "attempts", attempts, "error", err)

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
	}
	return nil, fmt.Errorf("connect to postgres after %d attempts: %w", attempts, err)
}

// NewPostgres wraps pool and creates the schema if it is missing.
func NewPostgres(ctx context.Context, pool *pgxpool.Pool) (*Postgres, error) {
	for _, stmt := range schema {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return nil, fmt.Errorf("migrate postgres: %w", err)
		}
	}
	return &Postgres{pool: pool, tracer: otel.Tracer("persistence-postgres")}, nil
}

// Load reads every row in creation order.
func (p *Postgres) Load(ctx context.Context) (*store.Snapshot, error) {
	ctx, span := p.tracer.Start(ctx, "postgres.load")
	defer span.End()

	snap := &store.Snapshot{}
	var err error

	if snap.Agents, err = loadPG(ctx, p.pool, selectAgents, scanAgents); err != nil {
		return nil, err
	}
	if snap.Tasks, err = loadPG(ctx, p.pool, selectTasks, scanTasks); err != nil {
		return nil, err
	}
	if snap.Logs, err = loadPG(ctx, p.pool, selectLogs, scanLogs); err != nil {
		return nil, err
	}

	span.SetAttributes(
		attribute.Int("agents", len(snap.Agents)),
		attribute.Int("tasks", len(snap.Tasks)),
		attribute.Int("logs", len(snap.Logs)),
	)
	return snap, nil
}

func loadPG[T any](ctx context.Context, pool *pgxpool.Pool, query string, scan func(rows) ([]T, error)) ([]T, error) {
	rs, err := pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer rs.Close()
	return scan(rs)
}

// Apply writes all changes of c in one database transaction.
func (p *Postgres) Apply(ctx context.Context, c *store.Commit) error {
	ctx, span := p.tracer.Start(ctx, "postgres.apply")
	defer span.End()
	span.SetAttributes(attribute.Int64("commit.seq", int64(c.Seq)), attribute.Int("commit.changes", len(c.Changes)))

	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, ch := range c.Changes {
		stmt, args, err := statement(ch)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, numbered(stmt), args...); err != nil {
			span.RecordError(err)
			return fmt.Errorf("write %s %s: %w", ch.Table, ch.ID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Ping checks the pool.
func (p *Postgres) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

// Close releases the pool.
func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}
