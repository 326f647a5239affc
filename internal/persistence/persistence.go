// Package persistence provides the durable backends behind the store.
package persistence

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/bizmatters/agent-builder/fleet-telemetry/internal/store"
)

// Drivers accepted by Open.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Options selects and configures a backend.
type Options struct {
	Driver      string
	DatabaseURL string
	SQLitePath  string
	// ConnectAttempts bounds the startup retry loop for PostgreSQL.
	ConnectAttempts int
	ConnectWait     time.Duration
	Breaker         BreakerSettings
}

// Open returns the configured backend wrapped in a circuit breaker. The
// memory driver returns nil: the store then keeps state in process only.
func Open(ctx context.Context, opts Options, logger *slog.Logger) (store.Persister, error) {
	var (
		p   store.Persister
		err error
	)
	switch opts.Driver {
	case DriverMemory, "":
		return nil, nil
	case DriverSQLite:
		p, err = NewSQLite(ctx, opts.SQLitePath)
	case DriverPostgres:
		pool, cerr := ConnectPostgres(ctx, opts.DatabaseURL, opts.ConnectAttempts, opts.ConnectWait, logger)
		if cerr != nil {
			return nil, cerr
		}
		p, err = NewPostgres(ctx, pool)
		if err != nil {
			pool.Close()
		}
	default:
		return nil, fmt.Errorf("unknown storage driver %q", opts.Driver)
	}
	if err != nil {
		return nil, err
	}

	logger.Info("storage backend ready", "driver", opts.Driver)
	return NewBreaker(p, opts.Driver, opts.Breaker, logger), nil
}

// BreakerState reports the circuit breaker state of a backend returned by
// Open: "closed", "half-open" or "open". The memory driver has no breaker.
func BreakerState(p store.Persister) string {
	if b, ok := p.(*Breaker); ok {
		return b.State()
	}
	return "none"
}
