// Package integration runs the whole service against real storage.
package integration

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/bizmatters/agent-builder/fleet-telemetry/internal/persistence"
	"github.com/bizmatters/agent-builder/fleet-telemetry/internal/store"
)

// Backend opens a durable persister for one test run.
type Backend struct {
	Name string
	Open func(t *testing.T) store.Persister
}

// SQLiteBackend persists to a file in the test's temp dir. Every Open of
// the same Backend reuses that file, so reopening replays earlier runs.
func SQLiteBackend(t *testing.T) Backend {
	path := filepath.Join(t.TempDir(), "fleet.db")
	return Backend{
		Name: "sqlite",
		Open: func(t *testing.T) store.Persister {
			t.Helper()
			p, err := persistence.Open(context.Background(), persistence.Options{
				Driver:     persistence.DriverSQLite,
				SQLitePath: path,
			}, slog.New(slog.NewTextHandler(io.Discard, nil)))
			if err != nil {
				t.Fatalf("Failed to open sqlite: %v", err)
			}
			return p
		},
	}
}
