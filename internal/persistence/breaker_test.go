package persistence

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bizmatters/agent-builder/fleet-telemetry/internal/store"
)

type flakyPersister struct {
	fail  error
	calls int
}

func (p *flakyPersister) Load(context.Context) (*store.Snapshot, error) { return &store.Snapshot{}, nil }
func (p *flakyPersister) Apply(context.Context, *store.Commit) error {
	p.calls++
	return p.fail
}
func (p *flakyPersister) Ping(context.Context) error { return p.fail }
func (p *flakyPersister) Close() error               { return nil }

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestBreaker(t *testing.T) {
	ctx := context.Background()
	commit := &store.Commit{Seq: 1}

	t.Run("passes through while closed", func(t *testing.T) {
		next := &flakyPersister{}
		b := NewBreaker(next, "test", BreakerSettings{}, quietLogger())

		require.NoError(t, b.Apply(ctx, commit))
		require.NoError(t, b.Ping(ctx))
		assert.Equal(t, 1, next.calls)
		assert.Equal(t, "closed", b.State())
	})

	t.Run("opens after consecutive failures", func(t *testing.T) {
		boom := errors.New("connection refused")
		next := &flakyPersister{fail: boom}
		b := NewBreaker(next, "test", BreakerSettings{
			MaxRequests:         1,
			Interval:            time.Minute,
			Timeout:             time.Hour,
			ConsecutiveFailures: 3,
		}, quietLogger())

		for i := 0; i < 3; i++ {
			err := b.Apply(ctx, commit)
			assert.ErrorIs(t, err, boom)
		}
		assert.Equal(t, "open", b.State())

		err := b.Apply(ctx, commit)
		assert.ErrorIs(t, err, ErrUnavailable)
		assert.Equal(t, 3, next.calls, "open breaker must not reach the backend")

		assert.ErrorIs(t, b.Ping(ctx), ErrUnavailable)
	})
}

func TestOpen(t *testing.T) {
	ctx := context.Background()

	p, err := Open(ctx, Options{Driver: DriverMemory}, quietLogger())
	require.NoError(t, err)
	assert.Nil(t, p)

	_, err = Open(ctx, Options{Driver: "cassandra"}, quietLogger())
	assert.Error(t, err)

	p, err = Open(ctx, Options{Driver: DriverSQLite, SQLitePath: t.TempDir() + "/open.db"}, quietLogger())
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.IsType(t, &Breaker{}, p)
	require.NoError(t, p.Ping(ctx))
	require.NoError(t, p.Close())
}

func TestPostgres_RoundTrip(t *testing.T) {
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	ctx := context.Background()

	pool, err := ConnectPostgres(ctx, url, 1, time.Second, quietLogger())
	require.NoError(t, err)
	for _, table := range []string{"logs", "tasks", "agents"} {
		_, _ = pool.Exec(ctx, "DROP TABLE IF EXISTS "+table)
	}

	pg, err := NewPostgres(ctx, pool)
	require.NoError(t, err)
	defer pg.Close()

	s, err := store.Open(ctx, store.Options{Persister: pg})
	require.NoError(t, err)

	var agentID string
	_, err = s.Update(ctx, func(tx *store.Tx) error {
		agentID, err = tx.InsertAgent(agentRow("tony"))
		return err
	})
	require.NoError(t, err)

	snap, err := pg.Load(ctx)
	require.NoError(t, err)
	require.Len(t, snap.Agents, 1)
	assert.Equal(t, agentID, snap.Agents[0].Row.ID)
	assert.Equal(t, "tony", snap.Agents[0].Row.Slug)
}
