// Package store is the authoritative in-process entity store for agents,
// tasks and logs. Writes are serialized through Update, reads see a
// consistent snapshot through View, and every commit is reported to a
// CommitHook together with the set of index ranges it touched.
package store

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/bizmatters/agent-builder/fleet-telemetry/internal/clock"
	"github.com/bizmatters/agent-builder/fleet-telemetry/internal/models"
)

// Record pairs a persisted row with its creation sequence number.
type Record[T any] struct {
	Seq uint64
	Row T
}

// Snapshot is the full durable state handed back by a Persister on startup.
type Snapshot struct {
	Agents []Record[models.Agent]
	Tasks  []Record[models.Task]
	Logs   []Record[models.Log]
}

// Persister makes commits durable. Apply runs inside the writer lock before
// the commit becomes visible; an error rolls the transaction back.
type Persister interface {
	Load(ctx context.Context) (*Snapshot, error)
	Apply(ctx context.Context, commit *Commit) error
	Ping(ctx context.Context) error
	Close() error
}

// CommitHook observes every commit in commit order. OnCommit runs while the
// writer lock is held, so r reflects exactly the state after c and nothing
// later. Implementations must not block on I/O.
type CommitHook interface {
	OnCommit(c *Commit, r *Reader)
}

// Options configures Open
type Options struct {
	Clock     clock.Clock
	Persister Persister
	Logger    *slog.Logger
}

// Store holds the agents, tasks and logs tables.
type Store struct {
	mu sync.RWMutex

	clock     clock.Clock
	persister Persister
	hook      CommitHook
	logger    *slog.Logger

	agents *table[models.Agent]
	tasks  *table[models.Task]
	logs   *table[models.Log]

	seq    uint64
	rowSeq uint64
	lastTS int64
}

// Open builds the tables and, when a persister is configured, hydrates
// them from its snapshot.
func Open(ctx context.Context, opts Options) (*Store, error) {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	s := &Store{
		clock:     opts.Clock,
		persister: opts.Persister,
		logger:    opts.Logger,
		agents: newTable(TableAgents, func(a models.Agent) models.Agent { return a }).
			withIndex(IndexBySlug, true, func(a *models.Agent) (string, bool) { return a.Slug, true }),
		tasks: newTable(TableTasks, models.Task.Clone).
			withIndex(IndexByAgent, false, func(t *models.Task) (string, bool) { return t.AgentID, true }).
			withIndex(IndexByStatus, false, func(t *models.Task) (string, bool) { return string(t.Status), true }),
		logs: newTable(TableLogs, models.Log.Clone).
			withIndex(IndexByAgent, false, func(l *models.Log) (string, bool) { return l.AgentID, true }).
			withIndex(IndexByTask, false, func(l *models.Log) (string, bool) {
				if l.TaskID == nil {
					return "", false
				}
				return *l.TaskID, true
			}),
	}

	if s.persister != nil {
		snap, err := s.persister.Load(ctx)
		if err != nil {
			return nil, fmt.Errorf("load snapshot: %w", err)
		}
		if err := s.hydrate(snap); err != nil {
			return nil, fmt.Errorf("hydrate store: %w", err)
		}
		s.logger.Info("store hydrated",
			"agents", s.agents.count(),
			"tasks", s.tasks.count(),
			"logs", s.logs.count(),
		)
	}
	return s, nil
}

func (s *Store) hydrate(snap *Snapshot) error {
	if snap == nil {
		return nil
	}
	for _, r := range snap.Agents {
		if err := s.agents.insert(r.Seq, r.Row.ID, r.Row); err != nil {
			return err
		}
		s.observe(r.Seq, r.Row.LastSeen)
	}
	for _, r := range snap.Tasks {
		if err := s.tasks.insert(r.Seq, r.Row.ID, r.Row.Clone()); err != nil {
			return err
		}
		s.observe(r.Seq, r.Row.StartedAt)
		if r.Row.CompletedAt != nil {
			s.observe(r.Seq, *r.Row.CompletedAt)
		}
	}
	for _, r := range snap.Logs {
		if err := s.logs.insert(r.Seq, r.Row.ID, r.Row.Clone()); err != nil {
			return err
		}
		s.observe(r.Seq, r.Row.Timestamp)
	}
	return nil
}

func (s *Store) observe(seq uint64, ts int64) {
	if seq > s.rowSeq {
		s.rowSeq = seq
	}
	if ts > s.lastTS {
		s.lastTS = ts
	}
}

// SetCommitHook installs the observer notified after every commit.
func (s *Store) SetCommitHook(h CommitHook) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hook = h
}

// Clock returns the time source the store stamps writes with.
func (s *Store) Clock() clock.Clock {
	return s.clock
}

// Persister returns the durable backend, or nil for an in-memory store.
func (s *Store) Persister() Persister {
	return s.persister
}

// Ping checks the persister, if any.
func (s *Store) Ping(ctx context.Context) error {
	if s.persister == nil {
		return nil
	}
	return s.persister.Ping(ctx)
}

// Close releases the persister.
func (s *Store) Close() error {
	if s.persister == nil {
		return nil
	}
	return s.persister.Close()
}

// nextTimestamp returns a wall-clock millisecond strictly greater than
// that of every earlier commit.
func (s *Store) nextTimestamp() int64 {
	ts := s.clock.Now().UnixMilli()
	if ts <= s.lastTS {
		ts = s.lastTS + 1
	}
	return ts
}

// Update runs fn as one serializable transaction. If fn returns an error,
// panics, violates a unique index, or the persister rejects the commit,
// every write made by fn is undone and no reader ever observes it.
// A transaction that writes nothing returns a nil Commit.
func (s *Store) Update(ctx context.Context, fn func(tx *Tx) error) (commit *Commit, err error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &Tx{s: s, ts: s.nextTimestamp()}
	tx.Reader = &Reader{s: s}

	defer func() {
		if r := recover(); r != nil {
			tx.rollback()
			panic(r)
		}
	}()

	if err := fn(tx); err != nil {
		tx.rollback()
		return nil, err
	}
	if len(tx.changes) == 0 {
		return nil, nil
	}

	c := &Commit{
		Seq:       s.seq + 1,
		Timestamp: tx.ts,
		Changes:   tx.changes,
	}
	if s.persister != nil {
		if err := s.persister.Apply(ctx, c); err != nil {
			tx.rollback()
			s.logger.Error("commit rejected by persister", "seq", c.Seq, "error", err)
			return nil, fmt.Errorf("persist commit %d: %w", c.Seq, err)
		}
	}

	s.seq = c.Seq
	s.lastTS = tx.ts
	if s.hook != nil {
		s.hook.OnCommit(c, &Reader{s: s})
	}
	return c, nil
}

// View runs fn against a consistent snapshot. Pass a non-nil ReadSet to
// record every range fn touches.
func (s *Store) View(ctx context.Context, rs ReadSet, fn func(r *Reader) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fn(&Reader{s: s, rs: rs})
}

// Seq returns the sequence number of the latest commit.
func (s *Store) Seq() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.seq
}
