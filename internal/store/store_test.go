package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bizmatters/agent-builder/fleet-telemetry/internal/clock"
	"github.com/bizmatters/agent-builder/fleet-telemetry/internal/models"
)

var epoch = time.Date(2026, 5, 4, 9, 30, 0, 0, time.UTC)

func newTestStore(t *testing.T, p Persister) (*Store, *clock.FakeClock) {
	t.Helper()
	fc := clock.Fake(epoch)
	s, err := Open(context.Background(), Options{Clock: fc, Persister: p})
	require.NoError(t, err)
	return s, fc
}

type recordingHook struct {
	mu      sync.Mutex
	commits []*Commit
	seqs    []uint64
}

func (h *recordingHook) OnCommit(c *Commit, r *Reader) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.commits = append(h.commits, c)
	h.seqs = append(h.seqs, r.Seq())
}

type fakePersister struct {
	snap    *Snapshot
	fail    error
	applied []*Commit
}

func (p *fakePersister) Load(context.Context) (*Snapshot, error) { return p.snap, nil }
func (p *fakePersister) Apply(_ context.Context, c *Commit) error {
	if p.fail != nil {
		return p.fail
	}
	p.applied = append(p.applied, c)
	return nil
}
func (p *fakePersister) Ping(context.Context) error { return nil }
func (p *fakePersister) Close() error               { return nil }

func insertAgent(t *testing.T, s *Store, slug string) string {
	t.Helper()
	var id string
	_, err := s.Update(context.Background(), func(tx *Tx) error {
		var err error
		id, err = tx.InsertAgent(models.Agent{Slug: slug, Name: slug, Status: models.AgentStatusIdle, LastSeen: tx.Now()})
		return err
	})
	require.NoError(t, err)
	return id
}

func TestStore_InsertGetPatch(t *testing.T) {
	s, _ := newTestStore(t, nil)
	ctx := context.Background()

	id := insertAgent(t, s, "tony")
	require.NotEmpty(t, id)

	running := models.AgentStatusRunning
	_, err := s.Update(ctx, func(tx *Tx) error {
		return tx.PatchAgent(id, models.AgentPatch{Status: &running})
	})
	require.NoError(t, err)

	err = s.View(ctx, nil, func(r *Reader) error {
		a, ok := r.GetAgent(id)
		require.True(t, ok)
		assert.Equal(t, models.AgentStatusRunning, a.Status)
		assert.Equal(t, "tony", a.Name)

		bySlug, ok := r.AgentBySlug("tony")
		require.True(t, ok)
		assert.Equal(t, id, bySlug.ID)

		_, ok = r.AgentBySlug("kai")
		assert.False(t, ok)
		return nil
	})
	require.NoError(t, err)
}

func TestStore_PatchMissingRow(t *testing.T) {
	s, _ := newTestStore(t, nil)

	_, err := s.Update(context.Background(), func(tx *Tx) error {
		return tx.PatchTask("missing", models.TaskPatch{})
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestStore_UniqueSlugRollsBackWholeTransaction(t *testing.T) {
	s, _ := newTestStore(t, nil)
	ctx := context.Background()
	insertAgent(t, s, "tony")

	_, err := s.Update(ctx, func(tx *Tx) error {
		if _, err := tx.InsertAgent(models.Agent{Slug: "kai"}); err != nil {
			return err
		}
		_, err := tx.InsertAgent(models.Agent{Slug: "tony"})
		return err
	})
	var uv *UniqueViolationError
	require.ErrorAs(t, err, &uv)
	assert.Equal(t, IndexBySlug, uv.Index)

	require.NoError(t, s.View(ctx, nil, func(r *Reader) error {
		_, ok := r.AgentBySlug("kai")
		assert.False(t, ok, "first insert of the failed transaction must be undone")
		assert.Len(t, r.Agents(Asc, 0), 1)
		return nil
	}))
}

func TestStore_CallbackErrorUndoesPatches(t *testing.T) {
	s, _ := newTestStore(t, nil)
	ctx := context.Background()
	agentID := insertAgent(t, s, "tony")

	var taskID string
	_, err := s.Update(ctx, func(tx *Tx) error {
		var err error
		taskID, err = tx.InsertTask(models.Task{AgentID: agentID, Title: "t", Status: models.TaskStatusRunning, StartedAt: tx.Now()})
		return err
	})
	require.NoError(t, err)

	boom := errors.New("boom")
	completed := models.TaskStatusCompleted
	_, err = s.Update(ctx, func(tx *Tx) error {
		if err := tx.PatchTask(taskID, models.TaskPatch{Status: &completed}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	require.NoError(t, s.View(ctx, nil, func(r *Reader) error {
		task, _ := r.GetTask(taskID)
		assert.Equal(t, models.TaskStatusRunning, task.Status)
		assert.Len(t, r.TasksByStatus(models.TaskStatusRunning, Asc, 0), 1)
		assert.Empty(t, r.TasksByStatus(models.TaskStatusCompleted, Asc, 0))
		return nil
	}))
}

func TestStore_PanicRollsBack(t *testing.T) {
	s, _ := newTestStore(t, nil)

	assert.Panics(t, func() {
		s.Update(context.Background(), func(tx *Tx) error {
			tx.InsertAgent(models.Agent{Slug: "ghost"})
			panic("callback bug")
		})
	})

	require.NoError(t, s.View(context.Background(), nil, func(r *Reader) error {
		assert.Empty(t, r.Agents(Asc, 0))
		return nil
	}))
}

func TestStore_StatusIndexFollowsPatches(t *testing.T) {
	s, _ := newTestStore(t, nil)
	ctx := context.Background()
	agentID := insertAgent(t, s, "tony")

	ids := make([]string, 3)
	for i := range ids {
		_, err := s.Update(ctx, func(tx *Tx) error {
			var err error
			ids[i], err = tx.InsertTask(models.Task{AgentID: agentID, Title: "t", Status: models.TaskStatusRunning, StartedAt: tx.Now()})
			return err
		})
		require.NoError(t, err)
	}

	failed := models.TaskStatusFailed
	_, err := s.Update(ctx, func(tx *Tx) error {
		return tx.PatchTask(ids[1], models.TaskPatch{Status: &failed})
	})
	require.NoError(t, err)

	require.NoError(t, s.View(ctx, nil, func(r *Reader) error {
		running := r.TasksByStatus(models.TaskStatusRunning, Asc, 0)
		require.Len(t, running, 2)
		assert.Equal(t, ids[0], running[0].ID)
		assert.Equal(t, ids[2], running[1].ID)

		failedRows := r.TasksByStatus(models.TaskStatusFailed, Asc, 0)
		require.Len(t, failedRows, 1)
		assert.Equal(t, ids[1], failedRows[0].ID)

		newest := r.TasksByAgent(agentID, Desc, 2)
		require.Len(t, newest, 2)
		assert.Equal(t, ids[2], newest[0].ID)
		assert.Equal(t, ids[1], newest[1].ID)
		return nil
	}))
}

func TestStore_TimestampsStrictlyIncrease(t *testing.T) {
	s, fc := newTestStore(t, nil)
	ctx := context.Background()

	var stamps []int64
	for i := 0; i < 3; i++ {
		c, err := s.Update(ctx, func(tx *Tx) error {
			_, err := tx.InsertAgent(models.Agent{Slug: string(rune('a' + i))})
			return err
		})
		require.NoError(t, err)
		stamps = append(stamps, c.Timestamp)
	}
	assert.Equal(t, epoch.UnixMilli(), stamps[0])
	assert.Equal(t, stamps[0]+1, stamps[1])
	assert.Equal(t, stamps[1]+1, stamps[2])

	fc.Advance(time.Minute)
	c, err := s.Update(ctx, func(tx *Tx) error {
		_, err := tx.InsertAgent(models.Agent{Slug: "late"})
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, epoch.Add(time.Minute).UnixMilli(), c.Timestamp)
}

func TestStore_CommitHookOrderAndWriteKeys(t *testing.T) {
	s, _ := newTestStore(t, nil)
	ctx := context.Background()
	hook := &recordingHook{}
	s.SetCommitHook(hook)

	agentID := insertAgent(t, s, "tony")
	var taskID string
	_, err := s.Update(ctx, func(tx *Tx) error {
		var err error
		taskID, err = tx.InsertTask(models.Task{AgentID: agentID, Title: "t", Status: models.TaskStatusRunning, StartedAt: tx.Now()})
		return err
	})
	require.NoError(t, err)

	completed := models.TaskStatusCompleted
	_, err = s.Update(ctx, func(tx *Tx) error {
		return tx.PatchTask(taskID, models.TaskPatch{Status: &completed})
	})
	require.NoError(t, err)

	c, err := s.Update(ctx, func(tx *Tx) error { return nil })
	require.NoError(t, err)
	assert.Nil(t, c, "empty transactions are not commits")

	require.Len(t, hook.commits, 3)
	assert.Equal(t, []uint64{1, 2, 3}, hook.seqs)

	ws := hook.commits[2].WriteSet()
	assert.True(t, ws.Contains(ReadKey{Table: TableTasks, Index: IndexByStatus, Key: "running"}))
	assert.True(t, ws.Contains(ReadKey{Table: TableTasks, Index: IndexByStatus, Key: "completed"}))
	assert.True(t, ws.Contains(ReadKey{Table: TableTasks, Index: IndexByAgent, Key: agentID}))
	assert.True(t, ws.Contains(ReadKey{Table: TableTasks, Index: IndexID, Key: taskID}))
	assert.False(t, ws.Contains(ReadKey{Table: TableAgents, Index: IndexAll}))
}

func TestStore_ReadSetRecording(t *testing.T) {
	s, _ := newTestStore(t, nil)
	rs := make(ReadSet)

	require.NoError(t, s.View(context.Background(), rs, func(r *Reader) error {
		r.AgentBySlug("tony")
		r.LogsByAgent("a1", Desc, 50)
		return nil
	}))

	assert.Equal(t, []ReadKey{
		{Table: TableAgents, Index: IndexBySlug, Key: "tony"},
		{Table: TableLogs, Index: IndexByAgent, Key: "a1"},
	}, rs.Keys())
}

func TestStore_PersisterFailureRollsBack(t *testing.T) {
	p := &fakePersister{}
	s, _ := newTestStore(t, p)
	hook := &recordingHook{}
	s.SetCommitHook(hook)

	insertAgent(t, s, "tony")
	require.Len(t, p.applied, 1)

	p.fail = errors.New("disk full")
	_, err := s.Update(context.Background(), func(tx *Tx) error {
		_, err := tx.InsertAgent(models.Agent{Slug: "kai"})
		return err
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")

	require.NoError(t, s.View(context.Background(), nil, func(r *Reader) error {
		_, ok := r.AgentBySlug("kai")
		assert.False(t, ok)
		return nil
	}))
	assert.Len(t, hook.commits, 1)
	assert.Equal(t, uint64(1), s.Seq())
}

func TestStore_HydrateFromSnapshot(t *testing.T) {
	taskID := "t1"
	completedAt := epoch.UnixMilli() + 5000
	p := &fakePersister{snap: &Snapshot{
		Agents: []Record[models.Agent]{{Seq: 1, Row: models.Agent{ID: "a1", Slug: "tony", Status: models.AgentStatusIdle, LastSeen: epoch.UnixMilli()}}},
		Tasks: []Record[models.Task]{{Seq: 2, Row: models.Task{
			ID: taskID, AgentID: "a1", Status: models.TaskStatusCompleted,
			StartedAt: epoch.UnixMilli(), CompletedAt: &completedAt,
		}}},
		Logs: []Record[models.Log]{{Seq: 3, Row: models.Log{ID: "l1", AgentID: "a1", TaskID: &taskID, Level: models.LogLevelInfo, Timestamp: epoch.UnixMilli() + 10}}},
	}}
	s, _ := newTestStore(t, p)

	require.NoError(t, s.View(context.Background(), nil, func(r *Reader) error {
		a, ok := r.AgentBySlug("tony")
		require.True(t, ok)
		assert.Equal(t, "a1", a.ID)
		assert.Len(t, r.TasksByStatus(models.TaskStatusCompleted, Asc, 0), 1)
		assert.Len(t, r.LogsByTask(taskID, Asc, 0), 1)
		return nil
	}))

	c, err := s.Update(context.Background(), func(tx *Tx) error {
		_, err := tx.InsertAgent(models.Agent{Slug: "kai"})
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, completedAt+1, c.Timestamp, "timestamps continue after the hydrated maximum")
	assert.Equal(t, uint64(4), c.Changes[0].Seq)
}

func TestStore_ConcurrentWritersSerialize(t *testing.T) {
	s, _ := newTestStore(t, nil)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s.Update(ctx, func(tx *Tx) error {
				_, err := tx.InsertAgent(models.Agent{Slug: "shared"})
				return err
			})
		}(i)
	}
	wg.Wait()

	require.NoError(t, s.View(ctx, nil, func(r *Reader) error {
		assert.Len(t, r.Agents(Asc, 0), 1)
		return nil
	}))
}
