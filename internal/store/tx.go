package store

import (
	"github.com/google/uuid"

	"github.com/bizmatters/agent-builder/fleet-telemetry/internal/models"
)

// Tx is a write transaction. It embeds a Reader that sees the
// transaction's own writes. A Tx must not escape the Update callback.
type Tx struct {
	*Reader

	s       *Store
	ts      int64
	changes []Change
	undo    []func()
}

// Now returns the timestamp assigned to every write in this transaction.
func (tx *Tx) Now() int64 {
	return tx.ts
}

func (tx *Tx) nextSeq() uint64 {
	tx.s.rowSeq++
	return tx.s.rowSeq
}

func (tx *Tx) rollback() {
	for i := len(tx.undo) - 1; i >= 0; i-- {
		tx.undo[i]()
	}
	tx.undo = nil
	tx.changes = nil
}

// InsertAgent stores a new agent and returns its id. An empty ID is
// assigned by the store. Fails with UniqueViolationError on a taken slug.
func (tx *Tx) InsertAgent(a models.Agent) (string, error) {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	t := tx.s.agents
	seq := tx.nextSeq()
	if err := t.insert(seq, a.ID, a); err != nil {
		return "", err
	}
	tx.undo = append(tx.undo, func() { t.delete(a.ID) })

	after := a
	tx.changes = append(tx.changes, Change{
		Table: TableAgents, Op: OpInsert, ID: a.ID, Seq: seq,
		Agent: &after,
		keys:  t.writeKeys(a.ID, nil, &after),
	})
	return a.ID, nil
}

// PatchAgent merges p into the agent stored under id.
func (tx *Tx) PatchAgent(id string, p models.AgentPatch) error {
	t := tx.s.agents
	cur, ok := t.get(id)
	if !ok {
		return &models.NotFoundError{Entity: "agent", Key: id}
	}
	next := p.Apply(cur)
	prev, err := t.replace(id, next)
	if err != nil {
		return err
	}
	tx.undo = append(tx.undo, func() { t.replace(id, prev) })

	tx.changes = append(tx.changes, Change{
		Table: TableAgents, Op: OpPatch, ID: id, Seq: t.seqOf(id),
		Agent: &next,
		keys:  t.writeKeys(id, &prev, &next),
	})
	return nil
}

// InsertTask stores a new task and returns its id.
func (tx *Tx) InsertTask(task models.Task) (string, error) {
	if task.ID == "" {
		task.ID = uuid.New().String()
	}
	t := tx.s.tasks
	seq := tx.nextSeq()
	if err := t.insert(seq, task.ID, task.Clone()); err != nil {
		return "", err
	}
	tx.undo = append(tx.undo, func() { t.delete(task.ID) })

	after := task.Clone()
	tx.changes = append(tx.changes, Change{
		Table: TableTasks, Op: OpInsert, ID: task.ID, Seq: seq,
		Task: &after,
		keys: t.writeKeys(task.ID, nil, &after),
	})
	return task.ID, nil
}

// PatchTask merges p into the task stored under id.
func (tx *Tx) PatchTask(id string, p models.TaskPatch) error {
	t := tx.s.tasks
	cur, ok := t.get(id)
	if !ok {
		return &models.NotFoundError{Entity: "task", Key: id}
	}
	next := p.Apply(cur)
	prev, err := t.replace(id, next.Clone())
	if err != nil {
		return err
	}
	tx.undo = append(tx.undo, func() { t.replace(id, prev) })

	tx.changes = append(tx.changes, Change{
		Table: TableTasks, Op: OpPatch, ID: id, Seq: t.seqOf(id),
		Task: &next,
		keys: t.writeKeys(id, &prev, &next),
	})
	return nil
}

// InsertLog appends a log line and returns its id. Logs are never patched.
func (tx *Tx) InsertLog(l models.Log) (string, error) {
	if l.ID == "" {
		l.ID = uuid.New().String()
	}
	t := tx.s.logs
	seq := tx.nextSeq()
	if err := t.insert(seq, l.ID, l.Clone()); err != nil {
		return "", err
	}
	tx.undo = append(tx.undo, func() { t.delete(l.ID) })

	after := l.Clone()
	tx.changes = append(tx.changes, Change{
		Table: TableLogs, Op: OpInsert, ID: l.ID, Seq: seq,
		Log:  &after,
		keys: t.writeKeys(l.ID, nil, &after),
	})
	return l.ID, nil
}
