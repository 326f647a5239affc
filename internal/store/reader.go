package store

import "github.com/bizmatters/agent-builder/fleet-telemetry/internal/models"

// Reader exposes indexed reads over a consistent snapshot. When it carries
// a ReadSet, every lookup adds the range it touched. All returned rows are
// copies.
type Reader struct {
	s  *Store
	rs ReadSet
}

func (r *Reader) touch(t Table, ix Index, key string) {
	if r.rs != nil {
		r.rs.Add(ReadKey{Table: t, Index: ix, Key: key})
	}
}

// Recording returns a Reader over the same snapshot that adds every range
// it touches to rs.
func (r *Reader) Recording(rs ReadSet) *Reader {
	return &Reader{s: r.s, rs: rs}
}

// Seq returns the sequence number of the last commit visible to r.
func (r *Reader) Seq() uint64 {
	return r.s.seq
}

// GetAgent returns the agent with the given id.
func (r *Reader) GetAgent(id string) (models.Agent, bool) {
	r.touch(TableAgents, IndexID, id)
	return r.s.agents.get(id)
}

// AgentBySlug resolves an agent through the unique agents.by_slug index.
func (r *Reader) AgentBySlug(slug string) (models.Agent, bool) {
	r.touch(TableAgents, IndexBySlug, slug)
	rows := r.s.agents.scanIndex(IndexBySlug, slug, Asc, 1)
	if len(rows) == 0 {
		return models.Agent{}, false
	}
	return rows[0], true
}

// Agents scans every agent in creation order.
func (r *Reader) Agents(order Order, limit int) []models.Agent {
	r.touch(TableAgents, IndexAll, "")
	return r.s.agents.scanAll(order, limit)
}

// GetTask returns the task with the given id.
func (r *Reader) GetTask(id string) (models.Task, bool) {
	r.touch(TableTasks, IndexID, id)
	return r.s.tasks.get(id)
}

// TasksByAgent scans tasks.by_agent; creation order equals startedAt order.
func (r *Reader) TasksByAgent(agentID string, order Order, limit int) []models.Task {
	r.touch(TableTasks, IndexByAgent, agentID)
	return r.s.tasks.scanIndex(IndexByAgent, agentID, order, limit)
}

// TasksByStatus scans tasks.by_status.
func (r *Reader) TasksByStatus(status models.TaskStatus, order Order, limit int) []models.Task {
	r.touch(TableTasks, IndexByStatus, string(status))
	return r.s.tasks.scanIndex(IndexByStatus, string(status), order, limit)
}

// RecentTasks scans the whole tasks table.
func (r *Reader) RecentTasks(order Order, limit int) []models.Task {
	r.touch(TableTasks, IndexAll, "")
	return r.s.tasks.scanAll(order, limit)
}

// LogsByAgent scans logs.by_agent.
func (r *Reader) LogsByAgent(agentID string, order Order, limit int) []models.Log {
	r.touch(TableLogs, IndexByAgent, agentID)
	return r.s.logs.scanIndex(IndexByAgent, agentID, order, limit)
}

// LogsByTask scans logs.by_task.
func (r *Reader) LogsByTask(taskID string, order Order, limit int) []models.Log {
	r.touch(TableLogs, IndexByTask, taskID)
	return r.s.logs.scanIndex(IndexByTask, taskID, order, limit)
}

// RecentLogs scans the whole logs table.
func (r *Reader) RecentLogs(order Order, limit int) []models.Log {
	r.touch(TableLogs, IndexAll, "")
	return r.s.logs.scanAll(order, limit)
}
