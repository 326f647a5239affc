package persistence

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/bizmatters/agent-builder/fleet-telemetry/internal/models"
	"github.com/bizmatters/agent-builder/fleet-telemetry/internal/store"
)

// schema is valid for both PostgreSQL and SQLite. seq preserves creation
// order across restarts; the store rebuilds its in-memory indices from it.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS agents (
		id          TEXT PRIMARY KEY,
		seq         BIGINT NOT NULL,
		slug        TEXT NOT NULL UNIQUE,
		name        TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		status      TEXT NOT NULL,
		last_seen   BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS tasks (
		id           TEXT PRIMARY KEY,
		seq          BIGINT NOT NULL,
		agent_id     TEXT NOT NULL REFERENCES agents(id),
		title        TEXT NOT NULL,
		description  TEXT,
		status       TEXT NOT NULL,
		started_at   BIGINT NOT NULL,
		completed_at BIGINT,
		duration_ms  BIGINT,
		error        TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_tasks_agent ON tasks(agent_id, seq)`,
	`CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status, seq)`,
	`CREATE TABLE IF NOT EXISTS logs (
		id        TEXT PRIMARY KEY,
		seq       BIGINT NOT NULL,
		agent_id  TEXT NOT NULL REFERENCES agents(id),
		task_id   TEXT REFERENCES tasks(id),
		level     TEXT NOT NULL,
		message   TEXT NOT NULL,
		logged_at BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_logs_agent ON logs(agent_id, seq)`,
	`CREATE INDEX IF NOT EXISTS idx_logs_task ON logs(task_id, seq)`,
}

const (
	upsertAgent = `INSERT INTO agents (id, seq, slug, name, description, status, last_seen)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			status = excluded.status,
			last_seen = excluded.last_seen`

	upsertTask = `INSERT INTO tasks (id, seq, agent_id, title, description, status, started_at, completed_at, duration_ms, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			status = excluded.status,
			completed_at = excluded.completed_at,
			duration_ms = excluded.duration_ms,
			error = excluded.error`

	insertLog = `INSERT INTO logs (id, seq, agent_id, task_id, level, message, logged_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`

	selectAgents = `SELECT seq, id, slug, name, description, status, last_seen FROM agents ORDER BY seq`
	selectTasks  = `SELECT seq, id, agent_id, title, description, status, started_at, completed_at, duration_ms, error FROM tasks ORDER BY seq`
	selectLogs   = `SELECT seq, id, agent_id, task_id, level, message, logged_at FROM logs ORDER BY seq`
)

// statement maps one change to the SQL that persists its after-image.
func statement(ch store.Change) (string, []any, error) {
	switch ch.Table {
	case store.TableAgents:
		a := ch.Agent
		if a == nil {
			return "", nil, fmt.Errorf("agent change %s has no row", ch.ID)
		}
		return upsertAgent, []any{a.ID, int64(ch.Seq), a.Slug, a.Name, a.Description, string(a.Status), a.LastSeen}, nil
	case store.TableTasks:
		t := ch.Task
		if t == nil {
			return "", nil, fmt.Errorf("task change %s has no row", ch.ID)
		}
		return upsertTask, []any{t.ID, int64(ch.Seq), t.AgentID, t.Title, t.Description, string(t.Status),
			t.StartedAt, t.CompletedAt, t.DurationMs, t.Error}, nil
	case store.TableLogs:
		l := ch.Log
		if l == nil {
			return "", nil, fmt.Errorf("log change %s has no row", ch.ID)
		}
		if ch.Op != store.OpInsert {
			return "", nil, fmt.Errorf("logs are append-only, got %s for %s", ch.Op, ch.ID)
		}
		return insertLog, []any{l.ID, int64(ch.Seq), l.AgentID, l.TaskID, string(l.Level), l.Message, l.Timestamp}, nil
	default:
		return "", nil, fmt.Errorf("unknown table %q", ch.Table)
	}
}

// numbered rewrites ? placeholders into PostgreSQL's $n form.
func numbered(q string) string {
	var b strings.Builder
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// rows is the subset of pgx.Rows and *sql.Rows the loaders need.
type rows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}

func scanAgents(rs rows) ([]store.Record[models.Agent], error) {
	var out []store.Record[models.Agent]
	for rs.Next() {
		var (
			seq    int64
			a      models.Agent
			status string
		)
		if err := rs.Scan(&seq, &a.ID, &a.Slug, &a.Name, &a.Description, &status, &a.LastSeen); err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		a.Status = models.AgentStatus(status)
		out = append(out, store.Record[models.Agent]{Seq: uint64(seq), Row: a})
	}
	return out, rs.Err()
}

func scanTasks(rs rows) ([]store.Record[models.Task], error) {
	var out []store.Record[models.Task]
	for rs.Next() {
		var (
			seq    int64
			t      models.Task
			status string
		)
		if err := rs.Scan(&seq, &t.ID, &t.AgentID, &t.Title, &t.Description, &status,
			&t.StartedAt, &t.CompletedAt, &t.DurationMs, &t.Error); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		t.Status = models.TaskStatus(status)
		out = append(out, store.Record[models.Task]{Seq: uint64(seq), Row: t})
	}
	return out, rs.Err()
}

func scanLogs(rs rows) ([]store.Record[models.Log], error) {
	var out []store.Record[models.Log]
	for rs.Next() {
		var (
			seq   int64
			l     models.Log
			level string
		)
		if err := rs.Scan(&seq, &l.ID, &l.AgentID, &l.TaskID, &level, &l.Message, &l.Timestamp); err != nil {
			return nil, fmt.Errorf("scan log: %w", err)
		}
		l.Level = models.LogLevel(level)
		out = append(out, store.Record[models.Log]{Seq: uint64(seq), Row: l})
	}
	return out, rs.Err()
}
