package models

// TaskStatus represents the state of a task
type TaskStatus string

const (
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
)

// Valid reports whether s is one of the declared task statuses
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskStatusRunning, TaskStatusCompleted, TaskStatusFailed:
		return true
	}
	return false
}

// Terminal reports whether the status ends a task's lifecycle
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed
}

// Task represents one unit of work executed by an agent.
// CompletedAt, DurationMs and Error stay nil while the task is running.
type Task struct {
	ID          string     `json:"id" db:"id"`
	AgentID     string     `json:"agentId" db:"agent_id"`
	Title       string     `json:"title" db:"title"`
	Description *string    `json:"description,omitempty" db:"description"`
	Status      TaskStatus `json:"status" db:"status"`
	StartedAt   int64      `json:"startedAt" db:"started_at"`
	CompletedAt *int64     `json:"completedAt,omitempty" db:"completed_at"`
	DurationMs  *int64     `json:"durationMs,omitempty" db:"duration_ms"`
	Error       *string    `json:"error,omitempty" db:"error"`
}

// Clone returns a deep copy so callers never share pointer fields with the store
func (t Task) Clone() Task {
	t.Description = cloneString(t.Description)
	t.CompletedAt = cloneInt64(t.CompletedAt)
	t.DurationMs = cloneInt64(t.DurationMs)
	t.Error = cloneString(t.Error)
	return t
}

// TaskPatch lists the task fields a transition may overwrite
type TaskPatch struct {
	Status      *TaskStatus
	CompletedAt *int64
	DurationMs  *int64
	Error       *string
}

// Apply merges the patch into a copy of t and returns it
func (p TaskPatch) Apply(t Task) Task {
	t = t.Clone()
	if p.Status != nil {
		t.Status = *p.Status
	}
	if p.CompletedAt != nil {
		t.CompletedAt = cloneInt64(p.CompletedAt)
	}
	if p.DurationMs != nil {
		t.DurationMs = cloneInt64(p.DurationMs)
	}
	if p.Error != nil {
		t.Error = cloneString(p.Error)
	}
	return t
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func cloneInt64(n *int64) *int64 {
	if n == nil {
		return nil
	}
	v := *n
	return &v
}
