package models

// LogLevel represents the severity of a log line
type LogLevel string

const (
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
	LogLevelDebug LogLevel = "debug"
)

// Valid reports whether l is one of the declared log levels
func (l LogLevel) Valid() bool {
	switch l {
	case LogLevelInfo, LogLevelWarn, LogLevelError, LogLevelDebug:
		return true
	}
	return false
}

// Log represents one immutable line of an agent's log stream
type Log struct {
	ID        string   `json:"id" db:"id"`
	AgentID   string   `json:"agentId" db:"agent_id"`
	TaskID    *string  `json:"taskId,omitempty" db:"task_id"`
	Level     LogLevel `json:"level" db:"level"`
	Message   string   `json:"message" db:"message"`
	Timestamp int64    `json:"timestamp" db:"timestamp"`
}

// Clone returns a deep copy of l
func (l Log) Clone() Log {
	l.TaskID = cloneString(l.TaskID)
	return l
}
