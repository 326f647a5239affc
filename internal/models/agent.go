package models

// AgentStatus represents the liveness state of an agent
type AgentStatus string

const (
	AgentStatusIdle    AgentStatus = "idle"
	AgentStatusRunning AgentStatus = "running"
	AgentStatusError   AgentStatus = "error"
	AgentStatusOffline AgentStatus = "offline"
)

// Valid reports whether s is one of the declared agent statuses
func (s AgentStatus) Valid() bool {
	switch s {
	case AgentStatusIdle, AgentStatusRunning, AgentStatusError, AgentStatusOffline:
		return true
	}
	return false
}

// Agent represents a tracked worker process identified by its slug.
// Status and LastSeen are owned by the lifecycle state machine.
type Agent struct {
	ID          string      `json:"id" db:"id"`
	Slug        string      `json:"slug" db:"slug"`
	Name        string      `json:"name" db:"name"`
	Description string      `json:"description" db:"description"`
	Status      AgentStatus `json:"status" db:"status"`
	LastSeen    int64       `json:"lastSeen" db:"last_seen"`
}

// AgentPatch lists the agent fields a transition may overwrite. Nil fields are left alone.
type AgentPatch struct {
	Name        *string
	Description *string
	Status      *AgentStatus
	LastSeen    *int64
}

// Apply merges the patch into a copy of a and returns it
func (p AgentPatch) Apply(a Agent) Agent {
	if p.Name != nil {
		a.Name = *p.Name
	}
	if p.Description != nil {
		a.Description = *p.Description
	}
	if p.Status != nil {
		a.Status = *p.Status
	}
	if p.LastSeen != nil {
		a.LastSeen = *p.LastSeen
	}
	return a
}
