package models

// AgentStats summarizes the task history of a single agent
type AgentStats struct {
	Total          int `json:"total"`
	Completed      int `json:"completed"`
	Failed         int `json:"failed"`
	Running        int `json:"running"`
	CompletionRate int `json:"completionRate"`
}

// GlobalStats summarizes the whole fleet for the overview dashboard
type GlobalStats struct {
	TotalAgents    int `json:"totalAgents"`
	ActiveAgents   int `json:"activeAgents"`
	CompletedToday int `json:"completedToday"`
	FailedToday    int `json:"failedToday"`
	RunningTasks   int `json:"runningTasks"`
}
