// Package aggregation derives statistics from current store state. Nothing
// here is cached; every call rescans the indices it needs so the numbers
// cannot drift from the rows.
package aggregation

import (
	"time"

	"github.com/bizmatters/agent-builder/fleet-telemetry/internal/models"
	"github.com/bizmatters/agent-builder/fleet-telemetry/internal/store"
)

// DefaultWindow is the number of most recent tasks GlobalStats inspects.
const DefaultWindow = 1000

// AgentStats counts the tasks of one agent. An unknown agent yields zeroes.
func AgentStats(r *store.Reader, agentID string) models.AgentStats {
	var st models.AgentStats
	for _, t := range r.TasksByAgent(agentID, store.Asc, 0) {
		st.Total++
		switch t.Status {
		case models.TaskStatusCompleted:
			st.Completed++
		case models.TaskStatusFailed:
			st.Failed++
		case models.TaskStatusRunning:
			st.Running++
		}
	}
	st.CompletionRate = CompletionRate(st.Completed, st.Total-st.Running)
	return st
}

// CompletionRate returns round(100*completed/resolved), rounding halves up.
// It is 0 when nothing has resolved yet.
func CompletionRate(completed, resolved int) int {
	if resolved <= 0 {
		return 0
	}
	return (200*completed + resolved) / (2 * resolved)
}

// GlobalOptions bounds GlobalStats.
type GlobalOptions struct {
	// Window is how many of the most recent tasks are inspected.
	Window int
	// Location defines the calendar day for the *Today counters.
	Location *time.Location
}

// GlobalStats summarizes the fleet. Task counters only see the newest
// opts.Window tasks, so on very busy days the *Today figures undercount.
func GlobalStats(r *store.Reader, now time.Time, opts GlobalOptions) models.GlobalStats {
	if opts.Window <= 0 {
		opts.Window = DefaultWindow
	}

	var st models.GlobalStats
	for _, a := range r.Agents(store.Asc, 0) {
		st.TotalAgents++
		if a.Status == models.AgentStatusRunning {
			st.ActiveAgents++
		}
	}

	today := StartOfDay(now, opts.Location).UnixMilli()
	for _, t := range r.RecentTasks(store.Desc, opts.Window) {
		if t.Status == models.TaskStatusRunning {
			st.RunningTasks++
		}
		if t.StartedAt < today {
			continue
		}
		switch t.Status {
		case models.TaskStatusCompleted:
			st.CompletedToday++
		case models.TaskStatusFailed:
			st.FailedToday++
		}
	}
	return st
}

// StartOfDay returns local midnight of the day containing now.
func StartOfDay(now time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.Local
	}
	local := now.In(loc)
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
}

// NextDay returns the midnight following now, when the *Today counters of
// GlobalStats reset without any write.
func NextDay(now time.Time, loc *time.Location) time.Time {
	start := StartOfDay(now, loc)
	return time.Date(start.Year(), start.Month(), start.Day()+1, 0, 0, 0, 0, start.Location())
}
