// Package queries defines the dashboard read interface. Every query is a
// subscription.Query, so the same definition serves one-shot HTTP reads
// and live websocket subscriptions.
package queries

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/bizmatters/agent-builder/fleet-telemetry/internal/aggregation"
	"github.com/bizmatters/agent-builder/fleet-telemetry/internal/clock"
	"github.com/bizmatters/agent-builder/fleet-telemetry/internal/models"
	"github.com/bizmatters/agent-builder/fleet-telemetry/internal/store"
	"github.com/bizmatters/agent-builder/fleet-telemetry/internal/subscription"
)

// Query names accepted by Parse.
const (
	ListAgents     = "listAgents"
	GetAgent       = "getAgent"
	GetAgentBySlug = "getAgentBySlug"
	GetAgentStats  = "getAgentStats"
	ListTasks      = "listTasks"
	ListLogs       = "listLogs"
	GetGlobalStats = "getGlobalStats"
)

const (
	// TaskListLimit caps listTasks before the status filter is applied.
	TaskListLimit   = 100
	DefaultLogLimit = 50
	MaxLogLimit     = 1000
)

// Catalog builds queries. The clock and location only matter for
// getGlobalStats.
type Catalog struct {
	Clock    clock.Clock
	Location *time.Location
	Window   int
}

// Args is the argument object of a query.
type Args struct {
	ID      string `json:"id,omitempty"`
	Slug    string `json:"slug,omitempty"`
	AgentID string `json:"agentId,omitempty"`
	TaskID  string `json:"taskId,omitempty"`
	Status  string `json:"status,omitempty"`
	Limit   int    `json:"limit,omitempty"`
}

// Parse resolves a query by name. raw may be empty.
func (c *Catalog) Parse(name string, raw json.RawMessage) (subscription.Query, error) {
	var args Args
	if len(raw) > 0 && string(raw) != "null" {
		if err := json.Unmarshal(raw, &args); err != nil {
			return subscription.Query{}, &models.ValidationError{Field: "args", Reason: err.Error()}
		}
	}
	return c.Build(name, args)
}

// Build resolves a query by name from already decoded arguments.
func (c *Catalog) Build(name string, args Args) (subscription.Query, error) {
	switch name {
	case ListAgents:
		return c.ListAgents(), nil
	case GetAgent:
		if args.ID == "" {
			return subscription.Query{}, &models.ValidationError{Field: "id", Reason: "is required"}
		}
		return c.GetAgent(args.ID), nil
	case GetAgentBySlug:
		if args.Slug == "" {
			return subscription.Query{}, &models.ValidationError{Field: "slug", Reason: "is required"}
		}
		return c.GetAgentBySlug(args.Slug), nil
	case GetAgentStats:
		id := args.AgentID
		if id == "" {
			id = args.ID
		}
		if id == "" {
			return subscription.Query{}, &models.ValidationError{Field: "agentId", Reason: "is required"}
		}
		return c.GetAgentStats(id), nil
	case ListTasks:
		return c.ListTasks(args.AgentID, args.Status)
	case ListLogs:
		return c.ListLogs(args.AgentID, args.TaskID, args.Limit)
	case GetGlobalStats:
		return c.GetGlobalStats(), nil
	default:
		return subscription.Query{}, &models.ValidationError{Field: "query", Reason: fmt.Sprintf("unknown query %q", name)}
	}
}

// ListAgents returns every agent in creation order.
func (c *Catalog) ListAgents() subscription.Query {
	return subscription.Query{
		Name: ListAgents,
		Key:  ListAgents,
		Run: func(r *store.Reader) (any, error) {
			return nonNil(r.Agents(store.Asc, 0)), nil
		},
	}
}

// GetAgent returns one agent, or null.
func (c *Catalog) GetAgent(id string) subscription.Query {
	return subscription.Query{
		Name: GetAgent,
		Key:  GetAgent + ":" + id,
		Run: func(r *store.Reader) (any, error) {
			if a, ok := r.GetAgent(id); ok {
				return a, nil
			}
			return nil, nil
		},
	}
}

// GetAgentBySlug resolves an agent through agents.by_slug, or null.
func (c *Catalog) GetAgentBySlug(slug string) subscription.Query {
	return subscription.Query{
		Name: GetAgentBySlug,
		Key:  GetAgentBySlug + ":" + slug,
		Run: func(r *store.Reader) (any, error) {
			if a, ok := r.AgentBySlug(slug); ok {
				return a, nil
			}
			return nil, nil
		},
	}
}

// GetAgentStats returns the task counters of one agent.
func (c *Catalog) GetAgentStats(agentID string) subscription.Query {
	return subscription.Query{
		Name: GetAgentStats,
		Key:  GetAgentStats + ":" + agentID,
		Run: func(r *store.Reader) (any, error) {
			return aggregation.AgentStats(r, agentID), nil
		},
	}
}

// ListTasks returns the newest TaskListLimit tasks, of one agent when
// agentID is set, then keeps those matching status. An empty status or
// "all" keeps everything.
func (c *Catalog) ListTasks(agentID, status string) (subscription.Query, error) {
	if status == "all" {
		status = ""
	}
	if status != "" && !models.TaskStatus(status).Valid() {
		return subscription.Query{}, &models.ValidationError{Field: "status", Reason: fmt.Sprintf("unknown task status %q", status)}
	}

	return subscription.Query{
		Name: ListTasks,
		Key:  strings.Join([]string{ListTasks, agentID, status}, ":"),
		Run: func(r *store.Reader) (any, error) {
			var tasks []models.Task
			if agentID != "" {
				tasks = r.TasksByAgent(agentID, store.Desc, TaskListLimit)
			} else {
				tasks = r.RecentTasks(store.Desc, TaskListLimit)
			}
			out := make([]models.Task, 0, len(tasks))
			for _, t := range tasks {
				if status == "" || string(t.Status) == status {
					out = append(out, t)
				}
			}
			return out, nil
		},
	}, nil
}

// ListLogs returns the newest logs, newest first. taskID narrows through
// logs.by_task, agentID through logs.by_agent.
func (c *Catalog) ListLogs(agentID, taskID string, limit int) (subscription.Query, error) {
	switch {
	case limit < 0 || limit > MaxLogLimit:
		return subscription.Query{}, &models.ValidationError{Field: "limit", Reason: fmt.Sprintf("must be between 1 and %d", MaxLogLimit)}
	case limit == 0:
		limit = DefaultLogLimit
	}

	return subscription.Query{
		Name: ListLogs,
		Key:  strings.Join([]string{ListLogs, agentID, taskID, strconv.Itoa(limit)}, ":"),
		Run: func(r *store.Reader) (any, error) {
			var logs []models.Log
			switch {
			case taskID != "":
				logs = r.LogsByTask(taskID, store.Desc, 0)
				if agentID != "" {
					logs = filterLogs(logs, agentID)
				}
				if len(logs) > limit {
					logs = logs[:limit]
				}
			case agentID != "":
				logs = r.LogsByAgent(agentID, store.Desc, limit)
			default:
				logs = r.RecentLogs(store.Desc, limit)
			}
			return nonNil(logs), nil
		},
	}, nil
}

// GetGlobalStats summarizes the fleet. It refreshes at local midnight,
// when the daily counters reset.
func (c *Catalog) GetGlobalStats() subscription.Query {
	opts := aggregation.GlobalOptions{Window: c.Window, Location: c.Location}
	return subscription.Query{
		Name: GetGlobalStats,
		Key:  GetGlobalStats,
		Run: func(r *store.Reader) (any, error) {
			return aggregation.GlobalStats(r, c.now(), opts), nil
		},
		RefreshAt: func(now time.Time) time.Time {
			return aggregation.NextDay(now, c.Location)
		},
	}
}

func (c *Catalog) now() time.Time {
	if c.Clock == nil {
		return time.Now()
	}
	return c.Clock.Now()
}

// Run executes q once against a consistent snapshot.
func Run(ctx context.Context, s *store.Store, q subscription.Query) (any, error) {
	var out any
	err := s.View(ctx, nil, func(r *store.Reader) error {
		v, err := q.Run(r)
		out = v
		return err
	})
	return out, err
}

func filterLogs(logs []models.Log, agentID string) []models.Log {
	out := logs[:0]
	for _, l := range logs {
		if l.AgentID == agentID {
			out = append(out, l)
		}
	}
	return out
}

func nonNil[T any](rows []T) []T {
	if rows == nil {
		return []T{}
	}
	return rows
}
