package queries

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bizmatters/agent-builder/fleet-telemetry/internal/clock"
	"github.com/bizmatters/agent-builder/fleet-telemetry/internal/lifecycle"
	"github.com/bizmatters/agent-builder/fleet-telemetry/internal/models"
	"github.com/bizmatters/agent-builder/fleet-telemetry/internal/store"
	"github.com/bizmatters/agent-builder/fleet-telemetry/internal/subscription"
)

var epoch = time.Date(2026, 5, 4, 9, 30, 0, 0, time.UTC)

func setup(t *testing.T) (*Catalog, *lifecycle.Machine, *store.Store, *clock.FakeClock) {
	t.Helper()
	fc := clock.Fake(epoch)
	s, err := store.Open(context.Background(), store.Options{Clock: fc})
	require.NoError(t, err)
	return &Catalog{Clock: fc, Location: time.UTC}, lifecycle.NewMachine(s, nil, nil), s, fc
}

func run(t *testing.T, s *store.Store, q subscription.Query) any {
	t.Helper()
	v, err := Run(context.Background(), s, q)
	require.NoError(t, err)
	return v
}

func TestCatalog_Parse(t *testing.T) {
	c := &Catalog{}

	tests := []struct {
		name    string
		query   string
		args    string
		wantKey string
		wantErr bool
	}{
		{"list agents without args", ListAgents, "", "listAgents", false},
		{"list agents with null args", ListAgents, "null", "listAgents", false},
		{"get agent", GetAgent, `{"id":"a1"}`, "getAgent:a1", false},
		{"get agent requires id", GetAgent, `{}`, "", true},
		{"by slug", GetAgentBySlug, `{"slug":"tony"}`, "getAgentBySlug:tony", false},
		{"stats by agentId", GetAgentStats, `{"agentId":"a1"}`, "getAgentStats:a1", false},
		{"stats by id", GetAgentStats, `{"id":"a1"}`, "getAgentStats:a1", false},
		{"stats requires agent", GetAgentStats, `{}`, "", true},
		{"tasks all is no filter", ListTasks, `{"status":"all"}`, "listTasks::", false},
		{"tasks by agent and status", ListTasks, `{"agentId":"a1","status":"failed"}`, "listTasks:a1:failed", false},
		{"tasks bad status", ListTasks, `{"status":"paused"}`, "", true},
		{"logs default limit", ListLogs, `{"agentId":"a1"}`, "listLogs:a1::50", false},
		{"logs by task", ListLogs, `{"taskId":"t1","limit":5}`, "listLogs::t1:5", false},
		{"logs limit too large", ListLogs, `{"limit":5000}`, "", true},
		{"logs negative limit", ListLogs, `{"limit":-1}`, "", true},
		{"global stats", GetGlobalStats, "", "getGlobalStats", false},
		{"unknown query", "dropTables", "", "", true},
		{"malformed args", ListAgents, `[1,2]`, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q, err := c.Parse(tt.query, json.RawMessage(tt.args))
			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, models.ErrValidation)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantKey, q.Key)
			assert.Equal(t, tt.query, q.Name)
			assert.NotNil(t, q.Run)
		})
	}
}

func TestCatalog_Agents(t *testing.T) {
	ctx := context.Background()
	c, m, s, _ := setup(t)

	assert.Equal(t, []models.Agent{}, run(t, s, c.ListAgents()))
	assert.Nil(t, run(t, s, c.GetAgent("missing")))
	assert.Nil(t, run(t, s, c.GetAgentBySlug("tony")))

	id, err := m.Heartbeat(ctx, lifecycle.HeartbeatInput{Slug: "tony", Name: "Tony", Status: models.AgentStatusIdle})
	require.NoError(t, err)

	agents := run(t, s, c.ListAgents()).([]models.Agent)
	require.Len(t, agents, 1)
	assert.Equal(t, id, agents[0].ID)

	bySlug := run(t, s, c.GetAgentBySlug("tony")).(models.Agent)
	assert.Equal(t, id, bySlug.ID)
	assert.Equal(t, bySlug, run(t, s, c.GetAgent(id)))
}

func TestCatalog_ListTasks(t *testing.T) {
	ctx := context.Background()
	c, m, s, _ := setup(t)

	for _, slug := range []string{"tony", "kai"} {
		_, err := m.Heartbeat(ctx, lifecycle.HeartbeatInput{Slug: slug, Name: slug, Status: models.AgentStatusIdle})
		require.NoError(t, err)
	}

	var tonyTasks []string
	for i := 0; i < TaskListLimit+10; i++ {
		id, err := m.StartTask(ctx, lifecycle.StartTaskInput{Slug: "tony", Title: fmt.Sprintf("task %d", i)})
		require.NoError(t, err)
		tonyTasks = append(tonyTasks, id)
	}
	// The oldest task fails but falls outside the newest-100 window.
	_, err := m.FailTask(ctx, tonyTasks[0], nil)
	require.NoError(t, err)
	_, err = m.CompleteTask(ctx, tonyTasks[len(tonyTasks)-1])
	require.NoError(t, err)

	kaiTask, err := m.StartTask(ctx, lifecycle.StartTaskInput{Slug: "kai", Title: "kai task"})
	require.NoError(t, err)

	tony, err := m.Heartbeat(ctx, lifecycle.HeartbeatInput{Slug: "tony", Name: "tony", Status: models.AgentStatusRunning})
	require.NoError(t, err)

	q, err := c.ListTasks("", "")
	require.NoError(t, err)
	all := run(t, s, q).([]models.Task)
	require.Len(t, all, TaskListLimit)
	assert.Equal(t, kaiTask, all[0].ID, "newest first")

	q, err = c.ListTasks(tony, "all")
	require.NoError(t, err)
	mine := run(t, s, q).([]models.Task)
	require.Len(t, mine, TaskListLimit)
	assert.Equal(t, tonyTasks[len(tonyTasks)-1], mine[0].ID)

	q, err = c.ListTasks(tony, "completed")
	require.NoError(t, err)
	completed := run(t, s, q).([]models.Task)
	require.Len(t, completed, 1)
	assert.Equal(t, models.TaskStatusCompleted, completed[0].Status)

	q, err = c.ListTasks(tony, "failed")
	require.NoError(t, err)
	assert.Empty(t, run(t, s, q))
}

func TestCatalog_ListLogs(t *testing.T) {
	ctx := context.Background()
	c, m, s, _ := setup(t)

	_, err := m.Heartbeat(ctx, lifecycle.HeartbeatInput{Slug: "tony", Name: "Tony", Status: models.AgentStatusIdle})
	require.NoError(t, err)
	kai, err := m.Heartbeat(ctx, lifecycle.HeartbeatInput{Slug: "kai", Name: "Kai", Status: models.AgentStatusIdle})
	require.NoError(t, err)
	taskID, err := m.StartTask(ctx, lifecycle.StartTaskInput{Slug: "kai", Title: "crawl"})
	require.NoError(t, err)

	for i := 0; i < 60; i++ {
		_, err := m.AppendLog(ctx, lifecycle.LogInput{Slug: "tony", Level: models.LogLevelDebug, Message: fmt.Sprintf("tony %d", i)})
		require.NoError(t, err)
	}
	for i := 0; i < 3; i++ {
		_, err := m.AppendLog(ctx, lifecycle.LogInput{Slug: "kai", Level: models.LogLevelInfo, Message: fmt.Sprintf("page %d", i), TaskID: &taskID})
		require.NoError(t, err)
	}
	_, err = m.AppendLog(ctx, lifecycle.LogInput{Slug: "kai", Level: models.LogLevelWarn, Message: "untracked"})
	require.NoError(t, err)

	q, err := c.ListLogs("", "", 0)
	require.NoError(t, err)
	recent := run(t, s, q).([]models.Log)
	require.Len(t, recent, DefaultLogLimit)
	assert.Equal(t, "untracked", recent[0].Message)

	q, err = c.ListLogs(kai, "", 10)
	require.NoError(t, err)
	assert.Len(t, run(t, s, q), 4)

	q, err = c.ListLogs("", taskID, 2)
	require.NoError(t, err)
	byTask := run(t, s, q).([]models.Log)
	require.Len(t, byTask, 2)
	assert.Equal(t, "page 2", byTask[0].Message)
	assert.Equal(t, "page 1", byTask[1].Message)

	q, err = c.ListLogs("someone-else", taskID, 10)
	require.NoError(t, err)
	assert.Equal(t, []models.Log{}, run(t, s, q))
}

func TestCatalog_GlobalStatsRefreshesAtMidnight(t *testing.T) {
	ctx := context.Background()
	c, m, s, fc := setup(t)
	engine := subscription.NewEngine(s, subscription.Options{Clock: fc})

	_, err := m.Heartbeat(ctx, lifecycle.HeartbeatInput{Slug: "tony", Name: "Tony", Status: models.AgentStatusIdle})
	require.NoError(t, err)
	taskID, err := m.StartTask(ctx, lifecycle.StartTaskInput{Slug: "tony", Title: "today"})
	require.NoError(t, err)
	_, err = m.CompleteTask(ctx, taskID)
	require.NoError(t, err)

	updates := make(chan subscription.Update, 4)
	sub, err := engine.Subscribe(ctx, c.GetGlobalStats(), func(u subscription.Update) { updates <- u })
	require.NoError(t, err)
	defer sub.Close()

	decode := func() models.GlobalStats {
		select {
		case u := <-updates:
			var st models.GlobalStats
			require.NoError(t, json.Unmarshal(u.Data, &st))
			return st
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for global stats")
			return models.GlobalStats{}
		}
	}

	assert.Equal(t, 1, decode().CompletedToday)

	fc.Advance(15 * time.Hour)
	assert.Equal(t, 0, decode().CompletedToday)
}
