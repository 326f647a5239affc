package integration

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bizmatters/agent-builder/fleet-telemetry/internal/clock"
	"github.com/bizmatters/agent-builder/fleet-telemetry/internal/models"
	"github.com/bizmatters/agent-builder/fleet-telemetry/tests/helpers"
)

var epoch = time.Date(2026, 5, 4, 9, 30, 0, 0, time.UTC)

func TestTelemetryIntegration(t *testing.T) {
	backend := SQLiteBackend(t)
	fc := clock.Fake(epoch)
	stack := helpers.NewStack(t, backend.Open(t), fc)
	key := helpers.TestAPIKey

	var tonyID, reportID, crawlID string

	t.Run("Agent Heartbeat Creates Agent", func(t *testing.T) {
		status, body := stack.Ingest(t, key, "heartbeat", helpers.Heartbeat("tony", "idle"))
		require.Equal(t, http.StatusOK, status)
		tonyID = body["agentId"].(string)

		var agent models.Agent
		require.Equal(t, http.StatusOK, stack.Read(t, "/agents/"+tonyID, &agent))
		assert.Equal(t, "tony", agent.Slug)
		assert.Equal(t, models.AgentStatusIdle, agent.Status)
	})

	t.Run("Task Start And Complete", func(t *testing.T) {
		fc.Advance(time.Second)
		status, body := stack.Ingest(t, key, "task/start", helpers.StartTask("tony", "Write report"))
		require.Equal(t, http.StatusCreated, status)
		reportID = body["taskId"].(string)

		var agent models.Agent
		stack.Read(t, "/agents/"+tonyID, &agent)
		assert.Equal(t, models.AgentStatusRunning, agent.Status)

		fc.Advance(1500 * time.Millisecond)
		status, _ = stack.Ingest(t, key, "task/complete", helpers.CompleteTask(reportID))
		require.Equal(t, http.StatusOK, status)

		var stats models.AgentStats
		stack.Read(t, "/agents/"+tonyID+"/stats", &stats)
		assert.Equal(t, models.AgentStats{Total: 1, Completed: 1, CompletionRate: 100}, stats)

		stack.Read(t, "/agents/"+tonyID, &agent)
		assert.Equal(t, models.AgentStatusIdle, agent.Status)
	})

	t.Run("Task Fail Twice Is Rejected", func(t *testing.T) {
		_, body := stack.Ingest(t, key, "task/start", helpers.StartTask("tony", "Crawl"))
		crawlID = body["taskId"].(string)

		status, _ := stack.Ingest(t, key, "task/fail", helpers.FailTask(crawlID, "timeout"))
		require.Equal(t, http.StatusOK, status)

		status, body = stack.Ingest(t, key, "task/fail", helpers.FailTask(crawlID, "timeout"))
		assert.Equal(t, http.StatusConflict, status)
		assert.Equal(t, models.ErrCodeInvalidTransition, body["code"])

		var tasks []models.Task
		stack.Read(t, "/tasks?status=failed", &tasks)
		require.Len(t, tasks, 1)
		require.NotNil(t, tasks[0].Error)
		assert.Equal(t, "timeout", *tasks[0].Error)

		var agent models.Agent
		stack.Read(t, "/agents/"+tonyID, &agent)
		assert.Equal(t, models.AgentStatusError, agent.Status)
	})

	t.Run("Log For Unknown Agent Commits Nothing", func(t *testing.T) {
		status, body := stack.Ingest(t, key, "log", helpers.Log("kai", "error", "crawl failed", ""))
		assert.Equal(t, http.StatusNotFound, status)
		assert.Equal(t, models.ErrCodeNotFound, body["code"])

		var logs []models.Log
		stack.Read(t, "/logs", &logs)
		assert.Empty(t, logs)
	})

	t.Run("Wrong Key Is Rejected", func(t *testing.T) {
		status, _ := stack.Ingest(t, "not-the-key", "heartbeat", helpers.Heartbeat("mallory", "idle"))
		assert.Equal(t, http.StatusUnauthorized, status)

		status = stack.Read(t, "/agents/by-slug/mallory", &map[string]interface{}{})
		assert.Equal(t, http.StatusNotFound, status)
	})

	t.Run("State Survives Restart", func(t *testing.T) {
		stack.Server.Close()

		reopened := helpers.NewStack(t, backend.Open(t), fc)

		var tasks []models.Task
		reopened.Read(t, "/tasks?agentId="+tonyID, &tasks)
		require.Len(t, tasks, 2)
		assert.Equal(t, crawlID, tasks[0].ID, "newest first")
		assert.Equal(t, models.TaskStatusFailed, tasks[0].Status)
		require.NotNil(t, tasks[1].DurationMs)
		assert.EqualValues(t, 1500, *tasks[1].DurationMs)
		require.NotNil(t, tasks[1].CompletedAt)
		assert.Equal(t, *tasks[1].CompletedAt-tasks[1].StartedAt, *tasks[1].DurationMs)

		var stats models.AgentStats
		reopened.Read(t, "/agents/"+tonyID+"/stats", &stats)
		assert.Equal(t, models.AgentStats{Total: 2, Completed: 1, Failed: 1, CompletionRate: 50}, stats)

		// timestamps keep increasing after replay
		_, body := reopened.Ingest(t, key, "log", helpers.Log("tony", "info", "back", ""))
		require.NotEmpty(t, body["logId"])
		var logs []models.Log
		reopened.Read(t, "/logs?agentId="+tonyID, &logs)
		require.Len(t, logs, 1)
		for _, task := range tasks {
			assert.Greater(t, logs[0].Timestamp, task.StartedAt)
		}
	})
}
