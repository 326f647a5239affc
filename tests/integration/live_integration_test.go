package integration

import (
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bizmatters/agent-builder/fleet-telemetry/internal/clock"
	"github.com/bizmatters/agent-builder/fleet-telemetry/internal/gateway"
	"github.com/bizmatters/agent-builder/fleet-telemetry/internal/models"
	"github.com/bizmatters/agent-builder/fleet-telemetry/tests/helpers"
)

func TestLiveQueriesIntegration(t *testing.T) {
	fc := clock.Fake(epoch)
	stack := helpers.NewStack(t, SQLiteBackend(t).Open(t), fc)
	key := helpers.TestAPIKey

	_, body := stack.Ingest(t, key, "heartbeat", helpers.Heartbeat("tony", "idle"))
	tonyID := body["agentId"].(string)
	stack.Ingest(t, key, "heartbeat", helpers.Heartbeat("kai", "idle"))

	conn := stack.Dial(t)
	require.NoError(t, conn.WriteJSON(helpers.Subscribe("logs", "listLogs", map[string]interface{}{"agentId": tonyID, "limit": 2})))
	require.NoError(t, conn.WriteJSON(helpers.Subscribe("fleet", "getGlobalStats", nil)))

	initial := map[string]gateway.ServerFrame{}
	for len(initial) < 2 {
		f := helpers.NextFrame(t, conn)
		require.Equal(t, gateway.FrameResult, f.Type)
		initial[f.ID] = f
	}
	assert.JSONEq(t, `[]`, string(initial["logs"].Data))

	var fleet models.GlobalStats
	require.NoError(t, json.Unmarshal(initial["fleet"].Data, &fleet))
	assert.Equal(t, 2, fleet.TotalAgents)

	t.Run("Logs Of Other Agents Are Not Pushed", func(t *testing.T) {
		status, _ := stack.Ingest(t, key, "log", helpers.Log("kai", "info", "kai line", ""))
		require.Equal(t, http.StatusCreated, status)
		status, _ = stack.Ingest(t, key, "log", helpers.Log("tony", "warn", "tony line", ""))
		require.Equal(t, http.StatusCreated, status)

		f := helpers.NextFrame(t, conn)
		assert.Equal(t, "logs", f.ID)
		var logs []models.Log
		require.NoError(t, json.Unmarshal(f.Data, &logs))
		require.Len(t, logs, 1)
		assert.Equal(t, "tony line", logs[0].Message)
	})

	t.Run("Pushes Follow Commit Order", func(t *testing.T) {
		for _, msg := range []string{"one", "two", "three"} {
			fc.Advance(time.Millisecond)
			stack.Ingest(t, key, "log", helpers.Log("tony", "info", msg, ""))
		}

		var last uint64
		var newest []string
		for i := 0; i < 3; i++ {
			f := helpers.NextFrame(t, conn)
			require.Equal(t, "logs", f.ID)
			assert.Greater(t, f.Seq, last)
			last = f.Seq

			var logs []models.Log
			require.NoError(t, json.Unmarshal(f.Data, &logs))
			newest = append(newest, logs[0].Message)
		}
		assert.Equal(t, []string{"one", "two", "three"}, newest)
	})

	t.Run("Task Start Updates Fleet Stats", func(t *testing.T) {
		stack.Ingest(t, key, "task/start", helpers.StartTask("kai", "Crawl"))

		f := helpers.NextFrame(t, conn)
		require.Equal(t, "fleet", f.ID)
		require.NoError(t, json.Unmarshal(f.Data, &fleet))
		assert.Equal(t, 1, fleet.ActiveAgents)
		assert.Equal(t, 1, fleet.RunningTasks)
	})

	t.Run("Disconnect Releases Queries", func(t *testing.T) {
		require.NoError(t, conn.Close())
		require.Eventually(t, func() bool {
			queries, observers := stack.Engine.Stats()
			return queries == 0 && observers == 0
		}, 2*time.Second, 10*time.Millisecond)
	})
}
