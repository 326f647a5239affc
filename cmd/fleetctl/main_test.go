package main

import (
	"bytes"
	"context"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/bizmatters/agent-builder/fleet-telemetry/internal/auth"
	"github.com/bizmatters/agent-builder/fleet-telemetry/internal/clock"
	"github.com/bizmatters/agent-builder/fleet-telemetry/tests/helpers"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := rootCmd
	out := &bytes.Buffer{}
	cmd.SetOut(out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	err := cmd.Execute()
	return strings.TrimSpace(out.String()), err
}

func TestHashKey(t *testing.T) {
	out, err := run(t, "hash-key", "--key", "agent-key-0123456789")
	require.NoError(t, err)
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(out), []byte("agent-key-0123456789")))

	_, err = run(t, "hash-key", "--key", "short")
	assert.Error(t, err)
}

func TestToken(t *testing.T) {
	const secret = "fleetctl-test-secret-0123456789"
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
storage:
  driver: memory
auth:
  agent_api_key: agent-key-0123456789
  jwt_secret: `+secret+`
`), 0o600))

	out, err := run(t, "token", "--config", path, "--subject", "ops", "--ttl", "1h")
	require.NoError(t, err)

	jm, err := auth.NewJWTManager(secret)
	require.NoError(t, err)
	claims, err := jm.ValidateToken(context.Background(), out)
	require.NoError(t, err)
	assert.Equal(t, "ops", claims.Subject)
	assert.True(t, claims.HasRole(auth.RoleViewer))
}

func TestWSURL(t *testing.T) {
	tests := []struct {
		server  string
		want    string
		wantErr bool
	}{
		{"http://localhost:8080", "ws://localhost:8080/api/ws?token=tok", false},
		{"https://fleet.example.com/", "wss://fleet.example.com/api/ws?token=tok", false},
		{"ftp://fleet", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.server, func(t *testing.T) {
			got, err := wsURL(tt.server, "tok")
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestWatch(t *testing.T) {
	stack := helpers.NewStack(t, nil, clock.Real())
	status, _ := stack.Ingest(t, helpers.TestAPIKey, "heartbeat", helpers.Heartbeat("tony", "idle"))
	require.Equal(t, http.StatusOK, status)

	out := &bytes.Buffer{}
	err := watch(out, &watchOptions{server: stack.Server.URL, token: stack.Token, query: "getAgentBySlug", args: `{"slug":"tony"}`, count: 1})
	require.NoError(t, err)
	assert.Contains(t, out.String(), `"slug":"tony"`)

	err = watch(out, &watchOptions{server: stack.Server.URL, token: stack.Token, query: "nope", count: 1})
	assert.ErrorContains(t, err, "VALIDATION_FAILED")

	err = watch(out, &watchOptions{server: stack.Server.URL, token: "bad", count: 1})
	assert.ErrorContains(t, err, "401")
}
