package helpers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/bizmatters/agent-builder/fleet-telemetry/internal/auth"
	"github.com/bizmatters/agent-builder/fleet-telemetry/internal/clock"
	"github.com/bizmatters/agent-builder/fleet-telemetry/internal/gateway"
	"github.com/bizmatters/agent-builder/fleet-telemetry/internal/lifecycle"
	"github.com/bizmatters/agent-builder/fleet-telemetry/internal/queries"
	"github.com/bizmatters/agent-builder/fleet-telemetry/internal/store"
	"github.com/bizmatters/agent-builder/fleet-telemetry/internal/subscription"
)

// Stack is a complete service wired in process and served by httptest.
type Stack struct {
	Server   *httptest.Server
	Store    *store.Store
	Engine   *subscription.Engine
	Machine  *lifecycle.Machine
	Verifier *auth.APIKeyVerifier
	JWT      *auth.JWTManager
	Token    string
}

// NewStack opens a store over persister (nil keeps state in memory) and
// serves the gateway with the integration credentials.
func NewStack(t *testing.T, persister store.Persister, c clock.Clock) *Stack {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ctx := context.Background()

	st, err := store.Open(ctx, store.Options{Clock: c, Persister: persister, Logger: logger})
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	engine := subscription.NewEngine(st, subscription.Options{Clock: c, Logger: logger})
	machine := lifecycle.NewMachine(st, nil, logger)
	catalog := &queries.Catalog{Clock: c, Location: time.UTC}

	verifier := auth.NewAPIKeyVerifier(TestAPIKey, "")
	jm, err := auth.NewJWTManager(TestJWTSecret)
	if err != nil {
		t.Fatalf("Failed to create JWT manager: %v", err)
	}
	token, err := jm.GenerateToken(ctx, "integration", []string{auth.RoleViewer}, time.Hour)
	if err != nil {
		t.Fatalf("Failed to mint token: %v", err)
	}

	handler := gateway.NewHandler(machine, st, catalog, logger)
	live := gateway.NewLiveHandler(engine, catalog, gateway.LiveOptions{SendBuffer: 64, Logger: logger})

	router := gin.New()
	api := router.Group("/api")
	ingest := api.Group("/agent")
	ingest.Use(auth.RequireAPIKey(verifier, logger))
	handler.RegisterIngestion(ingest)
	dashboard := api.Group("")
	dashboard.Use(auth.RequireAuth(jm, logger))
	handler.RegisterDashboard(dashboard)
	dashboard.GET("/ws", live.Serve)

	srv := httptest.NewServer(router)
	t.Cleanup(func() {
		srv.Close()
		st.Close()
	})

	return &Stack{
		Server:   srv,
		Store:    st,
		Engine:   engine,
		Machine:  machine,
		Verifier: verifier,
		JWT:      jm,
		Token:    token,
	}
}

// Ingest posts payload to /api/agent/<path> with key and decodes the reply.
func (s *Stack) Ingest(t *testing.T, key, path string, payload interface{}) (int, map[string]interface{}) {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, s.Server.URL+"/api/agent/"+path, bytes.NewReader([]byte(ToJSON(payload))))
	if err != nil {
		t.Fatalf("Failed to build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(auth.APIKeyHeader, key)
	return s.do(t, req, nil)
}

// Read issues an authenticated dashboard GET and decodes the reply into out.
func (s *Stack) Read(t *testing.T, path string, out interface{}) int {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, s.Server.URL+"/api"+path, nil)
	if err != nil {
		t.Fatalf("Failed to build request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.Token)
	status, _ := s.do(t, req, out)
	return status
}

func (s *Stack) do(t *testing.T, req *http.Request, out interface{}) (int, map[string]interface{}) {
	t.Helper()
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("Failed to read body: %v", err)
	}
	if out != nil {
		if err := json.Unmarshal(body, out); err != nil {
			t.Fatalf("Failed to decode %s: %v", body, err)
		}
		return resp.StatusCode, nil
	}
	return resp.StatusCode, FromJSON(string(body))
}

// Dial opens an authenticated websocket to the live query endpoint.
func (s *Stack) Dial(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(s.Server.URL, "http") + "/api/ws?token=" + s.Token
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Failed to dial websocket: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// NextFrame reads one server frame, failing the test after two seconds.
func NextFrame(t *testing.T, conn *websocket.Conn) gateway.ServerFrame {
	t.Helper()
	if err := conn.SetReadDeadline(time.Now().Add(2 * time.Second)); err != nil {
		t.Fatalf("Failed to set deadline: %v", err)
	}
	var frame gateway.ServerFrame
	if err := conn.ReadJSON(&frame); err != nil {
		t.Fatalf("Failed to read frame: %v", err)
	}
	return frame
}
