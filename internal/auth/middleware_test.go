package auth

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bizmatters/agent-builder/fleet-telemetry/internal/models"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newRouter(mw ...gin.HandlerFunc) *gin.Engine {
	r := gin.New()
	handlers := append(mw, func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"subject": c.GetString(SubjectKey)})
	})
	r.GET("/probe", handlers...)
	return r
}

func TestRequireAPIKey(t *testing.T) {
	router := newRouter(RequireAPIKey(NewAPIKeyVerifier("agent-key", ""), discard()))

	tests := []struct {
		name       string
		key        string
		wantStatus int
	}{
		{"valid key", "agent-key", http.StatusOK},
		{"wrong key", "nope", http.StatusUnauthorized},
		{"missing key", "", http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/probe", nil)
			if tt.key != "" {
				req.Header.Set(APIKeyHeader, tt.key)
			}
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)

			assert.Equal(t, tt.wantStatus, w.Code)
			if tt.wantStatus == http.StatusUnauthorized {
				var body models.ErrorResponse
				require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
				assert.Equal(t, models.ErrCodeUnauthorized, body.Code)
			}
		})
	}
}

func TestRequireAuth(t *testing.T) {
	jm, err := NewJWTManager(testSecret)
	require.NoError(t, err)
	token, err := jm.GenerateToken(context.Background(), "ops", []string{RoleViewer}, time.Hour)
	require.NoError(t, err)

	router := newRouter(RequireAuth(jm, discard()))

	tests := []struct {
		name       string
		url        string
		header     string
		wantStatus int
	}{
		{"bearer header", "/probe", "Bearer " + token, http.StatusOK},
		{"query token", "/probe?token=" + token, "", http.StatusOK},
		{"wrong scheme", "/probe", "Basic " + token, http.StatusUnauthorized},
		{"bad token", "/probe", "Bearer junk", http.StatusUnauthorized},
		{"no credentials", "/probe", "", http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.url, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)

			assert.Equal(t, tt.wantStatus, w.Code)
			if tt.wantStatus == http.StatusOK {
				assert.Contains(t, w.Body.String(), `"subject":"ops"`)
			}
		})
	}
}

func TestRequireRole(t *testing.T) {
	jm, err := NewJWTManager(testSecret)
	require.NoError(t, err)
	ctx := context.Background()

	viewer, err := jm.GenerateToken(ctx, "ops", []string{RoleViewer}, time.Hour)
	require.NoError(t, err)
	none, err := jm.GenerateToken(ctx, "guest", nil, time.Hour)
	require.NoError(t, err)

	router := newRouter(RequireAuth(jm, discard()), RequireRole(RoleViewer))

	for token, want := range map[string]int{viewer: http.StatusOK, none: http.StatusForbidden} {
		req := httptest.NewRequest(http.MethodGet, "/probe", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		assert.Equal(t, want, w.Code)
	}
}
