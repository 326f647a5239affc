// Package gateway exposes the telemetry core over HTTP: the agent
// ingestion API, one-shot dashboard reads and the live websocket feed.
package gateway

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/bizmatters/agent-builder/fleet-telemetry/internal/lifecycle"
	"github.com/bizmatters/agent-builder/fleet-telemetry/internal/models"
	"github.com/bizmatters/agent-builder/fleet-telemetry/internal/persistence"
	"github.com/bizmatters/agent-builder/fleet-telemetry/internal/queries"
	"github.com/bizmatters/agent-builder/fleet-telemetry/internal/store"
	"github.com/bizmatters/agent-builder/fleet-telemetry/internal/subscription"
)

// Handler handles HTTP requests for the gateway layer
type Handler struct {
	machine *lifecycle.Machine
	store   *store.Store
	catalog *queries.Catalog
	logger  *slog.Logger
}

// NewHandler creates a new gateway handler
func NewHandler(machine *lifecycle.Machine, s *store.Store, catalog *queries.Catalog, logger *slog.Logger) *Handler {
	return &Handler{
		machine: machine,
		store:   s,
		catalog: catalog,
		logger:  logger,
	}
}

// RegisterIngestion mounts the agent-facing routes on g.
func (h *Handler) RegisterIngestion(g *gin.RouterGroup) {
	g.POST("/heartbeat", h.Heartbeat)
	g.POST("/task/start", h.StartTask)
	g.POST("/task/complete", h.CompleteTask)
	g.POST("/task/fail", h.FailTask)
	g.POST("/log", h.AppendLog)
}

// RegisterDashboard mounts the one-shot dashboard reads on g.
func (h *Handler) RegisterDashboard(g *gin.RouterGroup) {
	g.GET("/agents", h.ListAgents)
	g.GET("/agents/:id", h.GetAgent)
	g.GET("/agents/:id/stats", h.GetAgentStats)
	g.GET("/agents/by-slug/:slug", h.GetAgentBySlug)
	g.GET("/tasks", h.ListTasks)
	g.GET("/logs", h.ListLogs)
	g.GET("/stats", h.GetGlobalStats)
}

// writeError maps the core error taxonomy onto HTTP statuses
func (h *Handler) writeError(c *gin.Context, err error) {
	status, code := http.StatusInternalServerError, models.ErrCodeInternalError
	resp := models.ErrorResponse{Error: err.Error()}

	var ve *models.ValidationError
	var te *models.TransitionError
	var nf *models.NotFoundError
	switch {
	case errors.As(err, &ve):
		status, code = http.StatusBadRequest, models.ErrCodeValidationFailed
		resp.Details = map[string]string{"field": ve.Field}
	case errors.As(err, &nf):
		status, code = http.StatusNotFound, models.ErrCodeNotFound
		resp.Details = map[string]string{"entity": nf.Entity}
	case errors.As(err, &te):
		status, code = http.StatusConflict, models.ErrCodeInvalidTransition
		resp.Details = map[string]string{"from": string(te.From), "to": string(te.To)}
	case errors.Is(err, models.ErrValidation):
		status, code = http.StatusBadRequest, models.ErrCodeValidationFailed
	case errors.Is(err, models.ErrNotFound):
		status, code = http.StatusNotFound, models.ErrCodeNotFound
	case errors.Is(err, models.ErrInvalidTransition):
		status, code = http.StatusConflict, models.ErrCodeInvalidTransition
	case errors.Is(err, persistence.ErrUnavailable):
		status, code = http.StatusServiceUnavailable, models.ErrCodeUnavailable
	}
	resp.Code = code

	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", "path", c.Request.URL.Path, "error", err)
		_ = c.Error(err)
		if status == http.StatusInternalServerError {
			resp.Error = "Internal server error"
		}
	}
	c.JSON(status, resp)
}

func (h *Handler) badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, models.ErrorResponse{
		Error: "Invalid request",
		Code:  models.ErrCodeInvalidRequest,
		Details: map[string]string{
			"reason": err.Error(),
		},
	})
}

// HeartbeatRequest represents an agent liveness report
type HeartbeatRequest struct {
	Slug        string  `json:"slug"`
	Name        string  `json:"name"`
	Description *string `json:"description,omitempty"`
	Status      string  `json:"status"`
}

// HeartbeatResponse carries the id of the reporting agent
type HeartbeatResponse struct {
	AgentID string `json:"agentId"`
}

// Heartbeat godoc
// @Summary Agent heartbeat
// @Description Create the agent on first contact, otherwise refresh its name, status and lastSeen
// @Tags agent
// @Accept json
// @Produce json
// @Param request body HeartbeatRequest true "Heartbeat"
// @Success 200 {object} HeartbeatResponse
// @Failure 400 {object} models.ErrorResponse
// @Failure 401 {object} models.ErrorResponse
// @Security APIKeyAuth
// @Router /agent/heartbeat [post]
func (h *Handler) Heartbeat(c *gin.Context) {
	var req HeartbeatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, err)
		return
	}

	id, err := h.machine.Heartbeat(c.Request.Context(), lifecycle.HeartbeatInput{
		Slug:        req.Slug,
		Name:        req.Name,
		Description: req.Description,
		Status:      models.AgentStatus(req.Status),
	})
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, HeartbeatResponse{AgentID: id})
}

// StartTaskRequest represents a task-start event
type StartTaskRequest struct {
	Slug        string  `json:"slug"`
	Title       string  `json:"title"`
	Description *string `json:"description,omitempty"`
}

// StartTaskResponse carries the id of the new task
type StartTaskResponse struct {
	TaskID string `json:"taskId"`
}

// StartTask godoc
// @Summary Start task
// @Description Record a running task for the agent and mark the agent running
// @Tags agent
// @Accept json
// @Produce json
// @Param request body StartTaskRequest true "Task"
// @Success 201 {object} StartTaskResponse
// @Failure 400 {object} models.ErrorResponse
// @Failure 404 {object} models.ErrorResponse
// @Security APIKeyAuth
// @Router /agent/task/start [post]
func (h *Handler) StartTask(c *gin.Context) {
	var req StartTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, err)
		return
	}

	id, err := h.machine.StartTask(c.Request.Context(), lifecycle.StartTaskInput{
		Slug:        req.Slug,
		Title:       req.Title,
		Description: req.Description,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, StartTaskResponse{TaskID: id})
}

// CompleteTaskRequest represents a task-complete event
type CompleteTaskRequest struct {
	TaskID string `json:"taskId" binding:"required"`
}

// FailTaskRequest represents a task-fail event
type FailTaskRequest struct {
	TaskID string  `json:"taskId" binding:"required"`
	Error  *string `json:"error,omitempty"`
}

// StatusResponse acknowledges a task resolution
type StatusResponse struct {
	Status string `json:"status"`
}

// CompleteTask godoc
// @Summary Complete task
// @Description Resolve a running task as completed; the agent becomes idle
// @Tags agent
// @Accept json
// @Produce json
// @Param request body CompleteTaskRequest true "Task id"
// @Success 200 {object} StatusResponse
// @Failure 404 {object} models.ErrorResponse
// @Failure 409 {object} models.ErrorResponse
// @Security APIKeyAuth
// @Router /agent/task/complete [post]
func (h *Handler) CompleteTask(c *gin.Context) {
	var req CompleteTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, err)
		return
	}

	if _, err := h.machine.CompleteTask(c.Request.Context(), req.TaskID); err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, StatusResponse{Status: "ok"})
}

// FailTask godoc
// @Summary Fail task
// @Description Resolve a running task as failed; the agent enters the error state
// @Tags agent
// @Accept json
// @Produce json
// @Param request body FailTaskRequest true "Task id and reason"
// @Success 200 {object} StatusResponse
// @Failure 404 {object} models.ErrorResponse
// @Failure 409 {object} models.ErrorResponse
// @Security APIKeyAuth
// @Router /agent/task/fail [post]
func (h *Handler) FailTask(c *gin.Context) {
	var req FailTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, err)
		return
	}

	if _, err := h.machine.FailTask(c.Request.Context(), req.TaskID, req.Error); err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, StatusResponse{Status: "ok"})
}

// LogRequest represents one log line from an agent
type LogRequest struct {
	Slug    string  `json:"slug"`
	Level   string  `json:"level"`
	Message string  `json:"message"`
	TaskID  *string `json:"taskId,omitempty"`
}

// LogResponse carries the id of the stored log line
type LogResponse struct {
	LogID string `json:"logId"`
}

// AppendLog godoc
// @Summary Append log
// @Description Store a log line for the agent and refresh its lastSeen
// @Tags agent
// @Accept json
// @Produce json
// @Param request body LogRequest true "Log line"
// @Success 201 {object} LogResponse
// @Failure 400 {object} models.ErrorResponse
// @Failure 404 {object} models.ErrorResponse
// @Security APIKeyAuth
// @Router /agent/log [post]
func (h *Handler) AppendLog(c *gin.Context) {
	var req LogRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, err)
		return
	}

	id, err := h.machine.AppendLog(c.Request.Context(), lifecycle.LogInput{
		Slug:    req.Slug,
		Level:   models.LogLevel(req.Level),
		Message: req.Message,
		TaskID:  req.TaskID,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, LogResponse{LogID: id})
}

// read runs q once and writes its result. A nil result is a 404.
func (h *Handler) read(c *gin.Context, q subscription.Query, entity, key string) {
	out, err := queries.Run(c.Request.Context(), h.store, q)
	if err != nil {
		h.writeError(c, err)
		return
	}
	if out == nil {
		h.writeError(c, &models.NotFoundError{Entity: entity, Key: key})
		return
	}
	c.JSON(http.StatusOK, out)
}

// ListAgents godoc
// @Summary List agents
// @Tags dashboard
// @Produce json
// @Success 200 {array} models.Agent
// @Security BearerAuth
// @Router /agents [get]
func (h *Handler) ListAgents(c *gin.Context) {
	h.read(c, h.catalog.ListAgents(), "agents", "")
}

// GetAgent godoc
// @Summary Get agent
// @Tags dashboard
// @Produce json
// @Param id path string true "Agent ID"
// @Success 200 {object} models.Agent
// @Failure 404 {object} models.ErrorResponse
// @Security BearerAuth
// @Router /agents/{id} [get]
func (h *Handler) GetAgent(c *gin.Context) {
	id := c.Param("id")
	h.read(c, h.catalog.GetAgent(id), "agent", id)
}

// GetAgentBySlug godoc
// @Summary Get agent by slug
// @Tags dashboard
// @Produce json
// @Param slug path string true "Agent slug"
// @Success 200 {object} models.Agent
// @Failure 404 {object} models.ErrorResponse
// @Security BearerAuth
// @Router /agents/by-slug/{slug} [get]
func (h *Handler) GetAgentBySlug(c *gin.Context) {
	slug := c.Param("slug")
	h.read(c, h.catalog.GetAgentBySlug(slug), "agent", slug)
}

// GetAgentStats godoc
// @Summary Get agent statistics
// @Description Task counters and completion rate; zeroed for an agent without tasks
// @Tags dashboard
// @Produce json
// @Param id path string true "Agent ID"
// @Success 200 {object} models.AgentStats
// @Security BearerAuth
// @Router /agents/{id}/stats [get]
func (h *Handler) GetAgentStats(c *gin.Context) {
	id := c.Param("id")
	h.read(c, h.catalog.GetAgentStats(id), "agent", id)
}

// ListTasks godoc
// @Summary List tasks
// @Description Newest 100 tasks, optionally of one agent, filtered by status
// @Tags dashboard
// @Produce json
// @Param agentId query string false "Agent ID"
// @Param status query string false "running, completed, failed or all"
// @Success 200 {array} models.Task
// @Failure 400 {object} models.ErrorResponse
// @Security BearerAuth
// @Router /tasks [get]
func (h *Handler) ListTasks(c *gin.Context) {
	q, err := h.catalog.ListTasks(c.Query("agentId"), c.Query("status"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	h.read(c, q, "tasks", "")
}

// ListLogs godoc
// @Summary List logs
// @Description Newest log lines first
// @Tags dashboard
// @Produce json
// @Param agentId query string false "Agent ID"
// @Param taskId query string false "Task ID"
// @Param limit query int false "1 to 1000, default 50"
// @Success 200 {array} models.Log
// @Failure 400 {object} models.ErrorResponse
// @Security BearerAuth
// @Router /logs [get]
func (h *Handler) ListLogs(c *gin.Context) {
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			h.writeError(c, &models.ValidationError{Field: "limit", Reason: "must be an integer"})
			return
		}
		if n == 0 {
			n = -1
		}
		limit = n
	}

	q, err := h.catalog.ListLogs(c.Query("agentId"), c.Query("taskId"), limit)
	if err != nil {
		h.writeError(c, err)
		return
	}
	h.read(c, q, "logs", "")
}

// GetGlobalStats godoc
// @Summary Fleet statistics
// @Description Agent counts and today's task counters over the most recent task window
// @Tags dashboard
// @Produce json
// @Success 200 {object} models.GlobalStats
// @Security BearerAuth
// @Router /stats [get]
func (h *Handler) GetGlobalStats(c *gin.Context) {
	h.read(c, h.catalog.GetGlobalStats(), "stats", "")
}
