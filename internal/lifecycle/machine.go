// Package lifecycle maps agent events onto store mutations. Agent status
// is a projection of the latest heartbeat or task transition; nothing else
// writes it.
package lifecycle

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/bizmatters/agent-builder/fleet-telemetry/internal/models"
	"github.com/bizmatters/agent-builder/fleet-telemetry/internal/store"
)

// Recorder receives one call per successful transition. metrics.TelemetryMetrics implements it.
type Recorder interface {
	RecordHeartbeat(ctx context.Context, slug string, status models.AgentStatus)
	RecordTaskStarted(ctx context.Context, agentID string)
	RecordTaskResolved(ctx context.Context, agentID string, status models.TaskStatus, duration time.Duration)
	RecordLog(ctx context.Context, agentID string, level models.LogLevel)
	RecordAgentsExpired(ctx context.Context, n int)
}

// HeartbeatInput is a liveness report. Description is only written when non-empty.
type HeartbeatInput struct {
	Slug        string
	Name        string
	Description *string
	Status      models.AgentStatus
}

// StartTaskInput opens a task for the agent identified by Slug.
type StartTaskInput struct {
	Slug        string
	Title       string
	Description *string
}

// LogInput appends one log line. TaskID, when set, must belong to the same agent.
type LogInput struct {
	Slug    string
	Level   models.LogLevel
	Message string
	TaskID  *string
}

// Machine applies lifecycle events as single store transactions.
type Machine struct {
	store    *store.Store
	recorder Recorder
	logger   *slog.Logger
	tracer   trace.Tracer
}

// NewMachine creates a state machine over s. recorder and logger may be nil.
func NewMachine(s *store.Store, recorder Recorder, logger *slog.Logger) *Machine {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Machine{
		store:    s,
		recorder: recorder,
		logger:   logger,
		tracer:   otel.Tracer("lifecycle-machine"),
	}
}

func required(field, value string) error {
	if strings.TrimSpace(value) == "" {
		return &models.ValidationError{Field: field, Reason: "is required"}
	}
	return nil
}

func agentBySlug(tx *store.Tx, slug string) (models.Agent, error) {
	a, ok := tx.AgentBySlug(slug)
	if !ok {
		return models.Agent{}, &models.NotFoundError{Entity: "agent", Key: slug}
	}
	return a, nil
}

// Heartbeat upserts the agent keyed by slug. The unique agents.by_slug
// index makes the get-or-insert idempotent.
func (m *Machine) Heartbeat(ctx context.Context, in HeartbeatInput) (string, error) {
	ctx, span := m.tracer.Start(ctx, "lifecycle.heartbeat")
	defer span.End()
	span.SetAttributes(attribute.String("agent.slug", in.Slug), attribute.String("agent.status", string(in.Status)))

	if err := required("slug", in.Slug); err != nil {
		return "", err
	}
	if err := required("name", in.Name); err != nil {
		return "", err
	}
	if !in.Status.Valid() {
		return "", &models.ValidationError{Field: "status", Reason: fmt.Sprintf("unknown agent status %q", in.Status)}
	}

	var agentID string
	_, err := m.store.Update(ctx, func(tx *store.Tx) error {
		now := tx.Now()
		existing, ok := tx.AgentBySlug(in.Slug)
		if !ok {
			desc := ""
			if in.Description != nil {
				desc = *in.Description
			}
			id, err := tx.InsertAgent(models.Agent{
				Slug:        in.Slug,
				Name:        in.Name,
				Description: desc,
				Status:      in.Status,
				LastSeen:    now,
			})
			agentID = id
			return err
		}

		agentID = existing.ID
		patch := models.AgentPatch{Name: &in.Name, Status: &in.Status, LastSeen: &now}
		if in.Description != nil && *in.Description != "" {
			patch.Description = in.Description
		}
		return tx.PatchAgent(existing.ID, patch)
	})
	if err != nil {
		span.RecordError(err)
		return "", fmt.Errorf("heartbeat %s: %w", in.Slug, err)
	}

	if m.recorder != nil {
		m.recorder.RecordHeartbeat(ctx, in.Slug, in.Status)
	}
	m.logger.Debug("heartbeat applied", "slug", in.Slug, "agent_id", agentID, "status", in.Status)
	return agentID, nil
}

// StartTask opens a running task and moves its agent to running.
func (m *Machine) StartTask(ctx context.Context, in StartTaskInput) (string, error) {
	ctx, span := m.tracer.Start(ctx, "lifecycle.start_task")
	defer span.End()
	span.SetAttributes(attribute.String("agent.slug", in.Slug))

	if err := required("slug", in.Slug); err != nil {
		return "", err
	}
	if err := required("title", in.Title); err != nil {
		return "", err
	}

	var taskID, agentID string
	_, err := m.store.Update(ctx, func(tx *store.Tx) error {
		agent, err := agentBySlug(tx, in.Slug)
		if err != nil {
			return err
		}
		agentID = agent.ID
		now := tx.Now()

		taskID, err = tx.InsertTask(models.Task{
			AgentID:     agent.ID,
			Title:       in.Title,
			Description: in.Description,
			Status:      models.TaskStatusRunning,
			StartedAt:   now,
		})
		if err != nil {
			return err
		}
		running := models.AgentStatusRunning
		return tx.PatchAgent(agent.ID, models.AgentPatch{Status: &running, LastSeen: &now})
	})
	if err != nil {
		span.RecordError(err)
		return "", fmt.Errorf("start task for %s: %w", in.Slug, err)
	}

	span.SetAttributes(attribute.String("task.id", taskID))
	if m.recorder != nil {
		m.recorder.RecordTaskStarted(ctx, agentID)
	}
	m.logger.Info("task started", "slug", in.Slug, "agent_id", agentID, "task_id", taskID)
	return taskID, nil
}

// CompleteTask resolves a running task as completed and idles its agent.
func (m *Machine) CompleteTask(ctx context.Context, taskID string) (models.Task, error) {
	return m.resolve(ctx, taskID, models.TaskStatusCompleted, nil)
}

// FailTask resolves a running task as failed and puts its agent in error.
func (m *Machine) FailTask(ctx context.Context, taskID string, reason *string) (models.Task, error) {
	return m.resolve(ctx, taskID, models.TaskStatusFailed, reason)
}

func (m *Machine) resolve(ctx context.Context, taskID string, to models.TaskStatus, reason *string) (models.Task, error) {
	ctx, span := m.tracer.Start(ctx, "lifecycle.resolve_task")
	defer span.End()
	span.SetAttributes(attribute.String("task.id", taskID), attribute.String("task.status", string(to)))

	if err := required("taskId", taskID); err != nil {
		return models.Task{}, err
	}

	agentStatus := models.AgentStatusIdle
	if to == models.TaskStatusFailed {
		agentStatus = models.AgentStatusError
	}

	var resolved models.Task
	_, err := m.store.Update(ctx, func(tx *store.Tx) error {
		task, ok := tx.GetTask(taskID)
		if !ok {
			return &models.NotFoundError{Entity: "task", Key: taskID}
		}
		if task.Status != models.TaskStatusRunning {
			return &models.TransitionError{TaskID: taskID, From: task.Status, To: to}
		}

		now := tx.Now()
		duration := now - task.StartedAt
		patch := models.TaskPatch{Status: &to, CompletedAt: &now, DurationMs: &duration}
		if to == models.TaskStatusFailed {
			patch.Error = reason
		}
		if err := tx.PatchTask(taskID, patch); err != nil {
			return err
		}
		resolved = patch.Apply(task)
		return tx.PatchAgent(task.AgentID, models.AgentPatch{Status: &agentStatus, LastSeen: &now})
	})
	if err != nil {
		span.RecordError(err)
		return models.Task{}, fmt.Errorf("%s task %s: %w", to, taskID, err)
	}

	if m.recorder != nil {
		m.recorder.RecordTaskResolved(ctx, resolved.AgentID, to, time.Duration(*resolved.DurationMs)*time.Millisecond)
	}
	m.logger.Info("task resolved", "task_id", taskID, "agent_id", resolved.AgentID, "status", to, "duration_ms", *resolved.DurationMs)
	return resolved, nil
}

// AppendLog stores a log line and refreshes the agent's lastSeen.
func (m *Machine) AppendLog(ctx context.Context, in LogInput) (string, error) {
	ctx, span := m.tracer.Start(ctx, "lifecycle.append_log")
	defer span.End()
	span.SetAttributes(attribute.String("agent.slug", in.Slug), attribute.String("log.level", string(in.Level)))

	if err := required("slug", in.Slug); err != nil {
		return "", err
	}
	if !in.Level.Valid() {
		return "", &models.ValidationError{Field: "level", Reason: fmt.Sprintf("unknown log level %q", in.Level)}
	}
	if err := required("message", in.Message); err != nil {
		return "", err
	}
	if in.TaskID != nil {
		if err := required("taskId", *in.TaskID); err != nil {
			return "", err
		}
	}

	var logID, agentID string
	_, err := m.store.Update(ctx, func(tx *store.Tx) error {
		agent, err := agentBySlug(tx, in.Slug)
		if err != nil {
			return err
		}
		agentID = agent.ID

		if in.TaskID != nil {
			task, ok := tx.GetTask(*in.TaskID)
			if !ok {
				return &models.NotFoundError{Entity: "task", Key: *in.TaskID}
			}
			if task.AgentID != agent.ID {
				return &models.ValidationError{Field: "taskId", Reason: "task belongs to a different agent"}
			}
		}

		now := tx.Now()
		logID, err = tx.InsertLog(models.Log{
			AgentID:   agent.ID,
			TaskID:    in.TaskID,
			Level:     in.Level,
			Message:   in.Message,
			Timestamp: now,
		})
		if err != nil {
			return err
		}
		return tx.PatchAgent(agent.ID, models.AgentPatch{LastSeen: &now})
	})
	if err != nil {
		span.RecordError(err)
		return "", fmt.Errorf("append log for %s: %w", in.Slug, err)
	}

	if m.recorder != nil {
		m.recorder.RecordLog(ctx, agentID, in.Level)
	}
	return logID, nil
}

// ExpireStale marks every agent whose lastSeen is older than maxSilence as
// offline. Agents already offline are left alone. It returns the ids it moved.
func (m *Machine) ExpireStale(ctx context.Context, maxSilence time.Duration) ([]string, error) {
	ctx, span := m.tracer.Start(ctx, "lifecycle.expire_stale")
	defer span.End()

	var expired []string
	_, err := m.store.Update(ctx, func(tx *store.Tx) error {
		expired = expired[:0]
		cutoff := tx.Now() - maxSilence.Milliseconds()
		offline := models.AgentStatusOffline
		for _, a := range tx.Agents(store.Asc, 0) {
			if a.Status == models.AgentStatusOffline || a.LastSeen >= cutoff {
				continue
			}
			if err := tx.PatchAgent(a.ID, models.AgentPatch{Status: &offline}); err != nil {
				return err
			}
			expired = append(expired, a.ID)
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("expire stale agents: %w", err)
	}

	span.SetAttributes(attribute.Int("agents.expired", len(expired)))
	if len(expired) > 0 {
		if m.recorder != nil {
			m.recorder.RecordAgentsExpired(ctx, len(expired))
		}
		m.logger.Info("agents marked offline", "count", len(expired), "max_silence", maxSilence.String())
	}
	return expired, nil
}
