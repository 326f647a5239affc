package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/bizmatters/agent-builder/fleet-telemetry/internal/auth"
	"github.com/bizmatters/agent-builder/fleet-telemetry/internal/models"
	"github.com/bizmatters/agent-builder/fleet-telemetry/internal/queries"
	"github.com/bizmatters/agent-builder/fleet-telemetry/internal/subscription"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
)

// Client frame operations.
const (
	OpSubscribe   = "subscribe"
	OpUnsubscribe = "unsubscribe"
)

// Server frame types.
const (
	FrameResult = "result"
	FrameError  = "error"
)

// ClientFrame is a message from a dashboard client
type ClientFrame struct {
	Op    string          `json:"op"`
	ID    string          `json:"id"`
	Query string          `json:"query,omitempty"`
	Args  json.RawMessage `json:"args,omitempty"`
}

// ServerFrame is a message to a dashboard client
type ServerFrame struct {
	Type  string          `json:"type"`
	ID    string          `json:"id,omitempty"`
	Seq   uint64          `json:"seq,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error string          `json:"error,omitempty"`
	Code  string          `json:"code,omitempty"`
}

// ConnectionRecorder counts open websocket sessions.
type ConnectionRecorder interface {
	RecordConnection(ctx context.Context, delta int64)
}

// LiveOptions configures the websocket endpoint.
type LiveOptions struct {
	// SendBuffer is the number of frames queued per connection before the
	// client is considered too slow and disconnected.
	SendBuffer     int
	AllowedOrigins []string
	Recorder       ConnectionRecorder
	Logger         *slog.Logger
}

// LiveHandler serves live query subscriptions over websockets
type LiveHandler struct {
	engine     *subscription.Engine
	catalog    *queries.Catalog
	sendBuffer int
	recorder   ConnectionRecorder
	logger     *slog.Logger
	tracer     trace.Tracer
	upgrader   websocket.Upgrader
}

// NewLiveHandler creates a new websocket subscription handler
func NewLiveHandler(engine *subscription.Engine, catalog *queries.Catalog, opts LiveOptions) *LiveHandler {
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = 256
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	allowed := make(map[string]bool, len(opts.AllowedOrigins))
	for _, o := range opts.AllowedOrigins {
		allowed[o] = true
	}

	return &LiveHandler{
		engine:     engine,
		catalog:    catalog,
		sendBuffer: opts.SendBuffer,
		recorder:   opts.Recorder,
		logger:     opts.Logger,
		tracer:     otel.Tracer("live-subscriptions"),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return len(allowed) == 0 || origin == "" || allowed[origin]
			},
			HandshakeTimeout: 10 * time.Second,
		},
	}
}

// Serve handles WebSocket /api/ws
// @Summary Live dashboard queries
// @Description Subscribe to named queries; every change to a result is pushed as a result frame
// @Tags dashboard
// @Param token query string false "JWT, for clients that cannot set headers"
// @Success 101 "Switching Protocols"
// @Failure 401 {object} models.ErrorResponse
// @Security BearerAuth
// @Router /ws [get]
func (h *LiveHandler) Serve(c *gin.Context) {
	ctx, span := h.tracer.Start(c.Request.Context(), "websocket.session")
	defer span.End()

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		span.RecordError(err)
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	s := &session{
		id:      uuid.NewString(),
		handler: h,
		conn:    conn,
		send:    make(chan []byte, h.sendBuffer),
		done:    make(chan struct{}),
		subs:    make(map[string]*subscription.Subscription),
	}
	s.logger = h.logger.With("connection", s.id, "subject", c.GetString(auth.SubjectKey))
	span.SetAttributes(attribute.String("connection.id", s.id))

	if h.recorder != nil {
		h.recorder.RecordConnection(ctx, 1)
		defer h.recorder.RecordConnection(context.Background(), -1)
	}

	s.logger.Info("websocket session opened")
	go s.writePump()
	s.readPump(ctx)
	s.shutdown()

	span.SetAttributes(attribute.Int("subscriptions.opened", s.opened))
	s.logger.Info("websocket session closed", "subscriptions", s.opened)
}

type session struct {
	id      string
	handler *LiveHandler
	conn    *websocket.Conn
	send    chan []byte
	done    chan struct{}
	logger  *slog.Logger

	mu     sync.Mutex
	subs   map[string]*subscription.Subscription
	closed bool
	opened int

	closeOnce sync.Once
}

func (s *session) readPump(ctx context.Context) {
	s.conn.SetReadLimit(maxMessageSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, msg, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Warn("websocket read failed", "error", err)
			}
			return
		}

		var frame ClientFrame
		if err := json.Unmarshal(msg, &frame); err != nil {
			s.sendError("", &models.ValidationError{Field: "frame", Reason: "malformed json"})
			continue
		}
		s.handle(ctx, frame)
	}
}

func (s *session) handle(ctx context.Context, frame ClientFrame) {
	if frame.ID == "" {
		s.sendError("", &models.ValidationError{Field: "id", Reason: "is required"})
		return
	}

	switch frame.Op {
	case OpSubscribe:
		s.subscribe(ctx, frame)
	case OpUnsubscribe:
		s.mu.Lock()
		sub, ok := s.subs[frame.ID]
		delete(s.subs, frame.ID)
		s.mu.Unlock()
		if !ok {
			s.sendError(frame.ID, &models.NotFoundError{Entity: "subscription", Key: frame.ID})
			return
		}
		sub.Close()
	default:
		s.sendError(frame.ID, &models.ValidationError{Field: "op", Reason: fmt.Sprintf("unknown operation %q", frame.Op)})
	}
}

func (s *session) subscribe(ctx context.Context, frame ClientFrame) {
	q, err := s.handler.catalog.Parse(frame.Query, frame.Args)
	if err != nil {
		s.sendError(frame.ID, err)
		return
	}

	s.mu.Lock()
	_, dup := s.subs[frame.ID]
	s.mu.Unlock()
	if dup {
		s.sendError(frame.ID, &models.ValidationError{Field: "id", Reason: "already subscribed"})
		return
	}

	id := frame.ID
	sub, err := s.handler.engine.Subscribe(ctx, q, func(u subscription.Update) {
		s.push(ServerFrame{Type: FrameResult, ID: id, Seq: u.Seq, Data: u.Data})
	})
	if err != nil {
		s.sendError(frame.ID, err)
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		sub.Close()
		return
	}
	s.subs[id] = sub
	s.opened++
	s.mu.Unlock()

	s.logger.Debug("subscribed", "id", id, "query", q.Key)
}

// push queues a frame without blocking. It runs on subscription delivery
// goroutines, so a full buffer drops the connection instead of waiting.
func (s *session) push(frame ServerFrame) {
	msg, err := json.Marshal(frame)
	if err != nil {
		s.logger.Error("failed to encode frame", "error", err)
		return
	}

	select {
	case <-s.done:
	case s.send <- msg:
	default:
		s.logger.Warn("client too slow, disconnecting", "buffer", cap(s.send))
		// Closing the socket ends readPump, which closes the subscriptions.
		go s.conn.Close()
	}
}

func (s *session) sendError(id string, err error) {
	frame := ServerFrame{Type: FrameError, ID: id, Error: err.Error(), Code: models.ErrCodeInternalError}

	var ve *models.ValidationError
	var nf *models.NotFoundError
	switch {
	case errors.As(err, &ve):
		frame.Code = models.ErrCodeValidationFailed
	case errors.As(err, &nf):
		frame.Code = models.ErrCodeNotFound
	}
	s.push(frame)
}

func (s *session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case <-s.done:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case msg := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				s.logger.Debug("websocket write failed", "error", err)
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// shutdown closes every subscription of the session. Close is synchronous,
// so no frame is queued after it returns.
func (s *session) shutdown() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		subs := s.subs
		s.subs = nil
		s.mu.Unlock()

		for _, sub := range subs {
			sub.Close()
		}
		close(s.done)
	})
}
