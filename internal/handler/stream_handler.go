package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/stemsi/exstem-assessment/internal/middleware"
	"github.com/stemsi/exstem-assessment/internal/response"
	"github.com/stemsi/exstem-assessment/internal/service"
	"github.com/stemsi/exstem-assessment/internal/validator"
	ws "github.com/stemsi/exstem-assessment/internal/websocket"
)

// DefaultStatusPushInterval is how often the server pushes the countdown.
const DefaultStatusPushInterval = 10 * time.Second

// buildUpgrader creates a WebSocket upgrader with origin validation.
// allowedOrigins comes from config.Config.AllowedOrigins.
// An empty slice permits all origins (development mode).
func buildUpgrader(allowedOrigins []string) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			if len(allowedOrigins) == 0 {
				return true
			}
			origin := r.Header.Get("Origin")
			for _, allowed := range allowedOrigins {
				if strings.EqualFold(allowed, origin) {
					return true
				}
			}
			return false
		},
	}
}

// StreamHandler serves the examinee WebSocket: autosave, integrity reports,
// submit and a pushed countdown over one connection.
type StreamHandler struct {
	svc      *service.AssessmentService
	limiter  *middleware.RateLimiter
	log      zerolog.Logger
	upgrader websocket.Upgrader
	interval time.Duration
}

// NewStreamHandler creates a new StreamHandler. limiter bounds integrity
// reports per session and may be shared with the HTTP route. pushInterval
// paces the countdown push; zero means DefaultStatusPushInterval.
func NewStreamHandler(svc *service.AssessmentService, limiter *middleware.RateLimiter, log zerolog.Logger, allowedOrigins []string, pushInterval time.Duration) *StreamHandler {
	if pushInterval <= 0 {
		pushInterval = DefaultStatusPushInterval
	}
	return &StreamHandler{
		svc:      svc,
		limiter:  limiter,
		log:      log.With().Str("component", "stream_handler").Logger(),
		upgrader: buildUpgrader(allowedOrigins),
		interval: pushInterval,
	}
}

// SessionStream godoc
// WS /ws/v1/sessions/:session_id/stream
// Disconnecting never pauses the deadline; the session keeps running
// server-side and the client resumes by reconnecting.
func (h *StreamHandler) SessionStream(c *gin.Context) {
	sessionID := middleware.GetSessionID(c)

	raw, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Error().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	conn := ws.Wrap(raw)
	defer conn.Close()

	// The request context ends with the hijacked HTTP exchange.
	ctx, cancel := context.WithCancel(context.WithoutCancel(c.Request.Context()))
	defer cancel()

	wsLog := h.log.With().
		Str("session_id", sessionID.String()).
		Str("examinee_id", middleware.GetClaims(c).Subject).
		Logger()
	wsLog.Info().Msg("Examinee connected")

	if !h.pushStatus(ctx, conn, sessionID, "") {
		return
	}
	go h.statusPusher(ctx, conn, sessionID)

	for {
		data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				wsLog.Warn().Err(err).Msg("Unexpected close")
			} else {
				wsLog.Debug().Msg("Connection closed")
			}
			return
		}
		h.dispatch(ctx, conn, wsLog, sessionID, data)
	}
}

func (h *StreamHandler) dispatch(ctx context.Context, conn *ws.Conn, log zerolog.Logger, sessionID uuid.UUID, data []byte) {
	var env ws.RequestEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		conn.WriteError("", response.ErrInvalidPayload, nil)
		return
	}

	switch env.Action {
	case ws.ActionAutosave:
		var req ws.AutosaveRequest
		if !decode(conn, data, &req, env.RequestID) {
			return
		}
		rev, err := h.svc.RecordAnswer(ctx, sessionID, req.QuestionID, req.Value())
		if err != nil {
			h.writeEngineError(conn, log, env.RequestID, err)
			return
		}
		conn.WriteTyped(ws.SavedResponse{Event: ws.EventSaved, RequestID: env.RequestID, QuestionID: req.QuestionID, Revision: rev})

	case ws.ActionIntegrity:
		var req ws.IntegrityRequest
		if !decode(conn, data, &req, env.RequestID) {
			return
		}
		if !h.limiter.Allow(sessionID.String()) {
			if err := h.svc.CountIntegrityEvent(ctx, sessionID, req.Kind); err != nil {
				h.writeEngineError(conn, log, env.RequestID, err)
				return
			}
			conn.WriteError(env.RequestID, response.ErrRateLimitExceeded, nil)
			return
		}
		stored, err := h.svc.RecordIntegrityEvent(ctx, sessionID, req.Kind, req.Detail)
		if err != nil {
			h.writeEngineError(conn, log, env.RequestID, err)
			return
		}
		conn.WriteTyped(ws.RecordedResponse{Event: ws.EventRecorded, RequestID: env.RequestID, Stored: stored})

	case ws.ActionSubmit:
		score, err := h.svc.Submit(ctx, sessionID)
		if err != nil {
			h.writeEngineError(conn, log, env.RequestID, err)
			return
		}
		log.Info().Float64("percentage", score.Percentage).Msg("Session submitted over WebSocket")
		conn.WriteTyped(ws.GradedResponse{Event: ws.EventGraded, RequestID: env.RequestID, Score: score})

	case ws.ActionStatus:
		h.pushStatus(ctx, conn, sessionID, env.RequestID)

	case ws.ActionPing:
		conn.WriteTyped(ws.PongResponse{Event: ws.EventPong, RequestID: env.RequestID})

	default:
		log.Warn().Str("action", string(env.Action)).Msg("Unknown action")
		conn.WriteError(env.RequestID, response.ErrInvalidPayload, map[string]string{"action": "unknown action: " + string(env.Action)})
	}
}

// statusPusher sends the countdown every push interval, and a final
// event once the session ends without a client request (timeout, abandon).
func (h *StreamHandler) statusPusher(ctx context.Context, conn *ws.Conn, sessionID uuid.UUID) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			status, err := h.svc.GetStatus(ctx, sessionID)
			if err != nil {
				return
			}
			if status.Status.Terminal() {
				conn.WriteTyped(ws.StatusResponse{Event: ws.EventFinalized, Status: status})
				return
			}
			if conn.WriteTyped(ws.StatusResponse{Event: ws.EventStatus, Status: status}) != nil {
				return
			}
		}
	}
}

func (h *StreamHandler) pushStatus(ctx context.Context, conn *ws.Conn, sessionID uuid.UUID, requestID string) bool {
	status, err := h.svc.GetStatus(ctx, sessionID)
	if err != nil {
		h.writeEngineError(conn, h.log, requestID, err)
		return false
	}
	return conn.WriteTyped(ws.StatusResponse{Event: ws.EventStatus, RequestID: requestID, Status: status}) == nil
}

func (h *StreamHandler) writeEngineError(conn *ws.Conn, log zerolog.Logger, requestID string, err error) {
	status, code := response.Classify(err)
	if status >= http.StatusInternalServerError {
		log.Error().Err(err).Msg("WebSocket action failed")
	}
	conn.WriteError(requestID, code, nil)
}

// decode parses and validates one action payload, replying with the
// translated field errors on failure.
func decode(conn *ws.Conn, data []byte, dst any, requestID string) bool {
	if err := json.Unmarshal(data, dst); err != nil {
		conn.WriteError(requestID, response.ErrInvalidPayload, nil)
		return false
	}
	if fields := validator.Struct(dst); fields != nil {
		conn.WriteError(requestID, response.ErrValidation, fields)
		return false
	}
	return true
}
