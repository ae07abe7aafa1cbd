package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/stemsi/exstem-assessment/internal/middleware"
	"github.com/stemsi/exstem-assessment/internal/model"
	"github.com/stemsi/exstem-assessment/internal/response"
	"github.com/stemsi/exstem-assessment/internal/service"
	"github.com/stemsi/exstem-assessment/internal/validator"
)

// SessionHandler handles examinee-facing session endpoints.
type SessionHandler struct {
	svc *service.AssessmentService
}

// NewSessionHandler creates a new SessionHandler.
func NewSessionHandler(svc *service.AssessmentService) *SessionHandler {
	return &SessionHandler{svc: svc}
}

// CreateSession godoc
// POST /api/v1/assessments/:assessment_id/sessions
// Starts a new attempt. A second attempt while one is in progress is
// rejected; the response carries the running session id so the client can
// resume it.
func (h *SessionHandler) CreateSession(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}

	assessmentID := c.Param("assessment_id")
	if assessmentID == "" || len(assessmentID) > 128 {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return
	}

	client := model.ClientInfo{IPAddress: c.ClientIP(), UserAgent: c.Request.UserAgent()}
	view, err := h.svc.CreateSession(c.Request.Context(), assessmentID, claims.Subject, client)
	if err != nil {
		if errors.Is(err, model.ErrDuplicateAttempt) {
			if active, ok := h.svc.ActiveSession(assessmentID, claims.Subject); ok {
				response.FailWithFields(c, http.StatusConflict, response.ErrDuplicateAttempt,
					map[string]string{"session_id": active.ID.String()})
				return
			}
		}
		fail(c, err)
		return
	}

	response.Success(c, http.StatusCreated, gin.H{"session": view})
}

// GetSession godoc
// GET /api/v1/sessions/:session_id
func (h *SessionHandler) GetSession(c *gin.Context) {
	view, err := h.svc.Describe(c.Request.Context(), middleware.GetSessionID(c))
	if err != nil {
		fail(c, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"session": view})
}

// RecordAnswer godoc
// POST /api/v1/sessions/:session_id/answers
func (h *SessionHandler) RecordAnswer(c *gin.Context) {
	var req model.RecordAnswerRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	rev, err := h.svc.RecordAnswer(c.Request.Context(), middleware.GetSessionID(c), req.QuestionID, req.Value())
	if err != nil {
		fail(c, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"question_id": req.QuestionID, "revision": rev})
}

// RecordIntegrityEvent godoc
// POST /api/v1/sessions/:session_id/integrity-events
func (h *SessionHandler) RecordIntegrityEvent(c *gin.Context) {
	var req model.RecordIntegrityEventRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	if middleware.Throttled(c) {
		if err := h.svc.CountIntegrityEvent(c.Request.Context(), middleware.GetSessionID(c), req.Kind); err != nil {
			fail(c, err)
			return
		}
		response.Fail(c, http.StatusTooManyRequests, response.ErrRateLimitExceeded)
		return
	}

	stored, err := h.svc.RecordIntegrityEvent(c.Request.Context(), middleware.GetSessionID(c), req.Kind, req.Detail)
	if err != nil {
		fail(c, err)
		return
	}
	response.Success(c, http.StatusAccepted, gin.H{"stored": stored})
}

// Submit godoc
// POST /api/v1/sessions/:session_id/submit
// Idempotent: repeated calls return the same score.
func (h *SessionHandler) Submit(c *gin.Context) {
	score, err := h.svc.Submit(c.Request.Context(), middleware.GetSessionID(c))
	if err != nil {
		fail(c, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"score": score})
}

// GetStatus godoc
// GET /api/v1/sessions/:session_id/status
// The remaining time is informational; the server enforces the deadline.
func (h *SessionHandler) GetStatus(c *gin.Context) {
	status, err := h.svc.GetStatus(c.Request.Context(), middleware.GetSessionID(c))
	if err != nil {
		fail(c, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"status": status})
}

// GetResult godoc
// GET /api/v1/sessions/:session_id/result
func (h *SessionHandler) GetResult(c *gin.Context) {
	score, err := h.svc.GetResult(c.Request.Context(), middleware.GetSessionID(c))
	if err != nil {
		fail(c, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"score": score})
}

// fail writes the response for an engine error, logging unexpected ones.
func fail(c *gin.Context, err error) {
	status, code := response.Classify(err)
	if status >= http.StatusInternalServerError {
		response.Logger(c).Error().Err(err).Str("path", c.FullPath()).Msg("Request failed")
	}
	response.Fail(c, status, code)
}
