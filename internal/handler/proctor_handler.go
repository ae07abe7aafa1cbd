package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/stemsi/exstem-assessment/internal/middleware"
	"github.com/stemsi/exstem-assessment/internal/model"
	"github.com/stemsi/exstem-assessment/internal/response"
	"github.com/stemsi/exstem-assessment/internal/service"
	"github.com/stemsi/exstem-assessment/internal/validator"
)

// ProctorHandler handles proctor review and administrative actions.
type ProctorHandler struct {
	svc *service.AssessmentService
}

// NewProctorHandler creates a new ProctorHandler.
func NewProctorHandler(svc *service.AssessmentService) *ProctorHandler {
	return &ProctorHandler{svc: svc}
}

// Review godoc
// GET /api/v1/proctor/sessions/:session_id
// Full record with integrity summary, flags and score breakdown.
func (h *ProctorHandler) Review(c *gin.Context) {
	review, err := h.svc.Review(c.Request.Context(), middleware.GetSessionID(c))
	if err != nil {
		fail(c, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"review": review})
}

// AnswerHistory godoc
// GET /api/v1/proctor/sessions/:session_id/answers/:question_id/history
func (h *ProctorHandler) AnswerHistory(c *gin.Context) {
	questionID := c.Param("question_id")
	history, err := h.svc.AnswerHistory(c.Request.Context(), middleware.GetSessionID(c), questionID)
	if err != nil {
		fail(c, err)
		return
	}
	if history == nil {
		history = []model.AnswerRecord{}
	}
	response.Success(c, http.StatusOK, gin.H{"question_id": questionID, "revisions": history})
}

// Abandon godoc
// POST /api/v1/proctor/sessions/:session_id/abandon
func (h *ProctorHandler) Abandon(c *gin.Context) {
	var req model.AbandonSessionRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	id := middleware.GetSessionID(c)
	if err := h.svc.Abandon(c.Request.Context(), id, req.Reason); err != nil {
		fail(c, err)
		return
	}

	response.Logger(c).Info().
		Str("session_id", id.String()).
		Str("proctor_id", middleware.GetClaims(c).Subject).
		Msg("Session abandoned by proctor")
	response.Success(c, http.StatusOK, gin.H{"session_id": id, "status": model.SessionStatusAbandoned})
}

// Flag godoc
// POST /api/v1/proctor/sessions/:session_id/flag
func (h *ProctorHandler) Flag(c *gin.Context) {
	var req model.FlagSessionRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	if err := h.svc.Flag(c.Request.Context(), middleware.GetSessionID(c), req.Reason); err != nil {
		fail(c, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"session_id": middleware.GetSessionID(c), "needs_review": true})
}
