package websocket

import (
	"github.com/stemsi/exstem-assessment/internal/model"
	"github.com/stemsi/exstem-assessment/internal/response"
)

// ─── Actions (Client → Server) ──────────────────────────────────────

type Action string

const (
	ActionAutosave  Action = "autosave"
	ActionIntegrity Action = "integrity"
	ActionSubmit    Action = "submit"
	ActionStatus    Action = "status"
	ActionPing      Action = "ping"
)

// RequestEnvelope is used to peek at the action before full parsing.
// RequestID is echoed back so clients can match replies.
type RequestEnvelope struct {
	Action    Action `json:"action"`
	RequestID string `json:"request_id,omitempty"`
}

// AutosaveRequest is sent by the client to save a single answer.
type AutosaveRequest struct {
	RequestEnvelope
	model.RecordAnswerRequest
}

// IntegrityRequest is sent by the client to report a proctoring signal.
type IntegrityRequest struct {
	RequestEnvelope
	model.RecordIntegrityEventRequest
}

// ─── Events (Server → Client) ───────────────────────────────────────

type Event string

const (
	EventError    Event = "error"
	EventSaved    Event = "saved"
	EventRecorded Event = "recorded"
	EventGraded   Event = "graded"
	EventStatus   Event = "status"
	EventPong     Event = "pong"
	// EventFinalized is pushed when the session ends without a client
	// request, e.g. on timeout or abandon.
	EventFinalized Event = "finalized"
)

type SavedResponse struct {
	Event      Event  `json:"event"`
	RequestID  string `json:"request_id,omitempty"`
	QuestionID string `json:"question_id"`
	Revision   int    `json:"revision"`
}

type RecordedResponse struct {
	Event     Event  `json:"event"`
	RequestID string `json:"request_id,omitempty"`
	Stored    bool   `json:"stored"`
}

type GradedResponse struct {
	Event     Event       `json:"event"`
	RequestID string      `json:"request_id,omitempty"`
	Score     model.Score `json:"score"`
}

type StatusResponse struct {
	Event     Event            `json:"event"`
	RequestID string           `json:"request_id,omitempty"`
	Status    model.StatusView `json:"status"`
}

type ErrorResponse struct {
	Event     Event             `json:"event"`
	RequestID string            `json:"request_id,omitempty"`
	Code      response.ErrCode  `json:"code"`
	Error     string            `json:"error"`
	Fields    map[string]string `json:"fields,omitempty"`
}

type PongResponse struct {
	Event     Event  `json:"event"`
	RequestID string `json:"request_id,omitempty"`
}
