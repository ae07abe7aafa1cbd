package model

import (
	"time"

	"github.com/google/uuid"
)

// SessionStatus enumerates session lifecycle states.
type SessionStatus string

const (
	SessionStatusCreated    SessionStatus = "CREATED"
	SessionStatusInProgress SessionStatus = "IN_PROGRESS"
	SessionStatusSubmitted  SessionStatus = "SUBMITTED"
	SessionStatusTimedOut   SessionStatus = "TIMED_OUT"
	SessionStatusAbandoned  SessionStatus = "ABANDONED"
)

// Terminal reports whether no further transition is possible.
func (s SessionStatus) Terminal() bool {
	return s == SessionStatusSubmitted || s == SessionStatusTimedOut || s == SessionStatusAbandoned
}

// Graded reports whether the state carries a score.
func (s SessionStatus) Graded() bool {
	return s == SessionStatusSubmitted || s == SessionStatusTimedOut
}

// AnswerValue is what the examinee entered for one question.
type AnswerValue struct {
	SelectedOptionIDs []string `json:"selected_option_ids,omitempty"`
	Text              string   `json:"text,omitempty"`
}

// AnswerRecord is one revision of an answer.
type AnswerRecord struct {
	QuestionID string      `json:"question_id"`
	Value      AnswerValue `json:"value"`
	RecordedAt time.Time   `json:"recorded_at"`
	Revision   int         `json:"revision"`
}

// ClientInfo is captured when a session is created.
type ClientInfo struct {
	IPAddress string `json:"ip_address,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`
}

// SessionRecord is the copy-on-read form of a session. It is what the store
// persists and what recovery rebuilds sessions from.
type SessionRecord struct {
	ID               uuid.UUID             `json:"id"`
	AssessmentID     string                `json:"assessment_id"`
	ExamineeID       string                `json:"examinee_id"`
	AttemptNumber    int                   `json:"attempt_number"`
	Status           SessionStatus         `json:"status"`
	StartedAt        time.Time             `json:"started_at"`
	DeadlineAt       time.Time             `json:"deadline_at"`
	SubmittedAt      *time.Time            `json:"submitted_at,omitempty"`
	QuestionOrder    []string              `json:"question_order"`
	Answers          []AnswerRecord        `json:"answers"`
	IntegrityEvents  []IntegrityEvent      `json:"integrity_events"`
	IntegrityCounts  map[IntegrityKind]int `json:"integrity_counts,omitempty"`
	IntegrityDropped int                   `json:"integrity_dropped"`
	Score            *Score                `json:"score,omitempty"`
	NeedsReview      bool                  `json:"needs_review"`
	ReviewReason     string                `json:"review_reason,omitempty"`
	AbandonReason    string                `json:"abandon_reason,omitempty"`
	Client           ClientInfo            `json:"client"`
	Version          int64                 `json:"version"`
	UpdatedAt        time.Time             `json:"updated_at"`
}

// LatestAnswers reduces the full answer history to the highest revision per
// question, keeping question order.
func (r *SessionRecord) LatestAnswers() []AnswerRecord {
	latest := make(map[string]AnswerRecord, len(r.QuestionOrder))
	for _, a := range r.Answers {
		if cur, ok := latest[a.QuestionID]; !ok || a.Revision > cur.Revision {
			latest[a.QuestionID] = a
		}
	}
	out := make([]AnswerRecord, 0, len(latest))
	for _, qid := range r.QuestionOrder {
		if a, ok := latest[qid]; ok {
			out = append(out, a)
		}
	}
	return out
}

// SessionView is what an examinee sees of their session.
type SessionView struct {
	ID            uuid.UUID     `json:"id"`
	AssessmentID  string        `json:"assessment_id"`
	ExamineeID    string        `json:"examinee_id"`
	AttemptNumber int           `json:"attempt_number"`
	Status        SessionStatus `json:"status"`
	StartedAt     time.Time     `json:"started_at"`
	DeadlineAt    time.Time     `json:"deadline_at"`
	QuestionOrder []string      `json:"question_order"`
}

// StatusView backs the cosmetic client countdown.
type StatusView struct {
	SessionID        uuid.UUID     `json:"session_id"`
	Status           SessionStatus `json:"status"`
	RemainingSeconds int64         `json:"remaining_seconds"`
	AnsweredCount    int           `json:"answered_count"`
	TotalQuestions   int           `json:"total_questions"`
	DeadlineAt       time.Time     `json:"deadline_at"`
}

// SessionReview is the proctor's read-only view of a session.
type SessionReview struct {
	Session   SessionView      `json:"session"`
	Answers   []AnswerRecord   `json:"answers"`
	Integrity IntegritySummary `json:"integrity"`
	Events    []IntegrityEvent `json:"events"`
	Score     *Score           `json:"score,omitempty"`

	SubmittedAt   *time.Time `json:"submitted_at,omitempty"`
	NeedsReview   bool       `json:"needs_review"`
	ReviewReason  string     `json:"review_reason,omitempty"`
	AbandonReason string     `json:"abandon_reason,omitempty"`
	Client        ClientInfo `json:"client"`
}

// SessionEvent is published on every lifecycle transition.
type SessionEvent struct {
	Type         string        `json:"type"`
	SessionID    uuid.UUID     `json:"session_id"`
	AssessmentID string        `json:"assessment_id"`
	ExamineeID   string        `json:"examinee_id"`
	Status       SessionStatus `json:"status"`
	Answered     int           `json:"answered,omitempty"`
	Percentage   *float64      `json:"percentage,omitempty"`
	At           time.Time     `json:"at"`
}

// CreateSessionRequest is the (empty) payload for starting an attempt.
type CreateSessionRequest struct{}

// RecordAnswerRequest is the payload for saving an answer.
type RecordAnswerRequest struct {
	QuestionID        string   `json:"question_id" binding:"required,max=128"`
	SelectedOptionIDs []string `json:"selected_option_ids" binding:"omitempty,max=64,dive,required,max=128"`
	Text              string   `json:"text" binding:"omitempty,max=10000"`
}

// Value extracts the answer value from the request.
func (r *RecordAnswerRequest) Value() AnswerValue {
	return AnswerValue{SelectedOptionIDs: r.SelectedOptionIDs, Text: r.Text}
}

// RecordIntegrityEventRequest is the payload reported by the presentation layer.
type RecordIntegrityEventRequest struct {
	Kind   IntegrityKind `json:"kind" binding:"required,integrity_kind"`
	Detail string        `json:"detail" binding:"omitempty,max=4096"`
}

// AbandonSessionRequest is the proctor payload for abandoning a session.
type AbandonSessionRequest struct {
	Reason string `json:"reason" binding:"required,min=3,max=500"`
}

// FlagSessionRequest is the proctor payload for marking a session for review.
type FlagSessionRequest struct {
	Reason string `json:"reason" binding:"required,min=3,max=500"`
}
