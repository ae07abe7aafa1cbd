package model

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// QuestionScore is the graded outcome of one question.
type QuestionScore struct {
	QuestionID  string  `json:"question_id"`
	Answered    bool    `json:"answered"`
	Correct     bool    `json:"correct"`
	Earned      float64 `json:"earned"`
	Possible    float64 `json:"possible"`
	Revision    int     `json:"revision,omitempty"`
	NeedsReview bool    `json:"needs_review,omitempty"`
}

// Score is the result of grading a finalized session.
type Score struct {
	Earned     float64         `json:"earned"`
	Possible   float64         `json:"possible"`
	Percentage float64         `json:"percentage"`
	Passed     bool            `json:"passed"`
	Breakdown  []QuestionScore `json:"breakdown,omitempty"`
}

// Fingerprint is a SHA-256 over the JSON encoding. Score holds no maps, so
// equal scores encode to equal bytes.
func (s Score) Fingerprint() string {
	b, err := json.Marshal(s)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// Redacted drops the per-question breakdown for examinee-facing results when
// the assessment withholds them.
func (s Score) Redacted() Score {
	s.Breakdown = nil
	return s
}

// Clone returns a deep copy so callers can never mutate a stored score.
func (s *Score) Clone() *Score {
	if s == nil {
		return nil
	}
	c := *s
	if s.Breakdown != nil {
		c.Breakdown = append([]QuestionScore(nil), s.Breakdown...)
	}
	return &c
}
