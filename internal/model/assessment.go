package model

import (
	"errors"
	"fmt"
	"time"
)

// QuestionType enumerates the answer shapes the engine understands.
type QuestionType string

const (
	QuestionTypeSingleChoice   QuestionType = "SINGLE_CHOICE"
	QuestionTypeMultipleChoice QuestionType = "MULTIPLE_CHOICE"
	QuestionTypeTrueFalse      QuestionType = "TRUE_FALSE"
	QuestionTypeShortAnswer    QuestionType = "SHORT_ANSWER"
	QuestionTypeNumerical      QuestionType = "NUMERICAL"
	QuestionTypeEssay          QuestionType = "ESSAY"
)

// Valid reports whether t is a known question type.
func (t QuestionType) Valid() bool {
	switch t {
	case QuestionTypeSingleChoice, QuestionTypeMultipleChoice, QuestionTypeTrueFalse,
		QuestionTypeShortAnswer, QuestionTypeNumerical, QuestionTypeEssay:
		return true
	}
	return false
}

// IsChoice reports whether answers to t are option selections.
func (t QuestionType) IsChoice() bool {
	return t == QuestionTypeSingleChoice || t == QuestionTypeMultipleChoice || t == QuestionTypeTrueFalse
}

// trueFalseOptions are offered when a TRUE_FALSE question lists no options.
var trueFalseOptions = []string{"true", "false"}

// QuestionSpec is one question of an assessment as supplied by the authoring system.
type QuestionSpec struct {
	ID             string       `json:"id"`
	Type           QuestionType `json:"type"`
	Options        []string     `json:"options,omitempty"`
	CorrectAnswers []string     `json:"correct_answers,omitempty"`
	Points         float64      `json:"points"`
	NegativePoints float64      `json:"negative_points,omitempty"`
	// PenaltyCap bounds the deduction for a wrong answer. Zero means the
	// full NegativePoints apply.
	PenaltyCap float64 `json:"penalty_cap,omitempty"`
	// Tolerance is the accepted absolute error for NUMERICAL questions.
	Tolerance float64 `json:"tolerance,omitempty"`
}

// OfferedOptions returns the option ids a selection may draw from.
func (q QuestionSpec) OfferedOptions() []string {
	if q.Type == QuestionTypeTrueFalse && len(q.Options) == 0 {
		return trueFalseOptions
	}
	return q.Options
}

// Penalty is the deduction applied to a wrong answer.
func (q QuestionSpec) Penalty() float64 {
	if q.NegativePoints <= 0 {
		return 0
	}
	if q.PenaltyCap > 0 && q.PenaltyCap < q.NegativePoints {
		return q.PenaltyCap
	}
	return q.NegativePoints
}

// AssessmentDefinition is an immutable, externally authored test. The engine
// only reads it.
type AssessmentDefinition struct {
	ID                     string         `json:"id"`
	Title                  string         `json:"title"`
	Questions              []QuestionSpec `json:"questions"`
	DurationSeconds        int64          `json:"duration_seconds"`
	PassThreshold          float64        `json:"pass_threshold"`
	RandomizeOrder         bool           `json:"randomize_order"`
	ShowResultsImmediately bool           `json:"show_results_immediately"`
	// MaxAttempts limits attempts per examinee. Zero means unlimited.
	MaxAttempts int `json:"max_attempts,omitempty"`
}

// Duration is the total time allowed for one attempt.
func (d *AssessmentDefinition) Duration() time.Duration {
	return time.Duration(d.DurationSeconds) * time.Second
}

// QuestionIndex maps question ids to their specs.
func (d *AssessmentDefinition) QuestionIndex() map[string]QuestionSpec {
	idx := make(map[string]QuestionSpec, len(d.Questions))
	for _, q := range d.Questions {
		idx[q.ID] = q
	}
	return idx
}

// QuestionIDs returns question ids in authored order.
func (d *AssessmentDefinition) QuestionIDs() []string {
	ids := make([]string, len(d.Questions))
	for i, q := range d.Questions {
		ids[i] = q.ID
	}
	return ids
}

// Validate checks the structural rules the engine relies on.
func (d *AssessmentDefinition) Validate() error {
	if d.ID == "" {
		return errors.New("assessment id is required")
	}
	if d.DurationSeconds <= 0 {
		return errors.New("duration must be positive")
	}
	if d.PassThreshold < 0 || d.PassThreshold > 100 {
		return errors.New("pass threshold must be between 0 and 100")
	}
	if len(d.Questions) == 0 {
		return errors.New("assessment has no questions")
	}

	seen := make(map[string]struct{}, len(d.Questions))
	for i, q := range d.Questions {
		if q.ID == "" {
			return fmt.Errorf("question %d: id is required", i)
		}
		if _, dup := seen[q.ID]; dup {
			return fmt.Errorf("question %s: duplicate id", q.ID)
		}
		seen[q.ID] = struct{}{}

		if !q.Type.Valid() {
			return fmt.Errorf("question %s: unknown type %q", q.ID, q.Type)
		}
		if q.Points < 0 || q.NegativePoints < 0 || q.PenaltyCap < 0 {
			return fmt.Errorf("question %s: points must not be negative", q.ID)
		}
		if q.Type.IsChoice() {
			offered := make(map[string]struct{})
			for _, o := range q.OfferedOptions() {
				offered[o] = struct{}{}
			}
			if len(offered) == 0 {
				return fmt.Errorf("question %s: choice question without options", q.ID)
			}
			for _, k := range q.CorrectAnswers {
				if _, ok := offered[k]; !ok {
					return fmt.Errorf("question %s: correct answer %q is not an offered option", q.ID, k)
				}
			}
		}
	}
	return nil
}
