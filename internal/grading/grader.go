// Package grading turns a session's latest answers into a Score.
//
// Grading is pure: the same definition and snapshot always produce the same
// Score, which is what makes repeated submits safe to answer from storage.
package grading

import (
	"math"
	"sync"

	"github.com/stemsi/exstem-assessment/internal/model"
)

// Outcome is the verdict for one question.
type Outcome struct {
	Correct     bool
	Earned      float64
	NeedsReview bool
}

// QuestionGrader grades one question. answer is nil when unanswered.
type QuestionGrader interface {
	GradeQuestion(q model.QuestionSpec, answer *model.AnswerRecord) Outcome
}

// QuestionGraderFunc adapts a function to QuestionGrader.
type QuestionGraderFunc func(q model.QuestionSpec, answer *model.AnswerRecord) Outcome

// GradeQuestion calls f.
func (f QuestionGraderFunc) GradeQuestion(q model.QuestionSpec, answer *model.AnswerRecord) Outcome {
	return f(q, answer)
}

// Grader maps an assessment and answer snapshot to a Score.
type Grader interface {
	Grade(def *model.AssessmentDefinition, snapshot []model.AnswerRecord) model.Score
}

// Registry is the default Grader, with one QuestionGrader per question type.
type Registry struct {
	mu      sync.RWMutex
	graders map[model.QuestionType]QuestionGrader
}

// NewRegistry returns a Registry with the built-in keyed-match graders.
func NewRegistry() *Registry {
	return &Registry{
		graders: map[model.QuestionType]QuestionGrader{
			model.QuestionTypeSingleChoice:   QuestionGraderFunc(gradeChoice),
			model.QuestionTypeMultipleChoice: QuestionGraderFunc(gradeChoice),
			model.QuestionTypeTrueFalse:      QuestionGraderFunc(gradeChoice),
			model.QuestionTypeShortAnswer:    QuestionGraderFunc(gradeShortAnswer),
			model.QuestionTypeNumerical:      QuestionGraderFunc(gradeNumerical),
			model.QuestionTypeEssay:          QuestionGraderFunc(gradeEssay),
		},
	}
}

// Register replaces the grader for t. Register before sessions are graded;
// swapping graders mid-flight breaks idempotent re-grading.
func (r *Registry) Register(t model.QuestionType, g QuestionGrader) {
	r.mu.Lock()
	r.graders[t] = g
	r.mu.Unlock()
}

// Grade scores every question of def against the snapshot. Breakdown follows
// the authored question order so equal inputs encode to equal bytes.
func (r *Registry) Grade(def *model.AssessmentDefinition, snapshot []model.AnswerRecord) model.Score {
	latest := make(map[string]*model.AnswerRecord, len(snapshot))
	for i := range snapshot {
		a := &snapshot[i]
		if cur, ok := latest[a.QuestionID]; !ok || a.Revision > cur.Revision {
			latest[a.QuestionID] = a
		}
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	score := model.Score{Breakdown: make([]model.QuestionScore, 0, len(def.Questions))}
	for _, q := range def.Questions {
		ans := latest[q.ID]
		qs := model.QuestionScore{QuestionID: q.ID, Possible: q.Points}
		if ans != nil {
			qs.Answered = true
			qs.Revision = ans.Revision
		}

		out := r.gradeOne(q, ans)
		qs.Correct = out.Correct
		qs.NeedsReview = out.NeedsReview
		qs.Earned = clampQuestion(q, ans != nil, out.Earned)

		score.Possible += q.Points
		score.Earned += qs.Earned
		score.Breakdown = append(score.Breakdown, qs)
	}

	if score.Earned < 0 {
		score.Earned = 0
	}
	score.Earned = round(score.Earned, 4)
	score.Possible = round(score.Possible, 4)
	if score.Possible > 0 {
		score.Percentage = round(score.Earned/score.Possible*100, 2)
	}
	score.Passed = score.Percentage >= def.PassThreshold
	return score
}

// gradeOne runs the registered grader, containing panics from custom graders.
func (r *Registry) gradeOne(q model.QuestionSpec, ans *model.AnswerRecord) (out Outcome) {
	g, ok := r.graders[q.Type]
	if !ok {
		return Outcome{NeedsReview: true}
	}
	defer func() {
		if rec := recover(); rec != nil {
			out = Outcome{NeedsReview: true}
		}
	}()
	return g.GradeQuestion(q, ans)
}

// clampQuestion bounds a question's contribution to [-penalty, points] and
// keeps unanswered questions at zero.
func clampQuestion(q model.QuestionSpec, answered bool, earned float64) float64 {
	if !answered {
		return 0
	}
	if math.IsNaN(earned) {
		return 0
	}
	if earned > q.Points {
		return q.Points
	}
	if floor := -q.Penalty(); earned < floor {
		return floor
	}
	return earned
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
