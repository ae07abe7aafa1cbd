package grading

import (
	"math"
	"strconv"
	"strings"

	"github.com/stemsi/exstem-assessment/internal/model"
)

func gradeChoice(q model.QuestionSpec, ans *model.AnswerRecord) Outcome {
	if ans == nil {
		return Outcome{}
	}
	if len(q.CorrectAnswers) == 0 {
		return Outcome{NeedsReview: true}
	}
	if equalSets(ans.Value.SelectedOptionIDs, q.CorrectAnswers) {
		return Outcome{Correct: true, Earned: q.Points}
	}
	return Outcome{Earned: -q.Penalty()}
}

func gradeShortAnswer(q model.QuestionSpec, ans *model.AnswerRecord) Outcome {
	if ans == nil {
		return Outcome{}
	}
	if len(q.CorrectAnswers) == 0 {
		return Outcome{NeedsReview: true}
	}
	got := NormalizeText(ans.Value.Text)
	for _, k := range q.CorrectAnswers {
		if got == NormalizeText(k) {
			return Outcome{Correct: true, Earned: q.Points}
		}
	}
	return Outcome{Earned: -q.Penalty()}
}

func gradeNumerical(q model.QuestionSpec, ans *model.AnswerRecord) Outcome {
	if ans == nil {
		return Outcome{}
	}
	got, err := ParseNumber(ans.Value.Text)
	if err != nil {
		return Outcome{Earned: -q.Penalty()}
	}
	keyed := false
	for _, k := range q.CorrectAnswers {
		want, err := ParseNumber(k)
		if err != nil {
			continue
		}
		keyed = true
		if math.Abs(got-want) <= q.Tolerance+1e-9 {
			return Outcome{Correct: true, Earned: q.Points}
		}
	}
	if !keyed {
		return Outcome{NeedsReview: true}
	}
	return Outcome{Earned: -q.Penalty()}
}

// gradeEssay never auto-grades. A reviewer or a registered grader decides.
func gradeEssay(_ model.QuestionSpec, ans *model.AnswerRecord) Outcome {
	if ans == nil {
		return Outcome{}
	}
	return Outcome{NeedsReview: true}
}

// NormalizeText folds case and collapses whitespace for keyed text matching.
func NormalizeText(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}

// ParseNumber accepts a plain decimal, tolerating a comma decimal separator.
func ParseNumber(s string) (float64, error) {
	s = strings.TrimSpace(s)
	if strings.Count(s, ",") == 1 && !strings.Contains(s, ".") {
		s = strings.Replace(s, ",", ".", 1)
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, err
	}
	if math.IsInf(v, 0) || math.IsNaN(v) {
		return 0, strconv.ErrRange
	}
	return v, nil
}

func equalSets(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	seen := make(map[string]int, len(a))
	for _, s := range a {
		seen[s]++
	}
	for _, s := range b {
		seen[s]--
	}
	for _, v := range seen {
		if v != 0 {
			return false
		}
	}
	return true
}
