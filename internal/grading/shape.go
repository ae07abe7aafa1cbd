package grading

import (
	"fmt"
	"unicode/utf8"

	"github.com/stemsi/exstem-assessment/internal/model"
)

// MaxTextRunes bounds free-text answers.
const MaxTextRunes = 10000

// ValidateShape checks that v has the basic shape q's type expects. It says
// nothing about correctness.
func ValidateShape(q model.QuestionSpec, v model.AnswerValue) error {
	switch q.Type {
	case model.QuestionTypeSingleChoice, model.QuestionTypeTrueFalse:
		if len(v.SelectedOptionIDs) != 1 {
			return fmt.Errorf("%w: exactly one option must be selected", model.ErrMalformedAnswer)
		}
		return checkSelection(q, v)

	case model.QuestionTypeMultipleChoice:
		if len(v.SelectedOptionIDs) == 0 {
			return fmt.Errorf("%w: at least one option must be selected", model.ErrMalformedAnswer)
		}
		return checkSelection(q, v)

	case model.QuestionTypeShortAnswer, model.QuestionTypeEssay:
		return checkText(v)

	case model.QuestionTypeNumerical:
		if err := checkText(v); err != nil {
			return err
		}
		if _, err := ParseNumber(v.Text); err != nil {
			return fmt.Errorf("%w: %q is not a number", model.ErrMalformedAnswer, v.Text)
		}
		return nil
	}
	return fmt.Errorf("%w: unsupported question type %q", model.ErrMalformedAnswer, q.Type)
}

func checkSelection(q model.QuestionSpec, v model.AnswerValue) error {
	if v.Text != "" {
		return fmt.Errorf("%w: choice questions take no text", model.ErrMalformedAnswer)
	}
	offered := make(map[string]struct{})
	for _, o := range q.OfferedOptions() {
		offered[o] = struct{}{}
	}
	seen := make(map[string]struct{}, len(v.SelectedOptionIDs))
	for _, id := range v.SelectedOptionIDs {
		if _, ok := offered[id]; !ok {
			return fmt.Errorf("%w: option %q is not offered", model.ErrMalformedAnswer, id)
		}
		if _, dup := seen[id]; dup {
			return fmt.Errorf("%w: option %q selected twice", model.ErrMalformedAnswer, id)
		}
		seen[id] = struct{}{}
	}
	return nil
}

func checkText(v model.AnswerValue) error {
	if len(v.SelectedOptionIDs) > 0 {
		return fmt.Errorf("%w: text questions take no selection", model.ErrMalformedAnswer)
	}
	if NormalizeText(v.Text) == "" {
		return fmt.Errorf("%w: answer text is empty", model.ErrMalformedAnswer)
	}
	if utf8.RuneCountInString(v.Text) > MaxTextRunes {
		return fmt.Errorf("%w: answer text exceeds %d characters", model.ErrMalformedAnswer, MaxTextRunes)
	}
	return nil
}
