package model

import "errors"

// Engine errors. Callers match them with errors.Is; operations wrap them with
// context.
var (
	ErrInvalidState       = errors.New("operation not permitted in the current session state")
	ErrUnknownQuestion    = errors.New("question does not belong to this session")
	ErrMalformedAnswer    = errors.New("answer does not match the question shape")
	ErrDuplicateAttempt   = errors.New("an attempt is already in progress")
	ErrNotYetFinalized    = errors.New("session is not finalized yet")
	ErrSessionNotFound    = errors.New("session not found")
	ErrUnknownEventKind   = errors.New("unknown integrity event kind")
	ErrAssessmentNotFound = errors.New("assessment not found")
	ErrAttemptsExhausted  = errors.New("no attempts left for this assessment")
	ErrNotSessionOwner    = errors.New("session belongs to another examinee")
)
