package response

import (
	"errors"
	"net/http"

	"github.com/stemsi/exstem-assessment/internal/model"
)

var domainErrors = []struct {
	err    error
	status int
	code   ErrCode
}{
	{model.ErrSessionNotFound, http.StatusNotFound, ErrSessionNotFound},
	{model.ErrAssessmentNotFound, http.StatusNotFound, ErrAssessmentNotFound},
	{model.ErrNotSessionOwner, http.StatusForbidden, ErrNotSessionOwner},
	{model.ErrDuplicateAttempt, http.StatusConflict, ErrDuplicateAttempt},
	{model.ErrAttemptsExhausted, http.StatusConflict, ErrAttemptsExhausted},
	{model.ErrInvalidState, http.StatusConflict, ErrInvalidState},
	{model.ErrNotYetFinalized, http.StatusConflict, ErrNotYetFinalized},
	{model.ErrUnknownQuestion, http.StatusUnprocessableEntity, ErrUnknownQuestion},
	{model.ErrMalformedAnswer, http.StatusUnprocessableEntity, ErrMalformedAnswer},
	{model.ErrUnknownEventKind, http.StatusUnprocessableEntity, ErrUnknownEventKind},
}

// Classify maps an engine error to its HTTP status and code. Unknown errors
// map to 500.
func Classify(err error) (int, ErrCode) {
	for _, d := range domainErrors {
		if errors.Is(err, d.err) {
			return d.status, d.code
		}
	}
	return http.StatusInternalServerError, ErrInternal
}
