package model

import (
	stderrors "errors"

	"github.com/goliatone/go-errors"
)

const (
	ErrCodeValidation        = "VALIDATION_FAILED"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeNotFound          = "EXECUTION_NOT_FOUND"
	ErrCodeLivenessFailure   = "AGENT_DEATH"
	ErrCodeDeadlineExceeded  = "DEADLINE_EXCEEDED"
	ErrCodeCallbackFailed    = "CALLBACK_FAILED"
)

var (
	ErrValidation = errors.New("validation error", errors.CategoryValidation).
			WithTextCode(ErrCodeValidation)
	ErrInvalidTransition = errors.New("invalid state transition", errors.CategoryBadInput).
				WithTextCode(ErrCodeInvalidTransition)
	ErrNotFound = errors.New("execution not found", errors.CategoryBadInput).
			WithTextCode(ErrCodeNotFound)
	ErrLivenessFailure = errors.New("agent stopped sending heartbeats", errors.CategoryExternal).
				WithTextCode(ErrCodeLivenessFailure)
	ErrDeadlineExceeded = errors.New("execution deadline exceeded", errors.CategoryExternal).
				WithTextCode(ErrCodeDeadlineExceeded)
	ErrCallbackFailed = errors.New("callback failed", errors.CategoryHandler).
				WithTextCode(ErrCodeCallbackFailed)
)

// ErrorCode returns the text code of the first categorized error in err's chain
func ErrorCode(err error) string {
	var ge *errors.Error
	if stderrors.As(err, &ge) {
		return ge.TextCode
	}
	return ""
}
