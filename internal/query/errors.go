package query

import (
	"errors"
	"fmt"
)

type ErrorCode string

const (
	CodeClassificationFailure ErrorCode = "CLASSIFICATION_FAILURE"
	CodeStoreFailure          ErrorCode = "STORE_FAILURE"
	CodeGuardViolation        ErrorCode = "GUARD_VIOLATION"
	CodeInvalidTransition     ErrorCode = "INVALID_TRANSITION"
	CodeInvalidPlan           ErrorCode = "INVALID_PLAN"
	CodeSynthesisFailure      ErrorCode = "SYNTHESIS_FAILURE"
)

// PipelineError carries the stage that failed alongside the cause.
type PipelineError struct {
	Code    ErrorCode
	Stage   string
	Message string
	Cause   error
}

func (e *PipelineError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %s: %v", e.Code, e.Stage, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s: %s", e.Code, e.Stage, e.Message)
}

func (e *PipelineError) Unwrap() error {
	return e.Cause
}

// Is matches on code so callers can test with errors.Is(err, &PipelineError{Code: ...}).
func (e *PipelineError) Is(target error) bool {
	var t *PipelineError
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code && (t.Stage == "" || t.Stage == e.Stage)
}

func newError(code ErrorCode, stage, msg string, cause error) *PipelineError {
	return &PipelineError{Code: code, Stage: stage, Message: msg, Cause: cause}
}

var ErrInvalidTransition = &PipelineError{Code: CodeInvalidTransition, Stage: "guard", Message: "invalid guard transition"}

// CodeOf extracts the pipeline error code, or "" when err is not a PipelineError.
func CodeOf(err error) ErrorCode {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Code
	}
	return ""
}
