package domain

import (
	"errors"
	"fmt"
)

// ErrJobNotFound is returned when an operation references an unknown job id.
var ErrJobNotFound = errors.New("download job not found")

// ValidationError rejects a malformed request before any state is created.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// InvalidTransitionError reports a command that is not legal for the job's
// current status. The job is left exactly as it was.
type InvalidTransitionError struct {
	JobID  string
	Status JobStatus
	Op     string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("cannot %s job %s in status %q", e.Op, e.JobID, e.Status)
}

// IsValidationError reports whether err is (or wraps) a ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsInvalidTransition reports whether err is (or wraps) an InvalidTransitionError.
func IsInvalidTransition(err error) bool {
	var te *InvalidTransitionError
	return errors.As(err, &te)
}
