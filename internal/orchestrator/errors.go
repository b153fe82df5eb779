package orchestrator

import (
	"errors"
	"fmt"

	"bb-go/internal/borg"
)

// ValidationError reports bad caller input. It is surfaced immediately and
// never retried.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s: %s", e.Field, e.Message)
	}
	return e.Message
}

func validationErrorf(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// IsValidation reports whether err is caller-input validation failure.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// StepError marks which workflow step failed and carries the step's
// diagnostics. Remaining steps are never attempted after one of these.
type StepError struct {
	Step string
	Err  error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("step %s: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// Diagnostics returns the engine's captured output when the failing step was
// an engine invocation, otherwise an empty string.
func (e *StepError) Diagnostics() string {
	var cmdErr *borg.CommandError
	if !errors.As(e.Err, &cmdErr) {
		return ""
	}
	out := cmdErr.Stdout
	if cmdErr.Stderr != "" {
		if out != "" {
			out += "\n"
		}
		out += cmdErr.Stderr
	}
	return out
}
