package borg

import (
	"errors"
	"fmt"
	"strings"
)

// Class is the outcome classification of an engine invocation.
type Class int

const (
	// ClassSuccess is exit code 0.
	ClassSuccess Class = iota
	// ClassWarning is exit code 1: the operation completed with recoverable
	// issues (for example a file changed while being read). Non-fatal.
	ClassWarning
	// ClassFatal is exit code 2 or higher, a spawn failure, or a forced
	// termination. Aborts the enclosing workflow.
	ClassFatal
)

func (c Class) String() string {
	switch c {
	case ClassSuccess:
		return "success"
	case ClassWarning:
		return "warning"
	default:
		return "fatal"
	}
}

// Classify maps an engine exit code onto a Class.
func Classify(exitCode int) Class {
	switch exitCode {
	case 0:
		return ClassSuccess
	case 1:
		return ClassWarning
	default:
		return ClassFatal
	}
}

// CommandError reports a failed engine invocation with its captured output.
type CommandError struct {
	Command  []string
	ExitCode int
	Class    Class
	Stdout   string
	Stderr   string
	// SpawnFailed marks process start failures (missing executable, bad
	// permissions) as opposed to engine-reported errors.
	SpawnFailed bool
	Err         error
}

func (e *CommandError) Error() string {
	var b strings.Builder
	if e.SpawnFailed {
		fmt.Fprintf(&b, "failed to start engine: %v", e.Err)
	} else {
		fmt.Fprintf(&b, "engine command failed with exit code %d", e.ExitCode)
	}
	if len(e.Command) > 0 {
		fmt.Fprintf(&b, " (command: %s)", strings.Join(e.Command, " "))
	}
	if e.Stderr != "" {
		fmt.Fprintf(&b, "\nstderr: %s", e.Stderr)
	}
	return b.String()
}

func (e *CommandError) Unwrap() error { return e.Err }

// IsFatal reports whether err carries a fatal engine classification.
func IsFatal(err error) bool {
	var ce *CommandError
	return errors.As(err, &ce) && ce.Class == ClassFatal
}
