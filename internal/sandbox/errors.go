package sandbox

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownRuntime is returned for a runtime name with no harness.
	ErrUnknownRuntime = errors.New("unknown runtime")
	// ErrEmptyCode is returned when a request carries no source.
	ErrEmptyCode = errors.New("empty code")
)

// ProcessError reports a non-zero interpreter exit.
type ProcessError struct {
	ExitCode int
	Stderr   string
}

func (e *ProcessError) Error() string {
	if e.Stderr == "" {
		return fmt.Sprintf("interpreter exited with code %d", e.ExitCode)
	}
	return fmt.Sprintf("interpreter exited with code %d: %s", e.ExitCode, e.Stderr)
}

// TerminatedError reports an interpreter killed by a signal, either on user
// request or because the wall-clock timeout elapsed.
type TerminatedError struct {
	Signal  string
	Timeout bool
	Stderr  string
}

func (e *TerminatedError) Error() string {
	if e.Timeout {
		return "execution timed out"
	}
	if e.Signal == "" {
		return "execution terminated"
	}
	return fmt.Sprintf("execution terminated by %s", e.Signal)
}

// ResultParseError reports output that is not a valid result envelope.
type ResultParseError struct {
	Raw       string
	Truncated bool
	Err       error
}

func (e *ResultParseError) Error() string {
	msg := fmt.Sprintf("malformed result: %v", e.Err)
	if e.Truncated {
		msg += " (output exceeded capture limit)"
	}
	return msg
}

func (e *ResultParseError) Unwrap() error { return e.Err }

// ScriptError reports a script that ran but raised, signalled by
// success:false in the envelope.
type ScriptError struct {
	Message string
	Stdout  string
	Stderr  string
}

func (e *ScriptError) Error() string {
	return fmt.Sprintf("script failed: %s", e.Message)
}
