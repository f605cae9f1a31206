package board

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/srg/fwtap/internal/serio"
)

// ErrorCode is the execution result the firmware reports in the
// error_code field of a response status line.
type ErrorCode int

const (
	NoError ErrorCode = iota
	ResourceBusy
	BadParameter
	Unsupported
	Timeout
	StackError
	Unknown
)

func (c ErrorCode) String() string {
	switch c {
	case NoError:
		return "no_error"
	case ResourceBusy:
		return "resource_busy"
	case BadParameter:
		return "bad_parameter"
	case Unsupported:
		return "not_supported"
	case Timeout:
		return "timeout"
	case StackError:
		return "bt_stack_error"
	default:
		return "unknown"
	}
}

// Code maps a raw firmware error code onto the closed enum. Codes
// outside the known range collapse to Unknown.
func Code(raw int) ErrorCode {
	if raw < int(NoError) || raw > int(Unknown) {
		return Unknown
	}
	return ErrorCode(raw)
}

// CommandError is a failure the firmware itself reported for a command.
type CommandError struct {
	Command string
	Code    ErrorCode
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("command %q failed on the board: %s", e.Command, e.Code)
}

// Is matches any *CommandError carrying the same code. A target with an
// empty Command acts as a wildcard, so
// errors.Is(err, &CommandError{Code: ResourceBusy}) works without
// knowing which command failed.
func (e *CommandError) Is(target error) bool {
	t, ok := target.(*CommandError)
	if !ok {
		return false
	}
	if t.Command != "" && t.Command != e.Command {
		return false
	}
	return t.Code == e.Code
}

// NotSupportedError reports the firmware reject line for a command this
// build does not implement.
type NotSupportedError struct {
	Command string
}

func (e *NotSupportedError) Error() string {
	return fmt.Sprintf("command %q not supported by the firmware", e.Command)
}

func (e *NotSupportedError) Is(target error) bool {
	t, ok := target.(*NotSupportedError)
	if !ok {
		return false
	}
	return t.Command == "" || t.Command == e.Command
}

// TimeoutError reports that no framed response arrived inside the wait
// window. Op names what was waited for, usually the command string.
type TimeoutError struct {
	Op      string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("no response to %q within %s", e.Op, e.Timeout)
}

func (e *TimeoutError) Is(target error) bool {
	t, ok := target.(*TimeoutError)
	if !ok {
		return false
	}
	return t.Op == "" || t.Op == e.Op
}

// SessionError wraps a serial transport failure underneath a driver
// operation.
type SessionError struct {
	Op  string
	Err error
}

func (e *SessionError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("serial session failed during %s", e.Op)
	}
	return fmt.Sprintf("serial session failed during %s: %v", e.Op, e.Err)
}

func (e *SessionError) Unwrap() error { return e.Err }

func (e *SessionError) Is(target error) bool {
	t, ok := target.(*SessionError)
	if !ok {
		return false
	}
	return t.Op == "" || t.Op == e.Op
}

var (
	// ErrNotStarted is returned when a driver operation runs before
	// Start.
	ErrNotStarted = errors.New("board driver not started")

	// ErrAlreadyStarted is returned by Start on a running driver.
	ErrAlreadyStarted = errors.New("board driver already started")
)

// NormalizeError folds transport failures surfaced by lower layers into
// the driver taxonomy so callers match against one set of types.
func NormalizeError(op string, err error) error {
	if err == nil {
		return nil
	}
	var sessErr *SessionError
	if errors.As(err, &sessErr) {
		return err
	}
	switch {
	case errors.Is(err, serio.ErrClosed):
		return &SessionError{Op: op, Err: err}
	case containsIgnoreCase(err.Error(), "file already closed"):
		return &SessionError{Op: op, Err: err}
	case containsIgnoreCase(err.Error(), "input/output error"):
		return &SessionError{Op: op, Err: err}
	default:
		return err
	}
}

// IsErrorCode reports whether err carries the given firmware error code.
func IsErrorCode(err error, code ErrorCode) bool {
	var cmdErr *CommandError
	if !errors.As(err, &cmdErr) {
		return false
	}
	return cmdErr.Code == code
}

func containsIgnoreCase(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}
