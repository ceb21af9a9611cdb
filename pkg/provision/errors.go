package provision

import (
	"context"
	"fmt"

	"github.com/httprunner/ProvisionAgent/pkg/record"
	"github.com/httprunner/ProvisionAgent/pkg/remote"
	"github.com/pkg/errors"
)

// Class tells the orchestrator what to do with a step error.
type Class int

const (
	// Fatal aborts the sequence and fails the task.
	Fatal Class = iota
	// Retryable may succeed on another attempt; retry loops escalate it to
	// Fatal once their attempts are exhausted.
	Retryable
	// Skippable marks the step skipped and lets the sequence continue.
	Skippable
)

func (c Class) String() string {
	switch c {
	case Retryable:
		return "retryable"
	case Skippable:
		return "skippable"
	default:
		return "fatal"
	}
}

// StepError is a classified error. Message is the operator-facing text
// stored on the task.
type StepError struct {
	Class   Class
	Message string
	Err     error
}

func (e *StepError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return e.Class.String() + " error"
}

func (e *StepError) Unwrap() error {
	return e.Err
}

var (
	errCancelled         = errors.New("provisioning cancelled")
	errTimeLimitExceeded = errors.New("time limit exceeded")
)

func fatalf(format string, args ...any) error {
	return &StepError{Class: Fatal, Message: fmt.Sprintf(format, args...)}
}

func fatal(err error, format string, args ...any) error {
	return &StepError{Class: Fatal, Message: fmt.Sprintf(format, args...), Err: err}
}

func skippable(err error) error {
	if err == nil {
		return nil
	}
	return &StepError{Class: Skippable, Err: err}
}

// Classify maps any error onto a StepError. Already classified errors keep
// their class.
func Classify(err error) *StepError {
	if err == nil {
		return nil
	}
	var se *StepError
	if errors.As(err, &se) {
		return se
	}
	switch {
	case errors.Is(err, errCancelled), errors.Is(err, record.ErrSuperseded):
		return &StepError{Class: Fatal, Message: "Provisioning cancelled", Err: err}
	case errors.Is(err, remote.ErrAuthRejected):
		return &StepError{Class: Fatal, Err: err}
	case errors.Is(err, remote.ErrUnreachable):
		return &StepError{Class: Retryable, Err: err}
	case errors.Is(err, context.DeadlineExceeded):
		return &StepError{Class: Fatal, Message: "Provisioning time limit exceeded", Err: errTimeLimitExceeded}
	case errors.Is(err, context.Canceled):
		return &StepError{Class: Fatal, Message: "Provisioning interrupted: agent is shutting down", Err: err}
	}
	var exitErr *remote.ExitError
	if errors.As(err, &exitErr) {
		return &StepError{Class: Fatal, Message: exitErr.Error(), Err: err}
	}
	var timeoutErr *remote.TimeoutError
	if errors.As(err, &timeoutErr) {
		return &StepError{Class: Fatal, Message: timeoutErr.Error(), Err: err}
	}
	return &StepError{Class: Fatal, Err: err}
}
