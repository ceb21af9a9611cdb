package remote

import (
	"context"
	"fmt"
	"io"
	"net"
	"strings"
	"syscall"
	"time"

	"github.com/pkg/errors"
)

var (
	// ErrAuthRejected marks credentials refused by the device. Never retried.
	ErrAuthRejected = errors.New("remote: authentication rejected")
	// ErrUnreachable marks transport failures worth retrying.
	ErrUnreachable = errors.New("remote: host unreachable")
	// ErrConnRefused narrows ErrUnreachable to an actively refused port.
	ErrConnRefused = errors.New("remote: connection refused")
	// ErrConnTimeout narrows ErrUnreachable to a connect or handshake timeout.
	ErrConnTimeout = errors.New("remote: connection timed out")
)

// TimeoutError is returned when a command did not report an exit status in
// time. The channel has already been closed.
type TimeoutError struct {
	Command string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("SSH command timed out after %s: %s", e.Timeout, e.Command)
}

// ExitError is returned for a non-zero exit status.
type ExitError struct {
	Command string
	Code    int
	Stderr  string
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("Command failed (exit %d): %s", e.Code, e.Stderr)
}

// DialError carries the classification of a failed Dial.
type DialError struct {
	Kinds []error
	Err   error
}

func (e *DialError) Error() string {
	return e.Err.Error()
}

func (e *DialError) Unwrap() []error {
	return append(append([]error(nil), e.Kinds...), e.Err)
}

// ClassifyDialError tags err with ErrAuthRejected or ErrUnreachable (and a
// narrower refused/timeout sentinel) when it recognises the failure. Unknown
// errors are returned unchanged.
func ClassifyDialError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrAuthRejected) || errors.Is(err, ErrUnreachable) {
		return err
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "unable to authenticate"),
		strings.Contains(msg, "no supported methods remain"):
		return &DialError{Kinds: []error{ErrAuthRejected}, Err: err}
	case errors.Is(err, syscall.ECONNREFUSED), strings.Contains(msg, "connection refused"):
		return &DialError{Kinds: []error{ErrUnreachable, ErrConnRefused}, Err: err}
	case isTimeout(err):
		return &DialError{Kinds: []error{ErrUnreachable, ErrConnTimeout}, Err: err}
	case errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.EHOSTUNREACH),
		errors.Is(err, syscall.ENETUNREACH),
		errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF),
		strings.Contains(msg, "handshake failed"),
		strings.Contains(msg, "connection reset"),
		strings.Contains(msg, "no route to host"):
		return &DialError{Kinds: []error{ErrUnreachable}, Err: err}
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return &DialError{Kinds: []error{ErrUnreachable}, Err: err}
	}
	return err
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "i/o timeout")
}
