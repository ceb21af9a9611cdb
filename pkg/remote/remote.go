// Package remote runs commands and writes files on a device over a remote
// shell session. Sessions come from an injected Dialer so every provisioning
// run owns its own connection and tests can substitute fakes.
package remote

import (
	"bytes"
	"context"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const defaultCommandTimeout = 30 * time.Second

// Target identifies a device and the credentials used to open a session.
type Target struct {
	Host           string
	Port           int
	User           string
	Password       string
	ConnectTimeout time.Duration
}

// Addr returns host:port.
func (t Target) Addr() string {
	port := t.Port
	if port <= 0 {
		port = 22
	}
	return net.JoinHostPort(t.Host, strconv.Itoa(port))
}

// Dialer opens sessions. Implementations must be safe to use from a single
// provisioning run; they are not shared between runs.
type Dialer interface {
	// Probe reports whether host:port accepts TCP connections within timeout.
	Probe(ctx context.Context, host string, port int, timeout time.Duration) bool
	// Dial opens an authenticated session. Errors are classified with
	// ErrAuthRejected or ErrUnreachable where possible.
	Dial(ctx context.Context, target Target) (Session, error)
}

// Session is an open remote shell connection.
type Session interface {
	NewChannel() (Channel, error)
	WriteFile(ctx context.Context, path string, data []byte, perm os.FileMode) error
	Close() error
}

// Channel executes exactly one command. Run returns *ExitError for a non-zero
// exit status. Close must unblock a Run in progress.
type Channel interface {
	Run(command string, stdin io.Reader, stdout, stderr io.Writer) error
	Close() error
}

// Command describes one remote invocation.
type Command struct {
	Line string
	// Elevate runs Line through sudo with Secret fed on stdin.
	Elevate bool
	Secret  string
	Timeout time.Duration
	// AllowFailure returns the result instead of *ExitError on non-zero exit.
	AllowFailure bool
	// Display replaces Line in logs and errors when Line embeds a secret.
	Display string
}

func (c Command) display() string {
	if c.Display != "" {
		return c.Display
	}
	return c.Line
}

// Result holds the captured output of a finished command.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Output returns trimmed stdout.
func (r Result) Output() string {
	return strings.TrimSpace(r.Stdout)
}

// OK reports a zero exit status.
func (r Result) OK() bool {
	return r.ExitCode == 0
}

// Run executes cmd on a fresh channel of sess. The channel is force-closed
// when the timeout fires or ctx ends; Run never waits for the remote side
// after that.
func Run(ctx context.Context, sess Session, cmd Command) (Result, error) {
	if sess == nil {
		return Result{ExitCode: -1}, errors.New("remote: session is nil")
	}
	if strings.TrimSpace(cmd.Line) == "" {
		return Result{ExitCode: -1}, errors.New("remote: empty command")
	}
	timeout := cmd.Timeout
	if timeout <= 0 {
		timeout = defaultCommandTimeout
	}

	ch, err := sess.NewChannel()
	if err != nil {
		return Result{ExitCode: -1}, errors.Wrap(err, "remote: open channel failed")
	}

	line := cmd.Line
	var stdin io.Reader
	if cmd.Elevate {
		line = Elevate(cmd.Line)
		stdin = strings.NewReader(cmd.Secret + "\n")
	}

	var stdout, stderr bytes.Buffer
	done := make(chan error, 1)
	go func() {
		done <- ch.Run(line, stdin, &stdout, &stderr)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case runErr := <-done:
		_ = ch.Close()
		res := Result{Stdout: stdout.String(), Stderr: stderr.String()}
		if runErr != nil {
			var exitErr *ExitError
			if !errors.As(runErr, &exitErr) {
				res.ExitCode = -1
				return res, errors.Wrapf(runErr, "remote: run %q failed", truncateCommand(cmd.display()))
			}
			res.ExitCode = exitErr.Code
		}
		log.Debug().Str("command", truncateCommand(cmd.display())).Int("exit", res.ExitCode).Msg("remote: command finished")
		if res.ExitCode != 0 && !cmd.AllowFailure {
			return res, &ExitError{Command: truncateCommand(cmd.display()), Code: res.ExitCode, Stderr: firstNonEmpty(res.Stderr, res.Stdout)}
		}
		return res, nil
	case <-timer.C:
		_ = ch.Close()
		log.Warn().Str("command", truncateCommand(cmd.display())).Dur("timeout", timeout).Msg("remote: command timed out, channel closed")
		return Result{ExitCode: -1}, &TimeoutError{Command: truncateCommand(cmd.display()), Timeout: timeout}
	case <-ctx.Done():
		_ = ch.Close()
		return Result{ExitCode: -1}, errors.Wrapf(ctx.Err(), "remote: run %q interrupted", truncateCommand(cmd.display()))
	}
}

// Elevate wraps line so that sudo reads the password from stdin without a
// prompt.
func Elevate(line string) string {
	return "sudo -S -p '' bash -c " + ShellQuote(line)
}

// ShellQuote single-quotes s for POSIX shells.
func ShellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func truncateCommand(s string) string {
	const max = 100
	if len(s) <= max {
		return s
	}
	return s[:max]
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if trimmed := strings.TrimSpace(v); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
