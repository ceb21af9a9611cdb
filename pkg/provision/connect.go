package provision

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/httprunner/ProvisionAgent/pkg/fleet"
	"github.com/httprunner/ProvisionAgent/pkg/remote"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const portProbeTimeout = 3 * time.Second

func (r *run) port() int {
	if r.target.Port > 0 {
		return r.target.Port
	}
	return 22
}

// waitForPort polls the SSH port until it accepts connections.
func (r *run) waitForPort(ctx context.Context) error {
	host, port := r.target.Host, r.port()
	if r.o.dialer.Probe(ctx, host, port, portProbeTimeout) {
		return nil
	}
	r.logf(ctx, "Port %d on %s is not open. Waiting for host to come online...", port, host)
	r.begin(ctx, "Waiting for host to come online...")

	policy := r.o.opts.Policies.PortWait
	var waited time.Duration
	for i := 0; i < policy.Attempts; i++ {
		delay := policy.Delay(i)
		if err := sleep(ctx, delay); err != nil {
			return err
		}
		waited += delay
		if r.o.dialer.Probe(ctx, host, port, portProbeTimeout) {
			r.logf(ctx, "SSH port is open after ~%s", waited)
			return nil
		}
	}
	return fatalf("Host %s:%d is unreachable. Check that the device is powered on, connected to the network, and SSH is enabled.", host, port)
}

// dial opens the first session, retrying unreachable errors.
func (r *run) dial(ctx context.Context) (remote.Session, error) {
	policy := r.o.opts.Policies.Connect
	var lastErr error
	for attempt := 1; attempt <= policy.Attempts; attempt++ {
		sess, err := r.o.dialer.Dial(ctx, r.target)
		if err == nil {
			return sess, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, remote.ErrAuthRejected) {
			return nil, fatal(err, "SSH authentication failed for user %q. Check username and password.", r.target.User)
		}
		if Classify(err).Class != Retryable {
			return nil, fatal(err, "SSH connection failed: %v", err)
		}
		lastErr = err
		log.Debug().Err(err).Str("task_id", r.task.ID).Int("attempt", attempt).Msg("provision: dial failed")
		if attempt == policy.Attempts {
			break
		}
		delay := policy.Delay(attempt - 1)
		r.logf(ctx, "SSH attempt %d/%d failed: %v. Retrying in %s...", attempt, policy.Attempts, err, delay)
		r.begin(ctx, fmt.Sprintf("SSH retry %d/%d...", attempt, policy.Attempts))
		if err := sleep(ctx, delay); err != nil {
			return nil, err
		}
	}

	switch {
	case errors.Is(lastErr, remote.ErrConnTimeout):
		return nil, fatal(lastErr, "SSH connection timed out after %d attempts. The device may still be booting or SSH service is not running.", policy.Attempts)
	case errors.Is(lastErr, remote.ErrConnRefused):
		return nil, fatal(lastErr, "SSH connection refused on port %d. SSH server may not be enabled on the device.", r.port())
	default:
		return nil, fatal(lastErr, "SSH connection failed after %d attempts: %v", policy.Attempts, lastErr)
	}
}

// reconnect replaces the session so a fresh login picks up new group
// membership. Authentication errors are not retried.
func (r *run) reconnect(ctx context.Context) error {
	r.logf(ctx, "Reconnecting SSH to apply docker group...")
	r.closeSession()
	if err := sleep(ctx, r.o.opts.Policies.ReconnectSettle); err != nil {
		return err
	}

	policy := r.o.opts.Policies.Reconnect
	for attempt := 1; attempt <= policy.Attempts; attempt++ {
		sess, err := r.o.dialer.Dial(ctx, r.target)
		if err == nil {
			r.session = sess
			r.logf(ctx, "SSH reconnected.")
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if Classify(err).Class != Retryable || attempt == policy.Attempts {
			return fatal(err, "SSH reconnect failed after docker install: %v", err)
		}
		delay := policy.Delay(attempt - 1)
		r.logf(ctx, "SSH reconnect attempt %d/%d failed: %v. Retrying in %s...", attempt, policy.Attempts, err, delay)
		if err := sleep(ctx, delay); err != nil {
			return err
		}
	}
	return fatalf("SSH reconnect failed after docker install")
}

// connectStep is step 1: reach the device, log in and identify the hardware.
func (r *run) connectStep(ctx context.Context) error {
	r.begin(ctx, "Connecting via SSH...")
	r.logf(ctx, "[Step 1] Connecting to %s:%d...", r.target.Host, r.port())

	if err := r.waitForPort(ctx); err != nil {
		return err
	}
	sess, err := r.dial(ctx)
	if err != nil {
		return err
	}
	r.session = sess

	res, err := r.exec(ctx, "uname -m", 10*time.Second)
	if err != nil {
		return err
	}
	r.arch = res.Output()
	r.logf(ctx, "Connected. Architecture: %s", r.arch)
	if r.arch != "aarch64" && r.arch != "armv7l" {
		return fatalf("Unsupported architecture: %s. Expected aarch64 or armv7l.", r.arch)
	}

	model, err := remote.Run(ctx, r.session, remote.Command{
		Line:         `cat /proc/device-tree/model 2>/dev/null || echo ""`,
		Timeout:      5 * time.Second,
		AllowFailure: true,
	})
	if err != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	r.model = strings.TrimRight(model.Output(), "\x00")
	r.class = fleet.DetectClass(r.model)
	r.logf(ctx, "Device type: %s (%s)", r.class, r.model)
	r.succeed(ctx, fmt.Sprintf("Connected (%s, %s)", r.arch, r.class))
	return nil
}
