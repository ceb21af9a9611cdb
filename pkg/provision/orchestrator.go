// Package provision turns a bare single-board device into a running player
// over SSH and registers it with the fleet.
package provision

import (
	"context"
	"io/fs"
	"strings"
	"time"

	"github.com/httprunner/ProvisionAgent/pkg/fleet"
	"github.com/httprunner/ProvisionAgent/pkg/ledger"
	"github.com/httprunner/ProvisionAgent/pkg/notify"
	"github.com/httprunner/ProvisionAgent/pkg/record"
	"github.com/httprunner/ProvisionAgent/pkg/remote"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Store is the task store the orchestrator writes through.
type Store interface {
	ledger.Store
	GetTask(ctx context.Context, id string) (*record.ProvisionTask, error)
	TaskState(ctx context.Context, id string) (record.Status, int, error)
	StartTask(ctx context.Context, id string, attempt int) error
	FailTask(ctx context.Context, id string, attempt int, message string) error
	CompleteTask(ctx context.Context, id string, attempt int, deviceID string) error
}

// Resolver maps a provisioned device onto a fleet record.
type Resolver interface {
	Resolve(ctx context.Context, id fleet.Identity) (*fleet.Device, bool, error)
}

// KeySource returns the VPN auth key. An empty key means none configured.
type KeySource func(ctx context.Context) (string, error)

// Options configures an Orchestrator.
type Options struct {
	// RegisterToken is sent as a bearer token by the heartbeat script.
	RegisterToken string
	// VPNKey supplies the mesh auth key; nil disables the VPN step.
	VPNKey KeySource
	// Assets may provide media_player.py for the viewer container.
	Assets         fs.FS
	ConnectTimeout time.Duration
	Policies       Policies
	Notifier       notify.Notifier
}

// Orchestrator drives one bootstrap sequence per Run call. It holds no
// per-run state and may run several tasks concurrently.
type Orchestrator struct {
	store    Store
	dialer   remote.Dialer
	resolver Resolver
	opts     Options
	steps    []step
}

// NewOrchestrator wires an orchestrator. The dialer is used for every
// session of every run; give each run its own if the dialer is stateful.
func NewOrchestrator(store Store, dialer remote.Dialer, resolver Resolver, opts Options) *Orchestrator {
	if opts.Policies.Connect.Attempts == 0 && opts.Policies.Ready.Attempts == 0 {
		opts.Policies = DefaultPolicies()
	}
	opts.Policies = opts.Policies.normalized()
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 15 * time.Second
	}
	if opts.Notifier == nil {
		opts.Notifier = notify.Noop{}
	}
	return &Orchestrator{
		store:    store,
		dialer:   dialer,
		resolver: resolver,
		opts:     opts,
		steps:    bootstrapSequence(),
	}
}

// Run provisions the pending task taskID with password. The returned error
// reports infrastructure problems only; provisioning failures are recorded on
// the task and Run returns nil. Every write of the run is fenced to the
// attempt it started, so a retry supersedes it.
func (o *Orchestrator) Run(ctx context.Context, taskID, password string) error {
	// the record is read even when ctx is already done so the task can be
	// failed instead of left pending
	task, err := o.store.GetTask(context.WithoutCancel(ctx), taskID)
	if err != nil {
		return err
	}
	if task.Status != record.StatusPending {
		log.Warn().Str("task_id", taskID).Str("status", string(task.Status)).Msg("provision: task is not pending, skip")
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		o.interrupt(ctx, task, ctxErr)
		return nil
	}
	if err := o.store.StartTask(ctx, taskID, task.Attempt); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			o.interrupt(ctx, task, ctxErr)
			return nil
		}
		if errors.Is(err, record.ErrInvalidTransition) || errors.Is(err, record.ErrSuperseded) {
			log.Info().Err(err).Str("task_id", taskID).Msg("provision: task changed before start, skip")
			return nil
		}
		return errors.Wrapf(err, "provision: start task %s failed", taskID)
	}
	task.Status = record.StatusRunning

	r := &run{
		o:        o,
		task:     task,
		ledger:   ledger.New(o.store, task),
		password: password,
		home:     homeDir(task.SSHUser),
		target: remote.Target{
			Host:           task.Address,
			Port:           task.SSHPort,
			User:           task.SSHUser,
			Password:       password,
			ConnectTimeout: o.opts.ConnectTimeout,
		},
	}
	defer r.closeSession()

	logger := log.With().Str("task_id", taskID).Str("address", task.Address).Logger()
	logger.Info().Msg("provision: started")
	start := time.Now()

	runErr := r.execute(ctx)
	if runErr == nil {
		runErr = o.complete(ctx, r)
	}
	if runErr != nil {
		o.fail(ctx, r, runErr)
		logger.Warn().Err(runErr).Dur("elapsed", time.Since(start)).Msg("provision: failed")
		return nil
	}
	logger.Info().Dur("elapsed", time.Since(start)).Str("device_id", r.deviceID).Msg("provision: succeeded")
	return nil
}

func (r *run) execute(ctx context.Context) error {
	for _, st := range r.o.steps {
		if err := r.checkCancelled(ctx); err != nil {
			return err
		}
		r.current = st
		err := st.run(r, ctx)
		if err == nil {
			continue
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Classify(ctxErr)
		}
		se := Classify(err)
		if se.Class != Skippable {
			return se
		}
		r.logf(ctx, "%s setup failed (non-fatal): %s", st.label, se.Error())
		r.record(ctx, record.StepSkipped, "Non-fatal: "+record.Truncate(se.Error(), record.MaxStepMessageLen-len("Non-fatal: ")))
	}
	return nil
}

func (o *Orchestrator) complete(ctx context.Context, r *run) error {
	if err := r.checkCancelled(ctx); err != nil {
		return err
	}
	name := r.task.DisplayName
	if name == "" {
		name = "Player " + r.task.Address
	}
	device, created, err := o.resolver.Resolve(ctx, fleet.Identity{
		Name:       name,
		Address:    r.task.Address,
		MAC:        r.mac,
		VPNAddress: r.vpnAddress,
		Class:      r.class,
	})
	if err != nil {
		return fatal(err, "Device registration failed: %s", err.Error())
	}
	if err := o.store.CompleteTask(ctx, r.task.ID, r.task.Attempt, device.ID); err != nil {
		if errors.Is(err, record.ErrInvalidTransition) {
			return errCancelled
		}
		return err
	}
	r.deviceID = device.ID
	verb := "updated"
	if created {
		verb = "added"
	}
	r.logf(ctx, "Provisioning complete! Player %q %s.", device.Name, verb)
	o.notify(ctx, notify.Event{
		TaskID:    r.task.ID,
		Address:   r.task.Address,
		Status:    string(record.StatusSuccess),
		DeviceID:  device.ID,
		DeviceURL: device.URL,
		MAC:       device.MAC,
		Class:     string(device.Class),
	})
	return nil
}

// fail records a terminal failure. It writes with a context detached from
// ctx so an expired time limit still leaves a complete record.
func (o *Orchestrator) fail(ctx context.Context, r *run, runErr error) {
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()

	se := Classify(runErr)
	msg := se.Error()
	superseded := errors.Is(runErr, record.ErrSuperseded)
	cancelled := superseded || errors.Is(runErr, errCancelled)
	if !cancelled {
		err := o.store.FailTask(wctx, r.task.ID, r.task.Attempt, msg)
		switch {
		case errors.Is(err, record.ErrSuperseded):
			superseded, cancelled = true, true
		case errors.Is(err, record.ErrInvalidTransition):
			// failed by someone else while the step was running
			cancelled = true
		case err != nil:
			log.Error().Err(err).Str("task_id", r.task.ID).Msg("provision: record failure failed")
		}
	}
	if superseded {
		// the record belongs to a newer attempt now; leave it alone
		log.Info().Str("task_id", r.task.ID).Int("attempt", r.task.Attempt).Msg("provision: attempt superseded by a retry")
		return
	}
	if cancelled {
		// the external actor owns the error message and the notification
		_ = r.ledger.FailRunning(wctx, "Cancelled")
		r.logf(wctx, "Cancelled: task was marked failed externally.")
		return
	}
	if err := r.ledger.FailRunning(wctx, msg); err != nil {
		log.Error().Err(err).Str("task_id", r.task.ID).Msg("provision: rewrite running step failed")
	}
	r.logf(wctx, "ERROR: %s", msg)
	o.notify(wctx, notify.Event{
		TaskID:  r.task.ID,
		Address: r.task.Address,
		Status:  string(record.StatusFailed),
		Error:   record.Truncate(msg, record.MaxErrorLen),
	})
}

// interrupt fails a task whose run context ended before it started.
func (o *Orchestrator) interrupt(ctx context.Context, task *record.ProvisionTask, cause error) {
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()

	msg := Classify(cause).Error()
	if err := o.store.FailTask(wctx, task.ID, task.Attempt, msg); err != nil {
		log.Warn().Err(err).Str("task_id", task.ID).Msg("provision: record interruption failed")
		return
	}
	ledger.New(o.store, task).Logf(wctx, "ERROR: %s", msg)
	log.Warn().Str("task_id", task.ID).Str("address", task.Address).Msg("provision: interrupted before start")
	o.notify(wctx, notify.Event{
		TaskID:  task.ID,
		Address: task.Address,
		Status:  string(record.StatusFailed),
		Error:   record.Truncate(msg, record.MaxErrorLen),
	})
}

func (o *Orchestrator) notify(ctx context.Context, ev notify.Event) {
	if err := o.opts.Notifier.Notify(ctx, ev); err != nil {
		log.Warn().Err(err).Str("task_id", ev.TaskID).Msg("provision: notify failed")
	}
}

func homeDir(user string) string {
	if user == "root" {
		return "/root"
	}
	return "/home/" + strings.TrimSpace(user)
}
