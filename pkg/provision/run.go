package provision

import (
	"context"
	"time"

	"github.com/httprunner/ProvisionAgent/pkg/fleet"
	"github.com/httprunner/ProvisionAgent/pkg/ledger"
	"github.com/httprunner/ProvisionAgent/pkg/record"
	"github.com/httprunner/ProvisionAgent/pkg/remote"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

type step struct {
	index int
	name  string
	// label names the step in non-fatal failure log lines.
	label string
	run   func(r *run, ctx context.Context) error
}

func bootstrapSequence() []step {
	return []step{
		{index: 1, name: "ssh_connect", label: "SSH connect", run: (*run).connectStep},
		{index: 2, name: "prerequisites", label: "Prerequisites", run: (*run).prerequisitesStep},
		{index: 3, name: "install_docker", label: "Docker install", run: (*run).installDockerStep},
		{index: 4, name: "create_dirs", label: "Directory", run: (*run).createDirsStep},
		{index: 5, name: "upload_compose", label: "Compose upload", run: (*run).uploadComposeStep},
		{index: 6, name: "upload_configs", label: "Config upload", run: (*run).uploadConfigsStep},
		{index: 7, name: "docker_pull", label: "Image pull", run: (*run).pullImagesStep},
		{index: 8, name: "docker_up", label: "Container start", run: (*run).startContainersStep},
		{index: 9, name: "wait_ready", label: "Readiness", run: (*run).waitReadyStep},
		{index: 10, name: "phonehome", label: "Phone-home", run: (*run).phoneHomeStep},
		{index: 11, name: "tailscale", label: "Tailscale", run: (*run).vpnStep},
		{index: 12, name: "silent_boot", label: "Silent boot", run: (*run).silentBootStep},
	}
}

// run is the state of one bootstrap sequence.
type run struct {
	o        *Orchestrator
	task     *record.ProvisionTask
	ledger   *ledger.Ledger
	password string
	home     string
	target   remote.Target
	session  remote.Session
	current  step

	arch       string
	model      string
	class      fleet.DeviceClass
	mac        string
	vpnAddress string
	deviceID   string
}

func (r *run) record(ctx context.Context, status record.StepStatus, message string) {
	if err := r.ledger.RecordStep(ctx, r.current.index, r.current.name, status, message); err != nil {
		log.Error().Err(err).Str("task_id", r.task.ID).Int("step", r.current.index).Msg("provision: step not persisted")
	}
}

func (r *run) begin(ctx context.Context, message string) {
	r.record(ctx, record.StepRunning, message)
}

func (r *run) succeed(ctx context.Context, message string) {
	r.record(ctx, record.StepSuccess, message)
}

func (r *run) skip(ctx context.Context, message string) {
	r.record(ctx, record.StepSkipped, message)
}

func (r *run) logf(ctx context.Context, format string, args ...any) {
	r.ledger.Logf(ctx, format, args...)
}

// exec runs line and fails on a non-zero exit.
func (r *run) exec(ctx context.Context, line string, timeout time.Duration) (remote.Result, error) {
	return remote.Run(ctx, r.session, remote.Command{Line: line, Timeout: timeout})
}

// sudo runs line as root with the login password on stdin.
func (r *run) sudo(ctx context.Context, line string, timeout time.Duration) (remote.Result, error) {
	return remote.Run(ctx, r.session, remote.Command{
		Line:    line,
		Elevate: true,
		Secret:  r.password,
		Timeout: timeout,
	})
}

// probe reports whether line exits zero. Timeouts count as failure; only
// cancellation of ctx is returned.
func (r *run) probe(ctx context.Context, line string, timeout time.Duration) (bool, error) {
	res, err := remote.Run(ctx, r.session, remote.Command{Line: line, Timeout: timeout, AllowFailure: true})
	if err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		log.Debug().Err(err).Str("task_id", r.task.ID).Str("command", line).Msg("provision: probe failed")
		return false, nil
	}
	return res.OK(), nil
}

// checkCancelled re-reads the task and stops the run once an external actor
// has moved it out of running or a retry has started a newer attempt.
func (r *run) checkCancelled(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	status, attempt, err := r.o.store.TaskState(ctx, r.task.ID)
	if err != nil {
		return err
	}
	if attempt != r.task.Attempt {
		return errors.Wrapf(record.ErrSuperseded, "task %s attempt %d, now %d", r.task.ID, r.task.Attempt, attempt)
	}
	if status != record.StatusRunning {
		return errCancelled
	}
	return nil
}

func (r *run) closeSession() {
	if r.session == nil {
		return
	}
	if err := r.session.Close(); err != nil {
		log.Debug().Err(err).Str("task_id", r.task.ID).Msg("provision: close session failed")
	}
	r.session = nil
}
