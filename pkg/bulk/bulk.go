// Package bulk provisions a list of addresses as one job, reusing the single
// device bootstrap for every target.
package bulk

import (
	"context"
	"strings"

	"github.com/httprunner/ProvisionAgent/pkg/record"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// Store persists bulk jobs and the per-target tasks they create.
type Store interface {
	GetBulk(ctx context.Context, id string) (*record.BulkTask, error)
	SetBulkStatus(ctx context.Context, id string, status record.BulkStatus) error
	SetTargetResult(ctx context.Context, id, target string, result record.TargetResult) error
	CreateTask(ctx context.Context, task *record.ProvisionTask) error
	GetTask(ctx context.Context, id string) (*record.ProvisionTask, error)
}

// Provisioner runs the bootstrap sequence for one pending task.
type Provisioner interface {
	Run(ctx context.Context, taskID, password string) error
}

// Decrypter opens the sealed SSH password of a bulk job.
type Decrypter interface {
	Decrypt(sealed string) (string, error)
}

// Options configures a Coordinator.
type Options struct {
	// Parallelism is the number of targets provisioned at once. Values
	// below 2 provision sequentially.
	Parallelism int
	// CallbackURL is handed to every per-target task.
	CallbackURL string
	SSHPort     int
}

// Coordinator drives bulk jobs.
type Coordinator struct {
	store Store
	prov  Provisioner
	box   Decrypter
	opts  Options
}

func NewCoordinator(store Store, prov Provisioner, box Decrypter, opts Options) *Coordinator {
	if opts.Parallelism < 1 {
		opts.Parallelism = 1
	}
	if opts.SSHPort <= 0 {
		opts.SSHPort = record.DefaultSSHPort
	}
	return &Coordinator{store: store, prov: prov, box: box, opts: opts}
}

// DisplayName is the device name given to a bulk target, e.g.
// Player-10-0-0-5.
func DisplayName(target string) string {
	r := strings.NewReplacer(".", "-", ":", "-")
	return "Player-" + r.Replace(target)
}

// Run provisions every target of bulk job id and records the aggregate
// outcome. Per-target failures are recorded, not returned.
func (c *Coordinator) Run(ctx context.Context, id string) error {
	job, err := c.store.GetBulk(ctx, id)
	if err != nil {
		return err
	}
	logger := log.With().Str("bulk_id", id).Int("targets", len(job.Targets)).Logger()

	if err := c.store.SetBulkStatus(ctx, id, record.BulkProvisioning); err != nil {
		return errors.Wrapf(err, "bulk: start job %s failed", id)
	}
	logger.Info().Int("parallelism", c.opts.Parallelism).Msg("bulk: provisioning started")

	password, err := c.box.Decrypt(job.EncryptedPassword)
	if err != nil {
		logger.Error().Err(err).Msg("bulk: decrypt ssh password failed")
		for _, target := range job.Targets {
			c.setResult(ctx, id, target, record.TargetResult{Status: record.TargetFailed, Error: "SSH password could not be decrypted"})
		}
		return c.finish(ctx, id)
	}

	g := new(errgroup.Group)
	g.SetLimit(c.opts.Parallelism)
	for _, target := range job.Targets {
		g.Go(func() error {
			c.provisionTarget(ctx, job, target, password)
			return nil
		})
	}
	_ = g.Wait()
	return c.finish(ctx, id)
}

func (c *Coordinator) provisionTarget(ctx context.Context, job *record.BulkTask, target, password string) {
	logger := log.With().Str("bulk_id", job.ID).Str("address", target).Logger()
	if err := ctx.Err(); err != nil {
		c.setResult(ctx, job.ID, target, record.TargetResult{Status: record.TargetFailed, Error: err.Error()})
		return
	}

	task := record.NewProvisionTask(target, job.SSHUser, c.opts.SSHPort, DisplayName(target), c.opts.CallbackURL)
	if err := c.store.CreateTask(ctx, task); err != nil {
		logger.Error().Err(err).Msg("bulk: create task failed")
		c.setResult(ctx, job.ID, target, record.TargetResult{Status: record.TargetFailed, Error: err.Error()})
		return
	}
	c.setResult(ctx, job.ID, target, record.TargetResult{Status: record.TargetProvisioning, TaskID: task.ID})

	if err := c.prov.Run(ctx, task.ID, password); err != nil {
		logger.Error().Err(err).Str("task_id", task.ID).Msg("bulk: provisioning run failed")
		c.setResult(ctx, job.ID, target, record.TargetResult{Status: record.TargetFailed, TaskID: task.ID, Error: err.Error()})
		return
	}

	done, err := c.store.GetTask(ctx, task.ID)
	if err != nil {
		c.setResult(ctx, job.ID, target, record.TargetResult{Status: record.TargetFailed, TaskID: task.ID, Error: err.Error()})
		return
	}
	result := record.TargetResult{TaskID: task.ID, DeviceID: done.DeviceID}
	switch done.Status {
	case record.StatusSuccess:
		result.Status = record.TargetSuccess
	default:
		result.Status = record.TargetFailed
		result.Error = done.ErrorMessage
		if result.Error == "" {
			result.Error = "task ended in status " + string(done.Status)
		}
	}
	logger.Info().Str("task_id", task.ID).Str("status", string(result.Status)).Msg("bulk: target finished")
	c.setResult(ctx, job.ID, target, result)
}

func (c *Coordinator) setResult(ctx context.Context, id, target string, result record.TargetResult) {
	if err := c.store.SetTargetResult(context.WithoutCancel(ctx), id, target, result); err != nil {
		log.Error().Err(err).Str("bulk_id", id).Str("address", target).Msg("bulk: record target result failed")
	}
}

// Abandon closes out job id after its run outlived the time limit: every
// target still pending or provisioning is failed with reason and the job
// takes the aggregate status of what was recorded.
func (c *Coordinator) Abandon(ctx context.Context, id, reason string) error {
	wctx := context.WithoutCancel(ctx)
	job, err := c.store.GetBulk(wctx, id)
	if err != nil {
		return err
	}
	for _, target := range job.Targets {
		res := job.Results[target]
		if res.Status == record.TargetSuccess || res.Status == record.TargetFailed {
			continue
		}
		res.Status = record.TargetFailed
		res.Error = reason
		c.setResult(wctx, id, target, res)
	}
	log.Warn().Str("bulk_id", id).Str("reason", reason).Msg("bulk: job abandoned")
	return c.finish(wctx, id)
}

func (c *Coordinator) finish(ctx context.Context, id string) error {
	wctx := context.WithoutCancel(ctx)
	job, err := c.store.GetBulk(wctx, id)
	if err != nil {
		return err
	}
	status := record.AggregateStatus(job.Results)
	if err := c.store.SetBulkStatus(wctx, id, status); err != nil {
		return errors.Wrapf(err, "bulk: finish job %s failed", id)
	}
	counts := record.Counts(job.Results)
	log.Info().Str("bulk_id", id).Str("status", string(status)).
		Int("success", counts[record.TargetSuccess]).Int("failed", counts[record.TargetFailed]).
		Msg("bulk: provisioning finished")
	return nil
}
