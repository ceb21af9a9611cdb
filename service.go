// Package provisionagent provisions media-player devices over SSH. Service is
// the facade the CLI and embedding programs use: it persists tasks, queues
// bootstrap runs and reports their progress.
package provisionagent

import (
	"context"
	"io/fs"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/httprunner/ProvisionAgent/pkg/bulk"
	"github.com/httprunner/ProvisionAgent/pkg/fleet"
	"github.com/httprunner/ProvisionAgent/pkg/notify"
	"github.com/httprunner/ProvisionAgent/pkg/provision"
	"github.com/httprunner/ProvisionAgent/pkg/queue"
	"github.com/httprunner/ProvisionAgent/pkg/record"
	"github.com/httprunner/ProvisionAgent/pkg/remote"
	"github.com/httprunner/ProvisionAgent/pkg/secretbox"
	"github.com/httprunner/ProvisionAgent/pkg/storage"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

var (
	ErrInvalidRequest = errors.New("provisionagent: invalid request")
	// ErrNoSecretKey is returned by operations that must seal a secret when
	// no secret_key is configured.
	ErrNoSecretKey     = errors.New("provisionagent: secret_key is not configured")
	ErrNotCancellable  = errors.New("provisionagent: task already finished")
	ErrTooManyAttempts = errors.New("provisionagent: too many attempts for this address, try again later")
	ErrNotFound        = record.ErrNotFound
	ErrNotRetryable    = record.ErrNotRetryable
)

// bulkJobLimit bounds a whole bulk job. Every target inside it is still held
// to the per-task soft limit.
const bulkJobLimit = 24 * time.Hour

const bulkLimitExceeded = "Bulk time limit exceeded"

// ProvisionRequest asks for one device to be provisioned. Empty optional
// fields fall back to the configured defaults.
type ProvisionRequest struct {
	Address     string
	SSHUser     string
	SSHPassword string
	SSHPort     int
	DisplayName string
	CallbackURL string
}

// BulkRequest asks for a list of addresses to be provisioned as one job.
type BulkRequest struct {
	Targets     []string
	SSHUser     string
	SSHPassword string
	RequestedBy string
	ScanMethod  string
}

// Option customizes a Service.
type Option func(*serviceOptions)

type serviceOptions struct {
	dialer   remote.Dialer
	policies provision.Policies
	notifier notify.Notifier
}

// WithDialer replaces the SSH dialer.
func WithDialer(d remote.Dialer) Option {
	return func(o *serviceOptions) { o.dialer = d }
}

// WithPolicies replaces the connect, reconnect and readiness retry policies.
func WithPolicies(p provision.Policies) Option {
	return func(o *serviceOptions) { o.policies = p }
}

// WithNotifier replaces the notifiers built from settings.
func WithNotifier(n notify.Notifier) Option {
	return func(o *serviceOptions) { o.notifier = n }
}

// Service owns the record store, the worker queues and the orchestrator.
type Service struct {
	settings *Settings
	store    *storage.Store
	box      *secretbox.Box
	notifier notify.Notifier
	orch     *provision.Orchestrator
	coord    *bulk.Coordinator
	tasks    *queue.Queue
	bulkJobs *queue.Queue
	attempts *attemptLimiter

	mu   sync.Mutex
	done map[string]<-chan struct{}

	releaseOnce sync.Once
	releaseErr  error
}

// NewService opens the store and starts the worker queues. Close releases
// them.
func NewService(settings *Settings, opts ...Option) (_ *Service, err error) {
	if settings == nil {
		return nil, errors.Wrap(ErrInvalidRequest, "settings are required")
	}
	var so serviceOptions
	for _, opt := range opts {
		opt(&so)
	}

	s := &Service{
		settings: settings,
		attempts: newAttemptLimiter(settings.AttemptLimit, settings.AttemptWindow),
		done:     map[string]<-chan struct{}{},
	}
	defer func() {
		if err != nil {
			if s.tasks != nil {
				s.tasks.Stop()
			}
			_ = s.release()
		}
	}()

	if s.store, err = storage.Open(settings.DBPath); err != nil {
		return nil, err
	}
	if settings.SecretKey != "" {
		if s.box, err = secretbox.New(settings.SecretKey, 0); err != nil {
			return nil, err
		}
	}
	if so.notifier != nil {
		s.notifier = so.notifier
	} else if s.notifier, err = buildNotifier(settings); err != nil {
		return nil, err
	}
	dialer := so.dialer
	if dialer == nil {
		dialer = remote.NewSSHDialer()
	}

	s.orch = provision.NewOrchestrator(s.store, dialer, fleet.NewResolver(s.store), provision.Options{
		RegisterToken:  settings.RegisterToken,
		VPNKey:         s.vpnKey,
		Assets:         assetFS(settings.AssetDir),
		ConnectTimeout: settings.ConnectTimeout,
		Policies:       so.policies,
		Notifier:       s.notifier,
	})

	if s.tasks, err = queue.New(queue.Config{
		Workers:   settings.QueueWorkers,
		Backlog:   settings.QueueBacklog,
		SoftLimit: settings.SoftTimeLimit,
		HardLimit: settings.HardTimeLimit,
	}); err != nil {
		return nil, err
	}
	if s.box != nil {
		s.coord = bulk.NewCoordinator(s.store, targetRunner{orch: s.orch, limit: settings.SoftTimeLimit}, s.box, bulk.Options{
			Parallelism: settings.BulkParallelism,
			CallbackURL: settings.CallbackURL,
			SSHPort:     settings.SSHPort,
		})
		if s.bulkJobs, err = queue.New(queue.Config{
			Workers:   2,
			Backlog:   settings.QueueBacklog,
			SoftLimit: bulkJobLimit,
			HardLimit: bulkJobLimit + time.Minute,
		}); err != nil {
			return nil, err
		}
	}
	log.Info().Str("db_path", s.store.Path()).Int("workers", settings.QueueWorkers).
		Bool("bulk", s.coord != nil).Msg("provisionagent: service ready")
	return s, nil
}

// NewServiceFromEnv loads settings from the environment (and the optional
// config file at path) and builds a Service.
func NewServiceFromEnv(path string, opts ...Option) (*Service, error) {
	settings, err := LoadSettings(path)
	if err != nil {
		return nil, err
	}
	return NewService(settings, opts...)
}

func buildNotifier(settings *Settings) (notify.Notifier, error) {
	var multi notify.Multi
	if settings.ZMQEndpoint != "" {
		z, err := notify.NewZMQ(settings.ZMQEndpoint)
		if err != nil {
			return nil, err
		}
		multi = append(multi, z)
	}
	if settings.FeishuEnabled() {
		f, err := notify.NewFeishu(notify.FeishuConfig{
			AppID:     settings.FeishuAppID,
			AppSecret: settings.FeishuAppSecret,
			ChatID:    settings.FeishuChatID,
			BaseURL:   settings.FeishuBaseURL,
		})
		if err != nil {
			_ = multi.Close()
			return nil, err
		}
		multi = append(multi, f)
	}
	if len(multi) == 0 {
		return notify.Noop{}, nil
	}
	return multi, nil
}

func assetFS(dir string) fs.FS {
	if strings.TrimSpace(dir) == "" {
		return nil
	}
	return os.DirFS(dir)
}

// vpnKey prefers the plain key and opens the sealed one on demand.
func (s *Service) vpnKey(context.Context) (string, error) {
	if key := strings.TrimSpace(s.settings.VPNAuthKey); key != "" {
		return key, nil
	}
	sealed := strings.TrimSpace(s.settings.VPNAuthKeySealed)
	if sealed == "" {
		return "", nil
	}
	if s.box == nil {
		return "", ErrNoSecretKey
	}
	return s.box.Decrypt(sealed)
}

// targetRunner holds each bulk target to the single-task time limit.
type targetRunner struct {
	orch  *provision.Orchestrator
	limit time.Duration
}

func (r targetRunner) Run(ctx context.Context, taskID, password string) error {
	ctx, cancel := context.WithTimeout(ctx, r.limit)
	defer cancel()
	return r.orch.Run(ctx, taskID, password)
}

// Provision records a pending task for req and queues its bootstrap run.
func (s *Service) Provision(ctx context.Context, req ProvisionRequest) (string, error) {
	address := strings.TrimSpace(req.Address)
	if address == "" {
		return "", errors.Wrap(ErrInvalidRequest, "address is required")
	}
	if req.SSHPassword == "" {
		return "", errors.Wrap(ErrInvalidRequest, "ssh password is required")
	}
	user := firstNonEmpty(req.SSHUser, s.settings.SSHUser)
	port := req.SSHPort
	if port <= 0 {
		port = s.settings.SSHPort
	}
	if port > 65535 {
		return "", errors.Wrapf(ErrInvalidRequest, "ssh port %d out of range", port)
	}
	callback := firstNonEmpty(req.CallbackURL, s.settings.CallbackURL)
	if !s.attempts.allow(address, time.Now()) {
		return "", errors.Wrap(ErrTooManyAttempts, address)
	}

	task := record.NewProvisionTask(address, user, port, req.DisplayName, callback)
	if err := s.store.CreateTask(ctx, task); err != nil {
		return "", err
	}
	if err := s.enqueue(ctx, task.ID, task.Attempt, req.SSHPassword); err != nil {
		return "", err
	}
	log.Info().Str("task_id", task.ID).Str("address", address).Msg("provisionagent: provisioning queued")
	return task.ID, nil
}

// Retry resets a failed task to pending and queues it again. The password
// is not stored, so the caller supplies it anew.
func (s *Service) Retry(ctx context.Context, taskID, sshPassword string) (string, error) {
	if sshPassword == "" {
		return "", errors.Wrap(ErrInvalidRequest, "ssh password is required")
	}
	current, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return "", err
	}
	if current.Status != record.StatusFailed {
		return "", errors.Wrapf(ErrNotRetryable, "task %s is %s", taskID, current.Status)
	}
	if !s.attempts.allow(current.Address, time.Now()) {
		return "", errors.Wrap(ErrTooManyAttempts, current.Address)
	}
	task, err := s.store.ResetTask(ctx, taskID)
	if err != nil {
		return "", err
	}
	if err := s.enqueue(ctx, task.ID, task.Attempt, sshPassword); err != nil {
		return "", err
	}
	log.Info().Str("task_id", task.ID).Str("address", task.Address).Msg("provisionagent: retry queued")
	return task.ID, nil
}

func (s *Service) enqueue(ctx context.Context, taskID string, attempt int, password string) error {
	done, err := s.tasks.Enqueue(queue.Job{
		ID: taskID,
		Run: func(ctx context.Context) error {
			return s.orch.Run(ctx, taskID, password)
		},
		Abandon: func(ctx context.Context) {
			s.abandon(ctx, taskID, attempt)
		},
	})
	if err != nil {
		msg := "Provisioning could not be queued: " + err.Error()
		if ferr := s.store.FailTask(context.WithoutCancel(ctx), taskID, attempt, msg); ferr != nil {
			log.Error().Err(ferr).Str("task_id", taskID).Msg("provisionagent: record queue rejection failed")
		}
		return err
	}
	s.track(taskID, done)
	return nil
}

// abandon records a run that outlived the hard limit. A retry started in
// the meantime owns the record and is left alone.
func (s *Service) abandon(ctx context.Context, taskID string, attempt int) {
	const msg = "Provisioning time limit exceeded"
	err := s.store.FailTask(ctx, taskID, attempt, msg)
	if errors.Is(err, record.ErrInvalidTransition) || errors.Is(err, record.ErrSuperseded) {
		return
	}
	if err != nil {
		log.Error().Err(err).Str("task_id", taskID).Msg("provisionagent: record abandoned task failed")
		return
	}
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return
	}
	s.notifyFailed(ctx, task, msg)
}

func (s *Service) notifyFailed(ctx context.Context, task *record.ProvisionTask, msg string) {
	if err := s.notifier.Notify(ctx, notify.Event{
		TaskID:  task.ID,
		Address: task.Address,
		Status:  string(record.StatusFailed),
		Error:   msg,
	}); err != nil {
		log.Warn().Err(err).Str("task_id", task.ID).Msg("provisionagent: notify failed")
	}
}

// Cancel marks a pending or running task failed. A running bootstrap stops
// at its next step boundary; a command already executing runs to its own
// timeout.
func (s *Service) Cancel(ctx context.Context, taskID string) error {
	err := s.store.FailTask(ctx, taskID, 0, CancelledByOperator)
	if errors.Is(err, record.ErrInvalidTransition) {
		return errors.Wrapf(ErrNotCancellable, "task %s", taskID)
	}
	if err != nil {
		return err
	}
	log.Info().Str("task_id", taskID).Msg("provisionagent: task cancelled")
	if task, err := s.store.GetTask(ctx, taskID); err == nil {
		s.notifyFailed(ctx, task, CancelledByOperator)
	}
	return nil
}

// BulkProvision seals the password, records a bulk job and queues it.
func (s *Service) BulkProvision(ctx context.Context, req BulkRequest) (string, error) {
	if s.coord == nil {
		return "", ErrNoSecretKey
	}
	if req.SSHPassword == "" {
		return "", errors.Wrap(ErrInvalidRequest, "ssh password is required")
	}
	sealed, err := s.box.Encrypt(req.SSHPassword)
	if err != nil {
		return "", err
	}
	job := record.NewBulkTask(req.RequestedBy, req.ScanMethod, req.Targets,
		firstNonEmpty(req.SSHUser, s.settings.SSHUser), sealed)
	if len(job.Targets) == 0 {
		return "", errors.Wrap(ErrInvalidRequest, "at least one target is required")
	}
	if err := s.store.CreateBulk(ctx, job); err != nil {
		return "", err
	}
	id := job.ID
	done, err := s.bulkJobs.Enqueue(queue.Job{
		ID: id,
		Run: func(ctx context.Context) error {
			return s.coord.Run(ctx, id)
		},
		Abandon: func(ctx context.Context) {
			if err := s.coord.Abandon(ctx, id, bulkLimitExceeded); err != nil {
				log.Error().Err(err).Str("bulk_id", id).Msg("provisionagent: record abandoned bulk job failed")
			}
		},
	})
	if err != nil {
		_ = s.store.SetBulkStatus(context.WithoutCancel(ctx), id, record.BulkFailed)
		return "", err
	}
	s.track(id, done)
	log.Info().Str("bulk_id", id).Int("targets", len(job.Targets)).Msg("provisionagent: bulk job queued")
	return id, nil
}

// Seal encrypts a secret, such as the VPN auth key, for the config file.
func (s *Service) Seal(plaintext string) (string, error) {
	if s.box == nil {
		return "", ErrNoSecretKey
	}
	return s.box.Encrypt(plaintext)
}

// Seal encrypts plaintext with passphrase key without opening a Service.
func Seal(key, plaintext string) (string, error) {
	box, err := secretbox.New(key, 0)
	if errors.Is(err, secretbox.ErrNoKey) {
		return "", ErrNoSecretKey
	}
	if err != nil {
		return "", err
	}
	return box.Encrypt(plaintext)
}

func (s *Service) track(id string, done <-chan struct{}) {
	s.mu.Lock()
	s.done[id] = done
	s.mu.Unlock()
	go func() {
		<-done
		s.mu.Lock()
		// a retry may already track a newer run under the same id
		if s.done[id] == done {
			delete(s.done, id)
		}
		s.mu.Unlock()
	}()
}

var closedChan = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()

// Done returns a channel closed when the queued task or bulk job id has
// finished in this process. Unknown ids yield a closed channel.
func (s *Service) Done(id string) <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ch, ok := s.done[id]; ok {
		return ch
	}
	return closedChan
}

// Wait blocks until every queued task and bulk job has finished.
func (s *Service) Wait() {
	if s.bulkJobs != nil {
		s.bulkJobs.Wait()
	}
	s.tasks.Wait()
}

// Close waits for queued work, then releases the store and notifiers.
func (s *Service) Close() error {
	if s.bulkJobs != nil {
		s.bulkJobs.Close()
	}
	if s.tasks != nil {
		s.tasks.Close()
	}
	return s.release()
}

// Stop cancels running work and releases resources. Interrupted tasks are
// recorded as failed by their orchestrator.
func (s *Service) Stop() error {
	if s.bulkJobs != nil {
		s.bulkJobs.Stop()
	}
	if s.tasks != nil {
		s.tasks.Stop()
	}
	return s.release()
}

func (s *Service) release() error {
	s.releaseOnce.Do(func() {
		if c, ok := s.notifier.(notify.Closer); ok {
			if err := c.Close(); err != nil {
				log.Warn().Err(err).Msg("provisionagent: close notifier failed")
			}
		}
		if s.store != nil {
			s.releaseErr = s.store.Close()
		}
	})
	return s.releaseErr
}

func firstNonEmpty(values ...string) string {
	for _, val := range values {
		if trimmed := strings.TrimSpace(val); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
