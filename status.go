package provisionagent

import (
	"context"
	"time"

	"github.com/httprunner/ProvisionAgent/pkg/record"
)

// Step aliases one ledger entry so callers need not import pkg/record.
type Step = record.Step

// TargetResult aliases the per-address outcome of a bulk job.
type TargetResult = record.TargetResult

// StatusSnapshot is a consistent copy of one task, safe to poll repeatedly.
type StatusSnapshot struct {
	TaskID       string        `json:"task_id"`
	Address      string        `json:"ip_address"`
	Status       record.Status `json:"status"`
	CurrentStep  int           `json:"current_step"`
	TotalSteps   int           `json:"total_steps"`
	Steps        []Step        `json:"steps"`
	ErrorMessage string        `json:"error_message"`
	Log          string        `json:"log_output"`
	DeviceID     string        `json:"player_id,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
}

// Terminal reports whether the task reached success or failed.
func (s *StatusSnapshot) Terminal() bool {
	return s.Status == record.StatusSuccess || s.Status == record.StatusFailed
}

func newSnapshot(task *record.ProvisionTask) *StatusSnapshot {
	steps := append([]Step{}, task.Steps...)
	return &StatusSnapshot{
		TaskID:       task.ID,
		Address:      task.Address,
		Status:       task.Status,
		CurrentStep:  task.CurrentStep,
		TotalSteps:   task.TotalSteps,
		Steps:        steps,
		ErrorMessage: task.ErrorMessage,
		Log:          task.Log,
		DeviceID:     task.DeviceID,
		CreatedAt:    task.CreatedAt,
		UpdatedAt:    task.UpdatedAt,
	}
}

// BulkSnapshot is a consistent copy of one bulk job.
type BulkSnapshot struct {
	BulkID      string                      `json:"bulk_id"`
	Status      record.BulkStatus           `json:"status"`
	RequestedBy string                      `json:"requested_by,omitempty"`
	ScanMethod  string                      `json:"scan_method"`
	Targets     []string                    `json:"target_ips"`
	Results     map[string]TargetResult     `json:"results"`
	Counts      map[record.TargetStatus]int `json:"counts"`
	CreatedAt   time.Time                   `json:"created_at"`
	UpdatedAt   time.Time                   `json:"updated_at"`
}

// GetStatus returns the current snapshot of taskID.
func (s *Service) GetStatus(ctx context.Context, taskID string) (*StatusSnapshot, error) {
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	return newSnapshot(task), nil
}

// ListTasks returns up to limit tasks, newest first.
func (s *Service) ListTasks(ctx context.Context, limit int) ([]*StatusSnapshot, error) {
	tasks, err := s.store.ListTasks(ctx, limit)
	if err != nil {
		return nil, err
	}
	out := make([]*StatusSnapshot, 0, len(tasks))
	for _, task := range tasks {
		out = append(out, newSnapshot(task))
	}
	return out, nil
}

// GetBulkStatus returns the current snapshot of bulk job bulkID.
func (s *Service) GetBulkStatus(ctx context.Context, bulkID string) (*BulkSnapshot, error) {
	job, err := s.store.GetBulk(ctx, bulkID)
	if err != nil {
		return nil, err
	}
	return &BulkSnapshot{
		BulkID:      job.ID,
		Status:      job.Status,
		RequestedBy: job.RequestedBy,
		ScanMethod:  job.ScanMethod,
		Targets:     append([]string{}, job.Targets...),
		Results:     job.Results,
		Counts:      record.Counts(job.Results),
		CreatedAt:   job.CreatedAt,
		UpdatedAt:   job.UpdatedAt,
	}, nil
}

// Watch polls taskID every interval and calls fn with each snapshot that
// differs from the previous one, until the task is terminal or ctx ends.
func (s *Service) Watch(ctx context.Context, taskID string, interval time.Duration, fn func(*StatusSnapshot)) error {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var last time.Time
	var lastLen int
	for {
		snap, err := s.GetStatus(ctx, taskID)
		if err != nil {
			return err
		}
		if !snap.UpdatedAt.Equal(last) || len(snap.Log) != lastLen {
			last, lastLen = snap.UpdatedAt, len(snap.Log)
			fn(snap)
		}
		if snap.Terminal() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
