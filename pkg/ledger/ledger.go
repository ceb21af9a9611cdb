// Package ledger writes the step ledger and log of a provisioning task.
// Every call persists immediately so pollers see live progress.
package ledger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/httprunner/ProvisionAgent/pkg/record"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Store persists ledger writes for one task attempt. Implementations must
// apply each call as a single targeted update so concurrent status changes
// made by other actors are not overwritten, and must reject writes for an
// attempt that is no longer current.
type Store interface {
	SaveSteps(ctx context.Context, taskID string, attempt int, steps []record.Step, currentStep int) error
	AppendLog(ctx context.Context, taskID string, attempt int, line string) error
}

// Ledger is the single writer of a task's steps while it runs.
type Ledger struct {
	store   Store
	taskID  string
	attempt int
	now     func() time.Time

	mu   sync.Mutex
	task *record.ProvisionTask
}

// New returns a ledger seeded with task's current steps.
func New(store Store, task *record.ProvisionTask) *Ledger {
	return &Ledger{
		store:   store,
		taskID:  task.ID,
		attempt: task.Attempt,
		now:     func() time.Time { return time.Now().UTC() },
		task:    task.Clone(),
	}
}

// TaskID returns the id of the task being written.
func (l *Ledger) TaskID() string {
	return l.taskID
}

// RecordStep upserts the entry for index and persists the whole ledger.
func (l *Ledger) RecordStep(ctx context.Context, index int, name string, status record.StepStatus, message string) error {
	l.mu.Lock()
	l.task.UpsertStep(record.Step{
		Index:     index,
		Name:      name,
		Status:    status,
		Message:   message,
		Timestamp: l.now(),
	})
	steps := append([]record.Step(nil), l.task.Steps...)
	current := l.task.CurrentStep
	l.mu.Unlock()

	log.Debug().Str("task_id", l.taskID).Int("step", index).Str("name", name).
		Str("status", string(status)).Str("message", message).Msg("ledger: step recorded")
	if err := l.store.SaveSteps(ctx, l.taskID, l.attempt, steps, current); err != nil {
		return errors.Wrapf(err, "ledger: save step %d of %s failed", index, l.taskID)
	}
	return nil
}

// AppendLog appends one formatted line.
func (l *Ledger) AppendLog(ctx context.Context, format string, args ...any) error {
	line := format
	if len(args) > 0 {
		line = fmt.Sprintf(format, args...)
	}
	l.mu.Lock()
	l.task.AppendLog(line)
	l.mu.Unlock()
	if err := l.store.AppendLog(ctx, l.taskID, l.attempt, line); err != nil {
		return errors.Wrapf(err, "ledger: append log of %s failed", l.taskID)
	}
	return nil
}

// Logf is AppendLog for call sites that cannot act on a write failure; the
// failure is logged instead.
func (l *Ledger) Logf(ctx context.Context, format string, args ...any) {
	if err := l.AppendLog(ctx, format, args...); err != nil {
		log.Warn().Err(err).Str("task_id", l.taskID).Msg("ledger: log line dropped")
	}
}

// FailRunning rewrites the last entry to failed when it is still running.
func (l *Ledger) FailRunning(ctx context.Context, message string) error {
	l.mu.Lock()
	changed := l.task.FailRunning(message)
	steps := append([]record.Step(nil), l.task.Steps...)
	current := l.task.CurrentStep
	l.mu.Unlock()
	if !changed {
		return nil
	}
	if err := l.store.SaveSteps(ctx, l.taskID, l.attempt, steps, current); err != nil {
		return errors.Wrapf(err, "ledger: fail running step of %s failed", l.taskID)
	}
	return nil
}

// Steps returns a copy of the ledger.
func (l *Ledger) Steps() []record.Step {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]record.Step(nil), l.task.Steps...)
}

// Step returns the entry for index.
func (l *Ledger) Step(index int) (record.Step, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.task.Step(index)
}
