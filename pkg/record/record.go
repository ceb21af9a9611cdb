// Package record holds the durable provisioning records shared by the
// orchestrator, the bulk coordinator and the stores: tasks, their step
// ledgers, the legal status transitions and the bulk aggregate policy.
package record

import (
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Status is the lifecycle state of a single provisioning task.
type Status string

const (
	StatusPending Status = "pending"
	StatusRunning Status = "running"
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
)

// StepStatus is the outcome of one bootstrap step.
type StepStatus string

const (
	StepRunning StepStatus = "running"
	StepSuccess StepStatus = "success"
	StepFailed  StepStatus = "failed"
	StepSkipped StepStatus = "skipped"
)

const (
	// TotalSteps is the fixed length of the bootstrap sequence.
	TotalSteps = 12
	// MaxErrorLen bounds ProvisionTask.ErrorMessage.
	MaxErrorLen = 1000
	// MaxStepMessageLen bounds the message written onto a failed step.
	MaxStepMessageLen = 200

	DefaultSSHUser = "pi"
	DefaultSSHPort = 22
)

var (
	ErrInvalidTransition = errors.New("record: invalid status transition")
	ErrNotRetryable      = errors.New("record: only failed tasks can be retried")
	ErrNotFound          = errors.New("record: not found")
	// ErrSuperseded is returned when a write names an attempt that a reset
	// has since replaced.
	ErrSuperseded        = errors.New("record: attempt superseded")
)

// Step is one entry of a task's ledger. Index is unique within a task.
type Step struct {
	Index     int        `json:"step"`
	Name      string     `json:"name"`
	Status    StepStatus `json:"status"`
	Message   string     `json:"message"`
	Timestamp time.Time  `json:"timestamp"`
}

// ProvisionTask is the durable record of one device provisioning attempt.
type ProvisionTask struct {
	ID           string
	Address      string
	SSHUser      string
	SSHPort      int
	DisplayName  string
	CallbackURL  string
	Status       Status
	// Attempt starts at 1 and grows with every reset. Writes made by a run
	// carry the attempt it started so a stale run cannot touch a retry.
	Attempt      int
	CurrentStep  int
	TotalSteps   int
	Steps        []Step
	ErrorMessage string
	Log          string
	DeviceID     string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// NewProvisionTask returns a pending task with a fresh id and defaults applied.
func NewProvisionTask(address, sshUser string, sshPort int, displayName, callbackURL string) *ProvisionTask {
	if strings.TrimSpace(sshUser) == "" {
		sshUser = DefaultSSHUser
	}
	if sshPort <= 0 {
		sshPort = DefaultSSHPort
	}
	now := time.Now().UTC()
	return &ProvisionTask{
		ID:          uuid.NewString(),
		Address:     strings.TrimSpace(address),
		SSHUser:     sshUser,
		SSHPort:     sshPort,
		DisplayName: strings.TrimSpace(displayName),
		CallbackURL: strings.TrimRight(strings.TrimSpace(callbackURL), "/"),
		Status:      StatusPending,
		Attempt:     1,
		TotalSteps:  TotalSteps,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// UpsertStep replaces the entry with the same index or inserts it in index
// order, then advances CurrentStep.
func (t *ProvisionTask) UpsertStep(step Step) {
	if step.Timestamp.IsZero() {
		step.Timestamp = time.Now().UTC()
	}
	replaced := false
	for i := range t.Steps {
		if t.Steps[i].Index == step.Index {
			t.Steps[i] = step
			replaced = true
			break
		}
	}
	if !replaced {
		t.Steps = append(t.Steps, step)
		sort.SliceStable(t.Steps, func(i, j int) bool { return t.Steps[i].Index < t.Steps[j].Index })
	}
	t.CurrentStep = step.Index
}

// LastStep returns the highest-index ledger entry.
func (t *ProvisionTask) LastStep() (Step, bool) {
	if len(t.Steps) == 0 {
		return Step{}, false
	}
	return t.Steps[len(t.Steps)-1], true
}

// Step returns the entry for index, if recorded.
func (t *ProvisionTask) Step(index int) (Step, bool) {
	for _, s := range t.Steps {
		if s.Index == index {
			return s, true
		}
	}
	return Step{}, false
}

// FailRunning rewrites the last entry to failed when it is still running.
func (t *ProvisionTask) FailRunning(message string) bool {
	if len(t.Steps) == 0 {
		return false
	}
	last := &t.Steps[len(t.Steps)-1]
	if last.Status != StepRunning {
		return false
	}
	last.Status = StepFailed
	last.Message = Truncate(message, MaxStepMessageLen)
	last.Timestamp = time.Now().UTC()
	return true
}

// AppendLog appends one line to the log.
func (t *ProvisionTask) AppendLog(line string) {
	t.Log += line + "\n"
}

// Terminal reports whether the task reached success or failed.
func (t *ProvisionTask) Terminal() bool {
	return t.Status == StatusSuccess || t.Status == StatusFailed
}

// CanTransition reports whether from -> to is a legal lifecycle move.
// Leaving failed is only possible through Reset.
func CanTransition(from, to Status) bool {
	switch from {
	case StatusPending:
		return to == StatusRunning || to == StatusFailed
	case StatusRunning:
		return to == StatusSuccess || to == StatusFailed
	default:
		return false
	}
}

// Transition moves the task to status or returns ErrInvalidTransition.
func (t *ProvisionTask) Transition(to Status) error {
	if !CanTransition(t.Status, to) {
		return errors.Wrapf(ErrInvalidTransition, "%s -> %s", t.Status, to)
	}
	t.Status = to
	t.UpdatedAt = time.Now().UTC()
	return nil
}

// Fail marks the task failed with a truncated error message.
func (t *ProvisionTask) Fail(message string) error {
	if err := t.Transition(StatusFailed); err != nil {
		return err
	}
	t.ErrorMessage = Truncate(message, MaxErrorLen)
	return nil
}

// Reset returns a failed task to pending and clears every trace of the
// previous attempt.
func (t *ProvisionTask) Reset() error {
	if t.Status != StatusFailed {
		return errors.Wrapf(ErrNotRetryable, "task %s is %s", t.ID, t.Status)
	}
	t.Status = StatusPending
	t.Attempt++
	t.CurrentStep = 0
	t.Steps = nil
	t.ErrorMessage = ""
	t.Log = ""
	t.DeviceID = ""
	t.UpdatedAt = time.Now().UTC()
	return nil
}

// Clone returns a deep copy.
func (t *ProvisionTask) Clone() *ProvisionTask {
	if t == nil {
		return nil
	}
	c := *t
	c.Steps = append([]Step(nil), t.Steps...)
	return &c
}

// Truncate cuts s to at most n runes.
func Truncate(s string, n int) string {
	if n <= 0 {
		return ""
	}
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n])
}
