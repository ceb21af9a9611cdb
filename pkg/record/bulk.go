package record

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// BulkStatus is the lifecycle state of a bulk provisioning job.
type BulkStatus string

const (
	BulkPending      BulkStatus = "pending"
	BulkScanning     BulkStatus = "scanning"
	BulkProvisioning BulkStatus = "provisioning"
	BulkCompleted    BulkStatus = "completed"
	BulkFailed       BulkStatus = "failed"
)

// TargetStatus is the per-address state inside a bulk job.
type TargetStatus string

const (
	TargetPending      TargetStatus = "pending"
	TargetProvisioning TargetStatus = "provisioning"
	TargetSuccess      TargetStatus = "success"
	TargetFailed       TargetStatus = "failed"
)

const DefaultScanMethod = "manual"

// TargetResult is the outcome recorded for one address of a bulk job.
type TargetResult struct {
	Status   TargetStatus `json:"status"`
	DeviceID string       `json:"player_id,omitempty"`
	TaskID   string       `json:"task_id,omitempty"`
	Error    string       `json:"error,omitempty"`
}

// BulkTask is the durable record of a bulk job.
type BulkTask struct {
	ID                string
	RequestedBy       string
	ScanMethod        string
	Targets           []string
	SSHUser           string
	EncryptedPassword string
	Results           map[string]TargetResult
	Status            BulkStatus
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// NewBulkTask builds a pending bulk job. Duplicate and blank targets are
// dropped and every remaining target starts with a pending result.
func NewBulkTask(requestedBy, scanMethod string, targets []string, sshUser, encryptedPassword string) *BulkTask {
	if strings.TrimSpace(scanMethod) == "" {
		scanMethod = DefaultScanMethod
	}
	if strings.TrimSpace(sshUser) == "" {
		sshUser = DefaultSSHUser
	}
	seen := make(map[string]struct{}, len(targets))
	clean := make([]string, 0, len(targets))
	results := make(map[string]TargetResult, len(targets))
	for _, target := range targets {
		target = strings.TrimSpace(target)
		if target == "" {
			continue
		}
		if _, dup := seen[target]; dup {
			continue
		}
		seen[target] = struct{}{}
		clean = append(clean, target)
		results[target] = TargetResult{Status: TargetPending}
	}
	now := time.Now().UTC()
	return &BulkTask{
		ID:                uuid.NewString(),
		RequestedBy:       requestedBy,
		ScanMethod:        scanMethod,
		Targets:           clean,
		SSHUser:           sshUser,
		EncryptedPassword: encryptedPassword,
		Results:           results,
		Status:            BulkPending,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
}

// Clone returns a deep copy.
func (b *BulkTask) Clone() *BulkTask {
	if b == nil {
		return nil
	}
	c := *b
	c.Targets = append([]string(nil), b.Targets...)
	c.Results = make(map[string]TargetResult, len(b.Results))
	for k, v := range b.Results {
		c.Results[k] = v
	}
	return &c
}

// AggregateStatus is completed when at least one target succeeded and failed
// otherwise.
func AggregateStatus(results map[string]TargetResult) BulkStatus {
	for _, r := range results {
		if r.Status == TargetSuccess {
			return BulkCompleted
		}
	}
	return BulkFailed
}

// Counts tallies results by status.
func Counts(results map[string]TargetResult) map[TargetStatus]int {
	out := make(map[TargetStatus]int, 4)
	for _, r := range results {
		out[r.Status]++
	}
	return out
}
