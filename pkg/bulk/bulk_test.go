package bulk

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/httprunner/ProvisionAgent/pkg/record"
	"github.com/httprunner/ProvisionAgent/pkg/secretbox"
	"github.com/httprunner/ProvisionAgent/pkg/storage"
)

// stubProvisioner finishes tasks according to a per-address outcome.
type stubProvisioner struct {
	store    *storage.Store
	succeed  map[string]bool
	password string

	mu      sync.Mutex
	names   []string
	running int32
	peak    int32
}

func (p *stubProvisioner) Run(ctx context.Context, taskID, password string) error {
	n := atomic.AddInt32(&p.running, 1)
	defer atomic.AddInt32(&p.running, -1)
	for {
		peak := atomic.LoadInt32(&p.peak)
		if n <= peak || atomic.CompareAndSwapInt32(&p.peak, peak, n) {
			break
		}
	}
	time.Sleep(10 * time.Millisecond)

	task, err := p.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.names = append(p.names, task.DisplayName)
	p.password = password
	p.mu.Unlock()

	if err := p.store.StartTask(ctx, taskID, task.Attempt); err != nil {
		return err
	}
	if p.succeed[task.Address] {
		return p.store.CompleteTask(ctx, taskID, task.Attempt, "player-"+task.Address)
	}
	return p.store.FailTask(ctx, taskID, task.Attempt, "No internet connection. Check network settings.")
}

func setup(t *testing.T, targets []string, password string) (*storage.Store, *secretbox.Box, *record.BulkTask) {
	t.Helper()
	store, err := storage.Open(filepath.Join(t.TempDir(), "provision.sqlite"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	box, err := secretbox.New("fleet-secret", 10)
	if err != nil {
		t.Fatalf("secretbox: %v", err)
	}
	sealed, err := box.Encrypt(password)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	job := record.NewBulkTask("operator-1", "", targets, "pi", sealed)
	if err := store.CreateBulk(context.Background(), job); err != nil {
		t.Fatalf("create bulk: %v", err)
	}
	return store, box, job
}

func TestRunAggregatesResults(t *testing.T) {
	targets := []string{"10.0.0.5", "10.0.0.6", "10.0.0.7"}
	cases := []struct {
		name        string
		succeed     map[string]bool
		parallelism int
		want        record.BulkStatus
	}{
		{name: "one of three", succeed: map[string]bool{"10.0.0.6": true}, parallelism: 1, want: record.BulkCompleted},
		{name: "none of three", succeed: map[string]bool{}, parallelism: 1, want: record.BulkFailed},
		{name: "all in parallel", succeed: map[string]bool{"10.0.0.5": true, "10.0.0.6": true, "10.0.0.7": true}, parallelism: 2, want: record.BulkCompleted},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			store, box, job := setup(t, targets, "raspberry")
			prov := &stubProvisioner{store: store, succeed: tc.succeed}
			c := NewCoordinator(store, prov, box, Options{Parallelism: tc.parallelism, CallbackURL: "http://fm.local"})

			if err := c.Run(context.Background(), job.ID); err != nil {
				t.Fatalf("run: %v", err)
			}
			got, err := store.GetBulk(context.Background(), job.ID)
			if err != nil {
				t.Fatalf("get bulk: %v", err)
			}
			if got.Status != tc.want {
				t.Fatalf("status = %s, want %s", got.Status, tc.want)
			}
			if prov.password != "raspberry" {
				t.Fatalf("provisioner got password %q", prov.password)
			}
			if int(prov.peak) > tc.parallelism {
				t.Fatalf("peak concurrency %d exceeds %d", prov.peak, tc.parallelism)
			}
			for _, target := range targets {
				res := got.Results[target]
				if res.TaskID == "" {
					t.Fatalf("%s: missing task id", target)
				}
				task, err := store.GetTask(context.Background(), res.TaskID)
				if err != nil {
					t.Fatalf("%s: get task: %v", target, err)
				}
				if task.DisplayName != DisplayName(target) || task.CallbackURL != "http://fm.local" {
					t.Fatalf("%s: task = %+v", target, task)
				}
				if tc.succeed[target] {
					if res.Status != record.TargetSuccess || res.DeviceID != "player-"+target {
						t.Fatalf("%s: result = %+v", target, res)
					}
					continue
				}
				if res.Status != record.TargetFailed || res.Error != "No internet connection. Check network settings." {
					t.Fatalf("%s: result = %+v", target, res)
				}
			}
		})
	}
}

func TestRunFailsEveryTargetWhenPasswordUnreadable(t *testing.T) {
	store, _, job := setup(t, []string{"10.0.0.5", "10.0.0.6"}, "raspberry")
	other, _ := secretbox.New("different-secret", 10)
	prov := &stubProvisioner{store: store}
	c := NewCoordinator(store, prov, other, Options{})

	if err := c.Run(context.Background(), job.ID); err != nil {
		t.Fatalf("run: %v", err)
	}
	got, _ := store.GetBulk(context.Background(), job.ID)
	if got.Status != record.BulkFailed {
		t.Fatalf("status = %s", got.Status)
	}
	if len(prov.names) != 0 {
		t.Fatalf("no target should be provisioned")
	}
	for target, res := range got.Results {
		if res.Status != record.TargetFailed || res.Error == "" {
			t.Fatalf("%s: result = %+v", target, res)
		}
	}
}

type failingProvisioner struct{}

func (failingProvisioner) Run(context.Context, string, string) error {
	return errors.New("database is locked")
}

func TestRunRecordsInfrastructureErrors(t *testing.T) {
	store, box, job := setup(t, []string{"10.0.0.5"}, "raspberry")
	c := NewCoordinator(store, failingProvisioner{}, box, Options{})
	if err := c.Run(context.Background(), job.ID); err != nil {
		t.Fatalf("run: %v", err)
	}
	got, _ := store.GetBulk(context.Background(), job.ID)
	res := got.Results["10.0.0.5"]
	if got.Status != record.BulkFailed || res.Status != record.TargetFailed || res.Error != "database is locked" || res.TaskID == "" {
		t.Fatalf("bulk = %s result = %+v", got.Status, res)
	}
}

func TestDisplayName(t *testing.T) {
	if got := DisplayName("10.0.0.5"); got != "Player-10-0-0-5" {
		t.Fatalf("DisplayName = %s", got)
	}
}

func TestAbandonFailsOpenTargetsAndKeepsPartialSuccess(t *testing.T) {
	targets := []string{"10.0.0.5", "10.0.0.6", "10.0.0.7"}
	cases := []struct {
		name    string
		results map[string]record.TargetResult
		want    record.BulkStatus
	}{
		{
			name: "one success recorded",
			results: map[string]record.TargetResult{
				"10.0.0.5": {Status: record.TargetSuccess, TaskID: "t-5", DeviceID: "player-10.0.0.5"},
				"10.0.0.6": {Status: record.TargetProvisioning, TaskID: "t-6"},
			},
			want: record.BulkCompleted,
		},
		{
			name: "nothing finished",
			results: map[string]record.TargetResult{
				"10.0.0.5": {Status: record.TargetProvisioning, TaskID: "t-5"},
			},
			want: record.BulkFailed,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			store, box, job := setup(t, targets, "raspberry")
			ctx := context.Background()
			if err := store.SetBulkStatus(ctx, job.ID, record.BulkProvisioning); err != nil {
				t.Fatalf("set status: %v", err)
			}
			for target, res := range tc.results {
				if err := store.SetTargetResult(ctx, job.ID, target, res); err != nil {
					t.Fatalf("set result: %v", err)
				}
			}
			c := NewCoordinator(store, &stubProvisioner{store: store}, box, Options{})

			if err := c.Abandon(ctx, job.ID, "Bulk time limit exceeded"); err != nil {
				t.Fatalf("abandon: %v", err)
			}
			got, err := store.GetBulk(ctx, job.ID)
			if err != nil {
				t.Fatalf("get bulk: %v", err)
			}
			if got.Status != tc.want {
				t.Fatalf("status = %s, want %s", got.Status, tc.want)
			}
			for _, target := range targets {
				res := got.Results[target]
				if prior, ok := tc.results[target]; ok && prior.Status == record.TargetSuccess {
					if res != prior {
						t.Fatalf("%s: success overwritten: %+v", target, res)
					}
					continue
				}
				if res.Status != record.TargetFailed || res.Error != "Bulk time limit exceeded" {
					t.Fatalf("%s: result = %+v", target, res)
				}
				if prior, ok := tc.results[target]; ok && res.TaskID != prior.TaskID {
					t.Fatalf("%s: task link lost: %+v", target, res)
				}
			}
		})
	}
}
