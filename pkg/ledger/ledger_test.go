package ledger

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/httprunner/ProvisionAgent/pkg/record"
)

type stubStore struct {
	mu       sync.Mutex
	saves    int
	steps    []record.Step
	current  int
	log      strings.Builder
	failSave error
}

func (s *stubStore) SaveSteps(_ context.Context, _ string, _ int, steps []record.Step, current int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failSave != nil {
		return s.failSave
	}
	s.saves++
	s.steps = steps
	s.current = current
	return nil
}

func (s *stubStore) AppendLog(_ context.Context, _ string, _ int, line string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.log.WriteString(line + "\n")
	return nil
}

func newTask() *record.ProvisionTask {
	return record.NewProvisionTask("10.0.0.5", "pi", 22, "", "")
}

func TestRecordStepUpsertsAndPersistsEachCall(t *testing.T) {
	store := &stubStore{}
	l := New(store, newTask())
	ctx := context.Background()

	for i := 1; i <= record.TotalSteps; i++ {
		if err := l.RecordStep(ctx, i, "step", record.StepRunning, "running"); err != nil {
			t.Fatalf("record running %d: %v", i, err)
		}
		if err := l.RecordStep(ctx, i, "step", record.StepSuccess, "done"); err != nil {
			t.Fatalf("record success %d: %v", i, err)
		}
	}
	if store.saves != 2*record.TotalSteps {
		t.Fatalf("saves = %d, want one per call", store.saves)
	}
	if len(store.steps) != record.TotalSteps {
		t.Fatalf("persisted %d entries, want %d", len(store.steps), record.TotalSteps)
	}
	for _, s := range store.steps {
		if s.Status != record.StepSuccess || s.Timestamp.IsZero() {
			t.Fatalf("unexpected entry: %+v", s)
		}
	}
	if store.current != record.TotalSteps {
		t.Fatalf("current = %d", store.current)
	}
}

func TestAppendLogFormatsLines(t *testing.T) {
	store := &stubStore{}
	l := New(store, newTask())
	ctx := context.Background()
	_ = l.AppendLog(ctx, "[Step 1] Connecting to %s:%d...", "10.0.0.5", 22)
	_ = l.AppendLog(ctx, "100% literal")

	want := "[Step 1] Connecting to 10.0.0.5:22...\n100% literal\n"
	if store.log.String() != want {
		t.Fatalf("log = %q", store.log.String())
	}
}

func TestFailRunningOnlyRewritesRunningEntry(t *testing.T) {
	store := &stubStore{}
	l := New(store, newTask())
	ctx := context.Background()

	_ = l.RecordStep(ctx, 1, "ssh_connect", record.StepSuccess, "ok")
	saves := store.saves
	if err := l.FailRunning(ctx, "boom"); err != nil {
		t.Fatalf("fail running: %v", err)
	}
	if store.saves != saves {
		t.Fatalf("completed entry must not be rewritten")
	}

	_ = l.RecordStep(ctx, 2, "prerequisites", record.StepRunning, "Checking disk space...")
	if err := l.FailRunning(ctx, strings.Repeat("e", 500)); err != nil {
		t.Fatalf("fail running: %v", err)
	}
	last := store.steps[len(store.steps)-1]
	if last.Status != record.StepFailed || len(last.Message) != record.MaxStepMessageLen {
		t.Fatalf("unexpected last entry: %+v", last)
	}
}

func TestRecordStepWrapsStoreError(t *testing.T) {
	sentinel := errors.New("disk full")
	l := New(&stubStore{failSave: sentinel}, newTask())
	err := l.RecordStep(context.Background(), 1, "ssh_connect", record.StepRunning, "")
	if !errors.Is(err, sentinel) {
		t.Fatalf("expected wrapped sentinel, got %v", err)
	}
}
