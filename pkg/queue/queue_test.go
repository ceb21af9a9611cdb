package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestQueueRunsEveryJobWithinWorkerBound(t *testing.T) {
	q, err := New(Config{Workers: 2})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer q.Close()

	var current, peak, finished int32
	var mu sync.Mutex
	for i := 0; i < 6; i++ {
		_, err := q.Enqueue(Job{ID: "job", Run: func(ctx context.Context) error {
			n := atomic.AddInt32(&current, 1)
			mu.Lock()
			if n > peak {
				peak = n
			}
			mu.Unlock()
			time.Sleep(20 * time.Millisecond)
			atomic.AddInt32(&current, -1)
			atomic.AddInt32(&finished, 1)
			return nil
		}})
		if err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
	}
	q.Wait()
	if finished != 6 {
		t.Fatalf("finished = %d", finished)
	}
	if peak > 2 {
		t.Fatalf("peak concurrency = %d, want <= 2", peak)
	}
}

func TestQueueJobSeesSoftLimit(t *testing.T) {
	q, err := New(Config{Workers: 1, SoftLimit: 50 * time.Millisecond, HardLimit: 5 * time.Second})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer q.Close()

	var got error
	done, err := q.Enqueue(Job{ID: "soft", Run: func(ctx context.Context) error {
		<-ctx.Done()
		got = ctx.Err()
		return got
	}})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("job did not finish after its soft limit")
	}
	if !errors.Is(got, context.DeadlineExceeded) {
		t.Fatalf("ctx err = %v", got)
	}
}

func TestQueueAbandonsJobAfterHardLimit(t *testing.T) {
	q, err := New(Config{Workers: 1, SoftLimit: 10 * time.Millisecond, HardLimit: 50 * time.Millisecond})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	release := make(chan struct{})
	defer func() {
		close(release)
		q.Close()
	}()

	abandoned := make(chan string, 1)
	done, err := q.Enqueue(Job{
		ID: "stuck",
		Run: func(ctx context.Context) error {
			<-release // ignores its context
			return nil
		},
		Abandon: func(context.Context) { abandoned <- "stuck" },
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("hard limit did not free the worker")
	}
	if id := <-abandoned; id != "stuck" {
		t.Fatalf("abandon callback got %q", id)
	}

	// the freed worker takes the next job
	next, err := q.Enqueue(Job{ID: "next", Run: func(context.Context) error { return nil }})
	if err != nil {
		t.Fatalf("enqueue next: %v", err)
	}
	select {
	case <-next:
	case <-time.After(2 * time.Second):
		t.Fatalf("next job never ran")
	}
}

func TestQueueRecoversPanickingJob(t *testing.T) {
	q, err := New(Config{Workers: 1})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer q.Close()
	done, err := q.Enqueue(Job{ID: "panic", Run: func(context.Context) error { panic("boom") }})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("panicking job blocked the queue")
	}
}

func TestQueueRejectsAfterClose(t *testing.T) {
	q, err := New(Config{Workers: 1})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	q.Close()
	if _, err := q.Enqueue(Job{ID: "late", Run: func(context.Context) error { return nil }}); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if _, err := (&Queue{}).Enqueue(Job{ID: "norun"}); err == nil {
		t.Fatalf("expected error for job without Run")
	}
}

func TestQueueStopCancelsRunningJobs(t *testing.T) {
	q, err := New(Config{Workers: 1, SoftLimit: time.Minute, HardLimit: time.Minute})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	started := make(chan struct{})
	var got error
	if _, err := q.Enqueue(Job{ID: "long", Run: func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		got = ctx.Err()
		return got
	}}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	<-started
	q.Stop()
	if !errors.Is(got, context.Canceled) {
		t.Fatalf("ctx err = %v", got)
	}
}
