// Package queue runs provisioning jobs on a bounded goroutine pool with a
// soft and a hard time limit per job.
package queue

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const (
	DefaultWorkers   = 4
	DefaultBacklog   = 256
	DefaultSoftLimit = 1700 * time.Second
	DefaultHardLimit = 1800 * time.Second
)

// ErrClosed is returned by Enqueue after Close or Stop.
var ErrClosed = errors.New("queue: closed")

// ErrFull is returned when the backlog limit is reached.
var ErrFull = errors.New("queue: reached limit of queued jobs")

// Config bounds the queue.
type Config struct {
	Workers int
	Backlog int
	// SoftLimit is the deadline of the context handed to each job.
	SoftLimit time.Duration
	// HardLimit is when the queue stops waiting for a job and frees its
	// worker. It should exceed SoftLimit.
	HardLimit time.Duration
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = DefaultWorkers
	}
	if c.Backlog <= 0 {
		c.Backlog = DefaultBacklog
	}
	if c.SoftLimit <= 0 {
		c.SoftLimit = DefaultSoftLimit
	}
	if c.HardLimit <= 0 {
		c.HardLimit = DefaultHardLimit
	}
	if c.HardLimit < c.SoftLimit {
		c.HardLimit = c.SoftLimit
	}
	return c
}

// Job is one unit of work.
type Job struct {
	// ID names the job in logs.
	ID  string
	Run func(ctx context.Context) error
	// Abandon is called when Run outlives the hard limit. The job's goroutine
	// is left behind and must finish on its own.
	Abandon func(ctx context.Context)
}

type entry struct {
	job     Job
	done    chan struct{}
	started bool
}

// Queue is a FIFO of jobs drained by at most Config.Workers goroutines.
type Queue struct {
	cfg    Config
	pool   *ants.Pool
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	pending *list.List
	running int
	closed  bool
	wg      sync.WaitGroup
}

// New starts a queue.
func New(cfg Config) (*Queue, error) {
	cfg = cfg.withDefaults()
	// at most Workers drain loops are submitted, so a blocking Submit only
	// waits for a finishing worker to return to the pool
	pool, err := ants.NewPool(cfg.Workers, ants.WithExpiryDuration(time.Minute))
	if err != nil {
		return nil, errors.Wrap(err, "queue: create worker pool failed")
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		cfg:     cfg,
		pool:    pool,
		ctx:     ctx,
		cancel:  cancel,
		pending: list.New(),
	}, nil
}

// Enqueue schedules job. The returned channel closes when the job finished
// or was abandoned.
func (q *Queue) Enqueue(job Job) (<-chan struct{}, error) {
	if job.Run == nil {
		return nil, errors.New("queue: job has no Run func")
	}
	e := &entry{job: job, done: make(chan struct{})}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil, ErrClosed
	}
	if q.pending.Len() >= q.cfg.Backlog {
		q.mu.Unlock()
		return nil, ErrFull
	}
	elem := q.pending.PushBack(e)
	q.wg.Add(1)
	startWorker := q.running < q.cfg.Workers
	if startWorker {
		q.running++
	}
	q.mu.Unlock()

	log.Debug().Str("job_id", job.ID).Bool("new_worker", startWorker).Msg("queue: job enqueued")
	if startWorker {
		if err := q.pool.Submit(q.drain); err != nil {
			q.mu.Lock()
			q.running--
			started := e.started
			if !started {
				q.pending.Remove(elem)
			}
			q.mu.Unlock()
			if started {
				return e.done, nil
			}
			q.wg.Done()
			log.Error().Err(err).Str("job_id", job.ID).Msg("queue: start worker failed")
			return nil, errors.Wrap(err, "queue: submit failed")
		}
	}
	return e.done, nil
}

func (q *Queue) pop() *entry {
	q.mu.Lock()
	defer q.mu.Unlock()
	front := q.pending.Front()
	if front == nil {
		q.running--
		return nil
	}
	e := q.pending.Remove(front).(*entry)
	e.started = true
	return e
}

func (q *Queue) drain() {
	for {
		e := q.pop()
		if e == nil {
			return
		}
		q.execute(e)
	}
}

func (q *Queue) execute(e *entry) {
	defer q.wg.Done()
	defer close(e.done)

	logger := log.With().Str("job_id", e.job.ID).Logger()
	ctx, cancel := context.WithTimeout(q.ctx, q.cfg.SoftLimit)
	defer cancel()

	start := time.Now()
	result := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				result <- errors.Errorf("queue: job panicked: %v", r)
			}
		}()
		result <- e.job.Run(ctx)
	}()

	hard := time.NewTimer(q.cfg.HardLimit)
	defer hard.Stop()
	select {
	case err := <-result:
		if err != nil {
			logger.Error().Err(err).Dur("elapsed", time.Since(start)).Msg("queue: job failed")
			return
		}
		logger.Info().Dur("elapsed", time.Since(start)).Msg("queue: job finished")
	case <-hard.C:
		logger.Error().Dur("hard_limit", q.cfg.HardLimit).Msg("queue: job exceeded hard limit, abandoned")
		if e.job.Abandon != nil {
			actx, acancel := context.WithTimeout(context.Background(), 30*time.Second)
			e.job.Abandon(actx)
			acancel()
		}
	}
}

// Pending returns the number of jobs not yet started.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pending.Len()
}

// Wait blocks until every enqueued job finished or was abandoned.
func (q *Queue) Wait() {
	q.wg.Wait()
}

// Close stops accepting jobs, waits for queued and running ones, then
// releases the pool.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.wg.Wait()
	q.cancel()
	q.pool.Release()
}

// Stop cancels the context of every running job and closes the queue. Jobs
// not yet started still run and see a cancelled context.
func (q *Queue) Stop() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.cancel()
	q.wg.Wait()
	q.pool.Release()
}
