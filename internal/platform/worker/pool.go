// Package worker provides a bounded worker pool for background cache
// refresh tasks.
package worker

import (
	"context"
	"errors"
	"sync"
)

// ErrPoolClosed is returned when submitting to a closed pool.
var ErrPoolClosed = errors.New("worker: pool closed")

// Job is a unit of background work.
type Job struct {
	// Key identifies the job for logging and result tracking
	Key string
	// Execute runs the work. The context is the pool's context, not the
	// submitter's: background jobs outlive their callers.
	Execute func(ctx context.Context) error
}

// Result is the outcome of a completed job.
type Result struct {
	Key string
	Err error
}

// Pool runs jobs on a fixed number of worker goroutines pulling from a
// bounded queue. Lifecycle is explicit: NewPool starts the workers,
// Close drains and stops them, so tests can deterministically wait for
// completion.
type Pool struct {
	workers  int
	jobQueue chan Job
	results  chan Result
	wg       sync.WaitGroup
	ctx      context.Context
	cancel   context.CancelFunc

	mu     sync.Mutex
	closed bool
}

// NewPool creates and starts a pool with the given worker count and
// queue buffer size.
func NewPool(ctx context.Context, workers, queueSize int) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if queueSize < 0 {
		queueSize = 0
	}

	poolCtx, cancel := context.WithCancel(ctx)
	p := &Pool{
		workers:  workers,
		jobQueue: make(chan Job, queueSize),
		results:  make(chan Result, queueSize+workers),
		ctx:      poolCtx,
		cancel:   cancel,
	}

	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}

	return p
}

func (p *Pool) worker() {
	defer p.wg.Done()

	for job := range p.jobQueue {
		err := job.Execute(p.ctx)
		// Best effort: results are dropped when nobody consumes them
		select {
		case p.results <- Result{Key: job.Key, Err: err}:
		default:
		}
	}
}

// Submit enqueues a job. It does not block: if the queue is full or the
// pool is closed it returns an error so the caller can fall back to a
// synchronous path.
func (p *Pool) Submit(job Job) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrPoolClosed
	}

	select {
	case p.jobQueue <- job:
		return nil
	default:
		return errors.New("worker: queue full")
	}
}

// Results returns the channel of completed job outcomes.
func (p *Pool) Results() <-chan Result {
	return p.results
}

// Close stops accepting jobs, waits for queued work to finish, then
// releases the workers.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.jobQueue)
	p.mu.Unlock()

	p.wg.Wait()
	p.cancel()
	close(p.results)
}

// Workers returns the pool's worker count.
func (p *Pool) Workers() int {
	return p.workers
}

// QueueLen returns the number of jobs waiting in the queue.
func (p *Pool) QueueLen() int {
	return len(p.jobQueue)
}
