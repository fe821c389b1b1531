package resilience

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

var (
	ErrWorkerPoolClosed = errors.New("worker pool is closed")
	ErrWorkerPoolFull   = errors.New("worker pool is full")
)

// WorkerPool runs submitted jobs on a fixed set of goroutines behind a
// bounded queue.
type WorkerPool struct {
	jobs     chan func()
	workers  int
	inFlight atomic.Int64
	closed   bool
	mu       sync.RWMutex
	once     sync.Once
	wg       sync.WaitGroup
}

func NewWorkerPool(workers, queueSize int) *WorkerPool {
	if workers <= 0 {
		workers = 1
	}
	if queueSize <= 0 {
		queueSize = workers
	}

	p := &WorkerPool{
		jobs:    make(chan func(), queueSize),
		workers: workers,
	}

	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			for job := range p.jobs {
				p.run(job)
			}
		}()
	}

	return p
}

func (p *WorkerPool) run(job func()) {
	defer p.inFlight.Add(-1)
	if job != nil {
		job()
	}
}

// Submit blocks until the job is queued, the context ends, or the pool closes.
func (p *WorkerPool) Submit(ctx context.Context, job func()) error {
	if job == nil {
		return nil
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrWorkerPoolClosed
	}

	p.inFlight.Add(1)
	select {
	case <-ctx.Done():
		p.inFlight.Add(-1)
		return ctx.Err()
	case p.jobs <- job:
		return nil
	}
}

// TrySubmit queues the job only if there is room right now.
func (p *WorkerPool) TrySubmit(job func()) error {
	if job == nil {
		return nil
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrWorkerPoolClosed
	}

	p.inFlight.Add(1)
	select {
	case p.jobs <- job:
		return nil
	default:
		p.inFlight.Add(-1)
		return ErrWorkerPoolFull
	}
}

// Workers returns the number of worker goroutines.
func (p *WorkerPool) Workers() int {
	return p.workers
}

// InFlight counts jobs that are queued or running.
func (p *WorkerPool) InFlight() int {
	return int(p.inFlight.Load())
}

// Idle reports how many more jobs can start immediately without queueing
// behind running ones.
func (p *WorkerPool) Idle() int {
	idle := p.workers - p.InFlight()
	if idle < 0 {
		return 0
	}
	return idle
}

func (p *WorkerPool) Close() {
	p.once.Do(func() {
		p.mu.Lock()
		p.closed = true
		close(p.jobs)
		p.mu.Unlock()
	})
}

func (p *WorkerPool) Wait() {
	p.wg.Wait()
}
