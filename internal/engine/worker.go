package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// PoolStats tracks worker pool operational counters.
type PoolStats struct {
	Active    int64 `json:"active"`
	Queued    int64 `json:"queued"`
	Completed int64 `json:"completed"`
	Panics    int64 `json:"panics"`
}

// ErrPoolShutdown is returned when work is submitted to a shut-down pool.
var ErrPoolShutdown = errors.New("worker pool is shut down")

// WorkerPool bounds how many workflow loops run at once. Go never blocks the
// caller: work waits for a slot in its own goroutine, so a submission returns
// as soon as the workflow is persisted.
type WorkerPool struct {
	sem   chan struct{}
	wg    sync.WaitGroup
	stats PoolStats

	mu     sync.Mutex
	done   chan struct{}
	closed bool

	onPanic func(v any)
}

// NewWorkerPool creates a pool with the given max concurrency.
func NewWorkerPool(size int) *WorkerPool {
	if size <= 0 {
		size = 1
	}
	return &WorkerPool{
		sem:  make(chan struct{}, size),
		done: make(chan struct{}),
	}
}

// Go schedules fn. fn gets ctx; if ctx is cancelled or the pool shuts down
// before a slot frees up, fn is not run and skipped is called instead (if
// non-nil) so the owner can release whatever it reserved.
func (p *WorkerPool) Go(ctx context.Context, fn func(ctx context.Context), skipped func()) error {
	// wg.Add(1) must happen under the lock to avoid racing Shutdown's Wait.
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPoolShutdown
	}
	p.wg.Add(1)
	p.mu.Unlock()

	atomic.AddInt64(&p.stats.Queued, 1)
	go func() {
		defer p.wg.Done()

		select {
		case p.sem <- struct{}{}:
			atomic.AddInt64(&p.stats.Queued, -1)
		case <-ctx.Done():
			atomic.AddInt64(&p.stats.Queued, -1)
			if skipped != nil {
				skipped()
			}
			return
		case <-p.done:
			atomic.AddInt64(&p.stats.Queued, -1)
			if skipped != nil {
				skipped()
			}
			return
		}

		atomic.AddInt64(&p.stats.Active, 1)
		defer func() {
			if r := recover(); r != nil {
				atomic.AddInt64(&p.stats.Panics, 1)
				if p.onPanic != nil {
					p.onPanic(r)
				}
			}
			atomic.AddInt64(&p.stats.Active, -1)
			atomic.AddInt64(&p.stats.Completed, 1)
			<-p.sem
		}()
		fn(ctx)
	}()
	return nil
}

// Wait blocks until all scheduled work has finished or been skipped.
func (p *WorkerPool) Wait() {
	p.wg.Wait()
}

// Shutdown stops accepting work, drops anything still waiting for a slot and
// waits for running work to return.
func (p *WorkerPool) Shutdown() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.done)
	p.mu.Unlock()

	p.wg.Wait()
}

// Stats returns a snapshot of the pool counters.
func (p *WorkerPool) Stats() PoolStats {
	return PoolStats{
		Active:    atomic.LoadInt64(&p.stats.Active),
		Queued:    atomic.LoadInt64(&p.stats.Queued),
		Completed: atomic.LoadInt64(&p.stats.Completed),
		Panics:    atomic.LoadInt64(&p.stats.Panics),
	}
}
