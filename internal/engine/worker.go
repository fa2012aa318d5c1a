package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// ErrPoolShutdown is returned when work is submitted to a shut-down pool.
var ErrPoolShutdown = errors.New("worker pool is shut down")

// PoolMetrics is a snapshot of advancement activity on a pool.
type PoolMetrics struct {
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Panics    int64 `json:"panics"`
}

// WorkerPool bounds how many claimed executions advance at once. A full
// pool pushes back on the claim loop: Submit blocks until a slot frees,
// so a runner never claims faster than it can work through leases.
type WorkerPool struct {
	slots chan struct{}
	done  chan struct{}

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup

	active    atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	panics    atomic.Int64
}

// NewWorkerPool creates a pool advancing at most size executions in parallel.
func NewWorkerPool(size int) *WorkerPool {
	if size <= 0 {
		size = 1
	}
	return &WorkerPool{
		slots: make(chan struct{}, size),
		done:  make(chan struct{}),
	}
}

// Submit hands one advance to the pool. It blocks while every slot is busy
// and respects context cancellation while waiting. A panic inside fn is
// contained to its slot and counted; the pool keeps serving.
func (p *WorkerPool) Submit(ctx context.Context, fn func(ctx context.Context) error) error {
	select {
	case p.slots <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	case <-p.done:
		return ErrPoolShutdown
	}

	// The wg.Add must not race Shutdown's wg.Wait, and a shutdown that won
	// the select race above must still be honored.
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		<-p.slots
		return ErrPoolShutdown
	}
	p.wg.Add(1)
	p.mu.Unlock()
	p.active.Add(1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				p.panics.Add(1)
				p.failed.Add(1)
			}
			p.active.Add(-1)
			<-p.slots
			p.wg.Done()
		}()

		if err := fn(ctx); err != nil {
			p.failed.Add(1)
		} else {
			p.completed.Add(1)
		}
	}()

	return nil
}

// Wait blocks until every submitted advance has finished.
func (p *WorkerPool) Wait() {
	p.wg.Wait()
}

// Shutdown stops accepting work and drains what is already in flight.
// Safe to call more than once.
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

// Metrics returns a snapshot of the pool counters.
func (p *WorkerPool) Metrics() PoolMetrics {
	return PoolMetrics{
		Active:    p.active.Load(),
		Completed: p.completed.Load(),
		Failed:    p.failed.Load(),
		Panics:    p.panics.Load(),
	}
}
