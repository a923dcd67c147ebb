// Package pool implements the fixed-size worker pool every execution
// interface draws from. Acquire blocks until a worker is idle; Release hands
// the worker back and wakes exactly one blocked acquirer.
package pool

import (
	"errors"
	"log/slog"
	"sync"
)

// ErrPoolClosed is returned by Acquire once the pool has been closed.
var ErrPoolClosed = errors.New("worker pool is closed")

// Pool is a blocking collection of idle workers. It is safe for concurrent use.
type Pool struct {
	mu      sync.Mutex
	cond    *sync.Cond
	workers []*Worker
	idle    []*Worker
	closed  bool
	logger  *slog.Logger
}

// New creates a pool holding the given workers, all idle.
func New(workers []*Worker, logger *slog.Logger) *Pool {
	p := &Pool{
		workers: workers,
		idle:    make([]*Worker, 0, len(workers)),
		logger:  logger,
	}
	p.cond = sync.NewCond(&p.mu)
	for _, w := range workers {
		w.setState(StateIdle)
		p.idle = append(p.idle, w)
	}
	return p
}

// Acquire blocks until a worker is idle, then removes it from the pool and
// marks it busy. There is no timeout. It returns ErrPoolClosed if the pool
// is closed before or while waiting.
func (p *Pool) Acquire() (*Worker, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for len(p.idle) == 0 && !p.closed {
		p.cond.Wait()
	}
	if p.closed {
		return nil, ErrPoolClosed
	}

	last := len(p.idle) - 1
	w := p.idle[last]
	p.idle[last] = nil
	p.idle = p.idle[:last]
	w.setState(StateBusy)
	return w, nil
}

// Release returns a worker to the pool and wakes one blocked acquirer.
// Workers released after Close stay killed.
func (p *Pool) Release(w *Worker) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		w.setState(StateKilled)
		return
	}
	if w.State() == StateIdle {
		p.logger.Warn("release of idle worker ignored", "worker_id", w.ID)
		return
	}
	w.setState(StateIdle)
	p.idle = append(p.idle, w)
	p.cond.Signal()
}

// Close kills every worker, including busy ones, and wakes all blocked
// acquirers. Termination failures are logged and otherwise ignored. Close
// is idempotent.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.idle = nil
	workers := p.workers
	for _, w := range workers {
		w.setState(StateKilled)
	}
	p.cond.Broadcast()
	p.mu.Unlock()

	for _, w := range workers {
		if err := w.Kill(); err != nil {
			p.logger.Debug("kill worker failed", "worker_id", w.ID, "error", err)
		}
	}
}

// Closed reports whether Close has been called.
func (p *Pool) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Size returns the fixed number of workers in the pool.
func (p *Pool) Size() int {
	return len(p.workers)
}

// Idle returns the number of idle workers at this instant.
func (p *Pool) Idle() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.idle)
}

// Workers returns all workers regardless of state.
func (p *Pool) Workers() []*Worker {
	out := make([]*Worker, len(p.workers))
	copy(out, p.workers)
	return out
}
