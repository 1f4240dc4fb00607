package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/rendis/nodeflow/pkg/schema"
)

// PoolMetrics counts executions by outcome.
type PoolMetrics struct {
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Stopped   int64 `json:"stopped"`
	Failed    int64 `json:"failed"`
	Panics    int64 `json:"panics"`
}

// ErrPoolShutdown is returned when an execution is submitted to a shut-down pool.
var ErrPoolShutdown = errors.New("run pool is shut down")

// RunPool bounds how many executions are active at once. An execution holds
// its slot until it is terminal, so a paused run still counts.
type RunPool struct {
	sem     chan struct{}
	wg      sync.WaitGroup
	metrics PoolMetrics
	logger  *slog.Logger

	mu     sync.Mutex
	active map[string]*Engine
	done   chan struct{}
	closed bool
}

// NewRunPool creates a pool admitting at most size concurrent executions.
func NewRunPool(size int, logger *slog.Logger) *RunPool {
	if size <= 0 {
		size = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RunPool{
		sem:    make(chan struct{}, size),
		logger: logger,
		active: make(map[string]*Engine),
		done:   make(chan struct{}),
	}
}

// Submit waits for a free slot, then starts e in the background. It blocks
// while the pool is full and gives up when ctx is done. The run itself is
// detached from ctx; use Stop on the engine (or Shutdown) to end it early.
func (p *RunPool) Submit(ctx context.Context, e *Engine, opts ExecuteOptions) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPoolShutdown
	}
	p.mu.Unlock()

	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	case <-p.done:
		return ErrPoolShutdown
	}

	// wg.Add must happen under the lock so Shutdown cannot miss this run.
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		<-p.sem
		return ErrPoolShutdown
	}
	p.wg.Add(1)
	p.active[e.ExecutionID()] = e
	atomic.AddInt64(&p.metrics.Active, 1)
	p.mu.Unlock()

	runCtx := context.WithoutCancel(ctx)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				atomic.AddInt64(&p.metrics.Panics, 1)
				atomic.AddInt64(&p.metrics.Failed, 1)
				p.logger.ErrorContext(runCtx, "execution panicked", "execution_id", e.ExecutionID(), "panic", r)
			}
			p.mu.Lock()
			delete(p.active, e.ExecutionID())
			p.mu.Unlock()
			atomic.AddInt64(&p.metrics.Active, -1)
			<-p.sem
			p.wg.Done()
		}()

		if err := e.Execute(runCtx, opts); err != nil {
			atomic.AddInt64(&p.metrics.Failed, 1)
			p.logger.WarnContext(runCtx, "execution rejected", "execution_id", e.ExecutionID(), "error", err)
			return
		}
		<-e.Done()
		p.record(e.Snapshot())
	}()
	return nil
}

func (p *RunPool) record(s schema.ExecutionState) {
	switch {
	case s.Status == schema.ExecutionError:
		atomic.AddInt64(&p.metrics.Failed, 1)
	case s.Stopped:
		atomic.AddInt64(&p.metrics.Stopped, 1)
	default:
		atomic.AddInt64(&p.metrics.Completed, 1)
	}
}

// Wait blocks until every submitted execution is terminal.
func (p *RunPool) Wait() {
	p.wg.Wait()
}

// Shutdown rejects new submissions, stops every active execution and waits
// for them to finish.
func (p *RunPool) Shutdown() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.done)
	engines := make([]*Engine, 0, len(p.active))
	for _, e := range p.active {
		engines = append(engines, e)
	}
	p.mu.Unlock()

	for _, e := range engines {
		if err := e.Stop(); err != nil && !schema.IsCode(err, schema.ErrCodeInvalidTransition) {
			p.logger.Warn("stop on shutdown failed", "execution_id", e.ExecutionID(), "error", err)
		}
	}
	p.wg.Wait()
}

// Metrics returns a snapshot of the pool counters.
func (p *RunPool) Metrics() PoolMetrics {
	return PoolMetrics{
		Active:    atomic.LoadInt64(&p.metrics.Active),
		Completed: atomic.LoadInt64(&p.metrics.Completed),
		Stopped:   atomic.LoadInt64(&p.metrics.Stopped),
		Failed:    atomic.LoadInt64(&p.metrics.Failed),
		Panics:    atomic.LoadInt64(&p.metrics.Panics),
	}
}
