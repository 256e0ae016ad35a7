// Package async provides bounded worker pool utilities.
package async

import (
	"context"
	"fmt"
	"sync"

	"github.com/coachpo/hookbus/errs"
)

// Task represents a unit of work executed by the pool workers.
type Task func(context.Context) error

// FailureHandler observes task errors and recovered panics.
type FailureHandler func(err error)

// Option configures a Pool.
type Option func(*Pool)

// WithFailureHandler routes task errors and panics to fn instead of discarding them.
func WithFailureHandler(fn FailureHandler) Option {
	return func(p *Pool) {
		if fn != nil {
			p.onFailure = fn
		}
	}
}

// Pool defines a bounded worker pool enforcing backpressure when saturated.
type Pool struct {
	ctx       context.Context
	cancel    context.CancelFunc
	jobs      chan job
	wg        sync.WaitGroup
	mu        sync.RWMutex
	closed    bool
	once      sync.Once
	onFailure FailureHandler
}

type job struct {
	ctx context.Context
	fn  Task
}

// NewPool creates a worker pool with the given concurrency and queue depth.
func NewPool(workers, queue int, opts ...Option) (*Pool, error) {
	if workers <= 0 {
		return nil, errs.New("lib/async", errs.CodeInvalid, errs.WithMessage("workers must be >0"))
	}
	if queue < 0 {
		queue = 0
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := new(Pool)
	p.ctx = ctx
	p.cancel = cancel
	p.jobs = make(chan job, queue)
	p.onFailure = func(error) {}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	for i := 0; i < workers; i++ {
		go p.worker()
	}
	return p, nil
}

// Submit schedules the task, failing fast when the queue is full or the pool is closed.
func (p *Pool) Submit(ctx context.Context, fn Task) error {
	if fn == nil {
		return errs.New("lib/async", errs.CodeInvalid, errs.WithMessage("task must not be nil"))
	}
	if ctx == nil {
		ctx = context.Background()
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return errs.New("lib/async", errs.CodeUnavailable, errs.WithMessage("pool closed"))
	}
	p.wg.Add(1)
	select {
	case <-ctx.Done():
		p.wg.Done()
		return fmt.Errorf("submit context: %w", ctx.Err())
	case p.jobs <- job{ctx: ctx, fn: fn}:
		return nil
	default:
		p.wg.Done()
		return errs.New("lib/async", errs.CodeUnavailable, errs.WithMessage("pool at capacity"))
	}
}

// Close stops accepting new tasks. Queued tasks still run.
func (p *Pool) Close() {
	p.once.Do(func() {
		p.mu.Lock()
		p.closed = true
		close(p.jobs)
		p.mu.Unlock()
	})
}

// Shutdown closes the pool and waits for queued and in-flight tasks or until ctx expires.
// On expiry the pool context is cancelled so cooperative tasks can bail out.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.Close()
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
		p.cancel()
		return fmt.Errorf("shutdown context: %w", ctx.Err())
	case <-done:
		p.cancel()
		return nil
	}
}

func (p *Pool) worker() {
	for j := range p.jobs {
		p.run(j)
	}
}

func (p *Pool) run(j job) {
	defer p.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			p.onFailure(errs.New("lib/async", errs.CodeInternal, errs.WithMessage(fmt.Sprintf("task panic: %v", r))))
		}
	}()
	ctx, cancel := p.jobContext(j.ctx)
	defer cancel()
	if err := j.fn(ctx); err != nil {
		p.onFailure(err)
	}
}

// jobContext derives the context a task runs under. It ends when either the
// submitter's context or the pool's context ends.
func (p *Pool) jobContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = p.ctx
	}
	ctx, cancel := context.WithCancel(parent)
	stop := context.AfterFunc(p.ctx, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}
