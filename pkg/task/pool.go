package task

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/marmos91/dittobox/internal/logger"
	"github.com/marmos91/dittobox/pkg/metrics"
)

// Handler executes a task and returns its result payload.
type Handler interface {
	Execute(ctx context.Context, t *Task) ([]byte, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, t *Task) ([]byte, error)

func (f HandlerFunc) Execute(ctx context.Context, t *Task) ([]byte, error) {
	return f(ctx, t)
}

// Pool is a fixed set of workers draining a Queue.
//
// Each worker loops: dequeue, execute, signal completion exactly once. A
// panicking handler fails its task; the worker survives.
type Pool struct {
	queue   *Queue
	handler Handler
	workers int
	metrics metrics.BoxMetrics

	wg        sync.WaitGroup
	startOnce sync.Once
	stopOnce  sync.Once
}

// NewPool creates a pool of workers goroutines. workers below 1 is treated
// as 1. A nil m disables metrics.
func NewPool(workers int, handler Handler, m metrics.BoxMetrics) *Pool {
	if workers < 1 {
		workers = 1
	}
	return &Pool{
		queue:   NewQueue(),
		handler: handler,
		workers: workers,
		metrics: metrics.OrNoop(m),
	}
}

// Start launches the workers. ctx is passed to every handler invocation;
// cancelling it aborts in-flight storage calls. Calling Start again is a
// no-op.
func (p *Pool) Start(ctx context.Context) {
	p.startOnce.Do(func() {
		logger.Debug("Starting %d storage workers", p.workers)
		for i := 0; i < p.workers; i++ {
			p.wg.Add(1)
			go p.worker(ctx, i)
		}
	})
}

func (p *Pool) worker(ctx context.Context, id int) {
	defer p.wg.Done()

	for {
		t, ok := p.queue.Dequeue()
		if !ok {
			logger.Debug("Storage worker %d exiting", id)
			return
		}
		p.metrics.SetTaskQueueDepth(p.queue.Len())
		p.run(ctx, t)
	}
}

// run executes t and completes it, converting a handler panic into a failed
// task.
func (p *Pool) run(ctx context.Context, t *Task) {
	start := time.Now()
	wait := start.Sub(t.enqueuedAt)

	var (
		result []byte
		err    error
	)
	defer func() {
		if r := recover(); r != nil {
			logger.Error("Panic executing %s task for %s: %v\n%s", t.Kind, t.Username, r, debug.Stack())
			result, err = nil, fmt.Errorf("%w: %v", ErrPanic, r)
		}
		p.metrics.RecordTask(t.Kind.String(), wait, time.Since(start), err)
		t.complete(result, err)
	}()

	result, err = p.handler.Execute(ctx, t)
}

// Enqueue hands t to the workers without waiting for it.
func (p *Pool) Enqueue(t *Task) error {
	if err := p.queue.Enqueue(t); err != nil {
		return err
	}
	p.metrics.SetTaskQueueDepth(p.queue.Len())
	return nil
}

// Submit enqueues t and blocks until it completes. The returned error
// reports submission or waiting failures only; the task's own outcome is in
// t.Err().
//
// If ctx is cancelled while waiting, Submit returns ctx.Err() and the task
// still runs to completion in the background.
//
// Parameters:
//   - ctx: Bounds the wait for completion, not the task itself
//   - t: Task to run; its result and outcome are set on completion
//
// Returns:
//   - error: ErrQueueClosed after Stop, or ctx.Err() when the wait is cut short
func (p *Pool) Submit(ctx context.Context, t *Task) error {
	if err := p.Enqueue(t); err != nil {
		return err
	}
	return t.Wait(ctx)
}

// QueueLen returns the number of tasks waiting for a worker.
func (p *Pool) QueueLen() int {
	return p.queue.Len()
}

// Stop closes the queue and waits for the workers to drain it, or for ctx
// to expire.
func (p *Pool) Stop(ctx context.Context) error {
	p.stopOnce.Do(p.queue.Close)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Debug("Storage workers stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("storage workers did not stop: %w", ctx.Err())
	}
}
