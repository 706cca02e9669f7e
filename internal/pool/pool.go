// Package pool provides the worker pool used for bounded step dispatch.
package pool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

var (
	// ErrPoolClosed is returned when submitting to a closed pool.
	ErrPoolClosed = errors.New("pool is closed")
)

// Task is a unit of work executed on a pool worker.
type Task func(ctx context.Context)

type taskWrapper struct {
	task Task
	ctx  context.Context
}

// WorkerPool runs tasks on a fixed set of worker goroutines. Submission
// blocks while every worker is busy and the queue is full, which is the
// backpressure bound on concurrently executing steps.
type WorkerPool struct {
	taskQueue chan taskWrapper
	closed    atomic.Bool
	wg        sync.WaitGroup

	// Metrics
	submitted atomic.Int64
	completed atomic.Int64
	panicked  atomic.Int64
}

// Config configures the pool.
type Config struct {
	Workers   int `json:"workers" yaml:"workers"`
	QueueSize int `json:"queue_size" yaml:"queue_size"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{Workers: 16, QueueSize: 64}
}

// New creates a pool and starts its workers.
func New(config Config) *WorkerPool {
	if config.Workers < 1 {
		config.Workers = 1
	}
	if config.QueueSize < 0 {
		config.QueueSize = 0
	}
	p := &WorkerPool{
		taskQueue: make(chan taskWrapper, config.QueueSize),
	}
	for i := 0; i < config.Workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	return p
}

// Submit enqueues a task, blocking until a worker can take it or ctx is
// done. The task's own cancellation is governed by the submitted ctx.
func (p *WorkerPool) Submit(ctx context.Context, task Task) error {
	if p.closed.Load() {
		return ErrPoolClosed
	}

	wrapper := taskWrapper{task: task, ctx: ctx}
	select {
	case p.taskQueue <- wrapper:
		p.submitted.Add(1)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *WorkerPool) worker() {
	defer p.wg.Done()
	for wrapper := range p.taskQueue {
		p.run(wrapper)
		p.completed.Add(1)
	}
}

func (p *WorkerPool) run(wrapper taskWrapper) {
	defer func() {
		if r := recover(); r != nil {
			p.panicked.Add(1)
		}
	}()
	wrapper.task(wrapper.ctx)
}

// Close stops accepting work and waits for in-flight tasks to finish.
func (p *WorkerPool) Close() {
	if p.closed.Swap(true) {
		return
	}
	close(p.taskQueue)
	p.wg.Wait()
}

// Stats returns pool counters.
func (p *WorkerPool) Stats() Stats {
	return Stats{
		Queued:    len(p.taskQueue),
		Submitted: p.submitted.Load(),
		Completed: p.completed.Load(),
		Panicked:  p.panicked.Load(),
	}
}

// Stats contains pool counters.
type Stats struct {
	Queued    int   `json:"queued"`
	Submitted int64 `json:"submitted"`
	Completed int64 `json:"completed"`
	Panicked  int64 `json:"panicked"`
}
