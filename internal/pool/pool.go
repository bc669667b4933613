// Package pool runs background compiles on a fixed number of worker threads.
package pool

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/tetratelabs/tiered/internal/logging"
	"github.com/tetratelabs/tiered/internal/vmthread"
)

// Task is run by a worker. t is the worker's thread, which is also the current thread while the task runs.
type Task func(ctx context.Context, t *vmthread.Thread)

var (
	// ErrClosed is returned by Submit after Close.
	ErrClosed = errors.New("pool is closed")
	// ErrQueueFull is returned by Submit when the queue has no room. The caller should do the work itself.
	ErrQueueFull = errors.New("pool queue is full")
)

// Pool is a fixed-size set of workers, each bound to its own vmthread.Thread for its whole life.
type Pool struct {
	threads *vmthread.Registry
	logger  *logging.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	queue   chan Task
	stopped bool
	wg      sync.WaitGroup
	workers []*vmthread.Thread
}

// New starts size workers sharing a queue of queueSize tasks. Size is fixed for the life of the pool.
func New(threads *vmthread.Registry, logger *logging.Logger, size, queueSize int) *Pool {
	if size <= 0 {
		panic(fmt.Sprintf("BUG: invalid pool size %d", size))
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		threads: threads,
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
		queue:   make(chan Task, queueSize),
	}
	for i := 0; i < size; i++ {
		t := threads.NewThread(fmt.Sprintf("compiler-%d", i))
		p.workers = append(p.workers, t)
		p.wg.Add(1)
		threads.Go(t, func() { p.run(t) })
	}
	logger.Logf(logging.LogScopePool, "started %d workers, queue=%d", size, queueSize)
	return p
}

// Size returns the number of workers.
func (p *Pool) Size() int { return len(p.workers) }

// Workers returns the threads of the workers.
func (p *Pool) Workers() []*vmthread.Thread { return p.workers }

// Submit queues the task without blocking.
func (p *Pool) Submit(task Task) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return ErrClosed
	}
	select {
	case p.queue <- task:
		return nil
	default:
		return ErrQueueFull
	}
}

// Close stops accepting tasks, runs the ones queued and waits for the workers to exit.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		p.wg.Wait()
		return
	}
	p.stopped = true
	close(p.queue)
	p.mu.Unlock()
	p.wg.Wait()
	p.cancel()
	for _, t := range p.workers {
		p.threads.Release(t)
	}
	p.logger.Logf(logging.LogScopePool, "stopped")
}

func (p *Pool) run(t *vmthread.Thread) {
	defer p.wg.Done()
	for task := range p.queue {
		p.runTask(t, task)
	}
}

func (p *Pool) runTask(t *vmthread.Thread, task Task) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Logf(logging.LogScopePool, "%s: task panic: %v\n%s", t, r, debug.Stack())
		}
	}()
	task(p.ctx, t)
}
