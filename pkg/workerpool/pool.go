// Package workerpool runs fire-and-forget tasks on a fixed set of goroutines.
//
// Tasks are consumed in FIFO order from a single bounded channel. Submit never
// blocks; SubmitWait blocks until there is room. Shutdown stops intake, lets
// the workers drain whatever is already queued and waits for in-flight tasks.
package workerpool

import (
	"context"
	"errors"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
)

var (
	ErrPoolClosed = errors.New("workerpool: pool is shut down")
	ErrQueueFull  = errors.New("workerpool: task queue is full")
	ErrNilTask    = errors.New("workerpool: nil task")
)

// DefaultQueuePerWorker sizes the queue when New is given queueSize <= 0.
const DefaultQueuePerWorker = 64

// Task is a unit of work. Its result is not observed by the submitter.
type Task func()

// Pool is a fixed-size worker pool.
type Pool struct {
	size  int
	tasks chan Task

	mu     sync.RWMutex // guards closed and the close of tasks
	closed bool
	quit   chan struct{}
	once   sync.Once

	wg   sync.WaitGroup
	done chan struct{}

	running   atomic.Int64
	completed atomic.Int64
	panicked  atomic.Int64
}

// Stats is a point-in-time view of the pool.
type Stats struct {
	Size      int
	Queued    int
	Running   int64
	Completed int64
	Panicked  int64
}

// New starts size workers (at least one) over a queue of queueSize tasks.
func New(size, queueSize int) *Pool {
	if size < 1 {
		size = 1
	}
	if queueSize <= 0 {
		queueSize = size * DefaultQueuePerWorker
	}
	p := &Pool{
		size:  size,
		tasks: make(chan Task, queueSize),
		quit:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	p.wg.Add(size)
	for i := 0; i < size; i++ {
		go p.worker(i)
	}
	go func() {
		p.wg.Wait()
		close(p.done)
	}()
	return p
}

// Submit enqueues task without blocking.
func (p *Pool) Submit(task Task) error {
	if task == nil {
		return ErrNilTask
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPoolClosed
	}
	select {
	case p.tasks <- task:
		return nil
	default:
		return ErrQueueFull
	}
}

// SubmitWait enqueues task, blocking while the queue is full. It gives up when
// ctx is done or the pool starts shutting down.
func (p *Pool) SubmitWait(ctx context.Context, task Task) error {
	if task == nil {
		return ErrNilTask
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPoolClosed
	}
	select {
	case p.tasks <- task:
		return nil
	case <-p.quit:
		return ErrPoolClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown stops accepting tasks and waits for queued and running tasks to
// finish. If ctx expires first it returns ctx.Err(); workers still run to
// completion in the background. Safe to call more than once.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.once.Do(func() {
		// Unblock SubmitWait callers before taking the write lock.
		close(p.quit)
		p.mu.Lock()
		p.closed = true
		close(p.tasks)
		p.mu.Unlock()
	})

	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed once every worker has exited after Shutdown.
func (p *Pool) Done() <-chan struct{} {
	return p.done
}

// Stats returns current counters.
func (p *Pool) Stats() Stats {
	return Stats{
		Size:      p.size,
		Queued:    len(p.tasks),
		Running:   p.running.Load(),
		Completed: p.completed.Load(),
		Panicked:  p.panicked.Load(),
	}
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()
	for task := range p.tasks {
		p.run(id, task)
	}
}

// run executes one task; a panic is contained here so the worker survives.
func (p *Pool) run(id int, task Task) {
	p.running.Add(1)
	defer func() {
		p.running.Add(-1)
		p.completed.Add(1)
		if r := recover(); r != nil {
			p.panicked.Add(1)
			slog.Error("worker task panicked", "worker", id, "panic", r, "stack", string(debug.Stack()))
		}
	}()
	task()
}
