package pipeline

import (
	"context"
	"fmt"
	"sync"

	"github.com/fluxer-voice-lab/internal/logging"
)

// TaskQueue runs tasks one at a time in submission order on a lazily
// started worker goroutine. A panicking task is logged and the queue moves
// on.
type TaskQueue struct {
	ctx context.Context

	mu      sync.Mutex
	cond    *sync.Cond
	tasks   []func(context.Context)
	running bool
	closed  bool
}

// NewTaskQueue returns a queue whose tasks receive ctx.
func NewTaskQueue(ctx context.Context) *TaskQueue {
	if ctx == nil {
		ctx = context.Background()
	}
	q := &TaskQueue{ctx: ctx}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Enqueue appends fn. It reports false once the queue is closed.
func (q *TaskQueue) Enqueue(fn func(context.Context)) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	q.tasks = append(q.tasks, fn)
	if !q.running {
		q.running = true
		go q.drain()
	}
	return true
}

func (q *TaskQueue) drain() {
	for {
		q.mu.Lock()
		if len(q.tasks) == 0 || q.closed {
			q.tasks = nil
			q.running = false
			q.cond.Broadcast()
			q.mu.Unlock()
			return
		}
		fn := q.tasks[0]
		q.tasks[0] = nil
		q.tasks = q.tasks[1:]
		q.mu.Unlock()
		q.run(fn)
	}
}

func (q *TaskQueue) run(fn func(context.Context)) {
	defer func() {
		if r := recover(); r != nil {
			logging.Errorw("task queue: task panicked", "panic", fmt.Sprint(r))
		}
	}()
	fn(q.ctx)
}

// Len returns the number of tasks waiting to run.
func (q *TaskQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

// Wait blocks until the queue is empty and no task is running.
func (q *TaskQueue) Wait() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for q.running {
		q.cond.Wait()
	}
}

// Close drops pending tasks. A task already running is left to finish.
func (q *TaskQueue) Close() {
	q.mu.Lock()
	q.closed = true
	q.tasks = nil
	q.mu.Unlock()
}
