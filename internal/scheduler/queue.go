package scheduler

import (
	"sync"

	"github.com/gammazero/deque"
)

// TaskQueue is the FIFO of pending tasks plus a parallel deferred FIFO
// for tasks that found no free slot. Handler goroutines post; the
// scheduler goroutine is the sole consumer.
type TaskQueue struct {
	mu   sync.Mutex
	cond *sync.Cond

	nextID     int
	main       deque.Deque[*Task]
	deferred   deque.Deque[*Task]
	terminated bool
}

// NewTaskQueue returns an empty queue. Ids start at 0.
func NewTaskQueue() *TaskQueue {
	q := &TaskQueue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// NewID reserves a task id without posting.
func (q *TaskQueue) NewID() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	id := q.nextID
	q.nextID++
	return id
}

// Post enqueues one task, assigning an id if unset, and wakes the
// consumer. front inserts at the head so cancellations can pass
// ordinary work.
func (q *TaskQueue) Post(t *Task, front bool) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.postLocked(t, front)
}

// PostMany enqueues tasks atomically, preserving input order.
func (q *TaskQueue) PostMany(tasks []*Task, front bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if front {
		for i := len(tasks) - 1; i >= 0; i-- {
			q.postLocked(tasks[i], true)
		}
		return
	}
	for _, t := range tasks {
		q.postLocked(t, false)
	}
}

func (q *TaskQueue) postLocked(t *Task, front bool) int {
	if t.ID == IDNone {
		t.ID = q.nextID
		q.nextID++
	}
	if front {
		q.main.PushFront(t)
	} else {
		q.main.PushBack(t)
	}
	q.cond.Signal()
	return t.ID
}

// Defer parks a task that found no free slot. The id is kept.
func (q *TaskQueue) Defer(t *Task) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.deferred.PushBack(t)
}

// PopDeferred moves one deferred task back to the main queue. Called
// once per slot release.
func (q *TaskQueue) PopDeferred() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.deferred.Len() == 0 {
		return
	}
	q.main.PushBack(q.deferred.PopFront())
	q.cond.Signal()
}

// Pop removes the head of the main queue, or returns false when empty.
func (q *TaskQueue) Pop() (*Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.main.Len() == 0 {
		return nil, false
	}
	return q.main.PopFront(), true
}

// WaitNonEmptyOrTerminated blocks until a task is available. Returns
// false when the queue has been terminated.
func (q *TaskQueue) WaitNonEmptyOrTerminated() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for q.main.Len() == 0 && !q.terminated {
		q.cond.Wait()
	}
	return !q.terminated
}

// Terminate wakes all waiters and makes the scheduler loop return once
// the main queue drains.
func (q *TaskQueue) Terminate() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.terminated = true
	q.cond.Broadcast()
}

// Terminated reports whether Terminate has been called.
func (q *TaskQueue) Terminated() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.terminated
}

// DeferredLen reports the deferred-queue depth, for metrics.
func (q *TaskQueue) DeferredLen() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.deferred.Len()
}
