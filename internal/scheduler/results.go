package scheduler

import (
	"context"
	"errors"
	"sync"
)

// ErrResultQueueClosed is returned by Recv after Terminate.
var ErrResultQueueClosed = errors.New("result queue closed")

// ResultQueue holds completed and partial results until the handler
// goroutine waiting on the task id picks them up. Results for ids with
// no registered waiter are dropped so a cancelled task cannot leak
// entries.
type ResultQueue struct {
	mu   sync.Mutex
	cond *sync.Cond

	results    []*Result
	waiters    map[int]struct{}
	terminated bool
}

// NewResultQueue returns an empty result queue.
func NewResultQueue() *ResultQueue {
	q := &ResultQueue{waiters: make(map[int]struct{})}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// AddWaiter registers interest in a task id. Must be called before the
// task is posted, or results may be dropped.
func (q *ResultQueue) AddWaiter(taskID int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.waiters[taskID] = struct{}{}
}

// AddWaiters registers several ids at once (multi-prompt tasks).
func (q *ResultQueue) AddWaiters(taskIDs []int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, id := range taskIDs {
		q.waiters[id] = struct{}{}
	}
}

// RemoveWaiter deregisters a task id and drops its pending results.
func (q *ResultQueue) RemoveWaiter(taskID int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.waiters, taskID)
	kept := q.results[:0]
	for _, r := range q.results {
		if r.TaskID != taskID {
			kept = append(kept, r)
		}
	}
	q.results = kept
}

// RemoveWaiters deregisters several ids.
func (q *ResultQueue) RemoveWaiters(taskIDs []int) {
	for _, id := range taskIDs {
		q.RemoveWaiter(id)
	}
}

// Send appends a result and wakes every waiter. Results whose id has
// no waiter are dropped silently.
func (q *ResultQueue) Send(r *Result) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.waiters[r.TaskID]; !ok {
		return
	}
	q.results = append(q.results, r)
	q.cond.Broadcast()
}

// Recv blocks until a result for one of taskIDs is available and
// returns the earliest such, removing it from the queue. Returns an
// error when ctx is cancelled or the queue terminates.
func (q *ResultQueue) Recv(ctx context.Context, taskIDs ...int) (*Result, error) {
	want := make(map[int]struct{}, len(taskIDs))
	for _, id := range taskIDs {
		want[id] = struct{}{}
	}

	stop := context.AfterFunc(ctx, func() {
		q.mu.Lock()
		q.cond.Broadcast()
		q.mu.Unlock()
	})
	defer stop()

	q.mu.Lock()
	defer q.mu.Unlock()
	for {
		for i, r := range q.results {
			if _, ok := want[r.TaskID]; ok {
				q.results = append(q.results[:i], q.results[i+1:]...)
				return r, nil
			}
		}
		if q.terminated {
			return nil, ErrResultQueueClosed
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		q.cond.Wait()
	}
}

// Terminate wakes all blocked receivers with ErrResultQueueClosed.
func (q *ResultQueue) Terminate() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.terminated = true
	q.cond.Broadcast()
}
