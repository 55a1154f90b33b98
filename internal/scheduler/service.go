package scheduler

import "context"

// Thin wrappers so the HTTP layer can be written (and tested) against
// a narrow surface instead of the queues themselves.

// NewTaskID reserves a task id without posting.
func (s *Scheduler) NewTaskID() int { return s.queue.NewID() }

// Post enqueues one task; front lets cancellations pass the queue.
func (s *Scheduler) Post(t *Task, front bool) int { return s.queue.Post(t, front) }

// PostAll enqueues tasks atomically in order.
func (s *Scheduler) PostAll(ts []*Task) { s.queue.PostMany(ts, false) }

// AddWaiters registers result interest for the given task ids.
func (s *Scheduler) AddWaiters(ids ...int) { s.results.AddWaiters(ids) }

// RemoveWaiters drops result interest and any pending results.
func (s *Scheduler) RemoveWaiters(ids ...int) { s.results.RemoveWaiters(ids) }

// Recv blocks for the next result for any of the given ids.
func (s *Scheduler) Recv(ctx context.Context, ids ...int) (*Result, error) {
	return s.results.Recv(ctx, ids...)
}

// Ready reports whether the engine can accept work.
func (s *Scheduler) Ready() bool { return s.model != nil && s.ctx != nil }
