package store

import "context"

// taskQueue is a single-writer serial executor: every submitted task
// runs to completion before the next one starts, on one dedicated
// goroutine. This is what makes the store's per-statement transactions
// safe to reason about even when callers submit concurrently — the
// interleaving is resolved here rather than at the SQL layer.
type taskQueue struct {
	tasks  chan func()
	closed chan struct{}
}

func newTaskQueue() *taskQueue {
	q := &taskQueue{
		tasks:  make(chan func(), 64),
		closed: make(chan struct{}),
	}
	go q.run()
	return q
}

func (q *taskQueue) run() {
	for task := range q.tasks {
		task()
	}
	close(q.closed)
}

// submit enqueues fn and blocks until it has run (or ctx is canceled
// first, in which case fn may still run later but the caller stops
// waiting). It returns fn's error.
func (q *taskQueue) submit(ctx context.Context, fn func() error) error {
	done := make(chan error, 1)
	task := func() {
		done <- fn()
	}

	select {
	case q.tasks <- task:
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// close stops accepting new tasks and waits for the queue to drain.
// Tasks already queued are allowed to finish.
func (q *taskQueue) close() {
	close(q.tasks)
	<-q.closed
}
