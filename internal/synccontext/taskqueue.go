package synccontext

import "context"

// taskQueue serializes local CRUD (insert/update/del/lookup) the same
// way internal/store's own taskQueue serializes store operations: one
// dedicated goroutine, tasks run to completion in submission order.
// The Sync Context needs its own queue (spec §5) so that a CRUD call's
// read-before-write precondition check is linearizable against other
// CRUD calls, even though the store beneath it is already single-writer.
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

func (q *taskQueue) close() {
	close(q.tasks)
	<-q.closed
}
