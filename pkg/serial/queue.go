// Package serial provides an unbounded FIFO task queue drained by a single
// goroutine. Submit never blocks the caller; tasks run one at a time in the
// order they were submitted.
package serial

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned when a task is submitted to a closed queue.
var ErrClosed = errors.New("queue closed")

// Queue runs submitted functions sequentially on its own goroutine.
type Queue struct {
	mu     sync.Mutex
	tasks  []func()
	closed bool

	wake chan struct{}
	done chan struct{}
}

// New starts a queue worker.
func New() *Queue {
	q := &Queue{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go q.run()
	return q
}

// Submit appends fn to the queue. It reports ErrClosed if the queue no longer
// accepts work.
func (q *Queue) Submit(fn func()) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	q.tasks = append(q.tasks, fn)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return nil
}

// Flush blocks until every task submitted before the call has run.
func (q *Queue) Flush(ctx context.Context) error {
	done := make(chan struct{})
	if err := q.Submit(func() { close(done) }); err != nil {
		return err
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting tasks, runs whatever is already queued and waits for
// the worker to exit. Close is safe to call more than once. A task must not
// call Close: it would wait for itself. Use go q.Close() there instead.
func (q *Queue) Close() {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		select {
		case q.wake <- struct{}{}:
		default:
		}
	}
	q.mu.Unlock()
	<-q.done
}

func (q *Queue) run() {
	defer close(q.done)
	for range q.wake {
		for {
			q.mu.Lock()
			if len(q.tasks) == 0 {
				closed := q.closed
				q.mu.Unlock()
				if closed {
					return
				}
				break
			}
			fn := q.tasks[0]
			q.tasks[0] = nil
			q.tasks = q.tasks[1:]
			q.mu.Unlock()

			fn()
		}
	}
}
