package watch

import (
	"context"

	"github.com/rmax-ai/graphkit/pkg/serial"
)

// Dispatcher runs delegate callbacks. Batches handed to one Dispatcher must
// run in the order Dispatch was called.
type Dispatcher interface {
	Dispatch(fn func())
}

type inline struct{}

func (inline) Dispatch(fn func()) { fn() }

// Inline runs callbacks synchronously on the graph's commit queue.
var Inline Dispatcher = inline{}

// Serial runs callbacks on its own goroutine, in order, so slow delegates do
// not hold up commits.
type Serial struct {
	q *serial.Queue
}

func NewSerial() *Serial {
	return &Serial{q: serial.New()}
}

// Dispatch queues fn. Batches dispatched after Close are dropped.
func (s *Serial) Dispatch(fn func()) {
	_ = s.q.Submit(fn)
}

// Flush waits until every batch dispatched before the call has run.
func (s *Serial) Flush(ctx context.Context) error {
	return s.q.Flush(ctx)
}

// Close runs the batches already queued and stops the worker.
func (s *Serial) Close() {
	s.q.Close()
}
