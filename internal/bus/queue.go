package bus

import (
	"context"
	"errors"
	"sync"
)

// ErrQueueClosed is returned to producers once the queue has been closed.
var ErrQueueClosed = errors.New("bus: dispatch queue closed")

// Queue is the bounded FIFO between request producers (admission gate,
// catch-up replayers) and the single responder. Producers block while the
// queue is full.
type Queue struct {
	ch        chan *Request
	closed    chan struct{}
	closeOnce sync.Once
}

// NewQueue creates a queue holding at most capacity pending requests.
func NewQueue(capacity int) *Queue {
	if capacity < 1 {
		capacity = 1
	}
	return &Queue{
		ch:     make(chan *Request, capacity),
		closed: make(chan struct{}),
	}
}

// Enqueue appends req, waiting for space. It fails with ErrQueueClosed after
// Close, or with the context error if ctx ends first.
func (q *Queue) Enqueue(ctx context.Context, req *Request) error {
	// Check first so a closed queue never accepts a request that happens to fit.
	select {
	case <-q.closed:
		return ErrQueueClosed
	default:
	}

	select {
	case q.ch <- req:
		return nil
	case <-q.closed:
		return ErrQueueClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Receive returns the next request in arrival order. After Close, buffered
// requests are still handed out; ok is false once the queue is closed and empty.
func (q *Queue) Receive(ctx context.Context) (req *Request, ok bool, err error) {
	select {
	case req = <-q.ch:
		return req, true, nil
	default:
	}

	select {
	case req = <-q.ch:
		return req, true, nil
	case <-q.closed:
		// Drain whatever raced in before the close.
		select {
		case req = <-q.ch:
			return req, true, nil
		default:
			return nil, false, nil
		}
	case <-ctx.Done():
		return nil, false, ctx.Err()
	}
}

// Close stops accepting new requests. Safe to call more than once.
func (q *Queue) Close() {
	q.closeOnce.Do(func() { close(q.closed) })
}

// Len reports the number of buffered requests.
func (q *Queue) Len() int { return len(q.ch) }

// Cap reports the queue capacity.
func (q *Queue) Cap() int { return cap(q.ch) }
