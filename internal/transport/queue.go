package transport

import (
	"context"
	"sync"
	"time"
)

// frameQueue is the unbounded FIFO between producers and one session's
// write loop.
type frameQueue struct {
	mu     sync.Mutex
	items  [][]byte
	closed bool
	signal chan struct{}
}

func newFrameQueue() *frameQueue {
	return &frameQueue{signal: make(chan struct{}, 1)}
}

// Push appends payload without blocking. It reports false once the queue is
// closed.
func (q *frameQueue) Push(payload []byte) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.items = append(q.items, payload)
	q.mu.Unlock()
	select {
	case q.signal <- struct{}{}:
	default:
	}
	return true
}

// Pop returns the head of the queue, waiting at most wait for one to arrive.
func (q *frameQueue) Pop(ctx context.Context, wait time.Duration) ([]byte, bool) {
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			head := q.items[0]
			q.items[0] = nil
			q.items = q.items[1:]
			q.mu.Unlock()
			return head, true
		}
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return nil, false
		}
		if timer == nil {
			timer = time.NewTimer(wait)
		}
		select {
		case <-q.signal:
		case <-timer.C:
			timer = nil
			return nil, false
		case <-ctx.Done():
			return nil, false
		}
	}
}

// Len reports the number of queued frames.
func (q *frameQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close drops every queued frame and refuses further pushes.
func (q *frameQueue) Close() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	dropped := len(q.items)
	q.items = nil
	q.closed = true
	return dropped
}
