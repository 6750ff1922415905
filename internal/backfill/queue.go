package backfill

import (
	"context"
	"fmt"
	"time"
)

// InMemoryQueue is the in-process sync request queue. A single consumer drains it.
type InMemoryQueue struct {
	ch chan SyncRequest
}

// NewInMemoryQueue creates an in-memory queue.
func NewInMemoryQueue(buffer int) *InMemoryQueue {
	if buffer <= 0 {
		buffer = 1
	}
	return &InMemoryQueue{
		ch: make(chan SyncRequest, buffer),
	}
}

// Publish enqueues a request without blocking.
func (q *InMemoryQueue) Publish(req SyncRequest) error {
	select {
	case q.ch <- req:
		return nil
	default:
		return fmt.Errorf("queue buffer full")
	}
}

// Consume hands requests to handler one at a time until context cancellation. Requests
// older than maxAge are dropped and reported to onDrop when set.
func (q *InMemoryQueue) Consume(
	ctx context.Context,
	handler func(context.Context, SyncRequest) error,
	maxAge time.Duration,
	nowFn func() time.Time,
	onDrop func(SyncRequest),
) {
	if nowFn == nil {
		nowFn = time.Now
	}
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-q.ch:
			if ShouldDropByAge(req, nowFn(), maxAge) {
				if onDrop != nil {
					onDrop(req)
				}
				continue
			}
			_ = handler(ctx, req)
		}
	}
}

// Depth returns the number of queued requests.
func (q *InMemoryQueue) Depth() int {
	return len(q.ch)
}
