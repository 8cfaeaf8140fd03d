package etl

import (
	"context"
	"sync"

	"github.com/newthinker/quantbase/internal/metrics"
)

// Queue is an unbounded multi-producer multi-consumer queue of raw payload
// ids. An id already waiting is not queued twice.
type Queue struct {
	mu      sync.Mutex
	ids     []int64
	queued  map[int64]struct{}
	notify  chan struct{}
	closed  bool
	metrics *metrics.Registry
}

// NewQueue creates an empty queue.
func NewQueue(m *metrics.Registry) *Queue {
	return &Queue{
		queued:  make(map[int64]struct{}),
		notify:  make(chan struct{}, 1),
		metrics: m,
	}
}

// Enqueue adds rawID without blocking. Ids pushed after Close are dropped;
// they stay pending in storage and are picked up by the next recovery.
func (q *Queue) Enqueue(rawID int64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	if _, ok := q.queued[rawID]; ok {
		return
	}
	q.queued[rawID] = struct{}{}
	q.ids = append(q.ids, rawID)
	q.metrics.SetETLQueueDepth(len(q.ids))
	q.wake()
}

// wake must be called with mu held.
func (q *Queue) wake() {
	if q.closed {
		return
	}
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *Queue) tryPop() (int64, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.ids) == 0 {
		return 0, false
	}
	id := q.ids[0]
	q.ids[0] = 0
	q.ids = q.ids[1:]
	delete(q.queued, id)
	q.metrics.SetETLQueueDepth(len(q.ids))
	if len(q.ids) > 0 {
		q.wake()
	}
	return id, true
}

// Pop blocks until an id is available. ok is false when ctx ends or the
// queue is closed and empty.
func (q *Queue) Pop(ctx context.Context) (int64, bool) {
	for {
		if id, ok := q.tryPop(); ok {
			return id, true
		}
		q.mu.Lock()
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return 0, false
		}
		select {
		case <-ctx.Done():
			return 0, false
		case <-q.notify:
		}
	}
}

// Len returns the number of waiting ids.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ids)
}

// Close stops accepting ids and wakes blocked consumers.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.notify)
	}
}
