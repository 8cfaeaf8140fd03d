package orchestrator

import (
	"container/heap"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/newthinker/quantbase/internal/core"
)

// TaskKind selects the adapter capability a task uses.
type TaskKind string

const (
	TaskDaily        TaskKind = "daily"
	TaskIntraday     TaskKind = "intraday"
	TaskFundamentals TaskKind = "fundamentals"
	TaskActions      TaskKind = "actions"
	TaskFX           TaskKind = "fx"
)

// ParseTaskKind validates a kind name.
func ParseTaskKind(s string) (TaskKind, error) {
	switch k := TaskKind(s); k {
	case TaskDaily, TaskIntraday, TaskFundamentals, TaskActions, TaskFX:
		return k, nil
	}
	return "", core.Errorf(core.ErrConfigInvalid, "unknown task kind %q", s)
}

// Task is one unit of fetch work.
type Task struct {
	ID       core.CanonicalID
	Kind     TaskKind
	Interval core.Period // intraday only
	Since    time.Time
	Source   string // forces a single adapter when set
	Priority int    // higher runs first

	// FX pair and window, fx tasks only
	From, To   string
	Start, End time.Time
}

// Key identifies a task for de-duplication in the queue.
func (t Task) Key() string {
	if t.Kind == TaskFX {
		return fmt.Sprintf("fx|%s%s", t.From, t.To)
	}
	return fmt.Sprintf("%s|%s|%s|%s", t.Kind, t.ID, t.Interval, t.Source)
}

// limitKey is the symbol the per-symbol interval applies to.
func (t Task) limitKey() string {
	if t.Kind == TaskFX {
		return "FX:" + t.From + t.To
	}
	return string(t.ID)
}

type taskItem struct {
	task  Task
	seq   uint64
	index int
}

// taskHeap is a max-heap on priority, FIFO among equals.
type taskHeap struct {
	items []*taskItem
	index map[string]int
}

func (h *taskHeap) Len() int { return len(h.items) }

func (h *taskHeap) Less(i, j int) bool {
	a, b := h.items[i], h.items[j]
	if a.task.Priority != b.task.Priority {
		return a.task.Priority > b.task.Priority
	}
	return a.seq < b.seq
}

func (h *taskHeap) Swap(i, j int) {
	h.items[i], h.items[j] = h.items[j], h.items[i]
	h.items[i].index = i
	h.items[j].index = j
	h.index[h.items[i].task.Key()] = i
	h.index[h.items[j].task.Key()] = j
}

func (h *taskHeap) Push(x any) {
	item := x.(*taskItem)
	item.index = len(h.items)
	h.items = append(h.items, item)
	h.index[item.task.Key()] = item.index
}

func (h *taskHeap) Pop() any {
	old := h.items
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	h.items = old[:n-1]
	delete(h.index, item.task.Key())
	return item
}

// Queue is a blocking priority queue of tasks. Pushing a task whose key is
// already queued keeps one entry with the higher priority.
type Queue struct {
	mu     sync.Mutex
	heap   *taskHeap
	seq    uint64
	notify chan struct{}
	closed bool
}

// NewQueue creates an empty queue.
func NewQueue() *Queue {
	h := &taskHeap{index: make(map[string]int)}
	heap.Init(h)
	return &Queue{heap: h, notify: make(chan struct{}, 1)}
}

// Push adds or updates a task. It reports false once the queue is closed.
func (q *Queue) Push(t Task) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	if idx, ok := q.heap.index[t.Key()]; ok {
		item := q.heap.items[idx]
		if t.Priority > item.task.Priority {
			item.task.Priority = t.Priority
		}
		if t.Since.Before(item.task.Since) {
			item.task.Since = t.Since
		}
		heap.Fix(q.heap, idx)
		return true
	}
	q.seq++
	heap.Push(q.heap, &taskItem{task: t, seq: q.seq})
	q.signal()
	return true
}

// signal must be called with mu held.
func (q *Queue) signal() {
	if q.closed {
		return
	}
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// TryPop removes the highest priority task without blocking.
func (q *Queue) TryPop() (Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.heap.Len() == 0 {
		return Task{}, false
	}
	item := heap.Pop(q.heap).(*taskItem)
	if q.heap.Len() > 0 {
		q.signal()
	}
	return item.task, true
}

// Pop blocks until a task is available, the queue is closed and empty, or
// ctx ends. ok is false in the latter two cases.
func (q *Queue) Pop(ctx context.Context) (Task, bool) {
	for {
		if t, ok := q.TryPop(); ok {
			return t, true
		}
		q.mu.Lock()
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return Task{}, false
		}
		select {
		case <-ctx.Done():
			return Task{}, false
		case <-q.notify:
		}
	}
}

// Len returns the number of queued tasks.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.heap.Len()
}

// Close stops accepting tasks. Queued tasks can still be popped.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.notify)
	}
}
