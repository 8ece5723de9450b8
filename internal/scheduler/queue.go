package scheduler

import (
	"container/heap"
	"sync"
)

// taskHeap orders tasks by priority (high first), then CreatedAt, then submission sequence.
type taskHeap struct {
	items []*Task
	index map[string]int
}

func (h *taskHeap) Len() int { return len(h.items) }

func (h *taskHeap) Less(i, j int) bool {
	a, b := h.items[i], h.items[j]
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.seq < b.seq
}

func (h *taskHeap) Swap(i, j int) {
	h.items[i], h.items[j] = h.items[j], h.items[i]
	h.index[h.items[i].ID] = i
	h.index[h.items[j].ID] = j
}

func (h *taskHeap) Push(x any) {
	t := x.(*Task)
	h.index[t.ID] = len(h.items)
	h.items = append(h.items, t)
}

func (h *taskHeap) Pop() any {
	n := len(h.items)
	t := h.items[n-1]
	h.items[n-1] = nil
	h.items = h.items[:n-1]
	delete(h.index, t.ID)
	return t
}

// WorkQueue is a priority queue of pending tasks. Push, pop and remove share one
// lock, so a task is handed to at most one consumer.
type WorkQueue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	heap   taskHeap
	seq    uint64
	closed bool
}

// NewWorkQueue creates an empty queue.
func NewWorkQueue() *WorkQueue {
	q := &WorkQueue{heap: taskHeap{index: make(map[string]int)}}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Push adds t. Re-pushing a task keeps its original submission sequence, so a retried
// task returns to its place within its band. Push reports false once the queue is
// closed or when t is already queued.
func (q *WorkQueue) Push(t *Task) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	if _, ok := q.heap.index[t.ID]; ok {
		return false
	}
	if t.seq == 0 {
		q.seq++
		t.seq = q.seq
	}
	heap.Push(&q.heap, t)
	q.cond.Signal()
	return true
}

// PopReady returns the highest-priority task without blocking.
func (q *WorkQueue) PopReady() (*Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.heap.Len() == 0 {
		return nil, false
	}
	return heap.Pop(&q.heap).(*Task), true
}

// Wait blocks until a task is available or the queue is closed. After Close it
// returns false even if tasks remain; use Drain to collect them.
func (q *WorkQueue) Wait() (*Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for q.heap.Len() == 0 && !q.closed {
		q.cond.Wait()
	}
	if q.closed {
		return nil, false
	}
	return heap.Pop(&q.heap).(*Task), true
}

// Remove deletes the task with id. It reports whether the task was queued.
func (q *WorkQueue) Remove(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	i, ok := q.heap.index[id]
	if !ok {
		return false
	}
	heap.Remove(&q.heap, i)
	return true
}

// Contains reports whether a task with id is queued.
func (q *WorkQueue) Contains(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.heap.index[id]
	return ok
}

// Len returns the number of queued tasks.
func (q *WorkQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.heap.Len()
}

// Close stops further pushes and wakes every waiter.
func (q *WorkQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.cond.Broadcast()
}

// Drain removes and returns all queued tasks in dispatch order.
func (q *WorkQueue) Drain() []*Task {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]*Task, 0, q.heap.Len())
	for q.heap.Len() > 0 {
		out = append(out, heap.Pop(&q.heap).(*Task))
	}
	return out
}
