// Package dispatcher claims pending tasks in priority order and hands them
// to the worker pool within a concurrency bound.
package dispatcher

import (
	"container/heap"
	"sync"
	"time"

	"github.com/atlas-desktop/backtest-lab/pkg/types"
)

// Ref is the ordering key of a pending task
type Ref struct {
	ID        string
	Priority  types.Priority
	CreatedAt time.Time
	Seq       int64
}

// RefOf extracts the ordering key of a task
func RefOf(t *types.Task) Ref {
	return Ref{ID: t.ID, Priority: t.Priority, CreatedAt: t.CreatedAt, Seq: t.Seq}
}

func (r Ref) before(o Ref) bool {
	if r.Priority != o.Priority {
		return r.Priority > o.Priority
	}
	if !r.CreatedAt.Equal(o.CreatedAt) {
		return r.CreatedAt.Before(o.CreatedAt)
	}
	return r.Seq < o.Seq
}

type item struct {
	ref   Ref
	index int
}

type refHeap []*item

func (h refHeap) Len() int           { return len(h) }
func (h refHeap) Less(i, j int) bool { return h[i].ref.before(h[j].ref) }
func (h refHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *refHeap) Push(x any) {
	it := x.(*item)
	it.index = len(*h)
	*h = append(*h, it)
}

func (h *refHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*h = old[:n-1]
	return it
}

// Queue is a priority queue of pending task refs, one entry per task id.
// Entries can go stale when a task is cancelled or deleted; the dispatcher
// discovers that when its claim fails.
type Queue struct {
	mu   sync.Mutex
	h    refHeap
	byID map[string]*item
}

// NewQueue creates an empty queue
func NewQueue() *Queue {
	return &Queue{byID: make(map[string]*item)}
}

// Push adds a ref, or reorders the existing entry of the same task.
// It reports whether the ref was new.
func (q *Queue) Push(ref Ref) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if it, ok := q.byID[ref.ID]; ok {
		it.ref = ref
		heap.Fix(&q.h, it.index)
		return false
	}
	it := &item{ref: ref}
	heap.Push(&q.h, it)
	q.byID[ref.ID] = it
	return true
}

// Pop removes and returns the ref that runs next
func (q *Queue) Pop() (Ref, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.h.Len() == 0 {
		return Ref{}, false
	}
	it := heap.Pop(&q.h).(*item)
	delete(q.byID, it.ref.ID)
	return it.ref, true
}

// Peek returns the ref that runs next without removing it
func (q *Queue) Peek() (Ref, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.h.Len() == 0 {
		return Ref{}, false
	}
	return q.h[0].ref, true
}

// Remove drops the entry of a task
func (q *Queue) Remove(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	it, ok := q.byID[id]
	if !ok {
		return false
	}
	heap.Remove(&q.h, it.index)
	delete(q.byID, id)
	return true
}

// Len returns the number of queued refs
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.h.Len()
}
