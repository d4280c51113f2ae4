package queue

import (
	"container/heap"
	"context"
	"sync"

	"github.com/google/uuid"
)

type entry struct {
	id       uuid.UUID
	priority int
	seq      uint64
}

type entryHeap []entry

func (h entryHeap) Len() int { return len(h) }

func (h entryHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	return h[i].seq < h[j].seq
}

func (h entryHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *entryHeap) Push(x any) { *h = append(*h, x.(entry)) }

func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	*h = old[:n-1]
	return e
}

// MemoryQueue is the single-node backend.
type MemoryQueue struct {
	mu     sync.Mutex
	h      entryHeap
	queued map[uuid.UUID]struct{}
	next   uint64
}

func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{queued: make(map[uuid.UUID]struct{})}
}

var _ Queue = (*MemoryQueue)(nil)

func (q *MemoryQueue) Enqueue(_ context.Context, taskID uuid.UUID, priority int) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.queued[taskID]; ok {
		return nil
	}
	q.queued[taskID] = struct{}{}
	q.next++
	heap.Push(&q.h, entry{id: taskID, priority: priority, seq: q.next})
	return nil
}

func (q *MemoryQueue) Dequeue(_ context.Context) (uuid.UUID, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.h.Len() == 0 {
		return uuid.Nil, false, nil
	}
	e := heap.Pop(&q.h).(entry)
	delete(q.queued, e.id)
	return e.id, true, nil
}

func (q *MemoryQueue) Len(_ context.Context) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int64(q.h.Len()), nil
}
