package scheduler

import (
	"container/heap"
	"time"

	"github.com/google/uuid"
)

type deadline struct {
	id    uuid.UUID
	at    time.Time
	index int
}

// deadlineHeap is a min-heap of deadlines. It implements heap.Interface and
// keeps each entry's index current so entries can be removed in O(log n)
// when a session finalizes before its deadline.
type deadlineHeap []*deadline

func (h deadlineHeap) Len() int { return len(h) }

func (h deadlineHeap) Less(i, j int) bool { return h[i].at.Before(h[j].at) }

func (h deadlineHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *deadlineHeap) Push(x any) {
	d := x.(*deadline)
	d.index = len(*h)
	*h = append(*h, d)
}

func (h *deadlineHeap) Pop() any {
	old := *h
	n := len(old)
	d := old[n-1]
	old[n-1] = nil
	d.index = -1
	*h = old[:n-1]
	return d
}

// timers tracks one armed deadline per session.
type timers struct {
	heap deadlineHeap
	byID map[uuid.UUID]*deadline
}

func newTimers() *timers {
	return &timers{byID: make(map[uuid.UUID]*deadline)}
}

// arm registers id's deadline. Re-arming an armed session is a no-op.
func (t *timers) arm(id uuid.UUID, at time.Time) {
	if _, ok := t.byID[id]; ok {
		return
	}
	d := &deadline{id: id, at: at}
	heap.Push(&t.heap, d)
	t.byID[id] = d
}

// cancel removes id's deadline so it never fires.
func (t *timers) cancel(id uuid.UUID) {
	d, ok := t.byID[id]
	if !ok {
		return
	}
	delete(t.byID, id)
	if d.index >= 0 {
		heap.Remove(&t.heap, d.index)
	}
}

// due pops every deadline at or before now.
func (t *timers) due(now time.Time) []*deadline {
	var out []*deadline
	for len(t.heap) > 0 && !t.heap[0].at.After(now) {
		d := heap.Pop(&t.heap).(*deadline)
		delete(t.byID, d.id)
		out = append(out, d)
	}
	return out
}

func (t *timers) len() int { return len(t.heap) }
