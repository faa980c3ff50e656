package autoscaler

import (
	"container/heap"
	"sync"
	"time"
)

// minDeferredWait stops the drain loop from spinning on entries that are
// due in the next instant.
const minDeferredWait = 10 * time.Millisecond

type deferredEntry struct {
	at  time.Time
	seq uint64
	req *UpscaleRequest
}

// deferredHeap orders entries by wake time, then by insertion.
type deferredHeap []deferredEntry

func (h deferredHeap) Len() int { return len(h) }

func (h deferredHeap) Less(i, j int) bool {
	if h[i].at.Equal(h[j].at) {
		return h[i].seq < h[j].seq
	}
	return h[i].at.Before(h[j].at)
}

func (h deferredHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *deferredHeap) Push(x any) { *h = append(*h, x.(deferredEntry)) }

func (h *deferredHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = deferredEntry{}
	*h = old[:n-1]
	return e
}

// deferredQueue holds requests until their wake time.  It is safe for
// concurrent use.
type deferredQueue struct {
	mu    sync.Mutex
	items deferredHeap
	seq   uint64
	wake  chan struct{}
}

func newDeferredQueue() *deferredQueue {
	return &deferredQueue{wake: make(chan struct{}, 1)}
}

// Push schedules req for at.
func (q *deferredQueue) Push(at time.Time, req *UpscaleRequest) {
	q.mu.Lock()
	q.seq++
	heap.Push(&q.items, deferredEntry{at: at, seq: q.seq, req: req})
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// PopReady removes and returns every request due at or before now, in
// wake order.
func (q *deferredQueue) PopReady(now time.Time) []*UpscaleRequest {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []*UpscaleRequest
	for len(q.items) > 0 && !q.items[0].at.After(now) {
		out = append(out, heap.Pop(&q.items).(deferredEntry).req)
	}
	return out
}

// Next returns the earliest wake time.
func (q *deferredQueue) Next() (time.Time, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return time.Time{}, false
	}
	return q.items[0].at, true
}

// Len returns the number of deferred requests.
func (q *deferredQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Wake is signalled whenever a request is pushed.
func (q *deferredQueue) Wake() <-chan struct{} {
	return q.wake
}

// Snapshot returns the deferred requests in no particular order.
func (q *deferredQueue) Snapshot() []*UpscaleRequest {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*UpscaleRequest, 0, len(q.items))
	for _, e := range q.items {
		out = append(out, e.req)
	}
	return out
}

func newStoppedTimer() *time.Timer {
	t := time.NewTimer(time.Hour)
	t.Stop()
	return t
}
