package asyncio

import (
	"container/heap"
	"time"
)

// timerEntry is a scheduled timer: an absolute deadline, the owning
// completion, and the caller-supplied cancellation token.
type timerEntry struct {
	when  time.Time
	seq   uint64 // FIFO tie-break among equal deadlines
	token TimerToken
	fn    Completion
	index int // heap slot; -1 once removed
}

// timerHeap is a min-heap of timer entries, earliest deadline first.
// Entries with equal deadlines order by insertion sequence, so equal
// deadlines fire FIFO.
type timerHeap []*timerEntry

func (h timerHeap) Len() int { return len(h) }
func (h timerHeap) Less(i, j int) bool {
	if !h[i].when.Equal(h[j].when) {
		return h[i].when.Before(h[j].when)
	}
	return h[i].seq < h[j].seq
}
func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *timerHeap) Push(x any) {
	e := x.(*timerEntry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// TimerQueue is a deadline-ordered queue of completion handlers with
// token-addressed cancellation. An engine may own several queues
// (AddTimerQueue / RemoveTimerQueue); every method here assumes the
// owning engine's lock is held, except where noted.
type TimerQueue struct {
	heap      timerHeap
	byToken   map[TimerToken][]*timerEntry
	seq       uint64
	cancelled []*timerEntry
	ready     []completedOp
}

// NewTimerQueue creates an empty timer queue.
func NewTimerQueue() *TimerQueue {
	return &TimerQueue{
		byToken: make(map[TimerToken][]*timerEntry),
	}
}

// enqueue adds a timer. It reports whether the new entry became the
// head of the queue, in which case the caller must interrupt any
// in-progress wait so the shorter deadline is honoured.
func (q *TimerQueue) enqueue(when time.Time, fn Completion, token TimerToken) bool {
	e := &timerEntry{
		when:  when,
		seq:   q.seq,
		token: token,
		fn:    fn,
	}
	q.seq++
	heap.Push(&q.heap, e)
	q.byToken[token] = append(q.byToken[token], e)
	return q.heap[0] == e
}

// cancel removes every entry scheduled with the given token and holds
// it for dispatch with ErrOperationAborted. Returns the number of
// entries removed. Remaining entries keep their relative order.
func (q *TimerQueue) cancel(token TimerToken) int {
	entries := q.byToken[token]
	if len(entries) == 0 {
		return 0
	}
	delete(q.byToken, token)
	for _, e := range entries {
		heap.Remove(&q.heap, e.index)
		q.cancelled = append(q.cancelled, e)
	}
	return len(entries)
}

// empty reports whether no timers are pending. Cancelled entries
// awaiting dispatch do not count; they are already runnable.
func (q *TimerQueue) empty() bool {
	return len(q.heap) == 0
}

// waitDuration returns the time until the earliest deadline, clamped
// to [0, limit]. The limit bounds how long a wait can outlive a
// wall-clock adjustment.
func (q *TimerQueue) waitDuration(limit time.Duration, now time.Time) time.Duration {
	if len(q.heap) == 0 {
		return limit
	}
	d := q.heap[0].when.Sub(now)
	if d < 0 {
		return 0
	}
	if d > limit {
		return limit
	}
	return d
}

// dispatchTimers moves every entry whose deadline has passed to the
// ready queue.
func (q *TimerQueue) dispatchTimers(now time.Time) {
	for len(q.heap) > 0 && !q.heap[0].when.After(now) {
		e := heap.Pop(&q.heap).(*timerEntry)
		q.removeToken(e)
		q.ready = append(q.ready, completedOp{fn: e.fn})
	}
}

// dispatchCancellations moves cancelled entries to the ready queue
// with ErrOperationAborted.
func (q *TimerQueue) dispatchCancellations() {
	for _, e := range q.cancelled {
		q.ready = append(q.ready, completedOp{fn: e.fn, err: ErrOperationAborted})
	}
	q.cancelled = q.cancelled[:0]
}

// takeReady hands the ready completions to the caller, which must run
// them without holding the engine lock.
func (q *TimerQueue) takeReady(dst []completedOp) []completedOp {
	dst = append(dst, q.ready...)
	clear(q.ready)
	q.ready = q.ready[:0]
	return dst
}

// destroy drops every entry, dispatched or not, without running any
// handler. Returns the number of handlers destroyed, so the engine can
// settle its work accounting.
func (q *TimerQueue) destroy() int {
	n := len(q.heap) + len(q.cancelled) + len(q.ready)
	q.heap = nil
	q.cancelled = nil
	q.ready = nil
	q.byToken = make(map[TimerToken][]*timerEntry)
	return n
}

func (q *TimerQueue) removeToken(e *timerEntry) {
	entries := q.byToken[e.token]
	for i, cand := range entries {
		if cand == e {
			entries = append(entries[:i], entries[i+1:]...)
			break
		}
	}
	if len(entries) == 0 {
		delete(q.byToken, e.token)
	} else {
		q.byToken[e.token] = entries
	}
}
