package asyncio

import (
	"testing"
	"time"
)

func drainReady(q *TimerQueue) []completedOp {
	return q.takeReady(nil)
}

func TestTimerQueueEnqueueReportsNewHead(t *testing.T) {
	q := NewTimerQueue()
	now := time.Now()

	if !q.enqueue(now.Add(50*time.Millisecond), func(error, int) {}, "a") {
		t.Error("first entry should become the head")
	}
	if q.enqueue(now.Add(100*time.Millisecond), func(error, int) {}, "b") {
		t.Error("later deadline must not become the head")
	}
	if !q.enqueue(now.Add(10*time.Millisecond), func(error, int) {}, "c") {
		t.Error("earlier deadline should become the head")
	}
}

func TestTimerQueueEqualDeadlinesFIFO(t *testing.T) {
	q := NewTimerQueue()
	when := time.Now().Add(-time.Millisecond)

	var order []int
	for i := 0; i < 5; i++ {
		i := i
		q.enqueue(when, func(error, int) { order = append(order, i) }, i)
	}

	q.dispatchTimers(time.Now())
	for _, op := range drainReady(q) {
		op.invoke()
	}

	for i, got := range order {
		if got != i {
			t.Fatalf("equal-deadline timers fired out of order: %v", order)
		}
	}
	if len(order) != 5 {
		t.Fatalf("dispatched %d of 5 timers", len(order))
	}
}

func TestTimerQueueCancel(t *testing.T) {
	q := NewTimerQueue()
	when := time.Now().Add(time.Hour)

	q.enqueue(when, func(error, int) {}, "keep")
	q.enqueue(when, func(error, int) {}, "drop")
	q.enqueue(when, func(error, int) {}, "drop")

	if n := q.cancel("drop"); n != 2 {
		t.Fatalf("cancel returned %d, want 2", n)
	}
	if n := q.cancel("drop"); n != 0 {
		t.Fatalf("second cancel returned %d, want 0", n)
	}
	if n := q.cancel("missing"); n != 0 {
		t.Fatalf("cancel of unknown token returned %d, want 0", n)
	}

	// Cancelled entries surface with ErrOperationAborted; the
	// surviving entry stays queued.
	q.dispatchCancellations()
	ready := drainReady(q)
	if len(ready) != 2 {
		t.Fatalf("got %d cancelled completions, want 2", len(ready))
	}
	for _, op := range ready {
		if op.err != ErrOperationAborted {
			t.Errorf("cancelled completion carries %v, want ErrOperationAborted", op.err)
		}
	}
	if q.empty() {
		t.Error("surviving timer should keep the queue non-empty")
	}
}

func TestTimerQueueScheduleThenCancelRoundTrip(t *testing.T) {
	q := NewTimerQueue()
	when := time.Now().Add(time.Hour)

	q.enqueue(when, func(error, int) {}, "tok")
	if n := q.cancel("tok"); n != 1 {
		t.Fatalf("cancel returned %d, want 1", n)
	}
	q.dispatchCancellations()
	drainReady(q)

	// Observable state is back to an empty queue.
	if !q.empty() {
		t.Error("queue should be empty after schedule+cancel")
	}
	if d := q.waitDuration(time.Minute, time.Now()); d != time.Minute {
		t.Errorf("waitDuration = %v, want the cap", d)
	}
}

func TestTimerQueueWaitDuration(t *testing.T) {
	q := NewTimerQueue()
	now := time.Now()

	if d := q.waitDuration(5*time.Minute, now); d != 5*time.Minute {
		t.Errorf("empty queue waitDuration = %v, want cap", d)
	}

	q.enqueue(now.Add(-time.Second), func(error, int) {}, 1)
	if d := q.waitDuration(5*time.Minute, now); d != 0 {
		t.Errorf("past deadline waitDuration = %v, want 0", d)
	}

	q2 := NewTimerQueue()
	q2.enqueue(now.Add(time.Hour), func(error, int) {}, 1)
	if d := q2.waitDuration(500*time.Millisecond, now); d != 500*time.Millisecond {
		t.Errorf("far deadline waitDuration = %v, want the cap", d)
	}

	q3 := NewTimerQueue()
	q3.enqueue(now.Add(time.Second), func(error, int) {}, 1)
	if d := q3.waitDuration(5*time.Minute, now); d != time.Second {
		t.Errorf("waitDuration = %v, want 1s", d)
	}
}

func TestTimerQueueDispatchTimers(t *testing.T) {
	q := NewTimerQueue()
	now := time.Now()

	fired := 0
	q.enqueue(now.Add(-time.Millisecond), func(err error, _ int) {
		if err != nil {
			t.Errorf("expired timer carries error %v", err)
		}
		fired++
	}, 1)
	q.enqueue(now.Add(time.Hour), func(error, int) { fired++ }, 2)

	q.dispatchTimers(now)
	for _, op := range drainReady(q) {
		op.invoke()
	}

	if fired != 1 {
		t.Fatalf("fired %d timers, want 1", fired)
	}
	if q.empty() {
		t.Error("future timer should remain queued")
	}
}

func TestTimerQueueDestroyDropsWithoutRunning(t *testing.T) {
	q := NewTimerQueue()
	ran := false
	q.enqueue(time.Now().Add(-time.Millisecond), func(error, int) { ran = true }, 1)
	q.enqueue(time.Now().Add(time.Hour), func(error, int) { ran = true }, 2)
	q.cancel(2)

	if n := q.destroy(); n != 2 {
		t.Fatalf("destroy returned %d, want 2", n)
	}
	if ran {
		t.Error("destroyed handlers must not run")
	}
	if !q.empty() {
		t.Error("queue should be empty after destroy")
	}
}
