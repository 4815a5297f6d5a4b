//go:build linux

package asyncio

import (
	"bytes"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

// testPair returns a connected non-blocking socketpair, closed at
// test end unless already closed.
func testPair(t *testing.T) (int, int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	require.NoError(t, err)
	return fds[0], fds[1]
}

func newTestReactor(t *testing.T) *Reactor {
	t.Helper()
	r, err := NewReactor()
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func newTestService(t *testing.T, r *Reactor) *DescriptorService {
	t.Helper()
	svc, err := NewDescriptorService(r)
	require.NoError(t, err)
	return svc
}

func assignedDescriptor(t *testing.T, svc *DescriptorService, fd int) *Descriptor {
	t.Helper()
	d := new(Descriptor)
	svc.Construct(d)
	require.NoError(t, svc.Assign(d, fd))
	return d
}

func TestRunWithNoWorkReturnsZero(t *testing.T) {
	r := newTestReactor(t)

	done := make(chan int, 1)
	go func() { done <- r.Run() }()

	select {
	case n := <-done:
		if n != 0 {
			t.Errorf("Run() = %d, want 0", n)
		}
	case <-time.After(time.Second):
		t.Fatal("Run with no work did not return")
	}
}

// Two connected endpoints: a queued read on A completes with exactly
// the bytes written through B, and the engine runs dry afterwards.
func TestEcho(t *testing.T) {
	r := newTestReactor(t)
	svc := newTestService(t, r)

	afd, bfd := testPair(t)
	a := assignedDescriptor(t, svc, afd)
	b := assignedDescriptor(t, svc, bfd)
	defer svc.Destroy(a)
	defer svc.Destroy(b)

	payload := []byte("hello\n\x00\x00")
	buf := make([]byte, 8)

	var readN atomic.Int64
	var readErr error
	svc.AsyncReadSome(a, buf, func(err error, n int) {
		readErr = err
		readN.Store(int64(n))
	})

	var wroteN int
	svc.AsyncWriteSome(b, payload, func(err error, n int) {
		require.NoError(t, err)
		wroteN = n
	})

	if n := r.Run(); n < 1 {
		t.Fatalf("Run() = %d, want at least the read completion", n)
	}

	require.NoError(t, readErr)
	require.Equal(t, int64(8), readN.Load())
	require.Equal(t, 8, wroteN)
	if !bytes.Equal(buf, payload) {
		t.Errorf("read %q, want %q", buf, payload)
	}

	// No outstanding work remains.
	if n := r.Poll(); n != 0 {
		t.Errorf("Poll() after drain = %d, want 0", n)
	}
}

// A read parked on an idle endpoint, cancelled from a second
// goroutine, completes with ErrOperationAborted and zero bytes.
func TestCancelDuringWait(t *testing.T) {
	r := newTestReactor(t)
	svc := newTestService(t, r)

	afd, bfd := testPair(t)
	defer unix.Close(bfd)
	a := assignedDescriptor(t, svc, afd)
	defer svc.Destroy(a)

	type result struct {
		err error
		n   int
	}
	got := make(chan result, 1)
	svc.AsyncReadSome(a, make([]byte, 16), func(err error, n int) {
		got <- result{err, n}
	})

	go func() {
		time.Sleep(50 * time.Millisecond)
		_ = svc.Cancel(a)
	}()

	r.Run()

	select {
	case res := <-got:
		if !IsCancelled(res.err) {
			t.Errorf("completion error = %v, want ErrOperationAborted", res.err)
		}
		if res.n != 0 {
			t.Errorf("completion bytes = %d, want 0", res.n)
		}
	case <-time.After(time.Second):
		t.Fatal("cancelled read never completed")
	}
}

// Timers in two queues fire in deadline order; cancelling an
// already-fired timer returns 0.
func TestTimerPrecedence(t *testing.T) {
	r := newTestReactor(t)
	q1 := NewTimerQueue()
	q2 := NewTimerQueue()
	r.AddTimerQueue(q1)
	r.AddTimerQueue(q2)

	var mu sync.Mutex
	var order []string
	record := func(name string) Completion {
		return func(err error, _ int) {
			if err != nil {
				t.Errorf("timer %s carries error %v", name, err)
			}
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
		}
	}

	now := time.Now()
	r.ScheduleTimer(q1, now.Add(10*time.Millisecond), record("t1"), "t1")
	r.ScheduleTimer(q2, now.Add(20*time.Millisecond), record("t2"), "t2")

	r.Run()

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"t1", "t2"}, order)
	if n := r.CancelTimer(q1, "t1"); n != 0 {
		t.Errorf("cancel of fired timer returned %d, want 0", n)
	}
}

func TestTimerInPastFiresWithoutWait(t *testing.T) {
	r := newTestReactor(t)
	q := NewTimerQueue()
	r.AddTimerQueue(q)

	fired := false
	r.ScheduleTimer(q, time.Now().Add(-time.Second), func(err error, _ int) {
		require.NoError(t, err)
		fired = true
	}, 1)

	start := time.Now()
	n := r.Run()
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("past-deadline timer waited %v", elapsed)
	}
	require.Equal(t, 1, n)
	require.True(t, fired)
}

func TestCancelTimerBeforeRun(t *testing.T) {
	r := newTestReactor(t)
	q := NewTimerQueue()
	r.AddTimerQueue(q)

	var cancelled atomic.Bool
	r.ScheduleTimer(q, time.Now().Add(time.Hour), func(err error, _ int) {
		cancelled.Store(IsCancelled(err))
	}, "tok")

	require.Equal(t, 1, r.CancelTimer(q, "tok"))

	n := r.Run()
	require.Equal(t, 1, n)
	require.True(t, cancelled.Load())
}

func TestStopAndResetIdempotent(t *testing.T) {
	r := newTestReactor(t)

	r.Stop()
	r.Stop()
	require.True(t, r.Stopped())

	// Stopped engine returns without dispatching queued work.
	require.NoError(t, r.Post(func() {}))
	if n := r.Run(); n != 0 {
		t.Errorf("Run() on stopped engine = %d, want 0", n)
	}

	r.Reset()
	r.Reset()
	require.False(t, r.Stopped())

	if n := r.Run(); n != 1 {
		t.Errorf("Run() after Reset = %d, want the posted handler", n)
	}
}

func TestStopWakesBlockedRun(t *testing.T) {
	r := newTestReactor(t)
	r.WorkStarted()
	defer r.WorkFinished()

	done := make(chan struct{})
	go func() {
		r.Run()
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	r.Stop()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop did not wake the blocked Run")
	}
}

func TestZeroByteReadWriteCompleteSynchronously(t *testing.T) {
	r := newTestReactor(t)
	svc := newTestService(t, r)

	afd, bfd := testPair(t)
	a := assignedDescriptor(t, svc, afd)
	b := assignedDescriptor(t, svc, bfd)
	defer svc.Destroy(a)
	defer svc.Destroy(b)

	// The speculative attempt finishes a zero-byte transfer inline,
	// with no engine goroutine involved.
	reads := 0
	svc.AsyncReadSome(a, nil, func(err error, n int) {
		require.NoError(t, err)
		require.Zero(t, n)
		reads++
	})
	writes := 0
	svc.AsyncWriteSome(b, nil, func(err error, n int) {
		require.NoError(t, err)
		require.Zero(t, n)
		writes++
	})
	require.Equal(t, 1, reads)
	require.Equal(t, 1, writes)
}

func TestSpeculativeReadSkipsEngine(t *testing.T) {
	r := newTestReactor(t)
	svc := newTestService(t, r)

	afd, bfd := testPair(t)
	a := assignedDescriptor(t, svc, afd)
	defer svc.Destroy(a)
	defer unix.Close(bfd)

	_, err := unix.Write(bfd, []byte("ready"))
	require.NoError(t, err)

	// Data is already buffered: the read completes inline on this
	// goroutine, before any Run call.
	buf := make([]byte, 16)
	completed := false
	svc.AsyncReadSome(a, buf, func(err error, n int) {
		require.NoError(t, err)
		require.Equal(t, 5, n)
		completed = true
	})
	require.True(t, completed)
}

// A bare HUP with no queued operations removes the descriptor from
// the interest set instead of spinning the loop.
func TestHangupWithoutOpsDoesNotSpin(t *testing.T) {
	r := newTestReactor(t)
	svc := newTestService(t, r)

	afd, bfd := testPair(t)
	a := assignedDescriptor(t, svc, afd)
	defer svc.Destroy(a)

	require.NoError(t, unix.Close(bfd))

	// Keep the engine alive through a work guard while it observes
	// the hangup.
	r.WorkStarted()
	done := make(chan int, 1)
	go func() { done <- r.Run() }()

	// The loop must stay responsive (blocked, not spinning): a timer
	// scheduled after the HUP fires on time.
	time.Sleep(50 * time.Millisecond)
	q := NewTimerQueue()
	r.AddTimerQueue(q)
	fired := make(chan struct{})
	r.ScheduleTimer(q, time.Now().Add(20*time.Millisecond), func(err error, _ int) {
		require.NoError(t, err)
		close(fired)
	}, 1)

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("engine unresponsive after hangup")
	}

	r.WorkFinished()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after work finished")
	}
}

// Read completions on one descriptor preserve enqueue order.
func TestReadCompletionsFIFO(t *testing.T) {
	r := newTestReactor(t)
	svc := newTestService(t, r)

	afd, bfd := testPair(t)
	a := assignedDescriptor(t, svc, afd)
	b := assignedDescriptor(t, svc, bfd)
	defer svc.Destroy(a)
	defer svc.Destroy(b)

	var mu sync.Mutex
	var order []int
	buf1 := make([]byte, 2)
	buf2 := make([]byte, 2)
	svc.AsyncReadSome(a, buf1, func(err error, n int) {
		require.NoError(t, err)
		mu.Lock()
		order = append(order, 1)
		mu.Unlock()
	})
	svc.AsyncReadSome(a, buf2, func(err error, n int) {
		require.NoError(t, err)
		mu.Lock()
		order = append(order, 2)
		mu.Unlock()
	})

	svc.AsyncWriteSome(b, []byte("wxyz"), func(err error, _ int) {
		require.NoError(t, err)
	})

	r.Run()

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []int{1, 2}, order)
	require.Equal(t, []byte("wx"), buf1)
	require.Equal(t, []byte("yz"), buf2)
}

func TestPostAndDispatch(t *testing.T) {
	r := newTestReactor(t)

	var ran []string
	require.NoError(t, r.Post(func() {
		ran = append(ran, "posted")
		// Inside the engine, Dispatch runs inline, before the posted
		// handler returns.
		_ = r.Dispatch(func() { ran = append(ran, "inline") })
	}))

	// Outside the engine, Dispatch posts.
	require.NoError(t, r.Dispatch(func() { ran = append(ran, "queued") }))

	r.Run()
	require.Equal(t, []string{"posted", "inline", "queued"}, ran)
}

func TestSyncReadWrite(t *testing.T) {
	r := newTestReactor(t)
	svc := newTestService(t, r)

	afd, bfd := testPair(t)
	a := assignedDescriptor(t, svc, afd)
	b := assignedDescriptor(t, svc, bfd)
	defer svc.Destroy(a)
	defer svc.Destroy(b)

	n, err := svc.WriteSome(b, []byte("ping"))
	require.NoError(t, err)
	require.Equal(t, 4, n)

	buf := make([]byte, 8)
	n, err = svc.ReadSome(a, buf)
	require.NoError(t, err)
	require.Equal(t, []byte("ping"), buf[:n])

	// Zero-length transfers complete immediately.
	n, err = svc.ReadSome(a, nil)
	require.NoError(t, err)
	require.Zero(t, n)
	n, err = svc.WriteSome(b, nil)
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestPositionalIORejectedOnSockets(t *testing.T) {
	r := newTestReactor(t)
	svc := newTestService(t, r)

	afd, bfd := testPair(t)
	defer unix.Close(bfd)
	a := assignedDescriptor(t, svc, afd)
	defer svc.Destroy(a)

	if _, err := svc.ReadSomeAt(a, 0, make([]byte, 4)); err != ErrOperationNotSupported {
		t.Errorf("ReadSomeAt on socket = %v, want ErrOperationNotSupported", err)
	}
	if _, err := svc.WriteSomeAt(a, 0, []byte("x")); err != ErrOperationNotSupported {
		t.Errorf("WriteSomeAt on socket = %v, want ErrOperationNotSupported", err)
	}
}

func TestCloseThenReassignYieldsFreshState(t *testing.T) {
	r := newTestReactor(t)
	svc := newTestService(t, r)

	afd, bfd := testPair(t)
	defer unix.Close(bfd)
	a := assignedDescriptor(t, svc, afd)
	require.True(t, svc.IsOpen(a))

	// Park an op, then close: the op aborts and the slot resets.
	aborted := make(chan error, 1)
	svc.AsyncReadSome(a, make([]byte, 4), func(err error, _ int) { aborted <- err })
	require.NoError(t, svc.Close(a))
	require.False(t, svc.IsOpen(a))

	r.Run()
	select {
	case err := <-aborted:
		require.ErrorIs(t, err, ErrOperationAborted)
	case <-time.After(time.Second):
		t.Fatal("op on closed descriptor never aborted")
	}

	// Re-assigning a fresh descriptor works and the speculative fast
	// path is armed again.
	cfd, dfd := testPair(t)
	defer unix.Close(dfd)
	require.NoError(t, svc.Assign(a, cfd))
	require.True(t, svc.IsOpen(a))
	require.True(t, a.data.allowSpeculativeRead)
	require.True(t, a.data.allowSpeculativeWrite)
	if err := svc.Assign(a, dfd); err != ErrAlreadyOpen {
		t.Errorf("double Assign = %v, want ErrAlreadyOpen", err)
	}
	svc.Destroy(a)
}

func TestCancelOnClosedDescriptor(t *testing.T) {
	r := newTestReactor(t)
	svc := newTestService(t, r)

	d := new(Descriptor)
	svc.Construct(d)
	defer svc.Destroy(d)
	if err := svc.Cancel(d); err != ErrBadDescriptor {
		t.Errorf("Cancel on closed descriptor = %v, want ErrBadDescriptor", err)
	}
}

func TestMultiGoroutineRun(t *testing.T) {
	r := newTestReactor(t)
	svc := newTestService(t, r)

	afd, bfd := testPair(t)
	a := assignedDescriptor(t, svc, afd)
	b := assignedDescriptor(t, svc, bfd)
	defer svc.Destroy(a)
	defer svc.Destroy(b)

	const rounds = 32
	var completions atomic.Int64
	r.WorkStarted()

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.Run()
		}()
	}

	go func() {
		buf := make([]byte, 1)
		for i := 0; i < rounds; i++ {
			done := make(chan struct{})
			svc.AsyncReadSome(a, buf, func(err error, n int) {
				if err == nil {
					completions.Add(1)
				}
				close(done)
			})
			svc.AsyncWriteSome(b, []byte("x"), func(err error, _ int) {})
			<-done
		}
		r.WorkFinished()
	}()

	wg.Wait()
	require.Equal(t, int64(rounds), completions.Load())
}

func TestShutdownDestroysQueuedWork(t *testing.T) {
	r := newTestReactor(t)
	svc := newTestService(t, r)

	afd, bfd := testPair(t)
	defer unix.Close(bfd)
	a := assignedDescriptor(t, svc, afd)
	defer svc.Destroy(a)

	ran := false
	svc.AsyncReadSome(a, make([]byte, 4), func(error, int) { ran = true })
	require.NoError(t, r.Post(func() { ran = true }))

	r.ShutdownService()
	if n := r.Run(); n != 0 {
		t.Errorf("Run() after shutdown = %d, want 0", n)
	}
	require.False(t, ran)

	// Shutdown is a barrier: nothing further can be scheduled.
	if err := r.Post(func() {}); err != ErrEngineShutdown {
		t.Errorf("Post after shutdown = %v, want ErrEngineShutdown", err)
	}
}
