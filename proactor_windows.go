//go:build windows

package asyncio

import (
	"io"
	"sync"
	"sync/atomic"
	"syscall"
	"time"
	"unsafe"

	"github.com/joeycumines/logiface"
	"golang.org/x/sys/windows"
)

const (
	// Longest GetQueuedCompletionStatus wait, in milliseconds. Bounds
	// how stale the elected timer goroutine's view of the heap can get.
	proactorMaxTimeoutMs = 500

	// Completion key: responsibility for dispatching timers is being
	// cooperatively transferred from one goroutine to another.
	transferTimerDispatching uintptr = 1

	// Completion key: responsibility for dispatching timers should be
	// stolen from whichever goroutine currently holds it.
	stealTimerDispatching uintptr = 2
)

// ProactorOp is an operation submitted to the completion port. The
// Overlapped header MUST stay the first field: the kernel hands back
// the operation's address as the LPOVERLAPPED out parameter, and the
// engine downcasts it. The address is pinned from submit to
// completion by the engine's in-flight set.
type ProactorOp struct {
	overlapped windows.Overlapped

	complete func(err error, n int)
	destroy  func()

	proactor *Proactor
	ownsWork bool
}

// Overlapped exposes the OS header, so services can encode positional
// offsets before submitting.
func (op *ProactorOp) Overlapped() *windows.Overlapped {
	return &op.overlapped
}

// Proactor is the completion-based engine. Operations are submitted
// as OVERLAPPED requests against one I/O completion port; worker
// goroutines calling Run drain the port and invoke completions. At
// most one goroutine at a time is responsible for dispatching timers.
type Proactor struct {
	// Prevent copying
	_ [0]func()

	iocp windows.Handle

	outstandingWork       atomic.Int64
	outstandingOperations atomic.Int64
	stopped               atomic.Bool
	shutdown              atomic.Bool

	// Goroutine currently responsible for timers, or 0.
	timerGoroutine atomic.Uint64

	timerMu              sync.Mutex
	timerInterruptIssued bool
	timerQueues          []*TimerQueue

	// Pins every submitted operation until its completion or destroy
	// entry runs; the kernel holds only the raw header address.
	inflightMu sync.Mutex
	inflight   map[*ProactorOp]struct{}

	running goroutineSet

	log *logiface.Logger[logiface.Event]
}

// NewProactor creates a proactor. Completion-port creation failure is
// fatal; there is no degraded mode.
func NewProactor(opts ...Option) (*Proactor, error) {
	cfg, err := resolveEngineOptions(opts)
	if err != nil {
		return nil, err
	}

	iocp, err := windows.CreateIoCompletionPort(windows.InvalidHandle, 0, 0, uint32(cfg.concurrencyHint))
	if err != nil {
		return nil, err
	}

	return &Proactor{
		iocp:     iocp,
		inflight: make(map[*ProactorOp]struct{}),
		log:      cfg.logger,
	}, nil
}

// RegisterHandle associates a native handle with the completion port.
func (p *Proactor) RegisterHandle(h windows.Handle) error {
	_, err := windows.CreateIoCompletionPort(h, p.iocp, 0, 0)
	return err
}

// Close shuts the engine down and releases the completion port.
func (p *Proactor) Close() error {
	p.Shutdown()
	return windows.CloseHandle(p.iocp)
}

// Shutdown drains the completion port, destroying every observed
// operation without running its completion body, until no operation
// remains outstanding. After it returns, no further completion will be
// scheduled.
func (p *Proactor) Shutdown() {
	if p.shutdown.Swap(true) {
		return
	}

	for p.outstandingOperations.Load() > 0 {
		var qty uint32
		var key uintptr
		var overlapped *windows.Overlapped
		_ = windows.GetQueuedCompletionStatus(p.iocp, &qty, &key, &overlapped, windows.INFINITE)
		if overlapped != nil {
			op := opFromOverlapped(overlapped)
			p.unpin(op)
			op.destroyOp()
		}
	}

	p.timerMu.Lock()
	destroyed := 0
	for _, q := range p.timerQueues {
		destroyed += q.destroy()
	}
	p.timerQueues = nil
	p.timerMu.Unlock()
	p.outstandingWork.Add(int64(-destroyed))
}

// --- Engine surface ---

// Run drives the engine until it is stopped or runs out of work.
// Returns the number of completions dispatched by this goroutine.
func (p *Proactor) Run() (int, error) {
	if p.outstandingWork.Load() == 0 {
		return 0, nil
	}

	id := p.running.enter()
	defer p.running.exit(id)

	n := 0
	for {
		c, err := p.doOne(true)
		n += c
		if err != nil || c == 0 {
			return n, err
		}
	}
}

// RunOne blocks until one completion is dispatched or the engine
// stops.
func (p *Proactor) RunOne() (int, error) {
	if p.outstandingWork.Load() == 0 {
		return 0, nil
	}

	id := p.running.enter()
	defer p.running.exit(id)

	return p.doOne(true)
}

// Poll dispatches every completion already queued, without blocking.
func (p *Proactor) Poll() (int, error) {
	if p.outstandingWork.Load() == 0 {
		return 0, nil
	}

	id := p.running.enter()
	defer p.running.exit(id)

	n := 0
	for {
		c, err := p.doOne(false)
		n += c
		if err != nil || c == 0 {
			return n, err
		}
	}
}

// PollOne dispatches at most one queued completion without blocking.
func (p *Proactor) PollOne() (int, error) {
	if p.outstandingWork.Load() == 0 {
		return 0, nil
	}

	id := p.running.enter()
	defer p.running.exit(id)

	return p.doOne(false)
}

// Stop makes all goroutines inside Run return. One-shot, idempotent.
// Fails only if the wake-up post to the completion port fails.
func (p *Proactor) Stop() error {
	if !p.stopped.Swap(true) {
		if err := windows.PostQueuedCompletionStatus(p.iocp, 0, 0, nil); err != nil {
			return err
		}
	}
	return nil
}

// Reset clears the stopped flag in preparation for another Run.
func (p *Proactor) Reset() {
	p.stopped.Store(false)
}

// Stopped reports whether Stop has been called since the last Reset.
func (p *Proactor) Stopped() bool {
	return p.stopped.Load()
}

// WorkStarted marks the beginning of user-visible outstanding work.
func (p *Proactor) WorkStarted() {
	p.outstandingWork.Add(1)
}

// WorkFinished ends work begun with WorkStarted. When the counter
// reaches zero the engine stops, releasing every blocked Run.
func (p *Proactor) WorkFinished() {
	if p.outstandingWork.Add(-1) == 0 {
		if err := p.Stop(); err != nil {
			p.log.Err().Err(err).Log("failed to post zero-work completion")
		}
	}
}

// Post queues fn for invocation by a goroutine driving the engine.
func (p *Proactor) Post(fn func()) error {
	if p.shutdown.Load() {
		return ErrEngineShutdown
	}

	op := p.newOp(func(error, int) { fn() }, nil)
	op.ownsWork = true
	p.WorkStarted()

	if err := windows.PostQueuedCompletionStatus(p.iocp, 0, 0, &op.overlapped); err != nil {
		p.unpin(op)
		op.destroyOp()
		return err
	}
	return nil
}

// Dispatch runs fn immediately when the calling goroutine is already
// inside the engine, and posts it otherwise.
func (p *Proactor) Dispatch(fn func()) error {
	if p.running.contains() {
		fn()
		return nil
	}
	return p.Post(fn)
}

// PostCompletion requeues an operation on the completion port with an
// explicit result. Engine posts carry the authoritative error in the
// completion key; real I/O completions carry it in the OS last error.
func (p *Proactor) PostCompletion(op *ProactorOp, opErr syscall.Errno, bytesTransferred uint32) error {
	return windows.PostQueuedCompletionStatus(p.iocp, bytesTransferred, uintptr(opErr), &op.overlapped)
}

// --- Timer operations ---

// AddTimerQueue attaches a timer queue to the engine.
func (p *Proactor) AddTimerQueue(q *TimerQueue) {
	p.timerMu.Lock()
	p.timerQueues = append(p.timerQueues, q)
	p.timerMu.Unlock()
}

// RemoveTimerQueue detaches a timer queue, destroying pending entries
// without running them.
func (p *Proactor) RemoveTimerQueue(q *TimerQueue) {
	p.timerMu.Lock()
	for i, cand := range p.timerQueues {
		if cand == q {
			p.timerQueues = append(p.timerQueues[:i], p.timerQueues[i+1:]...)
			p.outstandingWork.Add(int64(-q.destroy()))
			break
		}
	}
	p.timerMu.Unlock()
}

// ScheduleTimer schedules fn to run at the given absolute time. If
// the new deadline becomes the earliest, the current timer goroutine
// is interrupted so the shorter wait is honoured. Discarded silently
// after shutdown.
func (p *Proactor) ScheduleTimer(q *TimerQueue, when time.Time, fn Completion, token TimerToken) {
	if p.shutdown.Load() {
		return
	}

	p.timerMu.Lock()
	newHead := q.enqueue(when, fn, token)
	p.outstandingWork.Add(1)
	interrupt := newHead && !p.timerInterruptIssued
	if interrupt {
		p.timerInterruptIssued = true
	}
	p.timerMu.Unlock()

	if interrupt {
		_ = windows.PostQueuedCompletionStatus(p.iocp, 0, stealTimerDispatching, nil)
	}
}

// CancelTimer removes every timer scheduled with the token, queueing
// each handler with ErrOperationAborted, and returns the number
// removed. A timer that observed its cancellation cannot later fire
// normally.
func (p *Proactor) CancelTimer(q *TimerQueue, token TimerToken) int {
	if p.shutdown.Load() {
		return 0
	}

	p.timerMu.Lock()
	n := q.cancel(token)
	interrupt := n > 0 && !p.timerInterruptIssued
	if interrupt {
		p.timerInterruptIssued = true
	}
	p.timerMu.Unlock()

	if interrupt {
		_ = windows.PostQueuedCompletionStatus(p.iocp, 0, stealTimerDispatching, nil)
	}
	return n
}

// --- Core loop ---

// doOne dequeues at most one operation from the completion port and
// executes it. Returns the number of operations dequeued (0 or 1).
func (p *Proactor) doOne(block bool) (int, error) {
	gid := getGoroutineID()

	for {
		// Try to acquire responsibility for dispatching timers.
		dispatchingTimers := p.timerGoroutine.CompareAndSwap(0, gid)

		timeout := uint32(proactorMaxTimeoutMs)
		if dispatchingTimers {
			p.timerMu.Lock()
			p.timerInterruptIssued = false
			timeout = p.timeoutLocked()
			p.timerMu.Unlock()
		}
		if !block {
			timeout = 0
		}

		var qty uint32
		var key uintptr
		var overlapped *windows.Overlapped
		gqcsErr := windows.GetQueuedCompletionStatus(p.iocp, &qty, &key, &overlapped, timeout)

		if dispatchingTimers {
			p.runTimers(gid)
		}

		switch {
		case overlapped == nil && gqcsErr != nil:
			if block && gqcsErr == syscall.Errno(windows.WAIT_TIMEOUT) {
				// Relinquish timer responsibility; the next iteration
				// may re-elect.
				if dispatchingTimers {
					p.timerGoroutine.CompareAndSwap(gid, 0)
				}
				continue
			}
			if dispatchingTimers && p.timerGoroutine.CompareAndSwap(gid, 0) {
				_ = windows.PostQueuedCompletionStatus(p.iocp, 0, transferTimerDispatching, nil)
			}
			return 0, nil

		case overlapped != nil:
			// A failure posted by the engine carries its error in the
			// completion key; prefer it when the OS reports none.
			opErr := gqcsErr
			if opErr == nil && key != 0 {
				opErr = syscall.Errno(key)
			}

			if dispatchingTimers && p.timerGoroutine.CompareAndSwap(gid, 0) {
				_ = windows.PostQueuedCompletionStatus(p.iocp, 0, transferTimerDispatching, nil)
			}

			// Hold work open across the upcall so the engine cannot
			// decide it is idle mid-dispatch.
			p.WorkStarted()
			op := opFromOverlapped(overlapped)
			p.unpin(op)
			op.invoke(mapOSError(opErr), int(qty))
			p.WorkFinished()
			return 1, nil

		case key == transferTimerDispatching:
			// Woken to try to acquire timer responsibility.
			p.timerGoroutine.CompareAndSwap(gid, 0)

		case key == stealTimerDispatching:
			// Force the current owner to re-elect against the updated
			// heap.
			p.timerGoroutine.Store(0)

		default:
			if dispatchingTimers {
				p.timerGoroutine.CompareAndSwap(gid, 0)
			}

			// Always check stopped, so leftover wake-ups from a prior
			// run invocation are ignored.
			if p.stopped.Load() {
				// Wake the next goroutine blocked on the port.
				if err := windows.PostQueuedCompletionStatus(p.iocp, 0, 0, nil); err != nil {
					return 0, err
				}
				return 0, nil
			}
		}
	}
}

// runTimers dispatches expired and cancelled timers. If a handler
// panics, timer responsibility transfers to another goroutine before
// the panic propagates.
func (p *Proactor) runTimers(gid uint64) {
	defer func() {
		if r := recover(); r != nil {
			if p.timerGoroutine.CompareAndSwap(gid, 0) {
				_ = windows.PostQueuedCompletionStatus(p.iocp, 0, transferTimerDispatching, nil)
			}
			panic(r)
		}
	}()

	var batch []completedOp
	now := time.Now()
	p.timerMu.Lock()
	for _, q := range p.timerQueues {
		q.dispatchTimers(now)
		q.dispatchCancellations()
		batch = q.takeReady(batch)
	}
	p.timerMu.Unlock()

	for i := range batch {
		batch[i].invoke()
		p.WorkFinished()
	}
}

// timeoutLocked computes the wait in milliseconds: 0 once a deadline
// has passed, otherwise the time to the earliest deadline capped at
// proactorMaxTimeoutMs and truncated to whole milliseconds, with a
// positive wait under 1ms raised to 1ms.
func (p *Proactor) timeoutLocked() uint32 {
	empty := true
	for _, q := range p.timerQueues {
		if !q.empty() {
			empty = false
			break
		}
	}
	if empty {
		return proactorMaxTimeoutMs
	}

	now := time.Now()
	minWait := time.Duration(proactorMaxTimeoutMs) * time.Millisecond
	for _, q := range p.timerQueues {
		if d := q.waitDuration(minWait, now); d < minWait {
			minWait = d
		}
	}
	if minWait <= 0 {
		return 0
	}
	ms := minWait.Milliseconds()
	if ms <= 0 {
		return 1
	}
	return uint32(ms)
}

// --- Operations ---

// NewOp allocates an operation bound to this engine. The completion
// runs exactly once with the dequeued result; destroy, if set, runs
// instead when the engine shuts down before dispatch.
func (p *Proactor) NewOp(complete func(err error, n int), destroy func()) *ProactorOp {
	return p.newOp(complete, destroy)
}

func (p *Proactor) newOp(complete func(err error, n int), destroy func()) *ProactorOp {
	return p.initOp(nil, complete, destroy)
}

// initOp arms op (allocating when nil, so services can pool their
// operation objects), pins it, and counts it outstanding.
func (p *Proactor) initOp(op *ProactorOp, complete func(err error, n int), destroy func()) *ProactorOp {
	if op == nil {
		op = &ProactorOp{}
	}
	op.overlapped = windows.Overlapped{}
	op.complete = complete
	op.destroy = destroy
	op.proactor = p
	op.ownsWork = false
	p.outstandingOperations.Add(1)
	p.inflightMu.Lock()
	p.inflight[op] = struct{}{}
	p.inflightMu.Unlock()
	return op
}

func (p *Proactor) unpin(op *ProactorOp) {
	p.inflightMu.Lock()
	delete(p.inflight, op)
	p.inflightMu.Unlock()
}

// invoke runs the completion entry and retires the operation.
func (op *ProactorOp) invoke(err error, n int) {
	p := op.proactor
	if op.ownsWork {
		defer p.WorkFinished()
	}
	defer p.outstandingOperations.Add(-1)
	if op.complete != nil {
		op.complete(err, n)
	}
}

// destroyOp retires the operation without running its completion
// body. The destroy entry runs exactly once.
func (op *ProactorOp) destroyOp() {
	p := op.proactor
	if op.destroy != nil {
		op.destroy()
	}
	if op.ownsWork {
		p.outstandingWork.Add(-1)
	}
	p.outstandingOperations.Add(-1)
}

func opFromOverlapped(overlapped *windows.Overlapped) *ProactorOp {
	return (*ProactorOp)(unsafe.Pointer(overlapped))
}

// mapOSError converts dequeued OS errors to the engine taxonomy:
// end-of-stream becomes io.EOF, cancellation becomes
// ErrOperationAborted, anything else is carried verbatim.
func mapOSError(err error) error {
	switch err {
	case nil:
		return nil
	case windows.ERROR_HANDLE_EOF:
		return io.EOF
	case windows.ERROR_OPERATION_ABORTED:
		return ErrOperationAborted
	}
	return err
}
