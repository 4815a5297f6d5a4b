//go:build linux

package asyncio

import (
	"runtime"
	"sync"
	"time"

	"github.com/joeycumines/logiface"
	"golang.org/x/sys/unix"
)

const (
	// Longest epoll wait. Bounds how long a wall-clock adjustment can
	// go unnoticed while a far-future timer is pending.
	reactorMaxTimeout = 5 * time.Minute

	// Readiness events retrieved per epoll_wait call.
	epollBatchSize = 128
)

// PerDescriptorData is the reactor's per-descriptor state. The
// speculative flags enable the fast path that attempts an operation
// before touching the kernel interest set. A flag is cleared when an
// operation is queued in its direction; it is not set again when that
// queue drains, but by the next start in that direction that finds
// the queue empty.
type PerDescriptorData struct {
	allowSpeculativeRead  bool
	allowSpeculativeWrite bool
}

// Reactor is the readiness-based engine. Descriptor interest is
// multiplexed through one epoll instance; worker goroutines calling
// Run block in epoll_wait, perform ready operations, and invoke their
// completions. Several goroutines may drive one Reactor concurrently.
type Reactor struct {
	// Prevent copying
	_ [0]func()

	mu sync.Mutex

	epfd        int
	interrupter *interrupter

	readOps   *opQueue
	writeOps  *opQueue
	exceptOps *opQueue

	timerQueues []*TimerQueue

	// Descriptors whose cancellation was requested between runs.
	pendingCancellations []int

	// Completions staged for invocation outside the lock. Every
	// source (op queues, timer queues, Post) funnels through here.
	ready []completedOp

	// Handlers queued by Post, merged into ready each pass.
	posted []completedOp

	outstandingWork int64

	waitersInProgress int
	needEpollWait     bool
	stopped           bool
	shutdown          bool

	running goroutineSet

	log *logiface.Logger[logiface.Event]
}

// NewReactor creates a reactor. Construction fails only if the epoll
// instance or the interrupter cannot be created; either failure is
// fatal, there is no degraded mode.
func NewReactor(opts ...Option) (*Reactor, error) {
	cfg, err := resolveEngineOptions(opts)
	if err != nil {
		return nil, err
	}

	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}

	intr, err := newInterrupter()
	if err != nil {
		_ = unix.Close(epfd)
		return nil, err
	}

	r := &Reactor{
		epfd:          epfd,
		interrupter:   intr,
		readOps:       newOpQueue(),
		writeOps:      newOpQueue(),
		exceptOps:     newOpQueue(),
		needEpollWait: true,
		log:           cfg.logger,
	}

	ev := unix.EpollEvent{
		Events: unix.EPOLLIN | unix.EPOLLERR,
		Fd:     int32(intr.readDescriptor()),
	}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, intr.readDescriptor(), &ev); err != nil {
		intr.close()
		_ = unix.Close(epfd)
		return nil, err
	}

	return r, nil
}

// Close shuts the engine down and releases the multiplexer. Order:
// stop and wake the workers, destroy queued operations and timers,
// close the epoll descriptor.
func (r *Reactor) Close() error {
	r.ShutdownService()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.interrupter.close()
	if r.epfd >= 0 {
		err := unix.Close(r.epfd)
		r.epfd = -1
		return err
	}
	return nil
}

// ShutdownService stops the engine and destroys every queued
// operation and timer without running its handler. After it returns,
// no further completion will be scheduled; completions already staged
// are still delivered to a running worker.
func (r *Reactor) ShutdownService() {
	r.mu.Lock()
	if r.shutdown {
		r.mu.Unlock()
		return
	}
	r.shutdown = true
	r.stopped = true

	destroyed := r.readOps.destroy() + r.writeOps.destroy() + r.exceptOps.destroy()
	for _, q := range r.timerQueues {
		destroyed += q.destroy()
	}
	r.timerQueues = nil
	destroyed += len(r.posted)
	r.posted = nil
	r.outstandingWork -= int64(destroyed)

	wake := r.waitersInProgress > 0
	r.mu.Unlock()
	if wake {
		r.interrupter.interrupt()
	}
	if destroyed > 0 {
		r.log.Debug().Int("handlers", destroyed).Log("destroyed unexecuted handlers at shutdown")
	}
}

// --- Engine surface ---

// Run drives the engine until it is stopped or runs out of work.
// Returns the number of completions dispatched by this goroutine.
func (r *Reactor) Run() int {
	// epoll readiness delivery requires thread affinity for the
	// duration of the wait.
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	id := r.running.enter()
	defer r.running.exit(id)

	n := 0
	for {
		c, more := r.runPass(true, -1)
		n += c
		if !more {
			return n
		}
	}
}

// RunOne blocks until one completion is dispatched, the engine is
// stopped, or there is no work.
func (r *Reactor) RunOne() int {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	id := r.running.enter()
	defer r.running.exit(id)

	for {
		c, more := r.runPass(true, 1)
		if c > 0 || !more {
			return c
		}
	}
}

// Poll dispatches every completion that is ready without blocking.
func (r *Reactor) Poll() int {
	id := r.running.enter()
	defer r.running.exit(id)

	n := 0
	for {
		c, more := r.runPass(false, -1)
		n += c
		if c == 0 || !more {
			return n
		}
	}
}

// PollOne dispatches at most one ready completion without blocking.
func (r *Reactor) PollOne() int {
	id := r.running.enter()
	defer r.running.exit(id)

	c, _ := r.runPass(false, 1)
	return c
}

// Stop makes all goroutines inside Run return as soon as their
// in-flight completions finish. One-shot and idempotent.
func (r *Reactor) Stop() {
	r.mu.Lock()
	r.stopped = true
	wake := r.waitersInProgress > 0
	r.mu.Unlock()
	if wake {
		r.interrupter.interrupt()
	}
}

// Reset clears the stopped flag in preparation for another Run.
func (r *Reactor) Reset() {
	r.mu.Lock()
	r.stopped = false
	r.mu.Unlock()
}

// Stopped reports whether Stop has been called since the last Reset.
func (r *Reactor) Stopped() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stopped
}

// Post queues fn for invocation by a goroutine driving the engine.
func (r *Reactor) Post(fn func()) error {
	r.mu.Lock()
	if r.shutdown {
		r.mu.Unlock()
		return ErrEngineShutdown
	}
	r.posted = append(r.posted, completedOp{fn: func(error, int) { fn() }})
	r.outstandingWork++
	wake := r.waitersInProgress > 0
	r.mu.Unlock()
	if wake {
		r.interrupter.interrupt()
	}
	return nil
}

// Dispatch runs fn immediately when the calling goroutine is already
// inside the engine, and posts it otherwise.
func (r *Reactor) Dispatch(fn func()) error {
	if r.running.contains() {
		fn()
		return nil
	}
	return r.Post(fn)
}

// WorkStarted marks the beginning of user-visible outstanding work,
// keeping Run from returning while it is pending.
func (r *Reactor) WorkStarted() {
	r.mu.Lock()
	r.outstandingWork++
	r.mu.Unlock()
}

// WorkFinished ends work begun with WorkStarted.
func (r *Reactor) WorkFinished() {
	r.mu.Lock()
	r.outstandingWork--
	wake := r.outstandingWork == 0 && r.waitersInProgress > 0
	r.mu.Unlock()
	if wake {
		r.interrupter.interrupt()
	}
}

// --- Timer operations ---

// AddTimerQueue attaches a timer queue to the engine.
func (r *Reactor) AddTimerQueue(q *TimerQueue) {
	r.mu.Lock()
	r.timerQueues = append(r.timerQueues, q)
	r.mu.Unlock()
}

// RemoveTimerQueue detaches a timer queue. Pending entries are
// destroyed without running.
func (r *Reactor) RemoveTimerQueue(q *TimerQueue) {
	r.mu.Lock()
	for i, cand := range r.timerQueues {
		if cand == q {
			r.timerQueues = append(r.timerQueues[:i], r.timerQueues[i+1:]...)
			r.outstandingWork -= int64(q.destroy())
			break
		}
	}
	r.mu.Unlock()
}

// ScheduleTimer schedules fn to run at the given absolute time. The
// token addresses the timer for CancelTimer. Discarded silently after
// shutdown.
func (r *Reactor) ScheduleTimer(q *TimerQueue, when time.Time, fn Completion, token TimerToken) {
	r.mu.Lock()
	if r.shutdown {
		r.mu.Unlock()
		return
	}
	newHead := q.enqueue(when, fn, token)
	r.outstandingWork++
	wake := newHead && r.waitersInProgress > 0
	r.mu.Unlock()
	if wake {
		r.interrupter.interrupt()
	}
}

// CancelTimer removes every timer scheduled with the token, queueing
// each handler with ErrOperationAborted. Returns the number removed.
// A timer that observed its cancellation cannot later fire normally.
func (r *Reactor) CancelTimer(q *TimerQueue, token TimerToken) int {
	r.mu.Lock()
	n := q.cancel(token)
	wake := n > 0 && r.waitersInProgress > 0
	r.mu.Unlock()
	if wake {
		r.interrupter.interrupt()
	}
	return n
}

// --- Descriptor operations ---

// RegisterDescriptor adds a descriptor to the interest set with no
// events armed and resets its speculative state.
func (r *Reactor) RegisterDescriptor(fd int, data *PerDescriptorData) error {
	data.allowSpeculativeRead = true
	data.allowSpeculativeWrite = true

	ev := unix.EpollEvent{Fd: int32(fd)}
	return unix.EpollCtl(r.epfd, unix.EPOLL_CTL_ADD, fd, &ev)
}

// CloseDescriptor removes the descriptor's registration and cancels
// every outstanding operation on it.
func (r *Reactor) CloseDescriptor(fd int, _ *PerDescriptorData) {
	r.mu.Lock()
	_ = unix.EpollCtl(r.epfd, unix.EPOLL_CTL_DEL, fd, nil)
	r.requestCancelLocked(fd)
	r.mu.Unlock()
}

// CancelOps moves every operation queued on the descriptor to the
// ready queue with ErrOperationAborted. The caller is not told
// synchronously whether any handler was cancelled.
func (r *Reactor) CancelOps(fd int, _ *PerDescriptorData) {
	r.mu.Lock()
	r.requestCancelLocked(fd)
	r.mu.Unlock()
}

// requestCancelLocked cancels immediately when no wait is in flight;
// otherwise the descriptor joins the pending list and the wait is
// interrupted, so the cancellation is issued by the woken pass rather
// than racing its event dispatch.
func (r *Reactor) requestCancelLocked(fd int) {
	if r.waitersInProgress > 0 {
		r.pendingCancellations = append(r.pendingCancellations, fd)
		r.interrupter.interrupt()
		return
	}
	r.cancelOpsLocked(fd)
}

func (r *Reactor) cancelOpsLocked(fd int) bool {
	interrupt := r.readOps.cancelOperations(fd)
	interrupt = r.writeOps.cancelOperations(fd) || interrupt
	interrupt = r.exceptOps.cancelOperations(fd) || interrupt
	return interrupt
}

// StartReadOp starts an asynchronous read-direction operation. When
// the speculative fast path is open and allowSpeculative is true, the
// operation is attempted before registering kernel interest; success
// completes inline with no syscall beyond the I/O itself.
func (r *Reactor) StartReadOp(fd int, data *PerDescriptorData, op *ReactorOp, allowSpeculative bool) {
	if allowSpeculative && data.allowSpeculativeRead {
		if done, n, err := op.perform(); done {
			op.complete(err, n)
			return
		}
		// One shot at a speculative read before taking the lock.
		allowSpeculative = false
	}

	r.mu.Lock()

	if r.shutdown {
		r.mu.Unlock()
		return
	}

	if !allowSpeculative {
		r.needEpollWait = true
	} else if !r.readOps.hasOperation(fd) {
		// No queued reads, so a speculative attempt is still sound.
		data.allowSpeculativeRead = true
		if done, n, err := op.perform(); done {
			r.mu.Unlock()
			op.complete(err, n)
			return
		}
	}

	// A queue is forming; later reads must go through the kernel.
	data.allowSpeculativeRead = false

	if r.readOps.enqueue(fd, op) {
		r.updateInterestLocked(fd, r.readOps, unix.EPOLLIN)
	}
	r.outstandingWork++
	r.mu.Unlock()
}

// StartWriteOp starts an asynchronous write-direction operation, with
// the same speculative contract as StartReadOp.
func (r *Reactor) StartWriteOp(fd int, data *PerDescriptorData, op *ReactorOp, allowSpeculative bool) {
	if allowSpeculative && data.allowSpeculativeWrite {
		if done, n, err := op.perform(); done {
			op.complete(err, n)
			return
		}
		allowSpeculative = false
	}

	r.mu.Lock()

	if r.shutdown {
		r.mu.Unlock()
		return
	}

	if !allowSpeculative {
		r.needEpollWait = true
	} else if !r.writeOps.hasOperation(fd) {
		data.allowSpeculativeWrite = true
		if done, n, err := op.perform(); done {
			r.mu.Unlock()
			op.complete(err, n)
			return
		}
	}

	data.allowSpeculativeWrite = false

	if r.writeOps.enqueue(fd, op) {
		r.updateInterestLocked(fd, r.writeOps, unix.EPOLLOUT)
	}
	r.outstandingWork++
	r.mu.Unlock()
}

// StartExceptOp starts an operation waiting for exceptional
// (out-of-band) readiness. Never speculative.
func (r *Reactor) StartExceptOp(fd int, _ *PerDescriptorData, op *ReactorOp) {
	r.mu.Lock()

	if r.shutdown {
		r.mu.Unlock()
		return
	}

	if r.exceptOps.enqueue(fd, op) {
		r.updateInterestLocked(fd, r.exceptOps, unix.EPOLLPRI)
	}
	r.outstandingWork++
	r.mu.Unlock()
}

// StartConnectOp starts a connection-establishment operation: a
// write-direction wait with speculation disabled, since connect
// readiness is only meaningful after the kernel reports it.
func (r *Reactor) StartConnectOp(fd int, data *PerDescriptorData, op *ReactorOp) {
	r.mu.Lock()

	if r.shutdown {
		r.mu.Unlock()
		return
	}

	data.allowSpeculativeWrite = false

	if r.writeOps.enqueue(fd, op) {
		r.updateInterestLocked(fd, r.writeOps, unix.EPOLLOUT)
	}
	r.outstandingWork++
	r.mu.Unlock()
}

// updateInterestLocked arms the descriptor's interest mask as the
// union of its non-empty queues, with the queue that just gained its
// first entry named by q/direction. MOD falls back to ADD on ENOENT to
// absorb races with CloseDescriptor on another goroutine; any other
// failure drains every queue of the descriptor with the system error.
func (r *Reactor) updateInterestLocked(fd int, q *opQueue, direction uint32) {
	ev := unix.EpollEvent{
		Events: direction | unix.EPOLLERR | unix.EPOLLHUP,
		Fd:     int32(fd),
	}
	if q != r.readOps && r.readOps.hasOperation(fd) {
		ev.Events |= unix.EPOLLIN
	}
	if q != r.writeOps && r.writeOps.hasOperation(fd) {
		ev.Events |= unix.EPOLLOUT
	}
	if q != r.exceptOps && r.exceptOps.hasOperation(fd) {
		ev.Events |= unix.EPOLLPRI
	}

	err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_MOD, fd, &ev)
	if err == unix.ENOENT {
		err = unix.EpollCtl(r.epfd, unix.EPOLL_CTL_ADD, fd, &ev)
	}
	if err != nil {
		r.readOps.performAllOperations(fd, err)
		r.writeOps.performAllOperations(fd, err)
		r.exceptOps.performAllOperations(fd, err)
		if r.waitersInProgress > 0 {
			r.interrupter.interrupt()
		}
	}
}

// --- Core loop ---

// runPass is one iteration of the engine: drain cancellations, wait
// for readiness, perform ready operations, dispatch timers, and
// finally invoke up to max staged completions outside the lock.
// Returns the number dispatched and whether the caller should keep
// iterating.
func (r *Reactor) runPass(block bool, max int) (int, bool) {
	r.mu.Lock()

	// Dispatch cancellations made while no pass was running.
	r.performCancellationsLocked()

	if r.stopped || r.shutdown {
		// Already-completed operations still flush; handlers merely
		// posted stay queued for the next Run after Reset.
		batch := r.collectReadyLocked(max, false)
		r.mu.Unlock()
		return r.runBatch(batch), false
	}

	if r.outstandingWork == 0 {
		r.mu.Unlock()
		return 0, false
	}

	// Staged completions take precedence over another kernel wait.
	if batch := r.collectReadyLocked(max, true); len(batch) > 0 {
		r.mu.Unlock()
		return r.runBatch(batch), true
	}

	if !block && r.readOps.empty() && r.writeOps.empty() && r.exceptOps.empty() && r.allTimerQueuesEmptyLocked() {
		r.mu.Unlock()
		return 0, true
	}

	timeout := 0
	if block {
		timeout = r.timeoutLocked()
	}

	r.waitersInProgress++
	needWait := block || r.needEpollWait
	r.mu.Unlock()

	var events [epollBatchSize]unix.EpollEvent
	numEvents := 0
	if needWait {
		n, err := unix.EpollWait(r.epfd, events[:], timeout)
		if err == nil {
			numEvents = n
		} else if err != unix.EINTR {
			r.log.Err().Err(err).Log("epoll_wait failed")
			r.mu.Lock()
			r.waitersInProgress--
			r.stopped = true
			batch := r.collectReadyLocked(max, false)
			r.mu.Unlock()
			return r.runBatch(batch), false
		}
	}

	r.mu.Lock()
	r.waitersInProgress--

	for i := 0; i < numEvents; i++ {
		fd := int(events[i].Fd)
		if fd == r.interrupter.readDescriptor() {
			r.interrupter.reset()
			continue
		}

		flags := events[i].Events

		// Except operations run first so out-of-band data is read
		// before normal data.
		var moreExcept, moreReads, moreWrites bool
		if flags&(unix.EPOLLPRI|unix.EPOLLERR|unix.EPOLLHUP) != 0 {
			moreExcept = r.exceptOps.performOperation(fd)
		} else {
			moreExcept = r.exceptOps.hasOperation(fd)
		}
		if flags&(unix.EPOLLIN|unix.EPOLLERR|unix.EPOLLHUP) != 0 {
			moreReads = r.readOps.performOperation(fd)
		} else {
			moreReads = r.readOps.hasOperation(fd)
		}
		if flags&(unix.EPOLLOUT|unix.EPOLLERR|unix.EPOLLHUP) != 0 {
			moreWrites = r.writeOps.performOperation(fd)
		} else {
			moreWrites = r.writeOps.hasOperation(fd)
		}

		if flags&(unix.EPOLLERR|unix.EPOLLHUP) != 0 &&
			flags&^uint32(unix.EPOLLERR|unix.EPOLLHUP) == 0 &&
			!moreExcept && !moreReads && !moreWrites {
			// A bare HUP/ERR with no operations left: drop the
			// descriptor from the interest set, or epoll_wait will
			// report it again immediately and the loop will spin.
			_ = unix.EpollCtl(r.epfd, unix.EPOLL_CTL_DEL, fd, nil)
		} else {
			ev := unix.EpollEvent{
				Events: unix.EPOLLERR | unix.EPOLLHUP,
				Fd:     int32(fd),
			}
			if moreReads {
				ev.Events |= unix.EPOLLIN
			}
			if moreWrites {
				ev.Events |= unix.EPOLLOUT
			}
			if moreExcept {
				ev.Events |= unix.EPOLLPRI
			}
			err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_MOD, fd, &ev)
			if err == unix.ENOENT {
				err = unix.EpollCtl(r.epfd, unix.EPOLL_CTL_ADD, fd, &ev)
			}
			if err != nil {
				r.readOps.performAllOperations(fd, err)
				r.writeOps.performAllOperations(fd, err)
				r.exceptOps.performAllOperations(fd, err)
			}
		}
	}

	now := time.Now()
	for _, q := range r.timerQueues {
		q.dispatchTimers(now)
		q.dispatchCancellations()
	}

	// Issue cancellations requested while the lock was released.
	for _, fd := range r.pendingCancellations {
		r.cancelOpsLocked(fd)
	}
	r.pendingCancellations = r.pendingCancellations[:0]
	r.performCancellationsLocked()

	// The speculative fast path may skip the next wait only while
	// every op-queue is empty.
	r.needEpollWait = !r.readOps.empty() || !r.writeOps.empty() || !r.exceptOps.empty()

	batch := r.collectReadyLocked(max, true)
	r.mu.Unlock()
	return r.runBatch(batch), true
}

func (r *Reactor) performCancellationsLocked() {
	r.readOps.performCancellations()
	r.writeOps.performCancellations()
	r.exceptOps.performCancellations()
	for _, q := range r.timerQueues {
		q.dispatchCancellations()
	}
}

func (r *Reactor) allTimerQueuesEmptyLocked() bool {
	for _, q := range r.timerQueues {
		if !q.empty() {
			return false
		}
	}
	return true
}

// timeoutLocked computes the epoll_wait timeout in milliseconds: -1
// (indefinite) with no timers, 0 once a deadline has passed, otherwise
// the time to the earliest deadline capped at reactorMaxTimeout and
// truncated to whole milliseconds, with a positive wait under 1ms
// raised to 1ms so it does not busy-spin.
func (r *Reactor) timeoutLocked() int {
	if r.allTimerQueuesEmptyLocked() {
		return -1
	}
	now := time.Now()
	minWait := reactorMaxTimeout
	for _, q := range r.timerQueues {
		if d := q.waitDuration(reactorMaxTimeout, now); d < minWait {
			minWait = d
		}
	}
	if minWait <= 0 {
		return 0
	}
	ms := int(minWait.Milliseconds())
	if ms <= 0 {
		return 1
	}
	return ms
}

// collectReadyLocked moves up to max staged completions (max<0 means
// all) into a batch the caller runs outside the lock.
func (r *Reactor) collectReadyLocked(max int, includePosted bool) []completedOp {
	r.ready = r.readOps.takeReady(r.ready)
	r.ready = r.writeOps.takeReady(r.ready)
	r.ready = r.exceptOps.takeReady(r.ready)
	for _, q := range r.timerQueues {
		r.ready = q.takeReady(r.ready)
	}
	if includePosted {
		r.ready = append(r.ready, r.posted...)
		clear(r.posted)
		r.posted = r.posted[:0]
	}

	if len(r.ready) == 0 {
		return nil
	}
	take := len(r.ready)
	if max >= 0 && max < take {
		take = max
	}
	batch := make([]completedOp, take)
	copy(batch, r.ready[:take])
	rest := copy(r.ready, r.ready[take:])
	clear(r.ready[rest:])
	r.ready = r.ready[:rest]
	return batch
}

// runBatch invokes a collected batch without the lock and settles the
// work accounting.
func (r *Reactor) runBatch(batch []completedOp) int {
	if len(batch) == 0 {
		return 0
	}
	for i := range batch {
		batch[i].invoke()
	}
	r.mu.Lock()
	r.outstandingWork -= int64(len(batch))
	wake := r.outstandingWork == 0 && r.waitersInProgress > 0
	r.mu.Unlock()
	if wake {
		r.interrupter.interrupt()
	}
	return len(batch)
}
