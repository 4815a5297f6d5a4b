//go:build windows

package asyncio

import (
	"math"
	"sync"
	"syscall"

	"golang.org/x/sys/windows"
)

// HandleService owns the life cycle of user-visible I/O objects on
// the completion platform. Every constructed handle, open or not, is
// kept on an intrusive doubly-linked list (O(1) unlink) from
// Construct until Destroy, so Shutdown can close whichever are still
// open.
type HandleService struct {
	proactor  *Proactor
	allocator Allocator

	mu       sync.Mutex
	implList *Handle
	shutdown bool
}

// Handle is one user-visible I/O object: a native handle, the safe
// cancellation bookkeeping, and the service links. Construct with
// HandleService.Construct; the zero value is not usable.
type Handle struct {
	handle windows.Handle

	// Goroutine that started the handle's async operations: 0 while
	// none has, ^0 once two distinct goroutines have. Guards the
	// CancelIo fallback, which only reaches operations started from
	// the calling thread.
	safeCancellationGoroutine uint64

	next, prev *Handle
}

// NewHandleService creates a service bound to the proactor.
func NewHandleService(p *Proactor, opts ...Option) (*HandleService, error) {
	cfg, err := resolveEngineOptions(opts)
	if err != nil {
		return nil, err
	}
	return &HandleService{
		proactor:  p,
		allocator: cfg.allocator,
	}, nil
}

// Construct initialises h as a closed handle and links it into the
// service.
func (s *HandleService) Construct(h *Handle) {
	h.handle = windows.InvalidHandle
	h.safeCancellationGoroutine = 0

	s.mu.Lock()
	h.next = s.implList
	h.prev = nil
	if s.implList != nil {
		s.implList.prev = h
	}
	s.implList = h
	s.mu.Unlock()
}

// Destroy closes h if open and unlinks it from the service.
func (s *HandleService) Destroy(h *Handle) {
	_ = s.Close(h)

	s.mu.Lock()
	s.unlinkLocked(h)
	s.mu.Unlock()
}

func (s *HandleService) unlinkLocked(h *Handle) {
	if s.implList == h {
		s.implList = h.next
	}
	if h.prev != nil {
		h.prev.next = h.next
	}
	if h.next != nil {
		h.next.prev = h.prev
	}
	h.next = nil
	h.prev = nil
}

// Assign binds a native handle to h and associates it with the
// engine's completion port. Fails with ErrAlreadyOpen if h is already
// bound.
func (s *HandleService) Assign(h *Handle, native windows.Handle) error {
	s.mu.Lock()
	down := s.shutdown
	s.mu.Unlock()
	if down {
		return ErrEngineShutdown
	}
	if h.handle != windows.InvalidHandle {
		return ErrAlreadyOpen
	}
	if err := s.proactor.RegisterHandle(native); err != nil {
		return err
	}
	h.handle = native
	return nil
}

// IsOpen reports whether h is bound to a native handle.
func (s *HandleService) IsOpen(h *Handle) bool {
	return h.handle != windows.InvalidHandle
}

// Close closes the native handle. Outstanding operations complete
// with ErrOperationAborted as the kernel retires them.
func (s *HandleService) Close(h *Handle) error {
	if h.handle == windows.InvalidHandle {
		return nil
	}
	err := windows.CloseHandle(h.handle)
	h.handle = windows.InvalidHandle
	h.safeCancellationGoroutine = 0
	return err
}

// Cancel aborts the outstanding operations on h. When the OS lacks a
// cross-thread cancellation primitive and prior operations were
// started from more than one goroutine, it fails with
// ErrOperationNotSupported.
func (s *HandleService) Cancel(h *Handle) error {
	if h.handle == windows.InvalidHandle {
		return ErrBadDescriptor
	}

	// Cross-thread cancellation: the recorded goroutine is irrelevant
	// when it works.
	err := windows.CancelIoEx(h.handle, nil)
	switch err {
	case nil, windows.ERROR_NOT_FOUND:
		return nil
	case windows.ERROR_CALL_NOT_IMPLEMENTED, windows.ERROR_NOT_SUPPORTED, windows.ERROR_INVALID_FUNCTION:
		// Fall through to the recorded-thread path.
	default:
		return err
	}

	switch gid := getGoroutineID(); h.safeCancellationGoroutine {
	case 0:
		// No operations have been started, nothing to cancel.
		return nil
	case gid:
		// All operations were started from this goroutine, so CancelIo
		// reaches them.
		return windows.CancelIo(h.handle)
	default:
		return ErrOperationNotSupported
	}
}

// ReadSome reads into buf. It is ReadSomeAt with offset 0.
func (s *HandleService) ReadSome(h *Handle, buf []byte) (int, error) {
	return s.ReadSomeAt(h, 0, buf)
}

// ReadSomeAt reads into buf at an absolute offset, blocking the
// calling goroutine until the transfer completes. End-of-stream is
// io.EOF. A zero-length buf completes immediately with (0, nil).
func (s *HandleService) ReadSomeAt(h *Handle, offset int64, buf []byte) (int, error) {
	if h.handle == windows.InvalidHandle {
		return 0, ErrBadDescriptor
	}
	if len(buf) == 0 {
		return 0, nil
	}

	overlapped, event, err := newSyncOverlapped(offset)
	if err != nil {
		return 0, err
	}
	defer windows.CloseHandle(event)

	var done uint32
	err = windows.ReadFile(h.handle, buf, &done, overlapped)
	if err == windows.ERROR_IO_PENDING {
		if _, err = windows.WaitForSingleObject(event, windows.INFINITE); err != nil {
			return 0, err
		}
		err = windows.GetOverlappedResult(h.handle, overlapped, &done, false)
	}
	if err != nil {
		return int(done), mapOSError(err)
	}
	return int(done), nil
}

// WriteSome writes from buf. It is WriteSomeAt with offset 0.
func (s *HandleService) WriteSome(h *Handle, buf []byte) (int, error) {
	return s.WriteSomeAt(h, 0, buf)
}

// WriteSomeAt writes from buf at an absolute offset, blocking until
// the transfer completes. A zero-length buf completes immediately
// with (0, nil).
func (s *HandleService) WriteSomeAt(h *Handle, offset int64, buf []byte) (int, error) {
	if h.handle == windows.InvalidHandle {
		return 0, ErrBadDescriptor
	}
	if len(buf) == 0 {
		return 0, nil
	}

	overlapped, event, err := newSyncOverlapped(offset)
	if err != nil {
		return 0, err
	}
	defer windows.CloseHandle(event)

	var done uint32
	err = windows.WriteFile(h.handle, buf, &done, overlapped)
	if err == windows.ERROR_IO_PENDING {
		if _, err = windows.WaitForSingleObject(event, windows.INFINITE); err != nil {
			return 0, err
		}
		err = windows.GetOverlappedResult(h.handle, overlapped, &done, false)
	}
	if err != nil {
		return int(done), mapOSError(err)
	}
	return int(done), nil
}

// AsyncReadSome starts an asynchronous read. It is AsyncReadSomeAt
// with offset 0.
func (s *HandleService) AsyncReadSome(h *Handle, buf []byte, completion Completion) {
	s.AsyncReadSomeAt(h, 0, buf, completion)
}

// AsyncReadSomeAt starts an asynchronous read at an absolute offset.
// The completion observes the byte count, io.EOF at end-of-stream, or
// the error; it runs exactly once, on a goroutine driving the engine,
// unless the engine shuts down first, in which case only the
// operation's destroy entry runs.
func (s *HandleService) AsyncReadSomeAt(h *Handle, offset int64, buf []byte, completion Completion) {
	if h.handle == windows.InvalidHandle {
		s.postError(completion, ErrBadDescriptor)
		return
	}

	s.recordCancellationGoroutine(h)

	op := s.getOp(completion)
	op.overlapped.Offset = uint32(offset & math.MaxUint32)
	op.overlapped.OffsetHigh = uint32(offset >> 32)

	var done uint32
	err := windows.ReadFile(h.handle, buf, &done, &op.overlapped)
	if err != nil && err != windows.ERROR_IO_PENDING {
		// A rejected submission never reaches the port; requeue it by
		// hand with the error in the completion key.
		s.requeueFailed(op, err)
	}
}

// AsyncWriteSome starts an asynchronous write. It is AsyncWriteSomeAt
// with offset 0.
func (s *HandleService) AsyncWriteSome(h *Handle, buf []byte, completion Completion) {
	s.AsyncWriteSomeAt(h, 0, buf, completion)
}

// AsyncWriteSomeAt starts an asynchronous write at an absolute
// offset, with the same completion contract as AsyncReadSomeAt.
func (s *HandleService) AsyncWriteSomeAt(h *Handle, offset int64, buf []byte, completion Completion) {
	if h.handle == windows.InvalidHandle {
		s.postError(completion, ErrBadDescriptor)
		return
	}

	s.recordCancellationGoroutine(h)

	op := s.getOp(completion)
	op.overlapped.Offset = uint32(offset & math.MaxUint32)
	op.overlapped.OffsetHigh = uint32(offset >> 32)

	var done uint32
	err := windows.WriteFile(h.handle, buf, &done, &op.overlapped)
	if err != nil && err != windows.ERROR_IO_PENDING {
		s.requeueFailed(op, err)
	}
}

// Shutdown force-closes every handle still linked to the service.
func (s *HandleService) Shutdown() {
	s.mu.Lock()
	s.shutdown = true
	head := s.implList
	s.implList = nil
	s.mu.Unlock()

	for h := head; h != nil; {
		next := h.next
		h.next = nil
		h.prev = nil
		_ = s.Close(h)
		h = next
	}
}

// recordCancellationGoroutine widens the safe-cancellation record: the
// first starting goroutine is remembered; a second distinct one makes
// the record "many", after which the CancelIo fallback refuses.
func (s *HandleService) recordCancellationGoroutine(h *Handle) {
	gid := getGoroutineID()
	s.mu.Lock()
	if h.safeCancellationGoroutine == 0 {
		h.safeCancellationGoroutine = gid
	} else if h.safeCancellationGoroutine != gid {
		h.safeCancellationGoroutine = ^uint64(0)
	}
	s.mu.Unlock()
}

// getOp draws an operation object from the allocator and arms its
// completion to return itself after the upcall.
func (s *HandleService) getOp(completion Completion) *ProactorOp {
	recycled, _ := s.allocator.Get().(*ProactorOp)
	var op *ProactorOp
	op = s.proactor.initOp(recycled, func(err error, n int) {
		completion(err, n)
		op.complete = nil
		op.destroy = nil
		s.allocator.Put(op)
	}, nil)
	return op
}

func (s *HandleService) requeueFailed(op *ProactorOp, err error) {
	errno, ok := err.(syscall.Errno)
	if !ok {
		errno = windows.ERROR_GEN_FAILURE
	}
	if postErr := s.proactor.PostCompletion(op, errno, 0); postErr != nil {
		// The port is gone; retire the operation directly.
		s.proactor.unpin(op)
		op.invoke(mapOSError(err), 0)
	}
}

func (s *HandleService) postError(completion Completion, err error) {
	_ = s.proactor.Post(func() { completion(err, 0) })
}

// newSyncOverlapped builds an event-based OVERLAPPED for a blocking
// operation on a port-associated handle. The low bit set on the event
// handle suppresses the completion-port notification, so the engine
// never observes a foreign overlapped pointer.
func newSyncOverlapped(offset int64) (*windows.Overlapped, windows.Handle, error) {
	event, err := windows.CreateEvent(nil, 1, 0, nil)
	if err != nil {
		return nil, 0, err
	}
	return &windows.Overlapped{
		Offset:     uint32(offset & math.MaxUint32),
		OffsetHigh: uint32(offset >> 32),
		HEvent:     windows.Handle(uintptr(event) | 1),
	}, event, nil
}
