//go:build linux

package asyncio

import (
	"sync"

	"golang.org/x/sys/unix"
)

// DescriptorService owns the life cycle of user-visible I/O objects
// on the readiness platform: construction, assignment of a native
// descriptor, cancellation bookkeeping, and forced close at shutdown.
// Every constructed descriptor, open or not, is kept on an intrusive
// doubly-linked list (O(1) unlink) from Construct until Destroy, so
// Shutdown can close whichever are still open.
type DescriptorService struct {
	reactor   *Reactor
	allocator Allocator

	mu       sync.Mutex
	implList *Descriptor
	shutdown bool
}

// Descriptor is one user-visible I/O object: a native descriptor plus
// the reactor's per-descriptor state. Construct with
// DescriptorService.Construct; the zero value is not usable.
type Descriptor struct {
	fd   int
	data PerDescriptorData

	next, prev *Descriptor
}

// NewDescriptorService creates a service bound to the reactor.
func NewDescriptorService(r *Reactor, opts ...Option) (*DescriptorService, error) {
	cfg, err := resolveEngineOptions(opts)
	if err != nil {
		return nil, err
	}
	return &DescriptorService{
		reactor:   r,
		allocator: cfg.allocator,
	}, nil
}

// Construct initialises d as a closed descriptor and links it into
// the service.
func (s *DescriptorService) Construct(d *Descriptor) {
	d.fd = -1
	d.data = PerDescriptorData{}

	s.mu.Lock()
	d.next = s.implList
	d.prev = nil
	if s.implList != nil {
		s.implList.prev = d
	}
	s.implList = d
	s.mu.Unlock()
}

// Destroy closes d if open and unlinks it from the service.
func (s *DescriptorService) Destroy(d *Descriptor) {
	_ = s.Close(d)

	s.mu.Lock()
	s.unlinkLocked(d)
	s.mu.Unlock()
}

func (s *DescriptorService) unlinkLocked(d *Descriptor) {
	if s.implList == d {
		s.implList = d.next
	}
	if d.prev != nil {
		d.prev.next = d.next
	}
	if d.next != nil {
		d.next.prev = d.prev
	}
	d.next = nil
	d.prev = nil
}

// Assign binds a native descriptor to d, registers it with the
// reactor, and switches it to non-blocking mode. Fails with
// ErrAlreadyOpen if d is already bound.
func (s *DescriptorService) Assign(d *Descriptor, fd int) error {
	s.mu.Lock()
	down := s.shutdown
	s.mu.Unlock()
	if down {
		return ErrEngineShutdown
	}
	if d.fd >= 0 {
		return ErrAlreadyOpen
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		return err
	}
	if err := s.reactor.RegisterDescriptor(fd, &d.data); err != nil {
		return err
	}
	d.fd = fd
	return nil
}

// IsOpen reports whether d is bound to a descriptor.
func (s *DescriptorService) IsOpen(d *Descriptor) bool {
	return d.fd >= 0
}

// Close cancels outstanding operations (they complete with
// ErrOperationAborted) and closes the native descriptor.
func (s *DescriptorService) Close(d *Descriptor) error {
	if d.fd < 0 {
		return nil
	}
	s.reactor.CloseDescriptor(d.fd, &d.data)
	err := unix.Close(d.fd)
	d.fd = -1
	d.data = PerDescriptorData{}
	return err
}

// Cancel aborts every outstanding asynchronous operation on d.
func (s *DescriptorService) Cancel(d *Descriptor) error {
	if d.fd < 0 {
		return ErrBadDescriptor
	}
	s.reactor.CancelOps(d.fd, &d.data)
	return nil
}

// ReadSome reads into buf, blocking the calling goroutine until at
// least one byte arrives, end-of-stream (0, nil), or an error. A
// zero-length buf completes immediately with (0, nil).
func (s *DescriptorService) ReadSome(d *Descriptor, buf []byte) (int, error) {
	if d.fd < 0 {
		return 0, ErrBadDescriptor
	}
	if len(buf) == 0 {
		return 0, nil
	}
	for {
		n, err := unix.Read(d.fd, buf)
		switch err {
		case nil:
			return n, nil
		case unix.EINTR:
		case unix.EAGAIN:
			if err := pollWait(d.fd, unix.POLLIN); err != nil {
				return 0, err
			}
		default:
			return 0, err
		}
	}
}

// WriteSome writes from buf, blocking until at least one byte is
// accepted. A zero-length buf completes immediately with (0, nil).
func (s *DescriptorService) WriteSome(d *Descriptor, buf []byte) (int, error) {
	if d.fd < 0 {
		return 0, ErrBadDescriptor
	}
	if len(buf) == 0 {
		return 0, nil
	}
	for {
		n, err := unix.Write(d.fd, buf)
		switch err {
		case nil:
			return n, nil
		case unix.EINTR:
		case unix.EAGAIN:
			if err := pollWait(d.fd, unix.POLLOUT); err != nil {
				return 0, err
			}
		default:
			return 0, err
		}
	}
}

// ReadSomeAt reads at an absolute offset. Descriptors without
// positional support report ErrOperationNotSupported.
func (s *DescriptorService) ReadSomeAt(d *Descriptor, offset int64, buf []byte) (int, error) {
	if d.fd < 0 {
		return 0, ErrBadDescriptor
	}
	if len(buf) == 0 {
		return 0, nil
	}
	n, err := unix.Pread(d.fd, buf, offset)
	if err == unix.ESPIPE {
		return 0, ErrOperationNotSupported
	}
	return n, err
}

// WriteSomeAt writes at an absolute offset. Descriptors without
// positional support report ErrOperationNotSupported.
func (s *DescriptorService) WriteSomeAt(d *Descriptor, offset int64, buf []byte) (int, error) {
	if d.fd < 0 {
		return 0, ErrBadDescriptor
	}
	if len(buf) == 0 {
		return 0, nil
	}
	n, err := unix.Pwrite(d.fd, buf, offset)
	if err == unix.ESPIPE {
		return 0, ErrOperationNotSupported
	}
	return n, err
}

// AsyncReadSome starts an asynchronous read. The completion observes
// the byte count, (0, nil) at end-of-stream, or the error; it runs
// exactly once, on a goroutine driving the reactor, except that a
// speculative success completes inline on the calling goroutine.
func (s *DescriptorService) AsyncReadSome(d *Descriptor, buf []byte, completion Completion) {
	if d.fd < 0 {
		s.postError(completion, ErrBadDescriptor)
		return
	}
	fd := d.fd
	op := s.getOp(completion)
	op.perform = func() (bool, int, error) {
		for {
			n, err := unix.Read(fd, buf)
			switch err {
			case nil:
				return true, n, nil
			case unix.EINTR:
			case unix.EAGAIN:
				return false, 0, nil
			default:
				return true, 0, err
			}
		}
	}
	s.reactor.StartReadOp(fd, &d.data, op, true)
}

// AsyncWriteSome starts an asynchronous write, with the same
// completion contract as AsyncReadSome.
func (s *DescriptorService) AsyncWriteSome(d *Descriptor, buf []byte, completion Completion) {
	if d.fd < 0 {
		s.postError(completion, ErrBadDescriptor)
		return
	}
	fd := d.fd
	op := s.getOp(completion)
	op.perform = func() (bool, int, error) {
		for {
			n, err := unix.Write(fd, buf)
			switch err {
			case nil:
				return true, n, nil
			case unix.EINTR:
			case unix.EAGAIN:
				return false, 0, nil
			default:
				return true, 0, err
			}
		}
	}
	s.reactor.StartWriteOp(fd, &d.data, op, true)
}

// AsyncReadSomeAt starts an asynchronous positional read. A
// descriptor without positional support completes with
// ErrOperationNotSupported.
func (s *DescriptorService) AsyncReadSomeAt(d *Descriptor, offset int64, buf []byte, completion Completion) {
	if d.fd < 0 {
		s.postError(completion, ErrBadDescriptor)
		return
	}
	fd := d.fd
	op := s.getOp(completion)
	op.perform = func() (bool, int, error) {
		for {
			n, err := unix.Pread(fd, buf, offset)
			switch err {
			case nil:
				return true, n, nil
			case unix.EINTR:
			case unix.EAGAIN:
				return false, 0, nil
			case unix.ESPIPE:
				return true, 0, ErrOperationNotSupported
			default:
				return true, 0, err
			}
		}
	}
	s.reactor.StartReadOp(fd, &d.data, op, true)
}

// AsyncWriteSomeAt starts an asynchronous positional write.
func (s *DescriptorService) AsyncWriteSomeAt(d *Descriptor, offset int64, buf []byte, completion Completion) {
	if d.fd < 0 {
		s.postError(completion, ErrBadDescriptor)
		return
	}
	fd := d.fd
	op := s.getOp(completion)
	op.perform = func() (bool, int, error) {
		for {
			n, err := unix.Pwrite(fd, buf, offset)
			switch err {
			case nil:
				return true, n, nil
			case unix.EINTR:
			case unix.EAGAIN:
				return false, 0, nil
			case unix.ESPIPE:
				return true, 0, ErrOperationNotSupported
			default:
				return true, 0, err
			}
		}
	}
	s.reactor.StartWriteOp(fd, &d.data, op, true)
}

// Shutdown force-closes every descriptor still linked to the service.
func (s *DescriptorService) Shutdown() {
	s.mu.Lock()
	s.shutdown = true
	head := s.implList
	s.implList = nil
	s.mu.Unlock()

	for d := head; d != nil; {
		next := d.next
		d.next = nil
		d.prev = nil
		_ = s.Close(d)
		d = next
	}
}

// getOp draws an operation object from the allocator and arms its
// completion to return itself after the upcall.
func (s *DescriptorService) getOp(completion Completion) *ReactorOp {
	op, _ := s.allocator.Get().(*ReactorOp)
	if op == nil {
		op = &ReactorOp{}
	}
	op.complete = func(err error, n int) {
		completion(err, n)
		op.perform = nil
		op.complete = nil
		s.allocator.Put(op)
	}
	return op
}

func (s *DescriptorService) postError(completion Completion, err error) {
	_ = s.reactor.Post(func() { completion(err, 0) })
}

// pollWait blocks until the descriptor reports the given readiness.
func pollWait(fd int, events int16) error {
	fds := []unix.PollFd{{Fd: int32(fd), Events: events}}
	for {
		_, err := unix.Poll(fds, -1)
		if err == nil {
			return nil
		}
		if err != unix.EINTR {
			return err
		}
	}
}
