//go:build linux

package asyncio

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// interrupter breaks a blocking multiplexer wait. It is an eventfd
// kept readable from interrupt until reset; the engine registers the
// descriptor in its interest set permanently.
//
// Construction failure is fatal to engine construction. After
// construction, interrupt and reset never fail and are safe to call
// from any goroutine.
type interrupter struct {
	fd int
}

func newInterrupter() (*interrupter, error) {
	fd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		return nil, err
	}
	return &interrupter{fd: fd}, nil
}

// interrupt transitions the event to signalled. Idempotent while
// signalled: the eventfd counter accumulates and drains in one reset.
func (i *interrupter) interrupt() {
	// Native endianness, no binary.LittleEndian overhead.
	var one uint64 = 1
	buf := (*[8]byte)(unsafe.Pointer(&one))[:]
	_, _ = unix.Write(i.fd, buf)
}

// reset returns the event to quiescent.
func (i *interrupter) reset() {
	var buf [8]byte
	for {
		if _, err := unix.Read(i.fd, buf[:]); err != nil {
			break
		}
	}
}

// readDescriptor returns the descriptor the multiplexer waits on.
func (i *interrupter) readDescriptor() int {
	return i.fd
}

func (i *interrupter) close() {
	if i.fd >= 0 {
		_ = unix.Close(i.fd)
		i.fd = -1
	}
}
