//go:build linux

package asyncio

import (
	"sync"
	"testing"

	"golang.org/x/sys/unix"
)

func pollReadable(fd int, timeoutMs int) (bool, error) {
	fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
	n, err := unix.Poll(fds, timeoutMs)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func TestInterrupter(t *testing.T) {
	i, err := newInterrupter()
	if err != nil {
		t.Fatalf("newInterrupter failed: %v", err)
	}
	defer i.close()

	readable, err := pollReadable(i.readDescriptor(), 0)
	if err != nil {
		t.Fatal(err)
	}
	if readable {
		t.Fatal("fresh interrupter already readable")
	}

	i.interrupt()
	readable, err = pollReadable(i.readDescriptor(), 1000)
	if err != nil {
		t.Fatal(err)
	}
	if !readable {
		t.Fatal("interrupt did not make the descriptor readable")
	}

	// Idempotent while signalled.
	i.interrupt()
	i.interrupt()

	i.reset()
	readable, err = pollReadable(i.readDescriptor(), 0)
	if err != nil {
		t.Fatal(err)
	}
	if readable {
		t.Fatal("reset did not drain the interrupter")
	}
}

func TestInterruptFromManyGoroutines(t *testing.T) {
	i, err := newInterrupter()
	if err != nil {
		t.Fatalf("newInterrupter failed: %v", err)
	}
	defer i.close()

	var wg sync.WaitGroup
	for g := 0; g < 16; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				i.interrupt()
			}
		}()
	}
	wg.Wait()

	readable, err := pollReadable(i.readDescriptor(), 1000)
	if err != nil {
		t.Fatal(err)
	}
	if !readable {
		t.Fatal("interrupter not readable after concurrent interrupts")
	}
	i.reset()
}
