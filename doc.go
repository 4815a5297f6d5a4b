// Package asyncio implements the execution core of an asynchronous I/O
// library: a readiness-based engine (epoll) on Linux and a
// completion-based engine (I/O completion ports) on Windows, together
// with the timer queues, op-queues, interrupter, and per-handle
// services that they coordinate.
//
// Worker goroutines drive an engine by calling Run (or RunOne, Poll,
// PollOne). Each async operation registers interest or submits an OS
// request and returns; whichever goroutine drains the corresponding
// readiness event or completion invokes the operation's completion
// callback. Every completion runs exactly once, on one of the
// goroutines currently inside the engine, except that an operation
// finished by the speculative fast path completes inline on the
// goroutine that started it. The engine does not serialise user
// callbacks.
//
// The sibling package nodepool provides a fixed-size node allocator.
// This package does not import it; its default operation allocator is
// backed by sync.Pool (see WithOpAllocator).
package asyncio
