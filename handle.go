package kestrel

import "github.com/kestrel-io/kestrel/internal/safejob"

// platformHandle is the backend-specific state a Driver implementation
// stores inside a Handle. Each backend defines its own concrete type
// (epollState, kqueueState, iocpState, ioUringState) and type-asserts it
// back out of Handle.platform in its own methods; a mismatched assertion
// means the wrong Driver was used against a Handle it did not create,
// which is a programmer error reported as ErrDescriptorInvalid rather
// than a panic.
type platformHandle interface {
	// descriptor returns a backend-defined identity of the kernel
	// object (the epoll/kqueue/io_uring descriptor or the IOCP port).
	// Nothing in this package reads it.
	descriptor() uintptr
}

// Handle is an opaque, single-owner record wrapping one kernel selector
// or completion port. Go has no move-only types, so single ownership is
// enforced at runtime instead of compile time: Close consumes the
// Handle by flipping an internal closed flag, and every subsequent
// operation against it observes that flag and fails with a
// KindInvalidDescriptor Error instead of touching freed kernel state.
//
// A Handle is thread-confined to its poll thread by convention: nothing
// in this type prevents calling a Driver method from another goroutine,
// but doing so is a caller bug, not one this package detects.
// The sole exception is WakeupChannel.Wake, which is Send+Sync by
// construction.
type Handle struct {
	closed   safejob.OnceJob
	backend  string
	platform platformHandle
}

func newHandle(backend string, p platformHandle) *Handle {
	return &Handle{backend: backend, platform: p}
}

// closedErr returns a KindInvalidDescriptor Error whose Op is op if h
// has already been closed, else nil.
func (h *Handle) closedErr(op string) error {
	if h.closed.Closed() {
		return &Error{Kind: KindInvalidDescriptor, Op: op}
	}
	return nil
}

// markClosed flips the closed flag exactly once. It reports whether this
// call is the one that performed the transition, so Close implementations
// know whether to actually release kernel state (idempotent double-close
// is a caller bug elsewhere in the stack, but Handle itself stays safe).
func (h *Handle) markClosed() bool {
	return h.closed.Begin()
}

// Backend returns the name of the backend that created h, e.g. "epoll".
func (h *Handle) Backend() string {
	return h.backend
}
