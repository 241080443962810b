// Package kestrel provides a cross-platform, low-level I/O event substrate:
// a uniform abstraction over the native kernel readiness and completion
// notification mechanisms (kqueue, epoll, IOCP, and io_uring) that
// higher-level async runtimes build upon.
//
// The package exposes a small, opaque Driver contract rather than any one
// backend's native types. A Handle is created by a Driver, thread-confined
// to a single poll thread, and driven through register/arm/modify/poll (for
// readiness backends) or submit/flush/poll (for completion backends) until
// closed. Any goroutine may call WakeupChannel.Wake to unblock a blocked
// poll regardless of which thread owns the Handle.
//
// kestrel itself never performs the blocking read/write I/O an application
// wants to do; it only tells the caller when a descriptor is ready
// (readiness backends) or that a previously submitted operation finished
// (completion backends). Building a scheduler, a worker pool, or
// user-facing socket types on top of this substrate is deliberately left
// to other packages.
package kestrel
