package kestrel

// Capabilities is a backend-static feature descriptor. Every Driver
// implementation returns the same value for the lifetime of the process;
// it never depends on the state of any particular Handle.
type Capabilities struct {
	// Name identifies the backend, e.g. "epoll", "kqueue", "iocp", "io_uring".
	Name string

	// MaxEventsPerPoll is the backend's nominal event batch size for one
	// Poll call. Poll does not enforce it: it writes up to len(events)
	// Events, whatever the length of the caller's buffer.
	MaxEventsPerPoll int

	// SupportsEdgeTriggered reports whether the backend delivers
	// readiness edges (true for kqueue/epoll) as opposed to operation
	// completions (false for IOCP/io_uring).
	SupportsEdgeTriggered bool

	// IsCompletionBased reports whether this backend follows the
	// completion model (Submit/Flush/Poll) rather than the readiness
	// model (Register/Arm/Modify/Deregister/Poll).
	IsCompletionBased bool

	// OperationKinds lists the OperationKind values Submit accepts.
	// Empty for readiness backends.
	OperationKinds []OperationKind

	// SupportsRegisteredBuffers reports whether the backend can bind a
	// buffer to the kernel ahead of time to avoid a copy per operation
	// (io_uring fixed buffers). Always false for readiness backends.
	SupportsRegisteredBuffers bool

	// SupportsMultiShot reports whether a single registration can
	// deliver more than one event without the caller re-arming it
	// (io_uring multi-shot poll/accept). Always false for one-shot
	// edge-triggered readiness backends.
	SupportsMultiShot bool
}

// supports reports whether kind is one of c.OperationKinds.
func (c Capabilities) supports(kind OperationKind) bool {
	for _, k := range c.OperationKinds {
		if k == kind {
			return true
		}
	}
	return false
}
