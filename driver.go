package kestrel

// Driver is a small set of operations parameterized by an opaque Handle,
// backed by exactly one kernel notification mechanism. A single Go
// interface (rather than two separate readiness/completion interfaces)
// is used so BestAvailable and Pool can hold a Driver without a
// backend-kind type switch; a backend that does not support a given
// operation (e.g. Submit on a readiness backend) returns a
// KindCapability Error instead of omitting the method, since Go
// interfaces cannot be conditionally shaped by the concrete type's kind.
type Driver interface {
	// Capabilities describes this backend's static feature set.
	Capabilities() Capabilities

	// Create allocates a platform selector or completion port and
	// returns a new Handle owning it.
	Create() (*Handle, error)

	// Register adds descriptor to h's selector under the given
	// interest and returns a stable ID for the registration.
	// Readiness backends only; completion backends return a
	// KindCapability Error.
	Register(h *Handle, descriptor int, interest Interest) (ID, error)

	// Modify changes the interest armed for id to newInterest.
	// Readiness backends only.
	Modify(h *Handle, id ID, newInterest Interest) error

	// Arm (re-)enables one-shot delivery for id's interest. Required
	// after every delivered event, since registrations are one-shot
	// edge-triggered. Readiness backends only.
	Arm(h *Handle, id ID, interest Interest) error

	// Deregister idempotently removes id's registration. Absence of
	// id is not an error. Readiness backends only.
	Deregister(h *Handle, id ID) error

	// Submit enqueues an asynchronous operation and returns the ID a
	// future Poll-delivered Event will carry. Completion backends
	// only.
	Submit(h *Handle, op Operation) (ID, error)

	// Flush pushes any operations batched by Submit down to the
	// kernel and reports how many were submitted. Completion backends
	// only; readiness backends always return (0, nil) since
	// Register/Arm act immediately.
	Flush(h *Handle) (int, error)

	// Poll blocks until deadline, a kernel event, or a wakeup, writing
	// at most len(events) Events and returning how many were written.
	// A zero-length return is not an error: it can mean the deadline
	// expired, an interrupt was observed, or a wakeup with nothing
	// else to report arrived.
	Poll(h *Handle, deadline Deadline, events []Event) (int, error)

	// Close consumes h, releasing kernel state on a best-effort basis.
	// It never panics.
	Close(h *Handle) error

	// CreateWakeupChannel registers a platform-specific wakeup
	// primitive against h and returns a Send+Sync signaller.
	CreateWakeupChannel(h *Handle) (WakeupChannel, error)
}

// unsupported is embedded by backends that only implement one half of
// the witness, so they get capability-error stubs for the other half for
// free instead of repeating the same boilerplate in every backend file.
type unsupported struct{}

func (unsupported) Register(*Handle, int, Interest) (ID, error) {
	return 0, &Error{Kind: KindCapability, Op: "register"}
}

func (unsupported) Modify(*Handle, ID, Interest) error {
	return &Error{Kind: KindCapability, Op: "modify"}
}

func (unsupported) Arm(*Handle, ID, Interest) error {
	return &Error{Kind: KindCapability, Op: "arm"}
}

func (unsupported) Deregister(*Handle, ID) error {
	return &Error{Kind: KindCapability, Op: "deregister"}
}

func (unsupported) Submit(*Handle, Operation) (ID, error) {
	return 0, &Error{Kind: KindCapability, Op: "submit"}
}

func (unsupported) Flush(*Handle) (int, error) {
	return 0, nil
}
