package kestrel

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind classifies an Error without requiring callers to match on message
// text.
type Kind uint8

// Error kinds.
const (
	// KindPlatform wraps a native syscall error; the Unwrap() chain
	// always reaches the original error.
	KindPlatform Kind = iota
	// KindCapability means the backend cannot perform the requested
	// operation or kind at all (not a transient failure).
	KindCapability
	// KindInvalidDescriptor means the descriptor/resource passed to
	// register/submit is not usable (already closed, wrong type, or
	// the Handle itself is closed).
	KindInvalidDescriptor
	// KindAlreadyRegistered means register was called twice for a
	// descriptor that is still live in the registry.
	KindAlreadyRegistered
	// KindNotRegistered means modify/arm/deregister referenced an ID
	// that is not (or no longer) present in the registry.
	KindNotRegistered
	// KindHalfClosed means the operation violates a shutdown contract
	// established by a prior half-close; the driver itself rarely
	// originates this kind, callers typically do.
	KindHalfClosed
)

// String implements fmt.Stringer.
func (k Kind) String() string {
	switch k {
	case KindPlatform:
		return "platform"
	case KindCapability:
		return "capability"
	case KindInvalidDescriptor:
		return "invalid descriptor"
	case KindAlreadyRegistered:
		return "already registered"
	case KindNotRegistered:
		return "not registered"
	case KindHalfClosed:
		return "half closed"
	default:
		return "unknown"
	}
}

// Error is the structured error type returned by every Driver operation.
// The driver never translates a platform error into higher-level
// semantics; translation is left to the caller.
type Error struct {
	Kind Kind
	// Code holds the native error code (syscall.Errno on Unix,
	// windows.Errno on Windows) for Kind == KindPlatform, wrapped with a
	// stack trace by github.com/pkg/errors; errors.Is/errors.As still
	// reach the native code through it. Nil otherwise.
	Code error
	// Op names the driver operation that failed, e.g. "epoll_ctl mod".
	Op string
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Code != nil {
		return fmt.Sprintf("kestrel: %s: %s: %v", e.Op, e.Kind, e.Code)
	}
	return fmt.Sprintf("kestrel: %s: %s", e.Op, e.Kind)
}

// Unwrap exposes the underlying platform error so callers can use
// errors.Is/errors.As against a specific syscall.Errno.
func (e *Error) Unwrap() error {
	return e.Code
}

// newPlatformError wraps a syscall failure, retaining the original error
// for Unwrap while attaching operation context.
func newPlatformError(op string, code error) *Error {
	return &Error{Kind: KindPlatform, Op: op, Code: errors.WithStack(code)}
}

func newError(kind Kind, op string) *Error {
	return &Error{Kind: kind, Op: op}
}

// Sentinel errors for conditions that are not platform-code-bearing.
var (
	// ErrDescriptorInvalid is returned when a Handle is passed to a
	// Driver whose backend did not create it. Operations on a Handle
	// after Close has consumed it return a separate KindInvalidDescriptor
	// Error that names the backend instead of this value.
	ErrDescriptorInvalid = &Error{Kind: KindInvalidDescriptor, Op: "handle"}
	// ErrUnsupportedPlatform is returned by BestAvailable when every
	// registered backend refuses the probe, and by DriverNamed when the
	// named backend is not registered or refuses the probe.
	ErrUnsupportedPlatform = &Error{Kind: KindCapability, Op: "bestAvailable"}
)
