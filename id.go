package kestrel

import "go.uber.org/atomic"

// ID identifies one registration (readiness backends) or one in-flight
// operation (completion backends). It is unique across a process for as
// long as it is active.
type ID int64

// WakeupID is the reserved identity of a synthetic wakeup event. It is
// never allocated to a real registration.
const WakeupID ID = 0

// idCounter is a single process-global, atomically-incrementing source of
// IDs. A single global counter (rather than one per Handle) is simplest and
// is safe: the wrap horizon (2^63 allocations) exceeds any realistic
// process lifetime, per spec.
var idCounter atomic.Int64

// nextID returns the next non-zero ID. 0 is reserved for WakeupID and is
// skipped on the rare wraparound that lands on it.
func nextID() ID {
	for {
		v := idCounter.Inc()
		if v != int64(WakeupID) {
			return ID(v)
		}
	}
}
