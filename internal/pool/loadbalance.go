// Package pool manages a fixed-size set of driver Handles and picks a
// Handle for a new registration according to a pluggable load-balance
// strategy. It runs no poll loops itself; the caller runs one per Handle.
// It exists
// because a single Handle's Poll loop runs on one goroutine; scaling a
// process across cores means running several loops, each with its own
// Handle, and spreading registrations across them.
package pool

import (
	"reflect"
	"sync"

	"github.com/kestrel-io/kestrel"
)

var (
	balancers   = make(map[string]BalanceBuilder)
	balancersMu sync.RWMutex
)

// BalanceBuilder constructs a fresh LoadBalance instance.
type BalanceBuilder func() LoadBalance

// LoadBalance picks a Handle to register new work against.
type LoadBalance interface {
	// Name returns the load-balance strategy's registered name.
	Name() string

	// Register adds h to the pool of Handles this strategy picks from.
	Register(h *kestrel.Handle)

	// Pick selects one Handle according to the strategy.
	Pick() *kestrel.Handle

	// Iterate visits every registered Handle in order, stopping early if
	// f returns false.
	Iterate(f func(index int, h *kestrel.Handle) bool)

	// Len returns the number of registered Handles.
	Len() int
}

// GetBalanceBuilder looks up a previously registered BalanceBuilder.
func GetBalanceBuilder(name string) BalanceBuilder {
	balancersMu.RLock()
	defer balancersMu.RUnlock()
	return balancers[name]
}

// RegisterBalanceBuilder registers a BalanceBuilder under name. A
// strategy registers itself from its own init(), so Pool never needs to
// know its concrete type.
func RegisterBalanceBuilder(name string, builder BalanceBuilder) {
	v := reflect.ValueOf(builder)
	if builder == nil || (v.Kind() == reflect.Ptr && v.IsNil()) {
		panic("pool: register nil loadbalance")
	}
	if name == "" {
		panic("pool: register empty name of loadbalance")
	}
	balancersMu.Lock()
	defer balancersMu.Unlock()
	balancers[name] = builder
}
