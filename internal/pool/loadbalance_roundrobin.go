package pool

import (
	"sync/atomic"

	"github.com/kestrel-io/kestrel"
)

// RoundRobin is the name of the round-robin LoadBalance strategy.
const RoundRobin string = "RoundRobin"

func init() {
	RegisterBalanceBuilder(RoundRobin, func() LoadBalance { return &roundRobinLB{} })
}

type roundRobinLB struct {
	handles  []*kestrel.Handle
	accepted uintptr
}

func (r *roundRobinLB) Name() string { return RoundRobin }

func (r *roundRobinLB) Register(h *kestrel.Handle) {
	r.handles = append(r.handles, h)
}

func (r *roundRobinLB) Pick() *kestrel.Handle {
	idx := int(atomic.AddUintptr(&r.accepted, 1)) % len(r.handles)
	return r.handles[idx]
}

func (r *roundRobinLB) Len() int {
	return len(r.handles)
}

func (r *roundRobinLB) Iterate(f func(int, *kestrel.Handle) bool) {
	for i, h := range r.handles {
		if !f(i, h) {
			break
		}
	}
}
