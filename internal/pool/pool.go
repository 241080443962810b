package pool

import (
	"fmt"
	"sync"

	"github.com/panjf2000/ants/v2"

	"github.com/kestrel-io/kestrel"
	"github.com/kestrel-io/kestrel/metrics"
)

// Pool manages a fixed-size set of Handles, all created from the same
// Driver, and picks one for each new registration via a LoadBalance
// strategy. Close fans out across an ants.Pool-bounded worker set rather
// than spawning one goroutine per Handle all at once.
type Pool struct {
	driver kestrel.Driver
	lb     LoadBalance
	mu     sync.Mutex
	closer *ants.Pool
}

// New creates a Pool of size Handles, all backed by driver, distributing
// registrations across them using the named LoadBalance strategy (see
// RoundRobin). size must be at least 1.
func New(driver kestrel.Driver, balance string, size int) (*Pool, error) {
	if size < 1 {
		return nil, fmt.Errorf("pool: size must be at least 1, got %d", size)
	}
	builder := GetBalanceBuilder(balance)
	if builder == nil {
		return nil, fmt.Errorf("pool: loadbalance %q is not registered", balance)
	}
	closer, err := ants.NewPool(size, ants.WithNonblocking(false))
	if err != nil {
		return nil, fmt.Errorf("pool: create close pool: %w", err)
	}
	p := &Pool{driver: driver, lb: builder(), closer: closer}
	if err := p.grow(size); err != nil {
		closer.Release()
		return nil, err
	}
	return p, nil
}

// grow creates additional Handles until the pool holds at least n.
func (p *Pool) grow(n int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for p.lb.Len() < n {
		h, err := p.driver.Create()
		if err != nil {
			return fmt.Errorf("pool: create handle: %w", err)
		}
		p.lb.Register(h)
	}
	return nil
}

// Len returns the number of Handles currently managed by the pool.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lb.Len()
}

// Pick returns the next Handle to register work against, chosen by the
// pool's LoadBalance strategy.
func (p *Pool) Pick() *kestrel.Handle {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lb.Pick()
}

// Iterate visits every Handle currently in the pool.
func (p *Pool) Iterate(f func(index int, h *kestrel.Handle) bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lb.Iterate(f)
}

// Close closes every Handle in the pool concurrently, bounded by the
// pool's own worker count so a large pool doesn't spawn one goroutine per
// Handle all at once, and returns the first error encountered (if any),
// after every Handle has had Close attempted.
func (p *Pool) Close() error {
	p.mu.Lock()
	handles := make([]*kestrel.Handle, 0, p.lb.Len())
	p.lb.Iterate(func(_ int, h *kestrel.Handle) bool {
		handles = append(handles, h)
		return true
	})
	p.mu.Unlock()

	var wg sync.WaitGroup
	var errMu sync.Mutex
	var firstErr error
	closeOne := func(h *kestrel.Handle) {
		defer wg.Done()
		metrics.Add(metrics.PoolCloseJobs, 1)
		if err := p.driver.Close(h); err != nil {
			errMu.Lock()
			if firstErr == nil {
				firstErr = err
			}
			errMu.Unlock()
		}
	}
	for _, h := range handles {
		h := h
		wg.Add(1)
		if err := p.closer.Submit(func() { closeOne(h) }); err != nil {
			// The close pool itself is exhausted or already released;
			// fall back to closing this Handle inline rather than
			// dropping it, since leaking kernel state is worse than a
			// synchronous close on the caller's goroutine.
			closeOne(h)
		}
	}
	wg.Wait()
	p.closer.Release()
	return firstErr
}
