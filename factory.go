package kestrel

import "sync"

// backendEntry pairs a backend's constructor with a priority: when more
// than one backend is compiled in for the current OS/arch (e.g. io_uring
// and epoll both register on linux), BestAvailable tries the highest
// priority first and falls back on the next if its probe fails.
type backendEntry struct {
	name     string
	priority int
	probe    func() bool
	factory  func() (Driver, error)
}

var (
	backendsMu sync.Mutex
	backends   []backendEntry
)

// RegisterBackend registers a Driver constructor under name. probe is
// called by BestAvailable to decide, at runtime, whether this backend is
// actually usable (e.g. an io_uring backend probes io_uring_setup and
// reports false on ENOSYS so the process can fall back to epoll without
// the caller needing OS-version-sensitive logic of its own). Backends
// register themselves from an init() behind their own build tag, so
// adding a backend never touches this file.
func RegisterBackend(name string, priority int, probe func() bool, factory func() (Driver, error)) {
	backendsMu.Lock()
	defer backendsMu.Unlock()
	backends = append(backends, backendEntry{name: name, priority: priority, probe: probe, factory: factory})
}

// BestAvailable returns a Driver for the highest-priority backend whose
// probe succeeds on this platform, e.g. io_uring falling back to epoll on
// a kernel built without it.
func BestAvailable() (Driver, error) {
	backendsMu.Lock()
	candidates := make([]backendEntry, len(backends))
	copy(candidates, backends)
	backendsMu.Unlock()

	best := -1
	for i, c := range candidates {
		if !c.probe() {
			continue
		}
		if best == -1 || c.priority > candidates[best].priority {
			best = i
		}
	}
	if best == -1 {
		return nil, ErrUnsupportedPlatform
	}
	return candidates[best].factory()
}

// DriverNamed returns a Driver for the named backend regardless of
// priority, failing with ErrUnsupportedPlatform if that backend is not
// registered for this platform or its probe fails. Useful for tests and
// for callers that want a specific backend (e.g. forcing epoll even when
// io_uring is available).
func DriverNamed(name string) (Driver, error) {
	backendsMu.Lock()
	candidates := make([]backendEntry, len(backends))
	copy(candidates, backends)
	backendsMu.Unlock()

	for _, c := range candidates {
		if c.name == name && c.probe() {
			return c.factory()
		}
	}
	return nil, ErrUnsupportedPlatform
}
