//go:build linux
// +build linux

package kestrel

import (
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/kestrel-io/kestrel/log"
	"github.com/kestrel-io/kestrel/metrics"
)

const epollDefaultEventCount = 64

// epollReadFlags and epollWriteFlags are the raw epoll bits armed for a
// registration's Interest, always combined with the error/hangup bits so a
// one-shot registration never silently misses a peer hangup.
const (
	epollReadFlags  = unix.EPOLLIN | unix.EPOLLPRI | unix.EPOLLRDHUP | unix.EPOLLHUP | unix.EPOLLERR
	epollWriteFlags = unix.EPOLLOUT | unix.EPOLLHUP | unix.EPOLLERR
)

func init() {
	RegisterBackend("epoll", 0, func() bool { return true }, newEpollDriver)
}

func newEpollDriver() (Driver, error) {
	return &epollDriver{}, nil
}

// epollDriver is the Linux readiness backend: edge-triggered, one-shot
// epoll. Registrations are tracked in a readinessRegistry keyed by a
// portable ID rather than stashed unsafely inside the kernel's event data
// word (see registry.go's doc comment).
type epollDriver struct {
	unsupported
}

func (epollDriver) Capabilities() Capabilities {
	return Capabilities{
		Name:                  "epoll",
		MaxEventsPerPoll:      epollDefaultEventCount,
		SupportsEdgeTriggered: true,
	}
}

// epollState is the platformHandle stored in a Handle created by
// epollDriver.
type epollState struct {
	epfd     int
	wakeupFD int
	registry *readinessRegistry
	buf      []byte
}

func (s *epollState) descriptor() uintptr { return uintptr(s.epfd) }

func (epollDriver) Create() (*Handle, error) {
	// EPOLL_CLOEXEC mirrors the Go runtime's own epoll instance.
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, newPlatformError("epoll_create1", err)
	}
	wakeupFD, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		_ = unix.Close(epfd)
		return nil, newPlatformError("eventfd", err)
	}
	state := &epollState{
		epfd:     epfd,
		wakeupFD: wakeupFD,
		registry: newReadinessRegistry(),
		buf:      make([]byte, 8),
	}
	ev := &unix.EpollEvent{Events: unix.EPOLLIN}
	ev.Fd = int32(wakeupFD)
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, wakeupFD, ev); err != nil {
		_ = unix.Close(wakeupFD)
		_ = unix.Close(epfd)
		return nil, newPlatformError("epoll_ctl add wakeup", err)
	}
	return newHandle("epoll", state), nil
}

func (epollDriver) state(h *Handle) (*epollState, error) {
	if err := h.closedErr("epoll"); err != nil {
		return nil, err
	}
	s, ok := h.platform.(*epollState)
	if !ok {
		return nil, ErrDescriptorInvalid
	}
	return s, nil
}

func interestToEpollEvents(interest Interest) uint32 {
	var bits uint32
	if interest.Has(Read) || interest.Has(Priority) {
		bits |= epollReadFlags
	}
	if interest.Has(Write) {
		bits |= epollWriteFlags
	}
	// EPOLLET + EPOLLONESHOT give the one-shot edge-triggered delivery
	// semantics required of every readiness registration.
	bits |= unix.EPOLLET | unix.EPOLLONESHOT
	return bits
}

func (d epollDriver) Register(h *Handle, descriptor int, interest Interest) (ID, error) {
	s, err := d.state(h)
	if err != nil {
		return 0, err
	}
	id := nextID()
	ev := &unix.EpollEvent{Events: interestToEpollEvents(interest)}
	ev.Fd = int32(descriptor)
	if err := unix.EpollCtl(s.epfd, unix.EPOLL_CTL_ADD, descriptor, ev); err != nil {
		if err == unix.EEXIST {
			return 0, newError(KindAlreadyRegistered, "epoll_ctl add")
		}
		return 0, newPlatformError("epoll_ctl add", err)
	}
	s.registry.insert(id, readinessEntry{descriptor: descriptor, interest: interest})
	metrics.Add(metrics.RegisterCalls, 1)
	return id, nil
}

func (d epollDriver) Modify(h *Handle, id ID, newInterest Interest) error {
	s, err := d.state(h)
	if err != nil {
		return err
	}
	entry, ok := s.registry.peek(id)
	if !ok {
		return newError(KindNotRegistered, "epoll_ctl mod")
	}
	ev := &unix.EpollEvent{Events: interestToEpollEvents(newInterest)}
	ev.Fd = int32(entry.descriptor)
	if err := unix.EpollCtl(s.epfd, unix.EPOLL_CTL_MOD, entry.descriptor, ev); err != nil {
		return newPlatformError("epoll_ctl mod", err)
	}
	s.registry.update(id, newInterest)
	metrics.Add(metrics.ModifyCalls, 1)
	return nil
}

// Arm re-enables a one-shot registration's interest after it has fired.
// EPOLLONESHOT means the kernel disarms the descriptor on every delivered
// event; without this call a registration fires at most once, ever.
func (d epollDriver) Arm(h *Handle, id ID, interest Interest) error {
	s, err := d.state(h)
	if err != nil {
		return err
	}
	entry, ok := s.registry.peek(id)
	if !ok {
		return newError(KindNotRegistered, "epoll_ctl mod (arm)")
	}
	ev := &unix.EpollEvent{Events: interestToEpollEvents(interest)}
	ev.Fd = int32(entry.descriptor)
	if err := unix.EpollCtl(s.epfd, unix.EPOLL_CTL_MOD, entry.descriptor, ev); err != nil {
		return newPlatformError("epoll_ctl mod (arm)", err)
	}
	s.registry.update(id, interest)
	metrics.Add(metrics.ArmCalls, 1)
	return nil
}

func (d epollDriver) Deregister(h *Handle, id ID) error {
	s, err := d.state(h)
	if err != nil {
		return err
	}
	entry, ok := s.registry.remove(id)
	if !ok {
		// Idempotent: deregistering an already-absent ID is not an error.
		return nil
	}
	if err := unix.EpollCtl(s.epfd, unix.EPOLL_CTL_DEL, entry.descriptor, nil); err != nil && err != unix.ENOENT {
		return newPlatformError("epoll_ctl del", err)
	}
	metrics.Add(metrics.DeregisterCalls, 1)
	return nil
}

func (d epollDriver) Poll(h *Handle, deadline Deadline, events []Event) (int, error) {
	s, err := d.state(h)
	if err != nil {
		return 0, err
	}
	if len(events) == 0 {
		return 0, nil
	}
	raw := make([]unix.EpollEvent, len(events))
	msec := deadline.millis(1<<31 - 1)
	n, waitErr := epollWait(s.epfd, raw, msec)
	if waitErr != nil {
		if waitErr == unix.EINTR {
			return 0, nil
		}
		return 0, newPlatformError("epoll_pwait", waitErr)
	}
	out := 0
	for i := 0; i < n && out < len(events); i++ {
		fd := int(raw[i].Fd)
		if fd == s.wakeupFD {
			for {
				if _, rerr := unix.Read(s.wakeupFD, s.buf); rerr == unix.EAGAIN || rerr == nil {
					break
				} else if rerr != unix.EINTR {
					break
				}
			}
			events[out] = Event{ID: WakeupID}
			out++
			continue
		}
		id, ok := s.registry.idForDescriptor(fd)
		if !ok {
			// A racy Deregister beat this event to delivery; suppress it
			// rather than report a stale ID to the caller.
			continue
		}
		if !s.registry.contains(id) {
			continue
		}
		bits := raw[i].Events
		var interest Interest
		if bits&unix.EPOLLIN != 0 {
			interest |= Read
		}
		if bits&unix.EPOLLPRI != 0 {
			interest |= Priority
		}
		if bits&unix.EPOLLOUT != 0 {
			interest |= Write
		}
		var flags Flags
		if bits&unix.EPOLLERR != 0 {
			flags |= FlagError
		}
		if bits&unix.EPOLLHUP != 0 {
			flags |= FlagHangup
		}
		if bits&unix.EPOLLRDHUP != 0 {
			flags |= FlagReadHangup
		}
		events[out] = Event{ID: id, Interest: interest, Flags: flags}
		out++
	}
	metrics.Add(metrics.EpollEvents, uint64(out))
	log.Debugf("epoll poll: %d raw, %d delivered", n, out)
	return out, nil
}

func (epollDriver) Close(h *Handle) error {
	if !h.markClosed() {
		return nil
	}
	s, ok := h.platform.(*epollState)
	if !ok {
		return ErrDescriptorInvalid
	}
	s.registry.removeAll()
	err1 := unix.Close(s.wakeupFD)
	err2 := unix.Close(s.epfd)
	if err1 != nil {
		return newPlatformError("close eventfd", err1)
	}
	if err2 != nil {
		return newPlatformError("close epoll", err2)
	}
	return nil
}

func (d epollDriver) CreateWakeupChannel(h *Handle) (WakeupChannel, error) {
	s, err := d.state(h)
	if err != nil {
		return nil, err
	}
	wakeupFD := s.wakeupFD
	one := make([]byte, 8)
	one[0] = 1
	return &funcWakeupChannel{
		wake: func() error {
			for {
				_, err := unix.Write(wakeupFD, one)
				if err == nil || err == unix.EAGAIN {
					metrics.Add(metrics.WakeupSignals, 1)
					return nil
				}
				if err == unix.EINTR {
					continue
				}
				return newPlatformError("write eventfd", err)
			}
		},
	}, nil
}

// epollWait issues epoll_pwait directly rather than going through a
// possibly-unavailable higher-level x/sys/unix wrapper on every supported
// architecture; msec == -1 blocks indefinitely.
func epollWait(epfd int, events []unix.EpollEvent, msec int) (int, error) {
	var r0 uintptr
	var err error
	p := unsafe.Pointer(&events[0])
	if msec == 0 {
		r0, _, err = unix.RawSyscall6(unix.SYS_EPOLL_PWAIT,
			uintptr(epfd), uintptr(p), uintptr(len(events)), 0, 0, 0)
		metrics.Add(metrics.EpollNoWait, 1)
	} else {
		r0, _, err = unix.Syscall6(unix.SYS_EPOLL_PWAIT,
			uintptr(epfd), uintptr(p), uintptr(len(events)), uintptr(msec), 0, 0)
	}
	metrics.Add(metrics.EpollWait, 1)
	if err == unix.Errno(0) {
		err = nil
	}
	if err != nil {
		return 0, err
	}
	return int(r0), nil
}
