//go:build freebsd || dragonfly || darwin || netbsd || openbsd
// +build freebsd dragonfly darwin netbsd openbsd

package kestrel

import (
	"golang.org/x/sys/unix"

	"github.com/kestrel-io/kestrel/log"
	"github.com/kestrel-io/kestrel/metrics"
)

const kqueueDefaultEventCount = 64

// kqueueWakeupIdent is the Ident value reserved for the EVFILT_USER
// wakeup event.
const kqueueWakeupIdent = 0

func init() {
	RegisterBackend("kqueue", 0, func() bool { return true }, newKqueueDriver)
}

func newKqueueDriver() (Driver, error) {
	return &kqueueDriver{}, nil
}

// kqueueDriver is the BSD/Darwin readiness backend. A registration arms
// EVFILT_READ and/or EVFILT_WRITE, each EV_ADD|EV_CLEAR|EV_DISPATCH so
// delivery is edge triggered and one-shot (EV_DISPATCH disables the filter
// after it fires, the kqueue analogue of epoll's EPOLLONESHOT), and Arm
// re-enables it with EV_ENABLE.
type kqueueDriver struct {
	unsupported
}

func (kqueueDriver) Capabilities() Capabilities {
	return Capabilities{
		Name:                  "kqueue",
		MaxEventsPerPoll:      kqueueDefaultEventCount,
		SupportsEdgeTriggered: true,
	}
}

type kqueueState struct {
	kqfd     int
	registry *readinessRegistry
}

func (s *kqueueState) descriptor() uintptr { return uintptr(s.kqfd) }

func (kqueueDriver) Create() (*Handle, error) {
	kqfd, err := unix.Kqueue()
	if err != nil {
		return nil, newPlatformError("kqueue", err)
	}
	if _, err := unix.FcntlInt(uintptr(kqfd), unix.F_SETFD, unix.FD_CLOEXEC); err != nil {
		_ = unix.Close(kqfd)
		return nil, newPlatformError("fcntl cloexec", err)
	}
	if _, err := unix.Kevent(kqfd, []unix.Kevent_t{{
		Ident:  kqueueWakeupIdent,
		Filter: unix.EVFILT_USER,
		Flags:  unix.EV_ADD | unix.EV_CLEAR,
	}}, nil, nil); err != nil {
		_ = unix.Close(kqfd)
		return nil, newPlatformError("kevent add wakeup", err)
	}
	state := &kqueueState{kqfd: kqfd, registry: newReadinessRegistry()}
	return newHandle("kqueue", state), nil
}

func (kqueueDriver) state(h *Handle) (*kqueueState, error) {
	if err := h.closedErr("kqueue"); err != nil {
		return nil, err
	}
	s, ok := h.platform.(*kqueueState)
	if !ok {
		return nil, ErrDescriptorInvalid
	}
	return s, nil
}

func (d kqueueDriver) Register(h *Handle, descriptor int, interest Interest) (ID, error) {
	s, err := d.state(h)
	if err != nil {
		return 0, err
	}
	if _, already := s.registry.idForDescriptor(descriptor); already {
		return 0, newError(KindAlreadyRegistered, "kevent add")
	}
	id := nextID()
	changes := kqueueChangelist(descriptor, interest, unix.EV_ADD|unix.EV_CLEAR|unix.EV_DISPATCH)
	if len(changes) > 0 {
		if _, err := unix.Kevent(s.kqfd, changes, nil, nil); err != nil {
			return 0, newPlatformError("kevent add", err)
		}
	}
	s.registry.insert(id, readinessEntry{descriptor: descriptor, interest: interest})
	metrics.Add(metrics.RegisterCalls, 1)
	return id, nil
}

func (d kqueueDriver) Modify(h *Handle, id ID, newInterest Interest) error {
	return d.rearm(h, id, newInterest, "modify", metrics.ModifyCalls)
}

func (d kqueueDriver) Arm(h *Handle, id ID, interest Interest) error {
	return d.rearm(h, id, interest, "arm", metrics.ArmCalls)
}

// rearm reconciles the filters armed at the kernel with newInterest,
// adding filters not previously armed and deleting ones no longer wanted,
// and (re-)enabling the ones that remain. Modify and Arm share this path:
// Modify may add or drop a filter outright, while Arm typically just
// re-enables the filter(s) EV_DISPATCH disabled after the last delivery.
func (d kqueueDriver) rearm(h *Handle, id ID, interest Interest, op string, metric int) error {
	s, err := d.state(h)
	if err != nil {
		return err
	}
	entry, ok := s.registry.peek(id)
	if !ok {
		return newError(KindNotRegistered, "kevent "+op)
	}
	var changes []unix.Kevent_t
	hadRead, wantRead := entry.interest.Has(Read), interest.Has(Read)
	hadWrite, wantWrite := entry.interest.Has(Write), interest.Has(Write)
	if wantRead {
		flags := uint16(unix.EV_ADD | unix.EV_CLEAR | unix.EV_DISPATCH)
		if hadRead {
			flags = unix.EV_ENABLE
		}
		changes = append(changes, unix.Kevent_t{Ident: newKqueueIdent(entry.descriptor), Filter: unix.EVFILT_READ, Flags: flags})
	} else if hadRead {
		changes = append(changes, unix.Kevent_t{Ident: newKqueueIdent(entry.descriptor), Filter: unix.EVFILT_READ, Flags: unix.EV_DELETE})
	}
	if wantWrite {
		flags := uint16(unix.EV_ADD | unix.EV_CLEAR | unix.EV_DISPATCH)
		if hadWrite {
			flags = unix.EV_ENABLE
		}
		changes = append(changes, unix.Kevent_t{Ident: newKqueueIdent(entry.descriptor), Filter: unix.EVFILT_WRITE, Flags: flags})
	} else if hadWrite {
		changes = append(changes, unix.Kevent_t{Ident: newKqueueIdent(entry.descriptor), Filter: unix.EVFILT_WRITE, Flags: unix.EV_DELETE})
	}
	if len(changes) > 0 {
		if _, err := unix.Kevent(s.kqfd, changes, nil, nil); err != nil {
			return newPlatformError("kevent "+op, err)
		}
	}
	s.registry.update(id, interest)
	metrics.Add(metric, 1)
	return nil
}

func (d kqueueDriver) Deregister(h *Handle, id ID) error {
	s, err := d.state(h)
	if err != nil {
		return err
	}
	entry, ok := s.registry.remove(id)
	if !ok {
		return nil
	}
	changes := []unix.Kevent_t{
		{Ident: newKqueueIdent(entry.descriptor), Filter: unix.EVFILT_READ, Flags: unix.EV_DELETE},
		{Ident: newKqueueIdent(entry.descriptor), Filter: unix.EVFILT_WRITE, Flags: unix.EV_DELETE},
	}
	if _, err := unix.Kevent(s.kqfd, changes, nil, nil); err != nil && err != unix.ENOENT {
		return newPlatformError("kevent delete", err)
	}
	metrics.Add(metrics.DeregisterCalls, 1)
	return nil
}

func (d kqueueDriver) Poll(h *Handle, deadline Deadline, events []Event) (int, error) {
	s, err := d.state(h)
	if err != nil {
		return 0, err
	}
	if len(events) == 0 {
		return 0, nil
	}
	raw := make([]unix.Kevent_t, len(events))
	var ts *unix.Timespec
	if deadline != Never {
		remaining := deadline.Remaining()
		spec := unix.NsecToTimespec(int64(remaining))
		ts = &spec
		if remaining == 0 {
			metrics.Add(metrics.KqueueNoWait, 1)
		}
	}
	n, waitErr := unix.Kevent(s.kqfd, nil, raw, ts)
	metrics.Add(metrics.KqueueWait, 1)
	if waitErr != nil {
		if waitErr == unix.EINTR {
			return 0, nil
		}
		return 0, newPlatformError("kevent wait", waitErr)
	}
	out := 0
	for i := 0; i < n && out < len(events); i++ {
		ev := raw[i]
		if ev.Ident == kqueueWakeupIdent && ev.Filter == unix.EVFILT_USER {
			events[out] = Event{ID: WakeupID}
			out++
			continue
		}
		descriptor := int(ev.Ident)
		id, ok := s.registry.idForDescriptor(descriptor)
		if !ok || !s.registry.contains(id) {
			continue
		}
		var interest Interest
		switch ev.Filter {
		case unix.EVFILT_READ:
			interest = Read
		case unix.EVFILT_WRITE:
			interest = Write
		}
		var flags Flags
		if ev.Flags&unix.EV_EOF != 0 {
			flags |= FlagHangup
		}
		if ev.Flags&unix.EV_ERROR != 0 {
			flags |= FlagError
		}
		events[out] = Event{ID: id, Interest: interest, Flags: flags}
		out++
	}
	metrics.Add(metrics.KqueueEvents, uint64(out))
	log.Debugf("kqueue poll: %d raw, %d delivered", n, out)
	return out, nil
}

func (kqueueDriver) Close(h *Handle) error {
	if !h.markClosed() {
		return nil
	}
	s, ok := h.platform.(*kqueueState)
	if !ok {
		return ErrDescriptorInvalid
	}
	s.registry.removeAll()
	if err := unix.Close(s.kqfd); err != nil {
		return newPlatformError("close kqueue", err)
	}
	return nil
}

func (d kqueueDriver) CreateWakeupChannel(h *Handle) (WakeupChannel, error) {
	s, err := d.state(h)
	if err != nil {
		return nil, err
	}
	kqfd := s.kqfd
	return &funcWakeupChannel{
		wake: func() error {
			_, err := unix.Kevent(kqfd, []unix.Kevent_t{{
				Ident:  kqueueWakeupIdent,
				Filter: unix.EVFILT_USER,
				Fflags: unix.NOTE_TRIGGER,
			}}, nil, nil)
			if err != nil && err != unix.EINTR && err != unix.EAGAIN {
				return newPlatformError("kevent trigger", err)
			}
			metrics.Add(metrics.WakeupSignals, 1)
			return nil
		},
	}, nil
}

// kqueueChangelist builds the initial EV_ADD changelist for a fresh
// registration, using the same flags for both filters named in interest.
func kqueueChangelist(descriptor int, interest Interest, flags uint16) []unix.Kevent_t {
	var changes []unix.Kevent_t
	if interest.Has(Read) {
		changes = append(changes, unix.Kevent_t{Ident: newKqueueIdent(descriptor), Filter: unix.EVFILT_READ, Flags: flags})
	}
	if interest.Has(Write) {
		changes = append(changes, unix.Kevent_t{Ident: newKqueueIdent(descriptor), Filter: unix.EVFILT_WRITE, Flags: flags})
	}
	return changes
}

// newKqueueIdent converts a descriptor to the platform-width Ident type,
// which is uint64 on some BSDs and uintptr-width on others.
func newKqueueIdent(descriptor int) uint64 {
	return uint64(descriptor)
}
