//go:build windows
// +build windows

package kestrel

import (
	"sync"
	"unsafe"

	"golang.org/x/sys/windows"

	"github.com/kestrel-io/kestrel/log"
	"github.com/kestrel-io/kestrel/metrics"
)

func init() {
	RegisterBackend("iocp", 10, func() bool { return true }, newIOCPDriver)
}

func newIOCPDriver() (Driver, error) {
	return &iocpDriver{}, nil
}

// iocpDriver is the Windows completion backend: CreateIoCompletionPort +
// GetQueuedCompletionStatus, with a submit/cancel contract covering reads,
// writes, and cancellation. Submit does not issue accepts or connects: an
// OpAccept or OpConnect operation fails with a KindCapability Error.
type iocpDriver struct {
	unsupported
}

func (iocpDriver) Capabilities() Capabilities {
	return Capabilities{
		Name:              "iocp",
		MaxEventsPerPoll:  256,
		IsCompletionBased: true,
		OperationKinds:    []OperationKind{OpRead, OpWrite, OpAccept, OpConnect, OpCancel},
	}
}

// completionHeader is the struct every submitted operation allocates on
// the heap; its first field is the real OVERLAPPED the kernel writes
// into and later returns a pointer to from GetQueuedCompletionStatus.
// Recovering the *completionHeader from that returned *OVERLAPPED is a
// container-of cast, valid because Go guarantees a struct's first field
// shares its address with the struct itself.
type completionHeader struct {
	overlapped windows.Overlapped
	id         ID
}

type iocpState struct {
	port       windows.Handle
	registry   *completionRegistry
	mu         sync.Mutex
	wakeupKey  uintptr
}

func (s *iocpState) descriptor() uintptr { return uintptr(s.port) }

func (iocpDriver) Create() (*Handle, error) {
	port, err := windows.CreateIoCompletionPort(windows.InvalidHandle, 0, 0, 0)
	if err != nil {
		return nil, newPlatformError("CreateIoCompletionPort", err)
	}
	state := &iocpState{port: port, registry: newCompletionRegistry(), wakeupKey: 1}
	return newHandle("iocp", state), nil
}

func (iocpDriver) state(h *Handle) (*iocpState, error) {
	if err := h.closedErr("iocp"); err != nil {
		return nil, err
	}
	s, ok := h.platform.(*iocpState)
	if !ok {
		return nil, ErrDescriptorInvalid
	}
	return s, nil
}

// associate attaches a raw handle (socket or file) to the completion
// port. It is exposed through Submit's Resource field instead of a
// separate call: Windows requires the association be made once per
// handle before any operation is issued against it, so the driver makes
// it lazily the first time that Resource is seen.
func (d iocpDriver) associate(s *iocpState, resource uintptr) error {
	_, err := windows.CreateIoCompletionPort(windows.Handle(resource), s.port, 0, 0)
	if err != nil && err != windows.ERROR_INVALID_PARAMETER {
		return newPlatformError("CreateIoCompletionPort associate", err)
	}
	return nil
}

func (d iocpDriver) Submit(h *Handle, op Operation) (ID, error) {
	s, err := d.state(h)
	if err != nil {
		return 0, err
	}
	if !d.Capabilities().supports(op.Kind) {
		return 0, newError(KindCapability, "submit")
	}
	if err := d.associate(s, op.Resource); err != nil {
		return 0, err
	}
	id := nextID()
	header := &completionHeader{id: id}
	s.registry.insert(id, completionEntry{kind: op.Kind, resource: op.Resource, userData: op.UserData, header: header})

	var syncErr error
	switch op.Kind {
	case OpRead:
		var buf []byte
		if len(op.Buffer) > 0 {
			buf = op.Buffer
		} else {
			buf = make([]byte, 0)
		}
		var n uint32
		syncErr = windows.ReadFile(windows.Handle(op.Resource), buf, &n, &header.overlapped)
	case OpWrite:
		var n uint32
		syncErr = windows.WriteFile(windows.Handle(op.Resource), op.Buffer, &n, &header.overlapped)
	case OpCancel:
		target, ok := s.registry.peek(op.CancelTarget)
		if !ok {
			s.registry.remove(id)
			return 0, newError(KindNotRegistered, "cancel")
		}
		targetHeader, _ := target.header.(*completionHeader)
		syncErr = windows.CancelIoEx(windows.Handle(op.Resource), &targetHeader.overlapped)
	default:
		s.registry.remove(id)
		return 0, newError(KindCapability, "submit")
	}
	// ERROR_IO_PENDING is the expected outcome for an operation that will
	// complete asynchronously; anything else synchronous is a real
	// failure and the header must be freed now, since no completion
	// packet will ever arrive for it.
	if syncErr != nil && syncErr != windows.ERROR_IO_PENDING {
		s.registry.remove(id)
		return 0, newPlatformError("submit", syncErr)
	}
	metrics.Add(metrics.SubmitCalls, 1)
	return id, nil
}

// Flush is a no-op for IOCP: ReadFile/WriteFile/CancelIoEx submit
// immediately in Submit, there is nothing to batch.
func (iocpDriver) Flush(h *Handle) (int, error) {
	return 0, nil
}

func (d iocpDriver) Poll(h *Handle, deadline Deadline, events []Event) (int, error) {
	s, err := d.state(h)
	if err != nil {
		return 0, err
	}
	if len(events) == 0 {
		return 0, nil
	}
	timeoutMS := uint32(deadline.millis(0x7fffffff))
	if deadline == Never {
		timeoutMS = windows.INFINITE
	}

	out := 0
	for out < len(events) {
		var n uint32
		var key uintptr
		var overlapped *windows.Overlapped
		err := windows.GetQueuedCompletionStatus(s.port, &n, &key, &overlapped, timeoutMS)
		metrics.Add(metrics.IOCPWait, 1)
		if overlapped == nil {
			// A wakeup is posted with a nil OVERLAPPED, so it must be
			// recognized here before the nil check ends the loop.
			if err == nil && key == s.wakeupKey {
				events[out] = Event{ID: WakeupID}
				out++
				break
			}
			if err == windows.WAIT_TIMEOUT {
				break
			}
			if err != nil {
				return out, newPlatformError("GetQueuedCompletionStatus", err)
			}
			break
		}
		header := (*completionHeader)(unsafe.Pointer(overlapped))
		entry, ok := s.registry.remove(header.id)
		if !ok {
			continue
		}
		var flags Flags
		var evErr error
		if err != nil {
			flags |= FlagError
			evErr = newPlatformError("GetQueuedCompletionStatus", err)
		}
		events[out] = Event{
			ID:       header.id,
			Interest: operationKindInterest(entry.kind),
			Flags:    flags,
			UserData: entry.userData,
			Bytes:    int(n),
			Err:      evErr,
		}
		out++
		// Drain whatever else is already queued without blocking again,
		// rather than re-entering GetQueuedCompletionStatus with the
		// caller's full timeout a second time.
		timeoutMS = 0
	}
	metrics.Add(metrics.IOCPEvents, uint64(out))
	log.Debugf("iocp poll: %d delivered", out)
	return out, nil
}

func (iocpDriver) Close(h *Handle) error {
	if !h.markClosed() {
		return nil
	}
	s, ok := h.platform.(*iocpState)
	if !ok {
		return ErrDescriptorInvalid
	}
	s.registry.removeAll()
	if err := windows.CloseHandle(s.port); err != nil {
		return newPlatformError("CloseHandle", err)
	}
	return nil
}

func (d iocpDriver) CreateWakeupChannel(h *Handle) (WakeupChannel, error) {
	s, err := d.state(h)
	if err != nil {
		return nil, err
	}
	port := s.port
	key := s.wakeupKey
	return &funcWakeupChannel{
		wake: func() error {
			if err := windows.PostQueuedCompletionStatus(port, 0, key, nil); err != nil {
				return newPlatformError("PostQueuedCompletionStatus", err)
			}
			metrics.Add(metrics.WakeupSignals, 1)
			return nil
		},
	}, nil
}
