//go:build linux || darwin || freebsd || dragonfly || netbsd || openbsd
// +build linux darwin freebsd dragonfly netbsd openbsd

package kestrel_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/kestrel-io/kestrel"
)

// readinessBackendName is the name of the readiness Driver this platform
// registers (epoll on Linux, kqueue on the BSDs and Darwin).
func readinessBackendName() string {
	if _, err := kestrel.DriverNamed("epoll"); err == nil {
		return "epoll"
	}
	return "kqueue"
}

func TestReadinessDriverRegisterArmDeliverDeregister(t *testing.T) {
	driver, err := kestrel.DriverNamed(readinessBackendName())
	require.Nil(t, err)

	h, err := driver.Create()
	require.Nil(t, err)
	defer driver.Close(h)

	eventFD, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	require.Nil(t, err)
	defer unix.Close(eventFD)

	id, err := driver.Register(h, eventFD, kestrel.Read)
	require.Nil(t, err)
	assert.NotEqual(t, kestrel.WakeupID, id)

	// Nothing written yet: a short Poll should report nothing.
	events := make([]kestrel.Event, 4)
	n, err := driver.Poll(h, kestrel.After(10*time.Millisecond), events)
	require.Nil(t, err)
	assert.Equal(t, 0, n)

	buf := []byte{1, 0, 0, 0, 0, 0, 0, 0}
	_, err = unix.Write(eventFD, buf)
	require.Nil(t, err)

	n, err = driver.Poll(h, kestrel.After(time.Second), events)
	require.Nil(t, err)
	require.Equal(t, 1, n)
	assert.Equal(t, id, events[0].ID)
	assert.True(t, events[0].Interest.Has(kestrel.Read))

	// One-shot: without Arm, the registration must not fire again.
	_, err = unix.Write(eventFD, buf)
	require.Nil(t, err)
	n, err = driver.Poll(h, kestrel.After(20*time.Millisecond), events)
	require.Nil(t, err)
	assert.Equal(t, 0, n)

	require.Nil(t, driver.Arm(h, id, kestrel.Read))
	n, err = driver.Poll(h, kestrel.After(time.Second), events)
	require.Nil(t, err)
	require.Equal(t, 1, n)
	assert.Equal(t, id, events[0].ID)

	require.Nil(t, driver.Deregister(h, id))
	// Deregister is idempotent.
	assert.Nil(t, driver.Deregister(h, id))
}

func TestReadinessDriverDoubleRegisterFails(t *testing.T) {
	driver, err := kestrel.DriverNamed(readinessBackendName())
	require.Nil(t, err)

	h, err := driver.Create()
	require.Nil(t, err)
	defer driver.Close(h)

	eventFD, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	require.Nil(t, err)
	defer unix.Close(eventFD)

	_, err = driver.Register(h, eventFD, kestrel.Read)
	require.Nil(t, err)

	_, err = driver.Register(h, eventFD, kestrel.Read)
	require.NotNil(t, err)
	var kerr *kestrel.Error
	require.ErrorAs(t, err, &kerr)
	assert.Equal(t, kestrel.KindAlreadyRegistered, kerr.Kind)
}

func TestReadinessDriverWakeupChannel(t *testing.T) {
	driver, err := kestrel.DriverNamed(readinessBackendName())
	require.Nil(t, err)

	h, err := driver.Create()
	require.Nil(t, err)
	defer driver.Close(h)

	wake, err := driver.CreateWakeupChannel(h)
	require.Nil(t, err)
	require.Nil(t, wake.Wake())

	events := make([]kestrel.Event, 4)
	n, err := driver.Poll(h, kestrel.After(time.Second), events)
	require.Nil(t, err)
	require.Equal(t, 1, n)
	assert.True(t, events[0].IsWakeup())

	require.Nil(t, driver.Close(h))
	// Wake after Close must not panic.
	assert.NotPanics(t, func() { _ = wake.Wake() })
}

func TestReadinessDriverOperationsAfterCloseFail(t *testing.T) {
	driver, err := kestrel.DriverNamed(readinessBackendName())
	require.Nil(t, err)

	h, err := driver.Create()
	require.Nil(t, err)
	require.Nil(t, driver.Close(h))

	_, err = driver.Register(h, 0, kestrel.Read)
	require.NotNil(t, err)
	var kerr *kestrel.Error
	require.ErrorAs(t, err, &kerr)
	assert.Equal(t, kestrel.KindInvalidDescriptor, kerr.Kind)
}

func TestReadinessDriverCapabilities(t *testing.T) {
	driver, err := kestrel.DriverNamed(readinessBackendName())
	require.Nil(t, err)
	caps := driver.Capabilities()
	assert.True(t, caps.SupportsEdgeTriggered)
	assert.False(t, caps.IsCompletionBased)
	assert.Greater(t, caps.MaxEventsPerPoll, 0)

	// Submit/Flush are not meaningful for a readiness backend.
	h, err := driver.Create()
	require.Nil(t, err)
	defer driver.Close(h)
	_, err = driver.Submit(h, kestrel.Operation{})
	require.NotNil(t, err)
	var kerr *kestrel.Error
	require.ErrorAs(t, err, &kerr)
	assert.Equal(t, kestrel.KindCapability, kerr.Kind)
}
