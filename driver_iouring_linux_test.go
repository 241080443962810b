//go:build linux
// +build linux

package kestrel_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/kestrel-io/kestrel"
)

func requireIOUring(t *testing.T) kestrel.Driver {
	t.Helper()
	driver, err := kestrel.DriverNamed("io_uring")
	if err != nil {
		t.Skipf("io_uring not available in this environment: %v", err)
	}
	return driver
}

func TestIOUringDriverCapabilities(t *testing.T) {
	driver := requireIOUring(t)
	caps := driver.Capabilities()
	assert.Equal(t, "io_uring", caps.Name)
	assert.True(t, caps.IsCompletionBased)
	assert.False(t, caps.SupportsEdgeTriggered)
	assert.Contains(t, caps.OperationKinds, kestrel.OpRead)
	assert.Contains(t, caps.OperationKinds, kestrel.OpCancel)
}

func TestIOUringDriverSubmitFlushPollReadsFromPipe(t *testing.T) {
	driver := requireIOUring(t)

	h, err := driver.Create()
	require.Nil(t, err)
	defer driver.Close(h)

	fds := make([]int, 2)
	require.Nil(t, unix.Pipe(fds))
	readFD, writeFD := fds[0], fds[1]
	defer unix.Close(readFD)
	defer unix.Close(writeFD)

	buf := make([]byte, 16)
	id, err := driver.Submit(h, kestrel.Operation{
		Kind:     kestrel.OpRead,
		Resource: uintptr(readFD),
		Buffer:   buf,
		UserData: 42,
	})
	require.Nil(t, err)

	n, err := unix.Write(writeFD, []byte("hello"))
	require.Nil(t, err)
	require.Equal(t, 5, n)

	events := make([]kestrel.Event, 4)
	got, err := driver.Poll(h, kestrel.After(5*time.Second), events)
	require.Nil(t, err)
	require.Equal(t, 1, got)
	assert.Equal(t, id, events[0].ID)
	assert.Equal(t, uint64(42), events[0].UserData)
	assert.Equal(t, 5, events[0].Bytes)
	assert.False(t, events[0].Flags.Has(kestrel.FlagError))
}

func TestIOUringDriverPollHonorsDeadlineWithNoWork(t *testing.T) {
	driver := requireIOUring(t)

	h, err := driver.Create()
	require.Nil(t, err)
	defer driver.Close(h)

	events := make([]kestrel.Event, 4)
	start := time.Now()
	n, err := driver.Poll(h, kestrel.After(50*time.Millisecond), events)
	require.Nil(t, err)
	assert.Equal(t, 0, n)
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
}

func TestIOUringDriverUnsupportedOperationKindIsCapabilityError(t *testing.T) {
	driver := requireIOUring(t)

	h, err := driver.Create()
	require.Nil(t, err)
	defer driver.Close(h)

	_, err = driver.Submit(h, kestrel.Operation{Kind: kestrel.OperationKind(255)})
	require.NotNil(t, err)
	var kerr *kestrel.Error
	require.ErrorAs(t, err, &kerr)
	assert.Equal(t, kestrel.KindCapability, kerr.Kind)
}

func TestIOUringDriverWakeupUnblocksPoll(t *testing.T) {
	driver := requireIOUring(t)

	h, err := driver.Create()
	require.Nil(t, err)
	defer driver.Close(h)

	wake, err := driver.CreateWakeupChannel(h)
	require.Nil(t, err)

	done := make(chan struct{})
	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = wake.Wake()
		close(done)
	}()

	events := make([]kestrel.Event, 4)
	_, err = driver.Poll(h, kestrel.After(5*time.Second), events)
	require.Nil(t, err)
	<-done
}
