package kestrel_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/kestrel-io/kestrel"
)

func TestEventIsWakeup(t *testing.T) {
	assert.True(t, kestrel.Event{ID: kestrel.WakeupID}.IsWakeup())
	assert.False(t, kestrel.Event{ID: kestrel.WakeupID + 1}.IsWakeup())
}

func TestOperationKindString(t *testing.T) {
	assert.Equal(t, "read", kestrel.OpRead.String())
	assert.Equal(t, "write", kestrel.OpWrite.String())
	assert.Equal(t, "accept", kestrel.OpAccept.String())
	assert.Equal(t, "connect", kestrel.OpConnect.String())
	assert.Equal(t, "cancel", kestrel.OpCancel.String())
}
