package kestrel_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/kestrel-io/kestrel"
)

func TestDeadlineNeverDoesNotExpire(t *testing.T) {
	assert.False(t, kestrel.Never.Expired())
	assert.Greater(t, int64(kestrel.Never.Remaining()), int64(0))
}

func TestDeadlineAfterZeroIsImmediatelyExpired(t *testing.T) {
	d := kestrel.After(0)
	assert.True(t, d.Expired())
	assert.Equal(t, time.Duration(0), d.Remaining())
}

func TestDeadlineAfterNegativeSaturatesToNow(t *testing.T) {
	d := kestrel.After(-time.Second)
	assert.True(t, d.Expired())
}

func TestDeadlineAfterFutureNotYetExpired(t *testing.T) {
	d := kestrel.After(time.Hour)
	assert.False(t, d.Expired())
	assert.Greater(t, int64(d.Remaining()), int64(0))
}

func TestDeadlineOverflowSaturatesToNever(t *testing.T) {
	d := kestrel.After(time.Duration(1<<63 - 1))
	assert.Equal(t, kestrel.Never, d)
}

func TestDeadlineOrdering(t *testing.T) {
	now := kestrel.Now()
	later := kestrel.After(time.Second)
	assert.Less(t, int64(now), int64(later))
}
