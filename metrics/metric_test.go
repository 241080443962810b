package metrics_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/kestrel-io/kestrel/metrics"
)

func TestMetrics(t *testing.T) {
	metrics.Add(metrics.RegisterCalls, 1)
	assert.Equal(t, uint64(1), metrics.Get(metrics.RegisterCalls))
	metrics.Add(metrics.RegisterCalls, 1)
	assert.Equal(t, uint64(2), metrics.Get(metrics.RegisterCalls))
	metrics.Add(metrics.Max+1, 1)
	metrics.Add(-1, 1)
	assert.Equal(t, uint64(0), metrics.Get(metrics.Max+1))
	assert.Equal(t, uint64(0), metrics.Get(-1))

	metrics.Add(metrics.EpollNoWait, 8)
	metrics.Add(metrics.EpollWait, 9)
	metrics.Add(metrics.EpollEvents, 99)
	metrics.Add(metrics.KqueueWait, 3)
	metrics.Add(metrics.KqueueEvents, 30)
	metrics.Add(metrics.IOCPWait, 2)
	metrics.Add(metrics.IOCPEvents, 20)
	metrics.Add(metrics.IOUringEnter, 5)
	metrics.Add(metrics.IOUringCompletions, 50)
	metrics.Add(metrics.PoolCloseJobs, 4)

	metrics.ShowMetrics()
	metrics.ShowMetricsOfPeriod(time.Millisecond)
}
