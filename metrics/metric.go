// Package metrics provides kestrel's runtime monitoring counters, such as
// per-backend wait/event counts, a good tool for diagnosing whether a
// driver is spinning on zero-event wakeups or arming more than it needs
// to.
package metrics

import (
	"fmt"
	"time"

	"go.uber.org/atomic"
)

// All metrics definitions.
const (
	// Epoll backend metrics.
	EpollWait = iota
	EpollNoWait
	EpollEvents

	// Kqueue backend metrics.
	KqueueWait
	KqueueNoWait
	KqueueEvents

	// IOCP backend metrics.
	IOCPWait
	IOCPEvents

	// io_uring backend metrics.
	IOUringEnter
	IOUringCompletions
	IOUringSubmissionsFlushed

	// Backend-agnostic Driver call counters, shared by every backend;
	// each backend increments the ones for the operations it implements.
	RegisterCalls
	ModifyCalls
	ArmCalls
	DeregisterCalls
	SubmitCalls
	FlushCalls
	WakeupSignals

	// Pool metrics, incremented by internal/pool.
	PoolCloseJobs

	Max
)

var metricsTable [Max]atomic.Uint64

// Add adds delta to the counter named name. Calls for an unknown name
// (name >= Max) are silently dropped rather than panicking, so a backend
// compiled against a newer metrics package never crashes an older caller.
func Add(name int, delta uint64) {
	if name < 0 || name >= Max {
		return
	}
	metricsTable[name].Add(delta)
}

// Get returns one metric counter's current value.
func Get(name int) uint64 {
	if name < 0 || name >= Max {
		return 0
	}
	return metricsTable[name].Load()
}

// GetAll returns a snapshot of every counter.
func GetAll() [Max]uint64 {
	var m [Max]uint64
	for i := range metricsTable {
		m[i] = metricsTable[i].Load()
	}
	return m
}

// ShowMetricsOfPeriod blocks for d, then prints the delta accumulated
// during that window.
func ShowMetricsOfPeriod(d time.Duration) {
	old := GetAll()
	<-time.After(d)
	latest := GetAll()
	var m [Max]uint64
	for i := range metricsTable {
		m[i] = latest[i] - old[i]
	}
	showAll(m)
}

// ShowMetrics prints the current counters to stdout.
func ShowMetrics() {
	showAll(GetAll())
}

func showAll(m [Max]uint64) {
	fmt.Println("######### kestrel metrics (", time.Now().Format("2006-01-02 15:04:05"), ") ###########")
	showEpollMetrics(m)
	showKqueueMetrics(m)
	showIOCPMetrics(m)
	showIOUringMetrics(m)
	showDriverMetrics(m)
	fmt.Printf("%-59s: %d\n", "# pool - number of close jobs dispatched", m[PoolCloseJobs])
	fmt.Printf("\n")
}

func showEpollMetrics(m [Max]uint64) {
	fmt.Printf("%-59s: %d\n", "# epoll - number of epoll_pwait returns", m[EpollWait])
	fmt.Printf("%-59s: %d\n", "# epoll - number of non-blocking epoll_pwait calls", m[EpollNoWait])
	fmt.Printf("%-59s: %d\n", "# epoll - number of events delivered", m[EpollEvents])
	if m[EpollWait] > 0 {
		fmt.Printf("%-59s: %.2f\n", "# epoll - average events per epoll_pwait",
			float32(m[EpollEvents])/float32(m[EpollWait]))
	}
}

func showKqueueMetrics(m [Max]uint64) {
	fmt.Printf("%-59s: %d\n", "# kqueue - number of kevent returns", m[KqueueWait])
	fmt.Printf("%-59s: %d\n", "# kqueue - number of non-blocking kevent calls", m[KqueueNoWait])
	fmt.Printf("%-59s: %d\n", "# kqueue - number of events delivered", m[KqueueEvents])
}

func showIOCPMetrics(m [Max]uint64) {
	fmt.Printf("%-59s: %d\n", "# iocp - number of GetQueuedCompletionStatus returns", m[IOCPWait])
	fmt.Printf("%-59s: %d\n", "# iocp - number of completions delivered", m[IOCPEvents])
}

func showIOUringMetrics(m [Max]uint64) {
	fmt.Printf("%-59s: %d\n", "# io_uring - number of io_uring_enter calls", m[IOUringEnter])
	fmt.Printf("%-59s: %d\n", "# io_uring - number of completions delivered", m[IOUringCompletions])
	fmt.Printf("%-59s: %d\n", "# io_uring - number of submissions flushed", m[IOUringSubmissionsFlushed])
}

func showDriverMetrics(m [Max]uint64) {
	fmt.Printf("%-59s: %d\n", "# driver - Register calls", m[RegisterCalls])
	fmt.Printf("%-59s: %d\n", "# driver - Modify calls", m[ModifyCalls])
	fmt.Printf("%-59s: %d\n", "# driver - Arm calls", m[ArmCalls])
	fmt.Printf("%-59s: %d\n", "# driver - Deregister calls", m[DeregisterCalls])
	fmt.Printf("%-59s: %d\n", "# driver - Submit calls", m[SubmitCalls])
	fmt.Printf("%-59s: %d\n", "# driver - Flush calls", m[FlushCalls])
	fmt.Printf("%-59s: %d\n", "# driver - wakeup signals sent", m[WakeupSignals])
}
