package recovery

import (
	"sync"
	"sync/atomic"
	"time"
)

const defaultQPSWindow = 1 * time.Minute

// metricsTracker keeps in-process completion counters. Completion timestamps
// are pruned to the QPS window on every read so the slice stays bounded.
type metricsTracker struct {
	submittedCount atomic.Int64
	completedCount atomic.Int64
	cumulativeMs   atomic.Int64

	mu          sync.Mutex
	completions []time.Time
	qpsWindow   time.Duration
}

func newMetricsTracker(qpsWindow time.Duration) *metricsTracker {
	if qpsWindow <= 0 {
		qpsWindow = defaultQPSWindow
	}

	return &metricsTracker{qpsWindow: qpsWindow}
}

func (m *metricsTracker) submitted() {
	m.submittedCount.Add(1)
}

func (m *metricsTracker) completed(at time.Time, elapsed time.Duration) {
	m.completedCount.Add(1)
	m.cumulativeMs.Add(elapsed.Milliseconds())

	m.mu.Lock()
	m.completions = append(m.completions, at)
	m.mu.Unlock()
}

func (m *metricsTracker) averageRecoveryMs() float64 {
	completed := m.completedCount.Load()
	if completed == 0 {
		return 0
	}

	return float64(m.cumulativeMs.Load()) / float64(completed)
}

// qps counts the completions that landed inside the trailing window.
func (m *metricsTracker) qps(now time.Time) int64 {
	cutoff := now.Add(-m.qpsWindow)

	m.mu.Lock()
	defer m.mu.Unlock()

	kept := m.completions[:0]
	for _, at := range m.completions {
		if at.After(cutoff) {
			kept = append(kept, at)
		}
	}
	m.completions = kept

	return int64(len(m.completions))
}
