package recovery

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestQPSCountsCompletionsInWindow(t *testing.T) {
	assert := assert.New(t)

	tracker := newMetricsTracker(time.Minute)
	now := time.Now()

	tracker.completed(now.Add(-2*time.Minute), 100*time.Millisecond)
	tracker.completed(now.Add(-30*time.Second), 100*time.Millisecond)
	tracker.completed(now.Add(-5*time.Second), 100*time.Millisecond)

	assert.EqualValues(2, tracker.qps(now))

	// reads prune anything that aged out so the slice stays bounded
	assert.Len(tracker.completions, 2)
}

func TestQPSEmpty(t *testing.T) {
	assert := assert.New(t)

	tracker := newMetricsTracker(0)
	assert.EqualValues(0, tracker.qps(time.Now()))
}

func TestAverageRecoveryMs(t *testing.T) {
	assert := assert.New(t)

	tracker := newMetricsTracker(time.Minute)
	assert.Zero(tracker.averageRecoveryMs())

	now := time.Now()
	tracker.completed(now, 200*time.Millisecond)
	tracker.completed(now, 400*time.Millisecond)

	assert.InDelta(300, tracker.averageRecoveryMs(), 0.01)
}
