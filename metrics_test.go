package ringrt

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPSquareQuantile_ConvergesOnUniformDistribution(t *testing.T) {
	ps := newPSquareQuantile(0.5)
	for i := 1; i <= 1000; i++ {
		ps.Update(float64(i))
	}
	median := ps.Quantile()
	assert.InDelta(t, 500, median, 50, "P50 of 1..1000 should land near the true median")
}

func TestPSquareQuantile_FewerThanFiveSamplesUsesExactFallback(t *testing.T) {
	ps := newPSquareQuantile(1.0) // max
	ps.Update(3)
	ps.Update(1)
	ps.Update(2)
	assert.Equal(t, 3.0, ps.Max())
}

func TestPSquareMultiQuantile_TracksSeveralPercentilesTogether(t *testing.T) {
	m := newPSquareMultiQuantile(0.5, 0.99)
	for i := 1; i <= 500; i++ {
		m.Update(float64(i))
	}
	p50 := m.Quantile(0)
	p99 := m.Quantile(1)
	assert.Less(t, p50, p99)
	assert.InDelta(t, 250, p50, 40)
	assert.InDelta(t, 495, p99, 40)
	assert.Equal(t, 500.0, m.Max())
}

func TestTaskLatencyMetrics_SnapshotReflectsRecordedSamples(t *testing.T) {
	lm := newTaskLatencyMetrics()
	for i := 0; i < 10; i++ {
		lm.record(time.Duration(i+1) * time.Millisecond)
	}
	snap := lm.snapshot()
	assert.Equal(t, 10, snap.Count)
	assert.Greater(t, snap.Max, time.Duration(0))
}

func TestThroughputCounter_CountsIncrementsWithinWindow(t *testing.T) {
	tc := newThroughputCounter(time.Second, 10*time.Millisecond)
	for i := 0; i < 5; i++ {
		tc.increment()
	}
	rate := tc.rate()
	assert.Greater(t, rate, 0.0)
}

func TestExecutor_MetricsDisabledByDefault(t *testing.T) {
	e, err := NewExecutor(WithArenaSize(16, 64))
	require.NoError(t, err)

	snap := e.Metrics()
	assert.Equal(t, 0, snap.TaskLatency.Count)
	assert.Equal(t, 0.0, snap.TasksPerSec)
}

func TestExecutor_MetricsEnabledTracksTaskRuns(t *testing.T) {
	e, err := NewExecutor(WithArenaSize(16, 64), WithMetrics(true))
	require.NoError(t, err)
	require.NotNil(t, e.metrics)

	e.metrics.recordTaskRun(5 * time.Millisecond)
	e.metrics.recordTaskRun(7 * time.Millisecond)

	snap := e.Metrics()
	assert.Equal(t, 2, snap.TaskLatency.Count)
}

func TestExecutor_MetricsReportsQueueDepths(t *testing.T) {
	e, err := NewExecutor(WithArenaSize(16, 64))
	require.NoError(t, err)
	q := e.NewQueue("bulk", 1)
	q.localPush(newTaskState(0))
	q.localPush(newTaskState(0))

	snap := e.Metrics()
	require.Len(t, snap.Queues, 1)
	assert.Equal(t, "bulk", snap.Queues[0].Name)
	assert.Equal(t, 2, snap.Queues[0].Depth)
}
