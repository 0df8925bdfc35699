package ringrt

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubmissionPolicy_LowLatencySubmitsOnFirstSQE(t *testing.T) {
	p := newSubmissionPolicy(SubmitLowLatency, newLatencyWindow())
	assert.False(t, p.shouldSubmit(0, 0))
	assert.True(t, p.shouldSubmit(1, 0))
}

func TestSubmissionPolicy_LowLatencySubmitsAfterWaitThreshold(t *testing.T) {
	p := newSubmissionPolicy(SubmitLowLatency, newLatencyWindow())
	assert.True(t, p.shouldSubmit(1, 200*time.Microsecond))
}

func TestSubmissionPolicy_HighThroughputBatchesUntilDepthOrWait(t *testing.T) {
	p := newSubmissionPolicy(SubmitHighThroughput, newLatencyWindow())
	assert.False(t, p.shouldSubmit(10, 10*time.Microsecond))
	assert.True(t, p.shouldSubmit(64, 0))
	assert.True(t, p.shouldSubmit(1, 1100*time.Microsecond))
}

func TestSubmissionPolicy_BalancedFallsBackToMiddleGroundWithoutEnoughSamples(t *testing.T) {
	p := newSubmissionPolicy(SubmitBalanced, newLatencyWindow())
	assert.False(t, p.shouldSubmit(7, 100*time.Microsecond))
	assert.True(t, p.shouldSubmit(8, 0))
	assert.True(t, p.shouldSubmit(1, 250*time.Microsecond))
}

func TestSubmissionPolicy_BalancedBiasesEagerWhenTailLatencyIsHigh(t *testing.T) {
	lat := newLatencyWindow()
	for i := 0; i < latencyWindowSize; i++ {
		lat.record(20 * time.Millisecond)
	}
	p := newSubmissionPolicy(SubmitBalanced, lat)
	assert.True(t, p.shouldSubmit(1, 0), "a P99 above 10ms should submit on the first queued SQE")
}

func TestSubmissionPolicy_BalancedBiasesThroughputWhenTailLatencyIsLow(t *testing.T) {
	lat := newLatencyWindow()
	for i := 0; i < latencyWindowSize; i++ {
		lat.record(10 * time.Microsecond)
	}
	p := newSubmissionPolicy(SubmitBalanced, lat)
	assert.False(t, p.shouldSubmit(10, 100*time.Microsecond))
	assert.True(t, p.shouldSubmit(32, 0))
}

func TestSubmissionPolicy_EnvOverridesStaticThresholds(t *testing.T) {
	t.Setenv("RINGRT_SUBMIT_BATCH_SIZE", "4")
	t.Setenv("RINGRT_SUBMIT_MAX_WAIT_US", "50")
	p := newSubmissionPolicy(SubmitLowLatency, newLatencyWindow())
	assert.Equal(t, 4, p.depthThreshold)
	assert.Equal(t, 50*time.Microsecond, p.waitThreshold)
}

func TestSubmitModeFromEnv_DefaultsToBalanced(t *testing.T) {
	assert.Equal(t, SubmitBalanced, submitModeFromEnv())
}

func TestSubmitModeFromEnv_ParsesKnownValues(t *testing.T) {
	t.Setenv("RINGRT_SUBMIT_MODE", "low-latency")
	assert.Equal(t, SubmitLowLatency, submitModeFromEnv())

	t.Setenv("RINGRT_SUBMIT_MODE", "high-throughput")
	assert.Equal(t, SubmitHighThroughput, submitModeFromEnv())

	t.Setenv("RINGRT_SUBMIT_MODE", "balanced")
	assert.Equal(t, SubmitBalanced, submitModeFromEnv())
}

func TestSubmitModeFromEnv_UnknownValueFallsBackToBalanced(t *testing.T) {
	t.Setenv("RINGRT_SUBMIT_MODE", "yolo")
	assert.Equal(t, SubmitBalanced, submitModeFromEnv())
}

func TestLatencyWindow_QuantileIsZeroBeforeAnySamples(t *testing.T) {
	w := newLatencyWindow()
	assert.Equal(t, time.Duration(0), w.quantile(0.99))
}

func TestLatencyWindow_QuantileWrapsOnceFull(t *testing.T) {
	w := newLatencyWindow()
	for i := 0; i < latencyWindowSize+10; i++ {
		w.record(time.Duration(i+1) * time.Microsecond)
	}
	// the window holds only the most recent latencyWindowSize samples
	p99 := w.quantile(0.99)
	require.Greater(t, p99, time.Duration(0))
	assert.LessOrEqual(t, p99, time.Duration(latencyWindowSize+10)*time.Microsecond)
}
