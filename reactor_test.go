//go:build linux

package ringrt

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// These tests exercise the pure-Go foreignWakeRing bookkeeping directly.
// The io_uring submit/complete path and the epoll fallback both require a
// real kernel (io_uring_setup, epoll_create1) and are not meaningfully
// fakeable in a unit test; they are covered indirectly by
// TestAfter_CompletesBootstrapTaskOnExecutorRun in timer_test.go, which
// drives a full Executor through NewExecutor/Run on whatever Park path the
// host kernel actually supports.

func TestForeignWakeRing_FirstPushSinceDrainTriggersNotify(t *testing.T) {
	r := newForeignWakeRing()
	first, overflowed := r.push(wakerFunc(func() {}))
	assert.True(t, first)
	assert.False(t, overflowed)
	assert.EqualValues(t, 1, r.pendingCount())
}

func TestForeignWakeRing_SubsequentPushesCoalesceBeforeDrain(t *testing.T) {
	r := newForeignWakeRing()
	first1, _ := r.push(wakerFunc(func() {}))
	first2, _ := r.push(wakerFunc(func() {}))
	first3, _ := r.push(wakerFunc(func() {}))
	assert.True(t, first1)
	assert.False(t, first2)
	assert.False(t, first3)
	assert.EqualValues(t, 3, r.pendingCount())
}

func TestForeignWakeRing_DrainResetsPendingAndReArmsNotify(t *testing.T) {
	r := newForeignWakeRing()
	r.push(wakerFunc(func() {}))
	r.push(wakerFunc(func() {}))

	woken := r.drain()
	require.Len(t, woken, 2)
	assert.EqualValues(t, 0, r.pendingCount())

	first, _ := r.push(wakerFunc(func() {}))
	assert.True(t, first, "after a drain, the next push must again report first-since-drain")
}

func TestForeignWakeRing_OverflowDropsButStillNotifies(t *testing.T) {
	r := newForeignWakeRing()
	for i := 0; i < foreignRingCapacity; i++ {
		r.push(wakerFunc(func() {}))
	}
	_, overflowed := r.push(wakerFunc(func() {}))
	assert.True(t, overflowed)
}

func TestForeignWakeRing_StatsCounterMatchesPushHistory(t *testing.T) {
	r := newForeignWakeRing()
	r.push(wakerFunc(func() {}))
	r.push(wakerFunc(func() {}))
	r.drain()
	r.push(wakerFunc(func() {}))

	assert.EqualValues(t, 3, r.pushed.Load())
	assert.EqualValues(t, 1, r.coalesced.Load())
	assert.EqualValues(t, 0, r.overflowed.Load())
}

func TestReactor_ForeignWakeStatsReflectsRingCounters(t *testing.T) {
	e := newTestExecutor(t)
	defer e.reactor.Close()

	woke := make(chan struct{}, 2)
	e.reactor.RegisterForeignWaker(wakerFunc(func() { woke <- struct{}{} }))
	e.reactor.RegisterForeignWaker(wakerFunc(func() { woke <- struct{}{} }))

	pushed, coalesced, overflowed := e.reactor.ForeignWakeStats()
	assert.EqualValues(t, 2, pushed)
	assert.EqualValues(t, 1, coalesced)
	assert.EqualValues(t, 0, overflowed)

	e.reactor.Park(10 * time.Millisecond)
	select {
	case <-woke:
	default:
		t.Fatal("expected at least one foreign waker to have drained")
	}
}
