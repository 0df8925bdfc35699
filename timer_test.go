package ringrt

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestExecutor(t *testing.T) *Executor {
	t.Helper()
	e, err := NewExecutor(WithArenaSize(16, 64))
	require.NoError(t, err)
	return e
}

func TestRegisterTimer_FiresWakerAtDeadline(t *testing.T) {
	e := newTestExecutor(t)
	waker := &recordingWaker{}
	RegisterTimer(e, time.Now().Add(5*time.Millisecond), waker)

	e.reactor.Park(50 * time.Millisecond)
	assert.True(t, waker.woke)
}

func TestTimerHandle_CancelBeforeFirePreventsWake(t *testing.T) {
	e := newTestExecutor(t)
	waker := &recordingWaker{}
	h := RegisterTimer(e, time.Now().Add(50*time.Millisecond), waker)

	assert.True(t, h.Cancel())
	assert.False(t, h.Cancel(), "cancelling twice must report false")

	e.reactor.Park(5 * time.Millisecond)
	assert.False(t, waker.woke)
}

func TestTimerHandle_RegisterThenCancelChurnLeavesWheelClean(t *testing.T) {
	e := newTestExecutor(t)
	for i := 0; i < 50; i++ {
		h := RegisterTimer(e, time.Now().Add(time.Duration(i+1)*time.Millisecond), &recordingWaker{})
		h.Cancel()
	}
	assert.Equal(t, 0, e.reactor.wheel.Len())
}

func TestAfter_CompletesBootstrapTaskOnExecutorRun(t *testing.T) {
	e := newTestExecutor(t)
	start := time.Now()

	v, err := Run(e, func(ctx context.Context) (int, error) {
		h, err := After(e, e.NewQueue("timers", 1), 10*time.Millisecond)
		if err != nil {
			return 0, err
		}
		if _, err := h.Join(ctx); err != nil {
			return 0, err
		}
		return 7, nil
	})

	require.NoError(t, err)
	assert.Equal(t, 7, v)
	assert.GreaterOrEqual(t, time.Since(start), 9*time.Millisecond)
}
