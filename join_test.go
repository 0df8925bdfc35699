package ringrt

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJoinHandle_JoinReturnsOutputAndReleasesReference(t *testing.T) {
	tk := newTaskState(0)
	tk.setFlag(taskHasHandle)
	h := newJoinHandle[int](tk)

	tk.poller = constPoller{out: 7, done: true}
	tk.setFlag(taskScheduled)
	tk.run()

	v, err := h.Join(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 7, v)
	assert.False(t, tk.hasFlag(taskHasHandle), "Join must clear the HANDLE bit")
	assert.EqualValues(t, 0, tk.refs.Load(), "Join must release the handle's logical reference once the task is terminal")
}

func TestJoinHandle_DetachAfterJoinReleasesOnlyOnce(t *testing.T) {
	tk := newTaskState(0)
	tk.setFlag(taskHasHandle)
	h := newJoinHandle[int](tk)

	tk.poller = constPoller{out: 1, done: true}
	tk.setFlag(taskScheduled)
	tk.run()

	_, err := h.Join(context.Background())
	require.NoError(t, err)
	h.Detach() // second release attempt must be a no-op, not a double-release

	assert.EqualValues(t, 0, tk.refs.Load())
}

func TestJoinHandle_DetachWithoutWaitingReleasesOnceTerminal(t *testing.T) {
	tk := newTaskState(0)
	tk.setFlag(taskHasHandle)
	h := newJoinHandle[struct{}](tk)
	h.Detach()

	assert.False(t, tk.hasFlag(taskHasHandle))
	// the task has not completed yet, so the reference is not released until it does
	assert.EqualValues(t, 1, tk.refs.Load())

	tk.poller = constPoller{done: true}
	tk.setFlag(taskScheduled)
	tk.run()
	assert.EqualValues(t, 0, tk.refs.Load(), "release() on completion must still run for a detached task")
}

func TestJoinHandle_JoinPropagatesTaskError(t *testing.T) {
	tk := newTaskState(0)
	tk.setFlag(taskHasHandle)
	h := newJoinHandle[int](tk)

	boom := &CancelledError{}
	tk.poller = constPoller{err: boom, done: true}
	tk.setFlag(taskScheduled)
	tk.run()

	_, err := h.Join(context.Background())
	assert.Same(t, error(boom), err)
}

func TestJoinHandle_JoinRespectsContextCancellation(t *testing.T) {
	tk := newTaskState(0)
	tk.setFlag(taskHasHandle)
	h := newJoinHandle[int](tk)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := h.Join(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestJoinHandle_CancelMarksTaskClosed(t *testing.T) {
	tk := newTaskState(0)
	tk.setFlag(taskHasHandle)
	h := newJoinHandle[int](tk)

	h.Cancel()
	assert.True(t, tk.hasFlag(taskClosed))
}

func TestJoinHandle_JoinBlocksUntilCompletionAcrossGoroutines(t *testing.T) {
	tk := newTaskState(0)
	tk.setFlag(taskHasHandle)
	h := newJoinHandle[int](tk)

	done := make(chan struct{})
	go func() {
		defer close(done)
		v, err := h.Join(context.Background())
		assert.NoError(t, err)
		assert.Equal(t, 9, v)
	}()

	tk.poller = constPoller{out: 9, done: true}
	tk.setFlag(taskScheduled)
	tk.run()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Join never observed completion")
	}
}
