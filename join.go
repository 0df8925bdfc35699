package ringrt

import (
	"context"
	"sync"
)

// JoinHandle is a future resolving to a task's output T, or to a
// CancelledError/PanicError carried as the join error. Dropping a
// JoinHandle has no effect on the task; the task is cancelled only by an
// explicit Cancel. Since Go has no destructors, the HANDLE reference (spec.md §3: "an extra logical
// reference") is released exactly once, by whichever of Join or Detach runs
// first - Join's first successful read stands in for "the handle observed
// the output", matching invariant (ii) in spec.md §3.
type JoinHandle[T any] struct {
	task     *Task
	done     chan struct{}
	released sync.Once
}

// newJoinHandle wires a completion channel onto the task's awaiter slot at
// construction time, before the task has had any chance to run, so there
// is never a window where the task could complete without a waker
// installed to observe it.
func newJoinHandle[T any](t *Task) *JoinHandle[T] {
	h := &JoinHandle[T]{task: t, done: make(chan struct{})}
	done := h.done
	w := Waker(wakerFunc(func() { close(done) }))
	t.awaiter.Store(&w)
	return h
}

// Join blocks until the task completes (or ctx is done), returning its
// output and error. The first call to Join or Detach, whichever happens
// first, releases the handle's logical reference on the task.
func (h *JoinHandle[T]) Join(ctx context.Context) (T, error) {
	var zero T
	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	case <-h.done:
	}
	h.releaseHandle()
	if h.task.outErr != nil {
		return zero, h.task.outErr
	}
	if v, ok := h.task.output.(T); ok {
		return v, nil
	}
	return zero, nil
}

// Detach releases the handle bit without waiting for completion: the task
// runs to completion independently and its output/error are discarded.
func (h *JoinHandle[T]) Detach() { h.releaseHandle() }

// releaseHandle clears the HANDLE bit and, if the task has already reached a
// terminal state, drops the handle's reference - mirroring the Rust
// original's "dropping the handle" path, since Go has no destructor to hook
// into automatically. Idempotent: only the first caller (Join or Detach)
// has any effect.
func (h *JoinHandle[T]) releaseHandle() {
	h.released.Do(func() {
		h.task.clearFlag(taskHasHandle)
		if h.task.hasFlag(taskCompleted) || h.task.hasFlag(taskClosed) {
			h.task.release()
		}
	})
}

// Cancel marks the task CLOSED: if RUNNING it is cancelled at the next
// safe point; if SCHEDULED it is drained without running when next popped.
func (h *JoinHandle[T]) Cancel() {
	h.task.cancelTask()
}
