package ringrt

import (
	"context"
	"runtime/debug"
	"sync/atomic"
	"unsafe"
)

// taskState is the single-word state machine described by the runtime's
// task lifecycle: START -> SCHEDULED -> RUNNING -> COMPLETED, with CLOSED
// reachable from any state via cancellation. Unlike the Rust original's
// packed state-plus-refcount word, this runtime keeps refcount in its own
// atomic (Task.refs) - see DESIGN.md for why a literal packed word was not
// worth reproducing in Go.
type taskState uint32

const (
	taskScheduled taskState = 1 << iota
	taskRunning
	taskCompleted
	taskClosed
	taskHasHandle
	taskHasAwaiter
	// taskArenaAllocated marks a Task whose backing struct was drawn from
	// the owning Executor's Arena task pool rather than the Go heap -
	// spec.md §3's ARENA_ALLOCATED bit. destroy() does not read it: it
	// decides from arenaOwner, selfPtr and arenaDealloc whether to return
	// the slot to the arena or leave it for the garbage collector.
	taskArenaAllocated
)

// Poller is the type-erased unit of work a Task drives to completion. It
// plays the role the Rust original gives a boxed Future: Poll is called
// with the task's context each time the task is run, and returns either a
// pending signal (done=false) or a terminal result.
type Poller interface {
	Poll(ctx context.Context) (result any, err error, done bool)
}

// PollerFunc adapts a plain function into a Poller that completes on its
// first poll - the common case for non-yielding work.
type PollerFunc func(ctx context.Context) (any, error)

func (f PollerFunc) Poll(ctx context.Context) (any, error, bool) {
	v, err := f(ctx)
	return v, err, true
}

// Waker is notified when a pending task becomes runnable again.
type Waker interface {
	Wake()
}

// wakerFunc adapts a function to the Waker interface.
type wakerFunc func()

func (f wakerFunc) Wake() { f() }

// Task is the runtime's type-erased, reference-counted unit of scheduling.
// Tasks are allocated either from an Executor's Arena or, when the Arena is
// exhausted, from the regular Go heap; arenaOwner (nil for heap tasks) tells
// destroy() which to use.
type Task struct {
	id    uint64
	state atomic.Uint32
	refs  atomic.Int32

	// arenaOwner is nil for heap-allocated tasks. For arena-allocated
	// tasks it lets destroy() probe whether the arena is still alive
	// without holding a strong reference to the Arena itself.
	arenaOwner   *arenaLiveness
	selfPtr      unsafe.Pointer                 // arena slot backing this Task's struct header, if any
	arenaDealloc func(unsafe.Pointer) bool      // bound Arena.TryDeallocateTask, nil for heap tasks

	ownerExecutor uint64
	queue         *TaskQueue

	poller Poller
	output any
	outErr error

	awaiter atomic.Pointer[Waker]

	ctx    context.Context
	cancel context.CancelFunc
}

func newTaskState(initial taskState) *Task {
	t := &Task{}
	t.state.Store(uint32(initial))
	t.refs.Store(1)
	return t
}

// resetForAllocation reinitializes t for a fresh (or recycled) allocation
// out of an Arena's task pool. A recycled slot carries the previous task's
// field values - poller, context, awaiter, schedule target - so it must be
// cleared field-by-field rather than by a whole-struct assignment, which
// would copy the embedded atomic fields' no-copy guards. initial is stored
// as the starting state (callers pass taskArenaAllocated here, since this
// path is only ever reached from an arena-backed allocation).
func (t *Task) resetForAllocation(initial taskState) {
	t.id = 0
	t.state.Store(uint32(initial))
	t.refs.Store(1)
	t.arenaOwner = nil
	t.arenaDealloc = nil
	t.selfPtr = nil
	t.ownerExecutor = 0
	t.queue = nil
	t.poller = nil
	t.output = nil
	t.outErr = nil
	t.awaiter.Store(nil)
	t.ctx = nil
	t.cancel = nil
}

func (t *Task) loadState() taskState { return taskState(t.state.Load()) }

func (t *Task) hasFlag(f taskState) bool { return t.loadState()&f != 0 }

func (t *Task) setFlag(f taskState) {
	for {
		old := t.state.Load()
		nv := old | uint32(f)
		if t.state.CompareAndSwap(old, nv) {
			return
		}
	}
}

func (t *Task) clearFlag(f taskState) {
	for {
		old := t.state.Load()
		nv := old &^ uint32(f)
		if t.state.CompareAndSwap(old, nv) {
			return
		}
	}
}

// schedule transitions the task to SCHEDULED (idempotently, a duplicate
// wake while already SCHEDULED is a no-op) and pushes it onto its owning
// queue, routing cross-thread when the caller is not the owning executor.
func (t *Task) schedule() {
	for {
		old := t.state.Load()
		if taskState(old)&taskScheduled != 0 {
			return // already scheduled: idempotent
		}
		if taskState(old)&taskClosed != 0 {
			return // cancelled, never reschedule
		}
		if t.state.CompareAndSwap(old, old|uint32(taskScheduled)) {
			break
		}
	}
	if q := t.queue; q != nil {
		q.enqueueCrossSafe(t, t.ownerExecutor)
	}
}

// run requires SCHEDULED, drives one poll, and returns whether the task
// reached a terminal state (COMPLETED or CLOSED). The caller (the executor
// run loop) must not be holding any queue lock while this executes, since
// polling may re-enter the scheduler (e.g. spawn_local).
func (t *Task) run() (terminal bool) {
	t.clearFlag(taskScheduled)
	t.setFlag(taskRunning)

	if t.hasFlag(taskClosed) {
		t.clearFlag(taskRunning)
		t.dropPoller()
		return true
	}

	result, err, done := t.pollOnce()

	t.clearFlag(taskRunning)

	if !done {
		// Pending: if schedule() was called reentrantly during the poll
		// (the task woke itself), SCHEDULED is already set again and the
		// queue already has it; otherwise it stays IDLE until woken.
		return false
	}

	t.output, t.outErr = result, err
	if _, panicked := err.(*PanicError); !panicked {
		t.setFlag(taskCompleted) // a panic already marked the task CLOSED
	}
	t.dropPoller()

	if w := t.awaiter.Load(); w != nil {
		(*w).Wake()
	}
	if !t.hasFlag(taskHasHandle) {
		t.release()
	}
	return true
}

func (t *Task) pollOnce() (result any, err error, done bool) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r, Stack: debug.Stack()}
			done = true
			t.setFlag(taskClosed)
		}
	}()
	if t.poller == nil {
		return nil, nil, true
	}
	return t.poller.Poll(t.ctx)
}

func (t *Task) dropPoller() { t.poller = nil }

// SelfWaker returns a Waker that reschedules this task. Pollers that need
// to suspend (return done=false) capture this at construction time so
// whatever external event they are waiting on - a wheel deadline, a CQE,
// a foreign wake - can resume them without the task needing any other
// handle back to the scheduler.
func (t *Task) SelfWaker() Waker { return wakerFunc(t.schedule) }

// cancelTask marks the task CLOSED from any state, dropping the poller in
// place if it has not yet completed.
func (t *Task) cancelTask() {
	for {
		old := t.loadState()
		if old&(taskCompleted|taskClosed) != 0 {
			return
		}
		if t.state.CompareAndSwap(uint32(old), uint32(old|taskClosed)) {
			break
		}
	}
	if !t.hasFlag(taskRunning) {
		t.dropPoller()
	}
	if t.cancel != nil {
		t.cancel()
	}
}

// retain increments the refcount.
func (t *Task) retain() { t.refs.Add(1) }

// release decrements the refcount; at zero it calls destroy.
func (t *Task) release() {
	if t.refs.Add(-1) == 0 {
		t.destroy()
	}
}

// destroy frees the task's backing storage: back to the arena if it was
// arena-allocated and the arena is still alive, otherwise it is left to the
// Go garbage collector (the idiomatic replacement for an explicit heap
// free - see DESIGN.md). An arena-allocated task whose arena has since died
// is deliberately leaked from the arena's perspective (its Go memory is
// still GC'd normally; only the slot recycling is skipped), matching
// spec.md's explicit policy for that race.
func (t *Task) destroy() {
	if t.arenaOwner == nil || t.selfPtr == nil {
		return // heap-allocated: nothing to do, GC reclaims it
	}
	if t.arenaOwner.isLive() && t.arenaDealloc != nil {
		t.arenaDealloc(t.selfPtr)
	}
	// Arena dead: deliberately leak the slot recycling accounting (the
	// arena itself is gone, so there is nothing to recycle into); the Go
	// struct is still collected normally.
}
