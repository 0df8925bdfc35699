package ringrt

import (
	"context"
	"sync/atomic"
	"time"
	"unsafe"
)

var executorIDSeq atomic.Uint64

// Executor is a single-threaded, thread-per-core runtime instance: one
// Arena, one Reactor (io_uring + TimingWheel + foreign-waker ring), a set
// of TaskQueues, and the scheduler picking among them. An Executor must be
// driven by exactly one goroutine, for its entire lifetime, via Run -
// mirroring the one-OS-thread-per-instance model the rest of this runtime
// assumes throughout.
type Executor struct {
	id    uint64
	state *FastState

	arena    *Arena
	arenaLive *arenaLiveness
	reactor  *Reactor
	sched    *scheduler

	runGoroutine atomic.Uint64 // goroutine id owning Run, 0 until started

	logger Logger

	needPreempt   atomic.Bool
	preemptPeriod time.Duration

	currentQueue *TaskQueue // scoped to the call stack of the goroutine inside Run; see spawnLocal

	opts    executorOptions
	metrics *executorMetrics // nil unless constructed with WithMetrics(true)
}

// NewExecutor constructs an Executor ready for Run. Arena sizing and
// reactor submission mode default from the environment
// (RINGRT_ARENA_SLOTS/RINGRT_ARENA_SLOT_BYTES/RINGRT_SUBMIT_MODE) unless
// overridden by options.
func NewExecutor(opts ...ExecutorOption) (*Executor, error) {
	cfg := resolveExecutorOptions(opts)

	e := &Executor{
		id:            executorIDSeq.Add(1),
		state:         NewFastState(),
		sched:         newScheduler(),
		logger:        cfg.logger,
		preemptPeriod: cfg.preemptPeriod,
		opts:          cfg,
	}
	if e.logger == nil {
		e.logger = getGlobalLogger()
	}
	if cfg.metricsEnabled {
		e.metrics = newExecutorMetrics()
	}

	if cfg.arenaSlots > 0 || cfg.arenaSlotBytes > 0 {
		e.arena = NewArena(cfg.arenaSlots, cfg.arenaSlotBytes)
	} else {
		e.arena = NewArenaFromEnv()
	}
	e.arenaLive = newArenaLiveness()

	wheel := NewTimingWheel(time.Now())
	mode := cfg.submitMode
	if !cfg.submitModeSet {
		mode = submitModeFromEnv()
	}
	reactor, err := newReactor(wheel, mode, e.logger, e.id)
	if err != nil {
		return nil, err
	}
	e.reactor = reactor

	return e, nil
}

// DefaultQueue creates and returns a new task queue named "default", for
// callers that don't need multiple shares-weighted lanes. Each call creates
// a separate queue.
func (e *Executor) DefaultQueue(shares int) *TaskQueue {
	return e.sched.newQueue("default", shares, e)
}

// NewQueue creates a new named, shares-weighted TaskQueue on this executor.
func (e *Executor) NewQueue(name string, shares int) *TaskQueue {
	return e.sched.newQueue(name, shares, e)
}

// RemoveQueue destroys a queue; further spawns onto it fail with
// QueueGoneError rather than allocating.
func (e *Executor) RemoveQueue(q *TaskQueue) {
	e.sched.removeQueue(q.id)
}

func (e *Executor) isCurrentThread() bool {
	return e.runGoroutine.Load() == currentGoroutineID()
}

// promoteQueue is called by TaskQueue.localPush when a queue transitions
// from empty to non-empty.
func (e *Executor) promoteQueue(q *TaskQueue) { e.sched.promote(q) }

// foreignSchedule is the cross-thread path: a task owned by this executor
// was woken from another goroutine/thread. It is routed through the
// reactor's foreign-waker ring rather than touching the queue directly.
func (e *Executor) foreignSchedule(q *TaskQueue, t *Task) {
	e.reactor.RegisterForeignWaker(wakerFunc(func() {
		q.localPush(t)
	}))
}

// Spawn allocates a task for fn on queue q, returning a JoinHandle. Per
// spec.md, attempting to spawn onto a destroyed queue fails without
// allocating. fn is expected to run to completion without suspending; for
// tasks that need to await a timer or I/O mid-flight, build a Poller with
// SpawnPoller instead (After, in timer.go, is implemented this way).
func Spawn[T any](e *Executor, q *TaskQueue, fn func(ctx context.Context) (T, error)) (*JoinHandle[T], error) {
	return SpawnPoller[T](e, q, func(*Task) Poller {
		return PollerFunc(func(ctx context.Context) (any, error) { return fn(ctx) })
	})
}

// SpawnPoller is the primitive spawn entry point: newPoller is invoked
// once, immediately, with the freshly allocated (but not yet scheduled)
// Task, so it can capture the task's own SelfWaker for later
// self-rescheduling before the task is ever polled.
func SpawnPoller[T any](e *Executor, q *TaskQueue, newPoller func(self *Task) Poller) (*JoinHandle[T], error) {
	if q.destroyed {
		return nil, &QueueGoneError{QueueID: q.id}
	}
	t := e.allocTask()
	ctx, cancel := context.WithCancel(context.Background())
	t.ctx, t.cancel = ctx, cancel
	t.queue = q
	t.ownerExecutor = e.id
	t.setFlag(taskHasHandle)

	handle := newJoinHandle[T](t)
	t.poller = newPoller(t)
	t.schedule()
	return handle, nil
}

// SpawnLocal spawns fn onto the queue currently executing on this
// executor's goroutine. It is only valid to call from within a task
// running on e (i.e. from inside fn passed to a prior Spawn/SpawnLocal on
// e); otherwise it returns ErrNoCurrentTask.
func SpawnLocal[T any](e *Executor, fn func(ctx context.Context) (T, error)) (*JoinHandle[T], error) {
	if e.currentQueue == nil {
		return nil, ErrNoCurrentTask
	}
	return Spawn(e, e.currentQueue, fn)
}

// allocTask draws a Task from the executor's Arena task pool - spec.md
// §2's "all task allocations go through (A)" - falling back to a
// heap-allocated Task only once the pool's free list and bump cursor are
// both exhausted. Unlike the Rust original, whose arena backs the Task
// struct's own storage directly (a single pointer-arithmetic allocation
// holding header+closure+future/output), Go gives struct values and their
// captured closures to the garbage collector regardless of where they are
// "allocated from": there is no way to place a *Task behind a raw
// untyped-byte arena slot the way the original packs Future/Output into a
// union without defeating the GC's pointer tracking. The adaptation here
// is a typed pool instead: Arena.taskSlots is a fixed array of real *Task
// storage with its own LIFO free list (TryAllocateTask/TryDeallocateTask),
// so recycling is real and observable via ArenaStats().TaskRecycled, not
// merely a comment. This decision is recorded in DESIGN.md.
func (e *Executor) allocTask() *Task {
	if t, ok := e.arena.TryAllocateTask(); ok {
		t.resetForAllocation(taskArenaAllocated)
		t.arenaOwner = e.arenaLive
		t.selfPtr = unsafe.Pointer(t)
		t.arenaDealloc = e.arena.TryDeallocateTask
		return t
	}
	e.arena.RecordTaskHeapFallback()
	return newTaskState(0)
}

// ArenaAllocate exposes the executor's Arena byte slab for scratch buffers
// whose lifetime is scoped to a single task (e.g. a reactor read buffer),
// falling back to a heap-backed slice when the arena is exhausted or the
// request does not fit a slot. This is a separate draw from the Arena's
// task pool (see allocTask): it is the contract point for out-of-scope I/O
// wrappers (DmaFile, sockets) that need arena-backed payload buffers, not
// currently exercised in-tree since those wrappers are out of scope per
// spec.md §1.
func (e *Executor) ArenaAllocate(size int) []byte {
	ptr, ok := e.arena.TryAllocate(uintptr(size), 8)
	if !ok {
		e.arena.RecordHeapFallback()
		return make([]byte, size)
	}
	return unsafe.Slice((*byte)(ptr), size)
}

// Reactor exposes the owned Reactor for I/O wrapper packages built on top
// of this runtime (out of scope for this module per spec.md, but the
// interface point is part of the core's contract).
func (e *Executor) Reactor() *Reactor { return e.reactor }

// ArenaStats returns the executor's arena allocation counters.
func (e *Executor) ArenaStats() ArenaStats { return e.arena.Stats() }

// ID returns the executor's unique identifier.
func (e *Executor) ID() uint64 { return e.id }

// requestPreempt marks the need_preempt signal, checked by the run loop
// between task runs within a burst. Called by the preemption timer.
func (e *Executor) requestPreempt() { e.needPreempt.Store(true) }

// Run bootstraps the executor (already constructed by NewExecutor),
// drives the given bootstrap future to completion on the calling
// goroutine, and returns its output. The calling goroutine owns this
// Executor for the duration of Run: per spec.md's concurrency model, a
// second concurrent call returns ErrExecutorAlreadyRunning immediately.
func Run[T any](e *Executor, bootstrap func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if !e.state.TryTransition(StateAwake, StateRunning) {
		return zero, ErrExecutorAlreadyRunning
	}
	e.runGoroutine.Store(currentGoroutineID())
	defer e.state.Store(StateTerminated)

	q := e.DefaultQueue(1)
	handle, err := Spawn(e, q, bootstrap)
	if err != nil {
		return zero, err
	}

	e.runPreemptionTimer()

	e.loop()

	v, joinErr := handle.Join(context.Background())
	return v, joinErr
}

// runPreemptionTimer arms a one-shot timer that raises need_preempt after
// preemptPeriod (100us unless overridden by WithPreemptPeriod), so a burst
// on one queue cannot starve others even without OS signals. Run arms it
// once at startup and the run loop re-arms it every preemptCheckInterval
// task runs within a burst.
func (e *Executor) runPreemptionTimer() {
	e.reactor.RegisterTimer(time.Now().Add(e.preemptPeriod), wakerFunc(func() {
		e.requestPreempt()
	}))
}

// loop is the executor run loop: spec.md §4.F's pseudocode, transcribed
// directly. It never returns until every queue is both empty and
// destroyed-or-idle and the bootstrap task has completed.
func (e *Executor) loop() {
	for {
		if e.state.Load() == StateTerminating {
			return
		}
		q := e.sched.pickMinVruntime()
		if q == nil {
			wait := e.reactor.NextWakeup(time.Now(), 24*time.Hour)
			e.park(wait)
			if e.sched.pickMinVruntime() == nil && e.allQueuesIdle() {
				return
			}
			continue
		}

		e.sched.popMin()
		burstStart := time.Now()
		prevQueue := e.currentQueue
		e.currentQueue = q
		runs := 0
		for {
			if e.needPreempt.Load() || q.yielded {
				break
			}
			t, ok := q.pop()
			if !ok {
				break
			}
			taskStart := time.Now()
			t.run()
			e.metrics.recordTaskRun(time.Since(taskStart))
			runs++
			if runs%preemptCheckInterval == 0 {
				e.runPreemptionTimer()
			}
		}
		e.currentQueue = prevQueue
		elapsed := time.Since(burstStart)
		e.needPreempt.Store(false)

		e.sched.charge(q, float64(elapsed.Nanoseconds()))
		if q.nonEmpty() {
			e.sched.reinsert(q)
		}

		e.reactor.flushSubmissions()
		e.drainReadyNonBlocking()
	}
}

func (e *Executor) park(until time.Duration) {
	e.state.TryTransition(StateRunning, StateSleeping)
	e.reactor.Park(until)
	e.state.TryTransition(StateSleeping, StateRunning)
}

func (e *Executor) drainReadyNonBlocking() {
	e.reactor.Park(0)
}

// allQueuesIdle reports whether every queue on this executor is both
// destroyed-or-empty, used to decide whether the run loop can exit after
// a park finds nothing newly runnable.
func (e *Executor) allQueuesIdle() bool {
	for _, q := range e.sched.byID {
		if q.nonEmpty() {
			return false
		}
	}
	return true
}

// Shutdown requests the executor terminate at the next safe point. It
// does not block; callers awaiting full termination should join the
// bootstrap task's handle.
func (e *Executor) Shutdown() {
	e.state.TransitionAny([]ExecutorState{StateRunning, StateSleeping, StateAwake}, StateTerminating)
}

// YieldIfNeeded is the cooperative yield point available to running
// tasks: it sets the current queue's yielded flag when need_preempt is
// already set, ending the current burst early without waiting for the
// next poll check.
func (e *Executor) YieldIfNeeded() {
	if e.needPreempt.Load() && e.currentQueue != nil {
		e.currentQueue.yielded = true
	}
}
