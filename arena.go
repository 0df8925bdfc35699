package ringrt

import (
	"encoding/binary"
	"os"
	"strconv"
	"sync/atomic"
	"unsafe"
)

// Default arena geometry, per the reference sizing this runtime has always
// shipped with: 100,000 task-sized slots of 1024 bytes each.
const (
	DefaultArenaSlots     = 100_000
	DefaultArenaSlotBytes = 1024

	arenaNoFree = ^uint32(0) // sentinel: free list is empty
)

// ArenaStats reports allocation counters for an Arena. The Task* fields
// cover Executor.allocTask's draw against taskSlots (the path spec.md §2
// means by "all task allocations go through (A)"); the unprefixed fields
// cover the generic byte slab (ArenaAllocate's scratch buffers).
type ArenaStats struct {
	Fresh        uint64 // bump-allocated from never-used slots
	Recycled     uint64 // served from the LIFO free list
	HeapFallback uint64 // request did not fit a slot or the slab was full, served by the heap

	TaskFresh        uint64 // bump-allocated Task slots
	TaskRecycled     uint64 // Task slots served from the LIFO free list
	TaskHeapFallback uint64 // task pool exhausted, Task came from the heap
}

// Arena is a fixed-capacity slab of equal-sized slots with a LIFO free
// list, used to allocate Task bodies without per-task traffic to the
// system allocator. An Arena is owned exclusively by one Executor and is
// never shared across threads: it is not safe for concurrent use.
//
// It backs two distinct kinds of allocation from the same N-slot capacity:
// the generic byte slab below (ArenaAllocate's scratch buffers, e.g. for
// out-of-scope I/O wrappers), and the typed Task pool (taskSlots et al.),
// which is what Executor.allocTask actually draws from for every spawned
// task - see the taskSlots fields and TryAllocateTask/TryDeallocateTask.
// Task structs hold Go pointers (interfaces, a context.Context, a
// schedule closure) that cannot live inside the raw byte slab without
// defeating the GC's pointer scanning, so they get their own array of
// real *Task slots instead of being packed into buf.
type Arena struct {
	buf       []byte
	slotBytes uintptr
	slotAlign uintptr
	slots     uint32

	freeHead  uint32 // LIFO free list head, arenaNoFree if empty
	nextFresh uint32 // bump cursor into never-allocated slots

	fresh    uint64
	recycled uint64
	fallback uint64

	// taskSlots is the Task-shaped counterpart of buf: the same N capacity,
	// pre-allocated once as real *Task storage instead of raw bytes so a
	// recycled slot's fields stay ordinary Go values the GC can scan.
	// taskFreeLinks holds the LIFO free-list links, parallel to taskSlots
	// (an in-struct overlay isn't possible the way buf's first 4 bytes are
	// reused, since a live Task's own fields occupy that space).
	taskSlots     []Task
	taskFreeLinks []uint32
	taskFreeHead  uint32 // arenaNoFree if empty
	taskNextFresh uint32

	taskFresh    uint64
	taskRecycled uint64
	taskFallback uint64
}

// NewArena allocates an Arena with the given slot count and per-slot byte
// capacity. slotBytes is rounded up to the slot alignment so that every
// slot base satisfies max(alignof(uint64), cacheline).
func NewArena(slots, slotBytes int) *Arena {
	if slots <= 0 {
		slots = DefaultArenaSlots
	}
	if slotBytes <= 0 {
		slotBytes = DefaultArenaSlotBytes
	}
	align := uintptr(unsafe.Alignof(uint64(0)))
	if cl := uintptr(128); cl > align {
		align = cl
	}
	sb := uintptr(slotBytes)
	if rem := sb % align; rem != 0 {
		sb += align - rem
	}
	return &Arena{
		buf:           make([]byte, sb*uintptr(slots)),
		slotBytes:     sb,
		slotAlign:     align,
		slots:         uint32(slots),
		freeHead:      arenaNoFree,
		taskSlots:     make([]Task, slots),
		taskFreeLinks: make([]uint32, slots),
		taskFreeHead:  arenaNoFree,
	}
}

// NewArenaFromEnv builds an Arena sized from RINGRT_ARENA_SLOTS and
// RINGRT_ARENA_SLOT_BYTES, falling back to the reference defaults for
// unset or unparsable values.
func NewArenaFromEnv() *Arena {
	slots := DefaultArenaSlots
	slotBytes := DefaultArenaSlotBytes
	if v := os.Getenv("RINGRT_ARENA_SLOTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			slots = n
		}
	}
	if v := os.Getenv("RINGRT_ARENA_SLOT_BYTES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			slotBytes = n
		}
	}
	return NewArena(slots, slotBytes)
}

// SlotBytes returns the (possibly rounded-up) usable size of a slot.
func (a *Arena) SlotBytes() uintptr { return a.slotBytes }

// TryAllocate returns a pointer to a fresh or recycled slot iff size fits
// within a slot and align does not exceed the slot alignment. It returns
// false when the layout cannot be served by the arena at all (the caller
// should fall back to the heap) and when the arena is simply full.
func (a *Arena) TryAllocate(size, align uintptr) (unsafe.Pointer, bool) {
	if size > a.slotBytes || align > a.slotAlign {
		return nil, false
	}
	if a.freeHead != arenaNoFree {
		idx := a.freeHead
		slot := a.slotBytes * uintptr(idx)
		a.freeHead = binary.LittleEndian.Uint32(a.buf[slot : slot+4])
		a.recycled++
		return unsafe.Pointer(&a.buf[slot]), true
	}
	if a.nextFresh < a.slots {
		idx := a.nextFresh
		a.nextFresh++
		a.fresh++
		return unsafe.Pointer(&a.buf[a.slotBytes*uintptr(idx)]), true
	}
	return nil, false
}

// TryDeallocate returns the slot at ptr to the free list and reports true,
// iff ptr lies within this arena's backing block. Callers must deallocate
// to the system heap themselves when this returns false.
func (a *Arena) TryDeallocate(ptr unsafe.Pointer) bool {
	if len(a.buf) == 0 {
		return false
	}
	base := uintptr(unsafe.Pointer(&a.buf[0]))
	p := uintptr(ptr)
	end := base + uintptr(len(a.buf))
	if p < base || p >= end {
		return false
	}
	off := p - base
	idx := uint32(off / a.slotBytes)
	slot := a.slotBytes * uintptr(idx)
	binary.LittleEndian.PutUint32(a.buf[slot:slot+4], a.freeHead)
	a.freeHead = idx
	return true
}

// RecordHeapFallback is called by Executor.ArenaAllocate when a request had
// to be served by the system heap, for the arena's own stats accounting.
func (a *Arena) RecordHeapFallback() { a.fallback++ }

// TryAllocateTask returns a recycled or freshly bump-allocated *Task slot
// from the arena's typed Task pool, or ok=false once both the free list and
// the bump cursor are exhausted (the caller falls back to a heap-allocated
// Task and calls RecordTaskHeapFallback). This is the real path behind
// Executor.allocTask - spec.md §2's "all task allocations go through (A)".
// The returned slot may carry a previous task's field values if recycled;
// the caller must reset it before use (see Task.resetForAllocation).
func (a *Arena) TryAllocateTask() (*Task, bool) {
	if a.taskFreeHead != arenaNoFree {
		idx := a.taskFreeHead
		a.taskFreeHead = a.taskFreeLinks[idx]
		a.taskRecycled++
		return &a.taskSlots[idx], true
	}
	if a.taskNextFresh < uint32(len(a.taskSlots)) {
		idx := a.taskNextFresh
		a.taskNextFresh++
		a.taskFresh++
		return &a.taskSlots[idx], true
	}
	return nil, false
}

// TryDeallocateTask returns the Task at ptr to the task pool's free list
// and reports true, iff ptr lies within this arena's taskSlots array.
// Mirrors TryDeallocate's pointer-range check, sized to sizeof(Task)
// instead of the byte slab's slotBytes.
func (a *Arena) TryDeallocateTask(ptr unsafe.Pointer) bool {
	if len(a.taskSlots) == 0 {
		return false
	}
	base := uintptr(unsafe.Pointer(&a.taskSlots[0]))
	size := unsafe.Sizeof(Task{})
	end := base + size*uintptr(len(a.taskSlots))
	p := uintptr(ptr)
	if p < base || p >= end {
		return false
	}
	idx := uint32((p - base) / size)
	a.taskFreeLinks[idx] = a.taskFreeHead
	a.taskFreeHead = idx
	return true
}

// RecordTaskHeapFallback is called by Executor.allocTask when the task
// pool is exhausted and a Task had to be allocated from the heap instead.
func (a *Arena) RecordTaskHeapFallback() { a.taskFallback++ }

// Stats returns a snapshot of allocation counters.
func (a *Arena) Stats() ArenaStats {
	return ArenaStats{
		Fresh:        a.fresh,
		Recycled:     a.recycled,
		HeapFallback: a.fallback,

		TaskFresh:        a.taskFresh,
		TaskRecycled:     a.taskRecycled,
		TaskHeapFallback: a.taskFallback,
	}
}

// liveArenas tracks, per arena identity, whether the arena is still alive.
// Tasks allocated from an arena carry a pointer back to one of these cells
// rather than to the Arena itself, so that destroy() can safely probe
// liveness even after the owning Executor (and its Arena) have been torn
// down - see the ARENA_ALLOCATED handling in task.go.
type arenaLiveness struct {
	live atomic.Bool
}

func newArenaLiveness() *arenaLiveness {
	l := &arenaLiveness{}
	l.live.Store(true)
	return l
}

func (l *arenaLiveness) markDead() { l.live.Store(false) }

func (l *arenaLiveness) isLive() bool { return l != nil && l.live.Load() }
