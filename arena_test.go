package ringrt

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestArena_FreshThenRecycled(t *testing.T) {
	a := NewArena(4, 64)

	p1, ok := a.TryAllocate(32, 8)
	require.True(t, ok)
	require.NotNil(t, p1)

	stats := a.Stats()
	assert.EqualValues(t, 1, stats.Fresh)
	assert.EqualValues(t, 0, stats.Recycled)

	require.True(t, a.TryDeallocate(p1))

	p2, ok := a.TryAllocate(32, 8)
	require.True(t, ok)

	stats = a.Stats()
	assert.EqualValues(t, 1, stats.Fresh, "recycled allocation must not bump the fresh counter")
	assert.EqualValues(t, 1, stats.Recycled)
	assert.Equal(t, p1, p2, "LIFO free list must hand back the most recently freed slot")
}

func TestArena_ExhaustionReturnsFalse(t *testing.T) {
	a := NewArena(2, 32)

	_, ok := a.TryAllocate(16, 8)
	require.True(t, ok)
	_, ok = a.TryAllocate(16, 8)
	require.True(t, ok)

	_, ok = a.TryAllocate(16, 8)
	assert.False(t, ok, "a full arena must report failure rather than panic or overrun")
}

func TestArena_OversizeLayoutRejected(t *testing.T) {
	a := NewArena(4, 32)

	_, ok := a.TryAllocate(a.SlotBytes()+1, 8)
	assert.False(t, ok, "a request exceeding slot capacity must be rejected so the caller can fall back to the heap")
}

func TestArena_DeallocateForeignPointerReturnsFalse(t *testing.T) {
	a := NewArena(2, 32)
	other := NewArena(2, 32)

	p, ok := other.TryAllocate(16, 8)
	require.True(t, ok)

	assert.False(t, a.TryDeallocate(p), "deallocating a pointer from a different arena must not corrupt the free list")
}

func TestArena_HeapFallbackRecorded(t *testing.T) {
	a := NewArena(1, 16)
	a.RecordHeapFallback()
	a.RecordHeapFallback()
	assert.EqualValues(t, 2, a.Stats().HeapFallback)
}

func TestArenaFromEnv_DefaultsWithoutEnv(t *testing.T) {
	t.Setenv("RINGRT_ARENA_SLOTS", "")
	t.Setenv("RINGRT_ARENA_SLOT_BYTES", "")
	a := NewArenaFromEnv()
	require.NotNil(t, a)
	_, ok := a.TryAllocate(8, 8)
	assert.True(t, ok)
}

func TestArena_TaskPoolFreshThenRecycled(t *testing.T) {
	a := NewArena(4, 64)

	t1, ok := a.TryAllocateTask()
	require.True(t, ok)
	require.NotNil(t, t1)

	stats := a.Stats()
	assert.EqualValues(t, 1, stats.TaskFresh)
	assert.EqualValues(t, 0, stats.TaskRecycled)

	require.True(t, a.TryDeallocateTask(unsafe.Pointer(t1)))

	t2, ok := a.TryAllocateTask()
	require.True(t, ok)

	stats = a.Stats()
	assert.EqualValues(t, 1, stats.TaskFresh, "recycled allocation must not bump the fresh counter")
	assert.EqualValues(t, 1, stats.TaskRecycled)
	assert.Same(t, t1, t2, "LIFO free list must hand back the most recently freed task slot")
}

func TestArena_TaskPoolExhaustionReturnsFalse(t *testing.T) {
	a := NewArena(2, 32)

	_, ok := a.TryAllocateTask()
	require.True(t, ok)
	_, ok = a.TryAllocateTask()
	require.True(t, ok)

	_, ok = a.TryAllocateTask()
	assert.False(t, ok, "an exhausted task pool must report failure rather than panic or overrun")
}

func TestArena_TaskPoolDeallocateForeignPointerReturnsFalse(t *testing.T) {
	a := NewArena(2, 32)
	other := NewArena(2, 32)

	tk, ok := other.TryAllocateTask()
	require.True(t, ok)

	assert.False(t, a.TryDeallocateTask(unsafe.Pointer(tk)), "deallocating a task from a different arena must not corrupt the free list")
}

func TestArena_TaskPoolHeapFallbackRecorded(t *testing.T) {
	a := NewArena(1, 16)
	a.RecordTaskHeapFallback()
	a.RecordTaskHeapFallback()
	assert.EqualValues(t, 2, a.Stats().TaskHeapFallback)
}

func TestArenaFromEnv_RespectsOverride(t *testing.T) {
	t.Setenv("RINGRT_ARENA_SLOTS", "3")
	t.Setenv("RINGRT_ARENA_SLOT_BYTES", "16")
	a := NewArenaFromEnv()

	for i := 0; i < 3; i++ {
		_, ok := a.TryAllocate(8, 8)
		require.True(t, ok)
	}
	_, ok := a.TryAllocate(8, 8)
	assert.False(t, ok, "env-configured slot count must be honored exactly")
}
