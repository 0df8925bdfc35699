package ringrt

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScheduler_PromoteNewQueueJoinsAtCurrentMinimum(t *testing.T) {
	s := newScheduler()
	q1 := s.newQueue("a", 1, nil)
	q1.vruntime = 100
	s.promote(q1)

	q2 := s.newQueue("b", 1, nil)
	q2.vruntime = 0 // fresh queue, below the running minimum
	s.promote(q2)

	assert.Equal(t, 100.0, q2.vruntime, "a new queue must not start below the active minimum, or it would starve older queues")
}

func TestScheduler_PromoteIsIdempotent(t *testing.T) {
	s := newScheduler()
	q := s.newQueue("a", 1, nil)
	s.promote(q)
	s.promote(q)
	assert.Equal(t, 1, len(s.active), "promoting an already-active queue must be a no-op")
}

func TestScheduler_PickMinVruntimeOrdersByVruntime(t *testing.T) {
	s := newScheduler()
	qHigh := s.newQueue("high", 1, nil)
	qHigh.vruntime = 50
	s.promote(qHigh)

	qLow := s.newQueue("low", 1, nil)
	qLow.vruntime = 5
	s.promote(qLow)

	assert.Same(t, qLow, s.pickMinVruntime())
}

func TestScheduler_ChargeScalesByShares(t *testing.T) {
	s := newScheduler()
	heavy := s.newQueue("heavy", 4, nil) // more shares => vruntime advances slower
	light := s.newQueue("light", 1, nil)

	s.charge(heavy, 400)
	s.charge(light, 400)

	assert.Equal(t, 100.0, heavy.vruntime)
	assert.Equal(t, 400.0, light.vruntime)
	assert.Less(t, heavy.vruntime, light.vruntime)
}

func TestScheduler_PopMinReinsert(t *testing.T) {
	s := newScheduler()
	q1 := s.newQueue("a", 1, nil)
	q1.vruntime = 1
	s.promote(q1)
	q2 := s.newQueue("b", 1, nil)
	q2.vruntime = 2
	s.promote(q2)

	got := s.popMin()
	require.Same(t, q1, got)
	assert.Equal(t, 1, len(s.active))

	s.charge(got, 1000)
	s.reinsert(got)
	assert.Equal(t, 2, len(s.active))
	assert.Same(t, q2, s.pickMinVruntime(), "after charging q1 past q2's vruntime, q2 must be picked next")
}

func TestScheduler_RemoveQueueEvictsFromActiveHeap(t *testing.T) {
	s := newScheduler()
	q := s.newQueue("a", 1, nil)
	s.promote(q)
	require.Equal(t, 1, len(s.active))

	s.removeQueue(q.id)
	assert.Equal(t, 0, len(s.active))
	assert.True(t, q.destroyed)

	_, ok := s.lookup(q.id)
	assert.False(t, ok)
}
