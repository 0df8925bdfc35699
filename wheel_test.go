package ringrt

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingWaker struct{ woke bool }

func (w *recordingWaker) Wake() { w.woke = true }

func TestTimingWheel_FiresLevel0Entry(t *testing.T) {
	start := time.Now()
	w := NewTimingWheel(start)
	waker := &recordingWaker{}
	w.Insert(start.Add(5*time.Millisecond), waker)

	fired := w.Tick(start.Add(10 * time.Millisecond))
	require.Len(t, fired, 1)
	fired[0].Wake()
	assert.True(t, waker.woke)
}

func TestTimingWheel_RemoveBeforeFireCancelsIt(t *testing.T) {
	start := time.Now()
	w := NewTimingWheel(start)
	waker := &recordingWaker{}
	id := w.Insert(start.Add(5*time.Millisecond), waker)

	require.True(t, w.Remove(id))
	fired := w.Tick(start.Add(10 * time.Millisecond))
	assert.Len(t, fired, 0)

	assert.False(t, w.Remove(id), "removing twice must report false")
}

func TestTimingWheel_CascadesAcrossLevels(t *testing.T) {
	start := time.Now()
	w := NewTimingWheel(start)
	waker := &recordingWaker{}
	// Beyond level 0's ~256ms coverage, lands in level 1.
	w.Insert(start.Add(500*time.Millisecond), waker)

	fired := w.Tick(start.Add(600 * time.Millisecond))
	require.Len(t, fired, 1)
}

func TestTimingWheel_OverflowBeyondLevel3(t *testing.T) {
	start := time.Now()
	w := NewTimingWheel(start)
	waker := &recordingWaker{}
	// Level 3 covers roughly 18 hours; go well beyond it.
	w.Insert(start.Add(30*time.Hour), waker)

	_, ok := w.NextExpiration(start)
	require.True(t, ok)

	fired := w.Tick(start.Add(31 * time.Hour))
	require.Len(t, fired, 1)
}

func TestTimingWheel_NextExpirationReflectsSoonestTimer(t *testing.T) {
	start := time.Now()
	w := NewTimingWheel(start)
	w.Insert(start.Add(50*time.Millisecond), &recordingWaker{})
	w.Insert(start.Add(10*time.Millisecond), &recordingWaker{})

	d, ok := w.NextExpiration(start)
	require.True(t, ok)
	assert.LessOrEqual(t, d, 11*time.Millisecond)
}

func TestTimingWheel_LenTracksOutstandingTimers(t *testing.T) {
	start := time.Now()
	w := NewTimingWheel(start)
	assert.Equal(t, 0, w.Len())

	id1 := w.Insert(start.Add(time.Millisecond), &recordingWaker{})
	w.Insert(start.Add(2*time.Millisecond), &recordingWaker{})
	assert.Equal(t, 2, w.Len())

	w.Remove(id1)
	assert.Equal(t, 1, w.Len())
}
