package ringrt

import (
	"container/heap"
	"time"
)

// Wheel geometry: four levels fanning out to span roughly 18 hours total,
// the same table this runtime has always used for its timer resolution
// tradeoff (1ms granularity near-term, falling back to an ordered overflow
// heap beyond level 3's ~18h reach).
const (
	wheelLevels = 4

	level0Slots = 256
	level1Slots = 64
	level2Slots = 64
	level3Slots = 64

	level0Resolution = time.Millisecond
	level1Resolution = level0Resolution * level0Slots
	level2Resolution = level1Resolution * level1Slots
	level3Resolution = level2Resolution * level2Slots
)

var levelSlotCounts = [wheelLevels]uint64{level0Slots, level1Slots, level2Slots, level3Slots}
var levelResolutions = [wheelLevels]time.Duration{level0Resolution, level1Resolution, level2Resolution, level3Resolution}

// TimerID uniquely and idempotently identifies a wheel entry for removal.
type TimerID uint64

type wheelEntry struct {
	id       TimerID
	deadline time.Time
	waker    Waker
}

// overflowHeap orders entries beyond level 3's ~18h coverage by deadline,
// the same container/heap idiom this tree uses elsewhere for its timer
// priority structure, scoped here to the rare long-deadline case instead
// of every timer.
type overflowHeap []*wheelEntry

func (h overflowHeap) Len() int            { return len(h) }
func (h overflowHeap) Less(i, j int) bool  { return h[i].deadline.Before(h[j].deadline) }
func (h overflowHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *overflowHeap) Push(x any)         { *h = append(*h, x.(*wheelEntry)) }
func (h *overflowHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// TimingWheel is a 4-level hierarchical timer wheel giving O(1) amortized
// insert/remove/expire. Hot fields (currentTick, startTime) are placed
// first so the common tick() path touches a single cache line before
// reaching into the per-level slot arrays.
type TimingWheel struct {
	currentTick uint64
	startTime   time.Time

	slots    [wheelLevels][]([]*wheelEntry)
	handles  map[TimerID]timerHandle
	overflow overflowHeap

	nextID uint64
}

type timerHandle struct {
	level int
	slot  uint64
}

// NewTimingWheel creates a wheel anchored at start, with currentTick at 0.
func NewTimingWheel(start time.Time) *TimingWheel {
	w := &TimingWheel{startTime: start, handles: make(map[TimerID]timerHandle)}
	for lvl := 0; lvl < wheelLevels; lvl++ {
		w.slots[lvl] = make([][]*wheelEntry, levelSlotCounts[lvl])
	}
	return w
}

// Insert places a waker at deadline, returning an id usable for Remove.
// Deadlines beyond level 3's coverage go to the overflow heap and are
// cascaded back in once Tick brings them within range.
func (w *TimingWheel) Insert(deadline time.Time, waker Waker) TimerID {
	w.nextID++
	id := TimerID(w.nextID)
	entry := &wheelEntry{id: id, deadline: deadline, waker: waker}

	ticksUntil := w.ticksUntil(deadline)
	lvl, slot, ok := w.placementFor(ticksUntil)
	if !ok {
		heap.Push(&w.overflow, entry)
		w.handles[id] = timerHandle{level: -1}
		return id
	}
	w.slots[lvl][slot] = append(w.slots[lvl][slot], entry)
	w.handles[id] = timerHandle{level: lvl, slot: slot}
	return id
}

func (w *TimingWheel) ticksUntil(deadline time.Time) int64 {
	elapsed := deadline.Sub(w.startTime)
	deadlineTick := int64(elapsed / level0Resolution)
	diff := deadlineTick - int64(w.currentTick)
	if diff < 1 {
		diff = 1 // already due, fires on the very next Tick
	}
	return diff
}

// placementFor picks the finest (smallest) level whose coverage still fits
// ticksUntil.
func (w *TimingWheel) placementFor(ticksUntil int64) (level int, slot uint64, ok bool) {
	var coverage uint64 = 1
	for lvl := 0; lvl < wheelLevels; lvl++ {
		coverage *= levelSlotCounts[lvl]
		if uint64(ticksUntil) < coverage {
			slotsInLevel := levelSlotCounts[lvl]
			levelTicks := uint64(ticksUntil)
			// Express ticksUntil in units of this level's resolution,
			// relative to the current position within that level.
			unitTicks := levelTicks
			for i := 0; i < lvl; i++ {
				unitTicks /= levelSlotCounts[i]
			}
			currentUnit := w.currentTick
			for i := 0; i < lvl; i++ {
				currentUnit /= levelSlotCounts[i]
			}
			return lvl, (currentUnit + unitTicks) % slotsInLevel, true
		}
	}
	return 0, 0, false
}

// Remove deletes a timer by id, returning false if it was already fired
// or never existed.
func (w *TimingWheel) Remove(id TimerID) bool {
	h, ok := w.handles[id]
	if !ok {
		return false
	}
	delete(w.handles, id)
	if h.level < 0 {
		for i, e := range w.overflow {
			if e.id == id {
				heap.Remove(&w.overflow, i)
				return true
			}
		}
		return false
	}
	bucket := w.slots[h.level][h.slot]
	for i, e := range bucket {
		if e.id == id {
			// Preserve relative order of the remaining entries: this is
			// a correctness requirement (spec.md: "cascading preserves
			// relative order within a slot"), so a swap-remove would
			// violate it; use an ordered removal instead.
			w.slots[h.level][h.slot] = append(bucket[:i], bucket[i+1:]...)
			return true
		}
	}
	return false
}

// Tick advances currentTick to correspond with now, draining and
// returning every waker whose deadline has elapsed, cascading higher
// levels down as their slot boundaries are crossed.
func (w *TimingWheel) Tick(now time.Time) []Waker {
	targetTick := uint64(now.Sub(w.startTime) / level0Resolution)
	var fired []Waker
	for w.currentTick < targetTick {
		w.currentTick++
		fired = append(fired, w.drainLevel0(w.currentTick)...)
		if w.currentTick%level0Slots == 0 {
			w.cascade(1)
		}
	}
	fired = append(fired, w.drainOverflow(now)...)
	return fired
}

func (w *TimingWheel) drainLevel0(tick uint64) []Waker {
	slot := tick % level0Slots
	bucket := w.slots[0][slot]
	if len(bucket) == 0 {
		return nil
	}
	out := make([]Waker, 0, len(bucket))
	for _, e := range bucket {
		delete(w.handles, e.id)
		out = append(out, e.waker)
	}
	w.slots[0][slot] = bucket[:0]
	return out
}

// cascade takes every entry from the current slot of level lvl and re-places
// it at whichever finer level now fits its remaining ticks (or, for lvl
// beyond wheelLevels, does nothing further: those
// entries already sit in the overflow heap). It recurses upward whenever
// the cascaded-from level itself just wrapped.
func (w *TimingWheel) cascade(lvl int) {
	if lvl >= wheelLevels {
		return
	}
	var unit uint64 = level0Slots
	for i := 1; i < lvl; i++ {
		unit *= levelSlotCounts[i]
	}
	slot := (w.currentTick / unit) % levelSlotCounts[lvl]
	bucket := w.slots[lvl][slot]
	w.slots[lvl][slot] = nil
	for _, e := range bucket {
		ticksUntil := w.ticksUntil(e.deadline)
		newLvl, newSlot, ok := w.placementFor(ticksUntil)
		if !ok {
			heap.Push(&w.overflow, e)
			w.handles[e.id] = timerHandle{level: -1}
			continue
		}
		w.slots[newLvl][newSlot] = append(w.slots[newLvl][newSlot], e)
		w.handles[e.id] = timerHandle{level: newLvl, slot: newSlot}
	}
	if slot == 0 {
		w.cascade(lvl + 1)
	}
}

func (w *TimingWheel) drainOverflow(now time.Time) []Waker {
	var out []Waker
	for len(w.overflow) > 0 && !w.overflow[0].deadline.After(now) {
		e := heap.Pop(&w.overflow).(*wheelEntry)
		delete(w.handles, e.id)
		out = append(out, e.waker)
	}
	// Re-seat any overflow entries that have now come within level-3
	// coverage, so Tick continues to make progress toward them at coarse
	// granularity instead of re-scanning the whole heap every call.
	for len(w.overflow) > 0 {
		e := w.overflow[0]
		ticksUntil := w.ticksUntil(e.deadline)
		lvl, slot, ok := w.placementFor(ticksUntil)
		if !ok {
			break
		}
		heap.Pop(&w.overflow)
		delete(w.handles, e.id)
		w.slots[lvl][slot] = append(w.slots[lvl][slot], e)
		w.handles[e.id] = timerHandle{level: lvl, slot: slot}
	}
	return out
}

// NextExpiration returns the duration until the soonest pending timer, or
// false if none is pending. Used by the reactor to bound its io_uring wait
// timeout.
func (w *TimingWheel) NextExpiration(now time.Time) (time.Duration, bool) {
	for lvl := 0; lvl < wheelLevels; lvl++ {
		if d, ok := w.scanLevel(lvl, now); ok {
			return d, true
		}
	}
	if len(w.overflow) > 0 {
		d := w.overflow[0].deadline.Sub(now)
		if d < 0 {
			d = 0
		}
		return d, true
	}
	return 0, false
}

func (w *TimingWheel) scanLevel(lvl int, now time.Time) (time.Duration, bool) {
	var best *time.Time
	for _, bucket := range w.slots[lvl] {
		for _, e := range bucket {
			if best == nil || e.deadline.Before(*best) {
				d := e.deadline
				best = &d
			}
		}
	}
	if best == nil {
		return 0, false
	}
	d := best.Sub(now)
	if d < 0 {
		d = 0
	}
	return d, true
}

// Len reports the number of timers currently tracked (handle count).
func (w *TimingWheel) Len() int { return len(w.handles) }
