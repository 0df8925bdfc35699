package ringrt

import "container/heap"

// preemptCheckInterval is the number of task runs within one burst after
// which the run loop re-arms the preemption timer
// (Executor.runPreemptionTimer), so need_preempt keeps being raised while a
// single queue stays busy.
const preemptCheckInterval = 64

// queueHeap is a container/heap.Interface over active TaskQueues, ordered
// by ascending vruntime so Pop always yields the least-advanced queue -
// the same min-priority idiom this tree's event loop uses for its timer
// heap, generalized from deadlines to virtual runtime.
type queueHeap []*TaskQueue

func (h queueHeap) Len() int { return len(h) }

func (h queueHeap) Less(i, j int) bool { return h[i].vruntime < h[j].vruntime }

func (h queueHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].heapIdx, h[j].heapIdx = i, j
}

func (h *queueHeap) Push(x any) {
	q := x.(*TaskQueue)
	q.heapIdx = len(*h)
	*h = append(*h, q)
}

func (h *queueHeap) Pop() any {
	old := *h
	n := len(old)
	q := old[n-1]
	old[n-1] = nil
	q.heapIdx = -1
	*h = old[:n-1]
	return q
}

// scheduler selects the runnable queue with the least vruntime and charges
// queues for the wall-clock time their bursts actually consumed, scaled by
// 1/shares - the weighted-fair idiom behind CFS-style schedulers, adapted
// here to a single-threaded cooperative run loop instead of a
// preemptive kernel one.
type scheduler struct {
	active queueHeap
	byID   map[uint64]*TaskQueue
	nextID uint64
}

func newScheduler() *scheduler {
	return &scheduler{byID: make(map[uint64]*TaskQueue)}
}

func (s *scheduler) newQueue(name string, shares int, exec *Executor) *TaskQueue {
	s.nextID++
	q := newTaskQueue(s.nextID, name, shares, exec)
	s.byID[q.id] = q
	return q
}

func (s *scheduler) removeQueue(id uint64) {
	q, ok := s.byID[id]
	if !ok {
		return
	}
	q.destroyed = true
	if q.heapIdx >= 0 && q.heapIdx < len(s.active) {
		heap.Remove(&s.active, q.heapIdx)
	}
	delete(s.byID, id)
}

func (s *scheduler) lookup(id uint64) (*TaskQueue, bool) {
	q, ok := s.byID[id]
	return q, ok
}

// promote inserts a queue into the active heap. New queues start at the
// current minimum vruntime so they are neither starved nor given an unfair
// head start relative to already-running queues.
func (s *scheduler) promote(q *TaskQueue) {
	if q.heapIdx >= 0 {
		return // already active
	}
	if len(s.active) > 0 {
		min := s.active[0].vruntime
		if q.vruntime < min {
			q.vruntime = min
		}
	}
	heap.Push(&s.active, q)
}

// pickMinVruntime returns (without removing) the queue with the least
// vruntime, or nil if no queue is runnable.
func (s *scheduler) pickMinVruntime() *TaskQueue {
	if len(s.active) == 0 {
		return nil
	}
	return s.active[0]
}

// popMin removes and returns the minimum-vruntime queue, for the duration
// of a burst; reinsert puts it back (possibly with updated vruntime).
func (s *scheduler) popMin() *TaskQueue {
	if len(s.active) == 0 {
		return nil
	}
	return heap.Pop(&s.active).(*TaskQueue)
}

func (s *scheduler) reinsert(q *TaskQueue) {
	q.yielded = false
	heap.Push(&s.active, q)
}

// charge advances q's vruntime by elapsed/shares, the weighted-fair core
// of the scheduling invariant in spec.md's §8: over any window where a
// queue is continuously runnable, its share of CPU time tracks
// shares / sum(shares of runnable queues).
func (s *scheduler) charge(q *TaskQueue, elapsedNanos float64) {
	q.vruntime += elapsedNanos / float64(q.shares)
}

func (s *scheduler) hasRunnable() bool { return len(s.active) > 0 }
