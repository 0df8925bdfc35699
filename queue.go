package ringrt

import (
	"sync"
)

// taskChunk is a fixed-size link in a ChunkedIngress-style FIFO, sized to
// amortize allocation across many pushes. The design (and the pool below)
// mirrors this tree's general approach to high-churn task queues: avoid a
// slice-based ring's copy-on-grow in favor of a linked list of reusable
// chunks.
const taskChunkSize = 128

type taskChunk struct {
	tasks            [taskChunkSize]*Task
	next             *taskChunk
	readPos, writePos int
}

var taskChunkPool = sync.Pool{New: func() any { return &taskChunk{} }}

func getTaskChunk() *taskChunk { return taskChunkPool.Get().(*taskChunk) }

func putTaskChunk(c *taskChunk) {
	for i := range c.tasks {
		c.tasks[i] = nil
	}
	c.next, c.readPos, c.writePos = nil, 0, 0
	taskChunkPool.Put(c)
}

// taskFIFO is an unbounded single-writer/single-reader FIFO of runnable
// tasks. It is NOT internally synchronized: TaskQueue.localPush is only
// ever called from the owning executor's single goroutine, and
// TaskQueue.enqueueCrossSafe takes the cross-thread path instead of
// touching this structure directly.
type taskFIFO struct {
	head, tail *taskChunk
	length     int
}

func newTaskFIFO() *taskFIFO {
	c := getTaskChunk()
	return &taskFIFO{head: c, tail: c}
}

func (f *taskFIFO) push(t *Task) {
	if f.tail.writePos == taskChunkSize {
		c := getTaskChunk()
		f.tail.next = c
		f.tail = c
	}
	f.tail.tasks[f.tail.writePos] = t
	f.tail.writePos++
	f.length++
}

func (f *taskFIFO) pop() (*Task, bool) {
	if f.length == 0 {
		return nil, false
	}
	c := f.head
	t := c.tasks[c.readPos]
	c.tasks[c.readPos] = nil
	c.readPos++
	f.length--
	if c.readPos == c.writePos {
		if c.next != nil {
			f.head = c.next
			putTaskChunk(c)
		} else {
			c.readPos, c.writePos = 0, 0
		}
	}
	return t, true
}

func (f *taskFIFO) Len() int { return f.length }

// TaskQueue is a named run queue with weighted shares. Its vruntime
// advances by actual_runtime/shares each time the scheduler charges it for
// a burst, so that queues with more shares accumulate vruntime more slowly
// and are picked more often.
type TaskQueue struct {
	id    uint64
	name  string
	shares int

	vruntime float64
	heapIdx  int // position in the scheduler's min-heap, maintained by container/heap

	runnable *taskFIFO
	yielded  bool

	destroyed bool
	executor  *Executor
}

func newTaskQueue(id uint64, name string, shares int, exec *Executor) *TaskQueue {
	if shares < 1 {
		shares = 1
	}
	return &TaskQueue{
		id:       id,
		name:     name,
		shares:   shares,
		heapIdx:  -1,
		runnable: newTaskFIFO(),
		executor: exec,
	}
}

// enqueueCrossSafe pushes t onto the queue, taking the cross-thread
// foreign-waker path when the calling goroutine is not the queue's owning
// executor loop.
func (q *TaskQueue) enqueueCrossSafe(t *Task, ownerExecID uint64) {
	if q.executor == nil || q.executor.isCurrentThread() {
		q.localPush(t)
		return
	}
	q.executor.foreignSchedule(q, t)
}

// localPush is only safe from the owning executor's run loop.
func (q *TaskQueue) localPush(t *Task) {
	wasEmpty := q.runnable.Len() == 0
	q.runnable.push(t)
	if wasEmpty && q.executor != nil {
		q.executor.promoteQueue(q)
	}
}

func (q *TaskQueue) pop() (*Task, bool) { return q.runnable.pop() }

func (q *TaskQueue) nonEmpty() bool { return q.runnable.Len() > 0 }
