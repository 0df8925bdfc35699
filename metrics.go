package ringrt

import (
	"math"
	"sync"
	"time"
)

// pSquareQuantile implements the P-Square algorithm for streaming quantile
// estimation in O(1) time and space per observation, ported from this
// tree's event loop package (see psquare.go there) and used here to track
// task-run latency without retaining samples.
//
// Reference: Jain, R. and Chlamtac, I. (1985). "The P^2 Algorithm for
// Dynamic Calculation of Quantiles and Histograms Without Storing
// Observations". Communications of the ACM, 28(10), pp. 1076-1085.
//
// Not safe for concurrent use; callers serialize access (see
// taskLatencyMetrics below).
type pSquareQuantile struct {
	p          float64
	q          [5]float64
	n          [5]int
	np         [5]float64
	dn         [5]float64
	count      int
	initBuffer [5]float64
}

func newPSquareQuantile(p float64) *pSquareQuantile {
	if p < 0 {
		p = 0
	}
	if p > 1 {
		p = 1
	}
	return &pSquareQuantile{p: p, dn: [5]float64{0, p / 2, p, (1 + p) / 2, 1}}
}

func (ps *pSquareQuantile) Update(x float64) {
	ps.count++
	if ps.count <= 5 {
		ps.initBuffer[ps.count-1] = x
		if ps.count == 5 {
			ps.initialize()
		}
		return
	}

	var k int
	if x < ps.q[0] {
		ps.q[0] = x
		k = 0
	} else if x >= ps.q[4] {
		ps.q[4] = x
		k = 3
	} else {
		for k = 0; k < 4; k++ {
			if ps.q[k] <= x && x < ps.q[k+1] {
				break
			}
		}
	}

	for i := k + 1; i < 5; i++ {
		ps.n[i]++
	}
	for i := 0; i < 5; i++ {
		ps.np[i] += ps.dn[i]
	}

	for i := 1; i < 4; i++ {
		d := ps.np[i] - float64(ps.n[i])
		if (d >= 1 && ps.n[i+1]-ps.n[i] > 1) || (d <= -1 && ps.n[i-1]-ps.n[i] < -1) {
			sign := 1
			if d < 0 {
				sign = -1
			}
			qPrime := ps.parabolic(i, sign)
			if ps.q[i-1] < qPrime && qPrime < ps.q[i+1] {
				ps.q[i] = qPrime
			} else {
				ps.q[i] = ps.linear(i, sign)
			}
			ps.n[i] += sign
		}
	}
}

func (ps *pSquareQuantile) initialize() {
	for i := 1; i < 5; i++ {
		key := ps.initBuffer[i]
		j := i - 1
		for j >= 0 && ps.initBuffer[j] > key {
			ps.initBuffer[j+1] = ps.initBuffer[j]
			j--
		}
		ps.initBuffer[j+1] = key
	}
	for i := 0; i < 5; i++ {
		ps.q[i] = ps.initBuffer[i]
		ps.n[i] = i
	}
	ps.np = [5]float64{0, 2 * ps.p, 4 * ps.p, 2 + 2*ps.p, 4}
}

func (ps *pSquareQuantile) parabolic(i, d int) float64 {
	df := float64(d)
	ni, niPrev, niNext := float64(ps.n[i]), float64(ps.n[i-1]), float64(ps.n[i+1])
	term1 := df / (niNext - niPrev)
	term2 := (ni - niPrev + df) * (ps.q[i+1] - ps.q[i]) / (niNext - ni)
	term3 := (niNext - ni - df) * (ps.q[i] - ps.q[i-1]) / (ni - niPrev)
	return ps.q[i] + term1*(term2+term3)
}

func (ps *pSquareQuantile) linear(i, d int) float64 {
	if d == 1 {
		return ps.q[i] + (ps.q[i+1]-ps.q[i])/float64(ps.n[i+1]-ps.n[i])
	}
	return ps.q[i] - (ps.q[i]-ps.q[i-1])/float64(ps.n[i]-ps.n[i-1])
}

func (ps *pSquareQuantile) Quantile() float64 {
	if ps.count == 0 {
		return 0
	}
	if ps.count < 5 {
		sorted := make([]float64, ps.count)
		copy(sorted, ps.initBuffer[:ps.count])
		for i := 1; i < len(sorted); i++ {
			key := sorted[i]
			j := i - 1
			for j >= 0 && sorted[j] > key {
				sorted[j+1] = sorted[j]
				j--
			}
			sorted[j+1] = key
		}
		idx := int(float64(ps.count-1) * ps.p)
		if idx >= ps.count {
			idx = ps.count - 1
		}
		return sorted[idx]
	}
	return ps.q[2]
}

func (ps *pSquareQuantile) Max() float64 {
	if ps.count == 0 {
		return 0
	}
	if ps.count < 5 {
		m := ps.initBuffer[0]
		for i := 1; i < ps.count; i++ {
			if ps.initBuffer[i] > m {
				m = ps.initBuffer[i]
			}
		}
		return m
	}
	return ps.q[4]
}

// pSquareMultiQuantile tracks several quantiles of the same stream at once.
type pSquareMultiQuantile struct {
	estimators []*pSquareQuantile
	sum        float64
	count      int
	max        float64
}

func newPSquareMultiQuantile(percentiles ...float64) *pSquareMultiQuantile {
	m := &pSquareMultiQuantile{
		estimators: make([]*pSquareQuantile, len(percentiles)),
		max:        -math.MaxFloat64,
	}
	for i, p := range percentiles {
		m.estimators[i] = newPSquareQuantile(p)
	}
	return m
}

func (m *pSquareMultiQuantile) Update(x float64) {
	m.count++
	m.sum += x
	if x > m.max {
		m.max = x
	}
	for _, est := range m.estimators {
		est.Update(x)
	}
}

func (m *pSquareMultiQuantile) Quantile(i int) float64 {
	if i < 0 || i >= len(m.estimators) {
		return 0
	}
	return m.estimators[i].Quantile()
}

func (m *pSquareMultiQuantile) Mean() float64 {
	if m.count == 0 {
		return 0
	}
	return m.sum / float64(m.count)
}

func (m *pSquareMultiQuantile) Max() float64 {
	if m.count == 0 {
		return 0
	}
	return m.max
}

// TaskLatencyMetrics is a snapshot of task-run-duration percentiles, valid
// at the instant Executor.Metrics was called.
type TaskLatencyMetrics struct {
	Count int
	P50   time.Duration
	P90   time.Duration
	P95   time.Duration
	P99   time.Duration
	Mean  time.Duration
	Max   time.Duration
}

// taskLatencyMetrics accumulates per-task run durations behind a mutex; the
// executor records into it from its single driving goroutine, but
// Executor.Metrics may be called from any goroutine.
type taskLatencyMetrics struct {
	mu      sync.Mutex
	psquare *pSquareMultiQuantile
}

func newTaskLatencyMetrics() *taskLatencyMetrics {
	return &taskLatencyMetrics{psquare: newPSquareMultiQuantile(0.50, 0.90, 0.95, 0.99)}
}

func (l *taskLatencyMetrics) record(d time.Duration) {
	l.mu.Lock()
	l.psquare.Update(float64(d))
	l.mu.Unlock()
}

func (l *taskLatencyMetrics) snapshot() TaskLatencyMetrics {
	l.mu.Lock()
	defer l.mu.Unlock()
	return TaskLatencyMetrics{
		Count: l.psquare.count,
		P50:   time.Duration(l.psquare.Quantile(0)),
		P90:   time.Duration(l.psquare.Quantile(1)),
		P95:   time.Duration(l.psquare.Quantile(2)),
		P99:   time.Duration(l.psquare.Quantile(3)),
		Mean:  time.Duration(l.psquare.Mean()),
		Max:   time.Duration(l.psquare.Max()),
	}
}

// throughputCounter tracks completed-task throughput over a rolling
// window, ported from this tree's event loop TPSCounter: a ring of
// fixed-duration buckets, rotated lazily on Increment/Rate rather than by
// a background goroutine, matching a single-threaded executor's
// no-extra-goroutines constraint.
type throughputCounter struct {
	mu           sync.Mutex
	buckets      []int64
	bucketSize   time.Duration
	lastRotation time.Time
}

func newThroughputCounter(window, bucket time.Duration) *throughputCounter {
	n := int(window / bucket)
	if n < 1 {
		n = 1
	}
	return &throughputCounter{
		buckets:      make([]int64, n),
		bucketSize:   bucket,
		lastRotation: time.Now(),
	}
}

func (t *throughputCounter) rotate() {
	now := time.Now()
	elapsed := now.Sub(t.lastRotation)
	advance := int64(elapsed) / int64(t.bucketSize)
	if advance <= 0 {
		return
	}
	if advance >= int64(len(t.buckets)) {
		for i := range t.buckets {
			t.buckets[i] = 0
		}
		t.lastRotation = now
		return
	}
	copy(t.buckets, t.buckets[advance:])
	for i := len(t.buckets) - int(advance); i < len(t.buckets); i++ {
		t.buckets[i] = 0
	}
	t.lastRotation = t.lastRotation.Add(time.Duration(advance) * t.bucketSize)
}

func (t *throughputCounter) increment() {
	t.mu.Lock()
	t.rotate()
	t.buckets[len(t.buckets)-1]++
	t.mu.Unlock()
}

func (t *throughputCounter) rate() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rotate()
	var sum int64
	for _, c := range t.buckets {
		sum += c
	}
	if sum == 0 {
		return 0
	}
	return float64(sum) / (float64(len(t.buckets)) * t.bucketSize.Seconds())
}

// QueueDepthMetrics is a point-in-time view of one TaskQueue's runnable
// backlog.
type QueueDepthMetrics struct {
	Name  string
	Depth int
}

// ExecutorMetrics is a snapshot of an Executor's runtime statistics,
// returned by Executor.Metrics. Task-latency and throughput fields are
// zero unless the executor was constructed with WithMetrics(true).
type ExecutorMetrics struct {
	TaskLatency TaskLatencyMetrics
	TasksPerSec float64
	Queues      []QueueDepthMetrics
	Arena       ArenaStats
}

// executorMetrics bundles the live collectors an Executor records into
// during its run loop; nil on executors constructed without WithMetrics.
type executorMetrics struct {
	taskLatency *taskLatencyMetrics
	throughput  *throughputCounter
}

func newExecutorMetrics() *executorMetrics {
	return &executorMetrics{
		taskLatency: newTaskLatencyMetrics(),
		throughput:  newThroughputCounter(10*time.Second, 100*time.Millisecond),
	}
}

func (m *executorMetrics) recordTaskRun(d time.Duration) {
	if m == nil {
		return
	}
	m.taskLatency.record(d)
	m.throughput.increment()
}

// Metrics returns a snapshot of the executor's task-latency percentiles,
// throughput, per-queue backlog depth and arena allocation counters. The
// latency and throughput collectors are mutex-guarded and safe to read from
// any goroutine; the arena counters and queue depths are read without
// synchronization, so they are race-free only when read from the goroutine
// running the executor or while Run is not active.
func (e *Executor) Metrics() ExecutorMetrics {
	snap := ExecutorMetrics{Arena: e.arena.Stats()}
	if e.metrics != nil {
		snap.TaskLatency = e.metrics.taskLatency.snapshot()
		snap.TasksPerSec = e.metrics.throughput.rate()
	}
	for _, q := range e.sched.byID {
		snap.Queues = append(snap.Queues, QueueDepthMetrics{Name: q.name, Depth: q.runnable.Len()})
	}
	return snap
}
