package ringrt

import (
	"context"
	"sync/atomic"
	"time"
)

// After returns a JoinHandle that completes with no error once duration
// has elapsed, implemented as a Poller driven by the executor's
// TimingWheel rather than a blocking Go timer.Timer: it suspends
// (Poll returns done=false) after arming a wheel entry whose waker is the
// task's own SelfWaker, so the executor's run loop resumes it exactly
// once, on its own queue, when the wheel fires - without ever blocking
// the run loop itself.
func After(e *Executor, q *TaskQueue, d time.Duration) (*JoinHandle[struct{}], error) {
	deadline := time.Now().Add(d)
	return SpawnPoller[struct{}](e, q, func(self *Task) Poller {
		return &timerPoller{executor: e, deadline: deadline, selfWaker: self.SelfWaker()}
	})
}

type timerPoller struct {
	executor  *Executor
	deadline  time.Time
	selfWaker Waker

	armed   bool
	timerID TimerID
	fired   atomic.Bool
}

func (p *timerPoller) Poll(ctx context.Context) (any, error, bool) {
	if err := ctx.Err(); err != nil {
		if p.armed {
			p.executor.reactor.CancelTimer(p.timerID)
		}
		return struct{}{}, err, true
	}
	if !p.armed {
		p.armed = true
		p.timerID = p.executor.reactor.RegisterTimer(p.deadline, wakerFunc(func() {
			p.fired.Store(true)
			p.selfWaker.Wake()
		}))
		return nil, nil, false
	}
	if p.fired.Load() {
		return struct{}{}, nil, true
	}
	return nil, nil, false
}

// TimerHandle lets a running task cancel a previously armed timer before
// it fires, per spec.md's scenario 1 (register-then-cancel churn).
type TimerHandle struct {
	executor *Executor
	id       TimerID
}

// RegisterTimer arms a one-shot wheel entry waking w at deadline, callable
// directly by I/O wrapper packages that need raw timer access rather than
// the task-oriented After helper.
func RegisterTimer(e *Executor, deadline time.Time, w Waker) TimerHandle {
	return TimerHandle{executor: e, id: e.reactor.RegisterTimer(deadline, w)}
}

// Cancel removes the timer if it has not yet fired.
func (h TimerHandle) Cancel() bool { return h.executor.reactor.CancelTimer(h.id) }
