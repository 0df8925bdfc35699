package ringrt

import (
	"sync/atomic"

	"github.com/ringrt/ringrt/internal/cachepad"
)

// ExecutorState is the lifecycle of an Executor.
//
// State machine:
//
//	StateAwake (0) -> StateRunning (3)       [Run()]
//	StateRunning -> StateSleeping (2)        [park() via CAS]
//	StateRunning -> StateTerminating (4)     [Shutdown()]
//	StateSleeping -> StateRunning            [park() wake via CAS]
//	StateSleeping -> StateTerminating        [Shutdown()]
//	StateTerminating -> StateTerminated (1)  [run loop exit]
//	StateTerminated -> (terminal)
//
// Values are intentionally non-sequential: StateTerminated=1 and
// StateSleeping=2 predate StateRunning=3 and StateTerminating=4 in this
// runtime's lineage, and changing them would only serve cosmetic tidiness.
type ExecutorState uint64

const (
	StateAwake ExecutorState = iota
	StateTerminated
	StateSleeping
	StateRunning
	StateTerminating
)

func (s ExecutorState) String() string {
	switch s {
	case StateAwake:
		return "Awake"
	case StateRunning:
		return "Running"
	case StateSleeping:
		return "Sleeping"
	case StateTerminating:
		return "Terminating"
	case StateTerminated:
		return "Terminated"
	default:
		return "Unknown"
	}
}

// FastState is a lock-free state machine with cache-line padding on both
// sides, so that a thread spinning on Load does not false-share with
// neighboring fields of the owning Executor.
type FastState struct { // betteralign:ignore
	_ cachepad.Pad128
	v atomic.Uint64
	_ cachepad.Pad128
}

func NewFastState() *FastState {
	s := &FastState{}
	s.v.Store(uint64(StateAwake))
	return s
}

func (s *FastState) Load() ExecutorState { return ExecutorState(s.v.Load()) }

func (s *FastState) Store(state ExecutorState) { s.v.Store(uint64(state)) }

// TryTransition performs a single CAS from `from` to `to`.
func (s *FastState) TryTransition(from, to ExecutorState) bool {
	return s.v.CompareAndSwap(uint64(from), uint64(to))
}

// TransitionAny attempts a CAS from any of validFrom to to, trying each in
// order until one succeeds or all are exhausted.
func (s *FastState) TransitionAny(validFrom []ExecutorState, to ExecutorState) bool {
	for _, from := range validFrom {
		if s.v.CompareAndSwap(uint64(from), uint64(to)) {
			return true
		}
	}
	return false
}

func (s *FastState) IsTerminal() bool { return s.Load() == StateTerminated }

func (s *FastState) IsRunning() bool {
	st := s.Load()
	return st == StateRunning || st == StateSleeping
}

func (s *FastState) CanAcceptWork() bool {
	st := s.Load()
	return st == StateAwake || st == StateRunning || st == StateSleeping
}
