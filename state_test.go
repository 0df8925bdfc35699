package ringrt

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFastState_InitialStateIsAwake(t *testing.T) {
	s := NewFastState()
	assert.Equal(t, StateAwake, s.Load())
	assert.True(t, s.CanAcceptWork())
	assert.False(t, s.IsRunning())
}

func TestFastState_TryTransitionOnlyFromExpectedSource(t *testing.T) {
	s := NewFastState()
	assert.False(t, s.TryTransition(StateRunning, StateSleeping), "a transition from the wrong source state must fail")
	assert.True(t, s.TryTransition(StateAwake, StateRunning))
	assert.Equal(t, StateRunning, s.Load())
	assert.True(t, s.IsRunning())
}

func TestFastState_TransitionAnyTriesEachCandidate(t *testing.T) {
	s := NewFastState()
	s.Store(StateSleeping)
	ok := s.TransitionAny([]ExecutorState{StateRunning, StateSleeping, StateAwake}, StateTerminating)
	assert.True(t, ok)
	assert.Equal(t, StateTerminating, s.Load())
}

func TestFastState_TransitionAnyFailsWhenNoneMatch(t *testing.T) {
	s := NewFastState()
	s.Store(StateTerminated)
	ok := s.TransitionAny([]ExecutorState{StateRunning, StateSleeping}, StateTerminating)
	assert.False(t, ok)
	assert.True(t, s.IsTerminal())
}

func TestExecutorState_String(t *testing.T) {
	cases := map[ExecutorState]string{
		StateAwake:       "Awake",
		StateRunning:     "Running",
		StateSleeping:    "Sleeping",
		StateTerminating: "Terminating",
		StateTerminated:  "Terminated",
	}
	for state, want := range cases {
		assert.Equal(t, want, state.String())
	}
	assert.Equal(t, "Unknown", ExecutorState(99).String())
}
