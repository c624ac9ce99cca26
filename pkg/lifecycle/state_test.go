package lifecycle

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

var allStates = []State{
	StateUnknown, StateStarting, StateRunning,
	StateStopping, StateStopped, StateFailed,
}

func TestState_Valid(t *testing.T) {
	t.Parallel()

	for _, s := range allStates {
		assert.True(t, s.Valid(), s)
		assert.Equal(t, string(s), s.String())
	}
	for _, s := range []State{"", "bogus", "RUNNING", "paused"} {
		assert.False(t, s.Valid(), "%q", s)
	}
}

func TestState_IsTerminal(t *testing.T) {
	t.Parallel()

	for _, s := range allStates {
		want := s == StateStopped || s == StateFailed
		assert.Equal(t, want, s.IsTerminal(), s)
	}
}

func TestValidTransition(t *testing.T) {
	t.Parallel()

	tests := []struct {
		from, to State
		want     bool
	}{
		{StateUnknown, StateStarting, true},
		{StateUnknown, StateFailed, true},
		{StateStarting, StateRunning, true},
		{StateStarting, StateStopping, true},
		{StateStarting, StateFailed, true},
		{StateRunning, StateStopping, true},
		{StateRunning, StateFailed, true},
		{StateStopping, StateStopped, true},
		{StateStopping, StateFailed, true},
		{StateStopped, StateStarting, true},
		{StateFailed, StateStarting, true},

		{StateUnknown, StateRunning, false},
		{StateUnknown, StateStopped, false},
		{StateRunning, StateStarting, false},
		{StateStopping, StateRunning, false},
		{StateStopped, StateRunning, false},
		{StateFailed, StateRunning, false},
		{State("nonexistent"), StateStarting, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"_to_"+string(tt.to), func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, ValidTransition(tt.from, tt.to))
		})
	}

	for _, s := range allStates {
		assert.False(t, ValidTransition(s, s), "same-state transition from %q", s)
	}
}
