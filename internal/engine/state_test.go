package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStateMachine_Transitions(t *testing.T) {
	tests := []struct {
		from, to State
		ok       bool
	}{
		{StateIdle, StatePlaying, true},
		{StateIdle, StateRecording, true},
		{StateIdle, StatePaused, false},
		{StatePlaying, StatePaused, true},
		{StatePaused, StatePlaying, true},
		{StatePlaying, StateIdle, true},
		{StatePlaying, StateRecording, true},
		{StateRecording, StatePlaying, true},
		{StateRecording, StatePaused, false},
		{StateRecording, StateIdle, true},
		{StatePlaying, StateError, true},
		{StateError, StateIdle, true},
		{StateError, StatePlaying, true},
		{StateClosed, StateIdle, false},
		{StateClosed, StateError, false},
	}
	for _, tt := range tests {
		t.Run(tt.from.String()+"->"+tt.to.String(), func(t *testing.T) {
			sm := newStateMachine(nil)
			sm.current = tt.from
			assert.Equal(t, tt.ok, sm.transition(tt.to))
			if tt.ok {
				assert.Equal(t, tt.to, sm.current)
			} else {
				assert.Equal(t, tt.from, sm.current)
			}
		})
	}
}

func TestStateMachine_NotifiesOnChange(t *testing.T) {
	var seen [][2]State
	sm := newStateMachine(func(from, to State) { seen = append(seen, [2]State{from, to}) })

	assert.True(t, sm.transition(StateIdle), "staying put is allowed")
	assert.True(t, sm.transition(StatePlaying))
	assert.False(t, sm.transition(StateClosed+1))
	assert.Equal(t, [][2]State{{StateIdle, StatePlaying}}, seen)
}

func TestState_String(t *testing.T) {
	assert.Equal(t, []string{"idle", "playing", "paused", "recording", "error", "closed"}, stateNames())
	assert.Equal(t, "unknown", State(99).String())
	assert.True(t, StatePaused.Active())
	assert.False(t, StateError.Active())
}
