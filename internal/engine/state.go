package engine

import "slices"

// State is the mode of an engine session.
type State int

const (
	// StateIdle has no open device handle.
	StateIdle State = iota
	// StatePlaying mixes at least one unpaused playback stream.
	StatePlaying
	// StatePaused keeps the output open but every playback stream is paused.
	StatePaused
	// StateRecording captures input with no playback stream.
	StateRecording
	// StateError is entered when a device is lost. Only Reset and Reopen
	// leave it.
	StateError
	// StateClosed is terminal, entered by Shutdown.
	StateClosed
)

// States lists every state, in declaration order.
var States = []State{StateIdle, StatePlaying, StatePaused, StateRecording, StateError, StateClosed}

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePlaying:
		return "playing"
	case StatePaused:
		return "paused"
	case StateRecording:
		return "recording"
	case StateError:
		return "error"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Active reports whether a device handle is expected to be open.
func (s State) Active() bool {
	return s == StatePlaying || s == StatePaused || s == StateRecording
}

func stateNames() []string {
	names := make([]string, len(States))
	for i, s := range States {
		names[i] = s.String()
	}
	return names
}

// stateMachine guards the legal mode changes of an engine. It is not safe
// for concurrent use; the engine serializes access.
type stateMachine struct {
	current     State
	transitions map[State][]State
	onChange    func(from, to State)
}

func newStateMachine(onChange func(from, to State)) *stateMachine {
	return &stateMachine{
		current: StateIdle,
		transitions: map[State][]State{
			StateIdle:      {StatePlaying, StateRecording, StateError, StateClosed},
			StatePlaying:   {StatePaused, StateIdle, StateRecording, StateError, StateClosed},
			StatePaused:    {StatePlaying, StateIdle, StateRecording, StateError, StateClosed},
			StateRecording: {StatePlaying, StateIdle, StateError, StateClosed},
			StateError:     {StateIdle, StatePlaying, StatePaused, StateRecording, StateClosed},
			StateClosed:    {},
		},
		onChange: onChange,
	}
}

// transition moves to the given state. Staying in the current state is
// allowed and does not notify.
func (sm *stateMachine) transition(to State) bool {
	if to == sm.current {
		return true
	}
	if !slices.Contains(sm.transitions[sm.current], to) {
		return false
	}
	from := sm.current
	sm.current = to
	if sm.onChange != nil {
		sm.onChange(from, to)
	}
	return true
}

func (sm *stateMachine) can(to State) bool {
	return to == sm.current || slices.Contains(sm.transitions[sm.current], to)
}
