// Package turn implements the per-session turn controller: a state machine
// and dataflow scheduler coordinating STT, LLM, and TTS with speculative
// execution, cancellation, barge-in, and adaptive end-of-utterance detection.
package turn

import (
	"errors"
	"fmt"
)

// State is one of the five turn states.
type State string

const (
	// StateIdle means no turn is active.
	StateIdle State = "idle"

	// StateListening means user audio is being transcribed.
	StateListening State = "listening"

	// StateSpeculative means the silence timer fired and LLM generation has
	// started, but the user may still resume speaking.
	StateSpeculative State = "speculative"

	// StateCommitted means the first LLM sentence is usable and synthesis has
	// begun, but no audio has been produced yet.
	StateCommitted State = "committed"

	// StateSpeaking means agent audio is streaming to the client.
	StateSpeaking State = "speaking"
)

// ErrIllegalTransition indicates a scheduler bug: a transition outside the
// legal turn-state table was attempted.
var ErrIllegalTransition = errors.New("turn: illegal state transition")

// legalTransitions is the set of permitted (from, to) pairs.
var legalTransitions = map[State][]State{
	StateIdle:        {StateListening},
	StateListening:   {StateSpeculative, StateIdle},
	StateSpeculative: {StateListening, StateCommitted, StateIdle},
	StateCommitted:   {StateSpeaking, StateIdle},
	StateSpeaking:    {StateListening, StateIdle},
}

// Machine enforces legal transitions between turn states. It is not
// goroutine-safe; the controller serializes access under its own lock.
type Machine struct {
	state    State
	onChange func(from, to State)
}

// NewMachine returns a Machine in StateIdle. onChange, if non-nil, is invoked
// exactly once per successful transition, before Transition returns.
func NewMachine(onChange func(from, to State)) *Machine {
	return &Machine{state: StateIdle, onChange: onChange}
}

// State returns the current state.
func (m *Machine) State() State {
	return m.state
}

// Transition moves to the given state if the transition is legal, invoking
// the change callback. An illegal transition leaves the state untouched and
// returns an error wrapping ErrIllegalTransition.
func (m *Machine) Transition(to State) error {
	if !legal(m.state, to) {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, m.state, to)
	}
	from := m.state
	m.state = to
	if m.onChange != nil {
		m.onChange(from, to)
	}
	return nil
}

// ForceIdle resets to StateIdle from any state, emitting the change callback
// when the state actually changes. Used for error recovery after a fatal
// turn-level failure.
func (m *Machine) ForceIdle() {
	if m.state == StateIdle {
		return
	}
	from := m.state
	m.state = StateIdle
	if m.onChange != nil {
		m.onChange(from, StateIdle)
	}
}

func legal(from, to State) bool {
	for _, s := range legalTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
