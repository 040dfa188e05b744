package reload

import (
	"errors"
	"fmt"
)

// ErrIllegalTransition reports a state change the controller must never make.
var ErrIllegalTransition = errors.New("illegal reload state transition")

// State is a step of the reload lifecycle.
type State int

const (
	Idle State = iota
	Validating
	Reloading
	Done
	ValidationFailed
	ReloadFailed
	Skipped
)

var stateNames = map[State]string{
	Idle:             "idle",
	Validating:       "validating",
	Reloading:        "reloading",
	Done:             "done",
	ValidationFailed: "validation_failed",
	ReloadFailed:     "reload_failed",
	Skipped:          "skipped",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Terminal reports whether no further transition is possible from s.
func (s State) Terminal() bool {
	return len(transitions[s]) == 0
}

var transitions = map[State][]State{
	Idle:       {Validating, Skipped},
	Validating: {Reloading, ValidationFailed, Skipped},
	Reloading:  {Done, ReloadFailed},
}

// CanTransition reports whether from → to is allowed.
func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// machine tracks the current state and every state it went through.
type machine struct {
	state   State
	history []State
}

func newMachine() *machine {
	return &machine{state: Idle, history: []State{Idle}}
}

func (m *machine) to(next State) error {
	if !CanTransition(m.state, next) {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, m.state, next)
	}
	m.state = next
	m.history = append(m.history, next)
	return nil
}
