// Package pipeline - Sequences the load, convert, quantize, verify, persist
// and report stages for one target family.
package pipeline

import "github.com/pkg/errors"

// State is the lifecycle position of a pipeline run.
type State string

const (
	StateIdle      State = "Idle"
	StateLoaded    State = "Loaded"
	StateConverted State = "Converted"
	StateQuantized State = "Quantized"
	StateVerified  State = "Verified"
	StatePersisted State = "Persisted"
	StateReported  State = "Reported"
	StateFailed    State = "Failed"
)

// next is the single forward successor of every non-terminal state.
var next = map[State]State{
	StateIdle:      StateLoaded,
	StateLoaded:    StateConverted,
	StateConverted: StateQuantized,
	StateQuantized: StateVerified,
	StateVerified:  StatePersisted,
	StatePersisted: StateReported,
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateReported || s == StateFailed
}

// CanTransition reports whether s may move to to.
//
// Arguments:
//   - to: The requested state.
//
// Returns:
//   - bool: True for the forward successor, or Failed from any non-terminal
//     state.
func (s State) CanTransition(to State) bool {
	if s.Terminal() {
		return false
	}
	if to == StateFailed {
		return true
	}
	return next[s] == to
}

// machine guards state transitions of a single run.
type machine struct {
	state State
}

func (m *machine) advance(to State) error {
	if !m.state.CanTransition(to) {
		return errors.Errorf("illegal transition %s -> %s", m.state, to)
	}
	m.state = to
	return nil
}
