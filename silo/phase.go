package silo

import "fabrichost/internal/check"

// Phase describes the node lifecycle state.
type Phase uint8

const (
	PhaseCreated Phase = iota
	PhaseStarting
	PhaseRunning
	PhaseStopped
	PhaseFaulted
)

func (p Phase) String() string {
	switch p {
	case PhaseCreated:
		return "created"
	case PhaseStarting:
		return "starting"
	case PhaseRunning:
		return "running"
	case PhaseStopped:
		return "stopped"
	case PhaseFaulted:
		return "faulted"
	default:
		return "unknown"
	}
}

// CanTransition reports whether the state machine allows p -> to.
// Faulted nodes still release their host, so Faulted -> Stopped is allowed.
func (p Phase) CanTransition(to Phase) bool {
	switch p {
	case PhaseCreated:
		return to == PhaseStarting
	case PhaseStarting:
		return to == PhaseRunning || to == PhaseStopped || to == PhaseFaulted
	case PhaseRunning:
		return to == PhaseStopped || to == PhaseFaulted
	case PhaseFaulted:
		return to == PhaseStopped
	default:
		return false
	}
}

// Transition returns to if the move is allowed, otherwise p.
func (p Phase) Transition(to Phase) Phase {
	ok := p.CanTransition(to)
	check.Assertf(ok, "node phase transition: %s -> %s", p, to)
	if !ok {
		return p
	}
	return to
}
