package jobs

// legalTransitions maps each state to the set it may advance to.
// Terminal states have no outgoing edges.
var legalTransitions = map[State][]State{
	StatePending:    {StateQueued, StateCancelled},
	StateQueued:     {StateAssigned, StateCancelled},
	StateAssigned:   {StateInProgress, StateCancelled, StateFailed},
	StateInProgress: {StateRunning, StatePaused, StateCancelled, StateFailed},
	StateRunning:    {StateCompleted, StateFailed, StatePaused, StateCancelled},
	StatePaused:     {StateRunning, StateCancelled},
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to State) bool {
	for _, next := range legalTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether the state has no outgoing transitions.
func IsTerminal(s State) bool {
	switch s {
	case StateCompleted, StateFailed, StateCancelled:
		return true
	default:
		return false
	}
}

// ConsumesQuota reports whether reaching the state charges the owner's
// quota. Cancelled jobs never consumed capacity so they stay free.
func ConsumesQuota(s State) bool {
	return s == StateCompleted || s == StateFailed
}

// KnownState reports whether s is a member of the lifecycle enumeration.
func KnownState(s State) bool {
	switch s {
	case StatePending, StateQueued, StateAssigned, StateInProgress,
		StateRunning, StateCompleted, StateFailed, StateCancelled, StatePaused:
		return true
	default:
		return false
	}
}
