package strategy

import "fmt"

// CanTransition reports whether a strategy may move from one status to
// another. EXECUTED and FAILED have no outgoing edges.
func CanTransition(from, to Status) bool {
	switch from {
	case StatusPending:
		return to == StatusSubmitted || to == StatusFailed
	case StatusSubmitted:
		return to == StatusExecuted || to == StatusPending || to == StatusFailed
	}
	return false
}

func CheckTransition(from, to Status) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}
