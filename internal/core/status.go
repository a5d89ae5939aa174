package core

import (
	"fmt"
)

// Status is the state of a run.
type Status uint32

const (
	Initializing Status = iota
	AwaitingClients
	Aggregating
	Evaluating
	Checkpointing
	Finalizing
	Done
	Failed
)

func (s Status) String() string {
	switch s {
	case Initializing:
		return "initializing"
	case AwaitingClients:
		return "awaiting_clients"
	case Aggregating:
		return "aggregating"
	case Evaluating:
		return "evaluating"
	case Checkpointing:
		return "checkpointing"
	case Finalizing:
		return "finalizing"
	case Done:
		return "done"
	case Failed:
		return "failed"
	default:
		panic("impossible run status received")
	}
}

// InvalidStateChange is returned for a transition the run forbids.
func InvalidStateChange(from, to Status) error {
	return fmt.Errorf("invalid run transition from %s to %s", from, to)
}

// isValidStateChange encodes
// Initializing -> AwaitingClients -> Aggregating -> Evaluating -> Checkpointing
// -> (AwaitingClients | Finalizing) -> Done. A failed round goes back to
// AwaitingClients; any live state may fail.
func isValidStateChange(current, next Status) bool {
	if next == Failed {
		return current != Done && current != Failed
	}
	switch current {
	case Initializing:
		return next == AwaitingClients || next == Finalizing
	case AwaitingClients:
		return next == AwaitingClients || next == Aggregating
	case Aggregating:
		return next == Evaluating || next == AwaitingClients
	case Evaluating:
		return next == Checkpointing || next == AwaitingClients
	case Checkpointing:
		return next == AwaitingClients || next == Finalizing
	case Finalizing:
		return next == Done
	}
	return false
}
