// Package common holds the error taxonomy shared by the coordinator and its
// engines.
package common

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNoInitialModel is returned when a non initial run finds no initial model.
	ErrNoInitialModel = errors.New("initial model not found")
	// ErrZeroExamples guards the weighted mean against an empty denominator.
	ErrZeroExamples = errors.New("total number of examples is zero")
	// ErrUnknownClient is returned for operations on a client never registered.
	ErrUnknownClient = errors.New("unknown client")
	// ErrNotFound is returned by stores when a record does not exist.
	ErrNotFound = errors.New("record not found")
)

// PreconditionError reports a missing prerequisite. It aborts the run.
type PreconditionError struct {
	Op  string
	Err error
}

func (e *PreconditionError) Error() string {
	return fmt.Sprintf("precondition failed: %s: %v", e.Op, e.Err)
}

func (e *PreconditionError) Unwrap() error { return e.Err }

// QuorumError reports a round whose distinct participants fall outside the
// phase bounds.
type QuorumError struct {
	Mode     string
	Round    uint64
	Got      int
	Min, Max int
}

func (e *QuorumError) Error() string {
	return fmt.Sprintf("quorum not met for %s round %d: %d participants, want [%d, %d]",
		e.Mode, e.Round, e.Got, e.Min, e.Max)
}

// DropoutError reports a round whose dropout rate is above the threshold with
// recovery disabled.
type DropoutError struct {
	Round     uint64
	Rate      float64
	Threshold float64
	Dropped   []string
}

func (e *DropoutError) Error() string {
	return fmt.Sprintf("dropout rate %.3f above threshold %.3f in round %d (dropped: %s)",
		e.Rate, e.Threshold, e.Round, strings.Join(e.Dropped, ","))
}

// MaskReconciliationError reports that the residual masks of dropped clients
// could not be recomputed. The aggregate must not be used.
type MaskReconciliationError struct {
	Round   uint64
	Dropped string
	Missing []string
	Err     error
}

func (e *MaskReconciliationError) Error() string {
	msg := fmt.Sprintf("cannot reconcile masks of dropped client %s in round %d", e.Dropped, e.Round)
	if len(e.Missing) > 0 {
		msg += ": no seed from " + strings.Join(e.Missing, ",")
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *MaskReconciliationError) Unwrap() error { return e.Err }

// BudgetExceededError excludes one client. It never aborts the run.
type BudgetExceededError struct {
	ClientID  string
	Spent     float64
	Projected float64
	Target    float64
}

func (e *BudgetExceededError) Error() string {
	return fmt.Sprintf("privacy budget exceeded for %s: spent %.4f + projected %.4f > target %.4f",
		e.ClientID, e.Spent, e.Projected, e.Target)
}

// VerificationError is client scoped: the client is treated as unverified.
type VerificationError struct {
	ClientID string
	Reason   string
	Err      error
}

func (e *VerificationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("verification of %s failed: %s: %v", e.ClientID, e.Reason, e.Err)
	}
	return fmt.Sprintf("verification of %s failed: %s", e.ClientID, e.Reason)
}

func (e *VerificationError) Unwrap() error { return e.Err }

// IsRoundRecoverable reports whether err fails the current round only, so the
// round may be retried with a fresh solicitation.
func IsRoundRecoverable(err error) bool {
	var q *QuorumError
	var d *DropoutError
	var m *MaskReconciliationError
	return errors.As(err, &q) || errors.As(err, &d) || errors.As(err, &m)
}
