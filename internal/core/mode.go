package core

import (
	"fmt"
)

// Kind tags what a run does with the global model.
type Kind uint8

const (
	// Initial trains the initial model from scratch.
	Initial Kind = iota
	// Additional continues training from the best initial model.
	Additional
	// TestOnly evaluates the stored models without training.
	TestOnly
)

func (k Kind) String() string {
	switch k {
	case Initial:
		return "initial"
	case Additional:
		return "additional"
	case TestOnly:
		return "test-only"
	default:
		panic("impossible mode kind received")
	}
}

// ParseKind is the inverse of String.
func ParseKind(s string) (Kind, error) {
	switch s {
	case "initial":
		return Initial, nil
	case "additional":
		return Additional, nil
	case "test-only", "test_only":
		return TestOnly, nil
	}
	return Initial, fmt.Errorf("unknown mode %q", s)
}

// Phase holds the quorum bounds and round count of a mode. A zero MaxClients
// means no upper bound.
type Phase struct {
	MinClients int `json:"min_clients"`
	MaxClients int `json:"max_clients"`
	Rounds     int `json:"rounds"`
}

// Admits reports whether n distinct participants satisfy the quorum.
func (p Phase) Admits(n int) bool {
	return n >= p.MinClients && (p.MaxClients == 0 || n <= p.MaxClients)
}

// DefaultPhase returns the phase requirements of k.
func DefaultPhase(k Kind) Phase {
	switch k {
	case Initial:
		return Phase{MinClients: 2, MaxClients: 2, Rounds: 3}
	case Additional:
		return Phase{MinClients: 3, MaxClients: 3, Rounds: 3}
	default:
		return Phase{MinClients: 1}
	}
}

// Mode is a run kind together with its phase requirements.
type Mode struct {
	Kind  Kind
	Phase Phase
}

// NewMode returns the mode k with its default phase.
func NewMode(k Kind) Mode {
	return Mode{Kind: k, Phase: DefaultPhase(k)}
}

func (m Mode) String() string {
	return m.Kind.String()
}

// Validate checks the phase bounds.
func (m Mode) Validate() error {
	p := m.Phase
	switch {
	case p.MinClients < 1:
		return fmt.Errorf("%s: min clients must be at least 1, got %d", m, p.MinClients)
	case p.MaxClients != 0 && p.MaxClients < p.MinClients:
		return fmt.Errorf("%s: max clients %d below min clients %d", m, p.MaxClients, p.MinClients)
	case p.Rounds < 0:
		return fmt.Errorf("%s: negative number of rounds", m)
	case m.Kind != TestOnly && p.Rounds == 0:
		return fmt.Errorf("%s: at least one round is required", m)
	}
	return nil
}
