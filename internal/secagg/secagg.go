// Package secagg implements pairwise additive masking. Clients mask their
// scaled updates with a Masker so the coordinator only ever sees the sum; the
// coordinator side Engine removes the residual masks of clients that dropped
// out, or refuses to produce an aggregate when it cannot.
package secagg

import (
	"errors"
	"fmt"

	"github.com/drand/kyber"

	"github.com/medfl/fedavg/internal/crypto"
	"github.com/medfl/fedavg/internal/tensor"
)

var (
	// ErrRoundInFlight is returned when masking state would change while a
	// round is open.
	ErrRoundInFlight = errors.New("a masking round is already open")
	// ErrNoRound is returned when an operation needs an open round.
	ErrNoRound = errors.New("no masking round open")
)

// Rotation derives the key epoch of a round. Rounds (k*Interval, (k+1)*Interval]
// share epoch k; a zero interval never rotates.
type Rotation struct {
	Interval uint64
}

func (r Rotation) Epoch(round uint64) uint64 {
	if r.Interval == 0 || round == 0 {
		return 0
	}
	return (round - 1) / r.Interval
}

// Peer is another participant of the round and its public key.
type Peer struct {
	ID     string
	Public kyber.Point
}

// Sign is the factor self applies to the mask it shares with peer: the
// smaller id adds, the larger id subtracts.
func Sign(self, peer string) float64 {
	if self < peer {
		return 1
	}
	return -1
}

// SignedMask is the contribution of the (self, peer) mask to self's update.
func SignedMask(self, peer string, seed []byte, shapes [][]int) (tensor.Collection, error) {
	if self == peer {
		return nil, fmt.Errorf("no mask between %s and itself", self)
	}
	m, err := crypto.Mask(seed, shapes)
	if err != nil {
		return nil, err
	}
	m.ScaleInPlace(Sign(self, peer))
	return m, nil
}
