package crypto

import "github.com/medfl/fedavg/internal/entropy"

// ChallengeLen is the size of a verification challenge.
const ChallengeLen = 32

// NewChallenge returns fresh random bytes for a challenge-response round trip.
func NewChallenge() ([]byte, error) {
	return entropy.GetRandom(nil, ChallengeLen)
}
