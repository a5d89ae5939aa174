// Package crypto adapts kyber to the primitives fedavg needs: key pairs on the
// BLS12-381 G1 group, Diffie-Hellman shared secrets, Schnorr signatures,
// ECIES envelopes and deterministic pairwise masks.
package crypto

import (
	"crypto/cipher"

	"github.com/drand/kyber"
	bls "github.com/drand/kyber-bls12381"
	"github.com/drand/kyber/sign/schnorr"
	"github.com/drand/kyber/util/random"
)

// KeyGroup is the group every client and coordinator key lives in.
var KeyGroup kyber.Group = bls.NewBLS12381Suite().G1()

// AuthScheme signs verification challenges.
var AuthScheme = schnorr.NewScheme(&schnorrSuite{KeyGroup})

type schnorrSuite struct {
	kyber.Group
}

func (s *schnorrSuite) RandomStream() cipher.Stream {
	return random.New()
}
