package crypto

import (
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/drand/kyber"
	"github.com/drand/kyber/util/random"
)

// Pair is a private scalar and its public point.
type Pair struct {
	Key    kyber.Scalar
	Public kyber.Point
}

// NewKeyPair returns a fresh key pair.
func NewKeyPair() *Pair {
	k := KeyGroup.Scalar().Pick(random.New())
	return &Pair{
		Key:    k,
		Public: KeyGroup.Point().Mul(k, nil),
	}
}

// PublicBytes returns the canonical encoding of a public key.
func PublicBytes(p kyber.Point) ([]byte, error) {
	if p == nil {
		return nil, errors.New("nil public key")
	}
	return p.MarshalBinary()
}

// ParsePublic decodes a public key produced by PublicBytes.
func ParsePublic(b []byte) (kyber.Point, error) {
	p := KeyGroup.Point()
	if err := p.UnmarshalBinary(b); err != nil {
		return nil, fmt.Errorf("invalid public key: %w", err)
	}
	return p, nil
}

// SharedSecret derives the Diffie-Hellman secret between priv and a peer
// public key. Both sides of a pair obtain the same bytes.
func SharedSecret(priv kyber.Scalar, peer kyber.Point) ([]byte, error) {
	if priv == nil || peer == nil {
		return nil, errors.New("missing key for shared secret")
	}
	return KeyGroup.Point().Mul(priv, peer).MarshalBinary()
}

// PairTOML is the TOML form of a key pair.
type PairTOML struct {
	Key    string
	Public string
}

// PublicTOML is the TOML form of a public key.
type PublicTOML struct {
	ID     string
	Public string
}

// TOML returns the hex encoded form of the pair.
func (p *Pair) TOML() *PairTOML {
	return &PairTOML{
		Key:    scalarToString(p.Key),
		Public: PointToString(p.Public),
	}
}

// PairFromTOML decodes a pair and checks that both halves match.
func PairFromTOML(t *PairTOML) (*Pair, error) {
	buf, err := hex.DecodeString(t.Key)
	if err != nil {
		return nil, err
	}
	k := KeyGroup.Scalar()
	if err := k.UnmarshalBinary(buf); err != nil {
		return nil, err
	}
	pub := KeyGroup.Point().Mul(k, nil)
	if t.Public != "" {
		stored, err := StringToPoint(t.Public)
		if err != nil {
			return nil, err
		}
		if !stored.Equal(pub) {
			return nil, errors.New("public key does not match private key")
		}
	}
	return &Pair{Key: k, Public: pub}, nil
}

// PointToString hex encodes a point.
func PointToString(p kyber.Point) string {
	buf, _ := p.MarshalBinary()
	return hex.EncodeToString(buf)
}

// StringToPoint decodes a hex encoded point of the key group.
func StringToPoint(s string) (kyber.Point, error) {
	buf, err := hex.DecodeString(s)
	if err != nil {
		return nil, err
	}
	return ParsePublic(buf)
}

func scalarToString(s kyber.Scalar) string {
	buf, _ := s.MarshalBinary()
	return hex.EncodeToString(buf)
}
