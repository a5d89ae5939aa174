package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"errors"
	"io"

	"github.com/drand/kyber"
	"github.com/drand/kyber/util/random"
	"golang.org/x/crypto/hkdf"

	"github.com/medfl/fedavg/internal/entropy"
)

const (
	eciesKeyLen   = 32
	eciesNonceLen = 12
)

var eciesInfo = []byte("fedavg-ecies")

// Envelope is a message encrypted to a public key: an ephemeral DH point, the
// AES-GCM nonce and the ciphertext.
type Envelope struct {
	Ephemeral  []byte `json:"ephemeral"`
	Nonce      []byte `json:"nonce"`
	Ciphertext []byte `json:"ciphertext"`
}

// Encrypt seals msg so only the holder of the private key matching pub can
// open it.
func Encrypt(pub kyber.Point, msg []byte) (*Envelope, error) {
	r := KeyGroup.Scalar().Pick(random.New())
	eph, err := KeyGroup.Point().Mul(r, nil).MarshalBinary()
	if err != nil {
		return nil, err
	}
	aead, err := eciesAEAD(KeyGroup.Point().Mul(r, pub))
	if err != nil {
		return nil, err
	}
	nonce, err := entropy.GetRandom(nil, eciesNonceLen)
	if err != nil {
		return nil, err
	}
	return &Envelope{
		Ephemeral:  eph,
		Nonce:      nonce,
		Ciphertext: aead.Seal(nil, nonce, msg, eph),
	}, nil
}

// Decrypt opens an envelope produced by Encrypt.
func Decrypt(priv kyber.Scalar, e *Envelope) ([]byte, error) {
	if e == nil {
		return nil, errors.New("nil envelope")
	}
	eph, err := ParsePublic(e.Ephemeral)
	if err != nil {
		return nil, err
	}
	aead, err := eciesAEAD(KeyGroup.Point().Mul(priv, eph))
	if err != nil {
		return nil, err
	}
	if len(e.Nonce) != aead.NonceSize() {
		return nil, errors.New("invalid envelope nonce")
	}
	return aead.Open(nil, e.Nonce, e.Ciphertext, e.Ephemeral)
}

func eciesAEAD(dh kyber.Point) (cipher.AEAD, error) {
	secret, err := dh.MarshalBinary()
	if err != nil {
		return nil, err
	}
	key := make([]byte, eciesKeyLen)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, eciesInfo), key); err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
