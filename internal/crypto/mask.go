package crypto

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"io"

	"golang.org/x/crypto/chacha20"
	"golang.org/x/crypto/hkdf"

	"github.com/medfl/fedavg/internal/tensor"
)

// MaskScale bounds every mask element to [-MaskScale, MaskScale).
const MaskScale = 1 << 16

// SeedLen is the length of a per round pair seed.
const SeedLen = chacha20.KeySize

var maskInfo = []byte("fedavg-mask/v1")

// RoundSeed derives the seed of the mask shared by clients a and b in a round.
// The pair is ordered canonically so both sides derive the same seed; epoch
// scopes the seed to one key rotation period.
func RoundSeed(secret []byte, epoch, round uint64, a, b string) ([]byte, error) {
	if len(secret) == 0 {
		return nil, errors.New("empty shared secret")
	}
	if a == b {
		return nil, errors.New("cannot derive a mask seed with oneself")
	}
	lo, hi := a, b
	if hi < lo {
		lo, hi = hi, lo
	}

	salt := binary.BigEndian.AppendUint64(nil, epoch)
	info := append([]byte(nil), maskInfo...)
	info = appendLenPrefixed(info, []byte(lo))
	info = appendLenPrefixed(info, []byte(hi))
	info = binary.BigEndian.AppendUint64(info, round)

	seed := make([]byte, SeedLen)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, salt, info), seed); err != nil {
		return nil, err
	}
	return seed, nil
}

func appendLenPrefixed(dst, b []byte) []byte {
	dst = binary.BigEndian.AppendUint32(dst, uint32(len(b)))
	return append(dst, b...)
}

// Mask expands seed into a pseudorandom collection with the given shapes. The
// same seed always yields the same values.
func Mask(seed []byte, shapes [][]int) (tensor.Collection, error) {
	stream, err := chacha20.NewUnauthenticatedCipher(seed, make([]byte, chacha20.NonceSize))
	if err != nil {
		return nil, err
	}
	out := tensor.Zeros(shapes)
	for _, t := range out {
		buf := make([]byte, 4*t.Len())
		stream.XORKeyStream(buf, buf)
		for i := range t.Data {
			u := binary.LittleEndian.Uint32(buf[4*i:])
			t.Data[i] = (float64(u) - (1 << 31)) * (MaskScale / float64(1<<31))
		}
	}
	return out, nil
}
