package crypto

import (
	"bytes"
	"testing"

	"github.com/BurntSushi/toml"
	"github.com/stretchr/testify/require"
)

func TestSharedSecretIsSymmetric(t *testing.T) {
	a, b := NewKeyPair(), NewKeyPair()

	ab, err := SharedSecret(a.Key, b.Public)
	require.NoError(t, err)
	ba, err := SharedSecret(b.Key, a.Public)
	require.NoError(t, err)
	require.Equal(t, ab, ba)

	c := NewKeyPair()
	ac, err := SharedSecret(a.Key, c.Public)
	require.NoError(t, err)
	require.NotEqual(t, ab, ac)
}

func TestPublicEncoding(t *testing.T) {
	p := NewKeyPair()
	buf, err := PublicBytes(p.Public)
	require.NoError(t, err)

	back, err := ParsePublic(buf)
	require.NoError(t, err)
	require.True(t, back.Equal(p.Public))

	_, err = ParsePublic([]byte{1, 2, 3})
	require.Error(t, err)
}

func TestPairTOML(t *testing.T) {
	p := NewKeyPair()

	var sb bytes.Buffer
	require.NoError(t, toml.NewEncoder(&sb).Encode(p.TOML()))

	var decoded PairTOML
	_, err := toml.Decode(sb.String(), &decoded)
	require.NoError(t, err)

	back, err := PairFromTOML(&decoded)
	require.NoError(t, err)
	require.True(t, back.Key.Equal(p.Key))
	require.True(t, back.Public.Equal(p.Public))

	decoded.Public = PointToString(NewKeyPair().Public)
	_, err = PairFromTOML(&decoded)
	require.Error(t, err)
}

func TestSignVerify(t *testing.T) {
	p := NewKeyPair()
	msg := []byte("challenge")

	sig, err := Sign(p.Key, msg)
	require.NoError(t, err)
	require.NoError(t, Verify(p.Public, msg, sig))
	require.Error(t, Verify(p.Public, []byte("other"), sig))
	require.Error(t, Verify(NewKeyPair().Public, msg, sig))
}

func TestECIES(t *testing.T) {
	p := NewKeyPair()
	msg := []byte("pair seed")

	env, err := Encrypt(p.Public, msg)
	require.NoError(t, err)

	out, err := Decrypt(p.Key, env)
	require.NoError(t, err)
	require.Equal(t, msg, out)

	_, err = Decrypt(NewKeyPair().Key, env)
	require.Error(t, err)

	env.Ciphertext[0] ^= 1
	_, err = Decrypt(p.Key, env)
	require.Error(t, err)
}

func TestChallenge(t *testing.T) {
	c1, err := NewChallenge()
	require.NoError(t, err)
	c2, err := NewChallenge()
	require.NoError(t, err)
	require.Len(t, c1, ChallengeLen)
	require.NotEqual(t, c1, c2)
}
