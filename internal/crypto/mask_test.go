package crypto

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRoundSeedSymmetric(t *testing.T) {
	secret := []byte("shared secret bytes")

	s1, err := RoundSeed(secret, 0, 1, "alice", "bob")
	require.NoError(t, err)
	s2, err := RoundSeed(secret, 0, 1, "bob", "alice")
	require.NoError(t, err)
	require.Equal(t, s1, s2)
	require.Len(t, s1, SeedLen)

	other, err := RoundSeed(secret, 0, 2, "alice", "bob")
	require.NoError(t, err)
	require.NotEqual(t, s1, other, "round must change the seed")

	rotated, err := RoundSeed(secret, 1, 1, "alice", "bob")
	require.NoError(t, err)
	require.NotEqual(t, s1, rotated, "epoch must change the seed")

	// ids are length prefixed so concatenations do not collide
	x, err := RoundSeed(secret, 0, 1, "ab", "c")
	require.NoError(t, err)
	y, err := RoundSeed(secret, 0, 1, "a", "bc")
	require.NoError(t, err)
	require.NotEqual(t, x, y)

	_, err = RoundSeed(secret, 0, 1, "a", "a")
	require.Error(t, err)
	_, err = RoundSeed(nil, 0, 1, "a", "b")
	require.Error(t, err)
}

func TestMaskDeterministicAndBounded(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 20; i++ {
		shapes := [][]int{{1 + rng.Intn(5), 1 + rng.Intn(5)}, {1 + rng.Intn(20)}}
		seed := make([]byte, SeedLen)
		rng.Read(seed)

		m1, err := Mask(seed, shapes)
		require.NoError(t, err)
		m2, err := Mask(seed, shapes)
		require.NoError(t, err)
		require.True(t, m1.Equal(m2, 0))
		require.Equal(t, shapes, m1.Shapes())

		for _, tt := range m1 {
			for _, v := range tt.Data {
				require.GreaterOrEqual(t, v, -float64(MaskScale))
				require.Less(t, v, float64(MaskScale))
			}
		}
	}

	_, err := Mask([]byte("short"), [][]int{{2}})
	require.Error(t, err)
}
