package secagg

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/medfl/fedavg/common"
	"github.com/medfl/fedavg/common/testlogger"
	"github.com/medfl/fedavg/internal/crypto"
	"github.com/medfl/fedavg/internal/tensor"
)

func TestRotationEpoch(t *testing.T) {
	tests := []struct {
		interval, round, epoch uint64
	}{
		{0, 1, 0},
		{0, 100, 0},
		{1, 1, 0},
		{1, 2, 1},
		{3, 1, 0},
		{3, 3, 0},
		{3, 4, 1},
		{3, 7, 2},
	}
	for _, tt := range tests {
		require.Equal(t, tt.epoch, Rotation{Interval: tt.interval}.Epoch(tt.round), "interval %d round %d", tt.interval, tt.round)
	}
}

func TestPairwiseMasksCancelExactly(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 10; i++ {
		a, b := crypto.NewKeyPair(), crypto.NewKeyPair()
		ab, err := crypto.SharedSecret(a.Key, b.Public)
		require.NoError(t, err)
		ba, err := crypto.SharedSecret(b.Key, a.Public)
		require.NoError(t, err)

		round := uint64(1 + rng.Intn(50))
		epoch := uint64(rng.Intn(3))
		shapes := [][]int{{1 + rng.Intn(6), 1 + rng.Intn(6)}, {1 + rng.Intn(30)}}

		seedAB, err := crypto.RoundSeed(ab, epoch, round, "client-a", "client-b")
		require.NoError(t, err)
		seedBA, err := crypto.RoundSeed(ba, epoch, round, "client-b", "client-a")
		require.NoError(t, err)

		mAB, err := SignedMask("client-a", "client-b", seedAB, shapes)
		require.NoError(t, err)
		mBA, err := SignedMask("client-b", "client-a", seedBA, shapes)
		require.NoError(t, err)

		sum, err := mAB.Add(mBA)
		require.NoError(t, err)
		require.True(t, sum.Equal(tensor.Zeros(shapes), 0), "masks must cancel exactly")
		require.False(t, mAB.Equal(tensor.Zeros(shapes), 0))
	}
}

type testClient struct {
	id     string
	keys   *crypto.Pair
	masker *Masker
	n      int
	update tensor.Collection
}

func setup(t *testing.T, ids []string, counts []int, shapes [][]int) []*testClient {
	t.Helper()
	rng := rand.New(rand.NewSource(3))
	out := make([]*testClient, len(ids))
	for i, id := range ids {
		keys := crypto.NewKeyPair()
		m, err := NewMasker(id, keys, 0, testlogger.New(t))
		require.NoError(t, err)
		u := tensor.Zeros(shapes)
		for _, tt := range u {
			for j := range tt.Data {
				tt.Data[j] = rng.NormFloat64()
			}
		}
		out[i] = &testClient{id: id, keys: keys, masker: m, n: counts[i], update: u}
	}
	return out
}

func peersOf(clients []*testClient) []Peer {
	peers := make([]Peer, len(clients))
	for i, c := range clients {
		peers[i] = Peer{ID: c.id, Public: c.keys.Public}
	}
	return peers
}

func weightedMean(t *testing.T, clients []*testClient) tensor.Collection {
	t.Helper()
	sum := clients[0].update.ZerosLike()
	total := 0
	for _, c := range clients {
		require.NoError(t, sum.AddScaledInPlace(c.update, float64(c.n)))
		total += c.n
	}
	sum.ScaleInPlace(1 / float64(total))
	return sum
}

func maskAll(t *testing.T, round, epoch uint64, clients []*testClient) map[string]tensor.Collection {
	t.Helper()
	peers := peersOf(clients)
	out := make(map[string]tensor.Collection, len(clients))
	for _, c := range clients {
		require.NoError(t, c.masker.Begin(round, epoch, peers))
		masked, err := c.masker.Mask(round, c.update.Scale(float64(c.n)))
		require.NoError(t, err)
		out[c.id] = masked
	}
	return out
}

func ids(clients []*testClient) []string {
	out := make([]string, len(clients))
	for i, c := range clients {
		out[i] = c.id
	}
	return out
}

func TestMaskedAggregateMatchesPlaintext(t *testing.T) {
	shapes := [][]int{{3, 3}, {10}}
	clients := setup(t, []string{"a", "b", "c"}, []int{100, 300, 50}, shapes)
	engine := NewEngine(crypto.NewKeyPair(), Rotation{Interval: 2}, testlogger.New(t))

	session, err := engine.Open(1, ids(clients))
	require.NoError(t, err)
	defer session.Close()

	masked := maskAll(t, 1, session.Epoch(), clients)
	// individual updates are hidden
	require.False(t, masked["a"].Equal(clients[0].update.Scale(100), 1))

	sum, err := session.Unmask(masked, nil)
	require.NoError(t, err)
	sum.ScaleInPlace(1.0 / 450)
	require.True(t, sum.Equal(weightedMean(t, clients), 1e-6))
}

func TestDropoutReconciled(t *testing.T) {
	shapes := [][]int{{3, 3}, {10}}
	clients := setup(t, []string{"a", "b", "c"}, []int{100, 300, 50}, shapes)
	engine := NewEngine(crypto.NewKeyPair(), Rotation{}, testlogger.New(t))

	session, err := engine.Open(4, ids(clients))
	require.NoError(t, err)
	defer session.Close()

	masked := maskAll(t, 4, session.Epoch(), clients)
	delete(masked, "c")
	require.Equal(t, []string{"c"}, session.Dropped([]string{"a", "b"}))

	reveals := make(map[string]map[string]*crypto.Envelope)
	for _, c := range clients[:2] {
		r, err := c.masker.Reveal(4, []string{"c"}, engine.PublicKey())
		require.NoError(t, err)
		reveals[c.id] = r
	}

	sum, err := session.Unmask(masked, reveals)
	require.NoError(t, err)
	sum.ScaleInPlace(1.0 / 400)
	require.True(t, sum.Equal(weightedMean(t, clients[:2]), 1e-6))
}

func TestDropoutWithMissingSeedRefuses(t *testing.T) {
	shapes := [][]int{{3, 3}, {10}}
	clients := setup(t, []string{"a", "b", "c"}, []int{100, 300, 50}, shapes)
	engine := NewEngine(crypto.NewKeyPair(), Rotation{}, testlogger.New(t))

	session, err := engine.Open(2, ids(clients))
	require.NoError(t, err)
	defer session.Close()

	masked := maskAll(t, 2, session.Epoch(), clients)
	delete(masked, "c")

	// c masked against a and b, but only a's seed is available
	r, err := clients[0].masker.Reveal(2, []string{"c"}, engine.PublicKey())
	require.NoError(t, err)
	reveals := map[string]map[string]*crypto.Envelope{"a": r}

	sum, err := session.Unmask(masked, reveals)
	require.Nil(t, sum)
	var me *common.MaskReconciliationError
	require.ErrorAs(t, err, &me)
	require.Equal(t, "c", me.Dropped)
	require.Equal(t, []string{"b"}, me.Missing)
	require.True(t, common.IsRoundRecoverable(err))
}

func TestSeedEncryptedToAnotherKeyRefuses(t *testing.T) {
	shapes := [][]int{{4}}
	clients := setup(t, []string{"a", "b", "c"}, []int{1, 1, 1}, shapes)
	engine := NewEngine(crypto.NewKeyPair(), Rotation{}, testlogger.New(t))
	session, err := engine.Open(1, ids(clients))
	require.NoError(t, err)
	defer session.Close()

	masked := maskAll(t, 1, 0, clients)
	delete(masked, "c")
	reveals := make(map[string]map[string]*crypto.Envelope)
	for _, c := range clients[:2] {
		r, err := c.masker.Reveal(1, []string{"c"}, crypto.NewKeyPair().Public)
		require.NoError(t, err)
		reveals[c.id] = r
	}
	_, err = session.Unmask(masked, reveals)
	var me *common.MaskReconciliationError
	require.ErrorAs(t, err, &me)
}

func TestEngineSingleSession(t *testing.T) {
	engine := NewEngine(crypto.NewKeyPair(), Rotation{Interval: 1}, testlogger.New(t))
	s1, err := engine.Open(1, []string{"a", "b"})
	require.NoError(t, err)

	_, err = engine.Open(2, []string{"a", "b"})
	require.ErrorIs(t, err, ErrRoundInFlight)

	s1.Close()
	s2, err := engine.Open(2, []string{"a", "b"})
	require.NoError(t, err)
	require.Equal(t, uint64(1), s2.Epoch())
	s2.Close()

	_, err = engine.Open(3, []string{"a", "a"})
	require.Error(t, err)

	s3, err := engine.Open(3, []string{"a", "b"})
	require.NoError(t, err)
	_, err = s3.Unmask(map[string]tensor.Collection{"z": {tensor.New(1)}}, nil)
	require.Error(t, err)
	s3.Close()
}

func TestMaskerRotation(t *testing.T) {
	clients := setup(t, []string{"a", "b"}, []int{1, 1}, [][]int{{8}})
	a := clients[0]
	peers := peersOf(clients)
	zero := tensor.Collection{tensor.New(8)}

	_, err := a.masker.Mask(1, zero)
	require.ErrorIs(t, err, ErrNoRound)

	require.NoError(t, a.masker.Begin(1, 0, peers))
	require.ErrorIs(t, a.masker.Rotate(), ErrRoundInFlight)
	m0, err := a.masker.Mask(1, zero)
	require.NoError(t, err)
	_, err = a.masker.Mask(2, zero)
	require.ErrorIs(t, err, ErrNoRound)
	a.masker.End(1)
	require.NoError(t, a.masker.Rotate())

	// same round number in a new epoch derives a different mask
	require.NoError(t, a.masker.Begin(1, 1, peers))
	m1, err := a.masker.Mask(1, zero)
	require.NoError(t, err)
	require.False(t, m0.Equal(m1, 0))

	_, err = a.masker.Reveal(1, []string{"stranger"}, crypto.NewKeyPair().Public)
	require.Error(t, err)
	a.masker.End(1)
}
