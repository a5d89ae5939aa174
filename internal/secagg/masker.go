package secagg

import (
	"fmt"
	"sort"
	"sync"

	"github.com/drand/kyber"
	lru "github.com/hashicorp/golang-lru"

	"github.com/medfl/fedavg/common/log"
	"github.com/medfl/fedavg/internal/crypto"
	"github.com/medfl/fedavg/internal/tensor"
)

// DefaultCacheSize bounds the number of shared secrets a Masker keeps.
const DefaultCacheSize = 256

// Masker is the client side of secure aggregation. Shared secrets are cached
// for the current key epoch and dropped when the epoch changes.
type Masker struct {
	sync.Mutex
	id   string
	keys *crypto.Pair
	log  log.Logger

	secrets   *lru.Cache
	epoch     uint64
	haveEpoch bool

	open  bool
	round uint64
	peers map[string]kyber.Point
}

func NewMasker(id string, keys *crypto.Pair, cacheSize int, l log.Logger) (*Masker, error) {
	if cacheSize <= 0 {
		cacheSize = DefaultCacheSize
	}
	cache, err := lru.New(cacheSize)
	if err != nil {
		return nil, err
	}
	return &Masker{
		id:      id,
		keys:    keys,
		secrets: cache,
		log:     l.Named("masker").With("client", id),
	}, nil
}

// Begin fixes the masking set and key epoch of a round. A still open round is
// abandoned.
func (m *Masker) Begin(round, epoch uint64, peers []Peer) error {
	set := make(map[string]kyber.Point, len(peers))
	for _, p := range peers {
		if p.ID == m.id {
			continue
		}
		if p.Public == nil {
			return fmt.Errorf("peer %s has no public key", p.ID)
		}
		if _, dup := set[p.ID]; dup {
			return fmt.Errorf("peer %s listed twice", p.ID)
		}
		set[p.ID] = p.Public
	}

	m.Lock()
	defer m.Unlock()
	if m.open && m.round != round {
		m.log.Debugw("abandoning masking round", "round", m.round, "next", round)
	}
	if !m.haveEpoch || epoch != m.epoch {
		m.secrets.Purge()
		if m.haveEpoch {
			m.log.Infow("key epoch rotated", "from", m.epoch, "to", epoch, "round", round)
		}
		m.epoch, m.haveEpoch = epoch, true
	}
	m.open, m.round, m.peers = true, round, set
	return nil
}

// End closes round. Closing a round that is not open is a no-op.
func (m *Masker) End(round uint64) {
	m.Lock()
	defer m.Unlock()
	if m.open && m.round == round {
		m.open, m.peers = false, nil
	}
}

// Rotate drops every cached secret. It is refused while a round is open.
func (m *Masker) Rotate() error {
	m.Lock()
	defer m.Unlock()
	if m.open {
		return ErrRoundInFlight
	}
	m.secrets.Purge()
	m.haveEpoch = false
	return nil
}

// Mask returns update plus the signed mask shared with every peer of round.
func (m *Masker) Mask(round uint64, update tensor.Collection) (tensor.Collection, error) {
	m.Lock()
	defer m.Unlock()
	if !m.open || m.round != round {
		return nil, ErrNoRound
	}

	out := update.Clone()
	shapes := update.Shapes()
	for _, peer := range m.sortedPeers() {
		seed, err := m.seed(peer)
		if err != nil {
			return nil, err
		}
		mask, err := SignedMask(m.id, peer, seed, shapes)
		if err != nil {
			return nil, err
		}
		if err := out.AddInPlace(mask); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// Reveal encrypts to the coordinator the round seeds shared with dropped
// peers, so their residual masks can be removed from the sum.
func (m *Masker) Reveal(round uint64, dropped []string, coordinator kyber.Point) (map[string]*crypto.Envelope, error) {
	m.Lock()
	defer m.Unlock()
	if !m.open || m.round != round {
		return nil, ErrNoRound
	}

	out := make(map[string]*crypto.Envelope, len(dropped))
	for _, peer := range dropped {
		if _, ok := m.peers[peer]; !ok {
			return nil, fmt.Errorf("%s was not masked against in round %d", peer, round)
		}
		seed, err := m.seed(peer)
		if err != nil {
			return nil, err
		}
		env, err := crypto.Encrypt(coordinator, seed)
		if err != nil {
			return nil, err
		}
		out[peer] = env
	}
	m.log.Infow("revealed seeds for dropped peers", "round", round, "dropped", dropped)
	return out, nil
}

func (m *Masker) sortedPeers() []string {
	ids := make([]string, 0, len(m.peers))
	for id := range m.peers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (m *Masker) seed(peer string) ([]byte, error) {
	pub := m.peers[peer]
	key := peer + "/" + crypto.PointToString(pub)
	var secret []byte
	if v, ok := m.secrets.Get(key); ok {
		secret = v.([]byte)
	} else {
		s, err := crypto.SharedSecret(m.keys.Key, pub)
		if err != nil {
			return nil, err
		}
		m.secrets.Add(key, s)
		secret = s
	}
	return crypto.RoundSeed(secret, m.epoch, m.round, m.id, peer)
}
