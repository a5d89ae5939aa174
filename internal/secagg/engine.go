package secagg

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/drand/kyber"

	"github.com/medfl/fedavg/common"
	"github.com/medfl/fedavg/common/log"
	"github.com/medfl/fedavg/internal/crypto"
	"github.com/medfl/fedavg/internal/tensor"
)

// Engine is the coordinator side of secure aggregation. At most one session
// is open at a time, so a key rotation can never fall between masking and
// unmasking of a round.
type Engine struct {
	sync.Mutex
	keys     *crypto.Pair
	rotation Rotation
	log      log.Logger

	session *Session
}

func NewEngine(keys *crypto.Pair, rotation Rotation, l log.Logger) *Engine {
	return &Engine{
		keys:     keys,
		rotation: rotation,
		log:      l.Named("secagg"),
	}
}

// PublicKey is the key clients encrypt revealed seeds to.
func (e *Engine) PublicKey() kyber.Point {
	return e.keys.Public
}

// Epoch returns the key epoch of round.
func (e *Engine) Epoch(round uint64) uint64 {
	return e.rotation.Epoch(round)
}

// Open fixes the masking set of round.
func (e *Engine) Open(round uint64, participants []string) (*Session, error) {
	set := make(map[string]bool, len(participants))
	for _, id := range participants {
		if set[id] {
			return nil, fmt.Errorf("participant %s listed twice", id)
		}
		set[id] = true
	}
	sorted := append([]string(nil), participants...)
	sort.Strings(sorted)

	e.Lock()
	defer e.Unlock()
	if e.session != nil {
		return nil, fmt.Errorf("%w: round %d", ErrRoundInFlight, e.session.round)
	}
	e.session = &Session{
		engine:       e,
		round:        round,
		epoch:        e.rotation.Epoch(round),
		participants: sorted,
		set:          set,
	}
	e.log.Debugw("opened masking session", "round", round, "epoch", e.session.epoch, "participants", len(sorted))
	return e.session, nil
}

// Session is the masking state of one round.
type Session struct {
	engine       *Engine
	round        uint64
	epoch        uint64
	participants []string
	set          map[string]bool
}

func (s *Session) Round() uint64 { return s.round }

func (s *Session) Epoch() uint64 { return s.epoch }

// Participants returns the sorted masking set.
func (s *Session) Participants() []string {
	return append([]string(nil), s.participants...)
}

// Dropped returns the members of the masking set absent from responded.
func (s *Session) Dropped(responded []string) []string {
	got := make(map[string]bool, len(responded))
	for _, id := range responded {
		got[id] = true
	}
	var out []string
	for _, id := range s.participants {
		if !got[id] {
			out = append(out, id)
		}
	}
	return out
}

// Close releases the engine for the next round.
func (s *Session) Close() {
	s.engine.Lock()
	defer s.engine.Unlock()
	if s.engine.session == s {
		s.engine.session = nil
	}
}

// Unmask sums the masked updates and removes the residual masks left by
// dropped clients. reveals[survivor][dropped] holds the encrypted round seed
// the survivor shared with the dropped client. Any missing seed makes the sum
// unusable and yields a MaskReconciliationError.
func (s *Session) Unmask(masked map[string]tensor.Collection, reveals map[string]map[string]*crypto.Envelope) (tensor.Collection, error) {
	if len(masked) == 0 {
		return nil, errors.New("no masked update to aggregate")
	}
	survivors := make([]string, 0, len(masked))
	for id := range masked {
		if !s.set[id] {
			return nil, fmt.Errorf("%s is not part of the masking set of round %d", id, s.round)
		}
		survivors = append(survivors, id)
	}
	sort.Strings(survivors)

	sum := masked[survivors[0]].Clone()
	for _, id := range survivors[1:] {
		if err := sum.AddInPlace(masked[id]); err != nil {
			return nil, fmt.Errorf("update of %s: %w", id, err)
		}
	}

	shapes := sum.Shapes()
	for _, d := range s.Dropped(survivors) {
		var missing []string
		residuals := make([]tensor.Collection, 0, len(survivors))
		for _, sv := range survivors {
			env := reveals[sv][d]
			if env == nil {
				missing = append(missing, sv)
				continue
			}
			seed, err := crypto.Decrypt(s.engine.keys.Key, env)
			if err != nil {
				return nil, &common.MaskReconciliationError{Round: s.round, Dropped: d, Err: fmt.Errorf("seed from %s: %w", sv, err)}
			}
			if len(seed) != crypto.SeedLen {
				return nil, &common.MaskReconciliationError{Round: s.round, Dropped: d, Err: fmt.Errorf("seed from %s has %d bytes", sv, len(seed))}
			}
			m, err := SignedMask(sv, d, seed, shapes)
			if err != nil {
				return nil, err
			}
			residuals = append(residuals, m)
		}
		if len(missing) > 0 {
			return nil, &common.MaskReconciliationError{Round: s.round, Dropped: d, Missing: missing}
		}
		for _, m := range residuals {
			if err := sum.SubInPlace(m); err != nil {
				return nil, err
			}
		}
		s.engine.log.Infow("reconciled masks of dropped client", "round", s.round, "dropped", d, "survivors", len(survivors))
	}
	return sum, nil
}
