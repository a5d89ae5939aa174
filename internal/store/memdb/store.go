// Package memdb is an in-memory store.Store used by simulations and tests.
package memdb

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/medfl/fedavg/common"
	"github.com/medfl/fedavg/internal/store"
)

// Store keeps every record in maps guarded by one lock. Returned records are
// copies of what the caller stored at the top level.
type Store struct {
	mtx         sync.RWMutex
	rounds      map[string]map[uint64]store.RoundRecord
	checkpoints map[string]map[uint64]store.Checkpoint
	best        map[string]store.Checkpoint
	ledger      []store.LedgerEntry
	clients     map[string]store.ClientRecord
	reports     map[string][]byte
	backups     map[string]int
}

var _ store.Store = (*Store)(nil)

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{
		rounds:      make(map[string]map[uint64]store.RoundRecord),
		checkpoints: make(map[string]map[uint64]store.Checkpoint),
		best:        make(map[string]store.Checkpoint),
		clients:     make(map[string]store.ClientRecord),
		reports:     make(map[string][]byte),
		backups:     make(map[string]int),
	}
}

func (s *Store) CommitRound(_ context.Context, rec *store.RoundRecord, cp, best *store.Checkpoint, ledger []*store.LedgerEntry) error {
	if rec == nil || cp == nil {
		return fmt.Errorf("round record and checkpoint are required")
	}
	s.mtx.Lock()
	defer s.mtx.Unlock()

	if s.rounds[rec.Mode] == nil {
		s.rounds[rec.Mode] = make(map[uint64]store.RoundRecord)
	}
	s.rounds[rec.Mode][rec.Round] = *rec
	s.putCheckpoint(cp)
	if best != nil {
		b := *best
		b.Weights = best.Weights.Clone()
		s.best[best.Mode] = b
	}
	for _, e := range ledger {
		s.ledger = append(s.ledger, *e)
	}
	return nil
}

func (s *Store) Rounds(_ context.Context, mode string) ([]*store.RoundRecord, error) {
	s.mtx.RLock()
	defer s.mtx.RUnlock()

	out := make([]*store.RoundRecord, 0, len(s.rounds[mode]))
	for _, r := range s.rounds[mode] {
		r := r
		out = append(out, &r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Round < out[j].Round })
	return out, nil
}

func (s *Store) PutCheckpoint(_ context.Context, cp *store.Checkpoint) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.putCheckpoint(cp)
	return nil
}

func (s *Store) putCheckpoint(cp *store.Checkpoint) {
	if s.checkpoints[cp.Mode] == nil {
		s.checkpoints[cp.Mode] = make(map[uint64]store.Checkpoint)
	}
	c := *cp
	c.Weights = cp.Weights.Clone()
	s.checkpoints[cp.Mode][cp.Round] = c
}

func (s *Store) Checkpoint(_ context.Context, mode string, round uint64) (*store.Checkpoint, error) {
	s.mtx.RLock()
	defer s.mtx.RUnlock()

	cp, ok := s.checkpoints[mode][round]
	if !ok {
		return nil, common.ErrNotFound
	}
	cp.Weights = cp.Weights.Clone()
	return &cp, nil
}

func (s *Store) LastCheckpoint(_ context.Context, mode string) (*store.Checkpoint, error) {
	s.mtx.RLock()
	defer s.mtx.RUnlock()

	var last *store.Checkpoint
	for _, cp := range s.checkpoints[mode] {
		cp := cp
		if last == nil || cp.Round > last.Round {
			last = &cp
		}
	}
	if last == nil {
		return nil, common.ErrNotFound
	}
	last.Weights = last.Weights.Clone()
	return last, nil
}

func (s *Store) Best(_ context.Context, mode string) (*store.Checkpoint, error) {
	s.mtx.RLock()
	defer s.mtx.RUnlock()

	b, ok := s.best[mode]
	if !ok {
		return nil, common.ErrNotFound
	}
	b.Weights = b.Weights.Clone()
	return &b, nil
}

func (s *Store) AppendLedger(_ context.Context, entries ...*store.LedgerEntry) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	for _, e := range entries {
		s.ledger = append(s.ledger, *e)
	}
	return nil
}

func (s *Store) Ledger(_ context.Context) ([]*store.LedgerEntry, error) {
	s.mtx.RLock()
	defer s.mtx.RUnlock()

	out := make([]*store.LedgerEntry, len(s.ledger))
	for i := range s.ledger {
		e := s.ledger[i]
		out[i] = &e
	}
	return out, nil
}

func (s *Store) ResetLedger(_ context.Context, backup string) (int, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	key := "ledger/" + backup
	if _, ok := s.backups[key]; ok {
		return 0, fmt.Errorf("backup %q already exists", key)
	}
	n := len(s.ledger)
	s.backups[key] = n
	s.ledger = nil
	return n, nil
}

func (s *Store) PutClient(_ context.Context, c *store.ClientRecord) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.clients[c.ID] = *c
	return nil
}

func (s *Store) Client(_ context.Context, id string) (*store.ClientRecord, error) {
	s.mtx.RLock()
	defer s.mtx.RUnlock()

	c, ok := s.clients[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", common.ErrUnknownClient, id)
	}
	return &c, nil
}

func (s *Store) Clients(_ context.Context) ([]*store.ClientRecord, error) {
	s.mtx.RLock()
	defer s.mtx.RUnlock()

	out := make([]*store.ClientRecord, 0, len(s.clients))
	for _, c := range s.clients {
		c := c
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) BackupClients(_ context.Context, backup string) (int, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	key := "clients/" + backup
	if _, ok := s.backups[key]; ok {
		return 0, fmt.Errorf("backup %q already exists", key)
	}
	s.backups[key] = len(s.clients)
	return len(s.clients), nil
}

func (s *Store) PutReport(_ context.Context, mode string, report []byte) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.reports[mode] = append([]byte(nil), report...)
	return nil
}

func (s *Store) Report(_ context.Context, mode string) ([]byte, error) {
	s.mtx.RLock()
	defer s.mtx.RUnlock()

	r, ok := s.reports[mode]
	if !ok {
		return nil, common.ErrNotFound
	}
	return append([]byte(nil), r...), nil
}

func (s *Store) Close() error { return nil }
