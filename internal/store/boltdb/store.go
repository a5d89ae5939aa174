// Package boltdb implements store.Store on top of bbolt. Records are
// hexjson encoded; checkpoint weights are snappy compressed.
package boltdb

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"path"
	"sync"

	"github.com/golang/snappy"
	json "github.com/nikkolasg/hexjson"
	bolt "go.etcd.io/bbolt"

	"github.com/medfl/fedavg/common"
	"github.com/medfl/fedavg/common/log"
	"github.com/medfl/fedavg/internal/store"
	"github.com/medfl/fedavg/internal/tensor"
)

const (
	// FileName is the name of the database file inside the store folder.
	FileName = "fedavg.db"
	// OpenPerm is the permission of the database file.
	OpenPerm = 0660
)

var (
	roundBucket      = []byte("rounds")
	checkpointBucket = []byte("checkpoints")
	bestBucket       = []byte("best")
	ledgerBucket     = []byte("ledger")
	clientBucket     = []byte("clients")
	reportBucket     = []byte("reports")
	backupBucket     = []byte("backups")
)

// Store is a store.Store persisted in a single bolt file.
type Store struct {
	sync.Mutex
	db  *bolt.DB
	log log.Logger
}

var _ store.Store = (*Store)(nil)

// NewStore opens or creates the database inside folder.
func NewStore(ctx context.Context, l log.Logger, folder string, opts *bolt.Options) (*Store, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	db, err := bolt.Open(path.Join(folder, FileName), OpenPerm, opts)
	if err != nil {
		return nil, err
	}
	if opts != nil && opts.ReadOnly {
		return &Store{db: db, log: l.Named("boltdb")}, nil
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{roundBucket, checkpointBucket, bestBucket, ledgerBucket, clientBucket, reportBucket, backupBucket} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db, log: l.Named("boltdb")}, nil
}

func (s *Store) Close() error {
	err := s.db.Close()
	if err != nil {
		s.log.Errorw("closing store", "err", err)
	}
	return err
}

// CommitRound implements store.Store in a single bolt transaction.
func (s *Store) CommitRound(ctx context.Context, rec *store.RoundRecord, cp, best *store.Checkpoint, ledger []*store.LedgerEntry) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	if rec == nil || cp == nil {
		return errors.New("round record and checkpoint are required")
	}

	recBuf, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	cpBuf, err := encodeCheckpoint(cp)
	if err != nil {
		return err
	}
	var bestBuf []byte
	if best != nil {
		if bestBuf, err = encodeCheckpoint(best); err != nil {
			return err
		}
	}

	s.Lock()
	defer s.Unlock()
	return s.db.Update(func(tx *bolt.Tx) error {
		rounds, err := tx.Bucket(roundBucket).CreateBucketIfNotExists([]byte(rec.Mode))
		if err != nil {
			return err
		}
		if err := rounds.Put(store.RoundToBytes(rec.Round), recBuf); err != nil {
			return err
		}
		cps, err := tx.Bucket(checkpointBucket).CreateBucketIfNotExists([]byte(cp.Mode))
		if err != nil {
			return err
		}
		if err := cps.Put(store.RoundToBytes(cp.Round), cpBuf); err != nil {
			return err
		}
		if bestBuf != nil {
			if err := tx.Bucket(bestBucket).Put([]byte(best.Mode), bestBuf); err != nil {
				return err
			}
		}
		return appendLedger(tx, ledger)
	})
}

// Rounds returns the round history of mode in round order.
func (s *Store) Rounds(ctx context.Context, mode string) ([]*store.RoundRecord, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	var out []*store.RoundRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		rounds := tx.Bucket(roundBucket).Bucket([]byte(mode))
		if rounds == nil {
			return nil
		}
		return rounds.ForEach(func(_, v []byte) error {
			rec := new(store.RoundRecord)
			if err := json.Unmarshal(v, rec); err != nil {
				return err
			}
			out = append(out, rec)
			return nil
		})
	})
	return out, err
}

func (s *Store) PutCheckpoint(ctx context.Context, cp *store.Checkpoint) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	buf, err := encodeCheckpoint(cp)
	if err != nil {
		return err
	}
	s.Lock()
	defer s.Unlock()
	return s.db.Update(func(tx *bolt.Tx) error {
		cps, err := tx.Bucket(checkpointBucket).CreateBucketIfNotExists([]byte(cp.Mode))
		if err != nil {
			return err
		}
		return cps.Put(store.RoundToBytes(cp.Round), buf)
	})
}

func (s *Store) Checkpoint(ctx context.Context, mode string, round uint64) (*store.Checkpoint, error) {
	return s.getCheckpoint(ctx, func(tx *bolt.Tx) []byte {
		cps := tx.Bucket(checkpointBucket).Bucket([]byte(mode))
		if cps == nil {
			return nil
		}
		return cps.Get(store.RoundToBytes(round))
	})
}

// LastCheckpoint returns the checkpoint with the highest round of mode.
func (s *Store) LastCheckpoint(ctx context.Context, mode string) (*store.Checkpoint, error) {
	return s.getCheckpoint(ctx, func(tx *bolt.Tx) []byte {
		cps := tx.Bucket(checkpointBucket).Bucket([]byte(mode))
		if cps == nil {
			return nil
		}
		_, v := cps.Cursor().Last()
		return v
	})
}

func (s *Store) Best(ctx context.Context, mode string) (*store.Checkpoint, error) {
	return s.getCheckpoint(ctx, func(tx *bolt.Tx) []byte {
		return tx.Bucket(bestBucket).Get([]byte(mode))
	})
}

func (s *Store) getCheckpoint(ctx context.Context, get func(*bolt.Tx) []byte) (*store.Checkpoint, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	var cp *store.Checkpoint
	err := s.db.View(func(tx *bolt.Tx) error {
		v := get(tx)
		if v == nil {
			return common.ErrNotFound
		}
		var err error
		cp, err = decodeCheckpoint(v)
		return err
	})
	return cp, err
}

// AppendLedger implements store.LedgerStore. Entries are keyed by the bucket
// sequence so iteration follows insertion order.
func (s *Store) AppendLedger(ctx context.Context, entries ...*store.LedgerEntry) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	s.Lock()
	defer s.Unlock()
	err := s.db.Update(func(tx *bolt.Tx) error {
		return appendLedger(tx, entries)
	})
	if err != nil {
		s.log.Errorw("storing ledger entries", "entries", len(entries), "err", err)
	}
	return err
}

func appendLedger(tx *bolt.Tx, entries []*store.LedgerEntry) error {
	bucket := tx.Bucket(ledgerBucket)
	bucket.FillPercent = 1.0
	for _, e := range entries {
		buf, err := json.Marshal(e)
		if err != nil {
			return err
		}
		seq, err := bucket.NextSequence()
		if err != nil {
			return err
		}
		if err := bucket.Put(store.RoundToBytes(seq), buf); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) Ledger(ctx context.Context) ([]*store.LedgerEntry, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	var out []*store.LedgerEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(ledgerBucket).ForEach(func(_, v []byte) error {
			e := new(store.LedgerEntry)
			if err := json.Unmarshal(v, e); err != nil {
				return err
			}
			out = append(out, e)
			return nil
		})
	})
	return out, err
}

// ResetLedger implements store.LedgerStore.
func (s *Store) ResetLedger(ctx context.Context, backup string) (int, error) {
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	default:
	}

	s.Lock()
	defer s.Unlock()
	var n int
	err := s.db.Update(func(tx *bolt.Tx) error {
		var err error
		if n, err = copyBucket(tx, ledgerBucket, "ledger/"+backup); err != nil {
			return err
		}
		if err := tx.DeleteBucket(ledgerBucket); err != nil {
			return err
		}
		_, err = tx.CreateBucket(ledgerBucket)
		return err
	})
	return n, err
}

func (s *Store) PutClient(ctx context.Context, c *store.ClientRecord) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	buf, err := json.Marshal(c)
	if err != nil {
		return err
	}
	s.Lock()
	defer s.Unlock()
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(clientBucket).Put([]byte(c.ID), buf)
	})
}

func (s *Store) Client(ctx context.Context, id string) (*store.ClientRecord, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	var c *store.ClientRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(clientBucket).Get([]byte(id))
		if v == nil {
			return fmt.Errorf("%w: %s", common.ErrUnknownClient, id)
		}
		c = new(store.ClientRecord)
		return json.Unmarshal(v, c)
	})
	return c, err
}

// Clients returns every client ordered by id.
func (s *Store) Clients(ctx context.Context) ([]*store.ClientRecord, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	var out []*store.ClientRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(clientBucket).ForEach(func(_, v []byte) error {
			c := new(store.ClientRecord)
			if err := json.Unmarshal(v, c); err != nil {
				return err
			}
			out = append(out, c)
			return nil
		})
	})
	return out, err
}

func (s *Store) BackupClients(ctx context.Context, backup string) (int, error) {
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	default:
	}

	s.Lock()
	defer s.Unlock()
	var n int
	err := s.db.Update(func(tx *bolt.Tx) error {
		var err error
		n, err = copyBucket(tx, clientBucket, "clients/"+backup)
		return err
	})
	return n, err
}

func (s *Store) PutReport(ctx context.Context, mode string, report []byte) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	s.Lock()
	defer s.Unlock()
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(reportBucket).Put([]byte(mode), report)
	})
}

func (s *Store) Report(ctx context.Context, mode string) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	var out []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(reportBucket).Get([]byte(mode))
		if v == nil {
			return common.ErrNotFound
		}
		out = append([]byte(nil), v...)
		return nil
	})
	return out, err
}

// copyBucket copies the flat bucket src into backups/name, which must not
// exist yet.
func copyBucket(tx *bolt.Tx, src []byte, name string) (int, error) {
	dst, err := tx.Bucket(backupBucket).CreateBucket([]byte(name))
	if err != nil {
		return 0, fmt.Errorf("creating backup %q: %w", name, err)
	}
	n := 0
	err = tx.Bucket(src).ForEach(func(k, v []byte) error {
		n++
		return dst.Put(k, v)
	})
	return n, err
}

// encodeCheckpoint lays out len(meta) | meta | snappy(weights).
func encodeCheckpoint(cp *store.Checkpoint) ([]byte, error) {
	weights, err := cp.Weights.MarshalBinary()
	if err != nil {
		return nil, err
	}
	meta, err := json.Marshal(cp)
	if err != nil {
		return nil, err
	}
	buf := binary.BigEndian.AppendUint32(nil, uint32(len(meta)))
	buf = append(buf, meta...)
	return append(buf, snappy.Encode(nil, weights)...), nil
}

func decodeCheckpoint(v []byte) (*store.Checkpoint, error) {
	if len(v) < 4 {
		return nil, errors.New("corrupted checkpoint")
	}
	n := binary.BigEndian.Uint32(v)
	if uint64(len(v)-4) < uint64(n) {
		return nil, errors.New("corrupted checkpoint metadata")
	}
	cp := new(store.Checkpoint)
	if err := json.Unmarshal(v[4:4+n], cp); err != nil {
		return nil, err
	}
	raw, err := snappy.Decode(nil, v[4+n:])
	if err != nil {
		return nil, fmt.Errorf("decompressing checkpoint: %w", err)
	}
	var w tensor.Collection
	if err := w.UnmarshalBinary(raw); err != nil {
		return nil, err
	}
	if cp.CID != "" {
		if err := store.VerifyContentID(w, cp.CID); err != nil {
			return nil, err
		}
	}
	cp.Weights = w
	return cp, nil
}
