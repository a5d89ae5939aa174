// Package store defines the records a fedavg run persists and the storage
// interface the coordinator, the privacy ledger and the verifier write to.
package store

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"

	"github.com/medfl/fedavg/internal/tensor"
)

// ClientRecord is everything known about one client. Records are never
// deleted, only marked revoked or expired.
type ClientRecord struct {
	ID            string              `json:"id"`
	PublicKey     []byte              `json:"public_key"`
	Labels        []string            `json:"labels,omitempty"`
	Status        string              `json:"status"`
	RegisteredAt  time.Time           `json:"registered_at"`
	VerifiedAt    time.Time           `json:"verified_at,omitempty"`
	LastSeenRound uint64              `json:"last_seen_round"`
	NumExamples   int                 `json:"num_examples"`
	History       []VerificationEvent `json:"history,omitempty"`
}

// VerificationEvent is one status change of a client.
type VerificationEvent struct {
	Time   time.Time `json:"time"`
	From   string    `json:"from"`
	To     string    `json:"to"`
	Reason string    `json:"reason,omitempty"`
}

// RoundRecord is the immutable outcome of one committed round.
type RoundRecord struct {
	Mode          string                        `json:"mode"`
	Round         uint64                        `json:"round"`
	Epoch         uint64                        `json:"epoch"`
	Participants  []string                      `json:"participants"`
	Failures      map[string]string             `json:"failures,omitempty"`
	NumExamples   int                           `json:"num_examples"`
	Loss          float64                       `json:"loss"`
	Accuracy      float64                       `json:"accuracy"`
	FederatedLoss float64                       `json:"federated_loss,omitempty"`
	DropoutRate   float64                       `json:"dropout_rate"`
	ClientMetrics map[string]map[string]float64 `json:"client_metrics,omitempty"`
	CheckpointCID string                        `json:"checkpoint_cid"`
	Timestamp     time.Time                     `json:"timestamp"`
}

// Checkpoint is a snapshot of the global weights, addressed by mode and
// round. Round 0 holds the starting model of a mode.
type Checkpoint struct {
	Mode      string            `json:"mode"`
	Round     uint64            `json:"round"`
	Loss      float64           `json:"loss"`
	Accuracy  float64           `json:"accuracy"`
	CID       string            `json:"cid"`
	CreatedAt time.Time         `json:"created_at"`
	Weights   tensor.Collection `json:"-"`
}

// LedgerEntry is one privacy expenditure of a client.
type LedgerEntry struct {
	ClientID  string    `json:"client_id"`
	Mode      string    `json:"mode"`
	Round     uint64    `json:"round"`
	Epsilon   float64   `json:"epsilon"`
	Delta     float64   `json:"delta"`
	Timestamp time.Time `json:"timestamp"`
}

// LedgerStore persists the append-only privacy ledger.
type LedgerStore interface {
	AppendLedger(ctx context.Context, entries ...*LedgerEntry) error
	// Ledger returns every entry in insertion order.
	Ledger(ctx context.Context) ([]*LedgerEntry, error)
	// ResetLedger moves all entries under the named backup and empties the
	// ledger. It returns the number of entries moved.
	ResetLedger(ctx context.Context, backup string) (int, error)
}

// ClientStore persists client records.
type ClientStore interface {
	PutClient(ctx context.Context, c *ClientRecord) error
	// Client returns common.ErrUnknownClient when id was never stored.
	Client(ctx context.Context, id string) (*ClientRecord, error)
	Clients(ctx context.Context) ([]*ClientRecord, error)
	// BackupClients copies every record under the named backup.
	BackupClients(ctx context.Context, backup string) (int, error)
}

// Store is the full persistence layer of a run.
type Store interface {
	LedgerStore
	ClientStore

	// CommitRound writes the round record, its checkpoint, the new best
	// checkpoint when not nil and the ledger entries of the round atomically.
	CommitRound(ctx context.Context, rec *RoundRecord, cp, best *Checkpoint, ledger []*LedgerEntry) error
	Rounds(ctx context.Context, mode string) ([]*RoundRecord, error)

	PutCheckpoint(ctx context.Context, cp *Checkpoint) error
	// Checkpoint returns common.ErrNotFound when absent.
	Checkpoint(ctx context.Context, mode string, round uint64) (*Checkpoint, error)
	LastCheckpoint(ctx context.Context, mode string) (*Checkpoint, error)
	Best(ctx context.Context, mode string) (*Checkpoint, error)

	PutReport(ctx context.Context, mode string, report []byte) error
	Report(ctx context.Context, mode string) ([]byte, error)

	Close() error
}

// ContentID returns the CIDv1 (raw, sha2-256) of the binary encoding of w.
func ContentID(w tensor.Collection) (string, error) {
	buf, err := w.MarshalBinary()
	if err != nil {
		return "", err
	}
	return contentID(buf)
}

func contentID(buf []byte) (string, error) {
	sum, err := multihash.Sum(buf, multihash.SHA2_256, -1)
	if err != nil {
		return "", err
	}
	return cid.NewCidV1(cid.Raw, sum).String(), nil
}

// VerifyContentID checks that w matches the content id recorded with it.
func VerifyContentID(w tensor.Collection, want string) error {
	got, err := ContentID(w)
	if err != nil {
		return err
	}
	if got != want {
		return fmt.Errorf("checkpoint content id mismatch: got %s, want %s", got, want)
	}
	return nil
}

// RoundToBytes encodes a round as a big endian key so bolt cursors iterate in
// round order.
func RoundToBytes(r uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], r)
	return b[:]
}

// BytesToRound is the inverse of RoundToBytes.
func BytesToRound(b []byte) uint64 {
	return binary.BigEndian.Uint64(b)
}
