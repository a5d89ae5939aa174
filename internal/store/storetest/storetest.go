// Package storetest holds the behaviour every store.Store implementation must
// share.
package storetest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/medfl/fedavg/common"
	"github.com/medfl/fedavg/internal/store"
	"github.com/medfl/fedavg/internal/tensor"
)

// Run exercises s. It must be empty.
func Run(t *testing.T, s store.Store) {
	t.Helper()
	ctx := context.Background()
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	t.Run("checkpoints", func(t *testing.T) {
		_, err := s.Checkpoint(ctx, "initial", 0)
		require.ErrorIs(t, err, common.ErrNotFound)
		_, err = s.LastCheckpoint(ctx, "initial")
		require.ErrorIs(t, err, common.ErrNotFound)
		_, err = s.Best(ctx, "initial")
		require.ErrorIs(t, err, common.ErrNotFound)

		w := tensor.Collection{tensor.Full(0.5, 3, 3), tensor.Full(-1, 10)}
		id, err := store.ContentID(w)
		require.NoError(t, err)

		start := &store.Checkpoint{Mode: "initial", Round: 0, Weights: w, CID: id, CreatedAt: now}
		require.NoError(t, s.PutCheckpoint(ctx, start))

		got, err := s.Checkpoint(ctx, "initial", 0)
		require.NoError(t, err)
		require.True(t, w.Equal(got.Weights, 0))
		require.Equal(t, id, got.CID)

		// stored weights are not aliased with the caller
		w[0].Data[0] = 42
		got, err = s.Checkpoint(ctx, "initial", 0)
		require.NoError(t, err)
		require.Equal(t, 0.5, got.Weights[0].Data[0])
	})

	t.Run("commit round", func(t *testing.T) {
		for r := uint64(1); r <= 3; r++ {
			w := tensor.Collection{tensor.Full(float64(r), 2)}
			id, err := store.ContentID(w)
			require.NoError(t, err)
			rec := &store.RoundRecord{
				Mode:          "initial",
				Round:         r,
				Participants:  []string{"a", "b"},
				Accuracy:      0.5 + float64(r)/10,
				CheckpointCID: id,
				Timestamp:     now,
			}
			cp := &store.Checkpoint{Mode: "initial", Round: r, Weights: w, CID: id, Accuracy: rec.Accuracy}
			var best *store.Checkpoint
			if r != 2 {
				best = cp
			}
			var spent []*store.LedgerEntry
			if r == 3 {
				spent = []*store.LedgerEntry{{ClientID: "a", Mode: "initial", Round: r, Epsilon: 0.1, Timestamp: now}}
			}
			require.NoError(t, s.CommitRound(ctx, rec, cp, best, spent))
		}

		rounds, err := s.Rounds(ctx, "initial")
		require.NoError(t, err)
		require.Len(t, rounds, 3)
		for i, r := range rounds {
			require.Equal(t, uint64(i+1), r.Round)
			require.Equal(t, []string{"a", "b"}, r.Participants)
		}

		last, err := s.LastCheckpoint(ctx, "initial")
		require.NoError(t, err)
		require.Equal(t, uint64(3), last.Round)

		best, err := s.Best(ctx, "initial")
		require.NoError(t, err)
		require.Equal(t, uint64(3), best.Round)
		require.Equal(t, 3.0, best.Weights[0].Data[0])

		other, err := s.Rounds(ctx, "additional")
		require.NoError(t, err)
		require.Empty(t, other)

		// the ledger entries are committed with the round
		entries, err := s.Ledger(ctx)
		require.NoError(t, err)
		require.Len(t, entries, 1)
		require.Equal(t, uint64(3), entries[0].Round)
		require.Equal(t, 0.1, entries[0].Epsilon)
	})

	t.Run("ledger", func(t *testing.T) {
		require.NoError(t, s.AppendLedger(ctx,
			&store.LedgerEntry{ClientID: "a", Round: 1, Epsilon: 0.3, Delta: 1e-5, Timestamp: now},
			&store.LedgerEntry{ClientID: "b", Round: 1, Epsilon: 0.2, Delta: 1e-5, Timestamp: now},
		))
		require.NoError(t, s.AppendLedger(ctx, &store.LedgerEntry{ClientID: "a", Round: 2, Epsilon: 0.4}))

		entries, err := s.Ledger(ctx)
		require.NoError(t, err)
		require.Len(t, entries, 4)
		require.Equal(t, uint64(3), entries[0].Round)
		require.Equal(t, "a", entries[1].ClientID)
		require.Equal(t, "b", entries[2].ClientID)
		require.Equal(t, uint64(2), entries[3].Round)

		n, err := s.ResetLedger(ctx, "first")
		require.NoError(t, err)
		require.Equal(t, 4, n)

		entries, err = s.Ledger(ctx)
		require.NoError(t, err)
		require.Empty(t, entries)

		_, err = s.ResetLedger(ctx, "first")
		require.Error(t, err, "backup names are unique")
	})

	t.Run("clients", func(t *testing.T) {
		_, err := s.Client(ctx, "nobody")
		require.ErrorIs(t, err, common.ErrUnknownClient)

		for _, id := range []string{"b", "a"} {
			require.NoError(t, s.PutClient(ctx, &store.ClientRecord{
				ID:           id,
				PublicKey:    []byte{1, 2, 3},
				Status:       "unverified",
				RegisteredAt: now,
			}))
		}
		c, err := s.Client(ctx, "a")
		require.NoError(t, err)
		require.Equal(t, []byte{1, 2, 3}, c.PublicKey)

		all, err := s.Clients(ctx)
		require.NoError(t, err)
		require.Len(t, all, 2)
		require.Equal(t, "a", all[0].ID)

		n, err := s.BackupClients(ctx, "v1")
		require.NoError(t, err)
		require.Equal(t, 2, n)
	})

	t.Run("reports", func(t *testing.T) {
		_, err := s.Report(ctx, "initial")
		require.ErrorIs(t, err, common.ErrNotFound)
		require.NoError(t, s.PutReport(ctx, "initial", []byte(`{"rounds":3}`)))
		r, err := s.Report(ctx, "initial")
		require.NoError(t, err)
		require.JSONEq(t, `{"rounds":3}`, string(r))
	})
}
