package privacy

import (
	"context"
	"testing"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/medfl/fedavg/common"
	"github.com/medfl/fedavg/common/testlogger"
	"github.com/medfl/fedavg/internal/store/memdb"
)

func newLedger(t *testing.T, st *memdb.Store, target float64) *Ledger {
	t.Helper()
	l, err := NewLedger(context.Background(), st, target, 1e-5, clockwork.NewFakeClock(), testlogger.New(t))
	require.NoError(t, err)
	return l
}

func TestLedgerMonotoneAndBudget(t *testing.T) {
	ctx := context.Background()
	l := newLedger(t, memdb.NewStore(), 1.0)

	prev := 0.0
	for r := uint64(1); r <= 4; r++ {
		require.NoError(t, l.Record(ctx, "initial", r, map[string]float64{"a": 0.3, "b": 0.1}))
		cur := l.Cumulative("a")
		require.GreaterOrEqual(t, cur, prev)
		prev = cur
	}
	require.InDelta(t, 1.2, l.Cumulative("a"), 1e-12)
	require.False(t, l.CheckPrivacyBudget("a"))
	require.True(t, l.Exceeded("a"))
	require.True(t, l.CheckPrivacyBudget("b"))

	rep := l.ClientReport("a")
	require.Equal(t, StatusBudgetExceeded, rep.Status)
	require.Equal(t, 0.0, rep.Remaining)
	require.Equal(t, 4, rep.Rounds)

	require.Error(t, l.Record(ctx, "initial", 5, map[string]float64{"a": -1}))
	require.InDelta(t, 1.2, l.Cumulative("a"), 1e-12)
}

func TestCheckBudget(t *testing.T) {
	ctx := context.Background()
	l := newLedger(t, memdb.NewStore(), 1.0)
	require.NoError(t, l.Record(ctx, "initial", 1, map[string]float64{"a": 0.6}))

	require.NoError(t, l.CheckBudget("a", 0.3))

	err := l.CheckBudget("a", 0.5)
	var be *common.BudgetExceededError
	require.ErrorAs(t, err, &be)
	require.Equal(t, "a", be.ClientID)
	require.InDelta(t, 0.6, be.Spent, 1e-12)

	// once exceeded, a client stays excluded for the run
	require.Error(t, l.CheckBudget("a", 0))
	require.False(t, l.CheckPrivacyBudget("a"))
}

func TestLedgerReloadAndReset(t *testing.T) {
	ctx := context.Background()
	st := memdb.NewStore()
	l := newLedger(t, st, 1.0)
	require.NoError(t, l.Record(ctx, "initial", 1, map[string]float64{"a": 0.7, "b": 0.2}))
	require.NoError(t, l.Record(ctx, "initial", 2, map[string]float64{"a": 0.7}))

	reloaded := newLedger(t, st, 1.0)
	require.InDelta(t, 1.4, reloaded.Cumulative("a"), 1e-12)
	require.True(t, reloaded.Exceeded("a"))

	g := reloaded.GlobalReport()
	require.Len(t, g.Clients, 2)
	require.Equal(t, 1, g.Exceeded)
	require.InDelta(t, 1.4, g.MaxEpsilon, 1e-12)
	require.InDelta(t, 0.8, g.AverageEpsilon, 1e-12)

	n, err := reloaded.Reset(ctx, "before-audit")
	require.NoError(t, err)
	require.Equal(t, 3, n)
	require.Equal(t, 0.0, reloaded.Cumulative("a"))
	require.True(t, reloaded.CheckPrivacyBudget("a"))

	_, err = reloaded.Reset(ctx, "before-audit")
	require.Error(t, err)
}
