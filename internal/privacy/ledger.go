package privacy

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/jonboulle/clockwork"

	"github.com/medfl/fedavg/common"
	"github.com/medfl/fedavg/common/log"
	"github.com/medfl/fedavg/internal/store"
)

// Client budget states reported by ClientReport.
const (
	StatusActive         = "active"
	StatusBudgetExceeded = "budget_exceeded"
)

// Ledger tracks the cumulative ε of every client over the append-only
// store.LedgerStore. Cumulative ε only grows, except through Reset.
type Ledger struct {
	sync.Mutex
	st    store.LedgerStore
	clock clockwork.Clock
	log   log.Logger

	target float64
	delta  float64

	spent    map[string]float64
	rounds   map[string]int
	exceeded map[string]bool
}

// NewLedger loads the existing entries of st.
func NewLedger(ctx context.Context, st store.LedgerStore, target, delta float64, clock clockwork.Clock, l log.Logger) (*Ledger, error) {
	if target <= 0 {
		return nil, fmt.Errorf("target epsilon must be positive, got %f", target)
	}
	led := &Ledger{
		st:     st,
		clock:  clock,
		log:    l.Named("ledger"),
		target: target,
		delta:  delta,
	}
	if err := led.load(ctx); err != nil {
		return nil, err
	}
	return led, nil
}

func (l *Ledger) load(ctx context.Context) error {
	entries, err := l.st.Ledger(ctx)
	if err != nil {
		return fmt.Errorf("loading privacy ledger: %w", err)
	}
	l.spent = make(map[string]float64)
	l.rounds = make(map[string]int)
	l.exceeded = make(map[string]bool)
	for _, e := range entries {
		l.spent[e.ClientID] += e.Epsilon
		l.rounds[e.ClientID]++
	}
	for id, eps := range l.spent {
		if eps > l.target {
			l.exceeded[id] = true
		}
	}
	return nil
}

// Target is the per client ε ceiling.
func (l *Ledger) Target() float64 { return l.target }

// Delta is the δ every entry is accounted at.
func (l *Ledger) Delta() float64 { return l.delta }

// Cumulative returns the ε spent by id so far.
func (l *Ledger) Cumulative(id string) float64 {
	l.Lock()
	defer l.Unlock()
	return l.spent[id]
}

// CheckBudget returns a BudgetExceededError when admitting an update costing
// projected would take id over the target. The client then stays excluded
// for the rest of the run.
func (l *Ledger) CheckBudget(id string, projected float64) error {
	l.Lock()
	defer l.Unlock()

	spent := l.spent[id]
	if l.exceeded[id] || math.IsNaN(projected) || spent+projected > l.target {
		if !l.exceeded[id] {
			l.log.Warnw("client exhausted its privacy budget", "client", id, "spent", spent, "projected", projected, "target", l.target)
		}
		l.exceeded[id] = true
		return &common.BudgetExceededError{ClientID: id, Spent: spent, Projected: projected, Target: l.target}
	}
	return nil
}

// CheckPrivacyBudget reports whether id may still take part in rounds.
func (l *Ledger) CheckPrivacyBudget(id string) bool {
	l.Lock()
	defer l.Unlock()
	return !l.exceeded[id] && l.spent[id] <= l.target
}

// Exceeded reports whether id was placed in the budget_exceeded state.
func (l *Ledger) Exceeded(id string) bool {
	l.Lock()
	defer l.Unlock()
	return l.exceeded[id]
}

// Record appends one entry per client for a committed round.
func (l *Ledger) Record(ctx context.Context, mode string, round uint64, spent map[string]float64) error {
	entries, err := l.Entries(mode, round, spent)
	if err != nil {
		return err
	}
	if err := l.st.AppendLedger(ctx, entries...); err != nil {
		return err
	}
	l.Apply(entries)
	return nil
}

// Entries builds the ledger entries of a round without storing them. They
// are handed to the round commit and passed to Apply once it succeeded.
func (l *Ledger) Entries(mode string, round uint64, spent map[string]float64) ([]*store.LedgerEntry, error) {
	now := l.clock.Now()
	ids := make([]string, 0, len(spent))
	for id := range spent {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	entries := make([]*store.LedgerEntry, 0, len(ids))
	for _, id := range ids {
		eps := spent[id]
		if eps < 0 || math.IsNaN(eps) {
			return nil, fmt.Errorf("invalid epsilon %f for %s", eps, id)
		}
		entries = append(entries, &store.LedgerEntry{
			ClientID:  id,
			Mode:      mode,
			Round:     round,
			Epsilon:   eps,
			Delta:     l.delta,
			Timestamp: now,
		})
	}
	return entries, nil
}

// Apply adds persisted entries to the cumulative totals.
func (l *Ledger) Apply(entries []*store.LedgerEntry) {
	l.Lock()
	defer l.Unlock()
	for _, e := range entries {
		l.spent[e.ClientID] += e.Epsilon
		l.rounds[e.ClientID]++
		if l.spent[e.ClientID] > l.target && !l.exceeded[e.ClientID] {
			l.exceeded[e.ClientID] = true
			l.log.Warnw("client over privacy budget", "client", e.ClientID, "spent", l.spent[e.ClientID], "target", l.target)
		}
	}
}

// ClientReport summarises the budget of one client.
type ClientReport struct {
	ClientID  string  `json:"client_id"`
	Spent     float64 `json:"total_epsilon"`
	Remaining float64 `json:"remaining_epsilon"`
	Target    float64 `json:"target_epsilon"`
	Delta     float64 `json:"delta"`
	Rounds    int     `json:"rounds"`
	Status    string  `json:"status"`
}

// GlobalReport summarises the budget of every client in the ledger.
type GlobalReport struct {
	Clients        []ClientReport `json:"clients"`
	AverageEpsilon float64        `json:"average_epsilon"`
	MaxEpsilon     float64        `json:"max_epsilon"`
	Exceeded       int            `json:"budget_exceeded"`
	Target         float64        `json:"target_epsilon"`
}

func (l *Ledger) ClientReport(id string) ClientReport {
	l.Lock()
	defer l.Unlock()
	return l.clientReport(id)
}

func (l *Ledger) clientReport(id string) ClientReport {
	status := StatusActive
	if l.exceeded[id] {
		status = StatusBudgetExceeded
	}
	return ClientReport{
		ClientID:  id,
		Spent:     l.spent[id],
		Remaining: math.Max(0, l.target-l.spent[id]),
		Target:    l.target,
		Delta:     l.delta,
		Rounds:    l.rounds[id],
		Status:    status,
	}
}

func (l *Ledger) GlobalReport() GlobalReport {
	l.Lock()
	defer l.Unlock()

	ids := make(map[string]struct{}, len(l.spent))
	for id := range l.spent {
		ids[id] = struct{}{}
	}
	for id := range l.exceeded {
		ids[id] = struct{}{}
	}
	sorted := make([]string, 0, len(ids))
	for id := range ids {
		sorted = append(sorted, id)
	}
	sort.Strings(sorted)

	g := GlobalReport{Target: l.target, Clients: make([]ClientReport, 0, len(sorted))}
	var total float64
	for _, id := range sorted {
		r := l.clientReport(id)
		g.Clients = append(g.Clients, r)
		total += r.Spent
		g.MaxEpsilon = math.Max(g.MaxEpsilon, r.Spent)
		if r.Status == StatusBudgetExceeded {
			g.Exceeded++
		}
	}
	if len(sorted) > 0 {
		g.AverageEpsilon = total / float64(len(sorted))
	}
	return g
}

// Reset moves the whole ledger under backup and clears every budget. It is
// the only way cumulative ε goes down.
func (l *Ledger) Reset(ctx context.Context, backup string) (int, error) {
	l.Lock()
	defer l.Unlock()

	n, err := l.st.ResetLedger(ctx, backup)
	if err != nil {
		return 0, fmt.Errorf("resetting privacy ledger: %w", err)
	}
	l.log.Warnw("privacy ledger reset", "backup", backup, "entries", n)
	l.spent = make(map[string]float64)
	l.rounds = make(map[string]int)
	l.exceeded = make(map[string]bool)
	return n, nil
}
