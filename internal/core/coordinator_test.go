package core

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/medfl/fedavg/common"
	"github.com/medfl/fedavg/internal/protocol"
	"github.com/medfl/fedavg/internal/store"
	"github.com/medfl/fedavg/internal/tensor"
	"github.com/medfl/fedavg/internal/verify"
)

func TestWeightedMean(t *testing.T) {
	w, err := WeightedMean([]Update{
		{ClientID: "a", Weights: full(1), NumExamples: 100},
		{ClientID: "b", Weights: full(3), NumExamples: 300},
	})
	require.NoError(t, err)
	require.True(t, w.Equal(full(2.5), 1e-12))

	_, err = WeightedMean([]Update{
		{ClientID: "a", Weights: full(1)},
		{ClientID: "b", Weights: full(3)},
	})
	require.ErrorIs(t, err, common.ErrZeroExamples)

	_, err = WeightedMean(nil)
	require.ErrorIs(t, err, common.ErrZeroExamples)

	_, err = WeightedMean([]Update{
		{ClientID: "a", Weights: full(1), NumExamples: 1},
		{ClientID: "b", Weights: tensor.Zeros([][]int{{3, 3}}), NumExamples: 1},
	})
	require.ErrorIs(t, err, tensor.ErrShapeMismatch)
}

func TestRoundAveragesBySamples(t *testing.T) {
	for _, secure := range []bool{false, true} {
		ctx := context.Background()
		h := newHarness(t)
		c := h.coordinator(mode(Initial, phase(2, 2, 1)), WithSecureAggregation(secure, 0))
		h.add(c,
			h.participant("a", &constTrainer{w: full(1), n: 100}),
			h.participant("b", &constTrainer{w: full(3), n: 300}),
		)
		require.NoError(t, c.Initialize(ctx))

		rec, err := c.RunRound(ctx, 1)
		require.NoError(t, err)
		require.Equal(t, []string{"a", "b"}, rec.Participants)
		require.Equal(t, 400, rec.NumExamples)
		require.Zero(t, rec.DropoutRate)
		require.Equal(t, 100.0, rec.ClientMetrics["a"]["num_examples"])

		tol := 1e-12
		if secure {
			tol = 1e-6
		}
		st := c.State()
		require.True(t, st.CurrentWeights.Equal(full(2.5), tol), "secure=%t", secure)
		require.Equal(t, uint64(1), st.CurrentRound)

		cp, err := h.st.Checkpoint(ctx, "initial", 1)
		require.NoError(t, err)
		require.Equal(t, rec.CheckpointCID, cp.CID)
		require.NoError(t, store.VerifyContentID(cp.Weights, cp.CID))
	}
}

func TestQuorumNeverAverages(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	c := h.coordinator(mode(Initial, phase(3, 3, 1)), WithSecureAggregation(false, 0))
	calls := 0
	c.average = func(u []Update) (tensor.Collection, error) {
		calls++
		return WeightedMean(u)
	}
	h.add(c,
		h.participant("a", &constTrainer{w: full(1), n: 10}),
		h.participant("b", &constTrainer{w: full(1), n: 10}),
	)
	require.NoError(t, c.Initialize(ctx))

	// not enough clients to solicit
	_, err := c.RunRound(ctx, 1)
	var qe *common.QuorumError
	require.ErrorAs(t, err, &qe)
	require.Equal(t, 2, qe.Got)
	require.True(t, common.IsRoundRecoverable(err))

	// enough solicited, not enough answered
	h.add(c, &faulty{Participant: h.participant("c", &constTrainer{w: full(1), n: 10}), failFit: true})
	_, err = c.RunRound(ctx, 1)
	require.ErrorAs(t, err, &qe)
	require.Equal(t, 2, qe.Got)

	require.Zero(t, calls)
	rounds, err := h.st.Rounds(ctx, "initial")
	require.NoError(t, err)
	require.Empty(t, rounds)
	require.Zero(t, c.State().CurrentRound)
}

func TestPhaseAdmits(t *testing.T) {
	tests := []struct {
		p    Phase
		n    int
		want bool
	}{
		{phase(2, 2, 1), 1, false},
		{phase(2, 2, 1), 2, true},
		{phase(2, 2, 1), 3, false},
		{phase(1, 0, 0), 50, true},
		{phase(3, 5, 1), 4, true},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, tt.p.Admits(tt.n), "%+v with %d", tt.p, tt.n)
	}
}

func TestZeroExamplesIsFatal(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	c := h.coordinator(mode(Initial, phase(2, 2, 1)), WithSecureAggregation(false, 0))
	h.add(c,
		h.participant("a", &constTrainer{w: full(1)}),
		h.participant("b", &constTrainer{w: full(3)}),
	)
	_, err := c.Run(ctx)
	var pe *common.PreconditionError
	require.ErrorAs(t, err, &pe)
	require.ErrorIs(t, err, common.ErrZeroExamples)
	require.False(t, common.IsRoundRecoverable(err))
	require.Equal(t, Failed, c.Status())
}

func TestTieKeepsBest(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.model.accuracies = []float64{0.5, 0.5, 0.7}
	c := h.coordinator(mode(Initial, phase(2, 2, 3)), WithSecureAggregation(false, 0))
	h.add(c,
		h.participant("a", &constTrainer{step: 1, n: 10}),
		h.participant("b", &constTrainer{step: 1, n: 10}),
	)
	require.NoError(t, c.Initialize(ctx))

	_, err := c.RunRound(ctx, 1)
	require.NoError(t, err)
	_, err = c.RunRound(ctx, 2)
	require.NoError(t, err)

	st := c.State()
	require.True(t, st.CurrentWeights.Equal(full(2), 1e-12))
	require.True(t, st.BestWeights.Equal(full(1), 1e-12))
	require.Equal(t, uint64(1), st.BestRound)
	best, err := h.st.Best(ctx, "initial")
	require.NoError(t, err)
	require.Equal(t, uint64(1), best.Round)

	_, err = c.RunRound(ctx, 3)
	require.NoError(t, err)
	st = c.State()
	require.Equal(t, uint64(3), st.BestRound)
	require.Equal(t, 0.7, st.BestAccuracy)
	require.True(t, st.BestWeights.Equal(full(3), 1e-12))

	// rounds are strictly sequential
	_, err = c.RunRound(ctx, 5)
	require.Error(t, err)
}

func TestDropoutAboveThreshold(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	c := h.coordinator(
		mode(Initial, phase(2, 3, 1)),
		WithSecureAggregation(false, 0),
		WithDropoutPolicy(0.2, false),
	)
	h.add(c,
		h.participant("a", &constTrainer{w: full(1), n: 10}),
		h.participant("b", &constTrainer{w: full(1), n: 10}),
		&faulty{Participant: h.participant("c", &constTrainer{w: full(1), n: 10}), failFit: true},
	)
	require.NoError(t, c.Initialize(ctx))

	_, err := c.RunRound(ctx, 1)
	var de *common.DropoutError
	require.ErrorAs(t, err, &de)
	require.Equal(t, []string{"c"}, de.Dropped)
	require.InDelta(t, 1.0/3, de.Rate, 1e-12)
	require.True(t, common.IsRoundRecoverable(err))
	// one failing client out of three already alarms at a 0.2 tolerance
	require.Equal(t, 1, c.Monitor().Threshold())

	rounds, err := h.st.Rounds(ctx, "initial")
	require.NoError(t, err)
	require.Empty(t, rounds)
}

func TestDropoutRecoveryReconcilesMasks(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	c := h.coordinator(mode(Initial, phase(2, 3, 1)), WithDropoutPolicy(0.2, true))
	h.add(c,
		h.participant("a", &constTrainer{w: full(1), n: 100}),
		h.participant("b", &constTrainer{w: full(3), n: 300}),
		&faulty{Participant: h.participant("c", &constTrainer{w: full(50), n: 1000}), failFit: true},
	)
	require.NoError(t, c.Initialize(ctx))

	rec, err := c.RunRound(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b"}, rec.Participants)
	require.Contains(t, rec.Failures["c"], "connection reset")
	require.True(t, c.State().CurrentWeights.Equal(full(2.5), 1e-6))
}

func TestMissingRevealRefusesAggregate(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	c := h.coordinator(mode(Initial, phase(2, 3, 1)), WithDropoutPolicy(0.5, true), WithMaxRetries(1))
	h.add(c,
		h.participant("a", &constTrainer{w: full(1), n: 100}),
		&faulty{Participant: h.participant("b", &constTrainer{w: full(3), n: 300}), failReveal: true},
		&faulty{Participant: h.participant("c", &constTrainer{w: full(5), n: 100}), failFit: true},
	)
	require.NoError(t, c.Initialize(ctx))

	_, err := c.RunRound(ctx, 1)
	var me *common.MaskReconciliationError
	require.ErrorAs(t, err, &me)
	require.Equal(t, "c", me.Dropped)
	require.Equal(t, []string{"b"}, me.Missing)

	// nothing was written and the global model is untouched
	rounds, err := h.st.Rounds(ctx, "initial")
	require.NoError(t, err)
	require.Empty(t, rounds)
	st := c.State()
	require.Zero(t, st.CurrentRound)
	require.True(t, st.CurrentWeights.Equal(tensor.Zeros(shapes), 0))

	// retried, then the run fails
	_, err = c.Run(ctx)
	require.ErrorAs(t, err, &me)
	require.Equal(t, Failed, c.Status())
	_, err = h.st.LastCheckpoint(ctx, "initial")
	require.NoError(t, err)
}

func TestAdditionalNeedsInitialModel(t *testing.T) {
	h := newHarness(t)
	c := h.coordinator(WithMode(NewMode(Additional)))
	_, err := c.Run(context.Background())
	var pe *common.PreconditionError
	require.ErrorAs(t, err, &pe)
	require.ErrorIs(t, err, common.ErrNoInitialModel)
	require.Equal(t, Failed, c.Status())

	c = h.coordinator(WithMode(NewMode(TestOnly)))
	_, err = c.Run(context.Background())
	require.ErrorIs(t, err, common.ErrNoInitialModel)
}

func TestBudgetExceededClientIsExcluded(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	dp := DefaultPrivacyParams()
	dp.Enabled = true
	dp.TargetEpsilon = 5
	c := h.coordinator(mode(Initial, phase(1, 2, 2)), WithPrivacy(dp))
	h.add(c,
		h.participant("big", &constTrainer{step: 0.01, n: 10000}),
		h.participant("small", &constTrainer{step: 0.01, n: 100}),
	)
	require.NoError(t, c.Initialize(ctx))

	rec, err := c.RunRound(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, []string{"big"}, rec.Participants)
	require.Contains(t, rec.Failures["small"], "privacy budget exceeded")
	require.Greater(t, rec.ClientMetrics["big"]["epsilon"], 0.0)

	led := c.Ledger()
	require.True(t, led.Exceeded("small"))
	require.False(t, led.CheckPrivacyBudget("small"))
	require.Zero(t, led.Cumulative("small"))
	first := led.Cumulative("big")
	require.Greater(t, first, 0.0)

	// no longer solicited
	rec, err = c.RunRound(ctx, 2)
	require.NoError(t, err)
	require.Equal(t, []string{"big"}, rec.Participants)
	require.Empty(t, rec.Failures)
	require.InDelta(t, 2*first, led.Cumulative("big"), 1e-9)

	entries, err := h.st.Ledger(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	for _, e := range entries {
		require.Equal(t, "big", e.ClientID)
	}
}

func TestRoundTimeout(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	c := h.coordinator(mode(Initial, phase(1, 2, 1)), WithSecureAggregation(false, 0), WithRoundTimeout(time.Minute))
	answered := make(chan struct{})
	h.add(c,
		&signalling{Participant: h.participant("a", &constTrainer{w: full(1), n: 10}), done: answered},
		&faulty{Participant: h.participant("b", &constTrainer{w: full(3), n: 10}), hangFit: true},
	)
	require.NoError(t, c.Initialize(ctx))

	var rec *store.RoundRecord
	var err error
	finished := make(chan struct{})
	go func() {
		rec, err = c.RunRound(ctx, 1)
		close(finished)
	}()
	<-answered
	h.clock.BlockUntil(1)
	time.Sleep(20 * time.Millisecond)
	h.clock.Advance(time.Minute)
	<-finished

	require.NoError(t, err)
	require.Equal(t, []string{"a"}, rec.Participants)
	require.Contains(t, rec.Failures["b"], "round timeout")
	require.Equal(t, 0.5, rec.DropoutRate)
	require.True(t, c.State().CurrentWeights.Equal(full(1), 1e-12))
}

// signalling closes done once its fit call returned and evaluated once its
// evaluate call returned.
type signalling struct {
	protocol.Participant
	done      chan struct{}
	evaluated chan struct{}
}

func (s *signalling) Fit(ctx context.Context, req *protocol.FitRequest) (*protocol.FitResponse, error) {
	if s.done != nil {
		defer close(s.done)
	}
	return s.Participant.Fit(ctx, req)
}

func (s *signalling) Evaluate(ctx context.Context, req *protocol.EvalRequest) (*protocol.EvalResponse, error) {
	if s.evaluated != nil {
		defer close(s.evaluated)
	}
	return s.Participant.Evaluate(ctx, req)
}

func TestSilentEvaluatorDoesNotBlockRound(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	c := h.coordinator(mode(Initial, phase(1, 2, 1)),
		WithSecureAggregation(false, 0),
		WithFederatedEvaluation(true),
		WithRoundTimeout(time.Second))
	evaluated := make(chan struct{})
	h.add(c,
		&signalling{Participant: h.participant("a", &constTrainer{w: full(1), n: 10}), evaluated: evaluated},
		&faulty{Participant: h.participant("b", &constTrainer{w: full(3), n: 30}), hangEval: true},
	)
	require.NoError(t, c.Initialize(ctx))

	var rec *store.RoundRecord
	var err error
	finished := make(chan struct{})
	go func() {
		rec, err = c.RunRound(ctx, 1)
		close(finished)
	}()
	// the fit timeout is still pending next to the evaluation one
	<-evaluated
	h.clock.BlockUntil(2)
	time.Sleep(20 * time.Millisecond)
	h.clock.Advance(time.Second)
	select {
	case <-finished:
	case <-time.After(5 * time.Second):
		t.Fatal("round blocked on an unanswered evaluation")
	}

	require.NoError(t, err)
	require.Equal(t, []string{"a", "b"}, rec.Participants)
	require.InDelta(t, 0.1, rec.FederatedLoss, 1e-12)
}

// proving answers the first challenge normally and alters the later ones.
// proved is closed once a later challenge was answered.
type proving struct {
	protocol.Participant
	sync.Mutex
	calls  int
	hang   bool
	forge  bool
	proved chan struct{}
}

func (p *proving) Prove(ctx context.Context, req *protocol.ChallengeRequest) (*protocol.ChallengeResponse, error) {
	p.Lock()
	p.calls++
	first := p.calls == 1
	p.Unlock()
	if !first && p.proved != nil {
		defer close(p.proved)
	}
	switch {
	case first:
	case p.hang:
		<-ctx.Done()
		return nil, ctx.Err()
	case p.forge:
		return &protocol.ChallengeResponse{Signature: make([]byte, 48)}, nil
	}
	return p.Participant.Prove(ctx, req)
}

func TestExpiredClientsAreVerifiedAgain(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	c := h.coordinator(mode(Initial, phase(1, 3, 1)), WithSecureAggregation(false, 0), WithVerificationMaxAge(time.Hour))
	h.add(c,
		h.participant("a", &constTrainer{w: full(1), n: 10}),
		&proving{Participant: h.participant("b", &constTrainer{w: full(1), n: 10}), forge: true},
		h.participant("c", &constTrainer{w: full(1), n: 10}),
	)
	require.NoError(t, c.Initialize(ctx))
	h.clock.Advance(2 * time.Hour)

	rec, err := c.RunRound(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, []string{"a", "c"}, rec.Participants)
	require.True(t, c.verifier.IsVerified(ctx, "a"))
	require.True(t, c.verifier.IsVerified(ctx, "c"))
	status, err := c.verifier.Status(ctx, "b")
	require.NoError(t, err)
	require.Equal(t, verify.Expired, status)
}

func TestSilentClientDoesNotBlockVerification(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	c := h.coordinator(mode(Initial, phase(1, 2, 1)),
		WithSecureAggregation(false, 0),
		WithVerificationMaxAge(time.Hour),
		WithRoundTimeout(time.Second))
	proved := make(chan struct{})
	h.add(c,
		&proving{Participant: h.participant("a", &constTrainer{w: full(1), n: 10}), proved: proved},
		&proving{Participant: h.participant("b", &constTrainer{w: full(3), n: 10}), hang: true},
	)
	require.NoError(t, c.Initialize(ctx))
	h.clock.Advance(2 * time.Hour)

	var rec *store.RoundRecord
	var err error
	finished := make(chan struct{})
	go func() {
		rec, err = c.RunRound(ctx, 1)
		close(finished)
	}()
	// the challenges are bounded by the round timeout
	<-proved
	h.clock.BlockUntil(1)
	time.Sleep(20 * time.Millisecond)
	h.clock.Advance(time.Second)
	select {
	case <-finished:
	case <-time.After(5 * time.Second):
		t.Fatal("round blocked on an unanswered challenge")
	}

	require.NoError(t, err)
	require.Equal(t, []string{"a"}, rec.Participants)
	require.True(t, c.verifier.IsVerified(ctx, "a"))
	require.False(t, c.verifier.IsVerified(ctx, "b"))
}

// failingCommit refuses the first fails round commits.
type failingCommit struct {
	store.Store
	fails int
}

func (f *failingCommit) CommitRound(ctx context.Context, rec *store.RoundRecord, cp, best *store.Checkpoint, ledger []*store.LedgerEntry) error {
	if f.fails > 0 {
		f.fails--
		return errors.New("disk full")
	}
	return f.Store.CommitRound(ctx, rec, cp, best, ledger)
}

func TestFailedCommitChargesNobody(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.st = &failingCommit{Store: h.st, fails: 1}
	dp := DefaultPrivacyParams()
	dp.Enabled = true
	dp.TargetEpsilon = 100
	c := h.coordinator(mode(Initial, phase(2, 2, 1)), WithPrivacy(dp), WithSecureAggregation(false, 0))
	h.add(c,
		h.participant("a", &constTrainer{step: 0.01, n: 1000}),
		h.participant("b", &constTrainer{step: 0.01, n: 1000}),
	)
	require.NoError(t, c.Initialize(ctx))

	_, err := c.RunRound(ctx, 1)
	require.ErrorContains(t, err, "disk full")

	led := c.Ledger()
	require.Zero(t, led.Cumulative("a"))
	require.Zero(t, led.Cumulative("b"))
	entries, err := h.st.Ledger(ctx)
	require.NoError(t, err)
	require.Empty(t, entries)
	rounds, err := h.st.Rounds(ctx, "initial")
	require.NoError(t, err)
	require.Empty(t, rounds)
	require.Zero(t, c.State().CurrentRound)

	rec, err := c.RunRound(ctx, 1)
	require.NoError(t, err)
	entries, err = h.st.Ledger(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	for _, e := range entries {
		require.Equal(t, uint64(1), e.Round)
		require.InDelta(t, rec.ClientMetrics[e.ClientID]["epsilon"], led.Cumulative(e.ClientID), 1e-12)
	}
}

func TestRunReportAndResume(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	c := h.coordinator(mode(Initial, phase(2, 2, 3)))
	h.add(c,
		h.participant("a", &constTrainer{w: full(1), n: 100}),
		h.participant("b", &constTrainer{w: full(3), n: 300}),
	)
	rep, err := c.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, Done, c.Status())
	require.Equal(t, uint64(3), rep.CompletedRounds)
	require.Len(t, rep.History, 3)
	require.Equal(t, uint64(1), rep.BestRound)
	require.Equal(t, 3, rep.Clients["a"].Rounds)
	require.Equal(t, 400, rep.Labels.TotalTrain)
	require.Equal(t, 200, rep.Labels.Train["0"])
	require.InDelta(t, 50, rep.Labels.TrainShare["0"], 1e-9)
	require.Equal(t, 2, rep.Verification.ByStatus["verified"])
	require.Nil(t, rep.Privacy)

	stored, err := h.st.Report(ctx, "initial")
	require.NoError(t, err)
	require.Contains(t, string(stored), rep.RunID)

	// a longer run of the same mode continues after round 3
	c = h.coordinator(mode(Initial, phase(2, 2, 4)))
	h.add(c,
		h.participant("a", &constTrainer{w: full(1), n: 100}),
		h.participant("b", &constTrainer{w: full(3), n: 300}),
	)
	calls := h.model.calls
	rep, err = c.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(4), rep.CompletedRounds)
	require.Len(t, rep.History, 4)
	require.Equal(t, calls+1, h.model.calls)
}

func TestTestOnlyComparesModels(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	c := h.coordinator(mode(Initial, phase(2, 2, 1)))
	h.add(c,
		h.participant("a", &constTrainer{w: full(1), n: 100}),
		h.participant("b", &constTrainer{w: full(3), n: 300}),
	)
	_, err := c.Run(ctx)
	require.NoError(t, err)

	c = h.coordinator(mode(Additional, phase(3, 3, 1)))
	h.add(c,
		h.participant("a", &constTrainer{step: 1, n: 100}),
		h.participant("b", &constTrainer{step: 1, n: 100}),
		h.participant("c", &constTrainer{step: 1, n: 100}),
	)
	rep, err := c.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(1), rep.CompletedRounds)
	cp, err := h.st.Checkpoint(ctx, "additional", 0)
	require.NoError(t, err)
	require.True(t, cp.Weights.Equal(full(2.5), 1e-6))

	c = h.coordinator(WithMode(NewMode(TestOnly)))
	rep, err = c.Run(ctx)
	require.NoError(t, err)
	cmp := rep.Comparison
	require.NotNil(t, cmp)
	require.True(t, cmp.HasAdditional)
	require.Equal(t, uint64(1), cmp.InitialRound)
	require.Equal(t, uint64(1), cmp.AdditionalRound)
	require.Greater(t, cmp.AdditionalAccuracy, cmp.InitialAccuracy)
	require.Greater(t, cmp.Improvement(), 0.0)

	_, err = c.RunRound(ctx, 1)
	require.Error(t, err)
}

func TestSelectionRotates(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	c := h.coordinator(mode(Initial, phase(2, 3, 5)), WithFractionFit(0.5))
	for _, id := range []string{"p0", "p1", "p2", "p3", "p4"} {
		h.add(c, h.participant(id, &constTrainer{w: full(1), n: 1}))
	}
	require.Equal(t, []string{"p0", "p1", "p2"}, c.selectClients(ctx, 1, 0))
	require.Equal(t, []string{"p0", "p3", "p4"}, c.selectClients(ctx, 2, 0))
	require.Equal(t, []string{"p1", "p2", "p3"}, c.selectClients(ctx, 1, 1))

	// unverified clients are never solicited
	bad := &liar{Participant: h.participant("p5", &constTrainer{w: full(1), n: 1})}
	require.Error(t, c.AddParticipant(ctx, bad))
	for round := uint64(1); round <= 5; round++ {
		require.NotContains(t, c.selectClients(ctx, round, 0), "p5")
	}

	c = h.coordinator(mode(Initial, phase(2, 3, 5)), WithFractionFit(0.1))
	for _, id := range []string{"p0", "p1", "p2", "p3", "p4"} {
		h.add(c, h.participant(id, &constTrainer{w: full(1), n: 1}))
	}
	require.Len(t, c.selectClients(ctx, 1, 0), 2)
}

// liar answers challenges with a bogus signature.
type liar struct {
	protocol.Participant
}

func (l *liar) Prove(context.Context, *protocol.ChallengeRequest) (*protocol.ChallengeResponse, error) {
	return &protocol.ChallengeResponse{Signature: []byte("trust me")}, nil
}

func TestInvalidTransitions(t *testing.T) {
	require.True(t, isValidStateChange(Initializing, AwaitingClients))
	require.True(t, isValidStateChange(Checkpointing, Finalizing))
	require.True(t, isValidStateChange(Aggregating, AwaitingClients))
	require.False(t, isValidStateChange(AwaitingClients, Checkpointing))
	require.False(t, isValidStateChange(Done, AwaitingClients))
	require.False(t, isValidStateChange(Failed, Failed))
	require.True(t, isValidStateChange(Evaluating, Failed))
}
