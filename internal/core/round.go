package core

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"

	multierror "github.com/hashicorp/go-multierror"

	"github.com/medfl/fedavg/common"
	"github.com/medfl/fedavg/internal/crypto"
	"github.com/medfl/fedavg/internal/metrics"
	"github.com/medfl/fedavg/internal/privacy"
	"github.com/medfl/fedavg/internal/protocol"
	"github.com/medfl/fedavg/internal/secagg"
	"github.com/medfl/fedavg/internal/store"
	"github.com/medfl/fedavg/internal/tensor"
)

var errTimeout = errors.New("no response before the round timeout")

// RunRound executes round, which must directly follow the last committed
// round. Nothing is persisted unless the round commits; a failed round leaves
// the global model as it was.
func (c *Coordinator) RunRound(ctx context.Context, round uint64) (*store.RoundRecord, error) {
	c.Lock()
	defer c.Unlock()
	if c.state.CurrentWeights == nil {
		return nil, &common.PreconditionError{Op: "run round", Err: errors.New("coordinator not initialized")}
	}
	if c.conf.Mode().Kind == TestOnly {
		return nil, &common.PreconditionError{Op: "run round", Err: errors.New("test-only runs do not train")}
	}
	if round != c.state.CurrentRound+1 {
		return nil, fmt.Errorf("round %d cannot follow round %d", round, c.state.CurrentRound)
	}
	if err := c.transition(AwaitingClients); err != nil {
		return nil, err
	}
	attempt := c.attempts[round]
	c.attempts[round]++

	rec, err := c.runRound(ctx, round, attempt)
	if err != nil {
		metrics.RoundFailed(c.conf.Mode().String(), err)
		c.log.Warnw("round failed", "round", round, "attempt", attempt, "err", err)
		return nil, err
	}
	delete(c.attempts, round)
	return rec, nil
}

// collected holds what the solicited clients returned.
type collected struct {
	responses map[string]*protocol.FitResponse
	failures  map[string]error
}

func (c *Coordinator) runRound(ctx context.Context, round uint64, attempt int) (*store.RoundRecord, error) {
	start := c.clock.Now()
	mode := c.conf.Mode()
	phase := mode.Phase

	c.reverify(ctx)
	selected := c.selectClients(ctx, round, attempt)
	if len(selected) < phase.MinClients {
		return nil, &common.QuorumError{Mode: mode.String(), Round: round, Got: len(selected), Min: phase.MinClients, Max: phase.MaxClients}
	}
	// the monitor alarms at the dropout the round itself tolerates
	c.monitor.UpdateThreshold(int(math.Ceil(c.conf.DropoutThreshold() * float64(len(selected)))))

	req, session, err := c.fitRequest(ctx, round, selected)
	if err != nil {
		return nil, err
	}
	if session != nil {
		defer session.Close()
	}
	c.log.Infow("soliciting clients", "round", round, "clients", selected, "attempt", attempt)

	col := c.collect(ctx, selected, req)
	if err := ctx.Err(); err != nil {
		// abandoned, nothing received is used
		return nil, err
	}
	eps := c.admit(col, req)
	c.reportFailures(round, col.failures)

	responded := sortedKeys(col.responses)
	if !phase.Admits(len(responded)) {
		return nil, &common.QuorumError{Mode: mode.String(), Round: round, Got: len(responded), Min: phase.MinClients, Max: phase.MaxClients}
	}
	dropped := missing(selected, responded)
	rate := 1 - float64(len(responded))/float64(len(selected))
	if rate > c.conf.DropoutThreshold() {
		if !c.conf.DropoutRecovery() {
			return nil, &common.DropoutError{Round: round, Rate: rate, Threshold: c.conf.DropoutThreshold(), Dropped: dropped}
		}
		c.log.Warnw("dropout above threshold, aggregating the reduced set", "round", round, "rate", rate, "dropped", dropped)
	}

	if err := c.transition(Aggregating); err != nil {
		return nil, err
	}
	aggregated, total, err := c.aggregate(ctx, round, session, col.responses, responded)
	if err != nil {
		return nil, err
	}

	if err := c.transition(Evaluating); err != nil {
		return nil, err
	}
	loss, acc, err := c.model.Evaluate(ctx, aggregated)
	if err != nil {
		return nil, fmt.Errorf("evaluating round %d: %w", round, err)
	}
	var fedLoss float64
	if c.conf.FederatedEvaluation() {
		fedLoss = c.federatedEvaluate(ctx, round, aggregated, responded)
	}

	if err := c.transition(Checkpointing); err != nil {
		return nil, err
	}
	cid, err := store.ContentID(aggregated)
	if err != nil {
		return nil, err
	}
	now := c.clock.Now()
	rec := &store.RoundRecord{
		Mode:          mode.String(),
		Round:         round,
		Participants:  responded,
		Failures:      failureStrings(col.failures),
		NumExamples:   total,
		Loss:          loss,
		Accuracy:      acc,
		FederatedLoss: fedLoss,
		DropoutRate:   rate,
		ClientMetrics: clientMetrics(col.responses, eps),
		CheckpointCID: cid,
		Timestamp:     now,
	}
	if session != nil {
		rec.Epoch = session.Epoch()
	}
	cp := &store.Checkpoint{
		Mode:      mode.String(),
		Round:     round,
		Loss:      loss,
		Accuracy:  acc,
		CID:       cid,
		CreatedAt: now,
		Weights:   aggregated,
	}
	var best *store.Checkpoint
	// ties keep the earlier model
	if acc > c.state.BestAccuracy {
		b := *cp
		best = &b
	}

	// the ledger entries are part of the commit, a failed round charges nobody
	entries, err := c.ledger.Entries(mode.String(), round, eps)
	if err != nil {
		return nil, fmt.Errorf("privacy ledger: %w", err)
	}
	if err := c.store.CommitRound(ctx, rec, cp, best, entries); err != nil {
		return nil, fmt.Errorf("committing round %d: %w", round, err)
	}
	c.ledger.Apply(entries)

	c.state.CurrentWeights = aggregated
	c.state.CurrentRound = round
	if best != nil {
		c.state.BestWeights = aggregated.Clone()
		c.state.BestAccuracy = acc
		c.state.BestRound = round
	}
	c.afterCommit(ctx, round, col.responses)

	metrics.RoundCommitted(mode.String(), round, len(responded), rate, loss, acc, c.clock.Since(start))
	c.log.Infow("round committed",
		"round", round,
		"participants", len(responded),
		"examples", total,
		"loss", loss,
		"accuracy", acc,
		"best", best != nil,
		"dropout", rate,
		"cid", cid)
	return rec, nil
}

// fitRequest builds the request of round and, with secure aggregation, opens
// the masking session over selected.
func (c *Coordinator) fitRequest(ctx context.Context, round uint64, selected []string) (*protocol.FitRequest, *secagg.Session, error) {
	fit := c.conf.Fit()
	cfg := protocol.FitConfig{
		Mode:            c.conf.Mode().String(),
		Round:           round,
		BatchSize:       fit.BatchSize,
		LocalEpochs:     fit.LocalEpochs,
		LearningRate:    fit.LearningRate,
		ValidationSplit: fit.ValidationSplit,
	}
	if dp := c.conf.Privacy(); dp.Enabled {
		cfg.Privacy = &protocol.PrivacyConfig{ClipNorm: dp.ClipNorm, NoiseMultiplier: dp.NoiseMultiplier, Delta: dp.Delta}
	}
	if !c.conf.SecureAggregation() {
		return &protocol.FitRequest{Weights: c.state.CurrentWeights, Config: cfg}, nil, nil
	}

	peers := make([]protocol.PeerKey, 0, len(selected))
	for _, id := range selected {
		rec, err := c.store.Client(ctx, id)
		if err != nil {
			return nil, nil, err
		}
		peers = append(peers, protocol.PeerKey{ID: id, PublicKey: rec.PublicKey})
	}
	coordinatorKey, err := crypto.PublicBytes(c.engine.PublicKey())
	if err != nil {
		return nil, nil, err
	}
	session, err := c.engine.Open(round, selected)
	if err != nil {
		return nil, nil, err
	}
	cfg.SecureAggregation = true
	cfg.Epoch = session.Epoch()
	cfg.Peers = peers
	cfg.CoordinatorKey = coordinatorKey
	return &protocol.FitRequest{Weights: c.state.CurrentWeights, Config: cfg}, session, nil
}

// collect sends req to every selected client concurrently and waits until all
// of them answered or the round timeout fired.
func (c *Coordinator) collect(ctx context.Context, selected []string, req *protocol.FitRequest) *collected {
	rctx, cancel := context.WithCancel(ctx)
	defer cancel()

	type result struct {
		id   string
		resp *protocol.FitResponse
		err  error
	}
	results := make(chan result, len(selected))
	for _, id := range selected {
		r := *req
		r.Weights = req.Weights.Clone()
		go func(id string, p protocol.Participant, r *protocol.FitRequest) {
			resp, err := p.Fit(rctx, r)
			results <- result{id: id, resp: resp, err: err}
		}(id, c.participant(id), &r)
	}

	out := &collected{
		responses: make(map[string]*protocol.FitResponse, len(selected)),
		failures:  make(map[string]error),
	}
	record := func(r result) {
		switch {
		case r.err != nil:
			out.failures[r.id] = r.err
		case r.resp == nil:
			out.failures[r.id] = errors.New("empty response")
		default:
			out.responses[r.id] = r.resp
		}
	}
	timeout := c.clock.After(c.conf.RoundTimeout())
	for pending := len(selected); pending > 0; pending-- {
		select {
		case r := <-results:
			record(r)
		case <-timeout:
			// answers already received still count
			for drained := false; !drained && pending > 0; {
				select {
				case r := <-results:
					record(r)
					pending--
				default:
					drained = true
				}
			}
			for _, id := range selected {
				_, ok := out.responses[id]
				if _, failed := out.failures[id]; !ok && !failed {
					out.failures[id] = errTimeout
				}
			}
			c.log.Warnw("round timeout", "round", req.Config.Round, "pending", pending)
			return out
		case <-ctx.Done():
			return out
		}
	}
	return out
}

// admit moves to the failures every response that cannot enter the
// aggregate, and returns the ε of the admitted ones when DP is on.
func (c *Coordinator) admit(col *collected, req *protocol.FitRequest) map[string]float64 {
	dp := c.conf.Privacy()
	fit := c.conf.Fit()
	eps := make(map[string]float64)
	for id, resp := range col.responses {
		var err error
		switch {
		case resp.ClientID != id:
			err = fmt.Errorf("response claims to come from %q", resp.ClientID)
		case resp.NumExamples < 0:
			err = fmt.Errorf("negative number of examples %d", resp.NumExamples)
		case resp.Masked != req.Config.SecureAggregation:
			err = fmt.Errorf("masked update is %t, want %t", resp.Masked, req.Config.SecureAggregation)
		default:
			err = c.state.CurrentWeights.CheckShape(resp.Weights)
		}
		if err == nil && dp.Enabled {
			projected := privacy.Epsilon(privacy.Params{
				NumExamples:     resp.NumExamples,
				BatchSize:       fit.BatchSize,
				Epochs:          fit.LocalEpochs,
				NoiseMultiplier: dp.NoiseMultiplier,
				Delta:           dp.Delta,
			})
			if err = c.ledger.CheckBudget(id, projected); err == nil {
				eps[id] = projected
			}
		}
		if err != nil {
			delete(col.responses, id)
			col.failures[id] = err
		}
	}
	return eps
}

func (c *Coordinator) reportFailures(round uint64, failures map[string]error) {
	var merr *multierror.Error
	for _, id := range sortedKeys(failures) {
		c.monitor.ReportFailure(round, id)
		merr = multierror.Append(merr, fmt.Errorf("%s: %w", id, failures[id]))
	}
	if err := merr.ErrorOrNil(); err != nil {
		c.log.Warnw("clients excluded from round", "round", round, "failures", len(failures), "err", err)
	}
}

// aggregate returns the sample weighted mean of the admitted updates and the
// total number of examples. Masked updates already carry n·w, so their
// unmasked sum is divided by Σn.
func (c *Coordinator) aggregate(ctx context.Context, round uint64, session *secagg.Session, responses map[string]*protocol.FitResponse, responded []string) (tensor.Collection, int, error) {
	total := 0
	for _, id := range responded {
		total += responses[id].NumExamples
	}

	if session == nil {
		updates := make([]Update, 0, len(responded))
		for _, id := range responded {
			r := responses[id]
			updates = append(updates, Update{ClientID: id, Weights: r.Weights, NumExamples: r.NumExamples})
		}
		w, err := c.average(updates)
		if errors.Is(err, common.ErrZeroExamples) || errors.Is(err, tensor.ErrShapeMismatch) {
			return nil, 0, &common.PreconditionError{Op: "aggregate", Err: err}
		}
		return w, total, err
	}

	if total == 0 {
		return nil, 0, &common.PreconditionError{Op: "aggregate", Err: common.ErrZeroExamples}
	}
	masked := make(map[string]tensor.Collection, len(responded))
	for _, id := range responded {
		masked[id] = responses[id].Weights
	}
	var reveals map[string]map[string]*crypto.Envelope
	if dropped := session.Dropped(responded); len(dropped) > 0 {
		reveals = c.collectReveals(ctx, round, responded, dropped)
	}
	sum, err := session.Unmask(masked, reveals)
	if err != nil {
		return nil, 0, err
	}
	sum.ScaleInPlace(1 / float64(total))
	return sum, total, nil
}

// withRoundTimeout returns a context cancelled once the round timeout elapsed
// on the coordinator clock.
func (c *Coordinator) withRoundTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	rctx, cancel := context.WithCancel(ctx)
	timeout := c.clock.After(c.conf.RoundTimeout())
	go func() {
		select {
		case <-timeout:
			cancel()
		case <-rctx.Done():
		}
	}()
	return rctx, cancel
}

// collectReveals asks every survivor for the seeds it shared with dropped.
// Survivors that fail to answer are simply absent from the result.
func (c *Coordinator) collectReveals(ctx context.Context, round uint64, survivors, dropped []string) map[string]map[string]*crypto.Envelope {
	rctx, cancel := c.withRoundTimeout(ctx)
	defer cancel()

	var mu sync.Mutex
	var wg sync.WaitGroup
	out := make(map[string]map[string]*crypto.Envelope, len(survivors))
	for _, id := range survivors {
		wg.Add(1)
		go func(id string, p protocol.Participant) {
			defer wg.Done()
			resp, err := p.Reveal(rctx, &protocol.RevealRequest{Round: round, Dropped: dropped})
			if err != nil {
				c.log.Warnw("survivor did not reveal seeds", "round", round, "client", id, "err", err)
				return
			}
			mu.Lock()
			out[id] = resp.Seeds
			mu.Unlock()
		}(id, c.participant(id))
	}
	wg.Wait()
	return out
}

// federatedEvaluate returns the sample weighted loss of the participants on
// their own held out data.
func (c *Coordinator) federatedEvaluate(ctx context.Context, round uint64, weights tensor.Collection, ids []string) float64 {
	rctx, cancel := c.withRoundTimeout(ctx)
	defer cancel()

	var mu sync.Mutex
	var wg sync.WaitGroup
	var sum float64
	var n int
	for _, id := range ids {
		wg.Add(1)
		go func(id string, p protocol.Participant) {
			defer wg.Done()
			resp, err := p.Evaluate(rctx, &protocol.EvalRequest{Round: round, Weights: weights.Clone()})
			if err != nil {
				c.log.Warnw("federated evaluation failed", "round", round, "client", id, "err", err)
				return
			}
			mu.Lock()
			sum += resp.Loss * float64(resp.NumExamples)
			n += resp.NumExamples
			mu.Unlock()
		}(id, c.participant(id))
	}
	wg.Wait()
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

func (c *Coordinator) afterCommit(ctx context.Context, round uint64, responses map[string]*protocol.FitResponse) {
	c.pmtx.Lock()
	for id, r := range responses {
		if r.Summary != nil {
			c.summaries[id] = r.Summary
		}
	}
	c.pmtx.Unlock()
	for id, r := range responses {
		if err := c.verifier.Seen(ctx, id, round, r.NumExamples); err != nil {
			c.log.Warnw("cannot update client record", "client", id, "err", err)
		}
		metrics.ClientEpsilon.WithLabelValues(id).Set(c.ledger.Cumulative(id))
	}
}

func clientMetrics(responses map[string]*protocol.FitResponse, eps map[string]float64) map[string]map[string]float64 {
	out := make(map[string]map[string]float64, len(responses))
	for id, r := range responses {
		m := make(map[string]float64, len(r.Metrics)+2)
		for k, v := range r.Metrics {
			m[k] = v
		}
		m["num_examples"] = float64(r.NumExamples)
		if e, ok := eps[id]; ok {
			m["epsilon"] = e
		}
		out[id] = m
	}
	return out
}

func failureStrings(failures map[string]error) map[string]string {
	if len(failures) == 0 {
		return nil
	}
	out := make(map[string]string, len(failures))
	for id, err := range failures {
		out[id] = err.Error()
	}
	return out
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// missing returns the members of all absent from present.
func missing(all, present []string) []string {
	got := make(map[string]bool, len(present))
	for _, id := range present {
		got[id] = true
	}
	var out []string
	for _, id := range all {
		if !got[id] {
			out = append(out, id)
		}
	}
	return out
}

