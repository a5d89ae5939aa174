// Package core drives federated averaging runs: client registration and
// selection, the round state machine, aggregation, best model tracking and
// the persistence of every round.
package core

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/medfl/fedavg/common"
	"github.com/medfl/fedavg/common/log"
	"github.com/medfl/fedavg/internal/crypto"
	"github.com/medfl/fedavg/internal/metrics"
	"github.com/medfl/fedavg/internal/privacy"
	"github.com/medfl/fedavg/internal/protocol"
	"github.com/medfl/fedavg/internal/secagg"
	"github.com/medfl/fedavg/internal/store"
	"github.com/medfl/fedavg/internal/tensor"
	"github.com/medfl/fedavg/internal/verify"
)

// Model evaluates global weights on the held-out data of the coordinator.
// Evaluate must be deterministic for identical weights.
type Model interface {
	InitialWeights() tensor.Collection
	Evaluate(ctx context.Context, weights tensor.Collection) (loss, accuracy float64, err error)
}

// GlobalModelState is the global model of a run. Only the coordinator
// mutates it, when a round commits.
type GlobalModelState struct {
	CurrentWeights tensor.Collection
	CurrentRound   uint64
	BestWeights    tensor.Collection
	BestAccuracy   float64
	BestRound      uint64
}

func (g GlobalModelState) clone() GlobalModelState {
	g.CurrentWeights = g.CurrentWeights.Clone()
	g.BestWeights = g.BestWeights.Clone()
	return g
}

// Coordinator runs the rounds of one mode.
type Coordinator struct {
	sync.Mutex
	conf     *Config
	store    store.Store
	model    Model
	ledger   *privacy.Ledger
	verifier *verify.Verifier
	engine   *secagg.Engine
	monitor  *metrics.DropoutMonitor
	clock    clockwork.Clock
	log      log.Logger
	runID    string

	// average is WeightedMean, replaced in tests.
	average func([]Update) (tensor.Collection, error)

	pmtx         sync.RWMutex
	participants map[string]protocol.Participant
	summaries    map[string]*protocol.DataSummary

	status   Status
	state    GlobalModelState
	attempts map[uint64]int
	testOnly *Comparison
}

// NewCoordinator returns a coordinator for conf persisting into st. The
// privacy ledger and client records are loaded from st.
func NewCoordinator(ctx context.Context, conf *Config, st store.Store, model Model) (*Coordinator, error) {
	if err := conf.Validate(); err != nil {
		return nil, &common.PreconditionError{Op: "config", Err: err}
	}
	runID := uuid.New().String()
	l := conf.Logger().Named("coordinator").With("mode", conf.Mode().String(), "run", runID)

	led, err := privacy.NewLedger(ctx, st, conf.Privacy().TargetEpsilon, conf.Privacy().Delta, conf.Clock(), l)
	if err != nil {
		return nil, err
	}
	monitor := metrics.NewDropoutMonitor(conf.Mode().String(), l, conf.Clock(), conf.Mode().Phase.MinClients)
	return &Coordinator{
		conf:         conf,
		store:        st,
		model:        model,
		ledger:       led,
		verifier:     verify.NewVerifier(st, conf.Clock(), conf.VerificationMaxAge(), l),
		engine:       secagg.NewEngine(crypto.NewKeyPair(), conf.Rotation(), l),
		monitor:      monitor,
		clock:        conf.Clock(),
		log:          l,
		runID:        runID,
		average:      WeightedMean,
		participants: make(map[string]protocol.Participant),
		summaries:    make(map[string]*protocol.DataSummary),
		attempts:     make(map[uint64]int),
	}, nil
}

func (c *Coordinator) RunID() string               { return c.runID }
func (c *Coordinator) Ledger() *privacy.Ledger     { return c.ledger }
func (c *Coordinator) Verifier() *verify.Verifier  { return c.verifier }
func (c *Coordinator) Config() *Config             { return c.conf }
func (c *Coordinator) Monitor() *metrics.DropoutMonitor {
	return c.monitor
}

// Status returns the current state of the run.
func (c *Coordinator) Status() Status {
	c.Lock()
	defer c.Unlock()
	return c.status
}

// State returns a copy of the global model.
func (c *Coordinator) State() GlobalModelState {
	c.Lock()
	defer c.Unlock()
	return c.state.clone()
}

func (c *Coordinator) transition(next Status) error {
	if !isValidStateChange(c.status, next) {
		return InvalidStateChange(c.status, next)
	}
	c.log.Debugw("run status", "from", c.status, "to", next)
	c.status = next
	return nil
}

// AddParticipant registers p and verifies it with a fresh challenge. A
// participant failing verification stays known but is never selected until
// it verifies.
func (c *Coordinator) AddParticipant(ctx context.Context, p protocol.Participant) error {
	info, err := p.Info(ctx)
	if err != nil {
		return fmt.Errorf("fetching participant info: %w", err)
	}
	if _, err := c.verifier.Register(ctx, info.ID, info.PublicKey, info.Labels); err != nil {
		return err
	}
	c.pmtx.Lock()
	c.participants[info.ID] = p
	c.pmtx.Unlock()
	return c.verifyParticipant(ctx, info.ID, p)
}

func (c *Coordinator) verifyParticipant(ctx context.Context, id string, p protocol.Participant) error {
	nonce, err := c.verifier.Challenge(ctx, id)
	if err != nil {
		metrics.Verifications.WithLabelValues("failure").Inc()
		return err
	}
	resp, err := p.Prove(ctx, &protocol.ChallengeRequest{Nonce: nonce})
	if err != nil {
		metrics.Verifications.WithLabelValues("failure").Inc()
		return &common.VerificationError{ClientID: id, Reason: "no answer to challenge", Err: err}
	}
	if err := c.verifier.Verify(ctx, id, resp.Signature); err != nil {
		metrics.Verifications.WithLabelValues("failure").Inc()
		return err
	}
	metrics.Verifications.WithLabelValues("success").Inc()
	return nil
}

// reverify challenges again every known participant whose verification
// expired, concurrently, and verifies the answers as one batch. Challenges
// are bounded by the round timeout; a participant that does not answer in
// time fails verification and stays excluded.
func (c *Coordinator) reverify(ctx context.Context) {
	c.pmtx.RLock()
	var due []string
	for id := range c.participants {
		if s, err := c.verifier.Status(ctx, id); err == nil && s == verify.Expired {
			due = append(due, id)
		}
	}
	c.pmtx.RUnlock()
	if len(due) == 0 {
		return
	}
	sort.Strings(due)

	rctx, cancel := c.withRoundTimeout(ctx)
	defer cancel()

	type answer struct {
		id  string
		sig []byte
	}
	answers := make(chan answer, len(due))
	pending := make(map[string]bool, len(due))
	for _, id := range due {
		nonce, err := c.verifier.Challenge(ctx, id)
		if err != nil {
			c.log.Warnw("cannot challenge participant", "client", id, "err", err)
			continue
		}
		pending[id] = true
		go func(id string, p protocol.Participant) {
			resp, err := p.Prove(rctx, &protocol.ChallengeRequest{Nonce: nonce})
			if err != nil {
				c.log.Warnw("participant did not answer challenge", "client", id, "err", err)
				answers <- answer{id: id}
				return
			}
			answers <- answer{id: id, sig: resp.Signature}
		}(id, c.participant(id))
	}

	sigs := make(map[string][]byte, len(pending))
	for len(pending) > 0 {
		select {
		case a := <-answers:
			sigs[a.id] = a.sig
			delete(pending, a.id)
		case <-rctx.Done():
			// answers already received still count, a Prove ignoring its
			// context is given up on
			for drained := false; !drained; {
				select {
				case a := <-answers:
					sigs[a.id] = a.sig
					delete(pending, a.id)
				default:
					drained = true
				}
			}
			for id := range pending {
				sigs[id] = nil
			}
			pending = nil
		}
	}
	for id, err := range c.verifier.VerifyBatch(ctx, sigs) {
		if err != nil {
			metrics.Verifications.WithLabelValues("failure").Inc()
			continue
		}
		metrics.Verifications.WithLabelValues("success").Inc()
		c.log.Infow("participant verified again", "client", id)
	}
}

func (c *Coordinator) participant(id string) protocol.Participant {
	c.pmtx.RLock()
	defer c.pmtx.RUnlock()
	return c.participants[id]
}

// Initialize loads the starting model of the mode. A previous run of the same
// mode is resumed after its last committed round. Any mode other than initial
// needs the best initial model.
func (c *Coordinator) Initialize(ctx context.Context) error {
	c.Lock()
	defer c.Unlock()
	c.status = Initializing
	mode := c.conf.Mode()

	if mode.Kind != Initial {
		initial, err := c.store.Best(ctx, Initial.String())
		if errors.Is(err, common.ErrNotFound) {
			return &common.PreconditionError{Op: "loading initial model", Err: common.ErrNoInitialModel}
		} else if err != nil {
			return err
		}
		if mode.Kind == TestOnly {
			return c.initTestOnly(ctx, initial)
		}
		return c.initFrom(ctx, initial.Weights)
	}
	return c.initFrom(ctx, c.model.InitialWeights())
}

func (c *Coordinator) initFrom(ctx context.Context, start tensor.Collection) error {
	mode := c.conf.Mode().String()
	last, err := c.store.LastCheckpoint(ctx, mode)
	switch {
	case errors.Is(err, common.ErrNotFound):
		if len(start) == 0 {
			return &common.PreconditionError{Op: "initial weights", Err: errors.New("empty model")}
		}
		cid, err := store.ContentID(start)
		if err != nil {
			return err
		}
		cp := &store.Checkpoint{Mode: mode, Round: 0, CID: cid, CreatedAt: c.clock.Now(), Weights: start.Clone()}
		if err := c.store.PutCheckpoint(ctx, cp); err != nil {
			return err
		}
		c.state = GlobalModelState{
			CurrentWeights: start.Clone(),
			BestWeights:    start.Clone(),
			BestAccuracy:   math.Inf(-1),
		}
		c.log.Infow("starting model stored", "cid", cid)
		return nil
	case err != nil:
		return err
	}

	c.state = GlobalModelState{
		CurrentWeights: last.Weights,
		CurrentRound:   last.Round,
		BestWeights:    last.Weights.Clone(),
		BestAccuracy:   math.Inf(-1),
	}
	best, err := c.store.Best(ctx, mode)
	switch {
	case err == nil:
		c.state.BestWeights = best.Weights
		c.state.BestAccuracy = best.Accuracy
		c.state.BestRound = best.Round
	case !errors.Is(err, common.ErrNotFound):
		return err
	}
	c.log.Infow("resuming run", "round", last.Round, "best_round", c.state.BestRound)
	return nil
}

// Run trains the mode to completion and returns the training report. Rounds
// failing with a round recoverable error are attempted again up to
// MaxRetries times; any other error aborts the run and leaves the last
// committed round untouched.
func (c *Coordinator) Run(ctx context.Context) (*Report, error) {
	if err := c.Initialize(ctx); err != nil {
		c.fail(err)
		return nil, err
	}
	c.monitor.Start()
	defer c.monitor.Stop()

	mode := c.conf.Mode()
	if mode.Kind != TestOnly {
		for round := c.State().CurrentRound + 1; round <= uint64(mode.Phase.Rounds); round++ {
			if err := c.runWithRetries(ctx, round); err != nil {
				c.fail(err)
				return nil, fmt.Errorf("round %d: %w", round, err)
			}
		}
	}
	return c.finalize(ctx)
}

func (c *Coordinator) runWithRetries(ctx context.Context, round uint64) error {
	var err error
	for attempt := 0; attempt <= c.conf.MaxRetries(); attempt++ {
		if _, err = c.RunRound(ctx, round); err == nil {
			return nil
		}
		if !common.IsRoundRecoverable(err) || ctx.Err() != nil {
			return err
		}
		c.log.Warnw("round failed, soliciting clients again", "round", round, "attempt", attempt+1, "err", err)
	}
	return err
}

func (c *Coordinator) fail(err error) {
	c.Lock()
	defer c.Unlock()
	if c.transition(Failed) == nil {
		c.log.Errorw("run failed", "err", err)
	}
}

// selectClients returns the clients solicited for round: eligible clients
// sorted by id, a window of ceil(FractionFit·eligible) of them, at least
// MinClients and at most MaxClients, rotated by round and attempt.
func (c *Coordinator) selectClients(ctx context.Context, round uint64, attempt int) []string {
	c.pmtx.RLock()
	ids := make([]string, 0, len(c.participants))
	for id := range c.participants {
		ids = append(ids, id)
	}
	c.pmtx.RUnlock()
	sort.Strings(ids)

	eligible := ids[:0]
	for _, id := range ids {
		if !c.verifier.IsVerified(ctx, id) {
			continue
		}
		if c.conf.Privacy().Enabled && !c.ledger.CheckPrivacyBudget(id) {
			continue
		}
		eligible = append(eligible, id)
	}
	if len(eligible) == 0 {
		return nil
	}

	phase := c.conf.Mode().Phase
	k := int(math.Ceil(c.conf.FractionFit() * float64(len(eligible))))
	if k < phase.MinClients {
		k = phase.MinClients
	}
	if phase.MaxClients > 0 && k > phase.MaxClients {
		k = phase.MaxClients
	}
	if k > len(eligible) {
		k = len(eligible)
	}
	start := int(((round-1)*uint64(k) + uint64(attempt)) % uint64(len(eligible)))
	out := make([]string, 0, k)
	for i := 0; i < k; i++ {
		out = append(out, eligible[(start+i)%len(eligible)])
	}
	sort.Strings(out)
	return out
}
