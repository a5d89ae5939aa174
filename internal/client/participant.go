// Package client is the participant side of a run: it trains the global
// model on local data, privatises and masks the result, and answers the
// coordinator's verification and reveal requests.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/drand/kyber"

	"github.com/medfl/fedavg/common/log"
	"github.com/medfl/fedavg/internal/crypto"
	"github.com/medfl/fedavg/internal/privacy"
	"github.com/medfl/fedavg/internal/protocol"
	"github.com/medfl/fedavg/internal/secagg"
	"github.com/medfl/fedavg/internal/tensor"
	"github.com/medfl/fedavg/internal/verify"
)

// Trainer is the local model of a participant.
type Trainer interface {
	InitialWeights() tensor.Collection
	SetWeights(w tensor.Collection) error
	// Fit trains from the current weights and returns the new weights, the
	// number of examples used and training metrics.
	Fit(ctx context.Context, cfg protocol.FitConfig) (tensor.Collection, int, map[string]float64, error)
	// Evaluate scores the current weights on the local test data.
	Evaluate(ctx context.Context) (loss, accuracy float64, numExamples int, err error)
	Summary() *protocol.DataSummary
}

// Option configures a Participant.
type Option func(*Participant)

func WithLabels(labels []string) Option {
	return func(p *Participant) {
		p.labels = labels
	}
}

func WithLogger(l log.Logger) Option {
	return func(p *Participant) {
		p.log = l
	}
}

// WithNoiseSource sets the randomness of the DP noise. The default is
// crypto/rand.
func WithNoiseSource(r io.Reader) Option {
	return func(p *Participant) {
		p.noise = r
	}
}

// Participant is an in-process implementation of protocol.Participant.
type Participant struct {
	sync.Mutex
	id      string
	keys    *crypto.Pair
	labels  []string
	trainer Trainer
	masker  *secagg.Masker
	noise   io.Reader
	log     log.Logger

	// coordinator is the key revealed seeds are encrypted to, learnt from
	// the last masked fit request.
	coordinator kyber.Point
	spent       float64
}

var _ protocol.Participant = (*Participant)(nil)

func New(id string, keys *crypto.Pair, trainer Trainer, opts ...Option) (*Participant, error) {
	if id == "" {
		return nil, errors.New("empty participant id")
	}
	p := &Participant{
		id:      id,
		keys:    keys,
		trainer: trainer,
		log:     log.DefaultLogger(),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.log = p.log.Named("participant").With("client", id)
	m, err := secagg.NewMasker(id, keys, 0, p.log)
	if err != nil {
		return nil, err
	}
	p.masker = m
	return p, nil
}

func (p *Participant) ID() string { return p.id }

// Spent is the ε this participant accounted for itself so far.
func (p *Participant) Spent() float64 {
	p.Lock()
	defer p.Unlock()
	return p.spent
}

func (p *Participant) Info(_ context.Context) (*protocol.Info, error) {
	pub, err := crypto.PublicBytes(p.keys.Public)
	if err != nil {
		return nil, err
	}
	return &protocol.Info{ID: p.id, PublicKey: pub, Labels: p.labels}, nil
}

// Prove signs the coordinator's challenge.
func (p *Participant) Prove(_ context.Context, req *protocol.ChallengeRequest) (*protocol.ChallengeResponse, error) {
	if len(req.Nonce) == 0 {
		return nil, errors.New("empty challenge")
	}
	sig, err := crypto.Sign(p.keys.Key, verify.ChallengeMessage(p.id, req.Nonce))
	if err != nil {
		return nil, err
	}
	return &protocol.ChallengeResponse{ClientID: p.id, Signature: sig}, nil
}

// Fit trains on the local data. With DP the update relative to the global
// weights is clipped and noised; with secure aggregation the returned weights
// are NumExamples·weights masked against every peer of the round.
func (p *Participant) Fit(ctx context.Context, req *protocol.FitRequest) (*protocol.FitResponse, error) {
	p.Lock()
	defer p.Unlock()
	cfg := req.Config
	global := req.Weights

	if err := p.trainer.SetWeights(global.Clone()); err != nil {
		return nil, fmt.Errorf("setting global weights: %w", err)
	}
	w, n, m, err := p.trainer.Fit(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if m == nil {
		m = make(map[string]float64)
	}
	resp := &protocol.FitResponse{ClientID: p.id, NumExamples: n, Metrics: m, Summary: p.trainer.Summary()}

	if dp := cfg.Privacy; dp != nil {
		if w, err = p.privatize(global, w, dp); err != nil {
			return nil, err
		}
		resp.Epsilon = privacy.Epsilon(privacy.Params{
			NumExamples:     n,
			BatchSize:       cfg.BatchSize,
			Epochs:          cfg.LocalEpochs,
			NoiseMultiplier: dp.NoiseMultiplier,
			Delta:           dp.Delta,
		})
		p.spent += resp.Epsilon
		m["epsilon"] = resp.Epsilon
	}

	if !cfg.SecureAggregation {
		resp.Weights = w
		return resp, nil
	}
	masked, err := p.mask(cfg, w.Scale(float64(n)))
	if err != nil {
		return nil, fmt.Errorf("masking update: %w", err)
	}
	resp.Weights, resp.Masked = masked, true
	p.log.Debugw("masked update ready", "round", cfg.Round, "peers", len(cfg.Peers), "examples", n)
	return resp, nil
}

// privatize returns global + Privatize(local - global).
func (p *Participant) privatize(global, local tensor.Collection, dp *protocol.PrivacyConfig) (tensor.Collection, error) {
	delta := local.Clone()
	if err := delta.SubInPlace(global); err != nil {
		return nil, err
	}
	mech := &privacy.Mechanism{ClipNorm: dp.ClipNorm, NoiseMultiplier: dp.NoiseMultiplier, Rand: p.noise}
	noisy, err := mech.Privatize(delta)
	if err != nil {
		return nil, err
	}
	return global.Add(noisy)
}

func (p *Participant) mask(cfg protocol.FitConfig, scaled tensor.Collection) (tensor.Collection, error) {
	coordinator, err := crypto.ParsePublic(cfg.CoordinatorKey)
	if err != nil {
		return nil, fmt.Errorf("coordinator key: %w", err)
	}
	peers := make([]secagg.Peer, 0, len(cfg.Peers))
	for _, pk := range cfg.Peers {
		pub, err := crypto.ParsePublic(pk.PublicKey)
		if err != nil {
			return nil, fmt.Errorf("key of peer %s: %w", pk.ID, err)
		}
		peers = append(peers, secagg.Peer{ID: pk.ID, Public: pub})
	}
	if err := p.masker.Begin(cfg.Round, cfg.Epoch, peers); err != nil {
		return nil, err
	}
	p.coordinator = coordinator
	return p.masker.Mask(cfg.Round, scaled)
}

// Reveal returns the seeds shared with the dropped peers of the last masked
// round, encrypted to the coordinator.
func (p *Participant) Reveal(_ context.Context, req *protocol.RevealRequest) (*protocol.RevealResponse, error) {
	p.Lock()
	defer p.Unlock()
	if p.coordinator == nil {
		return nil, secagg.ErrNoRound
	}
	seeds, err := p.masker.Reveal(req.Round, req.Dropped, p.coordinator)
	if err != nil {
		return nil, err
	}
	return &protocol.RevealResponse{ClientID: p.id, Seeds: seeds}, nil
}

func (p *Participant) Evaluate(ctx context.Context, req *protocol.EvalRequest) (*protocol.EvalResponse, error) {
	p.Lock()
	defer p.Unlock()
	if err := p.trainer.SetWeights(req.Weights.Clone()); err != nil {
		return nil, err
	}
	loss, acc, n, err := p.trainer.Evaluate(ctx)
	if err != nil {
		return nil, err
	}
	return &protocol.EvalResponse{
		ClientID:    p.id,
		Loss:        loss,
		Accuracy:    acc,
		NumExamples: n,
		Metrics:     map[string]float64{"accuracy": acc},
	}, nil
}
