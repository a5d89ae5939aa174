package core

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	json "github.com/nikkolasg/hexjson"

	"github.com/medfl/fedavg/common"
	"github.com/medfl/fedavg/internal/privacy"
	"github.com/medfl/fedavg/internal/protocol"
	"github.com/medfl/fedavg/internal/store"
	"github.com/medfl/fedavg/internal/verify"
)

// Report is the training report flushed when a run finishes.
type Report struct {
	RunID           string                    `json:"run_id"`
	Mode            string                    `json:"mode"`
	Phase           Phase                     `json:"phase"`
	Fit             FitParams                 `json:"fit"`
	CompletedRounds uint64                    `json:"completed_rounds"`
	BestRound       uint64                    `json:"best_round"`
	BestAccuracy    float64                   `json:"best_accuracy"`
	FinalLoss       float64                   `json:"final_loss"`
	FinalAccuracy   float64                   `json:"final_accuracy"`
	History         []*store.RoundRecord      `json:"history"`
	Clients         map[string]*ClientSummary `json:"clients"`
	Labels          LabelSummary              `json:"labels"`
	Privacy         *privacy.GlobalReport     `json:"privacy,omitempty"`
	Verification    *verify.Report            `json:"verification,omitempty"`
	Comparison      *Comparison               `json:"comparison,omitempty"`
	GeneratedAt     time.Time                 `json:"generated_at"`
}

// ClientSummary is what the report knows about one client's data.
type ClientSummary struct {
	Rounds               int            `json:"rounds"`
	TrainSamples         int            `json:"train_samples"`
	TestSamples          int            `json:"test_samples"`
	TrainSamplesPerLabel map[string]int `json:"train_samples_per_label,omitempty"`
	TestSamplesPerLabel  map[string]int `json:"test_samples_per_label,omitempty"`
}

// LabelSummary aggregates the label distribution of every client. Shares are
// percentages.
type LabelSummary struct {
	Train      map[string]int     `json:"train"`
	Test       map[string]int     `json:"test"`
	TrainShare map[string]float64 `json:"train_share"`
	TestShare  map[string]float64 `json:"test_share"`
	TotalTrain int                `json:"total_train"`
	TotalTest  int                `json:"total_test"`
}

// Comparison is the outcome of a test-only run.
type Comparison struct {
	InitialRound       uint64  `json:"initial_round"`
	InitialLoss        float64 `json:"initial_loss"`
	InitialAccuracy    float64 `json:"initial_accuracy"`
	HasAdditional      bool    `json:"has_additional"`
	AdditionalRound    uint64  `json:"additional_round,omitempty"`
	AdditionalLoss     float64 `json:"additional_loss,omitempty"`
	AdditionalAccuracy float64 `json:"additional_accuracy,omitempty"`
}

// Improvement is the accuracy gained by additional training.
func (c *Comparison) Improvement() float64 {
	if !c.HasAdditional {
		return 0
	}
	return c.AdditionalAccuracy - c.InitialAccuracy
}

func (c *Coordinator) initTestOnly(ctx context.Context, initial *store.Checkpoint) error {
	cmp := &Comparison{InitialRound: initial.Round}
	loss, acc, err := c.model.Evaluate(ctx, initial.Weights)
	if err != nil {
		return fmt.Errorf("evaluating initial model: %w", err)
	}
	cmp.InitialLoss, cmp.InitialAccuracy = loss, acc
	c.state = GlobalModelState{
		CurrentWeights: initial.Weights,
		CurrentRound:   initial.Round,
		BestWeights:    initial.Weights.Clone(),
		BestAccuracy:   acc,
		BestRound:      initial.Round,
	}

	last, err := c.store.LastCheckpoint(ctx, Additional.String())
	switch {
	case err == nil && last.Round > 0:
		loss, acc, err := c.model.Evaluate(ctx, last.Weights)
		if err != nil {
			return fmt.Errorf("evaluating additional model: %w", err)
		}
		cmp.HasAdditional = true
		cmp.AdditionalRound, cmp.AdditionalLoss, cmp.AdditionalAccuracy = last.Round, loss, acc
		c.state.CurrentWeights = last.Weights
		c.state.CurrentRound = last.Round
	case err != nil && !isNotFound(err):
		return err
	}
	c.testOnly = cmp
	c.log.Infow("models evaluated",
		"initial_accuracy", cmp.InitialAccuracy,
		"additional", cmp.HasAdditional,
		"additional_accuracy", cmp.AdditionalAccuracy)
	return nil
}

func (c *Coordinator) finalize(ctx context.Context) (*Report, error) {
	c.Lock()
	defer c.Unlock()
	if err := c.transition(Finalizing); err != nil {
		return nil, err
	}
	rep, err := c.buildReport(ctx)
	if err != nil {
		return nil, err
	}
	buf, err := json.Marshal(rep)
	if err != nil {
		return nil, err
	}
	if err := c.store.PutReport(ctx, rep.Mode, buf); err != nil {
		return nil, fmt.Errorf("storing training report: %w", err)
	}
	if err := c.transition(Done); err != nil {
		return nil, err
	}
	c.log.Infow("run done", "rounds", rep.CompletedRounds, "best_round", rep.BestRound, "best_accuracy", rep.BestAccuracy)
	return rep, nil
}

func (c *Coordinator) buildReport(ctx context.Context) (*Report, error) {
	mode := c.conf.Mode()
	history, err := c.store.Rounds(ctx, mode.String())
	if err != nil {
		return nil, err
	}
	ver, err := c.verifier.Report(ctx)
	if err != nil {
		return nil, err
	}
	rep := &Report{
		RunID:           c.runID,
		Mode:            mode.String(),
		Phase:           mode.Phase,
		Fit:             c.conf.Fit(),
		CompletedRounds: c.state.CurrentRound,
		History:         history,
		Verification:    ver,
		Comparison:      c.testOnly,
		GeneratedAt:     c.clock.Now(),
	}
	if c.state.BestRound > 0 && !math.IsInf(c.state.BestAccuracy, 0) {
		rep.BestRound = c.state.BestRound
		rep.BestAccuracy = c.state.BestAccuracy
	}
	if n := len(history); n > 0 {
		rep.FinalLoss = history[n-1].Loss
		rep.FinalAccuracy = history[n-1].Accuracy
	}
	if c.conf.Privacy().Enabled {
		g := c.ledger.GlobalReport()
		rep.Privacy = &g
	}

	c.pmtx.RLock()
	defer c.pmtx.RUnlock()
	rep.Clients, rep.Labels = summarize(c.summaries, history)
	return rep, nil
}

// summarize merges the data summaries of the clients with their
// participation in history.
func summarize(summaries map[string]*protocol.DataSummary, history []*store.RoundRecord) (map[string]*ClientSummary, LabelSummary) {
	clients := make(map[string]*ClientSummary)
	get := func(id string) *ClientSummary {
		s, ok := clients[id]
		if !ok {
			s = new(ClientSummary)
			clients[id] = s
		}
		return s
	}
	for _, r := range history {
		for _, id := range r.Participants {
			get(id).Rounds++
		}
	}

	labels := LabelSummary{
		Train:      make(map[string]int),
		Test:       make(map[string]int),
		TrainShare: make(map[string]float64),
		TestShare:  make(map[string]float64),
	}
	ids := make([]string, 0, len(summaries))
	for id := range summaries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		d := summaries[id]
		s := get(id)
		s.TrainSamplesPerLabel = d.TrainSamplesPerLabel
		s.TestSamplesPerLabel = d.TestSamplesPerLabel
		for l, n := range d.TrainSamplesPerLabel {
			s.TrainSamples += n
			labels.Train[l] += n
			labels.TotalTrain += n
		}
		for l, n := range d.TestSamplesPerLabel {
			s.TestSamples += n
			labels.Test[l] += n
			labels.TotalTest += n
		}
	}
	for l, n := range labels.Train {
		labels.TrainShare[l] = 100 * float64(n) / float64(labels.TotalTrain)
	}
	for l, n := range labels.Test {
		labels.TestShare[l] = 100 * float64(n) / float64(labels.TotalTest)
	}
	return clients, labels
}

func isNotFound(err error) bool {
	return errors.Is(err, common.ErrNotFound)
}
