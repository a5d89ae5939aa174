package core

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/medfl/fedavg/common/testlogger"
	"github.com/medfl/fedavg/internal/client"
	"github.com/medfl/fedavg/internal/crypto"
	"github.com/medfl/fedavg/internal/protocol"
	"github.com/medfl/fedavg/internal/store"
	"github.com/medfl/fedavg/internal/store/memdb"
	"github.com/medfl/fedavg/internal/tensor"
)

var shapes = [][]int{{3, 3}, {10}}

func full(v float64) tensor.Collection {
	c := tensor.Zeros(shapes)
	for _, t := range c {
		for i := range t.Data {
			t.Data[i] = v
		}
	}
	return c
}

// constTrainer always returns the same weights, or the global weights plus
// step when step is set.
type constTrainer struct {
	w      tensor.Collection
	step   float64
	n      int
	global tensor.Collection
}

func (c *constTrainer) InitialWeights() tensor.Collection { return tensor.Zeros(shapes) }

func (c *constTrainer) SetWeights(w tensor.Collection) error {
	c.global = w
	return nil
}

func (c *constTrainer) Fit(_ context.Context, _ protocol.FitConfig) (tensor.Collection, int, map[string]float64, error) {
	if c.step != 0 {
		w := c.global.Clone()
		for _, t := range w {
			for i := range t.Data {
				t.Data[i] += c.step
			}
		}
		return w, c.n, map[string]float64{"loss": 0.1}, nil
	}
	return c.w.Clone(), c.n, map[string]float64{"loss": 0.1}, nil
}

func (c *constTrainer) Evaluate(context.Context) (float64, float64, int, error) {
	return 0.1, 0.9, c.n, nil
}

func (c *constTrainer) Summary() *protocol.DataSummary {
	return &protocol.DataSummary{
		TrainSamplesPerLabel: map[string]int{"0": c.n / 2, "1": c.n - c.n/2},
		TestSamplesPerLabel:  map[string]int{"0": 1},
	}
}

// faulty wraps a participant and breaks some of its calls.
type faulty struct {
	protocol.Participant
	failFit    bool
	hangFit    bool
	hangEval   bool
	failReveal bool
}

func (f *faulty) Fit(ctx context.Context, req *protocol.FitRequest) (*protocol.FitResponse, error) {
	switch {
	case f.hangFit:
		<-ctx.Done()
		return nil, ctx.Err()
	case f.failFit:
		return nil, errors.New("connection reset")
	}
	return f.Participant.Fit(ctx, req)
}

func (f *faulty) Evaluate(ctx context.Context, req *protocol.EvalRequest) (*protocol.EvalResponse, error) {
	if f.hangEval {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return f.Participant.Evaluate(ctx, req)
}

func (f *faulty) Reveal(ctx context.Context, req *protocol.RevealRequest) (*protocol.RevealResponse, error) {
	if f.failReveal {
		return nil, errors.New("gone")
	}
	return f.Participant.Reveal(ctx, req)
}

// testModel scores weights by their first value, or serves fixed accuracies.
type testModel struct {
	sync.Mutex
	accuracies []float64
	calls      int
}

func (m *testModel) InitialWeights() tensor.Collection { return tensor.Zeros(shapes) }

func (m *testModel) Evaluate(_ context.Context, w tensor.Collection) (float64, float64, error) {
	m.Lock()
	defer m.Unlock()
	m.calls++
	loss := 1 / (1 + w[0].Data[0]*w[0].Data[0])
	if len(m.accuracies) == 0 {
		return loss, 1 - loss, nil
	}
	i := m.calls - 1
	if i >= len(m.accuracies) {
		i = len(m.accuracies) - 1
	}
	return loss, m.accuracies[i], nil
}

type harness struct {
	t     *testing.T
	st    store.Store
	clock clockwork.FakeClock
	model *testModel
}

func newHarness(t *testing.T) *harness {
	return &harness{t: t, st: memdb.NewStore(), clock: clockwork.NewFakeClock(), model: new(testModel)}
}

func (h *harness) coordinator(opts ...ConfigOption) *Coordinator {
	h.t.Helper()
	base := []ConfigOption{
		WithLogger(testlogger.New(h.t)),
		WithClock(h.clock),
		WithFractionFit(1),
	}
	conf := NewConfig(append(base, opts...)...)
	c, err := NewCoordinator(context.Background(), conf, h.st, h.model)
	require.NoError(h.t, err)
	return c
}

func (h *harness) participant(id string, tr client.Trainer) *client.Participant {
	h.t.Helper()
	p, err := client.New(id, crypto.NewKeyPair(), tr, client.WithLogger(testlogger.New(h.t)))
	require.NoError(h.t, err)
	return p
}

func (h *harness) add(c *Coordinator, ps ...protocol.Participant) {
	h.t.Helper()
	for _, p := range ps {
		require.NoError(h.t, c.AddParticipant(context.Background(), p))
	}
}

func phase(lo, hi, rounds int) Phase {
	return Phase{MinClients: lo, MaxClients: hi, Rounds: rounds}
}

func mode(k Kind, p Phase) ConfigOption {
	return WithMode(Mode{Kind: k, Phase: p})
}
