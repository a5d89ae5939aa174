package client

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"

	"github.com/medfl/fedavg/internal/protocol"
	"github.com/medfl/fedavg/internal/tensor"
)

// Dataset is a labelled in-memory dataset.
type Dataset struct {
	X [][]float64
	Y []int
}

func (d Dataset) Len() int { return len(d.Y) }

// labelCounts returns the number of samples per label.
func (d Dataset) labelCounts() map[string]int {
	out := make(map[string]int)
	for _, y := range d.Y {
		out[strconv.Itoa(y)]++
	}
	return out
}

// Logistic is a multinomial logistic regression trained with mini-batch
// gradient descent. Batches are taken in order, so training is deterministic.
// Weights are a (features, classes) matrix and a bias per class.
type Logistic struct {
	features, classes int
	train, test       Dataset
	w                 tensor.Collection
}

var _ Trainer = (*Logistic)(nil)

func NewLogistic(features, classes int, train, test Dataset) (*Logistic, error) {
	if features <= 0 || classes < 2 {
		return nil, fmt.Errorf("invalid model size %dx%d", features, classes)
	}
	for _, d := range []Dataset{train, test} {
		if len(d.X) != len(d.Y) {
			return nil, errors.New("dataset with a different number of samples and labels")
		}
		for i, x := range d.X {
			if len(x) != features {
				return nil, fmt.Errorf("sample %d has %d features, want %d", i, len(x), features)
			}
			if d.Y[i] < 0 || d.Y[i] >= classes {
				return nil, fmt.Errorf("sample %d has label %d out of %d classes", i, d.Y[i], classes)
			}
		}
	}
	l := &Logistic{features: features, classes: classes, train: train, test: test}
	l.w = l.InitialWeights()
	return l, nil
}

func (l *Logistic) InitialWeights() tensor.Collection {
	return tensor.Zeros([][]int{{l.features, l.classes}, {l.classes}})
}

func (l *Logistic) SetWeights(w tensor.Collection) error {
	if err := l.InitialWeights().CheckShape(w); err != nil {
		return err
	}
	l.w = w.Clone()
	return nil
}

// Weights returns a copy of the current weights.
func (l *Logistic) Weights() tensor.Collection {
	return l.w.Clone()
}

// Fit trains on the first (1-ValidationSplit) share of the training data and
// reports the loss on the remaining share.
func (l *Logistic) Fit(ctx context.Context, cfg protocol.FitConfig) (tensor.Collection, int, map[string]float64, error) {
	train, val := l.split(cfg.ValidationSplit)
	if train.Len() == 0 {
		return nil, 0, nil, errors.New("no training data")
	}
	batch := cfg.BatchSize
	if batch <= 0 || batch > train.Len() {
		batch = train.Len()
	}

	grad := l.w.ZerosLike()
	for epoch := 0; epoch < cfg.LocalEpochs; epoch++ {
		for start := 0; start < train.Len(); start += batch {
			if err := ctx.Err(); err != nil {
				return nil, 0, nil, err
			}
			end := start + batch
			if end > train.Len() {
				end = train.Len()
			}
			l.gradient(grad, train, start, end)
			if err := l.w.AddScaledInPlace(grad, -cfg.LearningRate); err != nil {
				return nil, 0, nil, err
			}
		}
	}

	m := make(map[string]float64)
	m["loss"], m["accuracy"] = l.score(l.w, train)
	if val.Len() > 0 {
		m["val_loss"], m["val_accuracy"] = l.score(l.w, val)
	}
	return l.w.Clone(), train.Len(), m, nil
}

func (l *Logistic) Evaluate(ctx context.Context) (float64, float64, int, error) {
	if err := ctx.Err(); err != nil {
		return 0, 0, 0, err
	}
	if l.test.Len() == 0 {
		return 0, 0, 0, errors.New("no test data")
	}
	loss, acc := l.score(l.w, l.test)
	return loss, acc, l.test.Len(), nil
}

func (l *Logistic) Summary() *protocol.DataSummary {
	return &protocol.DataSummary{
		TrainSamplesPerLabel: l.train.labelCounts(),
		TestSamplesPerLabel:  l.test.labelCounts(),
	}
}

func (l *Logistic) split(validation float64) (Dataset, Dataset) {
	n := l.train.Len()
	nVal := int(math.Floor(validation * float64(n)))
	cut := n - nVal
	return Dataset{X: l.train.X[:cut], Y: l.train.Y[:cut]}, Dataset{X: l.train.X[cut:], Y: l.train.Y[cut:]}
}

// gradient writes into g the mean cross-entropy gradient over d[start:end].
func (l *Logistic) gradient(g tensor.Collection, d Dataset, start, end int) {
	for _, t := range g {
		for i := range t.Data {
			t.Data[i] = 0
		}
	}
	gw, gb := g[0].Data, g[1].Data
	inv := 1 / float64(end-start)
	p := make([]float64, l.classes)
	for i := start; i < end; i++ {
		l.probabilities(l.w, d.X[i], p)
		p[d.Y[i]]--
		for j, x := range d.X[i] {
			row := gw[j*l.classes : (j+1)*l.classes]
			for k := range row {
				row[k] += inv * x * p[k]
			}
		}
		for k := range gb {
			gb[k] += inv * p[k]
		}
	}
}

// score returns the mean cross-entropy and the accuracy of w on d.
func (l *Logistic) score(w tensor.Collection, d Dataset) (float64, float64) {
	if d.Len() == 0 {
		return 0, 0
	}
	p := make([]float64, l.classes)
	var loss float64
	correct := 0
	for i, x := range d.X {
		l.probabilities(w, x, p)
		loss -= math.Log(math.Max(p[d.Y[i]], 1e-12))
		best := 0
		for k := range p {
			if p[k] > p[best] {
				best = k
			}
		}
		if best == d.Y[i] {
			correct++
		}
	}
	n := float64(d.Len())
	return loss / n, float64(correct) / n
}

// probabilities writes softmax(x·W + b) into p.
func (l *Logistic) probabilities(w tensor.Collection, x []float64, p []float64) {
	W, b := w[0].Data, w[1].Data
	top := math.Inf(-1)
	for k := 0; k < l.classes; k++ {
		z := b[k]
		for j, xj := range x {
			z += xj * W[j*l.classes+k]
		}
		p[k] = z
		if z > top {
			top = z
		}
	}
	var sum float64
	for k := range p {
		p[k] = math.Exp(p[k] - top)
		sum += p[k]
	}
	for k := range p {
		p[k] /= sum
	}
}

// HeldOut evaluates global weights on a fixed dataset. It is the model of the
// coordinator.
type HeldOut struct {
	model *Logistic
}

// NewHeldOut returns a held-out evaluator for a model of the given size.
func NewHeldOut(features, classes int, test Dataset) (*HeldOut, error) {
	m, err := NewLogistic(features, classes, Dataset{}, test)
	if err != nil {
		return nil, err
	}
	return &HeldOut{model: m}, nil
}

func (h *HeldOut) InitialWeights() tensor.Collection {
	return h.model.InitialWeights()
}

// Evaluate never modifies its input, so equal weights give equal scores.
func (h *HeldOut) Evaluate(ctx context.Context, w tensor.Collection) (float64, float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, 0, err
	}
	if err := h.model.InitialWeights().CheckShape(w); err != nil {
		return 0, 0, err
	}
	if h.model.test.Len() == 0 {
		return 0, 0, errors.New("no held-out data")
	}
	loss, acc := h.model.score(w, h.model.test)
	return loss, acc, nil
}
