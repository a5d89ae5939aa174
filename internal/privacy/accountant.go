package privacy

import (
	"math"
)

// Orders are the Rényi orders the accountant optimises over.
var Orders = func() []int {
	o := make([]int, 0, 66)
	for a := 2; a <= 64; a++ {
		o = append(o, a)
	}
	return append(o, 128, 256)
}()

// Params describe one client's local training under DP-SGD.
type Params struct {
	NumExamples     int
	BatchSize       int
	Epochs          int
	NoiseMultiplier float64
	Delta           float64
}

// Steps is the number of noisy gradient steps, epochs*ceil(n/batch) with the
// batch capped at n: every epoch takes at least one step.
func (p Params) Steps() int {
	if p.NumExamples <= 0 || p.BatchSize <= 0 || p.Epochs <= 0 {
		return 0
	}
	batch := p.BatchSize
	if batch > p.NumExamples {
		batch = p.NumExamples
	}
	perEpoch := (p.NumExamples + batch - 1) / batch
	return p.Epochs * perEpoch
}

// SamplingRate is batch/n, capped at 1.
func (p Params) SamplingRate() float64 {
	if p.NumExamples <= 0 {
		return 0
	}
	return math.Min(1, float64(p.BatchSize)/float64(p.NumExamples))
}

// Epsilon returns the (ε, δ) guarantee of p using Rényi DP of the sampled
// Gaussian mechanism composed over all steps. A zero noise multiplier gives
// +Inf.
func Epsilon(p Params) float64 {
	steps := p.Steps()
	q := p.SamplingRate()
	if steps == 0 || q == 0 {
		return 0
	}
	if p.NoiseMultiplier <= 0 || p.Delta <= 0 || p.Delta >= 1 {
		return math.Inf(1)
	}

	best := math.Inf(1)
	logInvDelta := math.Log(1 / p.Delta)
	for _, a := range Orders {
		eps := float64(steps)*RDP(q, p.NoiseMultiplier, a) + logInvDelta/float64(a-1)
		if eps < best {
			best = eps
		}
	}
	return best
}

// RDP returns the Rényi divergence of order alpha of one step of the Gaussian
// mechanism with noise multiplier sigma under Poisson sampling with rate q.
func RDP(q, sigma float64, alpha int) float64 {
	if q == 0 {
		return 0
	}
	a := float64(alpha)
	if q >= 1 {
		return a / (2 * sigma * sigma)
	}

	logQ, log1mQ := math.Log(q), math.Log1p(-q)
	terms := make([]float64, 0, alpha+1)
	for k := 0; k <= alpha; k++ {
		kf := float64(k)
		terms = append(terms, logBinom(alpha, k)+
			(a-kf)*log1mQ+kf*logQ+
			(kf*kf-kf)/(2*sigma*sigma))
	}
	return logSumExp(terms) / (a - 1)
}

func logBinom(n, k int) float64 {
	ln, _ := math.Lgamma(float64(n + 1))
	lk, _ := math.Lgamma(float64(k + 1))
	lnk, _ := math.Lgamma(float64(n - k + 1))
	return ln - lk - lnk
}

func logSumExp(xs []float64) float64 {
	m := math.Inf(-1)
	for _, x := range xs {
		if x > m {
			m = x
		}
	}
	if math.IsInf(m, 0) {
		return m
	}
	var s float64
	for _, x := range xs {
		s += math.Exp(x - m)
	}
	return m + math.Log(s)
}
