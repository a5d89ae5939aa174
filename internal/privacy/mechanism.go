// Package privacy implements the differential privacy side of fedavg:
// clipping and Gaussian noising of client updates, a Rényi DP accountant and
// the per client privacy ledger.
package privacy

import (
	"encoding/binary"
	"errors"
	"io"
	"math"

	"github.com/medfl/fedavg/internal/entropy"
	"github.com/medfl/fedavg/internal/tensor"
)

// clipEpsilon keeps the clipping factor finite for all-zero tensors.
const clipEpsilon = 1e-6

// Clip scales every tensor t of c by min(1, clipNorm/(‖t‖₂+1e-6)) in place.
func Clip(c tensor.Collection, clipNorm float64) {
	for _, t := range c {
		f := math.Min(1, clipNorm/(t.Norm()+clipEpsilon))
		for i := range t.Data {
			t.Data[i] *= f
		}
	}
}

// Mechanism is the Gaussian mechanism applied to client updates.
type Mechanism struct {
	ClipNorm        float64
	NoiseMultiplier float64
	// Rand is the noise source. Nil means crypto/rand; tests inject a
	// deterministic reader.
	Rand io.Reader
}

// StdDev is the standard deviation of the added noise.
func (m *Mechanism) StdDev() float64 {
	return m.NoiseMultiplier * m.ClipNorm
}

// Privatize returns a clipped and noised copy of c.
func (m *Mechanism) Privatize(c tensor.Collection) (tensor.Collection, error) {
	if m.ClipNorm <= 0 {
		return nil, errors.New("clip norm must be positive")
	}
	if m.NoiseMultiplier < 0 {
		return nil, errors.New("noise multiplier must not be negative")
	}
	out := c.Clone()
	Clip(out, m.ClipNorm)

	std := m.StdDev()
	if std == 0 {
		return out, nil
	}
	g := &gaussian{r: entropy.NewReader(m.Rand)}
	for _, t := range out {
		for i := range t.Data {
			z, err := g.next()
			if err != nil {
				return nil, err
			}
			t.Data[i] += std * z
		}
	}
	return out, nil
}

// gaussian draws standard normal values with the Box-Muller transform.
type gaussian struct {
	r     io.Reader
	buf   [16]byte
	spare float64
	ok    bool
}

func (g *gaussian) next() (float64, error) {
	if g.ok {
		g.ok = false
		return g.spare, nil
	}
	if _, err := io.ReadFull(g.r, g.buf[:]); err != nil {
		return 0, err
	}
	u1 := unitOpen(binary.LittleEndian.Uint64(g.buf[:8]))
	u2 := unitOpen(binary.LittleEndian.Uint64(g.buf[8:]))
	r := math.Sqrt(-2 * math.Log(u1))
	g.spare, g.ok = r*math.Sin(2*math.Pi*u2), true
	return r * math.Cos(2*math.Pi*u2), nil
}

// unitOpen maps 53 random bits to (0, 1).
func unitOpen(x uint64) float64 {
	return (float64(x>>11) + 0.5) / (1 << 53)
}
