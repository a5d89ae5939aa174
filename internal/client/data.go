package client

import (
	"math/rand"
)

// Synthetic generates a labelled dataset of n samples drawn from one gaussian
// blob per class. The blobs only depend on task, so every client sharing it
// learns the same problem from its own samples; skew moves the label
// distribution towards class 0.
func Synthetic(task, seed int64, n, features, classes int, skew float64) Dataset {
	centers := rand.New(rand.NewSource(task))
	mu := make([][]float64, classes)
	for k := range mu {
		mu[k] = make([]float64, features)
		for j := range mu[k] {
			mu[k][j] = 3 * centers.NormFloat64()
		}
	}

	rng := rand.New(rand.NewSource(seed))
	d := Dataset{X: make([][]float64, n), Y: make([]int, n)}
	for i := 0; i < n; i++ {
		y := rng.Intn(classes)
		if rng.Float64() < skew {
			y = 0
		}
		x := make([]float64, features)
		for j := range x {
			x[j] = mu[y][j] + rng.NormFloat64()
		}
		d.X[i], d.Y[i] = x, y
	}
	return d
}

// Split cuts d into the first share and the rest.
func (d Dataset) Split(share float64) (Dataset, Dataset) {
	cut := int(share * float64(d.Len()))
	return Dataset{X: d.X[:cut], Y: d.Y[:cut]}, Dataset{X: d.X[cut:], Y: d.Y[cut:]}
}
