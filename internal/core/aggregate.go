package core

import (
	"fmt"

	"github.com/medfl/fedavg/common"
	"github.com/medfl/fedavg/internal/tensor"
)

// Update is the plain contribution of one client.
type Update struct {
	ClientID    string
	Weights     tensor.Collection
	NumExamples int
}

// WeightedMean returns Σ(w_c·n_c)/Σn_c over updates. All updates must share
// the shape of the first one.
func WeightedMean(updates []Update) (tensor.Collection, error) {
	if len(updates) == 0 {
		return nil, fmt.Errorf("no update to average: %w", common.ErrZeroExamples)
	}
	total := 0
	for _, u := range updates {
		if u.NumExamples < 0 {
			return nil, fmt.Errorf("negative number of examples from %s", u.ClientID)
		}
		total += u.NumExamples
	}
	if total == 0 {
		return nil, common.ErrZeroExamples
	}

	sum := updates[0].Weights.ZerosLike()
	for _, u := range updates {
		if err := sum.AddScaledInPlace(u.Weights, float64(u.NumExamples)); err != nil {
			return nil, fmt.Errorf("update of %s: %w", u.ClientID, err)
		}
	}
	sum.ScaleInPlace(1 / float64(total))
	return sum, nil
}
