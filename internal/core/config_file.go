package core

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
)

// ConfigFile is the TOML representation of a run configuration. Zero values
// keep the defaults.
type ConfigFile struct {
	Mode       string `toml:"mode"`
	MinClients int    `toml:"min_clients"`
	MaxClients int    `toml:"max_clients"`
	Rounds     int    `toml:"rounds"`

	Training struct {
		BatchSize       int     `toml:"batch_size"`
		LocalEpochs     int     `toml:"local_epochs"`
		LearningRate    float64 `toml:"learning_rate"`
		ValidationSplit float64 `toml:"validation_split"`
		FractionFit     float64 `toml:"fraction_fit"`
	} `toml:"training"`

	Privacy struct {
		Enabled         bool    `toml:"enabled"`
		ClipNorm        float64 `toml:"clip_norm"`
		NoiseMultiplier float64 `toml:"noise_multiplier"`
		Delta           float64 `toml:"delta"`
		TargetEpsilon   float64 `toml:"target_epsilon"`
	} `toml:"privacy"`

	SecureAggregation struct {
		Disabled         bool   `toml:"disabled"`
		RotationInterval uint64 `toml:"rotation_interval"`
	} `toml:"secure_aggregation"`

	Dropout struct {
		Threshold       float64 `toml:"threshold"`
		DisableRecovery bool    `toml:"disable_recovery"`
	} `toml:"dropout"`

	RoundTimeout        string `toml:"round_timeout"`
	MaxRetries          *int   `toml:"max_retries"`
	FederatedEvaluation bool   `toml:"federated_evaluation"`
	VerificationMaxAge  string `toml:"verification_max_age"`
}

// LoadConfigFile decodes the TOML file at path.
func LoadConfigFile(path string) (*ConfigFile, error) {
	f := new(ConfigFile)
	if _, err := toml.DecodeFile(path, f); err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	return f, nil
}

// Options turns the file into config options applied over the defaults.
func (f *ConfigFile) Options() ([]ConfigOption, error) {
	var opts []ConfigOption

	kind := Initial
	if f.Mode != "" {
		k, err := ParseKind(f.Mode)
		if err != nil {
			return nil, err
		}
		kind = k
	}
	mode := NewMode(kind)
	if f.MinClients != 0 {
		mode.Phase.MinClients = f.MinClients
	}
	if f.MaxClients != 0 {
		mode.Phase.MaxClients = f.MaxClients
	}
	if f.Rounds != 0 {
		mode.Phase.Rounds = f.Rounds
	}
	opts = append(opts, WithMode(mode))

	fit := DefaultFitParams()
	t := f.Training
	if t.BatchSize != 0 {
		fit.BatchSize = t.BatchSize
	}
	if t.LocalEpochs != 0 {
		fit.LocalEpochs = t.LocalEpochs
	}
	if t.LearningRate != 0 {
		fit.LearningRate = t.LearningRate
	}
	if t.ValidationSplit != 0 {
		fit.ValidationSplit = t.ValidationSplit
	}
	opts = append(opts, WithFitParams(fit))
	if t.FractionFit != 0 {
		opts = append(opts, WithFractionFit(t.FractionFit))
	}

	dp := DefaultPrivacyParams()
	p := f.Privacy
	dp.Enabled = p.Enabled
	if p.ClipNorm != 0 {
		dp.ClipNorm = p.ClipNorm
	}
	if p.NoiseMultiplier != 0 {
		dp.NoiseMultiplier = p.NoiseMultiplier
	}
	if p.Delta != 0 {
		dp.Delta = p.Delta
	}
	if p.TargetEpsilon != 0 {
		dp.TargetEpsilon = p.TargetEpsilon
	}
	opts = append(opts,
		WithPrivacy(dp),
		WithSecureAggregation(!f.SecureAggregation.Disabled, f.SecureAggregation.RotationInterval),
		WithFederatedEvaluation(f.FederatedEvaluation),
	)

	threshold := DefaultDropoutThreshold
	if f.Dropout.Threshold != 0 {
		threshold = f.Dropout.Threshold
	}
	opts = append(opts, WithDropoutPolicy(threshold, !f.Dropout.DisableRecovery))

	if f.RoundTimeout != "" {
		d, err := time.ParseDuration(f.RoundTimeout)
		if err != nil {
			return nil, fmt.Errorf("round_timeout: %w", err)
		}
		opts = append(opts, WithRoundTimeout(d))
	}
	if f.VerificationMaxAge != "" {
		d, err := time.ParseDuration(f.VerificationMaxAge)
		if err != nil {
			return nil, fmt.Errorf("verification_max_age: %w", err)
		}
		opts = append(opts, WithVerificationMaxAge(d))
	}
	if f.MaxRetries != nil {
		opts = append(opts, WithMaxRetries(*f.MaxRetries))
	}
	return opts, nil
}
