package core

import (
	"errors"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/medfl/fedavg/common/log"
	"github.com/medfl/fedavg/internal/secagg"
	"github.com/medfl/fedavg/internal/verify"
)

const (
	DefaultFractionFit      = 0.7
	DefaultRoundTimeout     = 10 * time.Minute
	DefaultMaxRetries       = 2
	DefaultDropoutThreshold = 0.5
)

// FitParams is the local training configuration sent to clients.
type FitParams struct {
	BatchSize       int     `json:"batch_size"`
	LocalEpochs     int     `json:"local_epochs"`
	LearningRate    float64 `json:"learning_rate"`
	ValidationSplit float64 `json:"validation_split"`
}

// DefaultFitParams are the hyperparameters used when none are configured.
func DefaultFitParams() FitParams {
	return FitParams{BatchSize: 128, LocalEpochs: 3, LearningRate: 0.001, ValidationSplit: 0.2}
}

// PrivacyParams configures client side DP and the budget enforced by the
// coordinator.
type PrivacyParams struct {
	Enabled         bool    `json:"enabled"`
	ClipNorm        float64 `json:"clip_norm"`
	NoiseMultiplier float64 `json:"noise_multiplier"`
	Delta           float64 `json:"delta"`
	TargetEpsilon   float64 `json:"target_epsilon"`
}

func DefaultPrivacyParams() PrivacyParams {
	return PrivacyParams{ClipNorm: 1.0, NoiseMultiplier: 1.1, Delta: 1e-5, TargetEpsilon: 10}
}

// ConfigOption is a function that applies a specific setting to a Config.
type ConfigOption func(*Config)

// Config holds the parameters of one run. It is built once and never mutated
// afterwards.
type Config struct {
	mode             Mode
	fit              FitParams
	fractionFit      float64
	privacy          PrivacyParams
	secureAgg        bool
	rotation         secagg.Rotation
	dropoutThreshold float64
	dropoutRecovery  bool
	roundTimeout     time.Duration
	maxRetries       int
	federatedEval    bool
	verifyMaxAge     time.Duration
	clock            clockwork.Clock
	logger           log.Logger
}

// NewConfig returns the default configuration updated with opts.
func NewConfig(opts ...ConfigOption) *Config {
	c := &Config{
		mode:             NewMode(Initial),
		fit:              DefaultFitParams(),
		fractionFit:      DefaultFractionFit,
		privacy:          DefaultPrivacyParams(),
		secureAgg:        true,
		dropoutThreshold: DefaultDropoutThreshold,
		dropoutRecovery:  true,
		roundTimeout:     DefaultRoundTimeout,
		maxRetries:       DefaultMaxRetries,
		verifyMaxAge:     verify.DefaultMaxAge,
		clock:            clockwork.NewRealClock(),
		logger:           log.DefaultLogger(),
	}
	for i := range opts {
		opts[i](c)
	}
	return c
}

// Validate checks the configuration as a whole.
func (c *Config) Validate() error {
	if err := c.mode.Validate(); err != nil {
		return err
	}
	f := c.fit
	switch {
	case f.BatchSize <= 0:
		return errors.New("batch size must be positive")
	case f.LocalEpochs <= 0:
		return errors.New("local epochs must be positive")
	case f.LearningRate <= 0:
		return errors.New("learning rate must be positive")
	case f.ValidationSplit < 0 || f.ValidationSplit >= 1:
		return fmt.Errorf("validation split must be in [0, 1), got %f", f.ValidationSplit)
	case c.fractionFit <= 0 || c.fractionFit > 1:
		return fmt.Errorf("fraction fit must be in (0, 1], got %f", c.fractionFit)
	case c.dropoutThreshold < 0 || c.dropoutThreshold > 1:
		return fmt.Errorf("dropout threshold must be in [0, 1], got %f", c.dropoutThreshold)
	case c.roundTimeout <= 0:
		return errors.New("round timeout must be positive")
	case c.maxRetries < 0:
		return errors.New("max retries must not be negative")
	}
	p := c.privacy
	if p.Enabled {
		switch {
		case p.ClipNorm <= 0:
			return errors.New("clip norm must be positive")
		case p.NoiseMultiplier < 0:
			return errors.New("noise multiplier must not be negative")
		case p.Delta <= 0 || p.Delta >= 1:
			return fmt.Errorf("delta must be in (0, 1), got %g", p.Delta)
		}
	}
	if p.TargetEpsilon <= 0 {
		return errors.New("target epsilon must be positive")
	}
	return nil
}

func (c *Config) Mode() Mode                  { return c.mode }
func (c *Config) Fit() FitParams              { return c.fit }
func (c *Config) FractionFit() float64        { return c.fractionFit }
func (c *Config) Privacy() PrivacyParams      { return c.privacy }
func (c *Config) SecureAggregation() bool     { return c.secureAgg }
func (c *Config) Rotation() secagg.Rotation   { return c.rotation }
func (c *Config) DropoutThreshold() float64   { return c.dropoutThreshold }
func (c *Config) DropoutRecovery() bool       { return c.dropoutRecovery }
func (c *Config) RoundTimeout() time.Duration { return c.roundTimeout }
func (c *Config) MaxRetries() int             { return c.maxRetries }
func (c *Config) FederatedEvaluation() bool   { return c.federatedEval }
func (c *Config) VerificationMaxAge() time.Duration {
	return c.verifyMaxAge
}
func (c *Config) Clock() clockwork.Clock { return c.clock }
func (c *Config) Logger() log.Logger     { return c.logger }

// WithMode sets the run kind and its phase.
func WithMode(m Mode) ConfigOption {
	return func(c *Config) {
		c.mode = m
	}
}

func WithFitParams(f FitParams) ConfigOption {
	return func(c *Config) {
		c.fit = f
	}
}

// WithFractionFit sets the share of eligible clients solicited each round.
func WithFractionFit(f float64) ConfigOption {
	return func(c *Config) {
		c.fractionFit = f
	}
}

func WithPrivacy(p PrivacyParams) ConfigOption {
	return func(c *Config) {
		c.privacy = p
	}
}

// WithSecureAggregation enables pairwise masking, rotating keys every
// interval rounds. A zero interval never rotates.
func WithSecureAggregation(enabled bool, interval uint64) ConfigOption {
	return func(c *Config) {
		c.secureAgg = enabled
		c.rotation = secagg.Rotation{Interval: interval}
	}
}

// WithDropoutPolicy sets the tolerated dropout rate and whether a round above
// it proceeds over the reduced set.
func WithDropoutPolicy(threshold float64, recovery bool) ConfigOption {
	return func(c *Config) {
		c.dropoutThreshold = threshold
		c.dropoutRecovery = recovery
	}
}

func WithRoundTimeout(d time.Duration) ConfigOption {
	return func(c *Config) {
		c.roundTimeout = d
	}
}

// WithMaxRetries sets how many times a round failing with a recoverable error
// is solicited again.
func WithMaxRetries(n int) ConfigOption {
	return func(c *Config) {
		c.maxRetries = n
	}
}

func WithFederatedEvaluation(enabled bool) ConfigOption {
	return func(c *Config) {
		c.federatedEval = enabled
	}
}

func WithVerificationMaxAge(d time.Duration) ConfigOption {
	return func(c *Config) {
		c.verifyMaxAge = d
	}
}

// WithClock sets the clock used for timestamps, timeouts and expiry.
func WithClock(clock clockwork.Clock) ConfigOption {
	return func(c *Config) {
		c.clock = clock
	}
}

func WithLogger(l log.Logger) ConfigOption {
	return func(c *Config) {
		c.logger = l
	}
}
