package core

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestConfigDefaults(t *testing.T) {
	c := NewConfig()
	require.NoError(t, c.Validate())
	require.Equal(t, Initial, c.Mode().Kind)
	require.Equal(t, Phase{MinClients: 2, MaxClients: 2, Rounds: 3}, c.Mode().Phase)
	require.Equal(t, DefaultFitParams(), c.Fit())
	require.True(t, c.SecureAggregation())
	require.True(t, c.DropoutRecovery())
	require.False(t, c.Privacy().Enabled)
	require.Equal(t, DefaultRoundTimeout, c.RoundTimeout())
	require.Equal(t, Phase{MinClients: 3, MaxClients: 3, Rounds: 3}, NewMode(Additional).Phase)
}

func TestConfigValidate(t *testing.T) {
	dp := DefaultPrivacyParams()
	dp.Enabled = true
	dp.Delta = 0

	tests := []struct {
		name string
		opt  ConfigOption
	}{
		{"no min clients", mode(Initial, phase(0, 2, 3))},
		{"max below min", mode(Initial, phase(3, 2, 3))},
		{"no rounds", mode(Initial, phase(2, 2, 0))},
		{"fraction", WithFractionFit(0)},
		{"fraction above one", WithFractionFit(1.5)},
		{"threshold", WithDropoutPolicy(2, true)},
		{"timeout", WithRoundTimeout(0)},
		{"retries", WithMaxRetries(-1)},
		{"batch", WithFitParams(FitParams{LocalEpochs: 1, LearningRate: 0.1})},
		{"delta", WithPrivacy(dp)},
	}
	for _, tt := range tests {
		require.Error(t, NewConfig(tt.opt).Validate(), tt.name)
	}
	require.NoError(t, NewConfig(WithMode(NewMode(TestOnly))).Validate())
}

func TestParseKind(t *testing.T) {
	for _, k := range []Kind{Initial, Additional, TestOnly} {
		got, err := ParseKind(k.String())
		require.NoError(t, err)
		require.Equal(t, k, got)
	}
	got, err := ParseKind("test_only")
	require.NoError(t, err)
	require.Equal(t, TestOnly, got)
	_, err = ParseKind("train")
	require.Error(t, err)
	require.Panics(t, func() { _ = Kind(9).String() })
}

const sampleConfig = `
mode = "additional"
rounds = 5
max_clients = 4
round_timeout = "90s"
max_retries = 0

[training]
batch_size = 32
fraction_fit = 0.5

[privacy]
enabled = true
target_epsilon = 3.0

[secure_aggregation]
rotation_interval = 2

[dropout]
threshold = 0.3
disable_recovery = true
`

func TestConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.toml")
	require.NoError(t, os.WriteFile(path, []byte(sampleConfig), 0o600))

	f, err := LoadConfigFile(path)
	require.NoError(t, err)
	opts, err := f.Options()
	require.NoError(t, err)
	c := NewConfig(opts...)
	require.NoError(t, c.Validate())

	require.Equal(t, Mode{Kind: Additional, Phase: Phase{MinClients: 3, MaxClients: 4, Rounds: 5}}, c.Mode())
	require.Equal(t, 32, c.Fit().BatchSize)
	require.Equal(t, 3, c.Fit().LocalEpochs)
	require.Equal(t, 0.5, c.FractionFit())
	require.True(t, c.Privacy().Enabled)
	require.Equal(t, 3.0, c.Privacy().TargetEpsilon)
	require.Equal(t, 1.1, c.Privacy().NoiseMultiplier)
	require.True(t, c.SecureAggregation())
	require.Equal(t, uint64(2), c.Rotation().Interval)
	require.Equal(t, 0.3, c.DropoutThreshold())
	require.False(t, c.DropoutRecovery())
	require.Equal(t, 90*time.Second, c.RoundTimeout())
	require.Zero(t, c.MaxRetries())

	f.Mode = "everything"
	_, err = f.Options()
	require.Error(t, err)

	_, err = LoadConfigFile(filepath.Join(t.TempDir(), "missing.toml"))
	require.Error(t, err)
}

func TestStatusString(t *testing.T) {
	require.Equal(t, "awaiting_clients", AwaitingClients.String())
	require.Equal(t, "failed", Failed.String())
	require.Panics(t, func() { _ = Status(42).String() })
	require.EqualError(t, InvalidStateChange(Done, Aggregating), "invalid run transition from done to aggregating")
}
