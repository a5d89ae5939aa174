// Package protocol defines the messages exchanged between the coordinator and
// the clients of a round, and the Participant interface the coordinator
// drives. It is transport agnostic: clients can be in process or remote.
package protocol

import (
	"context"

	"github.com/medfl/fedavg/internal/crypto"
	"github.com/medfl/fedavg/internal/tensor"
)

// Participant is the coordinator's handle on one client.
type Participant interface {
	Info(ctx context.Context) (*Info, error)
	Prove(ctx context.Context, req *ChallengeRequest) (*ChallengeResponse, error)
	Fit(ctx context.Context, req *FitRequest) (*FitResponse, error)
	Reveal(ctx context.Context, req *RevealRequest) (*RevealResponse, error)
	Evaluate(ctx context.Context, req *EvalRequest) (*EvalResponse, error)
}

// Info identifies a client.
type Info struct {
	ID        string   `json:"id"`
	PublicKey []byte   `json:"public_key"`
	Labels    []string `json:"labels,omitempty"`
}

type ChallengeRequest struct {
	Nonce []byte `json:"nonce"`
}

type ChallengeResponse struct {
	ClientID  string `json:"client_id"`
	Signature []byte `json:"signature"`
}

// PeerKey is the public key of another participant of the round.
type PeerKey struct {
	ID        string `json:"id"`
	PublicKey []byte `json:"public_key"`
}

// PrivacyConfig tells clients how to privatise their update.
type PrivacyConfig struct {
	ClipNorm        float64 `json:"clip_norm"`
	NoiseMultiplier float64 `json:"noise_multiplier"`
	Delta           float64 `json:"delta"`
}

// FitConfig is the per round training configuration sent with the weights.
type FitConfig struct {
	Mode            string  `json:"mode"`
	Round           uint64  `json:"round"`
	BatchSize       int     `json:"batch_size"`
	LocalEpochs     int     `json:"local_epochs"`
	LearningRate    float64 `json:"learning_rate"`
	ValidationSplit float64 `json:"validation_split"`

	// Privacy is nil when differential privacy is disabled.
	Privacy *PrivacyConfig `json:"privacy,omitempty"`

	// SecureAggregation asks the client to return NumExamples*weights masked
	// against Peers, with seeds scoped to Epoch.
	SecureAggregation bool      `json:"secure_aggregation"`
	Epoch             uint64    `json:"epoch"`
	Peers             []PeerKey `json:"peers,omitempty"`
	CoordinatorKey    []byte    `json:"coordinator_key,omitempty"`
}

type FitRequest struct {
	Weights tensor.Collection `json:"weights"`
	Config  FitConfig         `json:"config"`
}

// FitResponse carries either plain weights or, with secure aggregation, the
// masked product NumExamples*weights.
type FitResponse struct {
	ClientID    string             `json:"client_id"`
	Weights     tensor.Collection  `json:"weights"`
	Masked      bool               `json:"masked"`
	NumExamples int                `json:"num_examples"`
	Metrics     map[string]float64 `json:"metrics,omitempty"`
	Epsilon     float64            `json:"epsilon,omitempty"`
	Summary     *DataSummary       `json:"summary,omitempty"`
}

// RevealRequest asks a surviving client for the seeds it shared with dropped
// peers.
type RevealRequest struct {
	Round   uint64   `json:"round"`
	Dropped []string `json:"dropped"`
}

type RevealResponse struct {
	ClientID string                      `json:"client_id"`
	Seeds    map[string]*crypto.Envelope `json:"seeds"`
}

type EvalRequest struct {
	Round   uint64            `json:"round"`
	Weights tensor.Collection `json:"weights"`
}

type EvalResponse struct {
	ClientID    string             `json:"client_id"`
	Loss        float64            `json:"loss"`
	Accuracy    float64            `json:"accuracy"`
	NumExamples int                `json:"num_examples"`
	Metrics     map[string]float64 `json:"metrics,omitempty"`
}

// DataSummary describes the local dataset of a client without revealing it.
type DataSummary struct {
	TrainSamplesPerLabel map[string]int `json:"train_samples_per_label"`
	TestSamplesPerLabel  map[string]int `json:"test_samples_per_label"`
}
