package quantile

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"os"

	"github.com/groundline/sitewise/internal/snapshot"
)

// Model is one pre-trained quantile regression model. Models are loaded once
// at process start, are read-only afterwards, and are safe for concurrent
// scoring.
type Model interface {
	// Predict scores one schema-ordered feature vector and returns the
	// predicted progress delta for this model's quantile.
	Predict(vector []float64) (float64, error)

	// Version returns the model artifact version.
	Version() string
}

// Stump is one depth-1 regression tree: a single feature split with constant
// leaf values.
type Stump struct {
	FeatureIndex int     `json:"feature_index"`
	Threshold    float64 `json:"threshold"`
	LeftValue    float64 `json:"left_value"`
	RightValue   float64 `json:"right_value"`
}

// GradientBoostedModel is a gradient-boosted ensemble of regression stumps.
// Prediction is base + learning_rate * sum(stump outputs), the standard
// additive form the offline trainer exports.
type GradientBoostedModel struct {
	version        string
	quantile       float64
	basePrediction float64
	learningRate   float64
	numFeatures    int
	trees          []Stump
}

// Predict scores one feature vector. The vector length must match the
// training schema width.
func (m *GradientBoostedModel) Predict(vector []float64) (float64, error) {
	if len(vector) != m.numFeatures {
		return 0, fmt.Errorf("vector has %d features, model %s expects %d",
			len(vector), m.version, m.numFeatures)
	}

	pred := m.basePrediction
	for _, t := range m.trees {
		if t.FeatureIndex < 0 || t.FeatureIndex >= len(vector) {
			return 0, fmt.Errorf("model %s tree references feature index %d out of range",
				m.version, t.FeatureIndex)
		}
		if vector[t.FeatureIndex] < t.Threshold {
			pred += m.learningRate * t.LeftValue
		} else {
			pred += m.learningRate * t.RightValue
		}
	}

	if math.IsNaN(pred) || math.IsInf(pred, 0) {
		return 0, fmt.Errorf("model %s produced non-finite prediction", m.version)
	}
	return pred, nil
}

// Version returns the artifact version string.
func (m *GradientBoostedModel) Version() string { return m.version }

// Quantile returns the quantile this model was trained for (0.10, 0.50, 0.90).
func (m *GradientBoostedModel) Quantile() float64 { return m.quantile }

// Artifact is the on-disk serialization of a trained quantile model. The
// checksum covers every field except itself; a mismatch at load time means
// the artifact was corrupted or tampered with and the model is unavailable.
type Artifact struct {
	Version        string  `json:"version"`
	Quantile       float64 `json:"quantile"`
	BasePrediction float64 `json:"base_prediction"`
	LearningRate   float64 `json:"learning_rate"`
	NumFeatures    int     `json:"num_features"`
	Trees          []Stump `json:"trees"`
	Checksum       string  `json:"checksum,omitempty"`
}

// ComputeChecksum returns the SHA-256 hex digest of the artifact payload with
// the checksum field cleared.
func (a *Artifact) ComputeChecksum() (string, error) {
	clone := *a
	clone.Checksum = ""
	data, err := json.Marshal(&clone)
	if err != nil {
		return "", fmt.Errorf("failed to marshal artifact for checksum: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// Seal computes and stores the artifact checksum.
func (a *Artifact) Seal() error {
	sum, err := a.ComputeChecksum()
	if err != nil {
		return err
	}
	a.Checksum = sum
	return nil
}

// Validate performs structural validation of the artifact.
func (a *Artifact) Validate() error {
	if a.Version == "" {
		return fmt.Errorf("artifact has no version")
	}
	if a.Quantile <= 0 || a.Quantile >= 1 {
		return fmt.Errorf("artifact quantile %.2f outside (0, 1)", a.Quantile)
	}
	if a.NumFeatures != len(snapshot.Schema()) {
		return fmt.Errorf("artifact expects %d features, schema has %d",
			a.NumFeatures, len(snapshot.Schema()))
	}
	if a.LearningRate <= 0 {
		return fmt.Errorf("artifact learning rate %.4f must be positive", a.LearningRate)
	}
	for i, t := range a.Trees {
		if t.FeatureIndex < 0 || t.FeatureIndex >= a.NumFeatures {
			return fmt.Errorf("tree %d references feature index %d out of range", i, t.FeatureIndex)
		}
	}
	return nil
}

// BuildModel constructs a scoring model from a validated artifact. The
// checksum is verified when present; a mismatch fails with ModelUnavailable.
func BuildModel(a *Artifact) (*GradientBoostedModel, error) {
	if err := a.Validate(); err != nil {
		return nil, &ModelUnavailableError{Quantile: a.Quantile, Err: err}
	}

	if a.Checksum != "" {
		want, err := a.ComputeChecksum()
		if err != nil {
			return nil, &ModelUnavailableError{Quantile: a.Quantile, Err: err}
		}
		if want != a.Checksum {
			return nil, &ModelUnavailableError{
				Quantile: a.Quantile,
				Err:      fmt.Errorf("artifact checksum mismatch: stored %s, computed %s", a.Checksum, want),
			}
		}
	}

	trees := make([]Stump, len(a.Trees))
	copy(trees, a.Trees)

	return &GradientBoostedModel{
		version:        a.Version,
		quantile:       a.Quantile,
		basePrediction: a.BasePrediction,
		learningRate:   a.LearningRate,
		numFeatures:    a.NumFeatures,
		trees:          trees,
	}, nil
}

// LoadModel reads and verifies a model artifact file.
func LoadModel(path string) (*GradientBoostedModel, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &ModelUnavailableError{Err: fmt.Errorf("failed to read artifact %s: %w", path, err)}
	}

	var artifact Artifact
	if err := json.Unmarshal(data, &artifact); err != nil {
		return nil, &ModelUnavailableError{Err: fmt.Errorf("failed to parse artifact %s: %w", path, err)}
	}

	return BuildModel(&artifact)
}
