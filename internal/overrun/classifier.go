package overrun

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"sort"
	"strings"
)

// Risk levels attached to a prediction.
const (
	LevelHigh   = "HIGH"
	LevelMedium = "MEDIUM"
	LevelLow    = "LOW"
)

// Scaler holds per-feature standardization parameters fitted at training
// time. A zero or missing std disables scaling for that feature rather than
// dividing by zero.
type Scaler struct {
	Mean map[string]float64 `json:"mean"`
	Std  map[string]float64 `json:"std"`
}

// Artifact is the serialized form of a trained logistic classifier.
type Artifact struct {
	Version      string             `json:"version"`
	Target       string             `json:"target"`
	FeatureNames []string           `json:"feature_names"`
	Weights      map[string]float64 `json:"weights"`
	Bias         float64            `json:"bias"`
	Scaler       Scaler             `json:"scaler"`
}

// Prediction is one overrun-risk call.
type Prediction struct {
	Probability    float64 `json:"probability"`
	WillOverrun    bool    `json:"will_overrun"`
	Level          string  `json:"level"`
	Confidence     float64 `json:"confidence"`
	Recommendation string  `json:"recommendation"`
	ModelVersion   string  `json:"model_version"`
}

// Classifier scores a telemetry row against one pre-trained logistic model.
// Inputs are standardized with the training-time scaler before the linear
// term is applied.
type Classifier struct {
	version      string
	target       string
	featureNames []string
	weights      []float64
	bias         float64
	means        []float64
	stds         []float64
}

// NewClassifier validates an artifact and builds a scorer aligned to its
// feature order.
func NewClassifier(a Artifact) (*Classifier, error) {
	if a.Version == "" {
		return nil, fmt.Errorf("overrun: artifact missing version")
	}
	if len(a.FeatureNames) == 0 {
		return nil, fmt.Errorf("overrun: artifact %s has no features", a.Version)
	}

	c := &Classifier{
		version:      a.Version,
		target:       a.Target,
		featureNames: append([]string(nil), a.FeatureNames...),
		weights:      make([]float64, len(a.FeatureNames)),
		means:        make([]float64, len(a.FeatureNames)),
		stds:         make([]float64, len(a.FeatureNames)),
	}
	for i, name := range a.FeatureNames {
		w, ok := a.Weights[name]
		if !ok {
			return nil, fmt.Errorf("overrun: artifact %s missing weight for %s", a.Version, name)
		}
		c.weights[i] = w
		c.means[i] = a.Scaler.Mean[name]
		std := a.Scaler.Std[name]
		if std <= 0 {
			std = 1
		}
		c.stds[i] = std
	}
	c.bias = a.Bias
	return c, nil
}

// LoadClassifier reads a classifier artifact from disk.
func LoadClassifier(path string) (*Classifier, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("overrun: read artifact: %w", err)
	}
	var a Artifact
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("overrun: parse artifact: %w", err)
	}
	return NewClassifier(a)
}

// Version reports the model version.
func (c *Classifier) Version() string { return c.version }

// FeatureNames reports the model's required input features.
func (c *Classifier) FeatureNames() []string {
	return append([]string(nil), c.featureNames...)
}

// ValidateFeatures checks a row against the model's feature list. Missing
// features are an error naming every absent feature; extra features are
// ignored and counted.
func (c *Classifier) ValidateFeatures(row map[string]float64) (extra int, err error) {
	var missing []string
	for _, name := range c.featureNames {
		if _, ok := row[name]; !ok {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return 0, fmt.Errorf("overrun: missing features: %s", strings.Join(missing, ", "))
	}

	known := make(map[string]struct{}, len(c.featureNames))
	for _, name := range c.featureNames {
		known[name] = struct{}{}
	}
	for name := range row {
		if _, ok := known[name]; !ok {
			extra++
		}
	}
	return extra, nil
}

// Predict scores one row. NaN or Inf inputs are rejected.
func (c *Classifier) Predict(row map[string]float64) (Prediction, error) {
	if _, err := c.ValidateFeatures(row); err != nil {
		return Prediction{}, err
	}

	z := c.bias
	for i, name := range c.featureNames {
		x := row[name]
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return Prediction{}, fmt.Errorf("overrun: feature %s is not finite", name)
		}
		z += c.weights[i] * (x - c.means[i]) / c.stds[i]
	}

	p := sigmoid(z)
	return Prediction{
		Probability:    p,
		WillOverrun:    p >= 0.5,
		Level:          levelFor(p, 0.8, 0.6),
		Confidence:     math.Abs(2*p - 1),
		Recommendation: recommendationFor(c.target, levelFor(p, 0.8, 0.6)),
		ModelVersion:   c.version,
	}, nil
}

func sigmoid(z float64) float64 {
	return 1 / (1 + math.Exp(-z))
}

func levelFor(p, high, medium float64) string {
	switch {
	case p >= high:
		return LevelHigh
	case p >= medium:
		return LevelMedium
	default:
		return LevelLow
	}
}

func recommendationFor(target, level string) string {
	switch level {
	case LevelHigh:
		return fmt.Sprintf("immediate review: %s overrun likely, escalate to project lead", target)
	case LevelMedium:
		return fmt.Sprintf("monitor: elevated %s overrun risk, review plan at next standup", target)
	default:
		return "routine monitoring"
	}
}
