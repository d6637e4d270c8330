package quantile

import (
	"fmt"
	"sort"

	"github.com/groundline/sitewise/internal/snapshot"
)

// Prediction is the bounded uncertainty interval from scoring one perturbed
// vector against the three quantile models. All three values are progress
// deltas in the same unit. Reordered is set when raw model outputs violated
// p10 ≤ p50 ≤ p90 and were sorted ascending to restore the invariant.
type Prediction struct {
	P10          float64 `json:"p10"`
	P50          float64 `json:"p50"`
	P90          float64 `json:"p90"`
	Reordered    bool    `json:"reordered"`
	ModelVersion string  `json:"model_version"`
}

// ModelUnavailableError reports an artifact load or scoring failure. The
// ensemble never returns partial results: one failing model fails the call.
type ModelUnavailableError struct {
	Quantile float64
	Err      error
}

func (e *ModelUnavailableError) Error() string {
	if e.Quantile > 0 {
		return fmt.Sprintf("quantile model p%02.0f unavailable: %v", e.Quantile*100, e.Err)
	}
	return fmt.Sprintf("quantile model unavailable: %v", e.Err)
}

func (e *ModelUnavailableError) Unwrap() error { return e.Err }

// Ensemble scores one vector against the P10, P50 and P90 models behind a
// single interface. The three models are independently trained; the ensemble
// owns the monotonicity restore.
type Ensemble struct {
	p10, p50, p90 Model
	version       string
}

// NewEnsemble builds an ensemble from three loaded models.
func NewEnsemble(p10, p50, p90 Model) (*Ensemble, error) {
	if p10 == nil || p50 == nil || p90 == nil {
		return nil, &ModelUnavailableError{Err: fmt.Errorf("ensemble requires all three quantile models")}
	}
	return &Ensemble{
		p10:     p10,
		p50:     p50,
		p90:     p90,
		version: fmt.Sprintf("%s/%s/%s", p10.Version(), p50.Version(), p90.Version()),
	}, nil
}

// Version returns the combined model version string.
func (e *Ensemble) Version() string { return e.version }

// Score invokes the three quantile models against one perturbed vector.
// Any model failure fails the whole call with ModelUnavailable; degraded
// handling is the caller's concern. If the raw outputs disagree on ordering
// the three values are sorted ascending and the result is flagged, not
// rejected.
func (e *Ensemble) Score(vector []float64) (Prediction, error) {
	p10, err := e.p10.Predict(vector)
	if err != nil {
		return Prediction{}, &ModelUnavailableError{Quantile: 0.10, Err: err}
	}
	p50, err := e.p50.Predict(vector)
	if err != nil {
		return Prediction{}, &ModelUnavailableError{Quantile: 0.50, Err: err}
	}
	p90, err := e.p90.Predict(vector)
	if err != nil {
		return Prediction{}, &ModelUnavailableError{Quantile: 0.90, Err: err}
	}

	pred := Prediction{P10: p10, P50: p50, P90: p90, ModelVersion: e.version}

	if pred.P10 > pred.P50 || pred.P50 > pred.P90 {
		vals := []float64{pred.P10, pred.P50, pred.P90}
		sort.Float64s(vals)
		pred.P10, pred.P50, pred.P90 = vals[0], vals[1], vals[2]
		pred.Reordered = true
	}

	return pred, nil
}

// DefaultEnsemble returns the bundled pre-trained progress-delta models so a
// deployment can serve without external artifact files. The stumps were
// exported from the offline quantile trainer.
func DefaultEnsemble() *Ensemble {
	n := len(snapshot.Schema())
	idx := func(name string) int {
		i, _ := snapshot.FeatureIndex(name)
		return i
	}

	build := func(a Artifact) Model {
		m, err := BuildModel(&a)
		if err != nil {
			// Bundled artifacts are compiled in; a failure here is a
			// programming error, not a runtime condition.
			panic(err)
		}
		return m
	}

	p10 := build(Artifact{
		Version:        "pd-q10-2026.07",
		Quantile:       0.10,
		BasePrediction: -0.031,
		LearningRate:   0.1,
		NumFeatures:    n,
		Trees: []Stump{
			{FeatureIndex: idx("worker_count"), Threshold: 25, LeftValue: -0.12, RightValue: 0.04},
			{FeatureIndex: idx("equipment_utilization_rate"), Threshold: 0.45, LeftValue: -0.09, RightValue: 0.05},
			{FeatureIndex: idx("risk_score"), Threshold: 0.6, LeftValue: 0.03, RightValue: -0.11},
			{FeatureIndex: idx("safety_incidents"), Threshold: 1, LeftValue: 0.02, RightValue: -0.08},
		},
	})

	p50 := build(Artifact{
		Version:        "pd-q50-2026.07",
		Quantile:       0.50,
		BasePrediction: 0.012,
		LearningRate:   0.1,
		NumFeatures:    n,
		Trees: []Stump{
			{FeatureIndex: idx("worker_count"), Threshold: 25, LeftValue: -0.08, RightValue: 0.06},
			{FeatureIndex: idx("equipment_utilization_rate"), Threshold: 0.45, LeftValue: -0.05, RightValue: 0.07},
			{FeatureIndex: idx("material_usage"), Threshold: 80, LeftValue: -0.04, RightValue: 0.03},
			{FeatureIndex: idx("risk_score"), Threshold: 0.6, LeftValue: 0.02, RightValue: -0.06},
		},
	})

	p90 := build(Artifact{
		Version:        "pd-q90-2026.07",
		Quantile:       0.90,
		BasePrediction: 0.054,
		LearningRate:   0.1,
		NumFeatures:    n,
		Trees: []Stump{
			{FeatureIndex: idx("worker_count"), Threshold: 25, LeftValue: -0.03, RightValue: 0.09},
			{FeatureIndex: idx("equipment_utilization_rate"), Threshold: 0.45, LeftValue: -0.02, RightValue: 0.10},
			{FeatureIndex: idx("material_usage"), Threshold: 80, LeftValue: -0.01, RightValue: 0.05},
			{FeatureIndex: idx("task_progress"), Threshold: 85, LeftValue: 0.04, RightValue: -0.02},
		},
	})

	ensemble, err := NewEnsemble(p10, p50, p90)
	if err != nil {
		panic(err)
	}
	return ensemble
}
