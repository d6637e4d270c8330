package quantile

import (
	"errors"
	"fmt"
	"testing"

	"github.com/groundline/sitewise/internal/snapshot"
)

// stubModel returns a fixed value or error for every vector.
type stubModel struct {
	value   float64
	err     error
	version string
}

func (s *stubModel) Predict(vector []float64) (float64, error) { return s.value, s.err }
func (s *stubModel) Version() string                           { return s.version }

func schemaVector(overrides map[string]float64) []float64 {
	row := map[string]float64{
		"worker_count":               40,
		"equipment_utilization_rate": 0.6,
		"material_usage":             120,
		"vibration_level":            22,
		"temperature":                28,
		"humidity":                   65,
		"task_progress":              47,
		"energy_consumption":         310,
		"risk_score":                 0.4,
		"safety_incidents":           0,
	}
	for k, v := range overrides {
		row[k] = v
	}
	vec := make([]float64, len(snapshot.Schema()))
	for i, name := range snapshot.Schema() {
		vec[i] = row[name]
	}
	return vec
}

func TestScoreMonotoneOutputsPassThrough(t *testing.T) {
	e, err := NewEnsemble(
		&stubModel{value: -0.02, version: "a"},
		&stubModel{value: 0.01, version: "b"},
		&stubModel{value: 0.05, version: "c"},
	)
	if err != nil {
		t.Fatalf("NewEnsemble failed: %v", err)
	}

	pred, err := e.Score(schemaVector(nil))
	if err != nil {
		t.Fatalf("Score failed: %v", err)
	}

	if pred.P10 != -0.02 || pred.P50 != 0.01 || pred.P90 != 0.05 {
		t.Errorf("prediction = %+v", pred)
	}
	if pred.Reordered {
		t.Error("monotone outputs flagged as reordered")
	}
	if pred.ModelVersion != "a/b/c" {
		t.Errorf("ModelVersion = %s", pred.ModelVersion)
	}
}

func TestScoreRestoresMonotonicity(t *testing.T) {
	tests := []struct {
		name          string
		p10, p50, p90 float64
	}{
		{"p10 above p50", 0.04, 0.01, 0.05},
		{"p50 above p90", -0.02, 0.08, 0.05},
		{"fully inverted", 0.05, 0.01, -0.02},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, _ := NewEnsemble(
				&stubModel{value: tt.p10, version: "a"},
				&stubModel{value: tt.p50, version: "b"},
				&stubModel{value: tt.p90, version: "c"},
			)

			pred, err := e.Score(schemaVector(nil))
			if err != nil {
				t.Fatalf("Score failed: %v", err)
			}

			if !pred.Reordered {
				t.Error("violated ordering not flagged")
			}
			if pred.P10 > pred.P50 || pred.P50 > pred.P90 {
				t.Errorf("ordering not restored: %+v", pred)
			}
		})
	}
}

func TestScoreNoPartialResultsOnModelFailure(t *testing.T) {
	e, _ := NewEnsemble(
		&stubModel{value: -0.02, version: "a"},
		&stubModel{err: fmt.Errorf("scoring blew up"), version: "b"},
		&stubModel{value: 0.05, version: "c"},
	)

	_, err := e.Score(schemaVector(nil))
	if err == nil {
		t.Fatal("expected ModelUnavailable when one model fails")
	}

	var unavailable *ModelUnavailableError
	if !errors.As(err, &unavailable) {
		t.Fatalf("error type = %T, want *ModelUnavailableError", err)
	}
	if unavailable.Quantile != 0.50 {
		t.Errorf("Quantile = %v, want 0.50", unavailable.Quantile)
	}
}

func TestNewEnsembleRequiresAllModels(t *testing.T) {
	if _, err := NewEnsemble(&stubModel{}, nil, &stubModel{}); err == nil {
		t.Error("expected error for missing model")
	}
}

func TestDefaultEnsembleOrderingInvariant(t *testing.T) {
	e := DefaultEnsemble()

	scenarios := []map[string]float64{
		nil,
		{"worker_count": 5, "equipment_utilization_rate": 0.1},
		{"worker_count": 200, "equipment_utilization_rate": 1.0},
		{"risk_score": 0.95, "safety_incidents": 4},
		{"task_progress": 99, "material_usage": 10},
	}

	for i, overrides := range scenarios {
		pred, err := e.Score(schemaVector(overrides))
		if err != nil {
			t.Fatalf("scenario %d: Score failed: %v", i, err)
		}
		if pred.P10 > pred.P50 || pred.P50 > pred.P90 {
			t.Errorf("scenario %d: ordering violated after ensemble step: %+v", i, pred)
		}
	}
}

func TestPredictVectorLengthMismatch(t *testing.T) {
	e := DefaultEnsemble()
	if _, err := e.Score([]float64{1, 2, 3}); err == nil {
		t.Error("expected error for short vector")
	}
}

func TestArtifactChecksumRoundTrip(t *testing.T) {
	a := Artifact{
		Version:        "pd-q50-test",
		Quantile:       0.5,
		BasePrediction: 0.01,
		LearningRate:   0.1,
		NumFeatures:    len(snapshot.Schema()),
		Trees:          []Stump{{FeatureIndex: 0, Threshold: 25, LeftValue: -0.1, RightValue: 0.1}},
	}
	if err := a.Seal(); err != nil {
		t.Fatalf("Seal failed: %v", err)
	}

	if _, err := BuildModel(&a); err != nil {
		t.Fatalf("BuildModel rejected sealed artifact: %v", err)
	}

	// Tampering after sealing must fail the load
	a.BasePrediction = 0.5
	if _, err := BuildModel(&a); err == nil {
		t.Error("expected checksum mismatch for tampered artifact")
	}
}
