package overrun

import (
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func testArtifact() Artifact {
	return Artifact{
		Version:      "test-1",
		Target:       "time",
		FeatureNames: []string{"a", "b"},
		Weights:      map[string]float64{"a": 1, "b": 1},
		Bias:         0,
		Scaler: Scaler{
			Mean: map[string]float64{"a": 0, "b": 0},
			Std:  map[string]float64{"a": 1, "b": 1},
		},
	}
}

func TestPredictSigmoid(t *testing.T) {
	c, err := NewClassifier(testArtifact())
	if err != nil {
		t.Fatalf("NewClassifier: %v", err)
	}

	pred, err := c.Predict(map[string]float64{"a": 0, "b": 0})
	if err != nil {
		t.Fatalf("Predict: %v", err)
	}
	if math.Abs(pred.Probability-0.5) > 1e-12 {
		t.Errorf("Probability = %v, want 0.5", pred.Probability)
	}
	if !pred.WillOverrun {
		t.Error("p=0.5 should cross the overrun threshold")
	}
	if pred.Level != LevelLow {
		t.Errorf("Level = %s, want LOW", pred.Level)
	}

	pred, err = c.Predict(map[string]float64{"a": 2, "b": 2})
	if err != nil {
		t.Fatalf("Predict: %v", err)
	}
	want := 1 / (1 + math.Exp(-4))
	if math.Abs(pred.Probability-want) > 1e-12 {
		t.Errorf("Probability = %v, want %v", pred.Probability, want)
	}
	if pred.Level != LevelHigh {
		t.Errorf("Level = %s, want HIGH", pred.Level)
	}
	if !strings.Contains(pred.Recommendation, "immediate review") {
		t.Errorf("HIGH recommendation = %q", pred.Recommendation)
	}
	if pred.ModelVersion != "test-1" {
		t.Errorf("ModelVersion = %q", pred.ModelVersion)
	}
}

func TestPredictStandardization(t *testing.T) {
	a := testArtifact()
	a.Scaler.Mean = map[string]float64{"a": 10, "b": 10}
	a.Scaler.Std = map[string]float64{"a": 2, "b": 2}
	c, err := NewClassifier(a)
	if err != nil {
		t.Fatalf("NewClassifier: %v", err)
	}

	// (14-10)/2 + (10-10)/2 = 2
	pred, err := c.Predict(map[string]float64{"a": 14, "b": 10})
	if err != nil {
		t.Fatalf("Predict: %v", err)
	}
	want := 1 / (1 + math.Exp(-2))
	if math.Abs(pred.Probability-want) > 1e-12 {
		t.Errorf("Probability = %v, want %v", pred.Probability, want)
	}
}

func TestValidateFeatures(t *testing.T) {
	c, _ := NewClassifier(testArtifact())

	_, err := c.ValidateFeatures(map[string]float64{})
	if err == nil {
		t.Fatal("expected error for missing features")
	}
	if !strings.Contains(err.Error(), "a, b") {
		t.Errorf("error should list missing features sorted: %v", err)
	}

	extra, err := c.ValidateFeatures(map[string]float64{"a": 1, "b": 2, "c": 3, "d": 4})
	if err != nil {
		t.Fatalf("ValidateFeatures: %v", err)
	}
	if extra != 2 {
		t.Errorf("extra = %d, want 2", extra)
	}
}

func TestPredictRejectsNonFinite(t *testing.T) {
	c, _ := NewClassifier(testArtifact())
	if _, err := c.Predict(map[string]float64{"a": math.NaN(), "b": 0}); err == nil {
		t.Error("NaN input accepted")
	}
	if _, err := c.Predict(map[string]float64{"a": 0, "b": math.Inf(1)}); err == nil {
		t.Error("Inf input accepted")
	}
}

func TestNewClassifierRejectsBadArtifacts(t *testing.T) {
	a := testArtifact()
	a.Version = ""
	if _, err := NewClassifier(a); err == nil {
		t.Error("missing version accepted")
	}

	a = testArtifact()
	delete(a.Weights, "b")
	if _, err := NewClassifier(a); err == nil {
		t.Error("missing weight accepted")
	}
}

func TestLoadClassifierRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "model.json")
	data := []byte(`{
		"version": "disk-1",
		"target": "cost",
		"feature_names": ["a"],
		"weights": {"a": 2.0},
		"bias": 0.5,
		"scaler": {"mean": {"a": 0}, "std": {"a": 1}}
	}`)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}

	c, err := LoadClassifier(path)
	if err != nil {
		t.Fatalf("LoadClassifier: %v", err)
	}
	if c.Version() != "disk-1" {
		t.Errorf("Version = %q", c.Version())
	}
	pred, err := c.Predict(map[string]float64{"a": 1})
	if err != nil {
		t.Fatalf("Predict: %v", err)
	}
	want := 1 / (1 + math.Exp(-2.5))
	if math.Abs(pred.Probability-want) > 1e-12 {
		t.Errorf("Probability = %v, want %v", pred.Probability, want)
	}
}

func TestCombinedRiskTiers(t *testing.T) {
	cases := []struct {
		timeP, costP float64
		want         string
	}{
		{0.9, 0.5, LevelHigh},   // 0.78
		{0.6, 0.4, LevelMedium}, // 0.54
		{0.1, 0.1, LevelLow},    // 0.10
	}
	for _, tc := range cases {
		got := CombinedRisk(tc.timeP, tc.costP)
		wantP := 0.7*tc.timeP + 0.3*tc.costP
		if math.Abs(got.Probability-wantP) > 1e-12 {
			t.Errorf("CombinedRisk(%v,%v).Probability = %v, want %v", tc.timeP, tc.costP, got.Probability, wantP)
		}
		if got.Level != tc.want {
			t.Errorf("CombinedRisk(%v,%v).Level = %s, want %s", tc.timeP, tc.costP, got.Level, tc.want)
		}
	}
}

func TestRankProjectsOrderAndTruncation(t *testing.T) {
	suite, err := NewSuite(mustClassifier(t, testArtifact()), mustClassifier(t, testArtifact()))
	if err != nil {
		t.Fatalf("NewSuite: %v", err)
	}

	rows := []ProjectRow{
		{ProjectID: "low", Features: map[string]float64{"a": -3, "b": -3}},
		{ProjectID: "high", Features: map[string]float64{"a": 3, "b": 3}},
		{ProjectID: "mid", Features: map[string]float64{"a": 0, "b": 0}},
		{ProjectID: "broken", Features: map[string]float64{"a": 1}},
	}

	ranked, failures := suite.RankProjects(rows, 2)
	if len(ranked) != 2 {
		t.Fatalf("got %d ranked, want 2", len(ranked))
	}
	if ranked[0].ProjectID != "high" || ranked[1].ProjectID != "mid" {
		t.Errorf("order = [%s, %s], want [high, mid]", ranked[0].ProjectID, ranked[1].ProjectID)
	}
	if len(failures) != 1 || failures["broken"] == nil {
		t.Errorf("failures = %v, want entry for broken", failures)
	}
}

func TestRankProjectsStableOnTies(t *testing.T) {
	suite, _ := NewSuite(mustClassifier(t, testArtifact()), mustClassifier(t, testArtifact()))
	same := map[string]float64{"a": 1, "b": 1}
	rows := []ProjectRow{
		{ProjectID: "first", Features: same},
		{ProjectID: "second", Features: same},
		{ProjectID: "third", Features: same},
	}
	ranked, _ := suite.RankProjects(rows, 0)
	for i, want := range []string{"first", "second", "third"} {
		if ranked[i].ProjectID != want {
			t.Errorf("ranked[%d] = %s, want %s", i, ranked[i].ProjectID, want)
		}
	}
}

func TestBuildLagFeatures(t *testing.T) {
	history := make([]map[string]float64, 6)
	for i := range history {
		history[i] = map[string]float64{
			"worker_count":               float64(i),
			"safety_incidents":           float64(i * 10),
			"material_shortage_alert":    float64(i),
			"energy_consumption":         float64(100 + i),
			"equipment_utilization_rate": 0.5,
			"material_usage":             float64(i),
			"risk_score":                 float64(i),
		}
	}

	row, err := BuildLagFeatures(history)
	if err != nil {
		t.Fatalf("BuildLagFeatures: %v", err)
	}
	if row["worker_count"] != 5 {
		t.Errorf("current worker_count = %v, want 5", row["worker_count"])
	}
	if row["worker_count_lag2"] != 3 {
		t.Errorf("worker_count_lag2 = %v, want 3", row["worker_count_lag2"])
	}
	if row["safety_incidents_lag5"] != 0 {
		t.Errorf("safety_incidents_lag5 = %v, want 0", row["safety_incidents_lag5"])
	}
	if row["material_shortage_alert_lag2"] != 3 {
		t.Errorf("material_shortage_alert_lag2 = %v, want 3", row["material_shortage_alert_lag2"])
	}
}

func TestBuildLagFeaturesPadsShortHistory(t *testing.T) {
	history := []map[string]float64{
		{"safety_incidents": 7},
		{"safety_incidents": 9},
	}
	row, err := BuildLagFeatures(history)
	if err != nil {
		t.Fatalf("BuildLagFeatures: %v", err)
	}
	// lag2 and lag5 both clamp to the oldest row
	if row["safety_incidents_lag2"] != 7 || row["safety_incidents_lag5"] != 7 {
		t.Errorf("lags = %v/%v, want 7/7", row["safety_incidents_lag2"], row["safety_incidents_lag5"])
	}

	if _, err := BuildLagFeatures(nil); err == nil {
		t.Error("empty history accepted")
	}
}

func TestDefaultSuiteScoresLagRow(t *testing.T) {
	suite, err := DefaultSuite()
	if err != nil {
		t.Fatalf("DefaultSuite: %v", err)
	}

	history := make([]map[string]float64, 6)
	for i := range history {
		history[i] = map[string]float64{
			"worker_count":               40,
			"equipment_utilization_rate": 0.6,
			"material_usage":             500,
			"energy_consumption":         1200,
			"task_progress":              float64(40 + i),
			"risk_score":                 30,
			"safety_incidents":           0,
			"material_shortage_alert":    0,
		}
	}
	row, err := BuildLagFeatures(history)
	if err != nil {
		t.Fatalf("BuildLagFeatures: %v", err)
	}

	combined, err := suite.Assess(row)
	if err != nil {
		t.Fatalf("Assess: %v", err)
	}
	if combined.Probability <= 0 || combined.Probability >= 1 {
		t.Errorf("Probability = %v, want in (0,1)", combined.Probability)
	}
}

func mustClassifier(t *testing.T, a Artifact) *Classifier {
	t.Helper()
	c, err := NewClassifier(a)
	if err != nil {
		t.Fatalf("NewClassifier: %v", err)
	}
	return c
}
