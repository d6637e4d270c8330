package api

import (
	"testing"
	"time"
)

func TestScenarioRequestValidate(t *testing.T) {
	baselineAt := time.Date(2026, 8, 10, 6, 0, 0, 0, time.UTC)

	tests := []struct {
		name    string
		req     ScenarioRequest
		wantErr bool
	}{
		{
			name: "valid with store baseline",
			req: ScenarioRequest{
				ProjectID: "site-1",
				Deltas:    map[string]float64{"crew_size_change": 10},
			},
			wantErr: false,
		},
		{
			name: "valid with inline baseline",
			req: ScenarioRequest{
				ProjectID:  "site-1",
				BaselineAt: baselineAt,
				Baseline:   map[string]float64{"worker_count": 40},
				Deltas:     map[string]float64{"crew_size_change": 10},
			},
			wantErr: false,
		},
		{
			name:    "missing project id",
			req:     ScenarioRequest{Deltas: map[string]float64{"crew_size_change": 1}},
			wantErr: true,
		},
		{
			name:    "empty deltas",
			req:     ScenarioRequest{ProjectID: "site-1"},
			wantErr: true,
		},
		{
			name: "empty delta key",
			req: ScenarioRequest{
				ProjectID: "site-1",
				Deltas:    map[string]float64{"": 1},
			},
			wantErr: true,
		},
		{
			name: "inline baseline without timestamp",
			req: ScenarioRequest{
				ProjectID: "site-1",
				Baseline:  map[string]float64{"worker_count": 40},
				Deltas:    map[string]float64{"crew_size_change": 10},
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.req.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestSafetyRequestValidate(t *testing.T) {
	valid := SafetyRequest{
		ProjectID: "site-1",
		Features:  map[string]float64{"vibration_level": 20},
	}
	if err := valid.Validate(); err != nil {
		t.Fatalf("Validate() unexpected error: %v", err)
	}

	missing := SafetyRequest{Features: map[string]float64{"vibration_level": 20}}
	if err := missing.Validate(); err == nil {
		t.Error("expected error for missing project id")
	}

	empty := SafetyRequest{ProjectID: "site-1"}
	if err := empty.Validate(); err == nil {
		t.Error("expected error for empty features")
	}
}

func TestIngestRequestValidate(t *testing.T) {
	valid := IngestRequest{
		ProjectID: "site-1",
		Timestamp: time.Date(2026, 8, 10, 6, 0, 0, 0, time.UTC),
		Features:  map[string]float64{"worker_count": 40},
	}
	if err := valid.Validate(); err != nil {
		t.Fatalf("Validate() unexpected error: %v", err)
	}

	noTS := valid
	noTS.Timestamp = time.Time{}
	if err := noTS.Validate(); err == nil {
		t.Error("expected error for zero timestamp")
	}
}

func TestComputeScenarioIDDeterministic(t *testing.T) {
	at := time.Date(2026, 8, 10, 6, 0, 0, 0, time.UTC)

	a := ComputeScenarioID("site-1", at, map[string]float64{"crew_size_change": 10, "material_usage_change": -5})
	b := ComputeScenarioID("site-1", at, map[string]float64{"material_usage_change": -5, "crew_size_change": 10})
	if a != b {
		t.Errorf("id depends on map iteration order: %s vs %s", a, b)
	}
	if len(a) != 64 {
		t.Errorf("expected 64 hex chars, got %d", len(a))
	}

	if c := ComputeScenarioID("site-2", at, map[string]float64{"crew_size_change": 10, "material_usage_change": -5}); c == a {
		t.Error("different projects produced the same id")
	}
	if c := ComputeScenarioID("site-1", at.Add(time.Hour), map[string]float64{"crew_size_change": 10, "material_usage_change": -5}); c == a {
		t.Error("different baseline timestamps produced the same id")
	}
	if c := ComputeScenarioID("site-1", at, map[string]float64{"crew_size_change": 11, "material_usage_change": -5}); c == a {
		t.Error("different deltas produced the same id")
	}
}
