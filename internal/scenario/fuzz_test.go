package scenario

import (
	"math"
	"testing"
	"time"

	"github.com/groundline/sitewise/internal/snapshot"
)

// FuzzApply checks that arbitrary delta values never panic and always land
// inside the configured bounds.
func FuzzApply(f *testing.F) {
	f.Add(10.0, 0.5, -100.0, 0.3)
	f.Add(0.0, 0.0, 0.0, 0.0)
	f.Add(1e9, 1.0, -1e9, -1e9)
	f.Add(40.0, 0.6, math.MaxFloat64, -math.MaxFloat64)

	f.Fuzz(func(t *testing.T, baseWorkers, baseUtil, crewDelta, utilDelta float64) {
		if math.IsNaN(baseWorkers) || math.IsNaN(baseUtil) || math.IsNaN(crewDelta) || math.IsNaN(utilDelta) {
			return
		}
		if math.IsInf(baseWorkers, 0) || math.IsInf(baseUtil, 0) || math.IsInf(crewDelta, 0) || math.IsInf(utilDelta, 0) {
			return
		}

		row := map[string]float64{
			"worker_count":               baseWorkers,
			"equipment_utilization_rate": baseUtil,
			"material_usage":             100,
			"vibration_level":            20,
			"temperature":                25,
			"humidity":                   60,
			"task_progress":              50,
			"energy_consumption":         300,
			"risk_score":                 0.3,
			"safety_incidents":           0,
		}

		state, err := snapshot.NewBuilder(nil).Build("fuzz", time.Now(), row)
		if err != nil {
			t.Fatalf("baseline build failed: %v", err)
		}

		a := DefaultApplier()
		pv, err := a.Apply(state, map[string]float64{
			"crew_size_change":   crewDelta,
			"utilization_change": utilDelta,
		})
		if err != nil {
			t.Fatalf("Apply returned error for in-set keys: %v", err)
		}

		workerIdx, _ := snapshot.FeatureIndex("worker_count")
		if pv.Values[workerIdx] < 0 {
			t.Errorf("worker_count below floor: %v", pv.Values[workerIdx])
		}

		utilIdx, _ := snapshot.FeatureIndex("equipment_utilization_rate")
		u := pv.Values[utilIdx]
		// Rate combination always lands in [0, 1] once the baseline itself is valid
		if baseUtil >= 0 && baseUtil <= 1 && (u < 0 || u > 1) {
			t.Errorf("utilization outside [0,1]: %v", u)
		}
	})
}
