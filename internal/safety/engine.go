package safety

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Risk states. The decision is memoryless: each period is classified purely
// from that period's inputs, with no hysteresis, so every alert is auditable
// against the row that produced it.
const (
	StateLowRisk  = "LOW_RISK"
	StateHighRisk = "HIGH_RISK"
)

// Factor names reported in assessments.
const (
	FactorVibration     = "vibration"
	FactorHeatIndex     = "heat_index"
	FactorWorkerDensity = "worker_density"
)

// requiredInputs are the raw features the engine derives its indicators from.
var requiredInputs = []string{
	"vibration_level",
	"temperature",
	"humidity",
	"worker_count",
	"equipment_utilization_rate",
}

// IncompleteInputError reports required raw inputs absent from a feature map.
type IncompleteInputError struct {
	Missing []string
}

func (e *IncompleteInputError) Error() string {
	return fmt.Sprintf("safety evaluation missing required inputs: %s", strings.Join(e.Missing, ", "))
}

// HeatIndex combines air temperature (°C) and relative humidity (%) into a
// single perceived-heat value.
func HeatIndex(tempC, humidityPct float64) float64 {
	return tempC + 0.5555*(humidityPct/100.0)*(tempC-14.0)
}

// WorkerDensity is workers per unit of equipment utilization, a congestion
// proxy. The +0.1 keeps idle sites finite.
func WorkerDensity(workerCount, utilization float64) float64 {
	return workerCount / (utilization + 0.1)
}

// TriggeredFactor carries the measured value alongside the threshold it
// exceeded.
type TriggeredFactor struct {
	Factor    string  `json:"factor"`
	Value     float64 `json:"value"`
	Threshold float64 `json:"threshold"`
}

// Assessment is the rule engine's decision for one period.
type Assessment struct {
	State            string             `json:"state"`
	Triggered        []TriggeredFactor  `json:"triggered_factors"`
	Recommendations  []string           `json:"recommendations,omitempty"`
	Indicators       map[string]float64 `json:"indicators"`
	ThresholdVersion string             `json:"threshold_version"`
	EvaluatedAt      time.Time          `json:"evaluated_at"`
}

// recommendations per triggered factor, mirroring the site action lists.
var recommendations = map[string][]string{
	FactorVibration: {
		"Inspect heavy equipment mounts and anchoring before next shift",
		"Rotate crews away from high-vibration zones",
	},
	FactorHeatIndex: {
		"Enforce hydration breaks every 30 minutes",
		"Shift heavy outdoor work to cooler hours",
	},
	FactorWorkerDensity: {
		"Stagger crew start times to reduce congestion",
		"Review equipment allocation against crew size",
	},
}

// Engine is the rule-based safety classifier.
type Engine struct{}

// NewEngine creates a safety rule engine.
func NewEngine() *Engine { return &Engine{} }

// Evaluate classifies one period's aggregated features against a threshold
// set. A factor fires only when its indicator strictly exceeds the threshold;
// exactly-at-threshold stays LOW_RISK. Any single firing factor is enough for
// HIGH_RISK (OR logic). Fails only on missing required inputs.
func (e *Engine) Evaluate(features map[string]float64, set *ThresholdSet) (*Assessment, error) {
	var missing []string
	for _, name := range requiredInputs {
		if _, ok := features[name]; !ok {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return nil, &IncompleteInputError{Missing: missing}
	}

	vibration := features["vibration_level"]
	heat := HeatIndex(features["temperature"], features["humidity"])
	density := WorkerDensity(features["worker_count"], features["equipment_utilization_rate"])

	return e.EvaluateIndicators(vibration, heat, density, set), nil
}

// EvaluateIndicators classifies pre-derived indicator values. Exposed for
// callers that already computed the heat index and density (batch roll-ups).
func (e *Engine) EvaluateIndicators(vibration, heat, density float64, set *ThresholdSet) *Assessment {
	a := &Assessment{
		State: StateLowRisk,
		Indicators: map[string]float64{
			FactorVibration:     vibration,
			FactorHeatIndex:     heat,
			FactorWorkerDensity: density,
		},
		ThresholdVersion: set.Version,
		EvaluatedAt:      time.Now(),
	}

	checks := []struct {
		factor    string
		value     float64
		threshold float64
	}{
		{FactorVibration, vibration, set.VibrationLevel},
		{FactorHeatIndex, heat, set.HeatIndex},
		{FactorWorkerDensity, density, set.WorkerDensity},
	}

	for _, c := range checks {
		if c.value > c.threshold { // strict: at-threshold does not fire
			a.Triggered = append(a.Triggered, TriggeredFactor{
				Factor:    c.factor,
				Value:     c.value,
				Threshold: c.threshold,
			})
			a.Recommendations = append(a.Recommendations, recommendations[c.factor]...)
		}
	}

	if len(a.Triggered) > 0 {
		a.State = StateHighRisk
	}
	return a
}
