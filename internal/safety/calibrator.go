package safety

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"time"
)

// Observation is one historical period used for threshold calibration.
type Observation struct {
	Vibration   float64   `json:"vibration"`
	Temperature float64   `json:"temperature"`
	Humidity    float64   `json:"humidity"`
	WorkerCount float64   `json:"worker_count"`
	Utilization float64   `json:"utilization"`
	Incident    bool      `json:"incident"` // labeled incident day, when known
	Labeled     bool      `json:"labeled"`
	Timestamp   time.Time `json:"timestamp"`
}

// Calibrator derives candidate threshold sets from a bounded window of
// historical observations. Vibration and worker density take the 75th
// percentile of the window; the heat index threshold stays at the fixed
// domain constant regardless of the window.
type Calibrator struct {
	mu      sync.RWMutex
	window  []Observation
	maxSize int
	maxAge  time.Duration // 0 = no time-based pruning
}

// DefaultHeatThreshold is the domain-fixed heat index alert level (°C).
const DefaultHeatThreshold = 30.0

// calibrationPercentile is where the vibration and density thresholds sit in
// the training window distribution.
const calibrationPercentile = 0.75

// NewCalibrator creates a calibrator over a bounded sliding window.
func NewCalibrator(maxSize int, maxAge time.Duration) *Calibrator {
	if maxSize <= 0 {
		maxSize = 1000
	}
	return &Calibrator{
		window:  make([]Observation, 0, maxSize),
		maxSize: maxSize,
		maxAge:  maxAge,
	}
}

// Add appends an observation, evicting the oldest when the window is full
// and pruning entries past the age limit.
func (c *Calibrator) Add(obs Observation) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.window = append(c.window, obs)
	if len(c.window) > c.maxSize {
		c.window = c.window[1:]
	}

	if c.maxAge > 0 {
		cutoff := time.Now().Add(-c.maxAge)
		kept := c.window[:0]
		for _, o := range c.window {
			if o.Timestamp.After(cutoff) {
				kept = append(kept, o)
			}
		}
		c.window = kept
	}
}

// Size returns the current window size.
func (c *Calibrator) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.window)
}

// Percentile computes the p-quantile of values with linear interpolation at
// the p*(n+1) position.
func Percentile(values []float64, p float64) (float64, error) {
	n := len(values)
	if n == 0 {
		return 0, fmt.Errorf("percentile of empty sample")
	}
	if p <= 0 || p >= 1 {
		return 0, fmt.Errorf("percentile must be in (0, 1), got %.3f", p)
	}

	sorted := make([]float64, n)
	copy(sorted, values)
	sort.Float64s(sorted)

	pos := p * float64(n+1)
	idx := int(math.Floor(pos)) - 1
	frac := pos - math.Floor(pos)

	if idx < 0 {
		return sorted[0], nil
	}
	if idx >= n-1 {
		return sorted[n-1], nil
	}
	return sorted[idx] + frac*(sorted[idx+1]-sorted[idx]), nil
}

// Calibrate derives a candidate threshold set from the current window. The
// candidate is not registered or promoted; review and promotion are explicit
// registry operations.
func (c *Calibrator) Calibrate(version string) (*ThresholdSet, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if len(c.window) < 30 {
		return nil, fmt.Errorf("insufficient calibration window: %d < 30 observations", len(c.window))
	}

	vibrations := make([]float64, len(c.window))
	densities := make([]float64, len(c.window))
	for i, o := range c.window {
		vibrations[i] = o.Vibration
		densities[i] = WorkerDensity(o.WorkerCount, o.Utilization)
	}

	vibThreshold, err := Percentile(vibrations, calibrationPercentile)
	if err != nil {
		return nil, err
	}
	densityThreshold, err := Percentile(densities, calibrationPercentile)
	if err != nil {
		return nil, err
	}

	candidate := &ThresholdSet{
		Version:        version,
		EffectiveAt:    time.Now(),
		Source:         fmt.Sprintf("p75 of %d-observation window", len(c.window)),
		VibrationLevel: vibThreshold,
		HeatIndex:      DefaultHeatThreshold,
		WorkerDensity:  densityThreshold,
	}

	if metrics := c.validateLocked(candidate); metrics != nil {
		candidate.Validation = metrics
	}

	return candidate, nil
}

// ValidationMetrics reports classifier performance against labeled incident
// days in the calibration window.
type ValidationMetrics struct {
	Labeled   int     `json:"labeled"`
	Incidents int     `json:"incidents"`
	Precision float64 `json:"precision"`
	Recall    float64 `json:"recall"`
	F1        float64 `json:"f1"`
}

// validateLocked scores the candidate against labeled window observations.
// Caller must hold c.mu. Returns nil when no labels are present.
func (c *Calibrator) validateLocked(set *ThresholdSet) *ValidationMetrics {
	engine := NewEngine()

	var tp, fp, fn, labeled, incidents int
	for _, o := range c.window {
		if !o.Labeled {
			continue
		}
		labeled++
		if o.Incident {
			incidents++
		}

		heat := HeatIndex(o.Temperature, o.Humidity)
		density := WorkerDensity(o.WorkerCount, o.Utilization)
		a := engine.EvaluateIndicators(o.Vibration, heat, density, set)
		alerted := a.State == StateHighRisk

		switch {
		case alerted && o.Incident:
			tp++
		case alerted && !o.Incident:
			fp++
		case !alerted && o.Incident:
			fn++
		}
	}

	if labeled == 0 {
		return nil
	}

	m := &ValidationMetrics{Labeled: labeled, Incidents: incidents}
	if tp+fp > 0 {
		m.Precision = float64(tp) / float64(tp+fp)
	}
	if tp+fn > 0 {
		m.Recall = float64(tp) / float64(tp+fn)
	}
	if m.Precision+m.Recall > 0 {
		m.F1 = 2 * m.Precision * m.Recall / (m.Precision + m.Recall)
	}
	return m
}
