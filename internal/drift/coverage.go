package drift

import (
	"fmt"
	"sync"
)

// interval coverage target: realized deltas land in [p10, p90] 80% of the
// time when the quantile ensemble is calibrated.
const (
	targetCoverage    = 0.80
	coverageTolerance = 0.05
	minCoverageN      = 50
)

// outcome pairs a prediction interval with the realized value once known.
type outcome struct {
	low      float64
	high     float64
	realized float64
}

// CoverageMonitor tracks whether realized progress deltas fall inside the
// predicted [p10, p90] band at the expected rate. A coverage collapse is the
// sharpest signal that the ensemble needs retraining.
type CoverageMonitor struct {
	mu      sync.Mutex
	window  []outcome
	maxSize int
}

// NewCoverageMonitor creates a monitor with a bounded FIFO window.
func NewCoverageMonitor(maxSize int) *CoverageMonitor {
	if maxSize <= 0 {
		maxSize = 500
	}
	return &CoverageMonitor{maxSize: maxSize}
}

// Record stores one (interval, realized) observation.
func (m *CoverageMonitor) Record(low, high, realized float64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.window = append(m.window, outcome{low: low, high: high, realized: realized})
	if len(m.window) > m.maxSize {
		m.window = m.window[1:]
	}
}

// CoverageReport summarizes realized coverage against the target.
type CoverageReport struct {
	Observed             float64 `json:"observed_coverage"`
	Target               float64 `json:"target_coverage"`
	N                    int     `json:"n"`
	Degraded             bool    `json:"degraded"`
	RecommendRecalibrate bool    `json:"recommend_recalibrate"`
	Message              string  `json:"message"`
}

// Check computes the realized coverage rate over the window. Fewer than
// minCoverageN observations produce an advisory non-degraded report.
func (m *CoverageMonitor) Check() CoverageReport {
	m.mu.Lock()
	window := make([]outcome, len(m.window))
	copy(window, m.window)
	m.mu.Unlock()

	report := CoverageReport{
		Target: targetCoverage,
		N:      len(window),
	}
	if len(window) < minCoverageN {
		report.Observed = targetCoverage
		report.Message = fmt.Sprintf("insufficient outcomes: %d (need %d)", len(window), minCoverageN)
		return report
	}

	covered := 0
	for _, o := range window {
		if o.realized >= o.low && o.realized <= o.high {
			covered++
		}
	}
	report.Observed = float64(covered) / float64(len(window))
	report.Degraded = report.Observed < targetCoverage-coverageTolerance
	report.RecommendRecalibrate = report.Degraded

	if report.Degraded {
		report.Message = fmt.Sprintf("coverage degraded: observed %.3f below target %.2f, retrain ensemble",
			report.Observed, targetCoverage)
	} else {
		report.Message = fmt.Sprintf("coverage healthy: observed %.3f", report.Observed)
	}
	return report
}

// Reset clears the window (after ensemble retraining).
func (m *CoverageMonitor) Reset() {
	m.mu.Lock()
	m.window = nil
	m.mu.Unlock()
}
