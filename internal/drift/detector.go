package drift

import (
	"fmt"
	"math"
	"sort"
	"sync"
)

// Detector monitors feature distributions for drift between a fixed baseline
// window (the model training period) and a rolling recent window, using a
// two-sample Kolmogorov-Smirnov test per feature. Sustained drift means the
// quantile models and safety thresholds no longer see the distribution they
// were calibrated on.
type Detector struct {
	mu          sync.RWMutex
	baseline    map[string][]float64
	recent      map[string][]float64
	maxRecent   int
	ksThreshold float64
	minSamples  int
}

// NewDetector creates a drift detector. maxRecent bounds the rolling window
// per feature; ksThreshold is the KS statistic warning level.
func NewDetector(maxRecent int, ksThreshold float64) *Detector {
	if maxRecent <= 0 {
		maxRecent = 200
	}
	if ksThreshold <= 0 || ksThreshold >= 1 {
		ksThreshold = 0.05
	}
	return &Detector{
		baseline:    make(map[string][]float64),
		recent:      make(map[string][]float64),
		maxRecent:   maxRecent,
		ksThreshold: ksThreshold,
		minSamples:  30,
	}
}

// SetBaseline replaces the baseline sample for one feature.
func (d *Detector) SetBaseline(feature string, values []float64) {
	copied := make([]float64, len(values))
	copy(copied, values)

	d.mu.Lock()
	d.baseline[feature] = copied
	d.mu.Unlock()
}

// Observe appends one recent value for a feature, evicting FIFO past the
// window bound.
func (d *Detector) Observe(feature string, value float64) {
	d.mu.Lock()
	defer d.mu.Unlock()

	window := append(d.recent[feature], value)
	if len(window) > d.maxRecent {
		window = window[1:]
	}
	d.recent[feature] = window
}

// ObserveRow folds a full telemetry row into the recent windows.
func (d *Detector) ObserveRow(row map[string]float64) {
	for feature, value := range row {
		d.Observe(feature, value)
	}
}

// Report is the drift decision for one feature.
type Report struct {
	Feature              string  `json:"feature"`
	Statistic            float64 `json:"ks_statistic"`
	PValue               float64 `json:"p_value"`
	BaselineN            int     `json:"baseline_n"`
	RecentN              int     `json:"recent_n"`
	Drifted              bool    `json:"drifted"`
	RecommendRecalibrate bool    `json:"recommend_recalibrate"`
	Message              string  `json:"message"`
}

// Check runs the KS test for one feature. Insufficient samples produce a
// non-drifted report with an explanatory message, not an error: drift
// checking is advisory.
func (d *Detector) Check(feature string) Report {
	d.mu.RLock()
	baseline := d.baseline[feature]
	recent := d.recent[feature]
	d.mu.RUnlock()

	report := Report{
		Feature:   feature,
		PValue:    1.0,
		BaselineN: len(baseline),
		RecentN:   len(recent),
	}

	if len(baseline) < d.minSamples || len(recent) < d.minSamples {
		report.Message = fmt.Sprintf("insufficient samples: baseline=%d recent=%d (need %d)",
			len(baseline), len(recent), d.minSamples)
		return report
	}

	ks := ksTwoSample(baseline, recent)
	n1, n2 := float64(len(baseline)), float64(len(recent))
	ne := (n1 * n2) / (n1 + n2)
	pValue := ksPValue(math.Sqrt(ne) * ks)

	report.Statistic = ks
	report.PValue = pValue
	report.Drifted = pValue < 0.05
	report.RecommendRecalibrate = report.Drifted || ks > d.ksThreshold

	switch {
	case report.Drifted:
		report.Message = fmt.Sprintf("drift detected: p=%.4f < 0.05, recalibration required", pValue)
	case report.RecommendRecalibrate:
		report.Message = fmt.Sprintf("drift warning: KS=%.4f > %.2f, consider recalibration", ks, d.ksThreshold)
	default:
		report.Message = "no significant drift"
	}
	return report
}

// CheckAll runs Check for every feature with a baseline, sorted by feature
// name for stable output.
func (d *Detector) CheckAll() []Report {
	d.mu.RLock()
	features := make([]string, 0, len(d.baseline))
	for f := range d.baseline {
		features = append(features, f)
	}
	d.mu.RUnlock()
	sort.Strings(features)

	reports := make([]Report, 0, len(features))
	for _, f := range features {
		reports = append(reports, d.Check(f))
	}
	return reports
}

// Reset clears the recent windows (after recalibration).
func (d *Detector) Reset() {
	d.mu.Lock()
	d.recent = make(map[string][]float64)
	d.mu.Unlock()
}

// ksTwoSample computes D = max |F1(x) - F2(x)| over merged empirical CDFs.
func ksTwoSample(sample1, sample2 []float64) float64 {
	s1 := make([]float64, len(sample1))
	s2 := make([]float64, len(sample2))
	copy(s1, sample1)
	copy(s2, sample2)
	sort.Float64s(s1)
	sort.Float64s(s2)

	n1, n2 := float64(len(s1)), float64(len(s2))

	i, j := 0, 0
	maxD := 0.0
	for i < len(s1) && j < len(s2) {
		d1, d2 := s1[i], s2[j]

		cdf1 := float64(i) / n1
		cdf2 := float64(j) / n2
		if diff := math.Abs(cdf1 - cdf2); diff > maxD {
			maxD = diff
		}

		if d1 < d2 {
			i++
		} else if d2 < d1 {
			j++
		} else {
			i++
			j++
		}
	}
	for i < len(s1) {
		if diff := math.Abs(float64(i)/n1 - 1.0); diff > maxD {
			maxD = diff
		}
		i++
	}
	for j < len(s2) {
		if diff := math.Abs(1.0 - float64(j)/n2); diff > maxD {
			maxD = diff
		}
		j++
	}
	return maxD
}

// ksPValue approximates P(D > x) with the Kolmogorov distribution series.
func ksPValue(lambda float64) float64 {
	if lambda <= 0 {
		return 1.0
	}

	sum := 0.0
	for k := 1; k <= 10; k++ {
		sign := 1.0
		if k%2 == 0 {
			sign = -1.0
		}
		sum += sign * math.Exp(-2*float64(k*k)*lambda*lambda)
	}

	p := 2 * sum
	if p < 0 {
		return 0
	}
	if p > 1 {
		return 1
	}
	return p
}
