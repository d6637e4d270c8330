package kpi

import (
	"math"
	"sort"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/groundline/sitewise/internal/snapshot"
)

// HealthReport scores the quality of a telemetry window. Penalties are
// weighted 40/30/15/15 and subtracted from 100.
type HealthReport struct {
	Score             float64 `json:"score"`
	MissingPenalty    float64 `json:"missing_penalty"`
	OutlierPenalty    float64 `json:"outlier_penalty"`
	GapPenalty        float64 `json:"gap_penalty"`
	ImprobablePenalty float64 `json:"improbable_penalty"`
	Rows              int     `json:"rows"`
}

const (
	missingWeight    = 40.0
	outlierWeight    = 30.0
	gapWeight        = 15.0
	improbableWeight = 15.0
)

// DataHealth scores rows for missingness, outliers, timestamp gaps and
// physically impossible values. An empty window scores zero.
func DataHealth(rows []Row) HealthReport {
	report := HealthReport{Rows: len(rows)}
	if len(rows) == 0 {
		return report
	}

	report.MissingPenalty = missingWeight * missingRatio(rows)
	report.OutlierPenalty = outlierWeight * outlierRatio(rows)
	report.GapPenalty = gapWeight * gapRatio(rows)
	report.ImprobablePenalty = improbableWeight * improbableRatio(rows)

	score := 100 - report.MissingPenalty - report.OutlierPenalty -
		report.GapPenalty - report.ImprobablePenalty
	report.Score = math.Max(0, math.Round(score*10)/10)
	return report
}

func missingRatio(rows []Row) float64 {
	schema := snapshot.Schema()
	total := len(rows) * len(schema)
	missing := 0
	for _, row := range rows {
		for _, name := range schema {
			if _, ok := row.Features[name]; !ok {
				missing++
			}
		}
	}
	return float64(missing) / float64(total)
}

// outlierRatio counts values outside 3×IQR fences per schema feature.
func outlierRatio(rows []Row) float64 {
	schema := snapshot.Schema()
	total, outliers := 0, 0

	for _, name := range schema {
		values := make([]float64, 0, len(rows))
		for _, row := range rows {
			if v, ok := row.Features[name]; ok {
				values = append(values, v)
			}
		}
		if len(values) < 4 {
			total += len(values)
			continue
		}

		sort.Float64s(values)
		q1 := stat.Quantile(0.25, stat.Empirical, values, nil)
		q3 := stat.Quantile(0.75, stat.Empirical, values, nil)
		iqr := q3 - q1
		low, high := q1-3*iqr, q3+3*iqr

		total += len(values)
		for _, v := range values {
			if v < low || v > high {
				outliers++
			}
		}
	}
	if total == 0 {
		return 0
	}
	return float64(outliers) / float64(total)
}

// gapRatio flags intervals longer than twice the median sampling interval.
func gapRatio(rows []Row) float64 {
	if len(rows) < 3 {
		return 0
	}

	sorted := make([]time.Time, len(rows))
	for i, row := range rows {
		sorted[i] = row.Timestamp
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Before(sorted[j]) })

	intervals := make([]float64, len(sorted)-1)
	for i := 1; i < len(sorted); i++ {
		intervals[i-1] = sorted[i].Sub(sorted[i-1]).Seconds()
	}

	medianSorted := make([]float64, len(intervals))
	copy(medianSorted, intervals)
	sort.Float64s(medianSorted)
	median := medianSorted[len(medianSorted)/2]
	if len(medianSorted)%2 == 0 {
		median = (medianSorted[len(medianSorted)/2-1] + medianSorted[len(medianSorted)/2]) / 2
	}
	if median <= 0 {
		return 0
	}

	gaps := 0
	for _, interval := range intervals {
		if interval > 2*median {
			gaps++
		}
	}
	return float64(gaps) / float64(len(intervals))
}

func improbableRatio(rows []Row) float64 {
	total, bad := 0, 0
	for _, row := range rows {
		for name, v := range row.Features {
			total++
			if improbable(name, v) {
				bad++
			}
		}
	}
	if total == 0 {
		return 0
	}
	return float64(bad) / float64(total)
}

func improbable(name string, v float64) bool {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return true
	}
	switch name {
	case "worker_count", "safety_incidents", "material_usage", "energy_consumption", "vibration_level":
		return v < 0
	case "equipment_utilization_rate":
		return v < 0 || v > 1
	case "task_progress", "humidity":
		return v < 0 || v > 100
	case "temperature":
		return v < -60 || v > 70
	default:
		return false
	}
}
