package kpi

import (
	"math"
	"sort"
	"time"
)

// Period selects the roll-up bucket width.
type Period int

const (
	Daily Period = iota
	Weekly
)

// Row is one aggregated telemetry row in a project's time series.
type Row struct {
	Timestamp time.Time          `json:"timestamp"`
	Features  map[string]float64 `json:"features"`
}

// PeriodKPIs is the roll-up for one daily or weekly bucket.
type PeriodKPIs struct {
	PeriodStart time.Time `json:"period_start"`
	Rows        int       `json:"rows"`

	MeanUtilization float64 `json:"mean_utilization"`
	MeanRiskScore   float64 `json:"mean_risk_score"`
	MeanProgress    float64 `json:"mean_progress"`
	MeanWorkers     float64 `json:"mean_workers"`

	TotalEnergy    float64 `json:"total_energy"`
	TotalIncidents float64 `json:"total_incidents"`
	TotalMaterial  float64 `json:"total_material"`

	ProgressVelocity    float64 `json:"progress_velocity"`
	EnergyPerWorker     float64 `json:"energy_per_worker"`
	ResourceUtilization float64 `json:"resource_utilization"`
	ScheduleAdherence   float64 `json:"schedule_adherence"`
	CostEfficiency      float64 `json:"cost_efficiency"`
}

// Rollup buckets rows by period and computes the KPI set per bucket, sorted
// by period start. Rows inside a bucket are processed in timestamp order so
// first/last derived KPIs are stable.
func Rollup(rows []Row, period Period) []PeriodKPIs {
	if len(rows) == 0 {
		return nil
	}

	sorted := make([]Row, len(rows))
	copy(sorted, rows)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Timestamp.Before(sorted[j].Timestamp)
	})

	buckets := make(map[time.Time][]Row)
	for _, row := range sorted {
		start := bucketStart(row.Timestamp, period)
		buckets[start] = append(buckets[start], row)
	}

	starts := make([]time.Time, 0, len(buckets))
	for start := range buckets {
		starts = append(starts, start)
	}
	sort.Slice(starts, func(i, j int) bool { return starts[i].Before(starts[j]) })

	out := make([]PeriodKPIs, 0, len(starts))
	for _, start := range starts {
		out = append(out, computeBucket(start, buckets[start]))
	}
	return out
}

func bucketStart(ts time.Time, period Period) time.Time {
	ts = ts.UTC()
	day := time.Date(ts.Year(), ts.Month(), ts.Day(), 0, 0, 0, 0, time.UTC)
	if period == Daily {
		return day
	}
	// weekly buckets start Monday
	offset := (int(day.Weekday()) + 6) % 7
	return day.AddDate(0, 0, -offset)
}

func computeBucket(start time.Time, rows []Row) PeriodKPIs {
	k := PeriodKPIs{PeriodStart: start, Rows: len(rows)}

	var sumTimeDev, sumCostDev float64
	for _, row := range rows {
		k.MeanUtilization += row.Features["equipment_utilization_rate"]
		k.MeanRiskScore += row.Features["risk_score"]
		k.MeanProgress += row.Features["task_progress"]
		k.MeanWorkers += row.Features["worker_count"]
		k.TotalEnergy += row.Features["energy_consumption"]
		k.TotalIncidents += row.Features["safety_incidents"]
		k.TotalMaterial += row.Features["material_usage"]
		sumTimeDev += row.Features["time_deviation"]
		sumCostDev += row.Features["cost_deviation"]
	}

	n := float64(len(rows))
	k.MeanUtilization /= n
	k.MeanRiskScore /= n
	k.MeanProgress /= n
	k.MeanWorkers /= n

	first := rows[0].Features["task_progress"]
	last := rows[len(rows)-1].Features["task_progress"]
	k.ProgressVelocity = last - first

	k.EnergyPerWorker = k.TotalEnergy / (k.MeanWorkers + 1)
	k.ResourceUtilization = 0.6*k.MeanUtilization + 0.4*math.Min(k.MeanWorkers/50, 1)
	k.ScheduleAdherence = 100 - math.Min(100, math.Abs(sumTimeDev/n)*100)
	k.CostEfficiency = 100 - math.Min(100, math.Abs(sumCostDev/n)*100)
	return k
}

// TrendSlope estimates the per-step slope of a series with the Theil-Sen
// median of pairwise slopes, robust to single-point spikes. Fewer than two
// points yield zero.
func TrendSlope(values []float64) float64 {
	if len(values) < 2 {
		return 0
	}

	slopes := make([]float64, 0, len(values)*(len(values)-1)/2)
	for i := 0; i < len(values); i++ {
		for j := i + 1; j < len(values); j++ {
			slopes = append(slopes, (values[j]-values[i])/float64(j-i))
		}
	}
	sort.Float64s(slopes)

	mid := len(slopes) / 2
	if len(slopes)%2 == 1 {
		return slopes[mid]
	}
	return (slopes[mid-1] + slopes[mid]) / 2
}

// Definition documents one KPI for the ops-notes dictionary.
type Definition struct {
	Name        string `json:"name"`
	Unit        string `json:"unit"`
	Formula     string `json:"formula"`
	Description string `json:"description"`
}

// Definitions returns the KPI dictionary in display order.
func Definitions() []Definition {
	return []Definition{
		{"progress_velocity", "% per period", "last(task_progress) - first(task_progress)",
			"Net task progress gained over the period."},
		{"energy_per_worker", "kWh per worker", "sum(energy_consumption) / (mean(worker_count) + 1)",
			"Energy intensity normalized by crew size."},
		{"resource_utilization", "ratio 0-1", "0.6*mean(equipment_utilization_rate) + 0.4*min(mean(worker_count)/50, 1)",
			"Blended equipment and labor utilization."},
		{"schedule_adherence", "score 0-100", "100 - min(100, |mean(time_deviation)|*100)",
			"How closely actual progress tracked the plan."},
		{"cost_efficiency", "score 0-100", "100 - min(100, |mean(cost_deviation)|*100)",
			"How closely spend tracked the budget."},
		{"total_incidents", "count", "sum(safety_incidents)",
			"Recorded safety incidents in the period."},
	}
}
