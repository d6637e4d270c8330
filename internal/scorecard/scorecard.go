// Package scorecard folds schedule, cost, safety and efficiency signals into
// a single 0-100 composite per project, the number site leads compare across
// the portfolio.
package scorecard

import (
	"math"

	"github.com/groundline/sitewise/internal/kpi"
)

// Traffic light bands on the composite.
const (
	LightGreen  = "GREEN"
	LightYellow = "YELLOW"
	LightRed    = "RED"
)

// Component weights, summing to 1.
const (
	weightSchedule   = 0.30
	weightCost       = 0.25
	weightSafety     = 0.25
	weightEfficiency = 0.20
)

// Inputs collects the per-project signals for one scoring period.
type Inputs struct {
	KPIs kpi.PeriodKPIs

	// overrun probabilities in [0, 1]
	TimeOverrunProbability float64
	CostOverrunProbability float64

	// fraction of safety evaluations in the period that came back HIGH_RISK
	HighRiskRate float64

	DataHealthScore float64
}

// Component is one weighted piece of the composite.
type Component struct {
	Name     string  `json:"name"`
	Weight   float64 `json:"weight"`
	Score    float64 `json:"score"`
	Weighted float64 `json:"weighted"`
}

// Scorecard is the composite result with its breakdown.
type Scorecard struct {
	Composite    float64     `json:"composite"`
	TrafficLight string      `json:"traffic_light"`
	Components   []Component `json:"components"`
}

// Compute builds the scorecard. Component scores are clamped to [0, 100]
// and the composite is rounded to one decimal so repeated runs over the same
// inputs compare equal.
func Compute(in Inputs) Scorecard {
	schedule := clampScore(in.KPIs.ScheduleAdherence * (1 - 0.5*clamp01(in.TimeOverrunProbability)))
	cost := clampScore(in.KPIs.CostEfficiency * (1 - 0.5*clamp01(in.CostOverrunProbability)))
	safety := clampScore(100*(1-clamp01(in.HighRiskRate)) - 5*in.KPIs.TotalIncidents)
	efficiency := clampScore(70*clamp01(in.KPIs.ResourceUtilization) + 0.3*clampScore(in.DataHealthScore))

	components := []Component{
		{Name: "schedule", Weight: weightSchedule, Score: round1(schedule)},
		{Name: "cost", Weight: weightCost, Score: round1(cost)},
		{Name: "safety", Weight: weightSafety, Score: round1(safety)},
		{Name: "efficiency", Weight: weightEfficiency, Score: round1(efficiency)},
	}

	composite := 0.0
	for i := range components {
		components[i].Weighted = round1(components[i].Weight * components[i].Score)
		composite += components[i].Weight * components[i].Score
	}
	composite = round1(composite)

	return Scorecard{
		Composite:    composite,
		TrafficLight: trafficLight(composite),
		Components:   components,
	}
}

func trafficLight(composite float64) string {
	switch {
	case composite >= 75:
		return LightGreen
	case composite >= 50:
		return LightYellow
	default:
		return LightRed
	}
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}

func clampScore(v float64) float64 {
	return math.Max(0, math.Min(100, v))
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}
