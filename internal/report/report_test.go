package report

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/groundline/sitewise/internal/drift"
	"github.com/groundline/sitewise/internal/kpi"
	"github.com/groundline/sitewise/internal/overrun"
	"github.com/groundline/sitewise/internal/scorecard"
	"github.com/groundline/sitewise/internal/simulate"
)

func fullCollectors() Collectors {
	return Collectors{
		KPIs: func(time.Time) (*KPISection, error) {
			return &KPISection{
				Current: kpi.PeriodKPIs{
					ProgressVelocity:    4.2,
					EnergyPerWorker:     28.5,
					ResourceUtilization: 0.71,
					ScheduleAdherence:   88.0,
					TotalIncidents:      1,
				},
				Prior: kpi.PeriodKPIs{
					ProgressVelocity: 3.0,
					EnergyPerWorker:  30.0,
					TotalIncidents:   2,
				},
				HasPrior: true,
			}, nil
		},
		Safety: func(time.Time) (*SafetySection, error) {
			return &SafetySection{
				HighRiskDays:   2,
				TotalDays:      7,
				TopFactor:      "vibration_level",
				TopFactorCount: 5,
			}, nil
		},
		Drift: func(time.Time) (*DriftSection, error) {
			return &DriftSection{
				Reports: []drift.Report{
					{Feature: "temperature", Drifted: false, Message: "no significant drift"},
					{Feature: "vibration_level", Drifted: true, Message: "drift detected: p=0.0021 < 0.05, recalibration required"},
				},
				Coverage: drift.CoverageReport{Message: "coverage healthy: observed 0.810"},
			}, nil
		},
		Overrun: func(time.Time) (*OverrunSection, error) {
			return &OverrunSection{
				Ranked: []overrun.RankedProject{
					{ProjectID: "site-9", Risk: overrun.CombinedRisk(0.9, 0.7)},
					{ProjectID: "site-2", Risk: overrun.CombinedRisk(0.5, 0.4)},
				},
			}, nil
		},
		Scorecard: func(time.Time) (*ScorecardSection, error) {
			return &ScorecardSection{
				Current:  scorecard.Scorecard{Composite: 68.4, TrafficLight: scorecard.LightYellow},
				Prior:    scorecard.Scorecard{Composite: 72.0},
				HasPrior: true,
			}, nil
		},
		Scenario: func(time.Time) (*ScenarioSection, error) {
			return &ScenarioSection{
				Stats: simulate.Stats{Requests: 412, CacheHits: 130, Timeouts: 3, LatencyP95: 41.7},
			}, nil
		},
	}
}

func TestRenderFullReport(t *testing.T) {
	b := NewBuilder("site-1", fullCollectors())
	out, err := b.Render(time.Date(2026, 8, 19, 14, 0, 0, 0, time.UTC)) // Wednesday
	if err != nil {
		t.Fatalf("Render: %v", err)
	}

	for _, want := range []string{
		"# Ops Notes — site-1 — week of 2026-08-17", // normalized to Monday
		"Period: 2026-08-17 to 2026-08-23",
		"| Progress velocity | 4.20 | +1.20 |",
		"| Safety incidents | 1 | -1 |",
		"High-risk days: 2 of 7.",
		"Most triggered factor: vibration_level (5 evaluations).",
		"Features drifted: 1 of 2.",
		"- vibration_level: drift detected",
		"coverage healthy: observed 0.810",
		"| site-9 | 0.840 | HIGH |",
		"Composite: 68.4 (YELLOW), -3.6 vs prior week.",
		"Requests: 412, cache hits: 130, timeouts: 3, p95 latency: 41.7 ms.",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("report missing %q\n---\n%s", want, out)
		}
	}
	if strings.Contains(out, "_data unavailable_") {
		t.Error("full report should have no unavailable sections")
	}
}

func TestRenderDeterministic(t *testing.T) {
	b := NewBuilder("site-1", fullCollectors())
	week := time.Date(2026, 8, 17, 0, 0, 0, 0, time.UTC)

	first, err := b.Render(week)
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	second, err := b.Render(week)
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if first != second {
		t.Error("repeated renders differ")
	}
}

func TestRenderDegradesFailedCollector(t *testing.T) {
	collectors := fullCollectors()
	collectors.Drift = func(time.Time) (*DriftSection, error) {
		return nil, errors.New("store offline")
	}
	collectors.Scenario = nil

	b := NewBuilder("site-1", collectors)
	out, err := b.Render(time.Date(2026, 8, 17, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("Render: %v", err)
	}

	if got := strings.Count(out, "_data unavailable_"); got != 2 {
		t.Errorf("unavailable sections = %d, want 2\n---\n%s", got, out)
	}
	// healthy sections still render
	if !strings.Contains(out, "High-risk days: 2 of 7.") {
		t.Error("safety section missing from degraded report")
	}
}

func TestRenderEmptyOverrunRanking(t *testing.T) {
	collectors := fullCollectors()
	collectors.Overrun = func(time.Time) (*OverrunSection, error) {
		return &OverrunSection{}, nil
	}

	b := NewBuilder("site-1", collectors)
	out, err := b.Render(time.Date(2026, 8, 17, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if !strings.Contains(out, "No projects above the reporting floor.") {
		t.Errorf("empty ranking placeholder missing\n---\n%s", out)
	}
}

func TestWeekStartNormalization(t *testing.T) {
	cases := []struct {
		in   time.Time
		want time.Time
	}{
		{time.Date(2026, 8, 17, 0, 0, 0, 0, time.UTC), time.Date(2026, 8, 17, 0, 0, 0, 0, time.UTC)},  // Monday
		{time.Date(2026, 8, 23, 23, 0, 0, 0, time.UTC), time.Date(2026, 8, 17, 0, 0, 0, 0, time.UTC)}, // Sunday
		{time.Date(2026, 8, 24, 1, 0, 0, 0, time.UTC), time.Date(2026, 8, 24, 0, 0, 0, 0, time.UTC)},  // next Monday
	}
	for _, c := range cases {
		if got := weekStart(c.in); !got.Equal(c.want) {
			t.Errorf("weekStart(%v) = %v, want %v", c.in, got, c.want)
		}
	}
}
