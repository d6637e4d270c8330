// Command opsnotes renders the weekly ops notes for one project as Markdown.
// KPIs, safety posture, drift and overrun risk come from an exported
// telemetry history file; the scorecard is read from the result store when
// batchd has published one, otherwise computed locally.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"sort"
	"time"

	"github.com/groundline/sitewise/internal/drift"
	"github.com/groundline/sitewise/internal/kpi"
	"github.com/groundline/sitewise/internal/overrun"
	"github.com/groundline/sitewise/internal/report"
	"github.com/groundline/sitewise/internal/safety"
	"github.com/groundline/sitewise/internal/scorecard"
	"github.com/groundline/sitewise/internal/store"
)

func main() {
	var (
		projectID   = flag.String("project", "", "project ID to report on")
		weekFlag    = flag.String("week", "", "any date in the report week (YYYY-MM-DD, default this week)")
		historyFile = flag.String("history", "", "telemetry history file (JSON array of rows)")
		outFile     = flag.String("out", "", "output file (default stdout)")
	)
	flag.Parse()

	if *projectID == "" || *historyFile == "" {
		flag.Usage()
		os.Exit(2)
	}

	week := time.Now().UTC()
	if *weekFlag != "" {
		parsed, err := time.Parse("2006-01-02", *weekFlag)
		if err != nil {
			log.Fatalf("invalid -week %q: %v", *weekFlag, err)
		}
		week = parsed
	}

	rows, err := loadHistory(*historyFile)
	if err != nil {
		log.Fatalf("failed to load history: %v", err)
	}

	st, err := store.Open(store.Config{
		Backend:       getEnv("STORE_BACKEND", "memory"),
		SnapshotPath:  getEnv("STORE_SNAPSHOT", "data/store.json"),
		RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		PostgresURL:   getEnv("POSTGRES_CONN", ""),
	})
	if err != nil {
		log.Fatalf("failed to open store: %v", err)
	}
	defer st.Close()

	builder := report.NewBuilder(*projectID, collectors(*projectID, rows, st))
	notes, err := builder.Render(week)
	if err != nil {
		log.Fatalf("failed to render report: %v", err)
	}

	if *outFile == "" {
		fmt.Print(notes)
		return
	}
	if err := os.WriteFile(*outFile, []byte(notes), 0644); err != nil {
		log.Fatalf("failed to write report: %v", err)
	}
	log.Printf("wrote ops notes for %s week of %s to %s (%d rows of history)",
		*projectID, weekOf(week).Format("2006-01-02"), *outFile, len(rows))
}

// historyRow is one line of the exported telemetry file.
type historyRow struct {
	Timestamp time.Time          `json:"timestamp"`
	Features  map[string]float64 `json:"features"`
}

func loadHistory(path string) ([]kpi.Row, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var raw []historyRow
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("history file %s holds no rows", path)
	}

	rows := make([]kpi.Row, len(raw))
	for i, r := range raw {
		rows[i] = kpi.Row{Timestamp: r.Timestamp, Features: r.Features}
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Timestamp.Before(rows[j].Timestamp) })
	return rows, nil
}

func collectors(projectID string, rows []kpi.Row, st store.Store) report.Collectors {
	return report.Collectors{
		KPIs: func(week time.Time) (*report.KPISection, error) {
			current := weeklyKPIs(rows, week)
			if current == nil {
				return nil, fmt.Errorf("no telemetry in week of %s", week.Format("2006-01-02"))
			}
			section := &report.KPISection{Current: *current}
			if prior := weeklyKPIs(rows, week.AddDate(0, 0, -7)); prior != nil {
				section.Prior = *prior
				section.HasPrior = true
			}
			return section, nil
		},
		Safety:    safetyCollector(rows),
		Drift:     driftCollector(rows),
		Overrun:   overrunCollector(projectID, rows),
		Scorecard: scorecardCollector(projectID, rows, st),
		// Scenario usage lives in the server process, not in exported
		// telemetry, so the one-shot report leaves it out.
		Scenario: nil,
	}
}

// weeklyKPIs rolls up the rows that fall inside the given week.
func weeklyKPIs(rows []kpi.Row, week time.Time) *kpi.PeriodKPIs {
	start := weekOf(week)
	inWeek := rowsBetween(rows, start, start.AddDate(0, 0, 7))
	buckets := kpi.Rollup(inWeek, kpi.Weekly)
	if len(buckets) == 0 {
		return nil
	}
	return &buckets[0]
}

func safetyCollector(rows []kpi.Row) func(time.Time) (*report.SafetySection, error) {
	return func(week time.Time) (*report.SafetySection, error) {
		start := weekOf(week)
		inWeek := rowsBetween(rows, start, start.AddDate(0, 0, 7))
		if len(inWeek) == 0 {
			return nil, fmt.Errorf("no telemetry in week of %s", start.Format("2006-01-02"))
		}

		engine := safety.NewEngine()
		thresholds := safety.DefaultThresholdSet()

		highDays := make(map[string]bool)
		days := make(map[string]bool)
		factorCounts := make(map[string]int)
		for _, row := range inWeek {
			day := row.Timestamp.UTC().Format("2006-01-02")
			days[day] = true

			assessment, err := engine.Evaluate(row.Features, thresholds)
			if err != nil {
				continue
			}
			if assessment.State == safety.StateHighRisk {
				highDays[day] = true
			}
			for _, f := range assessment.Triggered {
				factorCounts[f.Factor]++
			}
		}

		section := &report.SafetySection{
			HighRiskDays: len(highDays),
			TotalDays:    len(days),
		}
		for factor, n := range factorCounts {
			if n > section.TopFactorCount || (n == section.TopFactorCount && factor < section.TopFactor) {
				section.TopFactor = factor
				section.TopFactorCount = n
			}
		}
		return section, nil
	}
}

// driftCollector compares the report week against everything before it.
func driftCollector(rows []kpi.Row) func(time.Time) (*report.DriftSection, error) {
	return func(week time.Time) (*report.DriftSection, error) {
		start := weekOf(week)
		baseline := rowsBetween(rows, time.Time{}, start)
		recent := rowsBetween(rows, start, start.AddDate(0, 0, 7))
		if len(baseline) == 0 || len(recent) == 0 {
			return nil, fmt.Errorf("not enough telemetry around week of %s", start.Format("2006-01-02"))
		}

		detector := drift.NewDetector(len(recent), 0.05)
		for feature, values := range featureColumns(baseline) {
			detector.SetBaseline(feature, values)
		}
		for _, row := range recent {
			detector.ObserveRow(row.Features)
		}

		monitor := drift.NewCoverageMonitor(0)
		return &report.DriftSection{
			Reports:  detector.CheckAll(),
			Coverage: monitor.Check(),
		}, nil
	}
}

func overrunCollector(projectID string, rows []kpi.Row) func(time.Time) (*report.OverrunSection, error) {
	return func(week time.Time) (*report.OverrunSection, error) {
		end := weekOf(week).AddDate(0, 0, 7)
		upToWeek := rowsBetween(rows, time.Time{}, end)
		if len(upToWeek) == 0 {
			return nil, fmt.Errorf("no telemetry before %s", end.Format("2006-01-02"))
		}

		lagged, err := laggedFeatures(upToWeek)
		if err != nil {
			return nil, err
		}

		suite, err := overrun.DefaultSuite()
		if err != nil {
			return nil, err
		}
		ranked, failures := suite.RankProjects([]overrun.ProjectRow{
			{ProjectID: projectID, Features: lagged},
		}, 1)
		if err, failed := failures[projectID]; failed {
			return nil, err
		}
		return &report.OverrunSection{Ranked: ranked}, nil
	}
}

func scorecardCollector(projectID string, rows []kpi.Row, st store.Store) func(time.Time) (*report.ScorecardSection, error) {
	return func(week time.Time) (*report.ScorecardSection, error) {
		current, err := weekScorecard(projectID, rows, st, week)
		if err != nil {
			return nil, err
		}
		section := &report.ScorecardSection{Current: *current}
		if prior, err := weekScorecard(projectID, rows, st, week.AddDate(0, 0, -7)); err == nil {
			section.Prior = *prior
			section.HasPrior = true
		}
		return section, nil
	}
}

// weekScorecard prefers the scorecard batchd stored for the week and falls
// back to computing one from the history file.
func weekScorecard(projectID string, rows []kpi.Row, st store.Store, week time.Time) (*scorecard.Scorecard, error) {
	start := weekOf(week)

	for d := 6; d >= 0; d-- {
		key := fmt.Sprintf("scorecard:%s:%s", projectID, start.AddDate(0, 0, d).Format("2006-01-02"))
		stored, err := st.GetResult(context.Background(), key)
		if err != nil {
			continue
		}
		var sc scorecard.Scorecard
		if err := json.Unmarshal(stored.Payload, &sc); err == nil {
			return &sc, nil
		}
	}

	return computeScorecard(rows, week)
}

func computeScorecard(rows []kpi.Row, week time.Time) (*scorecard.Scorecard, error) {
	kpis := weeklyKPIs(rows, week)
	if kpis == nil {
		return nil, fmt.Errorf("no telemetry in week of %s", weekOf(week).Format("2006-01-02"))
	}

	start := weekOf(week)
	inWeek := rowsBetween(rows, start, start.AddDate(0, 0, 7))
	health := kpi.DataHealth(inWeek)

	var timeP, costP float64
	if lagged, err := laggedFeatures(rowsBetween(rows, time.Time{}, start.AddDate(0, 0, 7))); err == nil {
		if suite, err := overrun.DefaultSuite(); err == nil {
			if p, err := suite.PredictTime(lagged); err == nil {
				timeP = p.Probability
			}
			if p, err := suite.PredictCost(lagged); err == nil {
				costP = p.Probability
			}
		}
	}

	engine := safety.NewEngine()
	thresholds := safety.DefaultThresholdSet()
	high := 0
	for _, row := range inWeek {
		if a, err := engine.Evaluate(row.Features, thresholds); err == nil && a.State == safety.StateHighRisk {
			high++
		}
	}

	sc := scorecard.Compute(scorecard.Inputs{
		KPIs:                   *kpis,
		TimeOverrunProbability: timeP,
		CostOverrunProbability: costP,
		HighRiskRate:           float64(high) / float64(len(inWeek)),
		DataHealthScore:        health.Score,
	})
	return &sc, nil
}

func laggedFeatures(rows []kpi.Row) (map[string]float64, error) {
	featureRows := make([]map[string]float64, len(rows))
	for i, r := range rows {
		featureRows[i] = r.Features
	}
	return overrun.BuildLagFeatures(featureRows)
}

// rowsBetween returns rows with from <= ts < to, preserving order.
func rowsBetween(rows []kpi.Row, from, to time.Time) []kpi.Row {
	var out []kpi.Row
	for _, r := range rows {
		ts := r.Timestamp.UTC()
		if !ts.Before(to) {
			break
		}
		if from.IsZero() || !ts.Before(from) {
			out = append(out, r)
		}
	}
	return out
}

func featureColumns(rows []kpi.Row) map[string][]float64 {
	columns := make(map[string][]float64)
	for _, row := range rows {
		for feature, v := range row.Features {
			columns[feature] = append(columns[feature], v)
		}
	}
	return columns
}

func weekOf(ts time.Time) time.Time {
	ts = ts.UTC()
	day := time.Date(ts.Year(), ts.Month(), ts.Day(), 0, 0, 0, 0, time.UTC)
	offset := (int(day.Weekday()) + 6) % 7
	return day.AddDate(0, 0, -offset)
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
