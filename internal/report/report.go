// Package report assembles the weekly ops notes: a deterministic Markdown
// digest of KPIs, safety posture, drift status, overrun risk and scenario
// usage for one project week. Section collectors are independent so one
// failing data source degrades to a placeholder line instead of killing the
// whole report.
package report

import (
	"bytes"
	"fmt"
	"log"
	"text/template"
	"time"

	"github.com/groundline/sitewise/internal/drift"
	"github.com/groundline/sitewise/internal/kpi"
	"github.com/groundline/sitewise/internal/overrun"
	"github.com/groundline/sitewise/internal/scorecard"
	"github.com/groundline/sitewise/internal/simulate"
)

// KPISection carries the headline roll-up and the prior week for deltas.
type KPISection struct {
	Current  kpi.PeriodKPIs
	Prior    kpi.PeriodKPIs
	HasPrior bool
}

// VelocityDelta is current minus prior progress velocity.
func (s *KPISection) VelocityDelta() float64 {
	return s.Current.ProgressVelocity - s.Prior.ProgressVelocity
}

// IncidentsDelta is current minus prior incident count.
func (s *KPISection) IncidentsDelta() float64 {
	return s.Current.TotalIncidents - s.Prior.TotalIncidents
}

// EnergyPerWorkerDelta is current minus prior energy intensity.
func (s *KPISection) EnergyPerWorkerDelta() float64 {
	return s.Current.EnergyPerWorker - s.Prior.EnergyPerWorker
}

// SafetySection summarizes the week's alert evaluations.
type SafetySection struct {
	HighRiskDays   int
	TotalDays      int
	TopFactor      string
	TopFactorCount int
}

// DriftSection carries per-feature drift reports and interval coverage.
type DriftSection struct {
	Reports  []drift.Report
	Coverage drift.CoverageReport
}

// DriftedCount is the number of features flagged drifted.
func (s *DriftSection) DriftedCount() int {
	n := 0
	for _, r := range s.Reports {
		if r.Drifted {
			n++
		}
	}
	return n
}

// OverrunSection is the top-k riskiest projects.
type OverrunSection struct {
	Ranked []overrun.RankedProject
}

// ScorecardSection carries the composite and its prior-week value.
type ScorecardSection struct {
	Current  scorecard.Scorecard
	Prior    scorecard.Scorecard
	HasPrior bool
}

// CompositeDelta is current minus prior composite.
func (s *ScorecardSection) CompositeDelta() float64 {
	return s.Current.Composite - s.Prior.Composite
}

// ScenarioSection is the week's what-if usage.
type ScenarioSection struct {
	Stats simulate.Stats
}

// Collectors supplies each section from its data source. A nil collector
// or a collector error renders as "data unavailable".
type Collectors struct {
	KPIs      func(week time.Time) (*KPISection, error)
	Safety    func(week time.Time) (*SafetySection, error)
	Drift     func(week time.Time) (*DriftSection, error)
	Overrun   func(week time.Time) (*OverrunSection, error)
	Scorecard func(week time.Time) (*ScorecardSection, error)
	Scenario  func(week time.Time) (*ScenarioSection, error)
}

// Builder renders weekly ops notes for one project.
type Builder struct {
	projectID  string
	collectors Collectors
	tmpl       *template.Template
}

// NewBuilder creates a report builder.
func NewBuilder(projectID string, collectors Collectors) *Builder {
	return &Builder{
		projectID:  projectID,
		collectors: collectors,
		tmpl:       template.Must(template.New("opsnotes").Parse(opsNotesTemplate)),
	}
}

type reportData struct {
	ProjectID string
	WeekStart time.Time
	WeekEnd   time.Time

	KPIs      *KPISection
	Safety    *SafetySection
	Drift     *DriftSection
	Overrun   *OverrunSection
	Scorecard *ScorecardSection
	Scenario  *ScenarioSection
}

// Render builds the Markdown notes for the week starting at week (normalized
// to the preceding Monday, UTC).
func (b *Builder) Render(week time.Time) (string, error) {
	start := weekStart(week)
	data := reportData{
		ProjectID: b.projectID,
		WeekStart: start,
		WeekEnd:   start.AddDate(0, 0, 6),
	}

	data.KPIs = collect(b.collectors.KPIs, start, "kpis")
	data.Safety = collect(b.collectors.Safety, start, "safety")
	data.Drift = collect(b.collectors.Drift, start, "drift")
	data.Overrun = collect(b.collectors.Overrun, start, "overrun")
	data.Scorecard = collect(b.collectors.Scorecard, start, "scorecard")
	data.Scenario = collect(b.collectors.Scenario, start, "scenario")

	var buf bytes.Buffer
	if err := b.tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("report: render: %w", err)
	}
	return buf.String(), nil
}

// collect runs one collector, logging failures instead of propagating them.
func collect[T any](fn func(time.Time) (*T, error), week time.Time, name string) *T {
	if fn == nil {
		return nil
	}
	section, err := fn(week)
	if err != nil {
		log.Printf("report: %s collector failed: %v", name, err)
		return nil
	}
	return section
}

func weekStart(ts time.Time) time.Time {
	ts = ts.UTC()
	day := time.Date(ts.Year(), ts.Month(), ts.Day(), 0, 0, 0, 0, time.UTC)
	offset := (int(day.Weekday()) + 6) % 7
	return day.AddDate(0, 0, -offset)
}

const opsNotesTemplate = `# Ops Notes — {{.ProjectID}} — week of {{.WeekStart.Format "2006-01-02"}}

Period: {{.WeekStart.Format "2006-01-02"}} to {{.WeekEnd.Format "2006-01-02"}}

## Headline KPIs
{{if .KPIs}}| KPI | This week | {{if .KPIs.HasPrior}}Delta vs prior{{else}}Delta{{end}} |
| --- | --- | --- |
| Progress velocity | {{printf "%.2f" .KPIs.Current.ProgressVelocity}} | {{if .KPIs.HasPrior}}{{printf "%+.2f" .KPIs.VelocityDelta}}{{else}}n/a{{end}} |
| Energy per worker | {{printf "%.2f" .KPIs.Current.EnergyPerWorker}} | {{if .KPIs.HasPrior}}{{printf "%+.2f" .KPIs.EnergyPerWorkerDelta}}{{else}}n/a{{end}} |
| Resource utilization | {{printf "%.2f" .KPIs.Current.ResourceUtilization}} | |
| Schedule adherence | {{printf "%.1f" .KPIs.Current.ScheduleAdherence}} | |
| Safety incidents | {{printf "%.0f" .KPIs.Current.TotalIncidents}} | {{if .KPIs.HasPrior}}{{printf "%+.0f" .KPIs.IncidentsDelta}}{{else}}n/a{{end}} |
{{else}}_data unavailable_
{{end}}
## Safety
{{if .Safety}}High-risk days: {{.Safety.HighRiskDays}} of {{.Safety.TotalDays}}.
{{if .Safety.TopFactor}}Most triggered factor: {{.Safety.TopFactor}} ({{.Safety.TopFactorCount}} evaluations).{{else}}No factors triggered this week.{{end}}
{{else}}_data unavailable_
{{end}}
## Model drift
{{if .Drift}}Features drifted: {{.Drift.DriftedCount}} of {{len .Drift.Reports}}.
{{range .Drift.Reports}}{{if .Drifted}}- {{.Feature}}: {{.Message}}
{{end}}{{end}}Interval coverage: {{.Drift.Coverage.Message}}
{{else}}_data unavailable_
{{end}}
## Overrun risk
{{if .Overrun}}{{if .Overrun.Ranked}}| Project | Combined risk | Level |
| --- | --- | --- |
{{range .Overrun.Ranked}}| {{.ProjectID}} | {{printf "%.3f" .Risk.Probability}} | {{.Risk.Level}} |
{{end}}{{else}}No projects above the reporting floor.
{{end}}{{else}}_data unavailable_
{{end}}
## Scorecard
{{if .Scorecard}}Composite: {{printf "%.1f" .Scorecard.Current.Composite}} ({{.Scorecard.Current.TrafficLight}}){{if .Scorecard.HasPrior}}, {{printf "%+.1f" .Scorecard.CompositeDelta}} vs prior week{{end}}.
{{else}}_data unavailable_
{{end}}
## Scenario usage
{{if .Scenario}}Requests: {{.Scenario.Stats.Requests}}, cache hits: {{.Scenario.Stats.CacheHits}}, timeouts: {{.Scenario.Stats.Timeouts}}, p95 latency: {{printf "%.1f" .Scenario.Stats.LatencyP95}} ms.
{{else}}_data unavailable_
{{end}}`
