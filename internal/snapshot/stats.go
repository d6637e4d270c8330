package snapshot

import (
	"math"
	"sync"
	"time"
)

// StatsTracker keeps rolling per-project feature statistics. The weekly
// report uses the averages for context lines and the drift detector seeds
// its baselines from them.
type StatsTracker struct {
	mu       sync.RWMutex
	projects map[string]*ProjectStats
}

// ProjectStats holds rolling statistics for one project. Get returns a copy;
// the tracker owns the live instance.
type ProjectStats struct {
	ProjectID string `json:"project_id"`

	// Exponential moving averages (α=0.3)
	Avg map[string]float64 `json:"avg"`
	Std map[string]float64 `json:"std"`

	TotalRows  int64     `json:"total_rows"`
	LastUpdate time.Time `json:"last_update"`
}

// NewStatsTracker creates an empty tracker.
func NewStatsTracker() *StatsTracker {
	return &StatsTracker{projects: make(map[string]*ProjectStats)}
}

// Observe folds one state into the project's rolling statistics.
func (t *StatsTracker) Observe(state *ProjectState) {
	t.mu.Lock()
	defer t.mu.Unlock()

	stats, ok := t.projects[state.ProjectID()]
	if !ok {
		stats = &ProjectStats{
			ProjectID: state.ProjectID(),
			Avg:       make(map[string]float64, len(schema)),
			Std:       make(map[string]float64, len(schema)),
		}
		t.projects[state.ProjectID()] = stats
	}

	const alpha = 0.3
	for i, name := range schema {
		v := state.values[i]
		if stats.TotalRows == 0 {
			stats.Avg[name] = v
			stats.Std[name] = 0
			continue
		}
		delta := v - stats.Avg[name]
		stats.Avg[name] = alpha*v + (1-alpha)*stats.Avg[name]
		stats.Std[name] = math.Sqrt(alpha*delta*delta + (1-alpha)*stats.Std[name]*stats.Std[name])
	}

	stats.TotalRows++
	stats.LastUpdate = time.Now()
}

// Get returns a copy of the project's statistics.
func (t *StatsTracker) Get(projectID string) (ProjectStats, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	stats, ok := t.projects[projectID]
	if !ok {
		return ProjectStats{}, false
	}

	out := ProjectStats{
		ProjectID:  stats.ProjectID,
		Avg:        make(map[string]float64, len(stats.Avg)),
		Std:        make(map[string]float64, len(stats.Std)),
		TotalRows:  stats.TotalRows,
		LastUpdate: stats.LastUpdate,
	}
	for k, v := range stats.Avg {
		out.Avg[k] = v
	}
	for k, v := range stats.Std {
		out.Std[k] = v
	}
	return out, true
}

// ZScore returns (value - avg) / std for one feature, 0 when the spread is
// still unknown.
func (t *StatsTracker) ZScore(projectID, feature string, value float64) float64 {
	stats, ok := t.Get(projectID)
	if !ok {
		return 0
	}
	std := stats.Std[feature]
	if std == 0 {
		return 0
	}
	return (value - stats.Avg[feature]) / std
}

// Projects returns the tracked project ids.
func (t *StatsTracker) Projects() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]string, 0, len(t.projects))
	for id := range t.projects {
		out = append(out, id)
	}
	return out
}
