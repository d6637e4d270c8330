package simulate

import (
	"context"
	"log"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/groundline/sitewise/internal/api"
	"github.com/groundline/sitewise/internal/cache"
	"github.com/groundline/sitewise/internal/quantile"
	"github.com/groundline/sitewise/internal/scenario"
	"github.com/groundline/sitewise/internal/snapshot"
)

// DefaultBudget is the scenario round-trip target. Inference on single rows
// is cheap enough that the budget is normally met; the timer is a safety net
// and an observability signal, not a preemptive cancel.
const DefaultBudget = 300 * time.Millisecond

// Result is one scored scenario.
type Result struct {
	ScenarioID        string              `json:"scenario_id"`
	ProjectID         string              `json:"project_id"`
	Prediction        quantile.Prediction `json:"prediction"`
	PredictedProgress float64             `json:"predicted_progress"`
	Clamps            []scenario.Clamp    `json:"clamps,omitempty"`
	Degraded          bool                `json:"degraded"`
	Stale             bool                `json:"stale"`
	Cached            bool                `json:"cached"`
	LatencyMs         float64             `json:"latency_ms"`
}

// Stats is a snapshot of engine counters.
type Stats struct {
	Requests   int64   `json:"requests"`
	CacheHits  int64   `json:"cache_hits"`
	Timeouts   int64   `json:"timeouts"`
	Errors     int64   `json:"errors"`
	LatencyP95 float64 `json:"latency_p95_ms"`
}

// Engine runs the full scenario pipeline (delta application followed by
// quantile ensemble scoring) behind a deadline. All dependencies are injected at
// construction and read-only afterwards; concurrent Run calls share no
// mutable state beyond the guarded caches.
type Engine struct {
	applier  *scenario.Applier
	ensemble *quantile.Ensemble
	cache    *cache.LRUWithTTL[string, *Result]
	budget   time.Duration

	mu        sync.RWMutex
	lastKnown map[string]quantile.Prediction // project → last good prediction

	statsMu   sync.Mutex
	requests  int64
	cacheHits int64
	timeouts  int64
	errors    int64
	latencies [512]float64
	latencyN  int
	latencyI  int
}

// NewEngine builds a scenario engine. budget <= 0 selects DefaultBudget;
// respCache may be nil to disable response caching.
func NewEngine(applier *scenario.Applier, ensemble *quantile.Ensemble, respCache *cache.LRUWithTTL[string, *Result], budget time.Duration) *Engine {
	if budget <= 0 {
		budget = DefaultBudget
	}
	return &Engine{
		applier:   applier,
		ensemble:  ensemble,
		cache:     respCache,
		budget:    budget,
		lastKnown: make(map[string]quantile.Prediction),
	}
}

// outcome is the scoring goroutine's report back to Run.
type outcome struct {
	result *Result
	err    error
}

// Run scores one scenario against a baseline state.
//
// Validation failures (InvalidDelta) and model failures (ModelUnavailable)
// are hard errors. Exceeding the budget is the one soft condition: the call
// returns the project's last-known prediction flagged Degraded and Stale, and
// the in-flight scoring completes in the background to refresh the caches.
// Slow work is superseded, never interrupted.
func (e *Engine) Run(ctx context.Context, state *snapshot.ProjectState, deltas map[string]float64) (*Result, error) {
	start := time.Now()
	e.countRequest()

	scenarioID := api.ComputeScenarioID(state.ProjectID(), state.Timestamp(), deltas)

	if e.cache != nil {
		if cached, ok := e.cache.Get(scenarioID); ok {
			e.countCacheHit()
			out := *cached
			out.Cached = true
			out.LatencyMs = float64(time.Since(start).Microseconds()) / 1000.0
			return &out, nil
		}
	}

	done := make(chan outcome, 1)

	go func() {
		result, err := e.score(scenarioID, state, deltas)
		if err == nil {
			e.remember(state.ProjectID(), scenarioID, result)
		}
		done <- outcome{result, err}
	}()

	timer := time.NewTimer(e.budget)
	defer timer.Stop()

	select {
	case out := <-done:
		if out.err != nil {
			e.countError()
			return nil, out.err
		}
		latency := float64(time.Since(start).Microseconds()) / 1000.0
		out.result.LatencyMs = latency
		e.recordLatency(latency)
		return out.result, nil

	case <-ctx.Done():
		e.drainOutcome(state.ProjectID(), done)
		return nil, ctx.Err()

	case <-timer.C:
		e.countTimeout()
		log.Printf("scenario budget exceeded: project=%s budget=%s", state.ProjectID(), e.budget)
		e.drainOutcome(state.ProjectID(), done)
		return e.degradedResult(scenarioID, state, start), nil
	}
}

// drainOutcome collects the superseded scoring outcome so its failures still
// land in the log and the error counter. A success needs no handling here;
// the goroutine already refreshed the caches.
func (e *Engine) drainOutcome(projectID string, done <-chan outcome) {
	go func() {
		out := <-done
		if out.err != nil {
			e.countError()
			log.Printf("superseded scenario scoring failed: project=%s err=%v", projectID, out.err)
		}
	}()
}

// score runs apply → ensemble synchronously.
func (e *Engine) score(scenarioID string, state *snapshot.ProjectState, deltas map[string]float64) (*Result, error) {
	perturbed, err := e.applier.Apply(state, deltas)
	if err != nil {
		return nil, err
	}

	pred, err := e.ensemble.Score(perturbed.Values)
	if err != nil {
		return nil, err
	}

	return &Result{
		ScenarioID:        scenarioID,
		ProjectID:         state.ProjectID(),
		Prediction:        pred,
		PredictedProgress: predictedProgress(state, pred),
		Clamps:            perturbed.Clamps,
	}, nil
}

// predictedProgress projects the P50 progress delta onto the baseline task
// progress, capped to [0, 100].
func predictedProgress(state *snapshot.ProjectState, pred quantile.Prediction) float64 {
	progress, _ := state.Value("task_progress")
	return math.Max(0, math.Min(100, progress+pred.P50))
}

// remember refreshes the last-known prediction and the response cache. Called
// from the scoring goroutine, so a budget-exceeded request still warms both.
func (e *Engine) remember(projectID, scenarioID string, result *Result) {
	e.mu.Lock()
	e.lastKnown[projectID] = result.Prediction
	e.mu.Unlock()

	if e.cache != nil {
		e.cache.Set(scenarioID, result)
	}
}

// degradedResult carries the last-known prediction, explicitly marked stale.
// With no prior prediction the result is degraded-empty.
func (e *Engine) degradedResult(scenarioID string, state *snapshot.ProjectState, start time.Time) *Result {
	e.mu.RLock()
	last, ok := e.lastKnown[state.ProjectID()]
	e.mu.RUnlock()

	result := &Result{
		ScenarioID: scenarioID,
		ProjectID:  state.ProjectID(),
		Degraded:   true,
		LatencyMs:  float64(time.Since(start).Microseconds()) / 1000.0,
	}
	if ok {
		result.Prediction = last
		result.PredictedProgress = predictedProgress(state, last)
		result.Stale = true
	}
	return result
}

// LastKnown returns the project's most recent good prediction.
func (e *Engine) LastKnown(projectID string) (quantile.Prediction, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	p, ok := e.lastKnown[projectID]
	return p, ok
}

// Budget returns the configured deadline.
func (e *Engine) Budget() time.Duration { return e.budget }

func (e *Engine) countRequest() {
	e.statsMu.Lock()
	e.requests++
	e.statsMu.Unlock()
}

func (e *Engine) countCacheHit() {
	e.statsMu.Lock()
	e.cacheHits++
	e.statsMu.Unlock()
}

func (e *Engine) countTimeout() {
	e.statsMu.Lock()
	e.timeouts++
	e.statsMu.Unlock()
}

func (e *Engine) countError() {
	e.statsMu.Lock()
	e.errors++
	e.statsMu.Unlock()
}

// recordLatency folds one sample into the ring buffer.
func (e *Engine) recordLatency(ms float64) {
	e.statsMu.Lock()
	e.latencies[e.latencyI] = ms
	e.latencyI = (e.latencyI + 1) % len(e.latencies)
	if e.latencyN < len(e.latencies) {
		e.latencyN++
	}
	e.statsMu.Unlock()
}

// GetStats returns a snapshot of engine counters including the P95 latency
// over the ring buffer.
func (e *Engine) GetStats() Stats {
	e.statsMu.Lock()
	defer e.statsMu.Unlock()

	s := Stats{
		Requests:  e.requests,
		CacheHits: e.cacheHits,
		Timeouts:  e.timeouts,
		Errors:    e.errors,
	}

	if e.latencyN > 0 {
		sorted := make([]float64, e.latencyN)
		copy(sorted, e.latencies[:e.latencyN])
		sort.Float64s(sorted)
		idx := int(math.Ceil(0.95*float64(e.latencyN))) - 1
		if idx < 0 {
			idx = 0
		}
		s.LatencyP95 = sorted[idx]
	}
	return s
}
