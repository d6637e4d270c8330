package simulate

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/groundline/sitewise/internal/cache"
	"github.com/groundline/sitewise/internal/quantile"
	"github.com/groundline/sitewise/internal/scenario"
	"github.com/groundline/sitewise/internal/snapshot"
)

// slowModel wraps a fixed prediction behind an artificial delay, optionally
// failing after the delay elapses.
type slowModel struct {
	value   float64
	delay   time.Duration
	version string
	err     error
}

func (s *slowModel) Predict(vector []float64) (float64, error) {
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	if s.err != nil {
		return 0, s.err
	}
	return s.value, nil
}

func (s *slowModel) Version() string { return s.version }

func testEnsemble(t *testing.T, delay time.Duration) *quantile.Ensemble {
	t.Helper()
	e, err := quantile.NewEnsemble(
		&slowModel{value: -0.02, delay: delay, version: "p10"},
		&slowModel{value: 0.01, version: "p50"},
		&slowModel{value: 0.05, version: "p90"},
	)
	if err != nil {
		t.Fatalf("NewEnsemble failed: %v", err)
	}
	return e
}

func testState(t *testing.T) *snapshot.ProjectState {
	t.Helper()
	state, err := snapshot.NewBuilder(nil).Build("site-3", time.Date(2026, 8, 20, 6, 0, 0, 0, time.UTC), map[string]float64{
		"worker_count":               40,
		"equipment_utilization_rate": 0.6,
		"material_usage":             120,
		"vibration_level":            22,
		"temperature":                28,
		"humidity":                   65,
		"task_progress":              47,
		"energy_consumption":         310,
		"risk_score":                 0.4,
		"safety_incidents":           0,
	})
	if err != nil {
		t.Fatalf("state build failed: %v", err)
	}
	return state
}

func newCache(t *testing.T) *cache.LRUWithTTL[string, *Result] {
	t.Helper()
	c, err := cache.NewLRUWithTTL[string, *Result](64, time.Minute)
	if err != nil {
		t.Fatalf("cache init failed: %v", err)
	}
	return c
}

func TestRunHappyPath(t *testing.T) {
	engine := NewEngine(scenario.DefaultApplier(), testEnsemble(t, 0), newCache(t), 0)
	state := testState(t)

	result, err := engine.Run(context.Background(), state, map[string]float64{"crew_size_change": 10})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if result.Degraded || result.Stale || result.Cached {
		t.Errorf("flags = %+v", result)
	}
	p := result.Prediction
	if p.P10 > p.P50 || p.P50 > p.P90 {
		t.Errorf("ordering violated: %+v", p)
	}
	if math.Abs(result.PredictedProgress-47.01) > 1e-9 {
		t.Errorf("PredictedProgress = %v, want 47.01", result.PredictedProgress)
	}
	if result.ScenarioID == "" {
		t.Error("missing scenario id")
	}
}

func TestRunCacheHitOnRepeat(t *testing.T) {
	engine := NewEngine(scenario.DefaultApplier(), testEnsemble(t, 0), newCache(t), 0)
	state := testState(t)
	deltas := map[string]float64{"crew_size_change": 5}

	first, err := engine.Run(context.Background(), state, deltas)
	if err != nil {
		t.Fatalf("first Run failed: %v", err)
	}
	second, err := engine.Run(context.Background(), state, deltas)
	if err != nil {
		t.Fatalf("second Run failed: %v", err)
	}

	if !second.Cached {
		t.Error("repeat submission not served from cache")
	}
	if second.ScenarioID != first.ScenarioID {
		t.Errorf("scenario ids differ: %s vs %s", first.ScenarioID, second.ScenarioID)
	}
	if second.Prediction != first.Prediction {
		t.Errorf("cached prediction differs: %+v vs %+v", second.Prediction, first.Prediction)
	}

	stats := engine.GetStats()
	if stats.CacheHits != 1 {
		t.Errorf("cache hits = %d, want 1", stats.CacheHits)
	}
}

func TestRunBudgetExceededReturnsDegradedStale(t *testing.T) {
	engine := NewEngine(scenario.DefaultApplier(), testEnsemble(t, 0), newCache(t), 50*time.Millisecond)
	state := testState(t)

	// Prime last-known with a fast scoring pass
	if _, err := engine.Run(context.Background(), state, map[string]float64{"crew_size_change": 1}); err != nil {
		t.Fatalf("prime Run failed: %v", err)
	}
	prior, ok := engine.LastKnown("site-3")
	if !ok {
		t.Fatal("last-known not recorded")
	}

	// Swap in a slow ensemble well past the budget
	slow := NewEngine(scenario.DefaultApplier(), testEnsemble(t, 400*time.Millisecond), nil, 50*time.Millisecond)
	slow.mu.Lock()
	slow.lastKnown["site-3"] = prior
	slow.mu.Unlock()

	result, err := slow.Run(context.Background(), state, map[string]float64{"crew_size_change": 2})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if !result.Degraded {
		t.Error("budget exceeded but not degraded")
	}
	if !result.Stale {
		t.Error("degraded result with prior prediction not marked stale")
	}
	if result.Prediction != prior {
		t.Errorf("degraded prediction = %+v, want last-known %+v", result.Prediction, prior)
	}

	stats := slow.GetStats()
	if stats.Timeouts != 1 {
		t.Errorf("timeouts = %d, want 1", stats.Timeouts)
	}
}

func TestRunBudgetExceededNoPriorPrediction(t *testing.T) {
	engine := NewEngine(scenario.DefaultApplier(), testEnsemble(t, 400*time.Millisecond), nil, 30*time.Millisecond)
	state := testState(t)

	result, err := engine.Run(context.Background(), state, map[string]float64{"crew_size_change": 2})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if !result.Degraded || result.Stale {
		t.Errorf("flags = degraded=%v stale=%v, want degraded-empty", result.Degraded, result.Stale)
	}
}

func TestSupersededScoringStillRefreshesLastKnown(t *testing.T) {
	engine := NewEngine(scenario.DefaultApplier(), testEnsemble(t, 100*time.Millisecond), newCache(t), 20*time.Millisecond)
	state := testState(t)

	result, err := engine.Run(context.Background(), state, map[string]float64{"crew_size_change": 3})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if !result.Degraded {
		t.Fatal("expected degraded result")
	}

	// The in-flight goroutine completes and refreshes last-known
	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, ok := engine.LastKnown("site-3"); ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("superseded scoring never refreshed last-known")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestSupersededScoringFailureIsCounted(t *testing.T) {
	ensemble, err := quantile.NewEnsemble(
		&slowModel{delay: 100 * time.Millisecond, version: "p10", err: errors.New("artifact gone")},
		&slowModel{value: 0.01, version: "p50"},
		&slowModel{value: 0.05, version: "p90"},
	)
	if err != nil {
		t.Fatalf("NewEnsemble failed: %v", err)
	}
	engine := NewEngine(scenario.DefaultApplier(), ensemble, nil, 20*time.Millisecond)
	state := testState(t)

	result, err := engine.Run(context.Background(), state, map[string]float64{"crew_size_change": 3})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if !result.Degraded {
		t.Fatal("expected degraded result")
	}

	// The in-flight goroutine eventually fails; the error counter must see it.
	deadline := time.Now().Add(2 * time.Second)
	for {
		if engine.GetStats().Errors == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("errors = %d, want 1", engine.GetStats().Errors)
		}
		time.Sleep(10 * time.Millisecond)
	}

	if _, ok := engine.LastKnown("site-3"); ok {
		t.Error("failed scoring must not refresh last-known")
	}
}

func TestRunInvalidDeltaIsHardError(t *testing.T) {
	engine := NewEngine(scenario.DefaultApplier(), testEnsemble(t, 0), nil, 0)
	state := testState(t)

	_, err := engine.Run(context.Background(), state, map[string]float64{"nonsense": 1})
	if err == nil {
		t.Fatal("expected InvalidDelta")
	}
	var invalid *scenario.InvalidDeltaError
	if !errors.As(err, &invalid) {
		t.Fatalf("error type = %T", err)
	}
}

func TestRunContextCancellation(t *testing.T) {
	engine := NewEngine(scenario.DefaultApplier(), testEnsemble(t, 300*time.Millisecond), nil, time.Second)
	state := testState(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := engine.Run(ctx, state, map[string]float64{"crew_size_change": 1})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestStatsP95(t *testing.T) {
	engine := NewEngine(scenario.DefaultApplier(), testEnsemble(t, 0), nil, 0)
	state := testState(t)

	for i := 0; i < 20; i++ {
		if _, err := engine.Run(context.Background(), state, map[string]float64{"crew_size_change": float64(i % 5)}); err != nil {
			t.Fatalf("Run failed: %v", err)
		}
	}

	stats := engine.GetStats()
	if stats.Requests != 20 {
		t.Errorf("requests = %d", stats.Requests)
	}
	if stats.LatencyP95 <= 0 {
		t.Errorf("p95 = %v, want positive", stats.LatencyP95)
	}
}
