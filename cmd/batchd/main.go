package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/groundline/sitewise/internal/drift"
	"github.com/groundline/sitewise/internal/kpi"
	"github.com/groundline/sitewise/internal/metrics"
	"github.com/groundline/sitewise/internal/overrun"
	"github.com/groundline/sitewise/internal/safety"
	"github.com/groundline/sitewise/internal/scorecard"
	"github.com/groundline/sitewise/internal/store"
)

const alertChannel = "sw:alerts"

// Alert is the payload published for HIGH_RISK evaluations.
type Alert struct {
	TS               time.Time                `json:"ts"`
	ProjectID        string                   `json:"project_id"`
	RiskLevel        string                   `json:"risk_level"`
	Triggered        []safety.TriggeredFactor `json:"triggered_factors"`
	ThresholdVersion string                   `json:"threshold_version"`
}

type batchd struct {
	store      store.Store
	redis      *redis.Client // nil when alert publishing is disabled
	metrics    *metrics.Metrics
	safety     *safety.Engine
	thresholds *safety.ThresholdSet
	suite      *overrun.Suite
	detector   *drift.Detector

	// Per-project telemetry accumulated across cycles, oldest first.
	history       map[string][]kpi.Row
	historyMax    int
	riskStates    map[string][]string
	riskWindow    int
	baselineReady bool
	scorecardTTL  time.Duration
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(store.Config{
		Backend:       getEnv("STORE_BACKEND", "memory"),
		SnapshotPath:  getEnv("STORE_SNAPSHOT", "data/store.json"),
		RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("REDIS_DB", 0),
		PostgresURL:   getEnv("POSTGRES_CONN", ""),
	})
	if err != nil {
		log.Fatalf("store open failed: %v", err)
	}
	defer st.Close()

	var alerts *redis.Client
	if addr := getEnv("ALERT_REDIS_ADDR", ""); addr != "" {
		alerts = redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		})
		defer alerts.Close()
		if err := alerts.Ping(ctx).Err(); err != nil {
			log.Fatalf("alert redis ping failed: %v", err)
		}
		log.Printf("alert publishing enabled: %s channel=%s", addr, alertChannel)
	}

	suite, err := overrun.DefaultSuite()
	if err != nil {
		log.Fatalf("overrun suite init failed: %v", err)
	}

	b := &batchd{
		store:        st,
		redis:        alerts,
		metrics:      metrics.New(),
		safety:       safety.NewEngine(),
		thresholds:   safety.DefaultThresholdSet(),
		suite:        suite,
		detector:     drift.NewDetector(getEnvInt("DRIFT_WINDOW", 200), 0.05),
		history:      make(map[string][]kpi.Row),
		historyMax:   getEnvInt("HISTORY_MAX_ROWS", 336),
		riskStates:   make(map[string][]string),
		riskWindow:   getEnvInt("RISK_WINDOW", 30),
		scorecardTTL: time.Duration(getEnvInt("SCORECARD_TTL_HOURS", 72)) * time.Hour,
	}
	b.metrics.SetActiveThresholdVersion(b.thresholds.Version)

	go serveHTTP(getEnv("METRICS_ADDR", ":8081"))

	interval := time.Duration(getEnvInt("CYCLE_INTERVAL_SEC", 300)) * time.Second
	log.Printf("batchd running: interval=%s history_max=%d", interval, b.historyMax)

	// Run first cycle immediately
	b.runCycle(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			b.runCycle(ctx)
		case <-ctx.Done():
			log.Printf("batchd shutting down")
			return
		}
	}
}

func (b *batchd) runCycle(ctx context.Context) {
	start := time.Now()
	defer func() {
		b.metrics.BatchCycles.Inc()
		b.metrics.BatchDuration.Observe(time.Since(start).Seconds())
	}()

	projects, err := b.store.ListProjects(ctx)
	if err != nil {
		log.Printf("list projects failed: %v", err)
		return
	}
	if len(projects) == 0 {
		log.Printf("no projects in store, skipping cycle")
		return
	}

	alerted := 0
	scored := 0
	for _, projectID := range projects {
		snap, err := b.store.GetSnapshot(ctx, projectID)
		if err != nil {
			log.Printf("snapshot read failed for project=%s: %v", projectID, err)
			continue
		}

		b.appendHistory(projectID, snap)

		if b.evaluateSafety(ctx, projectID, snap) {
			alerted++
		}
		if b.computeScorecard(ctx, projectID) {
			scored++
		}
	}

	b.checkDrift()

	log.Printf("cycle completed: %d projects, %d alerts, %d scorecards (%.2fs)",
		len(projects), alerted, scored, time.Since(start).Seconds())
}

// appendHistory adds the snapshot to the project window unless the timestamp
// was already seen, and caps the window.
func (b *batchd) appendHistory(projectID string, snap *store.StoredSnapshot) {
	rows := b.history[projectID]
	if n := len(rows); n > 0 && !snap.Timestamp.After(rows[n-1].Timestamp) {
		return
	}

	rows = append(rows, kpi.Row{Timestamp: snap.Timestamp, Features: snap.Features})
	if len(rows) > b.historyMax {
		rows = rows[len(rows)-b.historyMax:]
	}
	b.history[projectID] = rows
	b.detector.ObserveRow(snap.Features)
}

// evaluateSafety runs the rule engine on the latest snapshot and publishes an
// alert when the project is high risk. Returns true when an alert went out.
func (b *batchd) evaluateSafety(ctx context.Context, projectID string, snap *store.StoredSnapshot) bool {
	assessment, err := b.safety.Evaluate(snap.Features, b.thresholds)
	if err != nil {
		log.Printf("safety evaluation failed for project=%s: %v", projectID, err)
		return false
	}
	b.metrics.SafetyEvaluations.WithLabelValues(assessment.State).Inc()

	states := append(b.riskStates[projectID], assessment.State)
	if len(states) > b.riskWindow {
		states = states[len(states)-b.riskWindow:]
	}
	b.riskStates[projectID] = states

	if assessment.State != safety.StateHighRisk || b.redis == nil {
		return false
	}

	alert := Alert{
		TS:               time.Now().UTC(),
		ProjectID:        projectID,
		RiskLevel:        assessment.State,
		Triggered:        assessment.Triggered,
		ThresholdVersion: assessment.ThresholdVersion,
	}
	data, err := json.Marshal(alert)
	if err != nil {
		log.Printf("alert marshal failed for project=%s: %v", projectID, err)
		return false
	}
	if err := b.redis.Publish(ctx, alertChannel, data).Err(); err != nil {
		log.Printf("alert publish failed for project=%s: %v", projectID, err)
		return false
	}
	return true
}

// computeScorecard rolls up the project window into daily KPIs, scores
// overrun risk off lag features and stores the weekly scorecard. Returns true
// when a scorecard was stored.
func (b *batchd) computeScorecard(ctx context.Context, projectID string) bool {
	rows := b.history[projectID]
	if len(rows) < 3 {
		return false
	}

	daily := kpi.Rollup(rows, kpi.Daily)
	if len(daily) == 0 {
		return false
	}
	latest := daily[len(daily)-1]
	health := kpi.DataHealth(rows)

	timeP, costP := b.overrunProbabilities(projectID, rows)

	sc := scorecard.Compute(scorecard.Inputs{
		KPIs:                   latest,
		TimeOverrunProbability: timeP,
		CostOverrunProbability: costP,
		HighRiskRate:           b.highRiskRate(projectID),
		DataHealthScore:        health.Score,
	})

	key := fmt.Sprintf("scorecard:%s:%s", projectID, latest.PeriodStart.Format("2006-01-02"))
	if _, err := b.store.PutResult(ctx, key, sc, b.scorecardTTL); err != nil {
		log.Printf("scorecard store failed for project=%s: %v", projectID, err)
		return false
	}
	return true
}

func (b *batchd) overrunProbabilities(projectID string, rows []kpi.Row) (float64, float64) {
	featureRows := make([]map[string]float64, len(rows))
	for i, r := range rows {
		featureRows[i] = r.Features
	}

	lagged, err := overrun.BuildLagFeatures(featureRows)
	if err != nil {
		log.Printf("lag features failed for project=%s: %v", projectID, err)
		return 0, 0
	}

	timePred, err := b.suite.PredictTime(lagged)
	if err != nil {
		log.Printf("time overrun prediction failed for project=%s: %v", projectID, err)
		return 0, 0
	}
	costPred, err := b.suite.PredictCost(lagged)
	if err != nil {
		log.Printf("cost overrun prediction failed for project=%s: %v", projectID, err)
		return timePred.Probability, 0
	}
	return timePred.Probability, costPred.Probability
}

func (b *batchd) highRiskRate(projectID string) float64 {
	states := b.riskStates[projectID]
	if len(states) == 0 {
		return 0
	}
	high := 0
	for _, s := range states {
		if s == safety.StateHighRisk {
			high++
		}
	}
	return float64(high) / float64(len(states))
}

// checkDrift primes the detector baseline from the first full window, then
// reports drifted features on every later cycle.
func (b *batchd) checkDrift() {
	if !b.baselineReady {
		values := b.collectFeatureValues()
		if len(values) == 0 {
			return
		}
		for _, vs := range values {
			if len(vs) < 30 {
				return
			}
		}
		for feature, vs := range values {
			b.detector.SetBaseline(feature, vs)
		}
		b.baselineReady = true
		log.Printf("drift baseline primed from %d projects", len(b.history))
		return
	}

	reports := b.detector.CheckAll()
	b.metrics.DriftChecks.Inc()
	for _, r := range reports {
		if r.Drifted {
			log.Printf("drift detected: feature=%s ks=%.3f p=%.4f recent_n=%d",
				r.Feature, r.Statistic, r.PValue, r.RecentN)
		}
	}
}

func (b *batchd) collectFeatureValues() map[string][]float64 {
	values := make(map[string][]float64)
	ids := make([]string, 0, len(b.history))
	for id := range b.history {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		for _, row := range b.history[id] {
			for feature, v := range row.Features {
				values[feature] = append(values[feature], v)
			}
		}
	}
	return values
}

func serveHTTP(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "ok")
	})

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	log.Printf("metrics server listening on %s", addr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("metrics server failed: %v", err)
	}
}

func getEnv(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getEnvInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		log.Printf("invalid %s=%q, using default %d", key, value, fallback)
		return fallback
	}
	return n
}
