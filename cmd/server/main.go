package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/groundline/sitewise/internal/api"
	"github.com/groundline/sitewise/internal/auth"
	"github.com/groundline/sitewise/internal/cache"
	"github.com/groundline/sitewise/internal/drift"
	"github.com/groundline/sitewise/internal/metrics"
	"github.com/groundline/sitewise/internal/quantile"
	"github.com/groundline/sitewise/internal/safety"
	"github.com/groundline/sitewise/internal/scenario"
	"github.com/groundline/sitewise/internal/simulate"
	"github.com/groundline/sitewise/internal/snapshot"
	"github.com/groundline/sitewise/internal/store"
	"github.com/groundline/sitewise/internal/wal"
	"github.com/groundline/sitewise/pkg/otel"
)

type Server struct {
	builder    *snapshot.Builder
	stats      *snapshot.StatsTracker
	engine     *simulate.Engine
	safety     *safety.Engine
	thresholds *safety.Registry
	store      store.Store
	journal    *wal.Journal
	detector   *drift.Detector
	metrics    *metrics.Metrics
	limiter    *rate.Limiter
	resultTTL  time.Duration

	metricsAuth struct {
		enabled  bool
		user     string
		password string
	}
}

func main() {
	st, err := store.Open(store.Config{
		Backend:       getEnv("STORE_BACKEND", "memory"),
		SnapshotPath:  getEnv("STORE_SNAPSHOT", "data/store.json"),
		RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("REDIS_DB", 0),
		PostgresURL:   getEnv("POSTGRES_CONN", ""),
	})
	if err != nil {
		log.Fatalf("Failed to open store: %v", err)
	}

	journal, err := wal.NewJournal(getEnv("WAL_DIR", "data/wal"))
	if err != nil {
		log.Fatalf("Failed to open scenario journal: %v", err)
	}

	respCache, err := cache.NewLRUWithTTL[string, *simulate.Result](
		getEnvInt("CACHE_SIZE", 4096),
		time.Duration(getEnvInt("CACHE_TTL_SECONDS", 300))*time.Second,
	)
	if err != nil {
		log.Fatalf("Failed to create response cache: %v", err)
	}

	ensemble, err := loadEnsemble()
	if err != nil {
		log.Fatalf("Failed to load quantile ensemble: %v", err)
	}

	budget := time.Duration(getEnvInt("SCENARIO_BUDGET_MS", 300)) * time.Millisecond
	engine := simulate.NewEngine(scenario.DefaultApplier(), ensemble, respCache, budget)

	m := metrics.New()

	thresholds := safety.NewRegistry()
	active, err := loadThresholds(thresholds)
	if err != nil {
		log.Fatalf("Failed to load safety thresholds: %v", err)
	}
	m.SetActiveThresholdVersion(active)

	tokenRate := getEnvInt("TOKEN_RATE", 100)

	srv := &Server{
		builder:    snapshot.NewBuilder(nil),
		stats:      snapshot.NewStatsTracker(),
		engine:     engine,
		safety:     safety.NewEngine(),
		thresholds: thresholds,
		store:      st,
		journal:    journal,
		detector:   drift.NewDetector(getEnvInt("DRIFT_WINDOW", 500), 0.05),
		metrics:    m,
		limiter:    rate.NewLimiter(rate.Limit(tokenRate), tokenRate*2),
		resultTTL:  time.Duration(getEnvInt("RESULT_TTL_SECONDS", 86400)) * time.Second,
	}
	srv.metricsAuth.enabled = getEnv("METRICS_USER", "") != ""
	srv.metricsAuth.user = getEnv("METRICS_USER", "")
	srv.metricsAuth.password = getEnv("METRICS_PASS", "")

	// Optional tracing
	if getEnv("OTEL_ENABLED", "false") == "true" {
		cfg := otel.DefaultConfig("sitewise-server")
		cfg.CollectorEndpoint = getEnv("OTEL_COLLECTOR", cfg.CollectorEndpoint)
		tp, err := otel.InitTracer(context.Background(), cfg)
		if err != nil {
			log.Fatalf("Failed to init tracing: %v", err)
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			otel.Shutdown(ctx, tp)
		}()
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/scenario/score", srv.handleScenario)
	mux.HandleFunc("/v1/safety/evaluate", srv.handleSafety)
	mux.HandleFunc("/v1/telemetry/ingest", srv.handleIngest)
	mux.HandleFunc("/v1/telemetry/stats", srv.handleStats)
	mux.HandleFunc("/v1/thresholds/active", srv.handleActiveThresholds)
	mux.Handle("/metrics", srv.metricsHandler())
	mux.HandleFunc("/health", handleHealth)

	var handler http.Handler = mux
	if getEnv("AUTH_ENABLED", "false") == "true" {
		handler = auth.Middleware(auth.DefaultConfig())(mux)
	}

	port := getEnv("PORT", "8080")
	httpServer := &http.Server{
		Addr:         ":" + port,
		Handler:      handler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// warm caches from requests accepted before the last shutdown
	go srv.replayJournal(journal.Path())

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	go func() {
		log.Printf("Starting server on port %s", port)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	<-shutdown
	log.Println("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		log.Printf("Server shutdown error: %v", err)
	}

	if err := journal.Close(); err != nil {
		log.Printf("Error closing journal: %v", err)
	}
	if err := st.Close(); err != nil {
		log.Printf("Error closing store: %v", err)
	}

	log.Println("Server stopped")
}

// loadEnsemble builds the quantile ensemble from artifact paths when all
// three are configured, otherwise from the bundled models.
func loadEnsemble() (*quantile.Ensemble, error) {
	if dir := getEnv("MODEL_DIR", ""); dir != "" {
		return loadEnsembleFromRegistry(dir)
	}

	p10 := getEnv("MODEL_P10", "")
	p50 := getEnv("MODEL_P50", "")
	p90 := getEnv("MODEL_P90", "")
	if p10 == "" || p50 == "" || p90 == "" {
		return quantile.DefaultEnsemble(), nil
	}

	low, err := quantile.LoadModel(p10)
	if err != nil {
		return nil, err
	}
	mid, err := quantile.LoadModel(p50)
	if err != nil {
		return nil, err
	}
	high, err := quantile.LoadModel(p90)
	if err != nil {
		return nil, err
	}
	return quantile.NewEnsemble(low, mid, high)
}

// loadEnsembleFromRegistry opens one model registry per quantile under dir
// and serves whichever version each registry has marked active.
func loadEnsembleFromRegistry(dir string) (*quantile.Ensemble, error) {
	models := make([]*quantile.GradientBoostedModel, 0, 3)
	for _, sub := range []string{"p10", "p50", "p90"} {
		registry, err := quantile.NewRegistry(filepath.Join(dir, sub))
		if err != nil {
			return nil, fmt.Errorf("opening %s registry: %w", sub, err)
		}
		model, err := registry.LoadActive()
		if err != nil {
			return nil, fmt.Errorf("loading active %s model: %w", sub, err)
		}
		models = append(models, model)
	}
	return quantile.NewEnsemble(models[0], models[1], models[2])
}

// loadThresholds registers and promotes the configured threshold set (or the
// default), returning the active version.
func loadThresholds(registry *safety.Registry) (string, error) {
	set := safety.DefaultThresholdSet()

	if path := getEnv("THRESHOLDS_FILE", ""); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return "", err
		}
		var fromFile safety.ThresholdSet
		if err := json.Unmarshal(data, &fromFile); err != nil {
			return "", err
		}
		set = &fromFile
	}

	if err := registry.Register(set); err != nil {
		return "", err
	}
	if err := registry.Promote(set.Version); err != nil {
		return "", err
	}
	return set.Version, nil
}

// replayJournal re-scores requests journaled earlier today so the response
// cache and last-known predictions survive a restart. Best effort.
func (s *Server) replayJournal(path string) {
	count := 0
	err := wal.Replay(path, func(e wal.Entry) error {
		var req api.ScenarioRequest
		if err := json.Unmarshal(e.Body, &req); err != nil {
			return nil
		}
		if req.Validate() != nil {
			return nil
		}
		state, err := s.resolveBaseline(context.Background(), &req)
		if err != nil {
			return nil
		}
		if _, err := s.engine.Run(context.Background(), state, req.Deltas); err == nil {
			count++
		}
		return nil
	})
	if err != nil {
		log.Printf("Journal replay error: %v", err)
	}
	if count > 0 {
		log.Printf("Replayed %d journaled scenarios", count)
	}
}

func (s *Server) handleScenario(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if !s.limiter.Allow() {
		w.Header().Set("Retry-After", "10")
		writeError(w, http.StatusTooManyRequests, "too many requests")
		return
	}

	start := time.Now()
	s.metrics.ScenarioRequests.Inc()

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}

	// journal before parsing so accepted work survives a crash
	if err := s.journal.Append(body); err != nil {
		log.Printf("Journal append error: %v", err)
		s.metrics.WALErrors.Inc()
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	var req api.ScenarioRequest
	if err := json.Unmarshal(body, &req); err != nil {
		s.metrics.ScenarioErrors.Inc()
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if err := req.Validate(); err != nil {
		s.metrics.ScenarioErrors.Inc()
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ctx, span := otel.StartSpan(r.Context(), "sitewise-server", "scenario.score",
		otel.AttrProjectID.String(req.ProjectID),
		otel.AttrDeltaCount.Int(len(req.Deltas)),
	)
	defer span.End()

	state, err := s.resolveBaseline(ctx, &req)
	if err != nil {
		s.metrics.ScenarioErrors.Inc()
		otel.RecordError(span, err, "baseline resolution failed")
		status, msg := classifyError(err)
		writeError(w, status, msg)
		return
	}

	result, err := s.engine.Run(ctx, state, req.Deltas)
	if err != nil {
		s.metrics.ScenarioErrors.Inc()
		otel.RecordError(span, err, "scenario scoring failed")
		status, msg := classifyError(err)
		writeError(w, status, msg)
		return
	}

	span.SetAttributes(otel.ScenarioAttributes(result.ScenarioID, result.ProjectID,
		len(req.Deltas), result.Degraded, result.Cached)...)
	span.SetAttributes(otel.ModelAttributes(result.Prediction.ModelVersion,
		result.Prediction.Reordered, result.LatencyMs)...)

	if result.Degraded {
		s.metrics.ScenarioTimeouts.Inc()
	}
	if result.Cached {
		s.metrics.ScenarioCacheHits.Inc()
	}
	s.metrics.ScenarioLatency.WithLabelValues("total").Observe(time.Since(start).Seconds())

	resp := toScenarioResponse(result)
	if _, err := s.store.PutResult(ctx, result.ScenarioID, resp, s.resultTTL); err != nil {
		log.Printf("Failed to persist scenario result: %v", err)
	}

	writeJSON(w, http.StatusOK, resp)
}

// resolveBaseline builds the project state from the inlined baseline or the
// snapshot store.
func (s *Server) resolveBaseline(ctx context.Context, req *api.ScenarioRequest) (*snapshot.ProjectState, error) {
	if len(req.Baseline) > 0 {
		return s.builder.Build(req.ProjectID, req.BaselineAt, req.Baseline)
	}

	snap, err := s.store.GetSnapshot(ctx, req.ProjectID)
	if err != nil {
		return nil, err
	}
	return s.builder.Build(snap.ProjectID, snap.Timestamp, snap.Features)
}

func (s *Server) handleSafety(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if !s.limiter.Allow() {
		w.Header().Set("Retry-After", "10")
		writeError(w, http.StatusTooManyRequests, "too many requests")
		return
	}

	var req api.SafetyRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	_, span := otel.StartSpan(r.Context(), "sitewise-server", "safety.evaluate",
		otel.AttrProjectID.String(req.ProjectID),
	)
	defer span.End()

	set, err := s.thresholds.GetActive()
	if err != nil {
		otel.RecordError(span, err, "no active threshold set")
		writeError(w, http.StatusServiceUnavailable, "no active threshold set")
		return
	}

	assessment, err := s.safety.Evaluate(req.Features, set)
	if err != nil {
		otel.RecordError(span, err, "safety evaluation failed")
		status, msg := classifyError(err)
		writeError(w, status, msg)
		return
	}

	span.SetAttributes(otel.SafetyAttributes(assessment.State, assessment.ThresholdVersion,
		len(assessment.Triggered))...)
	s.metrics.SafetyEvaluations.WithLabelValues(assessment.State).Inc()

	triggered := make([]api.TriggeredFactor, len(assessment.Triggered))
	for i, f := range assessment.Triggered {
		triggered[i] = api.TriggeredFactor{Factor: f.Factor, Value: f.Value, Threshold: f.Threshold}
	}
	writeJSON(w, http.StatusOK, api.SafetyResponse{
		ProjectID:        req.ProjectID,
		Date:             req.Date,
		RiskLevel:        assessment.State,
		Triggered:        triggered,
		Recommendations:  assessment.Recommendations,
		Indicators:       assessment.Indicators,
		ThresholdVersion: assessment.ThresholdVersion,
		EvaluatedAt:      assessment.EvaluatedAt,
	})
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req api.IngestRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		s.metrics.IngestErrors.Inc()
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if err := req.Validate(); err != nil {
		s.metrics.IngestErrors.Inc()
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	// schema check before accepting the row
	state, err := s.builder.Build(req.ProjectID, req.Timestamp, req.Features)
	if err != nil {
		s.metrics.IngestErrors.Inc()
		status, msg := classifyError(err)
		writeError(w, status, msg)
		return
	}

	if err := s.store.PutSnapshot(r.Context(), store.StoredSnapshot{
		ProjectID: req.ProjectID,
		Timestamp: req.Timestamp,
		Features:  req.Features,
	}); err != nil {
		log.Printf("Failed to store snapshot: %v", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	s.stats.Observe(state)
	s.detector.ObserveRow(req.Features)
	s.metrics.IngestTotal.Inc()

	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	projectID := r.URL.Query().Get("project")
	if projectID == "" {
		writeError(w, http.StatusBadRequest, "project query parameter is required")
		return
	}

	stats, ok := s.stats.Get(projectID)
	if !ok {
		writeError(w, http.StatusNotFound, "no telemetry observed for project")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleActiveThresholds(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	set, err := s.thresholds.GetActive()
	if err != nil {
		writeError(w, http.StatusNotFound, "no active threshold set")
		return
	}
	writeJSON(w, http.StatusOK, set)
}

func (s *Server) metricsHandler() http.Handler {
	handler := promhttp.Handler()
	if !s.metricsAuth.enabled {
		return handler
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != s.metricsAuth.user || pass != s.metricsAuth.password {
			w.Header().Set("WWW-Authenticate", `Basic realm="Metrics"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		handler.ServeHTTP(w, r)
	})
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

// classifyError maps the error taxonomy onto HTTP statuses: validation
// failures are 400, a missing baseline 404, model trouble 503.
func classifyError(err error) (int, string) {
	var schemaErr *snapshot.SchemaMismatchError
	var deltaErr *scenario.InvalidDeltaError
	var inputErr *safety.IncompleteInputError
	var modelErr *quantile.ModelUnavailableError

	switch {
	case errors.As(err, &schemaErr), errors.As(err, &deltaErr), errors.As(err, &inputErr):
		return http.StatusBadRequest, err.Error()
	case errors.As(err, &modelErr):
		return http.StatusServiceUnavailable, err.Error()
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound, "no baseline snapshot for project"
	default:
		return http.StatusInternalServerError, "internal server error"
	}
}

func toScenarioResponse(result *simulate.Result) api.ScenarioResponse {
	clamps := make([]api.ClampWarning, len(result.Clamps))
	for i, c := range result.Clamps {
		clamps[i] = api.ClampWarning{
			Feature:   c.Feature,
			Requested: c.Requested,
			Applied:   c.Applied,
			Bound:     c.Bound,
			Kind:      c.Kind,
		}
	}
	return api.ScenarioResponse{
		ScenarioID: result.ScenarioID,
		ProjectID:  result.ProjectID,
		Prediction: api.QuantileBand{
			P10:          result.Prediction.P10,
			P50:          result.Prediction.P50,
			P90:          result.Prediction.P90,
			Reordered:    result.Prediction.Reordered,
			ModelVersion: result.Prediction.ModelVersion,
		},
		PredictedProgress: result.PredictedProgress,
		Clamps:            clamps,
		Degraded:          result.Degraded,
		Stale:             result.Stale,
		Cached:            result.Cached,
		LatencyMs:         result.LatencyMs,
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, api.ErrorResponse{
		Error:   true,
		Status:  status,
		Message: message,
	})
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}
