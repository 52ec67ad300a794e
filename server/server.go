// Package server exposes the HTTP and WebSocket surface of the router.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/itsneelabh/metarouter/core"
	"github.com/itsneelabh/metarouter/intent"
	"github.com/itsneelabh/metarouter/manifest"
	"github.com/itsneelabh/metarouter/registry"
	"github.com/itsneelabh/metarouter/resilience"
	"github.com/itsneelabh/metarouter/routing"
	"github.com/itsneelabh/metarouter/stream"
	"github.com/itsneelabh/metarouter/telemetry"
)

// maxBodyBytes caps request bodies.
const maxBodyBytes = 1 << 20

// Server wires every component behind the HTTP mux.
type Server struct {
	engine    *intent.Engine
	router    *routing.Router
	breaker   *resilience.CircuitBreaker
	registry  *registry.Registry
	refresher *manifest.Refresher
	bus       *stream.Bus
	metrics   *telemetry.Metrics
	gatherer  prometheus.Gatherer
	reload    func() error
	logger    core.Logger
	now       func() time.Time

	hub  *Hub
	http *http.Server
}

// Options collects the server dependencies.
type Options struct {
	Port      int
	Engine    *intent.Engine
	Router    *routing.Router
	Breaker   *resilience.CircuitBreaker
	Registry  *registry.Registry
	Refresher *manifest.Refresher
	Bus       *stream.Bus
	Metrics   *telemetry.Metrics
	Gatherer  prometheus.Gatherer
	Reload    func() error
	Logger    core.Logger
}

// New builds the server and its route table.
func New(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	s := &Server{
		engine:    opts.Engine,
		router:    opts.Router,
		breaker:   opts.Breaker,
		registry:  opts.Registry,
		refresher: opts.Refresher,
		bus:       opts.Bus,
		metrics:   opts.Metrics,
		gatherer:  opts.Gatherer,
		reload:    opts.Reload,
		logger:    logger,
		now:       time.Now,
	}
	s.hub = NewHub(s.router, s.registry, s.bus, s.metrics, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /health/services", s.handleServiceHealth)
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("GET /metrics/summary", s.handleMetricsSummary)
	mux.HandleFunc("POST /intent/recognize", s.handleRecognize)
	mux.HandleFunc("POST /intent/analyze", s.handleAnalyze)
	mux.HandleFunc("POST /intent/test", s.handleTest)
	mux.HandleFunc("POST /route", s.handleRoute)
	mux.HandleFunc("GET /config/rules", s.handleGetRules)
	mux.HandleFunc("PUT /config/rules/{id}", s.handlePutRule)
	mux.HandleFunc("POST /config/reload", s.handleReload)
	mux.HandleFunc("GET /manifests", s.handleListManifests)
	mux.HandleFunc("GET /manifests/jobs/history", s.handleJobHistory)
	mux.HandleFunc("POST /manifests/jobs/{jobId}/approve", s.handleApprove)
	mux.HandleFunc("POST /manifests/jobs/{jobId}/rollback", s.handleRollback)
	mux.HandleFunc("GET /manifests/{service}", s.handleGetManifest)
	mux.HandleFunc("POST /manifests/{service}/refresh", s.handleRefresh)
	mux.HandleFunc("GET /ws", s.hub.HandleUpgrade)

	s.http = &http.Server{
		Addr:              fmt.Sprintf(":%d", opts.Port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler exposes the mux for tests.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

// Start runs the listener and the WebSocket push loops until the context
// is canceled.
func (s *Server) Start(ctx context.Context) error {
	s.hub.Start(ctx)

	s.logger.Info("HTTP server starting", map[string]interface{}{
		"operation": "server_start",
		"address":   s.http.Addr,
	})
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests and closes the hub.
func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.Stop()
	return s.http.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"timestamp": s.now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleServiceHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.registry.AllHealth())
}

func (s *Server) handleMetricsSummary(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.router.GetMetrics())
}

func (s *Server) handleRecognize(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeIntentRequest(w, r)
	if !ok {
		return
	}
	start := s.now()
	resp, err := s.engine.ClassifyIntent(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.observe(resp, http.StatusOK, s.now().Sub(start))
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Text string `json:"text"`
	}
	if !s.decodeJSON(w, r, &body) {
		return
	}
	start := s.now()
	resp, err := s.engine.ClassifyIntent(r.Context(), &intent.Request{Text: body.Text})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.observe(resp, http.StatusOK, s.now().Sub(start))
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleTest(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeIntentRequest(w, r)
	if !ok {
		return
	}
	resp, err := s.engine.ClassifyIntent(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	estimated := int64(50)
	if rec, ok := s.registry.HealthFor(resp.Routing.TargetService); ok {
		estimated = int64(rec.LatencyMillis)
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"intent":           resp,
		"wouldRoute":       true,
		"targetService":    resp.Routing.TargetService,
		"estimatedLatency": estimated,
		"confidence":       resp.RecognizedIntent.Confidence,
	})
}

func (s *Server) handleRoute(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeIntentRequest(w, r)
	if !ok {
		return
	}

	start := s.now()
	var result *routing.Result
	err := s.breaker.Execute(r.Context(), func(ctx context.Context) error {
		var routeErr error
		result, routeErr = s.router.Route(ctx, req)
		return routeErr
	})
	if err != nil {
		// A forward failure carries a rendered 504 result; the breaker has
		// already counted the error, so serve the body as-is.
		if result != nil && errors.Is(err, core.ErrUpstream) {
			s.observe(result.Intent, result.Status, s.now().Sub(start))
			for k, v := range result.Headers {
				w.Header().Set(k, v)
			}
			w.WriteHeader(result.Status)
			_, _ = w.Write(result.Body)
			return
		}
		if errors.Is(err, core.ErrCircuitBreakerOpen) {
			w.Header().Set("Retry-After", strconv.Itoa(int(s.breaker.RemainingReset().Seconds())+1))
		}
		s.writeError(w, r, err)
		return
	}

	s.observe(result.Intent, result.Status, s.now().Sub(start))

	for k, v := range result.Headers {
		w.Header().Set(k, v)
	}
	w.WriteHeader(result.Status)
	_, _ = w.Write(result.Body)
}

func (s *Server) handleGetRules(w http.ResponseWriter, r *http.Request) {
	bundle := s.engine.Bundle()
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"metaRouting":       bundle.MetaRouting,
		"intentCategories":  bundle.Categories,
		"contextualFactors": bundle.ContextualFactors,
		"routingRules":      bundle.Rules,
	})
}

func (s *Server) handlePutRule(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var rule intent.Rule
	if !s.decodeJSON(w, r, &rule) {
		return
	}
	if err := s.engine.ReplaceRule(id, rule); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	if s.reload == nil {
		s.writeJSON(w, http.StatusOK, map[string]interface{}{
			"success": false,
			"message": "reload not configured",
		})
		return
	}
	if err := s.reload(); err != nil {
		s.writeJSON(w, http.StatusInternalServerError, map[string]interface{}{
			"success": false,
			"message": err.Error(),
		})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"message": "configuration reloaded",
	})
}

func (s *Server) handleListManifests(w http.ResponseWriter, r *http.Request) {
	records, err := s.refresher.ListManifests()
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	summaries := make([]map[string]interface{}, 0, len(records))
	for _, rec := range records {
		summary := map[string]interface{}{
			"service":      rec.Name,
			"lastModified": rec.LastModifiedUtc,
			"source":       rec.Source,
		}
		if job := s.refresher.LatestJobFor(rec.Name); job != nil {
			summary["driftScore"] = job.DriftScore
			summary["lastJobStatus"] = job.Status
			summary["lastJobAt"] = job.UpdatedAtUtc
		}
		summaries = append(summaries, summary)
	}
	s.writeJSON(w, http.StatusOK, summaries)
}

func (s *Server) handleGetManifest(w http.ResponseWriter, r *http.Request) {
	record, err := s.refresher.GetManifest(r.PathValue("service"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, record)
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var opts manifest.RefreshOptions
	if r.ContentLength != 0 {
		if !s.decodeJSON(w, r, &opts) {
			return
		}
	}
	job, err := s.refresher.TriggerRefresh(r.PathValue("service"), opts)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) handleJobHistory(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.refresher.ListJobs())
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	job, err := s.refresher.Approve(r.PathValue("jobId"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleRollback(w http.ResponseWriter, r *http.Request) {
	job, err := s.refresher.Rollback(r.PathValue("jobId"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, job)
}

func (s *Server) decodeIntentRequest(w http.ResponseWriter, r *http.Request) (*intent.Request, bool) {
	var req intent.Request
	if !s.decodeJSON(w, r, &req) {
		return nil, false
	}
	return &req, true
}

func (s *Server) decodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	defer r.Body.Close()
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		s.writeError(w, r, fmt.Errorf("invalid request body: %v: %w", err, core.ErrValidation))
		return false
	}
	return true
}

// observe records Prometheus counters for one classified request.
func (s *Server) observe(resp *intent.Response, status int, elapsed time.Duration) {
	if s.metrics == nil || resp == nil {
		return
	}
	service := resp.Routing.TargetService
	category := resp.RecognizedIntent.Category
	s.metrics.RequestsTotal.WithLabelValues(service, category, strconv.Itoa(status)).Inc()
	s.metrics.LatencySeconds.WithLabelValues(service, category).Observe(elapsed.Seconds())
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Error("Response encoding failed", map[string]interface{}{
			"operation": "write_json",
			"error":     err.Error(),
		})
	}
}

// writeError maps domain errors onto HTTP statuses.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= 500 {
		s.logger.Error("Request failed", map[string]interface{}{
			"operation": "http_request",
			"method":    r.Method,
			"path":      r.URL.Path,
			"status":    status,
			"error":     err.Error(),
		})
	}
	s.writeJSON(w, status, map[string]interface{}{
		"error":  err.Error(),
		"status": status,
	})
}

func statusFor(err error) int {
	switch {
	case core.IsValidation(err):
		return http.StatusBadRequest
	case core.IsNotFound(err):
		return http.StatusNotFound
	case core.IsStateError(err):
		return http.StatusConflict
	case errors.Is(err, core.ErrCircuitBreakerOpen), errors.Is(err, core.ErrCacheUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, core.ErrTimeout), errors.Is(err, core.ErrUpstreamTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case core.IsUpstream(err):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
