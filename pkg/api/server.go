// Package api is the HTTP surface of the dashboard composite plus the health,
// status and metrics endpoints every findash process serves.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/pprof"
	"strconv"
	"time"

	"findash/pkg/backend"
	"findash/pkg/composite"
	"findash/pkg/domain"
	"findash/pkg/logging"
	"findash/pkg/metrics"
	metricsmemory "findash/pkg/metrics/memory"
	"findash/pkg/resilience"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
)

// Server serves the dashboard API and the ops endpoints.
type Server struct {
	aggregator *composite.Aggregator
	dispatcher *composite.Dispatcher
	breakers   *resilience.Registry
	missing    KnownMissingReporter
	metrics    metrics.MetricsCollector
	gatherer   prometheus.Gatherer
	logger     *logging.Logger

	router *mux.Router
	server *http.Server
	config ServerConfig
}

// ServerConfig holds configuration for the API server.
type ServerConfig struct {
	// Address to listen on (e.g., ":8080")
	Address string

	// Service names the process in /status and spans.
	Service string

	// ReadTimeout for HTTP requests
	ReadTimeout time.Duration

	// WriteTimeout for HTTP responses. Must exceed the largest delay a dashboard
	// read may ask for.
	WriteTimeout time.Duration

	// MaxBodyBytes bounds write request bodies.
	MaxBodyBytes int64

	// EnablePprof enables Go profiling endpoints at /debug/pprof/*
	EnablePprof bool
}

// DefaultServerConfig returns a default configuration.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Address:      ":8080",
		Service:      "dashboard",
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 90 * time.Second,
		MaxBodyBytes: 1 << 20,
		EnablePprof:  false,
	}
}

// Option configures optional server collaborators.
type Option func(*Server)

// WithDashboard serves the dashboard routes from a and d.
func WithDashboard(a *composite.Aggregator, d *composite.Dispatcher) Option {
	return func(s *Server) {
		s.aggregator = a
		s.dispatcher = d
	}
}

// WithBreakers reports breaker states on /status.
func WithBreakers(r *resilience.Registry) Option {
	return func(s *Server) { s.breakers = r }
}

// KnownMissingReporter reports the account ids the fallback treats as not found.
type KnownMissingReporter interface {
	MissingStats() backend.MissingSetStats
}

// WithKnownMissing reports r on /status.
func WithKnownMissing(r KnownMissingReporter) Option {
	return func(s *Server) { s.missing = r }
}

// WithGatherer serves g on /metrics.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) { s.gatherer = g }
}

// WithMetrics serves the snapshot of m on /metrics/json when it has one.
func WithMetrics(m metrics.MetricsCollector) Option {
	return func(s *Server) { s.metrics = m }
}

// WithRoutes lets another component, such as a backend service, add its routes.
func WithRoutes(register func(r *mux.Router)) Option {
	return func(s *Server) { register(s.router) }
}

// NewServer creates a server. Without WithDashboard only the ops endpoints are served.
func NewServer(config ServerConfig, logger *logging.Logger, opts ...Option) *Server {
	if config.MaxBodyBytes <= 0 {
		config.MaxBodyBytes = DefaultServerConfig().MaxBodyBytes
	}
	s := &Server{
		metrics: metrics.NoOpCollector{},
		logger:  logger.OrGlobal().Named("api"),
		router:  mux.NewRouter(),
		config:  config,
	}
	for _, opt := range opts {
		opt(s)
	}

	r := s.router

	// Health and status endpoints
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)

	// Metrics endpoints
	r.HandleFunc("/metrics", s.handleMetrics).Methods(http.MethodGet)
	r.HandleFunc("/metrics/json", s.handleMetricsJSON).Methods(http.MethodGet)

	if s.aggregator != nil && s.dispatcher != nil {
		r.HandleFunc("/dashboard/{accountId}", s.handleGetDashboard).Methods(http.MethodGet)
		r.HandleFunc("/dashboard", s.handleCreateDashboard).Methods(http.MethodPost)
		r.HandleFunc("/dashboard/account", s.handleCreateAccount).Methods(http.MethodPost)
		r.HandleFunc("/dashboard/account/{accountId}", s.handleDeleteAccount).Methods(http.MethodDelete)
		r.HandleFunc("/dashboard/account/{accountId}/expense", s.handleCreateExpense).Methods(http.MethodPost)
		r.HandleFunc("/dashboard/account/{accountId}/expense/{expenseId}", s.handleDeleteExpense).Methods(http.MethodDelete)
	}

	// Optional pprof endpoints
	if config.EnablePprof {
		r.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		r.HandleFunc("/debug/pprof/profile", pprof.Profile)
		r.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		r.HandleFunc("/debug/pprof/trace", pprof.Trace)
		r.PathPrefix("/debug/pprof/").HandlerFunc(pprof.Index)
	}

	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	})

	s.server = &http.Server{
		Addr:         config.Address,
		Handler:      otelhttp.NewHandler(r, config.Service),
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
	}

	return s
}

// Handler returns the routed handler without tracing middleware.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start starts the HTTP server in a goroutine.
func (s *Server) Start() error {
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", zap.String("address", s.config.Address), zap.Error(err))
		}
	}()
	s.logger.Info("API server listening", zap.String("address", s.config.Address))
	return nil
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// handleHealth returns a simple health check.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	response := map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().Unix(),
	}

	writeJSON(w, http.StatusOK, response)
}

// handleStatus returns detailed status information, including breaker states.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	response := map[string]interface{}{
		"status":    "running",
		"service":   s.config.Service,
		"timestamp": time.Now().Unix(),
		"uptime":    time.Since(startTime).String(),
	}
	if s.breakers != nil {
		response["circuits"] = s.breakers.States()
	}
	if s.missing != nil {
		response["knownMissing"] = s.missing.MissingStats()
	}

	writeJSON(w, http.StatusOK, response)
}

// handleMetrics returns metrics in Prometheus text format.
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if s.gatherer != nil {
		promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}).ServeHTTP(w, r)
		return
	}

	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "# Metrics collector does not support Prometheus format\n")
}

// handleMetricsJSON returns metrics in JSON format.
func (s *Server) handleMetricsJSON(w http.ResponseWriter, r *http.Request) {
	if mc, ok := s.metrics.(*metricsmemory.MemoryCollector); ok {
		writeJSON(w, http.StatusOK, mc.Snapshot())
		return
	}

	response := map[string]interface{}{
		"error": "Metrics collector does not support JSON snapshot",
	}
	writeJSON(w, http.StatusOK, response)
}

func (s *Server) handleGetDashboard(w http.ResponseWriter, r *http.Request) {
	accountID, err := pathInt(r, "accountId")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	delay, err := queryInt(r, "delay")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	faultPercent, err := queryInt(r, "faultPercent")
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	view, err := s.aggregator.Summary(r.Context(), accountID, delay, faultPercent)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleCreateDashboard(w http.ResponseWriter, r *http.Request) {
	var body domain.DashboardAggregate
	if err := s.decode(w, r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.dispatcher.CreateAggregate(r.Context(), body); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleCreateAccount(w http.ResponseWriter, r *http.Request) {
	var body domain.AccountSummary
	if err := s.decode(w, r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.dispatcher.CreateAccount(r.Context(), body); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleDeleteAccount(w http.ResponseWriter, r *http.Request) {
	accountID, err := pathInt(r, "accountId")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.dispatcher.DeleteAccount(r.Context(), accountID); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCreateExpense(w http.ResponseWriter, r *http.Request) {
	accountID, err := pathInt(r, "accountId")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var body domain.ExpenseSummary
	if err := s.decode(w, r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.dispatcher.CreateExpense(r.Context(), accountID, body); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleDeleteExpense(w http.ResponseWriter, r *http.Request) {
	accountID, err := pathInt(r, "accountId")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	expenseID, err := pathInt(r, "expenseId")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.dispatcher.DeleteExpense(r.Context(), accountID, expenseID); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// decode reads a JSON body into v. Unknown fields are rejected.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.config.MaxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return domain.InvalidInputf("invalid request body: %v", err)
	}
	return nil
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	info := domain.NewErrorInfo(r.URL.Path, err)
	if info.Status >= http.StatusInternalServerError {
		s.logger.Warn("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", info.Status),
			zap.String("error_type", domain.ClassifyError(err)),
			zap.Error(err),
		)
	}
	writeJSON(w, info.Status, info)
}

func pathInt(r *http.Request, name string) (int, error) {
	raw := mux.Vars(r)[name]
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, domain.InvalidInputf("invalid %s: %s", name, raw)
	}
	return n, nil
}

// queryInt parses an optional integer query parameter; absent is 0.
func queryInt(r *http.Request, name string) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, domain.InvalidInputf("invalid %s: %s", name, raw)
	}
	return n, nil
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

var startTime = time.Now()
