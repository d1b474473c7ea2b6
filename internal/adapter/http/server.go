package http

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/couchcryptid/crowdwatch-pipeline/internal/adapter/vision"
	"github.com/couchcryptid/crowdwatch-pipeline/internal/aggregate"
	"github.com/couchcryptid/crowdwatch-pipeline/internal/alert"
	"github.com/couchcryptid/crowdwatch-pipeline/internal/domain"
)

// ReadinessChecker reports whether the service is ready to serve traffic.
type ReadinessChecker interface {
	CheckReadiness(ctx context.Context) error
}

// LiveSource serves the pipeline's projections.
type LiveSource interface {
	ReadinessChecker
	Live() aggregate.LiveView
	History(r aggregate.Range) (aggregate.Report, error)
	Observations(r aggregate.Range) ([]domain.Observation, error)
	Frames(n int) []domain.Observation
	Zone() *time.Location
}

// AlertHistory lists recently dispatched alerts.
type AlertHistory interface {
	Recent(since time.Time) []alert.Outcome
}

// SettingsStore reads and writes thresholds and notification targets.
type SettingsStore interface {
	Thresholds(ctx context.Context) (map[string]domain.AlertThresholdConfig, error)
	Threshold(ctx context.Context, location string) (domain.AlertThresholdConfig, bool, error)
	SaveThreshold(ctx context.Context, cfg domain.AlertThresholdConfig) error
	DeleteThreshold(ctx context.Context, location string) error
	NotifyTargets(ctx context.Context) (domain.NotifyTargets, bool, error)
	SaveNotifyTargets(ctx context.Context, t domain.NotifyTargets) error
}

// Services are the collaborators behind the API routes. Analyzer and Stream
// are optional; their routes answer 503 and 404 respectively when unset.
type Services struct {
	Pipeline       LiveSource
	Alerts         AlertHistory
	Settings       SettingsStore
	Analyzer       vision.Analyzer
	Stream         http.Handler
	Fallback       float64
	NotifyDefaults domain.NotifyTargets
	Clock          clockwork.Clock

	// Ready lists extra dependencies /readyz checks after the pipeline.
	Ready []ReadinessChecker
}

// analyzeWriteTimeout leaves room for an image analysis, which holds the
// response open for up to the vision timeout.
const analyzeWriteTimeout = 60 * time.Second

// Server exposes the dashboard API plus health, readiness, and metrics endpoints.
type Server struct {
	httpServer *http.Server
	svc        Services
	logger     *slog.Logger
}

// NewServer creates an HTTP server with every route registered.
func NewServer(addr string, svc Services, logger *slog.Logger) *Server {
	if svc.Clock == nil {
		svc.Clock = clockwork.NewRealClock()
	}
	mux := http.NewServeMux()

	s := &Server{
		httpServer: &http.Server{
			Addr:         addr,
			Handler:      mux,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: analyzeWriteTimeout,
			IdleTimeout:  60 * time.Second,
		},
		svc:    svc,
		logger: logger,
	}

	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /readyz", handleReady(append([]ReadinessChecker{svc.Pipeline}, svc.Ready...)))
	mux.Handle("GET /metrics", promhttp.Handler())

	mux.HandleFunc("GET /api/live", s.handleLive)
	mux.HandleFunc("GET /api/history", s.handleHistory)
	mux.HandleFunc("GET /api/history/export", s.handleExport)
	mux.HandleFunc("GET /api/alerts", s.handleAlerts)
	mux.HandleFunc("GET /api/frames", s.handleFrames)
	mux.HandleFunc("GET /api/settings", s.handleGetSettings)
	mux.HandleFunc("PUT /api/settings/{location}", s.handlePutThreshold)
	mux.HandleFunc("DELETE /api/settings/{location}", s.handleDeleteThreshold)
	mux.HandleFunc("PUT /api/notify", s.handlePutNotify)
	mux.HandleFunc("POST /api/analyze", s.handleAnalyze)
	if svc.Stream != nil {
		mux.Handle("GET /ws/live", svc.Stream)
	}

	return s
}

// Start begins listening. Returns http.ErrServerClosed on graceful shutdown.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully drains connections within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// ServeHTTP delegates to the underlying handler, useful for testing.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.httpServer.Handler.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func handleReady(checkers []ReadinessChecker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		for _, checker := range checkers {
			if err := checker.CheckReadiness(ctx); err != nil {
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{
					"status": "not ready",
					"error":  err.Error(),
				})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck // client may have gone away
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// errorStatus maps domain errors onto HTTP statuses.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, aggregate.ErrUnknownRange), errors.Is(err, domain.ErrInvalidThreshold):
		return http.StatusBadRequest
	case errors.Is(err, vision.ErrAnalysisTimeout):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
