// Package http serves the service's HTTP surface: health, readiness and
// metrics, the telemetry pull and push routes, the alert log and the
// personnel listing.
package http

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/couchcryptid/rockguard-telemetry/internal/alert"
	"github.com/couchcryptid/rockguard-telemetry/internal/domain"
	"github.com/couchcryptid/rockguard-telemetry/internal/hub"
	"github.com/couchcryptid/rockguard-telemetry/internal/personnel"
	sharedobs "github.com/couchcryptid/storm-data-shared/observability"
	"github.com/gorilla/handlers"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// TelemetryService is the distribution hub as seen by the HTTP layer.
type TelemetryService interface {
	Subscribe(loc domain.Location) (*hub.Subscription, error)
	Snapshot(ctx context.Context, loc domain.Location) (hub.Update, error)
	History(loc domain.Location) ([]hub.Update, error)
}

// AlertService is the alert engine as seen by the HTTP layer.
type AlertService interface {
	List(f alert.Filter) []domain.AlertRecord
	Test(level domain.Level) domain.AlertRecord
	Clear() domain.AlertRecord
	Conditions() []alert.Condition
	Acknowledge(key string) (domain.AlertRecord, error)
	Resolve(key string) (domain.AlertRecord, error)
	Subscribe() *alert.Stream
}

// PersonnelService is the personnel classifier as seen by the HTTP layer.
type PersonnelService interface {
	List(f personnel.Filter) []domain.Worker
	Get(id string) (domain.Worker, error)
	Totals() personnel.Totals
	Trend() []personnel.TrendPoint
	Update(u personnel.PositionUpdate) (domain.Worker, error)
}

// Services bundles the components behind the routes.
type Services struct {
	Telemetry TelemetryService
	Alerts    AlertService
	Personnel PersonnelService
	Ready     sharedobs.ReadinessChecker
}

// Server exposes the HTTP API.
type Server struct {
	httpServer *http.Server
	svc        Services
	upgrader   websocket.Upgrader
	logger     *slog.Logger
}

// NewServer creates the HTTP server. Requests from origins outside
// corsOrigins are refused by the CORS and WebSocket checks; "*" allows any.
func NewServer(addr string, svc Services, corsOrigins []string, logger *slog.Logger) *Server {
	mux := http.NewServeMux()
	logger = logger.With("component", "http")

	s := &Server{
		svc:    svc,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(corsOrigins),
		},
	}

	mux.HandleFunc("GET /healthz", sharedobs.LivenessHandler())
	mux.HandleFunc("GET /readyz", sharedobs.ReadinessHandler(svc.Ready))
	mux.Handle("GET /metrics", promhttp.Handler())

	mux.HandleFunc("GET /api/telemetry", s.handleSnapshot)
	mux.HandleFunc("GET /api/telemetry/history", s.handleHistory)
	mux.HandleFunc("GET /sse/telemetry", s.handleTelemetrySSE)
	mux.HandleFunc("GET /ws/telemetry", s.handleTelemetryWS)

	mux.HandleFunc("GET /api/alerts", s.handleListAlerts)
	mux.HandleFunc("GET /api/alerts/logs", s.handleListAlerts)
	mux.HandleFunc("GET /api/alerts/test", s.handleTestAlert)
	mux.HandleFunc("POST /api/alerts/test", s.handleTestAlert)
	mux.HandleFunc("DELETE /api/alerts", s.handleClearAlerts)
	mux.HandleFunc("DELETE /api/alerts/logs", s.handleClearAlerts)
	mux.HandleFunc("GET /api/alerts/conditions", s.handleConditions)
	mux.HandleFunc("POST /api/alerts/conditions/{key}/ack", s.handleAcknowledge)
	mux.HandleFunc("POST /api/alerts/conditions/{key}/resolve", s.handleResolve)
	mux.HandleFunc("GET /ws/alerts", s.handleAlertsWS)

	mux.HandleFunc("GET /api/personnel/live", s.handlePersonnelLive)
	mux.HandleFunc("GET /api/personnel/{id}", s.handleWorker)
	mux.HandleFunc("POST /api/personnel/{id}/position", s.handlePosition)

	var h http.Handler = mux
	h = handlers.CORS(
		handlers.AllowedOrigins(corsOrigins),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Content-Type"}),
	)(h)
	h = handlers.CustomLoggingHandler(io.Discard, h, accessLog(logger))
	h = handlers.RecoveryHandler(
		handlers.RecoveryLogger(slog.NewLogLogger(logger.Handler(), slog.LevelError)),
	)(h)

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		// No WriteTimeout: the SSE and WebSocket routes hold responses open
		// and bound each write themselves.
		IdleTimeout: 60 * time.Second,
	}
	return s
}

// accessLog routes gorilla's access log entries into slog.
func accessLog(logger *slog.Logger) handlers.LogFormatter {
	return func(_ io.Writer, p handlers.LogFormatterParams) {
		logger.Debug("http request",
			"method", p.Request.Method,
			"path", p.URL.Path,
			"status", p.StatusCode,
			"bytes", p.Size,
			"duration", time.Since(p.TimeStamp),
		)
	}
}

func originChecker(allowed []string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		for _, o := range allowed {
			if o == "*" || o == origin {
				return true
			}
		}
		return false
	}
}

// Start begins listening. Returns http.ErrServerClosed on graceful shutdown.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully drains connections within the given context deadline.
// Streaming handlers end when their subscriptions close, so close the hub
// and the alert engine before calling Shutdown.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// ServeHTTP delegates to the underlying handler, useful for testing.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.httpServer.Handler.ServeHTTP(w, r)
}

// errBadRequest marks query and body parsing failures.
var errBadRequest = errors.New("bad request")

func statusFor(err error) int {
	switch {
	case errors.Is(err, errBadRequest),
		errors.Is(err, domain.ErrInvalidLocation),
		errors.Is(err, domain.ErrInvalidLevel),
		errors.Is(err, domain.ErrInvalidWorker):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrUnknownCondition), errors.Is(err, domain.ErrWorkerNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, hub.ErrClosed), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	sharedobs.WriteJSON(w, status, map[string]string{"error": err.Error()})
}
