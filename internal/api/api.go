// Package api serves the HTTP ingestion and alert endpoints.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"ecg-sentinel/internal/dispatch"
	"ecg-sentinel/internal/monitor"
	"ecg-sentinel/internal/responder"
	"ecg-sentinel/internal/signal"
	"ecg-sentinel/internal/storage"
)

const (
	defaultMaxSamples = 5000
	maxBodyBytes      = 1 << 20
	defaultListLimit  = 20
	maxListLimit      = 500
)

// AlertService is the dispatcher surface the handlers need.
type AlertService interface {
	Escalate(ctx context.Context, req dispatch.Request) (*dispatch.Summary, error)
	Resolve(ctx context.Context, alertID string) (storage.Alert, error)
	Get(ctx context.Context, alertID string) (dispatch.Detail, error)
	ConfirmDelivery(ctx context.Context, outcomeID string) (storage.DeliveryOutcome, error)
}

// AlertLister lists stored alerts.
type AlertLister interface {
	ListRecentAlerts(ctx context.Context, limit int, subject string) ([]storage.Alert, error)
}

// Monitor is the session hub surface the handlers need.
type Monitor interface {
	Start(ctx context.Context, subject string, loc responder.Location) (*monitor.Session, bool, error)
	Stop(ctx context.Context, subject string) error
	Session(subject string) (*monitor.Session, error)
	Subjects() []string
	Publish(subject string, w signal.SampleWindow, loc *responder.Location) (bool, error)
}

// Deps are the collaborators of the API.
type Deps struct {
	Alerts   AlertService
	Lister   AlertLister
	Hub      Monitor
	Analyzer monitor.Assessor
	Metrics  http.Handler
	Ready    func(ctx context.Context) error
}

// Options tune request handling.
type Options struct {
	MaxSamples int
}

// API holds the handlers.
type API struct {
	logger     zerolog.Logger
	deps       Deps
	maxSamples int
}

// New creates the API.
func New(logger zerolog.Logger, deps Deps, opts Options) *API {
	if deps.Alerts == nil || deps.Lister == nil || deps.Hub == nil {
		panic("api: alerts, lister and hub are required")
	}
	if deps.Analyzer == nil {
		deps.Analyzer = signal.NewAnalyzer()
	}
	maxSamples := opts.MaxSamples
	if maxSamples <= 0 {
		maxSamples = defaultMaxSamples
	}
	return &API{
		logger:     logger.With().Str("component", "api").Logger(),
		deps:       deps,
		maxSamples: maxSamples,
	}
}

// RegisterRoutes attaches the endpoints to r.
func (a *API) RegisterRoutes(r chi.Router) {
	r.Get("/-/healthy", a.handleHealthy)
	r.Get("/-/ready", a.handleReady)
	if a.deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", a.deps.Metrics)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/subjects", a.handleListSubjects)
		r.Route("/subjects/{id}", func(r chi.Router) {
			r.Put("/", a.handleStartSubject)
			r.Get("/", a.handleSubjectSnapshot)
			r.Delete("/", a.handleStopSubject)
			r.Post("/samples", a.handleIngest)
			r.Post("/cancel", a.handleCancel)
		})

		r.Post("/alerts", a.handleCreateAlert)
		r.Get("/alerts", a.handleListAlerts)
		r.Get("/alerts/{id}", a.handleGetAlert)
		r.Post("/alerts/{id}/resolve", a.handleResolveAlert)

		r.Post("/outcomes/{id}/delivered", a.handleDelivered)
	})
}

// Handler builds the full middleware stack around the routes.
func (a *API) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(a.accessLog)
	r.Use(middleware.Recoverer)
	a.RegisterRoutes(r)

	return otelhttp.NewHandler(r, "http.server",
		otelhttp.WithFilter(func(r *http.Request) bool {
			return r.URL.Path != "/-/healthy" && r.URL.Path != "/-/ready" && r.URL.Path != "/metrics"
		}),
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}),
	)
}

func (a *API) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		if r.URL.Path == "/-/healthy" || r.URL.Path == "/-/ready" || r.URL.Path == "/metrics" {
			return
		}
		a.logger.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("elapsed", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("request")
	})
}

func (a *API) handleHealthy(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *API) handleReady(w http.ResponseWriter, r *http.Request) {
	if a.deps.Ready != nil {
		if err := a.deps.Ready(r.Context()); err != nil {
			a.logger.Warn().Err(err).Msg("readiness check failed")
			writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type errorBody struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	var maxErr *http.MaxBytesError
	switch {
	case errors.Is(err, storage.ErrNotFound), errors.Is(err, monitor.ErrNotMonitoring):
		return http.StatusNotFound
	case errors.Is(err, storage.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, dispatch.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.As(err, &maxErr):
		return http.StatusRequestEntityTooLarge
	default:
		return http.StatusInternalServerError
	}
}
