// Package httpapi is the single HTTP surface of the orchestrator: the
// authenticated operator API (outbound placement, call reads, search), the
// provider webhook ingress, the media websockets, and the operational
// endpoints (health, status, metrics, observability summary).
package httpapi

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/routatel/trunkline/internal/call"
	"github.com/routatel/trunkline/internal/config"
	"github.com/routatel/trunkline/internal/health"
	"github.com/routatel/trunkline/internal/jobs"
	"github.com/routatel/trunkline/internal/observe"
	"github.com/routatel/trunkline/internal/route"
	"github.com/routatel/trunkline/internal/store"
	"github.com/routatel/trunkline/internal/webhook"
)

// Config wires the server's collaborators.
type Config struct {
	Cfg *config.Config

	Store   store.Store
	Router  *route.Router
	Manager *call.Manager

	// Runner enqueues deferred work from webhook handlers (SMS
	// reconciliation). Optional.
	Runner *jobs.Runner

	// Verifier authenticates operator requests; Dedupe collapses replays.
	Verifier *webhook.Verifier
	Dedupe   *webhook.Dedupe

	// Window feeds the GPT observability summary. Optional.
	Window *observe.Window

	// Health serves /health and /ready. Optional; when nil a bare
	// liveness handler is mounted.
	Health *health.Handler

	// MetricsHandler serves /metrics (the Prometheus exporter). Optional.
	MetricsHandler http.Handler

	Logger *slog.Logger
}

// Server is the assembled HTTP API.
type Server struct {
	cfg      *config.Config
	st       store.Store
	router   *route.Router
	manager  *call.Manager
	runner   *jobs.Runner
	verifier *webhook.Verifier
	dedupe   *webhook.Dedupe
	window   *observe.Window
	healthz  *health.Handler
	metrics  http.Handler
	log      *slog.Logger
	started  time.Time
}

// New validates the wiring and builds a Server.
func New(c Config) (*Server, error) {
	if c.Cfg == nil {
		return nil, errors.New("httpapi: config must not be nil")
	}
	if c.Store == nil {
		return nil, errors.New("httpapi: store must not be nil")
	}
	if c.Router == nil {
		return nil, errors.New("httpapi: provider router must not be nil")
	}
	if c.Manager == nil {
		return nil, errors.New("httpapi: call manager must not be nil")
	}
	if c.Verifier == nil {
		return nil, errors.New("httpapi: webhook verifier must not be nil")
	}
	if c.Dedupe == nil {
		return nil, errors.New("httpapi: webhook dedupe must not be nil")
	}
	log := c.Logger
	if log == nil {
		log = slog.Default()
	}
	healthz := c.Health
	if healthz == nil {
		healthz = health.New()
	}
	return &Server{
		cfg:      c.Cfg,
		st:       c.Store,
		router:   c.Router,
		manager:  c.Manager,
		runner:   c.Runner,
		verifier: c.Verifier,
		dedupe:   c.Dedupe,
		window:   c.Window,
		healthz:  healthz,
		metrics:  c.MetricsHandler,
		log:      log,
		started:  time.Now(),
	}, nil
}

// Handler builds the route tree.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Get("/health", s.healthz.Health)
	r.Get("/ready", s.healthz.Ready)
	r.Get("/status", s.handleStatus)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics)
	}
	r.Get("/api/observability/gpt", s.handleObservability)

	r.Post("/outbound-call", s.handleOutboundCall)

	r.Route("/api/calls", func(r chi.Router) {
		r.Get("/", s.handleListCalls)
		r.Get("/list", s.handleListCalls)
		r.Get("/search", s.handleSearchCalls)
		r.Get("/{callSID}", s.handleGetCall)
		r.Get("/{callSID}/status", s.handleCallStatus)
		r.Get("/{callSID}/transcript/audio", s.handleTranscriptAudio)
	})

	r.Post("/webhook/twilio-voice", s.handleTwilioVoice)
	r.Post("/webhook/twilio-status", s.handleTwilioStatus)
	r.Post("/webhook/twilio-gather", s.handleTwilioGather)
	r.Post("/webhook/vonage-answer", s.handleVonageAnswer)
	r.Post("/webhook/vonage-event", s.handleVonageEvent)
	r.Post("/webhook/sms-status", s.handleSMSStatus)

	r.Get("/media/twilio", s.handleTwilioMedia)
	r.Get("/media/vonage", s.handleVonageMedia)

	return r
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()))
	})
}
