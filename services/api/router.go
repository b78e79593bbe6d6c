package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"vpsd/pkg/model"
	"vpsd/pkg/telemetry"
	"vpsd/services/billing"
	"vpsd/services/control"
)

const (
	// Stripe events are a few KiB; anything far larger is not a payment event.
	maxWebhookBody = 1 << 20
	userIDHeader   = "X-User-ID"
)

// WebhookHandler applies payment events.
type WebhookHandler interface {
	HandleEvent(ctx context.Context, payload []byte, signature string) (billing.Result, error)
}

// Controller runs power actions.
type Controller interface {
	ControlInstance(ctx context.Context, vmid int, requesterID uuid.UUID, action control.Action) (model.ServiceStatus, error)
}

// Pinger reports whether a dependency is reachable.
type Pinger func(ctx context.Context) error

// Config controls runtime behaviour for the HTTP handlers.
type Config struct {
	ServiceName string
	// ControlRateLimit is the number of power actions per client per minute.
	ControlRateLimit int
	RequestTimeout   time.Duration
}

// API wires dependencies for HTTP handlers.
type API struct {
	webhook WebhookHandler
	control Controller
	ready   Pinger
	config  Config
	logger  zerolog.Logger
}

func New(webhook WebhookHandler, ctrl Controller, ready Pinger, cfg Config, logger zerolog.Logger) (*API, error) {
	switch {
	case webhook == nil:
		return nil, errors.New("webhook handler is required")
	case ctrl == nil:
		return nil, errors.New("controller is required")
	case ready == nil:
		return nil, errors.New("readiness check is required")
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "vpsd"
	}
	if cfg.ControlRateLimit <= 0 {
		cfg.ControlRateLimit = 30
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 90 * time.Second
	}
	return &API{
		webhook: webhook,
		control: ctrl,
		ready:   ready,
		config:  cfg,
		logger:  logger.With().Str("component", "api").Logger(),
	}, nil
}

// Routes constructs the chi router containing all endpoints.
func (a *API) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(telemetry.Middleware(a.config.ServiceName, a.logger))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/readyz", a.handleReady)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(middleware.Timeout(a.config.RequestTimeout))
		r.Post("/billing/webhook", a.handleWebhook)
		r.Group(func(r chi.Router) {
			r.Use(httprate.Limit(a.config.ControlRateLimit, time.Minute,
				httprate.WithKeyFuncs(httprate.KeyByIP, httprate.KeyByEndpoint)))
			r.Post("/vps/{vmid}/{action}", a.handleControl)
		})
	})

	return r
}

func (a *API) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := a.ready(ctx); err != nil {
		a.logger.Warn().Err(err).Msg("readiness check failed")
		http.Error(w, "not ready", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}
