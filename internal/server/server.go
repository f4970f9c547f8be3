package server

import (
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"

	"identity-reconciliation/internal/config"
	"identity-reconciliation/internal/handlers"
	"identity-reconciliation/internal/middleware"
)

// Deps are the handlers and middleware the router is assembled from.
// RateLimiter, Metrics and Requests are optional.
type Deps struct {
	Identify    *handlers.IdentifyHandler
	Health      *handlers.HealthHandler
	Metrics     http.Handler
	Requests    *prometheus.CounterVec
	RateLimiter *middleware.RateLimiter
	Logger      *slog.Logger
}

// NewRouter wires the HTTP routes. Every route runs behind recovery,
// request id and access logging; /identify is also rate limited.
func NewRouter(d Deps) http.Handler {
	router := mux.NewRouter()
	if d.Requests != nil {
		router.Use(mux.MiddlewareFunc(middleware.Metrics(d.Requests)))
	}

	identify := http.Handler(http.HandlerFunc(d.Identify.Handle))
	if d.RateLimiter != nil {
		identify = d.RateLimiter.Limit()(identify)
	}
	router.Handle("/identify", identify).Methods(http.MethodPost)

	router.HandleFunc("/health", d.Health.Health).Methods(http.MethodGet)
	router.HandleFunc("/health/live", d.Health.Live).Methods(http.MethodGet)
	router.HandleFunc("/health/ready", d.Health.Ready).Methods(http.MethodGet)
	if d.Metrics != nil {
		router.Handle("/metrics", d.Metrics).Methods(http.MethodGet)
	}

	return middleware.Chain(
		middleware.Recovery(d.Logger),
		middleware.RequestID(),
		middleware.Logger(d.Logger),
	)(router)
}

// New returns an http.Server for cfg. The caller owns ListenAndServe and Shutdown.
func New(cfg config.ServerConfig, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:         cfg.Addr(),
		Handler:      handler,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
}
