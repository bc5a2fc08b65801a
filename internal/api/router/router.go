package router

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/wolfman30/hcoin-appointments/internal/appointments"
	httpmiddleware "github.com/wolfman30/hcoin-appointments/internal/http/middleware"
	"github.com/wolfman30/hcoin-appointments/internal/identity"
	"github.com/wolfman30/hcoin-appointments/pkg/logging"
)

// HealthCheck reports whether a dependency is usable.
type HealthCheck = func(ctx context.Context) error

// Config holds router configuration
type Config struct {
	Logger          *logging.Logger
	Appointments    *appointments.Handler
	WalletJWTSecret string
	MetricsHandler  http.Handler

	// Per-wallet request budget; zero disables limiting.
	RateLimitPerSecond float64
	RateLimitBurst     int

	// Named dependency checks reported by /health.
	HealthChecks map[string]HealthCheck
}

// New creates a new Chi router with all routes configured
func New(cfg *Config) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	if cfg.Logger != nil {
		r.Use(httpmiddleware.RequestLogger(cfg.Logger))
	}

	r.Group(func(public chi.Router) {
		public.Get("/health", healthHandler(cfg.HealthChecks))
		if cfg.MetricsHandler != nil {
			public.Handle("/metrics", cfg.MetricsHandler)
		}
	})

	if cfg.Appointments != nil {
		r.Group(func(wallet chi.Router) {
			wallet.Use(identity.Middleware(cfg.WalletJWTSecret))
			if cfg.RateLimitPerSecond > 0 {
				wallet.Use(httpmiddleware.RateLimit(httpmiddleware.NewRateLimiter(cfg.RateLimitPerSecond, cfg.RateLimitBurst)))
			}
			cfg.Appointments.Routes(wallet)
		})
	}

	return r
}

func healthHandler(checks map[string]HealthCheck) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		status := http.StatusOK
		resp := map[string]string{"status": "ok"}
		for name, check := range checks {
			if err := check(ctx); err != nil {
				status = http.StatusServiceUnavailable
				resp["status"] = "degraded"
				resp[name] = err.Error()
				continue
			}
			resp[name] = "ok"
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(resp)
	}
}
