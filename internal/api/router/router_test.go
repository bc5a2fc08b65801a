package router

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/hcoin-appointments/internal/appointments"
	"github.com/wolfman30/hcoin-appointments/internal/coin"
	"github.com/wolfman30/hcoin-appointments/internal/feepolicy"
	"github.com/wolfman30/hcoin-appointments/internal/identity"
	"github.com/wolfman30/hcoin-appointments/internal/ledger"
	"github.com/wolfman30/hcoin-appointments/internal/observability/metrics"
	"github.com/wolfman30/hcoin-appointments/pkg/logging"
)

const secret = "router-secret"

func newTestRouter(t *testing.T, checks map[string]HealthCheck) http.Handler {
	t.Helper()
	logger := logging.Default()
	reg := prometheus.NewRegistry()
	m := metrics.NewAppointmentMetrics(reg)

	registry := appointments.NewRegistry(appointments.NewMemoryStore(), feepolicy.MustDefault(), appointments.WithObserver(m))
	gateway := ledger.NewMemoryLedger(ledger.WithOpeningBalance(coin.Coins(50)))
	coord := appointments.NewCoordinator(registry, gateway, appointments.CoordinatorConfig{LedgerTimeout: time.Second})

	return New(&Config{
		Logger:             logger,
		Appointments:       appointments.NewHandler(coord, identity.RequestProvider{}, logger),
		WalletJWTSecret:    secret,
		MetricsHandler:     promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		RateLimitPerSecond: 100,
		RateLimitBurst:     100,
		HealthChecks:       checks,
	})
}

func TestRouterHealthEndpoint(t *testing.T) {
	router := newTestRouter(t, map[string]HealthCheck{
		"database": func(context.Context) error { return nil },
	})

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rr.Code)

	var resp map[string]string
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&resp))
	assert.Equal(t, "ok", resp["status"])
	assert.Equal(t, "ok", resp["database"])
}

func TestRouterHealthDegraded(t *testing.T) {
	router := newTestRouter(t, map[string]HealthCheck{
		"redis": func(context.Context) error { return errors.New("connection refused") },
	})

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	assert.Contains(t, rr.Body.String(), "connection refused")
}

func TestRouterAppointmentsRequireWallet(t *testing.T) {
	router := newTestRouter(t, nil)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/doctor/pending", nil))
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	token, err := identity.IssueToken(secret, "0xDoctor", time.Hour)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodGet, "/doctor/pending", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestRouterMetricsEndpoint(t *testing.T) {
	router := newTestRouter(t, nil)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
}
