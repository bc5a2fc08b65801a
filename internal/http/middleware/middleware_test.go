package middleware

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/hcoin-appointments/internal/identity"
	"github.com/wolfman30/hcoin-appointments/pkg/logging"
)

func TestRateLimiterRefills(t *testing.T) {
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	rl := NewRateLimiter(1, 2)
	rl.now = func() time.Time { return now }

	assert.True(t, rl.Allow("a"))
	assert.True(t, rl.Allow("a"))
	assert.False(t, rl.Allow("a"))
	assert.True(t, rl.Allow("b"))

	now = now.Add(time.Second)
	assert.True(t, rl.Allow("a"))
	assert.False(t, rl.Allow("a"))
}

func TestRateLimiterEvictsIdleBuckets(t *testing.T) {
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	rl := NewRateLimiter(1, 1)
	rl.now = func() time.Time { return now }

	rl.Allow("a")
	rl.Allow("b")
	require.Equal(t, 2, rl.size())

	now = now.Add(11 * time.Minute)
	rl.Allow("c")
	assert.Equal(t, 1, rl.size())
}

func TestRateLimitKeysByWallet(t *testing.T) {
	rl := NewRateLimiter(0, 1)
	handler := RateLimit(rl)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	send := func(wallet string) int {
		req := httptest.NewRequest(http.MethodGet, "/appointments", nil)
		req.RemoteAddr = "10.0.0.1:1234"
		if wallet != "" {
			req = req.WithContext(identity.WithAddress(req.Context(), wallet))
		}
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Equal(t, http.StatusNoContent, send("0xa"))
	assert.Equal(t, http.StatusTooManyRequests, send("0xa"))
	assert.Equal(t, http.StatusNoContent, send("0xb"))
	assert.Equal(t, http.StatusNoContent, send(""))
	assert.Equal(t, http.StatusTooManyRequests, send(""))
}

func TestRequestLoggerEchoesRequestID(t *testing.T) {
	var buf bytes.Buffer
	logger := logging.NewWithWriter(&buf, "info")
	handler := RequestLogger(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))

	req := httptest.NewRequest(http.MethodPost, "/appointments/a1/pay", nil)
	req.Header.Set("X-Request-ID", "req-123")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, "req-123", rec.Header().Get("X-Request-ID"))
	assert.Contains(t, buf.String(), `"status":502`)
	assert.Contains(t, buf.String(), `"request_id":"req-123"`)
}

func TestRequestLoggerGeneratesRequestID(t *testing.T) {
	handler := RequestLogger(nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}
