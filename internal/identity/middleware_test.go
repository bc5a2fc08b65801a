package identity

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func serve(t *testing.T, secret, header string) (*httptest.ResponseRecorder, string) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/appointments", nil)
	if header != "" {
		req.Header.Set("Authorization", header)
	}
	rec := httptest.NewRecorder()
	var got string
	Middleware(secret)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = AddressFromContext(r.Context())
	})).ServeHTTP(rec, req)
	return rec, got
}

func signedWalletToken(t *testing.T, secret, address string) string {
	t.Helper()
	token, err := IssueToken(secret, address, time.Hour)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

func TestMiddlewareMissingSecret(t *testing.T) {
	rec, _ := serve(t, "", "Bearer x")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestMiddlewareMissingHeader(t *testing.T) {
	rec, _ := serve(t, "secret", "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestMiddlewareInvalidSignature(t *testing.T) {
	rec, _ := serve(t, "secret", "Bearer "+signedWalletToken(t, "wrong", "0xabc"))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestMiddlewareExpiredToken(t *testing.T) {
	token, err := IssueToken("secret", "0xabc", -time.Minute)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	rec, _ := serve(t, "secret", "Bearer "+token)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestMiddlewareEmptySubject(t *testing.T) {
	rec, _ := serve(t, "secret", "Bearer "+signedWalletToken(t, "secret", "   "))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestMiddlewareValidToken(t *testing.T) {
	rec, got := serve(t, "secret", "Bearer "+signedWalletToken(t, "secret", "0xPatient"))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if got != "0xpatient" {
		t.Fatalf("expected normalized address in context, got %q", got)
	}
}
