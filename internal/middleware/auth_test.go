package middleware

import (
	"crypto/rand"
	"crypto/rsa"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/R3E-Network/request_router/internal/logging"
)

func generateTestKeys(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate RSA key: %v", err)
	}
	return key
}

func signToken(t *testing.T, method jwt.SigningMethod, key interface{}, claims *Claims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(method, claims).SignedString(key)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return s
}

func validClaims(account string) *Claims {
	return &Claims{
		AccountID: account,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
}

// echoAccount writes the authenticated account as the body.
var echoAccount = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	_, _ = w.Write([]byte(AccountID(r.Context())))
})

func TestAuthMiddleware(t *testing.T) {
	key := generateTestKeys(t)
	other := generateTestKeys(t)
	m := NewAuthMiddleware(&key.PublicKey, logging.NewDiscard("auth"), []string{"/health"})
	h := m.Handler(echoAccount)

	expired := validClaims("acct-1")
	expired.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Hour))
	subjectOnly := validClaims("")
	subjectOnly.Subject = "acct-sub"
	noExpiry := validClaims("acct-1")
	noExpiry.ExpiresAt = nil

	tests := []struct {
		name   string
		path   string
		header string
		status int
		body   string
	}{
		{"skip path", "/health", "", http.StatusOK, ""},
		{"valid token", "/v1/requests", "Bearer " + signToken(t, jwt.SigningMethodRS256, key, validClaims("acct-1")), http.StatusOK, "acct-1"},
		{"subject fallback", "/v1/requests", "Bearer " + signToken(t, jwt.SigningMethodRS256, key, subjectOnly), http.StatusOK, "acct-sub"},
		{"missing header", "/v1/requests", "", http.StatusUnauthorized, ""},
		{"wrong scheme", "/v1/requests", "Basic abc", http.StatusUnauthorized, ""},
		{"expired", "/v1/requests", "Bearer " + signToken(t, jwt.SigningMethodRS256, key, expired), http.StatusUnauthorized, ""},
		{"no expiry", "/v1/requests", "Bearer " + signToken(t, jwt.SigningMethodRS256, key, noExpiry), http.StatusUnauthorized, ""},
		{"foreign key", "/v1/requests", "Bearer " + signToken(t, jwt.SigningMethodRS256, other, validClaims("acct-1")), http.StatusUnauthorized, ""},
		{"hmac token", "/v1/requests", "Bearer " + signToken(t, jwt.SigningMethodHS256, []byte("secret"), validClaims("acct-1")), http.StatusUnauthorized, ""},
		{"no account", "/v1/requests", "Bearer " + signToken(t, jwt.SigningMethodRS256, key, validClaims("")), http.StatusUnauthorized, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rr := httptest.NewRecorder()
			h.ServeHTTP(rr, req)
			if rr.Code != tt.status {
				t.Fatalf("status = %d, want %d (%s)", rr.Code, tt.status, rr.Body.String())
			}
			if tt.status == http.StatusOK && rr.Body.String() != tt.body {
				t.Fatalf("account = %q, want %q", rr.Body.String(), tt.body)
			}
		})
	}
}

func TestRateLimiterPerAccount(t *testing.T) {
	rl := NewRateLimiter(1, 2, time.Minute, logging.NewDiscard("ratelimit"))
	now := time.Now()
	rl.now = func() time.Time { return now }
	h := rl.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	call := func(account string) int {
		req := httptest.NewRequest(http.MethodGet, "/v1/requests", nil)
		if account != "" {
			req = req.WithContext(logging.WithUserID(req.Context(), account))
		}
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		if rr.Code == http.StatusTooManyRequests && rr.Header().Get("Retry-After") == "" {
			t.Fatal("429 without Retry-After")
		}
		return rr.Code
	}

	for i := 0; i < 2; i++ {
		if code := call("acct-1"); code != http.StatusNoContent {
			t.Fatalf("burst call %d = %d", i, code)
		}
	}
	if code := call("acct-1"); code != http.StatusTooManyRequests {
		t.Fatalf("over-limit call = %d", code)
	}
	if code := call("acct-2"); code != http.StatusNoContent {
		t.Fatalf("other account limited: %d", code)
	}
	if code := call(""); code != http.StatusNoContent {
		t.Fatalf("anonymous call = %d", code)
	}

	now = now.Add(2 * time.Minute)
	if removed := rl.Cleanup(); removed != 3 {
		t.Fatalf("Cleanup removed %d, want 3", removed)
	}
	if code := call("acct-1"); code != http.StatusNoContent {
		t.Fatalf("evicted account still limited: %d", code)
	}
}

func TestTracingKeepsIncomingTraceID(t *testing.T) {
	var seen string
	h := NewTracingMiddleware(logging.NewDiscard("http")).Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = logging.GetTraceID(r.Context())
		w.WriteHeader(http.StatusTeapot)
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Trace-ID", "trace-abc")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if seen != "trace-abc" || rr.Header().Get("X-Trace-ID") != "trace-abc" {
		t.Fatalf("trace id = %q, header %q", seen, rr.Header().Get("X-Trace-ID"))
	}
	if rr.Code != http.StatusTeapot {
		t.Fatalf("status = %d", rr.Code)
	}

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	if seen == "" || seen == "trace-abc" {
		t.Fatalf("generated trace id = %q", seen)
	}
}
