package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ispbill/routerd/internal/config"
)

func okHandler(t *testing.T) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Tenant-Seen", GetTenant(r))
		w.WriteHeader(http.StatusNoContent)
	})
}

func withAuthDisabled(t *testing.T, disabled bool) {
	t.Helper()
	prev := config.Cfg.AuthDisabled
	config.Cfg.AuthDisabled = disabled
	t.Cleanup(func() { config.Cfg.AuthDisabled = prev })
}

func TestRequireAPIKey(t *testing.T) {
	withAuthDisabled(t, false)
	hash, err := HashToken("s3cret-token")
	if err != nil {
		t.Fatalf("HashToken: %v", err)
	}
	h := RequireAPIKey(hash)(okHandler(t))

	tests := []struct {
		name string
		key  string
		want int
	}{
		{"valid", "s3cret-token", http.StatusNoContent},
		{"wrong", "guess", http.StatusUnauthorized},
		{"missing", "", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/v1/routers", nil)
			if tt.key != "" {
				req.Header.Set(APIKeyHeader, tt.key)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}

func TestRequireAPIKeyNoHashConfigured(t *testing.T) {
	withAuthDisabled(t, false)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(APIKeyHeader, "anything")
	rec := httptest.NewRecorder()
	RequireAPIKey("")(okHandler(t)).ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
}

func TestRequireAPIKeyAuthDisabled(t *testing.T) {
	withAuthDisabled(t, true)
	rec := httptest.NewRecorder()
	RequireAPIKey("")(okHandler(t)).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusNoContent {
		t.Errorf("status = %d, want 204", rec.Code)
	}
}

func TestRequireTenant(t *testing.T) {
	h := RequireTenant(okHandler(t))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("missing tenant status = %d, want 401", rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(TenantHeader, " isp-1 ")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", rec.Code)
	}
	if got := rec.Header().Get("X-Tenant-Seen"); got != "isp-1" {
		t.Errorf("tenant = %q, want isp-1", got)
	}
}

func TestTenantLimiterReserve(t *testing.T) {
	l := NewTenantLimiter(3, 3*time.Second)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		if wait := l.Reserve("isp-1", now); wait != 0 {
			t.Fatalf("request %d delayed %v", i, wait)
		}
	}
	if wait := l.Reserve("isp-1", now); wait <= 0 {
		t.Error("fourth request in the window was allowed")
	}
	if wait := l.Reserve("isp-2", now); wait != 0 {
		t.Errorf("other tenant delayed %v", wait)
	}
	if wait := l.Reserve("isp-1", now.Add(time.Second)); wait != 0 {
		t.Errorf("token not refilled after 1s: wait %v", wait)
	}
}

func TestTenantLimiterMiddleware(t *testing.T) {
	l := NewTenantLimiter(1, time.Minute)
	h := RequireTenant(l.Middleware(okHandler(t)))

	send := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/", nil)
		req.Header.Set(TenantHeader, "isp-1")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}
	if rec := send(); rec.Code != http.StatusNoContent {
		t.Fatalf("first request status = %d", rec.Code)
	}
	rec := send()
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second request status = %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("missing Retry-After header")
	}
}
