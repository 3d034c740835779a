package api

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"
)

func TestRateLimitMiddleware_NilLimiterPassesThrough(t *testing.T) {
	called := false
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	})

	mw := RateLimitMiddleware(nil, zap.NewNop(), CustomerKeyFunc)

	req := httptest.NewRequest(http.MethodGet, "/v1/messages", nil)
	rec := httptest.NewRecorder()
	mw(next).ServeHTTP(rec, req)

	if !called {
		t.Fatal("handler should be called when no limiter is configured")
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}

func TestCustomerKeyFunc(t *testing.T) {
	tests := []struct {
		name   string
		header string
		query  string
		want   string
	}{
		{"header", "cust-42", "", "customer:cust-42"},
		{"query param", "", "cust-99", "customer:cust-99"},
		{"header wins over query", "cust-42", "cust-99", "customer:cust-42"},
		{"neither", "", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			url := "/v1/messages"
			if tt.query != "" {
				url += "?customer_id=" + tt.query
			}
			req := httptest.NewRequest(http.MethodGet, url, nil)
			if tt.header != "" {
				req.Header.Set("X-Customer-ID", tt.header)
			}
			if got := CustomerKeyFunc(req); got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestIPKeyFunc(t *testing.T) {
	tests := []struct {
		name      string
		forwarded string
		realIP    string
		want      string
	}{
		{"x-forwarded-for", "203.0.113.7", "", "ip:203.0.113.7"},
		{"x-real-ip", "", "203.0.113.8", "ip:203.0.113.8"},
		{"forwarded wins", "203.0.113.7", "203.0.113.8", "ip:203.0.113.7"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/v1/messages", nil)
			if tt.forwarded != "" {
				req.Header.Set("X-Forwarded-For", tt.forwarded)
			}
			if tt.realIP != "" {
				req.Header.Set("X-Real-IP", tt.realIP)
			}
			if got := IPKeyFunc(req); got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestIPKeyFunc_RemoteAddrFallback(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/v1/messages", nil)
	if got := IPKeyFunc(req); got != "ip:"+req.RemoteAddr {
		t.Errorf("got %q, want remote addr fallback", got)
	}
}
