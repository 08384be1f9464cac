package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/ngoyal88/promptrelay/pkg/cache"
	"github.com/ngoyal88/promptrelay/pkg/config"
)

var okHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
})

func TestClientIP(t *testing.T) {
	tests := []struct {
		name   string
		xff    string
		realIP string
		remote string
		want   string
	}{
		{name: "forwarded chain", xff: "203.0.113.1, 10.0.0.1", remote: "10.0.0.2:1234", want: "203.0.113.1"},
		{name: "real ip", realIP: "198.51.100.4", remote: "10.0.0.2:1234", want: "198.51.100.4"},
		{name: "remote addr", remote: "192.0.2.10:5555", want: "192.0.2.10"},
		{name: "remote without port", remote: "192.0.2.10", want: "192.0.2.10"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/", nil)
			r.RemoteAddr = tt.remote
			if tt.xff != "" {
				r.Header.Set("X-Forwarded-For", tt.xff)
			}
			if tt.realIP != "" {
				r.Header.Set("X-Real-IP", tt.realIP)
			}
			if got := ClientIP(r); got != tt.want {
				t.Errorf("ClientIP() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRateLimiter_Local(t *testing.T) {
	rl := NewRateLimiter(config.RateLimitConfig{Enabled: true, RequestsPerMinute: 2, Burst: 2}, nil, nil)
	h := rl.Middleware(okHandler)

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		r := httptest.NewRequest("POST", "/v1/chat/completions", nil)
		r.RemoteAddr = "192.0.2.1:1000"
		w := httptest.NewRecorder()
		h.ServeHTTP(w, r)
		codes = append(codes, w.Code)

		if w.Header().Get("X-RateLimit-Limit") != "2" {
			t.Errorf("missing limit header on request %d", i)
		}
		if i == 2 {
			e := decodeError(t, w.Body)
			if e.Code != "rate_limit_exceeded" {
				t.Errorf("unexpected error body %+v", e)
			}
			if w.Header().Get("X-RateLimit-Remaining") != "0" {
				t.Errorf("expected 0 remaining, got %s", w.Header().Get("X-RateLimit-Remaining"))
			}
		}
	}
	if codes[0] != 200 || codes[1] != 200 || codes[2] != http.StatusTooManyRequests {
		t.Errorf("unexpected status sequence %v", codes)
	}

	// Another client has its own bucket.
	r := httptest.NewRequest("POST", "/v1/chat/completions", nil)
	r.RemoteAddr = "192.0.2.2:1000"
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	if w.Code != http.StatusOK {
		t.Errorf("expected other client allowed, got %d", w.Code)
	}
}

func TestRateLimiter_SkipsOperationalPaths(t *testing.T) {
	rl := NewRateLimiter(config.RateLimitConfig{Enabled: true, RequestsPerMinute: 1, Burst: 1}, nil, nil)
	h := rl.Middleware(okHandler)

	for _, path := range []string{"/health", "/metrics", "/admin/captures", "/health", "/metrics"} {
		r := httptest.NewRequest("GET", path, nil)
		w := httptest.NewRecorder()
		h.ServeHTTP(w, r)
		if w.Code != http.StatusOK {
			t.Errorf("%s limited: %d", path, w.Code)
		}
	}
}

func TestRateLimiter_RedisDownFailsOpen(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb, err := cache.NewRedis(mr.Addr(), "", 0)
	if err != nil {
		t.Fatalf("connect miniredis: %v", err)
	}
	t.Cleanup(func() { _ = rdb.Close() })
	mr.Close()

	rl := NewRateLimiter(config.RateLimitConfig{Enabled: true, RequestsPerMinute: 1, Burst: 1}, rdb, nil)
	h := rl.Middleware(okHandler)

	for i := 0; i < 3; i++ {
		w := httptest.NewRecorder()
		h.ServeHTTP(w, httptest.NewRequest("POST", "/v1/messages", nil))
		if w.Code != http.StatusOK {
			t.Fatalf("request %d rejected with Redis down: %d", i, w.Code)
		}
	}
}

func TestAdminAuth(t *testing.T) {
	tests := []struct {
		name     string
		adminKey string
		header   string
		want     int
	}{
		{name: "valid", adminKey: "secret", header: "secret", want: http.StatusOK},
		{name: "wrong key", adminKey: "secret", header: "nope", want: http.StatusUnauthorized},
		{name: "missing header", adminKey: "secret", want: http.StatusUnauthorized},
		{name: "not configured", header: "anything", want: http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.Default()
			cfg.Auth.AdminKey = tt.adminKey
			h := AdminAuth(config.NewStore(cfg))(okHandler)

			r := httptest.NewRequest("GET", "/admin/captures", nil)
			if tt.header != "" {
				r.Header.Set(AdminKeyHeader, tt.header)
			}
			w := httptest.NewRecorder()
			h.ServeHTTP(w, r)
			if w.Code != tt.want {
				t.Errorf("expected %d, got %d", tt.want, w.Code)
			}
		})
	}
}
