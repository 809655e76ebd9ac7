package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
)

func newEcho(mw ...echo.MiddlewareFunc) *echo.Echo {
	e := echo.New()
	e.Use(mw...)
	e.GET("/api/v1/ping", func(c echo.Context) error { return c.String(http.StatusOK, "pong") })
	return e
}

func do(e *echo.Echo, target, key string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, target, nil)
	req.RemoteAddr = "10.0.0.1:1234"
	if key != "" {
		req.Header.Set(HeaderAPIKey, key)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestKeyGuard(t *testing.T) {
	tests := []struct {
		name   string
		key    string
		target string
		header string
		want   int
	}{
		{"disabled", "", "/api/v1/ping", "", http.StatusOK},
		{"header", "secret", "/api/v1/ping", "secret", http.StatusOK},
		{"query", "secret", "/api/v1/ping?apikey=secret", "", http.StatusOK},
		{"missing", "secret", "/api/v1/ping", "", http.StatusUnauthorized},
		{"wrong", "secret", "/api/v1/ping", "nope", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEcho(NewKeyGuard(tt.key).Middleware())
			assert.Equal(t, tt.want, do(e, tt.target, tt.header).Code)
		})
	}
}

func TestKeyGuardLockout(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	g := NewKeyGuard("secret")
	g.now = func() time.Time { return now }
	e := newEcho(g.Middleware())

	for range DefaultMaxFailedAttempts {
		assert.Equal(t, http.StatusUnauthorized, do(e, "/api/v1/ping", "wrong").Code)
	}
	assert.Equal(t, http.StatusTooManyRequests, do(e, "/api/v1/ping", "secret").Code)

	now = now.Add(DefaultLockoutDuration + time.Second)
	assert.Equal(t, http.StatusOK, do(e, "/api/v1/ping", "secret").Code)

	assert.Equal(t, 0, g.Prune(), "a successful request already cleared the client")

	do(e, "/api/v1/ping", "wrong")
	now = now.Add(time.Second)
	assert.Equal(t, 1, g.Prune())
	assert.Empty(t, g.lockouts)
}

func TestSecurityHeaders(t *testing.T) {
	e := newEcho(SecurityHeaders("1.2.3"))
	rec := do(e, "/api/v1/ping", "")

	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
	assert.Equal(t, "1.2.3", rec.Header().Get(HeaderVersion))
	assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))
}
