package middleware

import (
	"crypto/subtle"
	"net/http"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
)

const (
	HeaderAPIKey = "X-Api-Key"

	DefaultMaxFailedAttempts = 5
	DefaultLockoutDuration   = 15 * time.Minute
	MaxLockoutDuration       = time.Hour
)

type lockout struct {
	failedAttempts int
	lockedUntil    time.Time
	lockoutCount   int
}

// KeyGuard requires a shared API key and locks out clients that keep
// presenting wrong ones. An empty key disables the check.
type KeyGuard struct {
	key string

	mu       sync.Mutex
	lockouts map[string]*lockout

	maxFailedAttempts   int
	baseLockoutDuration time.Duration
	now                 func() time.Time
}

func NewKeyGuard(key string) *KeyGuard {
	return &KeyGuard{
		key:                 key,
		lockouts:            make(map[string]*lockout),
		maxFailedAttempts:   DefaultMaxFailedAttempts,
		baseLockoutDuration: DefaultLockoutDuration,
		now:                 time.Now,
	}
}

func (g *KeyGuard) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if g.key == "" {
				return next(c)
			}
			ip := c.RealIP()
			if g.isLocked(ip) {
				return echo.NewHTTPError(http.StatusTooManyRequests, "too many failed attempts, please try again later")
			}

			presented := c.Request().Header.Get(HeaderAPIKey)
			if presented == "" {
				presented = c.QueryParam("apikey")
			}
			if subtle.ConstantTimeCompare([]byte(presented), []byte(g.key)) != 1 {
				g.recordFailure(ip)
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid api key")
			}

			g.recordSuccess(ip)
			return next(c)
		}
	}
}

func (g *KeyGuard) isLocked(ip string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	l, ok := g.lockouts[ip]
	return ok && g.now().Before(l.lockedUntil)
}

func (g *KeyGuard) recordFailure(ip string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	l, ok := g.lockouts[ip]
	if !ok {
		l = &lockout{}
		g.lockouts[ip] = l
	}

	now := g.now()
	if now.After(l.lockedUntil) && l.failedAttempts >= g.maxFailedAttempts {
		l.failedAttempts = 0
	}

	l.failedAttempts++

	if l.failedAttempts >= g.maxFailedAttempts {
		l.lockoutCount++
		duration := min(g.baseLockoutDuration*time.Duration(l.lockoutCount), MaxLockoutDuration)
		l.lockedUntil = now.Add(duration)
	}
}

func (g *KeyGuard) recordSuccess(ip string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	delete(g.lockouts, ip)
}

// Name identifies the lockout table to the cache janitor.
func (g *KeyGuard) Name() string { return "api-key-lockouts" }

// Prune forgets clients whose lockout has lapsed and returns how many were dropped.
func (g *KeyGuard) Prune() int {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	n := 0
	for ip, l := range g.lockouts {
		if now.After(l.lockedUntil) {
			delete(g.lockouts, ip)
			n++
		}
	}
	return n
}
