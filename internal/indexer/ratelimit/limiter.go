// Package ratelimit paces requests per remote host.
package ratelimit

import (
	"context"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Config defines rate limit configuration.
type Config struct {
	// DefaultInterval is the minimum spacing between two requests to one host.
	DefaultInterval time.Duration
	// HostIntervals overrides DefaultInterval for specific hosts.
	HostIntervals map[string]time.Duration
}

// DefaultConfig returns the default rate limit configuration.
func DefaultConfig() Config {
	return Config{
		DefaultInterval: 2 * time.Second,
	}
}

// Gate enforces a minimum spacing between requests to the same host.
// Waiting on one host never blocks callers targeting another.
type Gate struct {
	logger zerolog.Logger
	config Config

	mu       sync.Mutex
	limiters map[string]*hostLimiter
}

type hostLimiter struct {
	limiter  *rate.Limiter
	interval time.Duration
}

// NewGate creates a new per-host gate.
func NewGate(config Config, logger zerolog.Logger) *Gate {
	return &Gate{
		logger:   logger.With().Str("component", "rate-limiter").Logger(),
		config:   config,
		limiters: make(map[string]*hostLimiter),
	}
}

// Wait blocks until a request to rawURL may proceed. interval overrides the
// configured spacing when positive. It returns ctx.Err() if ctx ends first.
func (g *Gate) Wait(ctx context.Context, rawURL string, interval time.Duration) error {
	host := HostOf(rawURL)
	hl := g.limiterFor(host, interval)
	if hl == nil {
		return nil
	}

	r := hl.limiter.Reserve()
	if !r.OK() {
		return nil
	}
	delay := r.Delay()
	if delay == 0 {
		return nil
	}

	g.logger.Debug().Str("host", host).Dur("delay", delay).Msg("rate limiting: waiting before request")

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		r.Cancel()
		return ctx.Err()
	}
}

func (g *Gate) limiterFor(host string, interval time.Duration) *hostLimiter {
	if interval <= 0 {
		interval = g.intervalFor(host)
	}
	if interval <= 0 {
		return nil
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	hl, ok := g.limiters[host]
	if !ok {
		hl = &hostLimiter{limiter: rate.NewLimiter(rate.Every(interval), 1), interval: interval}
		g.limiters[host] = hl
		return hl
	}
	if hl.interval != interval {
		hl.limiter.SetLimit(rate.Every(interval))
		hl.interval = interval
	}
	return hl
}

func (g *Gate) intervalFor(host string) time.Duration {
	if d, ok := g.config.HostIntervals[host]; ok {
		return d
	}
	return g.config.DefaultInterval
}

// HostOf returns the lower-cased host of rawURL, or rawURL itself if it does not parse.
func HostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return strings.ToLower(rawURL)
	}
	return strings.ToLower(u.Hostname())
}
