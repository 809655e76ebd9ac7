// Package startup holds helpers for bringing the service up while upstream
// sites may still be unreachable.
package startup

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/sethvargo/go-retry"

	"github.com/slipstream/indexproxy/internal/indexer/types"
)

// RetryConfig configures the backoff of WithRetry. Delays double from
// InitialDelay up to MaxDelay.
type RetryConfig struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	MaxAttempts  int
}

// DefaultRetryConfig returns defaults for network retry.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		InitialDelay: 5 * time.Second,
		MaxDelay:     5 * time.Minute,
		MaxAttempts:  5,
	}
}

func (c RetryConfig) backoff() retry.Backoff {
	attempts := max(c.MaxAttempts, 1)
	b := retry.NewExponential(max(c.InitialDelay, time.Millisecond))
	if c.MaxDelay > 0 {
		b = retry.WithCappedDuration(c.MaxDelay, b)
	}
	return retry.WithMaxRetries(uint64(attempts-1), b)
}

var networkIndicators = []string{
	"connection refused",
	"no such host",
	"timeout",
	"network is unreachable",
	"no route to host",
	"host is down",
	"dial tcp",
	"dial udp",
	"i/o timeout",
	"connection reset",
	"temporary failure in name resolution",
}

// IsNetworkError checks if an error is likely due to network unavailability.
func IsNetworkError(err error) bool {
	if err == nil {
		return false
	}
	if types.IsConnectionError(err) {
		return true
	}

	var netErr net.Error
	var dnsErr *net.DNSError
	if errors.As(err, &netErr) || errors.As(err, &dnsErr) {
		return true
	}

	errStr := strings.ToLower(err.Error())
	for _, indicator := range networkIndicators {
		if strings.Contains(errStr, indicator) {
			return true
		}
	}
	return false
}

// WithRetry runs fn until it succeeds, returns an error that is not a
// network error, or MaxAttempts is used up. It returns ctx.Err() when ctx
// ends while waiting for the next attempt.
func WithRetry(ctx context.Context, name string, cfg RetryConfig, fn func(ctx context.Context) error, logger zerolog.Logger) error {
	log := logger.With().Str("operation", name).Logger()
	attempt := 0

	err := retry.Do(ctx, cfg.backoff(), func(ctx context.Context) error {
		attempt++
		err := fn(ctx)
		switch {
		case err == nil:
			if attempt > 1 {
				log.Info().Int("attempt", attempt).Msg("Operation succeeded after retry")
			}
			return nil
		case !IsNetworkError(err):
			log.Error().Err(err).Msg("Non-network error, not retrying")
			return err
		}
		log.Warn().Err(err).Int("attempt", attempt).Int("maxAttempts", cfg.MaxAttempts).Msg("Network error, will retry")
		return retry.RetryableError(err)
	})
	if err != nil && IsNetworkError(err) {
		log.Error().Err(err).Int("attempts", attempt).Msg("Operation failed after all retries")
	}
	return err
}
