package caps

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/slipstream/indexproxy/internal/cache"
)

// DefaultTTL is how long negotiated capabilities are reused.
const DefaultTTL = 7 * 24 * time.Hour

// FetchFunc retrieves and parses a caps document.
type FetchFunc func(ctx context.Context) (*Capabilities, error)

// Provider caches negotiated capabilities per settings fingerprint.
type Provider struct {
	cache  *cache.TTL[string, *Capabilities]
	logger zerolog.Logger
}

// NewProvider creates a provider backed by c. A nil cache gets a private one with DefaultTTL.
func NewProvider(c *cache.TTL[string, *Capabilities], logger zerolog.Logger) *Provider {
	if c == nil {
		c = cache.New[string, *Capabilities]("capabilities", DefaultTTL)
	}
	p := &Provider{
		cache:  c,
		logger: logger.With().Str("component", "caps").Logger(),
	}
	c.OnInvalidate(func(key string, _ *Capabilities) {
		p.logger.Debug().Str("fingerprint", key).Msg("Capabilities evicted")
	})
	return p
}

// Get returns cached capabilities for fingerprint, fetching them on a miss.
// Fetch errors are returned and nothing is cached.
func (p *Provider) Get(ctx context.Context, fingerprint string, fetch FetchFunc) (*Capabilities, error) {
	return p.cache.GetOrLoad(ctx, fingerprint, func(ctx context.Context) (*Capabilities, error) {
		start := time.Now()
		c, err := fetch(ctx)
		if err != nil {
			p.logger.Warn().Err(err).Str("fingerprint", fingerprint).Msg("Failed to fetch capabilities")
			return nil, err
		}
		p.logger.Debug().
			Str("fingerprint", fingerprint).
			Dur("elapsed", time.Since(start)).
			Int("categories", c.Categories.Len()).
			Msg("Fetched capabilities")
		return c, nil
	})
}

// Invalidate drops the cached capabilities for fingerprint, e.g. after settings change.
func (p *Provider) Invalidate(fingerprint string) {
	p.cache.Invalidate(fingerprint)
}

// InvalidateAll drops every cached caps document.
func (p *Provider) InvalidateAll() {
	p.cache.InvalidateAll()
}

// Cache exposes the underlying cache for pruning.
func (p *Provider) Cache() cache.Pruner {
	return p.cache
}

// Fingerprint derives a stable cache key from the settings that influence caps.
func Fingerprint(parts ...string) string {
	sum := sha256.Sum256([]byte(strings.Join(parts, "\x00")))
	return hex.EncodeToString(sum[:12])
}
