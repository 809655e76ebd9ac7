// Package indexer drives request chains against one remote: it executes pages through
// the transport, re-authenticates when challenged, keeps the cookie cache current,
// normalizes releases and reports every outcome to the health tracker exactly once.
package indexer

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/slipstream/indexproxy/internal/indexer/caps"
	"github.com/slipstream/indexproxy/internal/indexer/download"
	"github.com/slipstream/indexproxy/internal/indexer/status"
	"github.com/slipstream/indexproxy/internal/indexer/transport"
	"github.com/slipstream/indexproxy/internal/indexer/types"
)

// RequestGenerator turns search criteria into a tiered request chain.
type RequestGenerator interface {
	GetSearchRequests(ctx context.Context, criteria types.SearchCriteria) (*transport.Chain, error)
}

// ResponseParser turns one page response into releases.
type ResponseParser interface {
	ParseResponse(ctx context.Context, resp *transport.Response) ([]*types.ReleaseInfo, error)
}

// Authenticator is implemented by remotes that need a session.
type Authenticator interface {
	// NeedsLogin inspects a response for a protocol-specific login challenge.
	NeedsLogin(ctx context.Context, resp *transport.Response) (bool, error)
	// Login authenticates, leaving the session cookies in s.
	Login(ctx context.Context, s *transport.Session) error
}

// CapabilitiesSource provides a remote's negotiated capabilities.
type CapabilitiesSource interface {
	Capabilities(ctx context.Context) (*caps.Capabilities, error)
}

// DownloadResolver turns a release link into the request that retrieves the file.
// The returned request may carry a magnet URI, which is returned without fetching.
type DownloadResolver interface {
	ResolveDownload(ctx context.Context, s *transport.Session, link string) (*transport.Request, error)
}

// Recorder receives fetch telemetry.
type Recorder interface {
	FetchCompleted(indexer string, outcome Outcome, releases int, elapsed time.Duration)
}

// Outcome classifies a finished fetch.
type Outcome string

const (
	OutcomeSuccess  Outcome = "success"
	OutcomeSkipped  Outcome = "skipped"
	OutcomeFailure  Outcome = "failure"
	OutcomeCanceled Outcome = "canceled"
)

type nopRecorder struct{}

func (nopRecorder) FetchCompleted(string, Outcome, int, time.Duration) {}

// Components are the protocol-specific parts of a remote.
type Components struct {
	Protocol      types.Protocol
	Generator     RequestGenerator
	Parser        ResponseParser
	Capabilities  CapabilitiesSource
	Authenticator Authenticator    // optional
	Resolver      DownloadResolver // optional
	Strategy      download.Strategy
}

// Config holds orchestration policy.
type Config struct {
	// CookieValidity is how long cookies captured from a remote are reused.
	CookieValidity time.Duration `mapstructure:"cookie_validity"`
	// RateLimitCooldown quarantines a rate-limited remote that sent no retry-after.
	RateLimitCooldown time.Duration `mapstructure:"rate_limit_cooldown"`
	// MaxRedirects caps manually followed redirects on download.
	MaxRedirects int `mapstructure:"max_redirects"`
}

// DefaultConfig returns the default orchestration policy.
func DefaultConfig() Config {
	return Config{
		CookieValidity:    30 * 24 * time.Hour,
		RateLimitCooldown: time.Hour,
		MaxRedirects:      10,
	}
}

// Deps are the shared services an Indexer uses.
type Deps struct {
	Transport transport.Doer
	Status    *status.Service
	Recorder  Recorder
	Config    Config
	Logger    zerolog.Logger
	Clock     func() time.Time
}

// Indexer is one configured remote.
type Indexer struct {
	def      types.IndexerDefinition
	c        Components
	doer     transport.Doer
	status   *status.Service
	recorder Recorder
	config   Config
	logger   zerolog.Logger
	now      func() time.Time
}

// New assembles a remote from its definition and components.
func New(def types.IndexerDefinition, c Components, d Deps) (*Indexer, error) {
	if c.Generator == nil || c.Parser == nil || c.Capabilities == nil {
		return nil, errors.New("indexer needs a generator, a parser and a capabilities source")
	}
	if d.Transport == nil || d.Status == nil {
		return nil, errors.New("indexer needs a transport and a status service")
	}
	if c.Protocol == "" {
		c.Protocol = types.ProtocolTorrent
	}
	if c.Strategy == nil {
		c.Strategy = download.ForProtocol(c.Protocol)
	}
	if d.Recorder == nil {
		d.Recorder = nopRecorder{}
	}
	if d.Clock == nil {
		d.Clock = time.Now
	}
	defaults := DefaultConfig()
	if d.Config.CookieValidity <= 0 {
		d.Config.CookieValidity = defaults.CookieValidity
	}
	if d.Config.RateLimitCooldown <= 0 {
		d.Config.RateLimitCooldown = defaults.RateLimitCooldown
	}
	if d.Config.MaxRedirects <= 0 {
		d.Config.MaxRedirects = defaults.MaxRedirects
	}

	return &Indexer{
		def:      def,
		c:        c,
		doer:     d.Transport,
		status:   d.Status,
		recorder: d.Recorder,
		config:   d.Config,
		logger: d.Logger.With().
			Str("component", "indexer").
			Str("indexer", def.Name).
			Int64("indexerId", def.ID).
			Logger(),
		now: d.Clock,
	}, nil
}

// ID returns the remote id.
func (ix *Indexer) ID() int64 { return ix.def.ID }

// Name returns the remote name.
func (ix *Indexer) Name() string { return ix.def.Name }

// Definition returns the configured definition.
func (ix *Indexer) Definition() types.IndexerDefinition { return ix.def }

// Protocol returns the download protocol.
func (ix *Indexer) Protocol() types.Protocol { return ix.c.Protocol }

// Capabilities returns the negotiated capabilities.
func (ix *Indexer) Capabilities(ctx context.Context) (*caps.Capabilities, error) {
	c, err := ix.c.Capabilities.Capabilities(ctx)
	if err != nil {
		return nil, ix.annotate(err)
	}
	return c, nil
}

// Test runs a basic search with no term and fails if it errored or returned unusable releases.
func (ix *Indexer) Test(ctx context.Context) error {
	res := ix.Fetch(ctx, &types.BasicSearchCriteria{})
	if res.Err != nil {
		return res.Err
	}
	for _, r := range res.Releases {
		if r.Title == "" || r.Link() == "" {
			return ix.annotate(types.NewParseError("remote returned a release without a title or link", nil, nil))
		}
	}
	ix.logger.Info().Int("releases", len(res.Releases)).Msg("Indexer test succeeded")
	return nil
}

func (ix *Indexer) annotate(err error) error {
	var ie *types.IndexerError
	if errors.As(err, &ie) && ie.IndexerID == 0 {
		return ie.WithIndexer(ix.def.ID, ix.def.Name)
	}
	return err
}
