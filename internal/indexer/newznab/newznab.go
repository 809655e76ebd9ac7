// Package newznab implements the built-in request generator, response parser and
// capabilities negotiation for remotes speaking the Newznab or Torznab API.
package newznab

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	"github.com/rs/zerolog"

	"github.com/slipstream/indexproxy/internal/indexer/caps"
	"github.com/slipstream/indexproxy/internal/indexer/transport"
	"github.com/slipstream/indexproxy/internal/indexer/types"
)

// DefaultAPIPath is appended to the base URL when a remote sets none.
const DefaultAPIPath = "/api"

// Settings locate one remote's API.
type Settings struct {
	BaseURL string
	APIPath string
	APIKey  string
	// AdditionalParameters is appended verbatim to every search URL, e.g. "&attrs=poster".
	AdditionalParameters string
}

// SettingsFromDefinition reads the API settings of a configured remote.
func SettingsFromDefinition(def types.IndexerDefinition) Settings {
	s := Settings{
		BaseURL: def.BaseURL,
		APIPath: def.APIPath,
		APIKey:  def.APIKey,
	}
	if def.Settings != nil {
		s.AdditionalParameters = def.Settings["additionalParameters"]
	}
	if s.APIPath == "" {
		s.APIPath = DefaultAPIPath
	}
	return s
}

// apiURL returns base URL and API path joined, without a query.
func (s Settings) apiURL() string {
	return strings.TrimRight(s.BaseURL, "/") + strings.TrimRight(s.APIPath, "/")
}

// apiKeyParam is the "&apikey=..." query suffix, empty without a key.
func (s Settings) apiKeyParam() string {
	if s.APIKey == "" {
		return ""
	}
	return "&" + url.Values{"apikey": {s.APIKey}}.Encode()
}

// fingerprint keys the capabilities cache; any setting that changes the caps
// document yields a new entry.
func (s Settings) fingerprint() string {
	return caps.Fingerprint(s.BaseURL, s.APIPath, s.APIKey)
}

// Client is the generator, parser and capabilities source of one remote.
type Client struct {
	settings Settings
	protocol types.Protocol
	doer     transport.Doer
	provider *caps.Provider
	logger   zerolog.Logger
}

// New creates a client. protocol selects Newznab (usenet) or Torznab (torrent) parsing.
func New(settings Settings, protocol types.Protocol, doer transport.Doer, provider *caps.Provider, logger zerolog.Logger) *Client {
	if settings.APIPath == "" {
		settings.APIPath = DefaultAPIPath
	}
	if provider == nil {
		provider = caps.NewProvider(nil, logger)
	}
	return &Client{
		settings: settings,
		protocol: protocol,
		doer:     doer,
		provider: provider,
		logger:   logger.With().Str("component", "newznab").Str("protocol", string(protocol)).Logger(),
	}
}

// Protocol returns the download protocol of the remote.
func (c *Client) Protocol() types.Protocol { return c.protocol }

// Capabilities returns the remote's caps, negotiated once per settings fingerprint.
func (c *Client) Capabilities(ctx context.Context) (*caps.Capabilities, error) {
	return c.provider.Get(ctx, c.settings.fingerprint(), c.fetchCapabilities)
}

// InvalidateCapabilities drops the cached caps, e.g. after the remote was reconfigured.
func (c *Client) InvalidateCapabilities() {
	c.provider.Invalidate(c.settings.fingerprint())
}

func (c *Client) fetchCapabilities(ctx context.Context) (*caps.Capabilities, error) {
	capsURL := c.settings.apiURL() + "?t=caps" + c.settings.apiKeyParam()
	req := transport.NewRequest(capsURL)
	req.AcceptType = "xml"
	req.AllowRedirect = true

	resp, err := c.doer.Do(ctx, req, nil)
	if err != nil {
		return nil, err
	}
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, types.NewRateLimitError("request limit reached", 0).WithURL(capsURL)
	case resp.HasHTTPError() && !strings.Contains(resp.ContentType(), "xml"):
		return nil, types.NewHTTPError(resp.StatusCode, capsURL)
	}
	return caps.Parse(resp.Body, capsURL, c.logger)
}
