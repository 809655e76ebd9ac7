package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"
	"golang.org/x/net/publicsuffix"

	"github.com/slipstream/indexproxy/internal/indexer/ratelimit"
	"github.com/slipstream/indexproxy/internal/indexer/types"
)

// DefaultUserAgent is sent when a request does not set its own.
const DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

// Config configures an HTTPTransport.
type Config struct {
	UserAgent    string        `mapstructure:"user_agent"`
	Timeout      time.Duration `mapstructure:"request_timeout"`
	MaxRedirects int           `mapstructure:"max_redirects"`
	MaxBodySize  int64         `mapstructure:"max_body_size"`
}

// DefaultConfig returns the default transport configuration.
func DefaultConfig() Config {
	return Config{
		UserAgent:    DefaultUserAgent,
		Timeout:      100 * time.Second,
		MaxRedirects: 10,
		MaxBodySize:  32 << 20,
	}
}

// HTTPTransport executes requests with net/http after passing the per-host gate.
type HTTPTransport struct {
	client *http.Client
	gate   *ratelimit.Gate
	config Config
	logger zerolog.Logger
}

// NewHTTPTransport creates a transport. A nil gate disables pacing.
func NewHTTPTransport(config Config, gate *ratelimit.Gate, logger zerolog.Logger) *HTTPTransport {
	if config.UserAgent == "" {
		config.UserAgent = DefaultUserAgent
	}
	if config.MaxRedirects <= 0 {
		config.MaxRedirects = 10
	}
	if config.MaxBodySize <= 0 {
		config.MaxBodySize = 32 << 20
	}
	return &HTTPTransport{
		client: &http.Client{},
		gate:   gate,
		config: config,
		logger: logger.With().Str("component", "transport").Logger(),
	}
}

// Do executes req. Transport-level failures, timeouts included, are returned as
// connection errors; HTTP error statuses are returned as responses.
func (t *HTTPTransport) Do(ctx context.Context, req *Request, cookies map[string]string) (*Response, error) {
	u, err := url.Parse(req.URL)
	if err != nil || u.Host == "" {
		return nil, types.NewConfigError(fmt.Sprintf("invalid request URL %q", req.URL))
	}

	if t.gate != nil {
		if err := t.gate.Wait(ctx, req.URL, req.RateLimit); err != nil {
			return nil, err
		}
	}

	timeout := t.config.Timeout
	if req.Timeout > 0 {
		timeout = req.Timeout
	}
	reqCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		reqCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	httpReq, err := t.newHTTPRequest(reqCtx, req)
	if err != nil {
		return nil, err
	}

	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, fmt.Errorf("failed to create cookie jar: %w", err)
	}
	if len(cookies) > 0 {
		jar.SetCookies(u, toHTTPCookies(cookies))
	}

	client := *t.client
	client.Jar = jar
	client.CheckRedirect = func(r *http.Request, via []*http.Request) error {
		if !req.AllowRedirect {
			return http.ErrUseLastResponse
		}
		if len(via) >= t.config.MaxRedirects {
			return fmt.Errorf("stopped after %d redirects", t.config.MaxRedirects)
		}
		return nil
	}

	start := time.Now()
	resp, err := client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, types.NewConnectionError(req.URL, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, t.config.MaxBodySize+1))
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, types.NewConnectionError(req.URL, fmt.Errorf("failed to read response: %w", err))
	}
	if int64(len(body)) > t.config.MaxBodySize {
		return nil, types.NewParseError(fmt.Sprintf("response exceeds %s", humanize.IBytes(uint64(t.config.MaxBodySize))), nil, nil).WithURL(req.URL)
	}

	out := &Response{
		Request:    req,
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       body,
		URL:        resp.Request.URL.String(),
		Elapsed:    time.Since(start),
		Cookies:    collectCookies(jar, u, resp.Request.URL),
	}

	t.logger.Debug().
		Str("method", req.Method).
		Str("url", req.URL).
		Int("status", out.StatusCode).
		Dur("elapsed", out.Elapsed).
		Int("bytes", len(body)).
		Msg("Request completed")

	return out, nil
}

func (t *HTTPTransport) newHTTPRequest(ctx context.Context, req *Request) (*http.Request, error) {
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}

	var body io.Reader
	contentType := req.ContentType
	switch {
	case req.Form != nil:
		body = strings.NewReader(req.Form.Encode())
		if contentType == "" {
			contentType = "application/x-www-form-urlencoded"
		}
	case req.Body != nil:
		body = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, req.URL, body)
	if err != nil {
		return nil, types.NewConfigError(fmt.Sprintf("invalid request: %v", err))
	}
	for k, vs := range req.Headers {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	if httpReq.Header.Get("User-Agent") == "" {
		httpReq.Header.Set("User-Agent", t.config.UserAgent)
	}
	if contentType != "" && httpReq.Header.Get("Content-Type") == "" {
		httpReq.Header.Set("Content-Type", contentType)
	}
	if httpReq.Header.Get("Accept") == "" {
		httpReq.Header.Set("Accept", acceptHeader(req.AcceptType))
	}
	return httpReq, nil
}

func acceptHeader(kind string) string {
	switch kind {
	case "xml":
		return "application/rss+xml, application/xml, text/xml;q=0.9, */*;q=0.8"
	case "json":
		return "application/json, text/javascript;q=0.9, */*;q=0.8"
	default:
		return "text/html, application/xhtml+xml, */*;q=0.8"
	}
}

func toHTTPCookies(cookies map[string]string) []*http.Cookie {
	out := make([]*http.Cookie, 0, len(cookies))
	for name, value := range cookies {
		out = append(out, &http.Cookie{Name: name, Value: value, Path: "/"})
	}
	return out
}

// collectCookies reads the jar, which was seeded with the sent cookies, so cookies
// the remote expired are dropped.
func collectCookies(jar http.CookieJar, urls ...*url.URL) map[string]string {
	out := make(map[string]string)
	for _, u := range urls {
		for _, c := range jar.Cookies(u) {
			out[c.Name] = c.Value
		}
	}
	return out
}

// IsCanceled reports whether err came from the caller cancelling the context.
func IsCanceled(err error) bool {
	return errors.Is(err, context.Canceled)
}
