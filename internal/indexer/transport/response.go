package transport

import (
	"bytes"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/net/html/charset"
)

// Response is the outcome of executing a Request.
type Response struct {
	Request    *Request
	StatusCode int
	Header     http.Header
	Body       []byte
	// URL is the final URL after any followed redirects.
	URL     string
	Elapsed time.Duration
	// Cookies is the complete cookie set after the exchange: the cookies sent plus any set by the remote.
	Cookies map[string]string
}

// ContentType returns the lower-cased media type without parameters.
func (r *Response) ContentType() string {
	mt, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil {
		return strings.ToLower(strings.TrimSpace(r.Header.Get("Content-Type")))
	}
	return mt
}

// IsRedirect reports a 3xx response carrying a Location header.
func (r *Response) IsRedirect() bool {
	return r.StatusCode >= 300 && r.StatusCode < 400 && r.Header.Get("Location") != ""
}

// Location returns the redirect target resolved against the response URL.
func (r *Response) Location() string {
	loc := r.Header.Get("Location")
	if loc == "" {
		return ""
	}
	base, err := url.Parse(r.URL)
	if err != nil {
		return loc
	}
	ref, err := url.Parse(loc)
	if err != nil {
		return loc
	}
	return base.ResolveReference(ref).String()
}

// HasHTTPError reports a 4xx or 5xx status.
func (r *Response) HasHTTPError() bool {
	return r.StatusCode >= 400
}

// RetryAfter parses the Retry-After header as seconds or an HTTP date.
func (r *Response) RetryAfter(now time.Time) time.Duration {
	v := strings.TrimSpace(r.Header.Get("Retry-After"))
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil && t.After(now) {
		return t.Sub(now)
	}
	return 0
}

// Text returns the body decoded to UTF-8 using the declared or sniffed charset.
func (r *Response) Text() string {
	reader, err := charset.NewReader(bytes.NewReader(r.Body), r.Header.Get("Content-Type"))
	if err != nil {
		return string(r.Body)
	}
	b, err := io.ReadAll(reader)
	if err != nil {
		return string(r.Body)
	}
	return string(b)
}
