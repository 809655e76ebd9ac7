// Package transport describes the requests a remote is sent and the responses it
// returns, and executes them over HTTP through the per-host rate gate.
package transport

import (
	"iter"
	"net/http"
	"net/url"
	"time"
)

// Request is a single page request to a remote.
type Request struct {
	Method  string
	URL     string
	Headers http.Header
	// Form is sent form-encoded for POST requests; Body is used when Form is nil.
	Form        url.Values
	Body        []byte
	ContentType string
	// AcceptType is the response kind the parser expects: "xml", "html" or "json".
	AcceptType string
	// PageSize is the number of results a full page holds. Zero disables paging;
	// one means the size is learned from the first page.
	PageSize      int
	AllowRedirect bool
	// RateLimit overrides the gate's spacing for this request's host when positive.
	RateLimit time.Duration
	Timeout   time.Duration
	// Meta carries generator state the parser needs to interpret the response.
	Meta any
}

// NewRequest creates a GET request for rawURL.
func NewRequest(rawURL string) *Request {
	return &Request{
		Method:  http.MethodGet,
		URL:     rawURL,
		Headers: http.Header{},
	}
}

// NewPostRequest creates a form POST request.
func NewPostRequest(rawURL string, form url.Values) *Request {
	r := NewRequest(rawURL)
	r.Method = http.MethodPost
	r.Form = form
	return r
}

// SetHeader sets a header, creating the header map when needed.
func (r *Request) SetHeader(key, value string) *Request {
	if r.Headers == nil {
		r.Headers = http.Header{}
	}
	r.Headers.Set(key, value)
	return r
}

// Sequence lazily yields the pages of one pageable query.
type Sequence = iter.Seq[*Request]

// Pages returns a sequence over a fixed list of requests.
func Pages(reqs ...*Request) Sequence {
	return func(yield func(*Request) bool) {
		for _, r := range reqs {
			if !yield(r) {
				return
			}
		}
	}
}

// Chain is an ordered list of tiers, each holding pageable sequences.
// Later tiers are only tried when earlier ones yield nothing.
type Chain struct {
	tiers [][]Sequence
}

// NewChain creates a chain with one open tier.
func NewChain() *Chain {
	return &Chain{tiers: [][]Sequence{nil}}
}

// Add appends sequences to the current tier.
func (c *Chain) Add(seqs ...Sequence) {
	last := len(c.tiers) - 1
	for _, s := range seqs {
		if s != nil {
			c.tiers[last] = append(c.tiers[last], s)
		}
	}
}

// AddTier opens a new tier. Opening a tier while the current one is empty is a no-op.
func (c *Chain) AddTier() {
	if len(c.tiers[len(c.tiers)-1]) > 0 {
		c.tiers = append(c.tiers, nil)
	}
}

// Tiers returns the non-empty tiers in order.
func (c *Chain) Tiers() [][]Sequence {
	out := make([][]Sequence, 0, len(c.tiers))
	for _, t := range c.tiers {
		if len(t) > 0 {
			out = append(out, t)
		}
	}
	return out
}

// Len returns the number of non-empty tiers.
func (c *Chain) Len() int {
	return len(c.Tiers())
}

// Single returns a one-tier chain holding reqs as a single sequence.
func Single(reqs ...*Request) *Chain {
	c := NewChain()
	c.Add(Pages(reqs...))
	return c
}
