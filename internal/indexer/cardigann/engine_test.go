package cardigann

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slipstream/indexproxy/internal/indexer/caps"
	"github.com/slipstream/indexproxy/internal/indexer/category"
	"github.com/slipstream/indexproxy/internal/indexer/transport"
	"github.com/slipstream/indexproxy/internal/indexer/types"
)

const trackerYAML = `
id: testtracker
name: Test Tracker
description: A tracker used in tests
language: en-US
type: public
links:
  - https://tracker.example/
legacylinks:
  - https://old.tracker.example/
caps:
  categorymappings:
    - {id: 1, cat: Movies, desc: "Movies"}
    - {id: 2, cat: TV/HD, desc: "TV HD", default: true}
  modes:
    search: [q]
    movie-search: [q, imdbid]
    tv-search: [q, season, ep]
settings:
  - name: username
    type: text
    label: Username
  - name: freeleech
    type: checkbox
    label: Freeleech only
    default: false
  - name: sort
    type: select
    label: Sort
    default: added
    options:
      added: created
      seeders: seeders
search:
  paths:
    - path: browse.php
  inputs:
    q: "{{ .Keywords }}"
    cat: '{{ join .Categories "," }}'
    sort: "{{ .Config.sort }}"
    free: "{{ if .Config.freeleech }}1{{ else }}0{{ end }}"
  rows:
    selector: table.torrents tr.row
  fields:
    category:
      selector: td.cat a
      attribute: href
      filters:
        - name: querystring
          args: cat
    title:
      selector: td.name a
    details:
      selector: td.name a
      attribute: href
    download:
      selector: td.dl a
      attribute: href
    size:
      selector: td.size
    seeders:
      selector: td.seeders
    leechers:
      selector: td.leechers
    date:
      selector: td.date
    imdbid:
      selector: a.imdb
      attribute: href
    downloadvolumefactor:
      case:
        span.free: 0
        "*": 1
    uploadvolumefactor:
      text: 1
`

var engineNow = time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC)

func newTestEngine(t *testing.T, src string, settings map[string]string) *Engine {
	t.Helper()
	def, err := ParseDefinition([]byte(src))
	require.NoError(t, err)
	e, err := NewEngine(def, Options{
		Settings: settings,
		Logger:   zerolog.Nop(),
		Clock:    func() time.Time { return engineNow },
	})
	require.NoError(t, err)
	return e
}

// fakeDoer answers requests by URL path.
type fakeDoer struct {
	mu       sync.Mutex
	routes   map[string]func(req *transport.Request, cookies map[string]string) *transport.Response
	requests []*transport.Request
	cookies  []map[string]string
}

func newFakeDoer() *fakeDoer {
	return &fakeDoer{routes: map[string]func(*transport.Request, map[string]string) *transport.Response{}}
}

func (d *fakeDoer) handle(path string, fn func(req *transport.Request, cookies map[string]string) *transport.Response) {
	d.routes[path] = fn
}

func (d *fakeDoer) Do(_ context.Context, req *transport.Request, cookies map[string]string) (*transport.Response, error) {
	d.mu.Lock()
	d.requests = append(d.requests, req)
	d.cookies = append(d.cookies, cookies)
	d.mu.Unlock()

	u, err := url.Parse(req.URL)
	if err != nil {
		return nil, err
	}
	fn, ok := d.routes[u.Path]
	if !ok {
		return &transport.Response{Request: req, StatusCode: http.StatusNotFound, Header: http.Header{}, URL: req.URL}, nil
	}
	resp := fn(req, cookies)
	resp.Request = req
	if resp.URL == "" {
		resp.URL = req.URL
	}
	if resp.Header == nil {
		resp.Header = http.Header{}
	}
	return resp, nil
}

func htmlResponse(status int, body string) *transport.Response {
	return &transport.Response{
		StatusCode: status,
		Header:     http.Header{"Content-Type": {"text/html; charset=utf-8"}},
		Body:       []byte(body),
	}
}

func chainRequests(c *transport.Chain) []*transport.Request {
	var out []*transport.Request
	for _, tier := range c.Tiers() {
		for _, seq := range tier {
			for r := range seq {
				out = append(out, r)
			}
		}
	}
	return out
}

func basicCriteria(term string, cats ...int) *types.BasicSearchCriteria {
	return &types.BasicSearchCriteria{BaseCriteria: types.BaseCriteria{SearchTerm: term, Categories: cats}}
}

func TestNewEngine_Capabilities(t *testing.T) {
	e := newTestEngine(t, trackerYAML, nil)

	c, err := e.Capabilities(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Test Tracker", c.ServerTitle)
	assert.Equal(t, []caps.Param{caps.ParamQ}, c.SearchParams)
	assert.ElementsMatch(t, []caps.Param{caps.ParamQ, caps.ParamImdbID}, c.MovieSearchParams)
	assert.ElementsMatch(t, []caps.Param{caps.ParamQ, caps.ParamSeason, caps.ParamEp}, c.TVSearchParams)
	assert.False(t, c.SupportsPagination)

	assert.Contains(t, c.Categories.StandardIDsForToken("1"), category.Movies.ID)
	assert.Contains(t, c.Categories.StandardIDsForToken("1"), category.CustomID("1"))
	assert.Equal(t, []string{"2"}, e.defaultCats)
}

func TestNewEngine_SiteLink(t *testing.T) {
	def, err := ParseDefinition([]byte(trackerYAML))
	require.NoError(t, err)

	tests := []struct {
		name    string
		baseURL string
		want    string
	}{
		{name: "definition link", want: "https://tracker.example/"},
		{name: "configured mirror", baseURL: "https://mirror.example", want: "https://mirror.example/"},
		{name: "legacy link is replaced", baseURL: "https://old.tracker.example", want: "https://tracker.example/"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, err := NewEngine(def, Options{BaseURL: tt.baseURL, Logger: zerolog.Nop()})
			require.NoError(t, err)
			assert.Equal(t, tt.want, e.SiteLink())
		})
	}
}

func TestNewEngine_Errors(t *testing.T) {
	t.Run("unknown encoding", func(t *testing.T) {
		def, err := ParseDefinition([]byte(trackerYAML))
		require.NoError(t, err)
		def.Encoding = "klingon-8"
		_, err = NewEngine(def, Options{Logger: zerolog.Nop()})
		assert.ErrorIs(t, err, types.ErrDefinition)
	})

	t.Run("unsupported setting type", func(t *testing.T) {
		def, err := ParseDefinition([]byte(trackerYAML))
		require.NoError(t, err)
		def.Settings = append(def.Settings, Setting{Name: "x", Type: "slider"})
		_, err = NewEngine(def, Options{Logger: zerolog.Nop()})
		assert.Error(t, err)
	})
}

func TestEngine_SettingValue(t *testing.T) {
	e := newTestEngine(t, trackerYAML, nil)
	sel := Setting{Name: "sort", Type: "select", Default: "added", Options: map[string]string{"added": "created", "seeders": "seeders"}}

	tests := []struct {
		name     string
		setting  Setting
		settings map[string]string
		want     any
	}{
		{name: "text", setting: Setting{Name: "u", Type: "text"}, settings: map[string]string{"u": "bob"}, want: "bob"},
		{name: "text default", setting: Setting{Name: "u", Type: "text", Default: "anon"}, want: "anon"},
		{name: "checkbox on", setting: Setting{Name: "c", Type: "checkbox"}, settings: map[string]string{"c": "true"}, want: trueVar},
		{name: "checkbox off", setting: Setting{Name: "c", Type: "checkbox"}, settings: map[string]string{"c": "false"}, want: nil},
		{name: "select by key", setting: sel, settings: map[string]string{"sort": "seeders"}, want: "seeders"},
		{name: "select by index in sorted keys", setting: sel, settings: map[string]string{"sort": "1"}, want: "seeders"},
		{name: "select falls back to default", setting: sel, settings: map[string]string{"sort": "bogus"}, want: "added"},
		{name: "info is text", setting: Setting{Name: "i", Type: "info_cookie", Default: "x"}, want: "x"},
		{name: "captcha has no value", setting: Setting{Name: "captcha", Type: "cardigannCaptcha"}, want: nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e.settings = tt.settings
			if e.settings == nil {
				e.settings = map[string]string{}
			}
			got, err := e.settingValue(tt.setting)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEngine_GetSearchRequests(t *testing.T) {
	e := newTestEngine(t, trackerYAML, map[string]string{"freeleech": "true", "sort": "seeders"})

	chain, err := e.GetSearchRequests(context.Background(), basicCriteria("the matrix", category.Movies.ID))
	require.NoError(t, err)
	require.Equal(t, 1, chain.Len())

	reqs := chainRequests(chain)
	require.Len(t, reqs, 1)
	req := reqs[0]
	assert.Equal(t, http.MethodGet, req.Method)
	assert.Equal(t, "https://tracker.example/browse.php?q=the+matrix&cat=1&sort=seeders&free=1", req.URL)
	assert.Equal(t, "html", req.AcceptType)
	assert.False(t, req.AllowRedirect)

	meta, ok := req.Meta.(*searchMeta)
	require.True(t, ok)
	assert.Equal(t, "the matrix", meta.vars.String(".Keywords"))
	assert.Equal(t, []string{"1"}, meta.vars.List(".Categories"))
}

func TestEngine_GetSearchRequests_Headers(t *testing.T) {
	src := strings.Replace(trackerYAML, "search:\n  paths:\n", "search:\n  headers:\n    X-Sort: \"{{ .Config.sort }}\"\n    Accept: [application/json, text/html]\n  paths:\n", 1)
	e := newTestEngine(t, src, map[string]string{"sort": "seeders"})

	for range 2 {
		chain, err := e.GetSearchRequests(context.Background(), basicCriteria("matrix"))
		require.NoError(t, err)
		reqs := chainRequests(chain)
		require.Len(t, reqs, 1)
		assert.Equal(t, "seeders", reqs[0].Headers.Get("X-Sort"))
		assert.Equal(t, "application/json", reqs[0].Headers.Get("Accept"))
	}

	require.Contains(t, e.def.Search.Headers, "Accept")
	assert.True(t, e.def.Search.Headers["Accept"].IsLiteral())
	assert.False(t, e.def.Search.Headers["X-Sort"].IsLiteral())
}

func TestEngine_GetSearchRequests_DefaultCategories(t *testing.T) {
	e := newTestEngine(t, trackerYAML, nil)

	chain, err := e.GetSearchRequests(context.Background(), basicCriteria(""))
	require.NoError(t, err)
	reqs := chainRequests(chain)
	require.Len(t, reqs, 1)
	assert.Equal(t, "https://tracker.example/browse.php?q=&cat=2&sort=added&free=0", reqs[0].URL)
}

func TestEngine_GetSearchRequests_PathCategories(t *testing.T) {
	src := `
id: paths
name: Paths
links: [https://tracker.example/]
caps:
  categorymappings:
    - {id: 1, cat: Movies}
    - {id: 2, cat: TV/HD}
  modes:
    search: [q]
search:
  paths:
    - path: movies.php
      categories: [1]
    - path: "tv/{{ .Keywords }}"
      categories: ["!", 1]
      inheritinputs: false
      method: post
      response:
        type: json
  inputs:
    q: "{{ .Keywords }}"
  keywordsfilters:
    - name: re_replace
      args: ["\\s+", "-"]
  rows:
    selector: data
  fields:
    title:
      selector: name
`
	e := newTestEngine(t, src, nil)

	tests := []struct {
		name     string
		cats     []int
		wantURLs []string
	}{
		{name: "movie category", cats: []int{category.Movies.ID}, wantURLs: []string{"https://tracker.example/movies.php?q=a-b"}},
		{name: "tv category", cats: []int{category.TV.ID}, wantURLs: []string{"https://tracker.example/tv/a-b"}},
		{name: "no categories runs every path", wantURLs: []string{"https://tracker.example/movies.php?q=a-b", "https://tracker.example/tv/a-b"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			chain, err := e.GetSearchRequests(context.Background(), basicCriteria("a b", tt.cats...))
			require.NoError(t, err)
			var urls []string
			for _, r := range chainRequests(chain) {
				urls = append(urls, r.URL)
			}
			assert.Equal(t, tt.wantURLs, urls)
		})
	}

	chain, err := e.GetSearchRequests(context.Background(), basicCriteria("a b", category.TV.ID))
	require.NoError(t, err)
	post := chainRequests(chain)[0]
	assert.Equal(t, http.MethodPost, post.Method)
	assert.Equal(t, "json", post.AcceptType)
	assert.Empty(t, post.Body)
}

func TestEngine_QueryVariables(t *testing.T) {
	e := newTestEngine(t, trackerYAML, nil)

	tv := &types.TVSearchCriteria{
		BaseCriteria: types.BaseCriteria{SearchTerm: "show"},
		Season:       2,
		Episode:      "5",
		ImdbID:       "1234567",
		TvdbID:       81189,
	}
	v := e.queryVariables(tv)
	assert.Equal(t, "show", v.String(".Query.Q"))
	assert.Equal(t, "2", v.String(".Query.Season"))
	assert.Equal(t, "5", v.String(".Query.Ep"))
	assert.Equal(t, "tt1234567", v.String(".Query.IMDBID"))
	assert.Equal(t, "1234567", v.String(".Query.IMDBIDShort"))
	assert.Equal(t, "81189", v.String(".Query.TVDBID"))
	assert.Equal(t, "S02E05", v.String(".Query.Episode"))
	assert.Nil(t, v[".Query.TMDBID"])
	assert.Nil(t, v[".Query.Album"])
	assert.Equal(t, "https://tracker.example/", v.String(".Config.sitelink"))
	assert.Equal(t, "2024", v.String(".Today.Year"))
}
