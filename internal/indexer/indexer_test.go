package indexer

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/anacrolix/torrent/bencode"
	"github.com/anacrolix/torrent/metainfo"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slipstream/indexproxy/internal/indexer/caps"
	"github.com/slipstream/indexproxy/internal/indexer/category"
	"github.com/slipstream/indexproxy/internal/indexer/status"
	"github.com/slipstream/indexproxy/internal/indexer/transport"
	"github.com/slipstream/indexproxy/internal/indexer/types"
)

var testNow = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

func testClock() time.Time { return testNow }

type generatorFunc func(ctx context.Context, criteria types.SearchCriteria) (*transport.Chain, error)

func (f generatorFunc) GetSearchRequests(ctx context.Context, criteria types.SearchCriteria) (*transport.Chain, error) {
	return f(ctx, criteria)
}

// jsonParser reads a JSON array of releases.
type jsonParser struct{}

func (jsonParser) ParseResponse(_ context.Context, resp *transport.Response) ([]*types.ReleaseInfo, error) {
	var out []*types.ReleaseInfo
	if err := json.Unmarshal(resp.Body, &out); err != nil {
		return nil, types.NewParseError("not json", resp.Body, err)
	}
	return out, nil
}

type staticCaps struct{ c *caps.Capabilities }

func (s staticCaps) Capabilities(context.Context) (*caps.Capabilities, error) { return s.c, nil }

type cookieAuth struct {
	loginURL string
	calls    atomic.Int32
}

func (a *cookieAuth) NeedsLogin(_ context.Context, resp *transport.Response) (bool, error) {
	return resp.StatusCode == http.StatusForbidden, nil
}

func (a *cookieAuth) Login(ctx context.Context, s *transport.Session) error {
	a.calls.Add(1)
	resp, err := s.Do(ctx, transport.NewRequest(a.loginURL))
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return types.NewAuthError("bad credentials", nil)
	}
	return nil
}

func releasesJSON(prefix string, n int) []byte {
	out := make([]map[string]any, n)
	for i := range out {
		id := prefix + strconv.Itoa(i)
		out[i] = map[string]any{
			"guid":                 id,
			"title":                "Release " + id,
			"downloadUrl":          "http://dl/" + id,
			"downloadVolumeFactor": 1,
			"uploadVolumeFactor":   1,
		}
	}
	b, _ := json.Marshal(out)
	return b
}

type harness struct {
	status *status.Service
	ix     *Indexer
}

func newHarness(t *testing.T, gen RequestGenerator, c *caps.Capabilities, auth Authenticator) *harness {
	t.Helper()
	if c == nil {
		c = caps.New()
	}
	st := status.NewService(status.NewMemoryStore(), status.DefaultBackoffConfig(), zerolog.Nop(), status.WithClock(testClock))
	ix, err := New(
		types.IndexerDefinition{ID: 7, Name: "Test", Priority: 25},
		Components{
			Protocol:      types.ProtocolTorrent,
			Generator:     gen,
			Parser:        jsonParser{},
			Capabilities:  staticCaps{c},
			Authenticator: auth,
		},
		Deps{
			Transport: transport.NewHTTPTransport(transport.DefaultConfig(), nil, zerolog.Nop()),
			Status:    st,
			Logger:    zerolog.Nop(),
			Clock:     testClock,
		},
	)
	require.NoError(t, err)
	return &harness{status: st, ix: ix}
}

func singleRequest(url string) RequestGenerator {
	return generatorFunc(func(context.Context, types.SearchCriteria) (*transport.Chain, error) {
		return transport.Single(transport.NewRequest(url)), nil
	})
}

func TestFetchStopsAtFirstProductiveTier(t *testing.T) {
	var third atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/empty":
			_, _ = w.Write([]byte("[]"))
		case "/full":
			_, _ = w.Write(releasesJSON("t2-", 2))
		default:
			third.Store(true)
			_, _ = w.Write(releasesJSON("t3-", 1))
		}
	}))
	defer srv.Close()

	gen := generatorFunc(func(context.Context, types.SearchCriteria) (*transport.Chain, error) {
		c := transport.NewChain()
		c.Add(transport.Pages(transport.NewRequest(srv.URL + "/empty")))
		c.AddTier()
		c.Add(transport.Pages(transport.NewRequest(srv.URL + "/full")))
		c.AddTier()
		c.Add(transport.Pages(transport.NewRequest(srv.URL + "/third")))
		return c, nil
	})

	h := newHarness(t, gen, nil, nil)
	res := h.ix.Fetch(context.Background(), &types.BasicSearchCriteria{})
	require.NoError(t, res.Err)
	assert.Len(t, res.Releases, 2)
	assert.Len(t, res.Pages, 2)
	assert.False(t, third.Load())
	assert.NotEmpty(t, res.FetchID)
}

func TestFetchPaging(t *testing.T) {
	tests := []struct {
		name      string
		pageSize  int
		sizes     []int
		wantPages int
	}{
		{"declared size", 2, []int{2, 2, 1, 2}, 3},
		{"no paging", 0, []int{5, 5}, 1},
		{"probed size", 1, []int{3, 3, 2, 3}, 3},
		{"probe of empty page", 1, []int{0, 3}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				page, _ := strconv.Atoi(r.URL.Query().Get("page"))
				_, _ = w.Write(releasesJSON("p"+strconv.Itoa(page)+"-", tt.sizes[page]))
			}))
			defer srv.Close()

			gen := generatorFunc(func(context.Context, types.SearchCriteria) (*transport.Chain, error) {
				c := transport.NewChain()
				c.Add(func(yield func(*transport.Request) bool) {
					for i := range tt.sizes {
						req := transport.NewRequest(srv.URL + "/?page=" + strconv.Itoa(i))
						req.PageSize = tt.pageSize
						if !yield(req) {
							return
						}
					}
				})
				return c, nil
			})

			res := newHarness(t, gen, nil, nil).ix.Fetch(context.Background(), &types.BasicSearchCriteria{})
			require.NoError(t, res.Err)
			assert.Len(t, res.Pages, tt.wantPages)
		})
	}
}

func TestFetchLogsInOnceAndCachesCookies(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/login", func(w http.ResponseWriter, r *http.Request) {
		http.SetCookie(w, &http.Cookie{Name: "sid", Value: "ok", Path: "/"})
	})
	mux.HandleFunc("/search", func(w http.ResponseWriter, r *http.Request) {
		if c, err := r.Cookie("sid"); err != nil || c.Value != "ok" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		_, _ = w.Write(releasesJSON("r", 1))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	auth := &cookieAuth{loginURL: srv.URL + "/login"}
	h := newHarness(t, singleRequest(srv.URL+"/search"), nil, auth)
	ctx := context.Background()

	res := h.ix.Fetch(ctx, &types.BasicSearchCriteria{})
	require.NoError(t, res.Err)
	assert.Len(t, res.Releases, 1)
	assert.Equal(t, int32(1), auth.calls.Load())

	cookies, err := h.status.GetCookies(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, "ok", cookies["sid"])
	st, err := h.status.GetStatus(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, testNow.Add(30*24*time.Hour), *st.CookiesExpiration)

	res = h.ix.Fetch(ctx, &types.BasicSearchCriteria{})
	require.NoError(t, res.Err)
	assert.Equal(t, int32(1), auth.calls.Load(), "cached cookies are reused")
}

func TestFetchAuthFailureIsRecordedOnce(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	auth := &cookieAuth{loginURL: srv.URL + "/login"}
	h := newHarness(t, singleRequest(srv.URL+"/search"), nil, auth)

	res := h.ix.Fetch(context.Background(), &types.BasicSearchCriteria{})
	assert.True(t, types.IsAuthError(res.Err))
	assert.Equal(t, int32(1), auth.calls.Load())

	st, err := h.status.GetStatus(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, 1, st.EscalationLevel)
}

func TestFetchErrorMapping(t *testing.T) {
	tests := []struct {
		name         string
		handler      http.HandlerFunc
		check        func(error) bool
		wantDisabled time.Duration
	}{
		{
			name: "rate limited with retry-after",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Retry-After", "120")
				w.WriteHeader(http.StatusTooManyRequests)
			},
			check:        types.IsRateLimitError,
			wantDisabled: 2 * time.Minute,
		},
		{
			name: "rate limited without retry-after",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusTooManyRequests)
			},
			check:        types.IsRateLimitError,
			wantDisabled: time.Hour,
		},
		{
			name: "server error",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusInternalServerError)
			},
			check:        func(err error) bool { return errors.Is(err, types.ErrHTTP) },
			wantDisabled: 5 * time.Minute,
		},
		{
			name: "newznab error document on a client error",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/xml")
				w.WriteHeader(http.StatusForbidden)
				_, _ = w.Write([]byte(`<?xml version="1.0"?><error code="100" description="Incorrect user credentials"/>`))
			},
			check:        types.IsAuthError,
			wantDisabled: 5 * time.Minute,
		},
		{
			name: "newznab request limit on a client error",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "text/xml; charset=utf-8")
				w.WriteHeader(http.StatusBadRequest)
				_, _ = w.Write([]byte(`<error code="500" description="Request limit reached"/>`))
			},
			check:        types.IsRateLimitError,
			wantDisabled: time.Hour,
		},
		{
			name: "unparseable",
			handler: func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte("<html>maintenance</html>"))
			},
			check:        types.IsParseError,
			wantDisabled: 5 * time.Minute,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(tt.handler)
			defer srv.Close()

			h := newHarness(t, singleRequest(srv.URL), nil, nil)
			res := h.ix.Fetch(context.Background(), &types.BasicSearchCriteria{})
			require.Error(t, res.Err)
			assert.True(t, tt.check(res.Err), "unexpected error %v", res.Err)

			st, err := h.status.GetStatus(context.Background(), 7)
			require.NoError(t, err)
			assert.Equal(t, 1, st.EscalationLevel)
			assert.Equal(t, testNow.Add(tt.wantDisabled), *st.DisabledTill)
		})
	}
}

func TestFetchConnectionFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()

	h := newHarness(t, singleRequest(addr), nil, nil)
	res := h.ix.Fetch(context.Background(), &types.BasicSearchCriteria{})
	assert.True(t, types.IsConnectionError(res.Err))

	st, err := h.status.GetStatus(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, testNow.Add(15*time.Minute), *st.DisabledTill)
}

func TestFetchCallerDeadlineIsConnectionFailure(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	h := newHarness(t, singleRequest(srv.URL), nil, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	res := h.ix.Fetch(ctx, &types.BasicSearchCriteria{})
	require.Error(t, res.Err)
	assert.True(t, types.IsConnectionError(res.Err), "unexpected error %v", res.Err)
	assert.ErrorIs(t, res.Err, context.DeadlineExceeded)

	st, err := h.status.GetStatus(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, testNow.Add(15*time.Minute), *st.DisabledTill)
}

func TestFetchReturnsPartialResults(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("page") == "1" {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write(releasesJSON("a", 2))
	}))
	defer srv.Close()

	gen := generatorFunc(func(context.Context, types.SearchCriteria) (*transport.Chain, error) {
		p0 := transport.NewRequest(srv.URL + "/?page=0")
		p0.PageSize = 2
		p1 := transport.NewRequest(srv.URL + "/?page=1")
		return transport.Single(p0, p1), nil
	})

	res := newHarness(t, gen, nil, nil).ix.Fetch(context.Background(), &types.BasicSearchCriteria{})
	require.Error(t, res.Err)
	assert.Len(t, res.Releases, 2)
	assert.Len(t, res.Pages, 2)
	assert.Equal(t, http.StatusBadGateway, res.Pages[1].StatusCode)
}

func TestFetchSuccessClearsEscalation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("[]"))
	}))
	defer srv.Close()

	h := newHarness(t, singleRequest(srv.URL), nil, nil)
	ctx := context.Background()
	require.NoError(t, h.status.RecordFailure(ctx, 7, 0, nil))

	res := h.ix.Fetch(ctx, &types.BasicSearchCriteria{})
	require.NoError(t, res.Err)
	assert.Empty(t, res.Releases)

	st, err := h.status.GetStatus(ctx, 7)
	require.NoError(t, err)
	assert.Zero(t, st.EscalationLevel)
	assert.Nil(t, st.DisabledTill)
}

func TestFetchPreflightSkips(t *testing.T) {
	var calls atomic.Int32
	gen := generatorFunc(func(context.Context, types.SearchCriteria) (*transport.Chain, error) {
		calls.Add(1)
		return transport.NewChain(), nil
	})

	c := caps.New()
	c.Categories.AddMapping("1", category.Movies, "")
	h := newHarness(t, gen, c, nil)
	ctx := context.Background()

	tests := []struct {
		name     string
		criteria types.SearchCriteria
	}{
		{"unsupported param", &types.TVSearchCriteria{TvdbID: 1}},
		{"offset without pagination", &types.BasicSearchCriteria{BaseCriteria: types.BaseCriteria{Offset: 100}}},
		{"unsupported categories", &types.BasicSearchCriteria{BaseCriteria: types.BaseCriteria{Categories: []int{5000}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := h.ix.Fetch(ctx, tt.criteria)
			require.NoError(t, res.Err)
			assert.NotEmpty(t, res.Skipped)
			assert.Empty(t, res.Releases)
		})
	}
	assert.Zero(t, calls.Load())
}

func TestCleanup(t *testing.T) {
	h := newHarness(t, singleRequest("http://unused"), nil, nil)

	free := types.NewReleaseInfo()
	free.GUID = "a"
	free.DownloadVolumeFactor = 0
	free.UploadVolumeFactor = 2
	dup := types.NewReleaseInfo()
	dup.GUID = "a"
	half := types.NewReleaseInfo()
	half.GUID = "b"
	half.DownloadVolumeFactor = 0.5

	out := h.ix.cleanup([]*types.ReleaseInfo{free, dup, nil, half})
	require.Len(t, out, 2)
	assert.Same(t, free, out[0])
	assert.ElementsMatch(t, []types.IndexerFlag{types.FlagFreeleech, types.FlagDoubleUpload}, out[0].IndexerFlags)
	assert.Equal(t, []types.IndexerFlag{types.FlagHalfleech}, out[1].IndexerFlags)
	assert.Equal(t, int64(7), out[0].IndexerID)
	assert.Equal(t, "Test", out[0].IndexerName)
	assert.Equal(t, 25, out[0].IndexerPriority)
	assert.Equal(t, types.ProtocolTorrent, out[0].Protocol)
}

func torrentFile(t *testing.T) []byte {
	t.Helper()
	infoBytes, err := bencode.Marshal(metainfo.Info{Name: "x", PieceLength: 16384, Pieces: make([]byte, 20), Length: 1})
	require.NoError(t, err)
	b, err := bencode.Marshal(metainfo.MetaInfo{InfoBytes: infoBytes})
	require.NoError(t, err)
	return b
}

func TestDownload(t *testing.T) {
	const magnet = "magnet:?xt=urn:btih:0123456789abcdef0123456789abcdef01234567&dn=x"
	body := torrentFile(t)

	mux := http.NewServeMux()
	mux.HandleFunc("/file.torrent", func(w http.ResponseWriter, r *http.Request) { _, _ = w.Write(body) })
	mux.HandleFunc("/gone", func(w http.ResponseWriter, r *http.Request) { http.NotFound(w, r) })
	mux.HandleFunc("/limited", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusTooManyRequests) })
	mux.HandleFunc("/to-magnet", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Location", magnet)
		w.WriteHeader(http.StatusFound)
	})
	mux.HandleFunc("/to-file", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/file.torrent", http.StatusFound)
	})
	mux.HandleFunc("/login-page", func(w http.ResponseWriter, r *http.Request) { _, _ = w.Write([]byte("<html/>")) })
	srv := httptest.NewServer(mux)
	defer srv.Close()

	ctx := context.Background()

	t.Run("magnet is returned verbatim", func(t *testing.T) {
		h := newHarness(t, singleRequest(srv.URL), nil, nil)
		b, err := h.ix.Download(ctx, magnet)
		require.NoError(t, err)
		assert.Equal(t, magnet, string(b))
	})

	t.Run("torrent file", func(t *testing.T) {
		h := newHarness(t, singleRequest(srv.URL), nil, nil)
		b, err := h.ix.Download(ctx, srv.URL+"/file.torrent")
		require.NoError(t, err)
		assert.Equal(t, body, b)
	})

	t.Run("redirects", func(t *testing.T) {
		h := newHarness(t, singleRequest(srv.URL), nil, nil)
		b, err := h.ix.Download(ctx, srv.URL+"/to-magnet")
		require.NoError(t, err)
		assert.Equal(t, magnet, string(b))

		b, err = h.ix.Download(ctx, srv.URL+"/to-file")
		require.NoError(t, err)
		assert.Equal(t, body, b)
	})

	t.Run("not found is not a remote failure", func(t *testing.T) {
		h := newHarness(t, singleRequest(srv.URL), nil, nil)
		_, err := h.ix.Download(ctx, srv.URL+"/gone")
		assert.True(t, types.IsReleaseUnavailable(err))
		st, err := h.status.GetStatus(ctx, 7)
		require.NoError(t, err)
		assert.Zero(t, st.EscalationLevel)
	})

	t.Run("grab limit", func(t *testing.T) {
		h := newHarness(t, singleRequest(srv.URL), nil, nil)
		_, err := h.ix.Download(ctx, srv.URL+"/limited")
		assert.True(t, types.IsRateLimitError(err))
		st, err := h.status.GetStatus(ctx, 7)
		require.NoError(t, err)
		assert.Equal(t, testNow.Add(time.Hour), *st.DisabledTill)
	})

	t.Run("invalid body", func(t *testing.T) {
		h := newHarness(t, singleRequest(srv.URL), nil, nil)
		_, err := h.ix.Download(ctx, srv.URL+"/login-page")
		assert.ErrorIs(t, err, types.ErrReleaseDownload)
	})
}

func TestIndexerTest(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[{"guid":"x","title":""}]`))
	}))
	defer srv.Close()

	err := newHarness(t, singleRequest(srv.URL), nil, nil).ix.Test(context.Background())
	assert.True(t, types.IsParseError(err))
}
