package newznab

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slipstream/indexproxy/internal/indexer/transport"
	"github.com/slipstream/indexproxy/internal/indexer/types"
)

const testInfoHash = "0123456789abcdef0123456789abcdef01234567"

const capsXML = `<?xml version="1.0" encoding="UTF-8"?>
<caps>
  <server title="Remote" version="1.0"/>
  <limits default="100" max="100"/>
  <searching>
    <search available="yes" supportedParams="q"/>
    <tv-search available="yes" supportedParams="q,season,ep,tvdbid,imdbid"/>
    <movie-search available="yes" supportedParams="q,imdbid"/>
    <audio-search available="no"/>
    <book-search available="yes" supportedParams="q,author,title"/>
  </searching>
  <categories>
    <category id="2000" name="Movies">
      <subcat id="2040" name="HD"/>
    </category>
    <category id="5000" name="TV"/>
  </categories>
</caps>`

const newznabFeed = `<?xml version="1.0" encoding="UTF-8"?>
<rss version="2.0" xmlns:newznab="http://www.newznab.com/DTD/2010/feeds/attributes/">
<channel>
  <item>
    <title>Show.S01E02.720p</title>
    <guid isPermaLink="true">https://nzb.example/details/abc</guid>
    <link>https://nzb.example/getnzb/abc.nzb</link>
    <comments>https://nzb.example/details/abc#comments</comments>
    <pubDate>Sat, 15 Jun 2024 10:00:00 +0000</pubDate>
    <enclosure url="https://nzb.example/getnzb/abc.nzb" length="1000" type="application/x-nzb"/>
    <newznab:attr name="category" value="5000"/>
    <newznab:attr name="category" value="2040"/>
    <newznab:attr name="size" value="123456"/>
    <newznab:attr name="tvdbid" value="81189"/>
    <newznab:attr name="imdb" value="0903747"/>
    <newznab:attr name="grabs" value="12"/>
    <newznab:attr name="usenetdate" value="Fri, 14 Jun 2024 08:00:00 +0000"/>
    <newznab:attr name="coverurl" value="https://img.example/p.jpg"/>
  </item>
  <item>
    <title>Relative.Link</title>
    <guid>rel</guid>
    <link>/getnzb/rel.nzb</link>
    <enclosure url="https://nzb.example/getnzb/rel.nzb" length="2048"/>
    <category>2000</category>
  </item>
  <item>
    <title>Wrong.Enclosure</title>
    <guid>torrent</guid>
    <link>https://nzb.example/t.torrent</link>
    <enclosure url="https://nzb.example/t.torrent" type="application/x-bittorrent"/>
  </item>
  <item>
    <title>No.Enclosure</title>
    <link>https://nzb.example/none.nzb</link>
  </item>
</channel>
</rss>`

const torznabFeed = `<?xml version="1.0" encoding="UTF-8"?>
<rss version="2.0" xmlns:torznab="http://torznab.com/schemas/2015/feed">
<channel>
  <item>
    <title>Movie.2024.1080p</title>
    <guid>https://tracker.example/t/1</guid>
    <link>magnet:?xt=urn:btih:` + testInfoHash + `&amp;dn=Movie</link>
    <pubDate>Sat, 15 Jun 2024 10:00:00 +0000</pubDate>
    <size>4096</size>
    <category>2040</category>
    <torznab:attr name="seeders" value="10"/>
    <torznab:attr name="leechers" value="5"/>
    <torznab:attr name="downloadvolumefactor" value="0"/>
    <torznab:attr name="uploadvolumefactor" value="2"/>
    <torznab:attr name="minimumratio" value="1.5"/>
    <torznab:attr name="minimumseedtime" value="3600"/>
    <torznab:attr name="tag" value="internal"/>
    <torznab:attr name="genre" value="Action, Drama"/>
  </item>
  <item>
    <title>Plain.Torrent</title>
    <guid>2</guid>
    <link>https://tracker.example/dl/2.torrent</link>
    <enclosure url="https://tracker.example/dl/2.torrent" length="8192" type="application/x-bittorrent"/>
    <torznab:attr name="seeders" value="1"/>
    <torznab:attr name="peers" value="3"/>
    <torznab:attr name="infohash" value="ABCDEF0123456789ABCDEF0123456789ABCDEF01"/>
  </item>
</channel>
</rss>`

// stubDoer serves caps and search documents and records every request.
type stubDoer struct {
	caps     string
	search   string
	status   int
	requests []*transport.Request
	capsHits atomic.Int32
}

func (d *stubDoer) Do(_ context.Context, req *transport.Request, _ map[string]string) (*transport.Response, error) {
	d.requests = append(d.requests, req)
	u, err := url.Parse(req.URL)
	if err != nil {
		return nil, err
	}
	body := d.search
	if u.Query().Get("t") == "caps" {
		d.capsHits.Add(1)
		body = d.caps
	}
	status := d.status
	if status == 0 {
		status = http.StatusOK
	}
	h := http.Header{}
	h.Set("Content-Type", "application/rss+xml; charset=utf-8")
	return &transport.Response{Request: req, StatusCode: status, Header: h, Body: []byte(body), URL: req.URL}, nil
}

func newTestClient(d *stubDoer, protocol types.Protocol) *Client {
	s := Settings{BaseURL: "https://nzb.example/", APIKey: "secret"}
	return New(s, protocol, d, nil, zerolog.Nop())
}

func TestSettingsFromDefinition(t *testing.T) {
	s := SettingsFromDefinition(types.IndexerDefinition{
		BaseURL:  "https://nzb.example",
		APIKey:   "k",
		Settings: map[string]string{"additionalParameters": "&attrs=poster"},
	})
	assert.Equal(t, DefaultAPIPath, s.APIPath)
	assert.Equal(t, "&attrs=poster", s.AdditionalParameters)
	assert.Equal(t, "https://nzb.example/api", s.apiURL())
}

func TestClient_Capabilities(t *testing.T) {
	d := &stubDoer{caps: capsXML}
	c := newTestClient(d, types.ProtocolUsenet)

	got, err := c.Capabilities(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 100, got.LimitsMax)
	_, err = c.Capabilities(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(1), d.capsHits.Load(), "caps are cached")
	assert.Equal(t, "https://nzb.example/api?t=caps&apikey=secret", d.requests[0].URL)

	c.InvalidateCapabilities()
	_, err = c.Capabilities(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(2), d.capsHits.Load())
}

func TestClient_CapabilitiesErrors(t *testing.T) {
	tests := []struct {
		name  string
		doer  *stubDoer
		check func(t *testing.T, err error)
	}{
		{
			name: "bad api key",
			doer: &stubDoer{caps: `<error code="100" description="Incorrect user credentials"/>`},
			check: func(t *testing.T, err error) {
				assert.True(t, types.IsAuthError(err))
			},
		},
		{
			name: "rate limited",
			doer: &stubDoer{status: http.StatusTooManyRequests},
			check: func(t *testing.T, err error) {
				assert.True(t, types.IsRateLimitError(err))
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := newTestClient(tt.doer, types.ProtocolUsenet).Capabilities(context.Background())
			require.Error(t, err)
			tt.check(t, err)
		})
	}
}

func TestClient_GetSearchRequests(t *testing.T) {
	tests := []struct {
		name     string
		criteria types.SearchCriteria
		want     string
	}{
		{
			name:     "basic",
			criteria: &types.BasicSearchCriteria{BaseCriteria: types.BaseCriteria{SearchTerm: "big buck+bunny", Categories: []int{2000, 2040, 2000}}},
			want:     "t=search&extended=1&cat=2000,2040&apikey=secret&q=big%20buck%2Bbunny",
		},
		{
			name: "tv with ids",
			criteria: &types.TVSearchCriteria{
				BaseCriteria: types.BaseCriteria{SearchTerm: "show", Limit: 50, Offset: 100},
				Season:       1, Episode: "2", TvdbID: 81189, ImdbID: "tt0903747", TraktID: 9,
			},
			want: "t=tvsearch&extended=1&apikey=secret&tvdbid=81189&imdbid=0903747&season=01&ep=2&q=show&limit=50&offset=100",
		},
		{
			name:     "movie without supported ids falls back to search",
			criteria: &types.MovieSearchCriteria{BaseCriteria: types.BaseCriteria{SearchTerm: "film"}, TmdbID: 5},
			want:     "t=search&extended=1&apikey=secret&q=film",
		},
		{
			name:     "book",
			criteria: &types.BookSearchCriteria{Author: "Herbert", Title: "Dune"},
			want:     "t=book&extended=1&apikey=secret&author=Herbert&title=Dune",
		},
		{
			name:     "rss",
			criteria: &types.BasicSearchCriteria{},
			want:     "t=search&extended=1&apikey=secret",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(&stubDoer{caps: capsXML}, types.ProtocolUsenet)
			chain, err := c.GetSearchRequests(context.Background(), tt.criteria)
			require.NoError(t, err)
			require.Equal(t, 1, chain.Len())

			var reqs []*transport.Request
			for _, tier := range chain.Tiers() {
				for _, seq := range tier {
					for req := range seq {
						reqs = append(reqs, req)
					}
				}
			}
			require.Len(t, reqs, 1)
			assert.Equal(t, "https://nzb.example/api?"+tt.want, reqs[0].URL)
			assert.Equal(t, "xml", reqs[0].AcceptType)
		})
	}
}

func TestClient_APIKeyIsEscaped(t *testing.T) {
	d := &stubDoer{caps: capsXML}
	c := New(Settings{BaseURL: "https://nzb.example", APIKey: "a&b=c d"}, types.ProtocolUsenet, d, nil, zerolog.Nop())

	_, err := c.Capabilities(context.Background())
	require.NoError(t, err)
	require.NotEmpty(t, d.requests)
	assert.Equal(t, "https://nzb.example/api?t=caps&apikey=a%26b%3Dc+d", d.requests[0].URL)

	chain, err := c.GetSearchRequests(context.Background(), &types.BasicSearchCriteria{})
	require.NoError(t, err)
	for req := range chain.Tiers()[0][0] {
		assert.Equal(t, "https://nzb.example/api?t=search&extended=1&apikey=a%26b%3Dc+d", req.URL)
	}
}

func TestClient_GetSearchRequests_AdditionalParameters(t *testing.T) {
	d := &stubDoer{caps: capsXML}
	c := New(Settings{BaseURL: "https://nzb.example", APIPath: "/feed/", AdditionalParameters: "&attrs=poster"}, types.ProtocolUsenet, d, nil, zerolog.Nop())
	chain, err := c.GetSearchRequests(context.Background(), &types.BasicSearchCriteria{BaseCriteria: types.BaseCriteria{SearchTerm: "x"}})
	require.NoError(t, err)
	for req := range chain.Tiers()[0][0] {
		assert.Equal(t, "https://nzb.example/feed?t=search&extended=1&attrs=poster&q=x", req.URL)
	}
}

func parse(t *testing.T, c *Client, body string) ([]*types.ReleaseInfo, error) {
	t.Helper()
	req := transport.NewRequest("https://nzb.example/api?t=search&apikey=secret")
	h := http.Header{}
	h.Set("Content-Type", "application/rss+xml")
	return c.ParseResponse(context.Background(), &transport.Response{Request: req, StatusCode: http.StatusOK, Header: h, Body: []byte(body), URL: req.URL})
}

func TestClient_ParseResponse_Newznab(t *testing.T) {
	c := newTestClient(&stubDoer{caps: capsXML}, types.ProtocolUsenet)
	releases, err := parse(t, c, newznabFeed)
	require.NoError(t, err)
	require.Len(t, releases, 2, "items without an nzb enclosure are dropped")

	r := releases[0]
	assert.Equal(t, "Show.S01E02.720p", r.Title)
	assert.Equal(t, "https://nzb.example/details/abc", r.GUID)
	assert.Equal(t, "https://nzb.example/getnzb/abc.nzb", r.DownloadURL)
	assert.Equal(t, "https://nzb.example/details/abc", r.InfoURL)
	assert.Equal(t, "https://nzb.example/details/abc#comments", r.CommentURL)
	require.NotNil(t, r.Size)
	assert.Equal(t, int64(123456), *r.Size)
	assert.Equal(t, 81189, r.TvdbID)
	assert.Equal(t, 903747, r.ImdbID)
	require.NotNil(t, r.Grabs)
	assert.Equal(t, 12, *r.Grabs)
	assert.Equal(t, "https://img.example/p.jpg", r.Poster)
	assert.Equal(t, 14, r.PublishDate.Day(), "usenetdate wins over pubDate")
	assert.Contains(t, r.Categories, 5000)
	assert.Contains(t, r.Categories, 2040)
	assert.Equal(t, types.ProtocolUsenet, r.Protocol)

	rel := releases[1]
	assert.Equal(t, "https://nzb.example/getnzb/rel.nzb", rel.DownloadURL, "relative links fall back to the enclosure")
	require.NotNil(t, rel.Size)
	assert.Equal(t, int64(2048), *rel.Size)
	assert.Contains(t, rel.Categories, 2000)
}

func TestClient_ParseResponse_Torznab(t *testing.T) {
	c := newTestClient(&stubDoer{caps: capsXML}, types.ProtocolTorrent)
	releases, err := parse(t, c, torznabFeed)
	require.NoError(t, err)
	require.Len(t, releases, 2)

	m := releases[0]
	assert.Empty(t, m.DownloadURL)
	assert.True(t, strings.HasPrefix(m.MagnetURL, "magnet:?xt=urn:btih:"))
	assert.Equal(t, testInfoHash, m.InfoHash)
	require.NotNil(t, m.Seeders)
	require.NotNil(t, m.Peers)
	assert.Equal(t, 10, *m.Seeders)
	assert.Equal(t, 15, *m.Peers)
	assert.Equal(t, float64(0), m.DownloadVolumeFactor)
	assert.Equal(t, float64(2), m.UploadVolumeFactor)
	require.NotNil(t, m.MinimumRatio)
	assert.Equal(t, 1.5, *m.MinimumRatio)
	require.NotNil(t, m.MinimumSeedTime)
	assert.Equal(t, int64(3600), *m.MinimumSeedTime)
	assert.True(t, m.HasFlag(types.FlagFreeleech))
	assert.True(t, m.HasFlag(types.FlagDoubleUpload))
	assert.True(t, m.HasFlag(types.FlagInternal))
	assert.Equal(t, []string{"Action", "Drama"}, m.Genres)
	require.NotNil(t, m.Size)
	assert.Equal(t, int64(4096), *m.Size)

	p := releases[1]
	assert.Equal(t, "https://tracker.example/dl/2.torrent", p.DownloadURL)
	assert.Equal(t, "abcdef0123456789abcdef0123456789abcdef01", p.InfoHash)
	assert.Equal(t, 3, *p.Peers)
	assert.Equal(t, float64(1), p.DownloadVolumeFactor, "volume factors default to 1")
}

func TestClient_ParseResponse_Errors(t *testing.T) {
	c := newTestClient(&stubDoer{caps: capsXML}, types.ProtocolUsenet)

	tests := []struct {
		name  string
		body  string
		check func(t *testing.T, err error)
	}{
		{
			name: "remote error",
			body: `<?xml version="1.0"?><error code="500" description="Request limit reached"/>`,
			check: func(t *testing.T, err error) {
				assert.True(t, types.IsRateLimitError(err))
			},
		},
		{
			name: "html page",
			body: `<html><body>maintenance</body></html>`,
			check: func(t *testing.T, err error) {
				assert.True(t, types.IsParseError(err))
			},
		},
		{
			name: "garbage",
			body: `not xml at all`,
			check: func(t *testing.T, err error) {
				assert.True(t, types.IsParseError(err))
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parse(t, c, tt.body)
			require.Error(t, err)
			tt.check(t, err)
		})
	}
}

func TestParseDate(t *testing.T) {
	for _, s := range []string{
		"Sat, 15 Jun 2024 10:00:00 +0000",
		"Sat, 15 Jun 2024 10:00:00 GMT",
		"2024-06-15T10:00:00Z",
		"2024-06-15 10:00:00",
	} {
		got := parseDate(s)
		assert.Equal(t, 15, got.Day(), s)
		assert.Equal(t, 10, got.Hour(), s)
	}
	assert.True(t, parseDate("yesterday").IsZero())
}
