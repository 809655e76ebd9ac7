// Package testutil provides testing utilities for integration tests.
package testutil

import (
	"context"
	"net/http"
	"net/url"
	"path/filepath"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"github.com/slipstream/indexproxy/internal/database"
	"github.com/slipstream/indexproxy/internal/indexer/transport"
)

// NewTestDB creates a migrated database in a temp directory that is closed
// when the test ends.
func NewTestDB(t *testing.T) *database.DB {
	t.Helper()

	db, err := database.New(filepath.Join(t.TempDir(), "test.db"), NewTestLogger(t))
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	if err := db.Migrate(context.Background()); err != nil {
		t.Fatalf("Failed to run migrations: %v", err)
	}
	return db
}

// NewTestLogger creates a test logger that outputs to t.Log.
func NewTestLogger(t *testing.T) zerolog.Logger {
	t.Helper()
	return zerolog.New(zerolog.NewTestWriter(t)).Level(zerolog.DebugLevel)
}

// CapsXML advertises basic and tv search with a movie and a tv category.
const CapsXML = `<?xml version="1.0" encoding="UTF-8"?>
<caps>
  <server title="Fake" version="1.0"/>
  <limits default="100" max="100"/>
  <searching>
    <search available="yes" supportedParams="q"/>
    <tv-search available="yes" supportedParams="q,season,ep,tvdbid"/>
    <movie-search available="yes" supportedParams="q,imdbid"/>
  </searching>
  <categories>
    <category id="2000" name="Movies"/>
    <category id="5000" name="TV"/>
  </categories>
</caps>`

// FeedXML is a two item usenet feed.
const FeedXML = `<?xml version="1.0" encoding="UTF-8"?>
<rss version="2.0" xmlns:newznab="http://www.newznab.com/DTD/2010/feeds/attributes/">
<channel>
  <item>
    <title>Show.S01E01.720p</title>
    <guid>https://fake.example/details/1</guid>
    <link>https://fake.example/getnzb/1.nzb</link>
    <pubDate>Sat, 15 Jun 2024 10:00:00 +0000</pubDate>
    <enclosure url="https://fake.example/getnzb/1.nzb" length="1000" type="application/x-nzb"/>
    <newznab:attr name="category" value="5000"/>
  </item>
  <item>
    <title>Movie.2024.1080p</title>
    <guid>https://fake.example/details/2</guid>
    <link>https://fake.example/getnzb/2.nzb</link>
    <pubDate>Sun, 16 Jun 2024 10:00:00 +0000</pubDate>
    <enclosure url="https://fake.example/getnzb/2.nzb" length="2000" type="application/x-nzb"/>
    <newznab:attr name="category" value="2000"/>
  </item>
</channel>
</rss>`

// NewznabDoer answers Newznab API calls without a network. Requests for
// t=caps get Caps, everything else gets Feed, and any other path gets File.
type NewznabDoer struct {
	Caps   string
	Feed   string
	File   []byte
	Status int

	mu   sync.Mutex
	urls []string
}

// NewNewznabDoer returns a doer serving CapsXML and FeedXML.
func NewNewznabDoer() *NewznabDoer {
	return &NewznabDoer{Caps: CapsXML, Feed: FeedXML}
}

func (d *NewznabDoer) Do(_ context.Context, req *transport.Request, _ map[string]string) (*transport.Response, error) {
	u, err := url.Parse(req.URL)
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	d.urls = append(d.urls, req.URL)
	d.mu.Unlock()

	h := http.Header{}
	var body []byte
	switch {
	case u.Query().Get("t") == "caps":
		body = []byte(d.Caps)
		h.Set("Content-Type", "application/xml")
	case u.Query().Has("t"):
		body = []byte(d.Feed)
		h.Set("Content-Type", "application/rss+xml; charset=utf-8")
	default:
		body = d.File
		h.Set("Content-Type", "application/x-nzb")
	}

	status := d.Status
	if status == 0 {
		status = http.StatusOK
	}
	return &transport.Response{Request: req, StatusCode: status, Header: h, Body: body, URL: req.URL}, nil
}

// URLs returns every requested URL in order.
func (d *NewznabDoer) URLs() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.urls...)
}
