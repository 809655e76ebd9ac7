package cardigann

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slipstream/indexproxy/internal/indexer/download"
	"github.com/slipstream/indexproxy/internal/indexer/transport"
	"github.com/slipstream/indexproxy/internal/indexer/types"
)

const detailsLink = "https://tracker.example/details.php?id=5"

const detailsPage = `<html><body>
<h1>Big Buck Bunny 1080p</h1>
<span class="hash">` + testInfoHash + `</span>
<a class="dl" href="/dl/5.torrent">Download</a>
<a class="magnet" href="magnet:?xt=urn:btih:` + testInfoHash + `">Magnet</a>
</body></html>`

func downloadEngine(t *testing.T, block string) *Engine {
	t.Helper()
	return newTestEngine(t, trackerYAML+block, nil)
}

func detailsSite(torrentBody string) *fakeDoer {
	d := newFakeDoer()
	d.handle("/details.php", func(*transport.Request, map[string]string) *transport.Response {
		return htmlResponse(http.StatusOK, detailsPage)
	})
	d.handle("/dl/5.torrent", func(*transport.Request, map[string]string) *transport.Response {
		resp := htmlResponse(http.StatusOK, torrentBody)
		resp.Header.Set("Content-Type", "application/x-bittorrent")
		return resp
	})
	return d
}

func TestEngine_ResolveDownload_Passthrough(t *testing.T) {
	e := downloadEngine(t, "")
	d := newFakeDoer()
	s := transport.NewSession(d, nil)

	magnet := "magnet:?xt=urn:btih:" + testInfoHash
	req, err := e.ResolveDownload(context.Background(), s, magnet)
	require.NoError(t, err)
	assert.Equal(t, magnet, req.URL)

	req, err = e.ResolveDownload(context.Background(), s, "https://tracker.example/dl/5.torrent")
	require.NoError(t, err)
	assert.Equal(t, "https://tracker.example/dl/5.torrent", req.URL)
	assert.Equal(t, http.MethodGet, req.Method)
	assert.True(t, req.AllowRedirect)
	assert.Empty(t, d.requests, "no download block means no extra requests")
}

func TestEngine_ResolveDownload_Selectors(t *testing.T) {
	t.Run("torrent link", func(t *testing.T) {
		e := downloadEngine(t, `
download:
  method: post
  selectors:
    - selector: a.dl
      attribute: href
`)
		d := detailsSite("d8:announce0:e")
		req, err := e.ResolveDownload(context.Background(), transport.NewSession(d, nil), detailsLink)
		require.NoError(t, err)
		assert.Equal(t, "https://tracker.example/dl/5.torrent", req.URL)
		assert.Equal(t, http.MethodPost, req.Method)
		require.Len(t, d.requests, 2, "details page then the torrent test fetch")
	})

	t.Run("invalid torrent falls through to the next selector", func(t *testing.T) {
		e := downloadEngine(t, `
download:
  selectors:
    - selector: a.missing
      attribute: href
    - selector: a.dl
      attribute: href
    - selector: a.magnet
      attribute: href
`)
		d := detailsSite("<html>login required</html>")
		req, err := e.ResolveDownload(context.Background(), transport.NewSession(d, nil), detailsLink)
		require.NoError(t, err)
		assert.True(t, download.IsMagnet(req.URL))
	})

	t.Run("torrent test disabled", func(t *testing.T) {
		e := downloadEngine(t, `
testlinktorrent: false
download:
  selectors:
    - selector: a.dl
      attribute: href
`)
		d := detailsSite("<html></html>")
		req, err := e.ResolveDownload(context.Background(), transport.NewSession(d, nil), detailsLink)
		require.NoError(t, err)
		assert.Equal(t, "https://tracker.example/dl/5.torrent", req.URL)
		assert.Len(t, d.requests, 1)
	})

	t.Run("nothing matches", func(t *testing.T) {
		e := downloadEngine(t, `
download:
  selectors:
    - selector: a.missing
      attribute: href
`)
		req, err := e.ResolveDownload(context.Background(), transport.NewSession(detailsSite(""), nil), detailsLink)
		require.NoError(t, err)
		assert.Equal(t, detailsLink, req.URL)
	})
}

func TestEngine_ResolveDownload_InfoHash(t *testing.T) {
	e := downloadEngine(t, `
download:
  infohash:
    hash:
      selector: span.hash
    title:
      selector: h1
`)
	req, err := e.ResolveDownload(context.Background(), transport.NewSession(detailsSite(""), nil), detailsLink)
	require.NoError(t, err)
	require.True(t, download.IsMagnet(req.URL))
	hash, err := download.InfoHashOf(req.URL)
	require.NoError(t, err)
	assert.Equal(t, testInfoHash, hash)
	assert.Contains(t, req.URL, "dn=Big")

	broken := downloadEngine(t, `
download:
  infohash:
    hash:
      selector: span.nohash
    title:
      selector: h1
`)
	req, err = broken.ResolveDownload(context.Background(), transport.NewSession(detailsSite(""), nil), detailsLink)
	require.NoError(t, err)
	assert.Equal(t, detailsLink, req.URL, "a failed infohash block falls back to the link")
}

func TestEngine_ResolveDownload_Before(t *testing.T) {
	e := downloadEngine(t, `
download:
  before:
    path: thanks.php
    method: post
    inputs:
      id: "{{ .DownloadUri.Query.id }}"
  selectors:
    - selector: a.token
      attribute: href
      usebeforeresponse: true
`)
	d := newFakeDoer()
	d.handle("/thanks.php", func(*transport.Request, map[string]string) *transport.Response {
		return htmlResponse(http.StatusOK, `<a class="token" href="magnet:?xt=urn:btih:`+testInfoHash+`">get</a>`)
	})

	req, err := e.ResolveDownload(context.Background(), transport.NewSession(d, nil), detailsLink)
	require.NoError(t, err)
	assert.True(t, download.IsMagnet(req.URL))

	require.Len(t, d.requests, 1, "the before response is reused")
	before := d.requests[0]
	assert.Equal(t, "https://tracker.example/thanks.php", before.URL)
	assert.Equal(t, http.MethodPost, before.Method)
	assert.Equal(t, "id=5", string(before.Body))
	assert.Equal(t, detailsLink, before.Headers.Get("Referer"))
}

func TestEngine_ResolveDownload_Errors(t *testing.T) {
	e := downloadEngine(t, `
download:
  selectors:
    - selector: a.dl
      attribute: href
`)

	tests := []struct {
		name   string
		status int
		check  func(t *testing.T, err error)
	}{
		{
			name:   "gone",
			status: http.StatusNotFound,
			check: func(t *testing.T, err error) {
				assert.True(t, types.IsReleaseUnavailable(err))
			},
		},
		{
			name:   "server error",
			status: http.StatusInternalServerError,
			check: func(t *testing.T, err error) {
				assert.ErrorIs(t, err, types.ErrReleaseDownload)
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := newFakeDoer()
			d.handle("/details.php", func(*transport.Request, map[string]string) *transport.Response {
				return htmlResponse(tt.status, "")
			})
			_, err := e.ResolveDownload(context.Background(), transport.NewSession(d, nil), detailsLink)
			require.Error(t, err)
			tt.check(t, err)
		})
	}
}

func TestEngine_DownloadVariables(t *testing.T) {
	e := downloadEngine(t, "")
	u, err := url.Parse("https://tracker.example:8443/dl.php?id=5&h=abc")
	require.NoError(t, err)

	v := e.downloadVariables(u)
	assert.Equal(t, "https://tracker.example:8443/dl.php?id=5&h=abc", v.String(".DownloadUri.AbsoluteUri"))
	assert.Equal(t, "/dl.php", v.String(".DownloadUri.AbsolutePath"))
	assert.Equal(t, "https", v.String(".DownloadUri.Scheme"))
	assert.Equal(t, "tracker.example", v.String(".DownloadUri.Host"))
	assert.Equal(t, "8443", v.String(".DownloadUri.Port"))
	assert.Equal(t, "/dl.php?id=5&h=abc", v.String(".DownloadUri.PathAndQuery"))
	assert.Equal(t, "?id=5&h=abc", v.String(".DownloadUri.Query"))
	assert.Equal(t, "abc", v.String(".DownloadUri.Query.h"))
	assert.True(t, strings.HasPrefix(v.String(".Config.sitelink"), "https://tracker.example"))

	plain, _ := url.Parse("http://tracker.example/x")
	assert.Equal(t, "80", e.downloadVariables(plain).String(".DownloadUri.Port"))
}
