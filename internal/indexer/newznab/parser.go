package newznab

import (
	"bytes"
	"context"
	"encoding/xml"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/slipstream/indexproxy/internal/indexer/caps"
	"github.com/slipstream/indexproxy/internal/indexer/category"
	"github.com/slipstream/indexproxy/internal/indexer/download"
	"github.com/slipstream/indexproxy/internal/indexer/transport"
	"github.com/slipstream/indexproxy/internal/indexer/types"
)

const (
	mimeNZB     = "application/x-nzb"
	mimeTorrent = "application/x-bittorrent"
)

type rssFeed struct {
	XMLName xml.Name
	Channel struct {
		Items []rssItem `xml:"item"`
	} `xml:"channel"`
}

type rssItem struct {
	Title       string         `xml:"title"`
	GUID        string         `xml:"guid"`
	Link        string         `xml:"link"`
	Comments    string         `xml:"comments"`
	PubDate     string         `xml:"pubDate"`
	Description string         `xml:"description"`
	Size        string         `xml:"size"`
	Categories  []string       `xml:"category"`
	Enclosures  []rssEnclosure `xml:"enclosure"`
	Attributes  []rssAttribute `xml:"attr"`
}

type rssEnclosure struct {
	URL    string `xml:"url,attr"`
	Length string `xml:"length,attr"`
	Type   string `xml:"type,attr"`
}

// rssAttribute matches both newznab:attr and torznab:attr.
type rssAttribute struct {
	Name  string `xml:"name,attr"`
	Value string `xml:"value,attr"`
}

// attrs indexes an item's extension attributes; names may repeat.
type attrs map[string][]string

func newAttrs(list []rssAttribute) attrs {
	a := make(attrs, len(list))
	for _, at := range list {
		name := strings.ToLower(strings.TrimSpace(at.Name))
		a[name] = append(a[name], strings.TrimSpace(at.Value))
	}
	return a
}

// first returns the value of the first present name.
func (a attrs) first(names ...string) string {
	for _, n := range names {
		if v := a[n]; len(v) > 0 && v[0] != "" {
			return v[0]
		}
	}
	return ""
}

func (a attrs) int(names ...string) (int, bool) {
	v, err := strconv.Atoi(a.first(names...))
	return v, err == nil
}

func (a attrs) intPtr(names ...string) *int {
	if v, ok := a.int(names...); ok {
		return &v
	}
	return nil
}

func (a attrs) float(name string) (float64, bool) {
	v, err := strconv.ParseFloat(a.first(name), 64)
	return v, err == nil
}

// ParseResponse turns one Newznab or Torznab RSS page into releases. An <error>
// document is returned as a typed error before the feed is decoded.
func (c *Client) ParseResponse(ctx context.Context, resp *transport.Response) ([]*types.ReleaseInfo, error) {
	requestURL := resp.URL
	if resp.Request != nil {
		requestURL = resp.Request.URL
	}
	if err := caps.CheckError(resp.Body, requestURL); err != nil {
		return nil, err
	}
	if resp.HasHTTPError() {
		return nil, types.NewHTTPError(resp.StatusCode, requestURL)
	}

	var feed rssFeed
	if err := caps.NewDecoder(bytes.NewReader(resp.Body)).Decode(&feed); err != nil {
		return nil, types.NewParseError("failed to decode feed", resp.Body, err).WithURL(requestURL)
	}
	if feed.XMLName.Local != "rss" {
		return nil, types.NewParseError("unexpected root element <"+feed.XMLName.Local+">", resp.Body, nil).WithURL(requestURL)
	}

	var mapper *category.Mapper
	if capabilities := c.requestCapabilities(ctx, resp.Request); capabilities != nil {
		mapper = capabilities.Categories
	}

	c.checkEnclosureTypes(feed.Channel.Items)

	releases := make([]*types.ReleaseInfo, 0, len(feed.Channel.Items))
	for i := range feed.Channel.Items {
		item := &feed.Channel.Items[i]
		if c.protocol == types.ProtocolUsenet && !hasNZBEnclosure(item) {
			continue
		}
		r := c.parseItem(item, mapper, requestURL)
		if r.Title == "" || r.Link() == "" {
			c.logger.Debug().Str("guid", r.GUID).Msg("Skipping item without title or link")
			continue
		}
		releases = append(releases, r)
	}
	return releases, nil
}

// requestCapabilities returns the caps the generator attached to req, or the cached ones.
func (c *Client) requestCapabilities(ctx context.Context, req *transport.Request) *caps.Capabilities {
	if req != nil {
		if capabilities, ok := req.Meta.(*caps.Capabilities); ok {
			return capabilities
		}
	}
	capabilities, err := c.Capabilities(ctx)
	if err != nil {
		return nil
	}
	return capabilities
}

func (c *Client) parseItem(item *rssItem, mapper *category.Mapper, requestURL string) *types.ReleaseInfo {
	a := newAttrs(item.Attributes)
	r := types.NewReleaseInfo()
	r.Protocol = c.protocol
	r.Title = strings.TrimSpace(item.Title)
	r.Description = strings.TrimSpace(item.Description)

	r.CommentURL = strings.TrimSpace(item.Comments)
	r.InfoURL = strings.TrimSuffix(r.CommentURL, "#comments")
	r.DownloadURL = resolveLink(item, requestURL)
	r.GUID = strings.TrimSpace(item.GUID)
	if r.GUID == "" {
		r.GUID = r.DownloadURL
	}

	r.PublishDate = parseDate(a.first("usenetdate"))
	if r.PublishDate.IsZero() {
		r.PublishDate = parseDate(item.PubDate)
	}
	r.Size = parseItemSize(item, a)
	r.Categories = mapCategories(item, a, mapper)

	if imdb := a.first("imdb", "imdbid"); imdb != "" {
		r.ImdbID, _ = strconv.Atoi(strings.TrimPrefix(strings.ToLower(imdb), "tt"))
	}
	r.TmdbID, _ = a.int("tmdbid", "tmdb")
	r.TvdbID, _ = a.int("tvdbid", "tvdb")
	r.TvMazeID, _ = a.int("tvmazeid", "tvmaze")
	r.TraktID, _ = a.int("traktid", "trakt")
	r.TvRageID, _ = a.int("rageid")
	r.DoubanID, _ = a.int("doubanid")
	r.Grabs = a.intPtr("grabs")
	r.Files = a.intPtr("files")
	r.Poster = a.first("coverurl", "poster")
	r.Year, _ = a.int("year")
	r.Author = a.first("author")
	r.BookTitle = a.first("booktitle")
	r.Publisher = a.first("publisher")
	r.Artist = a.first("artist")
	r.Album = a.first("album")
	r.Label = a.first("label")
	r.Track = a.first("track")
	for _, g := range a["genre"] {
		for _, part := range strings.Split(g, ",") {
			if part = strings.TrimSpace(part); part != "" {
				r.Genres = append(r.Genres, part)
			}
		}
	}

	if c.protocol == types.ProtocolTorrent {
		parseTorrentAttrs(r, a)
	}
	return r
}

func parseTorrentAttrs(r *types.ReleaseInfo, a attrs) {
	r.Seeders = a.intPtr("seeders")
	if peers, ok := a.int("peers"); ok {
		r.Peers = &peers
	} else if leechers, ok := a.int("leechers"); ok && r.Seeders != nil {
		peers := *r.Seeders + leechers
		r.Peers = &peers
	}
	if v, ok := a.float("downloadvolumefactor"); ok {
		r.DownloadVolumeFactor = v
	}
	if v, ok := a.float("uploadvolumefactor"); ok {
		r.UploadVolumeFactor = v
	}
	if v, ok := a.float("minimumratio"); ok {
		r.MinimumRatio = &v
	}
	if v, ok := a.int("minimumseedtime"); ok {
		secs := int64(v)
		r.MinimumSeedTime = &secs
	}

	r.InfoHash = strings.ToLower(a.first("infohash"))
	r.MagnetURL = a.first("magneturl")
	if download.IsMagnet(r.DownloadURL) {
		if r.MagnetURL == "" {
			r.MagnetURL = r.DownloadURL
		}
		r.DownloadURL = ""
	}
	if r.InfoHash == "" && r.MagnetURL != "" {
		r.InfoHash, _ = download.InfoHashOf(r.MagnetURL)
	}

	switch {
	case r.DownloadVolumeFactor == 0:
		r.AddFlag(types.FlagFreeleech)
	case r.DownloadVolumeFactor == 0.5:
		r.AddFlag(types.FlagHalfleech)
	}
	if r.UploadVolumeFactor == 2 {
		r.AddFlag(types.FlagDoubleUpload)
	}
	for _, tag := range a["tag"] {
		switch strings.ToLower(tag) {
		case "internal":
			r.AddFlag(types.FlagInternal)
		case "scene":
			r.AddFlag(types.FlagScene)
		case "exclusive":
			r.AddFlag(types.FlagExclusive)
		case "freeleech":
			r.AddFlag(types.FlagFreeleech)
		}
	}
}

// resolveLink prefers an absolute <link> and falls back to the first enclosure.
func resolveLink(item *rssItem, requestURL string) string {
	link := strings.TrimSpace(item.Link)
	if u, err := url.Parse(link); err == nil && u.IsAbs() {
		return link
	}
	for _, e := range item.Enclosures {
		if e.URL != "" {
			return e.URL
		}
	}
	if link == "" {
		return ""
	}
	base, err := url.Parse(requestURL)
	if err != nil {
		return link
	}
	ref, err := url.Parse(link)
	if err != nil {
		return link
	}
	return base.ResolveReference(ref).String()
}

func hasNZBEnclosure(item *rssItem) bool {
	for _, e := range item.Enclosures {
		if e.Type == "" || strings.EqualFold(e.Type, mimeNZB) {
			return true
		}
	}
	return false
}

// checkEnclosureTypes warns once per page when no enclosure carries the
// protocol's preferred media type; the remote is likely misconfigured.
func (c *Client) checkEnclosureTypes(items []rssItem) {
	preferred := mimeNZB
	if c.protocol == types.ProtocolTorrent {
		preferred = mimeTorrent
	}
	seen := make(map[string]struct{})
	for _, item := range items {
		for _, e := range item.Enclosures {
			if strings.EqualFold(e.Type, preferred) {
				return
			}
			if e.Type != "" {
				seen[e.Type] = struct{}{}
			}
		}
	}
	if len(seen) == 0 {
		return
	}
	found := make([]string, 0, len(seen))
	for t := range seen {
		found = append(found, t)
	}
	c.logger.Warn().Strs("enclosureTypes", found).Str("expected", preferred).
		Msg("Feed does not contain the expected enclosure type")
}

func parseItemSize(item *rssItem, a attrs) *int64 {
	candidates := []string{a.first("size"), item.Size}
	for _, e := range item.Enclosures {
		candidates = append(candidates, e.Length)
	}
	for _, s := range candidates {
		if n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64); err == nil && n > 0 {
			return &n
		}
	}
	return nil
}

// mapCategories maps the item's remote category tokens to standard ids. Tokens
// the caps document never declared are kept when they are standard ids already.
func mapCategories(item *rssItem, a attrs, mapper *category.Mapper) []int {
	tokens := a["category"]
	if len(tokens) == 0 {
		tokens = item.Categories
	}

	var ids []int
	add := func(id int) {
		for _, existing := range ids {
			if existing == id {
				return
			}
		}
		ids = append(ids, id)
	}
	for _, token := range tokens {
		token = strings.TrimSpace(token)
		if token == "" {
			continue
		}
		var mapped []int
		if mapper != nil {
			mapped = mapper.StandardIDsForToken(token)
		}
		if len(mapped) == 0 {
			if id, err := strconv.Atoi(token); err == nil && category.FindByID(id) != nil {
				mapped = []int{id}
			}
		}
		for _, id := range mapped {
			add(id)
		}
	}
	return ids
}

var dateLayouts = []string{
	time.RFC1123Z,
	time.RFC1123,
	"Mon, 2 Jan 2006 15:04:05 -0700",
	"Mon, 2 Jan 2006 15:04:05 MST",
	"2 Jan 2006 15:04:05 -0700",
	time.RFC3339,
	time.RFC3339Nano,
	"2006-01-02 15:04:05",
}

func parseDate(s string) time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}
