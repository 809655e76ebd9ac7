package search

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/slipstream/indexproxy/internal/indexer/types"
)

// ParseCriteria builds criteria from Newznab-style query parameters:
// t, q, cat, limit, offset and the per-type identifiers (imdbid, season, ep, ...).
func ParseCriteria(v url.Values) (types.SearchCriteria, error) {
	criteria, err := types.NewCriteria(types.SearchType(v.Get("t")))
	if err != nil {
		return nil, err
	}

	base := criteria.Base()
	base.SearchTerm = strings.TrimSpace(v.Get("q"))
	if base.Categories, err = parseIntList(v.Get("cat")); err != nil {
		return nil, fmt.Errorf("cat: %w", err)
	}

	p := intParser{values: v}
	base.Limit = p.int("limit")
	base.Offset = p.int("offset")

	switch c := criteria.(type) {
	case *types.MovieSearchCriteria:
		c.ImdbID = v.Get("imdbid")
		c.TmdbID = p.int("tmdbid")
		c.TraktID = p.int("traktid")
		c.DoubanID = p.int("doubanid")
		c.Year = p.int("year")
		c.Genre = v.Get("genre")
	case *types.TVSearchCriteria:
		c.ImdbID = v.Get("imdbid")
		c.TvdbID = p.int("tvdbid")
		c.RageID = p.int("rid")
		c.TvMazeID = p.int("tvmazeid")
		c.TraktID = p.int("traktid")
		c.TmdbID = p.int("tmdbid")
		c.DoubanID = p.int("doubanid")
		c.Season = p.int("season")
		c.Episode = v.Get("ep")
		c.Year = p.int("year")
		c.Genre = v.Get("genre")
	case *types.MusicSearchCriteria:
		c.Artist = v.Get("artist")
		c.Album = v.Get("album")
		c.Label = v.Get("label")
		c.Track = v.Get("track")
		c.Genre = v.Get("genre")
		c.Year = p.int("year")
	case *types.BookSearchCriteria:
		c.Author = v.Get("author")
		c.Title = v.Get("title")
		c.Publisher = v.Get("publisher")
		c.Genre = v.Get("genre")
		c.Year = p.int("year")
	}
	if p.err != nil {
		return nil, p.err
	}
	return criteria, nil
}

// ParseIndexerIDs parses a comma separated id list.
func ParseIndexerIDs(s string) ([]int64, error) {
	ints, err := parseIntList(s)
	if err != nil {
		return nil, err
	}
	ids := make([]int64, len(ints))
	for i, n := range ints {
		ids[i] = int64(n)
	}
	return ids, nil
}

func parseIntList(s string) ([]int, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	out := make([]int, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		n, err := strconv.Atoi(part)
		if err != nil {
			return nil, fmt.Errorf("invalid number %q", part)
		}
		out = append(out, n)
	}
	return out, nil
}

// intParser records the first conversion failure.
type intParser struct {
	values url.Values
	err    error
}

func (p *intParser) int(key string) int {
	s := strings.TrimSpace(p.values.Get(key))
	if s == "" {
		return 0
	}
	n, err := strconv.Atoi(s)
	if err != nil && p.err == nil {
		p.err = fmt.Errorf("%s: invalid number %q", key, s)
	}
	return n
}
