package types

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

// SearchType identifies the search mode of a criteria variant.
type SearchType string

const (
	SearchTypeBasic SearchType = "search"
	SearchTypeTV    SearchType = "tvsearch"
	SearchTypeMovie SearchType = "movie"
	SearchTypeMusic SearchType = "music"
	SearchTypeBook  SearchType = "book"
)

// SearchCriteria is implemented by every criteria variant.
type SearchCriteria interface {
	Base() *BaseCriteria
	Type() SearchType
}

// BaseCriteria carries the fields shared by all variants.
type BaseCriteria struct {
	SearchTerm string `json:"query,omitempty"`
	Categories []int  `json:"categories,omitempty"`
	Limit      int    `json:"limit,omitempty"`
	Offset     int    `json:"offset,omitempty"`
}

// Base returns the shared criteria fields.
func (b *BaseCriteria) Base() *BaseCriteria { return b }

// SanitizedSearchTerm strips characters remotes commonly reject.
func (b *BaseCriteria) SanitizedSearchTerm() string {
	var sb strings.Builder
	for _, r := range b.SearchTerm {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || unicode.IsSpace(r) || strings.ContainsRune("-._()@/'[]+%", r) {
			sb.WriteRune(r)
		}
	}
	return sb.String()
}

func (b *BaseCriteria) String() string {
	return fmt.Sprintf("{Term: %s, Offset: %d, Limit: %d, Categories: %v}", b.SearchTerm, b.Offset, b.Limit, b.Categories)
}

// BasicSearchCriteria is a free-text search.
type BasicSearchCriteria struct {
	BaseCriteria
}

func (c *BasicSearchCriteria) Type() SearchType { return SearchTypeBasic }

// MovieSearchCriteria searches for a movie.
type MovieSearchCriteria struct {
	BaseCriteria
	ImdbID   string `json:"imdbId,omitempty"`
	TmdbID   int    `json:"tmdbId,omitempty"`
	TraktID  int    `json:"traktId,omitempty"`
	DoubanID int    `json:"doubanId,omitempty"`
	Year     int    `json:"year,omitempty"`
	Genre    string `json:"genre,omitempty"`
}

func (c *MovieSearchCriteria) Type() SearchType { return SearchTypeMovie }

// FullImdbID returns the IMDb id with its "tt" prefix.
func (c *MovieSearchCriteria) FullImdbID() string { return FullImdbID(c.ImdbID) }

// TVSearchCriteria searches for a series, season or episode.
type TVSearchCriteria struct {
	BaseCriteria
	Season   int    `json:"season,omitempty"`
	Episode  string `json:"episode,omitempty"`
	ImdbID   string `json:"imdbId,omitempty"`
	TvdbID   int    `json:"tvdbId,omitempty"`
	RageID   int    `json:"rid,omitempty"`
	TvMazeID int    `json:"tvMazeId,omitempty"`
	TraktID  int    `json:"traktId,omitempty"`
	TmdbID   int    `json:"tmdbId,omitempty"`
	DoubanID int    `json:"doubanId,omitempty"`
	Year     int    `json:"year,omitempty"`
	Genre    string `json:"genre,omitempty"`
}

func (c *TVSearchCriteria) Type() SearchType { return SearchTypeTV }

// FullImdbID returns the IMDb id with its "tt" prefix.
func (c *TVSearchCriteria) FullImdbID() string { return FullImdbID(c.ImdbID) }

// EpisodeSearchString renders the season/episode designator, e.g. "S01E02" or "S01".
// Non-numeric episodes (daily shows) are returned verbatim.
func (c *TVSearchCriteria) EpisodeSearchString() string {
	if c.Season == 0 {
		return c.Episode
	}
	if c.Episode == "" {
		return fmt.Sprintf("S%02d", c.Season)
	}
	if ep, err := strconv.Atoi(c.Episode); err == nil {
		return fmt.Sprintf("S%02dE%02d", c.Season, ep)
	}
	return fmt.Sprintf("S%02d %s", c.Season, c.Episode)
}

// MusicSearchCriteria searches for music.
type MusicSearchCriteria struct {
	BaseCriteria
	Artist string `json:"artist,omitempty"`
	Album  string `json:"album,omitempty"`
	Label  string `json:"label,omitempty"`
	Track  string `json:"track,omitempty"`
	Genre  string `json:"genre,omitempty"`
	Year   int    `json:"year,omitempty"`
}

func (c *MusicSearchCriteria) Type() SearchType { return SearchTypeMusic }

// BookSearchCriteria searches for books.
type BookSearchCriteria struct {
	BaseCriteria
	Author    string `json:"author,omitempty"`
	Title     string `json:"title,omitempty"`
	Publisher string `json:"publisher,omitempty"`
	Genre     string `json:"genre,omitempty"`
	Year      int    `json:"year,omitempty"`
}

func (c *BookSearchCriteria) Type() SearchType { return SearchTypeBook }

// FullImdbID normalizes an IMDb id to the "tt0000000" form. Empty input yields "".
func FullImdbID(id string) string {
	id = strings.TrimSpace(id)
	if id == "" {
		return ""
	}
	id = strings.TrimPrefix(strings.ToLower(id), "tt")
	if n, err := strconv.Atoi(id); err == nil {
		return fmt.Sprintf("tt%07d", n)
	}
	return "tt" + id
}

// IsRSSSearch reports whether the criteria carries no term and no identifiers,
// which remotes treat as a "latest releases" feed.
func IsRSSSearch(c SearchCriteria) bool {
	if strings.TrimSpace(c.Base().SearchTerm) != "" {
		return false
	}
	switch v := c.(type) {
	case *MovieSearchCriteria:
		return v.ImdbID == "" && v.TmdbID == 0 && v.TraktID == 0 && v.DoubanID == 0
	case *TVSearchCriteria:
		return v.ImdbID == "" && v.TvdbID == 0 && v.RageID == 0 && v.TvMazeID == 0 &&
			v.TraktID == 0 && v.TmdbID == 0 && v.DoubanID == 0 && v.Season == 0 && v.Episode == ""
	case *MusicSearchCriteria:
		return v.Artist == "" && v.Album == "" && v.Label == "" && v.Track == ""
	case *BookSearchCriteria:
		return v.Author == "" && v.Title == "" && v.Publisher == ""
	}
	return true
}

// NewCriteria builds the criteria variant for the given search type.
func NewCriteria(t SearchType) (SearchCriteria, error) {
	switch t {
	case SearchTypeBasic, "":
		return &BasicSearchCriteria{}, nil
	case SearchTypeTV:
		return &TVSearchCriteria{}, nil
	case SearchTypeMovie:
		return &MovieSearchCriteria{}, nil
	case SearchTypeMusic:
		return &MusicSearchCriteria{}, nil
	case SearchTypeBook:
		return &BookSearchCriteria{}, nil
	}
	return nil, fmt.Errorf("unknown search type %q", t)
}
