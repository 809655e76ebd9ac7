package caps

import (
	"fmt"
	"slices"

	"github.com/slipstream/indexproxy/internal/indexer/category"
	"github.com/slipstream/indexproxy/internal/indexer/types"
)

// Tag is a caps <tag> element.
type Tag struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// Capabilities describes what a remote supports.
type Capabilities struct {
	ServerTitle   string `json:"serverTitle,omitempty"`
	ServerVersion string `json:"serverVersion,omitempty"`

	LimitsDefault int `json:"limitsDefault"`
	LimitsMax     int `json:"limitsMax"`

	SearchParams      []Param `json:"searchParams"`
	TVSearchParams    []Param `json:"tvSearchParams"`
	MovieSearchParams []Param `json:"movieSearchParams"`
	MusicSearchParams []Param `json:"musicSearchParams"`
	BookSearchParams  []Param `json:"bookSearchParams"`

	SupportsRawSearch  bool `json:"supportsRawSearch"`
	SupportsPagination bool `json:"supportsPagination"`

	Categories *category.Mapper    `json:"categories"`
	Flags      []types.IndexerFlag `json:"flags,omitempty"`
	Tags       []Tag               `json:"tags,omitempty"`
}

// New returns capabilities with basic search only and default limits.
func New() *Capabilities {
	return &Capabilities{
		LimitsDefault: 100,
		LimitsMax:     100,
		SearchParams:  []Param{ParamQ},
		Categories:    category.NewMapper(),
	}
}

// Params returns the parameter list for mode.
func (c *Capabilities) Params(mode Mode) []Param {
	switch mode {
	case ModeSearch:
		return c.SearchParams
	case ModeTVSearch:
		return c.TVSearchParams
	case ModeMovieSearch:
		return c.MovieSearchParams
	case ModeMusicSearch, ModeAudioSearch:
		return c.MusicSearchParams
	case ModeBookSearch:
		return c.BookSearchParams
	}
	return nil
}

func (c *Capabilities) setParams(mode Mode, params []Param) {
	switch mode {
	case ModeSearch:
		c.SearchParams = params
	case ModeTVSearch:
		c.TVSearchParams = params
	case ModeMovieSearch:
		c.MovieSearchParams = params
	case ModeMusicSearch, ModeAudioSearch:
		c.MusicSearchParams = params
	case ModeBookSearch:
		c.BookSearchParams = params
	}
}

// Supports reports whether mode accepts p.
func (c *Capabilities) Supports(mode Mode, p Param) bool {
	return slices.Contains(c.Params(mode), p)
}

// Available reports whether mode has any parameters.
func (c *Capabilities) Available(mode Mode) bool {
	return len(c.Params(mode)) > 0
}

// AddParam declares p for mode. Declaring a parameter twice, or one outside the
// vocabulary of mode, is an error.
func (c *Capabilities) AddParam(mode Mode, raw string) error {
	p, ok := ParseParam(mode, raw)
	if !ok {
		return fmt.Errorf("not supported %s param: %s", mode, raw)
	}
	if c.Supports(mode, p) {
		return fmt.Errorf("duplicate %s param: %s", mode, raw)
	}
	c.setParams(mode, append(c.Params(mode), p))
	return nil
}

// ParseCardigannModes fills the parameter sets from a definition's caps.modes block.
// "search" is mandatory and may only declare "q".
func (c *Capabilities) ParseCardigannModes(modes map[string][]string) error {
	if len(modes) == 0 {
		return fmt.Errorf("at least one search mode is required")
	}
	search, ok := modes[string(ModeSearch)]
	if !ok {
		return fmt.Errorf("the search mode 'search' is mandatory")
	}
	if len(search) != 1 || search[0] != string(ParamQ) {
		return fmt.Errorf("in search mode 'search' only 'q' parameter is supported and it's mandatory")
	}
	c.SearchParams = []Param{ParamQ}

	for name, params := range modes {
		mode := Mode(name)
		switch mode {
		case ModeSearch:
			continue
		case ModeTVSearch, ModeMovieSearch, ModeMusicSearch, ModeAudioSearch, ModeBookSearch:
			for _, p := range params {
				if err := c.AddParam(mode, p); err != nil {
					return err
				}
			}
		default:
			return fmt.Errorf("unsupported search mode: %s", name)
		}
	}
	return nil
}

// ModeFor returns the caps mode that serves a criteria variant.
func ModeFor(criteria types.SearchCriteria) Mode {
	switch criteria.Type() {
	case types.SearchTypeTV:
		return ModeTVSearch
	case types.SearchTypeMovie:
		return ModeMovieSearch
	case types.SearchTypeMusic:
		return ModeMusicSearch
	case types.SearchTypeBook:
		return ModeBookSearch
	}
	return ModeSearch
}

// UsedParams lists the parameters a criteria value actually sets.
func UsedParams(criteria types.SearchCriteria) []Param {
	var used []Param
	add := func(set bool, p Param) {
		if set {
			used = append(used, p)
		}
	}

	add(criteria.Base().SearchTerm != "", ParamQ)

	switch v := criteria.(type) {
	case *types.MovieSearchCriteria:
		add(v.ImdbID != "", ParamImdbID)
		add(v.TmdbID != 0, ParamTmdbID)
		add(v.TraktID != 0, ParamTraktID)
		add(v.DoubanID != 0, ParamDoubanID)
		add(v.Genre != "", ParamGenre)
		add(v.Year != 0, ParamYear)
	case *types.TVSearchCriteria:
		add(v.Season != 0, ParamSeason)
		add(v.Episode != "", ParamEp)
		add(v.ImdbID != "", ParamImdbID)
		add(v.TvdbID != 0, ParamTvdbID)
		add(v.RageID != 0, ParamRID)
		add(v.TvMazeID != 0, ParamTvMazeID)
		add(v.TraktID != 0, ParamTraktID)
		add(v.TmdbID != 0, ParamTmdbID)
		add(v.DoubanID != 0, ParamDoubanID)
		add(v.Genre != "", ParamGenre)
		add(v.Year != 0, ParamYear)
	case *types.MusicSearchCriteria:
		add(v.Artist != "", ParamArtist)
		add(v.Album != "", ParamAlbum)
		add(v.Label != "", ParamLabel)
		add(v.Track != "", ParamTrack)
		add(v.Genre != "", ParamGenre)
		add(v.Year != 0, ParamYear)
	case *types.BookSearchCriteria:
		add(v.Author != "", ParamAuthor)
		add(v.Title != "", ParamTitle)
		add(v.Publisher != "", ParamPublisher)
		add(v.Genre != "", ParamGenre)
		add(v.Year != 0, ParamYear)
	}
	return used
}

// Unsupported returns the parameters criteria sets that the remote cannot serve.
// The free-text term is never reported; remotes that lack it still get an id-only query.
func (c *Capabilities) Unsupported(criteria types.SearchCriteria) []Param {
	mode := ModeFor(criteria)
	var out []Param
	for _, p := range UsedParams(criteria) {
		if p == ParamQ {
			continue
		}
		if !c.Supports(mode, p) {
			out = append(out, p)
		}
	}
	return out
}

// Merge unions the parameter sets and standard categories of other into c.
func (c *Capabilities) Merge(other *Capabilities) {
	for _, mode := range []Mode{ModeSearch, ModeTVSearch, ModeMovieSearch, ModeMusicSearch, ModeBookSearch} {
		params := c.Params(mode)
		for _, p := range other.Params(mode) {
			if !slices.Contains(params, p) {
				params = append(params, p)
			}
		}
		c.setParams(mode, params)
	}
	c.Categories.Merge(other.Categories)
}
