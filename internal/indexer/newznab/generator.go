package newznab

import (
	"context"
	"fmt"
	"net/url"
	"slices"
	"strconv"
	"strings"

	"github.com/slipstream/indexproxy/internal/indexer/caps"
	"github.com/slipstream/indexproxy/internal/indexer/transport"
	"github.com/slipstream/indexproxy/internal/indexer/types"
)

// param is one query parameter in the order it is appended.
type param struct {
	name  caps.Param
	value string
}

type params []param

// add appends name=value when the value is set and mode supports name.
func (ps *params) add(c *caps.Capabilities, mode caps.Mode, name caps.Param, value string) {
	if strings.TrimSpace(value) == "" || !c.Supports(mode, name) {
		return
	}
	*ps = append(*ps, param{name, value})
}

func (ps *params) addInt(c *caps.Capabilities, mode caps.Mode, name caps.Param, value int) {
	if value != 0 {
		ps.add(c, mode, name, strconv.Itoa(value))
	}
}

// GetSearchRequests builds a single-tier chain holding one request. Only the
// parameters the negotiated capabilities support are sent; a typed search that
// ends up with none of its own parameters falls back to t=search.
func (c *Client) GetSearchRequests(ctx context.Context, criteria types.SearchCriteria) (*transport.Chain, error) {
	capabilities, err := c.Capabilities(ctx)
	if err != nil {
		return nil, err
	}

	mode := caps.ModeFor(criteria)
	var ps params

	switch v := criteria.(type) {
	case *types.MovieSearchCriteria:
		ps.addInt(capabilities, mode, caps.ParamTmdbID, v.TmdbID)
		ps.add(capabilities, mode, caps.ParamImdbID, imdbDigits(v.ImdbID))
		ps.addInt(capabilities, mode, caps.ParamTraktID, v.TraktID)
		ps.addInt(capabilities, mode, caps.ParamDoubanID, v.DoubanID)
		ps.add(capabilities, mode, caps.ParamGenre, v.Genre)
		ps.addInt(capabilities, mode, caps.ParamYear, v.Year)
	case *types.TVSearchCriteria:
		ps.addInt(capabilities, mode, caps.ParamTvdbID, v.TvdbID)
		ps.add(capabilities, mode, caps.ParamImdbID, imdbDigits(v.ImdbID))
		ps.addInt(capabilities, mode, caps.ParamTvMazeID, v.TvMazeID)
		ps.addInt(capabilities, mode, caps.ParamRID, v.RageID)
		ps.addInt(capabilities, mode, caps.ParamTraktID, v.TraktID)
		ps.addInt(capabilities, mode, caps.ParamTmdbID, v.TmdbID)
		ps.addInt(capabilities, mode, caps.ParamDoubanID, v.DoubanID)
		if v.Season != 0 {
			// NNTmux mishandles season=0 unless padded
			ps.add(capabilities, mode, caps.ParamSeason, fmt.Sprintf("%02d", v.Season))
		}
		ps.add(capabilities, mode, caps.ParamEp, v.Episode)
		ps.add(capabilities, mode, caps.ParamGenre, v.Genre)
		ps.addInt(capabilities, mode, caps.ParamYear, v.Year)
	case *types.MusicSearchCriteria:
		ps.add(capabilities, mode, caps.ParamArtist, v.Artist)
		ps.add(capabilities, mode, caps.ParamAlbum, v.Album)
		ps.add(capabilities, mode, caps.ParamLabel, v.Label)
		ps.add(capabilities, mode, caps.ParamTrack, v.Track)
		ps.add(capabilities, mode, caps.ParamGenre, v.Genre)
		ps.addInt(capabilities, mode, caps.ParamYear, v.Year)
	case *types.BookSearchCriteria:
		ps.add(capabilities, mode, caps.ParamAuthor, v.Author)
		ps.add(capabilities, mode, caps.ParamTitle, v.Title)
		ps.add(capabilities, mode, caps.ParamPublisher, v.Publisher)
		ps.add(capabilities, mode, caps.ParamGenre, v.Genre)
		ps.addInt(capabilities, mode, caps.ParamYear, v.Year)
	}

	searchType := criteria.Type()
	if len(ps) == 0 {
		// Sphinx-backed remotes return garbage for typed searches without ids
		searchType, mode = types.SearchTypeBasic, caps.ModeSearch
	}
	term := criteria.Base().SearchTerm
	if strings.TrimSpace(term) != "" && capabilities.Available(mode) {
		ps = append(ps, param{caps.ParamQ, term})
	}

	req := transport.NewRequest(c.searchURL(searchType, criteria.Base(), ps))
	req.AcceptType = "xml"
	req.Meta = capabilities
	return transport.Single(req), nil
}

func (c *Client) searchURL(searchType types.SearchType, base *types.BaseCriteria, ps params) string {
	var sb strings.Builder
	sb.WriteString(c.settings.apiURL())
	sb.WriteString("?t=")
	sb.WriteString(string(searchType))
	sb.WriteString("&extended=1")

	if len(base.Categories) > 0 {
		cats := make([]string, 0, len(base.Categories))
		for _, id := range base.Categories {
			s := strconv.Itoa(id)
			if !slices.Contains(cats, s) {
				cats = append(cats, s)
			}
		}
		sb.WriteString("&cat=")
		sb.WriteString(strings.Join(cats, ","))
	}
	sb.WriteString(c.settings.AdditionalParameters)
	sb.WriteString(c.settings.apiKeyParam())

	for _, p := range ps {
		sb.WriteString("&")
		sb.WriteString(string(p.name))
		sb.WriteString("=")
		sb.WriteString(escape(p.value))
	}
	if base.Limit > 0 {
		sb.WriteString("&limit=")
		sb.WriteString(strconv.Itoa(base.Limit))
	}
	if base.Offset > 0 {
		sb.WriteString("&offset=")
		sb.WriteString(strconv.Itoa(base.Offset))
	}
	return sb.String()
}

// escape query-encodes v with spaces as %20; several remotes treat '+' literally.
func escape(v string) string {
	return strings.ReplaceAll(url.QueryEscape(v), "+", "%20")
}

func imdbDigits(id string) string {
	return strings.TrimPrefix(types.FullImdbID(id), "tt")
}
