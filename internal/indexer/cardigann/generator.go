package cardigann

import (
	"context"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/slipstream/indexproxy/internal/indexer/transport"
	"github.com/slipstream/indexproxy/internal/indexer/types"
)

// searchMeta travels on each search request so the parser sees the variables
// and path that produced it.
type searchMeta struct {
	vars Vars
	path *SearchPath
}

// queryVariables overlays the criteria fields on the base variables. Fields of
// other criteria variants are present and nil.
func (e *Engine) queryVariables(criteria types.SearchCriteria) Vars {
	v := e.baseVariables()
	base := criteria.Base()

	cats := make([]string, len(base.Categories))
	for i, c := range base.Categories {
		cats[i] = strconv.Itoa(c)
	}
	v[".Query.Type"] = string(criteria.Type())
	v[".Query.Q"] = base.SearchTerm
	v[".Query.Categories"] = cats
	v[".Query.Limit"] = optInt(base.Limit)
	v[".Query.Offset"] = strconv.Itoa(base.Offset)
	v[".Query.Extended"] = nil
	v[".Query.APIKey"] = nil
	v[".Query.Genre"] = nil

	for _, k := range []string{
		"Movie", "Year", "IMDBID", "IMDBIDShort", "TMDBID", "TraktID", "DoubanID",
		"Series", "Ep", "Season", "TVDBID", "TVRageID", "TVMazeID", "Episode",
		"Album", "Artist", "Label", "Track", "Author", "Title", "Publisher",
	} {
		v[".Query."+k] = nil
	}

	switch c := criteria.(type) {
	case *types.MovieSearchCriteria:
		v[".Query.Year"] = optInt(c.Year)
		v[".Query.IMDBID"] = optString(c.FullImdbID())
		v[".Query.IMDBIDShort"] = optString(strings.TrimPrefix(c.FullImdbID(), "tt"))
		v[".Query.TMDBID"] = optInt(c.TmdbID)
		v[".Query.TraktID"] = optInt(c.TraktID)
		v[".Query.DoubanID"] = optInt(c.DoubanID)
		v[".Query.Genre"] = optString(c.Genre)
	case *types.TVSearchCriteria:
		v[".Query.Ep"] = optString(c.Episode)
		v[".Query.Season"] = optInt(c.Season)
		v[".Query.IMDBID"] = optString(c.FullImdbID())
		v[".Query.IMDBIDShort"] = optString(strings.TrimPrefix(c.FullImdbID(), "tt"))
		v[".Query.TVDBID"] = optInt(c.TvdbID)
		v[".Query.TVRageID"] = optInt(c.RageID)
		v[".Query.TVMazeID"] = optInt(c.TvMazeID)
		v[".Query.TraktID"] = optInt(c.TraktID)
		v[".Query.TMDBID"] = optInt(c.TmdbID)
		v[".Query.DoubanID"] = optInt(c.DoubanID)
		v[".Query.Year"] = optInt(c.Year)
		v[".Query.Genre"] = optString(c.Genre)
		v[".Query.Episode"] = optString(c.EpisodeSearchString())
	case *types.MusicSearchCriteria:
		v[".Query.Album"] = optString(c.Album)
		v[".Query.Artist"] = optString(c.Artist)
		v[".Query.Label"] = optString(c.Label)
		v[".Query.Track"] = optString(c.Track)
		v[".Query.Year"] = optInt(c.Year)
		v[".Query.Genre"] = optString(c.Genre)
	case *types.BookSearchCriteria:
		v[".Query.Author"] = optString(c.Author)
		v[".Query.Title"] = optString(c.Title)
		v[".Query.Publisher"] = optString(c.Publisher)
		v[".Query.Year"] = optInt(c.Year)
		v[".Query.Genre"] = optString(c.Genre)
	}
	return v
}

func optInt(n int) any {
	if n == 0 {
		return nil
	}
	return strconv.Itoa(n)
}

func optString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// GetSearchRequests builds one single-page sequence per matching search path,
// all in a single tier.
func (e *Engine) GetSearchRequests(_ context.Context, criteria types.SearchCriteria) (*transport.Chain, error) {
	vars := e.queryVariables(criteria)
	search := &e.def.Search

	mapped := e.caps.Categories.TokensForStandardIDs(criteria.Base().Categories, false)
	if len(mapped) == 0 {
		mapped = e.defaultCats
	}
	vars[".Categories"] = mapped

	var keywords []string
	for _, k := range []string{"Q", "Series", "Movie", "Year", "Episode"} {
		if s := vars.String(".Query." + k); strings.TrimSpace(s) != "" {
			keywords = append(keywords, s)
		}
	}
	vars[".Query.Keywords"] = strings.Join(keywords, " ")
	kw, err := applyFilters(vars.String(".Query.Keywords"), search.KeywordsFilters, e.filterEnv(vars))
	if err != nil {
		return nil, types.NewDefinitionError("keywordsfilters failed", err)
	}
	vars[".Keywords"] = kw

	chain := transport.NewChain()
	paths := e.def.searchPaths()
	for i := range paths {
		path := &paths[i]
		if !pathMatchesCategories(path.Categories, mapped) {
			continue
		}
		req, err := e.searchRequest(search, path, vars)
		if err != nil {
			return nil, err
		}
		e.logger.Debug().Str("url", req.URL).Str("method", req.Method).Msg("Adding request")
		chain.Add(transport.Pages(req))
	}
	return chain, nil
}

// pathMatchesCategories applies a path's category filter; a leading "!" inverts it.
func pathMatchesCategories(pathCats, mapped []string) bool {
	if len(pathCats) == 0 || len(mapped) == 0 {
		return true
	}
	invert := pathCats[0] == "!"
	hit := false
	for _, c := range mapped {
		if slices.Contains(pathCats, c) {
			hit = true
			break
		}
	}
	return hit != invert
}

type pair struct{ key, value string }

func (e *Engine) searchRequest(search *SearchBlock, path *SearchPath, vars Vars) (*transport.Request, error) {
	searchURL, err := e.resolvePath(path.Path.Expand(vars, e.urlModifier), "")
	if err != nil {
		return nil, types.NewDefinitionError("invalid search path", err)
	}

	var lists []Inputs
	if path.inheritsInputs() {
		lists = append(lists, search.Inputs)
	}
	lists = append(lists, path.Inputs)
	pairs := e.expandInputs(vars, lists...)

	method := http.MethodGet
	if strings.EqualFold(path.Method, "post") {
		method = http.MethodPost
	}

	req := transport.NewRequest(searchURL)
	req.Method = method
	if method == http.MethodGet {
		if qs := e.encodePairs(pairs, "&"); qs != "" {
			sep := "?"
			if strings.Contains(searchURL, "?") {
				sep = "&"
			}
			req.URL = searchURL + sep + qs
		}
	} else {
		req.Body = []byte(e.encodePairs(pairs, "&"))
		req.ContentType = "application/x-www-form-urlencoded"
	}

	applyHeaders(req, e.headers(search.Headers, vars))
	req.AcceptType = "html"
	if path.Response != nil && path.Response.Type != "" {
		req.AcceptType = strings.ToLower(path.Response.Type)
	}
	req.AllowRedirect = e.def.FollowRedirect || path.FollowRedirect
	if e.def.RequestDelay > 0 {
		req.RateLimit = time.Duration(e.def.RequestDelay * float64(time.Second))
	}
	req.Meta = &searchMeta{vars: vars, path: path}
	return req, nil
}

// expandInputs expands inputs in order. The "$raw" input is an already encoded
// query string that is split into its pairs.
func (e *Engine) expandInputs(vars Vars, lists ...Inputs) []pair {
	var pairs []pair
	for _, inputs := range lists {
		for _, in := range inputs {
			if in.Name != "$raw" {
				pairs = append(pairs, pair{in.Name, in.Value.Expand(vars, nil)})
				continue
			}
			raw := in.Value.Expand(vars, e.urlModifier)
			for _, part := range strings.Split(raw, "&") {
				k, v, _ := strings.Cut(part, "=")
				if k == "" {
					continue
				}
				if dk, err := url.QueryUnescape(k); err == nil {
					k = dk
				}
				pairs = append(pairs, pair{k, urlDecode(v, e.enc)})
			}
		}
	}
	return pairs
}

// encodePairs form-encodes pairs in the definition's encoding keeping their order.
func (e *Engine) encodePairs(pairs []pair, sep string) string {
	parts := make([]string, 0, len(pairs))
	for _, p := range pairs {
		parts = append(parts, urlEncode(p.key, e.enc)+"="+urlEncode(p.value, e.enc))
	}
	return strings.Join(parts, sep)
}
