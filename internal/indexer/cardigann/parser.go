package cardigann

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/slipstream/indexproxy/internal/indexer/download"
	"github.com/slipstream/indexproxy/internal/indexer/transport"
	"github.com/slipstream/indexproxy/internal/indexer/types"
)

// optionalFields may fail or be empty without dropping the row.
var optionalFields = []string{
	"imdb", "imdbid", "tmdbid", "rageid", "tvdbid", "tvmazeid", "traktid", "doubanid",
	"poster", "banner", "description", "genre",
}

// peerCountLimit guards against feeds that report corrupt peer counts.
const peerCountLimit = 5_000_000

// FieldPolicy records why a field is optional.
type FieldPolicy struct {
	Allowlisted bool
	Flagged     bool
	Modifier    bool
}

// Optional reports whether any rule makes the field optional.
func (p FieldPolicy) Optional() bool {
	return p.Allowlisted || p.Flagged || p.Modifier
}

// PolicyFor returns the optional-field policy of a declared field.
func PolicyFor(f *FieldDef) FieldPolicy {
	return FieldPolicy{
		Allowlisted: slices.Contains(optionalFields, f.Name),
		Flagged:     f.Block.Optional,
		Modifier:    f.HasModifier("optional"),
	}
}

// FieldResult is the outcome of resolving one field of a row.
type FieldResult struct {
	Value string
	Err   error
}

type fieldResolver func(f *FieldDef, env *filterEnv, required bool) FieldResult

// rowError is a row that had to be dropped.
type rowError struct {
	field string
	err   error
}

func (e *rowError) Error() string {
	return fmt.Sprintf("field %s: %v", e.field, e.err)
}

func (e *rowError) Unwrap() error { return e.err }

// ParseResponse extracts releases from one search page.
func (e *Engine) ParseResponse(_ context.Context, resp *transport.Response) ([]*types.ReleaseInfo, error) {
	if resp.StatusCode != 200 {
		if resp.IsRedirect() {
			loc := resp.Location()
			if strings.Contains(strings.ToLower(loc), "login.php") {
				return nil, types.NewAuthError("redirected to the login page, the session expired or was killed", nil)
			}
			return nil, types.NewParseError(fmt.Sprintf("redirected to %s from search request", loc), resp.Body, nil)
		}
		return nil, types.NewHTTPError(resp.StatusCode, resp.URL)
	}

	meta, ok := resp.Request.Meta.(*searchMeta)
	if !ok {
		return nil, fmt.Errorf("response to %s was not produced by this definition", resp.Request.URL)
	}
	vars := meta.vars.Clone()
	body := e.text(resp)

	respType := "html"
	if meta.path.Response != nil && meta.path.Response.Type != "" {
		respType = strings.ToLower(meta.path.Response.Type)
	}

	var (
		releases []*types.ReleaseInfo
		err      error
	)
	if respType == "json" {
		releases, err = e.parseJSON(body, resp, meta, vars)
	} else {
		releases, err = e.parseDocument(body, resp, respType, vars)
	}
	if err != nil {
		return nil, err
	}

	for _, r := range releases {
		e.completeMagnet(r)
	}
	e.logger.Debug().Int("count", len(releases)).Str("url", resp.Request.URL).Msg("Parsed releases")
	return releases, nil
}

// completeMagnet derives a magnet from an info hash, or the info hash from a magnet.
func (e *Engine) completeMagnet(r *types.ReleaseInfo) {
	if r.MagnetURL == "" && strings.TrimSpace(r.InfoHash) != "" && e.def.GetPrivacy() != types.PrivacyPrivate {
		magnet, err := download.BuildMagnet(r.InfoHash, r.Title)
		if err != nil {
			e.logger.Debug().Err(err).Str("title", r.Title).Msg("Could not build magnet from info hash")
		} else {
			r.MagnetURL = magnet
		}
	}
	if r.MagnetURL != "" && strings.TrimSpace(r.InfoHash) == "" {
		if hash, err := download.InfoHashOf(r.MagnetURL); err == nil {
			r.InfoHash = hash
		}
	}
}

func (e *Engine) parseJSON(body string, resp *transport.Response, meta *searchMeta, vars Vars) ([]*types.ReleaseInfo, error) {
	search := &e.def.Search
	if msg := meta.path.Response.NoResultsMessage; msg != nil {
		if (strings.TrimSpace(*msg) != "" && strings.Contains(body, *msg)) ||
			(strings.TrimSpace(*msg) == "" && strings.TrimSpace(body) == "") {
			return nil, nil
		}
	}

	doc, err := decodeJSON([]byte(body))
	if err != nil {
		return nil, types.NewParseError("invalid JSON response", resp.Body, err)
	}
	env := e.filterEnv(vars)

	if search.Rows.Count != nil {
		v, _, _ := resolveJSON(search.Rows.Count, doc, env, false)
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && n < 1 {
			return nil, nil
		}
	}

	rowsSel := search.Rows.Selector.Expand(vars, nil)
	rows, err := selectJSONRows(doc, rowsSel)
	if err != nil {
		return nil, types.NewParseError(fmt.Sprintf("rows selector %q", rowsSel), resp.Body, err)
	}

	var releases []*types.ReleaseInfo
	for _, row := range rows {
		objs, err := e.jsonRowObjects(row)
		if err != nil {
			if search.Rows.MissingAttributeEqualsNoResults {
				continue
			}
			e.logger.Error().Err(err).Str("row", jsonString(row)).Msg("Error while parsing row")
			continue
		}
		for _, obj := range objs {
			resolve := func(f *FieldDef, env *filterEnv, required bool) FieldResult {
				target := obj
				if f.Block.Selector != nil && strings.HasPrefix(f.Block.Selector.String(), "..") {
					target = row
				}
				v, _, err := resolveJSON(f.Block, target, env, required)
				return FieldResult{Value: v, Err: err}
			}
			rel, err := e.parseRow(vars, resolve, resp.Request.URL)
			if err != nil {
				e.logger.Error().Err(err).Str("row", jsonString(obj)).Msg("Error while parsing row")
				continue
			}
			if e.applyRowFilters(rel, vars, func() string { return jsonString(obj) }) {
				releases = append(releases, rel)
			}
		}
	}
	return releases, nil
}

// jsonRowObjects returns the objects a JSON row contributes: the row itself, the
// value at rows.attribute, or each member of it when rows.multiple is set.
func (e *Engine) jsonRowObjects(row any) ([]any, error) {
	rows := &e.def.Search.Rows
	sel := row
	if rows.Attribute != "" {
		v, err := selectPath(row, rows.Attribute)
		if err != nil || v == nil {
			return nil, fmt.Errorf("rows attribute %q: missing", rows.Attribute)
		}
		sel = v
	}
	if !rows.Multiple {
		return []any{sel}, nil
	}
	switch v := sel.(type) {
	case []any:
		return v, nil
	case map[string]any:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := make([]any, 0, len(keys))
		for _, k := range keys {
			out = append(out, v[k])
		}
		return out, nil
	}
	return nil, fmt.Errorf("rows attribute %q is not a collection", rows.Attribute)
}

func (e *Engine) parseDocument(body string, resp *transport.Response, respType string, vars Vars) ([]*types.ReleaseInfo, error) {
	search := &e.def.Search
	env := e.filterEnv(vars)

	if len(search.PreprocessingFilters) > 0 {
		filtered, err := applyFilters(body, search.PreprocessingFilters, env)
		if err != nil {
			return nil, types.NewDefinitionError("preprocessingfilters failed", err)
		}
		body = filtered
	}

	var (
		doc *goquery.Document
		err error
	)
	if respType == "xml" {
		doc, err = parseXML(body)
	} else {
		doc, err = parseHTML(body)
	}
	if err != nil {
		return nil, types.NewParseError("invalid search response", resp.Body, err)
	}

	if msg, found := e.findError(doc.Selection, search.Error, env); found {
		return nil, types.NewRemoteError(0, msg)
	}

	rowsSel := search.Rows.Selector.Expand(vars, nil)
	var rows []*goquery.Selection
	querySelectorAll(doc.Selection, rowsSel).Each(func(_ int, s *goquery.Selection) {
		rows = append(rows, s)
	})
	rows = mergeAfterRows(rows, search.Rows.After)

	var releases []*types.ReleaseInfo
	for _, row := range rows {
		resolve := func(f *FieldDef, env *filterEnv, required bool) FieldResult {
			v, _, err := resolveHTML(f.Block, row, env, required)
			return FieldResult{Value: v, Err: err}
		}
		rel, err := e.parseRow(vars, resolve, resp.Request.URL)
		if err == nil {
			err = e.backfillDate(rel, row, env)
		}
		if err != nil {
			e.logger.Error().Err(err).Str("row", dump(row)).Msg("Error while parsing row")
			continue
		}
		if e.applyRowFilters(rel, vars, func() string { return dump(row) }) {
			releases = append(releases, rel)
		}
	}
	return releases, nil
}

// mergeAfterRows appends the child nodes of the following n rows to each row and
// drops the merged rows.
func mergeAfterRows(rows []*goquery.Selection, n int) []*goquery.Selection {
	if n <= 0 {
		return rows
	}
	out := make([]*goquery.Selection, 0, len(rows)/(n+1)+1)
	for i := 0; i < len(rows); i += n + 1 {
		row := rows[i]
		for j := 1; j <= n && i+j < len(rows); j++ {
			row.AppendSelection(rows[i+j].Contents())
		}
		out = append(out, row)
	}
	return out
}

// parseRow resolves every field of a row in declaration order.
func (e *Engine) parseRow(vars Vars, resolve fieldResolver, searchURL string) (*types.ReleaseInfo, error) {
	rel := types.NewReleaseInfo()
	env := e.filterEnv(vars)
	for i := range e.def.Search.Fields {
		f := &e.def.Search.Fields[i]
		key := ".Result." + f.Name
		optional := PolicyFor(f).Optional()

		res := resolve(f, env, !optional)
		if res.Err == nil && optional && strings.TrimSpace(res.Value) == "" {
			vars[key] = nil
			continue
		}
		if res.Err == nil {
			v, err := e.parseField(rel, f, res.Value, searchURL)
			if err == nil {
				vars[key] = v
				continue
			}
			res.Err = err
		}
		if _, set := vars[key]; !set || optional {
			vars[key] = nil
		}
		if optional {
			continue
		}
		return nil, &rowError{field: f.Key, err: res.Err}
	}
	return rel, nil
}

// applyRowFilters runs the rows filters and reports whether the row is kept.
// andmatch keeps only titles containing every search keyword.
func (e *Engine) applyRowFilters(rel *types.ReleaseInfo, vars Vars, row func() string) bool {
	for _, f := range e.def.Search.Rows.Filters {
		switch f.Name {
		case "andmatch":
			title := strings.ToLower(rel.Title)
			for _, kw := range strings.Fields(strings.ToLower(vars.String(".Keywords"))) {
				if !strings.Contains(title, kw) {
					return false
				}
			}
		case "strdump":
			e.logger.Debug().Str("row", row()).Msg("Row strdump")
		default:
			e.logger.Error().Str("filter", f.Name).Msg("Unsupported rows filter")
		}
	}
	return true
}

// backfillDate fills a missing publish date from the nearest preceding date header.
func (e *Engine) backfillDate(rel *types.ReleaseInfo, row *goquery.Selection, env *filterEnv) error {
	headers := e.def.Search.Rows.DateHeaders
	if headers == nil || !rel.PublishDate.IsZero() {
		return nil
	}

	prev := previousRow(row)
	for prev.Length() > 0 {
		if v, found, err := resolveHTML(headers, prev, env, true); err == nil && found {
			d, err := fromUnknown(v, env.clock())
			if err != nil {
				return fmt.Errorf("date header %q: %w", v, err)
			}
			rel.PublishDate = d
			return nil
		}
		prev = previousRow(prev)
	}
	if !headers.Optional {
		return errors.New("no date header row found")
	}
	return nil
}

// previousRow returns the previous element sibling, continuing with the parent's
// previous sibling when there is none.
func previousRow(row *goquery.Selection) *goquery.Selection {
	if prev := row.Prev(); prev.Length() > 0 {
		return prev
	}
	return row.Parent().Prev()
}

// parseField applies a resolved value to the release and returns the value
// recorded under .Result.<name>.
func (e *Engine) parseField(rel *types.ReleaseInfo, f *FieldDef, value, searchURL string) (any, error) {
	switch f.Name {
	case "download":
		if value == "" {
			rel.DownloadURL = ""
			return nil, nil
		}
		if strings.HasPrefix(value, "magnet:") {
			rel.MagnetURL = value
		} else {
			u, err := e.resolvePath(value, searchURL)
			if err != nil {
				return nil, err
			}
			rel.DownloadURL = u
			value = u
		}
		rel.GUID = value
		return value, nil
	case "magnet":
		rel.MagnetURL = value
		return value, nil
	case "infohash":
		rel.InfoHash = value
		return value, nil
	case "details":
		u, err := e.resolvePath(value, searchURL)
		if err != nil {
			return nil, err
		}
		rel.InfoURL = u
		if rel.GUID == "" {
			rel.GUID = u
		}
		return u, nil
	case "comments":
		u, err := e.resolvePath(value, searchURL)
		if err != nil {
			return nil, err
		}
		if rel.CommentURL == "" {
			rel.CommentURL = u
		}
		if rel.GUID == "" {
			rel.GUID = u
		}
		return u, nil
	case "title":
		if f.HasModifier("append") {
			rel.Title += value
		} else {
			rel.Title = value
		}
		return rel.Title, nil
	case "description":
		if f.HasModifier("append") {
			rel.Description += value
		} else {
			rel.Description = value
		}
		return rel.Description, nil
	case "category", "categorydesc":
		var cats []int
		if f.Name == "category" {
			cats = e.caps.Categories.StandardIDsForToken(value)
		} else {
			cats = e.caps.Categories.IDsForDescription(value)
		}
		if len(cats) > 0 {
			if rel.Categories == nil || f.HasModifier("noappend") {
				rel.Categories = cats
			} else {
				rel.Categories = unionInts(rel.Categories, cats)
			}
		}
		return joinInts(rel.Categories), nil
	case "size":
		n, err := parseBytes(value)
		if err != nil {
			return nil, err
		}
		rel.Size = &n
		return strconv.FormatInt(n, 10), nil
	case "leechers", "seeders":
		n, err := coerceInt(value)
		if err != nil {
			return nil, err
		}
		if n >= peerCountLimit {
			n = 0
		}
		if f.Name == "seeders" {
			rel.Seeders = &n
		}
		peers := n
		if rel.Peers != nil {
			peers += *rel.Peers
		}
		rel.Peers = &peers
		return strconv.Itoa(n), nil
	case "date":
		d, err := fromUnknown(value, e.now())
		if err != nil {
			return nil, err
		}
		rel.PublishDate = d
		return d.Format(time.RFC1123Z), nil
	case "files", "grabs":
		n, err := coerceInt(value)
		if err != nil {
			return nil, err
		}
		if f.Name == "files" {
			rel.Files = &n
		} else {
			rel.Grabs = &n
		}
		return strconv.Itoa(n), nil
	case "downloadvolumefactor", "uploadvolumefactor", "minimumratio":
		x, err := coerceFloat(value)
		if err != nil {
			return nil, err
		}
		switch f.Name {
		case "downloadvolumefactor":
			rel.DownloadVolumeFactor = x
		case "uploadvolumefactor":
			rel.UploadVolumeFactor = x
		default:
			rel.MinimumRatio = &x
		}
		return strconv.FormatFloat(x, 'f', -1, 64), nil
	case "minimumseedtime":
		n, err := coerceInt64(value)
		if err != nil {
			return nil, err
		}
		rel.MinimumSeedTime = &n
		return strconv.FormatInt(n, 10), nil
	case "imdb", "imdbid", "tmdbid", "rageid", "tvdbid", "tvmazeid", "traktid", "doubanid":
		n, _ := firstDigits(value)
		id := int(n)
		switch f.Name {
		case "imdb", "imdbid":
			rel.ImdbID = id
		case "tmdbid":
			rel.TmdbID = id
		case "rageid":
			rel.TvRageID = id
		case "tvdbid":
			rel.TvdbID = id
		case "tvmazeid":
			rel.TvMazeID = id
		case "traktid":
			rel.TraktID = id
		case "doubanid":
			rel.DoubanID = id
		}
		return strconv.Itoa(id), nil
	case "poster":
		if strings.TrimSpace(value) != "" {
			u, err := e.resolvePath(value, searchURL)
			if err != nil {
				return nil, err
			}
			rel.Poster = u
		}
		return rel.Poster, nil
	case "genre":
		for _, g := range splitOnDelimiters(value) {
			g = strings.ReplaceAll(g, "_", " ")
			if !slices.Contains(rel.Genres, g) {
				rel.Genres = append(rel.Genres, g)
			}
		}
		return strings.Join(rel.Genres, ", "), nil
	case "year":
		n, err := coerceInt(value)
		if err != nil {
			return nil, err
		}
		rel.Year = n
		return strconv.Itoa(n), nil
	case "author":
		rel.Author = value
	case "booktitle":
		rel.BookTitle = value
	case "publisher":
		rel.Publisher = value
	case "artist":
		rel.Artist = value
	case "album":
		rel.Album = value
	case "label":
		rel.Label = value
	case "track":
		rel.Track = value
	}
	return value, nil
}

func unionInts(a, b []int) []int {
	out := slices.Clone(a)
	for _, x := range b {
		if !slices.Contains(out, x) {
			out = append(out, x)
		}
	}
	return out
}

func joinInts(xs []int) string {
	parts := make([]string, len(xs))
	for i, x := range xs {
		parts[i] = strconv.Itoa(x)
	}
	return strings.Join(parts, ",")
}
