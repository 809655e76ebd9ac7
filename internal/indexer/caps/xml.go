package caps

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
	"golang.org/x/net/html/charset"

	"github.com/slipstream/indexproxy/internal/indexer/category"
	"github.com/slipstream/indexproxy/internal/indexer/types"
)

// TorznabCaps represents the capabilities XML response.
type TorznabCaps struct {
	XMLName    xml.Name          `xml:"caps"`
	Server     *TorznabServer    `xml:"server"`
	Limits     *TorznabLimits    `xml:"limits"`
	Searching  *TorznabSearching `xml:"searching"`
	Categories TorznabCategories `xml:"categories"`
	Tags       TorznabTags       `xml:"tags"`
}

// TorznabServer represents server info in capabilities.
type TorznabServer struct {
	Title   string `xml:"title,attr"`
	Version string `xml:"version,attr"`
}

// TorznabLimits represents limits in capabilities.
type TorznabLimits struct {
	Max     string `xml:"max,attr"`
	Default string `xml:"default,attr"`
}

// TorznabSearching represents searching capabilities.
type TorznabSearching struct {
	Search      *TorznabSearchType `xml:"search"`
	TVSearch    *TorznabSearchType `xml:"tv-search"`
	MovieSearch *TorznabSearchType `xml:"movie-search"`
	AudioSearch *TorznabSearchType `xml:"audio-search"`
	BookSearch  *TorznabSearchType `xml:"book-search"`
}

// TorznabSearchType represents a search type capability.
type TorznabSearchType struct {
	Available       string  `xml:"available,attr"`
	SupportedParams *string `xml:"supportedParams,attr"`
	SearchEngine    string  `xml:"searchEngine,attr"`
}

// TorznabCategories is a container for category elements.
type TorznabCategories struct {
	Categories []TorznabCategory `xml:"category"`
}

// TorznabCategory represents a category in capabilities.
type TorznabCategory struct {
	ID            int               `xml:"id,attr"`
	Name          string            `xml:"name,attr"`
	Subcategories []TorznabCategory `xml:"subcat"`
}

// TorznabTags is a container for tag elements.
type TorznabTags struct {
	Tags []TorznabTag `xml:"tag"`
}

// TorznabTag represents a caps tag.
type TorznabTag struct {
	Name        string `xml:"name,attr"`
	Description string `xml:"description,attr"`
}

// TorznabError is the <error> element Newznab APIs return instead of a result.
type TorznabError struct {
	Code        string `xml:"code,attr"`
	Description string `xml:"description,attr"`
}

// NewDecoder returns an XML decoder that understands non-UTF-8 charsets.
func NewDecoder(r io.Reader) *xml.Decoder {
	d := xml.NewDecoder(r)
	d.CharsetReader = charset.NewReaderLabel
	d.Strict = false
	return d
}

// CheckError looks for an <error> element anywhere in body and converts it into a
// typed error. requestURL is used to tell a missing API key apart from a rejected one.
func CheckError(body []byte, requestURL string) error {
	dec := NewDecoder(bytes.NewReader(body))
	for {
		tok, err := dec.Token()
		if err != nil {
			return nil
		}
		start, ok := tok.(xml.StartElement)
		if !ok || start.Name.Local != "error" {
			continue
		}

		var e TorznabError
		if err := dec.DecodeElement(&e, &start); err != nil {
			return types.NewParseError("malformed error element", body, err)
		}
		return classifyError(e, requestURL)
	}
}

func classifyError(e TorznabError, requestURL string) error {
	code, _ := strconv.Atoi(strings.TrimSpace(e.Code))
	msg := e.Description

	if code >= 100 && code <= 199 {
		return types.NewAuthError(msg, nil)
	}
	if !strings.Contains(requestURL, "apikey=") && (msg == "Missing parameter" || strings.Contains(msg, "apikey")) {
		return types.NewAuthError("Indexer requires an API key", nil)
	}
	if msg == "Request limit reached" {
		return types.NewRateLimitError("API limit reached", 0)
	}
	return types.NewRemoteError(code, msg)
}

// Parse decodes a caps document. An <error> element is converted into a typed error
// before any structural parsing; unknown search parameters are skipped and logged.
func Parse(body []byte, requestURL string, logger zerolog.Logger) (*Capabilities, error) {
	if err := CheckError(body, requestURL); err != nil {
		return nil, err
	}

	var doc TorznabCaps
	if err := NewDecoder(bytes.NewReader(body)).Decode(&doc); err != nil {
		var syntaxErr *xml.SyntaxError
		if errors.As(err, &syntaxErr) || errors.Is(err, io.EOF) {
			return nil, types.NewParseError("invalid caps XML", body, err)
		}
		return nil, types.NewParseError("unexpected caps XML", body, err)
	}

	c := New()
	c.SupportsPagination = true

	if doc.Server != nil {
		c.ServerTitle = doc.Server.Title
		c.ServerVersion = doc.Server.Version
	}

	if doc.Limits != nil {
		if n, err := strconv.Atoi(doc.Limits.Default); err == nil {
			c.LimitsDefault = n
		}
		if n, err := strconv.Atoi(doc.Limits.Max); err == nil {
			c.LimitsMax = n
		}
	}

	if s := doc.Searching; s != nil {
		c.SearchParams = parseSearchType(s.Search, ModeSearch, logger)
		c.TVSearchParams = parseSearchType(s.TVSearch, ModeTVSearch, logger)
		c.MovieSearchParams = parseSearchType(s.MovieSearch, ModeMovieSearch, logger)
		c.MusicSearchParams = parseSearchType(s.AudioSearch, ModeAudioSearch, logger)
		c.BookSearchParams = parseSearchType(s.BookSearch, ModeBookSearch, logger)
		if s.Search != nil && s.Search.Available == "yes" && s.Search.SupportedParams != nil {
			c.SupportsRawSearch = s.Search.SearchEngine == "raw"
		}
	}

	for _, xc := range doc.Categories.Categories {
		mapCapsCategory(c.Categories, xc)
	}

	for _, tag := range doc.Tags.Tags {
		c.Tags = append(c.Tags, Tag{Name: tag.Name, Description: tag.Description})
	}

	return c, nil
}

func parseSearchType(st *TorznabSearchType, mode Mode, logger zerolog.Logger) []Param {
	if st == nil || st.Available != "yes" {
		return []Param{}
	}
	if st.SupportedParams == nil {
		return []Param{ParamQ}
	}

	params := []Param{}
	for _, raw := range strings.Split(*st.SupportedParams, ",") {
		if strings.TrimSpace(raw) == "" {
			continue
		}
		p, ok := ParseParam(mode, raw)
		if !ok {
			logger.Debug().Str("mode", string(mode)).Str("param", raw).Msg("Skipping unsupported search param")
			continue
		}
		if !containsParam(params, p) {
			params = append(params, p)
		}
	}
	return params
}

func containsParam(params []Param, p Param) bool {
	for _, x := range params {
		if x == p {
			return true
		}
	}
	return false
}

// mapCapsCategory maps a remote <category> and its <subcat>s onto standard categories,
// matching by name first and falling back to ids and "Other".
func mapCapsCategory(m *category.Mapper, xc TorznabCategory) {
	parentName := xc.Name
	parentLower := strings.ToLower(parentName)

	var mapped *category.Category
	for _, p := range category.ParentCats {
		if strings.Contains(parentLower, strings.ToLower(p.Name)) {
			mapped = p
			break
		}
	}
	if mapped == nil {
		for _, c := range category.AllCats {
			if c.ID == xc.ID && strings.Contains(strings.ToLower(c.Name), parentLower) {
				mapped = c
				break
			}
		}
	}
	if mapped == nil {
		for _, p := range category.ParentCats {
			if p.ID == xc.ID {
				mapped = p
				break
			}
		}
	}
	if mapped == nil {
		mapped = category.Other
	}

	for _, sub := range xc.Subcategories {
		mappingName := fmt.Sprintf("%s/%s", mapped.Name, sub.Name)
		mappedSub := category.FindByName(mappingName)
		if mappedSub == nil {
			mappedSub = category.FindByID(sub.ID)
		}
		if mappedSub == nil && mapped.ID != category.Other.ID {
			mappedSub = category.FindByName(mapped.Name + "/Other")
		}
		if mappedSub == nil {
			mappedSub = category.OtherMisc
		}
		m.AddIntMapping(sub.ID, mappedSub, fmt.Sprintf("%s/%s", parentName, sub.Name))
	}

	m.AddIntMapping(xc.ID, mapped, parentName)
}
