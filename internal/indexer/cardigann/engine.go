package cardigann

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/text/encoding/unicode"

	"github.com/slipstream/indexproxy/internal/indexer/caps"
	"github.com/slipstream/indexproxy/internal/indexer/category"
	"github.com/slipstream/indexproxy/internal/indexer/transport"
	"github.com/slipstream/indexproxy/internal/indexer/types"
)

// Options configure an Engine for one configured remote.
type Options struct {
	// BaseURL overrides the definition's first link. Legacy links are replaced by it.
	BaseURL string
	// Settings are the user's values for the definition's settings, by name.
	Settings map[string]string
	Logger   zerolog.Logger
	Clock    func() time.Time
}

// Engine runs one definition for one configured remote. It implements the
// generator, parser, authenticator, capabilities and download resolver
// contracts of the fetch orchestrator.
type Engine struct {
	def         *Definition
	settings    map[string]string
	siteLink    string
	enc         encoding.Encoding
	caps        *caps.Capabilities
	defaultCats []string
	logger      zerolog.Logger
	now         func() time.Time
}

// NewEngine binds def to a remote's settings.
func NewEngine(def *Definition, opts Options) (*Engine, error) {
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	e := &Engine{
		def:      def,
		settings: opts.Settings,
		logger:   opts.Logger.With().Str("component", "cardigann").Str("definition", def.ID).Logger(),
		now:      opts.Clock,
	}
	if e.settings == nil {
		e.settings = map[string]string{}
	}

	e.siteLink = resolveSiteLink(def, opts.BaseURL)
	if e.siteLink != def.GetBaseURL() {
		e.logger.Debug().Str("siteLink", e.siteLink).Msg("Using configured site link")
	}

	if def.Encoding != "" {
		enc, err := htmlindex.Get(def.Encoding)
		if err != nil {
			return nil, types.NewDefinitionError(fmt.Sprintf("definition %s: unknown encoding %q", def.ID, def.Encoding), err)
		}
		if enc != unicode.UTF8 {
			e.enc = enc
		}
	}

	c, defaults, err := buildCapabilities(def, e.logger)
	if err != nil {
		return nil, err
	}
	e.caps, e.defaultCats = c, defaults

	for _, s := range def.Settings {
		if _, err := e.settingValue(s); err != nil {
			return nil, types.NewDefinitionError(fmt.Sprintf("definition %s", def.ID), err)
		}
	}
	return e, nil
}

// Definition returns the definition the engine runs.
func (e *Engine) Definition() *Definition { return e.def }

// SiteLink returns the base URL requests are resolved against.
func (e *Engine) SiteLink() string { return e.siteLink }

// Capabilities returns the capabilities declared by the definition.
func (e *Engine) Capabilities(context.Context) (*caps.Capabilities, error) {
	return e.caps, nil
}

func resolveSiteLink(def *Definition, baseURL string) string {
	link := def.GetBaseURL()
	if baseURL != "" {
		legacy := false
		for _, l := range def.LegacyLinks {
			if strings.EqualFold(strings.TrimSuffix(l, "/"), strings.TrimSuffix(baseURL, "/")) {
				legacy = true
				break
			}
		}
		if !legacy {
			link = baseURL
		}
	}
	if !strings.HasSuffix(link, "/") {
		link += "/"
	}
	return link
}

// buildCapabilities derives capabilities and the default category tokens from the caps block.
func buildCapabilities(def *Definition, logger zerolog.Logger) (*caps.Capabilities, []string, error) {
	c := caps.New()
	if err := c.ParseCardigannModes(def.Caps.Modes); err != nil {
		return nil, nil, types.NewDefinitionError(fmt.Sprintf("definition %s", def.ID), err)
	}
	c.ServerTitle = def.Name
	c.SupportsRawSearch = def.Caps.AllowRawSearch
	c.SupportsPagination = false

	ids := make([]string, 0, len(def.Caps.Categories))
	for id := range def.Caps.Categories {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		name := def.Caps.Categories[id]
		cat := category.FindByName(name)
		if cat == nil {
			logger.Error().Str("category", name).Msg("Invalid category name in caps.categories")
			continue
		}
		c.Categories.AddMapping(id, cat, "")
	}

	var defaults []string
	for _, m := range def.Caps.CategoryMappings {
		var cat *category.Category
		if m.Cat != "" {
			cat = category.FindByName(m.Cat)
			if cat == nil {
				logger.Error().Str("category", m.Cat).Str("id", m.ID).Msg("Invalid category name in categorymappings")
				continue
			}
		}
		c.Categories.AddMapping(m.ID, cat, m.Desc)
		if m.Default {
			defaults = append(defaults, m.ID)
		}
	}
	return c, defaults, nil
}

// settingValue resolves a setting to its template value: a string, or nil.
func (e *Engine) settingValue(s Setting) (any, error) {
	value, ok := e.settings[s.Name]
	if !ok {
		value = s.Default
	}
	switch {
	case s.Type == "text" || s.Type == "password" || strings.HasPrefix(s.Type, "info"):
		return value, nil
	case s.Type == "checkbox":
		if b, err := strconv.ParseBool(strings.TrimSpace(value)); err == nil && b {
			return trueVar, nil
		}
		return nil, nil
	case s.Type == "select":
		keys := make([]string, 0, len(s.Options))
		for k := range s.Options {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		if _, isKey := s.Options[value]; isKey {
			return value, nil
		}
		if i, err := strconv.Atoi(value); err == nil && i >= 0 && i < len(keys) {
			return keys[i], nil
		}
		if _, isKey := s.Options[s.Default]; isKey {
			return s.Default, nil
		}
		if len(keys) == 0 {
			return nil, fmt.Errorf("select setting %s has no options", s.Name)
		}
		return keys[0], nil
	case s.Type == "cardigannCaptcha":
		return nil, nil
	}
	return nil, fmt.Errorf("setting %s: type %q is not supported", s.Name, s.Type)
}

// baseVariables returns the variables every template sees.
func (e *Engine) baseVariables() Vars {
	v := Vars{
		".Config.sitelink": e.siteLink,
		trueVar:            trueVal,
		falseVar:           nil,
		".Today.Year":      strconv.Itoa(e.now().Year()),
	}
	for _, s := range e.def.Settings {
		val, err := e.settingValue(s)
		if err != nil {
			continue
		}
		if s.Type != "cardigannCaptcha" {
			v[".Config."+s.Name] = val
		}
	}
	return v
}

// filterEnv returns a filter environment over vars.
func (e *Engine) filterEnv(vars Vars) *filterEnv {
	return &filterEnv{vars: vars, enc: e.enc, now: e.now, logger: e.logger}
}

// resolvePath resolves path against base, or against the site link when base is empty.
func (e *Engine) resolvePath(path, base string) (string, error) {
	if base == "" {
		base = e.siteLink
	}
	b, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid base URL %q: %w", base, err)
	}
	ref, err := url.Parse(strings.TrimSpace(path))
	if err != nil {
		return "", fmt.Errorf("invalid path %q: %w", path, err)
	}
	return b.ResolveReference(ref).String(), nil
}

// text decodes a response body, preferring the definition's declared encoding.
func (e *Engine) text(resp *transport.Response) string {
	if e.enc != nil {
		if s, err := e.enc.NewDecoder().String(string(resp.Body)); err == nil {
			return s
		}
	}
	return resp.Text()
}

// urlModifier URL-encodes template values in the definition's encoding using %20 for spaces.
func (e *Engine) urlModifier(s string) string {
	return strings.ReplaceAll(urlEncode(s, e.enc), "+", "%20")
}

// headers expands a header block.
func (e *Engine) headers(block HeaderTemplates, vars Vars) map[string]string {
	if len(block) == 0 {
		return nil
	}
	out := make(map[string]string, len(block))
	for k, t := range block {
		if t.IsLiteral() {
			out[k] = t.String()
			continue
		}
		out[k] = t.Expand(vars, nil)
	}
	return out
}

func applyHeaders(req *transport.Request, h map[string]string) {
	for k, v := range h {
		req.SetHeader(k, v)
	}
}
