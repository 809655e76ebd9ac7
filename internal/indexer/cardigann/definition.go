// Package cardigann implements a Cardigann-compatible indexer definition engine.
// It parses YAML definition files and executes searches, logins and downloads
// against arbitrary indexer sites.
package cardigann

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/slipstream/indexproxy/internal/indexer/caps"
	"github.com/slipstream/indexproxy/internal/indexer/types"
)

// StringOrArray unmarshals from either a string or an array of strings.
// Header values use the first entry.
type StringOrArray []string

// UnmarshalYAML implements custom YAML unmarshaling for StringOrArray.
func (s *StringOrArray) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		*s = StringOrArray{value.Value}
		return nil
	case yaml.SequenceNode:
		var arr []string
		if err := value.Decode(&arr); err != nil {
			return err
		}
		*s = arr
		return nil
	default:
		return fmt.Errorf("line %d: cannot unmarshal %v into a string or list", value.Line, value.Kind)
	}
}

// First returns the first value, or "".
func (s StringOrArray) First() string {
	if len(s) == 0 {
		return ""
	}
	return s[0]
}

// Definition represents a parsed Cardigann YAML definition file.
// These definitions describe how to interact with a torrent/usenet indexer site.
type Definition struct {
	ID              string   `yaml:"id"`
	Name            string   `yaml:"name"`
	Description     string   `yaml:"description"`
	Language        string   `yaml:"language"`
	Type            string   `yaml:"type"`     // public, private, semi-private
	Encoding        string   `yaml:"encoding"` // UTF-8, windows-1251, etc.
	RequestDelay    float64  `yaml:"requestDelay"`
	Links           []string `yaml:"links"`
	LegacyLinks     []string `yaml:"legacylinks"`
	FollowRedirect  bool     `yaml:"followredirect"`
	TestLinkTorrent *bool    `yaml:"testlinktorrent"`
	Certificates    []string `yaml:"certificates"`

	Caps     CapsBlock      `yaml:"caps"`
	Settings []Setting      `yaml:"settings"`
	Login    *LoginBlock    `yaml:"login"`
	Search   SearchBlock    `yaml:"search"`
	Download *DownloadBlock `yaml:"download"`
}

// CapsBlock describes what search modes and categories the indexer supports.
type CapsBlock struct {
	// Categories is the legacy id -> category name form.
	Categories       map[string]string   `yaml:"categories"`
	CategoryMappings []CategoryMapping   `yaml:"categorymappings"`
	Modes            map[string][]string `yaml:"modes"` // search, tv-search, movie-search -> supported params
	AllowRawSearch   bool                `yaml:"allowrawsearch"`
}

// CategoryMapping maps indexer-specific category IDs to standard Newznab categories.
type CategoryMapping struct {
	ID      string `yaml:"id"`
	Cat     string `yaml:"cat"`  // Newznab category name (e.g., "Movies/HD")
	Desc    string `yaml:"desc"` // Human-readable description
	Default bool   `yaml:"default"`
}

// Setting defines a user-configurable option for the indexer.
type Setting struct {
	Name     string            `yaml:"name" json:"name"`
	Type     string            `yaml:"type" json:"type"` // text, password, checkbox, select, multi-select, info, info_cookie
	Label    string            `yaml:"label" json:"label"`
	Default  string            `yaml:"default" json:"default,omitempty"`
	Defaults []string          `yaml:"defaults" json:"defaults,omitempty"`
	Options  map[string]string `yaml:"options" json:"options,omitempty"` // For select type
}

// LoginBlock defines how to authenticate with the indexer.
type LoginBlock struct {
	Path              *Template       `yaml:"path"`
	SubmitPath        *Template       `yaml:"submitpath"`
	Method            string          `yaml:"method"` // post, form, cookie, get, oneurl
	Form              string          `yaml:"form"`   // CSS selector for form element
	Selectors         bool            `yaml:"selectors"`
	Inputs            Inputs          `yaml:"inputs"`
	SelectorInputs    SelectorMap     `yaml:"selectorinputs"`
	GetSelectorInputs SelectorMap     `yaml:"getselectorinputs"`
	Error             []ErrorBlock    `yaml:"error"`
	Test              *PageTestBlock  `yaml:"test"`
	Captcha           *CaptchaBlock   `yaml:"captcha"`
	Cookies           []string        `yaml:"cookies"`
	Headers           HeaderTemplates `yaml:"headers"`
}

// ErrorBlock detects an error page and extracts its message.
type ErrorBlock struct {
	Path     string         `yaml:"path"`
	Selector string         `yaml:"selector"`
	Message  *SelectorBlock `yaml:"message"`
}

// PageTestBlock defines how to verify successful authentication.
type PageTestBlock struct {
	Path     *Template `yaml:"path"`
	Selector string    `yaml:"selector"`
}

// CaptchaBlock describes a login captcha.
type CaptchaBlock struct {
	Type     string `yaml:"type"` // image, text
	Selector string `yaml:"selector"`
	Input    string `yaml:"input"`
}

// SelectorBlock describes how to resolve one value from an element or JSON object.
type SelectorBlock struct {
	Selector  *Template `yaml:"selector"`
	Optional  bool      `yaml:"optional"`
	Default   *Template `yaml:"default"`
	Text      *Template `yaml:"text"`
	Attribute string    `yaml:"attribute"`
	Remove    string    `yaml:"remove"`
	Filters   []Filter  `yaml:"filters"`
	Case      CaseList  `yaml:"case"`
}

// SearchBlock defines how to execute searches and parse results.
type SearchBlock struct {
	Path                 *Template       `yaml:"path"`
	Paths                []SearchPath    `yaml:"paths"`
	Headers              HeaderTemplates `yaml:"headers"`
	KeywordsFilters      []Filter        `yaml:"keywordsfilters"`
	AllowEmptyInputs     bool            `yaml:"allowEmptyInputs"`
	Inputs               Inputs          `yaml:"inputs"`
	Error                []ErrorBlock    `yaml:"error"`
	PreprocessingFilters []Filter        `yaml:"preprocessingfilters"`
	Rows                 RowsBlock       `yaml:"rows"`
	Fields               FieldList       `yaml:"fields"`
}

// SearchPath defines a search endpoint, optionally restricted to certain categories.
type SearchPath struct {
	Path           *Template      `yaml:"path"`
	Method         string         `yaml:"method"` // get or post
	Inputs         Inputs         `yaml:"inputs"`
	QuerySeparator string         `yaml:"queryseparator"`
	Categories     []string       `yaml:"categories"`
	InheritInputs  *bool          `yaml:"inheritinputs"`
	FollowRedirect bool           `yaml:"followredirect"`
	Response       *ResponseBlock `yaml:"response"`
}

// inheritsInputs reports whether search.inputs apply to this path.
func (p *SearchPath) inheritsInputs() bool {
	return p.InheritInputs == nil || *p.InheritInputs
}

// ResponseBlock specifies the response format.
type ResponseBlock struct {
	Type             string  `yaml:"type"` // json, xml, html (default)
	NoResultsMessage *string `yaml:"noresultsmessage"`
}

// RowsBlock defines how to find result rows in the response.
type RowsBlock struct {
	SelectorBlock                   `yaml:",inline"`
	After                           int            `yaml:"after"`
	DateHeaders                     *SelectorBlock `yaml:"dateheaders"`
	Count                           *SelectorBlock `yaml:"count"`
	Multiple                        bool           `yaml:"multiple"`
	MissingAttributeEqualsNoResults bool           `yaml:"missingAttributeEqualsNoResults"`
}

// DownloadBlock defines how to resolve the final download link of a release.
type DownloadBlock struct {
	Selectors []SelectorField `yaml:"selectors"`
	Method    string          `yaml:"method"`
	Before    *BeforeBlock    `yaml:"before"`
	InfoHash  *InfoHashBlock  `yaml:"infohash"`
	Headers   HeaderTemplates `yaml:"headers"`
}

// SelectorField selects a value from a download page.
type SelectorField struct {
	Selector          string   `yaml:"selector"`
	Attribute         string   `yaml:"attribute"`
	UseBeforeResponse bool     `yaml:"usebeforeresponse"`
	Filters           []Filter `yaml:"filters"`
}

// BeforeBlock is a request made before the download selectors run.
type BeforeBlock struct {
	Path           *Template      `yaml:"path"`
	Method         string         `yaml:"method"`
	Inputs         Inputs         `yaml:"inputs"`
	QuerySeparator string         `yaml:"queryseparator"`
	PathSelector   *SelectorField `yaml:"pathselector"`
}

// InfoHashBlock builds a magnet link from a hash and title on the details page.
type InfoHashBlock struct {
	Hash              SelectorField `yaml:"hash"`
	Title             SelectorField `yaml:"title"`
	UseBeforeResponse bool          `yaml:"usebeforeresponse"`
}

// HeaderTemplates maps header names to value templates compiled at load.
// A header given as a list uses its first value.
type HeaderTemplates map[string]*Template

// UnmarshalYAML decodes and compiles every header value.
func (h *HeaderTemplates) UnmarshalYAML(value *yaml.Node) error {
	var raw map[string]StringOrArray
	if err := value.Decode(&raw); err != nil {
		return err
	}
	out := make(HeaderTemplates, len(raw))
	for name, v := range raw {
		t, err := Compile(v.First())
		if err != nil {
			return fmt.Errorf("line %d: header %s: %w", value.Line, name, err)
		}
		out[name] = t
	}
	*h = out
	return nil
}

// Input is one named request input whose value is a template.
type Input struct {
	Name  string
	Value *Template
}

// Inputs is an ordered list of request inputs.
type Inputs []Input

// UnmarshalYAML decodes a mapping keeping declaration order.
func (in *Inputs) UnmarshalYAML(value *yaml.Node) error {
	return decodeOrdered(value, func(key string, node *yaml.Node) error {
		t := &Template{}
		if node.Kind == yaml.ScalarNode && node.Tag == "!!null" {
			t = MustCompile("")
		} else if err := node.Decode(t); err != nil {
			return err
		}
		*in = append(*in, Input{Name: key, Value: t})
		return nil
	})
}

// SelectorMap is an ordered mapping of input names to selectors.
type SelectorMap []NamedSelector

// NamedSelector pairs a name with its selector block.
type NamedSelector struct {
	Name  string
	Block *SelectorBlock
}

// UnmarshalYAML decodes a mapping keeping declaration order.
func (m *SelectorMap) UnmarshalYAML(value *yaml.Node) error {
	return decodeOrdered(value, func(key string, node *yaml.Node) error {
		b := &SelectorBlock{}
		if err := node.Decode(b); err != nil {
			return err
		}
		*m = append(*m, NamedSelector{Name: key, Block: b})
		return nil
	})
}

// FieldDef is one declared result field. Name is the key with modifiers
// stripped; "title|append" has Name "title" and Modifiers ["append"].
type FieldDef struct {
	Key       string
	Name      string
	Modifiers []string
	Block     *SelectorBlock
}

// HasModifier reports whether the field carries modifier m.
func (f FieldDef) HasModifier(m string) bool {
	for _, x := range f.Modifiers {
		if x == m {
			return true
		}
	}
	return false
}

// FieldList holds the result fields in declaration order. Keys may repeat.
type FieldList []FieldDef

// UnmarshalYAML decodes a mapping keeping declaration order and duplicate keys.
func (f *FieldList) UnmarshalYAML(value *yaml.Node) error {
	return decodeOrdered(value, func(key string, node *yaml.Node) error {
		b := &SelectorBlock{}
		if err := node.Decode(b); err != nil {
			return fmt.Errorf("field %s: %w", key, err)
		}
		parts := strings.Split(key, "|")
		*f = append(*f, FieldDef{
			Key:       key,
			Name:      strings.ToLower(parts[0]),
			Modifiers: parts[1:],
			Block:     b,
		})
		return nil
	})
}

// CaseEntry maps a selector (or "*") to a literal value.
type CaseEntry struct {
	Selector string
	Value    string
}

// CaseList is an ordered case mapping.
type CaseList []CaseEntry

// UnmarshalYAML decodes a mapping keeping declaration order.
func (c *CaseList) UnmarshalYAML(value *yaml.Node) error {
	return decodeOrdered(value, func(key string, node *yaml.Node) error {
		if node.Kind != yaml.ScalarNode {
			return fmt.Errorf("line %d: case value must be a scalar", node.Line)
		}
		*c = append(*c, CaseEntry{Selector: key, Value: node.Value})
		return nil
	})
}

func decodeOrdered(value *yaml.Node, fn func(key string, node *yaml.Node) error) error {
	if value.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: expected a mapping", value.Line)
	}
	for i := 0; i+1 < len(value.Content); i += 2 {
		if err := fn(value.Content[i].Value, value.Content[i+1]); err != nil {
			return err
		}
	}
	return nil
}

// ParseDefinition parses and validates a Cardigann YAML definition.
func ParseDefinition(data []byte) (*Definition, error) {
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, types.NewDefinitionError("failed to parse definition YAML", err)
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return &def, nil
}

// ParseDefinitionFile parses a Cardigann YAML definition from a file.
func ParseDefinitionFile(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read definition file: %w", err)
	}
	def, err := ParseDefinition(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return def, nil
}

// Validate checks the parts of a definition that templates and filters cannot
// check while decoding.
func (d *Definition) Validate() error {
	if d.ID == "" {
		return types.NewDefinitionError("definition has no id", nil)
	}
	if len(d.Links) == 0 {
		return types.NewDefinitionError(fmt.Sprintf("definition %s has no links", d.ID), nil)
	}
	if err := caps.New().ParseCardigannModes(d.Caps.Modes); err != nil {
		return types.NewDefinitionError(fmt.Sprintf("definition %s", d.ID), err)
	}
	if len(d.searchPaths()) == 0 {
		return types.NewDefinitionError(fmt.Sprintf("definition %s has no search path", d.ID), nil)
	}
	if d.Login != nil {
		switch d.Login.Method {
		case "", "post", "form", "cookie", "get", "oneurl":
		default:
			return types.NewDefinitionError(fmt.Sprintf("definition %s: unknown login method %q", d.ID, d.Login.Method), nil)
		}
	}
	return nil
}

// searchPaths returns search.paths, or the single legacy search.path.
func (d *Definition) searchPaths() []SearchPath {
	if len(d.Search.Paths) > 0 {
		return d.Search.Paths
	}
	if d.Search.Path != nil {
		return []SearchPath{{Path: d.Search.Path}}
	}
	return nil
}

// GetBaseURL returns the primary URL for this indexer.
func (d *Definition) GetBaseURL() string {
	if len(d.Links) > 0 {
		return d.Links[0]
	}
	return ""
}

// GetPrivacy returns the privacy level (public, private, semi-private).
func (d *Definition) GetPrivacy() types.Privacy {
	switch d.Type {
	case "private":
		return types.PrivacyPrivate
	case "semi-private":
		return types.PrivacySemiPrivate
	default:
		return types.PrivacyPublic
	}
}

// HasLogin returns true if this indexer requires authentication.
func (d *Definition) HasLogin() bool {
	return d.Login != nil && d.Login.Method != ""
}

// testLinkTorrent reports whether downloaded links must look like torrents.
func (d *Definition) testLinkTorrent() bool {
	return d.TestLinkTorrent == nil || *d.TestLinkTorrent
}
