package cardigann

import (
	"encoding/json"
	"fmt"
	"html"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/mozillazg/go-unidecode"
	"github.com/rs/zerolog"
	"golang.org/x/text/encoding"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
	"gopkg.in/yaml.v3"
)

// Filter is one named transform of a filter chain, validated when the
// definition loads.
type Filter struct {
	Name string
	Args []string
	op   filterOp
}

// NewFilter builds a filter, failing on unknown names and malformed arguments.
func NewFilter(name string, args ...string) (Filter, error) {
	op, err := newFilterOp(name, args)
	if err != nil {
		return Filter{}, err
	}
	return Filter{Name: name, Args: args, op: op}, nil
}

// UnmarshalYAML decodes {name, args} where args is a scalar or a list.
func (f *Filter) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		Name string    `yaml:"name"`
		Args yaml.Node `yaml:"args"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	var args []string
	switch raw.Args.Kind {
	case 0:
	case yaml.ScalarNode:
		if raw.Args.Tag != "!!null" {
			args = []string{raw.Args.Value}
		}
	case yaml.SequenceNode:
		for _, n := range raw.Args.Content {
			if n.Kind != yaml.ScalarNode {
				return fmt.Errorf("line %d: filter %s: arguments must be scalars", n.Line, raw.Name)
			}
			args = append(args, n.Value)
		}
	default:
		return fmt.Errorf("line %d: filter %s: unsupported arguments", value.Line, raw.Name)
	}
	built, err := NewFilter(raw.Name, args...)
	if err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	*f = built
	return nil
}

// filterEnv is what filters may read while running.
type filterEnv struct {
	vars   Vars
	enc    encoding.Encoding
	now    func() time.Time
	logger zerolog.Logger
}

func (e *filterEnv) clock() time.Time {
	if e.now == nil {
		return time.Now()
	}
	return e.now()
}

type filterOp interface {
	apply(value string, env *filterEnv) (string, error)
}

type filterFunc func(value string, env *filterEnv) (string, error)

func (f filterFunc) apply(value string, env *filterEnv) (string, error) { return f(value, env) }

// applyFilters runs a filter chain. A nil env means no variables and UTF-8.
func applyFilters(value string, filters []Filter, env *filterEnv) (string, error) {
	if env == nil {
		env = &filterEnv{logger: zerolog.Nop()}
	}
	for _, f := range filters {
		if f.op == nil {
			return "", fmt.Errorf("filter %s was not initialised", f.Name)
		}
		v, err := f.op.apply(value, env)
		if err != nil {
			return "", fmt.Errorf("filter %s: %w", f.Name, err)
		}
		value = v
	}
	return value, nil
}

// validateDelimiters split values for the validate filter and the genre field.
const validateDelimiters = ", /)(.;[]\"|:"

func splitOnDelimiters(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool { return strings.ContainsRune(validateDelimiters, r) })
}

func newFilterOp(name string, args []string) (filterOp, error) {
	want := func(n int) error {
		if len(args) < n {
			return fmt.Errorf("filter %s needs %d argument(s), got %d", name, n, len(args))
		}
		return nil
	}
	arg := func(i int) string {
		if i < len(args) {
			return args[i]
		}
		return ""
	}

	switch name {
	case "querystring":
		if err := want(1); err != nil {
			return nil, err
		}
		param := args[0]
		return filterFunc(func(v string, _ *filterEnv) (string, error) {
			return queryArgument(v, param), nil
		}), nil

	case "dateparse", "timeparse":
		if err := want(1); err != nil {
			return nil, err
		}
		layout := args[0]
		return filterFunc(func(v string, env *filterEnv) (string, error) {
			t, err := parseGoLayout(v, layout, env.clock().Location())
			if err != nil {
				env.logger.Debug().Err(err).Msg("dateparse failed, keeping value")
				return v, nil
			}
			return t.Format(time.RFC1123Z), nil
		}), nil

	case "regexp":
		if err := want(1); err != nil {
			return nil, err
		}
		re, err := regexp.Compile(args[0])
		if err != nil {
			return nil, fmt.Errorf("filter regexp: %w", err)
		}
		return filterFunc(func(v string, _ *filterEnv) (string, error) {
			m := re.FindStringSubmatch(v)
			if len(m) < 2 {
				return "", nil
			}
			return m[1], nil
		}), nil

	case "re_replace":
		if err := want(2); err != nil {
			return nil, err
		}
		re, err := regexp.Compile(args[0])
		if err != nil {
			return nil, fmt.Errorf("filter re_replace: %w", err)
		}
		repl, err := Compile(args[1])
		if err != nil {
			return nil, err
		}
		return filterFunc(func(v string, env *filterEnv) (string, error) {
			return re.ReplaceAllString(v, dotNetReplacement(repl.Expand(env.vars, nil))), nil
		}), nil

	case "split":
		if err := want(2); err != nil {
			return nil, err
		}
		if args[0] == "" {
			return nil, fmt.Errorf("filter split needs a separator")
		}
		sep := []rune(args[0])[0]
		pos, err := strconv.Atoi(strings.TrimSpace(args[1]))
		if err != nil {
			return nil, fmt.Errorf("filter split: bad position %q", args[1])
		}
		return filterFunc(func(v string, _ *filterEnv) (string, error) {
			parts := strings.Split(v, string(sep))
			i := pos
			if i < 0 {
				i += len(parts)
			}
			if i < 0 || i >= len(parts) {
				return "", fmt.Errorf("index %d out of range for %d parts", pos, len(parts))
			}
			return parts[i], nil
		}), nil

	case "replace":
		if err := want(2); err != nil {
			return nil, err
		}
		from := args[0]
		to, err := Compile(args[1])
		if err != nil {
			return nil, err
		}
		return filterFunc(func(v string, env *filterEnv) (string, error) {
			if from == "" {
				return v, nil
			}
			return strings.ReplaceAll(v, from, to.Expand(env.vars, nil)), nil
		}), nil

	case "trim":
		cutset := arg(0)
		return filterFunc(func(v string, _ *filterEnv) (string, error) {
			if cutset == "" {
				return strings.TrimSpace(v), nil
			}
			return strings.Trim(v, string([]rune(cutset)[0])), nil
		}), nil

	case "prepend", "append":
		if err := want(1); err != nil {
			return nil, err
		}
		t, err := Compile(args[0])
		if err != nil {
			return nil, err
		}
		prepend := name == "prepend"
		return filterFunc(func(v string, env *filterEnv) (string, error) {
			if prepend {
				return t.Expand(env.vars, nil) + v, nil
			}
			return v + t.Expand(env.vars, nil), nil
		}), nil

	case "tolower":
		return filterFunc(func(v string, _ *filterEnv) (string, error) { return strings.ToLower(v), nil }), nil
	case "toupper":
		return filterFunc(func(v string, _ *filterEnv) (string, error) { return strings.ToUpper(v), nil }), nil

	case "urldecode":
		return filterFunc(func(v string, env *filterEnv) (string, error) { return urlDecode(v, env.enc), nil }), nil
	case "urlencode":
		return filterFunc(func(v string, env *filterEnv) (string, error) { return urlEncode(v, env.enc), nil }), nil

	case "htmldecode":
		return filterFunc(func(v string, _ *filterEnv) (string, error) { return html.UnescapeString(v), nil }), nil
	case "htmlencode":
		return filterFunc(func(v string, _ *filterEnv) (string, error) { return html.EscapeString(v), nil }), nil

	case "timeago", "reltime":
		return filterFunc(func(v string, env *filterEnv) (string, error) {
			t, err := fromTimeAgo(v, env.clock())
			if err != nil {
				return "", err
			}
			return t.Format(time.RFC1123Z), nil
		}), nil

	case "fuzzytime":
		return filterFunc(func(v string, env *filterEnv) (string, error) {
			t, err := fromUnknown(v, env.clock())
			if err != nil {
				return "", err
			}
			return t.Format(time.RFC1123Z), nil
		}), nil

	case "validfilename":
		return filterFunc(func(v string, _ *filterEnv) (string, error) { return validFileName(v), nil }), nil

	case "diacritics":
		if arg(0) != "replace" {
			return nil, fmt.Errorf("unsupported diacritics filter argument %q", arg(0))
		}
		return filterFunc(func(v string, _ *filterEnv) (string, error) { return stripDiacritics(v) }), nil

	case "jsonjoinarray":
		if err := want(2); err != nil {
			return nil, err
		}
		path, sep := args[0], args[1]
		return filterFunc(func(v string, _ *filterEnv) (string, error) {
			var doc any
			if err := json.Unmarshal([]byte(v), &doc); err != nil {
				return "", fmt.Errorf("value is not JSON: %w", err)
			}
			sel, err := selectPath(doc, strings.TrimPrefix(path, "$."))
			if err != nil {
				return "", err
			}
			arr, ok := sel.([]any)
			if !ok {
				return "", fmt.Errorf("%s is not an array", path)
			}
			parts := make([]string, len(arr))
			for i, x := range arr {
				parts[i] = jsonString(x)
			}
			return strings.Join(parts, sep), nil
		}), nil

	case "andmatch":
		// row filter, evaluated against the whole release
		return filterFunc(func(v string, _ *filterEnv) (string, error) { return v, nil }), nil

	case "hexdump":
		return filterFunc(func(v string, env *filterEnv) (string, error) {
			var sb strings.Builder
			for _, r := range v {
				fmt.Fprintf(&sb, "%c(%02X)", r, r)
			}
			env.logger.Debug().Str("hexdump", sb.String()).Msg("filter dump")
			return v, nil
		}), nil

	case "strdump":
		tag := arg(0)
		return filterFunc(func(v string, env *filterEnv) (string, error) {
			dump := strings.NewReplacer("\r", `\r`, "\n", `\n`, "\u00a0", `\xA0`).Replace(v)
			env.logger.Debug().Str("tag", tag).Str("strdump", dump).Msg("filter dump")
			return v, nil
		}), nil

	case "validate":
		if err := want(1); err != nil {
			return nil, err
		}
		valid := splitOnDelimiters(strings.ToLower(args[0]))
		return filterFunc(func(v string, _ *filterEnv) (string, error) {
			have := make(map[string]bool)
			for _, p := range splitOnDelimiters(strings.ToLower(v)) {
				have[strings.TrimSpace(p)] = true
			}
			var out []string
			seen := make(map[string]bool)
			for _, p := range valid {
				p = strings.TrimSpace(p)
				if have[p] && !seen[p] {
					out = append(out, p)
					seen[p] = true
				}
			}
			return strings.Join(out, ", "), nil
		}), nil
	}
	return nil, fmt.Errorf("unknown filter %q", name)
}

var groupRefRe = regexp.MustCompile(`\$(\d+)`)

// dotNetReplacement rewrites $1-style group references to ${1} so that text
// following a group number is not read as part of a group name.
func dotNetReplacement(s string) string {
	return groupRefRe.ReplaceAllString(s, "$${$1}")
}

// queryArgument returns the named argument of a URL or bare query string.
func queryArgument(s, name string) string {
	if i := strings.IndexByte(s, '?'); i >= 0 {
		s = s[i+1:]
	}
	q, err := url.ParseQuery(s)
	if err != nil && len(q) == 0 {
		return ""
	}
	return q.Get(name)
}

// urlEncode form-encodes s in the site's character encoding.
func urlEncode(s string, enc encoding.Encoding) string {
	if enc != nil {
		if b, err := enc.NewEncoder().String(s); err == nil {
			s = b
		}
	}
	return url.QueryEscape(s)
}

// urlDecode reverses urlEncode. Undecodable input is returned unchanged.
func urlDecode(s string, enc encoding.Encoding) string {
	raw, err := url.QueryUnescape(s)
	if err != nil {
		return s
	}
	if enc != nil {
		if d, err := enc.NewDecoder().String(raw); err == nil {
			return d
		}
	}
	return raw
}

func validFileName(s string) string {
	return strings.Map(func(r rune) rune {
		if r < 32 || strings.ContainsRune(`<>:"/\|?*`, r) {
			return '_'
		}
		return r
	}, s)
}

// stripDiacritics removes combining marks and transliterates the Latin letters
// that do not decompose, so "ŠĐĆŽ" becomes "SDCZ".
func stripDiacritics(s string) (string, error) {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	for _, r := range out {
		if r > unicode.MaxASCII && unicode.Is(unicode.Latin, r) {
			sb.WriteString(unidecode.Unidecode(string(r)))
			continue
		}
		sb.WriteRune(r)
	}
	return sb.String(), nil
}
