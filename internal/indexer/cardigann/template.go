package cardigann

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"unicode"

	"gopkg.in/yaml.v3"
)

// Vars is the variable environment templates are expanded against. Keys are
// dotted names such as ".Query.Q"; values are nil, string or []string.
type Vars map[string]any

// Sentinel values of the .True and .False variables.
const (
	trueVar  = ".True"
	falseVar = ".False"
	trueVal  = "True"
)

// Clone returns a shallow copy; list values are shared.
func (v Vars) Clone() Vars {
	out := make(Vars, len(v)+16)
	for k, val := range v {
		out[k] = val
	}
	return out
}

// String returns the string value of name, joining lists with commas.
func (v Vars) String(name string) string {
	return valueString(v[name])
}

// List returns the list value of name. A string is a one-element list.
func (v Vars) List(name string) []string {
	return valueList(v[name])
}

func valueString(val any) string {
	switch x := val.(type) {
	case nil:
		return ""
	case string:
		return x
	case []string:
		return strings.Join(x, ",")
	default:
		return fmt.Sprint(x)
	}
}

func valueList(val any) []string {
	switch x := val.(type) {
	case nil:
		return nil
	case []string:
		return x
	case string:
		return []string{x}
	default:
		return []string{fmt.Sprint(x)}
	}
}

// isEmpty is the truthiness test shared by if, and and or.
func isEmpty(val any) bool {
	switch x := val.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(x) == ""
	case []string:
		return len(x) == 0
	default:
		return false
	}
}

// Modifier post-processes every value a template substitutes, e.g. URL-encoding.
type Modifier func(string) string

// Template is a compiled template string.
type Template struct {
	src   string
	nodes []node
}

// Compile parses src into a template. Strings without markers compile to a literal.
func Compile(src string) (*Template, error) {
	t := &Template{src: src}
	if !strings.Contains(src, "{{") {
		t.nodes = []node{textNode(src)}
		return t, nil
	}
	p := &parser{src: src}
	nodes, term, err := p.parseList()
	if err != nil {
		return nil, fmt.Errorf("template %q: %w", src, err)
	}
	if term != "" {
		return nil, fmt.Errorf("template %q: unexpected {{%s}}", src, term)
	}
	t.nodes = nodes
	return t, nil
}

// MustCompile is Compile that panics on error.
func MustCompile(src string) *Template {
	t, err := Compile(src)
	if err != nil {
		panic(err)
	}
	return t
}

// String returns the template source.
func (t *Template) String() string {
	if t == nil {
		return ""
	}
	return t.src
}

// IsLiteral reports whether the template contains no actions.
func (t *Template) IsLiteral() bool {
	if t == nil {
		return true
	}
	for _, n := range t.nodes {
		if _, ok := n.(textNode); !ok {
			return false
		}
	}
	return true
}

// Expand evaluates the template against vars. mod, when non-nil, is applied to
// every substituted value but not to literal text.
func (t *Template) Expand(vars Vars, mod Modifier) string {
	if t == nil {
		return ""
	}
	var sb strings.Builder
	s := &scope{vars: vars, mod: mod}
	for _, n := range t.nodes {
		n.render(&sb, s)
	}
	return sb.String()
}

// UnmarshalYAML compiles a scalar node.
func (t *Template) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: template must be a string", value.Line)
	}
	c, err := Compile(value.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	*t = *c
	return nil
}

type scope struct {
	vars  Vars
	mod   Modifier
	dot   *string
	index map[string]string
}

func (s *scope) apply(v string) string {
	if s.mod == nil {
		return v
	}
	return s.mod(v)
}

type node interface {
	render(sb *strings.Builder, s *scope)
}

type textNode string

func (n textNode) render(sb *strings.Builder, _ *scope) { sb.WriteString(string(n)) }

type exprNode struct{ e expr }

func (n exprNode) render(sb *strings.Builder, s *scope) {
	sb.WriteString(s.apply(valueString(n.e.eval(s))))
}

type reReplaceNode struct {
	name string
	re   *regexp.Regexp
	repl string
}

func (n reReplaceNode) render(sb *strings.Builder, s *scope) {
	sb.WriteString(s.apply(n.re.ReplaceAllString(s.vars.String(n.name), n.repl)))
}

type joinNode struct {
	name  string
	delim string
}

func (n joinNode) render(sb *strings.Builder, s *scope) {
	sb.WriteString(s.apply(strings.Join(s.vars.List(n.name), n.delim)))
}

type ifNode struct {
	cond      expr
	then      []node
	otherwise []node
}

func (n ifNode) render(sb *strings.Builder, s *scope) {
	branch := n.otherwise
	if !isEmpty(n.cond.eval(s)) {
		branch = n.then
	}
	for _, c := range branch {
		c.render(sb, s)
	}
}

type rangeNode struct {
	name  string
	index string
	elem  string
	body  []node
}

func (n rangeNode) render(sb *strings.Builder, s *scope) {
	for i, v := range s.vars.List(n.name) {
		inner := &scope{vars: s.vars, mod: s.mod, index: map[string]string{}}
		for k, val := range s.index {
			inner.index[k] = val
		}
		elem := s.apply(v)
		inner.dot = &elem
		if n.index != "" {
			inner.index[n.index] = strconv.Itoa(i)
		}
		if n.elem != "" {
			inner.index[n.elem] = elem
		}
		for _, c := range n.body {
			c.render(sb, inner)
		}
	}
}

type dotNode struct{}

func (dotNode) render(sb *strings.Builder, s *scope) {
	if s.dot != nil {
		sb.WriteString(*s.dot)
	}
}

type localNode string

func (n localNode) render(sb *strings.Builder, s *scope) {
	sb.WriteString(s.index[string(n)])
}

// expr is a logic expression; evaluation yields a variable value.
type expr interface {
	eval(s *scope) any
}

type refExpr string

func (e refExpr) eval(s *scope) any {
	if string(e) == "." {
		if s.dot == nil {
			return nil
		}
		return *s.dot
	}
	if strings.HasPrefix(string(e), "$") {
		return s.index[string(e)]
	}
	return s.vars[string(e)]
}

type literalExpr string

func (e literalExpr) eval(*scope) any { return string(e) }

type logicExpr struct {
	fn   string
	args []expr
}

func (e logicExpr) eval(s *scope) any {
	switch e.fn {
	case "and", "or":
		// and stops at the first empty operand, or at the first non-empty one; else the last
		wantEmpty := e.fn == "and"
		var last any
		for _, a := range e.args {
			last = a.eval(s)
			if isEmpty(last) == wantEmpty {
				return last
			}
		}
		return last
	case "eq", "ne":
		a, b := e.args[0].eval(s), e.args[1].eval(s)
		equal := a == nil && b == nil || a != nil && b != nil && valueString(a) == valueString(b)
		if equal == (e.fn == "eq") {
			return s.vars[trueVar]
		}
		return s.vars[falseVar]
	}
	return nil
}

// parser builds the node tree of one template string.
type parser struct {
	src string
	pos int
}

// parseList parses nodes until an else or end action, which it returns as term.
func (p *parser) parseList() (nodes []node, term string, err error) {
	for p.pos < len(p.src) {
		start := strings.Index(p.src[p.pos:], "{{")
		if start < 0 {
			nodes = append(nodes, textNode(p.src[p.pos:]))
			p.pos = len(p.src)
			break
		}
		if start > 0 {
			nodes = append(nodes, textNode(p.src[p.pos:p.pos+start]))
		}
		open := p.pos + start + 2
		end := strings.Index(p.src[open:], "}}")
		if end < 0 {
			return nil, "", fmt.Errorf("unclosed action at offset %d", p.pos+start)
		}
		action := strings.TrimSpace(p.src[open : open+end])
		p.pos = open + end + 2

		toks, err := tokenize(action)
		if err != nil {
			return nil, "", err
		}
		if len(toks) == 0 {
			return nil, "", fmt.Errorf("empty action at offset %d", open-2)
		}

		switch toks[0] {
		case "end":
			return nodes, "end", nil
		case "else":
			return nodes, action, nil
		case "if":
			n, err := p.parseIf(toks[1:])
			if err != nil {
				return nil, "", err
			}
			nodes = append(nodes, n)
		case "range":
			n, err := p.parseRange(toks[1:])
			if err != nil {
				return nil, "", err
			}
			nodes = append(nodes, n)
		case "re_replace":
			if len(toks) != 4 || !isVar(toks[1]) || !isLiteral(toks[2]) || !isLiteral(toks[3]) {
				return nil, "", fmt.Errorf("re_replace wants a variable, a pattern and a replacement: %q", action)
			}
			re, err := regexp.Compile(unquote(toks[2]))
			if err != nil {
				return nil, "", fmt.Errorf("re_replace pattern: %w", err)
			}
			nodes = append(nodes, reReplaceNode{name: toks[1], re: re, repl: unquote(toks[3])})
		case "join":
			if len(toks) != 3 || !isVar(toks[1]) || !isLiteral(toks[2]) {
				return nil, "", fmt.Errorf("join wants a variable and a delimiter: %q", action)
			}
			nodes = append(nodes, joinNode{name: toks[1], delim: unquote(toks[2])})
		default:
			if toks[0] == "." && len(toks) == 1 {
				nodes = append(nodes, dotNode{})
				continue
			}
			if strings.HasPrefix(toks[0], "$") && len(toks) == 1 {
				nodes = append(nodes, localNode(toks[0]))
				continue
			}
			e, err := parseExpr(toks)
			if err != nil {
				return nil, "", fmt.Errorf("%q: %w", action, err)
			}
			nodes = append(nodes, exprNode{e: e})
		}
	}
	return nodes, "", nil
}

func (p *parser) parseIf(toks []string) (node, error) {
	cond, err := parseExpr(toks)
	if err != nil {
		return nil, fmt.Errorf("if: %w", err)
	}
	then, term, err := p.parseList()
	if err != nil {
		return nil, err
	}
	n := ifNode{cond: cond, then: then}
	switch {
	case term == "end":
		return n, nil
	case term == "else":
		otherwise, term, err := p.parseList()
		if err != nil {
			return nil, err
		}
		if term != "end" {
			return nil, fmt.Errorf("if: missing {{end}}")
		}
		n.otherwise = otherwise
		return n, nil
	case strings.HasPrefix(term, "else"):
		// else if chains share the outer end
		rest, err := tokenize(strings.TrimSpace(strings.TrimPrefix(term, "else")))
		if err != nil {
			return nil, err
		}
		if len(rest) == 0 || rest[0] != "if" {
			return nil, fmt.Errorf("if: unexpected {{%s}}", term)
		}
		inner, err := p.parseIf(rest[1:])
		if err != nil {
			return nil, err
		}
		n.otherwise = []node{inner}
		return n, nil
	default:
		return nil, fmt.Errorf("if: missing {{end}}")
	}
}

func (p *parser) parseRange(toks []string) (node, error) {
	n := rangeNode{}
	// range $i, $e := .Var
	if len(toks) == 5 && toks[1] == "," && toks[3] == ":=" {
		n.index, n.elem = toks[0], toks[2]
		toks = toks[4:]
	} else if len(toks) == 3 && toks[1] == ":=" {
		n.elem = toks[0]
		toks = toks[2:]
	}
	if len(toks) != 1 || !isVar(toks[0]) {
		return nil, fmt.Errorf("range wants a list variable")
	}
	n.name = toks[0]
	body, term, err := p.parseList()
	if err != nil {
		return nil, err
	}
	if term != "end" {
		return nil, fmt.Errorf("range: missing {{end}}")
	}
	n.body = body
	return n, nil
}

func parseExpr(toks []string) (expr, error) {
	e, rest, err := parseOperand(toks)
	if err != nil {
		return nil, err
	}
	if len(rest) > 0 {
		return nil, fmt.Errorf("unexpected %q", rest[0])
	}
	return e, nil
}

func parseOperand(toks []string) (expr, []string, error) {
	if len(toks) == 0 {
		return nil, nil, fmt.Errorf("missing operand")
	}
	tok := toks[0]
	switch {
	case tok == "(":
		e, rest, err := parseOperand(toks[1:])
		if err != nil {
			return nil, nil, err
		}
		if len(rest) == 0 || rest[0] != ")" {
			return nil, nil, fmt.Errorf("missing )")
		}
		return e, rest[1:], nil
	case isVar(tok) || tok == "." || strings.HasPrefix(tok, "$"):
		return refExpr(tok), toks[1:], nil
	case isLiteral(tok):
		return literalExpr(unquote(tok)), toks[1:], nil
	case tok == "eq" || tok == "ne":
		a, rest, err := parseOperand(toks[1:])
		if err != nil {
			return nil, nil, fmt.Errorf("%s: %w", tok, err)
		}
		b, rest, err := parseOperand(rest)
		if err != nil {
			return nil, nil, fmt.Errorf("%s: %w", tok, err)
		}
		return logicExpr{fn: tok, args: []expr{a, b}}, rest, nil
	case tok == "and" || tok == "or":
		e := logicExpr{fn: tok}
		rest := toks[1:]
		for len(rest) > 0 && rest[0] != ")" {
			var a expr
			var err error
			a, rest, err = parseOperand(rest)
			if err != nil {
				return nil, nil, fmt.Errorf("%s: %w", tok, err)
			}
			// string literals are not valid and/or operands and are dropped
			if _, lit := a.(literalExpr); lit {
				continue
			}
			e.args = append(e.args, a)
		}
		if len(e.args) == 0 {
			return nil, nil, fmt.Errorf("%s: no variable operands", tok)
		}
		return e, rest, nil
	default:
		return nil, nil, fmt.Errorf("unknown function %q", tok)
	}
}

func tokenize(action string) ([]string, error) {
	var toks []string
	for i := 0; i < len(action); {
		c := action[i]
		switch {
		case unicode.IsSpace(rune(c)):
			i++
		case c == '(' || c == ')' || c == ',':
			toks = append(toks, string(c))
			i++
		case c == ':' && i+1 < len(action) && action[i+1] == '=':
			toks = append(toks, ":=")
			i += 2
		case c == '"':
			j := i + 1
			for j < len(action) && action[j] != '"' {
				if action[j] == '\\' && j+1 < len(action) && action[j+1] == '"' {
					j++
				}
				j++
			}
			if j >= len(action) {
				return nil, fmt.Errorf("unterminated string in %q", action)
			}
			toks = append(toks, action[i:j+1])
			i = j + 1
		default:
			j := i
			for j < len(action) && !unicode.IsSpace(rune(action[j])) && !strings.ContainsRune("(),\"", rune(action[j])) &&
				!(action[j] == ':' && j+1 < len(action) && action[j+1] == '=') {
				j++
			}
			toks = append(toks, action[i:j])
			i = j
		}
	}
	return toks, nil
}

func isVar(tok string) bool { return len(tok) > 1 && tok[0] == '.' }

func isLiteral(tok string) bool { return len(tok) >= 2 && tok[0] == '"' && tok[len(tok)-1] == '"' }

func unquote(tok string) string {
	return strings.ReplaceAll(tok[1:len(tok)-1], `\"`, `"`)
}
