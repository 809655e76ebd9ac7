package cardigann

import (
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
)

const maxDumpLen = 512

// parseHTML parses an HTML or XML document body.
func parseHTML(body string) (*goquery.Document, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to parse HTML: %w", err)
	}
	return doc, nil
}

// parseXML builds a document from an XML body. The HTML parser would treat
// elements such as <link> as void, so the tree is built from XML tokens.
func parseXML(body string) (*goquery.Document, error) {
	dec := xml.NewDecoder(strings.NewReader(body))
	dec.Strict = false
	dec.AutoClose = xml.HTMLAutoClose
	dec.Entity = xml.HTMLEntity

	root := &html.Node{Type: html.DocumentNode}
	cur := root
	for {
		tok, err := dec.RawToken()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to parse XML: %w", err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			n := &html.Node{Type: html.ElementNode, Data: xmlName(t.Name)}
			for _, a := range t.Attr {
				n.Attr = append(n.Attr, html.Attribute{Key: xmlName(a.Name), Val: a.Value})
			}
			cur.AppendChild(n)
			cur = n
		case xml.EndElement:
			if cur.Parent != nil {
				cur = cur.Parent
			}
		case xml.CharData:
			cur.AppendChild(&html.Node{Type: html.TextNode, Data: string(t)})
		}
	}
	return goquery.NewDocumentFromNode(root), nil
}

func xmlName(n xml.Name) string {
	if n.Space == "" {
		return strings.ToLower(n.Local)
	}
	return strings.ToLower(n.Space + ":" + n.Local)
}

// rootOf returns the top-most element above sel, e.g. <html>.
func rootOf(sel *goquery.Selection) *goquery.Selection {
	if sel.Length() == 0 {
		return sel
	}
	n := sel.Get(0)
	for n.Parent != nil && n.Parent.Type == html.ElementNode {
		n = n.Parent
	}
	return goquery.NewDocumentFromNode(n).Selection
}

// querySelectorAll finds all descendants of sel matching selector. A leading
// ":root" restarts the search from the document root.
func querySelectorAll(sel *goquery.Selection, selector string) *goquery.Selection {
	selector = strings.TrimSpace(selector)
	if rest, ok := strings.CutPrefix(selector, ":root"); ok {
		root := rootOf(sel)
		rest = strings.TrimSpace(rest)
		if rest == "" {
			return root
		}
		return root.Find(rest)
	}
	return sel.Find(selector)
}

// querySelector finds the first descendant of sel matching selector.
func querySelector(sel *goquery.Selection, selector string) *goquery.Selection {
	return querySelectorAll(sel, selector).First()
}

// matches reports whether sel itself matches selector.
func matches(sel *goquery.Selection, selector string) bool {
	if strings.HasPrefix(strings.TrimSpace(selector), ":root") {
		return false
	}
	return sel.Is(selector)
}

func dump(sel *goquery.Selection) string {
	s, err := goquery.OuterHtml(sel)
	if err != nil {
		return "<unprintable>"
	}
	if len(s) > maxDumpLen {
		s = s[:maxDumpLen] + "..."
	}
	return s
}

// resolveHTML resolves a selector block against dom. When the value cannot be
// found it returns found=false, or an error if required.
func resolveHTML(b *SelectorBlock, dom *goquery.Selection, env *filterEnv, required bool) (value string, found bool, err error) {
	if b.Text != nil {
		v, err := applyFilters(b.Text.Expand(env.vars, nil), b.Filters, env)
		return v, err == nil, err
	}

	selection := dom
	if b.Selector != nil {
		s := b.Selector.Expand(env.vars, nil)
		if !matches(dom, s) {
			selection = querySelector(dom, s)
		}
		if selection.Length() == 0 {
			return missing(b, env, required, fmt.Errorf("selector %q didn't match %s", s, dump(dom)))
		}
	}

	if b.Remove != "" {
		querySelectorAll(selection, b.Remove).Remove()
	}

	var raw string
	switch {
	case len(b.Case) > 0:
		hit := false
		for _, c := range b.Case {
			if matches(selection, c.Selector) || querySelector(selection, c.Selector).Length() > 0 {
				raw, hit = c.Value, true
				break
			}
		}
		if !hit {
			return missing(b, env, required, fmt.Errorf("none of the case selectors matched %s", dump(selection)))
		}
	case b.Attribute != "":
		v, ok := selection.Attr(b.Attribute)
		if !ok {
			return missing(b, env, required, fmt.Errorf("attribute %q is not set for element %s", b.Attribute, dump(selection)))
		}
		raw = v
	default:
		raw = selection.Text()
	}

	v, err := applyFilters(strings.TrimSpace(raw), b.Filters, env)
	return v, err == nil, err
}

// resolveJSON resolves a selector block against a decoded JSON object.
func resolveJSON(b *SelectorBlock, obj any, env *filterEnv, required bool) (value string, found bool, err error) {
	if b.Text != nil {
		v, err := applyFilters(b.Text.Expand(env.vars, nil), b.Filters, env)
		return v, err == nil, err
	}

	var raw string
	has := false
	if b.Selector != nil {
		s := strings.TrimLeft(b.Selector.Expand(env.vars, nil), ".")
		base, pseudos := splitJSONSelector(s)
		var sel any
		if len(pseudos) == 0 || matchJSONSelector(obj, s) {
			sel, _ = selectPath(obj, base)
		}
		if sel == nil {
			return missing(b, env, required, fmt.Errorf("selector %q didn't match", s))
		}
		raw, has = jsonString(sel), true
	}

	if len(b.Case) > 0 {
		hit := false
		for _, c := range b.Case {
			if (has && raw == c.Selector) || c.Selector == "*" {
				raw, hit = c.Value, true
				break
			}
		}
		if !hit {
			return missing(b, env, required, fmt.Errorf("none of the case selectors matched %q", raw))
		}
		has = true
	}

	if !has {
		return missing(b, env, required, fmt.Errorf("selector block has neither selector nor text"))
	}
	v, err := applyFilters(strings.TrimSpace(raw), b.Filters, env)
	return v, err == nil, err
}

func missing(b *SelectorBlock, env *filterEnv, required bool, cause error) (string, bool, error) {
	if b.Default != nil {
		return b.Default.Expand(env.vars, nil), true, nil
	}
	if required {
		return "", false, cause
	}
	return "", false, nil
}

// resolveField evaluates a download selector field against dom. found is false
// when the selector matches nothing.
func resolveField(f *SelectorField, dom *goquery.Selection, env *filterEnv) (value string, found bool, err error) {
	selection := querySelector(dom, expandText(f.Selector, env.vars))
	if selection.Length() == 0 {
		return "", false, nil
	}
	var raw string
	if f.Attribute != "" {
		v, ok := selection.Attr(f.Attribute)
		if !ok {
			return "", false, fmt.Errorf("attribute %q is not set for element %s", f.Attribute, dump(selection))
		}
		raw = v
	} else {
		raw = selection.Text()
	}
	v, err := applyFilters(strings.TrimSpace(raw), f.Filters, env)
	return v, err == nil, err
}

// expandText expands src as a template, returning it unchanged if it does not compile.
func expandText(src string, vars Vars) string {
	t, err := Compile(src)
	if err != nil {
		return src
	}
	return t.Expand(vars, nil)
}
