package cardigann

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// decodeJSON decodes a document keeping numbers exact.
func decodeJSON(body []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("failed to parse JSON: %w", err)
	}
	return doc, nil
}

// selectPath navigates through the data structure using a dot path.
// Supports: object.field, array[0], object.nested.field, an optional leading "$."
func selectPath(data any, path string) (any, error) {
	if data == nil {
		return nil, fmt.Errorf("nil data")
	}
	path = strings.TrimPrefix(strings.TrimPrefix(path, "$"), ".")
	if path == "" {
		return data, nil
	}

	current := data
	for _, seg := range parsePath(path) {
		if current == nil {
			return nil, fmt.Errorf("null value at path segment: %s", seg)
		}

		if idx, isIndex := parseArrayIndex(seg); isIndex {
			arr, ok := current.([]any)
			if !ok {
				return nil, fmt.Errorf("expected array at %s", seg)
			}
			if idx < 0 {
				idx = len(arr) + idx
			}
			if idx < 0 || idx >= len(arr) {
				return nil, fmt.Errorf("array index out of bounds: %d", idx)
			}
			current = arr[idx]
			continue
		}

		obj, ok := current.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("cannot access field %s on %T", seg, current)
		}
		val, exists := obj[seg]
		if !exists {
			return nil, fmt.Errorf("key not found: %s", seg)
		}
		current = val
	}
	return current, nil
}

// parsePath splits a dot-notation path into segments.
func parsePath(path string) []string {
	var segments []string
	var current strings.Builder

	inBracket := false
	for _, r := range path {
		switch r {
		case '.':
			if inBracket {
				current.WriteRune(r)
			} else if current.Len() > 0 {
				segments = append(segments, current.String())
				current.Reset()
			}
		case '[':
			if current.Len() > 0 {
				segments = append(segments, current.String())
				current.Reset()
			}
			inBracket = true
		case ']':
			if inBracket && current.Len() > 0 {
				segments = append(segments, strings.Trim(current.String(), `'"`))
				current.Reset()
			}
			inBracket = false
		default:
			current.WriteRune(r)
		}
	}
	if current.Len() > 0 {
		segments = append(segments, current.String())
	}
	return segments
}

func parseArrayIndex(seg string) (int, bool) {
	if idx, err := strconv.Atoi(seg); err == nil {
		return idx, true
	}
	return 0, false
}

// jsonString renders a JSON value the way field selectors see it: arrays are
// comma-joined and booleans read "True"/"False".
func jsonString(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case json.Number:
		return val.String()
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case bool:
		if val {
			return "True"
		}
		return "False"
	case []any:
		parts := make([]string, len(val))
		for i, x := range val {
			parts[i] = jsonString(x)
		}
		return strings.Join(parts, ",")
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprint(val)
		}
		return string(b)
	}
}

type jsonPseudo struct {
	name string
	arg  string
}

// splitJSONSelector separates "path:has(x):not(y)" into the path and its pseudo filters.
func splitJSONSelector(sel string) (string, []jsonPseudo) {
	i := strings.IndexByte(sel, ':')
	if i < 0 {
		return sel, nil
	}
	base, rest := sel[:i], sel[i:]
	var out []jsonPseudo
	for len(rest) > 0 && rest[0] == ':' {
		open := strings.IndexByte(rest, '(')
		if open < 0 {
			break
		}
		depth, end := 0, -1
		for j := open; j < len(rest); j++ {
			switch rest[j] {
			case '(':
				depth++
			case ')':
				depth--
				if depth == 0 {
					end = j
				}
			}
			if end >= 0 {
				break
			}
		}
		if end < 0 {
			break
		}
		out = append(out, jsonPseudo{name: rest[1:open], arg: rest[open+1 : end]})
		rest = rest[end+1:]
	}
	return base, out
}

// matchJSONSelector reports whether obj satisfies sel's path and pseudo filters.
func matchJSONSelector(obj any, sel string) bool {
	base, pseudos := splitJSONSelector(sel)
	target := obj
	if strings.TrimSpace(base) != "" {
		v, err := selectPath(obj, base)
		if err != nil || v == nil {
			return false
		}
		target = v
	}
	for _, p := range pseudos {
		switch p.name {
		case "has":
			if !matchJSONSelector(target, p.arg) {
				return false
			}
		case "not":
			if matchJSONSelector(target, p.arg) {
				return false
			}
		case "contains":
			b, _ := json.Marshal(target)
			if !strings.Contains(string(b), p.arg) {
				return false
			}
		default:
			return false
		}
	}
	return true
}

// selectJSONRows returns the array at the selector's path, filtered by its pseudo filters.
func selectJSONRows(doc any, sel string) ([]any, error) {
	base, _ := splitJSONSelector(sel)
	v, err := selectPath(doc, base)
	if err != nil {
		return nil, err
	}
	arr, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("rows selector %q is not an array", sel)
	}
	filter := sel[len(base):]
	if filter == "" {
		return arr, nil
	}
	rows := make([]any, 0, len(arr))
	for _, row := range arr {
		if matchJSONSelector(row, filter) {
			rows = append(rows, row)
		}
	}
	return rows, nil
}
