package cardigann

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"unicode"

	"github.com/dustin/go-humanize"
)

var digitRunRe = regexp.MustCompile(`\d+`)

// normalizeNumber strips everything but digits and separators from s and folds
// thousands separators so that both "1,234.5" and "1.234,5" read as 1234.5.
func normalizeNumber(s string) string {
	s = strings.TrimSpace(s)
	if s == "-" || s == "" {
		return "0"
	}
	var sb strings.Builder
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9', r == '.':
			sb.WriteRune(r)
		case r == ',':
			sb.WriteByte('.')
		}
	}
	out := sb.String()
	// only the last separator is the decimal point
	if i := strings.LastIndexByte(out, '.'); i >= 0 {
		out = strings.ReplaceAll(out[:i], ".", "") + out[i:]
	}
	if out == "" || out == "." {
		return "0"
	}
	return out
}

// coerceFloat parses a locale-tolerant number.
func coerceFloat(s string) (float64, error) {
	f, err := strconv.ParseFloat(normalizeNumber(s), 64)
	if err != nil {
		return 0, fmt.Errorf("not a number: %q", s)
	}
	return f, nil
}

// normalizeInteger strips everything but digits from s. A lone kind of
// separator is grouping, so "2,222" and "2.222" both read as 2222. When both
// kinds appear the last one is the decimal point and the fraction is dropped.
func normalizeInteger(s string) string {
	s = strings.TrimSpace(s)
	if strings.ContainsRune(s, '.') && strings.ContainsRune(s, ',') {
		out := normalizeNumber(s)
		if i := strings.IndexByte(out, '.'); i >= 0 {
			out = out[:i]
		}
		if out == "" {
			return "0"
		}
		return out
	}
	var sb strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			sb.WriteRune(r)
		}
	}
	if sb.Len() == 0 {
		return "0"
	}
	return sb.String()
}

// coerceInt64 parses a locale-tolerant integer.
func coerceInt64(s string) (int64, error) {
	n, err := strconv.ParseInt(normalizeInteger(s), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("not an integer: %q", s)
	}
	return n, nil
}

// coerceInt parses a locale-tolerant integer.
func coerceInt(s string) (int, error) {
	n, err := coerceInt64(s)
	return int(n), err
}

// firstDigits returns the first run of digits in s, e.g. 1234 for "tt0001234".
func firstDigits(s string) (int64, bool) {
	m := digitRunRe.FindString(s)
	if m == "" {
		return 0, false
	}
	n, err := strconv.ParseInt(m, 10, 64)
	return n, err == nil
}

// parseBytes converts a size such as "1.5 GB" or "700MiB" to bytes using binary multiples.
func parseBytes(s string) (int64, error) {
	var num, unit strings.Builder
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9', r == '.', r == ',':
			num.WriteRune(r)
		case unicode.IsLetter(r):
			unit.WriteRune(r)
		}
	}
	if num.Len() == 0 {
		return 0, fmt.Errorf("no size in %q", s)
	}
	val, err := coerceFloat(num.String())
	if err != nil {
		return 0, err
	}
	// every unit is read as a binary multiple, so "GB" becomes "GiB"
	var prefix string
	for _, r := range strings.ToLower(unit.String()) {
		if strings.ContainsRune("kmgtpe", r) {
			prefix = string(r) + "ib"
			break
		}
	}
	n, err := humanize.ParseBytes(strconv.FormatFloat(val, 'f', -1, 64) + " " + prefix)
	if err != nil {
		return 0, fmt.Errorf("parse size %q: %w", s, err)
	}
	return int64(n), nil
}
