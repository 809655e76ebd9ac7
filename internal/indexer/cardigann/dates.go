package cardigann

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var (
	timeAgoRe      = regexp.MustCompile(`(?i)\bago`)
	todayRe        = regexp.MustCompile(`(?i)\btoday(?:[\s,]+(?:at)?\s*|[\s,]*|$)`)
	tomorrowRe     = regexp.MustCompile(`(?i)\btomorrow(?:[\s,]+(?:at)?\s*|[\s,]*|$)`)
	yesterdayRe    = regexp.MustCompile(`(?i)\byesterday(?:[\s,]+(?:at)?\s*|[\s,]*|$)`)
	weekdayAtRe    = regexp.MustCompile(`(?i)\b(monday|tuesday|wednesday|thursday|friday|saturday|sunday)\s+at\s+`)
	missingYearRe  = regexp.MustCompile(`^(\d{1,2}-\d{1,2})(\s|$)`)
	missingYearRe2 = regexp.MustCompile(`^(\d{1,2}\s+\w{3})\s+(\d{1,2}:\d{1,2}.*)$`)
	ordinalRe      = regexp.MustCompile(`(?i)(\d)(st|nd|rd|th)\b`)
	timeAgoPartRe  = regexp.MustCompile(`\s*?([\d.]+)\s*?([^\d\s.]+)\s*?`)
)

// fuzzyLayouts are tried in order by fromFuzzy. Month-first numeric dates win over day-first.
var fuzzyLayouts = []string{
	time.RFC1123Z,
	time.RFC1123,
	time.RFC3339,
	time.RFC3339Nano,
	time.RFC822Z,
	time.RFC822,
	time.RFC850,
	time.ANSIC,
	"Mon, 2 Jan 2006 15:04:05 -0700",
	"Mon, 2 Jan 2006 15:04:05 MST",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-1-2 15:04:05",
	"2006-1-2 15:04",
	"2006-1-2",
	"2006/1/2 15:04:05",
	"2006/1/2 15:04",
	"2006/1/2",
	"1/2/2006 15:04:05",
	"1/2/2006 3:04:05 PM",
	"1/2/2006 15:04",
	"1/2/2006 3:04 PM",
	"1/2/2006",
	"2.1.2006 15:04:05",
	"2.1.2006 15:04",
	"2.1.2006",
	"2-Jan-2006 15:04",
	"2-Jan-2006",
	"2 Jan 2006 15:04:05",
	"2 Jan 2006 15:04",
	"2 Jan 2006",
	"2 January 2006 15:04",
	"2 January 2006",
	"Jan 2 2006 15:04",
	"Jan 2 2006",
	"Jan 2, 2006 15:04",
	"Jan 2, 2006",
	"January 2 2006",
	"January 2, 2006",
	"Monday, January 2, 2006",
	"Mon Jan 2 2006",
	"Jan 2006",
}

var timeOfDayLayouts = []string{
	"15:04:05",
	"15:04",
	"3:04:05 PM",
	"3:04:05PM",
	"3:04 PM",
	"3:04PM",
	"3 PM",
	"3PM",
}

// parseGoLayout parses value with a Go reference layout.
func parseGoLayout(value, layout string, loc *time.Location) (time.Time, error) {
	t, err := time.ParseInLocation(layout, strings.TrimSpace(value), loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("error parsing date %q with layout %q: %w", value, layout, err)
	}
	return t, nil
}

// fromTimeAgo parses relative durations such as "2 hours 1 day ago".
func fromTimeAgo(s string, now time.Time) (time.Time, error) {
	s = strings.ToLower(s)
	if strings.Contains(s, "now") {
		return now, nil
	}
	s = strings.NewReplacer(",", "", "ago", "", "and", "").Replace(s)

	var ago time.Duration
	for _, m := range timeAgoPartRe.FindAllStringSubmatch(s, -1) {
		val, err := coerceFloat(m[1])
		if err != nil {
			return time.Time{}, err
		}
		unit := m[2]
		var d time.Duration
		switch {
		case strings.Contains(unit, "sec") || unit == "s":
			d = time.Second
		case strings.Contains(unit, "min") || unit == "m":
			d = time.Minute
		case strings.Contains(unit, "hour") || strings.Contains(unit, "hr") || unit == "h":
			d = time.Hour
		case strings.Contains(unit, "day") || unit == "d":
			d = 24 * time.Hour
		case strings.Contains(unit, "week") || strings.Contains(unit, "wk") || unit == "w":
			d = 7 * 24 * time.Hour
		case strings.Contains(unit, "month") || unit == "mo":
			d = 30 * 24 * time.Hour
		case strings.Contains(unit, "year") || unit == "y":
			d = 365 * 24 * time.Hour
		default:
			return time.Time{}, fmt.Errorf("time ago parsing failed, unknown unit: %s", unit)
		}
		ago += time.Duration(val * float64(d))
	}
	return now.Add(-ago), nil
}

// fromUnknown parses dates in whatever shape indexer sites print them.
func fromUnknown(s string, now time.Time) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s != "" && isAllDigits(s) {
		if ts, err := strconv.ParseInt(s, 10, 64); err == nil {
			return time.Unix(ts, 0).In(now.Location()), nil
		}
	}
	if strings.Contains(strings.ToLower(s), "now") {
		return now, nil
	}
	if timeAgoRe.MatchString(s) {
		return fromTimeAgo(s, now)
	}

	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	for _, rel := range []struct {
		re   *regexp.Regexp
		days int
	}{{todayRe, 0}, {yesterdayRe, -1}, {tomorrowRe, 1}} {
		if loc := rel.re.FindStringIndex(s); loc != nil {
			tod, err := parseTimeOfDay(s[:loc[0]] + s[loc[1]:])
			if err != nil {
				return time.Time{}, err
			}
			return midnight.AddDate(0, 0, rel.days).Add(tod), nil
		}
	}

	if m := weekdayAtRe.FindStringSubmatch(s); m != nil {
		tod, err := parseTimeOfDay(strings.Replace(s, m[0], "", 1))
		if err != nil {
			return time.Time{}, err
		}
		want := weekdayOf(strings.ToLower(m[1]))
		dt := midnight.Add(tod)
		for dt.Weekday() != want {
			dt = dt.AddDate(0, 0, -1)
		}
		return dt, nil
	}

	if m := missingYearRe.FindStringSubmatch(s); m != nil {
		s = strings.Replace(s, m[1], strconv.Itoa(now.Year())+"-"+m[1], 1)
	}
	if m := missingYearRe2.FindStringSubmatch(s); m != nil {
		s = m[1] + " " + strconv.Itoa(now.Year()) + " " + m[2]
	}
	return fromFuzzy(s, now)
}

// fromFuzzy tries each known layout, then a bare time of day.
func fromFuzzy(s string, now time.Time) (time.Time, error) {
	s = ordinalRe.ReplaceAllString(strings.Join(strings.Fields(s), " "), "$1")
	for _, layout := range fuzzyLayouts {
		if t, err := time.ParseInLocation(layout, s, now.Location()); err == nil {
			return t, nil
		}
	}
	if tod, err := parseTimeOfDay(s); err == nil && strings.TrimSpace(s) != "" {
		return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location()).Add(tod), nil
	}
	return time.Time{}, fmt.Errorf("date parsing failed for %q", s)
}

func parseTimeOfDay(s string) (time.Duration, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	if s == "" {
		return 0, nil
	}
	for _, layout := range timeOfDayLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute +
				time.Duration(t.Second())*time.Second, nil
		}
	}
	return 0, fmt.Errorf("invalid time of day %q", s)
}

func weekdayOf(name string) time.Weekday {
	for d := time.Sunday; d <= time.Saturday; d++ {
		if strings.EqualFold(d.String(), name) {
			return d
		}
	}
	return time.Sunday
}

func isAllDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
