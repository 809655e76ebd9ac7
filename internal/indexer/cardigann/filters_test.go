package cardigann

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/text/encoding/charmap"
	"gopkg.in/yaml.v3"
)

func mustFilter(t *testing.T, name string, args ...string) Filter {
	t.Helper()
	f, err := NewFilter(name, args...)
	require.NoError(t, err)
	return f
}

var filterNow = time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC)

func testFilterEnv() *filterEnv {
	return &filterEnv{
		vars:   testVars(),
		now:    func() time.Time { return filterNow },
		logger: zerolog.Nop(),
	}
}

func TestApplyFilters(t *testing.T) {
	tests := []struct {
		name    string
		value   string
		filters [][]string
		want    string
	}{
		{name: "no filters", value: "hello", want: "hello"},
		{name: "replace", value: "hello world", filters: [][]string{{"replace", "world", "there"}}, want: "hello there"},
		{name: "replace with template", value: "/dl/1", filters: [][]string{{"replace", "/dl/", "{{ .Config.sitelink }}dl/"}}, want: "https://tracker.example/dl/1"},
		{name: "chained trim and tolower", value: "  HELLO WORLD  ", filters: [][]string{{"trim"}, {"tolower"}}, want: "hello world"},
		{name: "trim cutset", value: "--x--", filters: [][]string{{"trim", "-"}}, want: "x"},
		{name: "toupper", value: "abc", filters: [][]string{{"toupper"}}, want: "ABC"},
		{name: "prepend and append", value: "middle", filters: [][]string{{"prepend", "start-"}, {"append", "-end"}}, want: "start-middle-end"},
		{name: "prepend variable", value: "details.php", filters: [][]string{{"prepend", "{{ .Config.sitelink }}"}}, want: "https://tracker.example/details.php"},
		{name: "regexp first group", value: "42 seeders", filters: [][]string{{"regexp", `(\d+) seeders`}}, want: "42"},
		{name: "regexp no match", value: "none here", filters: [][]string{{"regexp", `(\d+)`}}, want: ""},
		{name: "re_replace with groups", value: "hello world", filters: [][]string{{"re_replace", `(\w+) (\w+)`, "$2 $1"}}, want: "world hello"},
		{name: "split", value: "a/b/c", filters: [][]string{{"split", "/", "1"}}, want: "b"},
		{name: "split negative index", value: "a/b/c", filters: [][]string{{"split", "/", "-1"}}, want: "c"},
		{name: "querystring from url", value: "details.php?id=123&x=1", filters: [][]string{{"querystring", "id"}}, want: "123"},
		{name: "querystring missing", value: "details.php?x=1", filters: [][]string{{"querystring", "id"}}, want: ""},
		{name: "urlencode", value: "a b&c", filters: [][]string{{"urlencode"}}, want: "a+b%26c"},
		{name: "urldecode", value: "a+b%26c", filters: [][]string{{"urldecode"}}, want: "a b&c"},
		{name: "htmldecode", value: "Tom &amp; Jerry", filters: [][]string{{"htmldecode"}}, want: "Tom & Jerry"},
		{name: "htmlencode", value: "<b>", filters: [][]string{{"htmlencode"}}, want: "&lt;b&gt;"},
		{name: "validfilename", value: `a:b/c?`, filters: [][]string{{"validfilename"}}, want: "a_b_c_"},
		{name: "diacritics", value: "Crème Brûlée", filters: [][]string{{"diacritics", "replace"}}, want: "Creme Brulee"},
		{name: "diacritics transliterates stroked letters", value: "ŠĐĆŽ", filters: [][]string{{"diacritics", "replace"}}, want: "SDCZ"},
		{name: "jsonjoinarray", value: `{"genres":["Action","Drama"]}`, filters: [][]string{{"jsonjoinarray", "$.genres", ", "}}, want: "Action, Drama"},
		{name: "validate keeps allowed words in allowlist order", value: "Movie 720p 1080p x264", filters: [][]string{{"validate", "1080p, 720p"}}, want: "1080p, 720p"},
		{name: "validate drops everything else", value: "Movie x264", filters: [][]string{{"validate", "1080p"}}, want: ""},
		{name: "dateparse", value: "2021-03-04", filters: [][]string{{"dateparse", "2006-01-02"}}, want: "Thu, 04 Mar 2021 00:00:00 +0000"},
		{name: "dateparse failure keeps value", value: "garbage", filters: [][]string{{"dateparse", "2006-01-02"}}, want: "garbage"},
		{name: "timeago", value: "2 hours ago", filters: [][]string{{"timeago"}}, want: "Sat, 15 Jun 2024 10:00:00 +0000"},
		{name: "fuzzytime today", value: "today 10:30", filters: [][]string{{"fuzzytime"}}, want: "Sat, 15 Jun 2024 10:30:00 +0000"},
		{name: "fuzzytime unix timestamp", value: "1609459200", filters: [][]string{{"fuzzytime"}}, want: "Fri, 01 Jan 2021 00:00:00 +0000"},
		{name: "dump filters pass through", value: "x\ny", filters: [][]string{{"strdump", "tag"}, {"hexdump"}}, want: "x\ny"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			filters := make([]Filter, 0, len(tt.filters))
			for _, f := range tt.filters {
				filters = append(filters, mustFilter(t, f[0], f[1:]...))
			}
			got, err := applyFilters(tt.value, filters, testFilterEnv())
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestApplyFilters_Errors(t *testing.T) {
	tests := []struct {
		name   string
		value  string
		filter Filter
	}{
		{name: "split out of range", value: "a/b", filter: mustFilter(t, "split", "/", "5")},
		{name: "jsonjoinarray on non JSON", value: "nope", filter: mustFilter(t, "jsonjoinarray", "$.a", ",")},
		{name: "jsonjoinarray on non array", value: `{"a":1}`, filter: mustFilter(t, "jsonjoinarray", "$.a", ",")},
		{name: "timeago unknown unit", value: "3 fortnights ago", filter: mustFilter(t, "timeago")},
		{name: "fuzzytime garbage", value: "not a date", filter: mustFilter(t, "fuzzytime")},
		{name: "uninitialised filter", value: "x", filter: Filter{Name: "trim"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := applyFilters(tt.value, []Filter{tt.filter}, testFilterEnv())
			assert.Error(t, err)
		})
	}
}

func TestApplyFilters_NilEnv(t *testing.T) {
	got, err := applyFilters(" x ", []Filter{mustFilter(t, "trim")}, nil)
	require.NoError(t, err)
	assert.Equal(t, "x", got)
}

func TestApplyFilters_SiteEncoding(t *testing.T) {
	env := testFilterEnv()
	env.enc = charmap.Windows1251

	got, err := applyFilters("тест", []Filter{mustFilter(t, "urlencode")}, env)
	require.NoError(t, err)
	assert.Equal(t, "%F2%E5%F1%F2", got)

	back, err := applyFilters(got, []Filter{mustFilter(t, "urldecode")}, env)
	require.NoError(t, err)
	assert.Equal(t, "тест", back)
}

func TestNewFilter_Errors(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{name: "nosuchfilter"},
		{name: "replace", args: []string{"only-one"}},
		{name: "regexp", args: []string{"("}},
		{name: "re_replace", args: []string{"[", "x"}},
		{name: "split", args: []string{"/", "one"}},
		{name: "split", args: []string{"", "1"}},
		{name: "querystring"},
		{name: "diacritics", args: []string{"remove"}},
		{name: "dateparse"},
		{name: "append", args: []string{"{{ if .X }}"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewFilter(tt.name, tt.args...)
			assert.Error(t, err)
		})
	}
}

func TestFilter_UnmarshalYAML(t *testing.T) {
	var doc struct {
		Filters []Filter `yaml:"filters"`
	}
	src := `
filters:
  - name: replace
    args: ["a", "b"]
  - name: trim
  - name: split
    args: ["/", 1]
  - name: querystring
    args: id
`
	require.NoError(t, yaml.Unmarshal([]byte(src), &doc))
	require.Len(t, doc.Filters, 4)
	assert.Equal(t, []string{"a", "b"}, doc.Filters[0].Args)
	assert.Empty(t, doc.Filters[1].Args)
	assert.Equal(t, []string{"/", "1"}, doc.Filters[2].Args)
	assert.Equal(t, []string{"id"}, doc.Filters[3].Args)

	got, err := applyFilters("x/a", doc.Filters[:3], nil)
	require.NoError(t, err)
	assert.Equal(t, "b", got)

	err = yaml.Unmarshal([]byte("filters:\n  - name: bogus\n"), &doc)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bogus")

	err = yaml.Unmarshal([]byte("filters:\n  - name: replace\n    args: [[1], 2]\n"), &doc)
	assert.Error(t, err)
}

func TestParseBytes(t *testing.T) {
	tests := []struct {
		in   string
		want int64
	}{
		{in: "1.5 GB", want: 1610612736},
		{in: "1.5GB", want: 1610612736},
		{in: "1,5 GB", want: 1610612736},
		{in: "700MiB", want: 734003200},
		{in: "2 KB", want: 2048},
		{in: "1 TB", want: 1099511627776},
		{in: "123", want: 123},
		{in: "1.234,5 MB", want: 1294467072},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := parseBytes(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := parseBytes("GB")
	assert.Error(t, err)
}

func TestCoerceInt(t *testing.T) {
	tests := []struct {
		in   string
		want int
	}{
		{in: "2,222", want: 2222},
		{in: "2.222", want: 2222},
		{in: "2,22", want: 222},
		{in: "1 234", want: 1234},
		{in: "1.234,56", want: 1234},
		{in: "1,234.56", want: 1234},
		{in: "Seeders: 17", want: 17},
		{in: "-", want: 0},
		{in: "", want: 0},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := coerceInt(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCoerceNumbers(t *testing.T) {
	tests := []struct {
		in   string
		want float64
	}{
		{in: "42", want: 42},
		{in: "1.234,5", want: 1234.5},
		{in: "1,234.5", want: 1234.5},
		{in: "1 024", want: 1024},
		{in: "-", want: 0},
		{in: "", want: 0},
		{in: "Seeders: 17", want: 17},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := coerceFloat(tt.in)
			require.NoError(t, err)
			assert.InDelta(t, tt.want, got, 1e-9)
		})
	}

	id, ok := firstDigits("tt0001234")
	require.True(t, ok)
	assert.Equal(t, int64(1234), id)

	_, ok = firstDigits("none")
	assert.False(t, ok)
}

func TestFromUnknown(t *testing.T) {
	tests := []struct {
		in   string
		want time.Time
	}{
		{in: "now", want: filterNow},
		{in: "yesterday 10:00", want: time.Date(2024, 6, 14, 10, 0, 0, 0, time.UTC)},
		{in: "Today, 08:30", want: time.Date(2024, 6, 15, 8, 30, 0, 0, time.UTC)},
		{in: "tomorrow", want: time.Date(2024, 6, 16, 0, 0, 0, 0, time.UTC)},
		{in: "3 days ago", want: filterNow.Add(-72 * time.Hour)},
		{in: "1 day 2 hours ago", want: filterNow.Add(-26 * time.Hour)},
		{in: "Monday at 13:45", want: time.Date(2024, 6, 10, 13, 45, 0, 0, time.UTC)},
		{in: "2024-01-02 03:04:05", want: time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)},
		{in: "12-25 10:00", want: time.Date(2024, 12, 25, 10, 0, 0, 0, time.UTC)},
		{in: "3rd March 2023", want: time.Date(2023, 3, 3, 0, 0, 0, 0, time.UTC)},
		{in: "1718452800", want: time.Unix(1718452800, 0).UTC()},
		{in: "Sat, 15 Jun 2024 09:00:00 +0000", want: time.Date(2024, 6, 15, 9, 0, 0, 0, time.UTC)},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := fromUnknown(tt.in, filterNow)
			require.NoError(t, err)
			assert.True(t, tt.want.Equal(got), "got %s, want %s", got, tt.want)
		})
	}

	_, err := fromUnknown("definitely not a date", filterNow)
	assert.Error(t, err)
}
