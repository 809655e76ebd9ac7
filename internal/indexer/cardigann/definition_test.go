package cardigann

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/slipstream/indexproxy/internal/indexer/types"
)

const minimalYAML = `
id: minimal
name: Minimal
links: [https://minimal.example/]
caps:
  modes:
    search: [q]
search:
  path: search
  rows:
    selector: tr
  fields:
    title:
      selector: td
`

func TestParseDefinition(t *testing.T) {
	def, err := ParseDefinition([]byte(trackerYAML))
	require.NoError(t, err)

	assert.Equal(t, "testtracker", def.ID)
	assert.Equal(t, "https://tracker.example/", def.GetBaseURL())
	assert.Equal(t, types.PrivacyPublic, def.GetPrivacy())
	assert.False(t, def.HasLogin())
	assert.True(t, def.testLinkTorrent())

	names := make([]string, 0, len(def.Search.Inputs))
	for _, in := range def.Search.Inputs {
		names = append(names, in.Name)
	}
	assert.Equal(t, []string{"q", "cat", "sort", "free"}, names, "inputs keep declaration order")

	require.Len(t, def.Caps.CategoryMappings, 2)
	assert.True(t, def.Caps.CategoryMappings[1].Default)
	require.Len(t, def.Search.Fields, 11)
	assert.Equal(t, "category", def.Search.Fields[0].Name)

	dvf := def.Search.Fields[9]
	assert.Equal(t, "downloadvolumefactor", dvf.Name)
	assert.Equal(t, CaseList{{Selector: "span.free", Value: "0"}, {Selector: "*", Value: "1"}}, dvf.Block.Case)
}

func TestParseDefinition_Privacy(t *testing.T) {
	for typ, want := range map[string]types.Privacy{
		"private":      types.PrivacyPrivate,
		"semi-private": types.PrivacySemiPrivate,
		"public":       types.PrivacyPublic,
		"":             types.PrivacyPublic,
	} {
		def := &Definition{Type: typ}
		assert.Equal(t, want, def.GetPrivacy(), typ)
	}
}

func TestParseDefinition_FieldModifiers(t *testing.T) {
	src := strings.Replace(minimalYAML, "    title:\n      selector: td\n", `    title:
      selector: td.name
    title|append:
      text: " (extended)"
    files|optional:
      selector: td.files
`, 1)
	def, err := ParseDefinition([]byte(src))
	require.NoError(t, err)
	require.Len(t, def.Search.Fields, 3)

	appendField := def.Search.Fields[1]
	assert.Equal(t, "title|append", appendField.Key)
	assert.Equal(t, "title", appendField.Name)
	assert.True(t, appendField.HasModifier("append"))
	assert.False(t, appendField.HasModifier("optional"))
	assert.True(t, def.Search.Fields[2].HasModifier("optional"))
}

func TestParseDefinition_Errors(t *testing.T) {
	tests := []struct {
		name    string
		src     string
		wantMsg string
	}{
		{name: "invalid yaml", src: "id: [unclosed", wantMsg: "failed to parse"},
		{name: "missing id", src: strings.Replace(minimalYAML, "id: minimal", "", 1), wantMsg: "no id"},
		{name: "missing links", src: strings.Replace(minimalYAML, "links: [https://minimal.example/]", "", 1), wantMsg: "no links"},
		{name: "missing search path", src: strings.Replace(minimalYAML, "  path: search\n", "", 1), wantMsg: "no search path"},
		{name: "search mode without q", src: strings.Replace(minimalYAML, "search: [q]", "search: [imdbid]", 1)},
		{name: "unknown login method", src: minimalYAML + "login:\n  method: telepathy\n", wantMsg: "telepathy"},
		{name: "unknown filter", src: strings.Replace(minimalYAML, "      selector: td\n", "      selector: td\n      filters:\n        - name: frobnicate\n", 1)},
		{name: "broken template", src: strings.Replace(minimalYAML, "path: search", `path: "{{ if .Keywords }}"`, 1)},
		{name: "broken header template", src: strings.Replace(minimalYAML, "  path: search\n", "  path: search\n  headers:\n    X-Query: \"{{ .Keywords \"\n", 1)},
		{name: "case value is not a scalar", src: strings.Replace(minimalYAML, "      selector: td\n", "      case:\n        b: [1]\n", 1)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseDefinition([]byte(tt.src))
			require.Error(t, err)
			assert.ErrorIs(t, err, types.ErrDefinition)
			if tt.wantMsg != "" {
				assert.Contains(t, err.Error(), tt.wantMsg)
			}
		})
	}
}

func TestParseDefinition_Login(t *testing.T) {
	def, err := ParseDefinition([]byte(loginYAML))
	require.NoError(t, err)
	assert.True(t, def.HasLogin())
	assert.Equal(t, types.PrivacyPrivate, def.GetPrivacy())
	require.NotNil(t, def.Login.Test)
	assert.Equal(t, `a[href*="logout.php"]`, def.Login.Test.Selector)
	require.Len(t, def.Login.Inputs, 3)
	assert.Equal(t, "keeplogged", def.Login.Inputs[2].Name)
}

func TestParseDefinitionFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "minimal.yml")
	require.NoError(t, os.WriteFile(path, []byte(minimalYAML), 0o600))

	def, err := ParseDefinitionFile(path)
	require.NoError(t, err)
	assert.Equal(t, "minimal", def.ID)

	_, err = ParseDefinitionFile(filepath.Join(dir, "absent.yml"))
	assert.Error(t, err)

	bad := filepath.Join(dir, "bad.yml")
	require.NoError(t, os.WriteFile(bad, []byte("id: bad\n"), 0o600))
	_, err = ParseDefinitionFile(bad)
	require.Error(t, err)
	assert.Contains(t, err.Error(), bad)
}

func TestStringOrArray(t *testing.T) {
	var doc struct {
		One  StringOrArray `yaml:"one"`
		Many StringOrArray `yaml:"many"`
	}
	require.NoError(t, yaml.Unmarshal([]byte("one: a\nmany: [b, c]\n"), &doc))
	assert.Equal(t, "a", doc.One.First())
	assert.Equal(t, StringOrArray{"b", "c"}, doc.Many)
	assert.Empty(t, StringOrArray(nil).First())

	assert.Error(t, yaml.Unmarshal([]byte("one: {x: y}\n"), &doc))
}

func TestInputs_NullValue(t *testing.T) {
	var doc struct {
		Inputs Inputs `yaml:"inputs"`
	}
	require.NoError(t, yaml.Unmarshal([]byte("inputs:\n  empty:\n  q: x\n"), &doc))
	require.Len(t, doc.Inputs, 2)
	assert.Empty(t, doc.Inputs[0].Value.Expand(Vars{}, nil))
	assert.Equal(t, "x", doc.Inputs[1].Value.Expand(Vars{}, nil))
}
