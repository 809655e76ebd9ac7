package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slipstream/indexproxy/internal/indexer/search"
	"github.com/slipstream/indexproxy/internal/testutil"
)

func newznabServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/xml")
		if r.URL.Query().Get("t") == "caps" {
			_, _ = w.Write([]byte(testutil.CapsXML))
			return
		}
		_, _ = w.Write([]byte(testutil.FeedXML))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func writeTestConfig(t *testing.T, baseURL string) string {
	t.Helper()
	dir := t.TempDir()
	t.Chdir(dir)
	body := fmt.Sprintf(`
database:
  path: %s
definitions:
  dir: %s
indexer:
  rate_limit_interval: 10ms
indexers:
  - id: 1
    name: Fake
    implementation: newznab
    base_url: %s
    api_key: secret
    enabled: true
`, filepath.Join(dir, "indexproxy.db"), filepath.Join(dir, "definitions"), baseURL)
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(t.Context())
	return out.String(), err
}

func TestSearchCommand(t *testing.T) {
	srv := newznabServer(t)
	cfg := writeTestConfig(t, srv.URL)

	t.Run("json", func(t *testing.T) {
		out, err := execute(t, "-c", cfg, "search", "--json", "some", "show")
		require.NoError(t, err)

		var result search.Result
		require.NoError(t, json.Unmarshal([]byte(out), &result))
		assert.Equal(t, 2, result.Total)
		require.Len(t, result.Indexers, 1)
		assert.Equal(t, "Fake", result.Indexers[0].IndexerName)
		assert.Empty(t, result.Indexers[0].Error)
	})

	t.Run("table", func(t *testing.T) {
		out, err := execute(t, "-c", cfg, "search", "some", "show")
		require.NoError(t, err)
		assert.Contains(t, out, "Fake")
		assert.Contains(t, out, "2 releases from 1 indexers")
	})

	t.Run("bad category", func(t *testing.T) {
		_, err := execute(t, "-c", cfg, "search", "--cat", "abc", "x")
		assert.Error(t, err)
	})
}

func TestCapsCommand(t *testing.T) {
	srv := newznabServer(t)
	cfg := writeTestConfig(t, srv.URL)

	out, err := execute(t, "-c", cfg, "caps", "1")
	require.NoError(t, err)
	assert.Contains(t, out, "Fake")
	assert.Contains(t, out, "tv-search")

	_, err = execute(t, "-c", cfg, "caps", "42")
	assert.ErrorContains(t, err, "not configured")
}

func TestTestCommand(t *testing.T) {
	srv := newznabServer(t)
	cfg := writeTestConfig(t, srv.URL)

	out, err := execute(t, "-c", cfg, "test", "1")
	require.NoError(t, err)
	assert.Contains(t, out, "ok")

	_, err = execute(t, "-c", cfg, "test", "7")
	assert.Error(t, err)
}

func TestValidateCommand(t *testing.T) {
	srv := newznabServer(t)
	cfg := writeTestConfig(t, srv.URL)

	t.Run("configuration", func(t *testing.T) {
		out, err := execute(t, "-c", cfg, "validate")
		require.NoError(t, err)
		assert.Contains(t, out, "configuration valid, 1 indexers")
	})

	t.Run("definition files", func(t *testing.T) {
		dir := t.TempDir()
		good := filepath.Join(dir, "good.yml")
		bad := filepath.Join(dir, "bad.yml")
		require.NoError(t, os.WriteFile(good, []byte(testDefinition), 0o600))
		require.NoError(t, os.WriteFile(bad, []byte("id: [broken"), 0o600))

		out, err := execute(t, "validate", good)
		require.NoError(t, err)
		assert.Contains(t, out, "ok    "+good+" (clitest)")

		out, err = execute(t, "validate", good, bad)
		assert.ErrorContains(t, err, "1 of 2 definitions invalid")
		assert.Contains(t, out, "FAIL  "+bad)
	})
}

func TestDefinitionsList(t *testing.T) {
	srv := newznabServer(t)
	cfg := writeTestConfig(t, srv.URL)

	defDir := filepath.Join(filepath.Dir(cfg), "definitions")
	require.NoError(t, os.MkdirAll(defDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(defDir, "clitest.yml"), []byte(testDefinition), 0o600))

	out, err := execute(t, "-c", cfg, "definitions", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "clitest")
	assert.Contains(t, out, "CLI Test")
}

const testDefinition = `---
id: clitest
name: CLI Test
description: definition used by command tests
language: en-US
type: public
encoding: UTF-8
links:
  - https://clitest.example/
caps:
  categorymappings:
    - {id: "1", cat: Movies, desc: "Movies"}
  modes:
    search: [q]
search:
  paths:
    - path: search
  rows:
    selector: tr
  fields:
    title:
      selector: td.title
    download:
      selector: a
      attribute: href
`
