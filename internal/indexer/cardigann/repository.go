package cardigann

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"

	"github.com/slipstream/indexproxy/internal/indexer/types"
)

// ErrNotModified is returned by FetchPackage when the remote package has the
// same ETag as the last one synced.
var ErrNotModified = errors.New("definition package not modified")

const (
	defaultPackageLimit    = 64 << 20
	maxDefinitionEntrySize = 2 << 20
)

// RepositoryConfig locates the definition package. The package lives at
// {BaseURL}/{Branch}/{Version}/package.zip.
type RepositoryConfig struct {
	BaseURL        string
	Branch         string
	Version        string
	RequestTimeout time.Duration
	UserAgent      string
	// MaxPackageSize caps the downloaded archive in bytes.
	MaxPackageSize int64
}

// DefaultRepositoryConfig returns the public definition catalogue settings.
func DefaultRepositoryConfig() RepositoryConfig {
	return RepositoryConfig{
		BaseURL:        "https://indexers.prowlarr.com",
		Branch:         "master",
		Version:        "11",
		RequestTimeout: 60 * time.Second,
		UserAgent:      "indexproxy/1.0",
		MaxPackageSize: defaultPackageLimit,
	}
}

func (c RepositoryConfig) withDefaults() RepositoryConfig {
	def := DefaultRepositoryConfig()
	if c.BaseURL == "" {
		c.BaseURL = def.BaseURL
	}
	if c.Branch == "" {
		c.Branch = def.Branch
	}
	if c.Version == "" {
		c.Version = def.Version
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = def.RequestTimeout
	}
	if c.UserAgent == "" {
		c.UserAgent = def.UserAgent
	}
	if c.MaxPackageSize <= 0 {
		c.MaxPackageSize = def.MaxPackageSize
	}
	return c
}

// Repository downloads definition packages and writes them into a Store.
// It remembers the ETag of the last package so periodic syncs of an
// unchanged catalogue cost one conditional request.
type Repository struct {
	client *http.Client
	config RepositoryConfig
	logger zerolog.Logger

	mu   sync.Mutex
	etag string
}

// NewRepository creates a definition repository.
func NewRepository(cfg RepositoryConfig, logger zerolog.Logger) *Repository {
	cfg = cfg.withDefaults()
	return &Repository{
		client: &http.Client{Timeout: cfg.RequestTimeout},
		config: cfg,
		logger: logger.With().Str("component", "definition-repository").Logger(),
	}
}

// PackageURL is the address of the definition archive.
func (r *Repository) PackageURL() string {
	return strings.TrimSuffix(r.config.BaseURL, "/") + "/" + path.Join(r.config.Branch, r.config.Version, "package.zip")
}

// Sync downloads the package into store and returns how many definitions
// were written. An unchanged package writes nothing and returns 0.
func (r *Repository) Sync(ctx context.Context, store *Store) (int, error) {
	defs, err := r.FetchPackage(ctx)
	if errors.Is(err, ErrNotModified) {
		r.logger.Debug().Msg("Definition package unchanged")
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	n := store.SaveAll(defs)
	store.Reload()
	return n, nil
}

// FetchPackage downloads the archive and returns definition id to YAML.
func (r *Repository) FetchPackage(ctx context.Context) (map[string][]byte, error) {
	body, etag, err := r.download(ctx)
	if err != nil {
		return nil, err
	}
	defs, err := r.unpack(body)
	if err != nil {
		return nil, types.NewDefinitionError("unreadable definition package", err)
	}

	r.mu.Lock()
	r.etag = etag
	r.mu.Unlock()

	r.logger.Info().
		Int("count", len(defs)).
		Str("size", humanize.IBytes(uint64(len(body)))).
		Msg("Fetched definition package")
	return defs, nil
}

func (r *Repository) download(ctx context.Context) ([]byte, string, error) {
	url := r.PackageURL()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return nil, "", fmt.Errorf("build package request: %w", err)
	}
	req.Header.Set("User-Agent", r.config.UserAgent)
	r.mu.Lock()
	if r.etag != "" {
		req.Header.Set("If-None-Match", r.etag)
	}
	r.mu.Unlock()

	r.logger.Debug().Str("url", url).Msg("Downloading definition package")
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, "", types.NewConnectionError(url, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotModified:
		return nil, "", ErrNotModified
	default:
		return nil, "", fmt.Errorf("definition package: unexpected status code %d", resp.StatusCode)
	}

	limit := r.config.MaxPackageSize
	body, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, "", types.NewConnectionError(url, err)
	}
	if int64(len(body)) > limit {
		return nil, "", fmt.Errorf("definition package exceeds %s", humanize.IBytes(uint64(limit)))
	}
	return body, resp.Header.Get("ETag"), nil
}

// unpack reads every YAML file of the archive, keyed by file name without
// extension. Oversized or unreadable entries are skipped.
func (r *Repository) unpack(body []byte) (map[string][]byte, error) {
	zr, err := zip.NewReader(bytes.NewReader(body), int64(len(body)))
	if err != nil {
		return nil, err
	}

	defs := make(map[string][]byte)
	for _, f := range zr.File {
		if f.FileInfo().IsDir() || !isDefinitionFile(f.Name) {
			continue
		}
		if f.UncompressedSize64 > maxDefinitionEntrySize {
			r.logger.Warn().Str("file", f.Name).Msg("Skipping oversized definition")
			continue
		}
		data, err := readEntry(f)
		if err != nil {
			r.logger.Warn().Str("file", f.Name).Err(err).Msg("Skipping unreadable definition")
			continue
		}
		base := path.Base(f.Name)
		defs[strings.TrimSuffix(base, path.Ext(base))] = data
	}
	return defs, nil
}

func readEntry(f *zip.File) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(io.LimitReader(rc, maxDefinitionEntrySize))
}
