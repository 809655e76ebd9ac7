package cardigann

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/slipstream/indexproxy/internal/cache"
)

const (
	fileExtYML  = ".yml"
	fileExtYAML = ".yaml"
)

// ErrDefinitionNotFound is returned when no file holds the requested definition.
var ErrDefinitionNotFound = errors.New("definition not found")

// DefinitionMetadata summarizes a definition without its search rules.
type DefinitionMetadata struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Type        string `json:"type"` // public, private, semi-private
	Language    string `json:"language"`
	Custom      bool   `json:"custom"`
}

func metadataOf(def *Definition, custom bool) *DefinitionMetadata {
	return &DefinitionMetadata{
		ID:          def.ID,
		Name:        def.Name,
		Description: def.Description,
		Type:        def.Type,
		Language:    def.Language,
		Custom:      custom,
	}
}

// StoreConfig locates definition files on disk.
type StoreConfig struct {
	DefinitionsDir string        // Default: "./data/definitions"
	CustomDir      string        // Default: "<DefinitionsDir>/custom"
	TTL            time.Duration // how long a parsed definition is reused, default 5m
}

// DefaultStoreConfig returns the default store configuration.
func DefaultStoreConfig() StoreConfig {
	return StoreConfig{
		DefinitionsDir: "./data/definitions",
		TTL:            5 * time.Minute,
	}
}

// Store loads definitions from disk, preferring the custom directory, and keeps
// parsed definitions for a short while so edits are picked up.
type Store struct {
	definitionsDir string
	customDir      string
	parsed         *cache.TTL[string, *Definition]
	logger         zerolog.Logger
}

// NewStore creates a definition store, creating its directories when missing.
func NewStore(cfg StoreConfig, logger zerolog.Logger, opts ...cache.Option) (*Store, error) {
	if cfg.DefinitionsDir == "" {
		cfg.DefinitionsDir = DefaultStoreConfig().DefinitionsDir
	}
	if cfg.CustomDir == "" {
		cfg.CustomDir = filepath.Join(cfg.DefinitionsDir, "custom")
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultStoreConfig().TTL
	}

	if err := os.MkdirAll(cfg.DefinitionsDir, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create definitions directory: %w", err)
	}
	if err := os.MkdirAll(cfg.CustomDir, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create custom directory: %w", err)
	}

	return &Store{
		definitionsDir: cfg.DefinitionsDir,
		customDir:      cfg.CustomDir,
		parsed:         cache.New[string, *Definition]("definitions", cfg.TTL, opts...),
		logger:         logger.With().Str("component", "definitions").Logger(),
	}, nil
}

// Cache exposes the parsed-definition cache so a janitor can prune it.
func (s *Store) Cache() *cache.TTL[string, *Definition] { return s.parsed }

// Get returns the definition with the given id.
func (s *Store) Get(ctx context.Context, id string) (*Definition, error) {
	return s.parsed.GetOrLoad(ctx, id, func(context.Context) (*Definition, error) {
		def, _, err := s.load(id)
		return def, err
	})
}

// List returns metadata for every definition on disk, custom definitions
// shadowing standard ones with the same id.
func (s *Store) List() ([]*DefinitionMetadata, error) {
	seen := make(map[string]bool)
	var result []*DefinitionMetadata
	for _, dir := range []struct {
		path   string
		custom bool
	}{{s.customDir, true}, {s.definitionsDir, false}} {
		metas, err := s.listDirectory(dir.path, dir.custom)
		if err != nil {
			return nil, err
		}
		for _, m := range metas {
			if !seen[m.ID] {
				seen[m.ID] = true
				result = append(result, m)
			}
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (s *Store) listDirectory(dir string, custom bool) ([]*DefinitionMetadata, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read %s: %w", dir, err)
	}

	var result []*DefinitionMetadata
	for _, entry := range entries {
		if entry.IsDir() || !isDefinitionFile(entry.Name()) {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		def, err := ParseDefinitionFile(path)
		if err != nil {
			s.logger.Warn().Str("file", path).Err(err).Msg("Failed to parse definition")
			continue
		}
		result = append(result, metadataOf(def, custom))
	}
	return result, nil
}

// Save validates data and writes it to the standard definitions directory.
func (s *Store) Save(id string, data []byte) error {
	if _, err := ParseDefinition(data); err != nil {
		return fmt.Errorf("invalid definition %s: %w", id, err)
	}
	path := filepath.Join(s.definitionsDir, id+fileExtYML)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write definition: %w", err)
	}
	s.parsed.Invalidate(id)
	s.logger.Debug().Str("id", id).Str("path", path).Msg("Stored definition")
	return nil
}

// SaveAll stores a set of definitions, skipping invalid ones, and returns how
// many were written.
func (s *Store) SaveAll(definitions map[string][]byte) int {
	stored, failed := 0, 0
	for id, data := range definitions {
		if err := s.Save(id, data); err != nil {
			s.logger.Warn().Str("id", id).Err(err).Msg("Failed to store definition")
			failed++
			continue
		}
		stored++
	}
	s.logger.Info().Int("stored", stored).Int("failed", failed).Msg("Stored definitions")
	return stored
}

// Reload drops every parsed definition so the next Get reads the files again.
func (s *Store) Reload() {
	s.parsed.InvalidateAll()
	s.logger.Debug().Msg("Definitions will be reloaded from disk")
}

func (s *Store) load(id string) (*Definition, bool, error) {
	for _, dir := range []struct {
		path   string
		custom bool
	}{{s.customDir, true}, {s.definitionsDir, false}} {
		for _, ext := range []string{fileExtYML, fileExtYAML} {
			path := filepath.Join(dir.path, id+ext)
			if _, err := os.Stat(path); err != nil {
				continue
			}
			def, err := ParseDefinitionFile(path)
			if err != nil {
				return nil, false, err
			}
			return def, dir.custom, nil
		}
	}
	return nil, false, fmt.Errorf("%w: %s", ErrDefinitionNotFound, id)
}

func isDefinitionFile(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	return ext == fileExtYML || ext == fileExtYAML
}
