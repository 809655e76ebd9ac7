package indexer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/slipstream/indexproxy/internal/indexer/caps"
	"github.com/slipstream/indexproxy/internal/indexer/cardigann"
	"github.com/slipstream/indexproxy/internal/indexer/newznab"
	"github.com/slipstream/indexproxy/internal/indexer/status"
	"github.com/slipstream/indexproxy/internal/indexer/types"
)

var (
	ErrIndexerNotFound = errors.New("indexer not found")
	ErrInvalidIndexer  = errors.New("invalid indexer configuration")
)

// DefinitionSource loads definition documents by id.
type DefinitionSource interface {
	Get(ctx context.Context, id string) (*cardigann.Definition, error)
}

// Service builds the configured remotes and hands them out by id.
type Service struct {
	mu          sync.RWMutex
	indexers    map[int64]*Indexer
	definitions DefinitionSource
	provider    *caps.Provider
	deps        Deps
	logger      zerolog.Logger
}

// NewService creates a remote registry. definitions may be nil when no
// cardigann remotes are configured.
func NewService(definitions DefinitionSource, provider *caps.Provider, deps Deps) *Service {
	logger := deps.Logger.With().Str("component", "indexers").Logger()
	if provider == nil {
		provider = caps.NewProvider(nil, deps.Logger)
	}
	return &Service{
		indexers:    make(map[int64]*Indexer),
		definitions: definitions,
		provider:    provider,
		deps:        deps,
		logger:      logger,
	}
}

// Load replaces the registered remotes with defs. A remote that fails to build
// is left out; all build failures are returned joined.
func (s *Service) Load(ctx context.Context, defs []types.IndexerDefinition) error {
	built := make(map[int64]*Indexer, len(defs))
	var errs []error
	for _, def := range defs {
		if _, dup := built[def.ID]; dup {
			errs = append(errs, fmt.Errorf("%w: duplicate id %d", ErrInvalidIndexer, def.ID))
			continue
		}
		ix, err := s.Build(ctx, def)
		if err != nil {
			s.logger.Error().Err(err).Int64("indexerId", def.ID).Str("indexer", def.Name).Msg("Failed to build indexer")
			errs = append(errs, fmt.Errorf("indexer %d (%s): %w", def.ID, def.Name, err))
			continue
		}
		built[def.ID] = ix
	}

	s.mu.Lock()
	s.indexers = built
	s.mu.Unlock()

	s.logger.Info().Int("count", len(built)).Int("failed", len(errs)).Msg("Loaded indexers")
	return errors.Join(errs...)
}

// Build assembles one remote from its definition without registering it.
func (s *Service) Build(ctx context.Context, def types.IndexerDefinition) (*Indexer, error) {
	if err := validateDefinition(def); err != nil {
		return nil, err
	}
	logger := s.deps.Logger.With().Str("indexer", def.Name).Int64("indexerId", def.ID).Logger()

	var c Components
	switch def.Implementation {
	case types.ImplementationNewznab, types.ImplementationTorznab:
		protocol := types.ProtocolUsenet
		if def.Implementation == types.ImplementationTorznab {
			protocol = types.ProtocolTorrent
		}
		client := newznab.New(newznab.SettingsFromDefinition(def), protocol, s.deps.Transport, s.provider, logger)
		c = Components{
			Protocol:     protocol,
			Generator:    client,
			Parser:       client,
			Capabilities: client,
		}

	case types.ImplementationCardigann:
		if s.definitions == nil {
			return nil, fmt.Errorf("%w: no definition source for %q", ErrInvalidIndexer, def.DefinitionID)
		}
		d, err := s.definitions.Get(ctx, def.DefinitionID)
		if err != nil {
			return nil, fmt.Errorf("load definition %q: %w", def.DefinitionID, err)
		}
		engine, err := cardigann.NewEngine(d, cardigann.Options{
			BaseURL:  def.BaseURL,
			Settings: def.Settings,
			Logger:   logger,
			Clock:    s.deps.Clock,
		})
		if err != nil {
			return nil, err
		}
		c = Components{
			Protocol:      types.ProtocolTorrent,
			Generator:     engine,
			Parser:        engine,
			Capabilities:  engine,
			Authenticator: engine,
			Resolver:      engine,
		}

	default:
		return nil, fmt.Errorf("%w: unknown implementation %q", ErrInvalidIndexer, def.Implementation)
	}

	return New(def, c, s.deps)
}

func validateDefinition(def types.IndexerDefinition) error {
	switch {
	case def.ID <= 0:
		return fmt.Errorf("%w: id must be positive", ErrInvalidIndexer)
	case def.Name == "":
		return fmt.Errorf("%w: name is required", ErrInvalidIndexer)
	case def.Implementation == types.ImplementationCardigann && def.DefinitionID == "":
		return fmt.Errorf("%w: cardigann remotes need a definition id", ErrInvalidIndexer)
	case def.Implementation != types.ImplementationCardigann && def.BaseURL == "":
		return fmt.Errorf("%w: base url is required", ErrInvalidIndexer)
	}
	return nil
}

// Get returns the remote with id.
func (s *Service) Get(id int64) (*Indexer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ix, ok := s.indexers[id]
	if !ok {
		return nil, ErrIndexerNotFound
	}
	return ix, nil
}

// List returns all remotes ordered by priority, then id.
func (s *Service) List() []*Indexer {
	s.mu.RLock()
	out := make([]*Indexer, 0, len(s.indexers))
	for _, ix := range s.indexers {
		out = append(out, ix)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].Definition(), out[j].Definition()
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		return a.ID < b.ID
	})
	return out
}

// ListEnabled returns the remotes switched on in configuration.
func (s *Service) ListEnabled() []*Indexer {
	all := s.List()
	out := all[:0]
	for _, ix := range all {
		if ix.Definition().Enabled {
			out = append(out, ix)
		}
	}
	return out
}

// Count returns the number of registered remotes.
func (s *Service) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.indexers)
}

// Test runs the connectivity test of one remote.
func (s *Service) Test(ctx context.Context, id int64) error {
	ix, err := s.Get(id)
	if err != nil {
		return err
	}
	return ix.Test(ctx)
}

// Health reports the breaker state of every registered remote.
func (s *Service) Health(ctx context.Context) ([]*status.IndexerHealth, error) {
	list := s.List()
	out := make([]*status.IndexerHealth, 0, len(list))
	for _, ix := range list {
		h, err := s.deps.Status.GetHealth(ctx, ix.ID(), ix.Name())
		if err != nil {
			return nil, fmt.Errorf("health of indexer %d: %w", ix.ID(), err)
		}
		out = append(out, h)
	}
	return out, nil
}

// InvalidateCapabilities drops every cached caps document.
func (s *Service) InvalidateCapabilities() {
	s.provider.InvalidateAll()
}
