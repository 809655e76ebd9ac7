// Package search fans one query out to every enabled remote and merges the results.
package search

import (
	"context"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc/pool"

	"github.com/slipstream/indexproxy/internal/indexer"
	"github.com/slipstream/indexproxy/internal/indexer/types"
)

// DefaultMaxConcurrency bounds the remotes queried at once.
const DefaultMaxConcurrency = 8

// Remote is one queryable remote.
type Remote interface {
	ID() int64
	Name() string
	Definition() types.IndexerDefinition
	Fetch(ctx context.Context, criteria types.SearchCriteria) *indexer.FetchResult
}

// Source lists the remotes a search may use.
type Source interface {
	Remotes() []Remote
}

// HealthChecker reports whether a remote is quarantined.
type HealthChecker interface {
	IsDisabled(ctx context.Context, indexerID int64) (bool, *time.Time, error)
}

type registrySource struct {
	registry *indexer.Service
}

// FromRegistry exposes the enabled remotes of a registry as a Source.
func FromRegistry(registry *indexer.Service) Source {
	return registrySource{registry: registry}
}

func (s registrySource) Remotes() []Remote {
	list := s.registry.ListEnabled()
	out := make([]Remote, len(list))
	for i, ix := range list {
		out[i] = ix
	}
	return out
}

// Options narrow one search.
type Options struct {
	// IndexerIDs restricts the search to these remotes when non-empty.
	IndexerIDs []int64
}

// Result contains aggregated search results.
type Result struct {
	Releases []*types.ReleaseInfo `json:"releases"`
	Total    int                  `json:"total"`
	Indexers []IndexerResult      `json:"indexers"`
}

// IndexerResult reports how one remote fared.
type IndexerResult struct {
	IndexerID   int64  `json:"indexerId"`
	IndexerName string `json:"indexerName"`
	Releases    int    `json:"releases"`
	ElapsedMs   int64  `json:"elapsedMs"`
	Skipped     string `json:"skipped,omitempty"`
	Error       string `json:"error,omitempty"`
}

// Service orchestrates searches across multiple indexers.
type Service struct {
	source         Source
	health         HealthChecker
	maxConcurrency int
	logger         zerolog.Logger
}

// NewService creates a search service. health may be nil, in which case no
// remote is skipped for being quarantined.
func NewService(source Source, health HealthChecker, maxConcurrency int, logger zerolog.Logger) *Service {
	if maxConcurrency <= 0 {
		maxConcurrency = DefaultMaxConcurrency
	}
	return &Service{
		source:         source,
		health:         health,
		maxConcurrency: maxConcurrency,
		logger:         logger.With().Str("component", "search").Logger(),
	}
}

// Search executes criteria against every eligible remote in parallel. Failures of
// single remotes are reported per remote and never fail the search.
func (s *Service) Search(ctx context.Context, criteria types.SearchCriteria, opts Options) *Result {
	start := time.Now()
	remotes := s.eligible(ctx, opts)

	s.logger.Info().
		Int("indexerCount", len(remotes)).
		Str("type", string(criteria.Type())).
		Str("query", criteria.Base().SearchTerm).
		Msg("Starting search across indexers")

	fetched := make([]*indexer.FetchResult, len(remotes))
	p := pool.New().WithMaxGoroutines(s.maxConcurrency)
	for i, r := range remotes {
		p.Go(func() {
			fetched[i] = r.Fetch(ctx, criteria)
		})
	}
	p.Wait()

	result := aggregate(remotes, fetched)

	s.logger.Info().
		Int("totalResults", result.Total).
		Int("indexersUsed", len(remotes)).
		Dur("elapsed", time.Since(start)).
		Msg("Search completed")
	return result
}

// eligible returns the requested, non-quarantined remotes ordered by priority.
func (s *Service) eligible(ctx context.Context, opts Options) []Remote {
	all := s.source.Remotes()
	out := make([]Remote, 0, len(all))
	for _, r := range all {
		if len(opts.IndexerIDs) > 0 && !slices.Contains(opts.IndexerIDs, r.ID()) {
			continue
		}
		if s.isDisabled(ctx, r) {
			continue
		}
		out = append(out, r)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Definition().Priority < out[j].Definition().Priority
	})
	return out
}

func (s *Service) isDisabled(ctx context.Context, r Remote) bool {
	if s.health == nil {
		return false
	}
	disabled, till, err := s.health.IsDisabled(ctx, r.ID())
	if err != nil {
		s.logger.Warn().Err(err).Int64("indexerId", r.ID()).Msg("Failed to check indexer status")
		return false
	}
	if disabled {
		ev := s.logger.Debug().Int64("indexerId", r.ID()).Str("indexerName", r.Name())
		if till != nil {
			ev = ev.Time("disabledTill", *till)
		}
		ev.Msg("Skipping disabled indexer")
	}
	return disabled
}

// normalizeGUID normalizes a GUID for comparison.
func normalizeGUID(guid string) string {
	return strings.ToLower(strings.TrimSpace(guid))
}
