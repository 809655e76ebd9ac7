package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/slipstream/indexproxy/internal/cache"
	"github.com/slipstream/indexproxy/internal/config"
	"github.com/slipstream/indexproxy/internal/database"
	"github.com/slipstream/indexproxy/internal/indexer"
	"github.com/slipstream/indexproxy/internal/indexer/caps"
	"github.com/slipstream/indexproxy/internal/indexer/cardigann"
	"github.com/slipstream/indexproxy/internal/indexer/ratelimit"
	"github.com/slipstream/indexproxy/internal/indexer/search"
	"github.com/slipstream/indexproxy/internal/indexer/status"
	"github.com/slipstream/indexproxy/internal/indexer/transport"
	"github.com/slipstream/indexproxy/internal/indexer/types"
	"github.com/slipstream/indexproxy/internal/logger"
	"github.com/slipstream/indexproxy/internal/metrics"
	"github.com/slipstream/indexproxy/internal/startup"
)

// app is the assembled service graph shared by every command.
type app struct {
	cfg *config.Config
	log *logger.Logger

	db         *database.DB
	metrics    *metrics.Recorder
	status     *status.Service
	provider   *caps.Provider
	store      *cardigann.Store
	repository *cardigann.Repository
	indexers   *indexer.Service
	search     *search.Service
}

func newApp(ctx context.Context, cfg *config.Config, log *logger.Logger) (*app, error) {
	db, err := database.New(cfg.Database.Path, log.Logger)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	store, err := cardigann.NewStore(cfg.Store(), log.Logger)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("open definition store: %w", err)
	}

	recorder := metrics.New()
	st := status.NewService(status.NewSQLiteStore(db.Conn()), cfg.Health.BackoffConfig, log.Logger,
		status.WithObserver(recorder.IndexerStatusChanged))

	gate := ratelimit.NewGate(cfg.Indexer.RateLimit(), log.Logger)
	provider := caps.NewProvider(cache.New[string, *caps.Capabilities]("capabilities", cfg.Cache.CapsTTL), log.Logger)

	indexers := indexer.NewService(store, provider, indexer.Deps{
		Transport: transport.NewHTTPTransport(cfg.Indexer.Transport(), gate, log.Logger),
		Status:    st,
		Recorder:  recorder,
		Config:    cfg.Orchestration(),
		Logger:    log.Logger,
	})

	return &app{
		cfg:        cfg,
		log:        log,
		db:         db,
		metrics:    recorder,
		status:     st,
		provider:   provider,
		store:      store,
		repository: cardigann.NewRepository(cfg.Repository(), log.Logger),
		indexers:   indexers,
		search:     search.NewService(search.FromRegistry(indexers), st, cfg.Search.MaxConcurrency, log.Logger),
	}, nil
}

// load builds the configured indexers.
func (a *app) load(ctx context.Context) error {
	return a.indexers.Load(ctx, a.cfg.Indexers)
}

// missingDefinitions lists definition ids referenced by configuration that
// the store cannot provide.
func (a *app) missingDefinitions(ctx context.Context) []string {
	var missing []string
	for _, def := range a.cfg.Indexers {
		if def.Implementation != types.ImplementationCardigann || def.DefinitionID == "" {
			continue
		}
		if _, err := a.store.Get(ctx, def.DefinitionID); err != nil {
			missing = append(missing, def.DefinitionID)
		}
	}
	return missing
}

// bootstrapDefinitions downloads the definition package when a configured
// indexer needs a definition that is not on disk yet.
func (a *app) bootstrapDefinitions(ctx context.Context) error {
	missing := a.missingDefinitions(ctx)
	if len(missing) == 0 {
		return nil
	}
	a.log.Info().Strs("definitions", missing).Msg("Definitions missing, syncing from repository")
	return startup.WithRetry(ctx, "definition sync", startup.DefaultRetryConfig(), func(ctx context.Context) error {
		_, err := a.repository.Sync(ctx, a.store)
		return err
	}, a.log.Logger)
}

func (a *app) indexer(id int64) (*indexer.Indexer, error) {
	ix, err := a.indexers.Get(id)
	if errors.Is(err, indexer.ErrIndexerNotFound) {
		return nil, fmt.Errorf("indexer %d is not configured or failed to load", id)
	}
	return ix, err
}

func (a *app) Close() error {
	return a.db.Close()
}
