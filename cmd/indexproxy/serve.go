package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/slipstream/indexproxy/internal/api"
	"github.com/slipstream/indexproxy/internal/config"
	"github.com/slipstream/indexproxy/internal/logger"
	"github.com/slipstream/indexproxy/internal/scheduler"
	"github.com/slipstream/indexproxy/internal/scheduler/tasks"
)

const shutdownTimeout = 10 * time.Second

func newServeCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and background tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			log := ctx.serverLogger(cfg)
			defer log.Close()
			return serve(cmd.Context(), cfg, log)
		},
	}
}

func serve(ctx context.Context, cfg *config.Config, log *logger.Logger) error {
	log.Info().Str("version", api.Version).Str("database", cfg.Database.Path).Msg("Starting indexproxy")

	a, err := newApp(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.bootstrapDefinitions(ctx); err != nil {
		log.Warn().Err(err).Msg("Definition bootstrap failed, cardigann indexers may be unavailable")
	}
	if err := a.load(ctx); err != nil {
		log.Warn().Err(err).Msg("Some indexers could not be loaded")
	}

	sched, err := scheduler.New(log.Logger)
	if err != nil {
		return err
	}

	server := api.NewServer(api.Deps{
		Config:    cfg,
		Indexers:  a.indexers,
		Search:    a.search,
		Status:    a.status,
		Metrics:   a.metrics,
		Scheduler: sched,
		Logs:      log,
		DB:        a.db.Conn(),
		Logger:    log.Logger,
	})

	if err := registerTasks(a, sched, server); err != nil {
		return err
	}
	if err := sched.Start(); err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		addr := cfg.Server.Address()
		log.Info().Str("address", addr).Msg("HTTP server listening")
		if err := server.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("Shutting down")
	case err := <-errCh:
		if err != nil {
			_ = sched.Stop()
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
	if err := sched.Stop(); err != nil {
		log.Error().Err(err).Msg("Scheduler stop failed")
	}
	log.Info().Msg("Stopped")
	return nil
}

func registerTasks(a *app, sched *scheduler.Scheduler, server *api.Server) error {
	cfg := a.cfg
	if err := tasks.RegisterCacheJanitorTask(sched, cfg.Cache.JanitorInterval, a.log.Logger,
		a.provider.Cache(), a.store.Cache(), server.KeyGuard()); err != nil {
		return err
	}
	if err := tasks.RegisterIndexerHealthTask(sched, a.indexers, a.status, cfg.Search.HealthCheckInterval, a.log.Logger); err != nil {
		return err
	}
	syncTask := tasks.NewDefinitionSyncTask(a.repository, a.store, a.load, a.log.Logger)
	return tasks.RegisterDefinitionSyncTask(sched, cfg.Definitions.SyncCron, cfg.Definitions.SyncTimeout, syncTask)
}
