package tasks

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/slipstream/indexproxy/internal/indexer"
	"github.com/slipstream/indexproxy/internal/scheduler"
)

const IndexerHealthTaskID = "indexer-health"

// BreakerState reports whether a remote is quarantined.
type BreakerState interface {
	IsDisabled(ctx context.Context, indexerID int64) (bool, *time.Time, error)
}

// IndexerHealthTask probes every enabled remote that is not quarantined. The
// probe goes through the normal fetch path, so its outcome feeds the breaker.
type IndexerHealthTask struct {
	indexers *indexer.Service
	breaker  BreakerState
	logger   zerolog.Logger
}

// NewIndexerHealthTask creates a new indexer health check task.
func NewIndexerHealthTask(indexers *indexer.Service, breaker BreakerState, logger zerolog.Logger) *IndexerHealthTask {
	return &IndexerHealthTask{
		indexers: indexers,
		breaker:  breaker,
		logger:   logger.With().Str("task", IndexerHealthTaskID).Logger(),
	}
}

// Run executes the indexer health check.
func (t *IndexerHealthTask) Run(ctx context.Context) error {
	indexers := t.indexers.ListEnabled()
	if len(indexers) == 0 {
		t.logger.Info().Msg("No enabled indexers configured, skipping health check")
		return nil
	}

	checked, failed := 0, 0
	for _, ix := range indexers {
		if err := ctx.Err(); err != nil {
			return err
		}
		disabled, till, err := t.breaker.IsDisabled(ctx, ix.ID())
		if err != nil {
			t.logger.Warn().Err(err).Int64("indexerId", ix.ID()).Msg("Failed to read indexer status")
			continue
		}
		if disabled {
			t.logger.Debug().Int64("indexerId", ix.ID()).Str("name", ix.Name()).Time("disabledTill", *till).Msg("Indexer quarantined, skipping health check")
			continue
		}

		checked++
		if err := ix.Test(ctx); err != nil {
			failed++
			t.logger.Warn().Err(err).Int64("indexerId", ix.ID()).Str("name", ix.Name()).Msg("Indexer health check failed")
			continue
		}
		t.logger.Debug().Int64("indexerId", ix.ID()).Str("name", ix.Name()).Msg("Indexer health check passed")
	}

	t.logger.Info().Int("checked", checked).Int("failed", failed).Int("total", len(indexers)).Msg("Indexer health check completed")
	return nil
}

// RegisterIndexerHealthTask registers the indexer health check task with the
// scheduler. A zero interval leaves it unregistered.
func RegisterIndexerHealthTask(sched *scheduler.Scheduler, indexers *indexer.Service, breaker BreakerState, interval time.Duration, logger zerolog.Logger) error {
	if interval <= 0 {
		return nil
	}
	task := NewIndexerHealthTask(indexers, breaker, logger)
	return sched.RegisterTask(scheduler.TaskConfig{
		ID:          IndexerHealthTaskID,
		Name:        "Indexer Health Check",
		Description: "Tests connectivity to all enabled indexers that are not quarantined",
		Interval:    interval,
		Func:        task.Run,
	})
}
