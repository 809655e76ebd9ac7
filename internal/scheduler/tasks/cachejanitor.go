package tasks

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/slipstream/indexproxy/internal/cache"
	"github.com/slipstream/indexproxy/internal/scheduler"
)

const CacheJanitorTaskID = "cache-janitor"

// CacheJanitorTask drops expired entries from the bounded caches.
type CacheJanitorTask struct {
	pruners []cache.Pruner
	logger  zerolog.Logger
}

func NewCacheJanitorTask(logger zerolog.Logger, pruners ...cache.Pruner) *CacheJanitorTask {
	return &CacheJanitorTask{
		pruners: pruners,
		logger:  logger.With().Str("task", CacheJanitorTaskID).Logger(),
	}
}

func (t *CacheJanitorTask) Run(_ context.Context) error {
	total := 0
	for _, p := range t.pruners {
		if n := p.Prune(); n > 0 {
			t.logger.Debug().Str("cache", p.Name()).Int("pruned", n).Msg("Pruned expired entries")
			total += n
		}
	}
	if total > 0 {
		t.logger.Info().Int("pruned", total).Msg("Cache janitor completed")
	}
	return nil
}

// RegisterCacheJanitorTask registers the cache janitor with the scheduler.
func RegisterCacheJanitorTask(sched *scheduler.Scheduler, interval time.Duration, logger zerolog.Logger, pruners ...cache.Pruner) error {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	task := NewCacheJanitorTask(logger, pruners...)
	return sched.RegisterTask(scheduler.TaskConfig{
		ID:          CacheJanitorTaskID,
		Name:        "Cache Janitor",
		Description: "Removes expired capability and definition cache entries",
		Interval:    interval,
		Func:        task.Run,
	})
}
