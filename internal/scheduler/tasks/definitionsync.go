package tasks

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/slipstream/indexproxy/internal/indexer/cardigann"
	"github.com/slipstream/indexproxy/internal/scheduler"
)

const DefinitionSyncTaskID = "definition-sync"

// DefinitionSyncTask downloads the upstream definition package into the store
// and then lets the caller rebuild whatever depends on it.
type DefinitionSyncTask struct {
	repository *cardigann.Repository
	store      *cardigann.Store
	onSynced   func(ctx context.Context) error
	logger     zerolog.Logger
}

// NewDefinitionSyncTask creates the task. onSynced may be nil.
func NewDefinitionSyncTask(repository *cardigann.Repository, store *cardigann.Store, onSynced func(ctx context.Context) error, logger zerolog.Logger) *DefinitionSyncTask {
	return &DefinitionSyncTask{
		repository: repository,
		store:      store,
		onSynced:   onSynced,
		logger:     logger.With().Str("task", DefinitionSyncTaskID).Logger(),
	}
}

func (t *DefinitionSyncTask) Run(ctx context.Context) error {
	n, err := t.repository.Sync(ctx, t.store)
	if err != nil {
		return fmt.Errorf("sync definitions: %w", err)
	}
	if n == 0 {
		t.logger.Debug().Msg("No definitions changed")
		return nil
	}
	t.logger.Info().Int("definitions", n).Msg("Definitions synced")

	if t.onSynced != nil {
		return t.onSynced(ctx)
	}
	return nil
}

// RegisterDefinitionSyncTask registers the definition sync with the scheduler.
// An empty cron expression leaves it unregistered. timeout bounds one sync.
func RegisterDefinitionSyncTask(sched *scheduler.Scheduler, cron string, timeout time.Duration, task *DefinitionSyncTask) error {
	if cron == "" {
		return nil
	}
	return sched.RegisterTask(scheduler.TaskConfig{
		ID:          DefinitionSyncTaskID,
		Name:        "Definition Sync",
		Description: "Downloads the latest indexer definitions and reloads the indexers using them",
		Cron:        cron,
		Timeout:     timeout,
		Func:        task.Run,
	})
}
