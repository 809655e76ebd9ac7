// Package scheduler runs the background maintenance jobs of the proxy on gocron.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/rs/zerolog"
)

var (
	ErrTaskNotFound = errors.New("task not found")
	ErrTaskRunning  = errors.New("task is already running")
)

// TaskFunc is the work of one scheduled task.
type TaskFunc func(ctx context.Context) error

// TaskConfig describes a scheduled task. Exactly one of Cron or Interval is
// used; Interval wins when both are set.
type TaskConfig struct {
	ID          string
	Name        string
	Description string
	Cron        string // standard 5-field expression, e.g. "0 4 * * *"
	Interval    time.Duration
	Timeout     time.Duration // bounds a single run when positive
	Func        TaskFunc
	RunOnStart  bool
}

// TaskInfo is the externally visible state of a task.
type TaskInfo struct {
	ID           string     `json:"id"`
	Name         string     `json:"name"`
	Description  string     `json:"description"`
	Cron         string     `json:"cron,omitempty"`
	Interval     string     `json:"interval,omitempty"`
	LastRun      *time.Time `json:"lastRun,omitempty"`
	LastDuration string     `json:"lastDuration,omitempty"`
	LastError    string     `json:"lastError,omitempty"`
	NextRun      *time.Time `json:"nextRun,omitempty"`
	Running      bool       `json:"running"`
}

type taskEntry struct {
	config       TaskConfig
	job          gocron.Job
	lastRun      *time.Time
	lastDuration time.Duration
	lastErr      error
	running      bool
}

// Scheduler owns the gocron scheduler and the run state of every task.
// Runs of one task never overlap; a run still going when the next tick
// arrives makes that tick a no-op.
type Scheduler struct {
	gocron gocron.Scheduler
	logger zerolog.Logger

	// ctx is canceled by Stop so in-flight runs unwind.
	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.RWMutex
	tasks map[string]*taskEntry
	wg    sync.WaitGroup

	stopOnce sync.Once
	stopErr  error
}

// New creates a scheduler. Nothing runs until Start.
func New(logger zerolog.Logger) (*Scheduler, error) {
	gs, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("failed to create gocron scheduler: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		gocron: gs,
		logger: logger.With().Str("component", "scheduler").Logger(),
		ctx:    ctx,
		cancel: cancel,
		tasks:  make(map[string]*taskEntry),
	}, nil
}

// RegisterTask adds a task. IDs must be unique.
func (s *Scheduler) RegisterTask(config TaskConfig) error {
	if config.Func == nil {
		return fmt.Errorf("task %q has no function", config.ID)
	}
	if config.Name == "" {
		config.Name = config.ID
	}

	var def gocron.JobDefinition
	switch {
	case config.Interval > 0:
		def = gocron.DurationJob(config.Interval)
	case config.Cron != "":
		def = gocron.CronJob(config.Cron, false)
	default:
		return fmt.Errorf("task %q has neither cron nor interval", config.ID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tasks[config.ID]; exists {
		return fmt.Errorf("task with ID %q already registered", config.ID)
	}

	id := config.ID
	job, err := s.gocron.NewJob(
		def,
		gocron.NewTask(func() { s.run(id) }),
		gocron.WithName(config.Name),
		gocron.WithTags(config.ID),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("failed to create job for task %q: %w", config.ID, err)
	}
	s.tasks[config.ID] = &taskEntry{config: config, job: job}

	s.logger.Info().
		Str("id", config.ID).
		Str("cron", config.Cron).
		Dur("interval", config.Interval).
		Dur("timeout", config.Timeout).
		Bool("runOnStart", config.RunOnStart).
		Msg("Registered task")
	return nil
}

// claim marks a task running. It fails when the task is unknown or busy.
func (s *Scheduler) claim(taskID string) (*taskEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.tasks[taskID]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrTaskNotFound, taskID)
	}
	if entry.running {
		return nil, fmt.Errorf("%w: %q", ErrTaskRunning, taskID)
	}
	entry.running = true
	return entry, nil
}

func (s *Scheduler) run(taskID string) {
	entry, err := s.claim(taskID)
	if err != nil {
		s.logger.Debug().Err(err).Msg("Skipping task run")
		return
	}
	s.wg.Add(1)
	s.execute(entry)
}

// execute runs a claimed task. The caller has already added it to wg.
func (s *Scheduler) execute(entry *taskEntry) {
	defer s.wg.Done()

	ctx := s.ctx
	if entry.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, entry.config.Timeout)
		defer cancel()
	}

	log := s.logger.With().Str("id", entry.config.ID).Logger()
	start := time.Now()
	log.Debug().Msg("Starting task")

	err := entry.config.Func(ctx)
	elapsed := time.Since(start)

	s.mu.Lock()
	entry.running = false
	entry.lastRun = &start
	entry.lastDuration = elapsed
	entry.lastErr = err
	s.mu.Unlock()

	if err != nil {
		log.Error().Err(err).Dur("duration", elapsed).Msg("Task failed")
		return
	}
	log.Debug().Dur("duration", elapsed).Msg("Task completed")
}

// Start begins scheduling and kicks off the RunOnStart tasks.
func (s *Scheduler) Start() error {
	s.logger.Info().Int("tasks", len(s.ListTasks())).Msg("Starting scheduler")
	s.gocron.Start()

	s.mu.RLock()
	var startup []string
	for id, entry := range s.tasks {
		if entry.config.RunOnStart {
			startup = append(startup, id)
		}
	}
	s.mu.RUnlock()

	for _, id := range startup {
		go s.run(id)
	}
	return nil
}

// Stop cancels in-flight runs and waits for them before shutting gocron down.
// Calls after the first return the first result.
func (s *Scheduler) Stop() error {
	s.stopOnce.Do(func() {
		s.logger.Info().Msg("Stopping scheduler")
		s.cancel()
		s.stopErr = s.gocron.Shutdown()
		s.wg.Wait()
	})
	return s.stopErr
}

// RunNow starts a task outside its schedule. It returns ErrTaskRunning when
// a run is in progress.
func (s *Scheduler) RunNow(taskID string) error {
	entry, err := s.claim(taskID)
	if err != nil {
		return err
	}
	s.wg.Add(1)
	go s.execute(entry)
	return nil
}

// ListTasks returns every task ordered by id.
func (s *Scheduler) ListTasks() []TaskInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tasks := make([]TaskInfo, 0, len(s.tasks))
	for _, entry := range s.tasks {
		tasks = append(tasks, *entry.info())
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].ID < tasks[j].ID })
	return tasks
}

// GetTask returns one task.
func (s *Scheduler) GetTask(taskID string) (*TaskInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.tasks[taskID]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrTaskNotFound, taskID)
	}
	return entry.info(), nil
}

func (e *taskEntry) info() *TaskInfo {
	info := &TaskInfo{
		ID:          e.config.ID,
		Name:        e.config.Name,
		Description: e.config.Description,
		Cron:        e.config.Cron,
		LastRun:     e.lastRun,
		Running:     e.running,
	}
	if e.config.Interval > 0 {
		info.Interval = e.config.Interval.String()
	}
	if e.lastRun != nil {
		info.LastDuration = e.lastDuration.Round(time.Millisecond).String()
	}
	if e.lastErr != nil {
		info.LastError = e.lastErr.Error()
	}
	if nextRun, err := e.job.NextRun(); err == nil && !nextRun.IsZero() {
		info.NextRun = &nextRun
	}
	return info
}
