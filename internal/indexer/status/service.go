package status

import (
	"context"
	"fmt"
	"maps"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Observer is notified after a remote's quarantine state has been written.
type Observer func(indexerID int64, disabled bool)

// Service records failures and successes and answers whether a remote is quarantined.
// Updates for one remote are serialized so concurrent fetches never lose an escalation.
type Service struct {
	store    Store
	config   BackoffConfig
	logger   zerolog.Logger
	now      func() time.Time
	observer Observer

	// locks holds one *sync.Mutex per remote id
	locks sync.Map
}

// Option configures a Service.
type Option func(*Service)

// WithClock replaces the wall clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithObserver registers a callback invoked after every status write.
func WithObserver(o Observer) Option {
	return func(s *Service) { s.observer = o }
}

// NewService creates a status service with the given store and backoff config.
func NewService(store Store, config BackoffConfig, logger zerolog.Logger, opts ...Option) *Service {
	s := &Service{
		store:  store,
		config: config,
		logger: logger.With().Str("component", "indexer-status").Logger(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Config returns the backoff configuration.
func (s *Service) Config() BackoffConfig {
	return s.config
}

// GetStatus returns the record for a remote, or an empty record if none exists.
func (s *Service) GetStatus(ctx context.Context, indexerID int64) (*IndexerStatus, error) {
	st, err := s.store.Get(ctx, indexerID)
	if err != nil {
		return nil, err
	}
	if st == nil {
		return &IndexerStatus{IndexerID: indexerID}, nil
	}
	return st, nil
}

// IsDisabled reports whether the remote is quarantined and until when.
func (s *Service) IsDisabled(ctx context.Context, indexerID int64) (bool, *time.Time, error) {
	st, err := s.GetStatus(ctx, indexerID)
	if err != nil {
		return false, nil, err
	}
	if !st.IsDisabled(s.now()) {
		return false, nil, nil
	}
	return true, st.DisabledTill, nil
}

// RecordSuccess clears the escalation and quarantine. Failure timestamps and cookies are kept.
func (s *Service) RecordSuccess(ctx context.Context, indexerID int64) error {
	return s.update(ctx, indexerID, func(st *IndexerStatus, _ time.Time) {
		if st.EscalationLevel > 0 {
			s.logger.Info().
				Int64("indexerId", indexerID).
				Int("previousLevel", st.EscalationLevel).
				Msg("Indexer recovered")
		}
		st.EscalationLevel = 0
		st.DisabledTill = nil
	})
}

// RecordFailure escalates the remote and quarantines it. A positive retryAfter
// sets the quarantine exactly; otherwise it grows from the initial backoff.
func (s *Service) RecordFailure(ctx context.Context, indexerID int64, retryAfter time.Duration, cause error) error {
	return s.recordFailure(ctx, indexerID, retryAfter, s.config.InitialBackoff, cause)
}

// RecordConnectionFailure escalates like RecordFailure but grows from the
// connection backoff, since an unreachable remote rarely recovers within minutes.
func (s *Service) RecordConnectionFailure(ctx context.Context, indexerID int64, cause error) error {
	initial := s.config.ConnectionInitialBackoff
	if initial <= 0 {
		initial = s.config.InitialBackoff
	}
	return s.recordFailure(ctx, indexerID, 0, initial, cause)
}

func (s *Service) recordFailure(ctx context.Context, indexerID int64, retryAfter, initial time.Duration, cause error) error {
	return s.update(ctx, indexerID, func(st *IndexerStatus, now time.Time) {
		if st.EscalationLevel == 0 || st.InitialFailure == nil {
			st.InitialFailure = &now
		}
		st.EscalationLevel++
		if s.config.MaxEscalation > 0 && st.EscalationLevel > s.config.MaxEscalation {
			st.EscalationLevel = s.config.MaxEscalation
		}
		st.MostRecentFailure = &now

		backoff := retryAfter
		if backoff <= 0 {
			backoff = s.config.Backoff(st.EscalationLevel, initial)
		}
		till := now.Add(backoff)
		st.DisabledTill = &till

		s.logger.Warn().
			Int64("indexerId", indexerID).
			Int("escalationLevel", st.EscalationLevel).
			Dur("backoff", backoff).
			Time("disabledTill", till).
			Err(cause).
			Msg("Recorded indexer failure, applying backoff")
	})
}

// GetCookies returns the cached session cookies, or nil when absent or expired.
func (s *Service) GetCookies(ctx context.Context, indexerID int64) (map[string]string, error) {
	st, err := s.store.Get(ctx, indexerID)
	if err != nil || st == nil {
		return nil, err
	}
	if len(st.Cookies) == 0 {
		return nil, nil
	}
	if st.CookiesExpiration != nil && !st.CookiesExpiration.After(s.now()) {
		return nil, nil
	}
	return st.Cookies, nil
}

// UpdateCookies replaces the session cookies. A nil map clears them.
func (s *Service) UpdateCookies(ctx context.Context, indexerID int64, cookies map[string]string, expiration *time.Time) error {
	return s.update(ctx, indexerID, func(st *IndexerStatus, _ time.Time) {
		if len(cookies) == 0 {
			st.Cookies = nil
			st.CookiesExpiration = nil
			return
		}
		st.Cookies = maps.Clone(cookies)
		st.CookiesExpiration = expiration
	})
}

// GetHealth returns the health summary for a remote.
func (s *Service) GetHealth(ctx context.Context, indexerID int64, indexerName string) (*IndexerHealth, error) {
	st, err := s.GetStatus(ctx, indexerID)
	if err != nil {
		return nil, err
	}
	return s.health(st, indexerName), nil
}

func (s *Service) health(st *IndexerStatus, indexerName string) *IndexerHealth {
	now := s.now()
	h := &IndexerHealth{
		IndexerID:       st.IndexerID,
		IndexerName:     indexerName,
		EscalationLevel: st.EscalationLevel,
		LastFailure:     st.MostRecentFailure,
	}

	switch {
	case st.IsDisabled(now):
		remaining := st.DisabledTill.Sub(now)
		h.Status = HealthStatusDisabled
		h.DisabledTill = st.DisabledTill
		h.DisabledFor = &Duration{remaining}
		h.Message = fmt.Sprintf("Disabled for %s due to repeated failures", remaining.Round(time.Minute))
	case st.EscalationLevel > 0:
		h.Status = HealthStatusWarning
		h.Message = fmt.Sprintf("Experienced %d recent failure(s)", st.EscalationLevel)
	default:
		h.Status = HealthStatusHealthy
		h.Message = "Operating normally"
	}
	return h
}

// ClearStatus removes everything recorded for a remote, cookies included.
func (s *Service) ClearStatus(ctx context.Context, indexerID int64) error {
	mu := s.lock(indexerID)
	defer mu.Unlock()
	if err := s.store.Delete(ctx, indexerID); err != nil {
		return err
	}
	s.logger.Info().Int64("indexerId", indexerID).Msg("Cleared indexer status")
	s.notify(indexerID, false)
	return nil
}

// GetAllStatuses returns every stored record.
func (s *Service) GetAllStatuses(ctx context.Context) ([]*IndexerStatus, error) {
	return s.store.List(ctx)
}

// GetStats summarizes the health of totalIndexers remotes; untracked ones count as healthy.
func (s *Service) GetStats(ctx context.Context, totalIndexers int) (*Stats, error) {
	all, err := s.store.List(ctx)
	if err != nil {
		return nil, err
	}
	stats := &Stats{Tracked: len(all)}
	for _, st := range all {
		switch s.health(st, "").Status {
		case HealthStatusDisabled:
			stats.Disabled++
		case HealthStatusWarning:
			stats.Warning++
		}
	}
	stats.Healthy = max(totalIndexers-stats.Disabled-stats.Warning, 0)
	return stats, nil
}

// lock acquires the mutex of one remote. Updates of different remotes never wait on each other.
func (s *Service) lock(indexerID int64) *sync.Mutex {
	v, _ := s.locks.LoadOrStore(indexerID, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu
}

func (s *Service) update(ctx context.Context, indexerID int64, fn func(st *IndexerStatus, now time.Time)) error {
	mu := s.lock(indexerID)
	defer mu.Unlock()

	st, err := s.GetStatus(ctx, indexerID)
	if err != nil {
		return err
	}
	now := s.now()
	fn(st, now)
	if err := s.store.Save(ctx, st); err != nil {
		return err
	}
	s.notify(indexerID, st.IsDisabled(now))
	return nil
}

func (s *Service) notify(indexerID int64, disabled bool) {
	if s.observer != nil {
		s.observer(indexerID, disabled)
	}
}
