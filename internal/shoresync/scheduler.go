package shoresync

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	defaultCheckInterval   = time.Minute
	defaultMinSyncInterval = 15 * time.Minute
)

type SchedulerOptions struct {
	Engine          *Engine
	Queue           *SyncQueue
	Monitor         *NetworkMonitor
	CheckInterval   time.Duration
	MinSyncInterval time.Duration
	MinTier         LinkTier
	Logger          zerolog.Logger
}

// Scheduler opportunistically drains the queue in the background. It wakes
// on a short cadence but only triggers a drain when every gate passes: the
// engine is idle, the minimum spacing since the last attempt has elapsed,
// the link is up at an acceptable tier, and there is work queued. Satellite
// links are metered, so spacing is the point, not a nicety.
type Scheduler struct {
	engine          *Engine
	queue           *SyncQueue
	monitor         *NetworkMonitor
	checkInterval   time.Duration
	minSyncInterval time.Duration
	minTier         LinkTier
	logger          zerolog.Logger

	mu          sync.Mutex
	lastAttempt time.Time

	wake      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func NewScheduler(opts SchedulerOptions) (*Scheduler, error) {
	if opts.Engine == nil || opts.Queue == nil {
		return nil, ErrInvalidInput
	}
	checkInterval := opts.CheckInterval
	if checkInterval <= 0 {
		checkInterval = defaultCheckInterval
	}
	minSyncInterval := opts.MinSyncInterval
	if minSyncInterval <= 0 {
		minSyncInterval = defaultMinSyncInterval
	}
	minTier := opts.MinTier
	if minTier <= TierOffline {
		minTier = TierLow
	}
	return &Scheduler{
		engine:          opts.Engine,
		queue:           opts.Queue,
		monitor:         opts.Monitor,
		checkInterval:   checkInterval,
		minSyncInterval: minSyncInterval,
		minTier:         minTier,
		logger:          opts.Logger,
		wake:            make(chan struct{}, 1),
		done:            make(chan struct{}),
	}, nil
}

func (s *Scheduler) Start() {
	s.wg.Add(1)
	go s.run()
}

func (s *Scheduler) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
	})
	s.wg.Wait()
}

func (s *Scheduler) run() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.checkInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
		case <-s.wake:
		}
		s.maybeSync()
	}
}

// NotifyVisible requests an immediate gate check, used when the operator
// brings the app to the foreground. The gates still apply.
func (s *Scheduler) NotifyVisible() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// ForceSync drains immediately, skipping the spacing gate. The connectivity
// gate still holds: there is nothing to force against a dead link.
func (s *Scheduler) ForceSync(ctx context.Context) (DrainResult, error) {
	if s.monitor != nil && !s.monitor.Status().Online {
		return DrainResult{}, ErrOffline
	}
	s.mu.Lock()
	s.lastAttempt = time.Now().UTC()
	s.mu.Unlock()
	return s.engine.Drain(ctx)
}

func (s *Scheduler) maybeSync() {
	ctx, cancel := context.WithTimeout(context.Background(), s.checkInterval)
	defer cancel()

	if s.monitor != nil {
		status := s.monitor.Status()
		if !status.Online || status.Tier < s.minTier {
			return
		}
	}
	s.mu.Lock()
	since := time.Since(s.lastAttempt)
	s.mu.Unlock()
	if since < s.minSyncInterval {
		return
	}
	stats, err := s.queue.Stats(ctx)
	if err != nil {
		s.logger.Warn().Err(err).Msg("scheduler stats check failed")
		return
	}
	if stats.Unsynced == 0 {
		return
	}

	s.mu.Lock()
	s.lastAttempt = time.Now().UTC()
	s.mu.Unlock()

	result, err := s.engine.Drain(ctx)
	if err != nil {
		s.logger.Warn().Err(err).Msg("scheduled drain failed")
		return
	}
	if result.Synced > 0 || result.Failed > 0 {
		s.logger.Info().Int("synced", result.Synced).Int("failed", result.Failed).
			Int("remaining", result.Remaining).Msg("scheduled sync cycle")
	}
}

// LastAttempt reports when the scheduler last started a drain.
func (s *Scheduler) LastAttempt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastAttempt
}

// RunRetention sweeps synced queue rows older than the retention window and
// expired cache rows. Meant to be called from the scheduler's owner on a
// coarse cadence.
func (s *Scheduler) RunRetention(ctx context.Context) {
	removed, err := s.queue.ClearSyncedOlderThan(ctx, 0)
	if err != nil {
		s.logger.Warn().Err(err).Msg("queue retention sweep failed")
	} else if removed > 0 {
		s.logger.Info().Int("removed", removed).Msg("synced queue rows swept")
	}
	purged, err := s.queue.store.PurgeExpired(ctx)
	if err != nil {
		s.logger.Warn().Err(err).Msg("cache expiry sweep failed")
	} else if purged > 0 {
		s.logger.Info().Int("purged", purged).Msg("expired cache rows swept")
	}
}
