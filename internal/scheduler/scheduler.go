package scheduler

import (
	"context"
	"time"

	"github.com/go-co-op/gocron"
	"go.uber.org/zap"

	"github.com/i474232898/metar-aggregation/internal/metar"
)

const warmTimeout = 30 * time.Second

// Scheduler runs the background jobs that keep the caches useful: refreshing the bulk feed
// and pruning expired reports.
type Scheduler struct {
	scheduler     *gocron.Scheduler
	service       *metar.Service
	warmInterval  time.Duration
	pruneInterval time.Duration
	logger        *zap.Logger
}

// New creates a new Scheduler. A zero warmInterval warms the feed once at start only.
func New(service *metar.Service, warmInterval, pruneInterval time.Duration, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		scheduler:     gocron.NewScheduler(time.UTC),
		service:       service,
		warmInterval:  warmInterval,
		pruneInterval: pruneInterval,
		logger:        logger,
	}
}

// Start schedules the jobs and starts the underlying scheduler. The warm-up job also runs
// immediately so the first requests find a feed in memory.
func (s *Scheduler) Start() error {
	if s.warmInterval > 0 {
		if _, err := s.scheduler.Every(s.warmInterval).Do(s.warm); err != nil {
			return err
		}
	} else {
		if _, err := s.scheduler.Every(1).Day().LimitRunsTo(1).Do(s.warm); err != nil {
			return err
		}
	}

	if s.pruneInterval > 0 {
		if _, err := s.scheduler.Every(s.pruneInterval).WaitForSchedule().Do(s.prune); err != nil {
			return err
		}
	}

	s.scheduler.StartAsync()
	return nil
}

// Stop stops the scheduler and cancels any future jobs.
func (s *Scheduler) Stop() {
	if s.scheduler != nil {
		s.scheduler.Stop()
	}
}

func (s *Scheduler) warm() {
	ctx, cancel := context.WithTimeout(context.Background(), warmTimeout)
	defer cancel()

	start := time.Now()
	if err := s.service.Warm(ctx); err != nil {
		s.logger.Warn("scheduler: feed warm-up failed", zap.Error(err))
		return
	}
	s.logger.Debug("scheduler: feed warm-up completed", zap.Duration("elapsed", time.Since(start)))
}

func (s *Scheduler) prune() {
	n := s.service.Prune()
	s.logger.Debug("scheduler: cache prune completed", zap.Int("evicted", n))
}
