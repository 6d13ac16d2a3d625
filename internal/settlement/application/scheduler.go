package application

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	settlement "settlement-engine/internal/settlement/domain"
)

const (
	DefaultAggregateSchedule = "0 3 * * MON"
	DefaultReconcileSchedule = "*/15 * * * *"

	jobAggregateWeek = "aggregate-week"
	jobReconcile     = "reconcile-sweep"

	defaultJobTimeout = 10 * time.Minute
)

// WeekUpserter writes a week of settlements.
type WeekUpserter interface {
	UpsertWeek(ctx context.Context, week settlement.WeekRange) (settlement.WeekResult, error)
}

// Sweeper runs one reconciliation pass.
type Sweeper interface {
	Sweep(ctx context.Context) (SweepResult, error)
}

// JobLocker makes sure one replica runs a scheduled job at a time. ok is false
// when another holder has the lock.
type JobLocker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (release func(), ok bool, err error)
}

// SchedulerConfig sets the cron expressions and operating timezone.
type SchedulerConfig struct {
	Location          *time.Location
	AggregateSchedule string
	ReconcileSchedule string
	JobTimeout        time.Duration
}

// Scheduler triggers weekly aggregation and reconciliation sweeps.
type Scheduler struct {
	store   WeekUpserter
	sweeper Sweeper
	locker  JobLocker
	cfg     SchedulerConfig
	clock   Clock
	logger  logrus.FieldLogger
	cron    *cron.Cron

	mu   sync.Mutex
	base context.Context
}

// NewScheduler constructs a scheduler. sweeper and locker may be nil.
func NewScheduler(store WeekUpserter, sweeper Sweeper, locker JobLocker, cfg SchedulerConfig, clock Clock, logger logrus.FieldLogger) (*Scheduler, error) {
	if store == nil {
		return nil, errors.New("scheduler: nil week store")
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.AggregateSchedule == "" {
		cfg.AggregateSchedule = DefaultAggregateSchedule
	}
	if cfg.ReconcileSchedule == "" {
		cfg.ReconcileSchedule = DefaultReconcileSchedule
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = defaultJobTimeout
	}
	if clock == nil {
		clock = SystemClock{}
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	s := &Scheduler{
		store:   store,
		sweeper: sweeper,
		locker:  locker,
		cfg:     cfg,
		clock:   clock,
		logger:  logger,
		base:    context.Background(),
	}

	cronLogger := cron.PrintfLogger(logger)
	s.cron = cron.New(
		cron.WithLocation(cfg.Location),
		cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)),
	)
	if _, err := s.cron.AddFunc(cfg.AggregateSchedule, func() {
		s.runJob(jobAggregateWeek, func(ctx context.Context) error {
			_, err := s.AggregatePreviousWeek(ctx)
			return err
		})
	}); err != nil {
		return nil, fmt.Errorf("scheduler: aggregate schedule %q: %w", cfg.AggregateSchedule, err)
	}
	if sweeper != nil {
		if _, err := s.cron.AddFunc(cfg.ReconcileSchedule, func() {
			s.runJob(jobReconcile, func(ctx context.Context) error {
				_, err := s.sweeper.Sweep(ctx)
				return err
			})
		}); err != nil {
			return nil, fmt.Errorf("scheduler: reconcile schedule %q: %w", cfg.ReconcileSchedule, err)
		}
	}
	return s, nil
}

// Start runs the cron loop until ctx is cancelled, then waits for running jobs.
func (s *Scheduler) Start(ctx context.Context) {
	if s == nil {
		return
	}
	s.mu.Lock()
	s.base = ctx
	s.mu.Unlock()

	s.cron.Start()
	s.logger.WithFields(logrus.Fields{
		"aggregate_schedule": s.cfg.AggregateSchedule,
		"reconcile_schedule": s.cfg.ReconcileSchedule,
		"timezone":           s.cfg.Location.String(),
	}).Info("scheduler started")
	<-ctx.Done()
	<-s.cron.Stop().Done()
	s.logger.Info("scheduler stopped")
}

// AggregatePreviousWeek upserts the week before the current one.
func (s *Scheduler) AggregatePreviousWeek(ctx context.Context) (settlement.WeekResult, error) {
	week := settlement.CurrentWeek(s.clock.Now(), s.cfg.Location).Previous()
	return s.store.UpsertWeek(ctx, week)
}

func (s *Scheduler) runJob(name string, job func(ctx context.Context) error) {
	s.mu.Lock()
	base := s.base
	s.mu.Unlock()
	ctx, cancel := context.WithTimeout(base, s.cfg.JobTimeout)
	defer cancel()

	log := s.logger.WithField("job", name)
	if s.locker != nil {
		release, ok, err := s.locker.Acquire(ctx, "settlement:job:"+name, s.cfg.JobTimeout)
		if err != nil {
			log.WithError(err).Warn("job lock unavailable, skipping run")
			return
		}
		if !ok {
			log.Debug("job running on another replica")
			return
		}
		defer release()
	}

	started := s.clock.Now()
	if err := job(ctx); err != nil {
		log.WithError(err).Error("scheduled job failed")
		return
	}
	log.WithField("duration", s.clock.Now().Sub(started).String()).Info("scheduled job finished")
}
