// Package jobs runs the periodic maintenance work of the ledger: sweeping
// expired rewards and replaying queued transaction log entries.
package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/leadloop/points/internal/backfill"
	"github.com/leadloop/points/internal/reward"
	"github.com/leadloop/points/pkg/points"
)

const (
	defaultRewardSweepSpec   = "0 */5 * * * *"
	defaultBackfillFlushSpec = "*/30 * * * * *"
)

// Config carries the cron specs for the maintenance jobs. Specs use the
// six-field form with a leading seconds column.
type Config struct {
	RewardSweepSpec   string
	BackfillFlushSpec string
}

func (config Config) withDefaults() Config {
	if config.RewardSweepSpec == "" {
		config.RewardSweepSpec = defaultRewardSweepSpec
	}
	if config.BackfillFlushSpec == "" {
		config.BackfillFlushSpec = defaultBackfillFlushSpec
	}
	return config
}

// Scheduler owns the cron runner and the registered maintenance jobs.
type Scheduler struct {
	cron    *cron.Cron
	granter *reward.Granter
	queue   *backfill.Queue
	store   points.Store
	logger  *zap.Logger
}

// NewScheduler registers the reward sweep and backfill flush jobs on a UTC
// cron runner. It returns an error when a spec does not parse.
func NewScheduler(config Config, granter *reward.Granter, queue *backfill.Queue, store points.Store, logger *zap.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	config = config.withDefaults()

	scheduler := &Scheduler{
		cron: cron.New(
			cron.WithLocation(time.UTC),
			cron.WithSeconds(),
		),
		granter: granter,
		queue:   queue,
		store:   store,
		logger:  logger,
	}

	if _, err := scheduler.cron.AddFunc(config.RewardSweepSpec, scheduler.runRewardSweep); err != nil {
		return nil, fmt.Errorf("register reward sweep: %w", err)
	}
	if _, err := scheduler.cron.AddFunc(config.BackfillFlushSpec, scheduler.runBackfillFlush); err != nil {
		return nil, fmt.Errorf("register backfill flush: %w", err)
	}
	return scheduler, nil
}

// Start begins executing registered jobs on their schedules.
func (scheduler *Scheduler) Start() {
	scheduler.cron.Start()
	scheduler.logger.Info("scheduler started")
}

// Stop halts scheduling and waits for in-flight jobs to finish.
func (scheduler *Scheduler) Stop() {
	stopCtx := scheduler.cron.Stop()
	<-stopCtx.Done()
	scheduler.logger.Info("scheduler stopped")
}

func (scheduler *Scheduler) runRewardSweep() {
	defer scheduler.recoverJob("reward_sweep")
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	expired, err := scheduler.granter.ExpireDueRewards(ctx)
	if err != nil {
		scheduler.logger.Warn("reward sweep failed", zap.Error(err))
		return
	}
	if expired > 0 {
		scheduler.logger.Info("reward sweep expired rewards", zap.Int64("count", expired))
	}
}

func (scheduler *Scheduler) runBackfillFlush() {
	defer scheduler.recoverJob("backfill_flush")
	if scheduler.queue.Size() == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	flushed := scheduler.queue.Flush(ctx, scheduler.store)
	if flushed > 0 {
		scheduler.logger.Info("backfill flush replayed transactions", zap.Int("count", flushed))
	}
}

// recoverJob keeps a panicking job from killing the cron runner.
func (scheduler *Scheduler) recoverJob(jobName string) {
	if recovered := recover(); recovered != nil {
		scheduler.logger.Error("job panicked",
			zap.String("job", jobName),
			zap.Any("panic", recovered),
		)
	}
}
