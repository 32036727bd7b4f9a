package app

import (
	"context"
	"errors"

	"airdrop/internal/airdrop"
	"airdrop/internal/logger"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Reconciler is the scheduled part of airdrop.Service.
type Reconciler interface {
	Reconcile(ctx context.Context) (*airdrop.Report, error)
}

// Scheduler runs reconciler passes on a cron schedule.
type Scheduler struct {
	cron       *cron.Cron
	reconciler Reconciler
	ctx        context.Context
}

// NewScheduler registers a reconciler pass under schedule. Overlapping ticks are skipped.
func NewScheduler(ctx context.Context, reconciler Reconciler, schedule string) (*Scheduler, error) {
	cronLogger := cronLog{logger.Named("cron")}
	c := cron.New(cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)))

	s := &Scheduler{cron: c, reconciler: reconciler, ctx: ctx}
	if _, err := c.AddFunc(schedule, s.run); err != nil {
		return nil, err
	}

	logger.Info("app: reconciler scheduled", zap.String("schedule", schedule))
	return s, nil
}

func (s *Scheduler) run() {
	report, err := s.reconciler.Reconcile(s.ctx)
	switch {
	case errors.Is(err, airdrop.ErrReconcileRunning):
		logger.Info("app: reconciler already running, tick skipped")
	case err != nil:
		logger.Error("app: scheduled reconcile failed", zap.Error(err))
	default:
		logger.Info("app: scheduled reconcile finished", zap.Int("paid", report.Paid), zap.Int("failed", report.Failed))
	}
}

func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop waits for a running pass to return.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

// cronLog adapts zap to cron.Logger.
type cronLog struct {
	log *zap.Logger
}

func (l cronLog) Info(msg string, keysAndValues ...any) {
	l.log.Sugar().Infow(msg, keysAndValues...)
}

func (l cronLog) Error(err error, msg string, keysAndValues ...any) {
	l.log.Sugar().Errorw(msg, append(keysAndValues, "error", err)...)
}
