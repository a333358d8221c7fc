package worker

import (
	"context"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/sirupsen/logrus"

	"nudgemail/engine"
)

// SchedulerWorker runs the follow-up processing pass on a fixed interval.
type SchedulerWorker struct {
	engine   *engine.Engine
	logger   *logrus.Entry
	interval time.Duration
}

func NewSchedulerWorker(en *engine.Engine, logger *logrus.Logger, interval time.Duration) *SchedulerWorker {
	if interval <= 0 {
		interval = time.Minute
	}
	return &SchedulerWorker{
		engine:   en,
		logger:   logger.WithField("component", "scheduler-worker"),
		interval: interval,
	}
}

func (sw *SchedulerWorker) Start(ctx context.Context) {
	// Initial delay to let the server start up
	time.Sleep(10 * time.Second)

	sw.logger.WithField("interval", sw.interval.String()).Info("Scheduler worker started")

	ticker := time.NewTicker(sw.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			sw.logger.Info("Scheduler worker shutting down...")
			return
		case <-ticker.C:
			sw.runPass(ctx)
		}
	}
}

func (sw *SchedulerWorker) runPass(ctx context.Context) {
	report, err := sw.engine.RunPass(ctx, time.Now())
	if err != nil {
		sw.logger.WithError(err).Error("Processing pass failed")
		sentry.CaptureException(err)
		return
	}
	if report.Processed > 0 {
		sw.logger.WithFields(logrus.Fields{
			"processed": report.Processed,
			"sent":      report.Sent,
			"failed":    report.Failed,
			"gated":     report.Gated,
			"skipped":   report.Skipped,
		}).Info("Processing pass finished")
	}
}
