package worker

import (
	"context"
	"sync"
	"time"

	"outreach/config"
	"outreach/services"
	"outreach/utils"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// EngineWorker drives the engine in-process: a scheduler tick every
// Interval and an inbox pass every InboxInterval. A run that is still going
// when its next slot comes up is skipped, not queued.
type EngineWorker struct {
	Engine        *services.Engine
	Interval      time.Duration
	InboxInterval time.Duration
	Logger        *logrus.Entry

	cron   *cron.Cron
	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
}

func NewEngineWorker(engine *services.Engine, cfg config.SchedulerConfig) *EngineWorker {
	logger := utils.Logger("engine_worker")
	cronLogger := cron.PrintfLogger(logger)
	return &EngineWorker{
		Engine:        engine,
		Interval:      cfg.Interval,
		InboxInterval: cfg.IMAPSyncInterval,
		Logger:        logger,
		cron: cron.New(cron.WithChain(
			cron.Recover(cronLogger),
			cron.SkipIfStillRunning(cronLogger),
		)),
	}
}

// Start schedules both jobs and returns immediately. Jobs run with a
// context derived from ctx and are cancelled by Stop.
func (w *EngineWorker) Start(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.ctx, w.cancel = context.WithCancel(ctx)

	if w.Interval > 0 {
		w.cron.Schedule(cron.Every(w.Interval), cron.FuncJob(w.runTick))
	}
	if w.InboxInterval > 0 {
		w.cron.Schedule(cron.Every(w.InboxInterval), cron.FuncJob(w.runInbox))
	}
	w.cron.Start()

	w.Logger.WithFields(logrus.Fields{
		"interval":       w.Interval.String(),
		"inbox_interval": w.InboxInterval.String(),
	}).Info("Engine worker started")
}

// Stop cancels running jobs and waits for them to return.
func (w *EngineWorker) Stop() {
	w.mu.Lock()
	if w.cancel != nil {
		w.cancel()
	}
	w.mu.Unlock()

	<-w.cron.Stop().Done()
	w.Logger.Info("Engine worker stopped")
}

func (w *EngineWorker) runTick() {
	ctx := w.ctx
	if ctx.Err() != nil {
		return
	}

	report, err := w.Engine.RunCycle(ctx, false)
	if err != nil {
		utils.LogError("scheduler_tick_failed", err, nil)
		return
	}

	totals := report.Tick.Totals()
	if totals.Sent > 0 || totals.Failed > 0 {
		w.Logger.WithFields(logrus.Fields{
			"sent":     totals.Sent,
			"failed":   totals.Failed,
			"skipped":  totals.Skipped,
			"deferred": totals.Deferred,
			"took":     utils.FormatDuration(report.Tick.FinishedAt.Sub(report.Tick.StartedAt)),
		}).Info("Scheduler tick finished")
	}
}

func (w *EngineWorker) runInbox() {
	ctx := w.ctx
	if ctx.Err() != nil {
		return
	}

	report, err := w.Engine.InboxSync.SyncAll(ctx)
	if err != nil {
		utils.LogError("inbox_sync_failed", err, nil)
		return
	}

	var processed, failed int
	for _, a := range report.Accounts {
		processed += a.Processed
		if a.Error != "" {
			failed++
		}
	}
	if processed > 0 || failed > 0 {
		w.Logger.WithFields(logrus.Fields{
			"accounts":  len(report.Accounts),
			"processed": processed,
			"failed":    failed,
		}).Info("Inbox sync finished")
	}
	if w.Engine.OnCycle != nil {
		w.Engine.OnCycle(&services.CycleReport{Inbox: report})
	}
}
