package cronrunner

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Runner drives maintenance jobs on six-field cron expressions. An overrun
// job is skipped rather than stacked, and a panicking job is recovered.
type Runner struct {
	cron    *cron.Cron
	log     *zap.Logger
	baseCtx context.Context
}

func New(log *zap.Logger, baseCtx context.Context) *Runner {
	if log == nil {
		log = zap.NewNop()
	}
	if baseCtx == nil {
		baseCtx = context.Background()
	}
	logger := zapLogger{log: log.Named("cron")}
	return &Runner{
		cron: cron.New(
			cron.WithSeconds(),
			cron.WithLogger(logger),
			cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
		),
		log:     log,
		baseCtx: baseCtx,
	}
}

// Add registers job under name. The job receives the runner's base context.
func (r *Runner) Add(spec, name string, job func(context.Context) error) (cron.EntryID, error) {
	return r.cron.AddFunc(spec, func() {
		start := time.Now()
		if err := job(r.baseCtx); err != nil {
			r.log.Warn("cron job failed", zap.String("job", name), zap.Error(err))
			return
		}
		r.log.Debug("cron job finished", zap.String("job", name), zap.Duration("took", time.Since(start)))
	})
}

func (r *Runner) Start() {
	r.log.Info("cron started", zap.Int("jobs", len(r.cron.Entries())))
	r.cron.Start()
}

// Stop prevents new runs and waits for running jobs to return.
func (r *Runner) Stop() {
	ctx := r.cron.Stop()
	<-ctx.Done()
	r.log.Info("cron stopped")
}

type zapLogger struct {
	log *zap.Logger
}

func (l zapLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug(msg, zap.Any("details", keysAndValues))
}

func (l zapLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error(msg, zap.Error(err), zap.Any("details", keysAndValues))
}
