package jobs

import (
	"context"
	"log/slog"
	"time"

	"github.com/coltonfrstt/koltbot-control-plane/internal/metrics"
)

// Sweeper removes rows whose expiry has passed. Backends with native TTL
// do not need it.
type Sweeper interface {
	SweepExpired(context.Context) error
}

const DefaultSweepInterval = time.Minute

type Runner struct {
	store    Sweeper
	interval time.Duration
	log      *slog.Logger
}

func NewRunner(store Sweeper, interval time.Duration, log *slog.Logger) *Runner {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	if log == nil {
		log = slog.Default()
	}
	return &Runner{store: store, interval: interval, log: log}
}

func (r *Runner) Start(ctx context.Context) {
	go r.runEvery(ctx, "ttl_sweep", r.interval, r.store.SweepExpired)
}

func (r *Runner) runEvery(ctx context.Context, name string, interval time.Duration, fn func(context.Context) error) {
	r.runOnce(ctx, name, fn)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.runOnce(ctx, name, fn)
		}
	}
}

func (r *Runner) runOnce(ctx context.Context, name string, fn func(context.Context) error) {
	start := time.Now()
	err := fn(ctx)
	durMs := float64(time.Since(start).Milliseconds())
	status := "ok"
	if err != nil {
		status = "error"
		r.log.Error("job_run", "job", name, "status", status, "duration_ms", int64(durMs), "err", err)
	} else {
		r.log.Info("job_run", "job", name, "status", status, "duration_ms", int64(durMs))
	}
	metrics.Default().IncCounter("koltbot_job_runs_total", map[string]string{"job": name, "status": status})
	metrics.Default().ObserveHistogram("koltbot_job_duration_ms", durMs, map[string]string{"job": name})
}
