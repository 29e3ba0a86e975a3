package engine

import (
	"context"
	"time"

	"questplane/pkg/config"
	"questplane/pkg/task"

	"github.com/hibiken/asynq"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// runScheduler enqueues a full sweep on a fixed interval. The worker, not
// this loop, does the actual issuance, so a slow sweep never blocks the next
// tick from being scheduled.
func runScheduler(lc fx.Lifecycle, cfg *config.Config, enqueuer task.Enqueuer) {
	done := make(chan struct{})

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			ticker := time.NewTicker(cfg.Reconcile.Interval)

			go func() {
				defer ticker.Stop()
				for {
					select {
					case <-done:
						return
					case <-ticker.C:
						t, err := NewReconcileTask("")
						if err != nil {
							zap.L().Error("failed to build reconcile task", zap.Error(err))
							continue
						}
						if _, err := enqueuer.Enqueue(t, asynq.Queue("low"), asynq.MaxRetry(3)); err != nil {
							zap.L().Error("failed to enqueue reconcile task", zap.Error(err))
						}
					}
				}
			}()

			zap.L().Info("reconcile scheduler started", zap.Duration("interval", cfg.Reconcile.Interval))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			close(done)
			return nil
		},
	})
}
