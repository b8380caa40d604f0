package scheduler

import (
	"context"

	"github.com/smallbiznis/staykey/internal/config"
	"go.uber.org/fx"
)

// Module provides the scheduler; the HTTP job endpoints use it directly.
var Module = fx.Module("scheduler",
	fx.Provide(ProvideConfig),
	fx.Provide(New),
)

// Runner starts the in-process ticker alongside Module.
var Runner = fx.Invoke(NewScheduler)

func NewScheduler(lc fx.Lifecycle, cfg config.Config, sched *Scheduler) {
	if !cfg.Scheduler.Enabled {
		return
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			ctx, cancel := context.WithCancel(context.Background())

			go sched.RunForever(ctx)

			lc.Append(fx.Hook{
				OnStop: func(context.Context) error {
					cancel()
					return nil
				},
			})

			return nil
		},
	})
}
