package engine

import (
	"go.uber.org/fx"
)

var Module = fx.Module("engine.service",
	fx.Provide(NewService),
	fx.Invoke(registerRoutes),
)

// Worker wires the asynq side: the reconcile handler plus the periodic
// scheduler that feeds it.
var Worker = fx.Module("engine.worker",
	fx.Provide(NewService),
	fx.Invoke(
		registerTaskHandlers,
		runScheduler,
	),
)
