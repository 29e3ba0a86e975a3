package main

import (
	"log"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"questplane/pkg/chain"
	"questplane/pkg/config"
	"questplane/pkg/db"
	"questplane/pkg/logger"
	"questplane/pkg/redis"
	"questplane/pkg/sequence"
	"questplane/pkg/task"
	"questplane/services/engine"
	"questplane/services/progression"
	"questplane/services/quest"
	"questplane/services/reward"
	"questplane/services/verifier"
)

// The reconciler runs the sweep worker only: no HTTP surface, just the
// asynq consumer plus the scheduler that feeds it.
func main() {
	opts := []fx.Option{
		config.Module,
		logger.Module,
		db.Module,
		redis.Module,
		sequence.Module,
		chain.Module,
		task.Client,
		task.Server,
		fx.Provide(
			provideSnowflakeNode,
			quest.NewService,
			progression.NewStore,
			verifier.NewVerifier,
			reward.NewLogDispatcher,
			reward.NewService,
		),
		engine.Worker,
		fxLogger,
	}

	if err := fx.ValidateApp(opts...); err != nil {
		log.Fatalf("fx validation failed: %v", err)
	}

	app := fx.New(opts...)

	app.Run()
}

var fxLogger = fx.WithLogger(func(cfg *config.Config, logger *zap.Logger) fxevent.Logger {
	return fxevent.NopLogger
})

func provideSnowflakeNode() (*snowflake.Node, error) {
	return snowflake.NewNode(1)
}
