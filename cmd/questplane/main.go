package main

import (
	"log"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"questplane/pkg/chain"
	"questplane/pkg/config"
	"questplane/pkg/db"
	"questplane/pkg/health"
	"questplane/pkg/logger"
	"questplane/pkg/redis"
	"questplane/pkg/sequence"
	"questplane/pkg/server"
	"questplane/services/engine"
	"questplane/services/progression"
	"questplane/services/quest"
	"questplane/services/reward"
	"questplane/services/verifier"
)

func main() {
	opts := []fx.Option{
		config.Module,
		logger.Module,
		db.Module,
		redis.Module,
		sequence.Module,
		chain.Module,
		fx.Provide(
			provideSnowflakeNode,
		),
		fx.Invoke(
			autoMigrate,
		),
		quest.Module,
		verifier.Module,
		progression.Module,
		reward.Module,
		engine.Module,
		health.Module,
		server.ProvideHTTPServer,
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

func autoMigrate(gdb *gorm.DB) error {
	return gdb.AutoMigrate(
		&quest.Quest{},
		&quest.Task{},
		&progression.Record{},
		&progression.TaskCompletion{},
		&reward.Grant{},
	)
}
