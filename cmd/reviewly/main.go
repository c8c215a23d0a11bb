package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/reviewly/reviewly/internal/config"
	"github.com/reviewly/reviewly/internal/dispatch"
	"github.com/reviewly/reviewly/internal/integration"
	"github.com/reviewly/reviewly/internal/migration"
	"github.com/reviewly/reviewly/internal/observability"
	"github.com/reviewly/reviewly/internal/server"
	"github.com/reviewly/reviewly/internal/transaction"
	"github.com/reviewly/reviewly/internal/vault"
	"github.com/reviewly/reviewly/internal/webhook"
	"github.com/reviewly/reviewly/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		fx.Provide(db.Dialect),
		db.Module,
		migration.Module,

		vault.Module,
		integration.Module,
		transaction.Module,
		webhook.Module,
		dispatch.Module,
		server.Module,
	)
	app.Run()
}

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(1)
	if err != nil {
		panic(err)
	}
	return node
}
