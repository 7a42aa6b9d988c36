package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/siteforge/siteforge/internal/audit"
	"github.com/siteforge/siteforge/internal/clock"
	"github.com/siteforge/siteforge/internal/config"
	"github.com/siteforge/siteforge/internal/deployment"
	"github.com/siteforge/siteforge/internal/migration"
	"github.com/siteforge/siteforge/internal/observability"
	"github.com/siteforge/siteforge/internal/project"
	deployproviders "github.com/siteforge/siteforge/internal/providers/deploy"
	registryprovider "github.com/siteforge/siteforge/internal/providers/registry"
	"github.com/siteforge/siteforge/internal/scheduler"
	"github.com/siteforge/siteforge/internal/server"
	"github.com/siteforge/siteforge/internal/webhook"
	"github.com/siteforge/siteforge/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		// Core infrastructure
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		migration.Module,

		// Domains
		audit.Module,
		project.Module,
		deployment.Module,
		webhook.Module,
		deployproviders.Module,
		registryprovider.Module,

		// Surfaces
		server.Module,
		scheduler.Module,
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
