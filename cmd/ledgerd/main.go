package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/ledgerd/internal/audit"
	"github.com/smallbiznis/ledgerd/internal/billingrun"
	"github.com/smallbiznis/ledgerd/internal/cache"
	"github.com/smallbiznis/ledgerd/internal/clock"
	"github.com/smallbiznis/ledgerd/internal/config"
	"github.com/smallbiznis/ledgerd/internal/events"
	"github.com/smallbiznis/ledgerd/internal/ledger"
	"github.com/smallbiznis/ledgerd/internal/migration"
	"github.com/smallbiznis/ledgerd/internal/observability"
	"github.com/smallbiznis/ledgerd/internal/pricing"
	"github.com/smallbiznis/ledgerd/internal/ratelimit"
	"github.com/smallbiznis/ledgerd/internal/scheduler"
	"github.com/smallbiznis/ledgerd/internal/seed"
	"github.com/smallbiznis/ledgerd/internal/server"
	"github.com/smallbiznis/ledgerd/internal/usage"
	"github.com/smallbiznis/ledgerd/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		// Infrastructure
		config.Module,
		observability.Module,
		fx.Provide(newSnowflakeNode),
		db.Module,
		clock.Module,
		migration.Module,
		cache.Module,
		ratelimit.Module,
		events.Module,

		// Domains
		audit.Module,
		pricing.Module,
		ledger.Module,
		usage.Module,
		billingrun.Module,
		scheduler.Module,
		seed.Module,

		// HTTP surface
		server.Module,
	)
	app.Run()
}

func newSnowflakeNode() (*snowflake.Node, error) {
	return snowflake.NewNode(1)
}
