package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/rephlo/metering/internal/cache"
	"github.com/rephlo/metering/internal/clock"
	"github.com/rephlo/metering/internal/config"
	"github.com/rephlo/metering/internal/events"
	"github.com/rephlo/metering/internal/ledger"
	"github.com/rephlo/metering/internal/lock"
	"github.com/rephlo/metering/internal/margin"
	"github.com/rephlo/metering/internal/migration"
	"github.com/rephlo/metering/internal/observability"
	"github.com/rephlo/metering/internal/pricing"
	"github.com/rephlo/metering/internal/proration"
	"github.com/rephlo/metering/internal/scheduler"
	"github.com/rephlo/metering/internal/upgrade"
	"github.com/rephlo/metering/pkg/db"
	"github.com/rephlo/metering/pkg/log"
	"github.com/rephlo/metering/pkg/telemetry"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		// Core infrastructure
		config.Module,
		config.BillingModule,
		log.Module,
		observability.Module,
		telemetry.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		migration.Module,
		clock.Module,
		lock.Module,
		cache.Module,
		events.Module,
		events.DispatcherModule,

		// Functional domains
		pricing.Module,
		margin.Module,
		ledger.Module,
		proration.Module,
		upgrade.Module,
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
