package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/licensing/internal/authorization"
	"github.com/smallbiznis/licensing/internal/billingevent"
	"github.com/smallbiznis/licensing/internal/checkout"
	"github.com/smallbiznis/licensing/internal/clock"
	"github.com/smallbiznis/licensing/internal/config"
	"github.com/smallbiznis/licensing/internal/device"
	"github.com/smallbiznis/licensing/internal/entitlement"
	"github.com/smallbiznis/licensing/internal/licensekey"
	"github.com/smallbiznis/licensing/internal/migration"
	"github.com/smallbiznis/licensing/internal/observability"
	"github.com/smallbiznis/licensing/internal/providers"
	"github.com/smallbiznis/licensing/internal/ratelimit"
	"github.com/smallbiznis/licensing/internal/reconcile"
	"github.com/smallbiznis/licensing/internal/server"
	"github.com/smallbiznis/licensing/internal/subjectlock"
	"github.com/smallbiznis/licensing/pkg/db"
	"go.uber.org/fx"
)

// admin serves the operator routes on ADMIN_HTTP_ADDR. Keep it off the
// public network. It needs no identity provider.
func main() {
	app := fx.New(
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		migration.Module,
		clock.Module,
		ratelimit.Module,
		subjectlock.Module,

		entitlement.Module,
		device.Module,
		billingevent.Module,
		reconcile.Module,
		providers.Module,
		checkout.Module,
		licensekey.Module,
		authorization.Module,

		server.AdminModule,
	)
	app.Run()
}

func RegisterSnowflake(cfg config.Config) (*snowflake.Node, error) {
	return snowflake.NewNode(cfg.SnowflakeNode)
}
