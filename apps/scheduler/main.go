package main

import (
	"github.com/smallbiznis/licensing/internal/billingevent"
	"github.com/smallbiznis/licensing/internal/clock"
	"github.com/smallbiznis/licensing/internal/config"
	"github.com/smallbiznis/licensing/internal/observability"
	"github.com/smallbiznis/licensing/internal/scheduler"
	"github.com/smallbiznis/licensing/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		config.Module,
		observability.Module,
		db.Module,
		clock.Module,

		billingevent.Module,
		scheduler.Module,

		// No server module!
	)
	app.Run()
}
