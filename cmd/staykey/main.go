package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/staykey/internal/activity"
	"github.com/smallbiznis/staykey/internal/booking"
	"github.com/smallbiznis/staykey/internal/clock"
	"github.com/smallbiznis/staykey/internal/config"
	"github.com/smallbiznis/staykey/internal/devicegateway"
	"github.com/smallbiznis/staykey/internal/keycode"
	"github.com/smallbiznis/staykey/internal/migration"
	"github.com/smallbiznis/staykey/internal/observability"
	"github.com/smallbiznis/staykey/internal/provisioning"
	"github.com/smallbiznis/staykey/internal/ratelimit"
	"github.com/smallbiznis/staykey/internal/scheduler"
	"github.com/smallbiznis/staykey/internal/server"
	"github.com/smallbiznis/staykey/internal/virtualkey"
	"github.com/smallbiznis/staykey/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		// Core Infrastructure
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		migration.Module,

		// Functional Domains
		ratelimit.Module,
		devicegateway.Module,
		keycode.Module,
		booking.Module,
		virtualkey.Module,
		activity.Module,
		provisioning.Module,
		scheduler.Module,
		scheduler.Runner,

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
