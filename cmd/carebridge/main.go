package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/carebridge/carebridge/internal/authorization"
	"github.com/carebridge/carebridge/internal/billingrecord"
	"github.com/carebridge/carebridge/internal/clock"
	"github.com/carebridge/carebridge/internal/config"
	"github.com/carebridge/carebridge/internal/events"
	"github.com/carebridge/carebridge/internal/ledger"
	"github.com/carebridge/carebridge/internal/locks"
	"github.com/carebridge/carebridge/internal/logger"
	"github.com/carebridge/carebridge/internal/migration"
	"github.com/carebridge/carebridge/internal/payment"
	"github.com/carebridge/carebridge/internal/scheduler"
	"github.com/carebridge/carebridge/internal/subscription"
	"github.com/carebridge/carebridge/internal/wallet"
	"github.com/carebridge/carebridge/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		// Core infrastructure
		config.Module,
		logger.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		migration.Module,

		// Domain services
		authorization.Module,
		events.Module,
		ledger.Module,
		wallet.Module,
		billingrecord.Module,
		subscription.Module,
		payment.Module,

		// Billing sweeps
		locks.Module,
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
