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
	"github.com/carebridge/carebridge/internal/payment"
	"github.com/carebridge/carebridge/internal/scheduler"
	"github.com/carebridge/carebridge/internal/subscription"
	"github.com/carebridge/carebridge/internal/wallet"
	"github.com/carebridge/carebridge/pkg/db"
	"go.uber.org/fx"
)

// Scheduler-only entrypoint for running billing sweeps separately from the
// main service. Multiple instances coordinate through the redis leadership
// lock; without redis configured, run exactly one.
func main() {
	app := fx.New(
		config.Module,
		logger.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,

		// Domain services required by the sweeps
		authorization.Module,
		events.Module,
		ledger.Module,
		wallet.Module,
		billingrecord.Module,
		subscription.Module,
		payment.Module,

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
