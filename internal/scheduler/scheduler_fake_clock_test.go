package scheduler

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/carebridge/carebridge/internal/authorization"
	billingrecorddomain "github.com/carebridge/carebridge/internal/billingrecord/domain"
	billingrecordrepository "github.com/carebridge/carebridge/internal/billingrecord/repository"
	billingrecordservice "github.com/carebridge/carebridge/internal/billingrecord/service"
	"github.com/carebridge/carebridge/internal/clock"
	"github.com/carebridge/carebridge/internal/config"
	"github.com/carebridge/carebridge/internal/events"
	ledgerdomain "github.com/carebridge/carebridge/internal/ledger/domain"
	ledgerrepository "github.com/carebridge/carebridge/internal/ledger/repository"
	ledgerservice "github.com/carebridge/carebridge/internal/ledger/service"
	"github.com/carebridge/carebridge/internal/money"
	"github.com/carebridge/carebridge/internal/payment/adapters"
	"github.com/carebridge/carebridge/internal/payment/adapters/sandbox"
	paymentdomain "github.com/carebridge/carebridge/internal/payment/domain"
	paymentrepository "github.com/carebridge/carebridge/internal/payment/repository"
	paymentservice "github.com/carebridge/carebridge/internal/payment/service"
	subscriptiondomain "github.com/carebridge/carebridge/internal/subscription/domain"
	subscriptionrepository "github.com/carebridge/carebridge/internal/subscription/repository"
	subscriptionservice "github.com/carebridge/carebridge/internal/subscription/service"
	walletdomain "github.com/carebridge/carebridge/internal/wallet/domain"
	walletrepository "github.com/carebridge/carebridge/internal/wallet/repository"
	walletservice "github.com/carebridge/carebridge/internal/wallet/service"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func setupTestDB(t *testing.T) *gorm.DB {
	// Each pooled connection to a plain ":memory:" DSN gets its own database;
	// a named shared-cache DSN keeps the migrated schema visible on every
	// connection while staying private to this test.
	db, err := gorm.Open(sqlite.Open("file:"+t.Name()+"?mode=memory&cache=shared"), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}

	// SQLite support hack: remove FOR UPDATE clauses
	stripForUpdate := func(d *gorm.DB) {
		sql := d.Statement.SQL.String()
		if strings.Contains(sql, "FOR UPDATE") {
			newSQL := strings.ReplaceAll(sql, "FOR UPDATE SKIP LOCKED", "")
			newSQL = strings.ReplaceAll(newSQL, "FOR UPDATE", "")
			d.Statement.SQL.Reset()
			d.Statement.SQL.WriteString(newSQL)
		}
	}
	db.Callback().Query().Before("gorm:query").Register("sqlite_skip_locked", stripForUpdate)
	db.Callback().Row().Before("gorm:row").Register("sqlite_skip_locked_row", stripForUpdate)

	if err := db.AutoMigrate(
		&subscriptiondomain.Subscription{},
		&subscriptiondomain.PlanChangeRecord{},
		&walletdomain.Wallet{},
		&ledgerdomain.Entry{},
		&billingrecorddomain.BillingRecord{},
		&paymentdomain.GatewayEvent{},
		&events.Event{},
	); err != nil {
		t.Fatalf("failed to migrate database: %v", err)
	}
	return db
}

type sweepEnv struct {
	scheduler     *Scheduler
	subscriptions subscriptiondomain.Service
	billing       billingrecorddomain.Service
	wallets       walletdomain.Service
	clock         *clock.FakeClock
	db            *gorm.DB
}

func newSweepEnv(t *testing.T) *sweepEnv {
	db := setupTestDB(t)

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	fakeClock := clock.NewFakeClock(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	logger := zap.NewNop()
	policy := config.NewStaticBillingPolicyHolder(config.DefaultBillingPolicy())

	enforcer, err := authorization.NewEnforcer(db)
	require.NoError(t, err)
	authzSvc := authorization.NewService(authorization.Params{
		DB:       db,
		Log:      logger,
		Enforcer: enforcer,
	})

	ledgerSvc := ledgerservice.NewService(ledgerservice.Params{
		DB:    db,
		Log:   logger,
		GenID: node,
		Clock: fakeClock,
		Repo:  ledgerrepository.Provide(),
	})
	walletSvc := walletservice.NewService(walletservice.Params{
		DB:     db,
		Log:    logger,
		GenID:  node,
		Clock:  fakeClock,
		Repo:   walletrepository.Provide(),
		Ledger: ledgerSvc,
	})
	outbox := events.NewPublisher(events.Params{
		DB:    db,
		Log:   logger,
		GenID: node,
		Clock: fakeClock,
	})

	subscriptionSvc := subscriptionservice.NewService(subscriptionservice.Params{
		DB:     db,
		Log:    logger,
		GenID:  node,
		Clock:  fakeClock,
		Policy: policy,
		Repo:   subscriptionrepository.Provide(),
		Authz:  authzSvc,
		Wallet: walletSvc,
		Outbox: outbox,
	})
	billingSvc := billingrecordservice.NewService(billingrecordservice.Params{
		DB:     db,
		Log:    logger,
		GenID:  node,
		Clock:  fakeClock,
		Policy: policy,
		Repo:   billingrecordrepository.Provide(),
	})
	paymentSvc, err := paymentservice.NewService(paymentservice.Params{
		DB:       db,
		Log:      logger,
		GenID:    node,
		Clock:    fakeClock,
		Config:   config.Config{GatewayProvider: "sandbox"},
		Registry: adapters.NewRegistry(sandbox.NewFactory()),
		Repo:     paymentrepository.Provide(),
	})
	require.NoError(t, err)

	sched, err := New(Params{
		DB:              db,
		Log:             logger,
		GenID:           node,
		Clock:           fakeClock,
		Policy:          policy,
		SubscriptionSvc: subscriptionSvc,
		BillingSvc:      billingSvc,
		WalletSvc:       walletSvc,
		PaymentSvc:      paymentSvc,
		Outbox:          outbox,
		Config: Config{
			RunInterval: time.Minute,
			BatchSize:   10,
			JobTimeout:  30 * time.Second,
		},
	})
	require.NoError(t, err)

	return &sweepEnv{
		scheduler:     sched,
		subscriptions: subscriptionSvc,
		billing:       billingSvc,
		wallets:       walletSvc,
		clock:         fakeClock,
		db:            db,
	}
}

func activateSubscription(t *testing.T, env *sweepEnv, token string) *subscriptiondomain.Subscription {
	ctx := context.Background()
	sub, err := env.subscriptions.Create(ctx, subscriptiondomain.CreateRequest{
		ClientID:           10,
		CaregiverID:        20,
		GigID:              snowflake.ID(500),
		OrderID:            "order-init",
		FrequencyPerWeek:   3,
		BillingCycleDays:   30,
		PricePerCycle:      money.MustNew("300.00", "USD"),
		PaymentMethodToken: token,
	})
	require.NoError(t, err)

	activated, err := env.subscriptions.Activate(ctx, sub.ID)
	require.NoError(t, err)
	require.Equal(t, subscriptiondomain.StatusActive, activated.Status)
	return activated
}

func countOutbox(t *testing.T, env *sweepEnv, eventType string, aggregateID string) int64 {
	var count int64
	require.NoError(t, env.db.Raw(
		`SELECT COUNT(1) FROM outbox_events WHERE type = ? AND aggregate_id = ?`,
		eventType, aggregateID,
	).Scan(&count).Error)
	return count
}

func TestRunOnceSettlesDueSubscription(t *testing.T) {
	env := newSweepEnv(t)
	sub := activateSubscription(t, env, "tok_test")
	ctx := context.Background()
	firstPeriodEnd := *sub.CurrentPeriodEnd

	// Nothing due yet; the sweep is a no-op.
	require.NoError(t, env.scheduler.RunOnce(ctx))
	_, err := env.billing.GetByOrderID(ctx, billingrecorddomain.OrderIDFor(sub.ID, 2))
	require.ErrorIs(t, err, billingrecorddomain.ErrRecordNotFound)

	env.clock.Advance(30 * 24 * time.Hour)
	require.NoError(t, env.scheduler.RunOnce(ctx))

	record, err := env.billing.GetByOrderID(ctx, billingrecorddomain.OrderIDFor(sub.ID, 2))
	require.NoError(t, err)
	require.Equal(t, 2, record.BillingCycleNumber)
	require.Equal(t, "300", record.AmountPaid.String())
	// 5% order fee plus 10% service charge leaves the caregiver 85%.
	require.Equal(t, "255", record.NetAmount.String())
	require.Equal(t, "sandbox", record.GatewayProvider)
	require.NotEmpty(t, record.GatewayTransactionID)
	require.True(t, record.PeriodStart.Equal(firstPeriodEnd))
	require.True(t, record.PeriodEnd.Equal(firstPeriodEnd.Add(30*24*time.Hour)))

	got, err := env.subscriptions.Get(ctx, sub.ID)
	require.NoError(t, err)
	require.Equal(t, 2, got.BillingCycleNumber)
	require.True(t, got.CurrentPeriodStart.Equal(firstPeriodEnd))
	require.True(t, got.NextChargeDate.Equal(*got.CurrentPeriodEnd))
	require.Nil(t, got.ChargeInProgressAt)

	wallet, err := env.wallets.Get(ctx, 20)
	require.NoError(t, err)
	require.Equal(t, "255", wallet.WithdrawableBalance.String())

	require.EqualValues(t, 1, countOutbox(t, env, events.TypeChargeSucceeded, sub.ID.String()))
}

func TestRunOnceReplayDoesNotDoubleCharge(t *testing.T) {
	env := newSweepEnv(t)
	sub := activateSubscription(t, env, "tok_test")
	ctx := context.Background()

	env.clock.Advance(30 * 24 * time.Hour)
	require.NoError(t, env.scheduler.RunOnce(ctx))
	require.NoError(t, env.scheduler.RunOnce(ctx))

	var recordCount int64
	require.NoError(t, env.db.Raw(
		`SELECT COUNT(1) FROM billing_records WHERE subscription_id = ?`, sub.ID,
	).Scan(&recordCount).Error)
	require.EqualValues(t, 1, recordCount)

	got, err := env.subscriptions.Get(ctx, sub.ID)
	require.NoError(t, err)
	require.Equal(t, 2, got.BillingCycleNumber)

	wallet, err := env.wallets.Get(ctx, 20)
	require.NoError(t, err)
	require.Equal(t, "255", wallet.WithdrawableBalance.String())
}

func TestDeclineExhaustsRetriesAndTerminates(t *testing.T) {
	env := newSweepEnv(t)
	sub := activateSubscription(t, env, "tok_decline_visa")
	ctx := context.Background()

	env.clock.Advance(30 * 24 * time.Hour)

	// Two failed sweeps leave the subscription active with the charge still due.
	for attempt := 1; attempt <= 2; attempt++ {
		require.NoError(t, env.scheduler.RunOnce(ctx))
		got, err := env.subscriptions.Get(ctx, sub.ID)
		require.NoError(t, err)
		require.Equal(t, subscriptiondomain.StatusActive, got.Status)
		require.Equal(t, attempt, got.ConsecutiveFailedCharges)
		require.NotNil(t, got.NextChargeDate)
		require.Nil(t, got.ChargeInProgressAt)
		env.clock.Advance(time.Hour)
	}

	// Third consecutive failure exhausts the retry budget.
	require.NoError(t, env.scheduler.RunOnce(ctx))
	got, err := env.subscriptions.Get(ctx, sub.ID)
	require.NoError(t, err)
	require.Equal(t, subscriptiondomain.StatusTerminated, got.Status)
	require.Equal(t, subscriptiondomain.TerminationReasonPaymentFailureExhausted, got.TerminationReason)
	require.Equal(t, "card_declined", got.LastFailureReason)
	require.Nil(t, got.NextChargeDate)

	// A terminated subscription drops out of the sweep entirely.
	env.clock.Advance(time.Hour)
	require.NoError(t, env.scheduler.RunOnce(ctx))
	got, err = env.subscriptions.Get(ctx, sub.ID)
	require.NoError(t, err)
	require.Equal(t, 3, got.ConsecutiveFailedCharges)

	require.EqualValues(t, 3, countOutbox(t, env, events.TypeChargeFailed, sub.ID.String()))
	require.EqualValues(t, 1, countOutbox(t, env, events.TypeSubscriptionTerminated, sub.ID.String()))

	// No money moved for the failed cycle.
	_, err = env.billing.GetByOrderID(ctx, billingrecorddomain.OrderIDFor(sub.ID, 2))
	require.ErrorIs(t, err, billingrecorddomain.ErrRecordNotFound)
	_, err = env.wallets.Get(ctx, 20)
	require.ErrorIs(t, err, walletdomain.ErrWalletNotFound)
}

func TestFullBatchFailuresChargedOncePerSweep(t *testing.T) {
	env := newSweepEnv(t)
	env.scheduler.cfg.BatchSize = 2
	ctx := context.Background()

	subs := []*subscriptiondomain.Subscription{
		activateSubscription(t, env, "tok_decline_a"),
		activateSubscription(t, env, "tok_decline_b"),
		activateSubscription(t, env, "tok_decline_c"),
	}

	env.clock.Advance(30 * 24 * time.Hour)

	// The first batch fills completely, so the sweep refills. A failed charge
	// clears its claim marker and stays due; the refill must reach the third
	// subscription instead of reclaiming the two that just failed.
	require.NoError(t, env.scheduler.RunOnce(ctx))

	for _, sub := range subs {
		got, err := env.subscriptions.Get(ctx, sub.ID)
		require.NoError(t, err)
		require.Equal(t, subscriptiondomain.StatusActive, got.Status)
		require.Equal(t, 1, got.ConsecutiveFailedCharges)
		require.Nil(t, got.ChargeInProgressAt)
		require.EqualValues(t, 1, countOutbox(t, env, events.TypeChargeFailed, sub.ID.String()))
	}
}

func TestFinalizeCancellationsSweep(t *testing.T) {
	env := newSweepEnv(t)
	sub := activateSubscription(t, env, "tok_test")
	ctx := context.Background()

	result, err := env.subscriptions.Cancel(ctx, authorization.UserActor(10), sub.ID)
	require.NoError(t, err)
	require.True(t, result.Applied)

	// Paid period still running; the sweep leaves it pending.
	require.NoError(t, env.scheduler.RunOnce(ctx))
	got, err := env.subscriptions.Get(ctx, sub.ID)
	require.NoError(t, err)
	require.Equal(t, subscriptiondomain.StatusPendingCancellation, got.Status)

	env.clock.Advance(31 * 24 * time.Hour)
	require.NoError(t, env.scheduler.RunOnce(ctx))

	got, err = env.subscriptions.Get(ctx, sub.ID)
	require.NoError(t, err)
	require.Equal(t, subscriptiondomain.StatusCancelled, got.Status)
	require.EqualValues(t, 1, countOutbox(t, env, events.TypeCancellationFinalized, sub.ID.String()))

	// Cancelling removed the charge date, so no cycle was ever billed.
	var recordCount int64
	require.NoError(t, env.db.Raw(
		`SELECT COUNT(1) FROM billing_records WHERE subscription_id = ?`, sub.ID,
	).Scan(&recordCount).Error)
	require.Zero(t, recordCount)
}

func TestStaleClaimRecoveredAndCharged(t *testing.T) {
	env := newSweepEnv(t)
	sub := activateSubscription(t, env, "tok_test")
	ctx := context.Background()

	env.clock.Advance(30 * 24 * time.Hour)

	// A crashed instance left its claim marker behind 20 minutes ago, past
	// the 15 minute staleness window.
	abandonedAt := env.clock.Now().Add(-20 * time.Minute)
	require.NoError(t, env.db.Exec(
		`UPDATE subscriptions SET charge_in_progress_at = ? WHERE id = ?`,
		abandonedAt, sub.ID,
	).Error)

	require.NoError(t, env.scheduler.RunOnce(ctx))

	record, err := env.billing.GetByOrderID(ctx, billingrecorddomain.OrderIDFor(sub.ID, 2))
	require.NoError(t, err)
	require.Equal(t, "255", record.NetAmount.String())

	got, err := env.subscriptions.Get(ctx, sub.ID)
	require.NoError(t, err)
	require.Equal(t, 2, got.BillingCycleNumber)
	require.Nil(t, got.ChargeInProgressAt)
}

func TestFreshClaimBlocksConcurrentSweep(t *testing.T) {
	env := newSweepEnv(t)
	sub := activateSubscription(t, env, "tok_test")
	ctx := context.Background()

	env.clock.Advance(30 * 24 * time.Hour)

	// Another instance claimed the row moments ago; this sweep must skip it.
	require.NoError(t, env.db.Exec(
		`UPDATE subscriptions SET charge_in_progress_at = ? WHERE id = ?`,
		env.clock.Now().Add(-time.Minute), sub.ID,
	).Error)

	require.NoError(t, env.scheduler.RunOnce(ctx))

	_, err := env.billing.GetByOrderID(ctx, billingrecorddomain.OrderIDFor(sub.ID, 2))
	require.ErrorIs(t, err, billingrecorddomain.ErrRecordNotFound)
}

func TestPendingPlanPriceChargedAtBoundary(t *testing.T) {
	env := newSweepEnv(t)
	sub := activateSubscription(t, env, "tok_test")
	ctx := context.Background()

	result, err := env.subscriptions.ChangePlan(ctx, authorization.UserActor(10), sub.ID, subscriptiondomain.ChangePlanRequest{
		FrequencyPerWeek: 5,
		BillingCycleDays: 14,
		PricePerCycle:    money.MustNew("210.00", "USD"),
		Reason:           "more visits per week",
	})
	require.NoError(t, err)
	require.True(t, result.Applied)

	env.clock.Advance(30 * 24 * time.Hour)
	require.NoError(t, env.scheduler.RunOnce(ctx))

	// The new plan's price is what the boundary charge bills.
	record, err := env.billing.GetByOrderID(ctx, billingrecorddomain.OrderIDFor(sub.ID, 2))
	require.NoError(t, err)
	require.Equal(t, "210", record.AmountPaid.String())
	require.Equal(t, "178.5", record.NetAmount.String())

	got, err := env.subscriptions.Get(ctx, sub.ID)
	require.NoError(t, err)
	require.Equal(t, "210", got.PricePerCycle.String())
	require.Equal(t, 14, got.BillingCycleDays)
	require.False(t, got.HasPendingPlan())
	require.True(t, got.CurrentPeriodEnd.Equal(got.CurrentPeriodStart.Add(14*24*time.Hour)))

	wallet, err := env.wallets.Get(ctx, 20)
	require.NoError(t, err)
	require.Equal(t, "178.5", wallet.WithdrawableBalance.String())
}

func TestSettledCycleHealsMissingWalletCredit(t *testing.T) {
	env := newSweepEnv(t)
	sub := activateSubscription(t, env, "tok_test")
	ctx := context.Background()

	env.clock.Advance(30 * 24 * time.Hour)

	// Simulate a pass that recorded the charge but died before crediting the
	// caregiver: the billing record exists, the claim marker is still set,
	// and the wallet never saw the funds.
	_, created, err := env.billing.Create(ctx, nil, billingrecorddomain.CreateRequest{
		SubscriptionID:       sub.ID,
		BillingCycleNumber:   2,
		ClientID:             10,
		CaregiverID:          20,
		Amount:               money.MustNew("300.00", "USD"),
		GatewayProvider:      "sandbox",
		GatewayTransactionID: "sandbox_prior",
		PeriodStart:          *sub.CurrentPeriodEnd,
		PeriodEnd:            sub.CurrentPeriodEnd.Add(30 * 24 * time.Hour),
	})
	require.NoError(t, err)
	require.True(t, created)
	require.NoError(t, env.db.Exec(
		`UPDATE subscriptions SET charge_in_progress_at = ? WHERE id = ?`,
		env.clock.Now().Add(-20*time.Minute), sub.ID,
	).Error)

	require.NoError(t, env.scheduler.RunOnce(ctx))

	// The sweep replays the wallet credit instead of charging again.
	wallet, err := env.wallets.Get(ctx, 20)
	require.NoError(t, err)
	require.Equal(t, "255", wallet.WithdrawableBalance.String())

	got, err := env.subscriptions.Get(ctx, sub.ID)
	require.NoError(t, err)
	require.Nil(t, got.ChargeInProgressAt)

	var recordCount int64
	require.NoError(t, env.db.Raw(
		`SELECT COUNT(1) FROM billing_records WHERE subscription_id = ?`, sub.ID,
	).Scan(&recordCount).Error)
	require.EqualValues(t, 1, recordCount)
}

func TestDisabledJobSkipsSweep(t *testing.T) {
	env := newSweepEnv(t)
	sub := activateSubscription(t, env, "tok_test")
	ctx := context.Background()

	env.scheduler.cfg.EnabledJobs = []string{"finalize_cancellations"}
	env.clock.Advance(30 * 24 * time.Hour)

	require.NoError(t, env.scheduler.RunOnce(ctx))

	_, err := env.billing.GetByOrderID(ctx, billingrecorddomain.OrderIDFor(sub.ID, 2))
	require.ErrorIs(t, err, billingrecorddomain.ErrRecordNotFound)
}
