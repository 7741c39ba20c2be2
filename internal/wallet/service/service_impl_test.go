package service

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/carebridge/carebridge/internal/clock"
	ledgerdomain "github.com/carebridge/carebridge/internal/ledger/domain"
	ledgerrepository "github.com/carebridge/carebridge/internal/ledger/repository"
	ledgerservice "github.com/carebridge/carebridge/internal/ledger/service"
	"github.com/carebridge/carebridge/internal/money"
	walletdomain "github.com/carebridge/carebridge/internal/wallet/domain"
	walletrepository "github.com/carebridge/carebridge/internal/wallet/repository"
	"github.com/glebarez/sqlite"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func setupTestDB(t *testing.T) *gorm.DB {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
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
		&walletdomain.Wallet{},
		&ledgerdomain.Entry{},
	); err != nil {
		t.Fatalf("failed to migrate database: %v", err)
	}
	return db
}

func newTestService(t *testing.T, db *gorm.DB) (walletdomain.Service, ledgerdomain.Service, *clock.FakeClock) {
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	fakeClock := clock.NewFakeClock(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	logger := zap.NewNop()

	ledgerSvc := ledgerservice.NewService(ledgerservice.Params{
		DB:    db,
		Log:   logger,
		GenID: node,
		Clock: fakeClock,
		Repo:  ledgerrepository.Provide(),
	})
	walletSvc := NewService(Params{
		DB:     db,
		Log:    logger,
		GenID:  node,
		Clock:  fakeClock,
		Repo:   walletrepository.Provide(),
		Ledger: ledgerSvc,
	})
	return walletSvc, ledgerSvc, fakeClock
}

func TestOrderLifecycleConservesMoney(t *testing.T) {
	db := setupTestDB(t)
	walletSvc, ledgerSvc, _ := newTestService(t, db)
	ctx := context.Background()
	caregiverID := snowflake.ID(1001)

	require.NoError(t, walletSvc.CreditOrder(ctx, walletdomain.CreditOrderRequest{
		CaregiverID: caregiverID,
		OrderID:     "order-1",
		Amount:      money.MustNew("100.00", "USD"),
		ServiceType: "elder_care",
	}))

	wallet, err := walletSvc.Get(ctx, caregiverID)
	require.NoError(t, err)
	require.Equal(t, "100", wallet.PendingBalance.String())
	require.True(t, wallet.WithdrawableBalance.IsZero())
	require.Equal(t, "100", wallet.TotalEarned.String())

	require.NoError(t, walletSvc.ReleaseFunds(ctx, walletdomain.ReleaseFundsRequest{
		CaregiverID: caregiverID,
		OrderID:     "order-1",
	}))

	wallet, err = walletSvc.Get(ctx, caregiverID)
	require.NoError(t, err)
	require.True(t, wallet.PendingBalance.IsZero())
	require.Equal(t, "100", wallet.WithdrawableBalance.String())

	require.NoError(t, walletSvc.Withdraw(ctx, walletdomain.WithdrawRequest{
		CaregiverID: caregiverID,
		Amount:      money.MustNew("40.00", "USD"),
		Description: "payout to bank",
	}))

	wallet, err = walletSvc.Get(ctx, caregiverID)
	require.NoError(t, err)
	require.Equal(t, "60", wallet.WithdrawableBalance.String())
	require.Equal(t, "40", wallet.TotalWithdrawn.String())

	report, err := walletSvc.Reconcile(ctx, caregiverID)
	require.NoError(t, err)
	require.True(t, report.Balanced, "wallet must match ledger-derived balances")

	// The cached balances and the ledger both account for every cent.
	sums, err := ledgerSvc.Sums(ctx, nil, caregiverID)
	require.NoError(t, err)
	total := wallet.PendingBalance.Add(wallet.WithdrawableBalance)
	derived := sums.PendingBalance().Add(sums.WithdrawableBalance())
	require.True(t, total.Equal(derived), "expected %s, got %s", derived, total)
}

func TestCreditOrderReplayIsNoOp(t *testing.T) {
	db := setupTestDB(t)
	walletSvc, _, _ := newTestService(t, db)
	ctx := context.Background()
	caregiverID := snowflake.ID(1002)

	req := walletdomain.CreditOrderRequest{
		CaregiverID: caregiverID,
		OrderID:     "order-7",
		Amount:      money.MustNew("55.50", "USD"),
	}
	require.NoError(t, walletSvc.CreditOrder(ctx, req))
	require.NoError(t, walletSvc.CreditOrder(ctx, req))

	wallet, err := walletSvc.Get(ctx, caregiverID)
	require.NoError(t, err)
	require.Equal(t, "55.5", wallet.PendingBalance.String())

	var count int64
	require.NoError(t, db.Raw(
		`SELECT COUNT(1) FROM ledger_entries WHERE order_id = ? AND kind = ?`,
		"order-7", ledgerdomain.EntryKindOrderReceived,
	).Scan(&count).Error)
	require.EqualValues(t, 1, count)
}

func TestReleaseFundsIsIdempotent(t *testing.T) {
	db := setupTestDB(t)
	walletSvc, _, _ := newTestService(t, db)
	ctx := context.Background()
	caregiverID := snowflake.ID(1003)

	require.NoError(t, walletSvc.CreditOrder(ctx, walletdomain.CreditOrderRequest{
		CaregiverID: caregiverID,
		OrderID:     "order-2",
		Amount:      money.MustNew("80.00", "USD"),
	}))

	release := walletdomain.ReleaseFundsRequest{CaregiverID: caregiverID, OrderID: "order-2"}
	require.NoError(t, walletSvc.ReleaseFunds(ctx, release))
	require.NoError(t, walletSvc.ReleaseFunds(ctx, release))

	wallet, err := walletSvc.Get(ctx, caregiverID)
	require.NoError(t, err)
	require.Equal(t, "80", wallet.WithdrawableBalance.String())
	require.True(t, wallet.PendingBalance.IsZero())

	var count int64
	require.NoError(t, db.Raw(
		`SELECT COUNT(1) FROM ledger_entries WHERE order_id = ? AND kind = ?`,
		"order-2", ledgerdomain.EntryKindFundsReleased,
	).Scan(&count).Error)
	require.EqualValues(t, 1, count)
}

func TestReleaseFundsRequiresCredit(t *testing.T) {
	db := setupTestDB(t)
	walletSvc, _, _ := newTestService(t, db)
	ctx := context.Background()
	caregiverID := snowflake.ID(1004)

	_, err := walletSvc.GetOrCreate(ctx, caregiverID, "USD")
	require.NoError(t, err)

	err = walletSvc.ReleaseFunds(ctx, walletdomain.ReleaseFundsRequest{
		CaregiverID: caregiverID,
		OrderID:     "order-never-credited",
	})
	require.ErrorIs(t, err, walletdomain.ErrOrderNotCredited)
}

func TestWithdrawRejectsOverdraft(t *testing.T) {
	db := setupTestDB(t)
	walletSvc, _, _ := newTestService(t, db)
	ctx := context.Background()
	caregiverID := snowflake.ID(1005)

	require.NoError(t, walletSvc.CreditOrder(ctx, walletdomain.CreditOrderRequest{
		CaregiverID: caregiverID,
		OrderID:     "order-3",
		Amount:      money.MustNew("30.00", "USD"),
	}))
	require.NoError(t, walletSvc.ReleaseFunds(ctx, walletdomain.ReleaseFundsRequest{
		CaregiverID: caregiverID,
		OrderID:     "order-3",
	}))

	err := walletSvc.Withdraw(ctx, walletdomain.WithdrawRequest{
		CaregiverID: caregiverID,
		Amount:      money.MustNew("30.01", "USD"),
	})
	require.ErrorIs(t, err, walletdomain.ErrInsufficientWithdrawableFunds)

	wallet, err := walletSvc.Get(ctx, caregiverID)
	require.NoError(t, err)
	require.Equal(t, "30", wallet.WithdrawableBalance.String())
}

func TestRefundFailsWhenBalanceCannotCover(t *testing.T) {
	db := setupTestDB(t)
	walletSvc, _, _ := newTestService(t, db)
	ctx := context.Background()
	caregiverID := snowflake.ID(1006)

	require.NoError(t, walletSvc.CreditOrder(ctx, walletdomain.CreditOrderRequest{
		CaregiverID: caregiverID,
		OrderID:     "order-4",
		Amount:      money.MustNew("50.00", "USD"),
	}))
	require.NoError(t, walletSvc.ReleaseFunds(ctx, walletdomain.ReleaseFundsRequest{
		CaregiverID: caregiverID,
		OrderID:     "order-4",
	}))
	require.NoError(t, walletSvc.Withdraw(ctx, walletdomain.WithdrawRequest{
		CaregiverID: caregiverID,
		Amount:      money.MustNew("45.00", "USD"),
	}))

	err := walletSvc.Refund(ctx, walletdomain.RefundRequest{
		CaregiverID: caregiverID,
		OrderID:     "order-4",
		Amount:      money.MustNew("50.00", "USD"),
	})
	require.ErrorIs(t, err, walletdomain.ErrInsufficientWithdrawableFunds)

	// Balance untouched by the failed refund.
	wallet, err := walletSvc.Get(ctx, caregiverID)
	require.NoError(t, err)
	require.Equal(t, "5", wallet.WithdrawableBalance.String())
}

func TestCreditRecurringSkipsPending(t *testing.T) {
	db := setupTestDB(t)
	walletSvc, _, _ := newTestService(t, db)
	ctx := context.Background()
	caregiverID := snowflake.ID(1007)
	subscriptionID := snowflake.ID(42)

	req := walletdomain.CreditRecurringRequest{
		CaregiverID:        caregiverID,
		SubscriptionID:     subscriptionID,
		BillingCycleNumber: 3,
		OrderID:            "42:3",
		Amount:             money.MustNew("120.00", "USD"),
		ServiceType:        "recurring_care",
	}
	require.NoError(t, walletSvc.CreditRecurring(ctx, req))
	// Replayed charge cycles must not double-credit.
	require.NoError(t, walletSvc.CreditRecurring(ctx, req))

	wallet, err := walletSvc.Get(ctx, caregiverID)
	require.NoError(t, err)
	require.True(t, wallet.PendingBalance.IsZero(), "recurring funds never sit in pending")
	require.Equal(t, "120", wallet.WithdrawableBalance.String())
	require.Equal(t, "120", wallet.TotalEarned.String())

	report, err := walletSvc.Reconcile(ctx, caregiverID)
	require.NoError(t, err)
	require.True(t, report.Balanced)
}

func TestDisputeHoldDebitsWithdrawable(t *testing.T) {
	db := setupTestDB(t)
	walletSvc, _, _ := newTestService(t, db)
	ctx := context.Background()
	caregiverID := snowflake.ID(1008)

	require.NoError(t, walletSvc.CreditOrder(ctx, walletdomain.CreditOrderRequest{
		CaregiverID: caregiverID,
		OrderID:     "order-5",
		Amount:      money.MustNew("70.00", "USD"),
	}))
	require.NoError(t, walletSvc.ReleaseFunds(ctx, walletdomain.ReleaseFundsRequest{
		CaregiverID: caregiverID,
		OrderID:     "order-5",
	}))

	require.NoError(t, walletSvc.HoldDispute(ctx, walletdomain.DisputeHoldRequest{
		CaregiverID: caregiverID,
		OrderID:     "order-5",
		Amount:      money.MustNew("25.00", "USD"),
		Description: "chargeback investigation",
	}))

	wallet, err := walletSvc.Get(ctx, caregiverID)
	require.NoError(t, err)
	require.Equal(t, "45", wallet.WithdrawableBalance.String())

	report, err := walletSvc.Reconcile(ctx, caregiverID)
	require.NoError(t, err)
	require.True(t, report.Balanced)
}

func TestCurrencyMismatchRejected(t *testing.T) {
	db := setupTestDB(t)
	walletSvc, _, _ := newTestService(t, db)
	ctx := context.Background()
	caregiverID := snowflake.ID(1009)

	require.NoError(t, walletSvc.CreditOrder(ctx, walletdomain.CreditOrderRequest{
		CaregiverID: caregiverID,
		OrderID:     "order-6",
		Amount:      money.MustNew("10.00", "USD"),
	}))

	err := walletSvc.CreditOrder(ctx, walletdomain.CreditOrderRequest{
		CaregiverID: caregiverID,
		OrderID:     "order-6b",
		Amount:      money.MustNew("10.00", "EUR"),
	})
	require.ErrorIs(t, err, walletdomain.ErrCurrencyMismatch)
}

func TestGetUnknownWallet(t *testing.T) {
	db := setupTestDB(t)
	walletSvc, _, _ := newTestService(t, db)

	_, err := walletSvc.Get(context.Background(), snowflake.ID(999999))
	require.ErrorIs(t, err, walletdomain.ErrWalletNotFound)
}

func TestHasSufficientWithdrawableBalance(t *testing.T) {
	db := setupTestDB(t)
	walletSvc, _, _ := newTestService(t, db)
	ctx := context.Background()
	caregiverID := snowflake.ID(1010)

	require.NoError(t, walletSvc.CreditRecurring(ctx, walletdomain.CreditRecurringRequest{
		CaregiverID:        caregiverID,
		SubscriptionID:     7,
		BillingCycleNumber: 1,
		OrderID:            "7:1",
		Amount:             money.MustNew("60.00", "USD"),
	}))

	ok, err := walletSvc.HasSufficientWithdrawableBalance(ctx, caregiverID, money.MustNew("60.00", "USD"))
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = walletSvc.HasSufficientWithdrawableBalance(ctx, caregiverID, money.MustNew("60.01", "USD"))
	require.NoError(t, err)
	require.False(t, ok)

	_, err = walletSvc.HasSufficientWithdrawableBalance(ctx, caregiverID, money.MustNew("10.00", "EUR"))
	require.ErrorIs(t, err, walletdomain.ErrCurrencyMismatch)
}

// serializationAbortRepo fails every balance write the way PostgreSQL reports
// a lost serialization race, forcing the mutation retry loop.
type serializationAbortRepo struct {
	walletdomain.Repository
	updateCalls int
}

func (r *serializationAbortRepo) UpdateBalances(ctx context.Context, tx *gorm.DB, wallet *walletdomain.Wallet) error {
	r.updateCalls++
	return errors.New("ERROR: could not serialize access due to concurrent update (SQLSTATE 40001)")
}

func walletConflictCount(t *testing.T, operation string) float64 {
	families, err := prometheus.DefaultGatherer.Gather()
	require.NoError(t, err)
	for _, family := range families {
		if family.GetName() != "carebridge_wallet_conflicts_total" {
			continue
		}
		for _, metric := range family.GetMetric() {
			for _, label := range metric.GetLabel() {
				if label.GetName() == "operation" && label.GetValue() == operation {
					return metric.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}

func TestMutationRetriesExhaustOnSerializationAborts(t *testing.T) {
	db := setupTestDB(t)
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	fakeClock := clock.NewFakeClock(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	logger := zap.NewNop()
	ledgerSvc := ledgerservice.NewService(ledgerservice.Params{
		DB:    db,
		Log:   logger,
		GenID: node,
		Clock: fakeClock,
		Repo:  ledgerrepository.Provide(),
	})
	repo := &serializationAbortRepo{Repository: walletrepository.Provide()}
	walletSvc := NewService(Params{
		DB:     db,
		Log:    logger,
		GenID:  node,
		Clock:  fakeClock,
		Repo:   repo,
		Ledger: ledgerSvc,
	})
	ctx := context.Background()
	caregiverID := snowflake.ID(2020)

	conflictsBefore := walletConflictCount(t, "credit_recurring")
	err = walletSvc.CreditRecurring(ctx, walletdomain.CreditRecurringRequest{
		CaregiverID:        caregiverID,
		SubscriptionID:     9,
		BillingCycleNumber: 2,
		OrderID:            "9:2",
		Amount:             money.MustNew("255.00", "USD"),
	})
	require.ErrorIs(t, err, walletdomain.ErrConcurrencyConflict)
	require.Equal(t, maxMutationAttempts, repo.updateCalls)
	require.Equal(t, conflictsBefore+float64(maxMutationAttempts), walletConflictCount(t, "credit_recurring"))

	// Every attempt rolled back; neither the wallet nor its ledger survived.
	_, err = walletSvc.Get(ctx, caregiverID)
	require.ErrorIs(t, err, walletdomain.ErrWalletNotFound)
	sums, err := ledgerSvc.Sums(ctx, db, caregiverID)
	require.NoError(t, err)
	require.True(t, sums.TotalOrderReceived.IsZero())
}
