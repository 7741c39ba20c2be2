package service

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	billingrecorddomain "github.com/carebridge/carebridge/internal/billingrecord/domain"
	"github.com/carebridge/carebridge/internal/billingrecord/repository"
	"github.com/carebridge/carebridge/internal/clock"
	"github.com/carebridge/carebridge/internal/config"
	"github.com/carebridge/carebridge/internal/money"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func setupTestDB(t *testing.T) *gorm.DB {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{TranslateError: true})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&billingrecorddomain.BillingRecord{}); err != nil {
		t.Fatalf("failed to migrate database: %v", err)
	}
	return db
}

func newTestService(t *testing.T, db *gorm.DB) (billingrecorddomain.Service, *clock.FakeClock) {
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	fakeClock := clock.NewFakeClock(time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC))
	svc := NewService(Params{
		DB:     db,
		Log:    zap.NewNop(),
		GenID:  node,
		Clock:  fakeClock,
		Policy: config.NewStaticBillingPolicyHolder(config.DefaultBillingPolicy()),
		Repo:   repository.Provide(),
	})
	return svc, fakeClock
}

func chargeRequest(subscriptionID snowflake.ID, cycle int) billingrecorddomain.CreateRequest {
	start := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	return billingrecorddomain.CreateRequest{
		SubscriptionID:       subscriptionID,
		BillingCycleNumber:   cycle,
		ClientID:             snowflake.ID(201),
		CaregiverID:          snowflake.ID(301),
		Amount:               money.MustNew("100.00", "USD"),
		GatewayProvider:      "sandbox",
		GatewayTransactionID: "txn-abc",
		PeriodStart:          start,
		PeriodEnd:            start.AddDate(0, 1, 0),
	}
}

func TestCreateComputesFees(t *testing.T) {
	db := setupTestDB(t)
	svc, _ := newTestService(t, db)

	record, created, err := svc.Create(context.Background(), nil, chargeRequest(7, 1))
	require.NoError(t, err)
	require.True(t, created)

	// Default policy: 5% order fee, 10% service charge.
	require.Equal(t, "100", record.AmountPaid.String())
	require.Equal(t, "5", record.OrderFee.String())
	require.Equal(t, "10", record.ServiceCharge.String())
	require.Equal(t, "85", record.NetAmount.String())
	require.Equal(t, "7:1", record.OrderID)
}

func TestCreateIsIdempotentPerCycle(t *testing.T) {
	db := setupTestDB(t)
	svc, _ := newTestService(t, db)
	ctx := context.Background()

	first, created, err := svc.Create(ctx, nil, chargeRequest(8, 2))
	require.NoError(t, err)
	require.True(t, created)

	replay := chargeRequest(8, 2)
	replay.GatewayTransactionID = "txn-replayed"
	second, created, err := svc.Create(ctx, nil, replay)
	require.NoError(t, err)
	require.False(t, created, "replayed cycle must not bill twice")
	require.Equal(t, first.ID, second.ID)
	require.Equal(t, "txn-abc", second.GatewayTransactionID)

	var count int64
	require.NoError(t, db.Raw(`SELECT COUNT(1) FROM billing_records`).Scan(&count).Error)
	require.EqualValues(t, 1, count)
}

func TestCreateRejectsBadPeriod(t *testing.T) {
	db := setupTestDB(t)
	svc, _ := newTestService(t, db)

	req := chargeRequest(9, 1)
	req.PeriodEnd = req.PeriodStart
	_, _, err := svc.Create(context.Background(), nil, req)
	require.ErrorIs(t, err, billingrecorddomain.ErrInvalidPeriod)
}

func TestMarkRefundedOnce(t *testing.T) {
	db := setupTestDB(t)
	svc, _ := newTestService(t, db)
	ctx := context.Background()

	record, _, err := svc.Create(ctx, nil, chargeRequest(10, 1))
	require.NoError(t, err)

	applied, err := svc.MarkRefunded(ctx, nil, record.OrderID)
	require.NoError(t, err)
	require.True(t, applied)

	applied, err = svc.MarkRefunded(ctx, nil, record.OrderID)
	require.NoError(t, err)
	require.False(t, applied)

	got, err := svc.GetByOrderID(ctx, record.OrderID)
	require.NoError(t, err)
	require.True(t, got.Refunded)
	require.NotNil(t, got.RefundedAt)
}

func TestListBySubscriptionOrdersByCycle(t *testing.T) {
	db := setupTestDB(t)
	svc, _ := newTestService(t, db)
	ctx := context.Background()

	for _, cycle := range []int{2, 1, 3} {
		req := chargeRequest(11, cycle)
		_, _, err := svc.Create(ctx, nil, req)
		require.NoError(t, err)
	}

	records, err := svc.ListBySubscription(ctx, snowflake.ID(11))
	require.NoError(t, err)
	require.Len(t, records, 3)
	for i, record := range records {
		require.Equal(t, i+1, record.BillingCycleNumber)
	}
}
