package service

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/carebridge/carebridge/internal/clock"
	"github.com/carebridge/carebridge/internal/config"
	"github.com/carebridge/carebridge/internal/money"
	"github.com/carebridge/carebridge/internal/payment/adapters"
	"github.com/carebridge/carebridge/internal/payment/adapters/sandbox"
	paymentdomain "github.com/carebridge/carebridge/internal/payment/domain"
	"github.com/carebridge/carebridge/internal/payment/repository"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func newTestService(t *testing.T) (*Service, *gorm.DB) {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&paymentdomain.GatewayEvent{}))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	svc, err := NewService(Params{
		DB:       db,
		Log:      zap.NewNop(),
		GenID:    node,
		Clock:    clock.NewFakeClock(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)),
		Config:   config.Config{GatewayProvider: "sandbox"},
		Registry: adapters.NewRegistry(sandbox.NewFactory()),
		Repo:     repository.Provide(),
	})
	require.NoError(t, err)
	return svc, db
}

func TestChargeSucceeds(t *testing.T) {
	svc, _ := newTestService(t)

	result, err := svc.Charge(context.Background(), paymentdomain.ChargeRequest{
		Token:          "tok_visa",
		Amount:         money.MustNew("300.00", "USD"),
		IdempotencyKey: "42:2",
	})
	require.NoError(t, err)
	require.True(t, result.Success)
	require.Equal(t, "sandbox_42:2", result.GatewayTransactionID)
}

func TestChargeDeclined(t *testing.T) {
	svc, _ := newTestService(t)

	result, err := svc.Charge(context.Background(), paymentdomain.ChargeRequest{
		Token:          sandbox.DeclineTokenPrefix + "_expired",
		Amount:         money.MustNew("300.00", "USD"),
		IdempotencyKey: "42:3",
	})
	require.NoError(t, err)
	require.False(t, result.Success)
	require.Equal(t, "card_declined", result.FailureReason)
}

func TestChargeGatewayErrorBecomesFailedResult(t *testing.T) {
	svc, _ := newTestService(t)

	result, err := svc.Charge(context.Background(), paymentdomain.ChargeRequest{
		Token:          sandbox.TimeoutTokenPrefix + "_slow",
		Amount:         money.MustNew("300.00", "USD"),
		IdempotencyKey: "42:4",
	})
	require.NoError(t, err, "transport failures must not escape as errors")
	require.False(t, result.Success)
	require.Equal(t, "gateway_error", result.FailureReason)
}

func TestChargeValidatesInput(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Charge(ctx, paymentdomain.ChargeRequest{
		Amount:         money.MustNew("10.00", "USD"),
		IdempotencyKey: "42:5",
	})
	require.ErrorIs(t, err, paymentdomain.ErrInvalidToken)

	_, err = svc.Charge(ctx, paymentdomain.ChargeRequest{
		Token:          "tok_visa",
		Amount:         money.MustNew("0.00", "USD"),
		IdempotencyKey: "42:5",
	})
	require.ErrorIs(t, err, paymentdomain.ErrInvalidAmount)

	_, err = svc.Charge(ctx, paymentdomain.ChargeRequest{
		Token:  "tok_visa",
		Amount: money.MustNew("10.00", "USD"),
	})
	require.ErrorIs(t, err, paymentdomain.ErrInvalidIdempotencyKey)
}

func TestRecordGatewayEventDedupes(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	input := GatewayEventInput{
		Provider:        "sandbox",
		ProviderEventID: "evt_1",
		EventType:       paymentdomain.EventTypeChargeSucceeded,
		OrderID:         "42:2",
		Payload:         []byte(`{"amount":"300.00"}`),
	}

	inserted, err := svc.RecordGatewayEvent(ctx, input)
	require.NoError(t, err)
	require.True(t, inserted)

	inserted, err = svc.RecordGatewayEvent(ctx, input)
	require.NoError(t, err)
	require.False(t, inserted, "replayed webhook must be a no-op")

	events, err := svc.ListEventsByOrder(ctx, "42:2")
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Nil(t, events[0].ProcessedAt)

	require.NoError(t, svc.MarkEventProcessed(ctx, events[0].ID))
	events, err = svc.ListEventsByOrder(ctx, "42:2")
	require.NoError(t, err)
	require.NotNil(t, events[0].ProcessedAt)
}

func TestRecordGatewayEventRejectsBadPayload(t *testing.T) {
	svc, _ := newTestService(t)

	_, err := svc.RecordGatewayEvent(context.Background(), GatewayEventInput{
		Provider:        "sandbox",
		ProviderEventID: "evt_2",
		EventType:       paymentdomain.EventTypeChargeFailed,
		OrderID:         "42:9",
		Payload:         []byte("not-json"),
	})
	require.ErrorIs(t, err, paymentdomain.ErrInvalidPayload)
}

func TestUnknownProviderRejected(t *testing.T) {
	registry := adapters.NewRegistry(sandbox.NewFactory())
	require.False(t, registry.ProviderExists("adyen"))

	_, err := registry.NewGateway("adyen", paymentdomain.GatewayConfig{Provider: "adyen"})
	require.ErrorIs(t, err, paymentdomain.ErrProviderNotFound)
}
