package events

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/carebridge/carebridge/internal/clock"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func newTestPublisher(t *testing.T) (Publisher, *gorm.DB) {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&Event{}))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	pub := NewPublisher(Params{
		DB:    db,
		Log:   zap.NewNop(),
		GenID: node,
		Clock: clock.NewFakeClock(time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)),
	})
	return pub, db
}

func TestPublishTxDedupes(t *testing.T) {
	pub, _ := newTestPublisher(t)
	ctx := context.Background()

	req := PublishRequest{
		Type:        TypeChargeSucceeded,
		AggregateID: "42",
		Payload:     map[string]any{"order_id": "42:3"},
		DedupeKey:   "charge.succeeded:42:3",
	}

	published, err := pub.PublishTx(ctx, nil, req)
	require.NoError(t, err)
	require.True(t, published)

	published, err = pub.PublishTx(ctx, nil, req)
	require.NoError(t, err)
	require.False(t, published, "replayed publication must be a no-op")

	pending, err := pub.Pending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, TypeChargeSucceeded, pending[0].Type)
}

func TestPublishTxWithoutDedupeKey(t *testing.T) {
	pub, _ := newTestPublisher(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		published, err := pub.PublishTx(ctx, nil, PublishRequest{
			Type:        TypeWithdrawalCompleted,
			AggregateID: "caregiver-9",
		})
		require.NoError(t, err)
		require.True(t, published)
	}

	pending, err := pub.Pending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 2)
}

func TestMarkPublished(t *testing.T) {
	pub, _ := newTestPublisher(t)
	ctx := context.Background()

	_, err := pub.PublishTx(ctx, nil, PublishRequest{
		Type:        TypeFundsReleased,
		AggregateID: "order-1",
	})
	require.NoError(t, err)

	pending, err := pub.Pending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	require.NoError(t, pub.MarkPublished(ctx, []snowflake.ID{pending[0].ID}))

	pending, err = pub.Pending(ctx, 10)
	require.NoError(t, err)
	require.Empty(t, pending)

	require.NoError(t, pub.MarkPublished(ctx, nil))
}

func TestPublishTxValidates(t *testing.T) {
	pub, _ := newTestPublisher(t)
	ctx := context.Background()

	_, err := pub.PublishTx(ctx, nil, PublishRequest{AggregateID: "x"})
	require.ErrorIs(t, err, ErrInvalidType)

	_, err = pub.PublishTx(ctx, nil, PublishRequest{Type: TypeChargeFailed})
	require.ErrorIs(t, err, ErrInvalidAggregate)
}
