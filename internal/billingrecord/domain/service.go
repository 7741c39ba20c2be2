package domain

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/carebridge/carebridge/internal/money"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type CreateRequest struct {
	SubscriptionID     snowflake.ID
	BillingCycleNumber int
	ClientID           snowflake.ID
	CaregiverID        snowflake.ID

	// Amount is the gross amount charged to the client; fees are computed from
	// the active billing policy at creation time.
	Amount money.Money

	GatewayProvider      string
	GatewayTransactionID string
	// GatewayFee is the processor's fee as reported by the gateway, in the
	// charge currency. Zero when the gateway reports none.
	GatewayFee decimal.Decimal

	PeriodStart time.Time
	PeriodEnd   time.Time
	// NextChargeDate snapshots when the following cycle bills; nil when the
	// subscription will not renew.
	NextChargeDate *time.Time
}

// Service records settled recurring charges. Create is idempotent per
// (subscription, cycle): recording an already-billed cycle returns the
// existing record unchanged.
type Service interface {
	Create(ctx context.Context, db *gorm.DB, req CreateRequest) (*BillingRecord, bool, error)
	GetByOrderID(ctx context.Context, orderID string) (*BillingRecord, error)
	ListBySubscription(ctx context.Context, subscriptionID snowflake.ID) ([]BillingRecord, error)
	MarkRefunded(ctx context.Context, db *gorm.DB, orderID string) (bool, error)
	MarkDisputed(ctx context.Context, db *gorm.DB, orderID string) (bool, error)
}

var (
	ErrInvalidSubscription = errors.New("invalid_subscription")
	ErrInvalidCycle        = errors.New("invalid_cycle")
	ErrInvalidParticipants = errors.New("invalid_participants")
	ErrInvalidAmount       = errors.New("invalid_amount")
	ErrInvalidPeriod       = errors.New("invalid_period")
	ErrRecordNotFound      = errors.New("billing_record_not_found")
)

// OrderIDFor builds the external idempotency key for a charge cycle.
func OrderIDFor(subscriptionID snowflake.ID, cycleNumber int) string {
	return subscriptionID.String() + ":" + strconv.Itoa(cycleNumber)
}
