package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/carebridge/carebridge/internal/money"
	"gorm.io/gorm"
)

type CreateRequest struct {
	ClientID    snowflake.ID
	CaregiverID snowflake.ID
	GigID       snowflake.ID
	OrderID     string
	ContractID  *string

	FrequencyPerWeek int
	BillingCycleDays int
	PricePerCycle    money.Money

	PaymentMethodToken string
}

type ChangePlanRequest struct {
	FrequencyPerWeek int
	BillingCycleDays int
	PricePerCycle    money.Money
	Reason           string
}

type TerminateRequest struct {
	Reason string
	// ProratedRefund debits the caregiver's wallet for the unused remainder of
	// the current period.
	ProratedRefund bool
}

// TransitionResult distinguishes "applied" from "rejected with reason" for
// client-initiated operations; rejections are not errors.
type TransitionResult struct {
	Applied      bool
	RejectReason string
}

type ChargeSuccess struct {
	GatewayTransactionID string
}

// Service owns every mutation of the subscription aggregate. Client-initiated
// operations take an actor string ("system" or "user:<id>") and perform
// structural authorization against the subscription's client.
type Service interface {
	Create(ctx context.Context, req CreateRequest) (*Subscription, error)
	Get(ctx context.Context, id snowflake.ID) (*Subscription, error)

	// Activate moves PENDING_ACTIVATION → ACTIVE after the initial payment
	// succeeds, opening the first billing period.
	Activate(ctx context.Context, id snowflake.ID) (*Subscription, error)

	Cancel(ctx context.Context, actor string, id snowflake.ID) (TransitionResult, error)
	Reactivate(ctx context.Context, actor string, id snowflake.ID) (TransitionResult, error)
	Pause(ctx context.Context, actor string, id snowflake.ID) (TransitionResult, error)
	Resume(ctx context.Context, actor string, id snowflake.ID) (TransitionResult, error)
	ChangePlan(ctx context.Context, actor string, id snowflake.ID, req ChangePlanRequest) (TransitionResult, error)
	RequestPaymentMethodUpdate(ctx context.Context, actor string, id snowflake.ID) (TransitionResult, error)
	// CompletePaymentMethodUpdate finishes the token-capture round trip and
	// returns the subscription to ACTIVE.
	CompletePaymentMethodUpdate(ctx context.Context, id snowflake.ID, token string) (TransitionResult, error)

	Terminate(ctx context.Context, actor string, id snowflake.ID, req TerminateRequest) (TransitionResult, error)

	// FinalizeCancellation moves PENDING_CANCELLATION → CANCELLED once the
	// paid period has lapsed; reports false when nothing was finalized.
	FinalizeCancellation(ctx context.Context, id snowflake.ID) (bool, error)

	// RecordChargeSuccess applies the successful cycle: bumps the cycle
	// number, advances the period, applies any pending plan, resets retry
	// bookkeeping. Runs in the caller's transaction.
	RecordChargeSuccess(ctx context.Context, tx *gorm.DB, id snowflake.ID, success ChargeSuccess) (*Subscription, error)
	// RecordChargeFailure increments retry bookkeeping and terminates the
	// subscription once MaxRetries consecutive failures are reached.
	RecordChargeFailure(ctx context.Context, tx *gorm.DB, id snowflake.ID, reason string) (*Subscription, error)
}

// CycleLength converts the subscription's configured cycle days to a duration
// anchor for period arithmetic.
func CycleLength(days int) time.Duration {
	return time.Duration(days) * 24 * time.Hour
}

var (
	ErrSubscriptionNotFound = errors.New("subscription_not_found")
	ErrInvalidTransition    = errors.New("invalid_state_transition")
	ErrInvalidParticipants  = errors.New("invalid_participants")
	ErrInvalidPlan          = errors.New("invalid_plan")
	ErrInvalidOrder         = errors.New("invalid_order")
	ErrInvalidToken         = errors.New("invalid_payment_method_token")
	ErrChargeInProgress     = errors.New("charge_in_progress")
)
