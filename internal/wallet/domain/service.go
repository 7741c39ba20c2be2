package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	"github.com/carebridge/carebridge/internal/money"
	"github.com/shopspring/decimal"
)

type CreditOrderRequest struct {
	CaregiverID snowflake.ID
	OrderID     string
	Amount      money.Money
	ServiceType string
	Description string
}

type CreditRecurringRequest struct {
	CaregiverID        snowflake.ID
	SubscriptionID     snowflake.ID
	BillingCycleNumber int
	// OrderID is the billing record identifier for the charge; it doubles as
	// the idempotency guard against replayed cycles.
	OrderID     string
	Amount      money.Money
	ServiceType string
	Description string
}

type ReleaseFundsRequest struct {
	CaregiverID snowflake.ID
	OrderID     string
}

type WithdrawRequest struct {
	CaregiverID snowflake.ID
	// Amount is the positive payout amount.
	Amount      money.Money
	Description string
}

type RefundRequest struct {
	CaregiverID snowflake.ID
	OrderID     string
	// Amount is the positive amount to claw back.
	Amount      money.Money
	Description string
}

type DisputeHoldRequest struct {
	CaregiverID snowflake.ID
	OrderID     string
	// Amount is the positive amount to hold.
	Amount      money.Money
	Description string
}

// ReconcileReport compares the cached wallet balances against the balances
// derived from the ledger.
type ReconcileReport struct {
	CaregiverID snowflake.ID
	Balanced    bool

	PendingDrift      decimal.Decimal
	WithdrawableDrift decimal.Decimal
	EarnedDrift       decimal.Decimal
	WithdrawnDrift    decimal.Decimal
}

// Service mutates caregiver wallets. Every mutation serializes on the wallet
// row and posts its ledger entries inside the same transaction.
type Service interface {
	GetOrCreate(ctx context.Context, caregiverID snowflake.ID, currency string) (*Wallet, error)
	Get(ctx context.Context, caregiverID snowflake.ID) (*Wallet, error)

	// CreditOrder records a completed one-time order into the pending balance.
	// Replaying an already-credited order is a no-op.
	CreditOrder(ctx context.Context, req CreditOrderRequest) error
	// ReleaseFunds moves the order's credited amount from pending to
	// withdrawable. Releasing an already-released order is a no-op.
	ReleaseFunds(ctx context.Context, req ReleaseFundsRequest) error
	// CreditRecurring records a successful recurring charge straight into the
	// withdrawable balance, bypassing pending.
	CreditRecurring(ctx context.Context, req CreditRecurringRequest) error
	Withdraw(ctx context.Context, req WithdrawRequest) error
	Refund(ctx context.Context, req RefundRequest) error
	HoldDispute(ctx context.Context, req DisputeHoldRequest) error

	// HasSufficientWithdrawableBalance is a read-only precheck; it does not
	// guarantee a subsequent debit succeeds under concurrent access.
	HasSufficientWithdrawableBalance(ctx context.Context, caregiverID snowflake.ID, amount money.Money) (bool, error)

	Reconcile(ctx context.Context, caregiverID snowflake.ID) (ReconcileReport, error)
}

var (
	ErrWalletNotFound                = errors.New("wallet_not_found")
	ErrInvalidCaregiver              = errors.New("invalid_caregiver")
	ErrInvalidAmount                 = errors.New("invalid_amount")
	ErrInvalidOrder                  = errors.New("invalid_order")
	ErrOrderNotCredited              = errors.New("order_not_credited")
	ErrCurrencyMismatch              = errors.New("currency_mismatch")
	ErrInsufficientPendingFunds      = errors.New("insufficient_pending_funds")
	ErrInsufficientWithdrawableFunds = errors.New("insufficient_withdrawable_funds")
	ErrConcurrencyConflict           = errors.New("concurrency_conflict")
)
