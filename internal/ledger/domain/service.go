package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	"github.com/carebridge/carebridge/internal/money"
	"gorm.io/gorm"
)

type AppendRequest struct {
	CaregiverID        snowflake.ID
	Kind               EntryKind
	Amount             money.Money
	Recurring          bool
	OrderID            *string
	SubscriptionID     *snowflake.ID
	BillingCycleNumber *int
	ServiceType        string
	Description        string
}

type HistoryRequest struct {
	CaregiverID snowflake.ID
	// Limit caps the number of entries returned; zero means unlimited.
	Limit int
}

// Service is the append-only ledger store. Callers that pair an Exists check
// with an Append (double-release prevention) must hold the per-caregiver
// wallet lock across both calls; the store itself does not provide an atomic
// check-and-insert.
type Service interface {
	Append(ctx context.Context, db *gorm.DB, req AppendRequest) (*Entry, error)
	Exists(ctx context.Context, db *gorm.DB, orderID string, kind EntryKind) (bool, error)
	History(ctx context.Context, req HistoryRequest) ([]Entry, error)
	SumForOrder(ctx context.Context, orderID string) (money.Money, error)
	OrderCreditAmount(ctx context.Context, db *gorm.DB, orderID string) (money.Money, error)
	Sums(ctx context.Context, db *gorm.DB, caregiverID snowflake.ID) (Sums, error)
}

var (
	ErrInvalidCaregiver  = errors.New("invalid_caregiver")
	ErrInvalidKind       = errors.New("invalid_kind")
	ErrInvalidAmount     = errors.New("invalid_amount")
	ErrInvalidCurrency   = errors.New("invalid_currency")
	ErrAmountSignForKind = errors.New("amount_sign_inconsistent_with_kind")
	ErrInvalidOrder      = errors.New("invalid_order")
)
