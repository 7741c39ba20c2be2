// Package domain contains the caregiver earnings ledger model. Entries are
// immutable and append-only; corrections are made by posting offsetting
// entries, never by updating or deleting rows.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
)

// EntryKind classifies a balance-affecting event.
type EntryKind string

const (
	EntryKindOrderReceived       EntryKind = "ORDER_RECEIVED"
	EntryKindFundsReleased       EntryKind = "FUNDS_RELEASED"
	EntryKindWithdrawalCompleted EntryKind = "WITHDRAWAL_COMPLETED"
	EntryKindRefund              EntryKind = "REFUND"
	EntryKindDisputeHold         EntryKind = "DISPUTE_HOLD"
)

// IsCredit reports whether entries of this kind must carry a positive amount.
func (k EntryKind) IsCredit() bool {
	switch k {
	case EntryKindOrderReceived, EntryKindFundsReleased:
		return true
	default:
		return false
	}
}

// IsValid reports whether k is a known entry kind.
func (k EntryKind) IsValid() bool {
	switch k {
	case EntryKindOrderReceived, EntryKindFundsReleased,
		EntryKindWithdrawalCompleted, EntryKindRefund, EntryKindDisputeHold:
		return true
	default:
		return false
	}
}

// Entry captures one immutable balance-affecting event for a caregiver.
type Entry struct {
	ID          snowflake.ID `gorm:"primaryKey"`
	CaregiverID snowflake.ID `gorm:"not null;index"`
	Kind        EntryKind    `gorm:"type:text;not null;index"`

	// Amount is signed: positive for credits, negative for withdrawals,
	// refunds and dispute holds.
	Amount   decimal.Decimal `gorm:"type:numeric(20,4);not null"`
	Currency string          `gorm:"type:text;not null"`

	// Recurring marks OrderReceived entries for recurring charges; those are
	// earnings recognition only and move no balance (the matching
	// FUNDS_RELEASED entry does).
	Recurring bool `gorm:"not null;default:false"`

	OrderID            *string       `gorm:"type:text;index"`
	SubscriptionID     *snowflake.ID `gorm:"index"`
	BillingCycleNumber *int          `gorm:""`

	ServiceType string    `gorm:"type:text"`
	Description string    `gorm:"type:text"`
	CreatedAt   time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Entry) TableName() string { return "ledger_entries" }

// Sums is the per-caregiver aggregate derived from the ledger, used to
// reconcile wallet balances.
type Sums struct {
	OneTimeOrderReceived decimal.Decimal
	TotalOrderReceived   decimal.Decimal
	ReleasedFromPending  decimal.Decimal
	TotalFundsReleased   decimal.Decimal
	TotalWithdrawn       decimal.Decimal
	TotalRefunded        decimal.Decimal
	TotalDisputeHeld     decimal.Decimal
}

// PendingBalance derives the pending balance: one-time order credits minus
// releases of pending funds.
func (s Sums) PendingBalance() decimal.Decimal {
	return s.OneTimeOrderReceived.Sub(s.ReleasedFromPending)
}

// WithdrawableBalance derives the withdrawable balance: all released funds
// plus the (negative) withdrawals, refunds and dispute holds.
func (s Sums) WithdrawableBalance() decimal.Decimal {
	return s.TotalFundsReleased.
		Add(s.TotalWithdrawn).
		Add(s.TotalRefunded).
		Add(s.TotalDisputeHeld)
}
