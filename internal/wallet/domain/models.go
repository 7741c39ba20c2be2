// Package domain contains the caregiver wallet model. The wallet caches the
// balances derived from the ledger; every mutation posts the matching ledger
// entries in the same transaction, so the cache can always be reconciled
// against the ledger sums.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
)

// Wallet holds the cached balances for one caregiver.
type Wallet struct {
	ID          snowflake.ID `gorm:"primaryKey"`
	CaregiverID snowflake.ID `gorm:"not null;uniqueIndex"`
	Currency    string       `gorm:"type:text;not null"`

	// PendingBalance is earned but not yet withdrawable: one-time order
	// credits awaiting release.
	PendingBalance decimal.Decimal `gorm:"type:numeric(20,4);not null"`
	// WithdrawableBalance is available for payout.
	WithdrawableBalance decimal.Decimal `gorm:"type:numeric(20,4);not null"`

	// TotalEarned is the lifetime gross credit across one-time and recurring
	// orders. Refunds and dispute holds do not reduce it.
	TotalEarned decimal.Decimal `gorm:"type:numeric(20,4);not null"`
	// TotalWithdrawn is the lifetime amount paid out, stored positive.
	TotalWithdrawn decimal.Decimal `gorm:"type:numeric(20,4);not null"`

	CreatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Wallet) TableName() string { return "wallets" }
