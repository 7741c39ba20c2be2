// Package domain contains the billing record model: one row per successful
// recurring charge, keyed by subscription and cycle number so replayed charge
// attempts cannot bill a cycle twice.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
)

// BillingRecord captures a settled recurring charge and its fee breakdown.
type BillingRecord struct {
	ID             snowflake.ID `gorm:"primaryKey"`
	SubscriptionID snowflake.ID `gorm:"not null;uniqueIndex:idx_billing_records_cycle,priority:1"`
	// BillingCycleNumber starts at 1 for the activation charge.
	BillingCycleNumber int `gorm:"not null;uniqueIndex:idx_billing_records_cycle,priority:2"`

	// OrderID is the external idempotency key for the charge
	// ("<subscription>:<cycle>"); ledger entries reference it.
	OrderID string `gorm:"type:text;not null;uniqueIndex"`

	ClientID    snowflake.ID `gorm:"not null;index"`
	CaregiverID snowflake.ID `gorm:"not null;index"`

	// AmountPaid is the gross amount charged to the client.
	AmountPaid decimal.Decimal `gorm:"type:numeric(20,4);not null"`
	// OrderFee and ServiceCharge are the platform's cut of the gross amount.
	OrderFee      decimal.Decimal `gorm:"type:numeric(20,4);not null"`
	ServiceCharge decimal.Decimal `gorm:"type:numeric(20,4);not null"`
	// GatewayFee is the processor's fee as reported by the gateway. The
	// platform absorbs it; it is not deducted from the caregiver's net.
	GatewayFee decimal.Decimal `gorm:"type:numeric(20,4);not null"`
	// NetAmount is what the caregiver earns: gross minus the platform fees.
	NetAmount decimal.Decimal `gorm:"type:numeric(20,4);not null"`
	Currency  string          `gorm:"type:text;not null"`

	GatewayProvider      string `gorm:"type:text;not null"`
	GatewayTransactionID string `gorm:"type:text;not null"`

	PeriodStart time.Time `gorm:"not null"`
	PeriodEnd   time.Time `gorm:"not null"`
	// NextChargeDate snapshots when the following cycle was due to bill at the
	// time this record was written; nil when the subscription will not renew.
	NextChargeDate *time.Time

	Refunded   bool `gorm:"not null;default:false"`
	RefundedAt *time.Time
	Disputed   bool `gorm:"not null;default:false"`
	DisputedAt *time.Time

	CreatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (BillingRecord) TableName() string { return "billing_records" }
