// Package domain contains the subscription aggregate: the recurring-service
// agreement between a client and a caregiver, its state machine, and the plan
// change audit trail.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
)

type Status string

const (
	StatusPendingActivation          Status = "PENDING_ACTIVATION"
	StatusActive                     Status = "ACTIVE"
	StatusPaused                     Status = "PAUSED"
	StatusPendingCancellation        Status = "PENDING_CANCELLATION"
	StatusCancelled                  Status = "CANCELLED"
	StatusTerminated                 Status = "TERMINATED"
	StatusPaymentMethodUpdatePending Status = "PAYMENT_METHOD_UPDATE_PENDING"
)

// IsTerminal reports whether no further transitions may leave this status.
func (s Status) IsTerminal() bool {
	return s == StatusCancelled || s == StatusTerminated
}

// allowedTransitions enumerates every legal lifecycle move. Anything absent
// fails with ErrInvalidTransition and mutates nothing.
var allowedTransitions = map[Status][]Status{
	StatusPendingActivation: {
		StatusActive,
		StatusTerminated,
	},
	StatusActive: {
		StatusPaused,
		StatusPendingCancellation,
		StatusPaymentMethodUpdatePending,
		StatusTerminated,
	},
	StatusPaused: {
		StatusActive,
		StatusTerminated,
	},
	StatusPendingCancellation: {
		StatusActive,
		StatusCancelled,
		StatusTerminated,
	},
	StatusPaymentMethodUpdatePending: {
		StatusActive,
		StatusTerminated,
	},
}

// CanTransition reports whether from → to is a legal move.
func CanTransition(from, to Status) bool {
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// TerminationReasonPaymentFailureExhausted marks terminations caused by
// MaxRetries consecutive failed recurring charges.
const TerminationReasonPaymentFailureExhausted = "payment_failure_exhausted"

// Subscription is the recurring-service agreement. Terminal rows are retained
// for audit; nothing is ever physically deleted.
type Subscription struct {
	ID          snowflake.ID `gorm:"primaryKey"`
	ClientID    snowflake.ID `gorm:"not null;index"`
	CaregiverID snowflake.ID `gorm:"not null;index"`
	GigID       snowflake.ID `gorm:"not null"`
	// OrderID is the originating one-time order that opened the agreement.
	OrderID    string  `gorm:"type:text;not null"`
	ContractID *string `gorm:"type:text"`

	FrequencyPerWeek int             `gorm:"not null"`
	BillingCycleDays int             `gorm:"not null"`
	PricePerCycle    decimal.Decimal `gorm:"type:numeric(20,4);not null"`
	Currency         string          `gorm:"type:text;not null"`

	// Pending plan parameters take effect at the next cycle boundary.
	PendingFrequencyPerWeek *int             `gorm:""`
	PendingBillingCycleDays *int             `gorm:""`
	PendingPricePerCycle    *decimal.Decimal `gorm:"type:numeric(20,4)"`

	Status    Status `gorm:"type:text;not null;index"`
	AutoRenew bool   `gorm:"not null;default:true"`

	CurrentPeriodStart *time.Time
	CurrentPeriodEnd   *time.Time
	NextChargeDate     *time.Time `gorm:"index"`

	// BillingCycleNumber counts successful charges; the activation charge is
	// cycle 1.
	BillingCycleNumber       int    `gorm:"not null;default:0"`
	ConsecutiveFailedCharges int    `gorm:"not null;default:0"`
	LastFailureReason        string `gorm:"type:text"`
	TerminationReason        string `gorm:"type:text"`

	PaymentMethodToken string `gorm:"type:text;not null"`

	// ChargeInProgressAt marks an in-flight charge attempt; stale markers are
	// cleared by the scheduler after the staleness window.
	ChargeInProgressAt *time.Time

	CreatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Subscription) TableName() string { return "subscriptions" }

// HasPendingPlan reports whether a plan change awaits the next boundary.
func (s *Subscription) HasPendingPlan() bool {
	return s.PendingPricePerCycle != nil ||
		s.PendingFrequencyPerWeek != nil ||
		s.PendingBillingCycleDays != nil
}

// PlanChangeRecord is the immutable audit entry for one plan mutation.
type PlanChangeRecord struct {
	ID             snowflake.ID `gorm:"primaryKey"`
	SubscriptionID snowflake.ID `gorm:"not null;index"`

	OldFrequencyPerWeek int             `gorm:"not null"`
	OldBillingCycleDays int             `gorm:"not null"`
	OldPricePerCycle    decimal.Decimal `gorm:"type:numeric(20,4);not null"`
	NewFrequencyPerWeek int             `gorm:"not null"`
	NewBillingCycleDays int             `gorm:"not null"`
	NewPricePerCycle    decimal.Decimal `gorm:"type:numeric(20,4);not null"`

	// EffectiveAt is the cycle boundary the new plan applies from.
	EffectiveAt time.Time `gorm:"not null"`
	RequestedBy string    `gorm:"type:text;not null"`
	Reason      string    `gorm:"type:text"`
	CreatedAt   time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (PlanChangeRecord) TableName() string { return "plan_change_records" }
