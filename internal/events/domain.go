// Package events is the transactional outbox for billing domain events. Rows
// are written inside the business transaction and drained by the external
// notification system; the billing core never formats or sends messages.
package events

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	TypeChargeSucceeded          = "charge.succeeded"
	TypeChargeFailed             = "charge.failed"
	TypeSubscriptionTerminated   = "subscription.terminated"
	TypeCancellationFinalized    = "subscription.cancellation_finalized"
	TypeFundsReleased            = "funds.released"
	TypeWithdrawalCompleted      = "withdrawal.completed"
	TypeSubscriptionPlanChanged  = "subscription.plan_changed"
	TypePaymentMethodUpdateAsked = "subscription.payment_method_update_requested"
)

// Event is one outbox row.
type Event struct {
	ID   snowflake.ID `gorm:"primaryKey"`
	Type string       `gorm:"type:text;not null;index"`
	// AggregateID identifies the subject (subscription, caregiver, order).
	AggregateID string         `gorm:"type:text;not null;index"`
	Payload     datatypes.JSON `gorm:"not null"`
	// DedupeKey makes replayed publications no-ops; empty means no dedupe.
	DedupeKey   *string `gorm:"type:text;uniqueIndex"`
	CreatedAt   time.Time
	PublishedAt *time.Time
}

// TableName sets the database table name.
func (Event) TableName() string { return "outbox_events" }

type PublishRequest struct {
	Type        string
	AggregateID string
	Payload     map[string]any
	DedupeKey   string
}

// Publisher appends outbox events inside the caller's transaction.
type Publisher interface {
	// PublishTx writes the event; a duplicate dedupe key is a no-op and
	// reports false.
	PublishTx(ctx context.Context, tx *gorm.DB, req PublishRequest) (bool, error)
	// Pending returns unpublished events oldest-first for the drain loop.
	Pending(ctx context.Context, limit int) ([]Event, error)
	// MarkPublished stamps events handed to the notification system.
	MarkPublished(ctx context.Context, ids []snowflake.ID) error
}

var (
	ErrInvalidType      = errors.New("invalid_event_type")
	ErrInvalidAggregate = errors.New("invalid_event_aggregate")
)
