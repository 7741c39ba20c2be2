// Package domain defines the payment gateway abstraction. The billing core
// never talks to a provider directly; it charges stored tokens through a
// Gateway resolved from the adapter registry and reconciles provider webhooks
// through gateway event records.
package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/carebridge/carebridge/internal/money"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type ChargeRequest struct {
	Token  string
	Amount money.Money
	// IdempotencyKey is forwarded to the provider so a retried attempt of the
	// same billing cycle can never double-charge.
	IdempotencyKey string
	Metadata       map[string]string
}

type ChargeResult struct {
	Success              bool
	GatewayTransactionID string
	// FailureReason is provider-normalized ("card_declined",
	// "insufficient_funds", "gateway_timeout").
	FailureReason string
}

type TokenCaptureRequest struct {
	SubscriptionID snowflake.ID
	ReturnURL      string
}

// TokenCaptureSession is the redirect handshake for collecting a replacement
// payment method.
type TokenCaptureSession struct {
	CaptureID   string
	RedirectURL string
}

// Gateway is one provider's charge surface.
type Gateway interface {
	Provider() string
	Charge(ctx context.Context, req ChargeRequest) (ChargeResult, error)
	InitiateTokenCapture(ctx context.Context, req TokenCaptureRequest) (TokenCaptureSession, error)
}

type GatewayConfig struct {
	Provider string
	Config   map[string]any
}

type GatewayFactory interface {
	Provider() string
	NewGateway(cfg GatewayConfig) (Gateway, error)
}

// GatewayEvent persists a provider webhook so a charge that timed out on our
// side but succeeded at the provider is visible to reconciliation instead of
// being re-attempted blindly.
type GatewayEvent struct {
	ID              snowflake.ID `gorm:"primaryKey"`
	Provider        string       `gorm:"type:text;not null;uniqueIndex:idx_gateway_events_provider_event"`
	ProviderEventID string       `gorm:"type:text;not null;uniqueIndex:idx_gateway_events_provider_event"`
	EventType       string       `gorm:"type:text;not null"`
	// OrderID carries the idempotency key the charge was made under.
	OrderID     string         `gorm:"type:text;not null;index"`
	Payload     datatypes.JSON `gorm:"not null"`
	ReceivedAt  time.Time      `gorm:"not null"`
	ProcessedAt *time.Time
}

// TableName sets the database table name.
func (GatewayEvent) TableName() string { return "gateway_events" }

const (
	EventTypeChargeSucceeded = "charge_succeeded"
	EventTypeChargeFailed    = "charge_failed"
	EventTypeRefunded        = "refunded"
)

type Repository interface {
	// InsertEvent reports false when the provider event was already recorded.
	InsertEvent(ctx context.Context, db *gorm.DB, event *GatewayEvent) (bool, error)
	FindEvent(ctx context.Context, db *gorm.DB, provider string, providerEventID string) (*GatewayEvent, error)
	MarkProcessed(ctx context.Context, db *gorm.DB, id snowflake.ID, processedAt time.Time) error
	ListByOrder(ctx context.Context, db *gorm.DB, orderID string) ([]GatewayEvent, error)
}

var (
	ErrProviderNotFound      = errors.New("provider_not_found")
	ErrInvalidConfig         = errors.New("invalid_gateway_config")
	ErrInvalidProvider       = errors.New("invalid_provider")
	ErrInvalidToken          = errors.New("invalid_payment_token")
	ErrInvalidAmount         = errors.New("invalid_charge_amount")
	ErrInvalidIdempotencyKey = errors.New("invalid_idempotency_key")
	ErrInvalidEvent          = errors.New("invalid_gateway_event")
	ErrInvalidPayload        = errors.New("invalid_gateway_payload")
	ErrEventAlreadyProcessed = errors.New("gateway_event_already_processed")
	ErrGatewayFailure        = errors.New("gateway_failure")
)
