package service

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/carebridge/carebridge/internal/clock"
	"github.com/carebridge/carebridge/internal/config"
	obsmetrics "github.com/carebridge/carebridge/internal/observability/metrics"
	"github.com/carebridge/carebridge/internal/payment/adapters"
	paymentdomain "github.com/carebridge/carebridge/internal/payment/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	GenID    *snowflake.Node
	Clock    clock.Clock
	Config   config.Config
	Registry *adapters.Registry
	Repo     paymentdomain.Repository
}

// Service fronts the configured gateway and owns webhook event records.
type Service struct {
	db      *gorm.DB
	log     *zap.Logger
	genID   *snowflake.Node
	clock   clock.Clock
	gateway paymentdomain.Gateway
	repo    paymentdomain.Repository
}

func NewService(p Params) (*Service, error) {
	gateway, err := p.Registry.NewGateway(p.Config.GatewayProvider, paymentdomain.GatewayConfig{
		Provider: p.Config.GatewayProvider,
	})
	if err != nil {
		return nil, err
	}
	return &Service{
		db:      p.DB,
		log:     p.Log.Named("payment.service"),
		genID:   p.GenID,
		clock:   p.Clock,
		gateway: gateway,
		repo:    p.Repo,
	}, nil
}

// Provider names the configured gateway.
func (s *Service) Provider() string {
	return s.gateway.Provider()
}

// Charge attempts the charge and folds transport failures into a failed
// result so callers count them against the retry budget. Only invalid input
// surfaces as an error.
func (s *Service) Charge(ctx context.Context, req paymentdomain.ChargeRequest) (paymentdomain.ChargeResult, error) {
	if strings.TrimSpace(req.Token) == "" {
		return paymentdomain.ChargeResult{}, paymentdomain.ErrInvalidToken
	}
	if !req.Amount.IsPositive() {
		return paymentdomain.ChargeResult{}, paymentdomain.ErrInvalidAmount
	}
	if strings.TrimSpace(req.IdempotencyKey) == "" {
		return paymentdomain.ChargeResult{}, paymentdomain.ErrInvalidIdempotencyKey
	}

	result, err := s.gateway.Charge(ctx, req)
	if err != nil {
		reason := "gateway_error"
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			reason = "gateway_timeout"
		}
		s.log.Warn("gateway charge failed",
			zap.String("provider", s.gateway.Provider()),
			zap.String("idempotency_key", req.IdempotencyKey),
			zap.Error(err),
		)
		obsmetrics.Billing().IncChargeAttempt(s.gateway.Provider(), obsmetrics.ChargeOutcomeError)
		return paymentdomain.ChargeResult{Success: false, FailureReason: reason}, nil
	}

	outcome := obsmetrics.ChargeOutcomeFailed
	if result.Success {
		outcome = obsmetrics.ChargeOutcomeSucceeded
	}
	obsmetrics.Billing().IncChargeAttempt(s.gateway.Provider(), outcome)
	return result, nil
}

func (s *Service) InitiateTokenCapture(ctx context.Context, req paymentdomain.TokenCaptureRequest) (paymentdomain.TokenCaptureSession, error) {
	return s.gateway.InitiateTokenCapture(ctx, req)
}

type GatewayEventInput struct {
	Provider        string
	ProviderEventID string
	EventType       string
	OrderID         string
	Payload         []byte
}

// RecordGatewayEvent persists the webhook idempotently; a replayed delivery
// reports false. The record lets reconciliation see charges the billing core
// timed out on.
func (s *Service) RecordGatewayEvent(ctx context.Context, input GatewayEventInput) (bool, error) {
	provider := strings.ToLower(strings.TrimSpace(input.Provider))
	if provider == "" {
		return false, paymentdomain.ErrInvalidProvider
	}
	providerEventID := strings.TrimSpace(input.ProviderEventID)
	if providerEventID == "" {
		return false, paymentdomain.ErrInvalidEvent
	}
	eventType := strings.TrimSpace(input.EventType)
	if eventType == "" {
		return false, paymentdomain.ErrInvalidEvent
	}
	orderID := strings.TrimSpace(input.OrderID)
	if orderID == "" {
		return false, paymentdomain.ErrInvalidEvent
	}
	payload := input.Payload
	if len(payload) == 0 {
		payload = []byte("{}")
	}
	if !json.Valid(payload) {
		return false, paymentdomain.ErrInvalidPayload
	}

	event := &paymentdomain.GatewayEvent{
		ID:              s.genID.Generate(),
		Provider:        provider,
		ProviderEventID: providerEventID,
		EventType:       eventType,
		OrderID:         orderID,
		Payload:         datatypes.JSON(payload),
		ReceivedAt:      s.clock.Now(),
	}
	inserted, err := s.repo.InsertEvent(ctx, s.db, event)
	if err != nil {
		return false, err
	}
	if !inserted {
		s.log.Info("gateway event already recorded",
			zap.String("provider", provider),
			zap.String("provider_event_id", providerEventID),
		)
	}
	return inserted, nil
}

func (s *Service) MarkEventProcessed(ctx context.Context, id snowflake.ID) error {
	return s.repo.MarkProcessed(ctx, s.db, id, s.clock.Now())
}

func (s *Service) ListEventsByOrder(ctx context.Context, orderID string) ([]paymentdomain.GatewayEvent, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return nil, paymentdomain.ErrInvalidEvent
	}
	return s.repo.ListByOrder(ctx, s.db, orderID)
}
