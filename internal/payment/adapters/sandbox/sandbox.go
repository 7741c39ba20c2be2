// Package sandbox is the deterministic gateway used in development and
// package tests. Token prefixes drive the outcome so failure paths can be
// exercised without a provider account.
package sandbox

import (
	"context"
	"strings"

	paymentdomain "github.com/carebridge/carebridge/internal/payment/domain"
)

const (
	// DeclineTokenPrefix makes the charge fail with card_declined.
	DeclineTokenPrefix = "tok_decline"
	// TimeoutTokenPrefix makes the charge report a gateway timeout; callers
	// count it as a failed attempt.
	TimeoutTokenPrefix = "tok_timeout"
)

type Factory struct{}

func NewFactory() *Factory {
	return &Factory{}
}

func (f *Factory) Provider() string {
	return "sandbox"
}

func (f *Factory) NewGateway(cfg paymentdomain.GatewayConfig) (paymentdomain.Gateway, error) {
	return &Gateway{}, nil
}

type Gateway struct{}

func (g *Gateway) Provider() string { return "sandbox" }

func (g *Gateway) Charge(ctx context.Context, req paymentdomain.ChargeRequest) (paymentdomain.ChargeResult, error) {
	token := strings.TrimSpace(req.Token)
	if token == "" {
		return paymentdomain.ChargeResult{}, paymentdomain.ErrInvalidToken
	}
	if !req.Amount.IsPositive() {
		return paymentdomain.ChargeResult{}, paymentdomain.ErrInvalidAmount
	}
	key := strings.TrimSpace(req.IdempotencyKey)
	if key == "" {
		return paymentdomain.ChargeResult{}, paymentdomain.ErrInvalidIdempotencyKey
	}
	if err := ctx.Err(); err != nil {
		return paymentdomain.ChargeResult{}, err
	}

	switch {
	case strings.HasPrefix(token, TimeoutTokenPrefix):
		return paymentdomain.ChargeResult{}, paymentdomain.ErrGatewayFailure
	case strings.HasPrefix(token, DeclineTokenPrefix):
		return paymentdomain.ChargeResult{
			Success:       false,
			FailureReason: "card_declined",
		}, nil
	default:
		return paymentdomain.ChargeResult{
			Success:              true,
			GatewayTransactionID: "sandbox_" + key,
		}, nil
	}
}

func (g *Gateway) InitiateTokenCapture(ctx context.Context, req paymentdomain.TokenCaptureRequest) (paymentdomain.TokenCaptureSession, error) {
	if req.SubscriptionID == 0 {
		return paymentdomain.TokenCaptureSession{}, paymentdomain.ErrInvalidConfig
	}
	captureID := "cap_" + req.SubscriptionID.String()
	return paymentdomain.TokenCaptureSession{
		CaptureID:   captureID,
		RedirectURL: "https://sandbox.invalid/capture/" + captureID,
	}, nil
}
