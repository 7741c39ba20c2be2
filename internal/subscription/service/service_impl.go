package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/carebridge/carebridge/internal/authorization"
	"github.com/carebridge/carebridge/internal/clock"
	"github.com/carebridge/carebridge/internal/config"
	"github.com/carebridge/carebridge/internal/events"
	"github.com/carebridge/carebridge/internal/money"
	obsmetrics "github.com/carebridge/carebridge/internal/observability/metrics"
	subscriptiondomain "github.com/carebridge/carebridge/internal/subscription/domain"
	walletdomain "github.com/carebridge/carebridge/internal/wallet/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB     *gorm.DB
	Log    *zap.Logger
	GenID  *snowflake.Node
	Clock  clock.Clock
	Policy *config.BillingPolicyHolder
	Repo   subscriptiondomain.Repository
	Authz  authorization.Service
	Wallet walletdomain.Service
	Outbox events.Publisher
}

type Service struct {
	db     *gorm.DB
	log    *zap.Logger
	genID  *snowflake.Node
	clock  clock.Clock
	policy *config.BillingPolicyHolder
	repo   subscriptiondomain.Repository
	authz  authorization.Service
	wallet walletdomain.Service
	outbox events.Publisher
}

func NewService(p Params) subscriptiondomain.Service {
	return &Service{
		db:     p.DB,
		log:    p.Log.Named("subscription.service"),
		genID:  p.GenID,
		clock:  p.Clock,
		policy: p.Policy,
		repo:   p.Repo,
		authz:  p.Authz,
		wallet: p.Wallet,
		outbox: p.Outbox,
	}
}

func (s *Service) Create(ctx context.Context, req subscriptiondomain.CreateRequest) (*subscriptiondomain.Subscription, error) {
	if req.ClientID == 0 || req.CaregiverID == 0 || req.GigID == 0 {
		return nil, subscriptiondomain.ErrInvalidParticipants
	}
	orderID := strings.TrimSpace(req.OrderID)
	if orderID == "" {
		return nil, subscriptiondomain.ErrInvalidOrder
	}
	if err := validatePlan(req.FrequencyPerWeek, req.BillingCycleDays, req.PricePerCycle); err != nil {
		return nil, err
	}
	token := strings.TrimSpace(req.PaymentMethodToken)
	if token == "" {
		return nil, subscriptiondomain.ErrInvalidToken
	}

	now := s.clock.Now()
	subscription := &subscriptiondomain.Subscription{
		ID:                 s.genID.Generate(),
		ClientID:           req.ClientID,
		CaregiverID:        req.CaregiverID,
		GigID:              req.GigID,
		OrderID:            orderID,
		ContractID:         req.ContractID,
		FrequencyPerWeek:   req.FrequencyPerWeek,
		BillingCycleDays:   req.BillingCycleDays,
		PricePerCycle:      req.PricePerCycle.Amount,
		Currency:           strings.ToUpper(strings.TrimSpace(req.PricePerCycle.Currency)),
		Status:             subscriptiondomain.StatusPendingActivation,
		AutoRenew:          true,
		PaymentMethodToken: token,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := s.repo.Insert(ctx, s.db, subscription); err != nil {
		return nil, err
	}

	s.log.Info("subscription created",
		zap.Int64("subscription_id", int64(subscription.ID)),
		zap.Int64("client_id", int64(req.ClientID)),
		zap.Int64("caregiver_id", int64(req.CaregiverID)),
	)
	return subscription, nil
}

func (s *Service) Get(ctx context.Context, id snowflake.ID) (*subscriptiondomain.Subscription, error) {
	subscription, err := s.repo.FindByID(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	if subscription == nil {
		return nil, subscriptiondomain.ErrSubscriptionNotFound
	}
	return subscription, nil
}

// Activate opens the first billing period after the initial payment succeeds.
func (s *Service) Activate(ctx context.Context, id snowflake.ID) (*subscriptiondomain.Subscription, error) {
	var activated *subscriptiondomain.Subscription
	err := s.withSubscription(ctx, id, func(tx *gorm.DB, sub *subscriptiondomain.Subscription) (bool, error) {
		if sub.Status != subscriptiondomain.StatusPendingActivation {
			return false, subscriptiondomain.ErrInvalidTransition
		}
		if err := s.setStatus(sub, subscriptiondomain.StatusActive); err != nil {
			return false, err
		}

		now := s.clock.Now()
		periodEnd := now.Add(subscriptiondomain.CycleLength(sub.BillingCycleDays))
		sub.CurrentPeriodStart = &now
		sub.CurrentPeriodEnd = &periodEnd
		sub.NextChargeDate = &periodEnd
		sub.BillingCycleNumber = 1
		activated = sub
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	return activated, nil
}

func (s *Service) Cancel(ctx context.Context, actor string, id snowflake.ID) (subscriptiondomain.TransitionResult, error) {
	return s.clientTransition(ctx, actor, id, authorization.ActionSubscriptionCancel, func(tx *gorm.DB, sub *subscriptiondomain.Subscription) error {
		if sub.ChargeInProgressAt != nil {
			return subscriptiondomain.ErrChargeInProgress
		}
		if err := s.setStatus(sub, subscriptiondomain.StatusPendingCancellation); err != nil {
			return err
		}
		// Service runs until the paid period ends; only renewal stops.
		sub.AutoRenew = false
		sub.NextChargeDate = nil
		return nil
	})
}

func (s *Service) Reactivate(ctx context.Context, actor string, id snowflake.ID) (subscriptiondomain.TransitionResult, error) {
	return s.clientTransition(ctx, actor, id, authorization.ActionSubscriptionReactivate, func(tx *gorm.DB, sub *subscriptiondomain.Subscription) error {
		if sub.Status != subscriptiondomain.StatusPendingCancellation {
			return subscriptiondomain.ErrInvalidTransition
		}
		if sub.CurrentPeriodEnd == nil || !s.clock.Now().Before(*sub.CurrentPeriodEnd) {
			return subscriptiondomain.ErrInvalidTransition
		}
		if err := s.setStatus(sub, subscriptiondomain.StatusActive); err != nil {
			return err
		}
		sub.AutoRenew = true
		sub.NextChargeDate = sub.CurrentPeriodEnd
		return nil
	})
}

func (s *Service) Pause(ctx context.Context, actor string, id snowflake.ID) (subscriptiondomain.TransitionResult, error) {
	return s.clientTransition(ctx, actor, id, authorization.ActionSubscriptionPause, func(tx *gorm.DB, sub *subscriptiondomain.Subscription) error {
		if sub.ChargeInProgressAt != nil {
			return subscriptiondomain.ErrChargeInProgress
		}
		if err := s.setStatus(sub, subscriptiondomain.StatusPaused); err != nil {
			return err
		}
		sub.NextChargeDate = nil
		return nil
	})
}

// Resume starts a brand-new billing period from now, not from where the
// subscription paused.
func (s *Service) Resume(ctx context.Context, actor string, id snowflake.ID) (subscriptiondomain.TransitionResult, error) {
	return s.clientTransition(ctx, actor, id, authorization.ActionSubscriptionResume, func(tx *gorm.DB, sub *subscriptiondomain.Subscription) error {
		if sub.Status != subscriptiondomain.StatusPaused {
			return subscriptiondomain.ErrInvalidTransition
		}
		if err := s.setStatus(sub, subscriptiondomain.StatusActive); err != nil {
			return err
		}
		now := s.clock.Now()
		periodEnd := now.Add(subscriptiondomain.CycleLength(sub.BillingCycleDays))
		sub.CurrentPeriodStart = &now
		sub.CurrentPeriodEnd = &periodEnd
		sub.NextChargeDate = &periodEnd
		return nil
	})
}

// ChangePlan records the request and defers the new parameters to the next
// cycle boundary; nothing is prorated mid-cycle.
func (s *Service) ChangePlan(ctx context.Context, actor string, id snowflake.ID, req subscriptiondomain.ChangePlanRequest) (subscriptiondomain.TransitionResult, error) {
	if err := validatePlan(req.FrequencyPerWeek, req.BillingCycleDays, req.PricePerCycle); err != nil {
		return subscriptiondomain.TransitionResult{}, err
	}

	return s.clientTransition(ctx, actor, id, authorization.ActionSubscriptionChangePlan, func(tx *gorm.DB, sub *subscriptiondomain.Subscription) error {
		if sub.Status != subscriptiondomain.StatusActive {
			return subscriptiondomain.ErrInvalidTransition
		}
		if strings.ToUpper(strings.TrimSpace(req.PricePerCycle.Currency)) != sub.Currency {
			return subscriptiondomain.ErrInvalidPlan
		}
		if sub.CurrentPeriodEnd == nil {
			return subscriptiondomain.ErrInvalidTransition
		}

		record := &subscriptiondomain.PlanChangeRecord{
			ID:                  s.genID.Generate(),
			SubscriptionID:      sub.ID,
			OldFrequencyPerWeek: sub.FrequencyPerWeek,
			OldBillingCycleDays: sub.BillingCycleDays,
			OldPricePerCycle:    sub.PricePerCycle,
			NewFrequencyPerWeek: req.FrequencyPerWeek,
			NewBillingCycleDays: req.BillingCycleDays,
			NewPricePerCycle:    req.PricePerCycle.Amount,
			EffectiveAt:         *sub.CurrentPeriodEnd,
			RequestedBy:         actor,
			Reason:              strings.TrimSpace(req.Reason),
			CreatedAt:           s.clock.Now(),
		}
		if err := s.repo.InsertPlanChange(ctx, tx, record); err != nil {
			return err
		}

		frequency := req.FrequencyPerWeek
		cycleDays := req.BillingCycleDays
		price := req.PricePerCycle.Amount
		sub.PendingFrequencyPerWeek = &frequency
		sub.PendingBillingCycleDays = &cycleDays
		sub.PendingPricePerCycle = &price

		if _, err := s.outbox.PublishTx(ctx, tx, events.PublishRequest{
			Type:        events.TypeSubscriptionPlanChanged,
			AggregateID: sub.ID.String(),
			Payload: map[string]any{
				"subscription_id": sub.ID.String(),
				"effective_at":    record.EffectiveAt,
				"new_price":       price.String(),
			},
		}); err != nil {
			return err
		}
		return nil
	})
}

func (s *Service) RequestPaymentMethodUpdate(ctx context.Context, actor string, id snowflake.ID) (subscriptiondomain.TransitionResult, error) {
	return s.clientTransition(ctx, actor, id, authorization.ActionSubscriptionUpdatePaymentMethod, func(tx *gorm.DB, sub *subscriptiondomain.Subscription) error {
		if sub.ChargeInProgressAt != nil {
			return subscriptiondomain.ErrChargeInProgress
		}
		if err := s.setStatus(sub, subscriptiondomain.StatusPaymentMethodUpdatePending); err != nil {
			return err
		}
		if _, err := s.outbox.PublishTx(ctx, tx, events.PublishRequest{
			Type:        events.TypePaymentMethodUpdateAsked,
			AggregateID: sub.ID.String(),
			Payload:     map[string]any{"subscription_id": sub.ID.String()},
		}); err != nil {
			return err
		}
		return nil
	})
}

// CompletePaymentMethodUpdate swaps the gateway token once capture finishes;
// billing history is untouched.
func (s *Service) CompletePaymentMethodUpdate(ctx context.Context, id snowflake.ID, token string) (subscriptiondomain.TransitionResult, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return subscriptiondomain.TransitionResult{}, subscriptiondomain.ErrInvalidToken
	}

	err := s.withSubscription(ctx, id, func(tx *gorm.DB, sub *subscriptiondomain.Subscription) (bool, error) {
		if sub.Status != subscriptiondomain.StatusPaymentMethodUpdatePending {
			return false, subscriptiondomain.ErrInvalidTransition
		}
		if err := s.setStatus(sub, subscriptiondomain.StatusActive); err != nil {
			return false, err
		}
		sub.PaymentMethodToken = token
		return true, nil
	})
	if err != nil {
		if reason, rejected := rejectReason(err); rejected {
			return subscriptiondomain.TransitionResult{RejectReason: reason}, nil
		}
		return subscriptiondomain.TransitionResult{}, err
	}
	return subscriptiondomain.TransitionResult{Applied: true}, nil
}

// Terminate ends the agreement immediately from any non-terminal state. The
// prorated refund, when requested, is debited from the caregiver's wallet
// after the state change commits; the wallet serializes on its own row.
func (s *Service) Terminate(ctx context.Context, actor string, id snowflake.ID, req subscriptiondomain.TerminateRequest) (subscriptiondomain.TransitionResult, error) {
	var refund *money.Money
	var caregiverID snowflake.ID
	var orderID string

	result, err := s.clientTransition(ctx, actor, id, authorization.ActionSubscriptionTerminate, func(tx *gorm.DB, sub *subscriptiondomain.Subscription) error {
		if sub.Status.IsTerminal() {
			return subscriptiondomain.ErrInvalidTransition
		}
		if err := s.setStatus(sub, subscriptiondomain.StatusTerminated); err != nil {
			return err
		}

		if req.ProratedRefund {
			amount, err := s.prorateUnusedPeriod(sub)
			if err != nil {
				return err
			}
			if amount != nil && amount.IsPositive() {
				refund = amount
				caregiverID = sub.CaregiverID
				orderID = sub.OrderID
			}
		}

		sub.TerminationReason = strings.TrimSpace(req.Reason)
		sub.NextChargeDate = nil
		sub.AutoRenew = false

		if _, err := s.outbox.PublishTx(ctx, tx, events.PublishRequest{
			Type:        events.TypeSubscriptionTerminated,
			AggregateID: sub.ID.String(),
			Payload: map[string]any{
				"subscription_id": sub.ID.String(),
				"reason":          sub.TerminationReason,
			},
			DedupeKey: events.TypeSubscriptionTerminated + ":" + sub.ID.String(),
		}); err != nil {
			return err
		}
		return nil
	})
	if err != nil || !result.Applied {
		return result, err
	}

	if refund != nil {
		if debitErr := s.wallet.Refund(ctx, walletdomain.RefundRequest{
			CaregiverID: caregiverID,
			OrderID:     orderID,
			Amount:      *refund,
			Description: "prorated refund for terminated subscription " + id.String(),
		}); debitErr != nil {
			// The termination stands; the claw-back shortfall is an
			// operational follow-up, not a rollback.
			s.log.Warn("prorated refund failed after termination",
				zap.Int64("subscription_id", int64(id)),
				zap.String("amount", refund.String()),
				zap.Error(debitErr),
			)
		}
	}
	return result, nil
}

// FinalizeCancellation is the scheduled sweep transition; it reports false
// when the subscription is not pending cancellation or the period has not
// lapsed yet, so re-runs are harmless.
func (s *Service) FinalizeCancellation(ctx context.Context, id snowflake.ID) (bool, error) {
	applied := false
	err := s.withSubscription(ctx, id, func(tx *gorm.DB, sub *subscriptiondomain.Subscription) (bool, error) {
		if sub.Status != subscriptiondomain.StatusPendingCancellation {
			return false, nil
		}
		if sub.CurrentPeriodEnd != nil && s.clock.Now().Before(*sub.CurrentPeriodEnd) {
			return false, nil
		}
		if err := s.setStatus(sub, subscriptiondomain.StatusCancelled); err != nil {
			return false, err
		}
		if _, err := s.outbox.PublishTx(ctx, tx, events.PublishRequest{
			Type:        events.TypeCancellationFinalized,
			AggregateID: sub.ID.String(),
			Payload:     map[string]any{"subscription_id": sub.ID.String()},
			DedupeKey:   events.TypeCancellationFinalized + ":" + sub.ID.String(),
		}); err != nil {
			return false, err
		}
		applied = true
		return true, nil
	})
	return applied, err
}

// RecordChargeSuccess applies one successful billing cycle inside the
// caller's transaction: cycle number, fresh period, pending plan, retry
// bookkeeping, claim marker.
func (s *Service) RecordChargeSuccess(ctx context.Context, tx *gorm.DB, id snowflake.ID, success subscriptiondomain.ChargeSuccess) (*subscriptiondomain.Subscription, error) {
	run := func(tx *gorm.DB) (*subscriptiondomain.Subscription, error) {
		sub, err := s.repo.FindByIDForUpdate(ctx, tx, id)
		if err != nil {
			return nil, err
		}
		if sub == nil {
			return nil, subscriptiondomain.ErrSubscriptionNotFound
		}
		if sub.Status != subscriptiondomain.StatusActive {
			return nil, subscriptiondomain.ErrInvalidTransition
		}

		s.applyPendingPlan(sub)

		now := s.clock.Now()
		periodStart := now
		if sub.CurrentPeriodEnd != nil {
			periodStart = *sub.CurrentPeriodEnd
		}
		periodEnd := periodStart.Add(subscriptiondomain.CycleLength(sub.BillingCycleDays))

		sub.BillingCycleNumber++
		sub.CurrentPeriodStart = &periodStart
		sub.CurrentPeriodEnd = &periodEnd
		sub.NextChargeDate = &periodEnd
		sub.ConsecutiveFailedCharges = 0
		sub.LastFailureReason = ""
		sub.ChargeInProgressAt = nil
		sub.UpdatedAt = now

		if err := s.repo.Update(ctx, tx, sub); err != nil {
			return nil, err
		}
		s.log.Info("billing cycle advanced",
			zap.String("subscription_id", sub.ID.String()),
			zap.Int("billing_cycle_number", sub.BillingCycleNumber),
			zap.String("gateway_transaction_id", success.GatewayTransactionID),
		)
		return sub, nil
	}

	if tx != nil {
		return run(tx)
	}
	var updated *subscriptiondomain.Subscription
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		updated, err = run(tx)
		return err
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// RecordChargeFailure counts the failed attempt and terminates the
// subscription once the policy's MaxRetries consecutive failures are reached;
// terminated subscriptions never re-enter the billing sweep.
func (s *Service) RecordChargeFailure(ctx context.Context, tx *gorm.DB, id snowflake.ID, reason string) (*subscriptiondomain.Subscription, error) {
	maxRetries := s.policy.Current().MaxRetries

	run := func(tx *gorm.DB) (*subscriptiondomain.Subscription, error) {
		sub, err := s.repo.FindByIDForUpdate(ctx, tx, id)
		if err != nil {
			return nil, err
		}
		if sub == nil {
			return nil, subscriptiondomain.ErrSubscriptionNotFound
		}
		if sub.Status != subscriptiondomain.StatusActive {
			return nil, subscriptiondomain.ErrInvalidTransition
		}

		now := s.clock.Now()
		sub.ConsecutiveFailedCharges++
		sub.LastFailureReason = strings.TrimSpace(reason)
		sub.ChargeInProgressAt = nil
		sub.UpdatedAt = now

		if sub.ConsecutiveFailedCharges >= maxRetries {
			if err := s.setStatus(sub, subscriptiondomain.StatusTerminated); err != nil {
				return nil, err
			}
			sub.TerminationReason = subscriptiondomain.TerminationReasonPaymentFailureExhausted
			sub.NextChargeDate = nil
			sub.AutoRenew = false

			if _, err := s.outbox.PublishTx(ctx, tx, events.PublishRequest{
				Type:        events.TypeSubscriptionTerminated,
				AggregateID: sub.ID.String(),
				Payload: map[string]any{
					"subscription_id": sub.ID.String(),
					"reason":          sub.TerminationReason,
				},
				DedupeKey: events.TypeSubscriptionTerminated + ":" + sub.ID.String(),
			}); err != nil {
				return nil, err
			}
			s.log.Warn("subscription terminated after exhausted charge retries",
				zap.Int64("subscription_id", int64(sub.ID)),
				zap.Int("consecutive_failures", sub.ConsecutiveFailedCharges),
			)
		}

		if err := s.repo.Update(ctx, tx, sub); err != nil {
			return nil, err
		}
		return sub, nil
	}

	if tx != nil {
		return run(tx)
	}
	var updated *subscriptiondomain.Subscription
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		updated, err = run(tx)
		return err
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// withSubscription locks the row, runs fn, and persists when fn reports a
// mutation.
func (s *Service) withSubscription(ctx context.Context, id snowflake.ID, fn func(tx *gorm.DB, sub *subscriptiondomain.Subscription) (bool, error)) error {
	if id == 0 {
		return subscriptiondomain.ErrSubscriptionNotFound
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		sub, err := s.repo.FindByIDForUpdate(ctx, tx, id)
		if err != nil {
			return err
		}
		if sub == nil {
			return subscriptiondomain.ErrSubscriptionNotFound
		}
		mutated, err := fn(tx, sub)
		if err != nil || !mutated {
			return err
		}
		sub.UpdatedAt = s.clock.Now()
		return s.repo.Update(ctx, tx, sub)
	})
}

// clientTransition wraps a client-initiated state change: structural
// authorization against the subscription's client, then the transition, with
// rejections reported as results rather than errors.
func (s *Service) clientTransition(ctx context.Context, actor string, id snowflake.ID, action string, fn func(tx *gorm.DB, sub *subscriptiondomain.Subscription) error) (subscriptiondomain.TransitionResult, error) {
	err := s.withSubscription(ctx, id, func(tx *gorm.DB, sub *subscriptiondomain.Subscription) (bool, error) {
		if err := s.authz.Authorize(ctx, actor, sub.ClientID, authorization.RoleClient, authorization.ObjectSubscription, action); err != nil {
			return false, err
		}
		if err := fn(tx, sub); err != nil {
			return false, err
		}
		return true, nil
	})
	if err != nil {
		if reason, rejected := rejectReason(err); rejected {
			return subscriptiondomain.TransitionResult{RejectReason: reason}, nil
		}
		return subscriptiondomain.TransitionResult{}, err
	}
	return subscriptiondomain.TransitionResult{Applied: true}, nil
}

// setStatus enforces the transition table; illegal moves leave the aggregate
// untouched.
func (s *Service) setStatus(sub *subscriptiondomain.Subscription, to subscriptiondomain.Status) error {
	from := sub.Status
	if !subscriptiondomain.CanTransition(from, to) {
		return subscriptiondomain.ErrInvalidTransition
	}
	sub.Status = to
	obsmetrics.Billing().IncSubscriptionTransition(string(from), string(to))
	return nil
}

// applyPendingPlan promotes a deferred plan change at the cycle boundary.
func (s *Service) applyPendingPlan(sub *subscriptiondomain.Subscription) {
	if !sub.HasPendingPlan() {
		return
	}
	if sub.PendingFrequencyPerWeek != nil {
		sub.FrequencyPerWeek = *sub.PendingFrequencyPerWeek
	}
	if sub.PendingBillingCycleDays != nil {
		sub.BillingCycleDays = *sub.PendingBillingCycleDays
	}
	if sub.PendingPricePerCycle != nil {
		sub.PricePerCycle = *sub.PendingPricePerCycle
	}
	sub.PendingFrequencyPerWeek = nil
	sub.PendingBillingCycleDays = nil
	sub.PendingPricePerCycle = nil

	s.log.Info("pending plan applied at cycle boundary",
		zap.Int64("subscription_id", int64(sub.ID)),
		zap.String("price_per_cycle", sub.PricePerCycle.String()),
	)
}

// prorateUnusedPeriod computes the refund for the unused remainder of the
// current period; whole elapsed days are charged, partial days favor the
// platform.
func (s *Service) prorateUnusedPeriod(sub *subscriptiondomain.Subscription) (*money.Money, error) {
	if sub.CurrentPeriodStart == nil || sub.CurrentPeriodEnd == nil {
		return nil, nil
	}
	now := s.clock.Now()
	if !now.Before(*sub.CurrentPeriodEnd) || now.Before(*sub.CurrentPeriodStart) {
		return nil, nil
	}

	day := 24 * time.Hour
	totalDays := int(sub.CurrentPeriodEnd.Sub(*sub.CurrentPeriodStart) / day)
	remainingDays := int(sub.CurrentPeriodEnd.Sub(now) / day)
	if totalDays <= 0 || remainingDays <= 0 {
		return nil, nil
	}

	price := money.FromDecimal(sub.PricePerCycle, sub.Currency)
	refund, err := price.ProrateByDays(remainingDays, totalDays)
	if err != nil {
		return nil, err
	}
	return &refund, nil
}

func validatePlan(frequencyPerWeek, billingCycleDays int, price money.Money) error {
	if frequencyPerWeek <= 0 || frequencyPerWeek > 7 {
		return subscriptiondomain.ErrInvalidPlan
	}
	if billingCycleDays <= 0 {
		return subscriptiondomain.ErrInvalidPlan
	}
	if !price.IsPositive() {
		return subscriptiondomain.ErrInvalidPlan
	}
	return nil
}

// rejectReason maps domain failures of client-initiated operations to the
// structured rejection surface.
func rejectReason(err error) (string, bool) {
	switch {
	case errors.Is(err, subscriptiondomain.ErrInvalidTransition):
		return "invalid_state_transition", true
	case errors.Is(err, subscriptiondomain.ErrChargeInProgress):
		return "charge_in_progress", true
	case errors.Is(err, subscriptiondomain.ErrInvalidPlan):
		return "invalid_plan", true
	case errors.Is(err, authorization.ErrForbidden):
		return "forbidden", true
	default:
		return "", false
	}
}
