// Package scheduler runs the recurring billing sweeps: charging due
// subscriptions, finalizing lapsed cancellations, and recovering abandoned
// charge claims. Every job is idempotent and safe to re-run at any cadence.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/bwmarrin/snowflake"
	billingrecorddomain "github.com/carebridge/carebridge/internal/billingrecord/domain"
	"github.com/carebridge/carebridge/internal/clock"
	"github.com/carebridge/carebridge/internal/config"
	"github.com/carebridge/carebridge/internal/events"
	"github.com/carebridge/carebridge/internal/locks"
	"github.com/carebridge/carebridge/internal/money"
	obsmetrics "github.com/carebridge/carebridge/internal/observability/metrics"
	paymentdomain "github.com/carebridge/carebridge/internal/payment/domain"
	paymentservice "github.com/carebridge/carebridge/internal/payment/service"
	subscriptiondomain "github.com/carebridge/carebridge/internal/subscription/domain"
	walletdomain "github.com/carebridge/carebridge/internal/wallet/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var ErrInvalidConfig = errors.New("scheduler_invalid_config")

type Params struct {
	fx.In

	DB              *gorm.DB
	Log             *zap.Logger
	GenID           *snowflake.Node
	Clock           clock.Clock
	Policy          *config.BillingPolicyHolder
	SubscriptionSvc subscriptiondomain.Service
	BillingSvc      billingrecorddomain.Service
	WalletSvc       walletdomain.Service
	PaymentSvc      *paymentservice.Service
	Outbox          events.Publisher

	Locker *locks.Locker `optional:"true"`
	Config Config        `optional:"true"`
}

type Scheduler struct {
	db              *gorm.DB
	log             *zap.Logger
	cfg             Config
	genID           *snowflake.Node
	clock           clock.Clock
	policy          *config.BillingPolicyHolder
	subscriptionSvc subscriptiondomain.Service
	billingSvc      billingrecorddomain.Service
	walletSvc       walletdomain.Service
	paymentSvc      *paymentservice.Service
	outbox          events.Publisher
	locker          *locks.Locker
}

func New(p Params) (*Scheduler, error) {
	if p.DB == nil || p.Log == nil || p.GenID == nil || p.Clock == nil || p.Policy == nil ||
		p.SubscriptionSvc == nil || p.BillingSvc == nil || p.WalletSvc == nil ||
		p.PaymentSvc == nil || p.Outbox == nil {
		return nil, ErrInvalidConfig
	}
	return &Scheduler{
		db:              p.DB,
		log:             p.Log.Named("scheduler").With(zap.String("component", "scheduler")),
		cfg:             p.Config.withDefaults(),
		genID:           p.GenID,
		clock:           p.Clock,
		policy:          p.Policy,
		subscriptionSvc: p.SubscriptionSvc,
		billingSvc:      p.BillingSvc,
		walletSvc:       p.WalletSvc,
		paymentSvc:      p.PaymentSvc,
		outbox:          p.Outbox,
		locker:          p.Locker,
	}, nil
}

func (s *Scheduler) runJob(
	parent context.Context,
	name string,
	batchSize int,
	timeout time.Duration,
	fn func(ctx context.Context) error,
) error {
	start := s.clock.Now()
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	ctx, run, owner := s.ensureJobRun(ctx, name, batchSize)
	if owner {
		s.logJobStart(run)
	}
	schedMetrics := obsmetrics.Scheduler()
	schedMetrics.IncJobRun(name)

	err := fn(ctx)
	schedMetrics.ObserveJobDuration(name, time.Since(start))
	if owner {
		if err != nil && run != nil && run.errorCount == 0 {
			run.IncError()
		}
		s.logJobFinish(run)
	}
	if err == nil {
		return nil
	}

	isTimeout := errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
	if isTimeout {
		schedMetrics.IncJobTimeout(name)
	}
	schedMetrics.IncJobError(name, err)
	if isTimeout {
		s.log.Warn("job timed out",
			zap.String("job", name),
			zap.Duration("timeout", timeout),
			zap.Error(err),
		)
		return nil
	}

	return fmt.Errorf("%s: %w", name, err)
}

func (s *Scheduler) RunOnce(parent context.Context) error {
	if s.locker != nil {
		token, leader, err := s.locker.TryLock(parent, locks.SchedulerLeaderKey, s.cfg.LeaderLockTTL)
		if err != nil {
			s.log.Warn("leadership lock unavailable, skipping sweep", zap.Error(err))
			return nil
		}
		if !leader {
			obsmetrics.Scheduler().IncBatchDeferred("run_once", obsmetrics.SchedulerBatchDeferredReasonNotLeader)
			return nil
		}
		defer func() {
			if releaseErr := s.locker.Release(parent, locks.SchedulerLeaderKey, token); releaseErr != nil {
				s.log.Warn("failed to release leadership lock", zap.Error(releaseErr))
			}
		}()
	}

	var err error
	jobs := []struct {
		Name string
		Run  func(context.Context) error
	}{
		{"release_stale_claims", func(ctx context.Context) error {
			return s.runJob(ctx, "release_stale_claims", s.cfg.BatchSize, s.cfg.JobTimeout, s.ReleaseStaleClaimsJob)
		}},
		{"recurring_charges", func(ctx context.Context) error {
			return s.runJob(ctx, "recurring_charges", s.cfg.BatchSize, s.cfg.JobTimeout, s.RecurringChargesJob)
		}},
		{"finalize_cancellations", func(ctx context.Context) error {
			return s.runJob(ctx, "finalize_cancellations", s.cfg.BatchSize, s.cfg.JobTimeout, s.FinalizeCancellationsJob)
		}},
	}

	for _, job := range jobs {
		if s.isJobEnabled(job.Name) {
			err = errors.Join(err, job.Run(parent))
		}
	}
	return err
}

func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RunInterval)
	defer ticker.Stop()
	nextRun := s.clock.Now().Add(s.cfg.RunInterval)
	schedMetrics := obsmetrics.Scheduler()

	for {
		runLag := time.Since(nextRun)
		if runLag > 0 {
			schedMetrics.ObserveRunLoopLag(runLag)
		}
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("scheduler run failed", zap.Error(err))
		}
		nextRun = nextRun.Add(s.cfg.RunInterval)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) isJobEnabled(jobName string) bool {
	if len(s.cfg.EnabledJobs) == 0 {
		return true
	}
	for _, enabled := range s.cfg.EnabledJobs {
		if enabled == jobName {
			return true
		}
	}
	return false
}

// ReleaseStaleClaimsJob recovers charge claims abandoned past the staleness
// window so those subscriptions rejoin the billing sweep.
func (s *Scheduler) ReleaseStaleClaimsJob(ctx context.Context) error {
	ctx, run, owner := s.ensureJobRun(ctx, "release_stale_claims", s.cfg.BatchSize)
	if owner {
		s.logJobStart(run)
		defer s.logJobFinish(run)
	}

	staleBefore := s.clock.Now().Add(-s.policy.Current().ChargeClaimStaleness())
	released, err := s.releaseStaleClaims(ctx, staleBefore)
	if err != nil {
		s.logSchedulerError(run, "scheduler.stale_claims.failed", "release_stale_claims", err)
		return err
	}
	if released > 0 {
		run.AddProcessed(released)
		obsmetrics.Scheduler().AddBatchProcessed("release_stale_claims", obsmetrics.LockResourceSubscriptionsDue, released)
		s.log.Warn("recovered stale charge claims", zap.Int("released", released))
	}
	return nil
}

// RecurringChargesJob claims due subscriptions and attempts exactly one
// charge per subscription per pass. A failed charge clears its claim marker
// and remains due, so refill queries exclude every subscription this pass
// already attempted; otherwise a full batch would reclaim the failures and
// burn through their retry allowance in a single sweep.
func (s *Scheduler) RecurringChargesJob(ctx context.Context) error {
	ctx, run, owner := s.ensureJobRun(ctx, "recurring_charges", s.cfg.BatchSize)
	if owner {
		s.logJobStart(run)
		defer s.logJobFinish(run)
	}

	now := s.clock.Now()
	staleBefore := now.Add(-s.policy.Current().ChargeClaimStaleness())
	schedMetrics := obsmetrics.Scheduler()
	var jobErr error
	attempted := make([]snowflake.ID, 0, s.cfg.BatchSize)

	for {
		if ctx.Err() != nil {
			return errors.Join(jobErr, ctx.Err())
		}

		batch, err := s.fetchAndClaimDueSubscriptions(ctx, now, staleBefore, s.cfg.BatchSize, attempted)
		if err != nil {
			s.logSchedulerError(run, "scheduler.charge.claim.failed", "recurring_charges", err)
			return errors.Join(jobErr, err)
		}
		if len(batch) == 0 {
			if run.processedCount == 0 {
				schedMetrics.IncBatchDeferred("recurring_charges", obsmetrics.SchedulerBatchDeferredReasonSkipLockedEmpty)
			}
			break
		}

		for _, work := range batch {
			attempted = append(attempted, work.ID)
			if err := s.processRecurringCharge(ctx, work); err != nil {
				jobErr = errors.Join(jobErr, err)
				s.logSchedulerError(run, "scheduler.charge.process.failed", "recurring_charges", err,
					zap.String("subscription_id", idString(work.ID)),
				)
				continue
			}
			run.AddProcessed(1)
			schedMetrics.AddBatchProcessed("recurring_charges", obsmetrics.LockResourceSubscriptionsDue, 1)
		}

		if len(batch) < s.cfg.BatchSize {
			break
		}
	}

	return jobErr
}

// FinalizeCancellationsJob moves pending cancellations whose paid period has
// lapsed to CANCELLED.
func (s *Scheduler) FinalizeCancellationsJob(ctx context.Context) error {
	ctx, run, owner := s.ensureJobRun(ctx, "finalize_cancellations", s.cfg.BatchSize)
	if owner {
		s.logJobStart(run)
		defer s.logJobFinish(run)
	}

	now := s.clock.Now()
	schedMetrics := obsmetrics.Scheduler()
	var jobErr error

	for {
		if ctx.Err() != nil {
			return errors.Join(jobErr, ctx.Err())
		}

		ids, err := s.fetchLapsedCancellations(ctx, now, s.cfg.BatchSize)
		if err != nil {
			s.logSchedulerError(run, "scheduler.finalize.claim.failed", "finalize_cancellations", err)
			return errors.Join(jobErr, err)
		}
		if len(ids) == 0 {
			break
		}

		finalized := 0
		for _, id := range ids {
			applied, err := s.subscriptionSvc.FinalizeCancellation(ctx, id)
			if err != nil {
				jobErr = errors.Join(jobErr, err)
				s.logSchedulerError(run, "scheduler.finalize.failed", "finalize_cancellations", err,
					zap.String("subscription_id", idString(id)),
				)
				continue
			}
			if applied {
				finalized++
				run.AddProcessed(1)
				schedMetrics.AddBatchProcessed("finalize_cancellations", obsmetrics.LockResourcePendingCancellation, 1)
			}
		}
		if finalized == 0 {
			break
		}
	}

	return jobErr
}

// processRecurringCharge settles one billing cycle: gateway charge outside
// any transaction, then billing record, subscription advance, and outbox
// event in one transaction, then the wallet credit through its own
// serialized engine.
func (s *Scheduler) processRecurringCharge(ctx context.Context, work WorkSubscription) error {
	cycle := work.BillingCycleNumber + 1
	orderID := billingrecorddomain.OrderIDFor(work.ID, cycle)

	// A record for this cycle means a previous pass settled the charge but
	// died before cleanup; heal the wallet credit and release the claim
	// instead of charging again.
	existing, err := s.billingSvc.GetByOrderID(ctx, orderID)
	if err != nil && !errors.Is(err, billingrecorddomain.ErrRecordNotFound) {
		return err
	}
	if existing != nil {
		if err := s.creditCaregiver(ctx, existing); err != nil {
			return err
		}
		return s.releaseClaim(ctx, work.ID)
	}

	price, err := money.New(work.ChargePrice().String(), work.Currency)
	if err != nil {
		return err
	}
	result, err := s.paymentSvc.Charge(ctx, paymentdomain.ChargeRequest{
		Token:          work.PaymentMethodToken,
		Amount:         price,
		IdempotencyKey: orderID,
	})
	if err != nil {
		if releaseErr := s.releaseClaim(ctx, work.ID); releaseErr != nil {
			return errors.Join(err, releaseErr)
		}
		return err
	}

	if !result.Success {
		return s.recordFailedCharge(ctx, work, orderID, result.FailureReason)
	}
	return s.recordSuccessfulCharge(ctx, work, price, orderID, result)
}

func (s *Scheduler) recordSuccessfulCharge(
	ctx context.Context,
	work WorkSubscription,
	price money.Money,
	orderID string,
	result paymentdomain.ChargeResult,
) error {
	var record *billingrecorddomain.BillingRecord
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		updated, err := s.subscriptionSvc.RecordChargeSuccess(ctx, tx, work.ID, subscriptiondomain.ChargeSuccess{
			GatewayTransactionID: result.GatewayTransactionID,
		})
		if err != nil {
			return err
		}

		created, _, err := s.billingSvc.Create(ctx, tx, billingrecorddomain.CreateRequest{
			SubscriptionID:       work.ID,
			BillingCycleNumber:   updated.BillingCycleNumber,
			ClientID:             work.ClientID,
			CaregiverID:          work.CaregiverID,
			Amount:               price,
			GatewayProvider:      s.paymentSvc.Provider(),
			GatewayTransactionID: result.GatewayTransactionID,
			PeriodStart:          *updated.CurrentPeriodStart,
			PeriodEnd:            *updated.CurrentPeriodEnd,
			NextChargeDate:       updated.NextChargeDate,
		})
		if err != nil {
			return err
		}
		record = created

		_, err = s.outbox.PublishTx(ctx, tx, events.PublishRequest{
			Type:        events.TypeChargeSucceeded,
			AggregateID: work.ID.String(),
			Payload: map[string]any{
				"subscription_id": work.ID.String(),
				"order_id":        orderID,
				"amount":          price.String(),
				"cycle":           updated.BillingCycleNumber,
			},
			DedupeKey: events.TypeChargeSucceeded + ":" + orderID,
		})
		return err
	})
	if err != nil {
		return err
	}

	s.log.Info("recurring charge settled",
		zap.String("subscription_id", idString(work.ID)),
		zap.String("order_id", orderID),
		zap.String("amount", price.String()),
	)
	return s.creditCaregiver(ctx, record)
}

func (s *Scheduler) recordFailedCharge(ctx context.Context, work WorkSubscription, orderID string, reason string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		updated, err := s.subscriptionSvc.RecordChargeFailure(ctx, tx, work.ID, reason)
		if err != nil {
			return err
		}
		_, err = s.outbox.PublishTx(ctx, tx, events.PublishRequest{
			Type:        events.TypeChargeFailed,
			AggregateID: work.ID.String(),
			Payload: map[string]any{
				"subscription_id":      work.ID.String(),
				"order_id":             orderID,
				"reason":               reason,
				"consecutive_failures": updated.ConsecutiveFailedCharges,
			},
			DedupeKey: events.TypeChargeFailed + ":" + orderID + ":" + strconv.Itoa(updated.ConsecutiveFailedCharges),
		})
		return err
	})
}

// creditCaregiver posts the net earnings for a settled cycle; the wallet
// engine makes replays of the same order no-ops.
func (s *Scheduler) creditCaregiver(ctx context.Context, record *billingrecorddomain.BillingRecord) error {
	net, err := money.New(record.NetAmount.String(), record.Currency)
	if err != nil {
		return err
	}
	return s.walletSvc.CreditRecurring(ctx, walletdomain.CreditRecurringRequest{
		CaregiverID:        record.CaregiverID,
		SubscriptionID:     record.SubscriptionID,
		BillingCycleNumber: record.BillingCycleNumber,
		OrderID:            record.OrderID,
		Amount:             net,
		ServiceType:        "recurring_care",
		Description:        "recurring charge cycle " + strconv.Itoa(record.BillingCycleNumber),
	})
}
