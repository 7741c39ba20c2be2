package scheduler

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	obsmetrics "github.com/carebridge/carebridge/internal/observability/metrics"
	subscriptiondomain "github.com/carebridge/carebridge/internal/subscription/domain"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// WorkSubscription is the projection of a subscription the billing sweep
// needs; the claim marker on the row is what serializes competing instances.
type WorkSubscription struct {
	ID                   snowflake.ID
	ClientID             snowflake.ID
	CaregiverID          snowflake.ID
	Status               subscriptiondomain.Status
	PricePerCycle        decimal.Decimal
	PendingPricePerCycle *decimal.Decimal
	Currency             string
	PaymentMethodToken   string
	BillingCycleNumber   int
}

// ChargePrice is the amount the upcoming cycle bills: the pending plan price
// when a change waits at the boundary, the current price otherwise.
func (w WorkSubscription) ChargePrice() decimal.Decimal {
	if w.PendingPricePerCycle != nil {
		return *w.PendingPricePerCycle
	}
	return w.PricePerCycle
}

// fetchAndClaimDueSubscriptions locks a batch of due subscriptions and stamps
// their charge_in_progress_at marker in one transaction. A stale marker older
// than the staleness cutoff is treated as abandoned and reclaimed. IDs in
// exclude are skipped; a failed charge clears its marker and stays due, so the
// caller passes the IDs it already attempted to keep refills from reclaiming
// them within the same pass.
func (s *Scheduler) fetchAndClaimDueSubscriptions(ctx context.Context, now time.Time, staleBefore time.Time, limit int, exclude []snowflake.ID) ([]WorkSubscription, error) {
	claimCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	query := `SELECT id, client_id, caregiver_id, status, price_per_cycle,
		        pending_price_per_cycle, currency, payment_method_token,
		        billing_cycle_number
		 FROM subscriptions
		 WHERE status = ?
		   AND auto_renew = ?
		   AND next_charge_date IS NOT NULL
		   AND next_charge_date <= ?
		   AND (charge_in_progress_at IS NULL OR charge_in_progress_at <= ?)`
	args := []interface{}{
		subscriptiondomain.StatusActive,
		true,
		now,
		staleBefore,
	}
	if len(exclude) > 0 {
		query += `
		   AND id NOT IN ?`
		args = append(args, exclude)
	}
	query += `
		 ORDER BY next_charge_date ASC, id ASC
		 FOR UPDATE SKIP LOCKED
		 LIMIT ?`
	args = append(args, limit)

	var claimed []WorkSubscription
	schedMetrics := obsmetrics.Scheduler()
	lockStart := time.Now()
	err := s.db.WithContext(claimCtx).Transaction(func(tx *gorm.DB) error {
		var due []WorkSubscription
		if err := tx.WithContext(claimCtx).Raw(query, args...).Scan(&due).Error; err != nil {
			return err
		}
		if len(due) == 0 {
			return nil
		}

		ids := make([]snowflake.ID, 0, len(due))
		for _, sub := range due {
			ids = append(ids, sub.ID)
		}
		if err := tx.WithContext(claimCtx).Exec(
			`UPDATE subscriptions SET charge_in_progress_at = ?, updated_at = ? WHERE id IN ?`,
			now,
			now,
			ids,
		).Error; err != nil {
			return err
		}
		claimed = due
		return nil
	})
	schedMetrics.ObserveDBLockWait(obsmetrics.LockResourceSubscriptionsDue, time.Since(lockStart))
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// releaseClaim clears the in-flight marker without recording an outcome, for
// charges that turn out to be already settled.
func (s *Scheduler) releaseClaim(ctx context.Context, id snowflake.ID) error {
	return s.db.WithContext(ctx).Exec(
		`UPDATE subscriptions SET charge_in_progress_at = NULL WHERE id = ?`,
		id,
	).Error
}

// releaseStaleClaims clears markers abandoned by a crashed instance so the
// next sweep can retry those subscriptions.
func (s *Scheduler) releaseStaleClaims(ctx context.Context, staleBefore time.Time) (int, error) {
	result := s.db.WithContext(ctx).Exec(
		`UPDATE subscriptions
		 SET charge_in_progress_at = NULL
		 WHERE charge_in_progress_at IS NOT NULL
		   AND charge_in_progress_at <= ?`,
		staleBefore,
	)
	if result.Error != nil {
		return 0, result.Error
	}
	return int(result.RowsAffected), nil
}

// fetchLapsedCancellations lists pending cancellations whose paid period has
// run out. The finalize transition itself re-checks state under a row lock.
func (s *Scheduler) fetchLapsedCancellations(ctx context.Context, now time.Time, limit int) ([]snowflake.ID, error) {
	claimCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	var ids []snowflake.ID
	schedMetrics := obsmetrics.Scheduler()
	lockStart := time.Now()
	err := s.db.WithContext(claimCtx).Transaction(func(tx *gorm.DB) error {
		return tx.WithContext(claimCtx).Raw(
			`SELECT id
			 FROM subscriptions
			 WHERE status = ?
			   AND current_period_end IS NOT NULL
			   AND current_period_end <= ?
			 ORDER BY current_period_end ASC, id ASC
			 FOR UPDATE SKIP LOCKED
			 LIMIT ?`,
			subscriptiondomain.StatusPendingCancellation,
			now,
			limit,
		).Scan(&ids).Error
	})
	schedMetrics.ObserveDBLockWait(obsmetrics.LockResourcePendingCancellation, time.Since(lockStart))
	if err != nil {
		return nil, err
	}
	return ids, nil
}
