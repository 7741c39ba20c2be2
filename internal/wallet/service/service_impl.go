package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/carebridge/carebridge/internal/clock"
	ledgerdomain "github.com/carebridge/carebridge/internal/ledger/domain"
	"github.com/carebridge/carebridge/internal/money"
	obsmetrics "github.com/carebridge/carebridge/internal/observability/metrics"
	walletdomain "github.com/carebridge/carebridge/internal/wallet/domain"
	"github.com/carebridge/carebridge/pkg/db"
	"github.com/shopspring/decimal"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// maxMutationAttempts bounds retries when concurrent transactions abort on
// the wallet row.
const maxMutationAttempts = 3

type Params struct {
	fx.In

	DB     *gorm.DB
	Log    *zap.Logger
	GenID  *snowflake.Node
	Clock  clock.Clock
	Repo   walletdomain.Repository
	Ledger ledgerdomain.Service
}

type Service struct {
	db     *gorm.DB
	log    *zap.Logger
	genID  *snowflake.Node
	clock  clock.Clock
	repo   walletdomain.Repository
	ledger ledgerdomain.Service
}

func NewService(p Params) walletdomain.Service {
	return &Service{
		db:     p.DB,
		log:    p.Log.Named("wallet.service"),
		genID:  p.GenID,
		clock:  p.Clock,
		repo:   p.Repo,
		ledger: p.Ledger,
	}
}

func (s *Service) GetOrCreate(ctx context.Context, caregiverID snowflake.ID, currency string) (*walletdomain.Wallet, error) {
	if caregiverID == 0 {
		return nil, walletdomain.ErrInvalidCaregiver
	}
	currency = strings.ToUpper(strings.TrimSpace(currency))

	var wallet *walletdomain.Wallet
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		wallet, err = s.lockWallet(ctx, tx, caregiverID, currency)
		return err
	})
	if err != nil {
		return nil, err
	}
	return wallet, nil
}

func (s *Service) Get(ctx context.Context, caregiverID snowflake.ID) (*walletdomain.Wallet, error) {
	if caregiverID == 0 {
		return nil, walletdomain.ErrInvalidCaregiver
	}
	wallet, err := s.repo.FindByCaregiver(ctx, s.db, caregiverID)
	if err != nil {
		return nil, err
	}
	if wallet == nil {
		return nil, walletdomain.ErrWalletNotFound
	}
	return wallet, nil
}

func (s *Service) CreditOrder(ctx context.Context, req walletdomain.CreditOrderRequest) error {
	orderID := strings.TrimSpace(req.OrderID)
	if orderID == "" {
		return walletdomain.ErrInvalidOrder
	}
	if !req.Amount.IsPositive() {
		return walletdomain.ErrInvalidAmount
	}

	return s.mutate(ctx, "credit_order", req.CaregiverID, req.Amount.Currency, func(tx *gorm.DB, wallet *walletdomain.Wallet) error {
		if err := s.ensureCurrency(wallet, req.Amount); err != nil {
			return err
		}

		credited, err := s.ledger.Exists(ctx, tx, orderID, ledgerdomain.EntryKindOrderReceived)
		if err != nil {
			return err
		}
		if credited {
			s.log.Info("order already credited",
				zap.String("order_id", orderID),
				zap.Int64("caregiver_id", int64(req.CaregiverID)),
			)
			return nil
		}

		if _, err := s.ledger.Append(ctx, tx, ledgerdomain.AppendRequest{
			CaregiverID: req.CaregiverID,
			Kind:        ledgerdomain.EntryKindOrderReceived,
			Amount:      req.Amount,
			OrderID:     &orderID,
			ServiceType: req.ServiceType,
			Description: req.Description,
		}); err != nil {
			return err
		}

		wallet.PendingBalance = wallet.PendingBalance.Add(req.Amount.Amount)
		wallet.TotalEarned = wallet.TotalEarned.Add(req.Amount.Amount)
		return nil
	})
}

func (s *Service) ReleaseFunds(ctx context.Context, req walletdomain.ReleaseFundsRequest) error {
	orderID := strings.TrimSpace(req.OrderID)
	if orderID == "" {
		return walletdomain.ErrInvalidOrder
	}

	return s.mutate(ctx, "release_funds", req.CaregiverID, "", func(tx *gorm.DB, wallet *walletdomain.Wallet) error {
		released, err := s.ledger.Exists(ctx, tx, orderID, ledgerdomain.EntryKindFundsReleased)
		if err != nil {
			return err
		}
		if released {
			s.log.Info("order funds already released",
				zap.String("order_id", orderID),
				zap.Int64("caregiver_id", int64(req.CaregiverID)),
			)
			return nil
		}

		amount, err := s.ledger.OrderCreditAmount(ctx, tx, orderID)
		if err != nil {
			return err
		}
		if !amount.IsPositive() {
			return walletdomain.ErrOrderNotCredited
		}
		if wallet.PendingBalance.LessThan(amount.Amount) {
			return walletdomain.ErrInsufficientPendingFunds
		}

		if _, err := s.ledger.Append(ctx, tx, ledgerdomain.AppendRequest{
			CaregiverID: req.CaregiverID,
			Kind:        ledgerdomain.EntryKindFundsReleased,
			Amount:      amount,
			OrderID:     &orderID,
			Description: "funds released for order " + orderID,
		}); err != nil {
			return err
		}

		wallet.PendingBalance = wallet.PendingBalance.Sub(amount.Amount)
		wallet.WithdrawableBalance = wallet.WithdrawableBalance.Add(amount.Amount)
		return nil
	})
}

func (s *Service) CreditRecurring(ctx context.Context, req walletdomain.CreditRecurringRequest) error {
	orderID := strings.TrimSpace(req.OrderID)
	if orderID == "" {
		return walletdomain.ErrInvalidOrder
	}
	if req.SubscriptionID == 0 || req.BillingCycleNumber <= 0 {
		return walletdomain.ErrInvalidOrder
	}
	if !req.Amount.IsPositive() {
		return walletdomain.ErrInvalidAmount
	}

	subscriptionID := req.SubscriptionID
	cycleNumber := req.BillingCycleNumber

	return s.mutate(ctx, "credit_recurring", req.CaregiverID, req.Amount.Currency, func(tx *gorm.DB, wallet *walletdomain.Wallet) error {
		if err := s.ensureCurrency(wallet, req.Amount); err != nil {
			return err
		}

		credited, err := s.ledger.Exists(ctx, tx, orderID, ledgerdomain.EntryKindOrderReceived)
		if err != nil {
			return err
		}
		if credited {
			s.log.Info("recurring charge already credited",
				zap.String("order_id", orderID),
				zap.Int64("subscription_id", int64(subscriptionID)),
				zap.Int("billing_cycle_number", cycleNumber),
			)
			return nil
		}

		// Earnings recognition for the cycle; the balance moves on the paired
		// release below.
		if _, err := s.ledger.Append(ctx, tx, ledgerdomain.AppendRequest{
			CaregiverID:        req.CaregiverID,
			Kind:               ledgerdomain.EntryKindOrderReceived,
			Amount:             req.Amount,
			Recurring:          true,
			OrderID:            &orderID,
			SubscriptionID:     &subscriptionID,
			BillingCycleNumber: &cycleNumber,
			ServiceType:        req.ServiceType,
			Description:        req.Description,
		}); err != nil {
			return err
		}
		if _, err := s.ledger.Append(ctx, tx, ledgerdomain.AppendRequest{
			CaregiverID:        req.CaregiverID,
			Kind:               ledgerdomain.EntryKindFundsReleased,
			Amount:             req.Amount,
			Recurring:          true,
			SubscriptionID:     &subscriptionID,
			BillingCycleNumber: &cycleNumber,
			Description:        "recurring funds released",
		}); err != nil {
			return err
		}

		wallet.WithdrawableBalance = wallet.WithdrawableBalance.Add(req.Amount.Amount)
		wallet.TotalEarned = wallet.TotalEarned.Add(req.Amount.Amount)
		return nil
	})
}

func (s *Service) Withdraw(ctx context.Context, req walletdomain.WithdrawRequest) error {
	if !req.Amount.IsPositive() {
		return walletdomain.ErrInvalidAmount
	}

	return s.mutate(ctx, "withdraw", req.CaregiverID, "", func(tx *gorm.DB, wallet *walletdomain.Wallet) error {
		if err := s.ensureCurrency(wallet, req.Amount); err != nil {
			return err
		}
		if wallet.WithdrawableBalance.LessThan(req.Amount.Amount) {
			return walletdomain.ErrInsufficientWithdrawableFunds
		}

		if _, err := s.ledger.Append(ctx, tx, ledgerdomain.AppendRequest{
			CaregiverID: req.CaregiverID,
			Kind:        ledgerdomain.EntryKindWithdrawalCompleted,
			Amount:      req.Amount.Neg(),
			Description: req.Description,
		}); err != nil {
			return err
		}

		wallet.WithdrawableBalance = wallet.WithdrawableBalance.Sub(req.Amount.Amount)
		wallet.TotalWithdrawn = wallet.TotalWithdrawn.Add(req.Amount.Amount)
		return nil
	})
}

func (s *Service) Refund(ctx context.Context, req walletdomain.RefundRequest) error {
	orderID := strings.TrimSpace(req.OrderID)
	if orderID == "" {
		return walletdomain.ErrInvalidOrder
	}
	return s.debitWithdrawable(ctx, "refund", ledgerdomain.EntryKindRefund, req.CaregiverID, orderID, req.Amount, req.Description)
}

func (s *Service) HoldDispute(ctx context.Context, req walletdomain.DisputeHoldRequest) error {
	orderID := strings.TrimSpace(req.OrderID)
	if orderID == "" {
		return walletdomain.ErrInvalidOrder
	}
	return s.debitWithdrawable(ctx, "dispute_hold", ledgerdomain.EntryKindDisputeHold, req.CaregiverID, orderID, req.Amount, req.Description)
}

// HasSufficientWithdrawableBalance is a read-only precheck. It takes no lock,
// so a concurrent debit can still win the race.
func (s *Service) HasSufficientWithdrawableBalance(ctx context.Context, caregiverID snowflake.ID, amount money.Money) (bool, error) {
	if !amount.IsPositive() {
		return false, walletdomain.ErrInvalidAmount
	}
	wallet, err := s.Get(ctx, caregiverID)
	if err != nil {
		return false, err
	}
	if err := s.ensureCurrency(wallet, amount); err != nil {
		return false, err
	}
	return !wallet.WithdrawableBalance.LessThan(amount.Amount), nil
}

// debitWithdrawable posts a negative entry against the withdrawable balance.
// The debit fails outright when the balance cannot cover it; partial
// claw-backs are an operational decision, not an automatic one.
func (s *Service) debitWithdrawable(ctx context.Context, operation string, kind ledgerdomain.EntryKind, caregiverID snowflake.ID, orderID string, amount money.Money, description string) error {
	if !amount.IsPositive() {
		return walletdomain.ErrInvalidAmount
	}

	return s.mutate(ctx, operation, caregiverID, "", func(tx *gorm.DB, wallet *walletdomain.Wallet) error {
		if err := s.ensureCurrency(wallet, amount); err != nil {
			return err
		}
		if wallet.WithdrawableBalance.LessThan(amount.Amount) {
			return walletdomain.ErrInsufficientWithdrawableFunds
		}

		if _, err := s.ledger.Append(ctx, tx, ledgerdomain.AppendRequest{
			CaregiverID: caregiverID,
			Kind:        kind,
			Amount:      amount.Neg(),
			OrderID:     &orderID,
			Description: description,
		}); err != nil {
			return err
		}

		wallet.WithdrawableBalance = wallet.WithdrawableBalance.Sub(amount.Amount)
		return nil
	})
}

func (s *Service) Reconcile(ctx context.Context, caregiverID snowflake.ID) (walletdomain.ReconcileReport, error) {
	if caregiverID == 0 {
		return walletdomain.ReconcileReport{}, walletdomain.ErrInvalidCaregiver
	}

	var report walletdomain.ReconcileReport
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		wallet, err := s.repo.FindByCaregiverForUpdate(ctx, tx, caregiverID)
		if err != nil {
			return err
		}
		if wallet == nil {
			return walletdomain.ErrWalletNotFound
		}

		sums, err := s.ledger.Sums(ctx, tx, caregiverID)
		if err != nil {
			return err
		}

		report = walletdomain.ReconcileReport{
			CaregiverID:       caregiverID,
			PendingDrift:      wallet.PendingBalance.Sub(sums.PendingBalance()),
			WithdrawableDrift: wallet.WithdrawableBalance.Sub(sums.WithdrawableBalance()),
			EarnedDrift:       wallet.TotalEarned.Sub(sums.TotalOrderReceived),
			WithdrawnDrift:    wallet.TotalWithdrawn.Sub(sums.TotalWithdrawn.Neg()),
		}
		report.Balanced = report.PendingDrift.IsZero() &&
			report.WithdrawableDrift.IsZero() &&
			report.EarnedDrift.IsZero() &&
			report.WithdrawnDrift.IsZero()
		return nil
	})
	if err != nil {
		return walletdomain.ReconcileReport{}, err
	}

	if !report.Balanced {
		s.log.Warn("wallet drifted from ledger",
			zap.Int64("caregiver_id", int64(caregiverID)),
			zap.String("pending_drift", report.PendingDrift.String()),
			zap.String("withdrawable_drift", report.WithdrawableDrift.String()),
		)
	}
	return report, nil
}

// mutate runs fn inside a transaction holding the wallet row lock and then
// persists the updated balances. Serialization aborts are retried a bounded
// number of times before surfacing as ErrConcurrencyConflict.
func (s *Service) mutate(ctx context.Context, operation string, caregiverID snowflake.ID, currency string, fn func(tx *gorm.DB, wallet *walletdomain.Wallet) error) error {
	if caregiverID == 0 {
		return walletdomain.ErrInvalidCaregiver
	}
	currency = strings.ToUpper(strings.TrimSpace(currency))

	var lastErr error
	for attempt := 1; attempt <= maxMutationAttempts; attempt++ {
		err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			wallet, err := s.lockWallet(ctx, tx, caregiverID, currency)
			if err != nil {
				return err
			}
			if err := fn(tx, wallet); err != nil {
				return err
			}
			wallet.UpdatedAt = s.clock.Now()
			return s.repo.UpdateBalances(ctx, tx, wallet)
		})
		if err == nil {
			return nil
		}
		if !db.IsSerializationErr(err) {
			return err
		}

		lastErr = err
		obsmetrics.Billing().IncWalletConflict(operation)
		s.log.Warn("wallet mutation conflict, retrying",
			zap.String("operation", operation),
			zap.Int64("caregiver_id", int64(caregiverID)),
			zap.Int("attempt", attempt),
		)
	}
	return fmt.Errorf("%w: %v", walletdomain.ErrConcurrencyConflict, lastErr)
}

// lockWallet loads the wallet row under FOR UPDATE, creating it on first use
// when a currency is supplied. Losing the create race falls back to locking
// the winner's row.
func (s *Service) lockWallet(ctx context.Context, tx *gorm.DB, caregiverID snowflake.ID, currency string) (*walletdomain.Wallet, error) {
	wallet, err := s.repo.FindByCaregiverForUpdate(ctx, tx, caregiverID)
	if err != nil {
		return nil, err
	}
	if wallet != nil {
		return wallet, nil
	}
	if currency == "" {
		return nil, walletdomain.ErrWalletNotFound
	}

	now := s.clock.Now()
	wallet = &walletdomain.Wallet{
		ID:                  s.genID.Generate(),
		CaregiverID:         caregiverID,
		Currency:            currency,
		PendingBalance:      decimal.Zero,
		WithdrawableBalance: decimal.Zero,
		TotalEarned:         decimal.Zero,
		TotalWithdrawn:      decimal.Zero,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	if err := s.repo.Insert(ctx, tx, wallet); err != nil {
		if db.IsDuplicateKeyErr(err) {
			return s.repo.FindByCaregiverForUpdate(ctx, tx, caregiverID)
		}
		return nil, err
	}

	s.log.Info("wallet created",
		zap.Int64("caregiver_id", int64(caregiverID)),
		zap.String("currency", currency),
	)
	return wallet, nil
}

func (s *Service) ensureCurrency(wallet *walletdomain.Wallet, amount money.Money) error {
	currency := strings.ToUpper(strings.TrimSpace(amount.Currency))
	if currency == "" {
		return walletdomain.ErrInvalidAmount
	}
	if wallet.Currency == "" {
		wallet.Currency = currency
		return nil
	}
	if wallet.Currency != currency {
		return walletdomain.ErrCurrencyMismatch
	}
	return nil
}
