package service

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/carebridge/carebridge/internal/clock"
	ledgerdomain "github.com/carebridge/carebridge/internal/ledger/domain"
	"github.com/carebridge/carebridge/internal/money"
	obsmetrics "github.com/carebridge/carebridge/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Clock clock.Clock
	Repo  ledgerdomain.Repository
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
	clock clock.Clock
	repo  ledgerdomain.Repository
}

func NewService(p Params) ledgerdomain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("ledger.service"),
		genID: p.GenID,
		clock: p.Clock,
		repo:  p.Repo,
	}
}

// Append validates and inserts one immutable ledger entry. The db handle may
// be a transaction owned by the caller; wallet mutations pass their wallet-row
// locked transaction so same-caregiver appends are ordered.
func (s *Service) Append(ctx context.Context, db *gorm.DB, req ledgerdomain.AppendRequest) (*ledgerdomain.Entry, error) {
	if req.CaregiverID == 0 {
		return nil, ledgerdomain.ErrInvalidCaregiver
	}
	if !req.Kind.IsValid() {
		return nil, ledgerdomain.ErrInvalidKind
	}

	currency := strings.ToUpper(strings.TrimSpace(req.Amount.Currency))
	if currency == "" {
		return nil, ledgerdomain.ErrInvalidCurrency
	}
	if req.Amount.IsZero() {
		return nil, ledgerdomain.ErrInvalidAmount
	}
	if req.Kind.IsCredit() != req.Amount.IsPositive() {
		return nil, ledgerdomain.ErrAmountSignForKind
	}

	entry := &ledgerdomain.Entry{
		ID:                 s.genID.Generate(),
		CaregiverID:        req.CaregiverID,
		Kind:               req.Kind,
		Amount:             req.Amount.Amount,
		Currency:           currency,
		Recurring:          req.Recurring,
		OrderID:            req.OrderID,
		SubscriptionID:     req.SubscriptionID,
		BillingCycleNumber: req.BillingCycleNumber,
		ServiceType:        strings.TrimSpace(req.ServiceType),
		Description:        strings.TrimSpace(req.Description),
		CreatedAt:          s.clock.Now(),
	}

	if err := s.repo.Insert(ctx, db, entry); err != nil {
		return nil, err
	}

	obsmetrics.Billing().IncLedgerEntry(string(req.Kind))
	return entry, nil
}

func (s *Service) Exists(ctx context.Context, db *gorm.DB, orderID string, kind ledgerdomain.EntryKind) (bool, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return false, ledgerdomain.ErrInvalidOrder
	}
	return s.repo.ExistsForOrder(ctx, db, orderID, kind)
}

func (s *Service) History(ctx context.Context, req ledgerdomain.HistoryRequest) ([]ledgerdomain.Entry, error) {
	if req.CaregiverID == 0 {
		return nil, ledgerdomain.ErrInvalidCaregiver
	}
	return s.repo.FindByCaregiver(ctx, s.db, req.CaregiverID, req.Limit)
}

func (s *Service) SumForOrder(ctx context.Context, orderID string) (money.Money, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return money.Money{}, ledgerdomain.ErrInvalidOrder
	}
	amount, currency, err := s.repo.SumForOrder(ctx, s.db, orderID)
	if err != nil {
		return money.Money{}, err
	}
	if currency == "" {
		// No entries for this order yet.
		return money.Zero(""), nil
	}
	return money.New(amount, currency)
}

// OrderCreditAmount returns the one-time credit posted for an order, zero if
// the order was never credited. The db handle may be a caller-owned
// transaction.
func (s *Service) OrderCreditAmount(ctx context.Context, db *gorm.DB, orderID string) (money.Money, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return money.Money{}, ledgerdomain.ErrInvalidOrder
	}
	if db == nil {
		db = s.db
	}
	amount, currency, err := s.repo.SumOrderCredits(ctx, db, orderID)
	if err != nil {
		return money.Money{}, err
	}
	if currency == "" {
		return money.Zero(""), nil
	}
	return money.New(amount, currency)
}

func (s *Service) Sums(ctx context.Context, db *gorm.DB, caregiverID snowflake.ID) (ledgerdomain.Sums, error) {
	if caregiverID == 0 {
		return ledgerdomain.Sums{}, ledgerdomain.ErrInvalidCaregiver
	}
	if db == nil {
		db = s.db
	}
	return s.repo.SumsForCaregiver(ctx, db, caregiverID)
}
