package service

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
	billingrecorddomain "github.com/carebridge/carebridge/internal/billingrecord/domain"
	"github.com/carebridge/carebridge/internal/clock"
	"github.com/carebridge/carebridge/internal/config"
	"github.com/carebridge/carebridge/pkg/db"
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
	Repo   billingrecorddomain.Repository
}

type Service struct {
	db     *gorm.DB
	log    *zap.Logger
	genID  *snowflake.Node
	clock  clock.Clock
	policy *config.BillingPolicyHolder
	repo   billingrecorddomain.Repository
}

func NewService(p Params) billingrecorddomain.Service {
	return &Service{
		db:     p.DB,
		log:    p.Log.Named("billingrecord.service"),
		genID:  p.GenID,
		clock:  p.Clock,
		policy: p.Policy,
		repo:   p.Repo,
	}
}

// Create records a settled charge for a cycle. The returned bool is false when
// the cycle was already billed and the existing record is returned instead.
// The db handle may be a caller-owned transaction.
func (s *Service) Create(ctx context.Context, dbh *gorm.DB, req billingrecorddomain.CreateRequest) (*billingrecorddomain.BillingRecord, bool, error) {
	if dbh == nil {
		dbh = s.db
	}
	if req.SubscriptionID == 0 {
		return nil, false, billingrecorddomain.ErrInvalidSubscription
	}
	if req.BillingCycleNumber <= 0 {
		return nil, false, billingrecorddomain.ErrInvalidCycle
	}
	if req.ClientID == 0 || req.CaregiverID == 0 {
		return nil, false, billingrecorddomain.ErrInvalidParticipants
	}
	if !req.Amount.IsPositive() {
		return nil, false, billingrecorddomain.ErrInvalidAmount
	}
	if req.PeriodEnd.Before(req.PeriodStart) || req.PeriodEnd.Equal(req.PeriodStart) {
		return nil, false, billingrecorddomain.ErrInvalidPeriod
	}
	if req.GatewayFee.IsNegative() {
		return nil, false, billingrecorddomain.ErrInvalidAmount
	}

	policy := s.policy.Current()
	orderFee, err := req.Amount.MulRate(policy.OrderFeeRate)
	if err != nil {
		return nil, false, err
	}
	serviceCharge, err := req.Amount.MulRate(policy.ServiceChargeRate)
	if err != nil {
		return nil, false, err
	}
	net := req.Amount.Amount.Sub(orderFee.Amount).Sub(serviceCharge.Amount)

	record := &billingrecorddomain.BillingRecord{
		ID:                   s.genID.Generate(),
		SubscriptionID:       req.SubscriptionID,
		BillingCycleNumber:   req.BillingCycleNumber,
		OrderID:              billingrecorddomain.OrderIDFor(req.SubscriptionID, req.BillingCycleNumber),
		ClientID:             req.ClientID,
		CaregiverID:          req.CaregiverID,
		AmountPaid:           req.Amount.Amount,
		OrderFee:             orderFee.Amount,
		ServiceCharge:        serviceCharge.Amount,
		GatewayFee:           req.GatewayFee,
		NetAmount:            net,
		Currency:             strings.ToUpper(strings.TrimSpace(req.Amount.Currency)),
		GatewayProvider:      strings.TrimSpace(req.GatewayProvider),
		GatewayTransactionID: strings.TrimSpace(req.GatewayTransactionID),
		PeriodStart:          req.PeriodStart,
		PeriodEnd:            req.PeriodEnd,
		NextChargeDate:       req.NextChargeDate,
		CreatedAt:            s.clock.Now(),
	}

	if err := s.repo.Insert(ctx, dbh, record); err != nil {
		if db.IsDuplicateKeyErr(err) {
			existing, findErr := s.repo.FindByCycle(ctx, dbh, req.SubscriptionID, req.BillingCycleNumber)
			if findErr != nil {
				return nil, false, findErr
			}
			if existing != nil {
				s.log.Info("billing cycle already recorded",
					zap.Int64("subscription_id", int64(req.SubscriptionID)),
					zap.Int("billing_cycle_number", req.BillingCycleNumber),
				)
				return existing, false, nil
			}
		}
		return nil, false, err
	}
	return record, true, nil
}

func (s *Service) GetByOrderID(ctx context.Context, orderID string) (*billingrecorddomain.BillingRecord, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return nil, billingrecorddomain.ErrRecordNotFound
	}
	record, err := s.repo.FindByOrderID(ctx, s.db, orderID)
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, billingrecorddomain.ErrRecordNotFound
	}
	return record, nil
}

func (s *Service) ListBySubscription(ctx context.Context, subscriptionID snowflake.ID) ([]billingrecorddomain.BillingRecord, error) {
	if subscriptionID == 0 {
		return nil, billingrecorddomain.ErrInvalidSubscription
	}
	return s.repo.ListBySubscription(ctx, s.db, subscriptionID)
}

// MarkRefunded flags the record once; repeated calls report false.
func (s *Service) MarkRefunded(ctx context.Context, dbh *gorm.DB, orderID string) (bool, error) {
	if dbh == nil {
		dbh = s.db
	}
	return s.repo.MarkRefunded(ctx, dbh, strings.TrimSpace(orderID), s.clock.Now())
}

// MarkDisputed flags the record once; repeated calls report false.
func (s *Service) MarkDisputed(ctx context.Context, dbh *gorm.DB, orderID string) (bool, error) {
	if dbh == nil {
		dbh = s.db
	}
	return s.repo.MarkDisputed(ctx, dbh, strings.TrimSpace(orderID), s.clock.Now())
}
