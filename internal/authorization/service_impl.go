// Package authorization performs structural access checks for the billing
// core. Callers are opaque actor strings ("system", "user:<id>"); a user may
// only act on resources they own, and casbin decides which actions each role
// may take.
package authorization

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/casbin/casbin/v2"
	"github.com/casbin/casbin/v2/model"
	gormadapter "github.com/casbin/gorm-adapter/v3"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

//go:embed model.conf
var modelText string

const (
	ObjectSubscription = "subscription"
	ObjectWallet       = "wallet"
	ObjectLedger       = "ledger"
)

const (
	ActionSubscriptionView                = "subscription.view"
	ActionSubscriptionCancel              = "subscription.cancel"
	ActionSubscriptionReactivate          = "subscription.reactivate"
	ActionSubscriptionPause               = "subscription.pause"
	ActionSubscriptionResume              = "subscription.resume"
	ActionSubscriptionTerminate           = "subscription.terminate"
	ActionSubscriptionChangePlan          = "subscription.change_plan"
	ActionSubscriptionUpdatePaymentMethod = "subscription.update_payment_method"
	ActionSubscriptionActivate            = "subscription.activate"
	ActionSubscriptionFinalize            = "subscription.finalize"
	ActionSubscriptionCharge              = "subscription.charge"

	ActionWalletView     = "wallet.view"
	ActionWalletWithdraw = "wallet.withdraw"
	ActionWalletRefund   = "wallet.refund"
	ActionWalletDispute  = "wallet.dispute"

	ActionLedgerView = "ledger.view"
)

// RoleForOwner is the role granted to a user acting on a resource they own.
type RoleForOwner string

const (
	RoleClient    RoleForOwner = "role:client"
	RoleCaregiver RoleForOwner = "role:caregiver"
)

var (
	ErrForbidden     = errors.New("forbidden")
	ErrInvalidActor  = errors.New("invalid_actor")
	ErrInvalidOwner  = errors.New("invalid_owner")
	ErrInvalidObject = errors.New("invalid_object")
	ErrInvalidAction = errors.New("invalid_action")
)

// SystemActor is the actor string used by schedulers and internal sweeps.
const SystemActor = "system"

// UserActor formats an end-user actor string.
func UserActor(id snowflake.ID) string {
	return "user:" + id.String()
}

type Service interface {
	// Authorize checks that actor may perform action on the object owned by
	// ownerID. A user actor must be the owner; the role decides which actions
	// ownership grants.
	Authorize(ctx context.Context, actor string, ownerID snowflake.ID, ownerRole RoleForOwner, object string, action string) error
}

type Params struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	Enforcer *casbin.SyncedEnforcer
}

type ServiceImpl struct {
	db       *gorm.DB
	log      *zap.Logger
	enforcer *casbin.SyncedEnforcer
}

func NewEnforcer(db *gorm.DB) (*casbin.SyncedEnforcer, error) {
	adapter, err := gormadapter.NewAdapterByDB(db)
	if err != nil {
		return nil, err
	}
	m, err := model.NewModelFromString(modelText)
	if err != nil {
		return nil, err
	}
	enforcer, err := casbin.NewSyncedEnforcer(m, adapter)
	if err != nil {
		return nil, err
	}
	enforcer.EnableAutoSave(true)
	enforcer.EnableAutoBuildRoleLinks(true)
	if err := enforcer.LoadPolicy(); err != nil {
		return nil, err
	}
	if err := seedPolicies(enforcer); err != nil {
		return nil, err
	}
	enforcer.BuildRoleLinks()
	return enforcer, nil
}

func NewService(p Params) Service {
	return &ServiceImpl{
		db:       p.DB,
		log:      p.Log.Named("authorization.service"),
		enforcer: p.Enforcer,
	}
}

func (s *ServiceImpl) Authorize(ctx context.Context, actor string, ownerID snowflake.ID, ownerRole RoleForOwner, object string, action string) error {
	actor = strings.TrimSpace(actor)
	if actor == "" {
		return ErrInvalidActor
	}
	if ownerID == 0 {
		return ErrInvalidOwner
	}
	object = strings.TrimSpace(object)
	if object == "" {
		return ErrInvalidObject
	}
	action = strings.TrimSpace(action)
	if action == "" {
		return ErrInvalidAction
	}

	subject, roleName, err := s.resolveActor(actor, ownerID, ownerRole)
	if err != nil {
		return err
	}

	domain := fmt.Sprintf("owner:%s", ownerID.String())
	if err := s.ensureGrouping(subject, roleName, domain); err != nil {
		return err
	}

	allowed, err := s.enforcer.Enforce(subject, domain, object, action)
	if err != nil {
		return err
	}
	if !allowed {
		s.log.Info("authorization denied",
			zap.String("actor", actor),
			zap.String("object", object),
			zap.String("action", action),
		)
		return ErrForbidden
	}
	return nil
}

// resolveActor maps the opaque actor string to a casbin subject and role.
// Ownership is the structural check: a user acting on someone else's resource
// never reaches the enforcer.
func (s *ServiceImpl) resolveActor(actor string, ownerID snowflake.ID, ownerRole RoleForOwner) (string, string, error) {
	if actor == SystemActor {
		return actor, "role:system", nil
	}
	if strings.HasPrefix(actor, "user:") {
		userID, err := snowflake.ParseString(strings.TrimPrefix(actor, "user:"))
		if err != nil || userID == 0 {
			return "", "", ErrInvalidActor
		}
		if userID != ownerID {
			return "", "", ErrForbidden
		}
		return actor, string(ownerRole), nil
	}
	return "", "", ErrInvalidActor
}

func (s *ServiceImpl) ensureGrouping(subject string, roleName string, domain string) error {
	existing, err := s.enforcer.GetFilteredGroupingPolicy(0, subject, "", domain)
	if err != nil {
		return err
	}
	for _, rule := range existing {
		if len(rule) < 2 {
			continue
		}
		if rule[1] != roleName {
			params := make([]interface{}, 0, len(rule))
			for _, value := range rule {
				params = append(params, value)
			}
			_, _ = s.enforcer.RemoveGroupingPolicy(params...)
		}
	}

	has, err := s.enforcer.HasGroupingPolicy(subject, roleName, domain)
	if err != nil {
		return err
	}
	if has {
		return nil
	}
	_, err = s.enforcer.AddGroupingPolicy(subject, roleName, domain)
	return err
}

func seedPolicies(enforcer *casbin.SyncedEnforcer) error {
	policies := [][]string{
		// Clients manage their own subscriptions.
		{"role:client", ObjectSubscription, ActionSubscriptionView},
		{"role:client", ObjectSubscription, ActionSubscriptionCancel},
		{"role:client", ObjectSubscription, ActionSubscriptionReactivate},
		{"role:client", ObjectSubscription, ActionSubscriptionPause},
		{"role:client", ObjectSubscription, ActionSubscriptionResume},
		{"role:client", ObjectSubscription, ActionSubscriptionChangePlan},
		{"role:client", ObjectSubscription, ActionSubscriptionUpdatePaymentMethod},

		// Caregivers read their earnings and withdraw.
		{"role:caregiver", ObjectWallet, ActionWalletView},
		{"role:caregiver", ObjectWallet, ActionWalletWithdraw},
		{"role:caregiver", ObjectLedger, ActionLedgerView},
		{"role:caregiver", ObjectSubscription, ActionSubscriptionView},

		// Automated processes: lifecycle sweeps, charges, claw-backs.
		{"role:system", ObjectSubscription, ActionSubscriptionView},
		{"role:system", ObjectSubscription, ActionSubscriptionActivate},
		{"role:system", ObjectSubscription, ActionSubscriptionCancel},
		{"role:system", ObjectSubscription, ActionSubscriptionReactivate},
		{"role:system", ObjectSubscription, ActionSubscriptionPause},
		{"role:system", ObjectSubscription, ActionSubscriptionResume},
		{"role:system", ObjectSubscription, ActionSubscriptionTerminate},
		{"role:system", ObjectSubscription, ActionSubscriptionChangePlan},
		{"role:system", ObjectSubscription, ActionSubscriptionUpdatePaymentMethod},
		{"role:system", ObjectSubscription, ActionSubscriptionFinalize},
		{"role:system", ObjectSubscription, ActionSubscriptionCharge},
		{"role:system", ObjectWallet, ActionWalletView},
		{"role:system", ObjectWallet, ActionWalletWithdraw},
		{"role:system", ObjectWallet, ActionWalletRefund},
		{"role:system", ObjectWallet, ActionWalletDispute},
		{"role:system", ObjectLedger, ActionLedgerView},
	}

	for _, policy := range policies {
		if len(policy) < 3 {
			continue
		}
		if _, err := enforcer.AddPolicy(policy); err != nil {
			return err
		}
	}
	return nil
}

var Module = fx.Module("authorization",
	fx.Provide(NewEnforcer),
	fx.Provide(NewService),
)
