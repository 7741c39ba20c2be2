package config

import (
	"errors"
	"log"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// BillingPolicy carries the tunable recurring-billing policy knobs.
type BillingPolicy struct {
	// MaxRetries is the number of consecutive failed recurring charges a
	// subscription may accumulate before it is terminated.
	MaxRetries int `mapstructure:"maxRetries"`

	// OrderFeeRate and ServiceChargeRate are platform fee fractions applied
	// per charge, expressed as decimal strings ("0.05" = 5%).
	OrderFeeRate      string `mapstructure:"orderFeeRate"`
	ServiceChargeRate string `mapstructure:"serviceChargeRate"`

	// ChargeClaimStaleness bounds how long an in-flight charge marker may
	// block a subscription before the sweep reclaims it.
	ChargeClaimStalenessMinutes int `mapstructure:"chargeClaimStalenessMinutes"`
}

func DefaultBillingPolicy() BillingPolicy {
	return BillingPolicy{
		MaxRetries:                  3,
		OrderFeeRate:                "0.05",
		ServiceChargeRate:           "0.10",
		ChargeClaimStalenessMinutes: 15,
	}
}

func (p BillingPolicy) ChargeClaimStaleness() time.Duration {
	return time.Duration(p.ChargeClaimStalenessMinutes) * time.Minute
}

type BillingPolicyHolder struct {
	current atomic.Value // holds BillingPolicy
}

func NewBillingPolicyHolder() (*BillingPolicyHolder, error) {
	v := viper.New()

	v.SetConfigName("billing")
	v.SetConfigType("yml")
	v.AddConfigPath("/var/lib/carebridge/config") // Volume-mounted config
	v.AddConfigPath("/etc/carebridge")            // System config
	v.AddConfigPath(".")                          // Current directory (dev mode)

	v.SetEnvPrefix("CAREBRIDGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := DefaultBillingPolicy()
	v.SetDefault("billing.maxRetries", defaults.MaxRetries)
	v.SetDefault("billing.orderFeeRate", defaults.OrderFeeRate)
	v.SetDefault("billing.serviceChargeRate", defaults.ServiceChargeRate)
	v.SetDefault("billing.chargeClaimStalenessMinutes", defaults.ChargeClaimStalenessMinutes)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var policy BillingPolicy
	if err := v.UnmarshalKey("billing", &policy); err != nil {
		return nil, err
	}
	if err := validateBillingPolicy(policy); err != nil {
		return nil, err
	}

	holder := &BillingPolicyHolder{}
	holder.current.Store(policy)

	v.WatchConfig()
	v.OnConfigChange(func(_ fsnotify.Event) {
		var next BillingPolicy
		if err := v.UnmarshalKey("billing", &next); err != nil {
			log.Printf("billing policy reload failed: %v", err)
			return
		}
		if err := validateBillingPolicy(next); err != nil {
			log.Printf("billing policy reload rejected: %v", err)
			return
		}
		holder.current.Store(next)
	})

	return holder, nil
}

// NewStaticBillingPolicyHolder returns a holder pinned to one policy, for tests.
func NewStaticBillingPolicyHolder(policy BillingPolicy) *BillingPolicyHolder {
	holder := &BillingPolicyHolder{}
	holder.current.Store(policy)
	return holder
}

func (h *BillingPolicyHolder) Current() BillingPolicy {
	return h.current.Load().(BillingPolicy)
}

func validateBillingPolicy(policy BillingPolicy) error {
	if policy.MaxRetries < 1 {
		return errors.New("billing policy maxRetries must be at least 1")
	}
	if policy.ChargeClaimStalenessMinutes < 1 {
		return errors.New("billing policy chargeClaimStalenessMinutes must be at least 1")
	}
	return nil
}
