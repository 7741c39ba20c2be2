package metrics

import (
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	ChargeOutcomeSucceeded = "succeeded"
	ChargeOutcomeFailed    = "failed"
	ChargeOutcomeError     = "error"
)

// BillingMetrics captures charge, ledger and wallet signals.
type BillingMetrics struct {
	chargeAttempts          *prometheus.CounterVec
	ledgerEntries           *prometheus.CounterVec
	subscriptionTransitions *prometheus.CounterVec
	walletConflicts         *prometheus.CounterVec
	outboxEvents            *prometheus.CounterVec
}

var (
	billingMetricsOnce sync.Once
	billingMetrics     *BillingMetrics
)

// Billing returns the singleton billing metrics registry.
func Billing() *BillingMetrics {
	return BillingWithConfig(Config{})
}

// BillingWithConfig returns the singleton billing metrics registry using config labels.
func BillingWithConfig(cfg Config) *BillingMetrics {
	billingMetricsOnce.Do(func() {
		billingMetrics = newBillingMetrics(prometheus.DefaultRegisterer, cfg)
	})
	return billingMetrics
}

// ResetBillingMetricsForTest resets the billing metrics singleton for tests.
func ResetBillingMetricsForTest() {
	billingMetricsOnce = sync.Once{}
	billingMetrics = nil
}

func newBillingMetrics(registerer prometheus.Registerer, cfg Config) *BillingMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	constLabels := constLabelsFor(cfg)

	chargeAttempts := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "carebridge_charge_attempts_total",
		Help:        "Recurring charge attempts by gateway provider and outcome.",
		ConstLabels: constLabels,
	}, []string{"provider", "outcome"})
	ledgerEntries := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "carebridge_ledger_entries_total",
		Help:        "Ledger entries appended by kind.",
		ConstLabels: constLabels,
	}, []string{"kind"})
	subscriptionTransitions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "carebridge_subscription_transitions_total",
		Help:        "Subscription state transitions to validate lifecycle health.",
		ConstLabels: constLabels,
	}, []string{"from", "to"})
	walletConflicts := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "carebridge_wallet_conflicts_total",
		Help:        "Wallet mutations retried or rejected due to concurrent updates.",
		ConstLabels: constLabels,
	}, []string{"operation"})
	outboxEvents := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "carebridge_outbox_events_total",
		Help:        "Billing events recorded in the transactional outbox.",
		ConstLabels: constLabels,
	}, []string{"event_type"})

	registerer.MustRegister(
		chargeAttempts,
		ledgerEntries,
		subscriptionTransitions,
		walletConflicts,
		outboxEvents,
	)

	return &BillingMetrics{
		chargeAttempts:          chargeAttempts,
		ledgerEntries:           ledgerEntries,
		subscriptionTransitions: subscriptionTransitions,
		walletConflicts:         walletConflicts,
		outboxEvents:            outboxEvents,
	}
}

// IncChargeAttempt increments charge attempts for a provider and outcome.
func (m *BillingMetrics) IncChargeAttempt(provider, outcome string) {
	if m == nil || m.chargeAttempts == nil {
		return
	}
	m.chargeAttempts.WithLabelValues(strings.TrimSpace(provider), outcome).Inc()
}

// IncLedgerEntry increments appended ledger entries by kind.
func (m *BillingMetrics) IncLedgerEntry(kind string) {
	if m == nil || m.ledgerEntries == nil {
		return
	}
	m.ledgerEntries.WithLabelValues(kind).Inc()
}

// IncSubscriptionTransition increments subscription transition counters.
func (m *BillingMetrics) IncSubscriptionTransition(from, to string) {
	if m == nil || m.subscriptionTransitions == nil {
		return
	}
	m.subscriptionTransitions.WithLabelValues(from, to).Inc()
}

// IncWalletConflict increments wallet concurrency conflicts for an operation.
func (m *BillingMetrics) IncWalletConflict(operation string) {
	if m == nil || m.walletConflicts == nil {
		return
	}
	m.walletConflicts.WithLabelValues(operation).Inc()
}

// IncOutboxEvent increments recorded outbox events by type.
func (m *BillingMetrics) IncOutboxEvent(eventType string) {
	if m == nil || m.outboxEvents == nil {
		return
	}
	m.outboxEvents.WithLabelValues(eventType).Inc()
}
