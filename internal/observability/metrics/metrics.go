// Package metrics exposes Prometheus instruments for the billing core.
// Instruments are process-wide singletons registered against the default
// registerer; tests reset them between runs.
package metrics

// Config carries the constant labels attached to every instrument.
type Config struct {
	ServiceName string
	Environment string
}
