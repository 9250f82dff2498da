// Package services – Prometheus instrumentation for the onboarding domain.
//
// These collectors count business events rather than HTTP traffic (the HTTP
// layer has its own middleware). Label cardinality is bounded: outcome kinds
// and platforms are closed sets.
package services

import "github.com/prometheus/client_golang/prometheus"

var (
	// outcomesTotal counts orchestrator results by kind and platform.
	outcomesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "onboarding_outcomes_total",
			Help: "Total number of contact-event outcomes.",
		},
		[]string{"kind", "platform"},
	)

	// accountsCreated counts successfully provisioned accounts.
	accountsCreated = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "onboarding_accounts_created_total",
			Help: "Total number of accounts provisioned.",
		},
	)

	// duplicatesPrevented counts provisioning attempts that resolved to an
	// existing account instead of creating a second one.
	duplicatesPrevented = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "onboarding_duplicates_prevented_total",
			Help: "Total number of duplicate account creations prevented.",
		},
	)

	// replaysServed counts webhook re-deliveries answered from the
	// processed-events record.
	replaysServed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "onboarding_event_replays_total",
			Help: "Total number of re-delivered events served from the dedup record.",
		},
	)
)

func init() {
	prometheus.MustRegister(outcomesTotal, accountsCreated, duplicatesPrevented, replaysServed)
}
