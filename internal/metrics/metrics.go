package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "vpnbot"

var (
	PaymentsInitiated = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "payments_initiated_total",
		Help:      "Payments created in pending state, by provider.",
	}, []string{"provider"})

	PaymentsConfirmed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "payments_confirmed_total",
		Help:      "Payments whose subscription grant was applied.",
	})

	DuplicateConfirmations = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "payments_duplicate_confirmations_total",
		Help:      "Confirmations of orders whose grant had already been applied.",
	})

	PaymentsFailed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "payments_failed_total",
		Help:      "Failure notifications applied to pending or failed payments.",
	})

	TrialsGranted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "trials_granted_total",
		Help:      "Trial subscriptions granted.",
	})

	ProvisioningFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "provisioning_failures_total",
		Help:      "Credential issue attempts that failed or timed out.",
	})

	GrantsReconciled = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "grants_reconciled_total",
		Help:      "Paid orders whose grant was completed by the reconciler.",
	})
)
