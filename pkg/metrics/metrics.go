package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Provisioning saga
	ProvisioningRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vpsd",
		Subsystem: "provisioning",
		Name:      "runs_total",
		Help:      "Provisioning runs by outcome",
	}, []string{"outcome"})

	ProvisioningStepDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "vpsd",
		Subsystem: "provisioning",
		Name:      "step_duration_seconds",
		Help:      "Duration of each forward step of the provisioning saga",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
	}, []string{"step", "result"})

	CompensationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vpsd",
		Subsystem: "provisioning",
		Name:      "compensations_total",
		Help:      "Compensating actions executed after a failed run",
	}, []string{"step", "result"})

	// Address pool
	AddressReservationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vpsd",
		Subsystem: "addresspool",
		Name:      "reservations_total",
		Help:      "Address reservation attempts by location and result",
	}, []string{"location", "result"})

	// Billing
	WebhookEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vpsd",
		Subsystem: "billing",
		Name:      "webhook_events_total",
		Help:      "Payment events by handling outcome",
	}, []string{"kind"})

	// Control
	ControlActionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vpsd",
		Subsystem: "control",
		Name:      "actions_total",
		Help:      "Power actions by action and result",
	}, []string{"action", "result"})
)
