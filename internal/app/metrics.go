package app

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	reconcileUpdates = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "enrollment_charge_updates_total",
			Help: "Charge status changes applied, by sync source and resulting status.",
		},
		[]string{"source", "status"},
	)

	reconcileOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "enrollment_reconcile_charges_total",
			Help: "Charges examined by the poll reconciler, by outcome.",
		},
		[]string{"outcome"},
	)

	schedulerRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "enrollment_scheduler_runs_total",
			Help: "Scheduled job executions by job and result.",
		},
		[]string{"job", "result"},
	)
)
