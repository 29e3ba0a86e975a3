package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	checksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "questplane",
		Subsystem: "engine",
		Name:      "checks_total",
		Help:      "Progress checks processed, by outcome.",
	}, []string{"outcome"})

	taskVerdictsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "questplane",
		Subsystem: "engine",
		Name:      "task_verdicts_total",
		Help:      "Task verification verdicts, by status.",
	}, []string{"status"})

	grantsIssuedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "questplane",
		Subsystem: "engine",
		Name:      "grants_issued_total",
		Help:      "Reward grants issued, by source.",
	}, []string{"source"})

	reconcileSweepsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "questplane",
		Subsystem: "engine",
		Name:      "reconcile_sweeps_total",
		Help:      "Reconciliation sweeps executed.",
	})
)
