package services

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("regflow-workflow")

var (
	workflowWriteConflicts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "workflow",
		Subsystem: "write",
		Name:      "conflicts_total",
		Help:      "Total number of workflow compare-and-set conflicts broken down by operation.",
	}, []string{"op"})

	workflowEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "workflow",
		Subsystem: "events",
		Name:      "emitted_total",
		Help:      "Total number of workflow events written to the outbox by topic.",
	}, []string{"topic"})

	workflowDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "workflow",
		Subsystem: "version",
		Name:      "decisions_total",
		Help:      "Total number of recorded version decisions by role and outcome.",
	}, []string{"role", "decision", "auto"})

	workflowTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "workflow",
		Subsystem: "assignment",
		Name:      "transitions_total",
		Help:      "Total number of assignment transitions by event.",
	}, []string{"event"})

	workflowEscalations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "workflow",
		Subsystem: "escalation",
		Name:      "fired_total",
		Help:      "Total number of escalation rules fired by subject type and level.",
	}, []string{"subject", "level"})

	workflowScanDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "workflow",
		Subsystem: "escalation",
		Name:      "scan_duration_seconds",
		Help:      "Duration of escalation monitor scans.",
		Buckets:   prometheus.DefBuckets,
	})

	workflowScanFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "workflow",
		Subsystem: "escalation",
		Name:      "scan_failures_total",
		Help:      "Total number of subjects the escalation monitor failed to process.",
	}, []string{"subject"})

	workflowMonitorLeader = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "workflow",
		Subsystem: "escalation",
		Name:      "leader",
		Help:      "Whether this process currently runs the escalation monitor (1) or not (0).",
	})
)

func recordWriteConflict(op string) {
	if op == "" {
		op = "other"
	}
	workflowWriteConflicts.WithLabelValues(op).Inc()
}

func recordEvent(topic string) {
	workflowEvents.WithLabelValues(topic).Inc()
}

func recordDecision(role, decision string, auto bool) {
	a := "false"
	if auto {
		a = "true"
	}
	workflowDecisions.WithLabelValues(role, decision, a).Inc()
}

func recordTransition(event string) {
	workflowTransitions.WithLabelValues(event).Inc()
}
