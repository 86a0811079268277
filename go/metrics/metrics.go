// Package metrics owns the orchestrator's Prometheus collectors and the
// health evaluation behind /healthz. Collectors live on a dedicated
// registry rather than the package default, so repeated construction in
// tests and embedders never trips duplicate registration.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sony/gobreaker"
)

// Set bundles every collector of the orchestrator.
type Set struct {
	reg *prometheus.Registry

	TasksDiscovered   prometheus.Counter
	TasksCompleted    prometheus.Counter
	TasksFailed       prometheus.Counter
	Retries           prometheus.Counter
	ApprovalsCreated  prometheus.Counter
	ApprovalsApproved prometheus.Counter
	ApprovalsRejected prometheus.Counter
	ApprovalsTimedOut prometheus.Counter
	DriverInvocations *prometheus.CounterVec
	DriverFailures    *prometheus.CounterVec
	RateLimited       *prometheus.CounterVec
	CircuitTrips      *prometheus.CounterVec
	SecretsScanned    prometheus.Counter
	SecretsFound      prometheus.Counter

	ReasoningDuration prometheus.Histogram
	ApprovalWait      prometheus.Histogram
	ActionDuration    *prometheus.HistogramVec
	EndToEnd          prometheus.Histogram

	TasksInFlight prometheus.Gauge
	CircuitOpen   *prometheus.GaugeVec
	AuditDegraded prometheus.Gauge
}

func NewSet() *Set {
	var reg = prometheus.NewRegistry()
	var auto = promauto.With(reg)

	return &Set{
		reg: reg,

		TasksDiscovered: auto.NewCounter(prometheus.CounterOpts{
			Name: "fte_tasks_discovered_total",
			Help: "counter of task files validated and promoted out of Inbox",
		}),
		TasksCompleted: auto.NewCounter(prometheus.CounterOpts{
			Name: "fte_tasks_completed_total",
			Help: "counter of tasks that reached Done",
		}),
		TasksFailed: auto.NewCounter(prometheus.CounterOpts{
			Name: "fte_tasks_failed_total",
			Help: "counter of tasks that reached Failed",
		}),
		Retries: auto.NewCounter(prometheus.CounterOpts{
			Name: "fte_retries_total",
			Help: "counter of retry attempts scheduled into Error_Queue",
		}),
		ApprovalsCreated: auto.NewCounter(prometheus.CounterOpts{
			Name: "fte_approvals_created_total",
			Help: "counter of approval requests written to Approvals",
		}),
		ApprovalsApproved: auto.NewCounter(prometheus.CounterOpts{
			Name: "fte_approvals_approved_total",
			Help: "counter of approvals granted by an authorized approver",
		}),
		ApprovalsRejected: auto.NewCounter(prometheus.CounterOpts{
			Name: "fte_approvals_rejected_total",
			Help: "counter of approvals rejected by an authorized approver",
		}),
		ApprovalsTimedOut: auto.NewCounter(prometheus.CounterOpts{
			Name: "fte_approvals_timed_out_total",
			Help: "counter of approvals that expired before a decision",
		}),
		DriverInvocations: auto.NewCounterVec(prometheus.CounterOpts{
			Name: "fte_driver_invocations_total",
			Help: "counter of driver subprocess invocations by outcome",
		}, []string{"driver", "action_type", "outcome"}),
		DriverFailures: auto.NewCounterVec(prometheus.CounterOpts{
			Name: "fte_driver_failures_total",
			Help: "counter of failed driver invocations by error class",
		}, []string{"driver", "class"}),
		RateLimited: auto.NewCounterVec(prometheus.CounterOpts{
			Name: "fte_rate_limited_total",
			Help: "counter of driver invocations refused by the rate limiter",
		}, []string{"driver"}),
		CircuitTrips: auto.NewCounterVec(prometheus.CounterOpts{
			Name: "fte_circuit_trips_total",
			Help: "counter of circuit breaker transitions into open",
		}, []string{"driver"}),
		SecretsScanned: auto.NewCounter(prometheus.CounterOpts{
			Name: "fte_secrets_scanned_total",
			Help: "counter of texts passed through the secrets scanner",
		}),
		SecretsFound: auto.NewCounter(prometheus.CounterOpts{
			Name: "fte_secrets_found_total",
			Help: "counter of secrets detected or redacted by the scanner",
		}),

		ReasoningDuration: auto.NewHistogram(prometheus.HistogramOpts{
			Name: "fte_reasoning_duration_seconds",
			Help: "histogram of reasoning subprocess wall time",
			// Reasoning runs seconds to tens of minutes.
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 14),
		}),
		ApprovalWait: auto.NewHistogram(prometheus.HistogramOpts{
			Name: "fte_approval_wait_seconds",
			Help: "histogram of time from approval creation to decision",
			// Approvals wait minutes to a day.
			Buckets: prometheus.ExponentialBuckets(60, 2, 12),
		}),
		ActionDuration: auto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "fte_action_duration_seconds",
			Help:    "histogram of guarded driver invocation wall time",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"driver"}),
		EndToEnd: auto.NewHistogram(prometheus.HistogramOpts{
			Name:    "fte_task_end_to_end_seconds",
			Help:    "histogram of task wall time from claim to terminal folder",
			Buckets: prometheus.ExponentialBuckets(1, 2, 18),
		}),

		TasksInFlight: auto.NewGauge(prometheus.GaugeOpts{
			Name: "fte_tasks_in_flight",
			Help: "gauge of tasks currently claimed by a worker",
		}),
		CircuitOpen: auto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "fte_circuit_open",
			Help: "gauge that is 1 while a driver's circuit breaker is open",
		}, []string{"driver"}),
		AuditDegraded: auto.NewGauge(prometheus.GaugeOpts{
			Name: "fte_audit_degraded",
			Help: "gauge that is 1 while the audit log is falling back to stderr",
		}),
	}
}

// Registry returns the dedicated registry behind the set, for exposure
// and for test scrapes.
func (s *Set) Registry() *prometheus.Registry { return s.reg }

// ObserveAction implements the guard's action hook: one call per
// guarded invocation, successful or not, with the fault class of the
// failure if any.
func (s *Set) ObserveAction(driver, actionType, class string, d time.Duration) {
	var outcome = "ok"
	if class != "" {
		outcome = "err"
	}
	s.DriverInvocations.WithLabelValues(driver, actionType, outcome).Inc()
	s.ActionDuration.WithLabelValues(driver).Observe(d.Seconds())

	switch class {
	case "":
	case "throttled":
		s.RateLimited.WithLabelValues(driver).Inc()
	default:
		s.DriverFailures.WithLabelValues(driver, class).Inc()
	}
}

// ObserveBreaker implements the guard's breaker state hook.
func (s *Set) ObserveBreaker(driver string, from, to gobreaker.State) {
	if to == gobreaker.StateOpen {
		s.CircuitTrips.WithLabelValues(driver).Inc()
		s.CircuitOpen.WithLabelValues(driver).Set(1)
		return
	}
	s.CircuitOpen.WithLabelValues(driver).Set(0)
}

// ObserveScan implements the secrets scanner's observer.
func (s *Set) ObserveScan(found int) {
	s.SecretsScanned.Inc()
	if found > 0 {
		s.SecretsFound.Add(float64(found))
	}
}
