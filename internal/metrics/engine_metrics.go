// Package metrics exposes Prometheus instrumentation for the entitlement engine.
package metrics

import (
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// ValidationOutcome labels how a Validate call was answered.
type ValidationOutcome string

const (
	OutcomeFreshCache     ValidationOutcome = "fresh_cache"
	OutcomeRemote         ValidationOutcome = "remote"
	OutcomeOfflineCache   ValidationOutcome = "offline_cache"
	OutcomeNotFound       ValidationOutcome = "not_found"
	OutcomeFraudBlocked   ValidationOutcome = "fraud_blocked"
	OutcomeOfflineExpired ValidationOutcome = "offline_expired"
	OutcomeError          ValidationOutcome = "error"
)

// EngineMetrics manages Prometheus instrumentation for entitlement decisions.
type EngineMetrics struct {
	validationsTotal       *prometheus.CounterVec
	validationDuration     prometheus.Histogram
	accessDecisionsTotal   *prometheus.CounterVec
	fraudScore             prometheus.Histogram
	graceTransitionsTotal  *prometheus.CounterVec
	reconcileRunsTotal     *prometheus.CounterVec
	reconcileAccountsTotal *prometheus.CounterVec
	reconcileDuration      prometheus.Histogram
	offlineFallbacksTotal  prometheus.Counter
	lastReconcileTimestamp prometheus.Gauge
	scheduledNotifications prometheus.Gauge
	apiRequestsTotal       *prometheus.CounterVec
	apiRequestDuration     *prometheus.HistogramVec
}

var (
	engineMetricsInstance *EngineMetrics
	engineMetricsOnce     sync.Once
)

// GetEngineMetrics returns the singleton engine metrics instance.
func GetEngineMetrics() *EngineMetrics {
	engineMetricsOnce.Do(func() {
		engineMetricsInstance = newEngineMetrics()
	})
	return engineMetricsInstance
}

func newEngineMetrics() *EngineMetrics {
	m := &EngineMetrics{
		validationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "entitlementd",
				Subsystem: "validation",
				Name:      "total",
				Help:      "Total entitlement validations by outcome.",
			},
			[]string{"outcome"},
		),
		validationDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "entitlementd",
				Subsystem: "validation",
				Name:      "duration_seconds",
				Help:      "Entitlement validation latency.",
				Buckets:   prometheus.DefBuckets,
			},
		),
		accessDecisionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "entitlementd",
				Name:      "access_decisions_total",
				Help:      "Total feature access decisions by decision and denial reason.",
			},
			[]string{"decision", "reason"},
		),
		fraudScore: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "entitlementd",
				Name:      "fraud_score",
				Help:      "Distribution of computed fraud scores.",
				Buckets:   []float64{0, 0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1},
			},
		),
		graceTransitionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "entitlementd",
				Name:      "grace_transitions_total",
				Help:      "Total billing grace period transitions by kind.",
			},
			[]string{"transition"},
		),
		reconcileRunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "entitlementd",
				Subsystem: "reconcile",
				Name:      "runs_total",
				Help:      "Total reconciliation passes by result.",
			},
			[]string{"result"},
		),
		reconcileAccountsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "entitlementd",
				Subsystem: "reconcile",
				Name:      "accounts_total",
				Help:      "Total accounts processed by reconciliation by result.",
			},
			[]string{"result"},
		),
		reconcileDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "entitlementd",
				Subsystem: "reconcile",
				Name:      "duration_seconds",
				Help:      "Reconciliation pass duration.",
				Buckets:   prometheus.DefBuckets,
			},
		),
		offlineFallbacksTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "entitlementd",
				Name:      "offline_fallbacks_total",
				Help:      "Total validations answered from the offline cache after a remote failure.",
			},
		),
		lastReconcileTimestamp: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "entitlementd",
				Subsystem: "reconcile",
				Name:      "last_success_timestamp_seconds",
				Help:      "Unix time of the last completed reconciliation pass.",
			},
		),
		scheduledNotifications: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "entitlementd",
				Name:      "scheduled_notifications",
				Help:      "Current number of pending reminder notifications.",
			},
		),
		apiRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "entitlementd",
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "Total HTTP API requests by method, route and status.",
			},
			[]string{"method", "route", "status"},
		),
		apiRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "entitlementd",
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "HTTP API request latency by method and route.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
	}

	prometheus.MustRegister(
		m.validationsTotal,
		m.validationDuration,
		m.accessDecisionsTotal,
		m.fraudScore,
		m.graceTransitionsTotal,
		m.reconcileRunsTotal,
		m.reconcileAccountsTotal,
		m.reconcileDuration,
		m.offlineFallbacksTotal,
		m.lastReconcileTimestamp,
		m.scheduledNotifications,
		m.apiRequestsTotal,
		m.apiRequestDuration,
	)

	return m
}

// RecordValidation records one Validate call.
func (m *EngineMetrics) RecordValidation(outcome ValidationOutcome, elapsed time.Duration) {
	m.validationsTotal.WithLabelValues(string(outcome)).Inc()
	m.validationDuration.Observe(elapsed.Seconds())
}

// RecordAccessDecision records a CheckAccess result. reason is empty for grants.
func (m *EngineMetrics) RecordAccessDecision(decision, reason string) {
	decision = strings.ToLower(strings.TrimSpace(decision))
	if decision == "" {
		decision = "unknown"
	}
	if reason == "" {
		reason = "none"
	}
	m.accessDecisionsTotal.WithLabelValues(decision, reason).Inc()
}

// ObserveFraudScore records a computed score.
func (m *EngineMetrics) ObserveFraudScore(score float64) {
	m.fraudScore.Observe(score)
}

// RecordGraceTransition records a grace state change (started, resolved, expired, revoked).
func (m *EngineMetrics) RecordGraceTransition(transition string) {
	m.graceTransitionsTotal.WithLabelValues(transition).Inc()
}

// RecordReconcileSkipped records a coalesced pass.
func (m *EngineMetrics) RecordReconcileSkipped() {
	m.reconcileRunsTotal.WithLabelValues("skipped").Inc()
}

// RecordReconcile records a completed pass.
func (m *EngineMetrics) RecordReconcile(synced, failed int, elapsed time.Duration, finished time.Time) {
	m.reconcileRunsTotal.WithLabelValues("completed").Inc()
	m.reconcileAccountsTotal.WithLabelValues("synced").Add(float64(synced))
	m.reconcileAccountsTotal.WithLabelValues("failed").Add(float64(failed))
	m.reconcileDuration.Observe(elapsed.Seconds())
	m.lastReconcileTimestamp.Set(float64(finished.Unix()))
}

// RecordOfflineFallback records a cache answer after a remote failure.
func (m *EngineMetrics) RecordOfflineFallback() {
	m.offlineFallbacksTotal.Inc()
}

// SetScheduledNotifications sets the pending reminder count.
func (m *EngineMetrics) SetScheduledNotifications(count int) {
	m.scheduledNotifications.Set(float64(count))
}

// RecordAPIRequest records one HTTP request. route is the matched mux pattern.
func (m *EngineMetrics) RecordAPIRequest(method, route string, status int, elapsed time.Duration) {
	if route == "" {
		route = "unmatched"
	}
	m.apiRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.apiRequestDuration.WithLabelValues(method, route).Observe(elapsed.Seconds())
}
