// Package metrics exports ledger, HTTP, auditor and webhook outcomes to Prometheus.
package metrics

import (
	"errors"
	"time"

	"github.com/jmerrifield20/materialledger/internal/eventledger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ledgerAppendsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "materialledger_appends_total",
		Help: "Ledger appends by family and result.",
	}, []string{"family", "result"})

	ledgerVerificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "materialledger_chain_verifications_total",
		Help: "Chain verifications by family and outcome.",
	}, []string{"family", "result"})

	apiVerificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "materialledger_api_verifications_total",
		Help: "Logged third-party API verifications by status and storage result.",
	}, []string{"status", "result"})

	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "materialledger_requests_total",
		Help: "Total HTTP requests by method, path, and response status.",
	}, []string{"method", "path", "status"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "materialledger_request_duration_seconds",
		Help:    "Request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})

	auditRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "materialledger_audit_runs_total",
		Help: "Completed integrity audit runs by result.",
	}, []string{"result"})

	auditViolationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "materialledger_audit_violations_total",
		Help: "Chain integrity violations found by the auditor, by family and reason.",
	}, []string{"family", "reason"})

	auditPartitions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "materialledger_audit_partitions",
		Help: "Number of partitions checked by the last audit run.",
	})

	auditDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "materialledger_audit_duration_seconds",
		Help:    "Duration of integrity audit runs in seconds.",
		Buckets: prometheus.ExponentialBuckets(0.01, 4, 8),
	})

	webhookDeliveriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "materialledger_webhook_deliveries_total",
		Help: "Total webhook deliveries by success status.",
	}, []string{"status"})
)

// Recorder implements eventledger.Recorder on top of the package counters.
type Recorder struct{}

var _ eventledger.Recorder = Recorder{}

// RecordAppend counts one append attempt that reached the store, or was rejected.
func (Recorder) RecordAppend(family eventledger.Family, err error) {
	ledgerAppendsTotal.WithLabelValues(string(family), appendResult(err)).Inc()
}

// RecordVerify counts one chain verification.
func (Recorder) RecordVerify(family eventledger.Family, valid bool) {
	ledgerVerificationsTotal.WithLabelValues(string(family), validLabel(valid)).Inc()
}

// RecordAPIVerification counts one verification record write.
func (Recorder) RecordAPIVerification(status eventledger.VerificationStatus, err error) {
	result := "stored"
	if err != nil {
		result = "error"
	}
	apiVerificationsTotal.WithLabelValues(string(status), result).Inc()
}

func appendResult(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, eventledger.ErrConcurrentAppend):
		return "conflict"
	default:
		return "error"
	}
}

func validLabel(valid bool) string {
	if valid {
		return "valid"
	}
	return "invalid"
}

// ObserveRequest records one served HTTP request.
func ObserveRequest(method, path, status string, d time.Duration) {
	requestsTotal.WithLabelValues(method, path, status).Inc()
	requestDuration.WithLabelValues(method, path).Observe(d.Seconds())
}

// RecordAuditRun records a finished audit run.
func RecordAuditRun(partitions int, d time.Duration, err error) {
	result := "success"
	if err != nil {
		result = "error"
	}
	auditRunsTotal.WithLabelValues(result).Inc()
	auditPartitions.Set(float64(partitions))
	auditDuration.Observe(d.Seconds())
}

// RecordAuditViolation records one broken chain found by the auditor.
func RecordAuditViolation(family eventledger.Family, reason eventledger.FailureReason) {
	auditViolationsTotal.WithLabelValues(string(family), string(reason)).Inc()
}

// RecordWebhookDelivery records a webhook delivery attempt.
func RecordWebhookDelivery(success bool) {
	if success {
		webhookDeliveriesTotal.WithLabelValues("success").Inc()
	} else {
		webhookDeliveriesTotal.WithLabelValues("failure").Inc()
	}
}
