package metrics

import (
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/smallbiznis/evvbridge/internal/errcode"
)

// EVV holds the Prometheus instruments for aggregator traffic and
// submission outcomes. Labels stay low cardinality; per organisation
// counts go to Compliance.
type EVV struct {
	requests     *prometheus.CounterVec
	duration     *prometheus.HistogramVec
	tokenRefresh prometheus.Counter
	blocked      *prometheus.CounterVec
	submissions  *prometheus.CounterVec
	retryRedrive *prometheus.CounterVec
	auditFailure *prometheus.CounterVec

	compliance *Compliance
}

func NewEVV(reg prometheus.Registerer, compliance *Compliance) *EVV {
	m := &EVV{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "evvbridge_aggregator_requests_total",
			Help: "Aggregator calls by operation, HTTP status class and taxonomy code.",
		}, []string{"operation", "status_class", "code"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "evvbridge_aggregator_request_duration_seconds",
			Help:    "Aggregator call latency including one token refresh retry.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"operation"}),
		tokenRefresh: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "evvbridge_aggregator_token_refresh_total",
			Help: "OAuth client-credentials exchanges.",
		}),
		blocked: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "evvbridge_aggregator_blocked_total",
			Help: "Calls refused locally by the kill switch or integration flag.",
		}, []string{"operation", "reason"}),
		submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "evvbridge_submissions_total",
			Help: "Orchestrated submissions by record type and outcome.",
		}, []string{"type", "outcome"}),
		retryRedrive: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "evvbridge_retry_redrive_total",
			Help: "Transactions re-driven by the retry worker.",
		}, []string{"result"}),
		auditFailure: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "evvbridge_audit_write_failures_total",
			Help: "Aggregator calls whose transaction row could not be written.",
		}, []string{"operation"}),
		compliance: compliance,
	}

	if reg != nil {
		reg.MustRegister(m.requests, m.duration, m.tokenRefresh, m.blocked, m.submissions, m.retryRedrive, m.auditFailure)
	}
	return m
}

func (m *EVV) ObserveRequest(orgID, operation string, status int, code errcode.Code, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(sanitizeLabel(operation), statusClass(status), sanitizeLabel(string(code))).Inc()
	m.duration.WithLabelValues(sanitizeLabel(operation)).Observe(elapsed.Seconds())
}

func (m *EVV) TokenRefreshed(string) {
	if m == nil {
		return
	}
	m.tokenRefresh.Inc()
}

func (m *EVV) Blocked(orgID, operation string, code errcode.Code) {
	if m == nil {
		return
	}
	m.blocked.WithLabelValues(sanitizeLabel(operation), strings.ToLower(string(code))).Inc()
}

// RecordSubmission counts one orchestrated outcome, e.g. ("visit", "accepted").
func (m *EVV) RecordSubmission(orgID, kind, outcome string) {
	if m == nil {
		return
	}
	m.submissions.WithLabelValues(sanitizeLabel(kind), sanitizeLabel(outcome)).Inc()
	m.compliance.RecordOutcome(orgID, kind, outcome)
}

func (m *EVV) RecordRedrive(result string) {
	if m == nil {
		return
	}
	m.retryRedrive.WithLabelValues(sanitizeLabel(result)).Inc()
}

func (m *EVV) AuditWriteFailed(operation string) {
	if m == nil {
		return
	}
	m.auditFailure.WithLabelValues(sanitizeLabel(operation)).Inc()
}

func statusClass(status int) string {
	if status <= 0 {
		return "none"
	}
	return strconv.Itoa(status/100) + "xx"
}

func sanitizeLabel(val string) string {
	val = strings.TrimSpace(val)
	if val == "" {
		return "none"
	}
	return val
}
