// Package metrics holds the Prometheus collectors of the order pipeline.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "orderforwarder"

// Metrics contains all collectors
type Metrics struct {
	// Orders handled by submission kind and final outcome
	OrdersTotal *prometheus.CounterVec
	// Ledger ensure results (found, created, disabled, error)
	LedgerEnsureTotal *prometheus.CounterVec
	// Upload placements by outcome (placed, failed, link_failed)
	UploadPlacementsTotal *prometheus.CounterVec
	// Webhook forwards by HTTP status code
	WebhookForwardTotal *prometheus.CounterVec
	// Payment callbacks by resulting status
	PaymentCallbacksTotal *prometheus.CounterVec
	// Latency of external calls by dependency
	ExternalCallDuration *prometheus.HistogramVec
	// Errors of external calls by dependency
	ExternalCallErrorsTotal *prometheus.CounterVec
}

// New registers the collectors with reg. Use a fresh prometheus.NewRegistry() in tests.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		OrdersTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "orders_total",
				Help:      "Orders processed by submission kind and outcome",
			},
			[]string{"kind", "outcome"},
		),
		LedgerEnsureTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ledger_ensure_total",
				Help:      "Ledger ensure calls by result",
			},
			[]string{"result"},
		),
		UploadPlacementsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "upload_placements_total",
				Help:      "Inline blob placements by outcome",
			},
			[]string{"outcome"},
		),
		WebhookForwardTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "webhook_forward_total",
				Help:      "Webhook forwards by response status",
			},
			[]string{"status"},
		),
		PaymentCallbacksTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "payment_callbacks_total",
				Help:      "Payment provider callbacks by resulting order status",
			},
			[]string{"status"},
		),
		ExternalCallDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "external_call_duration_seconds",
				Help:      "Latency of calls to external collaborators",
				Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20},
			},
			[]string{"dependency", "operation"},
		),
		ExternalCallErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "external_call_errors_total",
				Help:      "Failed calls to external collaborators",
			},
			[]string{"dependency", "operation"},
		),
	}
}

func (m *Metrics) ObserveOrder(kind, outcome string) {
	if m == nil {
		return
	}
	m.OrdersTotal.WithLabelValues(kind, outcome).Inc()
}

func (m *Metrics) ObserveEnsure(result string) {
	if m == nil {
		return
	}
	m.LedgerEnsureTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) ObservePlacement(outcome string) {
	if m == nil {
		return
	}
	m.UploadPlacementsTotal.WithLabelValues(outcome).Inc()
}

// ObserveForward records a webhook response; status 0 means the request never completed.
func (m *Metrics) ObserveForward(status int) {
	if m == nil {
		return
	}
	m.WebhookForwardTotal.WithLabelValues(strconv.Itoa(status)).Inc()
}

func (m *Metrics) ObservePaymentCallback(status string) {
	if m == nil {
		return
	}
	m.PaymentCallbacksTotal.WithLabelValues(status).Inc()
}

// ObserveCall records latency and failure of one external call.
// Typical use: defer m.ObserveCall("airtable", "find", time.Now(), &err)
func (m *Metrics) ObserveCall(dependency, operation string, started time.Time, errp *error) {
	if m == nil {
		return
	}
	m.ExternalCallDuration.WithLabelValues(dependency, operation).Observe(time.Since(started).Seconds())
	if errp != nil && *errp != nil {
		m.ExternalCallErrorsTotal.WithLabelValues(dependency, operation).Inc()
	}
}
