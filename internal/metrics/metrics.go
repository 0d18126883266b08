package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the bridge.
type Metrics struct {
	// Connection metrics
	ConnectionsActive prometheus.Gauge
	ConnectionsTotal  *prometheus.CounterVec
	ConnectionsClosed *prometheus.CounterVec
	HandshakeDuration prometheus.Histogram

	// Authentication metrics
	AuthAttemptsTotal *prometheus.CounterVec
	SessionsActive    prometheus.Gauge

	// Sequencing metrics
	MessagesDispatched *prometheus.CounterVec
	MessagesBuffered   *prometheus.GaugeVec
	MessagesDuplicate  prometheus.Counter

	// Delivery queue metrics
	DeliveriesTotal   *prometheus.CounterVec
	DeliveryRetries   prometheus.Counter
	DeliveriesPending prometheus.Gauge
	DeliveryDuration  prometheus.Histogram

	// Payment metrics
	PaymentsTotal   *prometheus.CounterVec
	PaymentAmount   prometheus.Counter
	LockContentions prometheus.Counter
	LockTakeovers   prometheus.Counter

	// Kitchen sync metrics
	KitchenSyncTotal *prometheus.CounterVec
}

// New creates and registers all Prometheus metrics.
func New(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	factory := promauto.With(registry)

	return &Metrics{
		ConnectionsActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "poslink_connections_active",
				Help: "Number of currently registered device connections",
			},
		),
		ConnectionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "poslink_connections_total",
				Help: "Total number of accepted connections",
			},
			[]string{"role"},
		),
		ConnectionsClosed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "poslink_connections_closed_total",
				Help: "Total number of closed connections by reason",
			},
			[]string{"reason"},
		),
		HandshakeDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "poslink_handshake_duration_seconds",
				Help:    "Time from accept to authenticated",
				Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
			},
		),

		AuthAttemptsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "poslink_auth_attempts_total",
				Help: "Total number of authentication attempts by outcome",
			},
			[]string{"outcome"},
		),
		SessionsActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "poslink_sessions_active",
				Help: "Number of live device sessions",
			},
		),

		MessagesDispatched: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "poslink_messages_dispatched_total",
				Help: "Total number of messages dispatched to handlers",
			},
			[]string{"type"},
		),
		MessagesBuffered: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "poslink_messages_buffered",
				Help: "Out-of-order messages currently buffered per device",
			},
			[]string{"device"},
		),
		MessagesDuplicate: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "poslink_messages_duplicate_total",
				Help: "Total number of duplicate or stale messages discarded",
			},
		),

		DeliveriesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "poslink_deliveries_total",
				Help: "Total number of queued deliveries resolved by outcome",
			},
			[]string{"outcome"},
		),
		DeliveryRetries: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "poslink_delivery_retries_total",
				Help: "Total number of delivery resend attempts",
			},
		),
		DeliveriesPending: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "poslink_deliveries_pending",
				Help: "Messages currently awaiting confirmation",
			},
		),
		DeliveryDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "poslink_delivery_duration_seconds",
				Help:    "Time from enqueue to confirmation",
				Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
			},
		),

		PaymentsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "poslink_payments_total",
				Help: "Total number of payment operations by outcome",
			},
			[]string{"outcome"},
		),
		PaymentAmount: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "poslink_payment_amount_total",
				Help: "Total completed payment amount in currency units",
			},
		),
		LockContentions: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "poslink_payment_lock_contentions_total",
				Help: "Total number of rejected lock acquisitions",
			},
		),
		LockTakeovers: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "poslink_payment_lock_takeovers_total",
				Help: "Total number of stale lock takeovers",
			},
		),

		KitchenSyncTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "poslink_kitchen_sync_total",
				Help: "Total number of kitchen backend sync attempts by outcome",
			},
			[]string{"outcome"},
		),
	}
}

// ObserveDelivery records a resolved delivery with its outcome and latency.
func (m *Metrics) ObserveDelivery(outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.DeliveriesTotal.WithLabelValues(outcome).Inc()
	m.DeliveryDuration.Observe(duration.Seconds())
}

// ObservePayment records a payment outcome and, for completed payments, its amount.
func (m *Metrics) ObservePayment(outcome string, amount float64) {
	if m == nil {
		return
	}
	m.PaymentsTotal.WithLabelValues(outcome).Inc()
	if outcome == "completed" && amount > 0 {
		m.PaymentAmount.Add(amount)
	}
}
