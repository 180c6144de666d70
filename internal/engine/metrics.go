package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	// Traffic: попытки оплаты по итогу (settled, held, submitted, not_required, rejected, failed)
	PaymentAttempts *prometheus.CounterVec

	// Latency: подпись + отправка + финализация
	SettlementDuration *prometheus.HistogramVec

	// Errors: классификация отказов
	ErrorTotal *prometheus.CounterVec

	// Saturation: состояние Circuit Breaker (0 - ок, 1 - выбило)
	CircuitBreakerState *prometheus.GaugeVec

	// Audit: заполненность буфера (backpressure)
	AuditBufferFill prometheus.Gauge

	// HITL: переходы отложенных платежей
	PendingTransitions *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	// Null Object Pattern: без регистратора метрики пишутся в изолированный реестр
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	return &Metrics{
		PaymentAttempts: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "paygate_payment_attempts_total",
			Help: "Total number of payment attempts by outcome.",
		}, []string{"outcome"}),

		SettlementDuration: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Name:    "paygate_settlement_duration_seconds",
			Help:    "Histogram of settlement latencies.",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"kind", "status"}),

		ErrorTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "paygate_errors_total",
			Help: "Total number of errors by type.",
		}, []string{"type"}),

		CircuitBreakerState: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Name: "paygate_circuit_breaker_state",
			Help: "Current state of the circuit breaker (0=closed, 1=open).",
		}, []string{"name"}),

		AuditBufferFill: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "paygate_audit_buffer_utilization",
			Help: "Current number of events in audit buffer.",
		}),

		PendingTransitions: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "paygate_pending_transitions_total",
			Help: "Pending payment transitions by target status.",
		}, []string{"status"}),
	}
}

// BreakerState — колбэк для settlement.NewClient.
func (m *Metrics) BreakerState(name string, open bool) {
	v := 0.0
	if open {
		v = 1
	}
	m.CircuitBreakerState.WithLabelValues(name).Set(v)
}
