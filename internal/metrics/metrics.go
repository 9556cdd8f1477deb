package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	// Gateway: трафик и задержка проксированных вызовов
	ProxyRequests *prometheus.CounterVec
	ProxyDuration *prometheus.HistogramVec

	// Обновления OAuth токенов: success / failure
	TokenRefresh *prometheus.CounterVec

	// Saturation: состояние Circuit Breaker (0 - closed, 1 - half-open, 2 - open)
	CircuitBreakerState *prometheus.GaugeVec

	// Audit: заполненность буфера и сброшенные события (backpressure)
	AuditBufferFill prometheus.Gauge
	AuditDropped    prometheus.Counter

	// Побочные эффекты шлюза, выброшенные из-за переполнения очереди
	SideEffectsDropped prometheus.Counter

	// Контейнеры
	ContainerStarts *prometheus.CounterVec

	// Стриминг
	ActiveSubscriptions prometheus.Gauge
	ConnectedViewers    prometheus.Gauge
	DroppedFrames       prometheus.Counter
	PersistFailures     *prometheus.CounterVec
}

func New(reg prometheus.Registerer) *Metrics {
	// Null Object Pattern - Если рег не передан, используем локальный, который никуда не подключен
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)

	return &Metrics{
		ProxyRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "agentfleet_proxy_requests_total",
			Help: "Total number of proxied tool-server requests by outcome.",
		}, []string{"remote_mcp_id", "status"}),

		ProxyDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "agentfleet_proxy_request_duration_seconds",
			Help:    "Histogram of proxied request latencies (until response headers).",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}, []string{"remote_mcp_id"}),

		TokenRefresh: f.NewCounterVec(prometheus.CounterOpts{
			Name: "agentfleet_oauth_refresh_total",
			Help: "OAuth refresh attempts by result.",
		}, []string{"result"}),

		CircuitBreakerState: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "agentfleet_circuit_breaker_state",
			Help: "Current state of the per-server circuit breaker (0=closed, 1=half-open, 2=open).",
		}, []string{"remote_mcp_id"}),

		AuditBufferFill: f.NewGauge(prometheus.GaugeOpts{
			Name: "agentfleet_audit_buffer_utilization",
			Help: "Current number of events in audit buffer.",
		}),

		AuditDropped: f.NewCounter(prometheus.CounterOpts{
			Name: "agentfleet_audit_dropped_total",
			Help: "Audit entries dropped because the buffer was full.",
		}),

		SideEffectsDropped: f.NewCounter(prometheus.CounterOpts{
			Name: "agentfleet_side_effects_dropped_total",
			Help: "Asynchronous gateway side effects dropped because the queue was full.",
		}),

		ContainerStarts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "agentfleet_container_starts_total",
			Help: "Container start attempts by result.",
		}, []string{"result"}),

		ActiveSubscriptions: f.NewGauge(prometheus.GaugeOpts{
			Name: "agentfleet_stream_subscriptions",
			Help: "Sessions with a live upstream event subscription.",
		}),

		ConnectedViewers: f.NewGauge(prometheus.GaugeOpts{
			Name: "agentfleet_stream_viewers",
			Help: "Connected SSE viewers.",
		}),

		DroppedFrames: f.NewCounter(prometheus.CounterOpts{
			Name: "agentfleet_stream_dropped_frames_total",
			Help: "Frames dropped for slow viewers.",
		}),

		PersistFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "agentfleet_stream_persist_failures_total",
			Help: "Stream events whose persistence failed (event still broadcast).",
		}, []string{"event"}),
	}
}
