package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Metrics is the central Prometheus metrics registry for the gateway.
type Metrics struct {
	logger   zerolog.Logger
	registry *prometheus.Registry

	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	tokensTotal     *prometheus.CounterVec
	cacheHitsTotal  *prometheus.CounterVec
	walletOpsTotal  *prometheus.CounterVec
	providerHealthy *prometheus.GaugeVec
	costUSDTotal    *prometheus.CounterVec
}

// NewMetrics creates a new metrics registry and registers all collectors.
func NewMetrics(logger zerolog.Logger) *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		logger:   logger.With().Str("component", "metrics").Logger(),
		registry: reg,
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_requests_total",
			Help: "Total number of completed gateway requests.",
		}, []string{"provider", "model", "endpoint", "status"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gateway_request_duration_ms",
			Help:    "Gateway request latency in milliseconds.",
			Buckets: []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000},
		}, []string{"provider", "model", "endpoint", "status"}),
		tokensTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_tokens_total",
			Help: "Total tokens processed, by provider/model/endpoint/status.",
		}, []string{"provider", "model", "endpoint", "status"}),
		cacheHitsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_cache_hits_total",
			Help: "Total cache hits, by provider/model.",
		}, []string{"provider", "model"}),
		walletOpsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_wallet_operations_total",
			Help: "Total wallet operations, by type/wallet_type.",
		}, []string{"type", "wallet_type"}),
		providerHealthy: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gateway_provider_healthy",
			Help: "1 if the provider's last health check succeeded, else 0.",
		}, []string{"provider"}),
		costUSDTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_cost_usd_total",
			Help: "Total estimated upstream cost in USD, by provider/model.",
		}, []string{"provider", "model"}),
	}

	reg.MustRegister(
		m.requestsTotal,
		m.requestDuration,
		m.tokensTotal,
		m.cacheHitsTotal,
		m.walletOpsTotal,
		m.providerHealthy,
		m.costUSDTotal,
	)
	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	return m
}

// TrackRequest records a completed request with all relevant labels.
func (m *Metrics) TrackRequest(provider, model, endpoint string, statusCode int, latencyMs float64, tokens int64, cached bool) {
	status := http.StatusText(statusCode)
	if status == "" {
		status = "unknown"
	}
	labels := prometheus.Labels{
		"provider": provider,
		"model":    model,
		"endpoint": endpoint,
		"status":   status,
	}
	m.requestsTotal.With(labels).Inc()
	m.requestDuration.With(labels).Observe(latencyMs)
	m.tokensTotal.With(labels).Add(float64(tokens))

	if cached {
		m.cacheHitsTotal.With(prometheus.Labels{"provider": provider, "model": model}).Inc()
	}
}

// TrackCost records estimated upstream spend for a request.
func (m *Metrics) TrackCost(provider, model string, usd float64) {
	m.costUSDTotal.With(prometheus.Labels{"provider": provider, "model": model}).Add(usd)
}

// TrackWalletOperation records a wallet credit operation.
func (m *Metrics) TrackWalletOperation(opType, walletType string, amount float64) {
	m.walletOpsTotal.With(prometheus.Labels{"type": opType, "wallet_type": walletType}).Inc()
}

// TrackProviderHealth records provider health status.
func (m *Metrics) TrackProviderHealth(provider string, healthy bool) {
	val := 0.0
	if healthy {
		val = 1.0
	}
	m.providerHealthy.With(prometheus.Labels{"provider": provider}).Set(val)
}

// Handler returns an http.Handler that serves /metrics in Prometheus
// text exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
