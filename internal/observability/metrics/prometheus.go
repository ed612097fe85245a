// Package metrics provides Prometheus metrics for the NDC calculator.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/drfirst/go-ndc/pkg/circuitbreaker"
)

// Metrics holds all application metrics
type Metrics struct {
	Calculations          *prometheus.CounterVec
	CalculationsFailed    *prometheus.CounterVec
	CalculationDuration   prometheus.Histogram
	Resolutions           *prometheus.CounterVec
	CacheOperations       *prometheus.CounterVec
	CircuitBreakerState   *prometheus.GaugeVec
	AITokens              prometheus.Counter
	AICostDollars         prometheus.Counter
	KafkaMessagesProduced prometheus.Counter
	KafkaMessagesConsumed prometheus.Counter
	CacheSwept            prometheus.Counter

	gatherer prometheus.Gatherer
}

// New creates all metrics and registers them on reg. A nil reg uses a fresh
// private registry.
func New(reg prometheus.Registerer) *Metrics {
	var gatherer prometheus.Gatherer = prometheus.DefaultGatherer
	if reg == nil {
		r := prometheus.NewRegistry()
		reg, gatherer = r, r
	} else if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	m := &Metrics{
		Calculations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ndc_calculations_total",
			Help: "Completed calculations by recommendation source",
		}, []string{"source"}),
		CalculationsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ndc_calculations_failed_total",
			Help: "Failed calculations by error code",
		}, []string{"code"}),
		CalculationDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "ndc_calculation_duration_seconds",
			Help:    "End-to-end calculation duration",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}),
		Resolutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ndc_name_resolutions_total",
			Help: "Drug name resolution attempts by strategy and outcome",
		}, []string{"strategy", "outcome"}),
		CacheOperations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ndc_cache_operations_total",
			Help: "Cache lookups by namespace and result",
		}, []string{"namespace", "result"}),
		CircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		}, []string{"name"}),
		AITokens: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ndc_ai_tokens_total",
			Help: "Total tokens consumed by AI recommendations",
		}),
		AICostDollars: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ndc_ai_cost_dollars_total",
			Help: "Estimated AI spend in dollars",
		}),
		KafkaMessagesProduced: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kafka_messages_produced_total",
			Help: "Total Kafka messages produced",
		}),
		KafkaMessagesConsumed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kafka_messages_consumed_total",
			Help: "Total Kafka messages consumed",
		}),
		CacheSwept: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ndc_cache_swept_total",
			Help: "Expired cache entries removed by the sweeper",
		}),
		gatherer: gatherer,
	}

	reg.MustRegister(
		m.Calculations,
		m.CalculationsFailed,
		m.CalculationDuration,
		m.Resolutions,
		m.CacheOperations,
		m.CircuitBreakerState,
		m.AITokens,
		m.AICostDollars,
		m.KafkaMessagesProduced,
		m.KafkaMessagesConsumed,
		m.CacheSwept,
	)

	return m
}

// CacheResult records a cache lookup
func (m *Metrics) CacheResult(namespace, result string) {
	m.CacheOperations.WithLabelValues(namespace, result).Inc()
}

// ResolutionAttempt records a name resolution strategy outcome
func (m *Metrics) ResolutionAttempt(strategy, outcome string) {
	m.Resolutions.WithLabelValues(strategy, outcome).Inc()
}

// AIUsage records tokens and estimated cost of one AI call
func (m *Metrics) AIUsage(tokens int, cost float64) {
	if tokens > 0 {
		m.AITokens.Add(float64(tokens))
	}
	if cost > 0 {
		m.AICostDollars.Add(cost)
	}
}

// CalculationCompleted records a successful calculation
func (m *Metrics) CalculationCompleted(source string, elapsed time.Duration) {
	m.Calculations.WithLabelValues(source).Inc()
	m.CalculationDuration.Observe(elapsed.Seconds())
}

// CalculationFailed records a failed calculation
func (m *Metrics) CalculationFailed(code string, elapsed time.Duration) {
	m.CalculationsFailed.WithLabelValues(code).Inc()
	m.CalculationDuration.Observe(elapsed.Seconds())
}

// EntriesSwept records expired cache entries removed by the sweeper
func (m *Metrics) EntriesSwept(n int64) {
	m.CacheSwept.Add(float64(n))
}

// BreakerStateChanged updates the breaker gauge; it matches the
// circuitbreaker OnStateChange signature
func (m *Metrics) BreakerStateChanged(name string, _, to circuitbreaker.State) {
	m.CircuitBreakerState.WithLabelValues(name).Set(stateValue(to))
}

func stateValue(s circuitbreaker.State) float64 {
	switch s {
	case circuitbreaker.StateOpen:
		return 1
	case circuitbreaker.StateHalfOpen:
		return 2
	default:
		return 0
	}
}

// Handler returns the Prometheus HTTP handler for the registry metrics were
// registered on
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
