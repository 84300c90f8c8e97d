// Package metrics provides Prometheus metrics for monitoring.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the application.
type Metrics struct {
	// Price pipeline
	QuotesAccepted    *prometheus.CounterVec
	NormalizeFailures *prometheus.CounterVec
	PriceAnomalies    *prometheus.CounterVec
	PriceConfidence   *prometheus.GaugeVec

	// Detection
	OpportunitiesDetected *prometheus.CounterVec
	OpportunitiesSkipped  *prometheus.CounterVec

	// Execution
	BundlesTotal    *prometheus.CounterVec
	PendingBundles  prometheus.Gauge
	FeeEstimateGwei *prometheus.GaugeVec

	// Positions
	PositionsOpen   prometheus.Gauge
	PositionsClosed *prometheus.CounterVec
	RealizedLoss    prometheus.Counter

	// Breaker
	BreakerTripped prometheus.Gauge
	BreakerTrips   *prometheus.CounterVec

	// Loops
	TickDuration *prometheus.HistogramVec

	// Ops API
	HTTPRequests *prometheus.CounterVec
	HTTPDuration *prometheus.HistogramVec
}

// NewMetrics creates a new Metrics instance with all metrics registered.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "arbguard"
	}

	return &Metrics{
		QuotesAccepted: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "prices",
			Name:      "quotes_accepted_total",
			Help:      "Quotes accepted into the quote cache",
		}, []string{"source"}),
		NormalizeFailures: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "prices",
			Name:      "normalize_failures_total",
			Help:      "Tokens for which no normalized price could be produced",
		}, []string{"token", "reason"}),
		PriceAnomalies: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "prices",
			Name:      "anomalies_total",
			Help:      "Quotes dropped as statistical outliers",
		}, []string{"token", "source"}),
		PriceConfidence: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "prices",
			Name:      "confidence",
			Help:      "Confidence of the latest normalized price",
		}, []string{"token"}),

		OpportunitiesDetected: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "arbitrage",
			Name:      "opportunities_total",
			Help:      "Opportunities emitted by the detector",
		}, []string{"token"}),
		OpportunitiesSkipped: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "arbitrage",
			Name:      "opportunities_skipped_total",
			Help:      "Candidate opportunities discarded before emission",
		}, []string{"reason"}),

		BundlesTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "execution",
			Name:      "bundles_total",
			Help:      "Bundles reaching each lifecycle state",
		}, []string{"state"}),
		PendingBundles: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "execution",
			Name:      "submitted_bundles",
			Help:      "Bundles currently in SUBMITTED state",
		}),
		FeeEstimateGwei: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "execution",
			Name:      "fee_estimate_gwei",
			Help:      "Latest fee estimate components in gwei",
		}, []string{"component"}),

		PositionsOpen: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "positions",
			Name:      "open",
			Help:      "Open positions",
		}),
		PositionsClosed: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "positions",
			Name:      "closed_total",
			Help:      "Closed positions by reason",
		}, []string{"reason"}),
		RealizedLoss: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "positions",
			Name:      "realized_loss_total",
			Help:      "Sum of realized losses in quote currency",
		}),

		BreakerTripped: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "breaker",
			Name:      "tripped",
			Help:      "1 while the circuit breaker is tripped",
		}),
		BreakerTrips: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "breaker",
			Name:      "trips_total",
			Help:      "Circuit breaker trips by reason",
		}, []string{"reason"}),

		TickDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "loops",
			Name:      "tick_duration_seconds",
			Help:      "Duration of one periodic tick",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 8),
		}, []string{"loop"}),
		HTTPRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Ops API requests by route and status",
		}, []string{"method", "route", "status"}),
		HTTPDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Ops API request latency",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
	}
}

// Handler returns an HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// DefaultMetrics is the default metrics instance.
var DefaultMetrics = NewMetrics("")

// RecordQuote counts a quote accepted from source.
func RecordQuote(source string) {
	DefaultMetrics.QuotesAccepted.WithLabelValues(source).Inc()
}

// RecordNormalizeFailure counts a token that produced no price this tick.
func RecordNormalizeFailure(token, reason string) {
	DefaultMetrics.NormalizeFailures.WithLabelValues(token, reason).Inc()
}

// RecordAnomaly counts an outlier quote.
func RecordAnomaly(token, source string) {
	DefaultMetrics.PriceAnomalies.WithLabelValues(token, source).Inc()
}

// SetConfidence records the confidence of the latest price for token.
func SetConfidence(token string, c float64) {
	DefaultMetrics.PriceConfidence.WithLabelValues(token).Set(c)
}

// RecordOpportunity counts an emitted opportunity.
func RecordOpportunity(token string) {
	DefaultMetrics.OpportunitiesDetected.WithLabelValues(token).Inc()
}

// RecordSkipped counts a discarded candidate.
func RecordSkipped(reason string) {
	DefaultMetrics.OpportunitiesSkipped.WithLabelValues(reason).Inc()
}

// RecordBundleState counts a bundle transition.
func RecordBundleState(state string) {
	DefaultMetrics.BundlesTotal.WithLabelValues(state).Inc()
}

// SetPendingBundles sets the SUBMITTED bundle gauge.
func SetPendingBundles(n int) {
	DefaultMetrics.PendingBundles.Set(float64(n))
}

// SetFeeEstimate records the latest fee estimate in gwei.
func SetFeeEstimate(base, priority, total float64) {
	DefaultMetrics.FeeEstimateGwei.WithLabelValues("base").Set(base)
	DefaultMetrics.FeeEstimateGwei.WithLabelValues("priority").Set(priority)
	DefaultMetrics.FeeEstimateGwei.WithLabelValues("total").Set(total)
}

// SetOpenPositions sets the open position gauge.
func SetOpenPositions(n int) {
	DefaultMetrics.PositionsOpen.Set(float64(n))
}

// RecordPositionClosed counts a close and adds any realized loss.
func RecordPositionClosed(reason string, loss float64) {
	DefaultMetrics.PositionsClosed.WithLabelValues(reason).Inc()
	if loss > 0 {
		DefaultMetrics.RealizedLoss.Add(loss)
	}
}

// RecordBreakerTrip marks the breaker tripped.
func RecordBreakerTrip(reason string) {
	DefaultMetrics.BreakerTripped.Set(1)
	DefaultMetrics.BreakerTrips.WithLabelValues(reason).Inc()
}

// SetBreakerTripped sets the breaker gauge without counting a trip.
func SetBreakerTripped(tripped bool) {
	if tripped {
		DefaultMetrics.BreakerTripped.Set(1)
		return
	}
	DefaultMetrics.BreakerTripped.Set(0)
}

// RecordBreakerReset marks the breaker clear.
func RecordBreakerReset() {
	DefaultMetrics.BreakerTripped.Set(0)
}

// ObserveTick records the duration of one loop tick.
func ObserveTick(loop string, seconds float64) {
	DefaultMetrics.TickDuration.WithLabelValues(loop).Observe(seconds)
}

// ObserveHTTP records one ops API request.
func ObserveHTTP(method, route string, status int, seconds float64) {
	DefaultMetrics.HTTPRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	DefaultMetrics.HTTPDuration.WithLabelValues(route).Observe(seconds)
}
