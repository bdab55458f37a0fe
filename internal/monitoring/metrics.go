package monitoring

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Signal intake metrics
	signalsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "signal_engine_signals_total",
			Help: "Total number of signals received, by result",
		},
		[]string{"exchange", "symbol", "result"},
	)

	// Order routing metrics
	ordersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "signal_engine_orders_total",
			Help: "Total number of order submissions, by outcome",
		},
		[]string{"exchange", "outcome"},
	)

	orderQuantity = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "signal_engine_order_quantity",
			Help:    "Distribution of submitted order quantities",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
		},
		[]string{"exchange", "symbol"},
	)

	// Position metrics
	openPositions = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "signal_engine_open_positions",
			Help: "Number of positions currently supervised",
		},
		[]string{"exchange"},
	)

	// Market data metrics
	currentPrice = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "signal_engine_current_price",
			Help: "Latest observed price per symbol",
		},
		[]string{"exchange", "symbol"},
	)

	annualizedVolatility = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "signal_engine_annualized_volatility",
			Help: "Latest annualized volatility estimate per symbol",
		},
		[]string{"exchange", "symbol"},
	)

	// Error metrics
	errorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "signal_engine_errors_total",
			Help: "Total number of errors, by kind",
		},
		[]string{"kind"},
	)
)

func init() {
	prometheus.MustRegister(signalsTotal)
	prometheus.MustRegister(ordersTotal)
	prometheus.MustRegister(orderQuantity)
	prometheus.MustRegister(openPositions)
	prometheus.MustRegister(currentPrice)
	prometheus.MustRegister(annualizedVolatility)
	prometheus.MustRegister(errorsTotal)
}

// MetricsHandler serves the Prometheus metrics endpoint.
type MetricsHandler struct{}

// NewMetricsHandler creates a new metrics handler.
func NewMetricsHandler() *MetricsHandler {
	return &MetricsHandler{}
}

func (m *MetricsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	promhttp.Handler().ServeHTTP(w, r)
}

// RecordSignal records a signal intake outcome.
func RecordSignal(exchange, symbol, result string) {
	signalsTotal.WithLabelValues(exchange, symbol, result).Inc()
}

// RecordOrder records an order routing outcome.
func RecordOrder(exchange, outcome string) {
	ordersTotal.WithLabelValues(exchange, outcome).Inc()
}

// ObserveOrderQuantity records a submitted order quantity.
func ObserveOrderQuantity(exchange, symbol string, qty float64) {
	orderQuantity.WithLabelValues(exchange, symbol).Observe(qty)
}

// SetOpenPositions updates the supervised position gauge.
func SetOpenPositions(exchange string, count int) {
	openPositions.WithLabelValues(exchange).Set(float64(count))
}

// UpdatePrice updates the latest price gauge.
func UpdatePrice(exchange, symbol string, price float64) {
	currentPrice.WithLabelValues(exchange, symbol).Set(price)
}

// UpdateVolatility updates the volatility gauge.
func UpdateVolatility(exchange, symbol string, vol float64) {
	annualizedVolatility.WithLabelValues(exchange, symbol).Set(vol)
}

// RecordError records an error by kind.
func RecordError(kind string) {
	errorsTotal.WithLabelValues(kind).Inc()
}
