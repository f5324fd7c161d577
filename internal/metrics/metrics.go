// Package metrics holds the Prometheus collectors the bot updates
// during operation, served at /metrics when API_LISTEN_ADDR is set:
//   - trader_quote_cache_hits_total / _misses_total – coordinator cache
//   - trader_outbound_calls_total                   – calls that reached the brokerage
//   - trader_request_queue_depth                    – coordinator backlog (gauge)
//   - trader_orders_total{side}                     – orders placed
//   - trader_token_issuances_total                  – fresh OAuth2 tokens minted
//   - trader_cycle_errors_total                     – lifecycle step failures
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	QuoteCacheHits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "trader_quote_cache_hits_total",
			Help: "Submits served from the quote cache",
		},
	)

	QuoteCacheMisses = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "trader_quote_cache_misses_total",
			Help: "Submits that had to be queued",
		},
	)

	OutboundCalls = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "trader_outbound_calls_total",
			Help: "Calls the coordinator worker executed against the brokerage",
		},
	)

	RequestQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "trader_request_queue_depth",
			Help: "Queued calls waiting for the coordinator worker",
		},
	)

	OrdersPlaced = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trader_orders_total",
			Help: "Market orders placed",
		},
		[]string{"side"},
	)

	TokenIssuances = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "trader_token_issuances_total",
			Help: "Fresh brokerage tokens issued (store hits excluded)",
		},
	)

	CycleErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "trader_cycle_errors_total",
			Help: "Position lifecycle step failures that rolled back",
		},
	)
)

func init() {
	prometheus.MustRegister(
		QuoteCacheHits,
		QuoteCacheMisses,
		OutboundCalls,
		RequestQueueDepth,
		OrdersPlaced,
		TokenIssuances,
		CycleErrors,
	)
}
