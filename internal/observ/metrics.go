package observ

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "api_requests_total", Help: "Broker API attempts by endpoint and status class"},
		[]string{"endpoint", "status"},
	)
	APIRetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "api_retries_total", Help: "Broker API retries by endpoint"},
		[]string{"endpoint"},
	)
	TokenIssuesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "token_issues_total", Help: "OAuth token issuances"},
	)
	OrdersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "orders_total", Help: "Orders submitted by side and outcome"},
		[]string{"side", "outcome"},
	)
	CyclesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "strategy_cycles_total", Help: "Strategy cycles by result"},
		[]string{"result"},
	)
	OpenPositions = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "open_positions", Help: "Positions currently tracked by the ledger"},
	)
)

func init() {
	prometheus.MustRegister(
		APIRequestsTotal, APIRetriesTotal, TokenIssuesTotal,
		OrdersTotal, CyclesTotal, OpenPositions,
	)
}

// ServeMetrics builds the /metrics server for addr. The caller owns its
// lifecycle: ListenAndServe to start, Shutdown to stop.
func ServeMetrics(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return &http.Server{Addr: addr, Handler: mux}
}
