package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	OpportunitiesDetected = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "updown_opportunities_detected_total",
		Help: "Spreads that passed detection thresholds",
	})

	OpportunitiesRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "updown_opportunities_rejected_total",
		Help: "Opportunities refused by the risk gate",
	}, []string{"reason"})

	ExecutionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "updown_executions_total",
		Help: "Paired execution attempts by result",
	}, []string{"result"})

	ExposureUSDC = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "updown_exposure_usdc",
		Help: "Committed plus reserved notional across markets",
	})

	BestSpread = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "updown_best_spread",
		Help: "Latest observed spread per symbol",
	}, []string{"symbol"})

	BookUpdates = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "updown_book_updates_total",
		Help: "Order book messages applied from the market feed",
	})

	FeedReconnects = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "updown_feed_reconnects_total",
		Help: "Websocket feed reconnect attempts",
	})

	StaleBooks = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "updown_stale_books_total",
		Help: "Evaluations skipped because one book side was stale",
	})

	MergesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "updown_merges_total",
		Help: "On-chain merge attempts by status",
	}, []string{"status"})

	ExecutionLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "updown_execution_latency_seconds",
		Help:    "Time from approval to terminal execution state",
		Buckets: prometheus.DefBuckets,
	})
)

func init() {
	prometheus.MustRegister(
		OpportunitiesDetected,
		OpportunitiesRejected,
		ExecutionsTotal,
		ExposureUSDC,
		BestSpread,
		BookUpdates,
		FeedReconnects,
		StaleBooks,
		MergesTotal,
		ExecutionLatency,
	)
}
