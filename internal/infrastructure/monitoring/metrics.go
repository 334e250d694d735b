package monitoring

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics.
type Metrics struct {
	// Auction metrics
	AuctionsTotal   *prometheus.CounterVec
	AuctionDuration prometheus.Histogram
	BidsDropped     *prometheus.CounterVec

	// Worklet metrics
	WorkletRuns     *prometheus.CounterVec
	WorkletDuration *prometheus.HistogramVec

	// Trusted-signals metrics
	SignalsFetches *prometheus.CounterVec

	// Store metrics
	GroupsJoined prometheus.Counter
	GroupsLeft   prometheus.Counter

	// Gateway metrics
	Connections prometheus.Gauge
	Messages    *prometheus.CounterVec

	// Session metrics
	TokensMinted prometheus.Counter

	startTime time.Time
	uptime    prometheus.Gauge
}

// NewMetrics creates a metrics collector registered on reg. A nil reg uses
// the process-wide default registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	m := &Metrics{
		startTime: time.Now(),

		AuctionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fledge_auctions_total",
				Help: "Total number of auctions by outcome",
			},
			[]string{"outcome"}, // winner, no_winner, rejected, error
		),
		AuctionDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "fledge_auction_duration_seconds",
				Help:    "End-to-end auction duration in seconds",
				Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
		),
		BidsDropped: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fledge_bids_dropped_total",
				Help: "Total number of candidate bids dropped before winner selection",
			},
			[]string{"reason"}, // policy, fetch, worklet, foreign_render, score
		),

		WorkletRuns: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fledge_worklet_runs_total",
				Help: "Total number of worklet executions",
			},
			[]string{"role", "status"}, // role: bidding, scoring; status: ok, no_result
		),
		WorkletDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "fledge_worklet_duration_seconds",
				Help:    "Worklet execution duration in seconds",
				Buckets: []float64{.0005, .001, .005, .01, .05, .1, .5, 1},
			},
			[]string{"role"},
		),

		SignalsFetches: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fledge_signals_fetches_total",
				Help: "Total number of trusted-signals fetches",
			},
			[]string{"kind", "status"}, // kind: bidding, scoring; status: ok, network, validation
		),

		GroupsJoined: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "fledge_groups_joined_total",
				Help: "Total number of interest group join operations",
			},
		),
		GroupsLeft: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "fledge_groups_left_total",
				Help: "Total number of interest group leave operations",
			},
		),

		Connections: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "fledge_gateway_connections",
				Help: "Number of active gateway connections",
			},
		),
		Messages: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fledge_gateway_messages_total",
				Help: "Total number of gateway messages",
			},
			[]string{"direction", "kind"},
		),

		TokensMinted: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "fledge_tokens_minted_total",
				Help: "Total number of auction win tokens minted",
			},
		),

		uptime: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "fledge_uptime_seconds",
				Help: "Process uptime in seconds",
			},
		),
	}

	go m.updateUptime()

	return m
}

// updateUptime continuously updates the uptime metric.
func (m *Metrics) updateUptime() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for range ticker.C {
		m.uptime.Set(time.Since(m.startTime).Seconds())
	}
}

// RecordAuction records one completed auction.
func (m *Metrics) RecordAuction(outcome string, duration time.Duration) {
	m.AuctionsTotal.WithLabelValues(outcome).Inc()
	m.AuctionDuration.Observe(duration.Seconds())
}

// RecordBidDropped records one dropped candidate bid.
func (m *Metrics) RecordBidDropped(reason string) {
	m.BidsDropped.WithLabelValues(reason).Inc()
}

// RecordWorkletRun records one worklet execution.
func (m *Metrics) RecordWorkletRun(role, status string, duration time.Duration) {
	m.WorkletRuns.WithLabelValues(role, status).Inc()
	m.WorkletDuration.WithLabelValues(role).Observe(duration.Seconds())
}

// RecordSignalsFetch records one trusted-signals fetch attempt.
func (m *Metrics) RecordSignalsFetch(kind, status string) {
	m.SignalsFetches.WithLabelValues(kind, status).Inc()
}

// RecordMessage records a gateway message.
func (m *Metrics) RecordMessage(direction, kind string) {
	m.Messages.WithLabelValues(direction, kind).Inc()
}
