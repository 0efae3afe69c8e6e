// Package observability provides Prometheus metrics for monitoring.
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the application.
type Metrics struct {
	// Ingestion metrics
	EventsProcessed  *prometheus.CounterVec
	DecodeErrors     prometheus.Counter
	EventErrors      *prometheus.CounterVec
	BlockBufferSize  prometheus.Gauge
	HighestBlockSeen prometheus.Gauge
	ProcessedBlock   prometheus.Gauge

	// Registry metrics
	TokensRegistered *prometheus.CounterVec
	PairsRegistered  prometheus.Counter
	PairsDeferred    prometheus.Gauge

	// Ledger metrics
	TradesInserted   prometheus.Counter
	TradesDuplicate  prometheus.Counter
	TradesUnresolved prometheus.Counter
	TradesRepriced   prometheus.Counter

	// Candle metrics
	CandleMerges     prometheus.Counter
	CandleReconciles *prometheus.CounterVec
	CandlesDirty     prometheus.Gauge

	// Token metric snapshots
	SnapshotsWritten prometheus.Counter
	SnapshotErrors   prometheus.Counter

	// Fanout metrics
	FanoutClients   prometheus.Gauge
	FanoutChannels  prometheus.Gauge
	FanoutDropped   prometheus.Counter
	FanoutPublished *prometheus.CounterVec

	// Latency metrics
	EventProcessingLatency *prometheus.HistogramVec
	RPCCallLatency         *prometheus.HistogramVec
	RPCCallErrors          *prometheus.CounterVec
}

// NewMetrics creates a new Metrics instance registered with reg.
// A nil reg uses the default Prometheus registerer.
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = "amm_analytics"
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	return &Metrics{
		EventsProcessed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingestion",
			Name:      "events_processed_total",
			Help:      "Total number of chain events processed by type",
		}, []string{"event_type"}),
		DecodeErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingestion",
			Name:      "decode_errors_total",
			Help:      "Total number of logs that could not be decoded",
		}),
		EventErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingestion",
			Name:      "event_errors_total",
			Help:      "Total number of event processing errors by type",
		}, []string{"event_type", "error_type"}),
		BlockBufferSize: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "ingestion",
			Name:      "block_buffer_size",
			Help:      "Current number of blocks held for confirmation",
		}),
		HighestBlockSeen: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "ingestion",
			Name:      "highest_block_seen",
			Help:      "Highest block number seen",
		}),
		ProcessedBlock: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "ingestion",
			Name:      "processed_block",
			Help:      "Last fully processed block",
		}),

		TokensRegistered: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "tokens_registered_total",
			Help:      "Total number of tokens registered by metadata source",
		}, []string{"source"}),
		PairsRegistered: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "pairs_registered_total",
			Help:      "Total number of pairs registered",
		}),
		PairsDeferred: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "pairs_deferred",
			Help:      "Number of pair registrations waiting for retry",
		}),

		TradesInserted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "trades_inserted_total",
			Help:      "Total number of trades appended to the ledger",
		}),
		TradesDuplicate: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "trades_duplicate_total",
			Help:      "Total number of replayed swaps ignored by the ledger",
		}),
		TradesUnresolved: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "trades_unresolved_total",
			Help:      "Total number of trades stored without a fiat price",
		}),
		TradesRepriced: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "trades_repriced_total",
			Help:      "Total number of unresolved trades priced later",
		}),

		CandleMerges: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "candles",
			Name:      "merges_total",
			Help:      "Total number of incremental candle merges",
		}),
		CandleReconciles: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "candles",
			Name:      "reconciles_total",
			Help:      "Total number of candle buckets rebuilt from the ledger by outcome",
		}, []string{"outcome"}),
		CandlesDirty: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "candles",
			Name:      "dirty_buckets",
			Help:      "Number of closed buckets awaiting reconciliation",
		}),

		SnapshotsWritten: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "metrics",
			Name:      "snapshots_written_total",
			Help:      "Total number of token metric snapshots written",
		}),
		SnapshotErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "metrics",
			Name:      "snapshot_errors_total",
			Help:      "Total number of token metric computations that failed",
		}),

		FanoutClients: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "fanout",
			Name:      "clients",
			Help:      "Number of connected subscribers",
		}),
		FanoutChannels: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "fanout",
			Name:      "channels",
			Help:      "Number of channels with an open upstream subscription",
		}),
		FanoutDropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "fanout",
			Name:      "dropped_messages_total",
			Help:      "Total number of messages dropped for slow subscribers",
		}),
		FanoutPublished: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "fanout",
			Name:      "published_total",
			Help:      "Total number of messages published by type",
		}, []string{"type"}),

		EventProcessingLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "ingestion",
			Name:      "event_processing_latency_seconds",
			Help:      "Event processing latency in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"event_type"}),
		RPCCallLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "chain",
			Name:      "rpc_call_latency_seconds",
			Help:      "Chain RPC call latency in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"}),
		RPCCallErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "chain",
			Name:      "rpc_call_errors_total",
			Help:      "Total number of failed chain RPC calls",
		}, []string{"method"}),
	}
}

// Handler returns an HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// DefaultMetrics is the default metrics instance.
var DefaultMetrics = NewMetrics("", nil)

// RecordEventProcessed counts one processed event and its latency.
func RecordEventProcessed(eventType string, seconds float64) {
	DefaultMetrics.EventsProcessed.WithLabelValues(eventType).Inc()
	DefaultMetrics.EventProcessingLatency.WithLabelValues(eventType).Observe(seconds)
}

// RecordDecodeError counts a log that failed to decode.
func RecordDecodeError() {
	DefaultMetrics.DecodeErrors.Inc()
}

// RecordEventError records an event processing error.
func RecordEventError(eventType, errorType string) {
	DefaultMetrics.EventErrors.WithLabelValues(eventType, errorType).Inc()
}

// UpdateBlockBuffer updates the buffered block gauge.
func UpdateBlockBuffer(blocks int) {
	DefaultMetrics.BlockBufferSize.Set(float64(blocks))
}

// UpdateHighestBlock updates the highest block seen gauge.
func UpdateHighestBlock(block uint64) {
	DefaultMetrics.HighestBlockSeen.Set(float64(block))
}

// UpdateProcessedBlock updates the processed block gauge.
func UpdateProcessedBlock(block uint64) {
	DefaultMetrics.ProcessedBlock.Set(float64(block))
}

// RecordTokenRegistered counts a new token by metadata source ("chain" or "placeholder").
func RecordTokenRegistered(source string) {
	DefaultMetrics.TokensRegistered.WithLabelValues(source).Inc()
}

// RecordPairRegistered counts a new pair.
func RecordPairRegistered() {
	DefaultMetrics.PairsRegistered.Inc()
}

// UpdateDeferredPairs sets the deferred pair gauge.
func UpdateDeferredPairs(n int) {
	DefaultMetrics.PairsDeferred.Set(float64(n))
}

// RecordTradeAppend counts a ledger append outcome.
func RecordTradeAppend(inserted, resolved bool) {
	if !inserted {
		DefaultMetrics.TradesDuplicate.Inc()
		return
	}
	DefaultMetrics.TradesInserted.Inc()
	if !resolved {
		DefaultMetrics.TradesUnresolved.Inc()
	}
}

// RecordTradeRepriced counts a trade priced after insert.
func RecordTradeRepriced() {
	DefaultMetrics.TradesRepriced.Inc()
}

// RecordCandleMerge counts an incremental candle merge.
func RecordCandleMerge() {
	DefaultMetrics.CandleMerges.Inc()
}

// RecordCandleReconcile counts a reconciled bucket by outcome ("replaced", "deleted", "error").
func RecordCandleReconcile(outcome string) {
	DefaultMetrics.CandleReconciles.WithLabelValues(outcome).Inc()
}

// UpdateDirtyCandles sets the dirty bucket gauge.
func UpdateDirtyCandles(n int) {
	DefaultMetrics.CandlesDirty.Set(float64(n))
}

// RecordSnapshot counts a token metric snapshot outcome.
func RecordSnapshot(err error) {
	if err != nil {
		DefaultMetrics.SnapshotErrors.Inc()
		return
	}
	DefaultMetrics.SnapshotsWritten.Inc()
}

// UpdateFanout sets the subscriber and channel gauges.
func UpdateFanout(clients, channels int) {
	DefaultMetrics.FanoutClients.Set(float64(clients))
	DefaultMetrics.FanoutChannels.Set(float64(channels))
}

// RecordFanoutDropped counts a message dropped for a slow subscriber.
func RecordFanoutDropped() {
	DefaultMetrics.FanoutDropped.Inc()
}

// RecordFanoutPublished counts a published message by envelope type.
func RecordFanoutPublished(msgType string) {
	DefaultMetrics.FanoutPublished.WithLabelValues(msgType).Inc()
}

// RecordRPCLatency records RPC call latency.
func RecordRPCLatency(method string, seconds float64, err error) {
	DefaultMetrics.RPCCallLatency.WithLabelValues(method).Observe(seconds)
	if err != nil {
		DefaultMetrics.RPCCallErrors.WithLabelValues(method).Inc()
	}
}
