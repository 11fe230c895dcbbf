// Package telemetry wires the speculative loop's optional hooks into
// Prometheus metrics: token throughput, local vs. network/verify latency,
// and per-scout acceptance counters.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/trentpierce/shard/internal/shardtype"
)

// Collector holds the Prometheus instruments and exposes the two hook
// signatures internal/speculative.Config expects.
type Collector struct {
	tokensTotal         prometheus.Counter
	localGenerateMS     prometheus.Histogram
	networkVerifyMS     prometheus.Histogram
	scoutDraftsTotal    *prometheus.CounterVec
	scoutAcceptedTokens *prometheus.CounterVec
}

// NewCollector builds a Collector and registers its instruments with reg.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		tokensTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "shard",
			Subsystem: "speculative",
			Name:      "tokens_emitted_total",
			Help:      "Tokens emitted by the speculative loop, local and accepted-remote combined.",
		}),
		localGenerateMS: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "shard",
			Subsystem: "speculative",
			Name:      "local_generate_ms",
			Help:      "Wall time of a single local engine argmax step, in milliseconds.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		}),
		networkVerifyMS: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "shard",
			Subsystem: "speculative",
			Name:      "network_rtt_plus_verify_ms",
			Help:      "Wall time spent broadcasting, polling, and verifying a draft, in milliseconds.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		}),
		scoutDraftsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shard",
			Subsystem: "speculative",
			Name:      "scout_drafts_total",
			Help:      "Drafts seen per scout, labeled by acceptance reason.",
		}, []string{"scout_id", "reason"}),
		scoutAcceptedTokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shard",
			Subsystem: "speculative",
			Name:      "scout_accepted_tokens_total",
			Help:      "Tokens accepted per scout from verified drafts.",
		}, []string{"scout_id"}),
	}

	reg.MustRegister(c.tokensTotal, c.localGenerateMS, c.networkVerifyMS, c.scoutDraftsTotal, c.scoutAcceptedTokens)
	return c
}

// Sample implements the telemetry hook signature: func(shardtype.TelemetrySample).
func (c *Collector) Sample(s shardtype.TelemetrySample) {
	c.tokensTotal.Inc()
	c.localGenerateMS.Observe(s.LocalGenerateMS)
	c.networkVerifyMS.Observe(s.NetworkRTTPlusVerifyMS)
}

// ScoutEvent implements the scout-event hook signature: func(shardtype.ScoutEvent).
func (c *Collector) ScoutEvent(e shardtype.ScoutEvent) {
	c.scoutDraftsTotal.WithLabelValues(e.ScoutID, e.Reason).Inc()
	if e.Accepted {
		c.scoutAcceptedTokens.WithLabelValues(e.ScoutID).Add(float64(e.AcceptedCount))
	}
}
