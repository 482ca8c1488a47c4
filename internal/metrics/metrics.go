// Package metrics defines the Prometheus metrics of the sync engine and the
// feed server. All metrics register with the default registry on import.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "tracksure"

// ── Sync engine ───────────────────────────────────────────────────────────────

// RecordsRejectedTotal counts records dropped by validation.
// Labels:
//   - kind: "sample" or "alert"
//   - source: "snapshot", "live" or "buffer"
var RecordsRejectedTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "sync",
		Name:      "records_rejected_total",
		Help:      "Records dropped because they failed validation.",
	},
	[]string{"kind", "source"},
)

// RecordsAppliedTotal counts buffer mutations by outcome.
// Labels:
//   - kind: "sample" or "alert"
//   - result: "inserted", "updated", "unchanged", "dropped", "foreign"
var RecordsAppliedTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "sync",
		Name:      "records_applied_total",
		Help:      "Records offered to the trajectory buffer or alert ledger, by outcome.",
	},
	[]string{"kind", "result"},
)

// StaleResultsTotal counts results discarded because their session was closed
// or superseded.
var StaleResultsTotal = promauto.NewCounter(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "sync",
		Name:      "stale_results_total",
		Help:      "Async results discarded by generation token.",
	},
)

// UnrecognizedEventsTotal counts dropped push frames.
// Labels:
//   - reason: "envelope" (frame is not a valid envelope) or "name" (event
//     outside the allow-list)
var UnrecognizedEventsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "channel",
		Name:      "unrecognized_events_total",
		Help:      "Push events whose name or envelope is not recognized.",
	},
	[]string{"reason"},
)

// ChannelTransitionsTotal counts connection state transitions.
// Label:
//   - to: target state
var ChannelTransitionsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "channel",
		Name:      "transitions_total",
		Help:      "Connection state transitions of the live channel adapter.",
	},
	[]string{"to"},
)

var DialFailuresTotal = promauto.NewCounter(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "channel",
		Name:      "dial_failures_total",
		Help:      "Failed push channel handshakes.",
	},
)

var ResyncsTotal = promauto.NewCounter(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "channel",
		Name:      "resyncs_total",
		Help:      "Snapshot reconciliations triggered by a reconnect.",
	},
)

// SnapshotFetchFailuresTotal counts failed snapshot fetches.
// Label:
//   - resource: "alerts" or "locations"
var SnapshotFetchFailuresTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "snapshot",
		Name:      "fetch_failures_total",
		Help:      "Snapshot fetches that failed.",
	},
	[]string{"resource"},
)

var SnapshotFetchDuration = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "snapshot",
		Name:      "fetch_duration_seconds",
		Help:      "Duration of snapshot fetches.",
		Buckets:   prometheus.DefBuckets,
	},
	[]string{"resource"},
)

// ── Feed server ───────────────────────────────────────────────────────────────

// FeedBroadcastsTotal counts envelopes handed to the stream hub.
// Label:
//   - event: wire event name
var FeedBroadcastsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "feed",
		Name:      "broadcasts_total",
		Help:      "Push envelopes broadcast to subscribers.",
	},
	[]string{"event"},
)

var StreamSubscribers = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "feed",
		Name:      "stream_subscribers",
		Help:      "Currently connected websocket subscribers.",
	},
)
