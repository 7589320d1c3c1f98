// Package metrics declares the Prometheus collectors shared by the sync engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "nostr_sync"

// Relay metrics
var (
	RelayMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "relay_messages_total",
		Help:      "Decoded relay frames by label",
	}, []string{"label"})

	EventsReceived = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "events_received_total",
		Help:      "EVENT payloads received from relays",
	})

	EventsInvalid = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "events_invalid_total",
		Help:      "Events dropped because the id or signature did not verify",
	})

	EventsDuplicate = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "events_duplicate_total",
		Help:      "Events the local store already held",
	})

	TransportErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "transport_errors_total",
		Help:      "Dial, handshake and socket failures",
	})

	ProtocolErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "protocol_errors_total",
		Help:      "Malformed or unexpected frames that cost a connection",
	})

	Reconnects = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "reconnects_total",
		Help:      "Reconnect attempts scheduled after a failure or close",
	})

	PeersConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "peers_connected",
		Help:      "Peers with an open socket",
	})

	OutboxDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "outbox_dropped_total",
		Help:      "Queued REQ/CLOSE frames discarded because the socket closed",
	})
)

// Subscription metrics
var (
	SubscriptionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "subscriptions_active",
		Help:      "Distinct wire-level subscriptions held by the multiplexer",
	})

	TrackersBroken = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "trackers_broken_total",
		Help:      "Per-peer subscription states that became Broken",
	})

	ReplayTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "replay_timeouts_total",
		Help:      "Subscriptions that left AwaitingReplay by timeout",
	})
)

// Resolver metrics
var (
	ResolverPending = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "resolver_pending",
		Help:      "Unresolved references waiting for a follow-up query",
	})

	ResolverBatches = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "resolver_batches_total",
		Help:      "Follow-up batches issued by reference kind",
	}, []string{"kind"})

	ResolverAbandoned = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "resolver_abandoned_total",
		Help:      "References dropped after exceeding the retry ceiling",
	})

	ResolverDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "resolver_reports_dropped_total",
		Help:      "Reports discarded because the resolver queue was full",
	})
)

// Cache and view metrics
var (
	FactCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "fact_cache_hits_total",
		Help:      "Derived-fact lookups served from cache",
	})

	FactCacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "fact_cache_misses_total",
		Help:      "Derived-fact lookups that computed a new entry",
	})

	ViewInserts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "view_inserts_total",
		Help:      "Event references inserted into views",
	})

	UpdateDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "update_duration_seconds",
		Help:      "Time spent in one engine update pass",
		Buckets:   []float64{.0001, .0005, .001, .0025, .005, .01, .025, .05, .1},
	})
)
