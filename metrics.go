package overlay

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "overlay"

type metrics struct {
	connectedPeers      prometheus.Gauge
	dialFailures        prometheus.Counter
	backpressureDrops   prometheus.Counter
	discoveredPeers     prometheus.Counter
	expiredPeers        prometheus.Counter
	gossipPublished     prometheus.Counter
	gossipDelivered     prometheus.Counter
	gossipRelayed       prometheus.Counter
	gossipDuplicate     prometheus.Counter
	gossipInvalid       prometheus.Counter
	gossipQueueOverflow prometheus.Counter
	dhtQueries          *prometheus.CounterVec
	dhtRequests         *prometheus.CounterVec
}

// newMetrics builds the node collectors and registers them with reg when it is not nil.
// A collector already registered under the same process name is left in place.
func newMetrics(reg prometheus.Registerer, processName string) (*metrics, error) {
	labels := prometheus.Labels{"process": processName}

	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   metricsNamespace,
			Name:        name,
			Help:        help,
			ConstLabels: labels,
		})
	}

	m := &metrics{
		connectedPeers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   metricsNamespace,
			Name:        "connected_peers",
			Help:        "Number of peers with an open secure channel.",
			ConstLabels: labels,
		}),
		dialFailures:        counter("dial_failures_total", "Outbound dials that failed before a secure channel was established."),
		backpressureDrops:   counter("backpressure_disconnects_total", "Connections dropped because their send queue stayed full."),
		discoveredPeers:     counter("discovered_peers_total", "Peers first seen through local discovery."),
		expiredPeers:        counter("expired_peers_total", "Discovered peers removed after their announcement expired."),
		gossipPublished:     counter("gossip_published_total", "Messages published by this node."),
		gossipDelivered:     counter("gossip_delivered_total", "Remote messages delivered to local subscribers."),
		gossipRelayed:       counter("gossip_relayed_total", "Message copies relayed to neighbours."),
		gossipDuplicate:     counter("gossip_duplicate_total", "Messages dropped as already seen."),
		gossipInvalid:       counter("gossip_invalid_total", "Messages dropped for failing validation."),
		gossipQueueOverflow: counter("gossip_queue_overflow_total", "Gossip frames dropped because a peer send queue was full."),
		dhtQueries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   metricsNamespace,
			Name:        "dht_queries_total",
			Help:        "Completed outbound DHT queries by kind and outcome.",
			ConstLabels: labels,
		}, []string{"kind", "outcome"}),
		dhtRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   metricsNamespace,
			Name:        "dht_requests_total",
			Help:        "Inbound DHT requests by type.",
			ConstLabels: labels,
		}, []string{"type"}),
	}

	if reg == nil {
		return m, nil
	}

	for _, c := range m.collectors() {
		if err := reg.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}

			return nil, err
		}
	}

	return m, nil
}

func (m *metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.connectedPeers,
		m.dialFailures,
		m.backpressureDrops,
		m.discoveredPeers,
		m.expiredPeers,
		m.gossipPublished,
		m.gossipDelivered,
		m.gossipRelayed,
		m.gossipDuplicate,
		m.gossipInvalid,
		m.gossipQueueOverflow,
		m.dhtQueries,
		m.dhtRequests,
	}
}
