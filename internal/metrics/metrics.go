// Package metrics exposes Prometheus counters for one runtime. Every
// runtime owns its own registry so independent runtimes (and tests) never
// share collectors.
//
// All recording methods are safe on a nil *Metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "ccmrt"

// Metrics holds the runtime's collectors.
type Metrics struct {
	registry *prometheus.Registry

	resourceFetches   *prometheus.CounterVec
	resourceHits      prometheus.Counter
	resourceCoalesced prometheus.Counter
	instances         *prometheus.CounterVec
	storeOps          *prometheus.CounterVec
	pushMessages      prometheus.Counter
	flowDuration      prometheus.Histogram
}

// New registers a fresh set of collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		resourceFetches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "loader",
				Name:      "fetches_total",
				Help:      "Resources fetched from a transport, by kind.",
			},
			[]string{"kind"},
		),
		resourceHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "loader",
			Name:      "cache_hits_total",
			Help:      "Resource requests served from the cache.",
		}),
		resourceCoalesced: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "loader",
			Name:      "coalesced_total",
			Help:      "Resource requests parked behind an in-flight fetch.",
		}),
		instances: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "engine",
				Name:      "instances_total",
				Help:      "Component instances constructed, by component index.",
			},
			[]string{"component"},
		),
		storeOps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "datastore",
				Name:      "operations_total",
				Help:      "Datastore operations, by operation, tier and store digest.",
			},
			[]string{"op", "tier", "store"},
		),
		pushMessages: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "datastore",
			Name:      "push_messages_total",
			Help:      "Unsolicited change notifications received from remote stores.",
		}),
		flowDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "flow_duration_seconds",
			Help:      "Time from instantiation request to ready.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
		}),
	}

	m.registry.MustRegister(
		m.resourceFetches,
		m.resourceHits,
		m.resourceCoalesced,
		m.instances,
		m.storeOps,
		m.pushMessages,
		m.flowDuration,
	)
	return m
}

// Registry returns the underlying registry, for gathering in tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ResourceFetched(kind string) {
	if m != nil {
		m.resourceFetches.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) ResourceHit() {
	if m != nil {
		m.resourceHits.Inc()
	}
}

func (m *Metrics) ResourceCoalesced() {
	if m != nil {
		m.resourceCoalesced.Inc()
	}
}

func (m *Metrics) InstanceCreated(component string) {
	if m != nil {
		m.instances.WithLabelValues(component).Inc()
	}
}

// StoreOp counts one datastore operation. store is a short digest of the
// datastore's source key.
func (m *Metrics) StoreOp(op, tier, store string) {
	if m != nil {
		m.storeOps.WithLabelValues(op, tier, store).Inc()
	}
}

func (m *Metrics) PushReceived() {
	if m != nil {
		m.pushMessages.Inc()
	}
}

// FlowFinished records a completed instantiation in seconds.
func (m *Metrics) FlowFinished(seconds float64) {
	if m != nil {
		m.flowDuration.Observe(seconds)
	}
}
