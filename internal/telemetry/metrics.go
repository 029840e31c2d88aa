// Package telemetry holds the internal prometheus instruments behind
// Synap's stats façades. Exporting them over HTTP is a transport concern
// this package leaves to its caller — nothing here registers a handler;
// an external collaborator that wants a /metrics endpoint reads these
// same instruments through prometheus.Gatherer and mounts its own
// handler.
package telemetry

import "github.com/prometheus/client_golang/prometheus"

// Metrics bundles the counters/gauges registered for Synap's subsystems.
// KVKeys, QueueDepth and StreamEvents are registered but no subsystem
// sets them. It is constructed once per Engine and registered into a private registry so
// multiple Engines in a test process never collide on metric names.
type Metrics struct {
	Registry *prometheus.Registry

	KVOps          *prometheus.CounterVec
	KVKeys         prometheus.Gauge
	QueuePublished *prometheus.CounterVec
	QueueAcked     *prometheus.CounterVec
	QueueNacked    *prometheus.CounterVec
	QueueDepth     *prometheus.GaugeVec
	StreamPublished *prometheus.CounterVec
	StreamEvents    *prometheus.GaugeVec
	PubSubDelivered prometheus.Counter
	PubSubDropped   prometheus.Counter
	WALAppends      prometheus.Counter
	WALBytes        prometheus.Counter
	WALFsyncs       prometheus.Counter
	ReplicationLag  *prometheus.GaugeVec
}

// New builds and registers every instrument into a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		Registry: reg,
		KVOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "synap", Subsystem: "kv", Name: "ops_total",
		}, []string{"op"}),
		KVKeys: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "synap", Subsystem: "kv", Name: "keys",
		}),
		QueuePublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "synap", Subsystem: "queue", Name: "published_total",
		}, []string{"queue"}),
		QueueAcked: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "synap", Subsystem: "queue", Name: "acked_total",
		}, []string{"queue"}),
		QueueNacked: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "synap", Subsystem: "queue", Name: "nacked_total",
		}, []string{"queue"}),
		QueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "synap", Subsystem: "queue", Name: "ready_depth",
		}, []string{"queue"}),
		StreamPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "synap", Subsystem: "stream", Name: "published_total",
		}, []string{"room"}),
		StreamEvents: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "synap", Subsystem: "stream", Name: "events",
		}, []string{"room"}),
		PubSubDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "synap", Subsystem: "pubsub", Name: "delivered_total",
		}),
		PubSubDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "synap", Subsystem: "pubsub", Name: "dropped_total",
		}),
		WALAppends: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "synap", Subsystem: "wal", Name: "appends_total",
		}),
		WALBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "synap", Subsystem: "wal", Name: "bytes_total",
		}),
		WALFsyncs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "synap", Subsystem: "wal", Name: "fsyncs_total",
		}),
		ReplicationLag: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "synap", Subsystem: "replication", Name: "lag",
		}, []string{"replica"}),
	}
	reg.MustRegister(
		m.KVOps, m.KVKeys, m.QueuePublished, m.QueueAcked, m.QueueNacked,
		m.QueueDepth, m.StreamPublished, m.StreamEvents, m.PubSubDelivered,
		m.PubSubDropped, m.WALAppends, m.WALBytes, m.WALFsyncs, m.ReplicationLag,
	)
	return m
}
