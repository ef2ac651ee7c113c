package metric

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "shardmesh"

// Registry holds all node metrics on a private prometheus registry.
type Registry struct {
	registry *prometheus.Registry

	// Engine
	FilesStored     prometheus.Counter
	FileOps         *prometheus.CounterVec
	OpDuration      *prometheus.HistogramVec
	ShardsPlaced    *prometheus.CounterVec
	PlacementFailed *prometheus.CounterVec
	PolicyDegraded  prometheus.Counter

	// Mesh
	PeersKnown     *prometheus.GaugeVec
	TransportSends *prometheus.CounterVec

	// DHT
	DHTRequests *prometheus.CounterVec

	// Scheduler
	SchedulerState prometheus.Gauge
	SyncRuns       *prometheus.CounterVec

	// Storage API
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
}

var (
	global     *Registry
	globalOnce sync.Once
)

// Global returns the process-wide registry.
func Global() *Registry {
	globalOnce.Do(func() {
		global = NewRegistry()
	})
	return global
}

// NewRegistry creates a registry with Go runtime and process collectors.
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	r := &Registry{
		registry: reg,
		FilesStored: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "files_stored_total",
			Help:      "Files stored with a durable manifest.",
		}),
		FileOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "file_operations_total",
			Help:      "Engine operations by kind and result.",
		}, []string{"op", "result"}),
		OpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "file_operation_duration_seconds",
			Help:      "Engine operation latency.",
			Buckets:   []float64{.005, .01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}, []string{"op"}),
		ShardsPlaced: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "shards_placed_total",
			Help:      "Shards placed by tier.",
		}, []string{"tier"}),
		PlacementFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "shard_placement_failures_total",
			Help:      "Shard placements that failed and fell back, by tier.",
		}, []string{"tier"}),
		PolicyDegraded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "policy_degraded_total",
			Help:      "Stores whose sharing policy was lowered to fit reachable destinations.",
		}),
		PeersKnown: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "peers",
			Help:      "Peers in the directory by liveness state.",
		}, []string{"state"}),
		TransportSends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transport_sends_total",
			Help:      "Peer sends by transport and result.",
		}, []string{"transport", "result"}),
		DHTRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dht_requests_total",
			Help:      "DHT operations by kind and result.",
		}, []string{"op", "result"}),
		SchedulerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "scheduler_state",
			Help:      "Sync scheduler state: 0 idle, 1 evaluating, 2 syncing, 3 backoff.",
		}),
		SyncRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_runs_total",
			Help:      "Sync passes by result.",
		}, []string{"result"}),
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Storage API requests.",
		}, []string{"method", "route", "status"}),
		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Storage API request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}

	reg.MustRegister(
		r.FilesStored, r.FileOps, r.OpDuration, r.ShardsPlaced, r.PlacementFailed, r.PolicyDegraded,
		r.PeersKnown, r.TransportSends, r.DHTRequests, r.SchedulerState, r.SyncRuns,
		r.RequestsTotal, r.RequestDuration,
	)
	return r
}

// Register adds an extra collector, such as the badger engine gauges.
func (r *Registry) Register(c prometheus.Collector) error {
	return r.registry.Register(c)
}

// Registerer exposes the underlying registerer.
func (r *Registry) Registerer() prometheus.Registerer {
	return r.registry
}

// Handler serves this registry in the Prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}

// Handler serves the global registry.
func Handler() http.Handler {
	return Global().Handler()
}

// RecordFileOp counts one engine operation and its latency.
func (r *Registry) RecordFileOp(op, result string, seconds float64) {
	r.FileOps.WithLabelValues(op, result).Inc()
	r.OpDuration.WithLabelValues(op).Observe(seconds)
}

// RecordRequest counts one Storage API request.
func (r *Registry) RecordRequest(method, route, status string, seconds float64) {
	r.RequestsTotal.WithLabelValues(method, route, status).Inc()
	r.RequestDuration.WithLabelValues(method, route).Observe(seconds)
}

// SetPeers replaces the per-state peer gauges.
func (r *Registry) SetPeers(byState map[string]int) {
	r.PeersKnown.Reset()
	for state, n := range byState {
		r.PeersKnown.WithLabelValues(state).Set(float64(n))
	}
}
