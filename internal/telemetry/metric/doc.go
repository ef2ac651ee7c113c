// Package metric provides the Prometheus metrics of a shardmesh node.
//
//   - prometheus.go: registry, typed recording helpers and the /metrics handler
//   - collector.go: collector that reads tier allocations on scrape
//
// Metric names are prefixed with shardmesh_.
package metric
