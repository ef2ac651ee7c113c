// Package cmap provides a sharded concurrent map keyed by strings.
//
// Keys are spread over a power-of-two number of shards with murmur3, and
// each shard has its own RWMutex. Iteration locks one shard at a time, so
// Range sees a view that may interleave with concurrent writers.
package cmap
