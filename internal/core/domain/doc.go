// Package domain defines the core domain models for shardmesh.
//
// Domain models are pure value objects without IO dependencies.
// This package contains:
//
//   - EncryptedBlob, Shard, WrappedShard: the per-file cryptographic artifacts
//   - Manifest: the durable placement record that makes a file recoverable
//   - PeerNode: advertised state of a reachable storage node
//   - StorageAllocation: per-tier storage budgets
//   - Errors: coded domain errors
//
// Unwrapped shards and blobs are transient and never persisted.
package domain
