// Package storage defines the embedded key-value engine that every
// persistent component of a node shares.
//
// Keys are namespaced by prefix:
//
//	blob/<file_id>/<index>   wrapped shards held by the local tier
//	manifest/<file_id>       placement manifests
//	dht/<key>                values this node stores for the DHT
//	held/<file_id>/<index>   wrapped shards held for peers
//	alloc/<tier>             configured tier budgets
//	pending/<file_id>        manifests whose DHT replica is not yet pushed
package storage

import (
	"context"
)

// Key prefixes.
const (
	PrefixBlob     = "blob/"
	PrefixHeld     = "held/"
	PrefixManifest = "manifest/"
	PrefixDHT      = "dht/"
	PrefixAlloc    = "alloc/"
	PrefixPending  = "pending/"
)

// KVEngine is an embedded, thread-safe key-value store.
type KVEngine interface {
	// Get returns ErrKeyNotFound if the key does not exist.
	Get(ctx context.Context, key []byte) ([]byte, error)

	Set(ctx context.Context, key, value []byte) error

	// SetSync stores a value and returns only after it is on stable storage.
	SetSync(ctx context.Context, key, value []byte) error

	Delete(ctx context.Context, key []byte) error

	// Scan iterates over keys with a given prefix in key order.
	// The callback returns false to stop.
	Scan(ctx context.Context, prefix []byte, fn func(key, value []byte) bool) error

	// GC reclaims value-log space. Returns an estimate of bytes reclaimed.
	GC(ctx context.Context) (uint64, error)

	Stats(ctx context.Context) (*KVStats, error)

	Close() error
}

// KVStats contains storage engine statistics.
type KVStats struct {
	TotalSize        uint64
	LSMSize          uint64
	ValueLogSize     uint64
	LastGCTime       int64 // Unix milliseconds
	GCBytesReclaimed uint64
}

// KVConfig configures an embedded KV engine.
type KVConfig struct {
	// Dir is the storage directory. Ignored when InMemory is set.
	Dir string

	// InMemory keeps all data in RAM. Used by tests and ephemeral nodes.
	InMemory bool

	Badger BadgerConfig
}

// BadgerConfig contains Badger-specific tuning parameters.
type BadgerConfig struct {
	// GCInterval is the interval between automatic GC runs. Default: 10m
	GCInterval string

	// GCThreshold is the discard ratio that triggers a value-log rewrite.
	GCThreshold float64

	CacheSize          int64
	ValueLogFileSize   int64
	NumMemtables       int
	NumLevelZeroTables int

	// SyncWrites fsyncs after every write. SetSync is durable regardless.
	SyncWrites bool
}

// DefaultKVConfig returns the default KV configuration.
func DefaultKVConfig(dir string) KVConfig {
	return KVConfig{
		Dir:    dir,
		Badger: DefaultBadgerConfig(),
	}
}

// InMemoryKVConfig returns a configuration for a RAM-only engine.
func InMemoryKVConfig() KVConfig {
	cfg := DefaultKVConfig("")
	cfg.InMemory = true
	cfg.Badger.GCInterval = "1h"
	return cfg
}

// DefaultBadgerConfig returns the default Badger configuration.
func DefaultBadgerConfig() BadgerConfig {
	return BadgerConfig{
		GCInterval:         "10m",
		GCThreshold:        0.5,
		CacheSize:          64 << 20,  // 64MB
		ValueLogFileSize:   256 << 20, // 256MB
		NumMemtables:       2,
		NumLevelZeroTables: 5,
		SyncWrites:         false,
	}
}
