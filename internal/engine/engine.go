// Package engine is the storage façade of a shardmesh node.
//
// StoreFile compresses, encrypts and splits a file, wraps every shard to its
// destination and records the placement in a durable manifest. RetrieveFile
// gathers shards from whichever tiers answer and rebuilds the plaintext.
// SyncPending runs the deferred work: pushing manifest replicas to the DHT,
// keeping one shard on a global tier, and regenerating shards whose holder
// has left the mesh.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/yndnr/shardmesh-go/internal/backend"
	"github.com/yndnr/shardmesh-go/internal/core/codec"
	"github.com/yndnr/shardmesh-go/internal/core/domain"
	"github.com/yndnr/shardmesh-go/internal/dht"
	"github.com/yndnr/shardmesh-go/internal/placement"
	"github.com/yndnr/shardmesh-go/internal/storage"
	"github.com/yndnr/shardmesh-go/internal/storage/localstore"
	"github.com/yndnr/shardmesh-go/internal/telemetry/metric"
	"github.com/yndnr/shardmesh-go/internal/transport"
	"github.com/yndnr/shardmesh-go/pkg/crypto/adaptive"
	"github.com/yndnr/shardmesh-go/pkg/crypto/envelope"
)

// PeerTier moves wrapped shards to and from mesh peers.
type PeerTier interface {
	// Peers returns the live peers reachable over at least one transport.
	Peers() []domain.PeerNode
	Classes() map[transport.Kind]transport.Class
	StoreShard(ctx context.Context, peerID string, ws domain.WrappedShard) error
	// FetchShard returns the shard re-wrapped to this node's key.
	FetchShard(ctx context.Context, peerID string, fileID domain.ContentAddress, index uint8) (domain.WrappedShard, error)
}

// DHT is the global key-value tier.
type DHT interface {
	Available() bool
	Put(ctx context.Context, key domain.ContentAddress, value []byte) error
	Get(ctx context.Context, key domain.ContentAddress) ([]byte, error)
}

// ManifestStore persists manifests durably.
type ManifestStore interface {
	Put(ctx context.Context, m *domain.Manifest) error
	Get(ctx context.Context, fileID domain.ContentAddress) (*domain.Manifest, error)
	List(ctx context.Context) ([]*domain.Manifest, error)
}

// Config tunes the engine.
type Config struct {
	NodeID string
	Role   domain.Role

	Compress bool
	Cipher   adaptive.CipherType
	KDF      codec.KDFParams

	Placement placement.Config

	// Parallelism bounds concurrent shard transfers per operation.
	Parallelism int
	// RepairPerPass bounds how many files one SyncPending pass repairs.
	RepairPerPass int
	// DHTMaxValue is the largest shard the DHT tier is offered.
	DHTMaxValue int64

	Logger  *slog.Logger
	Metrics *metric.Registry
	Now     func() time.Time
}

// DefaultConfig returns compression on, XChaCha20-Poly1305 and 3-of-5.
func DefaultConfig() Config {
	return Config{
		Role:          domain.RoleAlwaysOn,
		Compress:      true,
		Cipher:        adaptive.CipherXChaCha20,
		KDF:           codec.DefaultKDFParams,
		Placement:     placement.DefaultConfig(),
		Parallelism:   8,
		RepairPerPass: 16,
		DHTMaxValue:   dht.MaxValueSize,
	}
}

// Deps are the tiers and stores the engine drives. Only KV, NodeKey and
// Manifests are required; a nil tier is treated as absent.
type Deps struct {
	KV        storage.KVEngine
	NodeKey   *envelope.KeyPair
	Manifests ManifestStore

	Local   *localstore.Store
	Peers   PeerTier
	DHT     DHT
	Backend backend.BlobStore
	// BackendID names the backend destination in manifests.
	BackendID string

	// Allocations are the budgets SetAllocation may resize, by tier.
	Allocations map[domain.Tier]*domain.StorageAllocation
}

// keyring holds everything derived from one user file key.
type keyring struct {
	file     codec.Key
	recovery *envelope.KeyPair
	manifest codec.Key
}

func newKeyring(key codec.Key) (*keyring, error) {
	recovery, err := codec.RecoveryKeyPair(key)
	if err != nil {
		return nil, err
	}
	mk, err := codec.ManifestKey(key)
	if err != nil {
		return nil, err
	}
	return &keyring{file: key, recovery: recovery, manifest: mk}, nil
}

// Engine is the StorageEngine façade.
type Engine struct {
	cfg     Config
	deps    Deps
	keys    *keyring
	alloc   *placement.Allocator
	logger  *slog.Logger
	metrics *metric.Registry

	// syncMu serializes SyncPending passes.
	syncMu sync.Mutex
}

// New creates an engine. key is the user's file key; a nil key leaves the
// engine able to hold and serve shards, and to Recover, but not to store
// or retrieve under its own identity.
func New(ctx context.Context, key *codec.Key, deps Deps, cfg Config) (*Engine, error) {
	if deps.KV == nil || deps.NodeKey == nil || deps.Manifests == nil {
		return nil, domain.ErrInvalidArgument.WithDetails("engine needs a kv store, node key and manifest store")
	}

	def := DefaultConfig()
	if cfg.Cipher == "" {
		cfg.Cipher = def.Cipher
	}
	if cfg.KDF == (codec.KDFParams{}) {
		cfg.KDF = def.KDF
	}
	if cfg.Placement == (placement.Config{}) {
		cfg.Placement = def.Placement
	}
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = def.Parallelism
	}
	if cfg.RepairPerPass <= 0 {
		cfg.RepairPerPass = def.RepairPerPass
	}
	if cfg.DHTMaxValue <= 0 {
		cfg.DHTMaxValue = def.DHTMaxValue
	}
	if cfg.Role == "" {
		cfg.Role = def.Role
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metric.Global()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if deps.BackendID == "" {
		deps.BackendID = "backend"
	}
	if deps.Allocations == nil {
		deps.Allocations = make(map[domain.Tier]*domain.StorageAllocation)
	}
	if deps.Local != nil && deps.Allocations[domain.TierLocal] == nil {
		deps.Allocations[domain.TierLocal] = deps.Local.Allocation()
	}

	e := &Engine{
		cfg:     cfg,
		deps:    deps,
		alloc:   placement.New(cfg.Placement, cfg.Logger),
		logger:  cfg.Logger.With("component", "engine"),
		metrics: cfg.Metrics,
	}
	if key != nil {
		kr, err := newKeyring(*key)
		if err != nil {
			return nil, err
		}
		e.keys = kr
	}

	if err := e.loadAllocations(ctx); err != nil {
		return nil, err
	}
	return e, nil
}

func (e *Engine) requireKey() (*keyring, error) {
	if e.keys == nil {
		return nil, domain.ErrInvalidKey.WithDetails("no user key configured")
	}
	return e.keys, nil
}

func (e *Engine) dhtUp() bool {
	return e.deps.DHT != nil && e.deps.DHT.Available()
}

// loadAllocations applies budgets persisted by SetAllocation.
func (e *Engine) loadAllocations(ctx context.Context) error {
	return e.deps.KV.Scan(ctx, []byte(storage.PrefixAlloc), func(key, value []byte) bool {
		tier := domain.Tier(string(key[len(storage.PrefixAlloc):]))
		a, ok := e.deps.Allocations[tier]
		if !ok {
			return true
		}
		n, err := strconv.ParseInt(string(value), 10, 64)
		if err != nil {
			e.logger.Warn("ignoring malformed allocation record", "tier", tier, "error", err)
			return true
		}
		if err := a.Resize(e.cfg.Role, n); err != nil {
			e.logger.Warn("stored allocation no longer within bounds", "tier", tier, "bytes", n, "error", err)
		}
		return true
	})
}

// opError normalizes an operation error. A cancelled or expired context is
// reported as ErrTimeout.
func opError(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if ctx.Err() != nil && !errors.Is(err, domain.ErrTimeout) {
		return domain.ErrTimeout.WithCause(err)
	}
	return err
}

func result(err error) string {
	if err == nil {
		return "ok"
	}
	if code := domain.GetErrorCode(err); code != "" {
		return code
	}
	return "error"
}

func (e *Engine) observe(op string, start time.Time, err error) {
	e.metrics.RecordFileOp(op, result(err), time.Since(start).Seconds())
}

func shardKey(fileID domain.ContentAddress, index uint8) domain.ContentAddress {
	return fileID.DerivedKey("shard", index)
}

func manifestKey(fileID domain.ContentAddress) domain.ContentAddress {
	return fileID.DerivedKey("manifest", 0)
}

func describe(p domain.Placement) string {
	return fmt.Sprintf("%s:%s#%d", p.Tier, p.DestinationID, p.Index)
}
