package config

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/yndnr/shardmesh-go/internal/backend"
	"github.com/yndnr/shardmesh-go/internal/core/codec"
	"github.com/yndnr/shardmesh-go/internal/core/domain"
	"github.com/yndnr/shardmesh-go/internal/dht"
	"github.com/yndnr/shardmesh-go/internal/engine"
	"github.com/yndnr/shardmesh-go/internal/infra/tlsroots"
	"github.com/yndnr/shardmesh-go/internal/peer"
	"github.com/yndnr/shardmesh-go/internal/placement"
	"github.com/yndnr/shardmesh-go/internal/scheduler"
	"github.com/yndnr/shardmesh-go/internal/storage"
	"github.com/yndnr/shardmesh-go/internal/transport/lan"
	"github.com/yndnr/shardmesh-go/pkg/crypto/adaptive"
)

// nodeIDFile stores a generated node id across restarts.
const nodeIDFile = "node_id"

// ResolveNodeID returns node.id, or the id persisted in the data directory,
// or a freshly generated one which it persists.
func ResolveNodeID(cfg *NodeConfig, logger *slog.Logger) (string, error) {
	if cfg.Node.ID != "" {
		return cfg.Node.ID, nil
	}
	path := filepath.Join(cfg.Storage.DataDir, nodeIDFile)
	if data, err := os.ReadFile(path); err == nil {
		if id := strings.TrimSpace(string(data)); id != "" {
			return id, nil
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("read node id: %w", err)
	}

	id, err := generateNodeID()
	if err != nil {
		return "", fmt.Errorf("generate node ID: %w", err)
	}
	if err := os.WriteFile(path, []byte(id+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("persist node id: %w", err)
	}
	logger.Info("generated node ID", "node_id", id)
	return id, nil
}

// generateNodeID returns "smnode-" followed by 16 hex characters.
func generateNodeID() (string, error) {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("read random bytes: %w", err)
	}
	return "smnode-" + hex.EncodeToString(buf), nil
}

// NodeKeyPath returns keys.node_key_file or its default under the data dir.
func NodeKeyPath(cfg *NodeConfig) string {
	if cfg.Keys.NodeKeyFile != "" {
		return cfg.Keys.NodeKeyFile
	}
	return filepath.Join(cfg.Storage.DataDir, "node.key")
}

// KDFParams returns the key derivation cost.
func KDFParams(cfg *NodeConfig) codec.KDFParams {
	return codec.KDFParams{Time: cfg.Keys.KDFTime, Memory: cfg.Keys.KDFMemoryKB, Threads: cfg.Keys.KDFThreads}
}

// LoadUserKey derives the file key from the configured secret files. It
// returns nil when no user secret is configured.
func LoadUserKey(cfg *NodeConfig) (*codec.Key, error) {
	if cfg.Keys.UserSecretFile == "" {
		return nil, nil
	}
	secret, err := readSecret(cfg.Keys.UserSecretFile)
	if err != nil {
		return nil, fmt.Errorf("keys.user_secret_file: %w", err)
	}
	defer clear(secret)

	var aux []byte
	if cfg.Keys.AuxFactorFile != "" {
		if aux, err = readSecret(cfg.Keys.AuxFactorFile); err != nil {
			return nil, fmt.Errorf("keys.aux_factor_file: %w", err)
		}
		defer clear(aux)
	}

	key, err := codec.DeriveKey(secret, aux, KDFParams(cfg))
	if err != nil {
		return nil, err
	}
	return &key, nil
}

func readSecret(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	data = bytes.TrimRight(data, "\r\n")
	if len(data) == 0 {
		return nil, errors.New("file is empty")
	}
	return data, nil
}

// Allocations builds the local, peer and dht tier budgets.
func Allocations(cfg *NodeConfig) (map[domain.Tier]*domain.StorageAllocation, error) {
	capacity, err := ParseSize(cfg.Node.Capacity)
	if err != nil {
		return nil, fmt.Errorf("node.capacity: %w", err)
	}
	out := make(map[domain.Tier]*domain.StorageAllocation, 3)
	for _, t := range []struct {
		tier  domain.Tier
		value string
	}{
		{domain.TierLocal, cfg.Storage.LocalAllocation},
		{domain.TierPeer, cfg.Storage.PeerAllocation},
		{domain.TierDHT, cfg.Storage.DHTAllocation},
	} {
		n, err := ParseSize(t.value)
		if err != nil {
			return nil, fmt.Errorf("%s allocation: %w", t.tier, err)
		}
		out[t.tier] = domain.NewStorageAllocation(t.tier, capacity, n)
	}
	return out, nil
}

// DeviceState is the power and network state the config describes.
func DeviceState(cfg *NodeConfig) scheduler.DeviceState {
	role, _ := domain.ParseRole(cfg.Node.Role)
	return scheduler.DeviceState{
		Role:    role,
		Battery: domain.BatteryState{Percent: cfg.Node.BatteryPercent, Charging: cfg.Node.Charging},
		Network: domain.NetworkKind(cfg.Node.Network),
	}
}

// ToKVConfig returns the badger configuration under storage.data_dir.
func ToKVConfig(cfg *NodeConfig) storage.KVConfig {
	kv := storage.DefaultKVConfig(filepath.Join(cfg.Storage.DataDir, "kv"))
	kv.Badger.SyncWrites = cfg.Storage.SyncWrites
	if cfg.Storage.GCInterval != "" {
		kv.Badger.GCInterval = cfg.Storage.GCInterval
	}
	return kv
}

// ToLANConfig returns the LAN transport configuration.
func ToLANConfig(cfg *NodeConfig, nodeID string, logger *slog.Logger) lan.Config {
	return lan.Config{
		NodeID:   nodeID,
		BindAddr: cfg.LAN.BindAddr,
		BindPort: cfg.LAN.BindPort,
		Seeds:    cfg.LAN.Seeds,
		MDNS:     cfg.LAN.MDNS,
		Profile:  cfg.LAN.Profile,
		Logger:   logger,
	}
}

// ToDirectoryConfig returns the peer directory configuration.
func ToDirectoryConfig(cfg *NodeConfig, nodeID string, logger *slog.Logger) peer.Config {
	dc := peer.DefaultConfig(nodeID)
	p := cfg.Peers
	if p.StaleAfter > 0 {
		dc.StaleAfter = p.StaleAfter
	}
	if p.UnreachableAfter > 0 {
		dc.UnreachableAfter = p.UnreachableAfter
	}
	if p.DiscoveryInterval > 0 {
		dc.Interval = p.DiscoveryInterval
	}
	if p.FastInterval > 0 {
		dc.FastInterval = p.FastInterval
	}
	if p.FastPhase > 0 {
		dc.FastPhase = p.FastPhase
	}
	dc.Logger = logger
	return dc
}

// DHTAdvertise returns the URL other DHT nodes should dial.
func DHTAdvertise(cfg *NodeConfig) string {
	if cfg.DHT.Advertise != "" {
		return dhtURL(cfg.DHT.Advertise)
	}
	return dhtURL(cfg.DHT.Addr)
}

// DHTSeeds returns dht.seeds as URLs.
func DHTSeeds(cfg *NodeConfig) []string {
	out := make([]string, 0, len(cfg.DHT.Seeds))
	for _, s := range cfg.DHT.Seeds {
		out = append(out, dhtURL(s))
	}
	return out
}

// dhtURL turns host:port into an http URL. Explicit URLs pass through.
func dhtURL(addr string) string {
	if addr == "" || strings.Contains(addr, "://") {
		return addr
	}
	return "http://" + addr
}

// ToDHTConfig returns the DHT node configuration. alloc may be nil.
func ToDHTConfig(cfg *NodeConfig, alloc *domain.StorageAllocation, logger *slog.Logger) dht.Config {
	dc := dht.DefaultConfig()
	d := cfg.DHT
	if d.K > 0 {
		dc.K = d.K
	}
	if d.Alpha > 0 {
		dc.Alpha = d.Alpha
	}
	if d.Replication > 0 {
		dc.Replication = d.Replication
	}
	if d.QueryTimeout > 0 {
		dc.QueryTimeout = d.QueryTimeout
	}
	if d.RepublishInterval > 0 {
		dc.RepublishInterval = d.RepublishInterval
	}
	dc.Alloc = alloc
	dc.Logger = logger
	return dc
}

// ToPlacementConfig returns the allocator configuration.
func ToPlacementConfig(cfg *NodeConfig) placement.Config {
	pc := placement.DefaultConfig()
	pc.Weights = cfg.Placement.Weights
	pc.BatteryFloor = cfg.Placement.BatteryFloor
	if cfg.Placement.ScoreFloor > 0 {
		pc.ScoreFloor = cfg.Placement.ScoreFloor
	}
	return pc
}

// ToSchedulerConfig returns the scheduler configuration.
func ToSchedulerConfig(cfg *NodeConfig, readDevice func() scheduler.DeviceState, logger *slog.Logger) scheduler.Config {
	sc := scheduler.DefaultConfig()
	s := cfg.Scheduler
	sc.Interval = s.Interval
	if s.BackoffBase > 0 {
		sc.BackoffBase = s.BackoffBase
	}
	if s.BackoffCap > 0 {
		sc.BackoffCap = s.BackoffCap
	}
	if s.Policy != (scheduler.PolicyConfig{}) {
		sc.Policy = s.Policy
	}
	sc.Device = readDevice
	sc.Logger = logger
	return sc
}

// ToEngineConfig returns the engine configuration.
func ToEngineConfig(cfg *NodeConfig, nodeID string, logger *slog.Logger) (engine.Config, error) {
	role, err := domain.ParseRole(cfg.Node.Role)
	if err != nil {
		return engine.Config{}, err
	}
	ec := engine.DefaultConfig()
	ec.NodeID = nodeID
	ec.Role = role
	ec.Compress = cfg.Engine.Compress
	ec.Cipher = adaptive.CipherType(cfg.Engine.Cipher)
	ec.KDF = KDFParams(cfg)
	ec.Placement = ToPlacementConfig(cfg)
	if cfg.Engine.Parallelism > 0 {
		ec.Parallelism = cfg.Engine.Parallelism
	}
	if cfg.Engine.RepairPerPass > 0 {
		ec.RepairPerPass = cfg.Engine.RepairPerPass
	}
	ec.Logger = logger
	return ec, nil
}

// DefaultStoreOptions returns the configured default sharing policy.
func DefaultStoreOptions(cfg *NodeConfig) engine.StoreOptions {
	return engine.StoreOptions{Threshold: cfg.Engine.Threshold, Total: cfg.Engine.Total}
}

// NewBackend opens the configured backend store. It returns nil when no
// backend is configured.
func NewBackend(cfg *NodeConfig) (backend.BlobStore, error) {
	b := cfg.Backend
	switch b.Kind {
	case BackendNone:
		return nil, nil
	case BackendDir:
		return backend.NewDirStore(b.Dir)
	case BackendHTTP:
		hc := backend.HTTPConfig{Endpoint: b.Endpoint, Token: b.Token, Timeout: b.Timeout}
		if b.CAFile != "" {
			tc, err := tlsroots.ClientConfig(b.CAFile)
			if err != nil {
				return nil, fmt.Errorf("backend.ca_file: %w", err)
			}
			hc.Client = &http.Client{
				Timeout:   b.Timeout,
				Transport: &http.Transport{TLSClientConfig: tc},
			}
		}
		return backend.NewHTTPStore(hc)
	}
	return nil, fmt.Errorf("backend.kind: unknown kind %q", b.Kind)
}

// MaxUploadBytes returns the upload limit of the Storage API.
func MaxUploadBytes(cfg *NodeConfig) int64 {
	n, err := ParseSize(cfg.Server.HTTP.MaxUploadSize)
	if err != nil {
		n, _ = ParseSize(DefaultMaxUploadSize)
	}
	return n
}
