package config

import (
	"time"

	"github.com/yndnr/shardmesh-go/internal/placement"
	"github.com/yndnr/shardmesh-go/internal/scheduler"
)

// NodeConfig is the root configuration of shardmesh-node.
type NodeConfig struct {
	Node      NodeSection      `koanf:"node"`
	Storage   StorageSection   `koanf:"storage"`
	Keys      KeysSection      `koanf:"keys"`
	LAN       LANSection       `koanf:"lan"`
	Peers     PeersSection     `koanf:"peers"`
	DHT       DHTSection       `koanf:"dht"`
	Backend   BackendSection   `koanf:"backend"`
	Engine    EngineSection    `koanf:"engine"`
	Placement PlacementSection `koanf:"placement"`
	Scheduler SchedulerSection `koanf:"scheduler"`
	Server    ServerSection    `koanf:"server"`
	Log       LogSection       `koanf:"log"`
}

// NodeSection describes this device.
type NodeSection struct {
	// ID is the node id. Empty means generate one and persist it in the
	// data directory.
	ID string `koanf:"id"`

	// Role is always_on, intermittent or mobile.
	Role string `koanf:"role"`

	// Capacity is the device storage capacity, e.g. "500GB".
	Capacity string `koanf:"capacity"`

	// Network is the current uplink: ethernet, wifi, cellular or none.
	Network string `koanf:"network"`

	// BatteryPercent and Charging describe the power state. A device
	// without a battery reports 100 and charging.
	BatteryPercent int  `koanf:"battery_percent"`
	Charging       bool `koanf:"charging"`
}

// StorageSection configures the embedded store and tier budgets.
type StorageSection struct {
	DataDir string `koanf:"data_dir"`

	// LocalAllocation is the budget for this node's own shards.
	LocalAllocation string `koanf:"local_allocation"`
	// PeerAllocation is the budget for shards held on behalf of peers.
	PeerAllocation string `koanf:"peer_allocation"`
	// DHTAllocation is the budget for DHT values held for the network.
	DHTAllocation string `koanf:"dht_allocation"`

	SyncWrites bool   `koanf:"sync_writes"`
	GCInterval string `koanf:"gc_interval"`
}

// KeysSection locates key material.
type KeysSection struct {
	// NodeKeyFile holds the node's X25519 key pair. It is created on first
	// start.
	NodeKeyFile string `koanf:"node_key_file"`

	// UserSecretFile and AuxFactorFile feed the file key derivation. A
	// node without a user secret only holds shards for others.
	UserSecretFile string `koanf:"user_secret_file"`
	AuxFactorFile  string `koanf:"aux_factor_file"`

	KDFTime     uint32 `koanf:"kdf_time"`
	KDFMemoryKB uint32 `koanf:"kdf_memory_kb"`
	KDFThreads  uint8  `koanf:"kdf_threads"`
}

// LANSection configures the LAN transport.
type LANSection struct {
	Enabled  bool     `koanf:"enabled"`
	BindAddr string   `koanf:"bind_addr"`
	BindPort int      `koanf:"bind_port"`
	Seeds    []string `koanf:"seeds"`
	MDNS     bool     `koanf:"mdns"`
	// Profile is lan or local.
	Profile string `koanf:"profile"`
}

// PeersSection tunes the peer directory.
type PeersSection struct {
	StaleAfter        time.Duration `koanf:"stale_after"`
	UnreachableAfter  time.Duration `koanf:"unreachable_after"`
	DiscoveryInterval time.Duration `koanf:"discovery_interval"`
	FastInterval      time.Duration `koanf:"fast_interval"`
	FastPhase         time.Duration `koanf:"fast_phase"`
}

// DHTSection configures DHT participation.
type DHTSection struct {
	Enabled bool `koanf:"enabled"`

	// Addr is the listen address of the DHT RPC server.
	Addr string `koanf:"addr"`
	// Advertise is the address other nodes use. Defaults to Addr.
	Advertise string   `koanf:"advertise"`
	Seeds     []string `koanf:"seeds"`

	K           int `koanf:"k"`
	Alpha       int `koanf:"alpha"`
	Replication int `koanf:"replication"`

	QueryTimeout      time.Duration `koanf:"query_timeout"`
	RepublishInterval time.Duration `koanf:"republish_interval"`
}

// Backend kinds.
const (
	BackendNone = ""
	BackendDir  = "dir"
	BackendHTTP = "http"
)

// BackendSection configures the optional managed tier.
type BackendSection struct {
	// Kind is empty, dir or http.
	Kind string `koanf:"kind"`

	Dir string `koanf:"dir"`

	Endpoint string        `koanf:"endpoint"`
	Token    string        `koanf:"token"`
	Timeout  time.Duration `koanf:"timeout"`
	// CAFile adds a private CA for the endpoint's certificate.
	CAFile string `koanf:"ca_file"`

	// Serve exposes this node's backend store to others under /blobs/.
	Serve bool `koanf:"serve"`
}

// EngineSection tunes the storage engine.
type EngineSection struct {
	Compress bool `koanf:"compress"`
	// Cipher is aes-gcm, chacha20-poly1305 or xchacha20-poly1305.
	Cipher string `koanf:"cipher"`

	// Threshold and Total are the default sharing policy. Zero means the
	// built-in 3-of-5.
	Threshold int `koanf:"threshold"`
	Total     int `koanf:"total"`

	Parallelism   int `koanf:"parallelism"`
	RepairPerPass int `koanf:"repair_per_pass"`
}

// PlacementSection tunes peer scoring.
type PlacementSection struct {
	Weights      placement.Weights `koanf:"weights"`
	BatteryFloor int               `koanf:"battery_floor"`
	ScoreFloor   float64           `koanf:"score_floor"`
}

// SchedulerSection tunes the sync scheduler. Policy changes apply on
// config reload.
type SchedulerSection struct {
	Interval    time.Duration          `koanf:"interval"`
	BackoffBase time.Duration          `koanf:"backoff_base"`
	BackoffCap  time.Duration          `koanf:"backoff_cap"`
	Policy      scheduler.PolicyConfig `koanf:"policy"`
}

// ServerSection configures the Storage API endpoints.
type ServerSection struct {
	HTTP  HTTPConfig  `koanf:"http"`
	Local LocalConfig `koanf:"local"`
}

// HTTPConfig configures the HTTP Storage API.
type HTTPConfig struct {
	// Addr is the listen address. Empty disables the HTTP API.
	Addr        string `koanf:"addr"`
	TLSCertFile string `koanf:"tls_cert_file"`
	TLSKeyFile  string `koanf:"tls_key_file"`

	// TokenHash is the hex BLAKE2b-256 of the bearer token clients must
	// present. Empty disables authentication, which Verify only allows on
	// loopback addresses.
	TokenHash string `koanf:"token_hash"`

	// RateLimit is requests per second per client. Zero disables limiting.
	RateLimit float64 `koanf:"rate_limit"`
	RateBurst int     `koanf:"rate_burst"`

	MaxUploadSize string `koanf:"max_upload_size"`

	// AllowList limits clients to these IPs or CIDRs. Empty allows all.
	AllowList []string `koanf:"allow_list"`
	// CORSOrigins enables CORS for these origins; "*" allows any.
	CORSOrigins []string `koanf:"cors_origins"`
}

// LocalConfig configures the admin socket.
type LocalConfig struct {
	// Path is the unix socket path. Empty disables it.
	Path string `koanf:"path"`
}

// LogSection configures logging.
type LogSection struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}
