package config

import (
	"time"

	"github.com/yndnr/shardmesh-go/internal/core/codec"
	"github.com/yndnr/shardmesh-go/internal/core/domain"
	"github.com/yndnr/shardmesh-go/internal/placement"
	"github.com/yndnr/shardmesh-go/internal/scheduler"
)

// Default configuration values.
const (
	DefaultHTTPAddr    = "127.0.0.1:7480"
	DefaultLocalSocket = "/var/run/shardmesh/shardmesh-node.sock"
	DefaultDHTAddr     = "0.0.0.0:7481"
	DefaultLANPort     = 7946

	DefaultDataDir         = "/var/lib/shardmesh"
	DefaultCapacity        = "64GB"
	DefaultLocalAllocation = "2GB"
	DefaultPeerAllocation  = "4GB"
	DefaultDHTAllocation   = "1GB"

	DefaultCipher        = "xchacha20-poly1305"
	DefaultMaxUploadSize = "256MB"

	DefaultLogLevel  = "info"
	DefaultLogFormat = "json"
)

// Default returns the default node configuration.
func Default() *NodeConfig {
	sched := scheduler.DefaultConfig()
	plc := placement.DefaultConfig()

	return &NodeConfig{
		Node: NodeSection{
			Role:           "always_on",
			Capacity:       DefaultCapacity,
			Network:        "ethernet",
			BatteryPercent: 100,
			Charging:       true,
		},
		Storage: StorageSection{
			DataDir:         DefaultDataDir,
			LocalAllocation: DefaultLocalAllocation,
			PeerAllocation:  DefaultPeerAllocation,
			DHTAllocation:   DefaultDHTAllocation,
			GCInterval:      "10m",
		},
		Keys: KeysSection{
			KDFTime:     codec.DefaultKDFParams.Time,
			KDFMemoryKB: codec.DefaultKDFParams.Memory,
			KDFThreads:  codec.DefaultKDFParams.Threads,
		},
		LAN: LANSection{
			Enabled:  true,
			BindAddr: "0.0.0.0",
			BindPort: DefaultLANPort,
			MDNS:     true,
			Profile:  "lan",
		},
		Peers: PeersSection{
			StaleAfter:        domain.DefaultStaleAfter,
			UnreachableAfter:  domain.DefaultUnreachableAfter,
			DiscoveryInterval: 30 * time.Second,
			FastInterval:      5 * time.Second,
			FastPhase:         30 * time.Second,
		},
		DHT: DHTSection{
			Enabled:           true,
			Addr:              DefaultDHTAddr,
			K:                 20,
			Alpha:             3,
			Replication:       20,
			QueryTimeout:      2 * time.Second,
			RepublishInterval: time.Hour,
		},
		Backend: BackendSection{
			Timeout: 60 * time.Second,
		},
		Engine: EngineSection{
			Compress:      true,
			Cipher:        DefaultCipher,
			Parallelism:   8,
			RepairPerPass: 16,
		},
		Placement: PlacementSection{
			Weights:      plc.Weights,
			BatteryFloor: plc.BatteryFloor,
			ScoreFloor:   plc.ScoreFloor,
		},
		Scheduler: SchedulerSection{
			Interval:    sched.Interval,
			BackoffBase: sched.BackoffBase,
			BackoffCap:  sched.BackoffCap,
			Policy:      sched.Policy,
		},
		Server: ServerSection{
			HTTP: HTTPConfig{
				Addr:          DefaultHTTPAddr,
				RateLimit:     50,
				RateBurst:     100,
				MaxUploadSize: DefaultMaxUploadSize,
			},
			Local: LocalConfig{
				Path: DefaultLocalSocket,
			},
		},
		Log: LogSection{
			Level:  DefaultLogLevel,
			Format: DefaultLogFormat,
		},
	}
}
