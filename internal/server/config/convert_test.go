package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/yndnr/shardmesh-go/internal/core/codec"
	"github.com/yndnr/shardmesh-go/internal/core/domain"
	"github.com/yndnr/shardmesh-go/internal/telemetry/logger"
)

func TestResolveNodeID(t *testing.T) {
	cfg := testConfig(t)
	log := logger.Discard()

	first, err := ResolveNodeID(cfg, log)
	if err != nil {
		t.Fatalf("ResolveNodeID() error = %v", err)
	}
	if !strings.HasPrefix(first, "smnode-") || len(first) != len("smnode-")+16 {
		t.Errorf("generated id = %q", first)
	}

	again, err := ResolveNodeID(cfg, log)
	if err != nil || again != first {
		t.Errorf("second ResolveNodeID() = %q, %v; want persisted %q", again, err, first)
	}

	cfg.Node.ID = "smnode-fixed"
	if got, _ := ResolveNodeID(cfg, log); got != "smnode-fixed" {
		t.Errorf("configured id ignored: %q", got)
	}
}

func TestLoadUserKey(t *testing.T) {
	cfg := testConfig(t)
	cfg.Keys.KDFTime, cfg.Keys.KDFMemoryKB, cfg.Keys.KDFThreads = 1, 8*1024, 1

	key, err := LoadUserKey(cfg)
	if err != nil || key != nil {
		t.Fatalf("LoadUserKey() without secret = %v, %v", key, err)
	}

	dir := cfg.Storage.DataDir
	cfg.Keys.UserSecretFile = filepath.Join(dir, "secret")
	cfg.Keys.AuxFactorFile = filepath.Join(dir, "aux")
	if err := os.WriteFile(cfg.Keys.UserSecretFile, []byte("correct horse battery staple\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(cfg.Keys.AuxFactorFile, []byte("alice@example.org"), 0o600); err != nil {
		t.Fatal(err)
	}

	key, err = LoadUserKey(cfg)
	if err != nil {
		t.Fatalf("LoadUserKey() error = %v", err)
	}
	want, err := codec.DeriveKey([]byte("correct horse battery staple"), []byte("alice@example.org"), KDFParams(cfg))
	if err != nil {
		t.Fatal(err)
	}
	if *key != want {
		t.Error("file key differs from direct derivation; trailing newline not trimmed?")
	}

	if err := os.WriteFile(cfg.Keys.UserSecretFile, []byte("\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadUserKey(cfg); err == nil {
		t.Error("LoadUserKey() with empty secret error = nil")
	}
}

func TestAllocations(t *testing.T) {
	cfg := Default()
	cfg.Node.Capacity = "100GiB"
	cfg.Storage.LocalAllocation = "2GiB"

	allocs, err := Allocations(cfg)
	if err != nil {
		t.Fatalf("Allocations() error = %v", err)
	}
	local := allocs[domain.TierLocal]
	if local == nil || local.Allocated != 2*domain.GB || local.TotalCapacity != 100*domain.GB {
		t.Errorf("local allocation = %+v", local)
	}
	if len(allocs) != 3 {
		t.Errorf("len(allocs) = %d, want 3", len(allocs))
	}
}

func TestConverters(t *testing.T) {
	cfg := Default()
	cfg.Peers.StaleAfter = 45 * time.Second
	cfg.DHT.K = 8
	cfg.DHT.Advertise = "node-a.example:7481"
	cfg.Scheduler.Interval = 0
	log := logger.Discard()

	if dc := ToDirectoryConfig(cfg, "smnode-a", log); dc.StaleAfter != 45*time.Second || dc.LocalID != "smnode-a" {
		t.Errorf("directory config = %+v", dc)
	}
	if dc := ToDHTConfig(cfg, nil, log); dc.K != 8 || dc.Alpha != 3 {
		t.Errorf("dht config K=%d Alpha=%d", dc.K, dc.Alpha)
	}
	if got := DHTAdvertise(cfg); got != "http://node-a.example:7481" {
		t.Errorf("DHTAdvertise() = %q", got)
	}
	cfg.DHT.Seeds = []string{"10.0.0.2:7481", "https://seed.example"}
	if got := DHTSeeds(cfg); got[0] != "http://10.0.0.2:7481" || got[1] != "https://seed.example" {
		t.Errorf("DHTSeeds() = %v", got)
	}
	if sc := ToSchedulerConfig(cfg, nil, log); sc.Interval != 0 || sc.BackoffCap != 30*time.Minute {
		t.Errorf("scheduler config = %+v", sc)
	}
	if kv := ToKVConfig(cfg); kv.Dir != filepath.Join(cfg.Storage.DataDir, "kv") {
		t.Errorf("kv dir = %q", kv.Dir)
	}

	ec, err := ToEngineConfig(cfg, "smnode-a", log)
	if err != nil {
		t.Fatalf("ToEngineConfig() error = %v", err)
	}
	if ec.NodeID != "smnode-a" || ec.Role != domain.RoleAlwaysOn || string(ec.Cipher) != DefaultCipher {
		t.Errorf("engine config = %+v", ec)
	}

	state := DeviceState(cfg)
	if state.Network != domain.NetworkEthernet || !state.Battery.Charging {
		t.Errorf("device state = %+v", state)
	}
	if MaxUploadBytes(cfg) != 256_000_000 {
		t.Errorf("MaxUploadBytes() = %d", MaxUploadBytes(cfg))
	}
}

func TestNewBackend(t *testing.T) {
	cfg := testConfig(t)

	store, err := NewBackend(cfg)
	if err != nil || store != nil {
		t.Fatalf("NewBackend(none) = %v, %v", store, err)
	}

	cfg.Backend.Kind = BackendDir
	cfg.Backend.Dir = filepath.Join(cfg.Storage.DataDir, "backend")
	if store, err = NewBackend(cfg); err != nil || store == nil {
		t.Fatalf("NewBackend(dir) = %v, %v", store, err)
	}

	cfg.Backend.Kind = BackendHTTP
	cfg.Backend.Endpoint = "https://blobs.example"
	cfg.Backend.CAFile = filepath.Join(cfg.Storage.DataDir, "missing-ca.pem")
	if _, err = NewBackend(cfg); err == nil {
		t.Error("NewBackend(http) with missing CA error = nil")
	}
}
