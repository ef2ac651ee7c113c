package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/yndnr/shardmesh-go/internal/core/domain"
	"github.com/yndnr/shardmesh-go/internal/infra/confloader"
	"github.com/yndnr/shardmesh-go/pkg/token"
)

func testConfig(t *testing.T) *NodeConfig {
	t.Helper()
	cfg := Default()
	cfg.Storage.DataDir = t.TempDir()
	return cfg
}

func TestDefault_Verifies(t *testing.T) {
	if err := Verify(testConfig(t)); err != nil {
		t.Fatalf("Verify(Default()) error = %v", err)
	}
}

func TestDefault_Values(t *testing.T) {
	cfg := Default()
	if cfg.Server.HTTP.Addr != DefaultHTTPAddr {
		t.Errorf("HTTP.Addr = %q", cfg.Server.HTTP.Addr)
	}
	if cfg.Node.Role != string(domain.RoleAlwaysOn) {
		t.Errorf("Node.Role = %q", cfg.Node.Role)
	}
	if cfg.Peers.StaleAfter != domain.DefaultStaleAfter {
		t.Errorf("Peers.StaleAfter = %v", cfg.Peers.StaleAfter)
	}
	if cfg.Scheduler.Policy.BatteryThreshold != 50 {
		t.Errorf("Policy.BatteryThreshold = %d", cfg.Scheduler.Policy.BatteryThreshold)
	}
}

func TestVerify(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*NodeConfig)
		wantErr string
	}{
		{"unknown role", func(c *NodeConfig) { c.Node.Role = "server" }, "node.role"},
		{"bad capacity", func(c *NodeConfig) { c.Node.Capacity = "lots" }, "node.capacity"},
		{"unknown network", func(c *NodeConfig) { c.Node.Network = "satellite" }, "node.network"},
		{"battery over 100", func(c *NodeConfig) { c.Node.BatteryPercent = 140 }, "battery_percent"},
		{"empty data dir", func(c *NodeConfig) { c.Storage.DataDir = "" }, "storage.data_dir"},
		{"local allocation over role bound", func(c *NodeConfig) {
			c.Node.Role = "mobile"
			c.Storage.LocalAllocation = "20GB"
		}, "storage.local_allocation"},
		{"local allocation under minimum", func(c *NodeConfig) { c.Storage.LocalAllocation = "10MB" }, "storage.local_allocation"},
		{"bad peer allocation", func(c *NodeConfig) { c.Storage.PeerAllocation = "x" }, "storage.peer_allocation"},
		{"lan port", func(c *NodeConfig) { c.LAN.BindPort = 70000 }, "lan.bind_port"},
		{"lan profile", func(c *NodeConfig) { c.LAN.Profile = "wan" }, "lan.profile"},
		{"dht addr", func(c *NodeConfig) { c.DHT.Addr = "nohostport" }, "dht.addr"},
		{"dht alpha over k", func(c *NodeConfig) { c.DHT.Alpha = 30 }, "dht.alpha"},
		{"backend kind", func(c *NodeConfig) { c.Backend.Kind = "s3" }, "backend.kind"},
		{"backend dir missing", func(c *NodeConfig) { c.Backend.Kind = BackendDir }, "backend.dir"},
		{"backend endpoint", func(c *NodeConfig) {
			c.Backend.Kind = BackendHTTP
			c.Backend.Endpoint = "ftp://store"
		}, "backend.endpoint"},
		{"serve without backend", func(c *NodeConfig) { c.Backend.Serve = true }, "backend.serve"},
		{"cipher", func(c *NodeConfig) { c.Engine.Cipher = "rot13" }, "engine.cipher"},
		{"policy", func(c *NodeConfig) {
			c.Engine.Threshold = 4
			c.Engine.Total = 3
		}, "4-of-3"},
		{"zero weights", func(c *NodeConfig) {
			c.Placement.Weights.Capacity, c.Placement.Weights.Availability, c.Placement.Weights.Power, c.Placement.Weights.Transport = 0, 0, 0, 0
		}, "placement.weights"},
		{"defer bounds", func(c *NodeConfig) { c.Scheduler.Policy.DeferMin = time.Hour }, "defer_min"},
		{"no endpoints", func(c *NodeConfig) {
			c.Server.HTTP.Addr = ""
			c.Server.Local.Path = ""
		}, "server:"},
		{"half tls", func(c *NodeConfig) { c.Server.HTTP.TLSCertFile = "cert.pem" }, "tls_cert_file"},
		{"public without token", func(c *NodeConfig) { c.Server.HTTP.Addr = "0.0.0.0:7480" }, "token_hash"},
		{"allow list entry", func(c *NodeConfig) { c.Server.HTTP.AllowList = []string{"10.0.0.0/8", "lan"} }, "allow_list"},
		{"log level", func(c *NodeConfig) { c.Log.Level = "loud" }, "log.level"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(t)
			tt.mutate(cfg)
			err := Verify(cfg)
			if err == nil {
				t.Fatalf("Verify() error = nil, want %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Verify() error = %v, want mention of %q", err, tt.wantErr)
			}
		})
	}
}

func TestVerify_PublicWithToken(t *testing.T) {
	cfg := testConfig(t)
	cfg.Server.HTTP.Addr = "0.0.0.0:7480"
	cfg.Server.HTTP.TokenHash = token.Hash("smbt_example")
	if err := Verify(cfg); err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
}

func TestSanitize(t *testing.T) {
	cfg := Default()
	cfg.Backend.Token = "backend-secret-1234567890"
	cfg.Server.HTTP.TokenHash = token.Hash("smbt_example")

	s := Sanitize(cfg)
	if s.Backend.Token == cfg.Backend.Token || !strings.HasPrefix(s.Backend.Token, "ba") {
		t.Errorf("Backend.Token = %q", s.Backend.Token)
	}
	if s.Server.HTTP.TokenHash == cfg.Server.HTTP.TokenHash {
		t.Error("TokenHash not masked")
	}
	if cfg.Backend.Token != "backend-secret-1234567890" {
		t.Error("Sanitize modified the original")
	}
	if got := maskSecret("abc"); got != "****" {
		t.Errorf("maskSecret(abc) = %q", got)
	}
}

func TestParseSize(t *testing.T) {
	tests := []struct {
		in      string
		want    int64
		wantErr bool
	}{
		{"2GB", 2_000_000_000, false},
		{"2 GiB", 2 * domain.GB, false},
		{"512MiB", 512 * domain.MB, false},
		{"1024", 1024, false},
		{"", 0, true},
		{"many", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseSize(tt.in)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("ParseSize(%q) = %d, %v", tt.in, got, err)
		}
	}
}

func TestLoad_FileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "node.yaml")
	body := `
node:
  id: smnode-test
  role: intermittent
storage:
  data_dir: ` + dir + `
  local_allocation: 1GB
dht:
  seeds: ["10.0.0.2:7481", "10.0.0.3:7481"]
scheduler:
  policy:
    battery_threshold: 30
    defer_min: 1m
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("SHARDMESH_LOG__LEVEL", "debug")

	cfg := Default()
	if err := confloader.NewLoader(confloader.WithConfigFile(path)).Load(cfg); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Node.ID != "smnode-test" || cfg.Node.Role != "intermittent" {
		t.Errorf("node = %+v", cfg.Node)
	}
	if len(cfg.DHT.Seeds) != 2 {
		t.Errorf("dht.seeds = %v", cfg.DHT.Seeds)
	}
	if cfg.Scheduler.Policy.BatteryThreshold != 30 || cfg.Scheduler.Policy.DeferMin != time.Minute {
		t.Errorf("policy = %+v", cfg.Scheduler.Policy)
	}
	if cfg.Scheduler.Policy.DeferMax != 30*time.Minute {
		t.Errorf("defer_max default lost: %v", cfg.Scheduler.Policy.DeferMax)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("log.level = %q", cfg.Log.Level)
	}
	if err := Verify(cfg); err != nil {
		t.Errorf("Verify() error = %v", err)
	}
}
