package config

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"os"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/yndnr/shardmesh-go/internal/core/domain"
	"github.com/yndnr/shardmesh-go/internal/telemetry/logger"
	"github.com/yndnr/shardmesh-go/pkg/crypto/adaptive"
)

// Verify validates the configuration. All problems are reported together.
func Verify(cfg *NodeConfig) error {
	var errs []error
	errs = append(errs, verifyNode(&cfg.Node)...)
	errs = append(errs, verifyStorage(cfg)...)
	errs = append(errs, verifyLAN(&cfg.LAN)...)
	errs = append(errs, verifyDHT(&cfg.DHT)...)
	errs = append(errs, verifyBackend(&cfg.Backend)...)
	errs = append(errs, verifyEngine(&cfg.Engine)...)
	errs = append(errs, verifyPlacement(&cfg.Placement)...)
	errs = append(errs, verifyScheduler(&cfg.Scheduler)...)
	errs = append(errs, verifyServer(&cfg.Server)...)
	if _, err := logger.ParseLevel(cfg.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	return errors.Join(errs...)
}

func verifyNode(n *NodeSection) []error {
	var errs []error
	if _, err := domain.ParseRole(n.Role); err != nil {
		errs = append(errs, fmt.Errorf("node.role: %w", err))
	}
	if _, err := ParseSize(n.Capacity); err != nil {
		errs = append(errs, fmt.Errorf("node.capacity: %w", err))
	}
	switch domain.NetworkKind(n.Network) {
	case domain.NetworkNone, domain.NetworkCellular, domain.NetworkWiFi, domain.NetworkEthernet:
	default:
		errs = append(errs, fmt.Errorf("node.network: unknown network %q", n.Network))
	}
	if n.BatteryPercent < 0 || n.BatteryPercent > 100 {
		errs = append(errs, errors.New("node.battery_percent must be between 0 and 100"))
	}
	return errs
}

func verifyStorage(cfg *NodeConfig) []error {
	s := &cfg.Storage
	var errs []error
	if s.DataDir == "" {
		errs = append(errs, errors.New("storage.data_dir is required"))
	} else if err := os.MkdirAll(s.DataDir, 0o750); err != nil {
		errs = append(errs, fmt.Errorf("storage.data_dir: cannot create: %w", err))
	}

	role, rerr := domain.ParseRole(cfg.Node.Role)
	capacity, cerr := ParseSize(cfg.Node.Capacity)
	for _, f := range []struct{ key, value string }{
		{"storage.local_allocation", s.LocalAllocation},
		{"storage.peer_allocation", s.PeerAllocation},
		{"storage.dht_allocation", s.DHTAllocation},
	} {
		n, err := ParseSize(f.value)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", f.key, err))
			continue
		}
		if f.key != "storage.local_allocation" || rerr != nil || cerr != nil {
			continue
		}
		lo, hi := domain.AllocationBounds(role, capacity)
		if n < lo || n > hi {
			errs = append(errs, fmt.Errorf("%s: %s is outside %s..%s for role %s",
				f.key, f.value, humanize.IBytes(uint64(lo)), humanize.IBytes(uint64(hi)), role))
		}
	}
	return errs
}

func verifyLAN(l *LANSection) []error {
	if !l.Enabled {
		return nil
	}
	var errs []error
	if l.BindPort < 0 || l.BindPort > 65535 {
		errs = append(errs, fmt.Errorf("lan.bind_port %d out of range", l.BindPort))
	}
	if l.Profile != "" && l.Profile != "lan" && l.Profile != "local" {
		errs = append(errs, fmt.Errorf("lan.profile: unknown profile %q", l.Profile))
	}
	return errs
}

func verifyDHT(d *DHTSection) []error {
	if !d.Enabled {
		return nil
	}
	var errs []error
	if _, _, err := net.SplitHostPort(d.Addr); err != nil {
		errs = append(errs, fmt.Errorf("dht.addr: %w", err))
	}
	if d.Advertise != "" {
		if _, _, err := net.SplitHostPort(d.Advertise); err != nil {
			errs = append(errs, fmt.Errorf("dht.advertise: %w", err))
		}
	}
	if d.K < 0 || d.Alpha < 0 || d.Replication < 0 {
		errs = append(errs, errors.New("dht.k, dht.alpha and dht.replication must not be negative"))
	}
	if d.K > 0 && d.Alpha > d.K {
		errs = append(errs, fmt.Errorf("dht.alpha %d exceeds dht.k %d", d.Alpha, d.K))
	}
	return errs
}

func verifyBackend(b *BackendSection) []error {
	switch b.Kind {
	case BackendNone:
		if b.Serve {
			return []error{errors.New("backend.serve needs a backend.kind")}
		}
	case BackendDir:
		if b.Dir == "" {
			return []error{errors.New("backend.dir is required for a dir backend")}
		}
	case BackendHTTP:
		if !strings.HasPrefix(b.Endpoint, "http://") && !strings.HasPrefix(b.Endpoint, "https://") {
			return []error{fmt.Errorf("backend.endpoint %q must be an http(s) URL", b.Endpoint)}
		}
	default:
		return []error{fmt.Errorf("backend.kind: unknown kind %q", b.Kind)}
	}
	return nil
}

func verifyEngine(e *EngineSection) []error {
	var errs []error
	switch adaptive.CipherType(e.Cipher) {
	case adaptive.CipherAESGCM, adaptive.CipherChaCha20, adaptive.CipherXChaCha20:
	default:
		errs = append(errs, fmt.Errorf("engine.cipher: unknown cipher %q", e.Cipher))
	}
	if e.Threshold != 0 || e.Total != 0 {
		if e.Threshold < 1 || e.Total < e.Threshold || e.Total > 255 {
			errs = append(errs, fmt.Errorf("engine: policy %d-of-%d is invalid", e.Threshold, e.Total))
		}
	}
	if e.Parallelism < 0 || e.RepairPerPass < 0 {
		errs = append(errs, errors.New("engine.parallelism and engine.repair_per_pass must not be negative"))
	}
	return errs
}

func verifyPlacement(p *PlacementSection) []error {
	w := p.Weights
	if w.Capacity < 0 || w.Availability < 0 || w.Power < 0 || w.Transport < 0 {
		return []error{errors.New("placement.weights must not be negative")}
	}
	if w.Capacity+w.Availability+w.Power+w.Transport == 0 {
		return []error{errors.New("placement.weights must not all be zero")}
	}
	if p.BatteryFloor < 0 || p.BatteryFloor > 100 {
		return []error{errors.New("placement.battery_floor must be between 0 and 100")}
	}
	return nil
}

func verifyScheduler(s *SchedulerSection) []error {
	var errs []error
	if s.Interval < 0 {
		errs = append(errs, errors.New("scheduler.interval must not be negative"))
	}
	if s.BackoffCap > 0 && s.BackoffBase > s.BackoffCap {
		errs = append(errs, errors.New("scheduler.backoff_base exceeds scheduler.backoff_cap"))
	}
	p := s.Policy
	if p.BatteryThreshold < 0 || p.BatteryThreshold > 100 {
		errs = append(errs, errors.New("scheduler.policy.battery_threshold must be between 0 and 100"))
	}
	if p.DeferMin > p.DeferMax {
		errs = append(errs, errors.New("scheduler.policy.defer_min exceeds defer_max"))
	}
	return errs
}

func verifyServer(s *ServerSection) []error {
	var errs []error
	h := &s.HTTP
	if h.Addr == "" && s.Local.Path == "" {
		errs = append(errs, errors.New("server: enable server.http.addr or server.local.path"))
	}
	if (h.TLSCertFile == "") != (h.TLSKeyFile == "") {
		errs = append(errs, errors.New("server.http: tls_cert_file and tls_key_file go together"))
	}
	if h.Addr != "" {
		host, _, err := net.SplitHostPort(h.Addr)
		if err != nil {
			errs = append(errs, fmt.Errorf("server.http.addr: %w", err))
		} else if h.TokenHash == "" && !isLoopback(host) {
			errs = append(errs, errors.New("server.http.token_hash is required when listening beyond loopback"))
		}
	}
	if h.TokenHash != "" && len(h.TokenHash) != 64 {
		errs = append(errs, errors.New("server.http.token_hash must be 64 hex characters"))
	}
	if h.RateLimit < 0 || h.RateBurst < 0 {
		errs = append(errs, errors.New("server.http.rate_limit and rate_burst must not be negative"))
	}
	if h.MaxUploadSize != "" {
		if _, err := ParseSize(h.MaxUploadSize); err != nil {
			errs = append(errs, fmt.Errorf("server.http.max_upload_size: %w", err))
		}
	}
	for _, entry := range h.AllowList {
		if _, err := netip.ParsePrefix(entry); err == nil {
			continue
		}
		if _, err := netip.ParseAddr(entry); err != nil {
			errs = append(errs, fmt.Errorf("server.http.allow_list: %q is not an IP or CIDR", entry))
		}
	}
	return errs
}

func isLoopback(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// ParseSize parses a human size such as "2GB" or "512 MiB".
func ParseSize(s string) (int64, error) {
	if s == "" {
		return 0, errors.New("size is empty")
	}
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, err
	}
	if n > 1<<62 {
		return 0, fmt.Errorf("size %s is too large", s)
	}
	return int64(n), nil
}
