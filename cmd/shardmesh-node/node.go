package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/yndnr/shardmesh-go/internal/backend"
	"github.com/yndnr/shardmesh-go/internal/core/domain"
	"github.com/yndnr/shardmesh-go/internal/dht"
	"github.com/yndnr/shardmesh-go/internal/engine"
	"github.com/yndnr/shardmesh-go/internal/infra/confloader"
	"github.com/yndnr/shardmesh-go/internal/infra/shutdown"
	"github.com/yndnr/shardmesh-go/internal/infra/tlsroots"
	"github.com/yndnr/shardmesh-go/internal/peer"
	"github.com/yndnr/shardmesh-go/internal/scheduler"
	"github.com/yndnr/shardmesh-go/internal/server/config"
	"github.com/yndnr/shardmesh-go/internal/server/httpserver"
	"github.com/yndnr/shardmesh-go/internal/server/httpserver/handler"
	"github.com/yndnr/shardmesh-go/internal/server/localserver"
	"github.com/yndnr/shardmesh-go/internal/storage"
	"github.com/yndnr/shardmesh-go/internal/storage/localstore"
	"github.com/yndnr/shardmesh-go/internal/storage/manifest"
	"github.com/yndnr/shardmesh-go/internal/telemetry/logger"
	"github.com/yndnr/shardmesh-go/internal/telemetry/metric"
	"github.com/yndnr/shardmesh-go/internal/transport"
	"github.com/yndnr/shardmesh-go/internal/transport/lan"
	"github.com/yndnr/shardmesh-go/pkg/crypto/envelope"
)

const (
	shutdownTimeout = 30 * time.Second
	peerGaugeEvery  = 15 * time.Second
	sweepEvery      = time.Minute
)

// node owns every long-running component of one process.
type node struct {
	log    *slog.Logger
	loader *confloader.Loader

	mu  sync.Mutex
	cfg *config.NodeConfig

	// device is what the scheduler and the advertised metadata read.
	device atomic.Pointer[scheduler.DeviceState]

	nodeID    string
	nodeKey   *envelope.KeyPair
	peerAlloc *domain.StorageAllocation
	kv        *storage.BadgerEngine
	metrics   *metric.Registry

	registry  *transport.Registry
	directory *peer.Directory
	exchange  *peer.Exchange
	dhtNode   *dht.Node
	blobs     backend.BlobStore
	engine    *engine.Engine
	scheduler *scheduler.Scheduler

	limiter *httpserver.RateLimiter
	tlsPair *tlsroots.KeyPair
	api     *httpserver.Server
	local   *localserver.Server
	dhtSrv  *http.Server

	shutdown *shutdown.Handler
	started  time.Time
}

// build opens storage and constructs every component. Nothing runs yet.
func build(cfg *config.NodeConfig, loader *confloader.Loader, log *slog.Logger) (_ *node, err error) {
	n := &node{
		log:      log,
		loader:   loader,
		cfg:      cfg,
		metrics:  metric.NewRegistry(),
		shutdown: shutdown.NewHandler(shutdownTimeout, log),
		started:  time.Now(),
	}
	state := config.DeviceState(cfg)
	n.device.Store(&state)
	ctx := n.shutdown.Context()

	// Close whatever was opened when a later step fails.
	defer func() {
		if err != nil {
			_ = n.shutdown.Shutdown()
		}
	}()

	if err := os.MkdirAll(cfg.Storage.DataDir, 0o700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	if n.nodeID, err = config.ResolveNodeID(cfg, log); err != nil {
		return nil, err
	}
	n.log = log.With("node_id", n.nodeID)
	if n.nodeKey, err = envelope.EnsureKeyPair(config.NodeKeyPath(cfg)); err != nil {
		return nil, fmt.Errorf("node key: %w", err)
	}

	if n.kv, err = storage.NewBadgerEngine(config.ToKVConfig(cfg), n.log); err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	n.kv.RegisterMetrics(n.metrics.Registerer())
	n.shutdown.OnShutdown("store", func(context.Context) error { return n.kv.Close() })

	allocs, err := config.Allocations(cfg)
	if err != nil {
		return nil, err
	}
	n.peerAlloc = allocs[domain.TierPeer]
	local, err := localstore.New(ctx, n.kv, allocs[domain.TierLocal], n.log)
	if err != nil {
		return nil, fmt.Errorf("open local tier: %w", err)
	}
	held, err := localstore.NewHeld(ctx, n.kv, allocs[domain.TierPeer], n.log)
	if err != nil {
		return nil, fmt.Errorf("open peer tier: %w", err)
	}

	if err := n.buildMesh(cfg, held); err != nil {
		return nil, err
	}
	if err := n.buildDHT(ctx, cfg, allocs[domain.TierDHT]); err != nil {
		return nil, err
	}
	if n.blobs, err = config.NewBackend(cfg); err != nil {
		return nil, fmt.Errorf("backend: %w", err)
	}

	key, err := config.LoadUserKey(cfg)
	if err != nil {
		return nil, err
	}
	if key == nil {
		n.log.Warn("no user secret configured, this node only holds shards for others")
	} else {
		defer key.Wipe()
	}

	ecfg, err := config.ToEngineConfig(cfg, n.nodeID, n.log)
	if err != nil {
		return nil, err
	}
	ecfg.Metrics = n.metrics
	deps := engine.Deps{
		KV:          n.kv,
		NodeKey:     n.nodeKey,
		Manifests:   manifest.NewStore(n.kv, n.log),
		Local:       local,
		Backend:     n.blobs,
		Allocations: allocs,
	}
	if n.exchange != nil {
		deps.Peers = n.exchange
	}
	if n.dhtNode != nil {
		deps.DHT = n.dhtNode
	}
	if n.engine, err = engine.New(ctx, key, deps, ecfg); err != nil {
		return nil, fmt.Errorf("init engine: %w", err)
	}
	if err := n.metrics.Register(metric.NewAllocationCollector(n.engine.AllocationSamples)); err != nil {
		return nil, fmt.Errorf("register allocation metrics: %w", err)
	}

	n.scheduler = scheduler.New(n.engine, config.ToSchedulerConfig(cfg, n.readDevice, n.log))

	if err := n.buildServers(cfg); err != nil {
		return nil, err
	}
	return n, nil
}

// buildMesh sets up the LAN transport, the peer directory and the shard
// exchange. Short-range and ad-hoc radios need platform drivers and are
// not started by this binary.
func (n *node) buildMesh(cfg *config.NodeConfig, held *localstore.Store) error {
	if !cfg.LAN.Enabled {
		return nil
	}
	n.registry = transport.NewRegistry()
	adapter, err := lan.New(config.ToLANConfig(cfg, n.nodeID, n.log))
	if err != nil {
		return fmt.Errorf("lan transport: %w", err)
	}
	if err := n.registry.Register(adapter); err != nil {
		_ = adapter.Close()
		return err
	}
	n.shutdown.OnShutdown("transports", func(context.Context) error { return n.registry.Close() })

	n.directory = peer.NewDirectory(n.registry, config.ToDirectoryConfig(cfg, n.nodeID, n.log))
	n.directory.SetLocal(n.metadata())
	n.exchange = peer.NewExchange(n.directory, n.nodeKey, held, n.log)
	return nil
}

func (n *node) buildDHT(ctx context.Context, cfg *config.NodeConfig, alloc *domain.StorageAllocation) error {
	if !cfg.DHT.Enabled {
		return nil
	}
	self := dht.Contact{ID: dht.NodeIDFromPublicKey(n.nodeKey.Public[:]), Addr: config.DHTAdvertise(cfg)}
	node, err := dht.New(ctx, self, n.kv, config.ToDHTConfig(cfg, alloc, n.log))
	if err != nil {
		return err
	}
	n.dhtNode = node

	mux := http.NewServeMux()
	mux.Handle(node.Handler())
	n.dhtSrv = &http.Server{
		Addr:              cfg.DHT.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          slog.NewLogLogger(n.log.Handler(), slog.LevelWarn),
	}
	n.shutdown.OnShutdown("dht server", n.dhtSrv.Shutdown)
	return nil
}

func (n *node) buildServers(cfg *config.NodeConfig) error {
	h := cfg.Server.HTTP
	var peers handler.PeerLister
	if n.directory != nil {
		peers = n.directory
	}
	api := handler.New(handler.Config{
		Engine:         n.engine,
		Peers:          peers,
		Defaults:       config.DefaultStoreOptions(cfg),
		MaxUploadBytes: config.MaxUploadBytes(cfg),
		Ready:          n.ready,
		Logger:         n.log,
	})

	if h.Addr != "" {
		if h.RateLimit > 0 {
			n.limiter = httpserver.NewRateLimiter(h.RateLimit, h.RateBurst)
		}
		var blobs http.Handler
		if cfg.Backend.Serve && n.blobs != nil {
			blobs = backend.Handler(n.blobs, cfg.Backend.Token, n.log)
		}
		router := httpserver.NewRouter(&httpserver.RouterConfig{
			API:         api,
			Blobs:       blobs,
			Metrics:     n.metrics,
			TokenHash:   h.TokenHash,
			RateLimiter: n.limiter,
			AllowList:   h.AllowList,
			CORSOrigins: h.CORSOrigins,
			Logger:      n.log,
		})

		opts := []httpserver.Option{httpserver.WithLogger(n.log)}
		if h.TLSCertFile != "" {
			kp, err := tlsroots.LoadKeyPair(h.TLSCertFile, h.TLSKeyFile, tlsroots.WithLogger(n.log))
			if err != nil {
				return fmt.Errorf("server.http tls: %w", err)
			}
			n.tlsPair = kp
			opts = append(opts, httpserver.WithTLS(kp))
		}
		n.api = httpserver.New(h.Addr, router, opts...)
		n.shutdown.OnShutdown("http server", n.api.Shutdown)
	}

	if p := cfg.Server.Local.Path; p != "" {
		admin := localserver.NewHandler(api, localserver.Admin{
			Reload: n.reload,
			Shutdown: func() {
				go func() { _ = n.shutdown.Shutdown() }()
			},
			Config: func() any {
				n.mu.Lock()
				defer n.mu.Unlock()
				return config.Sanitize(n.cfg)
			},
			Started: n.started,
		})
		n.local = localserver.New(p, admin, n.log)
		n.shutdown.OnShutdown("admin socket", n.local.Shutdown)
	}
	return nil
}

// run starts the servers and background loops and blocks until shutdown.
func (n *node) run() error {
	ctx := n.shutdown.Context()
	var wg sync.WaitGroup
	goLoop := func(name string, fn func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn(ctx)
			n.log.Debug("loop stopped", "loop", name)
		}()
	}
	// Runs before the hooks registered in build: no loop outlives the store.
	n.shutdown.OnShutdown("background loops", func(context.Context) error {
		wg.Wait()
		return nil
	})

	if n.dhtSrv != nil {
		ln, err := net.Listen("tcp", n.dhtSrv.Addr)
		if err != nil {
			return n.fail(fmt.Errorf("dht listen: %w", err))
		}
		go n.serve("dht server", func() error { return n.dhtSrv.Serve(ln) })
		n.log.Info("dht server listening", "addr", ln.Addr().String(), "advertise", n.dhtNode.Self().Addr)
	}
	if n.api != nil {
		ln, err := net.Listen("tcp", n.cfg.Server.HTTP.Addr)
		if err != nil {
			return n.fail(fmt.Errorf("http listen: %w", err))
		}
		go n.serve("http server", func() error { return n.api.Serve(ln) })
		n.log.Info("storage api listening", "addr", ln.Addr().String(), "tls", n.tlsPair != nil)
	}
	if n.local != nil {
		ln, err := n.local.Listen()
		if err != nil {
			return n.fail(fmt.Errorf("admin socket: %w", err))
		}
		go n.serve("admin socket", func() error { return n.local.Serve(ln) })
	}

	if n.tlsPair != nil {
		goLoop("tls reload", func(ctx context.Context) {
			if err := n.tlsPair.Run(ctx); err != nil {
				n.log.Error("certificate watcher stopped", "error", err)
			}
		})
	}
	if n.directory != nil {
		goLoop("peer directory", n.directory.Run)
		goLoop("peer exchange", n.exchange.Run)
		goLoop("peer gauge", n.reportPeers)
	}
	if n.dhtNode != nil {
		seeds := config.DHTSeeds(n.cfg)
		goLoop("dht", func(ctx context.Context) {
			if err := n.dhtNode.Bootstrap(ctx, seeds); err != nil {
				n.log.Warn("dht bootstrap incomplete, global tier unavailable until a seed answers", "error", err)
			}
			n.dhtNode.Run(ctx)
		})
	}
	if n.limiter != nil {
		goLoop("rate limiter sweep", n.sweepLimiter)
	}

	var triggers []<-chan struct{}
	if n.directory != nil {
		triggers = append(triggers, n.directory.Changes())
	}
	goLoop("scheduler", func(ctx context.Context) { n.scheduler.Run(ctx, triggers...) })
	n.scheduler.Trigger()

	if path := n.loader.FilePath(); path != "" {
		if err := n.watchConfig(path); err != nil {
			n.log.Warn("config hot reload disabled", "error", err)
		}
	}

	n.log.Info("node started")
	if err := n.shutdown.Wait(); err != nil {
		n.log.Error("shutdown error", "error", err)
		return err
	}
	n.log.Info("node stopped")
	return nil
}

func (n *node) serve(name string, fn func() error) {
	if err := fn(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		n.log.Error("server failed", "server", name, "error", err)
		_ = n.shutdown.Shutdown()
	}
}

func (n *node) fail(err error) error {
	_ = n.shutdown.Shutdown()
	return err
}

// ready fails until the store is open and, when the DHT is enabled, until
// the node has joined it.
func (n *node) ready() error {
	if n.dhtNode != nil && !n.dhtNode.Available() {
		return domain.ErrTransportUnavailable.WithDetails("dht not joined")
	}
	return nil
}

func (n *node) readDevice() scheduler.DeviceState {
	return *n.device.Load()
}

// metadata is what this node advertises. Its capacity is the free part of
// the budget offered to peers.
func (n *node) metadata() transport.LocalMetadata {
	d := n.readDevice()
	allocated, used := n.peerAlloc.Snapshot()
	return transport.LocalMetadata{
		NodeID:    n.nodeID,
		Role:      d.Role,
		Capacity:  max(allocated-used, 0),
		Battery:   d.Battery,
		PublicKey: n.nodeKey.Public[:],
	}
}

func (n *node) reportPeers(ctx context.Context) {
	ticker := time.NewTicker(peerGaugeEvery)
	defer ticker.Stop()
	for {
		byState := make(map[string]int)
		for _, p := range n.directory.Snapshot() {
			byState[string(p.State)]++
		}
		n.metrics.SetPeers(byState)
		n.directory.SetLocal(n.metadata())

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (n *node) sweepLimiter(ctx context.Context) {
	ticker := time.NewTicker(sweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n.limiter.Sweep()
		}
	}
}

// watchConfig reloads the file whenever it changes on disk.
func (n *node) watchConfig(path string) error {
	w, err := confloader.NewWatcher(confloader.WithWatcherLogger(n.log))
	if err != nil {
		return err
	}
	if err := w.Watch(path); err != nil {
		_ = w.Stop()
		return err
	}
	w.OnChange(func(string) {
		if err := n.reload(); err != nil {
			n.log.Error("config reload rejected", "error", err)
		}
	})
	w.StartAsync()
	n.shutdown.OnShutdown("config watcher", func(context.Context) error { return w.Stop() })
	return nil
}

// reload applies the settings that can change without a restart: log
// level, scheduler policy and the device's power and network state.
// Everything else is read once at start.
func (n *node) reload() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	cfg, err := loadConfig(n.loader)
	if err != nil {
		return err
	}
	if err := logger.SetLevel(cfg.Log.Level); err != nil {
		return err
	}
	n.scheduler.SetPolicy(cfg.Scheduler.Policy)
	state := config.DeviceState(cfg)
	n.device.Store(&state)
	n.cfg = cfg

	if n.directory != nil {
		n.directory.SetLocal(n.metadata())
	}
	n.scheduler.Trigger()
	n.log.Info("configuration reloaded", "log_level", cfg.Log.Level, "role", state.Role, "network", state.Network)
	return nil
}
