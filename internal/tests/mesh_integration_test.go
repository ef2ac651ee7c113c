// Package tests runs whole-mesh scenarios: several devices sharing a
// short-range medium, a small DHT and an HTTP backend, all in one process.
package tests

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/yndnr/shardmesh-go/internal/backend"
	"github.com/yndnr/shardmesh-go/internal/core/codec"
	"github.com/yndnr/shardmesh-go/internal/core/domain"
	"github.com/yndnr/shardmesh-go/internal/dht"
	"github.com/yndnr/shardmesh-go/internal/engine"
	"github.com/yndnr/shardmesh-go/internal/peer"
	"github.com/yndnr/shardmesh-go/internal/storage"
	"github.com/yndnr/shardmesh-go/internal/storage/localstore"
	"github.com/yndnr/shardmesh-go/internal/storage/manifest"
	"github.com/yndnr/shardmesh-go/internal/telemetry/metric"
	"github.com/yndnr/shardmesh-go/internal/transport"
	"github.com/yndnr/shardmesh-go/internal/transport/shortrange"
	"github.com/yndnr/shardmesh-go/pkg/crypto/envelope"
)

var (
	testKDF    = codec.KDFParams{Time: 1, Memory: 8 * 1024, Threads: 1}
	testSecret = []byte("correct horse battery staple")
	testAux    = []byte("device-factor")
)

// world is the shared environment every device joins.
type world struct {
	t       *testing.T
	ctx     context.Context
	cancel  context.CancelFunc
	medium  *shortrange.Medium
	dht     []*dhtNode
	blobURL string
	blobCli *http.Client
	wg      sync.WaitGroup
	devices []*device
}

type dhtNode struct {
	*dht.Node
	srv *httptest.Server
}

type device struct {
	id     string
	kv     storage.KVEngine
	key    *envelope.KeyPair
	dir    *peer.Directory
	x      *peer.Exchange
	held   *localstore.Store
	engine *engine.Engine
}

func newWorld(t *testing.T, dhtSize int) *world {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	w := &world{t: t, ctx: ctx, cancel: cancel, medium: shortrange.NewMedium()}
	t.Cleanup(w.stop)

	blobs, err := backend.NewDirStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewDirStore: %v", err)
	}
	srv := httptest.NewServer(backend.Handler(blobs, "smbt_mesh", nil))
	t.Cleanup(srv.Close)
	w.blobURL, w.blobCli = srv.URL, srv.Client()

	for i := 0; i < dhtSize; i++ {
		w.dht = append(w.dht, w.newDHTNode())
	}
	for _, n := range w.dht[1:] {
		if err := n.Bootstrap(ctx, []string{w.dht[0].srv.URL}); err != nil {
			t.Fatalf("Bootstrap: %v", err)
		}
	}
	return w
}

func (w *world) newKV() storage.KVEngine {
	w.t.Helper()
	kv, err := storage.NewBadgerEngine(storage.InMemoryKVConfig(), slog.Default())
	if err != nil {
		w.t.Fatalf("NewBadgerEngine: %v", err)
	}
	w.t.Cleanup(func() { kv.Close() })
	return kv
}

func (w *world) newDHTNode() *dhtNode {
	w.t.Helper()
	var handler http.Handler
	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		handler.ServeHTTP(rw, r)
	}))
	w.t.Cleanup(srv.Close)

	pub := make([]byte, 32)
	rand.Read(pub)
	self := dht.Contact{ID: dht.NodeIDFromPublicKey(pub), Addr: srv.URL}
	n, err := dht.New(w.ctx, self, w.newKV(), dht.Config{
		QueryTimeout:  time.Second,
		RetryBackoff:  time.Millisecond,
		RepublishRate: 1000,
		HTTPClient:    srv.Client(),
	})
	if err != nil {
		w.t.Fatalf("dht.New: %v", err)
	}
	mux := http.NewServeMux()
	mux.Handle(n.Handler())
	handler = mux
	return &dhtNode{Node: n, srv: srv}
}

// join attaches a device to the medium and starts its directory and
// exchange. A device given a user key also gets an engine bound to dhtIdx.
func (w *world) join(id string, userKey *codec.Key, dhtIdx int) *device {
	t := w.t
	t.Helper()

	kp, err := envelope.GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	d := &device{id: id, kv: w.newKV(), key: kp}

	radio := w.medium.Attach(id, 512)
	adapter := shortrange.New(radio, shortrange.Config{
		AckTimeout:    50 * time.Millisecond,
		MaxAttempts:   20,
		ReassemblyTTL: time.Second,
	})
	reg := transport.NewRegistry()
	if err := reg.Register(adapter); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { reg.Close() })

	cfg := peer.DefaultConfig(id)
	cfg.InitialJitter = 0
	d.dir = peer.NewDirectory(reg, cfg)
	d.dir.SetLocal(transport.LocalMetadata{
		NodeID:    id,
		Role:      domain.RoleAlwaysOn,
		Capacity:  domain.GB,
		Battery:   domain.BatteryState{Percent: 100, Charging: true},
		PublicKey: kp.Public[:],
	})

	d.held, err = localstore.NewHeld(w.ctx, d.kv, domain.NewStorageAllocation(domain.TierPeer, 10*domain.GB, domain.GB), nil)
	if err != nil {
		t.Fatalf("NewHeld: %v", err)
	}
	d.x = peer.NewExchange(d.dir, kp, d.held, nil)

	w.wg.Add(2)
	go func() { defer w.wg.Done(); d.dir.Run(w.ctx) }()
	go func() { defer w.wg.Done(); d.x.Run(w.ctx) }()

	local, err := localstore.New(w.ctx, d.kv, domain.NewStorageAllocation(domain.TierLocal, 10*domain.GB, domain.GB), nil)
	if err != nil {
		t.Fatalf("localstore.New: %v", err)
	}
	blobs, err := backend.NewHTTPStore(backend.HTTPConfig{Endpoint: w.blobURL, Token: "smbt_mesh", Client: w.blobCli})
	if err != nil {
		t.Fatalf("NewHTTPStore: %v", err)
	}

	cfgEngine := engine.DefaultConfig()
	cfgEngine.NodeID = id
	cfgEngine.KDF = testKDF
	cfgEngine.Metrics = metric.NewRegistry()

	d.engine, err = engine.New(w.ctx, userKey, engine.Deps{
		KV:        d.kv,
		NodeKey:   kp,
		Manifests: manifest.NewStore(d.kv, nil),
		Local:     local,
		Peers:     d.x,
		DHT:       w.dht[dhtIdx].Node,
		Backend:   blobs,
	}, cfgEngine)
	if err != nil {
		t.Fatalf("engine.New: %v", err)
	}

	// Stop the loops before anything registered above is closed.
	t.Cleanup(w.stop)

	w.devices = append(w.devices, d)
	return d
}

func (w *world) stop() {
	w.cancel()
	w.wg.Wait()
}

// settle runs discovery until every device has seen every other one.
func (w *world) settle() {
	w.t.Helper()
	for round := 0; round < 2; round++ {
		for _, d := range w.devices {
			d.dir.DiscoverOnce(w.ctx)
		}
	}
	for _, d := range w.devices {
		if got, want := len(d.dir.Reachable()), len(w.devices)-1; got != want {
			w.t.Fatalf("%s sees %d peers, want %d", d.id, got, want)
		}
	}
}

func userKey(t *testing.T) *codec.Key {
	t.Helper()
	k, err := codec.DeriveKey(testSecret, testAux, testKDF)
	if err != nil {
		t.Fatalf("DeriveKey: %v", err)
	}
	return &k
}

func payload() []byte {
	return bytes.Repeat([]byte("offline-first mesh "), 200)
}

func heldCount(t *testing.T, d *device) int {
	t.Helper()
	files, err := d.held.Files(context.Background())
	if err != nil {
		t.Fatalf("Files: %v", err)
	}
	return len(files)
}

func TestMesh_StoreRetrieveRecover(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	w := newWorld(t, 3)
	owner := w.join("owner", userKey(t), 0)
	bob := w.join("bob", nil, 1)
	carol := w.join("carol", nil, 2)
	w.settle()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	data := payload()
	res, err := owner.engine.StoreFile(ctx, data, engine.StoreOptions{})
	if err != nil {
		t.Fatalf("StoreFile: %v", err)
	}
	if res.Degraded {
		t.Errorf("store degraded with five destinations available")
	}
	if res.ReplicaPending {
		t.Errorf("manifest replica pending with the DHT up")
	}
	if len(res.Manifest.Placements) != 5 {
		t.Fatalf("placements = %d, want 5", len(res.Manifest.Placements))
	}
	tiers := make(map[domain.Tier]int)
	for _, p := range res.Manifest.Placements {
		tiers[p.Tier]++
	}
	if tiers[domain.TierPeer] == 0 || tiers[domain.TierDHT] == 0 || tiers[domain.TierBackend] == 0 {
		t.Errorf("tiers = %v, want peer, dht and backend used", tiers)
	}
	if heldCount(t, bob)+heldCount(t, carol) != tiers[domain.TierPeer] {
		t.Errorf("peers hold %d shards, manifest says %d", heldCount(t, bob)+heldCount(t, carol), tiers[domain.TierPeer])
	}

	got, err := owner.engine.RetrieveFile(ctx, res.Address)
	if err != nil {
		t.Fatalf("RetrieveFile: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatalf("RetrieveFile returned %d bytes, want %d", len(got), len(data))
	}

	st, err := owner.engine.Status(ctx, res.Address)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if !st.Recoverable || st.ShardsReachable != 5 {
		t.Errorf("status = %+v, want all 5 shards reachable", st)
	}

	// A replacement device knows only the secret and the address.
	fresh := w.join("fresh", nil, 2)
	w.settle()

	if _, err := fresh.engine.Recover(ctx, []byte("wrong secret"), testAux, res.Address); !errors.Is(err, domain.ErrCryptoFailure) {
		t.Errorf("Recover with wrong secret: %v, want ErrCryptoFailure", err)
	}
	got, err = fresh.engine.Recover(ctx, testSecret, testAux, res.Address)
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatalf("Recover returned %d bytes, want %d", len(got), len(data))
	}
}

func TestMesh_RetrieveWithPeerOutOfRange(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	w := newWorld(t, 3)
	owner := w.join("owner", userKey(t), 0)
	w.join("bob", nil, 1)
	w.join("carol", nil, 2)
	w.settle()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	data := payload()
	res, err := owner.engine.StoreFile(ctx, data, engine.StoreOptions{})
	if err != nil {
		t.Fatalf("StoreFile: %v", err)
	}

	// Both peers walk away; local, DHT and backend still cover 3-of-5.
	w.medium.SetInRange("owner", "bob", false)
	w.medium.SetInRange("owner", "carol", false)

	got, err := owner.engine.RetrieveFile(ctx, res.Address)
	if err != nil {
		t.Fatalf("RetrieveFile: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatalf("RetrieveFile returned %d bytes, want %d", len(got), len(data))
	}
}
