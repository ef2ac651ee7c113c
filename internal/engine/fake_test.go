package engine

import (
	"context"
	"errors"
	"sync"

	"github.com/yndnr/shardmesh-go/internal/core/codec"
	"github.com/yndnr/shardmesh-go/internal/core/domain"
	"github.com/yndnr/shardmesh-go/internal/storage/manifest"
	"github.com/yndnr/shardmesh-go/internal/transport"
	"github.com/yndnr/shardmesh-go/pkg/crypto/envelope"
)

type heldKey struct {
	file  domain.ContentAddress
	index uint8
}

type meshPeer struct {
	node    domain.PeerNode
	kp      *envelope.KeyPair
	online  bool
	refuses bool
	held    map[heldKey]domain.WrappedShard
}

// mesh is a set of peers shared by any number of devices.
type mesh struct {
	mu    sync.Mutex
	order []string
	peers map[string]*meshPeer
}

func newMesh() *mesh {
	return &mesh{peers: make(map[string]*meshPeer)}
}

func (m *mesh) add(id string) *meshPeer {
	kp, err := envelope.GenerateKeyPair()
	if err != nil {
		panic(err)
	}
	p := &meshPeer{
		node: domain.PeerNode{
			NodeID:             id,
			Role:               domain.RoleAlwaysOn,
			AdvertisedCapacity: domain.GB,
			Battery:            domain.BatteryState{Percent: 100, Charging: true},
			ReachableVia:       []transport.Kind{transport.KindLAN},
			PublicKey:          kp.Public[:],
			State:              domain.PeerReachable,
		},
		kp:     kp,
		online: true,
		held:   make(map[heldKey]domain.WrappedShard),
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.order = append(m.order, id)
	m.peers[id] = p
	return p
}

func (m *mesh) setOnline(id string, online bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.peers[id].online = online
}

func (m *mesh) setRefuses(id string, refuses bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.peers[id].refuses = refuses
}

func (m *mesh) holds(id string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.peers[id].held)
}

// view is the mesh as seen by one device.
func (m *mesh) view(selfID string, self *envelope.KeyPair) *meshView {
	return &meshView{mesh: m, selfID: selfID, self: self}
}

type meshView struct {
	*mesh
	selfID string
	self   *envelope.KeyPair
}

func (v *meshView) Peers() []domain.PeerNode {
	v.mu.Lock()
	defer v.mu.Unlock()
	var out []domain.PeerNode
	for _, id := range v.order {
		if p := v.peers[id]; p.online {
			out = append(out, p.node.Clone())
		}
	}
	return out
}

func (v *meshView) Classes() map[transport.Kind]transport.Class { return nil }

func (v *meshView) StoreShard(_ context.Context, peerID string, ws domain.WrappedShard) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	p, ok := v.peers[peerID]
	if !ok || !p.online {
		return domain.ErrTransportUnavailable.WithDetails(peerID)
	}
	if p.refuses {
		return domain.ErrAllocationExceeded.WithDetails(peerID)
	}
	p.held[heldKey{ws.FileID, ws.Index}] = ws
	return nil
}

func (v *meshView) FetchShard(_ context.Context, peerID string, fileID domain.ContentAddress, index uint8) (domain.WrappedShard, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	p, ok := v.peers[peerID]
	if !ok || !p.online {
		return domain.WrappedShard{}, domain.ErrTransportUnavailable.WithDetails(peerID)
	}
	ws, ok := p.held[heldKey{fileID, index}]
	if !ok {
		return domain.WrappedShard{}, domain.ErrFileNotFound
	}
	return codec.Rewrap(ws, p.kp, v.selfID, v.self.Public[:])
}

type fakeDHT struct {
	mu       sync.Mutex
	up       bool
	failGets bool
	// maxValue rejects larger values the way dht.Node does. Zero is no limit.
	maxValue int
	values   map[domain.ContentAddress][]byte
}

func newFakeDHT(up bool) *fakeDHT {
	return &fakeDHT{up: up, values: make(map[domain.ContentAddress][]byte)}
}

func (d *fakeDHT) set(up, failGets bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.up, d.failGets = up, failGets
}

func (d *fakeDHT) Available() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.up
}

func (d *fakeDHT) Put(_ context.Context, key domain.ContentAddress, value []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.up {
		return domain.ErrQuorumNotReached
	}
	if d.maxValue > 0 && len(value) > d.maxValue {
		return domain.ErrInvalidArgument.WithDetails("value too large")
	}
	d.values[key] = append([]byte(nil), value...)
	return nil
}

func (d *fakeDHT) Get(_ context.Context, key domain.ContentAddress) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.up || d.failGets {
		return nil, domain.ErrTransportUnavailable.WithDetails("lookup failed")
	}
	v, ok := d.values[key]
	if !ok {
		return nil, domain.ErrValueNotFound
	}
	return v, nil
}

func (d *fakeDHT) has(key domain.ContentAddress) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.values[key]
	return ok
}

// flakyManifests fails every Put while failPut is set.
type flakyManifests struct {
	*manifest.Store
	failPut bool
}

func (f *flakyManifests) Put(ctx context.Context, m *domain.Manifest) error {
	if f.failPut {
		return errors.New("fsync: input/output error")
	}
	return f.Store.Put(ctx, m)
}
