// Package lan is the local-network transport: hashicorp/memberlist gossip
// for membership and heartbeats, reliable TCP user messages for payloads,
// and optional mDNS/DNS-SD to find the first seed on the segment.
package lan

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/memberlist"

	"github.com/yndnr/shardmesh-go/internal/core/domain"
	"github.com/yndnr/shardmesh-go/internal/transport"
)

// Config configures the LAN adapter.
type Config struct {
	NodeID string

	// BindAddr and BindPort are the gossip listener. Port 0 picks one.
	BindAddr string
	BindPort int

	// Seeds are gossip addresses to join at startup.
	Seeds []string

	// MDNS enables DNS-SD announcement and browsing on the segment.
	MDNS bool

	// Profile selects memberlist timing: "lan" (default) or "local".
	Profile string

	// InboxSize bounds buffered inbound messages.
	InboxSize int

	Logger *slog.Logger
}

// Adapter implements transport.Adapter over memberlist.
type Adapter struct {
	cfg    Config
	ml     *memberlist.Memberlist
	logger *slog.Logger

	meta atomic.Value // []byte

	mu     sync.RWMutex
	closed bool
	inbox  chan transport.Message
	events chan transport.Event

	mdns *responder
}

var _ transport.Adapter = (*Adapter)(nil)
var _ transport.Notifier = (*Adapter)(nil)

// New starts gossip and joins any configured seeds.
func New(cfg Config) (*Adapter, error) {
	if cfg.NodeID == "" {
		return nil, domain.ErrInvalidArgument.WithDetails("lan: node id is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.InboxSize <= 0 {
		cfg.InboxSize = 256
	}

	a := &Adapter{
		cfg:    cfg,
		logger: cfg.Logger.With("transport", "lan"),
		inbox:  make(chan transport.Message, cfg.InboxSize),
		events: make(chan transport.Event, 128),
	}
	a.meta.Store([]byte(nil))

	var mlConfig *memberlist.Config
	if cfg.Profile == "local" {
		mlConfig = memberlist.DefaultLocalConfig()
	} else {
		mlConfig = memberlist.DefaultLANConfig()
	}
	mlConfig.Name = cfg.NodeID
	mlConfig.BindAddr = cfg.BindAddr
	mlConfig.BindPort = cfg.BindPort
	mlConfig.AdvertisePort = cfg.BindPort
	mlConfig.Delegate = &delegate{adapter: a}
	mlConfig.Events = &eventDelegate{adapter: a}
	mlConfig.LogOutput = &slogWriter{logger: a.logger}

	ml, err := memberlist.Create(mlConfig)
	if err != nil {
		return nil, fmt.Errorf("create memberlist: %w", err)
	}
	a.ml = ml

	if len(cfg.Seeds) > 0 {
		n, err := ml.Join(cfg.Seeds)
		if err != nil {
			a.logger.Warn("join seeds failed", "seeds", cfg.Seeds, "error", err)
		} else {
			a.logger.Info("joined lan mesh", "seeds", cfg.Seeds, "joined_count", n)
		}
	}

	if cfg.MDNS {
		local := ml.LocalNode()
		r, err := newResponder(cfg.NodeID, local.Addr, int(local.Port), a.logger)
		if err != nil {
			a.logger.Warn("mdns responder disabled", "error", err)
		} else {
			a.mdns = r
		}
	}

	return a, nil
}

// Kind implements transport.Adapter.
func (a *Adapter) Kind() transport.Kind { return transport.KindLAN }

// Class implements transport.Adapter.
func (a *Adapter) Class() transport.Class {
	return transport.Class{Throughput: 3, PowerCost: 1}
}

// GossipAddr returns host:port of the local gossip listener.
func (a *Adapter) GossipAddr() string {
	n := a.ml.LocalNode()
	return net.JoinHostPort(n.Addr.String(), strconv.Itoa(int(n.Port)))
}

// Advertise publishes metadata to the mesh.
func (a *Adapter) Advertise(ctx context.Context, meta transport.LocalMetadata) error {
	data, err := meta.Encode()
	if err != nil {
		return err
	}
	if len(data) > memberlist.MetaMaxSize {
		return domain.ErrInvalidArgument.WithDetails(fmt.Sprintf("metadata is %d bytes, limit %d", len(data), memberlist.MetaMaxSize))
	}
	a.meta.Store(data)

	timeout := 5 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		timeout = time.Until(dl)
	}
	return a.ml.UpdateNode(timeout)
}

// Discover browses mDNS for new seeds (when enabled) and returns every live
// member that has advertised metadata.
func (a *Adapter) Discover(ctx context.Context, timeout time.Duration) ([]domain.PeerNode, error) {
	if a.cfg.MDNS {
		a.joinFromMDNS(ctx, timeout)
	}

	now := time.Now()
	var peers []domain.PeerNode
	for _, n := range a.ml.Members() {
		if n.Name == a.cfg.NodeID || n.State != memberlist.StateAlive {
			continue
		}
		meta, err := transport.DecodeMetadata(n.Meta)
		if err != nil {
			continue
		}
		peer := meta.PeerNode(transport.KindLAN, now)
		peer.Addr = net.JoinHostPort(n.Addr.String(), strconv.Itoa(int(n.Port)))
		peers = append(peers, peer)
	}
	return peers, nil
}

func (a *Adapter) joinFromMDNS(ctx context.Context, timeout time.Duration) {
	found, err := Browse(ctx, ServiceName, timeout)
	if err != nil {
		a.logger.Debug("mdns browse failed", "error", err)
		return
	}

	known := make(map[string]bool)
	for _, n := range a.ml.Members() {
		known[net.JoinHostPort(n.Addr.String(), strconv.Itoa(int(n.Port)))] = true
	}
	var fresh []string
	for _, e := range found {
		if e.NodeID != a.cfg.NodeID && !known[e.Addr()] {
			fresh = append(fresh, e.Addr())
		}
	}
	if len(fresh) == 0 {
		return
	}
	if n, err := a.ml.Join(fresh); err != nil {
		a.logger.Debug("join mdns peers failed", "peers", fresh, "error", err)
	} else {
		a.logger.Info("joined peers found via mdns", "count", n)
	}
}

// Send delivers body over memberlist's reliable TCP channel.
func (a *Adapter) Send(ctx context.Context, peerID string, body []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	var target *memberlist.Node
	for _, n := range a.ml.Members() {
		if n.Name == peerID {
			target = n
			break
		}
	}
	if target == nil {
		return transport.Unavailable(transport.KindLAN, peerID, domain.ErrPeerNotFound)
	}

	if err := a.ml.SendReliable(target, transport.EncodeFrame(a.cfg.NodeID, body)); err != nil {
		return transport.Unavailable(transport.KindLAN, peerID, err)
	}
	return nil
}

// Receive implements transport.Adapter.
func (a *Adapter) Receive() <-chan transport.Message { return a.inbox }

// Events implements transport.Notifier.
func (a *Adapter) Events() <-chan transport.Event { return a.events }

// Close leaves the mesh and stops gossip.
func (a *Adapter) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	a.mu.Unlock()

	if a.mdns != nil {
		a.mdns.Close()
	}
	if err := a.ml.Leave(time.Second); err != nil {
		a.logger.Debug("leave failed", "error", err)
	}
	err := a.ml.Shutdown()

	a.mu.Lock()
	close(a.inbox)
	close(a.events)
	a.mu.Unlock()

	if err != nil {
		return fmt.Errorf("shutdown memberlist: %w", err)
	}
	return nil
}

func (a *Adapter) deliver(msg transport.Message) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return
	}
	select {
	case a.inbox <- msg:
	default:
		a.logger.Warn("inbox full, dropping message", "from", msg.From)
	}
}

func (a *Adapter) notify(kind transport.EventKind, n *memberlist.Node) {
	if n.Name == a.cfg.NodeID {
		return
	}
	meta, err := transport.DecodeMetadata(n.Meta)
	if err != nil && kind != transport.EventLeave {
		return
	}
	peer := meta.PeerNode(transport.KindLAN, time.Now())
	peer.NodeID = n.Name
	peer.Addr = net.JoinHostPort(n.Addr.String(), strconv.Itoa(int(n.Port)))

	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return
	}
	select {
	case a.events <- transport.Event{Kind: kind, Peer: peer, Via: transport.KindLAN}:
	default:
	}
}

// delegate supplies node metadata and receives user messages.
type delegate struct {
	adapter *Adapter
}

func (d *delegate) NodeMeta(limit int) []byte {
	meta, _ := d.adapter.meta.Load().([]byte)
	if len(meta) > limit {
		return nil
	}
	return meta
}

func (d *delegate) NotifyMsg(buf []byte) {
	from, body, err := transport.DecodeFrame(buf)
	if err != nil {
		d.adapter.logger.Debug("dropping malformed frame", "error", err)
		return
	}
	d.adapter.deliver(transport.Message{From: from, Kind: transport.KindLAN, Body: body})
}

func (d *delegate) GetBroadcasts(overhead, limit int) [][]byte { return nil }

func (d *delegate) LocalState(join bool) []byte { return nil }

func (d *delegate) MergeRemoteState(buf []byte, join bool) {}

// eventDelegate turns memberlist membership changes into transport events.
type eventDelegate struct {
	adapter *Adapter
}

func (e *eventDelegate) NotifyJoin(n *memberlist.Node) {
	e.adapter.logger.Debug("node joined", "node_id", n.Name, "addr", n.Addr.String())
	e.adapter.notify(transport.EventJoin, n)
}

func (e *eventDelegate) NotifyLeave(n *memberlist.Node) {
	e.adapter.logger.Debug("node left", "node_id", n.Name)
	e.adapter.notify(transport.EventLeave, n)
}

func (e *eventDelegate) NotifyUpdate(n *memberlist.Node) {
	e.adapter.notify(transport.EventUpdate, n)
}

// slogWriter adapts slog.Logger to io.Writer for memberlist.
type slogWriter struct {
	logger *slog.Logger
}

func (w *slogWriter) Write(p []byte) (n int, err error) {
	w.logger.Debug(string(p))
	return len(p), nil
}
