// Package peer maintains the merged view of storage peers seen over every
// proximity transport and routes shard traffic to them.
//
// Each adapter gets its own discovery loop. Results are merged into one
// table keyed by node id; a peer is reachable via the union of transports
// that have seen it recently. Entries age through Discovered, Reachable,
// Stale and finally Unreachable, at which point they are evicted.
package peer

import (
	"context"
	"log/slog"
	"maps"
	"math/rand"
	"slices"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/yndnr/shardmesh-go/internal/core/domain"
	"github.com/yndnr/shardmesh-go/internal/transport"
	"github.com/yndnr/shardmesh-go/pkg/cmap"
)

// Config configures a Directory.
type Config struct {
	// LocalID is this node's id. Self-sightings are ignored.
	LocalID string

	StaleAfter       time.Duration
	UnreachableAfter time.Duration
	SweepInterval    time.Duration

	// Discovery runs every FastInterval for FastPhase after start, then
	// every Interval. The first round waits a random delay up to
	// InitialJitter.
	DiscoverTimeout time.Duration
	FastInterval    time.Duration
	FastPhase       time.Duration
	Interval        time.Duration
	InitialJitter   time.Duration

	InboxSize int
	Logger    *slog.Logger
	Now       func() time.Time
}

// DefaultConfig returns production timings.
func DefaultConfig(localID string) Config {
	return Config{
		LocalID:          localID,
		StaleAfter:       domain.DefaultStaleAfter,
		UnreachableAfter: domain.DefaultUnreachableAfter,
		SweepInterval:    5 * time.Second,
		DiscoverTimeout:  2 * time.Second,
		FastInterval:     5 * time.Second,
		FastPhase:        30 * time.Second,
		Interval:         30 * time.Second,
		InitialJitter:    3 * time.Second,
		InboxSize:        256,
	}
}

type entry struct {
	node domain.PeerNode
	seen map[transport.Kind]time.Time
}

// Directory is the peer table.
type Directory struct {
	cfg      Config
	registry *transport.Registry
	logger   *slog.Logger

	peers   *cmap.Map[string, entry]
	evicted *cmap.Map[string, time.Time]
	local   atomic.Pointer[transport.LocalMetadata]

	inbox   chan transport.Message
	changes chan struct{}
}

// NewDirectory creates a directory over the adapters in registry.
func NewDirectory(registry *transport.Registry, cfg Config) *Directory {
	def := DefaultConfig(cfg.LocalID)
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = def.StaleAfter
	}
	if cfg.UnreachableAfter <= cfg.StaleAfter {
		cfg.UnreachableAfter = max(def.UnreachableAfter, 2*cfg.StaleAfter)
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = def.SweepInterval
	}
	if cfg.DiscoverTimeout <= 0 {
		cfg.DiscoverTimeout = def.DiscoverTimeout
	}
	if cfg.FastInterval <= 0 {
		cfg.FastInterval = def.FastInterval
	}
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.InboxSize <= 0 {
		cfg.InboxSize = def.InboxSize
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return &Directory{
		cfg:      cfg,
		registry: registry,
		logger:   cfg.Logger.With("component", "peer-directory"),
		peers:    cmap.New[string, entry](),
		evicted:  cmap.New[string, time.Time](),
		inbox:    make(chan transport.Message, cfg.InboxSize),
		changes:  make(chan struct{}, 1),
	}
}

// LocalID returns this node's id.
func (d *Directory) LocalID() string { return d.cfg.LocalID }

// SetLocal sets the metadata advertised on every discovery round.
func (d *Directory) SetLocal(meta transport.LocalMetadata) {
	d.local.Store(&meta)
}

// Messages is the fan-in of every adapter's inbound stream.
func (d *Directory) Messages() <-chan transport.Message { return d.inbox }

// Changes fires (coalesced) when a new peer appears.
func (d *Directory) Changes() <-chan struct{} { return d.changes }

// Observe merges a sighting of peer via kind. A first sighting records the
// peer as Discovered; any later one, including after eviction, as Reachable.
func (d *Directory) Observe(p domain.PeerNode, via transport.Kind) {
	if p.NodeID == "" || p.NodeID == d.cfg.LocalID {
		return
	}
	now := d.cfg.Now()
	_, wasEvicted := d.evicted.Get(p.NodeID)

	var isNew bool
	d.peers.Update(p.NodeID, func(cur entry, exists bool) (entry, bool) {
		next := entry{node: p.Clone(), seen: maps.Clone(cur.seen)}
		if next.seen == nil {
			next.seen = make(map[transport.Kind]time.Time, 1)
		}
		next.seen[via] = now
		next.node.ReachableVia = kindsOf(next.seen)
		next.node.LastHeartbeat = now

		switch {
		case exists || wasEvicted:
			next.node.State = domain.PeerReachable
		default:
			next.node.State = domain.PeerDiscovered
			isNew = true
		}
		if exists && cur.node.State != domain.PeerReachable && cur.node.State != domain.PeerDiscovered {
			d.logger.Info("peer recovered", "peer", p.NodeID, "via", via, "was", cur.node.State)
		}
		return next, true
	})

	if wasEvicted {
		d.evicted.Delete(p.NodeID)
		isNew = true
	}
	if isNew {
		d.logger.Info("peer discovered", "peer", p.NodeID, "via", via, "role", p.Role)
		d.notify()
	}
}

// Forget removes kind from a peer's reachable set. A peer left with no
// transport is evicted.
func (d *Directory) Forget(nodeID string, via transport.Kind) {
	var gone bool
	d.peers.Update(nodeID, func(cur entry, exists bool) (entry, bool) {
		if !exists {
			return cur, false
		}
		next := entry{node: cur.node, seen: maps.Clone(cur.seen)}
		delete(next.seen, via)
		if len(next.seen) == 0 {
			gone = true
			return cur, false
		}
		next.node.ReachableVia = kindsOf(next.seen)
		return next, true
	})
	if gone {
		d.evicted.Set(nodeID, d.cfg.Now())
		d.logger.Info("peer left", "peer", nodeID, "via", via)
	}
}

// drop removes kind from a peer's reachable set after a failed send,
// without evicting it; discovery may add it back.
func (d *Directory) drop(nodeID string, via transport.Kind) {
	d.peers.Update(nodeID, func(cur entry, exists bool) (entry, bool) {
		if !exists {
			return cur, false
		}
		next := entry{node: cur.node, seen: maps.Clone(cur.seen)}
		delete(next.seen, via)
		next.node.ReachableVia = kindsOf(next.seen)
		if len(next.seen) == 0 {
			next.node.State = domain.PeerStale
		}
		return next, true
	})
}

// confirm promotes a peer after traffic proves it is alive.
func (d *Directory) confirm(nodeID string, via transport.Kind) {
	now := d.cfg.Now()
	d.peers.Update(nodeID, func(cur entry, exists bool) (entry, bool) {
		if !exists {
			return cur, false
		}
		next := entry{node: cur.node, seen: maps.Clone(cur.seen)}
		if next.seen == nil {
			next.seen = make(map[transport.Kind]time.Time, 1)
		}
		next.seen[via] = now
		next.node.ReachableVia = kindsOf(next.seen)
		next.node.LastHeartbeat = now
		next.node.State = domain.PeerReachable
		return next, true
	})
}

// Sweep ages every entry against now and evicts the ones past
// UnreachableAfter. It returns the number of stale and evicted peers.
func (d *Directory) Sweep(now time.Time) (stale, evicted int) {
	for _, id := range d.ids() {
		var gone bool
		d.peers.Update(id, func(cur entry, exists bool) (entry, bool) {
			if !exists {
				return cur, false
			}
			age := now.Sub(cur.node.LastHeartbeat)
			if age >= d.cfg.UnreachableAfter {
				gone = true
				return cur, false
			}

			next := entry{node: cur.node, seen: maps.Clone(cur.seen)}
			// Transports that went quiet stop counting once a fresher one exists.
			for kind, at := range next.seen {
				if len(next.seen) > 1 && now.Sub(at) >= d.cfg.StaleAfter {
					delete(next.seen, kind)
				}
			}
			next.node.ReachableVia = kindsOf(next.seen)
			if age >= d.cfg.StaleAfter {
				if cur.node.State != domain.PeerStale {
					d.logger.Info("peer stale", "peer", id, "silent_for", age)
				}
				next.node.State = domain.PeerStale
				stale++
			}
			return next, true
		})
		if gone {
			d.evicted.Set(id, now)
			d.logger.Info("peer unreachable, evicted", "peer", id)
			evicted++
		}
	}

	// Tombstones only need to outlive one more unreachable window.
	d.evicted.Range(func(id string, at time.Time) bool {
		if now.Sub(at) > d.cfg.UnreachableAfter {
			d.evicted.Delete(id)
		}
		return true
	})
	return stale, evicted
}

// Get returns one peer.
func (d *Directory) Get(nodeID string) (domain.PeerNode, bool) {
	e, ok := d.peers.Get(nodeID)
	if !ok {
		return domain.PeerNode{}, false
	}
	return e.node.Clone(), true
}

// Snapshot returns a copy of the table sorted by node id. Callers may keep
// and modify it freely.
func (d *Directory) Snapshot() []domain.PeerNode {
	entries := d.peers.Values()
	out := make([]domain.PeerNode, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.node.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	return out
}

// Reachable returns the live peers that have at least one up transport.
func (d *Directory) Reachable() []domain.PeerNode {
	var out []domain.PeerNode
	for _, p := range d.Snapshot() {
		if !p.IsLive() {
			continue
		}
		p.ReachableVia = slices.DeleteFunc(p.ReachableVia, func(k transport.Kind) bool {
			return !d.registry.IsUp(k)
		})
		if len(p.ReachableVia) > 0 {
			out = append(out, p)
		}
	}
	return out
}

// Classes returns the cost class of every up adapter.
func (d *Directory) Classes() map[transport.Kind]transport.Class {
	out := make(map[transport.Kind]transport.Class)
	for _, a := range d.registry.Up() {
		out[a.Kind()] = a.Class()
	}
	return out
}

// BestTransport returns the fastest up transport that reaches the peer.
func (d *Directory) BestTransport(nodeID string) (transport.Kind, error) {
	kinds, err := d.candidates(nodeID)
	if err != nil {
		return "", err
	}
	return kinds[0], nil
}

func (d *Directory) candidates(nodeID string) ([]transport.Kind, error) {
	e, ok := d.peers.Get(nodeID)
	if !ok {
		return nil, domain.ErrPeerNotFound.WithDetails(nodeID)
	}

	var kinds []transport.Kind
	for _, k := range e.node.ReachableVia {
		if d.registry.IsUp(k) {
			kinds = append(kinds, k)
		}
	}
	if len(kinds) == 0 {
		return nil, domain.ErrTransportUnavailable.WithDetails("no up transport reaches " + nodeID)
	}
	sortByRank(kinds)
	return kinds, nil
}

// Send delivers body to the peer over its best transport, falling back to
// slower ones. A transport that fails for this peer is dropped from its
// reachable set until rediscovered.
func (d *Directory) Send(ctx context.Context, nodeID string, body []byte) error {
	kinds, err := d.candidates(nodeID)
	if err != nil {
		return err
	}

	var lastErr error
	for _, kind := range kinds {
		a, ok := d.registry.Get(kind)
		if !ok {
			continue
		}
		err := a.Send(ctx, nodeID, body)
		if err == nil {
			d.confirm(nodeID, kind)
			return nil
		}
		if ctx.Err() != nil {
			return domain.ErrTimeout.WithCause(ctx.Err())
		}

		lastErr = err
		d.logger.Debug("send failed, trying next transport", "peer", nodeID, "transport", kind, "error", err)
		if domain.IsDomainError(err, domain.ErrTransportUnavailable.Code) {
			d.drop(nodeID, kind)
		}
	}
	return domain.ErrTransportUnavailable.WithDetails("all transports failed for " + nodeID).WithCause(lastErr)
}

// DiscoverOnce runs one advertise and discover round on every adapter and
// merges the results.
func (d *Directory) DiscoverOnce(ctx context.Context) {
	var wg sync.WaitGroup
	for _, a := range d.registry.All() {
		wg.Add(1)
		go func(a transport.Adapter) {
			defer wg.Done()
			d.discover(ctx, a)
		}(a)
	}
	wg.Wait()
}

func (d *Directory) discover(ctx context.Context, a transport.Adapter) {
	kind := a.Kind()
	if meta := d.local.Load(); meta != nil {
		if err := a.Advertise(ctx, *meta); err != nil {
			d.logger.Debug("advertise failed", "transport", kind, "error", err)
		}
	}

	peers, err := a.Discover(ctx, d.cfg.DiscoverTimeout)
	if err != nil {
		if ctx.Err() == nil && d.registry.IsUp(kind) {
			d.logger.Warn("transport down", "transport", kind, "error", err)
		}
		d.registry.MarkDown(kind)
		return
	}
	if !d.registry.IsUp(kind) {
		d.logger.Info("transport up", "transport", kind)
		d.registry.MarkUp(kind)
	}
	for _, p := range peers {
		d.Observe(p, kind)
	}
}

// Run starts one discovery loop and one receive loop per adapter, an event
// loop for adapters that push membership changes, and the liveness sweep.
// It blocks until ctx is cancelled.
func (d *Directory) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, a := range d.registry.All() {
		wg.Add(2)
		go func(a transport.Adapter) {
			defer wg.Done()
			d.discoveryLoop(ctx, a)
		}(a)
		go func(a transport.Adapter) {
			defer wg.Done()
			d.receiveLoop(ctx, a)
		}(a)

		if n, ok := a.(transport.Notifier); ok {
			wg.Add(1)
			go func() {
				defer wg.Done()
				d.eventLoop(ctx, n)
			}()
		}
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(d.cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				d.Sweep(d.cfg.Now())
			}
		}
	}()

	wg.Wait()
}

func (d *Directory) discoveryLoop(ctx context.Context, a transport.Adapter) {
	if d.cfg.InitialJitter > 0 {
		jitter := time.Duration(rand.Int63n(int64(d.cfg.InitialJitter)))
		select {
		case <-ctx.Done():
			return
		case <-time.After(jitter):
		}
	}
	d.discover(ctx, a)

	fastTicker := time.NewTicker(d.cfg.FastInterval)
	fastPhaseEnd := time.After(d.cfg.FastPhase)

fastLoop:
	for {
		select {
		case <-ctx.Done():
			fastTicker.Stop()
			return
		case <-fastPhaseEnd:
			fastTicker.Stop()
			break fastLoop
		case <-fastTicker.C:
			d.discover(ctx, a)
		}
	}

	ticker := time.NewTicker(d.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.discover(ctx, a)
		}
	}
}

func (d *Directory) receiveLoop(ctx context.Context, a transport.Adapter) {
	in := a.Receive()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-in:
			if !ok {
				return
			}
			if d.peers.Has(msg.From) {
				d.confirm(msg.From, msg.Kind)
			}
			select {
			case d.inbox <- msg:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (d *Directory) eventLoop(ctx context.Context, n transport.Notifier) {
	events := n.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			switch ev.Kind {
			case transport.EventJoin, transport.EventUpdate:
				d.Observe(ev.Peer, ev.Via)
			case transport.EventLeave:
				d.Forget(ev.Peer.NodeID, ev.Via)
			}
		}
	}
}

func (d *Directory) notify() {
	select {
	case d.changes <- struct{}{}:
	default:
	}
}

func (d *Directory) ids() []string {
	var ids []string
	d.peers.Range(func(id string, _ entry) bool {
		ids = append(ids, id)
		return true
	})
	return ids
}

func kindsOf(seen map[transport.Kind]time.Time) []transport.Kind {
	kinds := make([]transport.Kind, 0, len(seen))
	for k := range seen {
		kinds = append(kinds, k)
	}
	sortByRank(kinds)
	return kinds
}

func sortByRank(kinds []transport.Kind) {
	sort.Slice(kinds, func(i, j int) bool {
		return kinds[i].ThroughputRank() > kinds[j].ThroughputRank()
	})
}
