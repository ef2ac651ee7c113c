// Package dht is a Kademlia-style distributed hash table holding wrapped
// shards and manifest replicas for global recovery.
//
// Nodes and keys share a 256-bit space; a node's id is the BLAKE2b-256 of
// its public key. Lookups walk toward the target in parallel batches of
// alpha queries and stop once every one of the k closest known nodes has
// answered. A put succeeds when a majority of the replica set acknowledges
// it. Nodes re-announce everything they hold when they (re)join, so data
// drifts back to its closest nodes without a coordinator.
//
// RPCs are Connect unary calls carrying JSON.
package dht

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"connectrpc.com/connect"
	"golang.org/x/time/rate"

	"github.com/yndnr/shardmesh-go/internal/core/domain"
	"github.com/yndnr/shardmesh-go/internal/storage"
)

// Config tunes a node.
type Config struct {
	// K is the bucket size and lookup width.
	K int
	// Alpha is the number of parallel queries per lookup round.
	Alpha int
	// Replication is the number of nodes a value is stored on.
	Replication int

	QueryTimeout time.Duration
	PutAttempts  int
	RetryBackoff time.Duration

	RepublishInterval time.Duration
	// RepublishRate bounds keys re-announced per second.
	RepublishRate float64

	HTTPClient connect.HTTPClient
	// Alloc is the DHT tier budget for values held for others. Optional.
	Alloc  *domain.StorageAllocation
	Logger *slog.Logger
}

// DefaultConfig returns k=20, alpha=3, R=20.
func DefaultConfig() Config {
	return Config{
		K:                 20,
		Alpha:             3,
		Replication:       20,
		QueryTimeout:      2 * time.Second,
		PutAttempts:       3,
		RetryBackoff:      200 * time.Millisecond,
		RepublishInterval: time.Hour,
		RepublishRate:     20,
	}
}

// Node is one DHT participant.
type Node struct {
	self Contact
	cfg  Config

	table        *RoutingTable
	values       *valueStore
	clients      *clientPool
	interceptors []connect.Interceptor
	limiter      *rate.Limiter
	logger       *slog.Logger
}

// New creates a node answering at self.Addr. Values are kept in kv.
func New(ctx context.Context, self Contact, kv storage.KVEngine, cfg Config) (*Node, error) {
	def := DefaultConfig()
	if cfg.K <= 0 {
		cfg.K = def.K
	}
	if cfg.Alpha <= 0 {
		cfg.Alpha = def.Alpha
	}
	if cfg.Replication <= 0 {
		cfg.Replication = def.Replication
	}
	if cfg.QueryTimeout <= 0 {
		cfg.QueryTimeout = def.QueryTimeout
	}
	if cfg.PutAttempts <= 0 {
		cfg.PutAttempts = def.PutAttempts
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = def.RetryBackoff
	}
	if cfg.RepublishInterval <= 0 {
		cfg.RepublishInterval = def.RepublishInterval
	}
	if cfg.RepublishRate <= 0 {
		cfg.RepublishRate = def.RepublishRate
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = http.DefaultClient
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	logger := cfg.Logger.With("component", "dht", "node", self.ID.Short())
	n := &Node{
		self:         self,
		cfg:          cfg,
		table:        NewRoutingTable(self.ID, cfg.K),
		values:       &valueStore{kv: kv, alloc: cfg.Alloc},
		interceptors: DefaultInterceptors(logger),
		limiter:      rate.NewLimiter(rate.Limit(cfg.RepublishRate), 1),
		logger:       logger,
	}
	n.clients = newClientPool(cfg.HTTPClient, n.interceptors)

	if cfg.Alloc != nil {
		used, err := n.values.used(ctx)
		if err != nil {
			return nil, fmt.Errorf("dht: scan held values: %w", err)
		}
		cfg.Alloc.ForceReserve(used)
	}
	return n, nil
}

// Self returns this node's contact.
func (n *Node) Self() Contact { return n.self }

// Size returns the number of known contacts.
func (n *Node) Size() int { return n.table.Size() }

// Available reports whether the node knows any other node.
func (n *Node) Available() bool { return n.table.Size() > 0 }

// Bootstrap joins the network through the seed addresses, fills the routing
// table with a self lookup and re-announces every held value.
func (n *Node) Bootstrap(ctx context.Context, seeds []string) error {
	joined := 0
	for _, addr := range seeds {
		if addr == "" || addr == n.self.Addr {
			continue
		}
		c, err := n.ping(ctx, addr)
		if err != nil {
			n.logger.Warn("bootstrap node unreachable", "addr", addr, "error", err)
			continue
		}
		n.table.Update(c)
		joined++
	}
	if joined == 0 && len(seeds) > 0 {
		return domain.ErrTransportUnavailable.WithDetails("no dht bootstrap node reachable")
	}

	res, err := n.lookup(ctx, n.self.ID, false)
	if err != nil {
		return err
	}
	n.logger.Info("joined dht", "contacts", n.table.Size(), "hops", res.hops)

	republished, err := n.Republish(ctx)
	if err != nil {
		return err
	}
	if republished > 0 {
		n.logger.Info("re-announced held values", "count", republished)
	}
	return nil
}

type lookupResult struct {
	closest []Contact
	value   []byte
	found   bool
	hops    int
}

type lookupReply struct {
	from     Contact
	contacts []Contact
	value    []byte
	found    bool
	err      error
}

// lookup walks toward target. With wantValue it stops at the first node
// that holds the key.
func (n *Node) lookup(ctx context.Context, target ID, wantValue bool) (lookupResult, error) {
	var res lookupResult

	shortlist := n.table.Closest(target, n.cfg.K)
	seen := map[ID]bool{n.self.ID: true}
	for _, c := range shortlist {
		seen[c.ID] = true
	}
	queried := make(map[ID]bool)
	var responded []Contact

	for !res.found {
		if err := ctx.Err(); err != nil {
			return res, domain.ErrTimeout.WithCause(err)
		}

		sortByDistance(target, shortlist)
		var batch []Contact
		for _, c := range shortlist[:min(len(shortlist), n.cfg.K)] {
			if !queried[c.ID] {
				batch = append(batch, c)
				if len(batch) == n.cfg.Alpha {
					break
				}
			}
		}
		if len(batch) == 0 {
			break
		}
		res.hops++

		replies := make(chan lookupReply, len(batch))
		for _, c := range batch {
			queried[c.ID] = true
			go func(c Contact) {
				if !wantValue {
					contacts, err := n.findNode(ctx, c, target)
					replies <- lookupReply{from: c, contacts: contacts, err: err}
					return
				}
				r, err := n.findValue(ctx, c, target)
				if err != nil {
					replies <- lookupReply{from: c, err: err}
					return
				}
				replies <- lookupReply{from: c, contacts: r.Contacts, value: r.Value, found: r.Found}
			}(c)
		}

		for range batch {
			r := <-replies
			if r.err != nil {
				n.table.Remove(r.from.ID)
				shortlist = withoutContact(shortlist, r.from.ID)
				continue
			}
			n.table.Update(r.from)
			responded = append(responded, r.from)
			if r.found && !res.found {
				res.found, res.value = true, r.value
			}
			for _, c := range r.contacts {
				if !seen[c.ID] && c.Addr != "" {
					seen[c.ID] = true
					shortlist = append(shortlist, c)
				}
			}
		}
	}

	sortByDistance(target, responded)
	if len(responded) > n.cfg.K {
		responded = responded[:n.cfg.K]
	}
	res.closest = responded
	return res, nil
}

// Put stores value under key on the replica set. It is retried with backoff
// until a majority acknowledges or the attempts run out.
func (n *Node) Put(ctx context.Context, key domain.ContentAddress, value []byte) error {
	if len(value) == 0 || len(value) > MaxValueSize {
		return domain.ErrInvalidArgument.WithDetails(fmt.Sprintf("dht value of %d bytes", len(value)))
	}
	id := KeyID(key)

	var lastErr error
	backoff := n.cfg.RetryBackoff
	for attempt := 1; attempt <= n.cfg.PutAttempts; attempt++ {
		lastErr = n.putOnce(ctx, id, value)
		if lastErr == nil {
			return nil
		}
		if ctx.Err() != nil {
			return domain.ErrTimeout.WithCause(ctx.Err())
		}
		n.logger.Debug("dht put failed", "key", id.Short(), "attempt", attempt, "error", lastErr)

		if attempt < n.cfg.PutAttempts {
			select {
			case <-ctx.Done():
				return domain.ErrTimeout.WithCause(ctx.Err())
			case <-time.After(backoff):
			}
			backoff *= 2
		}
	}
	return lastErr
}

func (n *Node) putOnce(ctx context.Context, id ID, value []byte) error {
	res, err := n.lookup(ctx, id, false)
	if err != nil {
		return err
	}
	targets := res.closest
	if len(targets) == 0 {
		return domain.ErrQuorumNotReached.WithDetails("no dht nodes known")
	}
	if len(targets) > n.cfg.Replication {
		targets = targets[:n.cfg.Replication]
	}

	// This node is a replica when it is among the R closest.
	includeSelf := len(targets) < n.cfg.Replication || Closer(id, n.self.ID, targets[len(targets)-1].ID)
	if includeSelf && len(targets) == n.cfg.Replication {
		targets = targets[:len(targets)-1]
	}
	replicas := len(targets)
	if includeSelf {
		replicas++
	}
	quorum := replicas/2 + 1

	var (
		mu   sync.Mutex
		acks int
		wg   sync.WaitGroup
	)
	if includeSelf {
		if err := n.values.put(ctx, id, value); err == nil {
			acks++
		} else {
			n.logger.Debug("local replica refused", "key", id.Short(), "error", err)
		}
	}
	for _, c := range targets {
		wg.Add(1)
		go func(c Contact) {
			defer wg.Done()
			if err := n.storeAt(ctx, c, id, value); err != nil {
				if connect.CodeOf(err) == connect.CodeUnavailable || connect.CodeOf(err) == connect.CodeDeadlineExceeded {
					n.table.Remove(c.ID)
				}
				return
			}
			mu.Lock()
			acks++
			mu.Unlock()
		}(c)
	}
	wg.Wait()

	if acks < quorum {
		return domain.ErrQuorumNotReached.WithDetails(fmt.Sprintf("%d of %d replicas acknowledged, need %d", acks, replicas, quorum))
	}
	n.logger.Debug("dht put", "key", id.Short(), "acks", acks, "replicas", replicas, "hops", res.hops)
	return nil
}

// Get returns the value under key from this node or the first holder a
// lookup reaches.
func (n *Node) Get(ctx context.Context, key domain.ContentAddress) ([]byte, error) {
	id := KeyID(key)
	if value, ok, err := n.values.get(ctx, id); err == nil && ok {
		return value, nil
	}

	res, err := n.lookup(ctx, id, true)
	if err != nil {
		return nil, err
	}
	if !res.found {
		return nil, domain.ErrValueNotFound.WithDetails(id.Short())
	}
	return res.value, nil
}

// Republish re-announces every held value to its current closest nodes,
// rate limited. It returns how many values were sent.
func (n *Node) Republish(ctx context.Context) (int, error) {
	var keys []ID
	err := n.values.each(ctx, func(key ID, _ []byte) bool {
		keys = append(keys, key)
		return true
	})
	if err != nil {
		return 0, err
	}

	count := 0
	for _, key := range keys {
		if err := n.limiter.Wait(ctx); err != nil {
			return count, domain.ErrTimeout.WithCause(err)
		}
		value, ok, err := n.values.get(ctx, key)
		if err != nil || !ok {
			continue
		}
		res, err := n.lookup(ctx, key, false)
		if err != nil {
			return count, err
		}
		targets := res.closest
		if len(targets) > n.cfg.Replication {
			targets = targets[:n.cfg.Replication]
		}

		var wg sync.WaitGroup
		for _, c := range targets {
			wg.Add(1)
			go func(c Contact) {
				defer wg.Done()
				n.storeAt(ctx, c, key, value)
			}(c)
		}
		wg.Wait()
		count++
	}
	return count, nil
}

// Run refreshes the routing table and republishes held values every
// RepublishInterval until ctx is cancelled.
func (n *Node) Run(ctx context.Context) {
	ticker := time.NewTicker(n.cfg.RepublishInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := n.lookup(ctx, n.self.ID, false); err != nil && ctx.Err() == nil {
				n.logger.Warn("routing refresh failed", "error", err)
			}
			if count, err := n.Republish(ctx); err != nil && ctx.Err() == nil {
				n.logger.Warn("republish failed", "error", err, "sent", count)
			}
		}
	}
}

func withoutContact(contacts []Contact, id ID) []Contact {
	out := contacts[:0]
	for _, c := range contacts {
		if c.ID != id {
			out = append(out, c)
		}
	}
	return out
}
