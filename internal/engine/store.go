package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/yndnr/shardmesh-go/internal/core/codec"
	"github.com/yndnr/shardmesh-go/internal/core/domain"
	"github.com/yndnr/shardmesh-go/internal/placement"
)

// wrapOverhead covers the envelope header, the shard header and the JSON
// fields around the base64 envelope.
const wrapOverhead = 256

// StoreOptions override the sharing policy of one file. Zero fields take
// the default 3-of-5.
type StoreOptions struct {
	Threshold int
	Total     int
}

func (o StoreOptions) policy() (codec.Policy, error) {
	p := codec.DefaultPolicy
	switch {
	case o.Threshold == 0 && o.Total == 0:
	case o.Total == 0:
		p = codec.Policy{Threshold: o.Threshold, Total: max(o.Threshold, codec.DefaultPolicy.Total)}
	case o.Threshold == 0:
		p = codec.RecommendPolicy(o.Total)
	default:
		p = codec.Policy{Threshold: o.Threshold, Total: o.Total}
	}
	if err := p.Validate(); err != nil {
		return codec.Policy{}, err
	}
	return p, nil
}

// StoreResult describes a stored file.
type StoreResult struct {
	Address  domain.ContentAddress
	Manifest *domain.Manifest
	// Degraded is set when fewer destinations than requested were reachable.
	Degraded bool
	// ReplicaPending is set when the DHT manifest replica awaits a sync pass.
	ReplicaPending bool
}

// StoreFile encrypts data and spreads it over the tiers. The returned
// address is only valid once the manifest is durable; a manifest write
// failure is reported as ErrManifestDurability and no address is returned.
func (e *Engine) StoreFile(ctx context.Context, data []byte, opts StoreOptions) (res *StoreResult, err error) {
	start := time.Now()
	defer func() { e.observe("store", start, err) }()

	keys, err := e.requireKey()
	if err != nil {
		return nil, err
	}
	requested, err := opts.policy()
	if err != nil {
		return nil, err
	}

	payload, compressed := data, false
	if e.cfg.Compress {
		out, smaller, err := codec.Compress(data)
		if err != nil {
			return nil, err
		}
		if smaller {
			payload, compressed = out, true
		}
	}

	blob, err := codec.Encrypt(payload, keys.file, e.cfg.Cipher)
	if err != nil {
		return nil, err
	}
	addr := domain.ComputeAddress(blob)
	raw, err := blob.MarshalBinary()
	if err != nil {
		return nil, err
	}

	plan, err := e.alloc.Allocate(requested, estimateWrapped(len(raw)), e.candidates())
	if err != nil {
		return nil, err
	}
	if plan.Degraded() {
		e.metrics.PolicyDegraded.Inc()
	}

	var shards []domain.Shard
	if plan.Policy.LocalOnly {
		// A 1-of-1 "shard" is the blob itself.
		shards = []domain.Shard{{Index: 0, Threshold: 1, Total: 1, Payload: raw}}
	} else {
		shards, err = codec.Split(blob, plan.Policy.Threshold, plan.Policy.Total)
		if err != nil {
			return nil, err
		}
	}

	placements, err := e.place(ctx, addr, shards, plan, keys)
	if err != nil {
		return nil, opError(ctx, err)
	}

	m := &domain.Manifest{
		Version:      domain.ManifestVersion,
		FileID:       addr,
		Total:        uint8(plan.Policy.Total),
		Threshold:    uint8(plan.Policy.Threshold),
		Placements:   placements,
		Compressed:   compressed,
		NoRedundancy: plan.Policy.LocalOnly,
		Size:         int64(len(data)),
		CreatedAt:    e.cfg.Now().UTC(),
	}
	if err := e.deps.Manifests.Put(ctx, m); err != nil {
		e.discardLocal(addr, placements)
		e.logger.Error("manifest not durable, store abandoned", "file_id", addr.String(), "error", err)
		return nil, domain.ErrManifestDurability.WithCause(err)
	}
	e.metrics.FilesStored.Inc()

	pending := false
	if err := e.replicateManifest(ctx, m, keys); err != nil {
		pending = true
		e.markPending(ctx, addr)
		e.logger.Info("manifest replica deferred", "file_id", addr.String(), "error", err)
	}

	e.logger.Info("file stored",
		"file_id", addr.String(),
		"policy", plan.Policy.String(),
		"placements", len(placements),
		"compressed", compressed,
		"bytes", len(data))

	return &StoreResult{Address: addr, Manifest: m, Degraded: plan.Degraded(), ReplicaPending: pending}, nil
}

// estimateWrapped bounds the stored size of one shard of a blob: the share
// is as long as the blob, and the envelope is base64 inside JSON.
func estimateWrapped(blobLen int) int64 {
	return int64(blobLen+wrapOverhead)*4/3 + wrapOverhead
}

func (e *Engine) candidates() placement.Candidates {
	c := placement.Candidates{
		LocalID:     e.cfg.NodeID,
		LocalKey:    e.deps.NodeKey.Public[:],
		DHT:         e.dhtUp(),
		DHTMaxValue: e.cfg.DHTMaxValue,
		Backend:     e.deps.Backend != nil,
		BackendID:   e.deps.BackendID,
	}
	if e.deps.Local != nil {
		c.Local = e.deps.Local.Allocation()
	}
	if e.deps.Peers != nil {
		c.Peers = e.deps.Peers.Peers()
		c.Classes = e.deps.Peers.Classes()
	}
	return c
}

// place stores every shard at its assigned destination. A shard whose
// destination fails moves to the next unused destination by score; the
// store fails only when fewer than threshold shards land anywhere.
func (e *Engine) place(ctx context.Context, addr domain.ContentAddress, shards []domain.Shard, plan *placement.Plan, keys *keyring) ([]domain.Placement, error) {
	if len(plan.Assignments) != len(shards) {
		return nil, domain.ErrInvalidPolicy.WithDetails(
			fmt.Sprintf("plan has %d destinations for %d shards", len(plan.Assignments), len(shards)))
	}

	placed := make([]*domain.Placement, len(shards))
	errs := make([]error, len(shards))

	var g errgroup.Group
	g.SetLimit(e.cfg.Parallelism)
	for i, a := range plan.Assignments {
		g.Go(func() error {
			p, err := e.placeShard(ctx, addr, shards[i], a.Destination, keys)
			if err != nil {
				errs[i] = err
				return nil
			}
			placed[i] = &p
			return nil
		})
	}
	_ = g.Wait()

	used := make(map[string]bool, len(plan.Assignments))
	for _, a := range plan.Assignments {
		used[a.Destination.ID] = true
	}
	spares := spareDestinations(plan, used)

	var lastErr error
	for i := range shards {
		if placed[i] != nil {
			continue
		}
		lastErr = errs[i]
		e.logger.Warn("shard placement failed",
			"file_id", addr.String(), "index", shards[i].Index,
			"destination", plan.Assignments[i].Destination.ID, "error", errs[i])

		for len(spares) > 0 && placed[i] == nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			d := spares[0]
			spares = spares[1:]
			p, err := e.placeShard(ctx, addr, shards[i], d, keys)
			if err != nil {
				lastErr = err
				e.logger.Warn("fallback placement failed",
					"file_id", addr.String(), "index", shards[i].Index, "destination", d.ID, "error", err)
				continue
			}
			placed[i] = &p
		}
	}

	out := make([]domain.Placement, 0, len(shards))
	for _, p := range placed {
		if p != nil {
			out = append(out, *p)
		}
	}
	if len(out) < plan.Policy.Threshold {
		e.discardLocal(addr, out)
		err := domain.ErrNoDestinations.WithDetails(
			fmt.Sprintf("placed %d of %d shards, need %d", len(out), len(shards), plan.Policy.Threshold))
		if lastErr != nil {
			return nil, err.WithCause(lastErr)
		}
		return nil, err
	}
	return out, nil
}

// spareDestinations lists viable destinations the plan did not use, peers
// by descending score first, then the global tiers. The local store is
// never a spare: it already holds a shard or has no room.
func spareDestinations(plan *placement.Plan, used map[string]bool) []placement.Destination {
	var peers, globals []placement.NodeScore
	for _, s := range plan.Scores {
		if s.Excluded != "" || used[s.ID] {
			continue
		}
		switch s.Tier {
		case domain.TierPeer:
			peers = append(peers, s)
		case domain.TierDHT, domain.TierBackend:
			globals = append(globals, s)
		}
	}
	sort.SliceStable(peers, func(i, j int) bool { return peers[i].Score > peers[j].Score })

	out := make([]placement.Destination, 0, len(peers)+len(globals))
	for _, s := range append(peers, globals...) {
		out = append(out, s.Destination)
	}
	return out
}

// placeShard wraps one shard for d and stores it there. Local and peer
// shards are wrapped to the holder's node key; global shards to the
// recovery key, so any device with the user key can open them.
func (e *Engine) placeShard(ctx context.Context, addr domain.ContentAddress, shard domain.Shard, d placement.Destination, keys *keyring) (p domain.Placement, err error) {
	defer func() {
		if err != nil {
			e.metrics.PlacementFailed.WithLabelValues(string(d.Tier)).Inc()
		} else {
			e.metrics.ShardsPlaced.WithLabelValues(string(d.Tier)).Inc()
		}
	}()

	p = domain.Placement{Index: shard.Index, DestinationID: d.ID, Tier: d.Tier}
	switch d.Tier {
	case domain.TierLocal:
		ws, err := codec.Wrap(addr, shard, d.ID, e.deps.NodeKey.Public[:])
		if err != nil {
			return p, err
		}
		return p, e.deps.Local.Put(ctx, ws)

	case domain.TierPeer:
		if e.deps.Peers == nil {
			return p, domain.ErrPeerNotFound.WithDetails(d.ID)
		}
		ws, err := codec.Wrap(addr, shard, d.ID, d.PublicKey)
		if err != nil {
			return p, err
		}
		return p, e.deps.Peers.StoreShard(ctx, d.ID, ws)

	case domain.TierDHT, domain.TierBackend:
		ws, err := codec.Wrap(addr, shard, d.ID, keys.recovery.Public[:])
		if err != nil {
			return p, err
		}
		value, err := json.Marshal(ws)
		if err != nil {
			return p, domain.ErrStorage.WithCause(err)
		}
		if d.Tier == domain.TierDHT {
			if e.deps.DHT == nil {
				return p, domain.ErrTransportUnavailable.WithDetails("no dht")
			}
			key := shardKey(addr, shard.Index)
			p.Ref = key.String()
			return p, e.deps.DHT.Put(ctx, key, value)
		}
		if e.deps.Backend == nil {
			return p, domain.ErrTransportUnavailable.WithDetails("no backend")
		}
		id, err := e.deps.Backend.Put(ctx, value)
		p.Ref = id
		return p, err
	}
	return p, domain.ErrInvalidArgument.WithDetails("unknown tier " + string(d.Tier))
}

// discardLocal releases local shards of a store that did not complete.
// Shards already handed to peers and global tiers are not reclaimed.
func (e *Engine) discardLocal(addr domain.ContentAddress, placements []domain.Placement) {
	if e.deps.Local == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, p := range placements {
		if p.Tier != domain.TierLocal {
			continue
		}
		if err := e.deps.Local.Delete(ctx, addr, p.Index); err != nil {
			e.logger.Warn("failed to discard local shard", "file_id", addr.String(), "index", p.Index, "error", err)
		}
	}
}
