package engine

import (
	"context"
	"strconv"
	"time"

	"github.com/yndnr/shardmesh-go/internal/core/domain"
	"github.com/yndnr/shardmesh-go/internal/storage"
	"github.com/yndnr/shardmesh-go/internal/telemetry/metric"
)

// FileStatus summarizes the health of one stored file.
type FileStatus struct {
	Address domain.ContentAddress `json:"address"`
	// ShardsReachable counts distinct indices with a reachable holder.
	ShardsReachable int                 `json:"shards_reachable"`
	Threshold       int                 `json:"threshold"`
	Total           int                 `json:"total"`
	NoRedundancy    bool                `json:"no_redundancy"`
	Recoverable     bool                `json:"recoverable"`
	Tiers           map[domain.Tier]int `json:"tiers"`
	Size            int64               `json:"size"`
	CreatedAt       time.Time           `json:"created_at"`
}

// Status reports how many shards of a file could be fetched right now. It
// checks holder liveness rather than reading shard contents: a local shard
// must be present, a peer must be reachable and a global tier must be up.
func (e *Engine) Status(ctx context.Context, addr domain.ContentAddress) (*FileStatus, error) {
	m, err := e.deps.Manifests.Get(ctx, addr)
	if err != nil {
		return nil, err
	}

	live := e.livePeers()
	reachable := make(map[uint8]bool, len(m.Placements))
	tiers := make(map[domain.Tier]int)
	for _, p := range m.Placements {
		tiers[p.Tier]++
		if e.reachable(ctx, m.FileID, p, live) {
			reachable[p.Index] = true
		}
	}

	return &FileStatus{
		Address:         addr,
		ShardsReachable: len(reachable),
		Threshold:       int(m.Threshold),
		Total:           int(m.Total),
		NoRedundancy:    m.NoRedundancy,
		Recoverable:     len(reachable) >= int(m.Threshold),
		Tiers:           tiers,
		Size:            m.Size,
		CreatedAt:       m.CreatedAt,
	}, nil
}

func (e *Engine) livePeers() map[string]bool {
	out := make(map[string]bool)
	if e.deps.Peers == nil {
		return out
	}
	for _, p := range e.deps.Peers.Peers() {
		out[p.NodeID] = true
	}
	return out
}

func (e *Engine) reachable(ctx context.Context, fileID domain.ContentAddress, p domain.Placement, live map[string]bool) bool {
	switch p.Tier {
	case domain.TierLocal:
		if e.deps.Local == nil {
			return false
		}
		_, err := e.deps.Local.Get(ctx, fileID, p.Index)
		return err == nil
	case domain.TierPeer:
		return live[p.DestinationID]
	case domain.TierDHT:
		return e.dhtUp()
	case domain.TierBackend:
		return e.deps.Backend != nil
	}
	return false
}

// Files lists the manifests this node holds.
func (e *Engine) Files(ctx context.Context) ([]*domain.Manifest, error) {
	return e.deps.Manifests.List(ctx)
}

// AllocationStatus is one tier's budget.
type AllocationStatus struct {
	Tier      domain.Tier `json:"tier"`
	Allocated int64       `json:"allocated_bytes"`
	Used      int64       `json:"used_bytes"`
	Capacity  int64       `json:"capacity_bytes"`
}

// Allocations returns the budget of every configured tier.
func (e *Engine) Allocations() []AllocationStatus {
	out := make([]AllocationStatus, 0, len(e.deps.Allocations))
	for _, tier := range []domain.Tier{domain.TierLocal, domain.TierPeer, domain.TierDHT, domain.TierBackend} {
		a, ok := e.deps.Allocations[tier]
		if !ok {
			continue
		}
		allocated, used := a.Snapshot()
		out = append(out, AllocationStatus{Tier: tier, Allocated: allocated, Used: used, Capacity: a.TotalCapacity})
	}
	return out
}

// AllocationSamples adapts Allocations for the metrics collector.
func (e *Engine) AllocationSamples() []metric.AllocationSample {
	status := e.Allocations()
	out := make([]metric.AllocationSample, len(status))
	for i, s := range status {
		out[i] = metric.AllocationSample{Tier: string(s.Tier), Allocated: s.Allocated, Used: s.Used}
	}
	return out
}

// SetAllocation resizes a tier budget within the bounds of this device's
// role and persists it. Shrinking below what is already stored fails.
func (e *Engine) SetAllocation(ctx context.Context, tier domain.Tier, bytes int64) error {
	a, ok := e.deps.Allocations[tier]
	if !ok {
		return domain.ErrInvalidArgument.WithDetails("tier " + string(tier) + " has no budget on this node")
	}
	if err := a.Resize(e.cfg.Role, bytes); err != nil {
		return err
	}
	key := []byte(storage.PrefixAlloc + string(tier))
	if err := e.deps.KV.SetSync(ctx, key, []byte(strconv.FormatInt(bytes, 10))); err != nil {
		return domain.ErrStorage.WithCause(err)
	}
	e.logger.Info("allocation changed", "tier", tier, "bytes", bytes)
	return nil
}
