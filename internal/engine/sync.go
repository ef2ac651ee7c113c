package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/yndnr/shardmesh-go/internal/core/codec"
	"github.com/yndnr/shardmesh-go/internal/core/domain"
	"github.com/yndnr/shardmesh-go/internal/placement"
)

// SyncReport summarizes one maintenance pass.
type SyncReport struct {
	ReplicasPushed int `json:"replicas_pushed"`
	GlobalCopies   int `json:"global_copies"`
	Regenerated    int `json:"regenerated"`
	Unrepairable   int `json:"unrepairable"`
}

// SyncPending runs one maintenance pass. It satisfies scheduler.Syncer.
func (e *Engine) SyncPending(ctx context.Context) error {
	_, err := e.Sync(ctx)
	return err
}

// Sync pushes deferred manifest replicas, gives every file a shard on a
// global tier when one is reachable, and regenerates shards that have no
// reachable holder. Failures that a later pass may fix are returned so the
// scheduler can back off.
func (e *Engine) Sync(ctx context.Context) (report *SyncReport, err error) {
	e.syncMu.Lock()
	defer e.syncMu.Unlock()

	start := time.Now()
	defer func() { e.observe("sync", start, err) }()

	report = &SyncReport{}
	keys, kerr := e.requireKey()
	if kerr != nil {
		// A holder-only node has nothing of its own to maintain.
		return report, nil
	}

	var errs []error
	if err := e.pushReplicas(ctx, keys, report); err != nil {
		errs = append(errs, err)
	}

	manifests, err := e.deps.Manifests.List(ctx)
	if err != nil {
		return report, errors.Join(append(errs, err)...)
	}
	changed := 0
	for _, m := range manifests {
		if changed >= e.cfg.RepairPerPass || ctx.Err() != nil {
			break
		}
		ok, err := e.maintain(ctx, m, keys, report)
		if err != nil {
			errs = append(errs, fmt.Errorf("file %s: %w", m.FileID.Short(), err))
		}
		if ok {
			changed++
		}
	}

	if report.ReplicasPushed+report.GlobalCopies+report.Regenerated > 0 {
		e.logger.Info("sync pass complete",
			"replicas_pushed", report.ReplicasPushed,
			"global_copies", report.GlobalCopies,
			"regenerated", report.Regenerated,
			"unrepairable", report.Unrepairable)
	}
	return report, opError(ctx, errors.Join(errs...))
}

func (e *Engine) pushReplicas(ctx context.Context, keys *keyring, report *SyncReport) error {
	addrs, err := e.pending(ctx)
	if err != nil || len(addrs) == 0 {
		return err
	}
	if !e.dhtUp() {
		if e.deps.DHT == nil {
			return nil
		}
		return domain.ErrTransportUnavailable.WithDetails(
			fmt.Sprintf("%d manifest replicas waiting for the dht", len(addrs)))
	}

	var lastErr error
	for _, addr := range addrs {
		m, err := e.deps.Manifests.Get(ctx, addr)
		if errors.Is(err, domain.ErrFileNotFound) {
			e.clearPending(ctx, addr)
			continue
		}
		if err != nil {
			lastErr = err
			continue
		}
		if err := e.replicateManifest(ctx, m, keys); err != nil {
			lastErr = err
			continue
		}
		e.clearPending(ctx, addr)
		report.ReplicasPushed++
	}
	return lastErr
}

// maintain repairs one file. It reports whether a new manifest revision
// was written.
func (e *Engine) maintain(ctx context.Context, m *domain.Manifest, keys *keyring, report *SyncReport) (bool, error) {
	if m.NoRedundancy {
		return false, nil
	}

	live := e.livePeers()
	reachable := make(map[uint8]bool, len(m.Placements))
	holders := make(map[string]bool, len(m.Placements))
	hasGlobal := false
	for _, p := range m.Placements {
		holders[p.DestinationID] = true
		if p.Tier.IsGlobal() {
			hasGlobal = true
		}
		if e.reachable(ctx, m.FileID, p, live) {
			reachable[p.Index] = true
		}
	}
	var missing []uint8
	for i := uint8(0); i < m.Total; i++ {
		if !reachable[i] {
			missing = append(missing, i)
		}
	}
	globalUp := e.dhtUp() || e.deps.Backend != nil
	needGlobal := !hasGlobal && globalUp
	if len(missing) == 0 && !needGlobal {
		return false, nil
	}

	need := 1
	if len(missing) > 0 {
		need = int(m.Threshold)
	}
	got, fetchErr := e.gather(ctx, m, keys, need)
	if len(got) < need {
		report.Unrepairable++
		e.logger.Warn("file cannot be repaired yet",
			"file_id", m.FileID.String(), "reachable", len(got), "need", need, "error", fetchErr)
		return false, nil
	}

	dests := e.repairDestinations(m, holders)
	var added []domain.Placement
	var lastErr error

	if len(missing) > 0 {
		shards := make([]domain.Shard, 0, len(got))
		for _, s := range got {
			shards = append(shards, s)
		}
		for _, idx := range missing {
			shard, err := codec.Regenerate(shards, idx)
			if err != nil {
				return false, err
			}
			p, rest, err := e.placeFirst(ctx, m.FileID, shard, dests, keys)
			dests = rest
			if err != nil {
				lastErr = err
				break
			}
			added = append(added, p)
			report.Regenerated++
			if p.Tier.IsGlobal() {
				needGlobal = false
			}
		}
	}

	if needGlobal {
		globals := make([]placement.Destination, 0, 2)
		for _, d := range dests {
			if d.Tier.IsGlobal() {
				globals = append(globals, d)
			}
		}
		p, _, err := e.placeFirst(ctx, m.FileID, anyShard(got), globals, keys)
		if err != nil {
			lastErr = err
		} else {
			added = append(added, p)
			report.GlobalCopies++
		}
	}

	if len(added) == 0 {
		return false, lastErr
	}

	next := *m
	next.Placements = append(append([]domain.Placement(nil), m.Placements...), added...)
	if err := e.deps.Manifests.Put(ctx, &next); err != nil {
		return false, domain.ErrManifestDurability.WithCause(err)
	}
	if err := e.replicateManifest(ctx, &next, keys); err != nil {
		e.markPending(ctx, next.FileID)
	}
	for _, p := range added {
		e.logger.Info("shard re-placed", "file_id", m.FileID.String(), "placement", describe(p))
	}
	return true, lastErr
}

// repairDestinations lists destinations that hold nothing of the file yet:
// live peers by score, then the reachable global tiers.
func (e *Engine) repairDestinations(m *domain.Manifest, holders map[string]bool) []placement.Destination {
	shardSize := estimateWrapped(int(m.Size))
	var scores []placement.NodeScore
	if e.deps.Peers != nil {
		classes := e.deps.Peers.Classes()
		for _, p := range e.deps.Peers.Peers() {
			if holders[p.NodeID] || p.NodeID == e.cfg.NodeID {
				continue
			}
			if ns := e.alloc.ScorePeer(p, shardSize, classes); ns.Excluded == "" {
				scores = append(scores, ns)
			}
		}
	}
	sort.SliceStable(scores, func(i, j int) bool { return scores[i].Score > scores[j].Score })

	out := make([]placement.Destination, 0, len(scores)+2)
	for _, s := range scores {
		out = append(out, s.Destination)
	}
	if e.dhtUp() && !holders["dht"] && shardSize <= e.cfg.DHTMaxValue {
		out = append(out, placement.Destination{ID: "dht", Tier: domain.TierDHT})
	}
	if e.deps.Backend != nil && !holders[e.deps.BackendID] {
		out = append(out, placement.Destination{ID: e.deps.BackendID, Tier: domain.TierBackend})
	}
	return out
}

// placeFirst stores shard at the first destination that accepts it and
// returns the destinations left untried.
func (e *Engine) placeFirst(ctx context.Context, fileID domain.ContentAddress, shard domain.Shard, dests []placement.Destination, keys *keyring) (domain.Placement, []placement.Destination, error) {
	var lastErr error = domain.ErrNoDestinations.WithDetails("no destination left for repair")
	for i, d := range dests {
		p, err := e.placeShard(ctx, fileID, shard, d, keys)
		if err == nil {
			return p, dests[i+1:], nil
		}
		lastErr = err
		e.logger.Debug("repair placement failed", "file_id", fileID.String(), "destination", d.ID, "error", err)
	}
	return domain.Placement{}, nil, lastErr
}

func anyShard(got map[uint8]domain.Shard) domain.Shard {
	for _, s := range got {
		return s
	}
	return domain.Shard{}
}
