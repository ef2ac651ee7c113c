package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/yndnr/shardmesh-go/internal/core/codec"
	"github.com/yndnr/shardmesh-go/internal/core/domain"
)

// RetrieveFile rebuilds a file from any threshold of its shards.
func (e *Engine) RetrieveFile(ctx context.Context, addr domain.ContentAddress) (data []byte, err error) {
	start := time.Now()
	defer func() { e.observe("retrieve", start, err) }()

	keys, err := e.requireKey()
	if err != nil {
		return nil, err
	}
	m, err := e.loadManifest(ctx, addr, keys)
	if err != nil {
		return nil, opError(ctx, err)
	}
	data, err = e.rebuild(ctx, m, keys)
	return data, opError(ctx, err)
}

// Recover rebuilds a file on a device that does not hold its manifest, using
// a key derived from the user's secret. The manifest comes from the DHT
// replica and global shards are opened with the derived recovery key.
func (e *Engine) Recover(ctx context.Context, userSecret, auxFactor []byte, addr domain.ContentAddress) (data []byte, err error) {
	start := time.Now()
	defer func() { e.observe("recover", start, err) }()

	key, err := codec.DeriveKey(userSecret, auxFactor, e.cfg.KDF)
	if err != nil {
		return nil, err
	}
	defer key.Wipe()
	keys, err := newKeyring(key)
	if err != nil {
		return nil, err
	}
	defer keys.file.Wipe()

	m, err := e.loadManifest(ctx, addr, keys)
	if err != nil {
		return nil, opError(ctx, err)
	}
	data, err = e.rebuild(ctx, m, keys)
	return data, opError(ctx, err)
}

func (e *Engine) rebuild(ctx context.Context, m *domain.Manifest, keys *keyring) ([]byte, error) {
	need := int(m.Threshold)
	got, lastErr := e.gather(ctx, m, keys, need)
	if len(got) < need {
		err := domain.ErrInsufficientShares.WithDetails(
			fmt.Sprintf("%d of %d shards reachable, need %d", len(got), m.Total, need))
		if lastErr != nil {
			return nil, err.WithCause(lastErr)
		}
		return nil, err
	}

	var blob domain.EncryptedBlob
	if m.NoRedundancy {
		if err := blob.UnmarshalBinary(got[0].Payload); err != nil {
			return nil, err
		}
	} else {
		shards := make([]domain.Shard, 0, len(got))
		for _, s := range got {
			shards = append(shards, s)
		}
		var err error
		if blob, err = codec.Reconstruct(shards); err != nil {
			return nil, err
		}
	}
	if domain.ComputeAddress(blob) != m.FileID {
		return nil, domain.ErrInconsistentShares.WithDetails("rebuilt blob does not match its address")
	}

	plain, err := codec.Decrypt(blob, keys.file)
	if err != nil {
		return nil, err
	}
	if m.Compressed {
		return codec.Decompress(plain)
	}
	return plain, nil
}

// gather collects up to need distinct shards. Local shards are read first;
// the remaining placements are fetched concurrently and outstanding fetches
// are cancelled once enough have arrived. It returns the last fetch error
// for diagnostics.
func (e *Engine) gather(ctx context.Context, m *domain.Manifest, keys *keyring, need int) (map[uint8]domain.Shard, error) {
	got := make(map[uint8]domain.Shard, need)
	var lastErr error

	var remote []domain.Placement
	for _, p := range m.Placements {
		if p.Tier != domain.TierLocal {
			continue
		}
		if _, ok := got[p.Index]; ok {
			continue
		}
		s, err := e.fetch(ctx, m.FileID, p, keys)
		if err != nil {
			lastErr = err
			continue
		}
		got[p.Index] = s
	}
	if len(got) >= need {
		return got, nil
	}
	for _, tier := range []domain.Tier{domain.TierPeer, domain.TierDHT, domain.TierBackend} {
		for _, p := range m.Placements {
			if _, ok := got[p.Index]; !ok && p.Tier == tier {
				remote = append(remote, p)
			}
		}
	}
	if len(remote) == 0 {
		return got, lastErr
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	type fetched struct {
		p     domain.Placement
		shard domain.Shard
		err   error
	}
	results := make(chan fetched, len(remote))
	go func() {
		var g errgroup.Group
		g.SetLimit(e.cfg.Parallelism)
		for _, p := range remote {
			if ctx.Err() != nil {
				break
			}
			g.Go(func() error {
				s, err := e.fetch(ctx, m.FileID, p, keys)
				results <- fetched{p: p, shard: s, err: err}
				return nil
			})
		}
		_ = g.Wait()
		close(results)
	}()

	for r := range results {
		if len(got) >= need {
			continue
		}
		if r.err != nil {
			lastErr = r.err
			e.logger.Debug("shard fetch failed", "file_id", m.FileID.String(), "placement", describe(r.p), "error", r.err)
			continue
		}
		got[r.p.Index] = r.shard
		if len(got) >= need {
			cancel()
		}
	}
	return got, lastErr
}

// fetch reads one placement and opens it. Local and peer shards arrive
// wrapped to the node key, global shards to the recovery key.
func (e *Engine) fetch(ctx context.Context, fileID domain.ContentAddress, p domain.Placement, keys *keyring) (domain.Shard, error) {
	var (
		ws  domain.WrappedShard
		err error
	)
	kp := e.deps.NodeKey

	switch p.Tier {
	case domain.TierLocal:
		if e.deps.Local == nil {
			return domain.Shard{}, domain.ErrFileNotFound.WithDetails("no local tier")
		}
		ws, err = e.deps.Local.Get(ctx, fileID, p.Index)

	case domain.TierPeer:
		if e.deps.Peers == nil {
			return domain.Shard{}, domain.ErrPeerNotFound.WithDetails(p.DestinationID)
		}
		ws, err = e.deps.Peers.FetchShard(ctx, p.DestinationID, fileID, p.Index)

	case domain.TierDHT, domain.TierBackend:
		kp = keys.recovery
		var value []byte
		if p.Tier == domain.TierDHT {
			if !e.dhtUp() {
				return domain.Shard{}, domain.ErrTransportUnavailable.WithDetails("dht not joined")
			}
			value, err = e.deps.DHT.Get(ctx, shardKey(fileID, p.Index))
		} else {
			if e.deps.Backend == nil {
				return domain.Shard{}, domain.ErrTransportUnavailable.WithDetails("no backend")
			}
			value, err = e.deps.Backend.Get(ctx, p.Ref)
		}
		if err == nil {
			if jerr := json.Unmarshal(value, &ws); jerr != nil {
				err = domain.ErrInconsistentShares.WithCause(jerr)
			}
		}

	default:
		return domain.Shard{}, domain.ErrManifestCorrupt.WithDetails("unknown tier " + string(p.Tier))
	}
	if err != nil {
		return domain.Shard{}, err
	}

	if ws.FileID != fileID || ws.Index != p.Index {
		return domain.Shard{}, domain.ErrInconsistentShares.WithDetails("holder returned a different shard")
	}
	return codec.Unwrap(ws, kp)
}
