package engine

import (
	"context"
	"errors"

	"github.com/yndnr/shardmesh-go/internal/core/codec"
	"github.com/yndnr/shardmesh-go/internal/core/domain"
	"github.com/yndnr/shardmesh-go/internal/storage"
)

// replicateManifest pushes the sealed manifest to the DHT so that another
// device holding the user key can find the placements.
func (e *Engine) replicateManifest(ctx context.Context, m *domain.Manifest, keys *keyring) error {
	if !e.dhtUp() {
		return domain.ErrTransportUnavailable.WithDetails("dht not joined")
	}
	data, err := m.Marshal()
	if err != nil {
		return domain.ErrManifestCorrupt.WithCause(err)
	}
	key := manifestKey(m.FileID)
	sealed, err := codec.Seal(data, keys.manifest, key[:])
	if err != nil {
		return err
	}
	return e.deps.DHT.Put(ctx, key, sealed)
}

// fetchManifestReplica reads and opens the DHT copy of a manifest.
func (e *Engine) fetchManifestReplica(ctx context.Context, addr domain.ContentAddress, keys *keyring) (*domain.Manifest, error) {
	if !e.dhtUp() {
		return nil, domain.ErrFileNotFound.WithDetails(addr.String())
	}
	key := manifestKey(addr)
	sealed, err := e.deps.DHT.Get(ctx, key)
	if err != nil {
		if errors.Is(err, domain.ErrValueNotFound) {
			return nil, domain.ErrFileNotFound.WithDetails(addr.String())
		}
		return nil, err
	}
	data, err := codec.Open(sealed, keys.manifest, key[:])
	if err != nil {
		return nil, err
	}
	m, err := domain.UnmarshalManifest(data)
	if err != nil {
		return nil, err
	}
	if m.FileID != addr {
		return nil, domain.ErrManifestCorrupt.WithDetails("replica describes another file")
	}
	return m, nil
}

// loadManifest prefers the local manifest and falls back to the DHT
// replica. A replica found that way is adopted locally.
func (e *Engine) loadManifest(ctx context.Context, addr domain.ContentAddress, keys *keyring) (*domain.Manifest, error) {
	m, err := e.deps.Manifests.Get(ctx, addr)
	if err == nil {
		return m, nil
	}
	if !errors.Is(err, domain.ErrFileNotFound) {
		return nil, err
	}

	m, err = e.fetchManifestReplica(ctx, addr, keys)
	if err != nil {
		return nil, err
	}
	if err := e.deps.Manifests.Put(ctx, m); err != nil {
		e.logger.Warn("could not adopt manifest replica", "file_id", addr.String(), "error", err)
	} else {
		e.logger.Info("manifest recovered from dht", "file_id", addr.String())
	}
	return m, nil
}

func pendingKey(addr domain.ContentAddress) []byte {
	return []byte(storage.PrefixPending + addr.String())
}

func (e *Engine) markPending(ctx context.Context, addr domain.ContentAddress) {
	if err := e.deps.KV.Set(ctx, pendingKey(addr), []byte{1}); err != nil {
		e.logger.Warn("failed to record pending replica", "file_id", addr.String(), "error", err)
	}
}

func (e *Engine) clearPending(ctx context.Context, addr domain.ContentAddress) {
	if err := e.deps.KV.Delete(ctx, pendingKey(addr)); err != nil {
		e.logger.Warn("failed to clear pending replica", "file_id", addr.String(), "error", err)
	}
}

// pending lists files whose manifest replica has not reached the DHT.
func (e *Engine) pending(ctx context.Context) ([]domain.ContentAddress, error) {
	var out []domain.ContentAddress
	err := e.deps.KV.Scan(ctx, []byte(storage.PrefixPending), func(key, _ []byte) bool {
		addr, err := domain.ParseContentAddress(string(key[len(storage.PrefixPending):]))
		if err == nil {
			out = append(out, addr)
		}
		return true
	})
	if err != nil {
		return nil, domain.ErrStorage.WithCause(err)
	}
	return out, nil
}
