// Package localstore keeps wrapped shards on this device.
//
// The local tier stores this node's own shards under blob/<file_id>/<index>.
// Shards held on behalf of peers live under held/ with their own budget.
// Concurrent access to the same file is serialized by a striped RW lock;
// different files proceed in parallel.
package localstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"github.com/spaolacci/murmur3"

	"github.com/yndnr/shardmesh-go/internal/core/domain"
	"github.com/yndnr/shardmesh-go/internal/storage"
)

// lockStripes is the number of file lock stripes.
const lockStripes = 256

// Store is the local tier.
type Store struct {
	kv     storage.KVEngine
	prefix string
	alloc  *domain.StorageAllocation
	logger *slog.Logger

	locks [lockStripes]sync.RWMutex
}

// New opens the local tier and recomputes used bytes from what is on disk.
func New(ctx context.Context, kv storage.KVEngine, alloc *domain.StorageAllocation, logger *slog.Logger) (*Store, error) {
	return open(ctx, kv, storage.PrefixBlob, alloc, logger)
}

// NewHeld opens the store for shards this node keeps for peers.
func NewHeld(ctx context.Context, kv storage.KVEngine, alloc *domain.StorageAllocation, logger *slog.Logger) (*Store, error) {
	return open(ctx, kv, storage.PrefixHeld, alloc, logger)
}

func open(ctx context.Context, kv storage.KVEngine, prefix string, alloc *domain.StorageAllocation, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{
		kv:     kv,
		prefix: prefix,
		alloc:  alloc,
		logger: logger.With("component", "localstore", "prefix", prefix),
	}

	var used int64
	err := kv.Scan(ctx, []byte(prefix), func(_, value []byte) bool {
		used += int64(len(value))
		return true
	})
	if err != nil {
		return nil, fmt.Errorf("localstore: scan usage: %w", err)
	}
	if used > 0 {
		// Existing data is accounted for even if it exceeds a shrunken budget.
		alloc.ForceReserve(used)
	}

	s.logger.Debug("local store opened", "used_bytes", used)
	return s, nil
}

func (s *Store) lockFor(fileID domain.ContentAddress) *sync.RWMutex {
	return &s.locks[murmur3.Sum32(fileID[:])%lockStripes]
}

func (s *Store) shardKey(fileID domain.ContentAddress, index uint8) []byte {
	return []byte(s.prefix + fileID.String() + "/" + strconv.Itoa(int(index)))
}

func (s *Store) filePrefix(fileID domain.ContentAddress) []byte {
	return []byte(s.prefix + fileID.String() + "/")
}

// Put stores a wrapped shard, replacing any previous copy of the same index.
func (s *Store) Put(ctx context.Context, ws domain.WrappedShard) error {
	value, err := json.Marshal(ws)
	if err != nil {
		return domain.ErrStorage.WithCause(err)
	}

	mu := s.lockFor(ws.FileID)
	mu.Lock()
	defer mu.Unlock()

	key := s.shardKey(ws.FileID, ws.Index)
	var previous int64
	if old, err := s.kv.Get(ctx, key); err == nil {
		previous = int64(len(old))
	} else if !errors.Is(err, storage.ErrKeyNotFound) {
		return domain.ErrStorage.WithCause(err)
	}

	delta := int64(len(value)) - previous
	if delta > 0 {
		if err := s.alloc.Reserve(delta); err != nil {
			return err
		}
	}

	if err := s.kv.SetSync(ctx, key, value); err != nil {
		if delta > 0 {
			s.alloc.Release(delta)
		}
		return domain.ErrStorage.WithCause(err)
	}
	if delta < 0 {
		s.alloc.Release(-delta)
	}
	return nil
}

// Get returns a single wrapped shard.
func (s *Store) Get(ctx context.Context, fileID domain.ContentAddress, index uint8) (domain.WrappedShard, error) {
	mu := s.lockFor(fileID)
	mu.RLock()
	defer mu.RUnlock()

	value, err := s.kv.Get(ctx, s.shardKey(fileID, index))
	if err != nil {
		if errors.Is(err, storage.ErrKeyNotFound) {
			return domain.WrappedShard{}, domain.ErrFileNotFound.WithDetails(
				fmt.Sprintf("shard %s/%d not held locally", fileID, index))
		}
		return domain.WrappedShard{}, domain.ErrStorage.WithCause(err)
	}
	return decode(value)
}

// List returns every shard of a file held locally.
func (s *Store) List(ctx context.Context, fileID domain.ContentAddress) ([]domain.WrappedShard, error) {
	mu := s.lockFor(fileID)
	mu.RLock()
	defer mu.RUnlock()

	var out []domain.WrappedShard
	var decodeErr error
	err := s.kv.Scan(ctx, s.filePrefix(fileID), func(_, value []byte) bool {
		ws, err := decode(value)
		if err != nil {
			decodeErr = err
			return false
		}
		out = append(out, ws)
		return true
	})
	if err != nil {
		return nil, domain.ErrStorage.WithCause(err)
	}
	return out, decodeErr
}

// Delete removes one shard and releases its space.
func (s *Store) Delete(ctx context.Context, fileID domain.ContentAddress, index uint8) error {
	mu := s.lockFor(fileID)
	mu.Lock()
	defer mu.Unlock()

	key := s.shardKey(fileID, index)
	old, err := s.kv.Get(ctx, key)
	if errors.Is(err, storage.ErrKeyNotFound) {
		return nil
	}
	if err != nil {
		return domain.ErrStorage.WithCause(err)
	}
	if err := s.kv.Delete(ctx, key); err != nil {
		return domain.ErrStorage.WithCause(err)
	}
	s.alloc.Release(int64(len(old)))
	return nil
}

// Files lists the ids of files with at least one local shard.
func (s *Store) Files(ctx context.Context) ([]domain.ContentAddress, error) {
	seen := make(map[domain.ContentAddress]bool)
	var out []domain.ContentAddress
	err := s.kv.Scan(ctx, []byte(s.prefix), func(key, _ []byte) bool {
		rest := strings.TrimPrefix(string(key), s.prefix)
		hexID, _, ok := strings.Cut(rest, "/")
		if !ok {
			return true
		}
		id, err := domain.ParseContentAddress(hexID)
		if err != nil || seen[id] {
			return true
		}
		seen[id] = true
		out = append(out, id)
		return true
	})
	if err != nil {
		return nil, domain.ErrStorage.WithCause(err)
	}
	return out, nil
}

// Allocation returns the local tier budget.
func (s *Store) Allocation() *domain.StorageAllocation {
	return s.alloc
}

func decode(value []byte) (domain.WrappedShard, error) {
	var ws domain.WrappedShard
	if err := json.Unmarshal(value, &ws); err != nil {
		return domain.WrappedShard{}, domain.ErrStorage.WithCause(fmt.Errorf("decode shard: %w", err))
	}
	return ws, nil
}
