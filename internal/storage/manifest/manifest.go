// Package manifest persists placement manifests.
//
// The store is append-only: every Put writes a new revision under
// manifest/<file_id>/<seq> and flushes it before returning. Get returns the
// latest revision. Revision numbering is serialized per file by a striped
// lock, so writes to different files proceed in parallel.
package manifest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/spaolacci/murmur3"

	"github.com/yndnr/shardmesh-go/internal/core/domain"
	"github.com/yndnr/shardmesh-go/internal/storage"
)

// lockStripes is the number of file lock stripes.
const lockStripes = 64

// Store persists manifests in the KV engine.
type Store struct {
	kv     storage.KVEngine
	logger *slog.Logger

	locks [lockStripes]sync.RWMutex
}

// NewStore creates a manifest store.
func NewStore(kv storage.KVEngine, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{kv: kv, logger: logger.With("component", "manifest")}
}

func (s *Store) lockFor(fileID domain.ContentAddress) *sync.RWMutex {
	return &s.locks[murmur3.Sum32(fileID[:])%lockStripes]
}

func prefix(fileID domain.ContentAddress) string {
	return storage.PrefixManifest + fileID.String() + "/"
}

func revisionKey(fileID domain.ContentAddress, seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%016x", prefix(fileID), seq))
}

// Put appends a new revision durably. A failure here means the file is not
// recoverable from this device and must be surfaced to the caller.
func (s *Store) Put(ctx context.Context, m *domain.Manifest) error {
	if err := m.Validate(); err != nil {
		return err
	}
	data, err := m.Marshal()
	if err != nil {
		return domain.ErrManifestDurability.WithCause(err)
	}

	mu := s.lockFor(m.FileID)
	mu.Lock()
	defer mu.Unlock()

	seq, err := s.latestSeq(ctx, m.FileID)
	if err != nil {
		return domain.ErrManifestDurability.WithCause(err)
	}

	if err := s.kv.SetSync(ctx, revisionKey(m.FileID, seq+1), data); err != nil {
		return domain.ErrManifestDurability.WithCause(err)
	}

	s.logger.Debug("manifest persisted", "file_id", m.FileID.String(), "revision", seq+1)
	return nil
}

// latestSeq returns 0 when no revision exists.
func (s *Store) latestSeq(ctx context.Context, fileID domain.ContentAddress) (uint64, error) {
	var seq uint64
	err := s.kv.Scan(ctx, []byte(prefix(fileID)), func(key, _ []byte) bool {
		var n uint64
		if _, err := fmt.Sscanf(strings.TrimPrefix(string(key), prefix(fileID)), "%x", &n); err == nil && n > seq {
			seq = n
		}
		return true
	})
	return seq, err
}

// Get returns the latest revision of a file's manifest.
func (s *Store) Get(ctx context.Context, fileID domain.ContentAddress) (*domain.Manifest, error) {
	mu := s.lockFor(fileID)
	mu.RLock()
	defer mu.RUnlock()

	var latest []byte
	err := s.kv.Scan(ctx, []byte(prefix(fileID)), func(_, value []byte) bool {
		latest = value
		return true
	})
	if err != nil {
		return nil, domain.ErrStorage.WithCause(err)
	}
	if latest == nil {
		return nil, domain.ErrFileNotFound.WithDetails(fileID.String())
	}
	return domain.UnmarshalManifest(latest)
}

// Has reports whether a manifest exists for fileID.
func (s *Store) Has(ctx context.Context, fileID domain.ContentAddress) (bool, error) {
	_, err := s.Get(ctx, fileID)
	if errors.Is(err, domain.ErrFileNotFound) {
		return false, nil
	}
	return err == nil, err
}

// List returns the latest revision of every manifest.
func (s *Store) List(ctx context.Context) ([]*domain.Manifest, error) {
	latest := make(map[string][]byte)
	var order []string

	err := s.kv.Scan(ctx, []byte(storage.PrefixManifest), func(key, value []byte) bool {
		rest := strings.TrimPrefix(string(key), storage.PrefixManifest)
		id, _, ok := strings.Cut(rest, "/")
		if !ok {
			return true
		}
		if _, seen := latest[id]; !seen {
			order = append(order, id)
		}
		latest[id] = value
		return true
	})
	if err != nil {
		return nil, domain.ErrStorage.WithCause(err)
	}

	out := make([]*domain.Manifest, 0, len(order))
	for _, id := range order {
		m, err := domain.UnmarshalManifest(latest[id])
		if err != nil {
			s.logger.Warn("skipping corrupt manifest", "file_id", id, "error", err)
			continue
		}
		out = append(out, m)
	}
	return out, nil
}
