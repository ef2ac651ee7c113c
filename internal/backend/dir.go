package backend

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/yndnr/shardmesh-go/internal/core/domain"
)

// DirStore keeps blobs as files under root, fanned out by the first two
// characters of the id. Writes go through a temp file and rename, so a
// reader sees a whole blob or none.
type DirStore struct {
	root string
}

// NewDirStore creates root if needed.
func NewDirStore(root string) (*DirStore, error) {
	if err := os.MkdirAll(root, 0o700); err != nil {
		return nil, fmt.Errorf("create backend dir: %w", err)
	}
	return &DirStore{root: root}, nil
}

func (s *DirStore) path(id string) string {
	return filepath.Join(s.root, id[:2], id)
}

// Put stores data. Existing blobs are not rewritten.
func (s *DirStore) Put(ctx context.Context, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", domain.ErrTimeout.WithCause(err)
	}
	id := BlobID(data)
	path := s.path(id)
	if _, err := os.Stat(path); err == nil {
		return id, nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return "", domain.ErrStorage.WithCause(err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".blob-*.tmp")
	if err != nil {
		return "", domain.ErrStorage.WithCause(err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return "", domain.ErrStorage.WithCause(err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return "", domain.ErrStorage.WithCause(err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return "", domain.ErrStorage.WithCause(err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return "", domain.ErrStorage.WithCause(err)
	}
	return id, nil
}

// Get reads a blob and checks it still hashes to id.
func (s *DirStore) Get(ctx context.Context, id string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, domain.ErrTimeout.WithCause(err)
	}
	if err := validID(id); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.path(id))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, domain.ErrFileNotFound.WithDetails("backend blob " + id)
	}
	if err != nil {
		return nil, domain.ErrStorage.WithCause(err)
	}
	if BlobID(data) != id {
		return nil, domain.ErrStorage.WithDetails("backend blob " + id + " is corrupt")
	}
	return data, nil
}
