// Package backend is the optional managed tier: an opaque blob store that
// takes already-wrapped shard bytes and hands them back by id.
//
// Two stores are provided. DirStore keeps blobs in a local or mounted
// directory. HTTPStore talks to a remote object endpoint with a bearer
// token; Handler serves any BlobStore with the same protocol, so one node
// can act as the self-hosted backend of others.
package backend

import (
	"context"
	"encoding/hex"

	"golang.org/x/crypto/blake2b"

	"github.com/yndnr/shardmesh-go/internal/core/domain"
)

// BlobStore stores opaque blobs.
type BlobStore interface {
	// Put stores data and returns its id.
	Put(ctx context.Context, data []byte) (string, error)
	// Get returns the blob stored under id, or domain.ErrFileNotFound.
	Get(ctx context.Context, id string) ([]byte, error)
}

// BlobID is the content id of a blob: hex BLAKE2b-256. Storing the same
// bytes twice yields the same id.
func BlobID(data []byte) string {
	sum := blake2b.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// validID rejects ids that are not 64 lowercase hex characters.
func validID(id string) error {
	if len(id) != 2*blake2b.Size256 {
		return domain.ErrInvalidArgument.WithDetails("blob id must be 64 hex characters")
	}
	for _, c := range id {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return domain.ErrInvalidArgument.WithDetails("blob id must be lowercase hex")
		}
	}
	return nil
}
