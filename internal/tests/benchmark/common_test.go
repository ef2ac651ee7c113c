package benchmark

import (
	"crypto/rand"
	"fmt"
	"log/slog"
	"testing"

	"github.com/dustin/go-humanize"

	"github.com/yndnr/shardmesh-go/internal/core/codec"
	"github.com/yndnr/shardmesh-go/internal/storage"
)

// FileSizes are the plaintext sizes each pipeline stage is measured at.
var FileSizes = []int{4 << 10, 64 << 10, 1 << 20, 8 << 20}

// SmallFileSizes for quick benchmarks.
var SmallFileSizes = []int{4 << 10, 64 << 10}

var benchKDF = codec.KDFParams{Time: 1, Memory: 8 * 1024, Threads: 1}

func sizeLabel(n int) string {
	return humanize.IBytes(uint64(n))
}

func randomBytes(b *testing.B, n int) []byte {
	b.Helper()
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		b.Fatal(err)
	}
	return buf
}

func benchKey(b *testing.B) codec.Key {
	b.Helper()
	k, err := codec.DeriveKey([]byte("bench secret"), nil, benchKDF)
	if err != nil {
		b.Fatalf("DeriveKey: %v", err)
	}
	return k
}

func newKV(b *testing.B) storage.KVEngine {
	b.Helper()
	kv, err := storage.NewBadgerEngine(storage.InMemoryKVConfig(), slog.New(slog.DiscardHandler))
	if err != nil {
		b.Fatalf("NewBadgerEngine: %v", err)
	}
	b.Cleanup(func() { kv.Close() })
	return kv
}

func policyLabel(k, n int) string {
	return fmt.Sprintf("%d-of-%d", k, n)
}
