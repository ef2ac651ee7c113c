package codec

import (
	"sync"

	"github.com/klauspost/compress/zstd"

	"github.com/yndnr/shardmesh-go/internal/core/domain"
)

var (
	zstdOnce sync.Once
	zstdEnc  *zstd.Encoder
	zstdDec  *zstd.Decoder
	zstdErr  error
)

func zstdCodec() (*zstd.Encoder, *zstd.Decoder, error) {
	zstdOnce.Do(func() {
		zstdEnc, zstdErr = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if zstdErr != nil {
			return
		}
		zstdDec, zstdErr = zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))
	})
	return zstdEnc, zstdDec, zstdErr
}

// Compress returns the zstd encoding of data and whether it is smaller than
// the input. Callers store the original when it is not.
func Compress(data []byte) ([]byte, bool, error) {
	enc, _, err := zstdCodec()
	if err != nil {
		return nil, false, domain.ErrStorage.WithCause(err)
	}
	out := enc.EncodeAll(data, make([]byte, 0, len(data)/2))
	return out, len(out) < len(data), nil
}

// Decompress reverses Compress.
func Decompress(data []byte) ([]byte, error) {
	_, dec, err := zstdCodec()
	if err != nil {
		return nil, domain.ErrStorage.WithCause(err)
	}
	out, err := dec.DecodeAll(data, nil)
	if err != nil {
		return nil, domain.ErrCryptoFailure.WithCause(err)
	}
	return out, nil
}
