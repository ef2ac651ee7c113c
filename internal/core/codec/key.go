package codec

import (
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/hkdf"

	"github.com/yndnr/shardmesh-go/internal/core/domain"
	"github.com/yndnr/shardmesh-go/pkg/crypto/envelope"
)

// KeySize is the size of a file key.
const KeySize = 32

const saltPrefix = "shardmesh/v1/salt"

// HKDF info labels for the sub-keys derived from a file key.
const (
	infoFileKey     = "shardmesh/v1/file-key"
	infoRecoveryKey = "shardmesh/v1/recovery"
	infoManifestKey = "shardmesh/v1/manifest"
)

// Key is a symmetric file key. Zero it with Wipe when done.
type Key [KeySize]byte

// Wipe overwrites the key material.
func (k *Key) Wipe() {
	for i := range k {
		k[i] = 0
	}
}

// KDFParams are the argon2id cost parameters.
type KDFParams struct {
	Time    uint32
	Memory  uint32 // KiB
	Threads uint8
}

// DefaultKDFParams are used for user secrets.
var DefaultKDFParams = KDFParams{Time: 3, Memory: 64 * 1024, Threads: 4}

// DeriveKey derives a file key from the user secret and an auxiliary factor
// (device-independent, e.g. an account identifier). The same inputs always
// produce the same key.
func DeriveKey(userSecret, auxFactor []byte, params KDFParams) (Key, error) {
	var key Key
	if len(userSecret) == 0 {
		return key, domain.ErrInvalidKey.WithDetails("user secret is empty")
	}
	if params.Time == 0 || params.Memory == 0 || params.Threads == 0 {
		return key, domain.ErrInvalidArgument.WithDetails("kdf parameters must be non-zero")
	}

	salt := sha256.Sum256(append([]byte(saltPrefix), auxFactor...))
	stretched := argon2.IDKey(userSecret, salt[:], params.Time, params.Memory, params.Threads, KeySize)
	defer wipe(stretched)

	if _, err := io.ReadFull(hkdf.New(sha256.New, stretched, nil, []byte(infoFileKey)), key[:]); err != nil {
		return key, domain.ErrCryptoFailure.WithCause(fmt.Errorf("expand key: %w", err))
	}
	return key, nil
}

// RecoveryKeyPair derives the X25519 key pair that global-tier shards are
// wrapped to. Anyone holding the file key can rebuild it on a new device.
func RecoveryKeyPair(key Key) (*envelope.KeyPair, error) {
	seed, err := subKey(key, infoRecoveryKey)
	if err != nil {
		return nil, err
	}
	defer wipe(seed)
	return envelope.KeyPairFromSeed(seed)
}

// ManifestKey derives the key that seals manifest replicas in the DHT.
func ManifestKey(key Key) (Key, error) {
	var out Key
	sub, err := subKey(key, infoManifestKey)
	if err != nil {
		return out, err
	}
	copy(out[:], sub)
	wipe(sub)
	return out, nil
}

func subKey(key Key, info string) ([]byte, error) {
	out := make([]byte, KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, key[:], nil, []byte(info)), out); err != nil {
		return nil, domain.ErrCryptoFailure.WithCause(err)
	}
	return out, nil
}

func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
