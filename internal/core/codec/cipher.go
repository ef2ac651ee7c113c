package codec

import (
	"github.com/yndnr/shardmesh-go/internal/core/domain"
	"github.com/yndnr/shardmesh-go/pkg/crypto/adaptive"
)

var blobAAD = []byte("shardmesh/blob/v1")

// Encrypt seals plaintext under key with a fresh nonce.
func Encrypt(plaintext []byte, key Key, cipherType adaptive.CipherType) (domain.EncryptedBlob, error) {
	c, err := adaptive.NewWithType(key[:], cipherType)
	if err != nil {
		return domain.EncryptedBlob{}, domain.ErrCryptoFailure.WithCause(err)
	}

	nonce, ct, err := c.Seal(plaintext, blobAAD)
	if err != nil {
		return domain.EncryptedBlob{}, domain.ErrCryptoFailure.WithCause(err)
	}
	return domain.EncryptedBlob{Nonce: nonce, Ciphertext: ct}, nil
}

// Decrypt opens a blob produced by Encrypt. Any failure, including a wrong
// key or tampered ciphertext, is reported as ErrCryptoFailure.
func Decrypt(blob domain.EncryptedBlob, key Key) ([]byte, error) {
	candidates, err := adaptive.ForNonceSize(key[:], len(blob.Nonce))
	if err != nil {
		return nil, domain.ErrCryptoFailure.WithCause(err)
	}

	for _, c := range candidates {
		if plaintext, err := c.Open(blob.Nonce, blob.Ciphertext, blobAAD); err == nil {
			return plaintext, nil
		}
	}
	return nil, domain.ErrCryptoFailure.WithDetails("authentication failed")
}

// Seal and Open apply the same AEAD to small records such as manifest
// replicas, using the record's own AAD.
func Seal(plaintext []byte, key Key, aad []byte) ([]byte, error) {
	c, err := adaptive.NewXChaCha20(key[:])
	if err != nil {
		return nil, domain.ErrCryptoFailure.WithCause(err)
	}
	nonce, ct, err := c.Seal(plaintext, aad)
	if err != nil {
		return nil, domain.ErrCryptoFailure.WithCause(err)
	}
	return append(nonce, ct...), nil
}

// Open reverses Seal.
func Open(sealed []byte, key Key, aad []byte) ([]byte, error) {
	c, err := adaptive.NewXChaCha20(key[:])
	if err != nil {
		return nil, domain.ErrCryptoFailure.WithCause(err)
	}
	if len(sealed) < c.NonceSize() {
		return nil, domain.ErrCryptoFailure.WithDetails("sealed record too short")
	}
	out, err := c.Open(sealed[:c.NonceSize()], sealed[c.NonceSize():], aad)
	if err != nil {
		return nil, domain.ErrCryptoFailure.WithDetails("authentication failed")
	}
	return out, nil
}
