package adaptive

import (
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"io"
	"runtime"
)

// CipherType identifies the cipher algorithm.
type CipherType string

const (
	CipherAESGCM    CipherType = "aes-gcm"
	CipherChaCha20  CipherType = "chacha20-poly1305"
	CipherXChaCha20 CipherType = "xchacha20-poly1305"
)

// KeySize is the key length accepted by every cipher in this package.
const KeySize = 32

// Cipher provides authenticated encryption with caller-visible nonces.
type Cipher interface {
	Type() CipherType

	// Seal encrypts plaintext under a fresh random nonce.
	Seal(plaintext, additionalData []byte) (nonce, ciphertext []byte, err error)

	// Open authenticates and decrypts ciphertext.
	Open(nonce, ciphertext, additionalData []byte) ([]byte, error)

	NonceSize() int
	Overhead() int
}

// New creates the preferred cipher for this platform.
func New(key []byte) (Cipher, error) {
	if hasHardwareAES() {
		return NewAESGCM(key)
	}
	return NewChaCha20(key)
}

// NewWithType creates a cipher of the specified type.
func NewWithType(key []byte, cipherType CipherType) (Cipher, error) {
	switch cipherType {
	case CipherAESGCM:
		return NewAESGCM(key)
	case CipherChaCha20:
		return NewChaCha20(key)
	case CipherXChaCha20:
		return NewXChaCha20(key)
	case "":
		return New(key)
	default:
		return nil, fmt.Errorf("unknown cipher type: %s", cipherType)
	}
}

// ForNonceSize picks the cipher that produced a nonce of the given size.
// AES-GCM and ChaCha20-Poly1305 share a 12-byte nonce, so the platform
// preference is tried first and the caller falls back on failure.
func ForNonceSize(key []byte, size int) ([]Cipher, error) {
	switch size {
	case 12:
		aes, err := NewAESGCM(key)
		if err != nil {
			return nil, err
		}
		cc, err := NewChaCha20(key)
		if err != nil {
			return nil, err
		}
		if hasHardwareAES() {
			return []Cipher{aes, cc}, nil
		}
		return []Cipher{cc, aes}, nil
	case 24:
		x, err := NewXChaCha20(key)
		if err != nil {
			return nil, err
		}
		return []Cipher{x}, nil
	default:
		return nil, fmt.Errorf("no cipher uses a %d-byte nonce", size)
	}
}

// hasHardwareAES reports whether crypto/aes is hardware accelerated.
func hasHardwareAES() bool {
	switch runtime.GOARCH {
	case "amd64", "arm64":
		return true
	default:
		return false
	}
}

type aeadCipher struct {
	typ  CipherType
	aead cipher.AEAD
}

func (c *aeadCipher) Type() CipherType { return c.typ }

func (c *aeadCipher) NonceSize() int { return c.aead.NonceSize() }

func (c *aeadCipher) Overhead() int { return c.aead.Overhead() }

func (c *aeadCipher) Seal(plaintext, additionalData []byte) ([]byte, []byte, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, nil, err
	}
	return nonce, c.aead.Seal(nil, nonce, plaintext, additionalData), nil
}

func (c *aeadCipher) Open(nonce, ciphertext, additionalData []byte) ([]byte, error) {
	if len(nonce) != c.aead.NonceSize() {
		return nil, fmt.Errorf("nonce is %d bytes, want %d", len(nonce), c.aead.NonceSize())
	}
	if len(ciphertext) < c.aead.Overhead() {
		return nil, fmt.Errorf("ciphertext too short")
	}
	return c.aead.Open(nil, nonce, ciphertext, additionalData)
}
