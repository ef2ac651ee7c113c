// Package envelope seals payloads to an X25519 public key.
//
// An envelope is eph_pub(32) || nonce(24) || ciphertext. The AEAD key is
// HKDF-SHA256 over the X25519 shared secret, salted with the ephemeral and
// recipient public keys, so only the holder of the recipient private key can
// open it.
package envelope

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"

	"github.com/yndnr/shardmesh-go/pkg/crypto/adaptive"
)

// KeySize is the size of X25519 public and private keys.
const KeySize = curve25519.PointSize

const info = "shardmesh/envelope/v1"

// HeaderSize is the fixed prefix before the ciphertext.
const HeaderSize = KeySize + chacha20poly1305.NonceSizeX

var (
	ErrMalformed      = errors.New("envelope: malformed")
	ErrWrongRecipient = errors.New("envelope: not addressed to this key")
	ErrInvalidKey     = errors.New("envelope: invalid key")
)

// KeyPair is an X25519 key pair.
type KeyPair struct {
	Public  [KeySize]byte
	Private [KeySize]byte
}

// GenerateKeyPair creates a random key pair.
func GenerateKeyPair() (*KeyPair, error) {
	seed := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, seed); err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	return KeyPairFromSeed(seed)
}

// KeyPairFromSeed derives a key pair deterministically from 32 seed bytes.
func KeyPairFromSeed(seed []byte) (*KeyPair, error) {
	if len(seed) != KeySize {
		return nil, ErrInvalidKey
	}

	kp := &KeyPair{}
	copy(kp.Private[:], seed)
	kp.Private[0] &= 248
	kp.Private[31] &= 127
	kp.Private[31] |= 64

	pub, err := curve25519.X25519(kp.Private[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("derive public key: %w", err)
	}
	copy(kp.Public[:], pub)
	return kp, nil
}

// Seal encrypts plaintext to recipient.
func Seal(recipient, plaintext, additionalData []byte) ([]byte, error) {
	if len(recipient) != KeySize {
		return nil, ErrInvalidKey
	}

	eph, err := GenerateKeyPair()
	if err != nil {
		return nil, err
	}

	shared, err := curve25519.X25519(eph.Private[:], recipient)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}

	c, err := sessionCipher(shared, eph.Public[:], recipient)
	if err != nil {
		return nil, err
	}

	nonce, ct, err := c.Seal(plaintext, additionalData)
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, HeaderSize+len(ct))
	out = append(out, eph.Public[:]...)
	out = append(out, nonce...)
	out = append(out, ct...)
	return out, nil
}

// Open decrypts an envelope with the recipient's key pair.
func Open(kp *KeyPair, env, additionalData []byte) ([]byte, error) {
	if len(env) < HeaderSize+chacha20poly1305.Overhead {
		return nil, ErrMalformed
	}

	ephPub := env[:KeySize]
	nonce := env[KeySize:HeaderSize]
	ct := env[HeaderSize:]

	shared, err := curve25519.X25519(kp.Private[:], ephPub)
	if err != nil {
		return nil, ErrMalformed
	}

	c, err := sessionCipher(shared, ephPub, kp.Public[:])
	if err != nil {
		return nil, err
	}

	plaintext, err := c.Open(nonce, ct, additionalData)
	if err != nil {
		return nil, ErrWrongRecipient
	}
	return plaintext, nil
}

func sessionCipher(shared, ephPub, recipient []byte) (adaptive.Cipher, error) {
	salt := make([]byte, 0, 2*KeySize)
	salt = append(salt, ephPub...)
	salt = append(salt, recipient...)

	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, shared, salt, []byte(info)), key); err != nil {
		return nil, fmt.Errorf("derive envelope key: %w", err)
	}
	return adaptive.NewXChaCha20(key)
}
