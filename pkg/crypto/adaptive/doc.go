// Package adaptive selects an AEAD for blob encryption.
//
// AES-256-GCM is used where the Go runtime has hardware AES (amd64, arm64),
// ChaCha20-Poly1305 elsewhere. XChaCha20-Poly1305 is available for callers
// that need a 24-byte random nonce, such as shard envelopes.
//
// Nonces are returned separately from the ciphertext so that callers can
// store them in their own framing:
//
//	c, err := adaptive.New(key)
//	nonce, ct, err := c.Seal(plaintext, aad)
//	plaintext, err := c.Open(nonce, ct, aad)
package adaptive
