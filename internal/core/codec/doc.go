// Package codec turns plaintext into encrypted, threshold-shared shards and
// back.
//
// The write path is: optional zstd compression, AEAD encryption under a key
// derived from the user secret, Shamir split of the encoded blob, and a
// per-destination X25519 envelope around each shard. Read is the mirror.
package codec
