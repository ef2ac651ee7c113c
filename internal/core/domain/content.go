package domain

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/blake2b"
)

// ContentAddressSize is the byte length of a ContentAddress.
const ContentAddressSize = blake2b.Size256

// blobFormatVersion is the leading byte of a serialized EncryptedBlob.
const blobFormatVersion = 1

// ContentAddress identifies an encrypted blob. It is the BLAKE2b-256 hash of
// the blob's nonce and ciphertext and doubles as the shard-set identifier.
type ContentAddress [ContentAddressSize]byte

// ComputeAddress derives the ContentAddress of an encrypted blob.
func ComputeAddress(blob EncryptedBlob) ContentAddress {
	h, _ := blake2b.New256(nil)
	var n [4]byte
	binary.BigEndian.PutUint32(n[:], uint32(len(blob.Nonce)))
	h.Write(n[:])
	h.Write(blob.Nonce)
	h.Write(blob.Ciphertext)

	var addr ContentAddress
	copy(addr[:], h.Sum(nil))
	return addr
}

// ParseContentAddress parses the hex form of an address.
func ParseContentAddress(s string) (ContentAddress, error) {
	var addr ContentAddress
	raw, err := hex.DecodeString(s)
	if err != nil {
		return addr, ErrInvalidArgument.WithDetails("content address is not hex").WithCause(err)
	}
	if len(raw) != ContentAddressSize {
		return addr, ErrInvalidArgument.WithDetails(
			fmt.Sprintf("content address must be %d bytes, got %d", ContentAddressSize, len(raw)))
	}
	copy(addr[:], raw)
	return addr, nil
}

// String returns the lowercase hex encoding.
func (a ContentAddress) String() string {
	return hex.EncodeToString(a[:])
}

// Short returns the first 12 hex digits, for logs.
func (a ContentAddress) Short() string {
	return a.String()[:12]
}

// IsZero reports whether the address is unset.
func (a ContentAddress) IsZero() bool {
	return a == ContentAddress{}
}

// MarshalText implements encoding.TextMarshaler.
func (a ContentAddress) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (a *ContentAddress) UnmarshalText(text []byte) error {
	parsed, err := ParseContentAddress(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// DerivedKey hashes the address together with a label and index. It yields
// independent lookup keys for the shards and manifest of one file.
func (a ContentAddress) DerivedKey(label string, index uint8) ContentAddress {
	h, _ := blake2b.New256(nil)
	h.Write(a[:])
	h.Write([]byte(label))
	h.Write([]byte{index})

	var out ContentAddress
	copy(out[:], h.Sum(nil))
	return out
}

// EncryptedBlob is the authenticated ciphertext of one file write.
type EncryptedBlob struct {
	Nonce      []byte
	Ciphertext []byte
}

// MarshalBinary encodes the blob as version || nonce_len || nonce || ciphertext.
func (b EncryptedBlob) MarshalBinary() ([]byte, error) {
	if len(b.Nonce) > 255 {
		return nil, ErrInvalidArgument.WithDetails("nonce longer than 255 bytes")
	}
	out := make([]byte, 0, 2+len(b.Nonce)+len(b.Ciphertext))
	out = append(out, blobFormatVersion, byte(len(b.Nonce)))
	out = append(out, b.Nonce...)
	out = append(out, b.Ciphertext...)
	return out, nil
}

// UnmarshalBinary decodes the MarshalBinary form.
func (b *EncryptedBlob) UnmarshalBinary(data []byte) error {
	if len(data) < 2 {
		return ErrCryptoFailure.WithDetails("encoded blob too short")
	}
	if data[0] != blobFormatVersion {
		return ErrCryptoFailure.WithDetails(fmt.Sprintf("unknown blob version %d", data[0]))
	}
	nonceLen := int(data[1])
	if len(data) < 2+nonceLen {
		return ErrCryptoFailure.WithDetails("encoded blob truncated")
	}
	b.Nonce = append([]byte(nil), data[2:2+nonceLen]...)
	b.Ciphertext = append([]byte(nil), data[2+nonceLen:]...)
	return nil
}

// Shard is one output of threshold secret splitting. Index is zero-based.
type Shard struct {
	Index     uint8
	Threshold uint8
	Total     uint8
	Payload   []byte
}

// Validate checks the structural invariants of a shard.
func (s Shard) Validate() error {
	if s.Index >= s.Total {
		return ErrInconsistentShares.WithDetails(fmt.Sprintf("share index %d outside 0..%d", s.Index, s.Total-1))
	}
	return ValidatePolicy(s.Threshold, s.Total)
}

// MarshalBinary encodes the shard as index || threshold || total || payload.
func (s Shard) MarshalBinary() ([]byte, error) {
	out := make([]byte, 0, 3+len(s.Payload))
	out = append(out, s.Index, s.Threshold, s.Total)
	return append(out, s.Payload...), nil
}

// UnmarshalBinary decodes the MarshalBinary form.
func (s *Shard) UnmarshalBinary(data []byte) error {
	if len(data) < 3 {
		return ErrInconsistentShares.WithDetails("encoded shard too short")
	}
	s.Index, s.Threshold, s.Total = data[0], data[1], data[2]
	s.Payload = append([]byte(nil), data[3:]...)
	return nil
}

// ValidatePolicy enforces 2 <= threshold <= total.
func ValidatePolicy(threshold, total uint8) error {
	if threshold < 2 {
		return ErrInvalidPolicy.WithDetails(fmt.Sprintf("threshold %d below 2", threshold))
	}
	if threshold > total {
		return ErrInvalidPolicy.WithDetails(fmt.Sprintf("threshold %d exceeds total %d", threshold, total))
	}
	return nil
}

// WrappedShard is a shard sealed to one destination's public key.
type WrappedShard struct {
	FileID        ContentAddress `json:"file_id"`
	Index         uint8          `json:"index"`
	DestinationID string         `json:"destination_id"`
	Envelope      []byte         `json:"envelope"`
}
