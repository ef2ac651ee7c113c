package dht

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"math/bits"

	"golang.org/x/crypto/blake2b"

	"github.com/yndnr/shardmesh-go/internal/core/domain"
)

// IDLength is the size of node ids and keys in bytes.
const IDLength = 32

// ID is a point in the 256-bit keyspace. Node ids and value keys share it.
type ID [IDLength]byte

// NodeIDFromPublicKey derives a node id from its public key.
func NodeIDFromPublicKey(pub []byte) ID {
	return ID(blake2b.Sum256(pub))
}

// KeyID maps a content address into the keyspace.
func KeyID(addr domain.ContentAddress) ID {
	return ID(addr)
}

// ParseID parses a hex id.
func ParseID(s string) (ID, error) {
	var id ID
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != IDLength {
		return id, fmt.Errorf("invalid dht id %q", s)
	}
	copy(id[:], b)
	return id, nil
}

func (id ID) String() string { return hex.EncodeToString(id[:]) }

// Short is a log-friendly prefix.
func (id ID) Short() string { return hex.EncodeToString(id[:4]) }

func (id ID) MarshalText() ([]byte, error) { return []byte(id.String()), nil }

func (id *ID) UnmarshalText(text []byte) error {
	parsed, err := ParseID(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// Xor returns the XOR distance between two ids.
func (id ID) Xor(other ID) ID {
	var d ID
	for i := range d {
		d[i] = id[i] ^ other[i]
	}
	return d
}

// Closer reports whether a is closer to target than b.
func Closer(target, a, b ID) bool {
	da, db := target.Xor(a), target.Xor(b)
	return bytes.Compare(da[:], db[:]) < 0
}

// prefixLen is the number of leading zero bits of the distance between two
// ids, which is also the index of the bucket other falls into.
func prefixLen(self, other ID) int {
	d := self.Xor(other)
	for i, b := range d {
		if b != 0 {
			return i*8 + bits.LeadingZeros8(b)
		}
	}
	return IDLength * 8
}

// Contact is a reachable DHT node.
type Contact struct {
	ID   ID     `json:"id"`
	Addr string `json:"addr"`
}

func (c Contact) String() string {
	return c.ID.Short() + "@" + c.Addr
}
