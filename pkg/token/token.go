package token

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"strings"

	"golang.org/x/crypto/blake2b"
)

// Prefix marks shardmesh bearer tokens.
const Prefix = "smbt_"

// DefaultLength is the number of random bytes in a token.
const DefaultLength = 32

// Generate returns a new random token.
func Generate() (string, error) {
	raw := make([]byte, DefaultLength)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	return Prefix + base64.RawURLEncoding.EncodeToString(raw), nil
}

// WellFormed reports whether s has the token shape.
func WellFormed(s string) bool {
	body, ok := strings.CutPrefix(s, Prefix)
	if !ok {
		return false
	}
	raw, err := base64.RawURLEncoding.DecodeString(body)
	return err == nil && len(raw) == DefaultLength
}

// Hash returns the hex BLAKE2b-256 of a token.
func Hash(token string) string {
	sum := blake2b.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// Verify reports whether token hashes to expectedHash.
func Verify(token, expectedHash string) bool {
	return subtle.ConstantTimeCompare([]byte(Hash(token)), []byte(expectedHash)) == 1
}

// Equal compares two tokens in constant time.
func Equal(presented, configured string) bool {
	return subtle.ConstantTimeCompare([]byte(Hash(presented)), []byte(Hash(configured))) == 1
}

// FromHeader extracts the token of an "Authorization: Bearer" header value.
func FromHeader(value string) (string, bool) {
	scheme, tok, ok := strings.Cut(value, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || tok == "" {
		return "", false
	}
	return strings.TrimSpace(tok), true
}
