// Package shamir implements Shamir secret sharing over GF(2^8).
//
// Each byte of the secret is the constant term of an independent random
// polynomial of degree threshold-1. Share i holds the evaluation of every
// polynomial at x = i, so shares carry no information about the secret
// until threshold of them are combined.
package shamir

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"
)

// MaxShares is the largest number of shares a secret can be split into.
const MaxShares = 255

var (
	ErrInvalidThreshold = errors.New("shamir: threshold must satisfy 2 <= threshold <= total <= 255")
	ErrEmptySecret      = errors.New("shamir: secret is empty")
	ErrTooFewShares     = errors.New("shamir: not enough shares")
	ErrShareMismatch    = errors.New("shamir: shares have different lengths")
	ErrDuplicateShare   = errors.New("shamir: duplicate share x-coordinate")
	ErrZeroCoordinate   = errors.New("shamir: share x-coordinate must be non-zero")
)

// Share is one evaluation point of the split secret.
type Share struct {
	X byte
	Y []byte
}

// Split divides secret into total shares, any threshold of which recover it.
// Share x-coordinates are 1..total.
func Split(secret []byte, threshold, total int) ([]Share, error) {
	return SplitWithReader(rand.Reader, secret, threshold, total)
}

// SplitWithReader is Split with an explicit randomness source.
func SplitWithReader(r io.Reader, secret []byte, threshold, total int) ([]Share, error) {
	if threshold < 2 || threshold > total || total > MaxShares {
		return nil, ErrInvalidThreshold
	}
	if len(secret) == 0 {
		return nil, ErrEmptySecret
	}

	shares := make([]Share, total)
	for i := range shares {
		shares[i] = Share{X: byte(i + 1), Y: make([]byte, len(secret))}
	}

	// coeffs[0] is the secret byte, the rest are random.
	coeffs := make([]byte, threshold)
	random := make([]byte, (threshold-1)*len(secret))
	if _, err := io.ReadFull(r, random); err != nil {
		return nil, fmt.Errorf("shamir: read randomness: %w", err)
	}

	for b, s := range secret {
		coeffs[0] = s
		copy(coeffs[1:], random[b*(threshold-1):(b+1)*(threshold-1)])
		for i := range shares {
			shares[i].Y[b] = evaluate(coeffs, shares[i].X)
		}
	}
	wipe(random)
	wipe(coeffs)

	return shares, nil
}

// Combine recovers the secret from at least two distinct shares using
// Lagrange interpolation at x = 0. The caller is responsible for supplying
// at least threshold shares; fewer yields an unrelated value.
func Combine(shares []Share) ([]byte, error) {
	if len(shares) < 2 {
		return nil, ErrTooFewShares
	}

	size := len(shares[0].Y)
	seen := make(map[byte]bool, len(shares))
	for _, s := range shares {
		if s.X == 0 {
			return nil, ErrZeroCoordinate
		}
		if seen[s.X] {
			return nil, ErrDuplicateShare
		}
		seen[s.X] = true
		if len(s.Y) != size {
			return nil, ErrShareMismatch
		}
	}

	// Lagrange basis at zero: l_j = prod_{m != j} x_m / (x_m - x_j).
	basis := make([]byte, len(shares))
	for j := range shares {
		num, den := byte(1), byte(1)
		for m := range shares {
			if m == j {
				continue
			}
			num = mul(num, shares[m].X)
			den = mul(den, add(shares[m].X, shares[j].X))
		}
		basis[j] = div(num, den)
	}

	secret := make([]byte, size)
	for b := 0; b < size; b++ {
		var acc byte
		for j, s := range shares {
			acc = add(acc, mul(s.Y[b], basis[j]))
		}
		secret[b] = acc
	}
	return secret, nil
}

// Interpolate returns the share at x of the polynomials through shares. Given
// at least threshold shares of one split it reproduces exactly the share that
// split produced (or would have produced) for x.
func Interpolate(shares []Share, x byte) (Share, error) {
	if x == 0 {
		return Share{}, ErrZeroCoordinate
	}
	if len(shares) < 2 {
		return Share{}, ErrTooFewShares
	}

	size := len(shares[0].Y)
	seen := make(map[byte]bool, len(shares))
	for _, s := range shares {
		if s.X == 0 {
			return Share{}, ErrZeroCoordinate
		}
		if seen[s.X] {
			return Share{}, ErrDuplicateShare
		}
		seen[s.X] = true
		if len(s.Y) != size {
			return Share{}, ErrShareMismatch
		}
	}

	// l_j(x) = prod_{m != j} (x - x_m) / (x_j - x_m); subtraction is xor.
	basis := make([]byte, len(shares))
	for j := range shares {
		num, den := byte(1), byte(1)
		for m := range shares {
			if m == j {
				continue
			}
			num = mul(num, add(x, shares[m].X))
			den = mul(den, add(shares[j].X, shares[m].X))
		}
		basis[j] = div(num, den)
	}

	out := Share{X: x, Y: make([]byte, size)}
	for b := 0; b < size; b++ {
		var acc byte
		for j, s := range shares {
			acc = add(acc, mul(s.Y[b], basis[j]))
		}
		out.Y[b] = acc
	}
	return out, nil
}

// evaluate computes the polynomial at x using Horner's rule.
func evaluate(coeffs []byte, x byte) byte {
	var out byte
	for i := len(coeffs) - 1; i >= 0; i-- {
		out = add(mul(out, x), coeffs[i])
	}
	return out
}

func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
