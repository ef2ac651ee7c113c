// Package domain defines the core domain models for shardmesh.
package domain

import (
	"errors"
	"fmt"
)

// DomainError represents a storage engine error with a structured error code.
type DomainError struct {
	Code    string // Error code (e.g., "SM-SHARD-4090")
	Message string // Human-readable message
	Details string // Optional additional details
	Cause   error  // Underlying error (if any)
}

// Error implements the error interface.
func (e *DomainError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("[%s] %s: %s", e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error for errors.Unwrap() support.
func (e *DomainError) Unwrap() error {
	return e.Cause
}

// Is matches another DomainError by code.
func (e *DomainError) Is(target error) bool {
	t, ok := target.(*DomainError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// NewDomainError creates a new DomainError with the given code and message.
func NewDomainError(code, message string) *DomainError {
	return &DomainError{
		Code:    code,
		Message: message,
	}
}

// WithDetails returns a copy of the error with additional details.
func (e *DomainError) WithDetails(details string) *DomainError {
	return &DomainError{
		Code:    e.Code,
		Message: e.Message,
		Details: details,
		Cause:   e.Cause,
	}
}

// WithCause returns a copy of the error wrapping the given cause.
func (e *DomainError) WithCause(cause error) *DomainError {
	return &DomainError{
		Code:    e.Code,
		Message: e.Message,
		Details: e.Details,
		Cause:   cause,
	}
}

// Wrap wraps an error with this domain error as the cause.
func (e *DomainError) Wrap(cause error) *DomainError {
	return e.WithCause(cause)
}

// IsDomainError checks if an error is a DomainError with the given code.
// If code is empty, it only checks if the error is a DomainError.
func IsDomainError(err error, code string) bool {
	var de *DomainError
	if errors.As(err, &de) {
		if code == "" {
			return true
		}
		return de.Code == code
	}
	return false
}

// GetErrorCode extracts the error code from an error if it's a DomainError.
func GetErrorCode(err error) string {
	var de *DomainError
	if errors.As(err, &de) {
		return de.Code
	}
	return ""
}

// IsRetryable reports whether the operation that produced err may succeed
// if repeated later without caller intervention.
func IsRetryable(err error) bool {
	switch {
	case errors.Is(err, ErrInsufficientShares),
		errors.Is(err, ErrTransportUnavailable),
		errors.Is(err, ErrQuorumNotReached),
		errors.Is(err, ErrTimeout):
		return true
	default:
		return false
	}
}

// ============================================================================
// Crypto Errors (CRYPTO / WRAP)
// ============================================================================

var (
	// ErrCryptoFailure indicates authentication-tag mismatch or malformed ciphertext.
	// Always fatal to the operation; no partial plaintext is ever returned.
	ErrCryptoFailure = NewDomainError("SM-CRYPTO-4001", "crypto failure")

	// ErrInvalidKey indicates key material of the wrong size or format.
	ErrInvalidKey = NewDomainError("SM-CRYPTO-4002", "invalid key material")

	// ErrWrongRecipient indicates an envelope was opened with a non-matching private key.
	ErrWrongRecipient = NewDomainError("SM-WRAP-4030", "wrong recipient for shard envelope")
)

// ============================================================================
// Shard Errors (SHARD)
// ============================================================================

var (
	// ErrInsufficientShares indicates fewer than threshold distinct shares are reachable.
	ErrInsufficientShares = NewDomainError("SM-SHARD-4090", "insufficient shares")

	// ErrInconsistentShares indicates shares that cannot belong to the same split.
	ErrInconsistentShares = NewDomainError("SM-SHARD-4091", "inconsistent shares")

	// ErrInvalidPolicy indicates an unusable threshold/total combination.
	ErrInvalidPolicy = NewDomainError("SM-SHARD-4001", "invalid sharing policy")
)

// ============================================================================
// Placement / Transport Errors (TRANS, DHT, ALLOC)
// ============================================================================

var (
	// ErrTransportUnavailable indicates a transport adapter (or peer via it) is down.
	ErrTransportUnavailable = NewDomainError("SM-TRANS-5031", "transport unavailable")

	// ErrPeerNotFound indicates the peer is not in the directory.
	ErrPeerNotFound = NewDomainError("SM-TRANS-4040", "peer not found")

	// ErrQuorumNotReached indicates a DHT put acknowledged by less than a majority of R.
	ErrQuorumNotReached = NewDomainError("SM-DHT-5032", "dht quorum not reached")

	// ErrValueNotFound indicates a DHT lookup found no holder of the key.
	ErrValueNotFound = NewDomainError("SM-DHT-4040", "dht value not found")

	// ErrAllocationExceeded indicates a storage budget would be overrun.
	ErrAllocationExceeded = NewDomainError("SM-ALLOC-4130", "storage allocation exceeded")

	// ErrAllocationOutOfBounds indicates a requested budget outside role bounds.
	ErrAllocationOutOfBounds = NewDomainError("SM-ALLOC-4001", "allocation outside role bounds")

	// ErrNoDestinations indicates every viable destination was exhausted.
	ErrNoDestinations = NewDomainError("SM-ALLOC-5030", "no viable destinations")
)

// ============================================================================
// File / Manifest Errors (FILE, MANI)
// ============================================================================

var (
	// ErrFileNotFound indicates no manifest exists for the content address.
	ErrFileNotFound = NewDomainError("SM-FILE-4040", "file not found")

	// ErrManifestDurability indicates the manifest could not be made durable.
	// Never retried silently.
	ErrManifestDurability = NewDomainError("SM-MANI-5001", "manifest durability failure")

	// ErrManifestCorrupt indicates a manifest failed to decode.
	ErrManifestCorrupt = NewDomainError("SM-MANI-5002", "manifest corrupt")
)

// ============================================================================
// System / Argument Errors (SYS, ARG)
// ============================================================================

var (
	// ErrTimeout indicates a caller-supplied deadline expired.
	ErrTimeout = NewDomainError("SM-SYS-5040", "operation timed out")

	// ErrStorage indicates a local storage layer error.
	ErrStorage = NewDomainError("SM-SYS-5001", "storage error")

	// ErrClosed indicates the component was already shut down.
	ErrClosed = NewDomainError("SM-SYS-5030", "component closed")

	// ErrInvalidArgument indicates an invalid argument.
	ErrInvalidArgument = NewDomainError("SM-ARG-4000", "invalid argument")

	// ErrUnauthorized indicates a missing or wrong bearer token.
	ErrUnauthorized = NewDomainError("SM-AUTH-4010", "unauthorized")
)
