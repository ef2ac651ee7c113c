package codec

import (
	"errors"

	"github.com/yndnr/shardmesh-go/internal/core/domain"
	"github.com/yndnr/shardmesh-go/pkg/crypto/envelope"
)

// envelopeAAD binds an envelope to the file and shard index it carries, so a
// holder cannot present one file's shard as another's.
func envelopeAAD(fileID domain.ContentAddress, index uint8) []byte {
	aad := make([]byte, 0, len("shardmesh/shard/v1")+domain.ContentAddressSize+1)
	aad = append(aad, "shardmesh/shard/v1"...)
	aad = append(aad, fileID[:]...)
	return append(aad, index)
}

// Wrap seals a shard to the destination's public key.
func Wrap(fileID domain.ContentAddress, shard domain.Shard, destinationID string, destPublicKey []byte) (domain.WrappedShard, error) {
	inner, err := shard.MarshalBinary()
	if err != nil {
		return domain.WrappedShard{}, err
	}

	env, err := envelope.Seal(destPublicKey, inner, envelopeAAD(fileID, shard.Index))
	wipe(inner)
	if err != nil {
		if errors.Is(err, envelope.ErrInvalidKey) {
			return domain.WrappedShard{}, domain.ErrInvalidKey.WithCause(err)
		}
		return domain.WrappedShard{}, domain.ErrCryptoFailure.WithCause(err)
	}

	return domain.WrappedShard{
		FileID:        fileID,
		Index:         shard.Index,
		DestinationID: destinationID,
		Envelope:      env,
	}, nil
}

// Unwrap opens a wrapped shard with the destination's key pair. A key that
// does not match yields ErrWrongRecipient.
func Unwrap(wrapped domain.WrappedShard, kp *envelope.KeyPair) (domain.Shard, error) {
	inner, err := envelope.Open(kp, wrapped.Envelope, envelopeAAD(wrapped.FileID, wrapped.Index))
	if err != nil {
		if errors.Is(err, envelope.ErrWrongRecipient) {
			return domain.Shard{}, domain.ErrWrongRecipient.WithCause(err)
		}
		return domain.Shard{}, domain.ErrCryptoFailure.WithCause(err)
	}

	var shard domain.Shard
	if err := shard.UnmarshalBinary(inner); err != nil {
		return domain.Shard{}, err
	}
	wipe(inner)
	if shard.Index != wrapped.Index {
		return domain.Shard{}, domain.ErrInconsistentShares.WithDetails("envelope index does not match shard")
	}
	return shard, nil
}

// Rewrap moves a shard from one recipient to another without exposing it
// outside process memory. Holders use it to hand their shard to the owner.
func Rewrap(wrapped domain.WrappedShard, holder *envelope.KeyPair, destinationID string, destPublicKey []byte) (domain.WrappedShard, error) {
	shard, err := Unwrap(wrapped, holder)
	if err != nil {
		return domain.WrappedShard{}, err
	}
	defer wipe(shard.Payload)
	return Wrap(wrapped.FileID, shard, destinationID, destPublicKey)
}
