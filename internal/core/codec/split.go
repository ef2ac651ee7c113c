package codec

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/yndnr/shardmesh-go/internal/core/domain"
	"github.com/yndnr/shardmesh-go/pkg/crypto/shamir"
)

// Policy is a threshold-of-total sharing policy.
type Policy struct {
	Threshold int
	Total     int
	// LocalOnly marks the degraded 1-of-1 case: no split, no redundancy.
	LocalOnly bool
}

// DefaultPolicy is used when at least five destinations are reachable.
var DefaultPolicy = Policy{Threshold: 3, Total: 5}

// LocalOnlyPolicy keeps a single copy on the local store.
var LocalOnlyPolicy = Policy{Threshold: 1, Total: 1, LocalOnly: true}

// Validate checks the policy invariants.
func (p Policy) Validate() error {
	if p.LocalOnly {
		if p.Threshold != 1 || p.Total != 1 {
			return domain.ErrInvalidPolicy.WithDetails("local-only policy must be 1-of-1")
		}
		return nil
	}
	if p.Total > shamir.MaxShares || p.Threshold < 0 {
		return domain.ErrInvalidPolicy.WithDetails(fmt.Sprintf("policy %d-of-%d out of range", p.Threshold, p.Total))
	}
	return domain.ValidatePolicy(uint8(p.Threshold), uint8(p.Total))
}

func (p Policy) String() string {
	if p.LocalOnly {
		return "local-only"
	}
	return fmt.Sprintf("%d-of-%d", p.Threshold, p.Total)
}

// RecommendPolicy picks a policy for the number of reachable destinations,
// counting the local store.
func RecommendPolicy(reachable int) Policy {
	switch {
	case reachable >= DefaultPolicy.Total:
		return DefaultPolicy
	case reachable <= 1:
		return LocalOnlyPolicy
	}

	total := reachable
	threshold := (total+1)/2 + 1
	if threshold > total {
		threshold = total
	}
	return Policy{Threshold: threshold, Total: total}
}

// Split divides a blob into total shards, any threshold of which rebuild it.
// Shard indices are 0..total-1.
func Split(blob domain.EncryptedBlob, threshold, total int) ([]domain.Shard, error) {
	if err := (Policy{Threshold: threshold, Total: total}).Validate(); err != nil {
		return nil, err
	}

	data, err := blob.MarshalBinary()
	if err != nil {
		return nil, err
	}

	shares, err := shamir.Split(data, threshold, total)
	if err != nil {
		return nil, domain.ErrInvalidPolicy.WithCause(err)
	}

	shards := make([]domain.Shard, len(shares))
	for i, s := range shares {
		shards[i] = domain.Shard{
			Index:     s.X - 1,
			Threshold: uint8(threshold),
			Total:     uint8(total),
			Payload:   s.Y,
		}
	}
	return shards, nil
}

// Reconstruct rebuilds a blob from shards in any order. Duplicates with the
// same payload are ignored; duplicates that disagree are rejected.
func Reconstruct(shards []domain.Shard) (domain.EncryptedBlob, error) {
	unique, threshold, err := dedupe(shards)
	if err != nil {
		return domain.EncryptedBlob{}, err
	}
	indices := sortedIndices(unique)

	shares := make([]shamir.Share, 0, threshold)
	for _, idx := range indices[:threshold] {
		s := unique[uint8(idx)]
		shares = append(shares, shamir.Share{X: s.Index + 1, Y: s.Payload})
	}

	data, err := shamir.Combine(shares)
	if err != nil {
		return domain.EncryptedBlob{}, domain.ErrInconsistentShares.WithCause(err)
	}

	var blob domain.EncryptedBlob
	if err := blob.UnmarshalBinary(data); err != nil {
		return domain.EncryptedBlob{}, err
	}
	return blob, nil
}

// Regenerate rebuilds the shard at index from at least threshold shards of
// the same split. The result is identical to the shard Split produced.
func Regenerate(shards []domain.Shard, index uint8) (domain.Shard, error) {
	unique, threshold, err := dedupe(shards)
	if err != nil {
		return domain.Shard{}, err
	}
	total := shards[0].Total
	if index >= total {
		return domain.Shard{}, domain.ErrInvalidArgument.WithDetails(
			fmt.Sprintf("shard index %d outside 0..%d", index, total-1))
	}
	if s, ok := unique[index]; ok {
		s.Payload = bytes.Clone(s.Payload)
		return s, nil
	}

	indices := sortedIndices(unique)
	shares := make([]shamir.Share, 0, threshold)
	for _, idx := range indices[:threshold] {
		s := unique[uint8(idx)]
		shares = append(shares, shamir.Share{X: s.Index + 1, Y: s.Payload})
	}
	share, err := shamir.Interpolate(shares, index+1)
	if err != nil {
		return domain.Shard{}, domain.ErrInconsistentShares.WithCause(err)
	}
	return domain.Shard{Index: index, Threshold: uint8(threshold), Total: total, Payload: share.Y}, nil
}

// dedupe validates shards and drops identical duplicates. It fails with
// ErrInsufficientShares when fewer than threshold distinct shards remain.
func dedupe(shards []domain.Shard) (map[uint8]domain.Shard, int, error) {
	if len(shards) == 0 {
		return nil, 0, domain.ErrInsufficientShares.WithDetails("no shards supplied")
	}

	threshold, total := shards[0].Threshold, shards[0].Total
	unique := make(map[uint8]domain.Shard, len(shards))
	for _, s := range shards {
		if err := s.Validate(); err != nil {
			return nil, 0, err
		}
		if s.Threshold != threshold || s.Total != total {
			return nil, 0, domain.ErrInconsistentShares.WithDetails("shards disagree on policy")
		}
		if prev, ok := unique[s.Index]; ok {
			if !bytes.Equal(prev.Payload, s.Payload) {
				return nil, 0, domain.ErrInconsistentShares.WithDetails(
					fmt.Sprintf("conflicting payloads for shard %d", s.Index))
			}
			continue
		}
		unique[s.Index] = s
	}

	if len(unique) < int(threshold) {
		return nil, 0, domain.ErrInsufficientShares.WithDetails(
			fmt.Sprintf("have %d unique shards, need %d", len(unique), threshold))
	}
	return unique, int(threshold), nil
}

func sortedIndices(unique map[uint8]domain.Shard) []int {
	indices := make([]int, 0, len(unique))
	for idx := range unique {
		indices = append(indices, int(idx))
	}
	sort.Ints(indices)
	return indices
}
