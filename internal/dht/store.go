package dht

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/yndnr/shardmesh-go/internal/core/domain"
	"github.com/yndnr/shardmesh-go/internal/storage"
)

// record is a value held for the network.
type record struct {
	Value    []byte    `json:"value"`
	StoredAt time.Time `json:"stored_at"`
}

// valueStore persists held values under the dht/ prefix, charged against
// the node's DHT tier budget when one is set.
type valueStore struct {
	kv    storage.KVEngine
	alloc *domain.StorageAllocation
}

// used sums what is already held, for budget accounting after a restart.
func (s *valueStore) used(ctx context.Context) (int64, error) {
	var n int64
	err := s.kv.Scan(ctx, []byte(storage.PrefixDHT), func(_, v []byte) bool {
		n += int64(len(v))
		return true
	})
	return n, err
}

func valueKey(key ID) []byte {
	return []byte(storage.PrefixDHT + key.String())
}

func (s *valueStore) put(ctx context.Context, key ID, value []byte) error {
	data, err := json.Marshal(record{Value: value, StoredAt: time.Now().UTC()})
	if err != nil {
		return err
	}
	if s.alloc == nil {
		return s.kv.Set(ctx, valueKey(key), data)
	}

	var previous int64
	if old, err := s.kv.Get(ctx, valueKey(key)); err == nil {
		previous = int64(len(old))
	} else if !errors.Is(err, storage.ErrKeyNotFound) {
		return err
	}
	delta := int64(len(data)) - previous
	if delta > 0 {
		if err := s.alloc.Reserve(delta); err != nil {
			return err
		}
	}
	if err := s.kv.Set(ctx, valueKey(key), data); err != nil {
		if delta > 0 {
			s.alloc.Release(delta)
		}
		return err
	}
	if delta < 0 {
		s.alloc.Release(-delta)
	}
	return nil
}

func (s *valueStore) get(ctx context.Context, key ID) ([]byte, bool, error) {
	data, err := s.kv.Get(ctx, valueKey(key))
	if errors.Is(err, storage.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var r record
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, false, fmt.Errorf("decode dht record: %w", err)
	}
	return r.Value, true, nil
}

// each calls fn for every held value. Decoding errors skip the entry.
func (s *valueStore) each(ctx context.Context, fn func(key ID, value []byte) bool) error {
	return s.kv.Scan(ctx, []byte(storage.PrefixDHT), func(k, v []byte) bool {
		id, err := ParseID(string(k[len(storage.PrefixDHT):]))
		if err != nil {
			return true
		}
		var r record
		if err := json.Unmarshal(v, &r); err != nil {
			return true
		}
		return fn(id, r.Value)
	})
}
