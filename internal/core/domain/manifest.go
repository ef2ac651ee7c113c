package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// ManifestVersion is the current manifest encoding version.
const ManifestVersion = 1

// Tier names a storage layer.
type Tier string

const (
	TierLocal   Tier = "local"
	TierPeer    Tier = "peer"
	TierDHT     Tier = "dht"
	TierBackend Tier = "backend"
)

// ParseTier validates a tier name.
func ParseTier(s string) (Tier, error) {
	switch t := Tier(s); t {
	case TierLocal, TierPeer, TierDHT, TierBackend:
		return t, nil
	default:
		return "", ErrInvalidArgument.WithDetails("unknown tier " + s)
	}
}

// IsGlobal reports whether the tier survives loss of the whole local mesh.
func (t Tier) IsGlobal() bool {
	return t == TierDHT || t == TierBackend
}

// Placement records where one shard was stored.
type Placement struct {
	Index         uint8  `json:"index"`
	DestinationID string `json:"destination_id"`
	Tier          Tier   `json:"tier"`
	// Ref is a tier-specific locator (backend object id, DHT key).
	Ref string `json:"ref,omitempty"`
}

// Manifest is the durable root of recoverability for one file.
type Manifest struct {
	Version      uint32         `json:"version"`
	FileID       ContentAddress `json:"file_id"`
	Total        uint8          `json:"total"`
	Threshold    uint8          `json:"threshold"`
	Placements   []Placement    `json:"placements"`
	Compressed   bool           `json:"compressed,omitempty"`
	NoRedundancy bool           `json:"no_redundancy,omitempty"`
	Size         int64          `json:"size"`
	CreatedAt    time.Time      `json:"created_at"`
}

// Validate checks manifest invariants.
func (m *Manifest) Validate() error {
	if m.FileID.IsZero() {
		return ErrManifestCorrupt.WithDetails("missing file id")
	}
	if m.NoRedundancy {
		if m.Total != 1 || m.Threshold != 1 {
			return ErrManifestCorrupt.WithDetails("local-only manifest must be 1-of-1")
		}
	} else if err := ValidatePolicy(m.Threshold, m.Total); err != nil {
		return ErrManifestCorrupt.WithCause(err)
	}
	// One index may have replicas on several destinations, never two on
	// the same destination.
	type slot struct {
		index uint8
		dest  string
	}
	seen := make(map[slot]bool, len(m.Placements))
	for _, p := range m.Placements {
		if p.Index >= m.Total {
			return ErrManifestCorrupt.WithDetails(fmt.Sprintf("placement index %d exceeds total %d", p.Index, m.Total))
		}
		k := slot{p.Index, p.DestinationID}
		if seen[k] {
			return ErrManifestCorrupt.WithDetails(fmt.Sprintf("duplicate placement for index %d on %s", p.Index, p.DestinationID))
		}
		seen[k] = true
	}
	return nil
}

// Indices returns the distinct shard indices that have a placement.
func (m *Manifest) Indices() []uint8 {
	seen := make(map[uint8]bool, len(m.Placements))
	var out []uint8
	for _, p := range m.Placements {
		if !seen[p.Index] {
			seen[p.Index] = true
			out = append(out, p.Index)
		}
	}
	return out
}

// PlacementsByTier groups placements by tier.
func (m *Manifest) PlacementsByTier() map[Tier][]Placement {
	out := make(map[Tier][]Placement)
	for _, p := range m.Placements {
		out[p.Tier] = append(out[p.Tier], p)
	}
	return out
}

// Marshal encodes the manifest.
func (m *Manifest) Marshal() ([]byte, error) {
	return json.Marshal(m)
}

// UnmarshalManifest decodes and validates a manifest.
func UnmarshalManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, ErrManifestCorrupt.WithCause(err)
	}
	if m.Version != ManifestVersion {
		return nil, ErrManifestCorrupt.WithDetails(fmt.Sprintf("unsupported manifest version %d", m.Version))
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}
