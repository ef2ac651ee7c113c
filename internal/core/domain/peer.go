package domain

import (
	"slices"
	"time"
)

// Liveness thresholds for peers that stop heartbeating.
const (
	DefaultStaleAfter       = 90 * time.Second
	DefaultUnreachableAfter = 300 * time.Second
)

// Role classifies how often a device is online.
type Role string

const (
	RoleAlwaysOn     Role = "always_on"
	RoleIntermittent Role = "intermittent"
	RoleMobile       Role = "mobile"
)

// ParseRole validates a role name.
func ParseRole(s string) (Role, error) {
	switch r := Role(s); r {
	case RoleAlwaysOn, RoleIntermittent, RoleMobile:
		return r, nil
	default:
		return "", ErrInvalidArgument.WithDetails("unknown device role " + s)
	}
}

// TransportKind is the closed set of local transports.
type TransportKind string

const (
	TransportLAN        TransportKind = "lan"
	TransportAdHoc      TransportKind = "adhoc"
	TransportShortRange TransportKind = "shortrange"
)

// ThroughputRank orders transports from fastest (highest) to slowest.
func (k TransportKind) ThroughputRank() int {
	switch k {
	case TransportLAN:
		return 3
	case TransportAdHoc:
		return 2
	case TransportShortRange:
		return 1
	default:
		return 0
	}
}

// NetworkKind is the uplink type a device is currently on.
type NetworkKind string

const (
	NetworkNone     NetworkKind = "none"
	NetworkCellular NetworkKind = "cellular"
	NetworkWiFi     NetworkKind = "wifi"
	NetworkEthernet NetworkKind = "ethernet"
)

// BatteryState is the advertised power state of a device.
type BatteryState struct {
	// Percent is the remaining charge, 0-100.
	Percent int `json:"percent"`
	// Charging is true while on external power (or no battery at all).
	Charging bool `json:"charging"`
}

// OnBattery reports whether the device is running from its battery.
func (b BatteryState) OnBattery() bool {
	return !b.Charging
}

// LivenessState tracks a peer's heartbeat freshness.
type LivenessState string

const (
	PeerDiscovered  LivenessState = "discovered"
	PeerReachable   LivenessState = "reachable"
	PeerStale       LivenessState = "stale"
	PeerUnreachable LivenessState = "unreachable"
)

// PeerNode is the advertised state of a storage node.
type PeerNode struct {
	NodeID             string          `json:"node_id"`
	Role               Role            `json:"role"`
	AdvertisedCapacity int64           `json:"advertised_capacity_bytes"`
	Battery            BatteryState    `json:"battery"`
	ReachableVia       []TransportKind `json:"reachable_via"`
	PublicKey          []byte          `json:"public_key"`

	// Addr is a transport-specific address hint (not authoritative).
	Addr string `json:"addr,omitempty"`

	LastHeartbeat time.Time     `json:"-"`
	State         LivenessState `json:"-"`
}

// Clone returns a deep copy.
func (p PeerNode) Clone() PeerNode {
	p.ReachableVia = slices.Clone(p.ReachableVia)
	p.PublicKey = slices.Clone(p.PublicKey)
	return p
}

// ReachableBy reports whether the peer is currently reachable via kind.
func (p PeerNode) ReachableBy(kind TransportKind) bool {
	return slices.Contains(p.ReachableVia, kind)
}

// IsLive reports whether the peer is eligible for transfers.
func (p PeerNode) IsLive() bool {
	return p.State == PeerReachable || p.State == PeerDiscovered
}
