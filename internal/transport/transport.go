// Package transport defines the contract shared by the proximity transports
// (local network, short-range radio, ad-hoc Wi-Fi) and a registry that
// orders them by throughput.
//
// The peer directory and allocator only see the Adapter interface and its
// Class; framing limits and discovery mechanisms stay inside each adapter.
package transport

import (
	"context"
	"encoding/json"
	"time"

	"github.com/yndnr/shardmesh-go/internal/core/domain"
)

// Kind identifies a transport implementation.
type Kind = domain.TransportKind

const (
	KindLAN        = domain.TransportLAN
	KindAdhoc      = domain.TransportAdHoc
	KindShortRange = domain.TransportShortRange
)

// Class describes what a transport costs to use.
type Class struct {
	// Throughput is a relative tier, higher is faster.
	Throughput int
	// PowerCost is a relative tier, higher drains more battery.
	PowerCost int
	// MaxPayload is the largest single write the medium accepts, 0 if unbounded.
	MaxPayload int
}

// Message is an inbound payload.
type Message struct {
	From string
	Kind Kind
	Body []byte
}

// Adapter is one proximity transport.
type Adapter interface {
	Kind() Kind
	Class() Class

	// Advertise publishes local metadata so peers can discover this node.
	Advertise(ctx context.Context, meta LocalMetadata) error

	// Discover returns the peers visible within timeout.
	Discover(ctx context.Context, timeout time.Duration) ([]domain.PeerNode, error)

	// Send delivers body to the peer or returns an error wrapping
	// domain.ErrTransportUnavailable.
	Send(ctx context.Context, peerID string, body []byte) error

	// Receive returns the inbound message stream. It is closed by Close.
	Receive() <-chan Message

	Close() error
}

// EventKind classifies membership events.
type EventKind int

const (
	EventJoin EventKind = iota
	EventUpdate
	EventLeave
)

// Event is a membership change pushed by adapters that detect them without
// polling (heartbeats, gossip).
type Event struct {
	Kind EventKind
	Peer domain.PeerNode
	Via  Kind
}

// Notifier is implemented by adapters that push membership events.
type Notifier interface {
	Events() <-chan Event
}

// LocalMetadata is what a node advertises about itself.
type LocalMetadata struct {
	NodeID    string              `json:"id"`
	Role      domain.Role         `json:"role"`
	Capacity  int64               `json:"cap"`
	Battery   domain.BatteryState `json:"bat"`
	PublicKey []byte              `json:"pk"`
	Addr      string              `json:"addr,omitempty"`
}

// Encode serializes metadata for beacons and gossip.
func (m LocalMetadata) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// DecodeMetadata parses Encode output.
func DecodeMetadata(data []byte) (LocalMetadata, error) {
	var m LocalMetadata
	if err := json.Unmarshal(data, &m); err != nil {
		return LocalMetadata{}, err
	}
	if m.NodeID == "" {
		return LocalMetadata{}, domain.ErrInvalidArgument.WithDetails("metadata without node id")
	}
	return m, nil
}

// PeerNode converts advertised metadata into a directory entry seen via kind.
func (m LocalMetadata) PeerNode(via Kind, now time.Time) domain.PeerNode {
	return domain.PeerNode{
		NodeID:             m.NodeID,
		Role:               m.Role,
		AdvertisedCapacity: m.Capacity,
		Battery:            m.Battery,
		ReachableVia:       []domain.TransportKind{via},
		PublicKey:          append([]byte(nil), m.PublicKey...),
		Addr:               m.Addr,
		LastHeartbeat:      now,
		State:              domain.PeerReachable,
	}
}

// Unavailable wraps a cause as a transport failure.
func Unavailable(kind Kind, peerID string, cause error) error {
	return domain.ErrTransportUnavailable.
		WithDetails(string(kind) + " to " + peerID).
		WithCause(cause)
}
