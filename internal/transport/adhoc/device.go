package adhoc

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"
)

// ErrNoDevice is returned when the target device is not nearby.
var ErrNoDevice = errors.New("adhoc: device not found")

// MaxIntent is the largest group-owner intent value.
const MaxIntent = 15

// PeerInfo is a nearby device seen during discovery.
type PeerInfo struct {
	DeviceID string
	Intent   int
	Info     []byte
}

// Link is an established group connection to one device.
type Link interface {
	io.ReadWriteCloser
	Remote() string
	// GroupOwner reports whether the local side owns the group.
	GroupOwner() bool
}

// Device is a Wi-Fi Direct style peer-to-peer radio. Platform bindings
// implement it; Medium provides an in-process version.
type Device interface {
	ID() string
	Intent() int
	SetServiceInfo(info []byte) error
	DiscoverPeers(ctx context.Context, timeout time.Duration) ([]PeerInfo, error)
	// Connect negotiates a group with the device and returns the link.
	Connect(ctx context.Context, deviceID string) (Link, error)
	// Accept yields links initiated by other devices. Closed by Close.
	Accept() <-chan Link
	Close() error
}

// NegotiateOwner returns which of two devices becomes group owner: the
// higher intent wins and a tie goes to the lexicographically lower id.
func NegotiateOwner(aID string, aIntent int, bID string, bIntent int) string {
	switch {
	case aIntent > bIntent:
		return aID
	case bIntent > aIntent:
		return bID
	case aID < bID:
		return aID
	default:
		return bID
	}
}

// Medium is an in-process Wi-Fi Direct environment.
type Medium struct {
	mu      sync.RWMutex
	devices map[string]*MemDevice
}

// NewMedium creates an empty medium.
func NewMedium() *Medium {
	return &Medium{devices: make(map[string]*MemDevice)}
}

// Attach adds a device with the given group-owner intent.
func (m *Medium) Attach(id string, intent int) *MemDevice {
	if intent < 0 {
		intent = 0
	}
	if intent > MaxIntent {
		intent = MaxIntent
	}
	d := &MemDevice{
		id:     id,
		intent: intent,
		medium: m,
		accept: make(chan Link, 16),
		links:  make(map[string]*memLink),
	}
	m.mu.Lock()
	m.devices[id] = d
	m.mu.Unlock()
	return d
}

func (m *Medium) lookup(id string) (*MemDevice, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.devices[id]
	return d, ok
}

// MemDevice is a Device attached to a Medium.
type MemDevice struct {
	id     string
	intent int
	medium *Medium

	mu     sync.Mutex
	info   []byte
	closed bool
	accept chan Link
	// links are keyed by remote id. A client holds at most one.
	links map[string]*memLink
}

var _ Device = (*MemDevice)(nil)

func (d *MemDevice) ID() string { return d.id }

func (d *MemDevice) Intent() int { return d.intent }

func (d *MemDevice) SetServiceInfo(info []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.info = append([]byte(nil), info...)
	return nil
}

func (d *MemDevice) DiscoverPeers(ctx context.Context, timeout time.Duration) ([]PeerInfo, error) {
	d.medium.mu.RLock()
	defer d.medium.mu.RUnlock()

	var out []PeerInfo
	for id, other := range d.medium.devices {
		if id == d.id {
			continue
		}
		other.mu.Lock()
		if !other.closed {
			out = append(out, PeerInfo{DeviceID: id, Intent: other.intent, Info: append([]byte(nil), other.info...)})
		}
		other.mu.Unlock()
	}
	return out, ctx.Err()
}

func (d *MemDevice) Connect(ctx context.Context, deviceID string) (Link, error) {
	target, ok := d.medium.lookup(deviceID)
	if !ok || target == d {
		return nil, ErrNoDevice
	}

	owner := NegotiateOwner(d.id, d.intent, target.id, target.intent)
	local, remote := net.Pipe()
	ll := &memLink{Conn: local, remote: target.id, owner: owner == d.id, dev: d}
	rl := &memLink{Conn: remote, remote: d.id, owner: owner == target.id, dev: target}

	if err := d.attach(ll); err != nil {
		local.Close()
		remote.Close()
		return nil, err
	}
	if err := target.offer(rl); err != nil {
		ll.Close()
		remote.Close()
		return nil, err
	}
	return ll, ctx.Err()
}

// offer attaches an inbound link and queues it for Accept.
func (d *MemDevice) offer(l *memLink) error {
	if err := d.attach(l); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrNoDevice
	}
	select {
	case d.accept <- l:
		return nil
	default:
		delete(d.links, l.remote)
		return errors.New("adhoc: device busy")
	}
}

// attach records a link, enforcing that a group client belongs to exactly
// one group.
func (d *MemDevice) attach(l *memLink) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrNoDevice
	}
	var evicted []*memLink
	if !l.owner {
		for id, existing := range d.links {
			if !existing.owner {
				evicted = append(evicted, existing)
				delete(d.links, id)
			}
		}
	}
	d.links[l.remote] = l
	d.mu.Unlock()

	for _, e := range evicted {
		e.Conn.Close()
	}
	return nil
}

func (d *MemDevice) detach(l *memLink) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.links[l.remote] == l {
		delete(d.links, l.remote)
	}
}

func (d *MemDevice) Accept() <-chan Link { return d.accept }

func (d *MemDevice) Close() error {
	d.medium.mu.Lock()
	if d.medium.devices[d.id] == d {
		delete(d.medium.devices, d.id)
	}
	d.medium.mu.Unlock()

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	links := d.links
	d.links = make(map[string]*memLink)
	close(d.accept)
	d.mu.Unlock()

	for _, l := range links {
		l.Conn.Close()
	}
	return nil
}

type memLink struct {
	net.Conn
	remote string
	owner  bool
	dev    *MemDevice
}

func (l *memLink) Remote() string { return l.remote }

func (l *memLink) GroupOwner() bool { return l.owner }

func (l *memLink) Close() error {
	l.dev.detach(l)
	return l.Conn.Close()
}
