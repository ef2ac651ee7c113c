package shortrange

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrChunkTooLarge is returned by radios when a write exceeds the MTU.
var ErrChunkTooLarge = errors.New("shortrange: write exceeds radio MTU")

// ErrNotInRange is returned when the target device cannot be reached.
var ErrNotInRange = errors.New("shortrange: device not in range")

// Beacon is an advertisement heard during a scan.
type Beacon struct {
	DeviceID string
	Payload  []byte
}

// Frame is one raw write received from a nearby device.
type Frame struct {
	From string
	Data []byte
}

// Radio is a short-range link with a hard per-write ceiling, such as a BLE
// GATT characteristic. Platform bindings implement it; Medium provides an
// in-process version.
type Radio interface {
	ID() string
	MTU() int
	SetBeacon(payload []byte) error
	Scan(ctx context.Context, timeout time.Duration) ([]Beacon, error)
	Write(ctx context.Context, deviceID string, data []byte) error
	Frames() <-chan Frame
	Close() error
}

// Medium is an in-process radio environment. Every attached radio is in
// range of every other unless separated with SetInRange.
type Medium struct {
	mu      sync.RWMutex
	radios  map[string]*MemRadio
	blocked map[[2]string]bool
	drop    func(from, to string, data []byte) bool
}

// NewMedium creates an empty medium.
func NewMedium() *Medium {
	return &Medium{
		radios:  make(map[string]*MemRadio),
		blocked: make(map[[2]string]bool),
	}
}

// Attach adds a radio with the given device id and MTU.
func (m *Medium) Attach(id string, mtu int) *MemRadio {
	r := &MemRadio{id: id, mtu: mtu, medium: m, frames: make(chan Frame, 1024)}
	m.mu.Lock()
	m.radios[id] = r
	m.mu.Unlock()
	return r
}

// SetDrop installs a loss function consulted for every write.
func (m *Medium) SetDrop(fn func(from, to string, data []byte) bool) {
	m.mu.Lock()
	m.drop = fn
	m.mu.Unlock()
}

// SetInRange connects or separates two devices.
func (m *Medium) SetInRange(a, b string, inRange bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if inRange {
		delete(m.blocked, [2]string{a, b})
		delete(m.blocked, [2]string{b, a})
		return
	}
	m.blocked[[2]string{a, b}] = true
	m.blocked[[2]string{b, a}] = true
}

func (m *Medium) detach(id string) {
	m.mu.Lock()
	delete(m.radios, id)
	m.mu.Unlock()
}

// MemRadio is a Radio attached to a Medium.
type MemRadio struct {
	id     string
	mtu    int
	medium *Medium

	mu     sync.Mutex
	beacon []byte
	closed bool
	frames chan Frame
}

var _ Radio = (*MemRadio)(nil)

func (r *MemRadio) ID() string { return r.id }

func (r *MemRadio) MTU() int { return r.mtu }

func (r *MemRadio) SetBeacon(payload []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.beacon = append([]byte(nil), payload...)
	return nil
}

func (r *MemRadio) Scan(ctx context.Context, timeout time.Duration) ([]Beacon, error) {
	r.medium.mu.RLock()
	defer r.medium.mu.RUnlock()

	var out []Beacon
	for id, other := range r.medium.radios {
		if id == r.id || r.medium.blocked[[2]string{r.id, id}] {
			continue
		}
		other.mu.Lock()
		if len(other.beacon) > 0 {
			out = append(out, Beacon{DeviceID: id, Payload: append([]byte(nil), other.beacon...)})
		}
		other.mu.Unlock()
	}
	return out, ctx.Err()
}

func (r *MemRadio) Write(ctx context.Context, deviceID string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(data) > r.mtu {
		return ErrChunkTooLarge
	}

	r.medium.mu.RLock()
	target, ok := r.medium.radios[deviceID]
	blocked := r.medium.blocked[[2]string{r.id, deviceID}]
	drop := r.medium.drop
	r.medium.mu.RUnlock()

	if !ok || blocked {
		return ErrNotInRange
	}
	if drop != nil && drop(r.id, deviceID, data) {
		return nil
	}

	target.mu.Lock()
	defer target.mu.Unlock()
	if target.closed {
		return ErrNotInRange
	}
	select {
	case target.frames <- Frame{From: r.id, Data: append([]byte(nil), data...)}:
	default:
		// Receiver overrun looks like loss on a real link.
	}
	return nil
}

func (r *MemRadio) Frames() <-chan Frame { return r.frames }

func (r *MemRadio) Close() error {
	r.medium.detach(r.id)
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.closed {
		r.closed = true
		close(r.frames)
	}
	return nil
}
