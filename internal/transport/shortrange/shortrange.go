// Package shortrange is the short-range radio transport. Payloads larger
// than the radio MTU are cut into sequenced chunks; the receiver acks every
// chunk and reassembles, and the sender retransmits unacked chunks for a
// bounded number of rounds.
package shortrange

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/yndnr/shardmesh-go/internal/core/domain"
	"github.com/yndnr/shardmesh-go/internal/transport"
)

// Config tunes retransmission.
type Config struct {
	// AckTimeout is how long a round waits for acks before retransmitting.
	AckTimeout time.Duration
	// MaxAttempts bounds transmission rounds per message.
	MaxAttempts int
	// ReassemblyTTL drops partial messages that stop making progress.
	ReassemblyTTL time.Duration
	InboxSize     int
	Logger        *slog.Logger
}

// DefaultConfig returns conservative BLE-like settings.
func DefaultConfig() Config {
	return Config{
		AckTimeout:    500 * time.Millisecond,
		MaxAttempts:   5,
		ReassemblyTTL: time.Minute,
		InboxSize:     64,
	}
}

// Adapter implements transport.Adapter over a Radio.
type Adapter struct {
	radio  Radio
	cfg    Config
	logger *slog.Logger

	nextID atomic.Uint64

	mu      sync.Mutex
	pending map[uint64]chan uint32
	partial map[partialKey]*partial
	done    map[partialKey]time.Time

	inbox  chan transport.Message
	stopCh chan struct{}
	wg     sync.WaitGroup
	closed atomic.Bool
}

type partialKey struct {
	from  string
	msgID uint64
}

type partial struct {
	total   uint32
	chunks  map[uint32][]byte
	updated time.Time
}

var _ transport.Adapter = (*Adapter)(nil)

// New starts the receive loop on radio.
func New(radio Radio, cfg Config) *Adapter {
	def := DefaultConfig()
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = def.AckTimeout
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.ReassemblyTTL <= 0 {
		cfg.ReassemblyTTL = def.ReassemblyTTL
	}
	if cfg.InboxSize <= 0 {
		cfg.InboxSize = def.InboxSize
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	a := &Adapter{
		radio:   radio,
		cfg:     cfg,
		logger:  cfg.Logger.With("transport", "shortrange"),
		pending: make(map[uint64]chan uint32),
		partial: make(map[partialKey]*partial),
		done:    make(map[partialKey]time.Time),
		inbox:   make(chan transport.Message, cfg.InboxSize),
		stopCh:  make(chan struct{}),
	}

	var seed [8]byte
	rand.Read(seed[:])
	a.nextID.Store(binary.BigEndian.Uint64(seed[:]))

	a.wg.Add(1)
	go a.receiveLoop()
	return a
}

func (a *Adapter) Kind() transport.Kind { return transport.KindShortRange }

func (a *Adapter) Class() transport.Class {
	return transport.Class{Throughput: 1, PowerCost: 1, MaxPayload: a.radio.MTU()}
}

// Advertise sets the radio beacon to the encoded metadata.
func (a *Adapter) Advertise(ctx context.Context, meta transport.LocalMetadata) error {
	data, err := meta.Encode()
	if err != nil {
		return err
	}
	return a.radio.SetBeacon(data)
}

// Discover scans for beacons.
func (a *Adapter) Discover(ctx context.Context, timeout time.Duration) ([]domain.PeerNode, error) {
	beacons, err := a.radio.Scan(ctx, timeout)
	if err != nil {
		return nil, transport.Unavailable(transport.KindShortRange, "scan", err)
	}

	now := time.Now()
	peers := make([]domain.PeerNode, 0, len(beacons))
	for _, b := range beacons {
		meta, err := transport.DecodeMetadata(b.Payload)
		if err != nil || meta.NodeID != b.DeviceID {
			continue
		}
		peers = append(peers, meta.PeerNode(transport.KindShortRange, now))
	}
	return peers, nil
}

// Send chunks body and retransmits until every chunk is acked.
func (a *Adapter) Send(ctx context.Context, peerID string, body []byte) error {
	if a.closed.Load() {
		return transport.Unavailable(transport.KindShortRange, peerID, domain.ErrClosed)
	}

	parts, err := split(body, a.radio.MTU())
	if err != nil {
		return transport.Unavailable(transport.KindShortRange, peerID, err)
	}
	total := uint32(len(parts))
	msgID := a.nextID.Add(1)

	acks := make(chan uint32, total)
	a.mu.Lock()
	a.pending[msgID] = acks
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		delete(a.pending, msgID)
		a.mu.Unlock()
	}()

	acked := make(map[uint32]bool, total)
	for attempt := 1; attempt <= a.cfg.MaxAttempts; attempt++ {
		for seq, p := range parts {
			if acked[uint32(seq)] {
				continue
			}
			frame := chunk{Type: chunkData, MsgID: msgID, Seq: uint32(seq), Total: total, Payload: p}.encode()
			if err := a.radio.Write(ctx, peerID, frame); err != nil {
				return transport.Unavailable(transport.KindShortRange, peerID, err)
			}
		}

		timer := time.NewTimer(a.cfg.AckTimeout)
	wait:
		for len(acked) < int(total) {
			select {
			case seq := <-acks:
				acked[seq] = true
			case <-timer.C:
				break wait
			case <-ctx.Done():
				timer.Stop()
				return domain.ErrTimeout.WithCause(ctx.Err())
			case <-a.stopCh:
				timer.Stop()
				return transport.Unavailable(transport.KindShortRange, peerID, domain.ErrClosed)
			}
		}
		timer.Stop()

		if len(acked) == int(total) {
			return nil
		}
		a.logger.Debug("retransmitting unacked chunks",
			"peer", peerID,
			"msg_id", msgID,
			"acked", len(acked),
			"total", total,
			"attempt", attempt)
	}

	return transport.Unavailable(transport.KindShortRange, peerID,
		fmt.Errorf("%d of %d chunks unacked after %d attempts", int(total)-len(acked), total, a.cfg.MaxAttempts))
}

func (a *Adapter) Receive() <-chan transport.Message { return a.inbox }

// Close stops the receive loop and closes the radio.
func (a *Adapter) Close() error {
	if !a.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(a.stopCh)
	err := a.radio.Close()
	a.wg.Wait()
	close(a.inbox)
	return err
}

func (a *Adapter) receiveLoop() {
	defer a.wg.Done()

	sweep := time.NewTicker(a.cfg.ReassemblyTTL / 2)
	defer sweep.Stop()

	for {
		select {
		case f, ok := <-a.radio.Frames():
			if !ok {
				return
			}
			a.handleFrame(f)
		case <-sweep.C:
			a.expire(time.Now())
		case <-a.stopCh:
			return
		}
	}
}

func (a *Adapter) handleFrame(f Frame) {
	c, err := decodeChunk(f.Data)
	if err != nil {
		a.logger.Debug("dropping malformed chunk", "from", f.From, "error", err)
		return
	}

	if c.Type == chunkAck {
		a.mu.Lock()
		ch, ok := a.pending[c.MsgID]
		a.mu.Unlock()
		if ok {
			select {
			case ch <- c.Seq:
			default:
			}
		}
		return
	}

	// Ack first so the sender stops retransmitting even if delivery blocks.
	ack := chunk{Type: chunkAck, MsgID: c.MsgID, Seq: c.Seq, Total: c.Total}.encode()
	if err := a.radio.Write(context.Background(), f.From, ack); err != nil {
		a.logger.Debug("ack failed", "to", f.From, "error", err)
	}

	key := partialKey{from: f.From, msgID: c.MsgID}
	now := time.Now()

	a.mu.Lock()
	if _, finished := a.done[key]; finished {
		a.mu.Unlock()
		return
	}
	p, ok := a.partial[key]
	if !ok {
		p = &partial{total: c.Total, chunks: make(map[uint32][]byte, c.Total)}
		a.partial[key] = p
	}
	if p.total != c.Total {
		a.mu.Unlock()
		return
	}
	p.chunks[c.Seq] = c.Payload
	p.updated = now

	var body []byte
	complete := uint32(len(p.chunks)) == p.total
	if complete {
		for seq := uint32(0); seq < p.total; seq++ {
			body = append(body, p.chunks[seq]...)
		}
		delete(a.partial, key)
		a.done[key] = now
	}
	a.mu.Unlock()

	if complete {
		select {
		case a.inbox <- transport.Message{From: f.From, Kind: transport.KindShortRange, Body: body}:
		case <-a.stopCh:
		}
	}
}

func (a *Adapter) expire(now time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for k, p := range a.partial {
		if now.Sub(p.updated) > a.cfg.ReassemblyTTL {
			delete(a.partial, k)
		}
	}
	for k, at := range a.done {
		if now.Sub(at) > a.cfg.ReassemblyTTL {
			delete(a.done, k)
		}
	}
}
