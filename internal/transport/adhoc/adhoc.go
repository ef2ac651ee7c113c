// Package adhoc is the ad-hoc Wi-Fi transport. Devices negotiate a group
// owner, then exchange length-prefixed frames over the group link.
package adhoc

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/yndnr/shardmesh-go/internal/core/domain"
	"github.com/yndnr/shardmesh-go/internal/transport"
)

// MaxFrameSize bounds a single message on a link.
const MaxFrameSize = 64 << 20

// Config configures the adapter.
type Config struct {
	InboxSize int
	Logger    *slog.Logger
}

// Adapter implements transport.Adapter over a Device.
type Adapter struct {
	dev    Device
	logger *slog.Logger

	mu     sync.Mutex
	links  map[string]*peerLink
	closed bool

	inbox  chan transport.Message
	stopCh chan struct{}
	wg     sync.WaitGroup
}

type peerLink struct {
	link Link
	// wmu serializes frame writes.
	wmu sync.Mutex
}

var _ transport.Adapter = (*Adapter)(nil)

// New starts accepting inbound links on dev.
func New(dev Device, cfg Config) *Adapter {
	if cfg.InboxSize <= 0 {
		cfg.InboxSize = 64
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	a := &Adapter{
		dev:    dev,
		logger: cfg.Logger.With("transport", "adhoc"),
		links:  make(map[string]*peerLink),
		inbox:  make(chan transport.Message, cfg.InboxSize),
		stopCh: make(chan struct{}),
	}
	a.wg.Add(1)
	go a.acceptLoop()
	return a
}

func (a *Adapter) Kind() transport.Kind { return transport.KindAdhoc }

func (a *Adapter) Class() transport.Class {
	return transport.Class{Throughput: 2, PowerCost: 2}
}

func (a *Adapter) Advertise(ctx context.Context, meta transport.LocalMetadata) error {
	data, err := meta.Encode()
	if err != nil {
		return err
	}
	return a.dev.SetServiceInfo(data)
}

func (a *Adapter) Discover(ctx context.Context, timeout time.Duration) ([]domain.PeerNode, error) {
	found, err := a.dev.DiscoverPeers(ctx, timeout)
	if err != nil {
		return nil, transport.Unavailable(transport.KindAdhoc, "discover", err)
	}

	now := time.Now()
	peers := make([]domain.PeerNode, 0, len(found))
	for _, p := range found {
		meta, err := transport.DecodeMetadata(p.Info)
		if err != nil || meta.NodeID != p.DeviceID {
			continue
		}
		peers = append(peers, meta.PeerNode(transport.KindAdhoc, now))
	}
	return peers, nil
}

// Send writes one frame to the peer, connecting first if needed. A broken
// cached link is replaced once.
func (a *Adapter) Send(ctx context.Context, peerID string, body []byte) error {
	if len(body) > MaxFrameSize {
		return domain.ErrInvalidArgument.WithDetails(fmt.Sprintf("payload %d exceeds %d", len(body), MaxFrameSize))
	}

	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		pl, err := a.linkTo(ctx, peerID)
		if err != nil {
			return transport.Unavailable(transport.KindAdhoc, peerID, err)
		}
		if lastErr = pl.write(ctx, body); lastErr == nil {
			return nil
		}
		a.drop(peerID, pl)
	}
	return transport.Unavailable(transport.KindAdhoc, peerID, lastErr)
}

func (a *Adapter) Receive() <-chan transport.Message { return a.inbox }

// Close tears down every link and the device.
func (a *Adapter) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	links := a.links
	a.links = make(map[string]*peerLink)
	a.mu.Unlock()

	close(a.stopCh)
	for _, pl := range links {
		pl.link.Close()
	}
	err := a.dev.Close()
	a.wg.Wait()
	close(a.inbox)
	return err
}

func (a *Adapter) linkTo(ctx context.Context, peerID string) (*peerLink, error) {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil, domain.ErrClosed
	}
	if pl, ok := a.links[peerID]; ok {
		a.mu.Unlock()
		return pl, nil
	}
	a.mu.Unlock()

	link, err := a.dev.Connect(ctx, peerID)
	if err != nil {
		return nil, err
	}
	a.logger.Debug("group formed", "peer", peerID, "group_owner", link.GroupOwner())
	return a.track(link), nil
}

// track registers a link and starts its reader. An existing link to the same
// peer is kept and the new one closed.
func (a *Adapter) track(link Link) *peerLink {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		link.Close()
		return &peerLink{link: link}
	}
	if existing, ok := a.links[link.Remote()]; ok {
		link.Close()
		return existing
	}
	pl := &peerLink{link: link}
	a.links[link.Remote()] = pl
	a.wg.Add(1)
	go a.readLoop(pl)
	return pl
}

func (a *Adapter) drop(peerID string, pl *peerLink) {
	a.mu.Lock()
	if a.links[peerID] == pl {
		delete(a.links, peerID)
	}
	a.mu.Unlock()
	pl.link.Close()
}

func (a *Adapter) acceptLoop() {
	defer a.wg.Done()
	for {
		select {
		case link, ok := <-a.dev.Accept():
			if !ok {
				return
			}
			a.track(link)
		case <-a.stopCh:
			return
		}
	}
}

func (a *Adapter) readLoop(pl *peerLink) {
	defer a.wg.Done()
	defer a.drop(pl.link.Remote(), pl)

	r := bufio.NewReader(pl.link)
	var hdr [4]byte
	for {
		if _, err := io.ReadFull(r, hdr[:]); err != nil {
			return
		}
		size := binary.BigEndian.Uint32(hdr[:])
		if size > MaxFrameSize {
			a.logger.Warn("oversized frame, closing link", "peer", pl.link.Remote(), "size", size)
			return
		}
		body := make([]byte, size)
		if _, err := io.ReadFull(r, body); err != nil {
			return
		}

		select {
		case a.inbox <- transport.Message{From: pl.link.Remote(), Kind: transport.KindAdhoc, Body: body}:
		case <-a.stopCh:
			return
		}
	}
}

func (pl *peerLink) write(ctx context.Context, body []byte) error {
	pl.wmu.Lock()
	defer pl.wmu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	if dl, ok := ctx.Deadline(); ok {
		if c, ok := pl.link.(interface{ SetWriteDeadline(time.Time) error }); ok {
			c.SetWriteDeadline(dl)
			defer c.SetWriteDeadline(time.Time{})
		}
	}

	frame := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(frame, uint32(len(body)))
	copy(frame[4:], body)
	if _, err := pl.link.Write(frame); err != nil {
		if errors.Is(err, io.ErrClosedPipe) {
			return fmt.Errorf("link closed: %w", err)
		}
		return err
	}
	return nil
}
