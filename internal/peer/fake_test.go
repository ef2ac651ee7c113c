package peer

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/yndnr/shardmesh-go/internal/core/domain"
	"github.com/yndnr/shardmesh-go/internal/transport"
)

// fakeNet connects fakeAdapters of the same kind in-process.
type fakeNet struct {
	mu    sync.Mutex
	nodes map[transport.Kind]map[string]*fakeAdapter
}

func newFakeNet() *fakeNet {
	return &fakeNet{nodes: make(map[transport.Kind]map[string]*fakeAdapter)}
}

func (n *fakeNet) attach(id string, kind transport.Kind) *fakeAdapter {
	a := &fakeAdapter{id: id, kind: kind, net: n, inbox: make(chan transport.Message, 64)}
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.nodes[kind] == nil {
		n.nodes[kind] = make(map[string]*fakeAdapter)
	}
	n.nodes[kind][id] = a
	return a
}

type fakeAdapter struct {
	id   string
	kind transport.Kind
	net  *fakeNet

	mu          sync.Mutex
	meta        *transport.LocalMetadata
	discoverErr error
	failSend    bool
	sent        int

	inbox chan transport.Message
}

func (a *fakeAdapter) Kind() transport.Kind { return a.kind }

func (a *fakeAdapter) Class() transport.Class {
	return transport.Class{Throughput: a.kind.ThroughputRank()}
}

func (a *fakeAdapter) Advertise(_ context.Context, meta transport.LocalMetadata) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.meta = &meta
	return nil
}

func (a *fakeAdapter) Discover(_ context.Context, _ time.Duration) ([]domain.PeerNode, error) {
	a.mu.Lock()
	err := a.discoverErr
	a.mu.Unlock()
	if err != nil {
		return nil, err
	}

	a.net.mu.Lock()
	defer a.net.mu.Unlock()
	var out []domain.PeerNode
	for id, other := range a.net.nodes[a.kind] {
		if id == a.id {
			continue
		}
		other.mu.Lock()
		if other.meta != nil {
			out = append(out, other.meta.PeerNode(a.kind, time.Now()))
		}
		other.mu.Unlock()
	}
	return out, nil
}

func (a *fakeAdapter) Send(_ context.Context, peerID string, body []byte) error {
	a.mu.Lock()
	fail := a.failSend
	a.sent++
	a.mu.Unlock()
	if fail {
		return transport.Unavailable(a.kind, peerID, errors.New("link down"))
	}

	a.net.mu.Lock()
	target, ok := a.net.nodes[a.kind][peerID]
	a.net.mu.Unlock()
	if !ok {
		return transport.Unavailable(a.kind, peerID, errors.New("no such peer"))
	}
	target.inbox <- transport.Message{From: a.id, Kind: a.kind, Body: append([]byte(nil), body...)}
	return nil
}

func (a *fakeAdapter) Receive() <-chan transport.Message { return a.inbox }

func (a *fakeAdapter) Close() error { return nil }

func (a *fakeAdapter) setFailSend(v bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.failSend = v
}

func (a *fakeAdapter) sends() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sent
}

// clock is a settable time source.
type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock { return &clock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)} }

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}
