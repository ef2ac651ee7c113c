package shortrange

import (
	"bytes"
	"context"
	"math/rand"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/yndnr/shardmesh-go/internal/core/domain"
	"github.com/yndnr/shardmesh-go/internal/transport"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func fastConfig() Config {
	return Config{AckTimeout: 50 * time.Millisecond, MaxAttempts: 20, ReassemblyTTL: time.Second}
}

func pair(t *testing.T, mtu int) (*Medium, *Adapter, *Adapter) {
	t.Helper()
	m := NewMedium()
	a := New(m.Attach("phone", mtu), fastConfig())
	b := New(m.Attach("tablet", mtu), fastConfig())
	t.Cleanup(func() {
		a.Close()
		b.Close()
	})
	return m, a, b
}

func receive(t *testing.T, a *Adapter) transport.Message {
	t.Helper()
	select {
	case msg := <-a.Receive():
		return msg
	case <-time.After(5 * time.Second):
		t.Fatal("no message received")
		return transport.Message{}
	}
}

func TestChunkEncoding(t *testing.T) {
	c := chunk{Type: chunkData, MsgID: 1 << 60, Seq: 3, Total: 9, Payload: []byte("abc")}
	got, err := decodeChunk(c.encode())
	if err != nil {
		t.Fatal(err)
	}
	if got.MsgID != c.MsgID || got.Seq != 3 || got.Total != 9 || string(got.Payload) != "abc" {
		t.Errorf("decodeChunk() = %+v", got)
	}

	bad := chunk{Type: chunkData, MsgID: 1, Seq: 9, Total: 9}.encode()
	if _, err := decodeChunk(bad); err == nil {
		t.Error("seq >= total should be rejected")
	}
	if _, err := decodeChunk([]byte{0xff}); err == nil {
		t.Error("garbage should be rejected")
	}
}

func TestSplit(t *testing.T) {
	body := bytes.Repeat([]byte{1}, 1000)
	parts, err := split(body, 100)
	if err != nil {
		t.Fatal(err)
	}
	for _, p := range parts {
		framed := chunk{Type: chunkData, MsgID: ^uint64(0), Seq: 1<<32 - 2, Total: 1<<32 - 1, Payload: p}.encode()
		if len(framed) > 100 {
			t.Fatalf("framed chunk is %d bytes, exceeds MTU", len(framed))
		}
	}
	if _, err := split(body, 10); err == nil {
		t.Error("tiny MTU should fail")
	}
}

func TestAdapter_SendLargePayload(t *testing.T) {
	_, a, b := pair(t, 185)
	body := make([]byte, 10_000)
	rand.New(rand.NewSource(7)).Read(body)

	if err := a.Send(context.Background(), "tablet", body); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	msg := receive(t, b)
	if msg.From != "phone" || !bytes.Equal(msg.Body, body) {
		t.Errorf("received %d bytes from %s", len(msg.Body), msg.From)
	}
}

func TestAdapter_RetransmitsLostChunks(t *testing.T) {
	m, a, b := pair(t, 128)

	// Drop every third data write the first time it is seen.
	var mu sync.Mutex
	seen := make(map[string]bool)
	n := 0
	m.SetDrop(func(from, to string, data []byte) bool {
		mu.Lock()
		defer mu.Unlock()
		if from != "phone" || seen[string(data)] {
			return false
		}
		seen[string(data)] = true
		n++
		return n%3 == 0
	})

	body := bytes.Repeat([]byte("chunked-"), 300)
	if err := a.Send(context.Background(), "tablet", body); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if msg := receive(t, b); !bytes.Equal(msg.Body, body) {
		t.Error("reassembled body differs")
	}
}

func TestAdapter_GivesUpAfterMaxAttempts(t *testing.T) {
	m := NewMedium()
	cfg := fastConfig()
	cfg.MaxAttempts = 2
	a := New(m.Attach("phone", 128), cfg)
	b := New(m.Attach("tablet", 128), cfg)
	defer a.Close()
	defer b.Close()

	m.SetDrop(func(from, to string, data []byte) bool { return from == "phone" })

	err := a.Send(context.Background(), "tablet", []byte("never arrives"))
	if !domain.IsDomainError(err, domain.ErrTransportUnavailable.Code) {
		t.Errorf("Send() error = %v, want TransportUnavailable", err)
	}
}

func TestAdapter_OutOfRange(t *testing.T) {
	m, a, _ := pair(t, 128)
	m.SetInRange("phone", "tablet", false)

	err := a.Send(context.Background(), "tablet", []byte("x"))
	if !domain.IsDomainError(err, domain.ErrTransportUnavailable.Code) {
		t.Errorf("Send() error = %v, want TransportUnavailable", err)
	}
	if peers, _ := a.Discover(context.Background(), time.Second); len(peers) != 0 {
		t.Errorf("Discover() found %d peers out of range", len(peers))
	}
}

func TestAdapter_AdvertiseDiscover(t *testing.T) {
	ctx := context.Background()
	_, a, b := pair(t, 128)

	meta := transport.LocalMetadata{NodeID: "tablet", Role: domain.RoleMobile, Battery: domain.BatteryState{Percent: 55}}
	if err := b.Advertise(ctx, meta); err != nil {
		t.Fatal(err)
	}

	peers, err := a.Discover(ctx, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if len(peers) != 1 || peers[0].NodeID != "tablet" || !peers[0].ReachableBy(transport.KindShortRange) {
		t.Errorf("Discover() = %+v", peers)
	}
}
