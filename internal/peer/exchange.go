package peer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/oklog/ulid/v2"

	"github.com/yndnr/shardmesh-go/internal/core/codec"
	"github.com/yndnr/shardmesh-go/internal/core/domain"
	"github.com/yndnr/shardmesh-go/internal/transport"
	"github.com/yndnr/shardmesh-go/pkg/crypto/envelope"
)

// Holder persists shards kept on behalf of peers.
type Holder interface {
	Put(ctx context.Context, ws domain.WrappedShard) error
	Get(ctx context.Context, fileID domain.ContentAddress, index uint8) (domain.WrappedShard, error)
}

const (
	opStore = "store"
	opFetch = "fetch"
	opReply = "reply"
)

// wireMessage is the peer exchange envelope. Requests and replies share it.
type wireMessage struct {
	Op    string               `json:"op"`
	ID    string               `json:"id"`
	Shard *domain.WrappedShard `json:"shard,omitempty"`

	FileID domain.ContentAddress `json:"file_id,omitempty"`
	Index  uint8                 `json:"index,omitempty"`

	// ErrCode carries a DomainError code back to the requester.
	ErrCode string `json:"err_code,omitempty"`
	ErrMsg  string `json:"err_msg,omitempty"`
}

// Exchange moves wrapped shards between this node and its peers.
//
// Stored shards stay wrapped to the holder's node key. On fetch the holder
// re-wraps the shard to the requester's advertised key, so a shard never
// crosses the wire in a form its holder could open after handing it over.
type Exchange struct {
	dir    *Directory
	self   *envelope.KeyPair
	holder Holder
	logger *slog.Logger

	mu      sync.Mutex
	pending map[string]chan wireMessage
}

// NewExchange creates an exchange. holder may be nil for nodes that do not
// accept shards from peers.
func NewExchange(dir *Directory, self *envelope.KeyPair, holder Holder, logger *slog.Logger) *Exchange {
	if logger == nil {
		logger = slog.Default()
	}
	return &Exchange{
		dir:     dir,
		self:    self,
		holder:  holder,
		logger:  logger.With("component", "peer-exchange"),
		pending: make(map[string]chan wireMessage),
	}
}

// Peers returns the peers shards can be placed on right now.
func (x *Exchange) Peers() []domain.PeerNode { return x.dir.Reachable() }

// Classes returns the cost classes of the up transports.
func (x *Exchange) Classes() map[transport.Kind]transport.Class { return x.dir.Classes() }

// StoreShard asks a peer to hold ws, which must already be wrapped to the
// peer's key. It returns once the peer has persisted it.
func (x *Exchange) StoreShard(ctx context.Context, peerID string, ws domain.WrappedShard) error {
	_, err := x.call(ctx, peerID, wireMessage{Op: opStore, Shard: &ws})
	return err
}

// FetchShard asks a peer for a shard it holds. The result is wrapped to this
// node's key.
func (x *Exchange) FetchShard(ctx context.Context, peerID string, fileID domain.ContentAddress, index uint8) (domain.WrappedShard, error) {
	reply, err := x.call(ctx, peerID, wireMessage{Op: opFetch, FileID: fileID, Index: index})
	if err != nil {
		return domain.WrappedShard{}, err
	}
	if reply.Shard == nil {
		return domain.WrappedShard{}, domain.ErrFileNotFound.WithDetails("empty fetch reply from " + peerID)
	}
	if reply.Shard.FileID != fileID || reply.Shard.Index != index {
		return domain.WrappedShard{}, domain.ErrInconsistentShares.WithDetails("peer returned a different shard")
	}
	return *reply.Shard, nil
}

func (x *Exchange) call(ctx context.Context, peerID string, req wireMessage) (wireMessage, error) {
	req.ID = ulid.Make().String()
	body, err := json.Marshal(req)
	if err != nil {
		return wireMessage{}, err
	}

	ch := make(chan wireMessage, 1)
	x.mu.Lock()
	x.pending[req.ID] = ch
	x.mu.Unlock()
	defer func() {
		x.mu.Lock()
		delete(x.pending, req.ID)
		x.mu.Unlock()
	}()

	if err := x.dir.Send(ctx, peerID, body); err != nil {
		return wireMessage{}, err
	}

	select {
	case reply := <-ch:
		if reply.ErrCode != "" {
			return wireMessage{}, domain.NewDomainError(reply.ErrCode, reply.ErrMsg).WithDetails("from peer " + peerID)
		}
		return reply, nil
	case <-ctx.Done():
		return wireMessage{}, domain.ErrTimeout.WithDetails(req.Op + " to " + peerID).WithCause(ctx.Err())
	}
}

// Run serves inbound exchange traffic until ctx is cancelled. Requests are
// handled concurrently.
func (x *Exchange) Run(ctx context.Context) {
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-x.dir.Messages():
			var wm wireMessage
			if err := json.Unmarshal(msg.Body, &wm); err != nil {
				x.logger.Debug("dropping malformed message", "from", msg.From, "error", err)
				continue
			}
			if wm.Op == opReply {
				x.deliver(wm)
				continue
			}
			wg.Add(1)
			go func(from string) {
				defer wg.Done()
				x.serve(ctx, from, wm)
			}(msg.From)
		}
	}
}

func (x *Exchange) deliver(reply wireMessage) {
	x.mu.Lock()
	ch, ok := x.pending[reply.ID]
	x.mu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- reply:
	default:
	}
}

func (x *Exchange) serve(ctx context.Context, from string, req wireMessage) {
	reply := wireMessage{Op: opReply, ID: req.ID}

	var err error
	switch req.Op {
	case opStore:
		err = x.handleStore(ctx, from, req)
	case opFetch:
		var ws domain.WrappedShard
		ws, err = x.handleFetch(ctx, from, req)
		if err == nil {
			reply.Shard = &ws
		}
	default:
		err = domain.ErrInvalidArgument.WithDetails("unknown op " + req.Op)
	}
	if err != nil {
		reply.ErrCode = domain.GetErrorCode(err)
		if reply.ErrCode == "" {
			reply.ErrCode = domain.ErrStorage.Code
		}
		reply.ErrMsg = err.Error()
		x.logger.Debug("request failed", "op", req.Op, "from", from, "error", err)
	}

	body, err := json.Marshal(reply)
	if err != nil {
		return
	}
	if err := x.dir.Send(ctx, from, body); err != nil {
		x.logger.Debug("reply not delivered", "to", from, "error", err)
	}
}

func (x *Exchange) handleStore(ctx context.Context, from string, req wireMessage) error {
	if x.holder == nil {
		return domain.ErrAllocationExceeded.WithDetails("node does not hold peer shards")
	}
	if req.Shard == nil {
		return domain.ErrInvalidArgument.WithDetails("store without shard")
	}
	if req.Shard.DestinationID != x.dir.LocalID() {
		return domain.ErrWrongRecipient.WithDetails(fmt.Sprintf("shard addressed to %s", req.Shard.DestinationID))
	}
	if err := x.holder.Put(ctx, *req.Shard); err != nil {
		return err
	}
	x.logger.Debug("holding shard", "file", req.Shard.FileID, "index", req.Shard.Index, "owner", from)
	return nil
}

func (x *Exchange) handleFetch(ctx context.Context, from string, req wireMessage) (domain.WrappedShard, error) {
	if x.holder == nil {
		return domain.WrappedShard{}, domain.ErrFileNotFound
	}
	requester, ok := x.dir.Get(from)
	if !ok || len(requester.PublicKey) == 0 {
		return domain.WrappedShard{}, domain.ErrPeerNotFound.WithDetails("no advertised key for " + from)
	}

	held, err := x.holder.Get(ctx, req.FileID, req.Index)
	if err != nil {
		return domain.WrappedShard{}, err
	}
	return codec.Rewrap(held, x.self, from, requester.PublicKey)
}
