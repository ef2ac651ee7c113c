package dht

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"

	"connectrpc.com/connect"
)

// ServiceName is the Connect service path prefix.
const ServiceName = "shardmesh.dht.v1.DHTService"

const (
	procPing      = "/" + ServiceName + "/Ping"
	procFindNode  = "/" + ServiceName + "/FindNode"
	procFindValue = "/" + ServiceName + "/FindValue"
	procStore     = "/" + ServiceName + "/Store"
)

// MaxValueSize bounds a single stored value.
const MaxValueSize = 16 << 20

// jsonCodec lets Connect carry plain Go structs as JSON.
type jsonCodec struct{}

func (jsonCodec) Name() string { return "json" }

func (jsonCodec) Marshal(v any) ([]byte, error) { return json.Marshal(v) }

func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

type pingRequest struct {
	Sender Contact `json:"sender"`
}

type pingResponse struct {
	Node Contact `json:"node"`
}

type findNodeRequest struct {
	Sender Contact `json:"sender"`
	Target ID      `json:"target"`
}

type findNodeResponse struct {
	Contacts []Contact `json:"contacts"`
}

type findValueRequest struct {
	Sender Contact `json:"sender"`
	Key    ID      `json:"key"`
}

type findValueResponse struct {
	Value    []byte    `json:"value,omitempty"`
	Found    bool      `json:"found"`
	Contacts []Contact `json:"contacts,omitempty"`
}

type storeRequest struct {
	Sender Contact `json:"sender"`
	Key    ID      `json:"key"`
	Value  []byte  `json:"value"`
}

type storeResponse struct{}

// Handler returns the path prefix and HTTP handler serving this node's RPCs.
func (n *Node) Handler() (string, http.Handler) {
	opts := []connect.HandlerOption{
		connect.WithCodec(jsonCodec{}),
		connect.WithInterceptors(n.interceptors...),
		connect.WithReadMaxBytes(MaxValueSize + 4096),
	}

	mux := http.NewServeMux()
	mux.Handle(procPing, connect.NewUnaryHandler(procPing, n.handlePing, opts...))
	mux.Handle(procFindNode, connect.NewUnaryHandler(procFindNode, n.handleFindNode, opts...))
	mux.Handle(procFindValue, connect.NewUnaryHandler(procFindValue, n.handleFindValue, opts...))
	mux.Handle(procStore, connect.NewUnaryHandler(procStore, n.handleStore, opts...))
	return "/" + ServiceName + "/", mux
}

// observe adds the caller to the routing table.
func (n *Node) observe(sender Contact) {
	if sender.ID != n.self.ID && sender.Addr != "" {
		n.table.Update(sender)
	}
}

func (n *Node) handlePing(_ context.Context, req *connect.Request[pingRequest]) (*connect.Response[pingResponse], error) {
	n.observe(req.Msg.Sender)
	return connect.NewResponse(&pingResponse{Node: n.self}), nil
}

func (n *Node) handleFindNode(_ context.Context, req *connect.Request[findNodeRequest]) (*connect.Response[findNodeResponse], error) {
	n.observe(req.Msg.Sender)
	return connect.NewResponse(&findNodeResponse{
		Contacts: n.table.Closest(req.Msg.Target, n.cfg.K),
	}), nil
}

func (n *Node) handleFindValue(ctx context.Context, req *connect.Request[findValueRequest]) (*connect.Response[findValueResponse], error) {
	n.observe(req.Msg.Sender)

	value, ok, err := n.values.get(ctx, req.Msg.Key)
	if err != nil {
		return nil, connect.NewError(connect.CodeInternal, err)
	}
	if ok {
		return connect.NewResponse(&findValueResponse{Value: value, Found: true}), nil
	}
	return connect.NewResponse(&findValueResponse{
		Contacts: n.table.Closest(req.Msg.Key, n.cfg.K),
	}), nil
}

func (n *Node) handleStore(ctx context.Context, req *connect.Request[storeRequest]) (*connect.Response[storeResponse], error) {
	n.observe(req.Msg.Sender)

	if len(req.Msg.Value) == 0 {
		return nil, connect.NewError(connect.CodeInvalidArgument, errors.New("empty value"))
	}
	if len(req.Msg.Value) > MaxValueSize {
		return nil, connect.NewError(connect.CodeResourceExhausted, errors.New("value too large"))
	}
	if err := n.values.put(ctx, req.Msg.Key, req.Msg.Value); err != nil {
		return nil, connect.NewError(connect.CodeResourceExhausted, err)
	}
	return connect.NewResponse(&storeResponse{}), nil
}

// rpcClient is the client side of one remote node.
type rpcClient struct {
	ping      *connect.Client[pingRequest, pingResponse]
	findNode  *connect.Client[findNodeRequest, findNodeResponse]
	findValue *connect.Client[findValueRequest, findValueResponse]
	store     *connect.Client[storeRequest, storeResponse]
}

type clientPool struct {
	httpClient connect.HTTPClient
	opts       []connect.ClientOption

	mu      sync.Mutex
	clients map[string]*rpcClient
}

func newClientPool(httpClient connect.HTTPClient, interceptors []connect.Interceptor) *clientPool {
	return &clientPool{
		httpClient: httpClient,
		opts: []connect.ClientOption{
			connect.WithCodec(jsonCodec{}),
			connect.WithInterceptors(interceptors...),
		},
		clients: make(map[string]*rpcClient),
	}
}

func (p *clientPool) get(addr string) *rpcClient {
	p.mu.Lock()
	defer p.mu.Unlock()

	if c, ok := p.clients[addr]; ok {
		return c
	}
	base := strings.TrimSuffix(addr, "/")
	c := &rpcClient{
		ping:      connect.NewClient[pingRequest, pingResponse](p.httpClient, base+procPing, p.opts...),
		findNode:  connect.NewClient[findNodeRequest, findNodeResponse](p.httpClient, base+procFindNode, p.opts...),
		findValue: connect.NewClient[findValueRequest, findValueResponse](p.httpClient, base+procFindValue, p.opts...),
		store:     connect.NewClient[storeRequest, storeResponse](p.httpClient, base+procStore, p.opts...),
	}
	p.clients[addr] = c
	return c
}

func (n *Node) ping(ctx context.Context, addr string) (Contact, error) {
	ctx, cancel := context.WithTimeout(ctx, n.cfg.QueryTimeout)
	defer cancel()
	resp, err := n.clients.get(addr).ping.CallUnary(ctx, connect.NewRequest(&pingRequest{Sender: n.self}))
	if err != nil {
		return Contact{}, err
	}
	return resp.Msg.Node, nil
}

func (n *Node) findNode(ctx context.Context, c Contact, target ID) ([]Contact, error) {
	ctx, cancel := context.WithTimeout(ctx, n.cfg.QueryTimeout)
	defer cancel()
	resp, err := n.clients.get(c.Addr).findNode.CallUnary(ctx,
		connect.NewRequest(&findNodeRequest{Sender: n.self, Target: target}))
	if err != nil {
		return nil, err
	}
	return resp.Msg.Contacts, nil
}

func (n *Node) findValue(ctx context.Context, c Contact, key ID) (*findValueResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, n.cfg.QueryTimeout)
	defer cancel()
	resp, err := n.clients.get(c.Addr).findValue.CallUnary(ctx,
		connect.NewRequest(&findValueRequest{Sender: n.self, Key: key}))
	if err != nil {
		return nil, err
	}
	return resp.Msg, nil
}

func (n *Node) storeAt(ctx context.Context, c Contact, key ID, value []byte) error {
	ctx, cancel := context.WithTimeout(ctx, n.cfg.QueryTimeout)
	defer cancel()
	_, err := n.clients.get(c.Addr).store.CallUnary(ctx,
		connect.NewRequest(&storeRequest{Sender: n.self, Key: key, Value: value}))
	return err
}
