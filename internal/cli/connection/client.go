// Package connection is the shardmesh CLI's client for a node's Storage
// API, over TCP or the local admin socket.
package connection

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/yndnr/shardmesh-go/internal/core/domain"
	"github.com/yndnr/shardmesh-go/internal/engine"
	"github.com/yndnr/shardmesh-go/internal/infra/buildinfo"
	"github.com/yndnr/shardmesh-go/internal/infra/tlsroots"
	"github.com/yndnr/shardmesh-go/internal/server/httpserver/handler"
)

// Options configures a Client.
type Options struct {
	// Server is host:port or a full URL.
	Server string
	// Socket, when set, is used instead of Server.
	Socket string
	// Token is sent as a bearer token.
	Token string
	// CAFile adds a trusted root for https servers.
	CAFile  string
	Timeout time.Duration
}

// Client calls the Storage API.
type Client struct {
	base  string
	token string
	http  *http.Client
}

// APIError is an error response from the node.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("request failed with status %d", e.Status)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// New creates a client.
func New(opts Options) (*Client, error) {
	if opts.Timeout == 0 {
		opts.Timeout = 5 * time.Minute
	}
	tr := http.DefaultTransport.(*http.Transport).Clone()
	c := &Client{token: opts.Token, http: &http.Client{Timeout: opts.Timeout, Transport: tr}}

	switch {
	case opts.Socket != "":
		socket := opts.Socket
		tr.DialContext = func(ctx context.Context, _, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", socket)
		}
		c.base = "http://shardmesh-node"
	case opts.Server != "":
		c.base = opts.Server
		if !strings.HasPrefix(c.base, "http://") && !strings.HasPrefix(c.base, "https://") {
			c.base = "http://" + c.base
		}
		c.base = strings.TrimSuffix(c.base, "/")
		if opts.CAFile != "" {
			tc, err := tlsroots.ClientConfig(opts.CAFile)
			if err != nil {
				return nil, err
			}
			tr.TLSClientConfig = tc
		}
	default:
		return nil, errors.New("no server or socket configured")
	}
	return c, nil
}

// BaseURL returns the URL requests are sent to.
func (c *Client) BaseURL() string { return c.base }

func (c *Client) do(ctx context.Context, method, path string, body io.Reader, contentType string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("User-Agent", "shardmesh/"+buildinfo.Get().Version)
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 && resp.StatusCode != http.StatusMultiStatus {
		defer resp.Body.Close()
		return nil, decodeError(resp)
	}
	return resp, nil
}

func decodeError(resp *http.Response) error {
	var env handler.Response
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&env); err == nil && env.Code != "" {
		return &APIError{Status: resp.StatusCode, Code: env.Code, Message: env.Message}
	}
	return &APIError{Status: resp.StatusCode}
}

// call sends a JSON request and decodes the data field of the envelope.
func (c *Client) call(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	ct := ""
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal body: %w", err)
		}
		body, ct = bytes.NewReader(raw), "application/json"
	}
	resp, err := c.do(ctx, method, path, body, ct)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return decodeData(resp, out)
}

func decodeData(resp *http.Response, out any) error {
	env := handler.Response{Data: out}
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("parse response: %w", err)
	}
	if resp.StatusCode == http.StatusMultiStatus {
		if raw, err := json.Marshal(env.Details); err == nil && out != nil {
			_ = json.Unmarshal(raw, out)
		}
		return &APIError{Status: resp.StatusCode, Code: env.Code, Message: env.Message}
	}
	return nil
}

// StoreFile uploads a file. Zero threshold and total use the node's
// defaults.
func (c *Client) StoreFile(ctx context.Context, r io.Reader, threshold, total int) (*handler.StoreFileResponse, error) {
	q := url.Values{}
	if threshold > 0 {
		q.Set("threshold", strconv.Itoa(threshold))
	}
	if total > 0 {
		q.Set("total", strconv.Itoa(total))
	}
	path := "/v1/files"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	resp, err := c.do(ctx, http.MethodPost, path, r, "application/octet-stream")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	var out handler.StoreFileResponse
	if err := decodeData(resp, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// RetrieveFile streams a file into w and returns the byte count.
func (c *Client) RetrieveFile(ctx context.Context, addr domain.ContentAddress, w io.Writer) (int64, error) {
	resp, err := c.do(ctx, http.MethodGet, "/v1/files/"+addr.String(), nil, "")
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	return io.Copy(w, resp.Body)
}

// Recover rebuilds a file from the user's secret and streams it into w.
func (c *Client) Recover(ctx context.Context, addr domain.ContentAddress, secret, aux []byte, w io.Writer) (int64, error) {
	raw, err := json.Marshal(handler.RecoverRequest{Address: addr, UserSecret: secret, AuxFactor: aux})
	if err != nil {
		return 0, err
	}
	resp, err := c.do(ctx, http.MethodPost, "/v1/recover", bytes.NewReader(raw), "application/json")
	clear(raw)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	return io.Copy(w, resp.Body)
}

// Status reports the health of a stored file.
func (c *Client) Status(ctx context.Context, addr domain.ContentAddress) (*engine.FileStatus, error) {
	var out engine.FileStatus
	if err := c.call(ctx, http.MethodGet, "/v1/files/"+addr.String()+"/status", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Files lists the files the node holds manifests for.
func (c *Client) Files(ctx context.Context) (*handler.ListFilesResponse, error) {
	var out handler.ListFilesResponse
	if err := c.call(ctx, http.MethodGet, "/v1/files", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Allocations lists tier budgets.
func (c *Client) Allocations(ctx context.Context) ([]engine.AllocationStatus, error) {
	var out []engine.AllocationStatus
	err := c.call(ctx, http.MethodGet, "/v1/allocations", nil, &out)
	return out, err
}

// SetAllocation resizes a tier budget.
func (c *Client) SetAllocation(ctx context.Context, tier domain.Tier, bytes int64) (*engine.AllocationStatus, error) {
	var out engine.AllocationStatus
	if err := c.call(ctx, http.MethodPut, "/v1/allocations/"+string(tier), handler.SetAllocationRequest{Bytes: bytes}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Sync runs a maintenance pass. A partial failure returns the report
// together with an *APIError.
func (c *Client) Sync(ctx context.Context) (*engine.SyncReport, error) {
	var out engine.SyncReport
	err := c.call(ctx, http.MethodPost, "/v1/sync", nil, &out)
	return &out, err
}

// Peers lists the node's peer directory.
func (c *Client) Peers(ctx context.Context) ([]handler.PeerView, error) {
	var out []handler.PeerView
	err := c.call(ctx, http.MethodGet, "/v1/peers", nil, &out)
	return out, err
}

// Health checks liveness.
func (c *Client) Health(ctx context.Context) (*handler.HealthResponse, error) {
	var out handler.HealthResponse
	if err := c.call(ctx, http.MethodGet, "/health", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Version returns the node's build.
func (c *Client) Version(ctx context.Context) (*buildinfo.Info, error) {
	var out buildinfo.Info
	if err := c.call(ctx, http.MethodGet, "/version", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Admin calls an /admin endpoint of the local socket and decodes the plain
// JSON reply into out.
func (c *Client) Admin(ctx context.Context, method, name string, out any) error {
	resp, err := c.adminDo(ctx, method, "/admin/"+name)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *Client) adminDo(ctx context.Context, method, path string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		var msg struct {
			Message string `json:"message"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&msg)
		return nil, &APIError{Status: resp.StatusCode, Message: msg.Message}
	}
	return resp, nil
}
