package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/yndnr/shardmesh-go/internal/core/domain"
	"github.com/yndnr/shardmesh-go/internal/engine"
)

// fakeEngine keeps files in memory.
type fakeEngine struct {
	mu        sync.Mutex
	files     map[domain.ContentAddress][]byte
	lastOpts  engine.StoreOptions
	storeErr  error
	syncErr   error
	allocs    map[domain.Tier]int64
	recovered [][]byte
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		files:  make(map[domain.ContentAddress][]byte),
		allocs: map[domain.Tier]int64{domain.TierLocal: 1 << 30},
	}
}

func (f *fakeEngine) StoreFile(_ context.Context, data []byte, opts engine.StoreOptions) (*engine.StoreResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastOpts = opts
	if f.storeErr != nil {
		return nil, f.storeErr
	}
	addr := domain.ComputeAddress(domain.EncryptedBlob{Ciphertext: data})
	f.files[addr] = append([]byte(nil), data...)
	return &engine.StoreResult{
		Address: addr,
		Manifest: &domain.Manifest{
			FileID:    addr,
			Threshold: 2,
			Total:     3,
			Placements: []domain.Placement{
				{Index: 0, DestinationID: "self", Tier: domain.TierLocal},
			},
		},
		Degraded: true,
	}, nil
}

func (f *fakeEngine) RetrieveFile(_ context.Context, addr domain.ContentAddress) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.files[addr]
	if !ok {
		return nil, domain.ErrFileNotFound
	}
	return data, nil
}

func (f *fakeEngine) Recover(_ context.Context, secret, aux []byte, addr domain.ContentAddress) ([]byte, error) {
	f.mu.Lock()
	f.recovered = append(f.recovered, append(append([]byte(nil), secret...), aux...))
	f.mu.Unlock()
	if string(secret) != "correct horse" {
		return nil, domain.ErrCryptoFailure
	}
	return f.RetrieveFile(context.Background(), addr)
}

func (f *fakeEngine) Status(_ context.Context, addr domain.ContentAddress) (*engine.FileStatus, error) {
	if _, err := f.RetrieveFile(context.Background(), addr); err != nil {
		return nil, err
	}
	return &engine.FileStatus{Address: addr, ShardsReachable: 3, Threshold: 2, Total: 3, Recoverable: true}, nil
}

func (f *fakeEngine) Files(context.Context) ([]*domain.Manifest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*domain.Manifest
	for addr, data := range f.files {
		out = append(out, &domain.Manifest{FileID: addr, Size: int64(len(data)), Threshold: 2, Total: 3})
	}
	return out, nil
}

func (f *fakeEngine) Allocations() []engine.AllocationStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []engine.AllocationStatus
	for tier, n := range f.allocs {
		out = append(out, engine.AllocationStatus{Tier: tier, Allocated: n})
	}
	return out
}

func (f *fakeEngine) SetAllocation(_ context.Context, tier domain.Tier, bytes int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.allocs[tier]; !ok {
		return domain.ErrInvalidArgument.WithDetails("no budget")
	}
	if bytes > 1<<40 {
		return domain.ErrAllocationOutOfBounds
	}
	f.allocs[tier] = bytes
	return nil
}

func (f *fakeEngine) Sync(context.Context) (*engine.SyncReport, error) {
	return &engine.SyncReport{Regenerated: 1}, f.syncErr
}

type fakePeers []domain.PeerNode

func (p fakePeers) Snapshot() []domain.PeerNode { return p }

func newTestHandler(t *testing.T, eng *fakeEngine) *Handler {
	t.Helper()
	return New(Config{
		Engine: eng,
		Peers: fakePeers{
			{NodeID: "b", Role: domain.RoleAlwaysOn, State: domain.PeerReachable, LastHeartbeat: time.Now()},
			{NodeID: "a", Role: domain.RoleMobile, State: domain.PeerStale},
		},
		Defaults:       engine.StoreOptions{Threshold: 2, Total: 3},
		MaxUploadBytes: 1024,
		Logger:         slog.New(slog.DiscardHandler),
	})
}

func do(t *testing.T, h http.Handler, method, path string, body io.Reader) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, body)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, data any) Response {
	t.Helper()
	var resp Response
	if data != nil {
		resp.Data = data
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return resp
}

func TestStoreAndRetrieve(t *testing.T) {
	eng := newFakeEngine()
	h := newTestHandler(t, eng)

	rec := do(t, h, http.MethodPost, "/v1/files", strings.NewReader("quarterly report"))
	if rec.Code != http.StatusCreated {
		t.Fatalf("store status = %d body %s", rec.Code, rec.Body)
	}
	var stored StoreFileResponse
	resp := decode(t, rec, &stored)
	if resp.Code != "OK" || !stored.Degraded || stored.Total != 3 {
		t.Errorf("unexpected store response %+v %+v", resp, stored)
	}
	if eng.lastOpts != (engine.StoreOptions{Threshold: 2, Total: 3}) {
		t.Errorf("default options not applied: %+v", eng.lastOpts)
	}
	if loc := rec.Header().Get("Location"); loc != "/v1/files/"+stored.Address.String() {
		t.Errorf("Location = %q", loc)
	}

	rec = do(t, h, http.MethodGet, "/v1/files/"+stored.Address.String(), nil)
	if rec.Code != http.StatusOK || rec.Body.String() != "quarterly report" {
		t.Fatalf("retrieve = %d %q", rec.Code, rec.Body)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/octet-stream" {
		t.Errorf("Content-Type = %q", ct)
	}

	rec = do(t, h, http.MethodGet, "/v1/files/"+stored.Address.String()+"/status", nil)
	var st engine.FileStatus
	decode(t, rec, &st)
	if rec.Code != http.StatusOK || !st.Recoverable {
		t.Errorf("status = %d %+v", rec.Code, st)
	}

	rec = do(t, h, http.MethodGet, "/v1/files", nil)
	var list ListFilesResponse
	decode(t, rec, &list)
	if list.Total != 1 || list.Files[0].Address != stored.Address {
		t.Errorf("list = %+v", list)
	}
}

func TestStoreFile_EmptyBody(t *testing.T) {
	eng := newFakeEngine()
	h := newTestHandler(t, eng)

	rec := do(t, h, http.MethodPost, "/v1/files", http.NoBody)
	if rec.Code != http.StatusCreated {
		t.Fatalf("store status = %d body %s", rec.Code, rec.Body)
	}
	var stored StoreFileResponse
	decode(t, rec, &stored)
	if stored.Address.IsZero() {
		t.Fatal("empty file stored without an address")
	}

	rec = do(t, h, http.MethodGet, "/v1/files/"+stored.Address.String(), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("retrieve status = %d body %s", rec.Code, rec.Body)
	}
	if rec.Body.Len() != 0 {
		t.Errorf("retrieve returned %d bytes, want 0", rec.Body.Len())
	}
}

func TestStoreFile_Options(t *testing.T) {
	tests := []struct {
		name       string
		query      string
		wantStatus int
		wantOpts   engine.StoreOptions
	}{
		{"Override", "?threshold=3&total=5", http.StatusCreated, engine.StoreOptions{Threshold: 3, Total: 5}},
		{"NoRedundancy", "?threshold=1&total=1", http.StatusCreated, engine.StoreOptions{Threshold: 1, Total: 1}},
		{"NotANumber", "?threshold=two", http.StatusBadRequest, engine.StoreOptions{}},
		{"OutOfRange", "?total=300", http.StatusBadRequest, engine.StoreOptions{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			eng := newFakeEngine()
			rec := do(t, newTestHandler(t, eng), http.MethodPost, "/v1/files"+tt.query, strings.NewReader("x"))
			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d (%s)", rec.Code, tt.wantStatus, rec.Body)
			}
			if tt.wantStatus == http.StatusCreated && eng.lastOpts != tt.wantOpts {
				t.Errorf("opts = %+v, want %+v", eng.lastOpts, tt.wantOpts)
			}
			if tt.wantStatus == http.StatusBadRequest && rec.Header().Get("X-Error-Code") != "SM-SHARD-4001" {
				t.Errorf("X-Error-Code = %q", rec.Header().Get("X-Error-Code"))
			}
		})
	}
}

func TestErrorMapping(t *testing.T) {
	h := newTestHandler(t, newFakeEngine())
	unknown := domain.ComputeAddress(domain.EncryptedBlob{Ciphertext: []byte("nope")})

	tests := []struct {
		name       string
		method     string
		path       string
		body       string
		wantStatus int
		wantCode   string
	}{
		{"NotFound", http.MethodGet, "/v1/files/" + unknown.String(), "", http.StatusNotFound, "SM-FILE-4040"},
		{"BadAddress", http.MethodGet, "/v1/files/xyz", "", http.StatusBadRequest, "SM-ARG-4000"},
		{"TooLarge", http.MethodPost, "/v1/files", strings.Repeat("a", 2048), http.StatusRequestEntityTooLarge, CodeTooLarge},
		{"UnknownTier", http.MethodPut, "/v1/allocations/attic", `{"bytes":1}`, http.StatusBadRequest, "SM-ARG-4000"},
		{"AllocationBounds", http.MethodPut, "/v1/allocations/local", `{"bytes":2199023255552}`, http.StatusBadRequest, "SM-ALLOC-4001"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, h, tt.method, tt.path, strings.NewReader(tt.body))
			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d (%s)", rec.Code, tt.wantStatus, rec.Body)
			}
			if resp := decode(t, rec, nil); resp.Code != tt.wantCode {
				t.Errorf("code = %q, want %q", resp.Code, tt.wantCode)
			}
		})
	}
}

func TestInternalErrorHidden(t *testing.T) {
	eng := newFakeEngine()
	eng.storeErr = errors.New("disk controller on fire")
	rec := do(t, newTestHandler(t, eng), http.MethodPost, "/v1/files", strings.NewReader("x"))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "fire") {
		t.Error("internal error text leaked to client")
	}
}

func TestRecover(t *testing.T) {
	eng := newFakeEngine()
	h := newTestHandler(t, eng)
	rec := do(t, h, http.MethodPost, "/v1/files", strings.NewReader("family photos"))
	var stored StoreFileResponse
	decode(t, rec, &stored)

	body := func(secret string) io.Reader {
		b, _ := json.Marshal(RecoverRequest{Address: stored.Address, UserSecret: []byte(secret), AuxFactor: []byte("pin")})
		return bytes.NewReader(b)
	}

	rec = do(t, h, http.MethodPost, "/v1/recover", body("correct horse"))
	if rec.Code != http.StatusOK || rec.Body.String() != "family photos" {
		t.Fatalf("recover = %d %q", rec.Code, rec.Body)
	}
	rec = do(t, h, http.MethodPost, "/v1/recover", body("wrong"))
	if rec.Code != http.StatusBadRequest || rec.Header().Get("X-Error-Code") != "SM-CRYPTO-4001" {
		t.Errorf("wrong secret = %d %s", rec.Code, rec.Header().Get("X-Error-Code"))
	}
	rec = do(t, h, http.MethodPost, "/v1/recover", strings.NewReader(`{"address":"`+stored.Address.String()+`"}`))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("missing secret = %d", rec.Code)
	}
}

func TestAllocations(t *testing.T) {
	h := newTestHandler(t, newFakeEngine())
	rec := do(t, h, http.MethodPut, "/v1/allocations/local", strings.NewReader(`{"bytes":4096}`))
	var a engine.AllocationStatus
	decode(t, rec, &a)
	if rec.Code != http.StatusOK || a.Allocated != 4096 {
		t.Fatalf("set = %d %+v", rec.Code, a)
	}
	rec = do(t, h, http.MethodGet, "/v1/allocations", nil)
	var list []engine.AllocationStatus
	decode(t, rec, &list)
	if len(list) != 1 || list[0].Allocated != 4096 {
		t.Errorf("list = %+v", list)
	}
}

func TestSync(t *testing.T) {
	eng := newFakeEngine()
	h := newTestHandler(t, eng)

	rec := do(t, h, http.MethodPost, "/v1/sync", nil)
	var report engine.SyncReport
	decode(t, rec, &report)
	if rec.Code != http.StatusOK || report.Regenerated != 1 {
		t.Fatalf("sync = %d %+v", rec.Code, report)
	}

	eng.syncErr = domain.ErrTransportUnavailable.WithDetails("dht down")
	rec = do(t, h, http.MethodPost, "/v1/sync", nil)
	if rec.Code != http.StatusMultiStatus {
		t.Fatalf("partial sync status = %d", rec.Code)
	}
	resp := decode(t, rec, nil)
	if resp.Code != "SM-TRANS-5031" || resp.Details == nil {
		t.Errorf("partial sync response = %+v", resp)
	}
}

func TestPeers(t *testing.T) {
	rec := do(t, newTestHandler(t, newFakeEngine()), http.MethodGet, "/v1/peers", nil)
	var peers []PeerView
	decode(t, rec, &peers)
	if len(peers) != 2 || peers[0].NodeID != "a" || peers[0].State != domain.PeerStale {
		t.Errorf("peers = %+v", peers)
	}
}

func TestHealth(t *testing.T) {
	eng := newFakeEngine()
	ready := errors.New("dht bootstrapping")
	h := New(Config{Engine: eng, Ready: func() error { return ready }, Logger: slog.New(slog.DiscardHandler)})

	if rec := do(t, h, http.MethodGet, "/health", nil); rec.Code != http.StatusOK {
		t.Errorf("health = %d", rec.Code)
	}
	if rec := do(t, h, http.MethodGet, "/ready", nil); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("ready while starting = %d", rec.Code)
	}
	ready = nil
	if rec := do(t, h, http.MethodGet, "/ready", nil); rec.Code != http.StatusOK {
		t.Errorf("ready = %d", rec.Code)
	}
	if rec := do(t, h, http.MethodGet, "/version", nil); rec.Code != http.StatusOK {
		t.Errorf("version = %d", rec.Code)
	}
}

func TestStatusFromCode(t *testing.T) {
	tests := []struct {
		code string
		want int
	}{
		{"SM-SHARD-4090", 409},
		{"SM-DHT-5032", 503},
		{"SM-SYS-5040", 504},
		{"SM-ALLOC-4130", 413},
		{"SM-X-12", 500},
		{"garbage", 500},
		{"SM-X-2000", 500},
	}
	for _, tt := range tests {
		if got := StatusFromCode(tt.code); got != tt.want {
			t.Errorf("StatusFromCode(%q) = %d, want %d", tt.code, got, tt.want)
		}
	}
}
