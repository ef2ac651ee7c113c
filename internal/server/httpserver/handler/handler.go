package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/yndnr/shardmesh-go/internal/core/domain"
	"github.com/yndnr/shardmesh-go/internal/engine"
	"github.com/yndnr/shardmesh-go/internal/telemetry/logger"
)

// Engine is the storage engine surface the API exposes.
type Engine interface {
	StoreFile(ctx context.Context, data []byte, opts engine.StoreOptions) (*engine.StoreResult, error)
	RetrieveFile(ctx context.Context, addr domain.ContentAddress) ([]byte, error)
	Recover(ctx context.Context, userSecret, auxFactor []byte, addr domain.ContentAddress) ([]byte, error)
	Status(ctx context.Context, addr domain.ContentAddress) (*engine.FileStatus, error)
	Files(ctx context.Context) ([]*domain.Manifest, error)
	Allocations() []engine.AllocationStatus
	SetAllocation(ctx context.Context, tier domain.Tier, bytes int64) error
	Sync(ctx context.Context) (*engine.SyncReport, error)
}

// PeerLister lists the peer directory.
type PeerLister interface {
	Snapshot() []domain.PeerNode
}

// Config configures a Handler.
type Config struct {
	Engine Engine
	// Peers may be nil on a node without local transports.
	Peers PeerLister
	// Defaults is the sharing policy used when a request names none.
	Defaults engine.StoreOptions
	// MaxUploadBytes bounds request bodies of POST /v1/files.
	MaxUploadBytes int64
	// Ready reports whether the node has finished starting. Nil means ready.
	Ready  func() error
	Logger *slog.Logger
}

// Handler routes Storage API requests.
type Handler struct {
	cfg    Config
	logger *slog.Logger
	mux    *http.ServeMux
}

// New creates a Handler.
func New(cfg Config) *Handler {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = 256 << 20
	}
	h := &Handler{
		cfg:    cfg,
		logger: cfg.Logger.With("component", "storage-api"),
		mux:    http.NewServeMux(),
	}
	h.registerRoutes()
	return h
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func (h *Handler) registerRoutes() {
	h.mux.HandleFunc("GET /health", h.handleHealth)
	h.mux.HandleFunc("GET /ready", h.handleReady)
	h.mux.HandleFunc("GET /version", h.handleVersion)

	h.mux.HandleFunc("POST /v1/files", h.handleStoreFile)
	h.mux.HandleFunc("GET /v1/files", h.handleListFiles)
	h.mux.HandleFunc("GET /v1/files/{addr}", h.handleRetrieveFile)
	h.mux.HandleFunc("GET /v1/files/{addr}/status", h.handleFileStatus)
	h.mux.HandleFunc("POST /v1/recover", h.handleRecover)

	h.mux.HandleFunc("GET /v1/allocations", h.handleListAllocations)
	h.mux.HandleFunc("PUT /v1/allocations/{tier}", h.handleSetAllocation)
	h.mux.HandleFunc("POST /v1/sync", h.handleSync)
	h.mux.HandleFunc("GET /v1/peers", h.handleListPeers)
}

func (h *Handler) writeJSON(w http.ResponseWriter, r *http.Request, status int, data any) {
	requestID := logger.RequestIDFromContext(r.Context())
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(NewResponse(requestID, data)); err != nil {
		h.logger.Debug("failed to encode response", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, status int, code, message string, details any) {
	requestID := logger.RequestIDFromContext(r.Context())
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Error-Code", code)
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(NewErrorResponse(requestID, code, message, details))
}

// writeBlob sends file contents.
func (h *Handler) writeBlob(w http.ResponseWriter, addr domain.ContentAddress, data []byte) {
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Header().Set("X-Content-Address", addr.String())
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// handleServiceError converts engine errors to responses.
func (h *Handler) handleServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var de *domain.DomainError
	if errors.As(err, &de) {
		status := StatusFromCode(de.Code)
		if status >= 500 {
			logger.L(r.Context()).Warn("request failed", "path", r.URL.Path, "error", err)
		}
		h.writeError(w, r, status, de.Code, err.Error(), nil)
		return
	}
	var tooBig *http.MaxBytesError
	if errors.As(err, &tooBig) {
		h.writeError(w, r, http.StatusRequestEntityTooLarge, CodeTooLarge,
			"upload exceeds "+strconv.FormatInt(tooBig.Limit, 10)+" bytes", nil)
		return
	}
	logger.L(r.Context()).Error("internal error", "path", r.URL.Path, "error", err)
	h.writeError(w, r, http.StatusInternalServerError, CodeInternal, "internal server error", nil)
}

// Codes for failures that have no domain error.
const (
	CodeInternal = "SM-SYS-5000"
	CodeTooLarge = "SM-ARG-4130"
	CodeNotReady = "SM-SYS-5030"
)

// StatusFromCode maps a code such as SM-SHARD-4090 to its HTTP status,
// the first three digits of the last segment.
func StatusFromCode(code string) int {
	i := strings.LastIndexByte(code, '-')
	if i < 0 || len(code)-i-1 < 3 {
		return http.StatusInternalServerError
	}
	n, err := strconv.Atoi(code[i+1 : i+4])
	if err != nil || n < 400 || n > 599 {
		return http.StatusInternalServerError
	}
	return n
}

func pathAddress(r *http.Request) (domain.ContentAddress, error) {
	return domain.ParseContentAddress(r.PathValue("addr"))
}
