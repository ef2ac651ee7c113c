package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/yndnr/shardmesh-go/internal/core/domain"
	"github.com/yndnr/shardmesh-go/pkg/token"
)

// MaxBlobSize bounds a single blob on the wire.
const MaxBlobSize = 64 << 20

// HTTPConfig configures an HTTPStore.
type HTTPConfig struct {
	// Endpoint is the base URL; blobs live under Endpoint + "/blobs/".
	Endpoint string `koanf:"endpoint"`
	// Token is sent as a bearer token when set.
	Token   string        `koanf:"token"`
	Timeout time.Duration `koanf:"timeout"`

	Client *http.Client `koanf:"-"`
}

// HTTPStore is a BlobStore backed by a remote object endpoint.
type HTTPStore struct {
	base   string
	token  string
	client *http.Client
}

// NewHTTPStore creates a client for cfg.Endpoint.
func NewHTTPStore(cfg HTTPConfig) (*HTTPStore, error) {
	if cfg.Endpoint == "" {
		return nil, domain.ErrInvalidArgument.WithDetails("backend endpoint is empty")
	}
	client := cfg.Client
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 60 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	return &HTTPStore{
		base:   strings.TrimSuffix(cfg.Endpoint, "/") + "/blobs/",
		token:  cfg.Token,
		client: client,
	}, nil
}

type putResponse struct {
	ID string `json:"id"`
}

// Put uploads data under its content id.
func (s *HTTPStore) Put(ctx context.Context, data []byte) (string, error) {
	id := BlobID(data)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, s.base+id, bytes.NewReader(data))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := s.do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var out putResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&out); err != nil {
		return "", domain.ErrTransportUnavailable.WithDetails("backend put: bad response").WithCause(err)
	}
	if out.ID != id {
		return "", domain.ErrStorage.WithDetails(fmt.Sprintf("backend stored %s, expected %s", out.ID, id))
	}
	return id, nil
}

// Get downloads the blob stored under id.
func (s *HTTPStore) Get(ctx context.Context, id string) ([]byte, error) {
	if err := validID(id); err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.base+id, nil)
	if err != nil {
		return nil, err
	}

	resp, err := s.do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, MaxBlobSize+1))
	if err != nil {
		return nil, domain.ErrTransportUnavailable.WithDetails("backend get").WithCause(err)
	}
	if len(data) > MaxBlobSize {
		return nil, domain.ErrStorage.WithDetails("backend blob exceeds size limit")
	}
	if BlobID(data) != id {
		return nil, domain.ErrStorage.WithDetails("backend returned a corrupt blob")
	}
	return data, nil
}

// do sends req and maps failures to domain errors. On success the caller
// owns resp.Body.
func (s *HTTPStore) do(req *http.Request) (*http.Response, error) {
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		if req.Context().Err() != nil {
			return nil, domain.ErrTimeout.WithDetails("backend " + req.Method).WithCause(err)
		}
		return nil, domain.ErrTransportUnavailable.WithDetails("backend " + req.Method).WithCause(err)
	}
	if resp.StatusCode/100 == 2 {
		return resp, nil
	}

	defer resp.Body.Close()
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	detail := fmt.Sprintf("backend %s: %s: %s", req.Method, resp.Status, strings.TrimSpace(string(msg)))
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, domain.ErrFileNotFound.WithDetails(detail)
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, domain.ErrUnauthorized.WithDetails(detail)
	case resp.StatusCode == http.StatusRequestEntityTooLarge || resp.StatusCode == http.StatusInsufficientStorage:
		return nil, domain.ErrAllocationExceeded.WithDetails(detail)
	case resp.StatusCode >= 500:
		return nil, domain.ErrTransportUnavailable.WithDetails(detail)
	default:
		return nil, domain.ErrStorage.WithDetails(detail)
	}
}

// Handler serves store over the HTTPStore protocol. Requests must carry
// bearerToken when it is non-empty.
func Handler(store BlobStore, bearerToken string, logger *slog.Logger) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "backend-server")

	mux := http.NewServeMux()
	mux.HandleFunc("PUT /blobs/{id}", func(w http.ResponseWriter, r *http.Request) {
		data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxBlobSize))
		if err != nil {
			http.Error(w, "blob too large", http.StatusRequestEntityTooLarge)
			return
		}
		if BlobID(data) != r.PathValue("id") {
			http.Error(w, "id does not match content", http.StatusBadRequest)
			return
		}
		id, err := store.Put(r.Context(), data)
		if err != nil {
			logger.Warn("blob put failed", "error", err)
			writeError(w, err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(putResponse{ID: id})
	})
	mux.HandleFunc("GET /blobs/{id}", func(w http.ResponseWriter, r *http.Request) {
		data, err := store.Get(r.Context(), r.PathValue("id"))
		if err != nil {
			writeError(w, err)
			return
		}
		w.Header().Set("Content-Type", "application/octet-stream")
		_, _ = w.Write(data)
	})

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if bearerToken != "" {
			presented, ok := token.FromHeader(r.Header.Get("Authorization"))
			if !ok || !token.Equal(presented, bearerToken) {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
		}
		mux.ServeHTTP(w, r)
	})
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch domain.GetErrorCode(err) {
	case domain.ErrFileNotFound.Code:
		status = http.StatusNotFound
	case domain.ErrInvalidArgument.Code:
		status = http.StatusBadRequest
	case domain.ErrAllocationExceeded.Code:
		status = http.StatusInsufficientStorage
	}
	http.Error(w, err.Error(), status)
}
